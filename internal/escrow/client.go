package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/pledge"
)

// Client is the facade a front-end programs against: the three pledge entry
// points plus the read of a principal's latest pledge. Implementations are
// bound to a caller principal.
type Client interface {
	CreatePledge(ctx context.Context, req CreatePledgeRequest) (TxResult, error)
	MarkCompleted(ctx context.Context) (TxResult, error)
	WithdrawOrBurn(ctx context.Context, subject common.Address) (TxResult, error)
	// GetPledge returns pledge.ErrNotFound when addr never pledged.
	GetPledge(ctx context.Context, addr common.Address) (PledgeView, error)
}

// TxResult is what a facade reports back for a committed transaction.
type TxResult struct {
	TxID    string     `json:"txId"`
	Pledge  PledgeView `json:"pledge"`
	Outcome Outcome    `json:"outcome,omitempty"`
}

// PledgeView is the read shape of a pledge: the contract's
// {creator, description, stake, deadline, completed} plus bookkeeping.
type PledgeView struct {
	ID               pledge.ID      `json:"id"`
	Creator          common.Address `json:"creator"`
	Description      string         `json:"description"`
	Stake            uint64         `json:"stake"`
	Deadline         int64          `json:"deadline"`
	Completed        bool           `json:"completed"`
	Status           pledge.Status  `json:"status,omitempty"`
	CreatedAt        int64          `json:"createdAt"`
	CompletedAt      int64          `json:"completedAt,omitempty"`
	SettledAt        int64          `json:"settledAt,omitempty"`
	SettledBy        string         `json:"settledBy,omitempty"`
	SecondsRemaining int64          `json:"secondsRemaining"`
}

// NewPledgeView renders p as seen at now.
func NewPledgeView(p pledge.Pledge, now time.Time) PledgeView {
	v := PledgeView{
		ID:          p.ID,
		Creator:     p.Creator,
		Description: p.Description,
		Stake:       p.Stake,
		Deadline:    p.Deadline,
		Completed:   p.Completed(),
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
		SettledAt:   p.SettledAt,
	}
	if p.Status.Terminal() {
		v.SettledBy = p.SettledBy.Hex()
	}
	if p.Status == pledge.StatusOngoing && p.Deadline > now.Unix() {
		v.SecondsRemaining = p.Deadline - now.Unix()
	}
	return v
}

// NewTxResult renders a receipt for a facade caller.
func NewTxResult(rc Receipt, now time.Time) TxResult {
	return TxResult{
		TxID:    rc.TxID.Hex(),
		Pledge:  NewPledgeView(rc.Pledge, now),
		Outcome: rc.Outcome,
	}
}

// LocalClient calls an in-process Engine as one principal.
type LocalClient struct {
	engine *Engine
	caller common.Address
}

func NewLocalClient(engine *Engine, caller common.Address) *LocalClient {
	return &LocalClient{engine: engine, caller: caller}
}

// As returns a client for another principal sharing the same engine.
func (c *LocalClient) As(caller common.Address) *LocalClient {
	return &LocalClient{engine: c.engine, caller: caller}
}

func (c *LocalClient) CreatePledge(ctx context.Context, req CreatePledgeRequest) (TxResult, error) {
	rc, err := c.engine.CreatePledge(ctx, c.caller, req)
	if err != nil {
		return TxResult{}, err
	}
	return NewTxResult(rc, c.engine.Now()), nil
}

func (c *LocalClient) MarkCompleted(ctx context.Context) (TxResult, error) {
	rc, err := c.engine.MarkCompleted(ctx, c.caller)
	if err != nil {
		return TxResult{}, err
	}
	return NewTxResult(rc, c.engine.Now()), nil
}

func (c *LocalClient) WithdrawOrBurn(ctx context.Context, subject common.Address) (TxResult, error) {
	rc, err := c.engine.WithdrawOrBurn(ctx, c.caller, subject)
	if err != nil {
		return TxResult{}, err
	}
	return NewTxResult(rc, c.engine.Now()), nil
}

func (c *LocalClient) GetPledge(ctx context.Context, addr common.Address) (PledgeView, error) {
	p, err := c.engine.GetPledge(ctx, addr)
	if err != nil {
		return PledgeView{}, err
	}
	return NewPledgeView(p, c.engine.Now()), nil
}

// TransportError means the facade could not reach the service or chain; the
// request may or may not have been applied.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: transport: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

var (
	_ Client = (*LocalClient)(nil)
	_ Client = (*HTTPClient)(nil)
	_ Client = (*EthClient)(nil)
)
