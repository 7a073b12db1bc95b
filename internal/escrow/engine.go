// Package escrow runs the pledge state machine: it locks stakes on creation,
// releases them on completion and forfeits them once a deadline has passed.
// Every operation is one store transaction, so the checks, the fund movement,
// the record change and the emitted event commit together.
package escrow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"pledgerails/internal/eventlog"
	"pledgerails/internal/pledge"
	"pledgerails/internal/store"
)

// DefaultEscrowAccount holds every Ongoing stake unless configured otherwise.
var DefaultEscrowAccount = common.BytesToAddress(crypto.Keccak256([]byte("pledgerails.escrow"))[12:])

// MaxCompletionGrace bounds Policy.CompletionGrace.
const MaxCompletionGrace = 30 * 24 * time.Hour

// BurnAddress is the forfeiture sink when stakes are burned. Burned funds stay
// visible as the balance of the zero address.
var BurnAddress = common.Address{}

// Policy holds the knobs the state machine leaves open.
type Policy struct {
	// MinStake is the smallest accepted stake in minor units.
	MinStake          uint64
	MaxDescriptionLen int
	// CompletionGrace extends the completion window past the deadline and
	// delays forfeiture by the same amount. Zero is a strict cutoff.
	CompletionGrace time.Duration
	Sink            common.Address
	EscrowAccount   common.Address
	// PermissionlessSettlement lets anyone trigger forfeiture of an expired
	// pledge. When false only the creator and Keepers may.
	PermissionlessSettlement bool
	Keepers                  []common.Address
}

// DefaultPolicy is a 0.1 token minimum with burn on forfeit, a strict
// deadline and permissionless settlement.
func DefaultPolicy() Policy {
	return Policy{
		MinStake:                 10_000_000,
		MaxDescriptionLen:        280,
		Sink:                     BurnAddress,
		EscrowAccount:            DefaultEscrowAccount,
		PermissionlessSettlement: true,
	}
}

func (p Policy) validate() error {
	if p.EscrowAccount == (common.Address{}) {
		return errors.New("escrow account must not be the zero address")
	}
	if p.EscrowAccount == p.Sink {
		return errors.New("escrow account and forfeiture sink must differ")
	}
	if p.MaxDescriptionLen <= 0 {
		return errors.New("max description length must be positive")
	}
	if p.CompletionGrace < 0 {
		return errors.New("completion grace must not be negative")
	}
	if p.CompletionGrace > MaxCompletionGrace {
		return fmt.Errorf("completion grace exceeds %s", MaxCompletionGrace)
	}
	if p.MinStake > pledge.MaxStake {
		return errors.New("minimum stake exceeds the storable maximum")
	}
	return nil
}

func (p Policy) graceSeconds() int64 { return int64(p.CompletionGrace / time.Second) }

// expired reports whether a pledge with deadline can no longer be completed
// at now. The grace is subtracted from now, which is bounded, so any stored
// deadline compares without overflow.
func (p Policy) expired(deadline, now int64) bool { return now-p.graceSeconds() > deadline }

// Outcome names what a transaction did.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeCompleted        Outcome = "completed"
	OutcomeForfeited        Outcome = "forfeited"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeFunded           Outcome = "funded"
)

// CreatePledgeRequest is the create_pledge payload. Stake is in minor units,
// Deadline in unix seconds.
type CreatePledgeRequest struct {
	Description string `json:"description"`
	Stake       uint64 `json:"stake"`
	Deadline    int64  `json:"deadline"`
}

// Receipt describes a committed transaction.
type Receipt struct {
	TxID    common.Hash
	Pledge  pledge.Pledge
	Events  []eventlog.Event
	Outcome Outcome
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. The clock is read once per operation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine is the pledge escrow state machine.
type Engine struct {
	store   store.Store
	policy  Policy
	keepers map[common.Address]struct{}
	now     func() time.Time
	logger  *slog.Logger
}

func NewEngine(st store.Store, policy Policy, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("escrow: store is required")
	}
	if err := policy.validate(); err != nil {
		return nil, fmt.Errorf("escrow policy: %w", err)
	}
	e := &Engine{
		store:   st,
		policy:  policy,
		keepers: make(map[common.Address]struct{}, len(policy.Keepers)),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, k := range policy.Keepers {
		e.keepers[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "escrow.engine")
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// Now is the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) validateCreate(creator common.Address, desc string, req CreatePledgeRequest) error {
	if creator == (common.Address{}) || creator == e.policy.EscrowAccount {
		return fmt.Errorf("%w: creator %s", pledge.ErrInvalidAddress, creator.Hex())
	}
	if desc == "" {
		return fmt.Errorf("%w: description is empty", pledge.ErrInvalidDescription)
	}
	if len(desc) > e.policy.MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", pledge.ErrInvalidDescription, e.policy.MaxDescriptionLen)
	}
	if !utf8.ValidString(desc) {
		return fmt.Errorf("%w: description is not valid UTF-8", pledge.ErrInvalidDescription)
	}
	switch {
	case req.Stake == 0:
		return fmt.Errorf("%w: stake must be positive", pledge.ErrInvalidStake)
	case req.Stake < e.policy.MinStake:
		return fmt.Errorf("%w: stake %d below minimum %d", pledge.ErrInvalidStake, req.Stake, e.policy.MinStake)
	case req.Stake > pledge.MaxStake:
		return fmt.Errorf("%w: stake %d above maximum", pledge.ErrInvalidStake, req.Stake)
	}
	return nil
}

// CreatePledge locks req.Stake from creator in escrow and records an Ongoing
// pledge.
func (e *Engine) CreatePledge(ctx context.Context, creator common.Address, req CreatePledgeRequest) (Receipt, error) {
	desc := strings.TrimSpace(req.Description)
	if err := e.validateCreate(creator, desc, req); err != nil {
		return Receipt{}, err
	}

	var rc Receipt
	err := e.store.Update(ctx, func(tx store.Tx) error {
		now := e.now().Unix()
		if req.Deadline <= now {
			return fmt.Errorf("%w: deadline %d is not after %d", pledge.ErrInvalidDeadline, req.Deadline, now)
		}
		if _, err := tx.ActivePledge(ctx, creator); err == nil {
			return fmt.Errorf("%w: %s", pledge.ErrDuplicateActivePledge, creator.Hex())
		} else if !errors.Is(err, pledge.ErrNotFound) {
			return err
		}
		if err := tx.Transfer(ctx, creator, e.policy.EscrowAccount, req.Stake); err != nil {
			return err
		}
		p, err := tx.InsertPledge(ctx, pledge.Pledge{
			Creator:     creator,
			Description: desc,
			Stake:       req.Stake,
			Deadline:    req.Deadline,
			Status:      pledge.StatusOngoing,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		ev, err := tx.AppendEvent(ctx, eventlog.NewPledgeCreated(p))
		if err != nil {
			return err
		}
		rc = newReceipt("create_pledge", creator, now, p, OutcomeCreated, ev)
		return nil
	})
	if err != nil {
		e.logFailure("create_pledge", creator, err)
		return Receipt{}, err
	}
	e.logger.Info("pledge created", "pledge_id", rc.Pledge.ID, "creator", creator.Hex(),
		"stake", rc.Pledge.Stake, "deadline", rc.Pledge.Deadline, "tx_id", rc.TxID.Hex())
	return rc, nil
}

// MarkCompleted releases the stake of caller's latest pledge back to caller.
func (e *Engine) MarkCompleted(ctx context.Context, caller common.Address) (Receipt, error) {
	if caller == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: caller is the zero address", pledge.ErrInvalidAddress)
	}
	var rc Receipt
	err := e.store.Update(ctx, func(tx store.Tx) error {
		now := e.now().Unix()
		p, err := latestPledge(ctx, tx, caller)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: pledge %d is %s", pledge.ErrAlreadyTerminal, p.ID, p.Status)
		}
		if e.policy.expired(p.Deadline, now) {
			return fmt.Errorf("%w: pledge %d deadline %d", pledge.ErrDeadlinePassed, p.ID, p.Deadline)
		}
		if err := tx.Transfer(ctx, e.policy.EscrowAccount, p.Creator, p.Stake); err != nil {
			return fmt.Errorf("release stake of pledge %d: %w", p.ID, err)
		}
		p.Status = pledge.StatusCompleted
		p.CompletedAt = now
		p.SettledAt = now
		p.SettledBy = caller
		if err := tx.SettlePledge(ctx, p); err != nil {
			return err
		}
		ev, err := tx.AppendEvent(ctx, eventlog.NewPledgeCompleted(p))
		if err != nil {
			return err
		}
		rc = newReceipt("mark_completed", caller, now, p, OutcomeCompleted, ev)
		return nil
	})
	if err != nil {
		e.logFailure("mark_completed", caller, err)
		return Receipt{}, err
	}
	e.logger.Info("pledge completed", "pledge_id", rc.Pledge.ID, "creator", caller.Hex(), "tx_id", rc.TxID.Hex())
	return rc, nil
}

// WithdrawOrBurn forfeits the stake of subject's latest pledge to the sink once
// its deadline has passed. A completed pledge is reported, not an error.
func (e *Engine) WithdrawOrBurn(ctx context.Context, caller, subject common.Address) (Receipt, error) {
	if caller == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: caller is the zero address", pledge.ErrInvalidAddress)
	}
	if subject == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: subject is the zero address", pledge.ErrInvalidAddress)
	}
	if !e.mayForfeit(caller, subject) {
		return Receipt{}, fmt.Errorf("%w: %s may not settle pledges of %s", pledge.ErrUnauthorized, caller.Hex(), subject.Hex())
	}

	var rc Receipt
	err := e.store.Update(ctx, func(tx store.Tx) error {
		now := e.now().Unix()
		p, err := latestPledge(ctx, tx, subject)
		if err != nil {
			return err
		}
		switch p.Status {
		case pledge.StatusCompleted:
			rc = newReceipt("withdraw_or_burn", caller, now, p, OutcomeAlreadyCompleted)
			return nil
		case pledge.StatusMissed:
			return fmt.Errorf("%w: pledge %d already forfeited", pledge.ErrAlreadyTerminal, p.ID)
		}
		if !e.policy.expired(p.Deadline, now) {
			return fmt.Errorf("%w: pledge %d deadline %d", pledge.ErrDeadlineNotReached, p.ID, p.Deadline)
		}
		if err := tx.Transfer(ctx, e.policy.EscrowAccount, e.policy.Sink, p.Stake); err != nil {
			return fmt.Errorf("forfeit stake of pledge %d: %w", p.ID, err)
		}
		p.Status = pledge.StatusMissed
		p.SettledAt = now
		p.SettledBy = caller
		if err := tx.SettlePledge(ctx, p); err != nil {
			return err
		}
		ev, err := tx.AppendEvent(ctx, eventlog.NewPledgeMissed(p, e.policy.Sink))
		if err != nil {
			return err
		}
		rc = newReceipt("withdraw_or_burn", caller, now, p, OutcomeForfeited, ev)
		return nil
	})
	if err != nil {
		e.logFailure("withdraw_or_burn", caller, err, "subject", subject.Hex())
		return Receipt{}, err
	}
	if rc.Outcome == OutcomeForfeited {
		e.logger.Info("pledge forfeited", "pledge_id", rc.Pledge.ID, "creator", subject.Hex(),
			"settled_by", caller.Hex(), "sink", e.policy.Sink.Hex(), "tx_id", rc.TxID.Hex())
	}
	return rc, nil
}

func (e *Engine) mayForfeit(caller, subject common.Address) bool {
	if e.policy.PermissionlessSettlement || caller == subject {
		return true
	}
	_, ok := e.keepers[caller]
	return ok
}

// Fund credits amount to account and records it. It stands in for the
// external balance service in development and tests.
func (e *Engine) Fund(ctx context.Context, account common.Address, amount uint64) (Receipt, error) {
	if account == (common.Address{}) || account == e.policy.EscrowAccount {
		return Receipt{}, fmt.Errorf("%w: account %s", pledge.ErrInvalidAddress, account.Hex())
	}
	if amount == 0 || amount > pledge.MaxStake {
		return Receipt{}, fmt.Errorf("%w: %d", pledge.ErrInvalidAmount, amount)
	}
	var rc Receipt
	err := e.store.Update(ctx, func(tx store.Tx) error {
		now := e.now().Unix()
		if err := tx.Mint(ctx, account, amount); err != nil {
			return err
		}
		ev, err := tx.AppendEvent(ctx, eventlog.NewAccountFunded(account, amount, now))
		if err != nil {
			return err
		}
		rc = newReceipt("fund", account, now, pledge.Pledge{}, OutcomeFunded, ev)
		return nil
	})
	if err != nil {
		e.logFailure("fund", account, err)
		return Receipt{}, err
	}
	e.logger.Info("account funded", "account", account.Hex(), "amount", amount)
	return rc, nil
}

// GetPledge returns the latest pledge of addr, terminal or not.
func (e *Engine) GetPledge(ctx context.Context, addr common.Address) (pledge.Pledge, error) {
	var p pledge.Pledge
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		p, err = r.LatestPledge(ctx, addr)
		return err
	})
	return p, err
}

func (e *Engine) GetPledgeByID(ctx context.Context, id pledge.ID) (pledge.Pledge, error) {
	var p pledge.Pledge
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		p, err = r.Pledge(ctx, id)
		return err
	})
	return p, err
}

func (e *Engine) ListPledges(ctx context.Context, f pledge.Filter) ([]pledge.Pledge, error) {
	var out []pledge.Pledge
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.ListPledges(ctx, f)
		return err
	})
	return out, err
}

// Events is the range query over one event handle.
func (e *Engine) Events(ctx context.Context, handle string, offset uint64, limit int) ([]eventlog.Event, error) {
	if !eventlog.KnownHandle(handle) {
		return nil, fmt.Errorf("%w: event handle %q", pledge.ErrNotFound, handle)
	}
	var out []eventlog.Event
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.Events(ctx, handle, offset, limit)
		return err
	})
	return out, err
}

func (e *Engine) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	var bal uint64
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		bal, err = r.Balance(ctx, addr)
		return err
	})
	return bal, err
}

func (e *Engine) Head(ctx context.Context) (store.Head, error) {
	var h store.Head
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		h, err = r.Head(ctx)
		return err
	})
	return h, err
}

// DuePledges lists Ongoing pledges that WithdrawOrBurn would forfeit now.
func (e *Engine) DuePledges(ctx context.Context, limit int) ([]pledge.Pledge, error) {
	cutoff := e.now().Unix() - e.policy.graceSeconds()
	var out []pledge.Pledge
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.DuePledges(ctx, cutoff, limit)
		return err
	})
	return out, err
}

func latestPledge(ctx context.Context, tx store.Reader, addr common.Address) (pledge.Pledge, error) {
	p, err := tx.LatestPledge(ctx, addr)
	if errors.Is(err, pledge.ErrNotFound) {
		return pledge.Pledge{}, fmt.Errorf("%w: %s has no pledge", pledge.ErrNoActivePledge, addr.Hex())
	}
	return p, err
}

// newReceipt derives a transaction id from the operation, its caller, the
// inclusion time and the chain hash of the last event it appended.
func newReceipt(op string, caller common.Address, now int64, p pledge.Pledge, outcome Outcome, events ...eventlog.Event) Receipt {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(p.ID))
	binary.BigEndian.PutUint64(buf[8:], uint64(now))
	var last string
	if len(events) > 0 {
		last = events[len(events)-1].Hash
	}
	return Receipt{
		TxID:    crypto.Keccak256Hash([]byte(op), caller.Bytes(), buf[:], []byte(last)),
		Pledge:  p,
		Events:  events,
		Outcome: outcome,
	}
}

func (e *Engine) logFailure(op string, caller common.Address, err error, attrs ...any) {
	attrs = append([]any{"op", op, "caller", caller.Hex(), "code", pledge.CodeOf(err), "error", err}, attrs...)
	if pledge.KindOf(err) == pledge.KindSystem {
		e.logger.Error("transaction failed", attrs...)
		return
	}
	e.logger.Info("transaction rejected", attrs...)
}
