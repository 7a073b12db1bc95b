// Package keeper settles expired pledges without waiting for a user to call
// withdraw_or_burn. It relies on permissionless settlement, or on its own
// address being listed as a keeper in the engine policy.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/escrow"
	"pledgerails/internal/pledge"
)

// Settler is the slice of the engine the sweeper drives.
type Settler interface {
	DuePledges(ctx context.Context, limit int) ([]pledge.Pledge, error)
	WithdrawOrBurn(ctx context.Context, caller, subject common.Address) (escrow.Receipt, error)
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	// DLQPath receives one JSON file per pledge that could not be settled.
	DLQPath string
}

// Hooks report sweeper activity, typically into metrics. Nil fields are skipped.
type Hooks struct {
	Settlement func(outcome string)
	Retry      func(result string)
	DLQDepth   func(depth int)
}

type Sweeper struct {
	settler Settler
	caller  common.Address
	cfg     Config
	logger  *slog.Logger
	hooks   Hooks
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
	// parked holds pledges that failed with a non-retryable error. They stay
	// dead-lettered and are skipped until they stop being due.
	parked map[pledge.ID]struct{}
}

func New(settler Settler, caller common.Address, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		settler: settler,
		caller:  caller,
		cfg:     cfg,
		logger:  logger.With("component", "keeper", "keeper", caller.Hex()),
		now:     time.Now,
		after:   time.After,
		parked:  make(map[pledge.ID]struct{}),
	}
}

func (s *Sweeper) SetHooks(h Hooks) { s.hooks = h }

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("keeper starting", "interval", s.cfg.Interval.String(), "batch", s.cfg.BatchSize)
	s.reportDLQDepth()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep settles one batch of due pledges and returns how many it forfeited.
// Failures of individual pledges are dead-lettered, not returned. Sweep is
// not safe for concurrent use.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	limit := s.cfg.BatchSize + len(s.parked)
	due, err := s.settler.DuePledges(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list due pledges: %w", err)
	}
	if len(due) < limit {
		s.pruneParked(due)
	}
	settled, attempted := 0, 0
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if _, ok := s.parked[p.ID]; ok {
			continue
		}
		if attempted == s.cfg.BatchSize {
			break
		}
		attempted++
		rc, err := s.settleWithRetry(ctx, p.Creator)
		switch {
		case err == nil:
			settled++
			s.observe(string(rc.Outcome))
			s.logger.Info("pledge settled", "pledge_id", p.ID.String(), "creator", p.Creator.Hex(), "outcome", rc.Outcome)
		case lostRace(err):
			// The creator completed, or someone else settled, between listing and now.
			s.observe("skipped")
			s.logger.Debug("pledge no longer due", "pledge_id", p.ID.String(), "code", pledge.CodeOf(err))
		case errors.Is(err, context.Canceled):
			return settled, err
		default:
			s.observe("failed")
			s.logger.Error("pledge settlement failed", "pledge_id", p.ID.String(), "creator", p.Creator.Hex(), "error", err)
			s.writeDLQ(p, err)
			if !pledge.Retryable(err) {
				s.parked[p.ID] = struct{}{}
			}
		}
	}
	return settled, nil
}

// pruneParked forgets parked pledges missing from a complete due listing;
// someone else settled them.
func (s *Sweeper) pruneParked(due []pledge.Pledge) {
	if len(s.parked) == 0 {
		return
	}
	still := make(map[pledge.ID]struct{}, len(due))
	for _, p := range due {
		still[p.ID] = struct{}{}
	}
	for id := range s.parked {
		if _, ok := still[id]; !ok {
			delete(s.parked, id)
		}
	}
}

func (s *Sweeper) settleWithRetry(ctx context.Context, subject common.Address) (escrow.Receipt, error) {
	backoff := s.cfg.InitialBackoff
	for i := 1; i <= s.cfg.MaxAttempts; i++ {
		rc, err := s.settler.WithdrawOrBurn(ctx, s.caller, subject)
		if err == nil {
			s.retry("success")
			return rc, nil
		}
		if !isRetryable(err) || i == s.cfg.MaxAttempts {
			s.retry("failed")
			return escrow.Receipt{}, err
		}

		s.retry("retry")
		sleep := backoff
		if s.cfg.MaxBackoff > 0 && sleep > s.cfg.MaxBackoff {
			sleep = s.cfg.MaxBackoff
		}
		select {
		case <-s.after(sleep):
		case <-ctx.Done():
			return escrow.Receipt{}, ctx.Err()
		}
		if s.cfg.BackoffMultiplier > 1 {
			backoff *= time.Duration(s.cfg.BackoffMultiplier)
		}
	}
	return escrow.Receipt{}, errors.New("exhausted retries")
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return pledge.Retryable(err)
}

func lostRace(err error) bool {
	return errors.Is(err, pledge.ErrAlreadyTerminal) ||
		errors.Is(err, pledge.ErrNoActivePledge) ||
		errors.Is(err, pledge.ErrDeadlineNotReached)
}

type dlqEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	PledgeID  pledge.ID      `json:"pledgeId"`
	Creator   common.Address `json:"creator"`
	Deadline  int64          `json:"deadline"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Error     string         `json:"error"`
}

func (s *Sweeper) writeDLQ(p pledge.Pledge, settleErr error) {
	if s.cfg.DLQPath == "" {
		return
	}
	entry := dlqEntry{
		Timestamp: s.now().UTC(),
		PledgeID:  p.ID,
		Creator:   p.Creator,
		Deadline:  p.Deadline,
		Code:      pledge.CodeOf(settleErr),
		Retryable: pledge.Retryable(settleErr),
		Error:     settleErr.Error(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.Error("dlq marshal", "error", err)
		return
	}
	if err := os.MkdirAll(s.cfg.DLQPath, 0o755); err != nil {
		s.logger.Error("dlq mkdir", "error", err)
		return
	}
	// One file per pledge; a repeated failure overwrites the previous entry.
	filename := fmt.Sprintf("pledge-%s.json", p.ID)
	if err := os.WriteFile(filepath.Join(s.cfg.DLQPath, filename), data, 0o600); err != nil {
		s.logger.Error("dlq write", "error", err)
	}
	s.reportDLQDepth()
}

func (s *Sweeper) reportDLQDepth() {
	if s.hooks.DLQDepth != nil {
		s.hooks.DLQDepth(DLQDepth(s.cfg.DLQPath))
	}
}

// DLQDepth counts dead-lettered entries under path.
func DLQDepth(path string) int {
	if path == "" {
		return 0
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	return len(entries)
}

func (s *Sweeper) observe(outcome string) {
	if s.hooks.Settlement != nil {
		s.hooks.Settlement(outcome)
	}
}

func (s *Sweeper) retry(result string) {
	if s.hooks.Retry != nil {
		s.hooks.Retry(result)
	}
}
