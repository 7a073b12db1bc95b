// Package store persists pledges, account balances and the event log behind a
// single transactional interface, so that a fund movement, the record change
// it pays for and the event describing it commit together or not at all.
package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/eventlog"
	"pledgerails/internal/pledge"
)

// Head is the tip of the event chain.
type Head struct {
	Seq  uint64
	Hash string
}

// Reader exposes committed state. Missing pledges yield pledge.ErrNotFound;
// unknown accounts have a zero balance.
type Reader interface {
	Balance(ctx context.Context, addr common.Address) (uint64, error)
	Pledge(ctx context.Context, id pledge.ID) (pledge.Pledge, error)
	// LatestPledge returns the most recently created pledge of creator.
	LatestPledge(ctx context.Context, creator common.Address) (pledge.Pledge, error)
	// ActivePledge returns creator's Ongoing pledge.
	ActivePledge(ctx context.Context, creator common.Address) (pledge.Pledge, error)
	ListPledges(ctx context.Context, f pledge.Filter) ([]pledge.Pledge, error)
	// DuePledges lists Ongoing pledges with Deadline < cutoff, oldest deadline first.
	DuePledges(ctx context.Context, cutoff int64, limit int) ([]pledge.Pledge, error)
	// Events returns events of handle with HandleSeq >= offset, ascending.
	Events(ctx context.Context, handle string, offset uint64, limit int) ([]eventlog.Event, error)
	Head(ctx context.Context) (Head, error)
}

// Tx is a read-check-write unit. Every method observes the writes made
// earlier in the same Tx.
type Tx interface {
	Reader
	// Transfer moves amount between accounts, failing with
	// pledge.ErrInsufficientFunds without side effects.
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error
	// Mint credits amount to an account out of thin air (operator funding).
	Mint(ctx context.Context, to common.Address, amount uint64) error
	// InsertPledge allocates an ID and occupies the creator's active slot.
	InsertPledge(ctx context.Context, p pledge.Pledge) (pledge.Pledge, error)
	// SettlePledge writes a terminal pledge over its Ongoing record and
	// frees the active slot.
	SettlePledge(ctx context.Context, p pledge.Pledge) error
	// AppendEvent assigns Seq, HandleSeq and the chain hash.
	AppendEvent(ctx context.Context, ev eventlog.Event) (eventlog.Event, error)
}

// Store is a transactional backend.
type Store interface {
	// Update runs fn in a serializable transaction. If fn returns an error
	// nothing it did is kept.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent committed snapshot.
	View(ctx context.Context, fn func(Reader) error) error
	eventlog.Source
	Ping(ctx context.Context) error
	Close() error
}

func checkSettle(prev, next pledge.Pledge) error {
	if prev.Status != pledge.StatusOngoing {
		return fmt.Errorf("%w: pledge %d is %s", pledge.ErrAlreadyTerminal, prev.ID, prev.Status)
	}
	if !next.Status.Terminal() {
		return fmt.Errorf("store: settle pledge %d to non-terminal status %s", next.ID, next.Status)
	}
	if prev.Creator != next.Creator || prev.Stake != next.Stake || prev.Deadline != next.Deadline ||
		prev.Description != next.Description || prev.CreatedAt != next.CreatedAt {
		return fmt.Errorf("store: settle pledge %d would change immutable fields", next.ID)
	}
	return nil
}

func addBalance(balance, amount uint64) (uint64, error) {
	sum := balance + amount
	if sum < balance || sum > pledge.MaxStake {
		return 0, fmt.Errorf("%w: credit of %d", pledge.ErrBalanceOverflow, amount)
	}
	return sum, nil
}
