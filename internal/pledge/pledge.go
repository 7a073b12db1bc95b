// Package pledge holds the pledge data model shared by the store, the escrow
// engine and the client facades.
package pledge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ID identifies a pledge. IDs are allocated by the store and increase
// monotonically; zero is never a valid ID.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: pledge id %q", ErrInvalidID, s)
	}
	return ID(v), nil
}

// Status is the lifecycle state of a pledge.
type Status uint8

const (
	StatusOngoing Status = iota + 1
	StatusCompleted
	StatusMissed
)

func (s Status) String() string {
	switch s {
	case StatusOngoing:
		return "ongoing"
	case StatusCompleted:
		return "completed"
	case StatusMissed:
		return "missed"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusOngoing, StatusCompleted, StatusMissed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusMissed
}

// ParseStatus accepts the lowercase names used on the wire. The empty string
// and "all" yield zero, which filters nothing.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return 0, nil
	case "ongoing":
		return StatusOngoing, nil
	case "completed":
		return StatusCompleted, nil
	case "missed":
		return StatusMissed, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, s)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid pledge status: %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	if parsed == 0 {
		return fmt.Errorf("%w: status required", ErrInvalidStatus)
	}
	*s = parsed
	return nil
}

// Pledge is one commitment and its escrowed stake. Creator, Description,
// Stake, Deadline and CreatedAt never change after creation; Status changes
// once, from Ongoing to a terminal state.
type Pledge struct {
	ID          ID
	Creator     common.Address
	Description string
	Stake       uint64 // minor units
	Deadline    int64  // unix seconds
	Status      Status
	CreatedAt   int64
	CompletedAt int64 // zero unless Completed
	SettledAt   int64 // zero while Ongoing
	SettledBy   common.Address
}

// Completed matches the boolean exposed by the contract read interface.
func (p Pledge) Completed() bool { return p.Status == StatusCompleted }

// Filter selects pledges for listing. Zero values match everything.
type Filter struct {
	Creator *common.Address
	Status  Status
	AfterID ID
	Limit   int
}

const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// Normalize clamps the limit into [1, MaxListLimit].
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// Matches reports whether p satisfies the filter, ignoring Limit.
func (f Filter) Matches(p Pledge) bool {
	if f.Creator != nil && *f.Creator != p.Creator {
		return false
	}
	if f.Status != 0 && f.Status != p.Status {
		return false
	}
	return p.ID > f.AfterID
}

// ParseAddress validates a hex principal address. The zero address is
// rejected because it doubles as the burn sink.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return addr, nil
}
