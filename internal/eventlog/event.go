// Package eventlog defines the append-only record of pledge state transitions:
// the event model, its hash chain and the relay that ships committed events to
// external observers. Events are observational only; nothing in the engine
// reads them back to make decisions.
package eventlog

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/pledge"
)

const (
	TypePledgeCreated   = "pledge.created"
	TypePledgeCompleted = "pledge.completed"
	TypePledgeMissed    = "pledge.missed"
	TypeAccountFunded   = "account.funded"
)

// Event handles. Each handle has its own gap-free sequence starting at zero.
const (
	HandlePledgeCreated   = "pledge_created_events"
	HandlePledgeCompleted = "pledge_completed_events"
	HandlePledgeMissed    = "pledge_missed_events"
	HandleAccountFunded   = "account_funded_events"
)

var handleByType = map[string]string{
	TypePledgeCreated:   HandlePledgeCreated,
	TypePledgeCompleted: HandlePledgeCompleted,
	TypePledgeMissed:    HandlePledgeMissed,
	TypeAccountFunded:   HandleAccountFunded,
}

// Handles lists every known handle in a stable order.
func Handles() []string {
	return []string{HandlePledgeCreated, HandlePledgeCompleted, HandlePledgeMissed, HandleAccountFunded}
}

// KnownHandle reports whether h is one of Handles.
func KnownHandle(h string) bool {
	for _, known := range Handles() {
		if known == h {
			return true
		}
	}
	return false
}

// Event is one committed state transition. Seq orders events globally by
// commit; HandleSeq orders them within their handle. Both, plus PrevHash and
// Hash, are assigned by the store when the event is appended.
type Event struct {
	Seq        uint64            `json:"seq"`
	Handle     string            `json:"handle"`
	HandleSeq  uint64            `json:"handleSeq"`
	Type       string            `json:"type"`
	PledgeID   pledge.ID         `json:"pledgeId,omitempty"`
	Account    common.Address    `json:"account"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
}

// Clone returns a copy that shares no maps with e.
func (e Event) Clone() Event {
	out := e
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// NewPledgeCreated carries creator, description, stake and deadline.
func NewPledgeCreated(p pledge.Pledge) Event {
	return newPledgeEvent(TypePledgeCreated, p, map[string]string{
		"description": p.Description,
	})
}

// NewPledgeCompleted is emitted when the stake is returned to the creator.
func NewPledgeCompleted(p pledge.Pledge) Event {
	return newPledgeEvent(TypePledgeCompleted, p, map[string]string{
		"completedAt": strconv.FormatInt(p.CompletedAt, 10),
	})
}

// NewPledgeMissed is emitted when the stake moves to the forfeiture sink.
func NewPledgeMissed(p pledge.Pledge, sink common.Address) Event {
	return newPledgeEvent(TypePledgeMissed, p, map[string]string{
		"sink":      sink.Hex(),
		"settledBy": p.SettledBy.Hex(),
		"settledAt": strconv.FormatInt(p.SettledAt, 10),
	})
}

// NewAccountFunded records an operator credit to account.
func NewAccountFunded(account common.Address, amount uint64, ts int64) Event {
	return Event{
		Type:    TypeAccountFunded,
		Handle:  HandleAccountFunded,
		Account: account,
		Attributes: map[string]string{
			"amount": strconv.FormatUint(amount, 10),
		},
		Timestamp: ts,
	}
}

func newPledgeEvent(eventType string, p pledge.Pledge, extra map[string]string) Event {
	attrs := map[string]string{
		"pledgeId": p.ID.String(),
		"creator":  p.Creator.Hex(),
		"stake":    strconv.FormatUint(p.Stake, 10),
		"deadline": strconv.FormatInt(p.Deadline, 10),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	ts := p.CreatedAt
	if p.SettledAt != 0 {
		ts = p.SettledAt
	}
	return Event{
		Type:       eventType,
		Handle:     handleByType[eventType],
		PledgeID:   p.ID,
		Account:    p.Creator,
		Attributes: attrs,
		Timestamp:  ts,
	}
}

// ClampLimit bounds a range query page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return pledge.DefaultListLimit
	case limit > pledge.MaxListLimit:
		return pledge.MaxListLimit
	default:
		return limit
	}
}
