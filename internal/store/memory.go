package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/eventlog"
	"pledgerails/internal/pledge"
)

type memState struct {
	balances    map[common.Address]uint64
	pledges     map[pledge.ID]pledge.Pledge
	latest      map[common.Address]pledge.ID
	active      map[common.Address]pledge.ID
	events      []eventlog.Event
	handleHeads map[string]uint64
	published   map[uint64]time.Time
	nextID      pledge.ID
}

// MemoryStore keeps everything in process. Update holds the write lock for
// the whole closure, which serializes transactions trivially.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		balances:    make(map[common.Address]uint64),
		pledges:     make(map[pledge.ID]pledge.Pledge),
		latest:      make(map[common.Address]pledge.ID),
		active:      make(map[common.Address]pledge.ID),
		handleHeads: make(map[string]uint64),
		published:   make(map[uint64]time.Time),
		nextID:      1,
	}}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMemTx(&m.state)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newMemTx(&m.state))
}

func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]eventlog.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []eventlog.Event
	for _, ev := range m.state.events {
		if _, done := m.state.published[ev.Seq]; done {
			continue
		}
		out = append(out, ev.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, seq uint64, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq == 0 || seq > uint64(len(m.state.events)) {
		return fmt.Errorf("mark published: unknown seq %d", seq)
	}
	m.state.published[seq] = at
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// memTx overlays uncommitted writes on the shared state. Reads fall through
// to the base maps; commit copies the overlay down.
type memTx struct {
	base        *memState
	balances    map[common.Address]uint64
	pledges     map[pledge.ID]pledge.Pledge
	latest      map[common.Address]pledge.ID
	active      map[common.Address]pledge.ID // zero ID marks a freed slot
	events      []eventlog.Event
	handleHeads map[string]uint64
	nextID      pledge.ID
}

func newMemTx(base *memState) *memTx {
	return &memTx{
		base:        base,
		balances:    make(map[common.Address]uint64),
		pledges:     make(map[pledge.ID]pledge.Pledge),
		latest:      make(map[common.Address]pledge.ID),
		active:      make(map[common.Address]pledge.ID),
		handleHeads: make(map[string]uint64),
		nextID:      base.nextID,
	}
}

func (t *memTx) commit() {
	for k, v := range t.balances {
		t.base.balances[k] = v
	}
	for k, v := range t.pledges {
		t.base.pledges[k] = v
	}
	for k, v := range t.latest {
		t.base.latest[k] = v
	}
	for k, v := range t.active {
		if v == 0 {
			delete(t.base.active, k)
			continue
		}
		t.base.active[k] = v
	}
	for k, v := range t.handleHeads {
		t.base.handleHeads[k] = v
	}
	t.base.events = append(t.base.events, t.events...)
	t.base.nextID = t.nextID
}

func (t *memTx) Balance(_ context.Context, addr common.Address) (uint64, error) {
	if v, ok := t.balances[addr]; ok {
		return v, nil
	}
	return t.base.balances[addr], nil
}

func (t *memTx) Pledge(_ context.Context, id pledge.ID) (pledge.Pledge, error) {
	if p, ok := t.pledges[id]; ok {
		return p, nil
	}
	if p, ok := t.base.pledges[id]; ok {
		return p, nil
	}
	return pledge.Pledge{}, fmt.Errorf("%w: pledge %d", pledge.ErrNotFound, id)
}

func (t *memTx) LatestPledge(ctx context.Context, creator common.Address) (pledge.Pledge, error) {
	id, ok := t.latest[creator]
	if !ok {
		id, ok = t.base.latest[creator]
	}
	if !ok {
		return pledge.Pledge{}, fmt.Errorf("%w: no pledge for %s", pledge.ErrNotFound, creator.Hex())
	}
	return t.Pledge(ctx, id)
}

func (t *memTx) ActivePledge(ctx context.Context, creator common.Address) (pledge.Pledge, error) {
	id, ok := t.active[creator]
	if !ok {
		id, ok = t.base.active[creator]
	}
	if !ok || id == 0 {
		return pledge.Pledge{}, fmt.Errorf("%w: no active pledge for %s", pledge.ErrNotFound, creator.Hex())
	}
	return t.Pledge(ctx, id)
}

func (t *memTx) allPledges() []pledge.Pledge {
	out := make([]pledge.Pledge, 0, len(t.base.pledges)+len(t.pledges))
	for id, p := range t.base.pledges {
		if _, shadowed := t.pledges[id]; shadowed {
			continue
		}
		out = append(out, p)
	}
	for _, p := range t.pledges {
		out = append(out, p)
	}
	return out
}

func (t *memTx) ListPledges(_ context.Context, f pledge.Filter) ([]pledge.Pledge, error) {
	f = f.Normalize()
	all := t.allPledges()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var out []pledge.Pledge
	for _, p := range all {
		if !f.Matches(p) {
			continue
		}
		out = append(out, p)
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) DuePledges(_ context.Context, cutoff int64, limit int) ([]pledge.Pledge, error) {
	var due []pledge.Pledge
	for _, p := range t.allPledges() {
		if p.Status == pledge.StatusOngoing && p.Deadline < cutoff {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Deadline != due[j].Deadline {
			return due[i].Deadline < due[j].Deadline
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (t *memTx) Events(_ context.Context, handle string, offset uint64, limit int) ([]eventlog.Event, error) {
	limit = eventlog.ClampLimit(limit)
	var out []eventlog.Event
	for _, ev := range append(append([]eventlog.Event(nil), t.base.events...), t.events...) {
		if ev.Handle != handle || ev.HandleSeq < offset {
			continue
		}
		out = append(out, ev.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) Head(context.Context) (Head, error) {
	var last *eventlog.Event
	switch {
	case len(t.events) > 0:
		last = &t.events[len(t.events)-1]
	case len(t.base.events) > 0:
		last = &t.base.events[len(t.base.events)-1]
	default:
		return Head{}, nil
	}
	return Head{Seq: last.Seq, Hash: last.Hash}, nil
}

func (t *memTx) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: transfer of zero", pledge.ErrInvalidAmount)
	}
	fromBal, _ := t.Balance(ctx, from)
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", pledge.ErrInsufficientFunds, from.Hex(), fromBal, amount)
	}
	if from == to {
		return nil
	}
	toBal, _ := t.Balance(ctx, to)
	credited, err := addBalance(toBal, amount)
	if err != nil {
		return err
	}
	t.balances[from] = fromBal - amount
	t.balances[to] = credited
	return nil
}

func (t *memTx) Mint(ctx context.Context, to common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: mint of zero", pledge.ErrInvalidAmount)
	}
	bal, _ := t.Balance(ctx, to)
	credited, err := addBalance(bal, amount)
	if err != nil {
		return err
	}
	t.balances[to] = credited
	return nil
}

func (t *memTx) InsertPledge(ctx context.Context, p pledge.Pledge) (pledge.Pledge, error) {
	if _, err := t.ActivePledge(ctx, p.Creator); err == nil {
		return pledge.Pledge{}, fmt.Errorf("%w: %s", pledge.ErrDuplicateActivePledge, p.Creator.Hex())
	}
	p.ID = t.nextID
	t.nextID++
	t.pledges[p.ID] = p
	t.latest[p.Creator] = p.ID
	t.active[p.Creator] = p.ID
	return p, nil
}

func (t *memTx) SettlePledge(ctx context.Context, p pledge.Pledge) error {
	prev, err := t.Pledge(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := checkSettle(prev, p); err != nil {
		return err
	}
	t.pledges[p.ID] = p
	t.active[p.Creator] = 0
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev eventlog.Event) (eventlog.Event, error) {
	head, _ := t.Head(ctx)
	ev = ev.Clone()
	ev.Seq = head.Seq + 1

	next, ok := t.handleHeads[ev.Handle]
	if !ok {
		next = t.base.handleHeads[ev.Handle]
	}
	ev.HandleSeq = next
	if err := eventlog.Seal(&ev, head.Hash); err != nil {
		return eventlog.Event{}, err
	}
	t.handleHeads[ev.Handle] = next + 1
	t.events = append(t.events, ev)
	return ev.Clone(), nil
}
