package escrow

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgerails/internal/eventlog"
	"pledgerails/internal/pledge"
	"pledgerails/internal/store"
)

const token = 100_000_000

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	keeper   = common.HexToAddress("0x00000000000000000000000000000000000000ce")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000f0")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) Unix() int64 { return c.Now().Unix() }

type fixture struct {
	engine *Engine
	store  store.Store
	clock  *clock
}

type storeFactory struct {
	name string
	open func(t *testing.T) store.Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"memory", func(*testing.T) store.Store { return store.NewMemoryStore() }},
		{"sqlite", func(t *testing.T) store.Store {
			s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "escrow.db"), store.SQLConfig{}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func newFixture(t *testing.T, st store.Store, mutate func(*Policy)) *fixture {
	t.Helper()
	policy := DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	c := newClock()
	e, err := NewEngine(st, policy, WithClock(c.Now))
	require.NoError(t, err)
	return &fixture{engine: e, store: st, clock: c}
}

func forEachStore(t *testing.T, mutate func(*Policy), fn func(t *testing.T, f *fixture)) {
	for _, sf := range storeFactories() {
		sf := sf
		t.Run(sf.name, func(t *testing.T) { fn(t, newFixture(t, sf.open(t), mutate)) })
	}
}

func (f *fixture) fund(t *testing.T, addr common.Address, amount uint64) {
	t.Helper()
	_, err := f.engine.Fund(context.Background(), addr, amount)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	bal, err := f.engine.Balance(context.Background(), addr)
	require.NoError(t, err)
	return bal
}

func (f *fixture) create(t *testing.T, who common.Address, stake uint64, in time.Duration) Receipt {
	t.Helper()
	rc, err := f.engine.CreatePledge(context.Background(), who, CreatePledgeRequest{
		Description: "read one book a week",
		Stake:       stake,
		Deadline:    f.clock.Now().Add(in).Unix(),
	})
	require.NoError(t, err)
	return rc
}

func TestCreatePledgeLocksStake(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)

		rc := f.create(t, alice, token/10, time.Hour)
		assert.Equal(t, OutcomeCreated, rc.Outcome)
		assert.Equal(t, pledge.ID(1), rc.Pledge.ID)
		assert.NotEqual(t, common.Hash{}, rc.TxID)
		require.Len(t, rc.Events, 1)
		assert.Equal(t, eventlog.TypePledgeCreated, rc.Events[0].Type)
		assert.Equal(t, uint64(0), rc.Events[0].HandleSeq)

		got, err := f.engine.GetPledge(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, alice, got.Creator)
		assert.Equal(t, "read one book a week", got.Description)
		assert.Equal(t, uint64(token/10), got.Stake)
		assert.Equal(t, f.clock.Unix()+3600, got.Deadline)
		assert.False(t, got.Completed())
		assert.Equal(t, pledge.StatusOngoing, got.Status)
		assert.Equal(t, f.clock.Unix(), got.CreatedAt)

		assert.Equal(t, uint64(token-token/10), f.balance(t, alice))
		assert.Equal(t, uint64(token/10), f.balance(t, DefaultEscrowAccount))
	})
}

func TestCreatePledgeRejectsDeadlineNotInFuture(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)
		for _, deadline := range []int64{f.clock.Unix(), f.clock.Unix() - 1} {
			_, err := f.engine.CreatePledge(ctx, alice, CreatePledgeRequest{
				Description: "x", Stake: token / 10, Deadline: deadline,
			})
			assert.ErrorIs(t, err, pledge.ErrInvalidDeadline)
			assert.Equal(t, pledge.KindValidation, pledge.KindOf(err))
		}
		assert.Equal(t, uint64(token), f.balance(t, alice))
		_, err := f.engine.GetPledge(ctx, alice)
		assert.ErrorIs(t, err, pledge.ErrNotFound)
	})
}

func TestCreatePledgeValidation(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), nil)
	f.fund(t, alice, 10*token)
	deadline := f.clock.Unix() + 60

	cases := []struct {
		name    string
		creator common.Address
		req     CreatePledgeRequest
		want    error
	}{
		{"zero stake", alice, CreatePledgeRequest{"x", 0, deadline}, pledge.ErrInvalidStake},
		{"below minimum", alice, CreatePledgeRequest{"x", token/10 - 1, deadline}, pledge.ErrInvalidStake},
		{"above storable", alice, CreatePledgeRequest{"x", pledge.MaxStake + 1, deadline}, pledge.ErrInvalidStake},
		{"empty description", alice, CreatePledgeRequest{"   ", token, deadline}, pledge.ErrInvalidDescription},
		{"long description", alice, CreatePledgeRequest{strings.Repeat("a", 281), token, deadline}, pledge.ErrInvalidDescription},
		{"zero creator", common.Address{}, CreatePledgeRequest{"x", token, deadline}, pledge.ErrInvalidAddress},
		{"escrow creator", DefaultEscrowAccount, CreatePledgeRequest{"x", token, deadline}, pledge.ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreatePledge(context.Background(), tc.creator, tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, pledge.KindValidation, pledge.KindOf(err))
		})
	}
	assert.Equal(t, uint64(10*token), f.balance(t, alice))
}

func TestCreatePledgePreconditions(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)

		_, err := f.engine.CreatePledge(ctx, alice, CreatePledgeRequest{"x", 2 * token, f.clock.Unix() + 60})
		assert.ErrorIs(t, err, pledge.ErrInsufficientFunds)
		assert.Equal(t, pledge.KindResource, pledge.KindOf(err))

		f.create(t, alice, token/2, time.Hour)
		_, err = f.engine.CreatePledge(ctx, alice, CreatePledgeRequest{"again", token / 10, f.clock.Unix() + 60})
		assert.ErrorIs(t, err, pledge.ErrDuplicateActivePledge)
		assert.Equal(t, uint64(token/2), f.balance(t, alice))

		_, err = f.engine.MarkCompleted(ctx, alice)
		require.NoError(t, err)
		second := f.create(t, alice, token/2, time.Hour)
		assert.Equal(t, pledge.ID(2), second.Pledge.ID)
	})
}

func TestMarkCompletedReturnsStake(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		_, err := f.engine.MarkCompleted(ctx, alice)
		assert.ErrorIs(t, err, pledge.ErrNoActivePledge)

		f.fund(t, alice, token)
		created := f.create(t, alice, token/4, time.Hour)

		f.clock.Set(time.Unix(created.Pledge.Deadline, 0))
		rc, err := f.engine.MarkCompleted(ctx, alice)
		require.NoError(t, err, "completion exactly at the deadline is allowed")
		assert.Equal(t, OutcomeCompleted, rc.Outcome)
		assert.Equal(t, pledge.StatusCompleted, rc.Pledge.Status)
		assert.Equal(t, created.Pledge.Deadline, rc.Pledge.CompletedAt)
		assert.Equal(t, uint64(token), f.balance(t, alice))
		assert.Zero(t, f.balance(t, DefaultEscrowAccount))

		got, err := f.engine.GetPledge(ctx, alice)
		require.NoError(t, err)
		assert.True(t, got.Completed())

		_, err = f.engine.MarkCompleted(ctx, alice)
		assert.ErrorIs(t, err, pledge.ErrAlreadyTerminal)
		assert.Equal(t, pledge.KindPrecondition, pledge.KindOf(err))
		assert.Equal(t, uint64(token), f.balance(t, alice))
	})
}

func TestMarkCompletedAfterDeadline(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		f.fund(t, alice, token)
		created := f.create(t, alice, token, time.Hour)
		f.clock.Set(time.Unix(created.Pledge.Deadline+1, 0))

		_, err := f.engine.MarkCompleted(context.Background(), alice)
		assert.ErrorIs(t, err, pledge.ErrDeadlinePassed)
		assert.Zero(t, f.balance(t, alice))
		assert.Equal(t, uint64(token), f.balance(t, DefaultEscrowAccount))
	})
}

func TestWithdrawOrBurnForfeitsToSink(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)
		created := f.create(t, alice, token/2, time.Hour)

		f.clock.Set(time.Unix(created.Pledge.Deadline, 0))
		_, err := f.engine.WithdrawOrBurn(ctx, bob, alice)
		assert.ErrorIs(t, err, pledge.ErrDeadlineNotReached)

		f.clock.Set(time.Unix(created.Pledge.Deadline+1, 0))
		rc, err := f.engine.WithdrawOrBurn(ctx, bob, alice)
		require.NoError(t, err)
		assert.Equal(t, OutcomeForfeited, rc.Outcome)
		assert.Equal(t, pledge.StatusMissed, rc.Pledge.Status)
		assert.Equal(t, bob, rc.Pledge.SettledBy)
		require.Len(t, rc.Events, 1)
		assert.Equal(t, BurnAddress.Hex(), rc.Events[0].Attributes["sink"])

		assert.Equal(t, uint64(token/2), f.balance(t, alice))
		assert.Equal(t, uint64(token/2), f.balance(t, BurnAddress))
		assert.Zero(t, f.balance(t, DefaultEscrowAccount))

		_, err = f.engine.WithdrawOrBurn(ctx, alice, alice)
		assert.ErrorIs(t, err, pledge.ErrAlreadyTerminal)
		assert.Equal(t, uint64(token/2), f.balance(t, BurnAddress))

		_, err = f.engine.MarkCompleted(ctx, alice)
		assert.ErrorIs(t, err, pledge.ErrAlreadyTerminal)

		_, err = f.engine.WithdrawOrBurn(ctx, alice, bob)
		assert.ErrorIs(t, err, pledge.ErrNoActivePledge)
	})
}

func TestWithdrawOrBurnOnCompletedIsNoop(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)
		created := f.create(t, alice, token, time.Hour)
		_, err := f.engine.MarkCompleted(ctx, alice)
		require.NoError(t, err)
		headBefore, err := f.engine.Head(ctx)
		require.NoError(t, err)

		f.clock.Set(time.Unix(created.Pledge.Deadline+10, 0))
		rc, err := f.engine.WithdrawOrBurn(ctx, bob, alice)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyCompleted, rc.Outcome)
		assert.Empty(t, rc.Events)
		assert.Equal(t, uint64(token), f.balance(t, alice))
		assert.Zero(t, f.balance(t, BurnAddress))

		headAfter, err := f.engine.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, headBefore, headAfter)
	})
}

func TestCompletionGraceShiftsBothWindows(t *testing.T) {
	grace := func(p *Policy) { p.CompletionGrace = time.Minute }
	forEachStore(t, grace, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)
		f.fund(t, bob, token)
		a := f.create(t, alice, token, time.Hour)
		f.create(t, bob, token, time.Hour)

		f.clock.Set(time.Unix(a.Pledge.Deadline+30, 0))
		_, err := f.engine.WithdrawOrBurn(ctx, keeper, bob)
		assert.ErrorIs(t, err, pledge.ErrDeadlineNotReached)
		_, err = f.engine.MarkCompleted(ctx, alice)
		require.NoError(t, err)

		due, err := f.engine.DuePledges(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		f.clock.Set(time.Unix(a.Pledge.Deadline+61, 0))
		due, err = f.engine.DuePledges(ctx, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, bob, due[0].Creator)
		_, err = f.engine.WithdrawOrBurn(ctx, keeper, bob)
		require.NoError(t, err)
	})
}

func TestGraceWindowAtInt64Boundary(t *testing.T) {
	grace := func(p *Policy) { p.CompletionGrace = time.Hour }
	forEachStore(t, grace, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)
		_, err := f.engine.CreatePledge(ctx, alice, CreatePledgeRequest{
			Description: "far future",
			Stake:       token,
			Deadline:    math.MaxInt64 - 10,
		})
		require.NoError(t, err)

		_, err = f.engine.WithdrawOrBurn(ctx, bob, alice)
		assert.ErrorIs(t, err, pledge.ErrDeadlineNotReached)
		assert.Zero(t, f.balance(t, BurnAddress))

		due, err := f.engine.DuePledges(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		rc, err := f.engine.MarkCompleted(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, pledge.StatusCompleted, rc.Pledge.Status)
		assert.Equal(t, uint64(token), f.balance(t, alice))
	})
}

func TestNewEngineCapsCompletionGrace(t *testing.T) {
	policy := DefaultPolicy()
	policy.CompletionGrace = MaxCompletionGrace + time.Second
	_, err := NewEngine(store.NewMemoryStore(), policy)
	assert.Error(t, err)

	policy.CompletionGrace = MaxCompletionGrace
	_, err = NewEngine(store.NewMemoryStore(), policy)
	assert.NoError(t, err)
}

func TestPermissionedSettlement(t *testing.T) {
	restrict := func(p *Policy) {
		p.PermissionlessSettlement = false
		p.Keepers = []common.Address{keeper}
		p.Sink = treasury
	}
	forEachStore(t, restrict, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.fund(t, alice, token)
		f.fund(t, bob, token)
		a := f.create(t, alice, token, time.Hour)
		f.create(t, bob, token, time.Hour)
		f.clock.Set(time.Unix(a.Pledge.Deadline+1, 0))

		_, err := f.engine.WithdrawOrBurn(ctx, bob, alice)
		assert.ErrorIs(t, err, pledge.ErrUnauthorized)

		_, err = f.engine.WithdrawOrBurn(ctx, keeper, alice)
		require.NoError(t, err)
		_, err = f.engine.WithdrawOrBurn(ctx, bob, bob)
		require.NoError(t, err)
		assert.Equal(t, uint64(2*token), f.balance(t, treasury))
	})
}

func TestConcurrentSettlementMovesStakeOnce(t *testing.T) {
	for _, offset := range []int64{0, 1} {
		forEachStore(t, nil, func(t *testing.T, f *fixture) {
			ctx := context.Background()
			f.fund(t, alice, token)
			created := f.create(t, alice, token, time.Hour)
			f.clock.Set(time.Unix(created.Pledge.Deadline+offset, 0))

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				settled int
			)
			for i := 0; i < 8; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					if _, err := f.engine.MarkCompleted(ctx, alice); err == nil {
						mu.Lock()
						settled++
						mu.Unlock()
					} else if pledge.KindOf(err) != pledge.KindPrecondition {
						t.Errorf("mark completed: %v", err)
					}
				}()
				go func() {
					defer wg.Done()
					rc, err := f.engine.WithdrawOrBurn(ctx, keeper, alice)
					if err == nil && rc.Outcome == OutcomeForfeited {
						mu.Lock()
						settled++
						mu.Unlock()
					} else if err != nil && pledge.KindOf(err) != pledge.KindPrecondition {
						t.Errorf("withdraw or burn: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, settled)
			total := f.balance(t, alice) + f.balance(t, BurnAddress) + f.balance(t, DefaultEscrowAccount)
			assert.Equal(t, uint64(token), total)
			assert.Zero(t, f.balance(t, DefaultEscrowAccount))

			got, err := f.engine.GetPledge(ctx, alice)
			require.NoError(t, err)
			if offset == 0 {
				assert.Equal(t, pledge.StatusCompleted, got.Status)
			} else {
				assert.Equal(t, pledge.StatusMissed, got.Status)
			}
		})
	}
}

func TestEventsRangeAndChain(t *testing.T) {
	forEachStore(t, nil, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		for _, who := range []common.Address{alice, bob} {
			f.fund(t, who, token)
			f.create(t, who, token/10, time.Hour)
		}
		_, err := f.engine.MarkCompleted(ctx, alice)
		require.NoError(t, err)

		created, err := f.engine.Events(ctx, eventlog.HandlePledgeCreated, 0, 10)
		require.NoError(t, err)
		require.Len(t, created, 2)
		assert.Equal(t, alice.Hex(), created[0].Attributes["creator"])
		assert.Equal(t, bob.Hex(), created[1].Attributes["creator"])
		assert.Equal(t, uint64(1), created[1].HandleSeq)

		page, err := f.engine.Events(ctx, eventlog.HandlePledgeCreated, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, created[1].Hash, page[0].Hash)

		completed, err := f.engine.Events(ctx, eventlog.HandlePledgeCompleted, 0, 0)
		require.NoError(t, err)
		require.Len(t, completed, 1)

		_, err = f.engine.Events(ctx, "pledge_store", 0, 10)
		assert.ErrorIs(t, err, pledge.ErrNotFound)

		all, err := f.store.PendingEvents(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		require.NoError(t, eventlog.Verify("", all))
		head, err := f.engine.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, all[4].Hash, head.Hash)
	})
}

func TestListPledgesByStatus(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	for _, who := range []common.Address{alice, bob, keeper} {
		f.fund(t, who, token)
		f.create(t, who, token/10, time.Hour)
	}
	_, err := f.engine.MarkCompleted(ctx, bob)
	require.NoError(t, err)

	ongoing, err := f.engine.ListPledges(ctx, pledge.Filter{Status: pledge.StatusOngoing})
	require.NoError(t, err)
	assert.Len(t, ongoing, 2)

	done, err := f.engine.ListPledges(ctx, pledge.Filter{Status: pledge.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, bob, done[0].Creator)

	byID, err := f.engine.GetPledgeByID(ctx, done[0].ID)
	require.NoError(t, err)
	assert.Equal(t, done[0], byID)

	_, err = f.engine.GetPledgeByID(ctx, 99)
	assert.ErrorIs(t, err, pledge.ErrNotFound)
}

func TestFundValidation(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	_, err := f.engine.Fund(ctx, common.Address{}, 1)
	assert.ErrorIs(t, err, pledge.ErrInvalidAddress)
	_, err = f.engine.Fund(ctx, alice, 0)
	assert.ErrorIs(t, err, pledge.ErrInvalidAmount)

	rc, err := f.engine.Fund(ctx, alice, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFunded, rc.Outcome)
	require.Len(t, rc.Events, 1)
	assert.Equal(t, eventlog.HandleAccountFunded, rc.Events[0].Handle)
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.Sink = p.EscrowAccount
	_, err := NewEngine(store.NewMemoryStore(), p)
	assert.Error(t, err)

	_, err = NewEngine(nil, DefaultPolicy())
	assert.Error(t, err)
}

func TestCancelledContextLeavesNoTrace(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), nil)
	f.fund(t, alice, token)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.CreatePledge(ctx, alice, CreatePledgeRequest{"x", token, f.clock.Unix() + 60})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, uint64(token), f.balance(t, alice))
}

func TestLocalClientViews(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	f.fund(t, alice, token)

	c := NewLocalClient(f.engine, alice)
	res, err := c.CreatePledge(ctx, CreatePledgeRequest{"walk daily", token / 10, f.clock.Unix() + 90})
	require.NoError(t, err)
	assert.Equal(t, int64(90), res.Pledge.SecondsRemaining)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	f.clock.Set(f.clock.Now().Add(30 * time.Second))
	view, err := c.GetPledge(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(60), view.SecondsRemaining)
	assert.False(t, view.Completed)

	_, err = c.As(bob).GetPledge(ctx, bob)
	assert.ErrorIs(t, err, pledge.ErrNotFound)

	f.clock.Set(f.clock.Now().Add(time.Minute + time.Second))
	res, err = c.As(bob).WithdrawOrBurn(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeForfeited, res.Outcome)
	assert.Zero(t, res.Pledge.SecondsRemaining)
	assert.Equal(t, bob.Hex(), res.Pledge.SettledBy)
}
