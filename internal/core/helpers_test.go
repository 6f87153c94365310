package core_test

import (
	"EscrowVault/internal/clock"
	"EscrowVault/internal/core"
	"EscrowVault/internal/escrow"
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/scheduler"
	"EscrowVault/internal/transfer"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	serviceID = "vault-service"
	ckbtc     = "mxzaz-hqaaa-aaaar-qaada-cai"
	alice     = "alice-principal"
	bob       = "bob-principal"

	t0 = int64(1_700_000_000_000_000_000)
)

var errLedgerDown = errors.New("ledger unavailable")

type recordingSink struct {
	mu   sync.Mutex
	recs []event.Record
}

func (s *recordingSink) Emit(rec event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) Records() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

type fixture struct {
	t      *testing.T
	clock  *clock.Manual
	sched  *scheduler.ManualScheduler
	ledger *transfer.MemoryLedger
	engine *core.Engine
	sink   *recordingSink
}

// newFixture wires an engine to a manual clock, manual scheduler and an
// in-memory ledger charging a fee of 10.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewManual(t0)
	sched := scheduler.NewManualScheduler()
	ledger := transfer.NewMemoryLedger(serviceID, fpmath.NewAmount(10))
	eng := core.NewEngine(core.DefaultConfig(serviceID), ledger, sched, clk, nil, zerolog.Nop())
	sink := &recordingSink{}
	eng.SetSink(sink)

	return &fixture{t: t, clock: clk, sched: sched, ledger: ledger, engine: eng, sink: sink}
}

// fund mints amount to owner's default account and approves the service for
// all of it.
func (f *fixture) fund(owner string, amount uint64) {
	acct := escrow.DefaultAccount(owner)
	f.ledger.Mint(ckbtc, acct, fpmath.NewAmount(amount))
	f.ledger.Approve(ckbtc, acct, serviceID, f.ledger.Balance(ckbtc, acct))
}

func (f *fixture) balance(owner string) fpmath.Amount {
	return f.ledger.Balance(ckbtc, escrow.DefaultAccount(owner))
}

func (f *fixture) escrowBalance(owner, id string) fpmath.Amount {
	return f.ledger.Balance(ckbtc, escrow.EscrowAccount(serviceID, owner, id))
}

func (f *fixture) createBudget(owner string, amount uint64, start, end int64) string {
	f.t.Helper()
	b, err := f.engine.CreateBudget(owner, core.CreateBudgetRequest{
		AssetCanister: ckbtc,
		AssetKind:     escrow.AssetKindCkBtc,
		Name:          "groceries",
		AmountToLock:  fpmath.NewAmount(amount),
		PeriodStartNs: start,
		PeriodEndNs:   end,
	})
	if err != nil {
		f.t.Fatalf("CreateBudget: %v", err)
	}
	return b.ID
}

// lockedBudget creates a budget over [t0, t0+1000) and fires its first lock.
func (f *fixture) lockedBudget(owner string, amount uint64) string {
	f.t.Helper()
	id := f.createBudget(owner, amount, t0, t0+1000)
	if n := f.sched.FireDue(f.clock.NowNs()); n != 1 {
		f.t.Fatalf("expected first lock timer to fire, fired %d", n)
	}
	return id
}

func (f *fixture) createGoal(owner string, target uint64, start, end int64, initial uint64) (string, error) {
	req := core.CreateGoalRequest{
		AssetCanister: ckbtc,
		AssetKind:     escrow.AssetKindCkBtc,
		Name:          "bike",
		AmountToLock:  fpmath.NewAmount(target),
		StartNs:       start,
		EndNs:         end,
	}
	if initial > 0 {
		a := fpmath.NewAmount(initial)
		req.InitialAmount = &a
	}
	g, err := f.engine.CreateAndLockGoal(context.Background(), owner, req)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

func (f *fixture) countEvents(id string, kind event.Kind) int {
	f.t.Helper()
	recs, err := f.engine.ListEvents(id, 1000, 0)
	if err != nil {
		f.t.Fatalf("ListEvents(%s): %v", id, err)
	}
	n := 0
	for _, r := range recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// blockOn installs a ledger hook that parks the first call of op until the
// returned release func is called. entered is closed once the call is parked.
func (f *fixture) blockOn(op transfer.Op) (entered <-chan struct{}, release func()) {
	in := make(chan struct{})
	out := make(chan struct{})
	var once sync.Once
	f.ledger.SetHook(func(ctx context.Context, called transfer.Op) error {
		if called != op {
			return nil
		}
		parked := false
		once.Do(func() {
			parked = true
			close(in)
		})
		if parked {
			<-out
		}
		return nil
	})
	var releaseOnce sync.Once
	return in, func() { releaseOnce.Do(func() { close(out) }) }
}

func amt(v uint64) fpmath.Amount {
	return fpmath.NewAmount(v)
}

func assertAmount(t *testing.T, what string, got fpmath.Amount, want uint64) {
	t.Helper()
	if !got.Equal(fpmath.NewAmount(want)) {
		t.Errorf("%s: got %s, want %d", what, got, want)
	}
}

func assertErrIs(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
