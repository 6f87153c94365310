package core_test

import (
	"EscrowVault/internal/core"
	"EscrowVault/internal/escrow"
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/observability"
	"EscrowVault/internal/state"
	"EscrowVault/internal/transfer"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Create
// ============================================================================

func TestCreateBudget_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		caller string
		req    core.CreateBudgetRequest
		want   error
	}{
		{"anonymous", "", core.CreateBudgetRequest{Name: "x", AssetCanister: ckbtc, AmountToLock: amt(1), PeriodStartNs: 0, PeriodEndNs: 1}, core.ErrUnauthorized},
		{"blank name", alice, core.CreateBudgetRequest{Name: "  ", AssetCanister: ckbtc, AmountToLock: amt(1), PeriodStartNs: 0, PeriodEndNs: 1}, core.ErrInvalidArgument},
		{"zero amount", alice, core.CreateBudgetRequest{Name: "x", AssetCanister: ckbtc, PeriodStartNs: 0, PeriodEndNs: 1}, core.ErrInvalidArgument},
		{"empty period", alice, core.CreateBudgetRequest{Name: "x", AssetCanister: ckbtc, AmountToLock: amt(1), PeriodStartNs: 5, PeriodEndNs: 5}, core.ErrInvalidArgument},
		{"no asset", alice, core.CreateBudgetRequest{Name: "x", AmountToLock: amt(1), PeriodStartNs: 0, PeriodEndNs: 1}, core.ErrInvalidArgument},
		{"negative start", alice, core.CreateBudgetRequest{Name: "x", AssetCanister: ckbtc, AmountToLock: amt(1), PeriodStartNs: -1, PeriodEndNs: 10}, core.ErrInvalidArgument},
		{"span wider than int64", alice, core.CreateBudgetRequest{Name: "x", AssetCanister: ckbtc, AmountToLock: amt(1), PeriodStartNs: -6_000_000_000_000_000_000, PeriodEndNs: 6_000_000_000_000_000_000}, core.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateBudget(tt.caller, tt.req)
			assertErrIs(t, err, tt.want)
		})
	}

	if got := f.engine.ListBudgets(alice); len(got) != 0 {
		t.Errorf("rejected creates left %d budgets", len(got))
	}
}

func TestCreateBudget_ArmsFirstLockAtPeriodStart(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0+50, t0+1050)

	b, err := f.engine.GetBudget(id)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if !strings.HasPrefix(id, alice+"-"+ckbtc+"-") {
		t.Errorf("unexpected id %q", id)
	}
	if b.Status != state.BudgetStatusActive {
		t.Errorf("status: got %s, want Active", b.Status)
	}
	if b.Decimals != 8 {
		t.Errorf("decimals: got %d, want 8", b.Decimals)
	}

	armed := f.sched.Armed()
	if len(armed) != 1 || armed[0].AtNs != t0+50 {
		t.Fatalf("expected one timer at %d, got %+v", t0+50, armed)
	}
}

func TestCreateBudget_SameNanosecondGetsDistinctIDs(t *testing.T) {
	f := newFixture(t)
	a := f.createBudget(alice, 10, t0, t0+10)
	b := f.createBudget(alice, 10, t0, t0+10)
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if got := f.engine.ListBudgets(alice); len(got) != 2 {
		t.Errorf("expected 2 budgets, got %d", len(got))
	}
}

func TestCreateAndLockBudget(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 2000)

	b, err := f.engine.CreateAndLockBudget(context.Background(), alice, core.CreateBudgetRequest{
		AssetCanister: ckbtc,
		Name:          "rent",
		AmountToLock:  amt(1000),
		PeriodStartNs: t0,
		PeriodEndNs:   t0 + 1000,
	})
	if err != nil {
		t.Fatalf("CreateAndLockBudget: %v", err)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
	assertAmount(t, "escrow", f.escrowBalance(alice, b.ID), 1000)
	assertAmount(t, "owner balance", f.balance(alice), 990)

	armed := f.sched.Armed()
	if len(armed) != 1 || armed[0].AtNs != t0+1000 {
		t.Errorf("expected next lock at period end, got %+v", armed)
	}
}

func TestCreateAndLockBudget_FailedLockStillReturnsBudget(t *testing.T) {
	f := newFixture(t)

	b, err := f.engine.CreateAndLockBudget(context.Background(), alice, core.CreateBudgetRequest{
		AssetCanister: ckbtc,
		Name:          "rent",
		AmountToLock:  amt(1000),
		PeriodStartNs: t0,
		PeriodEndNs:   t0 + 1000,
	})
	if err != nil {
		t.Fatalf("CreateAndLockBudget: %v", err)
	}
	if b.Status != state.BudgetStatusFailed {
		t.Errorf("status: got %s, want Failed", b.Status)
	}
	if n := f.countEvents(b.ID, event.KindLockFailed); n != 1 {
		t.Errorf("LockFailed events: got %d, want 1", n)
	}
}

// ============================================================================
// Test: Linear vesting
// ============================================================================

func TestBudget_LinearVestingAtMidpoint(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 500)
	b, err := f.engine.RefreshAccrual(alice, id)
	if err != nil {
		t.Fatalf("RefreshAccrual: %v", err)
	}
	assertAmount(t, "available", b.AvailableToWithdraw, 500)
	assertAmount(t, "locked", b.LockedBalance, 500)
	assertAmount(t, "unlocked so far", b.UnlockedSoFar, 500)
}

func TestBudget_AccrualIsMonotonicAndCompletesOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 997)

	prev := fpmath.Zero()
	for now := t0; now <= t0+1200; now += 37 {
		f.clock.Set(now)
		b, err := f.engine.RefreshAccrual(alice, id)
		if err != nil {
			t.Fatalf("RefreshAccrual: %v", err)
		}
		if b.UnlockedSoFar.Cmp(prev) < 0 {
			t.Fatalf("unlocked decreased at %d: %s < %s", now-t0, b.UnlockedSoFar, prev)
		}
		if sum := b.LockedBalance.Add(b.AvailableToWithdraw); !sum.Equal(amt(997)) {
			t.Fatalf("locked+available drifted to %s at %d", sum, now-t0)
		}
		prev = b.UnlockedSoFar
	}

	b, _ := f.engine.GetBudget(id)
	if b.Status != state.BudgetStatusCompleted {
		t.Errorf("status: got %s, want Completed", b.Status)
	}
	assertAmount(t, "available", b.AvailableToWithdraw, 997)
	if n := f.countEvents(id, event.KindPeriodCompleted); n != 1 {
		t.Errorf("PeriodCompleted events: got %d, want 1", n)
	}
}

func TestBudget_RefreshAccrualStep(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 800)
	step := amt(100)
	b, err := f.engine.RefreshAccrualStep(alice, id, &step)
	if err != nil {
		t.Fatalf("RefreshAccrualStep: %v", err)
	}
	assertAmount(t, "available after step", b.AvailableToWithdraw, 100)

	b, _ = f.engine.RefreshAccrual(alice, id)
	assertAmount(t, "available after full refresh", b.AvailableToWithdraw, 800)
}

func TestBudget_PreviewAccrualDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 250)
	p, err := f.engine.PreviewAccrual(id)
	if err != nil {
		t.Fatalf("PreviewAccrual: %v", err)
	}
	assertAmount(t, "projected available", p.ProjectedAvailable, 250)
	assertAmount(t, "projected locked", p.ProjectedLockedBalance, 750)

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "stored available", b.AvailableToWithdraw, 0)
	assertAmount(t, "stored locked", b.LockedBalance, 1000)
}

// ============================================================================
// Test: Withdraw
// ============================================================================

func TestBudget_WithdrawDeductsFee(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 500)
	before := f.balance(alice)

	f.clock.Set(t0 + 1000)
	net, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(500), nil)
	if err != nil {
		t.Fatalf("WithdrawBudget: %v", err)
	}
	assertAmount(t, "net", net, 490)
	assertAmount(t, "owner received", f.balance(alice).SaturatingSub(before), 490)

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "available", b.AvailableToWithdraw, 0)
	assertAmount(t, "escrow", f.escrowBalance(alice, id), 0)

	recs, _ := f.engine.ListEvents(id, 0, 0)
	last := recs[len(recs)-1]
	if last.Kind != event.KindWithdraw || last.Note == nil || *last.Note != "fee_deducted:10" {
		t.Errorf("unexpected last event: %+v", last)
	}
	if last.Amount == nil || !last.Amount.Equal(amt(500)) {
		t.Errorf("withdraw event should carry gross amount, got %v", last.Amount)
	}
}

func TestBudget_WithdrawToSubaccount(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 500)
	f.clock.Set(t0 + 1000)

	var sub escrow.Subaccount
	sub[31] = 7
	if _, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(100), &sub); err != nil {
		t.Fatalf("WithdrawBudget: %v", err)
	}
	got := f.ledger.Balance(ckbtc, escrow.Account{Owner: alice, Subaccount: &sub})
	assertAmount(t, "subaccount", got, 90)
}

func TestBudget_OverWithdrawalRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 500)
	_, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(501), nil)
	assertErrIs(t, err, core.ErrInvalidArgument)

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "available", b.AvailableToWithdraw, 500)
	assertAmount(t, "locked", b.LockedBalance, 500)
	if f.ledger.Calls(transfer.OpTransfer) != 0 {
		t.Error("rejected withdraw must not reach the ledger")
	}
}

func TestBudget_WithdrawRejectsZeroAndFeeSized(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 500)
	f.clock.Set(t0 + 1000)

	_, err := f.engine.WithdrawBudget(context.Background(), alice, id, fpmath.Zero(), nil)
	assertErrIs(t, err, core.ErrInvalidArgument)

	_, err = f.engine.WithdrawBudget(context.Background(), alice, id, amt(10), nil)
	assertErrIs(t, err, core.ErrInvalidArgument)

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "available", b.AvailableToWithdraw, 500)
}

func TestBudget_WithdrawTransferFailureKeepsBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 500)
	f.clock.Set(t0 + 1000)

	f.ledger.FailNext(transfer.OpTransfer, errLedgerDown)
	_, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(200), nil)
	assertErrIs(t, err, core.ErrTransferFailed)
	assertErrIs(t, err, errLedgerDown)

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "available", b.AvailableToWithdraw, 500)
	if n := f.countEvents(id, event.KindWithdraw); n != 0 {
		t.Errorf("Withdraw events: got %d, want 0", n)
	}

	// The busy mark must be cleared after a failure
	if _, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(200), nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestBudget_ConservationAcrossLifecycle(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)

	steps := []struct {
		at       int64
		withdraw uint64
	}{
		{300, 200},
		{700, 300},
		{1000, 0},
	}
	for _, s := range steps {
		f.clock.Set(t0 + s.at)
		f.sched.FireDue(f.clock.NowNs())
		if s.withdraw > 0 {
			if _, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(s.withdraw), nil); err != nil {
				t.Fatalf("withdraw at %d: %v", s.at, err)
			}
		}
		b, _ := f.engine.GetBudget(id)
		if held := f.escrowBalance(alice, id); !b.Total().Equal(held) {
			t.Fatalf("at %d: locked+available %s != escrow %s", s.at, b.Total(), held)
		}
	}
}

// ============================================================================
// Test: Lock-in and timers
// ============================================================================

func TestBudget_LockFailureMarksFailedWithoutTimer(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	f.sched.FireDue(t0)

	b, _ := f.engine.GetBudget(id)
	if b.Status != state.BudgetStatusFailed {
		t.Errorf("status: got %s, want Failed", b.Status)
	}
	if n := f.countEvents(id, event.KindLockFailed); n != 1 {
		t.Errorf("LockFailed events: got %d, want 1", n)
	}
	if n := len(f.sched.Armed()); n != 0 {
		t.Errorf("armed timers: got %d, want 0", n)
	}

	// Owner fixes the allowance and retries by hand
	f.fund(alice, 2000)
	if err := f.engine.TriggerLockNow(context.Background(), alice, id); err != nil {
		t.Fatalf("TriggerLockNow: %v", err)
	}
	b, _ = f.engine.GetBudget(id)
	if b.Status != state.BudgetStatusActive {
		t.Errorf("status after retry: got %s, want Active", b.Status)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
}

func TestBudget_LostLockReplyIsNotChargedTwice(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	// The ledger applies the lock but the reply is lost
	f.ledger.LoseNextReply(transfer.OpTransferFrom, errLedgerDown)
	f.sched.FireDue(t0)

	b, _ := f.engine.GetBudget(id)
	if b.Status != state.BudgetStatusFailed {
		t.Fatalf("status: got %s, want Failed", b.Status)
	}
	assertAmount(t, "owner after lost reply", f.balance(alice), 3990)

	if err := f.engine.TriggerLockNow(context.Background(), alice, id); err != nil {
		t.Fatalf("TriggerLockNow: %v", err)
	}
	b, _ = f.engine.GetBudget(id)
	if b.Status != state.BudgetStatusActive {
		t.Errorf("status after retry: got %s, want Active", b.Status)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
	assertAmount(t, "owner after retry", f.balance(alice), 3990)
	if held := f.escrowBalance(alice, id); !b.Total().Equal(held) {
		t.Errorf("locked+available %s != escrow %s", b.Total(), held)
	}

	// The next period is a new lock and is charged
	f.clock.Set(t0 + 1000)
	f.sched.FireDue(f.clock.NowNs())
	assertAmount(t, "owner after second period", f.balance(alice), 2980)
}

func TestBudget_LostWithdrawReplyIsNotPaidTwice(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 500)
	f.clock.Set(t0 + 1000)
	before := f.balance(alice)

	f.ledger.LoseNextReply(transfer.OpTransfer, errLedgerDown)
	_, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(200), nil)
	assertErrIs(t, err, core.ErrTransferFailed)

	net, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(200), nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertAmount(t, "net", net, 190)
	assertAmount(t, "owner received", f.balance(alice).SaturatingSub(before), 190)

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "available", b.AvailableToWithdraw, 300)
	assertAmount(t, "escrow", f.escrowBalance(alice, id), 300)

	// A further withdrawal of the same amount is a new transfer
	if _, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(200), nil); err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	assertAmount(t, "owner received", f.balance(alice).SaturatingSub(before), 380)
	assertAmount(t, "escrow", f.escrowBalance(alice, id), 100)
}

func TestBudget_WideWindowRejectedBeforeLock(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)

	_, err := f.engine.CreateAndLockBudget(context.Background(), alice, core.CreateBudgetRequest{
		AssetCanister: ckbtc,
		Name:          "forever",
		AmountToLock:  amt(1000),
		PeriodStartNs: -6_000_000_000_000_000_000,
		PeriodEndNs:   6_000_000_000_000_000_000,
	})
	assertErrIs(t, err, core.ErrInvalidArgument)
	if got := f.ledger.Calls(transfer.OpTransferFrom); got != 0 {
		t.Errorf("TransferFrom calls: got %d, want 0", got)
	}
}

func TestBudget_TriggerLockNowRejectedMidPeriod(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 10)
	err := f.engine.TriggerLockNow(context.Background(), alice, id)
	assertErrIs(t, err, core.ErrInvalidArgument)
	if got := f.ledger.Calls(transfer.OpTransferFrom); got != 1 {
		t.Errorf("TransferFrom calls: got %d, want 1", got)
	}
}

func TestBudget_RelocksEachPeriod(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 1000)
	if n := f.sched.FireDue(f.clock.NowNs()); n != 1 {
		t.Fatalf("fired %d timers, want 1", n)
	}

	b, _ := f.engine.GetBudget(id)
	if b.PeriodStartNs != t0+1000 || b.PeriodEndNs != t0+2000 {
		t.Errorf("window: got [%d, %d)", b.PeriodStartNs-t0, b.PeriodEndNs-t0)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
	assertAmount(t, "available", b.AvailableToWithdraw, 1000)
	if b.Status != state.BudgetStatusActive {
		t.Errorf("status: got %s, want Active", b.Status)
	}
	if n := f.countEvents(id, event.KindPeriodCompleted); n != 1 {
		t.Errorf("PeriodCompleted: got %d, want 1", n)
	}
	if n := f.countEvents(id, event.KindLockSucceeded); n != 2 {
		t.Errorf("LockSucceeded: got %d, want 2", n)
	}
}

func TestBudget_EarlyTimerRearmsAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	f.lockedBudget(alice, 1000)

	// Deliver the period-end timer early
	armed := f.sched.Armed()
	f.clock.Set(t0 + 400)
	f.sched.Fire(armed[0].Handle)

	if got := f.ledger.Calls(transfer.OpTransferFrom); got != 1 {
		t.Errorf("TransferFrom calls: got %d, want 1", got)
	}
	armed = f.sched.Armed()
	if len(armed) != 1 || armed[0].AtNs != t0+1000 {
		t.Errorf("expected timer re-armed at period end, got %+v", armed)
	}
}

func TestBudget_StaleTimerDeliveryIgnored(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	first := f.sched.Armed()[0].Handle
	f.sched.Fire(first)
	f.sched.Redeliver(first)
	f.sched.Redeliver(first)

	if got := f.ledger.Calls(transfer.OpTransferFrom); got != 1 {
		t.Errorf("TransferFrom calls: got %d, want 1", got)
	}
	if n := f.countEvents(id, event.KindLockSucceeded); n != 1 {
		t.Errorf("LockSucceeded: got %d, want 1", n)
	}
	if n := len(f.sched.Armed()); n != 1 {
		t.Errorf("armed timers: got %d, want 1", n)
	}
}

func TestBudget_PauseResumeKeepsSingleTimer(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)

	for i := 0; i < 5; i++ {
		if err := f.engine.PauseBudget(alice, id); err != nil {
			t.Fatalf("PauseBudget: %v", err)
		}
		if n := len(f.sched.Armed()); n != 0 {
			t.Fatalf("paused budget has %d armed timers", n)
		}
		if err := f.engine.ResumeBudget(alice, id); err != nil {
			t.Fatalf("ResumeBudget: %v", err)
		}
		if err := f.engine.ResumeBudget(alice, id); err != nil {
			t.Fatalf("ResumeBudget twice: %v", err)
		}
		if n := len(f.sched.Armed()); n != 1 {
			t.Fatalf("resumed budget has %d armed timers, want 1", n)
		}
	}
	if n := f.engine.ArmedTimers(); n != 1 {
		t.Errorf("engine timers: got %d, want 1", n)
	}
}

func TestBudget_ResumeAfterLongPauseSkipsMissedPeriods(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)

	f.clock.Set(t0 + 100)
	if err := f.engine.PauseBudget(alice, id); err != nil {
		t.Fatalf("PauseBudget: %v", err)
	}

	f.clock.Set(t0 + 3500)
	if err := f.engine.ResumeBudget(alice, id); err != nil {
		t.Fatalf("ResumeBudget: %v", err)
	}
	f.sched.FireDue(f.clock.NowNs())

	b, _ := f.engine.GetBudget(id)
	if b.PeriodStartNs != t0+3000 || b.PeriodEndNs != t0+4000 {
		t.Errorf("window: got [%d, %d), want [3000, 4000)", b.PeriodStartNs-t0, b.PeriodEndNs-t0)
	}
	if got := f.ledger.Calls(transfer.OpTransferFrom); got != 2 {
		t.Errorf("TransferFrom calls: got %d, want 2", got)
	}
	assertAmount(t, "available", b.AvailableToWithdraw, 1000)
}

func TestBudget_PausedBudgetStillVests(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)

	if err := f.engine.PauseBudget(alice, id); err != nil {
		t.Fatalf("PauseBudget: %v", err)
	}
	f.clock.Set(t0 + 1000)
	b, _ := f.engine.RefreshAccrual(alice, id)
	assertAmount(t, "available", b.AvailableToWithdraw, 1000)
	if b.Status != state.BudgetStatusPaused {
		t.Errorf("status: got %s, want Paused", b.Status)
	}
}

// ============================================================================
// Test: Update
// ============================================================================

func TestUpdateBudget(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	name := "holidays"
	amount := amt(250)
	b, err := f.engine.UpdateBudget(alice, id, core.UpdateBudgetRequest{Name: &name, AmountToLock: &amount})
	if err != nil {
		t.Fatalf("UpdateBudget: %v", err)
	}
	if b.Name != name {
		t.Errorf("name: got %q", b.Name)
	}
	assertAmount(t, "amount_to_lock", b.AmountToLock, 250)

	blank := ""
	_, err = f.engine.UpdateBudget(alice, id, core.UpdateBudgetRequest{Name: &blank})
	assertErrIs(t, err, core.ErrInvalidArgument)

	zero := fpmath.Zero()
	_, err = f.engine.UpdateBudget(alice, id, core.UpdateBudgetRequest{AmountToLock: &zero})
	assertErrIs(t, err, core.ErrInvalidArgument)

	_, err = f.engine.UpdateBudget(bob, id, core.UpdateBudgetRequest{Name: &name})
	assertErrIs(t, err, core.ErrUnauthorized)
}

func TestUpdateBudget_ArchivedIsTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	archived := state.BudgetStatusArchived
	if _, err := f.engine.UpdateBudget(alice, id, core.UpdateBudgetRequest{Status: &archived}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n := len(f.sched.Armed()); n != 0 {
		t.Errorf("archived budget has %d timers", n)
	}

	assertErrIs(t, f.engine.ResumeBudget(alice, id), core.ErrInvalidArgument)
	assertErrIs(t, f.engine.PauseBudget(alice, id), core.ErrInvalidArgument)
	assertErrIs(t, f.engine.TriggerLockNow(context.Background(), alice, id), core.ErrInvalidArgument)
}

// ============================================================================
// Test: Delete
// ============================================================================

func TestDeleteBudget_RefundsEverything(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)
	f.clock.Set(t0 + 500)
	f.engine.RefreshAccrual(alice, id)
	before := f.balance(alice)

	if err := f.engine.DeleteBudget(context.Background(), alice, id); err != nil {
		t.Fatalf("DeleteBudget: %v", err)
	}
	assertAmount(t, "refund", f.balance(alice).SaturatingSub(before), 990)
	assertAmount(t, "escrow", f.escrowBalance(alice, id), 0)

	_, err := f.engine.GetBudget(id)
	assertErrIs(t, err, core.ErrNotFound)
	_, err = f.engine.ListEvents(id, 10, 0)
	assertErrIs(t, err, core.ErrNotFound)
	if n := len(f.sched.Armed()); n != 0 {
		t.Errorf("deleted budget left %d timers", n)
	}
}

func TestDeleteBudget_DustIsNotRefunded(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	if err := f.engine.DeleteBudget(context.Background(), alice, id); err != nil {
		t.Fatalf("DeleteBudget: %v", err)
	}
	if got := f.ledger.Calls(transfer.OpTransfer); got != 0 {
		t.Errorf("Transfer calls: got %d, want 0", got)
	}
}

func TestDeleteBudget_RefundFailureKeepsBudget(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)

	f.ledger.FailNext(transfer.OpTransfer, errLedgerDown)
	err := f.engine.DeleteBudget(context.Background(), alice, id)
	assertErrIs(t, err, core.ErrTransferFailed)

	b, err := f.engine.GetBudget(id)
	if err != nil {
		t.Fatalf("budget should survive a failed refund: %v", err)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
	if n := f.countEvents(id, event.KindRefundFailed); n != 1 {
		t.Errorf("RefundFailed: got %d, want 1", n)
	}
	if n := len(f.sched.Armed()); n != 1 {
		t.Errorf("timer should stay armed, got %d", n)
	}
}

// ============================================================================
// Test: Concurrency
// ============================================================================

func TestBudget_ConcurrentOperationRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	entered, release := f.blockOn(transfer.OpTransferFrom)
	done := make(chan error, 1)
	go func() {
		done <- f.engine.TriggerLockNow(context.Background(), alice, id)
	}()
	<-entered

	assertErrIs(t, f.engine.DeleteBudget(context.Background(), alice, id), core.ErrAlreadyInProgress)
	assertErrIs(t, f.engine.PauseBudget(alice, id), core.ErrAlreadyInProgress)
	_, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(100), nil)
	assertErrIs(t, err, core.ErrAlreadyInProgress)

	release()
	if err := <-done; err != nil {
		t.Fatalf("TriggerLockNow: %v", err)
	}

	b, _ := f.engine.GetBudget(id)
	assertAmount(t, "locked", b.LockedBalance, 1000)
	if err := f.engine.PauseBudget(alice, id); err != nil {
		t.Errorf("PauseBudget after release: %v", err)
	}
}

func TestBudget_TimerWhileBusyIsRetried(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)
	f.clock.Set(t0 + 1000)

	entered, release := f.blockOn(transfer.OpTransfer)
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.WithdrawBudget(context.Background(), alice, id, amt(100), nil)
		done <- err
	}()
	<-entered

	if n := f.sched.FireDue(f.clock.NowNs()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	armed := f.sched.Armed()
	if len(armed) != 1 || armed[0].AtNs != t0+1000+int64(core.DefaultConfig(serviceID).BusyRetryDelay) {
		t.Fatalf("expected retry timer, got %+v", armed)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("WithdrawBudget: %v", err)
	}

	f.clock.Set(armed[0].AtNs)
	f.sched.FireDue(f.clock.NowNs())
	if n := f.countEvents(id, event.KindLockSucceeded); n != 2 {
		t.Errorf("LockSucceeded: got %d, want 2", n)
	}
}

// ============================================================================
// Test: Reads and auth
// ============================================================================

func TestBudget_OwnerChecks(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	_, err := f.engine.RefreshAccrual(bob, id)
	assertErrIs(t, err, core.ErrUnauthorized)
	_, err = f.engine.WithdrawBudget(context.Background(), bob, id, amt(1), nil)
	assertErrIs(t, err, core.ErrUnauthorized)
	assertErrIs(t, f.engine.DeleteBudget(context.Background(), bob, id), core.ErrUnauthorized)
	_, err = f.engine.PreviewSchedule(bob, id)
	assertErrIs(t, err, core.ErrUnauthorized)
	_, err = f.engine.BudgetEscrowAccount(bob, id)
	assertErrIs(t, err, core.ErrUnauthorized)

	_, err = f.engine.RefreshAccrual(alice, "missing")
	assertErrIs(t, err, core.ErrNotFound)
	_, err = f.engine.PreviewAccrual("missing")
	assertErrIs(t, err, core.ErrNotFound)
}

func TestBudget_ListByAsset(t *testing.T) {
	f := newFixture(t)
	f.createBudget(alice, 1000, t0, t0+1000)
	if _, err := f.engine.CreateBudget(alice, core.CreateBudgetRequest{
		AssetCanister: "ss2fx-dyaaa-aaaar-qacoq-cai",
		AssetKind:     escrow.AssetKindCkEth,
		Name:          "gas",
		AmountToLock:  amt(5),
		PeriodStartNs: t0,
		PeriodEndNs:   t0 + 10,
	}); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	f.createBudget(bob, 1000, t0, t0+1000)

	if got := f.engine.ListBudgets(alice); len(got) != 2 {
		t.Errorf("alice budgets: got %d, want 2", len(got))
	}
	got := f.engine.ListBudgetsByAsset(alice, ckbtc)
	if len(got) != 1 || got[0].AssetCanister != ckbtc {
		t.Errorf("by asset: got %+v", got)
	}
}

func TestBudget_PreviewScheduleAndRequirements(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	items, err := f.engine.PreviewSchedule(alice, id)
	if err != nil {
		t.Fatalf("PreviewSchedule: %v", err)
	}
	if len(items) != 2 || items[0].Kind != core.ScheduleKindLock || items[1].AtTimeNs != t0+1000 {
		t.Errorf("unexpected schedule %+v", items)
	}

	allowance, err := f.engine.RequiredAllowance(alice, id)
	if err != nil {
		t.Fatalf("RequiredAllowance: %v", err)
	}
	assertAmount(t, "allowance", allowance, 1000)

	req, err := f.engine.RequiredAmounts(context.Background(), alice, id)
	if err != nil {
		t.Fatalf("RequiredAmounts: %v", err)
	}
	assertAmount(t, "fee", req.EstimatedFee, 10)
	assertAmount(t, "required allowance", req.Allowance, 1010)
	assertAmount(t, "required balance", req.RequiredUserBalance, 1010)

	_, err = f.engine.PreviewRequirements(context.Background(), ckbtc, escrow.AssetKindCkBtc, fpmath.Zero())
	assertErrIs(t, err, core.ErrInvalidArgument)
}

func TestBudget_ReportedAllowanceCoversLock(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	req, err := f.engine.RequiredAmounts(context.Background(), alice, id)
	if err != nil {
		t.Fatalf("RequiredAmounts: %v", err)
	}
	acct := escrow.DefaultAccount(alice)
	f.ledger.Mint(ckbtc, acct, req.RequiredUserBalance)
	f.ledger.Approve(ckbtc, acct, serviceID, req.Allowance)

	f.sched.FireDue(t0)
	b, _ := f.engine.GetBudget(id)
	if b.Status != state.BudgetStatusActive {
		t.Errorf("status: got %s, want Active", b.Status)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
}

func TestBudget_EscrowAccountIsStable(t *testing.T) {
	f := newFixture(t)
	id := f.createBudget(alice, 1000, t0, t0+1000)

	a, err := f.engine.BudgetEscrowAccount(alice, id)
	if err != nil {
		t.Fatalf("BudgetEscrowAccount: %v", err)
	}
	if a.Owner != serviceID {
		t.Errorf("escrow owner: got %s", a.Owner)
	}
	if want := escrow.DeriveSubaccount(alice, id); a.Subaccount == nil || *a.Subaccount != want {
		t.Errorf("subaccount mismatch")
	}
}

func TestBudget_ListEventsPagination(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)
	f.clock.Set(t0 + 1000)
	f.sched.FireDue(f.clock.NowNs())

	all, _ := f.engine.ListEvents(id, 0, 0)
	if len(all) != 3 {
		t.Fatalf("events: got %d, want 3", len(all))
	}
	page, _ := f.engine.ListEvents(id, 1, 1)
	if len(page) != 1 || page[0].Sequence != all[1].Sequence {
		t.Errorf("page: got %+v", page)
	}
	empty, err := f.engine.ListEvents(id, 10, 99)
	if err != nil || len(empty) != 0 {
		t.Errorf("offset past end: got %d records, err %v", len(empty), err)
	}
}

func TestBudget_SinkSeesEventsInOrder(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	id := f.lockedBudget(alice, 1000)
	f.clock.Set(t0 + 1000)
	f.sched.FireDue(f.clock.NowNs())

	recs := f.sink.Records()
	logged, _ := f.engine.ListEvents(id, 0, 0)
	if len(recs) != len(logged) {
		t.Fatalf("sink saw %d records, log has %d", len(recs), len(logged))
	}
	for i := range recs {
		if recs[i].Hash != logged[i].Hash {
			t.Errorf("record %d differs", i)
		}
	}
}

// ============================================================================
// Test: Restore
// ============================================================================

func TestRestore_RearmsActiveBudgets(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10_000)
	active := f.lockedBudget(alice, 1000)
	paused := f.createBudget(alice, 10, t0, t0+1000)
	archived := f.createBudget(alice, 10, t0, t0+1000)
	f.engine.PauseBudget(alice, paused)
	st := state.BudgetStatusArchived
	f.engine.UpdateBudget(alice, archived, core.UpdateBudgetRequest{Status: &st})
	if _, err := f.createGoal(alice, 100, t0, t0+10, 0); err != nil {
		t.Fatalf("createGoal: %v", err)
	}

	snap := f.engine.Snapshot()

	restored := newFixture(t)
	if err := restored.engine.Restore(snap, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	armed := restored.sched.Armed()
	if len(armed) != 1 || armed[0].AtNs != t0+1000 {
		t.Fatalf("expected one timer at period end, got %+v", armed)
	}
	b, err := restored.engine.GetBudget(active)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	assertAmount(t, "locked", b.LockedBalance, 1000)
	if got := len(restored.engine.ListGoals(alice)); got != 1 {
		t.Errorf("goals restored: got %d, want 1", got)
	}
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t)
	f.engine = core.NewEngine(core.DefaultConfig(serviceID), f.ledger, f.sched, f.clock, observability.NewMetrics(reg), zerolog.Nop())
	f.fund(alice, 5000)
	id := f.lockedBudget(alice, 1000)
	f.engine.RefreshAccrual(bob, id)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	seen := make(map[string]bool)
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{"vault_operations_total", "vault_budget_lock_ins_total", "vault_events_appended_total", "vault_entities"} {
		if !seen[name] {
			t.Errorf("metric %s not exported", name)
		}
	}
}
