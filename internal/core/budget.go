package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"EscrowVault/internal/escrow"
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/scheduler"
	"EscrowVault/internal/state"
	"EscrowVault/internal/transfer"
)

// ownedBudgetLocked loads a budget and checks the caller owns it.
func (e *Engine) ownedBudgetLocked(caller, id string) (*state.Budget, error) {
	b, ok := e.store.Budget(id)
	if !ok {
		return nil, errorf(ErrNotFound, "budget %s", id)
	}
	if b.Owner != caller {
		return nil, errorf(ErrUnauthorized, "budget %s", id)
	}
	return b, nil
}

func (e *Engine) budgetEventLocked(id string, kind event.Kind, at int64, amount *fpmath.Amount, note *string) {
	e.appendEventLocked(event.EntityKindBudget, id, kind, at, amount, note)
}

// ============================================================================
// Create / Read
// ============================================================================

// CreateBudget validates req, inserts the budget and arms its first lock at
// PeriodStartNs.
func (e *Engine) CreateBudget(caller string, req CreateBudgetRequest) (b *state.Budget, err error) {
	defer e.observe("budget_create", time.Now(), &err)

	if caller == "" {
		return nil, errorf(ErrUnauthorized, "anonymous caller")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errorf(ErrInvalidArgument, "name must not be empty")
	}
	if req.AmountToLock.IsZero() {
		return nil, errorf(ErrInvalidArgument, "amount_to_lock must be > 0")
	}
	if req.AssetCanister == "" {
		return nil, errorf(ErrInvalidArgument, "asset_canister is required")
	}
	if err := validWindow(req.PeriodStartNs, req.PeriodEndNs, "period_start_ns", "period_end_ns"); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.NowNs()
	id := e.newIDLocked("", caller, req.AssetCanister, now)

	b = &state.Budget{
		ID:            id,
		Owner:         caller,
		AssetCanister: req.AssetCanister,
		AssetKind:     req.AssetKind,
		Name:          req.Name,
		Decimals:      req.AssetKind.Decimals(),
		Status:        state.BudgetStatusActive,
		AmountToLock:  req.AmountToLock,
		PeriodStartNs: req.PeriodStartNs,
		PeriodEndNs:   req.PeriodEndNs,
		NextLockAtNs:  req.PeriodStartNs,
		CreatedAtNs:   now,
		UpdatedAtNs:   now,
	}
	e.store.PutBudget(b)
	e.armLockTimerLocked(id, b.NextLockAtNs)
	e.refreshGaugesLocked()

	e.logger.Info().
		Str("budget_id", id).
		Str("owner", caller).
		Str("amount_to_lock", req.AmountToLock.String()).
		Int64("period_start_ns", req.PeriodStartNs).
		Int64("period_end_ns", req.PeriodEndNs).
		Msg("budget created")

	return b.Clone(), nil
}

// CreateAndLockBudget creates a budget and immediately runs its first
// lock-in. A failed lock does not fail the call: the returned budget carries
// status Failed and a LockFailed event.
func (e *Engine) CreateAndLockBudget(ctx context.Context, caller string, req CreateBudgetRequest) (*state.Budget, error) {
	b, err := e.CreateBudget(caller, req)
	if err != nil {
		return nil, err
	}
	if err := e.TriggerLockNow(ctx, caller, b.ID); err != nil {
		e.logger.Warn().Err(err).Str("budget_id", b.ID).Msg("initial lock failed")
	}
	return e.GetBudget(b.ID)
}

// GetBudget returns the stored record.
func (e *Engine) GetBudget(id string) (*state.Budget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.store.Budget(id)
	if !ok {
		return nil, errorf(ErrNotFound, "budget %s", id)
	}
	return b.Clone(), nil
}

// ListBudgets returns the owner's budgets ordered by id.
func (e *Engine) ListBudgets(owner string) []*state.Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Budgets(owner, nil)
}

// ListBudgetsByAsset returns the owner's budgets on one asset ledger.
func (e *Engine) ListBudgetsByAsset(owner, asset string) []*state.Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Budgets(owner, func(b *state.Budget) bool { return b.AssetCanister == asset })
}

// BudgetEscrowAccount returns the account holding the budget's funds.
func (e *Engine) BudgetEscrowAccount(caller, id string) (escrow.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.ownedBudgetLocked(caller, id)
	if err != nil {
		return escrow.Account{}, err
	}
	return e.escrowAccount(b.Owner, b.ID), nil
}

// ============================================================================
// Accrual
// ============================================================================

// accrueBudgetLocked moves whatever has vested by now from LockedBalance to
// AvailableToWithdraw and returns the amount moved. Archived budgets do not
// accrue. PeriodCompleted fires only on the transition of an Active budget.
func (e *Engine) accrueBudgetLocked(b *state.Budget, now int64, maxDelta *fpmath.Amount) fpmath.Amount {
	if b.Status == state.BudgetStatusArchived || b.PeriodLocked.IsZero() {
		return fpmath.Zero()
	}

	delta := fpmath.Accrue(b.AccrualWindow(), now, maxDelta)
	delta = fpmath.Min(delta, b.LockedBalance)
	if delta.IsZero() {
		return delta
	}

	b.LockedBalance, _ = b.LockedBalance.Sub(delta)
	b.UnlockedSoFar = b.UnlockedSoFar.Add(delta)
	b.AvailableToWithdraw = b.AvailableToWithdraw.Add(delta)
	b.UpdatedAtNs = now

	if b.Status == state.BudgetStatusActive && b.UnlockedSoFar.Cmp(b.PeriodLocked) >= 0 {
		b.Status = state.BudgetStatusCompleted
		e.budgetEventLocked(b.ID, event.KindPeriodCompleted, now, event.AmountOf(b.PeriodLocked), nil)
		e.refreshGaugesLocked()
	}
	return delta
}

// RefreshAccrual brings the budget's vesting up to date.
func (e *Engine) RefreshAccrual(caller, id string) (*state.Budget, error) {
	return e.RefreshAccrualStep(caller, id, nil)
}

// RefreshAccrualStep is RefreshAccrual with the released amount limited to
// maxDelta when non-nil.
func (e *Engine) RefreshAccrualStep(caller, id string, maxDelta *fpmath.Amount) (b *state.Budget, err error) {
	defer e.observe("budget_refresh_accrual", time.Now(), &err)
	defer e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()

	b, err = e.ownedBudgetLocked(caller, id)
	if err != nil {
		return nil, err
	}
	e.accrueBudgetLocked(b, e.clock.NowNs(), maxDelta)
	return b.Clone(), nil
}

// PreviewAccrual reports what RefreshAccrual would do now. Read-only.
func (e *Engine) PreviewAccrual(id string) (AccrualPreview, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.store.Budget(id)
	if !ok {
		return AccrualPreview{}, errorf(ErrNotFound, "budget %s", id)
	}

	now := e.clock.NowNs()
	w := b.AccrualWindow()

	additional := fpmath.Zero()
	if b.Status != state.BudgetStatusArchived {
		additional = fpmath.Min(fpmath.Accrue(w, now, nil), b.LockedBalance)
	}
	end := w.PeriodEndNs
	if end < w.PeriodStartNs+1 {
		end = w.PeriodStartNs + 1
	}

	return AccrualPreview{
		NowNs:                  now,
		PeriodStartNs:          w.PeriodStartNs,
		PeriodEndNs:            end,
		ProjectedUnlocked:      b.UnlockedSoFar.Add(additional),
		ProjectedAvailable:     b.AvailableToWithdraw.Add(additional),
		ProjectedLockedBalance: b.LockedBalance.SaturatingSub(additional),
	}, nil
}

// ============================================================================
// Lock-in
// ============================================================================

// armLockTimerLocked replaces any armed lock timer for id with one at atNs.
func (e *Engine) armLockTimerLocked(id string, atNs int64) {
	if h, ok := e.timers[id]; ok {
		e.sched.Cancel(h)
	}
	e.timers[id] = e.sched.ScheduleAt(atNs, func(h scheduler.Handle) {
		e.onLockTimer(id, h)
	})
	if e.metrics != nil {
		e.metrics.TimersArmed.Set(float64(len(e.timers)))
	}
}

func (e *Engine) cancelLockTimerLocked(id string) {
	if h, ok := e.timers[id]; ok {
		e.sched.Cancel(h)
		delete(e.timers, id)
	}
	if e.metrics != nil {
		e.metrics.TimersArmed.Set(float64(len(e.timers)))
	}
}

// onLockTimer is the scheduler callback. Deliveries whose handle is no longer
// the armed one (cancelled, replaced or duplicated) are ignored. A budget
// that is busy gets its timer pushed back by BusyRetryDelay.
func (e *Engine) onLockTimer(id string, h scheduler.Handle) {
	e.mu.Lock()
	armed, ok := e.timers[id]
	if !ok || armed != h {
		e.mu.Unlock()
		e.logger.Debug().Str("budget_id", id).Uint64("handle", uint64(h)).Msg("stale lock timer ignored")
		return
	}
	delete(e.timers, id)

	if _, exists := e.store.Budget(id); !exists {
		e.mu.Unlock()
		return
	}
	if e.store.IsBusy(id) {
		e.armLockTimerLocked(id, e.clock.NowNs()+int64(e.cfg.BusyRetryDelay))
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TransferTimeout)
	defer cancel()

	err := e.lockIn(ctx, id, false)
	if errors.Is(err, ErrAlreadyInProgress) {
		e.mu.Lock()
		if _, exists := e.store.Budget(id); exists {
			e.armLockTimerLocked(id, e.clock.NowNs()+int64(e.cfg.BusyRetryDelay))
		}
		e.mu.Unlock()
	}
}

// TriggerLockNow runs the lock-in step immediately on the owner's request.
// It is rejected while the current period is still vesting.
func (e *Engine) TriggerLockNow(ctx context.Context, caller, id string) (err error) {
	defer e.observe("budget_trigger_lock", time.Now(), &err)

	e.mu.Lock()
	_, err = e.ownedBudgetLocked(caller, id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.lockIn(ctx, id, true)
}

// lockIn pulls AmountToLock from the owner into escrow and starts a period.
//
// If a previous period has ended it is vested in full first, and on success
// the window advances by whole durations so that start <= now < end; periods
// missed while paused are skipped rather than charged. On failure the budget
// becomes Failed with a LockFailed event and no timer is re-armed.
func (e *Engine) lockIn(ctx context.Context, id string, manual bool) error {
	defer e.flush()

	var (
		owner       string
		asset       string
		amount      fpmath.Amount
		periodStart int64
		periodEnd   int64
		proceed     bool
	)

	err := func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		b, ok := e.store.Budget(id)
		if !ok {
			return errorf(ErrNotFound, "budget %s", id)
		}
		if !b.Lockable() {
			return errorf(ErrInvalidArgument, "budget %s is %s", id, b.Status)
		}

		now := e.clock.NowNs()
		if b.InPeriod(now) {
			if manual {
				return errorf(ErrInvalidArgument, "budget %s period vesting until %d", id, b.PeriodEndNs)
			}
			// Early delivery: wait for the period to end
			e.armLockTimerLocked(id, b.PeriodEndNs)
			return nil
		}
		if err := e.acquireLocked("budget_lock", id); err != nil {
			return err
		}
		e.cancelLockTimerLocked(id)

		if !b.PeriodLocked.IsZero() {
			e.accrueBudgetLocked(b, now, nil)
		}

		owner, asset, amount = b.Owner, b.AssetCanister, b.AmountToLock
		periodStart, periodEnd = b.PeriodAt(now)
		proceed = true
		return nil
	}()
	if err != nil || !proceed {
		return err
	}
	defer e.release(id)

	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	// One lock per period: retrying a lock whose reply was lost replays it.
	_, terr := e.ledger.TransferFrom(cctx, transfer.TransferFromArgs{
		Asset:          asset,
		Spender:        e.cfg.ServiceID,
		From:           escrow.DefaultAccount(owner),
		To:             e.escrowAccount(owner, id),
		Amount:         amount,
		Memo:           transfer.MemoBudgetLock,
		CreatedAtNs:    e.clock.NowNs(),
		IdempotencyKey: transferKey(id, "lock", periodStart),
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.store.Budget(id)
	if !ok {
		return errorf(ErrNotFound, "budget %s", id)
	}
	now := e.clock.NowNs()
	b.UpdatedAtNs = now

	if terr != nil {
		b.Status = state.BudgetStatusFailed
		e.budgetEventLocked(id, event.KindLockFailed, now, event.AmountOf(amount), event.NoteOf(terr.Error()))
		e.refreshGaugesLocked()
		if e.metrics != nil {
			e.metrics.LockIns.WithLabelValues("failed").Inc()
		}
		e.logger.Warn().
			Err(terr).
			Str("budget_id", id).
			Str("owner", owner).
			Str("amount", amount.String()).
			Str("amount_units", fpmath.FormatUnits(amount, b.Decimals)).
			Msg("budget lock failed")
		return transferFailed("lock", terr)
	}

	b.PeriodStartNs, b.PeriodEndNs = periodStart, periodEnd
	b.TransferNonce++

	b.LockedBalance = b.LockedBalance.Add(amount)
	b.PeriodLocked = amount
	b.UnlockedSoFar = fpmath.Zero()
	b.Status = state.BudgetStatusActive
	b.NextLockAtNs = b.PeriodEndNs

	e.budgetEventLocked(id, event.KindLockSucceeded, now, event.AmountOf(amount), nil)
	e.armLockTimerLocked(id, b.NextLockAtNs)
	e.refreshGaugesLocked()
	if e.metrics != nil {
		e.metrics.LockIns.WithLabelValues("succeeded").Inc()
	}

	e.logger.Info().
		Str("budget_id", id).
		Str("owner", owner).
		Str("amount", amount.String()).
		Str("amount_units", fpmath.FormatUnits(amount, b.Decimals)).
		Int64("period_start_ns", b.PeriodStartNs).
		Int64("period_end_ns", b.PeriodEndNs).
		Msg("budget locked")
	return nil
}

// ============================================================================
// Withdraw
// ============================================================================

// WithdrawBudget sends amount minus the ledger fee to the owner (optionally
// to one of their subaccounts) and debits the gross amount. Returns the net
// amount sent.
func (e *Engine) WithdrawBudget(ctx context.Context, caller, id string, amount fpmath.Amount, toSubaccount *escrow.Subaccount) (net fpmath.Amount, err error) {
	defer e.observe("budget_withdraw", time.Now(), &err)
	defer e.flush()

	if amount.IsZero() {
		return fpmath.Zero(), errorf(ErrInvalidArgument, "amount must be > 0")
	}

	var (
		owner, asset string
		nonce        uint64
	)
	err = func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		b, err := e.ownedBudgetLocked(caller, id)
		if err != nil {
			return err
		}
		if err := e.acquireLocked("budget_withdraw", id); err != nil {
			return err
		}
		e.accrueBudgetLocked(b, e.clock.NowNs(), nil)
		if amount.Cmp(b.AvailableToWithdraw) > 0 {
			e.store.Release(id)
			return errorf(ErrInvalidArgument, "amount %s exceeds available_to_withdraw %s", amount, b.AvailableToWithdraw)
		}
		owner, asset, nonce = b.Owner, b.AssetCanister, b.TransferNonce
		return nil
	}()
	if err != nil {
		return fpmath.Zero(), err
	}
	defer e.release(id)

	dest := "default"
	if toSubaccount != nil {
		dest = toSubaccount.String()
	}
	key := transferKey(id, "withdraw", nonce, amount, dest)
	net, fee, err := e.payOut(ctx, asset, owner, id, amount, toSubaccount, transfer.MemoBudgetWithdraw, key)
	if err != nil {
		return fpmath.Zero(), err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b, _ := e.store.Budget(id)
	now := e.clock.NowNs()
	b.AvailableToWithdraw, _ = b.AvailableToWithdraw.Sub(amount)
	b.TransferNonce++
	b.UpdatedAtNs = now
	e.budgetEventLocked(id, event.KindWithdraw, now, event.AmountOf(amount), event.NoteOf(feeNote(fee)))

	e.logger.Info().
		Str("budget_id", id).
		Str("owner", owner).
		Str("amount", amount.String()).
		Str("fee", fee.String()).
		Msg("budget withdraw")
	return net, nil
}

// payOut sends amount-fee from the entity's escrow to the owner. The caller
// holds the entity's busy mark and has checked amount against the available
// balance. amount must exceed the ledger fee.
func (e *Engine) payOut(ctx context.Context, asset, owner, id string, amount fpmath.Amount, toSub *escrow.Subaccount, memo, key string) (net, fee fpmath.Amount, err error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	fee, err = e.ledger.Fee(cctx, asset)
	if err != nil {
		return net, fee, transferFailed("query fee", err)
	}
	net, ok := amount.Sub(fee)
	if !ok || net.IsZero() {
		return net, fee, errorf(ErrInvalidArgument, "amount %s must exceed ledger fee %s", amount, fee)
	}

	src := e.escrowAccount(owner, id)
	_, err = e.ledger.Transfer(cctx, transfer.TransferArgs{
		Asset:          asset,
		FromSubaccount: src.Subaccount,
		To:             escrow.Account{Owner: owner, Subaccount: toSub},
		Amount:         net,
		Memo:           memo,
		CreatedAtNs:    e.clock.NowNs(),
		IdempotencyKey: key,
	})
	if err != nil {
		return net, fee, transferFailed("withdraw", err)
	}
	return net, fee, nil
}

func feeNote(fee fpmath.Amount) string {
	return fmt.Sprintf("fee_deducted:%s", fee)
}

// ============================================================================
// Update / Pause / Resume
// ============================================================================

// UpdateBudget applies any of name, amount and status. Moving to Active
// re-arms the lock timer at NextLockAtNs; Paused and Archived disarm it.
// Archived is terminal.
func (e *Engine) UpdateBudget(caller, id string, req UpdateBudgetRequest) (b *state.Budget, err error) {
	defer e.observe("budget_update", time.Now(), &err)

	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, errorf(ErrInvalidArgument, "name must not be empty")
	}
	if req.AmountToLock != nil && req.AmountToLock.IsZero() {
		return nil, errorf(ErrInvalidArgument, "amount_to_lock must be > 0")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b, err = e.ownedBudgetLocked(caller, id)
	if err != nil {
		return nil, err
	}
	if err := e.acquireLocked("budget_update", id); err != nil {
		return nil, err
	}
	defer e.store.Release(id)

	if req.Status != nil {
		if err := e.setBudgetStatusLocked(b, *req.Status); err != nil {
			return nil, err
		}
	}
	if req.Name != nil {
		b.Name = *req.Name
	}
	if req.AmountToLock != nil {
		b.AmountToLock = *req.AmountToLock
	}
	b.UpdatedAtNs = e.clock.NowNs()
	return b.Clone(), nil
}

// PauseBudget disarms the lock timer. Accrual of an already locked period
// continues.
func (e *Engine) PauseBudget(caller, id string) error {
	status := state.BudgetStatusPaused
	_, err := e.UpdateBudget(caller, id, UpdateBudgetRequest{Status: &status})
	return err
}

// ResumeBudget re-arms the lock timer at NextLockAtNs.
func (e *Engine) ResumeBudget(caller, id string) error {
	status := state.BudgetStatusActive
	_, err := e.UpdateBudget(caller, id, UpdateBudgetRequest{Status: &status})
	return err
}

func (e *Engine) setBudgetStatusLocked(b *state.Budget, to state.BudgetStatus) error {
	if b.Status == state.BudgetStatusArchived && to != state.BudgetStatusArchived {
		return errorf(ErrInvalidArgument, "budget %s is archived", b.ID)
	}

	switch to {
	case state.BudgetStatusActive:
		if b.Status != state.BudgetStatusActive {
			e.armLockTimerLocked(b.ID, b.NextLockAtNs)
		}
	case state.BudgetStatusPaused, state.BudgetStatusArchived:
		e.cancelLockTimerLocked(b.ID)
	case state.BudgetStatusCompleted, state.BudgetStatusFailed:
	default:
		return errorf(ErrInvalidArgument, "unknown status %d", to)
	}

	if b.Status != to {
		e.logger.Info().
			Str("budget_id", b.ID).
			Str("from", b.Status.String()).
			Str("to", to.String()).
			Msg("budget status changed")
	}
	b.Status = to
	e.refreshGaugesLocked()
	return nil
}

// ============================================================================
// Delete
// ============================================================================

// DeleteBudget refunds everything held in escrow (minus the ledger fee) to
// the owner, then removes the budget and its history. If the refund fails
// the budget is kept, a RefundFailed event is logged and ErrTransferFailed
// returned. Balances at or below the fee are dust and are not refunded.
func (e *Engine) DeleteBudget(ctx context.Context, caller, id string) (err error) {
	defer e.observe("budget_delete", time.Now(), &err)
	defer e.flush()

	var (
		owner, asset string
		total        fpmath.Amount
		nonce        uint64
	)
	err = func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		b, err := e.ownedBudgetLocked(caller, id)
		if err != nil {
			return err
		}
		if err := e.acquireLocked("budget_delete", id); err != nil {
			return err
		}
		owner, asset, total, nonce = b.Owner, b.AssetCanister, b.Total(), b.TransferNonce
		return nil
	}()
	if err != nil {
		return err
	}
	defer e.release(id)

	if !total.IsZero() {
		if err := e.refund(ctx, asset, owner, id, total, transferKey(id, "refund", nonce, total)); err != nil {
			e.mu.Lock()
			if b, ok := e.store.Budget(id); ok {
				b.UpdatedAtNs = e.clock.NowNs()
			}
			e.budgetEventLocked(id, event.KindRefundFailed, e.clock.NowNs(), event.AmountOf(total), event.NoteOf(err.Error()))
			e.mu.Unlock()

			e.logger.Error().
				Err(err).
				Str("budget_id", id).
				Str("owner", owner).
				Str("amount", total.String()).
				Msg("budget refund failed; budget kept")
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelLockTimerLocked(id)
	e.store.DeleteBudget(id)
	e.log.Drop(id)
	e.refreshGaugesLocked()

	e.logger.Info().
		Str("budget_id", id).
		Str("owner", owner).
		Str("refunded_gross", total.String()).
		Msg("budget deleted")
	return nil
}

func (e *Engine) refund(ctx context.Context, asset, owner, id string, total fpmath.Amount, key string) error {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	fee, err := e.ledger.Fee(cctx, asset)
	if err != nil {
		return transferFailed("query fee", err)
	}
	net, ok := total.Sub(fee)
	if !ok || net.IsZero() {
		e.logger.Info().Str("budget_id", id).Str("dust", total.String()).Msg("refund skipped: balance does not cover fee")
		return nil
	}

	src := e.escrowAccount(owner, id)
	_, err = e.ledger.Transfer(cctx, transfer.TransferArgs{
		Asset:          asset,
		FromSubaccount: src.Subaccount,
		To:             escrow.DefaultAccount(owner),
		Amount:         net,
		Memo:           transfer.MemoBudgetRefundAll,
		CreatedAtNs:    e.clock.NowNs(),
		IdempotencyKey: key,
	})
	if err != nil {
		return transferFailed("refund", err)
	}
	return nil
}

// ============================================================================
// Previews / Requirements
// ============================================================================

// PreviewSchedule lists the current period's lock and vest-end points.
func (e *Engine) PreviewSchedule(caller, id string) ([]ScheduleItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.ownedBudgetLocked(caller, id)
	if err != nil {
		return nil, err
	}
	return []ScheduleItem{
		{Kind: ScheduleKindLock, AtTimeNs: b.PeriodStartNs, Amount: b.AmountToLock},
		{Kind: ScheduleKindVestEnd, AtTimeNs: b.PeriodEndNs, Amount: b.AmountToLock},
	}, nil
}

// RequiredAllowance is the per-period amount locked into escrow. The ledger
// also draws its fee from the allowance on every lock, so the approval an
// owner grants must cover RequiredAmounts(...).Allowance, not just this.
func (e *Engine) RequiredAllowance(caller, id string) (fpmath.Amount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.ownedBudgetLocked(caller, id)
	if err != nil {
		return fpmath.Zero(), err
	}
	return b.AmountToLock, nil
}

// RequiredAmounts adds the current ledger fee to the per-period amount: a
// lock consumes amount+fee of the owner's allowance and balance.
func (e *Engine) RequiredAmounts(ctx context.Context, caller, id string) (AmountRequirements, error) {
	e.mu.Lock()
	b, err := e.ownedBudgetLocked(caller, id)
	var asset string
	var amount fpmath.Amount
	if err == nil {
		asset, amount = b.AssetCanister, b.AmountToLock
	}
	e.mu.Unlock()
	if err != nil {
		return AmountRequirements{}, err
	}
	return e.requirements(ctx, asset, amount)
}

// PreviewRequirements sizes the allowance for a budget not yet created.
func (e *Engine) PreviewRequirements(ctx context.Context, asset string, kind escrow.AssetKind, amountToLock fpmath.Amount) (AmountRequirements, error) {
	if amountToLock.IsZero() {
		return AmountRequirements{}, errorf(ErrInvalidArgument, "amount_to_lock must be > 0")
	}
	if asset == "" {
		return AmountRequirements{}, errorf(ErrInvalidArgument, "asset_canister is required")
	}
	return e.requirements(ctx, asset, amountToLock)
}

func (e *Engine) requirements(ctx context.Context, asset string, amount fpmath.Amount) (AmountRequirements, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	fee, err := e.ledger.Fee(cctx, asset)
	if err != nil {
		return AmountRequirements{}, transferFailed("query fee", err)
	}
	gross := amount.Add(fee)
	return AmountRequirements{
		Allowance:           gross,
		EstimatedFee:        fee,
		RequiredUserBalance: gross,
	}, nil
}
