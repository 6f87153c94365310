package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"EscrowVault/internal/escrow"
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/state"
	"EscrowVault/internal/transfer"
)

const (
	goalIDPrefix = "goal"

	noteTargetReached = "Target amount reached!"
	noteCliffUnlocked = "Cliff period ended, funds unlocked!"
)

func (e *Engine) ownedGoalLocked(caller, id string) (*state.Goal, error) {
	g, ok := e.store.Goal(id)
	if !ok {
		return nil, errorf(ErrNotFound, "goal %s", id)
	}
	if g.Owner != caller {
		return nil, errorf(ErrUnauthorized, "goal %s", id)
	}
	return g, nil
}

func (e *Engine) goalEventLocked(id string, kind event.Kind, at int64, amount *fpmath.Amount, note *string) {
	e.appendEventLocked(event.EntityKindGoal, id, kind, at, amount, note)
}

// ============================================================================
// Create / Fund
// ============================================================================

// CreateAndLockGoal inserts a goal and, when InitialAmount is positive, pulls
// it into escrow. A failed initial transfer removes the goal again.
func (e *Engine) CreateAndLockGoal(ctx context.Context, caller string, req CreateGoalRequest) (g *state.Goal, err error) {
	defer e.observe("goal_create", time.Now(), &err)
	defer e.flush()

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
	if err := validWindow(req.StartNs, req.EndNs, "start_ns", "end_ns"); err != nil {
		return nil, err
	}

	initial := fpmath.Zero()
	if req.InitialAmount != nil {
		initial = *req.InitialAmount
	}

	e.mu.Lock()
	now := e.clock.NowNs()
	id := e.newIDLocked(goalIDPrefix, caller, req.AssetCanister, now)
	e.store.PutGoal(&state.Goal{
		ID:            id,
		Owner:         caller,
		AssetCanister: req.AssetCanister,
		AssetKind:     req.AssetKind,
		Name:          req.Name,
		Decimals:      req.AssetKind.Decimals(),
		Status:        state.GoalStatusActive,
		AmountToLock:  req.AmountToLock,
		StartNs:       req.StartNs,
		EndNs:         req.EndNs,
		CreatedAtNs:   now,
		UpdatedAtNs:   now,
	})
	if !initial.IsZero() {
		e.store.TryAcquire(id)
	}
	e.refreshGaugesLocked()
	e.mu.Unlock()

	if !initial.IsZero() {
		cctx, cancel := e.callCtx(ctx)
		_, terr := e.ledger.TransferFrom(cctx, transfer.TransferFromArgs{
			Asset:          req.AssetCanister,
			Spender:        e.cfg.ServiceID,
			From:           escrow.DefaultAccount(caller),
			To:             e.escrowAccount(caller, id),
			Amount:         initial,
			Memo:           transfer.MemoGoalInitialLock,
			CreatedAtNs:    e.clock.NowNs(),
			IdempotencyKey: transferKey(id, "fund", 0, initial),
		})
		cancel()

		if terr != nil {
			e.mu.Lock()
			e.store.Release(id)
			e.store.DeleteGoal(id)
			e.log.Drop(id)
			e.refreshGaugesLocked()
			e.mu.Unlock()

			e.logger.Warn().
				Err(terr).
				Str("goal_id", id).
				Str("owner", caller).
				Str("amount", initial.String()).
				Msg("goal initial lock failed; goal removed")
			return nil, transferFailed("initial lock", terr)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g, _ = e.store.Goal(id)
	if !initial.IsZero() {
		e.store.Release(id)
		e.creditGoalLocked(g, initial, event.KindInitialLock)
	}
	e.refreshGoalLocked(g, e.clock.NowNs())

	e.logger.Info().
		Str("goal_id", id).
		Str("owner", caller).
		Str("target", req.AmountToLock.String()).
		Str("initial", initial.String()).
		Int64("end_ns", req.EndNs).
		Msg("goal created")
	return g.Clone(), nil
}

// AddFunds pulls amount from the owner into the goal's escrow. Only Active
// goals accept funds.
func (e *Engine) AddFunds(ctx context.Context, caller, id string, amount fpmath.Amount) (g *state.Goal, err error) {
	defer e.observe("goal_add_funds", time.Now(), &err)
	defer e.flush()

	if amount.IsZero() {
		return nil, errorf(ErrInvalidArgument, "amount must be > 0")
	}

	var (
		owner, asset string
		nonce        uint64
	)
	err = func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		g, err := e.ownedGoalLocked(caller, id)
		if err != nil {
			return err
		}
		e.refreshGoalLocked(g, e.clock.NowNs())
		if g.Status != state.GoalStatusActive {
			return errorf(ErrGoalNotActive, "goal %s is %s", id, g.Status)
		}
		if err := e.acquireLocked("goal_add_funds", id); err != nil {
			return err
		}
		owner, asset, nonce = g.Owner, g.AssetCanister, g.TransferNonce
		return nil
	}()
	if err != nil {
		return nil, err
	}

	cctx, cancel := e.callCtx(ctx)
	_, terr := e.ledger.TransferFrom(cctx, transfer.TransferFromArgs{
		Asset:          asset,
		Spender:        e.cfg.ServiceID,
		From:           escrow.DefaultAccount(owner),
		To:             e.escrowAccount(owner, id),
		Amount:         amount,
		Memo:           transfer.MemoGoalAddFunds,
		CreatedAtNs:    e.clock.NowNs(),
		IdempotencyKey: transferKey(id, "fund", nonce, amount),
	})
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Release(id)

	g, _ = e.store.Goal(id)
	if terr != nil {
		e.logger.Warn().
			Err(terr).
			Str("goal_id", id).
			Str("amount", amount.String()).
			Msg("goal add funds failed")
		return nil, transferFailed("add funds", terr)
	}

	e.creditGoalLocked(g, amount, event.KindAddFunds)
	e.refreshGoalLocked(g, e.clock.NowNs())
	return g.Clone(), nil
}

// creditGoalLocked books a successful inbound transfer and completes the goal
// when the target is met.
func (e *Engine) creditGoalLocked(g *state.Goal, amount fpmath.Amount, kind event.Kind) {
	now := e.clock.NowNs()
	g.LockedBalance = g.LockedBalance.Add(amount)
	g.TransferNonce++
	g.UpdatedAtNs = now
	e.goalEventLocked(g.ID, kind, now, event.AmountOf(amount), nil)

	if g.Status == state.GoalStatusActive && g.TargetReached() {
		g.Status = state.GoalStatusCompleted
		e.goalEventLocked(g.ID, event.KindTargetReached, now, event.AmountOf(g.LockedBalance), event.NoteOf(noteTargetReached))
		e.refreshGaugesLocked()

		e.logger.Info().
			Str("goal_id", g.ID).
			Str("locked", g.LockedBalance.String()).
			Msg("goal target reached")
	}
}

// ============================================================================
// Cliff
// ============================================================================

// refreshGoalLocked evaluates the cliff once now has reached EndNs. The
// whole locked balance becomes withdrawable in one step and the goal settles
// as Completed if the target was met, Failed otherwise. Goals with a transfer
// in flight are left alone until it lands.
func (e *Engine) refreshGoalLocked(g *state.Goal, now int64) {
	if g.CliffReleased || now < g.EndNs || e.store.IsBusy(g.ID) {
		return
	}

	reached := g.TargetReached()
	locked := g.LockedBalance

	if !locked.IsZero() {
		g.AvailableToWithdraw = g.AvailableToWithdraw.Add(locked)
		g.LockedBalance = fpmath.Zero()
		g.ReleasedAtCliff = locked
		e.goalEventLocked(g.ID, event.KindCliffUnlocked, now, event.AmountOf(locked), event.NoteOf(noteCliffUnlocked))
	}
	g.CliffReleased = true
	g.UpdatedAtNs = now

	if g.Status != state.GoalStatusArchived {
		if reached {
			g.Status = state.GoalStatusCompleted
		} else {
			g.Status = state.GoalStatusFailed
			note := fmt.Sprintf("target not reached: locked %s of %s", locked, g.AmountToLock)
			e.goalEventLocked(g.ID, event.KindFailed, now, event.AmountOf(locked), event.NoteOf(note))
		}
	}
	e.refreshGaugesLocked()

	e.logger.Info().
		Str("goal_id", g.ID).
		Str("released", locked.String()).
		Str("status", g.Status.String()).
		Msg("goal cliff evaluated")
}

// ============================================================================
// Read
// ============================================================================

// GetGoal evaluates the cliff and returns the record.
func (e *Engine) GetGoal(id string) (*state.Goal, error) {
	defer e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.store.Goal(id)
	if !ok {
		return nil, errorf(ErrNotFound, "goal %s", id)
	}
	e.refreshGoalLocked(g, e.clock.NowNs())
	return g.Clone(), nil
}

// RefreshGoal is GetGoal under its write-path name.
func (e *Engine) RefreshGoal(id string) (*state.Goal, error) {
	return e.GetGoal(id)
}

// ListGoals returns the owner's goals ordered by id, cliffs evaluated.
func (e *Engine) ListGoals(owner string) []*state.Goal {
	defer e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.NowNs()
	ids := e.store.GoalIDs(owner)
	out := make([]*state.Goal, 0, len(ids))
	for _, id := range ids {
		g, _ := e.store.Goal(id)
		e.refreshGoalLocked(g, now)
		out = append(out, g.Clone())
	}
	return out
}

// GetGoalProgress reports progress toward the target. Percentage is for
// display; use the integer amounts for decisions.
func (e *Engine) GetGoalProgress(caller, id string) (GoalProgress, error) {
	defer e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.ownedGoalLocked(caller, id)
	if err != nil {
		return GoalProgress{}, err
	}
	e.refreshGoalLocked(g, e.clock.NowNs())

	current := g.LockedBalance.Add(g.ReleasedAtCliff)
	return GoalProgress{
		GoalID:          g.ID,
		TargetAmount:    g.AmountToLock,
		CurrentLocked:   g.LockedBalance,
		ReleasedAtCliff: g.ReleasedAtCliff,
		Percentage:      fpmath.Percentage(current, g.AmountToLock),
		TargetReached:   g.Status == state.GoalStatusCompleted || g.TargetReached(),
	}, nil
}

// GoalEscrowAccount returns the account holding the goal's funds.
func (e *Engine) GoalEscrowAccount(caller, id string) (escrow.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.ownedGoalLocked(caller, id)
	if err != nil {
		return escrow.Account{}, err
	}
	return e.escrowAccount(g.Owner, g.ID), nil
}

// ============================================================================
// Withdraw / Archive
// ============================================================================

// WithdrawGoal sends amount minus the ledger fee to the owner and debits the
// gross amount. Returns the net amount sent.
func (e *Engine) WithdrawGoal(ctx context.Context, caller, id string, amount fpmath.Amount) (net fpmath.Amount, err error) {
	defer e.observe("goal_withdraw", time.Now(), &err)
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

		g, err := e.ownedGoalLocked(caller, id)
		if err != nil {
			return err
		}
		e.refreshGoalLocked(g, e.clock.NowNs())
		if amount.Cmp(g.AvailableToWithdraw) > 0 {
			return errorf(ErrInvalidArgument, "amount %s exceeds available_to_withdraw %s", amount, g.AvailableToWithdraw)
		}
		if err := e.acquireLocked("goal_withdraw", id); err != nil {
			return err
		}
		owner, asset, nonce = g.Owner, g.AssetCanister, g.TransferNonce
		return nil
	}()
	if err != nil {
		return fpmath.Zero(), err
	}
	defer e.release(id)

	key := transferKey(id, "withdraw", nonce, amount)
	net, fee, err := e.payOut(ctx, asset, owner, id, amount, nil, transfer.MemoGoalWithdraw, key)
	if err != nil {
		return fpmath.Zero(), err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g, _ := e.store.Goal(id)
	now := e.clock.NowNs()
	g.AvailableToWithdraw, _ = g.AvailableToWithdraw.Sub(amount)
	g.TransferNonce++
	g.UpdatedAtNs = now
	e.goalEventLocked(id, event.KindWithdraw, now, event.AmountOf(amount), event.NoteOf(feeNote(fee)))

	e.logger.Info().
		Str("goal_id", id).
		Str("owner", owner).
		Str("amount", amount.String()).
		Str("fee", fee.String()).
		Msg("goal withdraw")
	return net, nil
}

// ArchiveGoal stops a goal from accepting funds. Funds already released at
// the cliff remain withdrawable.
func (e *Engine) ArchiveGoal(caller, id string) (err error) {
	defer e.observe("goal_archive", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.ownedGoalLocked(caller, id)
	if err != nil {
		return err
	}
	if err := e.acquireLocked("goal_archive", id); err != nil {
		return err
	}
	defer e.store.Release(id)

	g.Status = state.GoalStatusArchived
	g.UpdatedAtNs = e.clock.NowNs()
	e.refreshGaugesLocked()
	return nil
}
