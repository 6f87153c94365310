package core

import (
	"EscrowVault/internal/escrow"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/state"
)

// CreateBudgetRequest opens a recurring budget.
type CreateBudgetRequest struct {
	AssetCanister string           `json:"asset_canister"`
	AssetKind     escrow.AssetKind `json:"asset_kind"`
	Name          string           `json:"name"`
	AmountToLock  fpmath.Amount    `json:"amount_to_lock"`
	PeriodStartNs int64            `json:"period_start_ns"`
	PeriodEndNs   int64            `json:"period_end_ns"`
}

// UpdateBudgetRequest changes any subset of name, amount and status.
type UpdateBudgetRequest struct {
	Name         *string             `json:"name,omitempty"`
	AmountToLock *fpmath.Amount      `json:"amount_to_lock,omitempty"`
	Status       *state.BudgetStatus `json:"status,omitempty"`
}

// AccrualPreview is what refresh-accrual would do now, without doing it.
type AccrualPreview struct {
	NowNs                  int64         `json:"now_ns"`
	PeriodStartNs          int64         `json:"period_start_ns"`
	PeriodEndNs            int64         `json:"period_end_ns"`
	ProjectedUnlocked      fpmath.Amount `json:"projected_unlocked"`
	ProjectedAvailable     fpmath.Amount `json:"projected_available"`
	ProjectedLockedBalance fpmath.Amount `json:"projected_locked_balance"`
}

// ScheduleItem is one point of a budget's period schedule.
type ScheduleItem struct {
	Kind     string        `json:"kind"`
	AtTimeNs int64         `json:"at_time_ns"`
	Amount   fpmath.Amount `json:"amount"`
}

const (
	ScheduleKindLock    = "lock"
	ScheduleKindVestEnd = "vest_end"
)

// AmountRequirements sizes the allowance an owner must grant before a lock.
// Allowance and RequiredUserBalance both include the ledger fee, which the
// ledger takes from the allowance alongside the locked amount.
type AmountRequirements struct {
	Allowance           fpmath.Amount `json:"allowance"`
	EstimatedFee        fpmath.Amount `json:"estimated_fee"`
	RequiredUserBalance fpmath.Amount `json:"required_user_balance"`
}

// CreateGoalRequest opens a goal and optionally funds it in the same step.
type CreateGoalRequest struct {
	AssetCanister string           `json:"asset_canister"`
	AssetKind     escrow.AssetKind `json:"asset_kind"`
	Name          string           `json:"name"`
	AmountToLock  fpmath.Amount    `json:"amount_to_lock"`
	StartNs       int64            `json:"start_ns"`
	EndNs         int64            `json:"end_ns"`
	InitialAmount *fpmath.Amount   `json:"initial_amount,omitempty"`
}

// GoalProgress reports how close a goal is to its target. Percentage is for
// display only.
type GoalProgress struct {
	GoalID          string        `json:"goal_id"`
	TargetAmount    fpmath.Amount `json:"target_amount"`
	CurrentLocked   fpmath.Amount `json:"current_locked"`
	ReleasedAtCliff fpmath.Amount `json:"released_at_cliff"`
	Percentage      float64       `json:"progress_percentage"`
	TargetReached   bool          `json:"is_target_reached"`
}
