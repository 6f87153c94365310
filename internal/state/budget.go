package state

import (
	"encoding/json"
	"fmt"
	"math"

	"EscrowVault/internal/escrow"
	fpmath "EscrowVault/internal/math"
)

// BudgetStatus of a recurring linear-vesting budget
type BudgetStatus int32

const (
	BudgetStatusActive BudgetStatus = iota
	BudgetStatusPaused
	BudgetStatusArchived
	BudgetStatusCompleted
	BudgetStatusFailed
)

var budgetStatusNames = []string{"Active", "Paused", "Archived", "Completed", "Failed"}

func (s BudgetStatus) String() string {
	if int(s) >= 0 && int(s) < len(budgetStatusNames) {
		return budgetStatusNames[s]
	}
	return "Unknown"
}

func ParseBudgetStatus(v string) (BudgetStatus, error) {
	for i, name := range budgetStatusNames {
		if name == v {
			return BudgetStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown budget status %q", v)
}

func (s BudgetStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *BudgetStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseBudgetStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Budget relocks AmountToLock every period and vests it linearly across
// [PeriodStartNs, PeriodEndNs).
//
// Invariants: UnlockedSoFar <= PeriodLocked; AvailableToWithdraw grows only by
// amounts taken from LockedBalance.
type Budget struct {
	ID            string           `json:"id"`
	Owner         string           `json:"owner"`
	AssetCanister string           `json:"asset_canister"`
	AssetKind     escrow.AssetKind `json:"asset_kind"`
	Name          string           `json:"name"`
	Decimals      uint32           `json:"decimals"`
	Status        BudgetStatus     `json:"status"`

	AmountToLock        fpmath.Amount `json:"amount_to_lock"`
	LockedBalance       fpmath.Amount `json:"locked_balance"`
	AvailableToWithdraw fpmath.Amount `json:"available_to_withdraw"`

	PeriodStartNs int64         `json:"period_start_ns"`
	PeriodEndNs   int64         `json:"period_end_ns"`
	PeriodLocked  fpmath.Amount `json:"period_locked"`
	UnlockedSoFar fpmath.Amount `json:"unlocked_so_far"`
	NextLockAtNs  int64         `json:"next_lock_at_ns"`

	// Counts completed outbound transfers; part of their idempotency keys.
	TransferNonce uint64 `json:"transfer_nonce"`

	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// AccrualWindow returns the current period as input to the accrual calculator.
func (b *Budget) AccrualWindow() fpmath.AccrualWindow {
	return fpmath.AccrualWindow{
		PeriodStartNs:   b.PeriodStartNs,
		PeriodEndNs:     b.PeriodEndNs,
		Committed:       b.PeriodLocked,
		AlreadyUnlocked: b.UnlockedSoFar,
	}
}

// PeriodDurationNs is the window length, never less than 1 and capped at
// math.MaxInt64.
func (b *Budget) PeriodDurationNs() int64 {
	if b.PeriodEndNs <= b.PeriodStartNs {
		return 1
	}
	d := uint64(b.PeriodEndNs) - uint64(b.PeriodStartNs)
	if d > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(d)
}

// PeriodAt returns the window a lock-in at nowNs commits to: the current one
// while it is running, otherwise the current one advanced by whole durations
// so that start <= nowNs < end. Periods in between are skipped.
func (b *Budget) PeriodAt(nowNs int64) (start, end int64) {
	start, end = b.PeriodStartNs, b.PeriodEndNs
	if nowNs < end {
		return start, end
	}
	dur := uint64(b.PeriodDurationNs())
	n := (uint64(nowNs) - uint64(start)) / dur
	start = int64(uint64(start) + n*dur)
	end = start + int64(dur)
	if end < start {
		end = math.MaxInt64
	}
	return start, end
}

// InPeriod reports whether a committed period is still vesting at nowNs.
func (b *Budget) InPeriod(nowNs int64) bool {
	return !b.PeriodLocked.IsZero() && nowNs < b.PeriodEndNs
}

// Lockable reports whether a lock-in may run in the current status.
func (b *Budget) Lockable() bool {
	switch b.Status {
	case BudgetStatusActive, BudgetStatusCompleted, BudgetStatusFailed:
		return true
	}
	return false
}

// Total is the full escrowed balance.
func (b *Budget) Total() fpmath.Amount {
	return b.LockedBalance.Add(b.AvailableToWithdraw)
}

// Clone returns an independent copy. Amounts are immutable so a value copy
// suffices.
func (b *Budget) Clone() *Budget {
	c := *b
	return &c
}
