package state

import (
	"encoding/json"
	"fmt"

	"EscrowVault/internal/escrow"
	fpmath "EscrowVault/internal/math"
)

// GoalStatus of a target/cliff goal
type GoalStatus int32

const (
	GoalStatusActive GoalStatus = iota
	GoalStatusCompleted
	GoalStatusFailed
	GoalStatusArchived
)

var goalStatusNames = []string{"Active", "Completed", "Failed", "Archived"}

func (s GoalStatus) String() string {
	if int(s) >= 0 && int(s) < len(goalStatusNames) {
		return goalStatusNames[s]
	}
	return "Unknown"
}

func ParseGoalStatus(v string) (GoalStatus, error) {
	for i, name := range goalStatusNames {
		if name == v {
			return GoalStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown goal status %q", v)
}

func (s GoalStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *GoalStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseGoalStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Goal accumulates funds toward AmountToLock and releases them as a single
// cliff at EndNs.
type Goal struct {
	ID            string           `json:"id"`
	Owner         string           `json:"owner"`
	AssetCanister string           `json:"asset_canister"`
	AssetKind     escrow.AssetKind `json:"asset_kind"`
	Name          string           `json:"name"`
	Decimals      uint32           `json:"decimals"`
	Status        GoalStatus       `json:"status"`

	AmountToLock        fpmath.Amount `json:"amount_to_lock"`
	LockedBalance       fpmath.Amount `json:"locked_balance"`
	AvailableToWithdraw fpmath.Amount `json:"available_to_withdraw"`

	StartNs int64 `json:"start_ns"`
	EndNs   int64 `json:"end_ns"`

	// Set once the cliff has been evaluated; the unlock never repeats.
	CliffReleased   bool          `json:"cliff_released"`
	ReleasedAtCliff fpmath.Amount `json:"released_at_cliff"`

	// Counts completed transfers; part of their idempotency keys.
	TransferNonce uint64 `json:"transfer_nonce"`

	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// TargetReached reports whether the locked balance meets the target.
func (g *Goal) TargetReached() bool {
	return g.LockedBalance.Cmp(g.AmountToLock) >= 0
}

func (g *Goal) Total() fpmath.Amount {
	return g.LockedBalance.Add(g.AvailableToWithdraw)
}

func (g *Goal) Clone() *Goal {
	c := *g
	return &c
}
