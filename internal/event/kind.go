package event

import (
	"encoding/json"
	"fmt"
)

// EntityKind discriminates which engine owns an entity
type EntityKind int32

const (
	EntityKindUnknown EntityKind = iota
	EntityKindBudget
	EntityKindGoal
)

func (ek EntityKind) String() string {
	switch ek {
	case EntityKindBudget:
		return "budget"
	case EntityKindGoal:
		return "goal"
	default:
		return "unknown"
	}
}

func ParseEntityKind(s string) (EntityKind, error) {
	switch s {
	case "budget":
		return EntityKindBudget, nil
	case "goal":
		return EntityKindGoal, nil
	}
	return EntityKindUnknown, fmt.Errorf("unknown entity kind %q", s)
}

func (ek EntityKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(ek.String())
}

func (ek *EntityKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEntityKind(s)
	if err != nil {
		return err
	}
	*ek = parsed
	return nil
}

// Kind discriminator for history records
type Kind int32

const (
	KindUnknown Kind = iota

	// Budget
	KindLockSucceeded
	KindLockFailed
	KindPeriodCompleted
	KindRefundFailed

	// Goal
	KindInitialLock
	KindAddFunds
	KindCliffUnlocked
	KindTargetReached
	KindFailed

	// Shared
	KindWithdraw
)

var kindNames = map[Kind]string{
	KindLockSucceeded:   "LockSucceeded",
	KindLockFailed:      "LockFailed",
	KindPeriodCompleted: "PeriodCompleted",
	KindRefundFailed:    "RefundFailed",
	KindInitialLock:     "InitialLock",
	KindAddFunds:        "AddFunds",
	KindCliffUnlocked:   "CliffUnlocked",
	KindTargetReached:   "TargetReached",
	KindFailed:          "Failed",
	KindWithdraw:        "Withdraw",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
