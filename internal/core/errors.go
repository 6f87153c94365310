package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the engine wraps exactly one of
// these; callers classify with errors.Is and show the full message.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrAlreadyInProgress = errors.New("operation already in progress")
	ErrGoalNotActive     = errors.New("goal not active")
)

func errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// transferFailed wraps a collaborator error, keeping it reachable via errors.Is.
func transferFailed(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransferFailed, stage, err)
}

// Classify returns the taxonomy sentinel err wraps, or nil.
func Classify(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrUnauthorized,
		ErrInvalidArgument,
		ErrTransferFailed,
		ErrAlreadyInProgress,
		ErrGoalNotActive,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// resultLabel names an error for metrics.
func resultLabel(err error) string {
	switch Classify(err) {
	case nil:
		if err != nil {
			return "error"
		}
		return "ok"
	case ErrNotFound:
		return "not_found"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrTransferFailed:
		return "transfer_failed"
	case ErrAlreadyInProgress:
		return "already_in_progress"
	case ErrGoalNotActive:
		return "goal_not_active"
	}
	return "error"
}
