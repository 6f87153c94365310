package transfer

import (
	"context"
	"errors"

	"EscrowVault/internal/escrow"
	fpmath "EscrowVault/internal/math"
)

// Memos attached to ledger transfers, one per flow.
const (
	MemoBudgetLock      = "budget_monthly_lock"
	MemoBudgetWithdraw  = "budget_user_withdraw"
	MemoBudgetRefundAll = "budget_delete_refund_all"
	MemoGoalInitialLock = "goals_initial_lock"
	MemoGoalAddFunds    = "goals_add_funds"
	MemoGoalWithdraw    = "goals_user_withdraw"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrBadFee                = errors.New("bad fee")
)

// Op names a collaborator call, for metrics and failure injection.
type Op string

const (
	OpTransfer     Op = "transfer"
	OpTransferFrom Op = "transfer_from"
	OpFee          Op = "fee"
)

// Receipt is returned for an accepted transfer.
type Receipt struct {
	BlockIndex uint64 `json:"block_index"`
}

// TransferArgs moves funds out of one of the service's own accounts.
type TransferArgs struct {
	Asset          string             `json:"asset"`
	FromSubaccount *escrow.Subaccount `json:"from_subaccount,omitempty"`
	To             escrow.Account     `json:"to"`
	Amount         fpmath.Amount      `json:"amount"`
	Fee            *fpmath.Amount     `json:"fee,omitempty"`
	Memo           string             `json:"memo,omitempty"`
	CreatedAtNs    int64              `json:"created_at_ns"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// TransferFromArgs pulls funds from an authorizer's account using an
// allowance previously granted to Spender.
type TransferFromArgs struct {
	Asset          string         `json:"asset"`
	Spender        string         `json:"spender"`
	From           escrow.Account `json:"from"`
	To             escrow.Account `json:"to"`
	Amount         fpmath.Amount  `json:"amount"`
	Memo           string         `json:"memo,omitempty"`
	CreatedAtNs    int64          `json:"created_at_ns"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Collaborator is the token ledger. Calls block until the ledger answers and
// are the engine's only suspension points. Errors are opaque and passed
// through to the caller.
type Collaborator interface {
	Transfer(ctx context.Context, args TransferArgs) (Receipt, error)
	TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error)
	Fee(ctx context.Context, asset string) (fpmath.Amount, error)
}
