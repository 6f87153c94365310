package transfer

import (
	"context"
	"fmt"
	"sync"

	"EscrowVault/internal/escrow"
	fpmath "EscrowVault/internal/math"
)

const defaultDedupCapacity = 10_000

// Hook runs before a call is applied, outside the ledger lock. Tests use it
// to hold a call open (simulating suspension) or to fail it.
type Hook func(ctx context.Context, op Op) error

// MemoryLedger is an in-process ICRC-style ledger for development and tests:
// fees are charged to the sender, TransferFrom consumes amount+fee of the
// allowance, and idempotency keys are deduplicated.
type MemoryLedger struct {
	mu sync.Mutex

	// Identity of the caller; Transfer spends from its accounts
	serviceID string

	defaultFee fpmath.Amount
	fees       map[string]fpmath.Amount

	balances   map[string]fpmath.Amount
	allowances map[string]fpmath.Amount

	seen      *ReceiptLRU
	nextBlock uint64

	failures map[Op][]error
	lost     map[Op][]error
	hook     Hook
	calls    map[Op]int
}

func NewMemoryLedger(serviceID string, defaultFee fpmath.Amount) *MemoryLedger {
	return &MemoryLedger{
		serviceID:  serviceID,
		defaultFee: defaultFee,
		fees:       make(map[string]fpmath.Amount),
		balances:   make(map[string]fpmath.Amount),
		allowances: make(map[string]fpmath.Amount),
		seen:       NewReceiptLRU(defaultDedupCapacity),
		failures:   make(map[Op][]error),
		lost:       make(map[Op][]error),
		calls:      make(map[Op]int),
	}
}

func balanceKey(asset string, acct escrow.Account) string {
	return asset + "|" + acct.AccountPath()
}

func allowanceKey(asset string, from escrow.Account, spender string) string {
	return asset + "|" + from.AccountPath() + "|" + spender
}

// SetFee overrides the fee for one asset.
func (m *MemoryLedger) SetFee(asset string, fee fpmath.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees[asset] = fee
}

// Mint credits an account out of thin air.
func (m *MemoryLedger) Mint(asset string, acct escrow.Account, amount fpmath.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey(asset, acct)
	m.balances[k] = m.balances[k].Add(amount)
}

// Approve sets the allowance spender may pull from acct.
func (m *MemoryLedger) Approve(asset string, acct escrow.Account, spender string, amount fpmath.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey(asset, acct, spender)] = amount
}

func (m *MemoryLedger) Balance(asset string, acct escrow.Account) fpmath.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey(asset, acct)]
}

func (m *MemoryLedger) Allowance(asset string, acct escrow.Account, spender string) fpmath.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[allowanceKey(asset, acct, spender)]
}

// FailNext makes the next call of op return err.
func (m *MemoryLedger) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// LoseNextReply makes the next call of op take effect and then return err,
// as when the ledger applies a transfer but the reply never arrives.
func (m *MemoryLedger) LoseNextReply(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[op] = append(m.lost[op], err)
}

// SetHook installs (or with nil removes) the pre-call hook.
func (m *MemoryLedger) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Calls returns how many times op was invoked.
func (m *MemoryLedger) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// before records the call, runs the hook and pops an injected failure.
func (m *MemoryLedger) before(ctx context.Context, op Op) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MemoryLedger) feeLocked(asset string) fpmath.Amount {
	if fee, ok := m.fees[asset]; ok {
		return fee
	}
	return m.defaultFee
}

func (m *MemoryLedger) Fee(ctx context.Context, asset string) (fpmath.Amount, error) {
	if err := m.before(ctx, OpFee); err != nil {
		return fpmath.Amount{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeLocked(asset), nil
}

func (m *MemoryLedger) Transfer(ctx context.Context, args TransferArgs) (Receipt, error) {
	if err := m.before(ctx, OpTransfer); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.replayLocked(args.IdempotencyKey); ok {
		return r, nil
	}

	fee := m.feeLocked(args.Asset)
	if args.Fee != nil && !args.Fee.Equal(fee) {
		return Receipt{}, fmt.Errorf("%w: expected %s", ErrBadFee, fee)
	}

	from := escrow.Account{Owner: m.serviceID, Subaccount: args.FromSubaccount}
	if err := m.debitLocked(args.Asset, from, args.Amount.Add(fee)); err != nil {
		return Receipt{}, err
	}
	m.creditLocked(args.Asset, args.To, args.Amount)

	r := m.commitLocked(args.IdempotencyKey)
	if err := m.popLostLocked(OpTransfer); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (m *MemoryLedger) TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error) {
	if err := m.before(ctx, OpTransferFrom); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.replayLocked(args.IdempotencyKey); ok {
		return r, nil
	}

	gross := args.Amount.Add(m.feeLocked(args.Asset))

	ak := allowanceKey(args.Asset, args.From, args.Spender)
	remaining, ok := m.allowances[ak].Sub(gross)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: allowance %s < %s", ErrInsufficientAllowance, m.allowances[ak], gross)
	}
	if err := m.debitLocked(args.Asset, args.From, gross); err != nil {
		return Receipt{}, err
	}
	m.allowances[ak] = remaining
	m.creditLocked(args.Asset, args.To, args.Amount)

	r := m.commitLocked(args.IdempotencyKey)
	if err := m.popLostLocked(OpTransferFrom); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (m *MemoryLedger) popLostLocked(op Op) error {
	q := m.lost[op]
	if len(q) == 0 {
		return nil
	}
	m.lost[op] = q[1:]
	return q[0]
}

func (m *MemoryLedger) replayLocked(key string) (Receipt, bool) {
	if key == "" {
		return Receipt{}, false
	}
	return m.seen.Get(key)
}

func (m *MemoryLedger) commitLocked(key string) Receipt {
	m.nextBlock++
	r := Receipt{BlockIndex: m.nextBlock}
	if key != "" {
		m.seen.Add(key, r)
	}
	return r
}

func (m *MemoryLedger) debitLocked(asset string, acct escrow.Account, amount fpmath.Amount) error {
	k := balanceKey(asset, acct)
	next, ok := m.balances[k].Sub(amount)
	if !ok {
		return fmt.Errorf("%w: balance %s < %s", ErrInsufficientFunds, m.balances[k], amount)
	}
	m.balances[k] = next
	return nil
}

func (m *MemoryLedger) creditLocked(asset string, acct escrow.Account, amount fpmath.Amount) {
	k := balanceKey(asset, acct)
	m.balances[k] = m.balances[k].Add(amount)
}
