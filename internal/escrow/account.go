package escrow

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// SubaccountSize is the fixed width of a ledger subaccount.
const SubaccountSize = 32

// Subaccount selects one of an owner's accounts on a token ledger.
type Subaccount [SubaccountSize]byte

func (s Subaccount) String() string {
	return hex.EncodeToString(s[:])
}

// Account is a (principal, optional subaccount) pair on a token ledger.
// A nil Subaccount is the principal's default account.
type Account struct {
	Owner      string      `json:"owner"`
	Subaccount *Subaccount `json:"subaccount,omitempty"`
}

// DefaultAccount returns the owner's default (no subaccount) account.
func DefaultAccount(owner string) Account {
	return Account{Owner: owner}
}

// DeriveSubaccount computes the escrow subaccount for an entity:
// Keccak-256(owner || entityID). The same pair always yields the same
// subaccount; this is the only thing isolating one entity's funds from
// another's.
func DeriveSubaccount(owner, entityID string) Subaccount {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(owner))
	h.Write([]byte(entityID))

	var out Subaccount
	copy(out[:], h.Sum(nil))
	return out
}

// EscrowAccount returns the account held by the service identity that escrows
// funds for (owner, entityID).
func EscrowAccount(serviceID, owner, entityID string) Account {
	sub := DeriveSubaccount(owner, entityID)
	return Account{Owner: serviceID, Subaccount: &sub}
}

// SubaccountFromBytes validates a caller-supplied subaccount.
func SubaccountFromBytes(b []byte) (*Subaccount, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) != SubaccountSize {
		return nil, fmt.Errorf("subaccount must be %d bytes, got %d", SubaccountSize, len(b))
	}
	var s Subaccount
	copy(s[:], b)
	return &s, nil
}

// AccountPath returns the string representation for storage/logging.
func (a Account) AccountPath() string {
	if a.Subaccount == nil {
		return a.Owner
	}
	return fmt.Sprintf("%s:%s", a.Owner, a.Subaccount.String())
}
