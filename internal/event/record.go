package event

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	fpmath "EscrowVault/internal/math"

	"github.com/google/uuid"
)

// Record is one append-only history entry for a Budget or Goal.
type Record struct {
	// Unique id, also the idempotency key for persistence and publishing
	ID uuid.UUID `json:"id"`

	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`

	// Per-entity monotonic sequence, starting at 1
	Sequence int64 `json:"sequence"`

	AtTimeNs int64          `json:"at_time_ns"`
	Kind     Kind           `json:"kind"`
	Amount   *fpmath.Amount `json:"amount,omitempty"`
	Note     *string        `json:"note,omitempty"`

	// Hash = SHA-256(PrevHash || sequence || digest)
	PrevHash Hash `json:"prev_hash"`
	Hash     Hash `json:"hash"`
}

// Hash is a chain link. Encoded as hex in JSON.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(data []byte) error {
	b, err := hex.DecodeString(string(data))
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// Digest returns the canonical bytes of the record's payload (everything the
// hash commits to except the chain fields).
func (r *Record) Digest() []byte {
	h := sha256.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.AtTimeNs))
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], uint32(r.Kind))
	h.Write(buf[:4])

	if r.Amount != nil {
		h.Write([]byte{1})
		h.Write([]byte(r.Amount.String()))
	} else {
		h.Write([]byte{0})
	}
	if r.Note != nil {
		h.Write([]byte{1})
		h.Write([]byte(*r.Note))
	} else {
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// AmountOf returns a pointer to a copy of a, for optional Record fields.
func AmountOf(a fpmath.Amount) *fpmath.Amount {
	return &a
}

// NoteOf returns a pointer to s, for optional Record fields.
func NoteOf(s string) *string {
	return &s
}
