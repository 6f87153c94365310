package event

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "EscrowVault:events:v1"

// ChainHasher links an entity's records: hash[N] = SHA-256(hash[N-1] || N || digest[N]).
type ChainHasher struct {
	prevHash Hash
}

// NewChainHasher starts a chain at the entity's genesis hash.
func NewChainHasher(entityID string) *ChainHasher {
	return &ChainHasher{prevHash: GenesisHash(entityID)}
}

// GenesisHash is the PrevHash of an entity's first record.
func GenesisHash(entityID string) Hash {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + entityID))
}

// ComputeHash returns the next link and advances the tip.
func (h *ChainHasher) ComputeHash(sequence int64, digest []byte) Hash {
	next := linkHash(h.prevHash, sequence, digest)
	h.prevHash = next
	return next
}

// Tip returns the current chain tip.
func (h *ChainHasher) Tip() Hash {
	return h.prevHash
}

func linkHash(prev Hash, sequence int64, digest []byte) Hash {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
