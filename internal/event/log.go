package event

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	fpmath "EscrowVault/internal/math"

	"github.com/google/uuid"
)

// DefaultPageSize is used by List when no limit is given.
const DefaultPageSize = 50

// Log is the append-only per-entity history. Records are never mutated; an
// entity's history is only removed together with the entity.
type Log struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	kind    EntityKind
	records []Record
	hasher  *ChainHasher
}

func NewLog() *Log {
	return &Log{streams: make(map[string]*stream)}
}

// Append adds a record to the entity's history and returns it.
func (l *Log) Append(ek EntityKind, entityID string, kind Kind, atNs int64, amount *fpmath.Amount, note *string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[entityID]
	if !ok {
		s = &stream{kind: ek, hasher: NewChainHasher(entityID)}
		l.streams[entityID] = s
	}

	rec := Record{
		ID:         uuid.New(),
		EntityKind: ek,
		EntityID:   entityID,
		Sequence:   int64(len(s.records)) + 1,
		AtTimeNs:   atNs,
		Kind:       kind,
		Amount:     amount,
		Note:       note,
		PrevHash:   s.hasher.Tip(),
	}
	rec.Hash = s.hasher.ComputeHash(rec.Sequence, rec.Digest())

	s.records = append(s.records, rec)
	return rec
}

// List returns a page of the entity's history, oldest first. An offset past
// the end yields an empty page. limit <= 0 means DefaultPageSize.
func (l *Log) List(entityID string, limit, offset int) []Record {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[entityID]
	if !ok || offset >= len(s.records) {
		return []Record{}
	}
	end := offset + limit
	if end > len(s.records) {
		end = len(s.records)
	}

	page := make([]Record, end-offset)
	copy(page, s.records[offset:end])
	return page
}

// All returns a copy of the entity's full history.
func (l *Log) All(entityID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[entityID]
	if !ok {
		return nil
	}
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records held for the entity.
func (l *Log) Len(entityID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s, ok := l.streams[entityID]; ok {
		return len(s.records)
	}
	return 0
}

// CountKind counts the entity's records of one kind.
func (l *Log) CountKind(entityID string, kind Kind) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	if s, ok := l.streams[entityID]; ok {
		for i := range s.records {
			if s.records[i].Kind == kind {
				n++
			}
		}
	}
	return n
}

// Drop removes the entity's history.
func (l *Log) Drop(entityID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, entityID)
}

// Load replaces the histories of every entity present in records. Each
// entity's chain is verified before anything is installed; on error the log
// is left unchanged.
func (l *Log) Load(records []Record) error {
	grouped := make(map[string][]Record)
	for _, r := range records {
		grouped[r.EntityID] = append(grouped[r.EntityID], r)
	}

	loaded := make(map[string]*stream, len(grouped))
	for id, recs := range grouped {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
		if err := verifyChain(id, recs); err != nil {
			return err
		}
		loaded[id] = &stream{
			kind:    recs[0].EntityKind,
			records: recs,
			hasher:  &ChainHasher{prevHash: recs[len(recs)-1].Hash},
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range loaded {
		l.streams[id] = s
	}
	return nil
}

// Verify recomputes the entity's hash chain.
func (l *Log) Verify(entityID string) error {
	return verifyChain(entityID, l.All(entityID))
}

func verifyChain(entityID string, recs []Record) error {
	prev := GenesisHash(entityID)
	for i := range recs {
		r := &recs[i]
		if r.Sequence != int64(i)+1 {
			return fmt.Errorf("entity %s: sequence gap at %d (got %d)", entityID, i+1, r.Sequence)
		}
		if !bytes.Equal(r.PrevHash[:], prev[:]) {
			return fmt.Errorf("entity %s: prev hash mismatch at seq %d", entityID, r.Sequence)
		}
		want := linkHash(prev, r.Sequence, r.Digest())
		if want != r.Hash {
			return fmt.Errorf("entity %s: hash mismatch at seq %d", entityID, r.Sequence)
		}
		prev = r.Hash
	}
	return nil
}
