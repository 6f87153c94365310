package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/observability"
	"EscrowVault/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotManager stores engine snapshots in vault.snapshots and reads back
// history from vault.events for recovery.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// SnapshotData is the persisted form of every Budget and Goal record.
type SnapshotData struct {
	SnapshotID uuid.UUID      `json:"snapshot_id"`
	Entities   state.Snapshot `json:"entities"`
	CreatedAt  time.Time      `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// EncodeSnapshot wraps entities in a new SnapshotData and serializes it.
func EncodeSnapshot(entities state.Snapshot, now time.Time) (SnapshotData, []byte, error) {
	snap := SnapshotData{
		SnapshotID: uuid.New(),
		Entities:   entities,
		CreatedAt:  now.UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return SnapshotData{}, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snap, data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*SnapshotData, error) {
	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot persists the entities as a new snapshot row.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, entities state.Snapshot) (uuid.UUID, error) {
	start := time.Now()

	snap, data, err := EncodeSnapshot(entities, start)
	if err != nil {
		return uuid.Nil, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault.snapshots
			(snapshot_id, data, budgets, goals, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snap.SnapshotID, data, len(entities.Budgets), len(entities.Goals),
		snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	}
	return snap.SnapshotID, nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault.snapshots
		WHERE format_version = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM vault.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM vault.snapshots ORDER BY created_at DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadEvents returns the stored history of the given entities ordered by
// entity and sequence.
func (sm *SnapshotManager) LoadEvents(ctx context.Context, entityIDs []string) ([]event.Record, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	rows, err := sm.db.QueryContext(ctx, `
		SELECT id, entity_kind, entity_id, sequence, at_time_ns, kind,
		       amount::TEXT, note, prev_hash, hash
		FROM vault.events
		WHERE entity_id = ANY($1)
		ORDER BY entity_id, sequence
	`, pq.Array(entityIDs))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.ID, &r.EntityKind, &r.EntityID, &r.Sequence, &r.AtTimeNs, &r.Kind,
			&r.Amount, &r.Note, &r.PrevHash, &r.Hash,
		); err != nil {
			return nil, err
		}
		rec, err := FromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FromRow is the inverse of ToRow.
func FromRow(r EventRow) (event.Record, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return event.Record{}, fmt.Errorf("event id %q: %w", r.ID, err)
	}
	ek, err := event.ParseEntityKind(r.EntityKind)
	if err != nil {
		return event.Record{}, err
	}
	kind, err := event.ParseKind(r.Kind)
	if err != nil {
		return event.Record{}, err
	}

	rec := event.Record{
		ID:         id,
		EntityKind: ek,
		EntityID:   r.EntityID,
		Sequence:   r.Sequence,
		AtTimeNs:   r.AtTimeNs,
		Kind:       kind,
	}
	if r.Amount.Valid {
		a, err := fpmath.ParseAmount(r.Amount.String)
		if err != nil {
			return event.Record{}, err
		}
		rec.Amount = &a
	}
	if r.Note.Valid {
		rec.Note = event.NoteOf(r.Note.String)
	}
	if len(r.PrevHash) != len(rec.PrevHash) || len(r.Hash) != len(rec.Hash) {
		return event.Record{}, fmt.Errorf("event %s: bad hash length", r.ID)
	}
	copy(rec.PrevHash[:], r.PrevHash)
	copy(rec.Hash[:], r.Hash)
	return rec, nil
}
