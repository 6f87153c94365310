package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"EscrowVault/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const eventColumns = 10

// EventLogWriter writes history records to vault.events using multi-row
// INSERT. Writes are idempotent on (entity_id, sequence).
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a record flattened for the vault.events table.
type EventRow struct {
	ID         string
	EntityKind string
	EntityID   string
	Sequence   int64
	AtTimeNs   int64
	Kind       string
	Amount     sql.NullString // NUMERIC(78,0)
	Note       sql.NullString
	PrevHash   []byte
	Hash       []byte
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// ToRow flattens a record.
func ToRow(r event.Record) EventRow {
	row := EventRow{
		ID:         r.ID.String(),
		EntityKind: r.EntityKind.String(),
		EntityID:   r.EntityID,
		Sequence:   r.Sequence,
		AtTimeNs:   r.AtTimeNs,
		Kind:       r.Kind.String(),
		PrevHash:   append([]byte(nil), r.PrevHash[:]...),
		Hash:       append([]byte(nil), r.Hash[:]...),
	}
	if r.Amount != nil {
		row.Amount = sql.NullString{String: r.Amount.String(), Valid: true}
	}
	if r.Note != nil {
		row.Note = sql.NullString{String: *r.Note, Valid: true}
	}
	return row
}

// WriteEventBatch inserts rows through tx (or the writer's pool when tx is nil).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if tx == nil {
		tx = w.db
	}

	query, args := buildEventInsert(rows)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d events: %w", len(rows), err)
	}
	return nil
}

func buildEventInsert(rows []EventRow) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO vault.events
		(id, entity_kind, entity_id, sequence, at_time_ns, kind, amount, note, prev_hash, hash)
		VALUES `)

	args := make([]interface{}, 0, len(rows)*eventColumns)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * eventColumns
		sb.WriteString("(")
		for c := 1; c <= eventColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")

		args = append(args,
			r.ID, r.EntityKind, r.EntityID, r.Sequence, r.AtTimeNs,
			r.Kind, r.Amount, r.Note, r.PrevHash, r.Hash,
		)
	}
	sb.WriteString(" ON CONFLICT (entity_id, sequence) DO NOTHING")
	return sb.String(), args
}
