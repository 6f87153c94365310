package persistence_test

import (
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/persistence"
	"EscrowVault/internal/state"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Test: Event rows
// ============================================================================

func TestEventRows_PreserveHashChain(t *testing.T) {
	log := event.NewLog()
	big := fpmath.MustParseAmount("1000000000000000000000")
	log.Append(event.EntityKindGoal, "goal-1", event.KindInitialLock, 10, event.AmountOf(big), nil)
	log.Append(event.EntityKindGoal, "goal-1", event.KindCliffUnlocked, 20, event.AmountOf(big), event.NoteOf("Cliff period ended, funds unlocked!"))
	log.Append(event.EntityKindGoal, "goal-1", event.KindFailed, 20, nil, nil)

	var restored []event.Record
	for _, rec := range log.All("goal-1") {
		row := persistence.ToRow(rec)
		back, err := persistence.FromRow(row)
		if err != nil {
			t.Fatalf("FromRow: %v", err)
		}
		restored = append(restored, back)
	}

	fresh := event.NewLog()
	if err := fresh.Load(restored); err != nil {
		t.Fatalf("chain did not survive row conversion: %v", err)
	}
	if got := fresh.Len("goal-1"); got != 3 {
		t.Errorf("records: got %d, want 3", got)
	}
	if restored[2].Amount != nil || restored[2].Note != nil {
		t.Error("NULL columns should stay nil")
	}
}

func TestFromRow_RejectsBadHash(t *testing.T) {
	log := event.NewLog()
	rec := log.Append(event.EntityKindBudget, "b-1", event.KindLockSucceeded, 1, nil, nil)

	row := persistence.ToRow(rec)
	row.Hash = row.Hash[:5]
	if _, err := persistence.FromRow(row); err == nil {
		t.Error("expected error for truncated hash")
	}
}

// ============================================================================
// Test: Snapshot encoding
// ============================================================================

func TestSnapshotEncoding(t *testing.T) {
	entities := state.Snapshot{
		Budgets: []*state.Budget{{
			ID:            "alice-ckbtc-1",
			Owner:         "alice",
			Name:          "rent",
			Status:        state.BudgetStatusPaused,
			AmountToLock:  fpmath.MustParseAmount("340282366920938463463374607431768211456"),
			LockedBalance: fpmath.NewAmount(7),
			NextLockAtNs:  42,
		}},
		Goals: []*state.Goal{{
			ID:            "goal-alice-ckbtc-2",
			Owner:         "alice",
			Status:        state.GoalStatusFailed,
			CliffReleased: true,
		}},
	}

	snap, data, err := persistence.EncodeSnapshot(entities, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	decoded, err := persistence.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if decoded.SnapshotID != snap.SnapshotID {
		t.Errorf("snapshot id: got %s, want %s", decoded.SnapshotID, snap.SnapshotID)
	}
	b := decoded.Entities.Budgets[0]
	if !b.AmountToLock.Equal(entities.Budgets[0].AmountToLock) || b.Status != state.BudgetStatusPaused || b.NextLockAtNs != 42 {
		t.Errorf("budget mismatch: %+v", b)
	}
	g := decoded.Entities.Goals[0]
	if g.Status != state.GoalStatusFailed || !g.CliffReleased {
		t.Errorf("goal mismatch: %+v", g)
	}
}

// ============================================================================
// Test: Migration files
// ============================================================================

func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_more.up.sql",
		"000001_vault.up.sql",
		"000001_vault.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := persistence.ListMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatalf("ListMigrationFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "000001_vault.up.sql" || files[1] != "000002_more.up.sql" {
		t.Errorf("got %v", files)
	}
	if v := persistence.ExtractVersion(files[1]); v != "000002" {
		t.Errorf("version: got %q", v)
	}
}
