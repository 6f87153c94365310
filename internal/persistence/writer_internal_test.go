package persistence

import (
	"strings"
	"testing"
)

func TestBuildEventInsert(t *testing.T) {
	rows := []EventRow{{ID: "a"}, {ID: "b"}}

	query, args := buildEventInsert(rows)
	if len(args) != 2*eventColumns {
		t.Fatalf("args: got %d, want %d", len(args), 2*eventColumns)
	}
	if !strings.Contains(query, "($11, $12, $13, $14, $15, $16, $17, $18, $19, $20)") {
		t.Errorf("second row placeholders missing:\n%s", query)
	}
	if strings.Contains(query, "$21") {
		t.Error("too many placeholders")
	}
	if !strings.HasSuffix(query, "ON CONFLICT (entity_id, sequence) DO NOTHING") {
		t.Error("insert must be idempotent")
	}
}
