package auditdb

import (
	"path/filepath"
	"testing"
	"time"

	"realmgrid.dev/internal/multiverse"
)

func openTemp(t *testing.T) *AuditDB {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "audit", "audit.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAuditDB_ControlTickRoundTrip(t *testing.T) {
	a := openTemp(t)

	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		tr := multiverse.ControlTickTrace{
			Seq:        seq,
			At:         at.Add(time.Duration(seq) * time.Second),
			Synced:     []string{"PRIME", "ECHO"},
			Propagated: int(seq),
			Events: []multiverse.EventPath{
				{EventID: "e1", Type: "resonance.pulse", Path: []string{"PRIME", "ECHO"}},
			},
			Elapsed: 3 * time.Millisecond,
		}
		if err := a.WriteControlTick(tr); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
	}
	a.Flush()

	rows, err := a.ControlTicks(10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
	// Newest first.
	if rows[0].Seq != 3 || rows[2].Seq != 1 {
		t.Fatalf("order = %d,%d,%d", rows[0].Seq, rows[1].Seq, rows[2].Seq)
	}
	if rows[0].Propagated != 3 || len(rows[0].Synced) != 2 || rows[0].Synced[1] != "ECHO" {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if !rows[2].At.Equal(at.Add(time.Second)) {
		t.Fatalf("timestamp mangled: %v", rows[2].At)
	}
	if rows[1].Elapsed != 3*time.Millisecond {
		t.Fatalf("elapsed = %v", rows[1].Elapsed)
	}
	if len(rows[0].Events) != 1 || len(rows[0].Events[0].Path) != 2 || rows[0].Events[0].Path[1] != "ECHO" {
		t.Fatalf("delivery paths lost: %+v", rows[0].Events)
	}
}

func TestAuditDB_ControlTickLimit(t *testing.T) {
	a := openTemp(t)
	for seq := uint64(1); seq <= 5; seq++ {
		_ = a.WriteControlTick(multiverse.ControlTickTrace{Seq: seq, At: time.Now()})
	}
	a.Flush()

	rows, err := a.ControlTicks(2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 || rows[0].Seq != 5 || rows[1].Seq != 4 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestAuditDB_PropagationRows(t *testing.T) {
	a := openTemp(t)
	rec := multiverse.PropagationRecord{
		EventID:     "e1",
		ControlTick: 7,
		Type:        "resonance.pulse",
		SourceRealm: "PRIME",
		TargetRealm: "ECHO",
		Latency:     42 * time.Microsecond,
	}
	if err := a.WritePropagation(rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A broadcast hits several realms with the same event id; each target
	// keeps its own row.
	rec.TargetRealm = "FRINGE"
	_ = a.WritePropagation(rec)
	a.Flush()

	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM propagated_events WHERE event_id = ?`, "e1").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("propagation rows = %d, want 2", n)
	}
}

func TestAuditDB_WriteAfterCloseIsNoop(t *testing.T) {
	a := openTemp(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Must not panic on the closed channel, and Close stays idempotent.
	if err := a.WriteControlTick(multiverse.ControlTickTrace{Seq: 1, At: time.Now()}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if a.DroppedRows() != 0 {
		t.Fatalf("dropped = %d", a.DroppedRows())
	}
}
