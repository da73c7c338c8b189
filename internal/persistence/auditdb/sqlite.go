package auditdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"realmgrid.dev/internal/multiverse"
)

// AuditDB is a read-model of the orchestrator's audit surface. Writes go
// through a single writer goroutine behind a buffered channel; when the
// writer lags, rows are dropped rather than blocking a control-tick.
type AuditDB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqControlTick reqKind = iota + 1
	reqPropagation
	reqFlush
)

type req struct {
	kind reqKind

	tick multiverse.ControlTickTrace
	prop multiverse.PropagationRecord
	ack  chan struct{}
}

func Open(path string) (*AuditDB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	a := &AuditDB{db: db, ch: make(chan req, 1024)}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.wg.Add(1)
	go a.writeLoop()
	return a, nil
}

func (a *AuditDB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS control_ticks (
			seq INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			synced TEXT NOT NULL,
			failed TEXT NOT NULL,
			propagated INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			elapsed_ns INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS propagated_events (
			event_id TEXT NOT NULL,
			control_tick INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			source_realm TEXT NOT NULL,
			target_realm TEXT NOT NULL,
			latency_ns INTEGER NOT NULL,
			PRIMARY KEY (event_id, target_realm, control_tick)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_propagated_events_tick ON propagated_events(control_tick)`,
	}
	for _, s := range stmts {
		if _, err := a.db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// WriteControlTick satisfies multiverse.AuditLogger.
func (a *AuditDB) WriteControlTick(tr multiverse.ControlTickTrace) error {
	a.enqueue(req{kind: reqControlTick, tick: tr})
	return nil
}

// WritePropagation satisfies multiverse.PropagationLogger.
func (a *AuditDB) WritePropagation(rec multiverse.PropagationRecord) error {
	a.enqueue(req{kind: reqPropagation, prop: rec})
	return nil
}

func (a *AuditDB) enqueue(r req) {
	if a.closed.Load() {
		return
	}
	select {
	case a.ch <- r:
	default:
		a.dropped.Add(1)
	}
}

// DroppedRows reports how many audit rows were discarded because the writer
// could not keep up.
func (a *AuditDB) DroppedRows() uint64 { return a.dropped.Load() }

func (a *AuditDB) writeLoop() {
	defer a.wg.Done()
	for r := range a.ch {
		switch r.kind {
		case reqControlTick:
			synced, _ := json.Marshal(r.tick.Synced)
			failed, _ := json.Marshal(r.tick.Failed)
			events, _ := json.Marshal(r.tick.Events)
			_, _ = a.db.Exec(
				`INSERT OR REPLACE INTO control_ticks(seq, at, synced, failed, propagated, dropped, events, elapsed_ns)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
				r.tick.Seq, r.tick.At.UTC().Format(time.RFC3339Nano),
				string(synced), string(failed),
				r.tick.Propagated, r.tick.Dropped,
				string(events), int64(r.tick.Elapsed),
			)
		case reqPropagation:
			_, _ = a.db.Exec(
				`INSERT OR REPLACE INTO propagated_events(event_id, control_tick, event_type, source_realm, target_realm, latency_ns)
				 VALUES(?, ?, ?, ?, ?, ?)`,
				r.prop.EventID, r.prop.ControlTick, r.prop.Type,
				r.prop.SourceRealm, r.prop.TargetRealm, int64(r.prop.Latency),
			)
		case reqFlush:
			close(r.ack)
		}
	}
}

// ControlTicks returns up to limit most recent control-tick rows, newest
// first.
func (a *AuditDB) ControlTicks(limit int) ([]multiverse.ControlTickTrace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(
		`SELECT seq, at, synced, failed, propagated, dropped, events, elapsed_ns
		 FROM control_ticks ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []multiverse.ControlTickTrace
	for rows.Next() {
		var (
			tr      multiverse.ControlTickTrace
			at      string
			synced  string
			failed  string
			events  string
			elapsed int64
		)
		if err := rows.Scan(&tr.Seq, &at, &synced, &failed, &tr.Propagated, &tr.Dropped, &events, &elapsed); err != nil {
			return nil, err
		}
		tr.At, _ = time.Parse(time.RFC3339Nano, at)
		_ = json.Unmarshal([]byte(synced), &tr.Synced)
		_ = json.Unmarshal([]byte(failed), &tr.Failed)
		_ = json.Unmarshal([]byte(events), &tr.Events)
		tr.Elapsed = time.Duration(elapsed)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Flush blocks until every row enqueued before the call has been written.
func (a *AuditDB) Flush() {
	if a.closed.Load() {
		return
	}
	ack := make(chan struct{})
	a.ch <- req{kind: reqFlush, ack: ack}
	<-ack
}

func (a *AuditDB) Close() error {
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.ch)
	})
	a.wg.Wait()
	return a.db.Close()
}
