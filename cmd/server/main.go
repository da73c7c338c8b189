package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"realmgrid.dev/internal/multiverse"
	"realmgrid.dev/internal/persistence/auditdb"
	"realmgrid.dev/internal/persistence/auditlog"
	"realmgrid.dev/internal/realm"
	"realmgrid.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		realmsPath = flag.String("realms", "./configs/realms.yaml", "realm config path")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite audit read-model")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := multiverse.Load(*realmsPath)
	if err != nil {
		logger.Fatalf("load realm config: %v", err)
	}

	orch, err := multiverse.New(cfg.ControlTickIntervalTicks, logger)
	if err != nil {
		logger.Fatalf("orchestrator: %v", err)
	}

	_ = os.MkdirAll(*dataDir, 0o755)
	tickLog := auditlog.NewControlTickLogger(*dataDir)
	cascadeLog := auditlog.NewCascadeLogger(*dataDir)
	defer tickLog.Close()
	defer cascadeLog.Close()

	var db *auditdb.AuditDB
	if !*disableDB {
		dbPath := filepath.Join(*dataDir, "audit", "audit.sqlite")
		db, err = auditdb.Open(dbPath)
		if err != nil {
			logger.Fatalf("open audit db: %v", err)
		}
		defer db.Close()
		orch.SetPropagationLogger(db)
	}
	orch.SetAuditLogger(multiAuditLogger{a: tickLog, b: db})

	engines := map[string]*realm.Engine{}
	for _, spec := range cfg.Realms {
		eng := realm.New(spec.ID)
		eng.SetCascadeLogger(cascadeLog)
		wireDefaultReactions(eng, logger)
		if err := orch.RegisterRealm(spec.ID, eng, spec.Coordinate()); err != nil {
			logger.Fatalf("register realm %s: %v", spec.ID, err)
		}
		if len(spec.Subscribe) > 0 {
			if err := orch.Subscribe(spec.ID, spec.Subscribe...); err != nil {
				logger.Fatalf("subscribe realm %s: %v", spec.ID, err)
			}
		}
		engines[spec.ID] = eng
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	feed := ws.NewServer(orch, logger)

	// Opportunistic local ticks: each realm on its own worker between
	// control-ticks. Cross-realm propagation stays serialized through
	// ExecuteControlTick.
	if !cfg.DisableOpportunistic {
		for id := range engines {
			go func(realmID string) {
				ticker := time.NewTicker(time.Duration(cfg.LocalTickMillis) * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						_, _ = orch.TickRealm(realmID)
					}
				}
			}(id)
		}
	}

	// Control loop: one rendezvous per configured period.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ControlTickMillis) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tr := orch.ExecuteControlTick()
				feed.BroadcastControlTick(tr)
				if tr.Seq%uint64(cfg.StateSnapshotEveryTicks) == 0 {
					feed.BroadcastState(orch.MultiverseState())
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newMux(orch, engines, feed, db),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s realms=%v control_tick_interval=%d",
		*addr, orch.RealmIDs(), cfg.ControlTickIntervalTicks)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// multiAuditLogger fans control-tick traces out to the JSONL log and,
// when enabled, the sqlite read-model.
type multiAuditLogger struct {
	a *auditlog.ControlTickLogger
	b *auditdb.AuditDB
}

func (m multiAuditLogger) WriteControlTick(tr multiverse.ControlTickTrace) error {
	err := m.a.WriteControlTick(tr)
	if m.b != nil {
		_ = m.b.WriteControlTick(tr)
	}
	return err
}
