package multiverse

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"realmgrid.dev/internal/protocol"
	"realmgrid.dev/internal/realm"
)

type registeredRealm struct {
	coord   Coordinate
	engine  LocalEngine
	state   InstanceState
	lastErr string

	// tickMu serializes engine ticks so an opportunistic tick can never
	// interleave with catch-up. Always acquired after o.mu.
	tickMu sync.Mutex
}

// Orchestrator owns the realm registry, the subscription table and the
// pending cross-realm event queue. Realms are processed sequentially within
// a control-tick, in registration order, so cross-realm propagation has a
// deterministic global order.
type Orchestrator struct {
	interval uint64
	log      *log.Logger

	mu      sync.RWMutex
	realms  map[string]*registeredRealm
	order   []string            // registration order
	subs    map[string][]string // event type -> subscriber realm ids
	pending []*CrossEvent
	seq     uint64
	trail   []ControlTickTrace

	syncTimes  rollingWindow
	latencies  rollingWindow
	auditLog   AuditLogger
	propagaLog PropagationLogger
}

// New fails only on configuration errors; everything past construction
// degrades a single realm or drops a single event instead.
func New(controlTickIntervalTicks int, logger *log.Logger) (*Orchestrator, error) {
	if controlTickIntervalTicks <= 0 {
		return nil, fmt.Errorf("control tick interval must be positive, got %d", controlTickIntervalTicks)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		interval:  uint64(controlTickIntervalTicks),
		log:       logger,
		realms:    map[string]*registeredRealm{},
		subs:      map[string][]string{},
		syncTimes: newRollingWindow(128),
		latencies: newRollingWindow(128),
	}, nil
}

func (o *Orchestrator) SetAuditLogger(l AuditLogger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.auditLog = l
}

func (o *Orchestrator) SetPropagationLogger(l PropagationLogger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.propagaLog = l
}

// RegisterRealm adds a realm in state booting. The coordinate's realm id is
// forced to match the registry id.
func (o *Orchestrator) RegisterRealm(id string, engine LocalEngine, coord Coordinate) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("empty realm id")
	}
	if engine == nil {
		return fmt.Errorf("realm %q: nil engine", id)
	}
	coord.RealmID = id
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.realms[id]; ok {
		return fmt.Errorf("realm %q already registered", id)
	}
	o.realms[id] = &registeredRealm{coord: coord, engine: engine, state: StateBooting}
	o.order = append(o.order, id)
	return nil
}

// UnregisterRealm removes registry and subscription bookkeeping. Events
// already delivered to the realm's queues are unaffected.
func (o *Orchestrator) UnregisterRealm(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.realms[id]; !ok {
		return fmt.Errorf("realm %q not registered", id)
	}
	delete(o.realms, id)
	for i, rid := range o.order {
		if rid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	for typ, ids := range o.subs {
		out := ids[:0]
		for _, rid := range ids {
			if rid != id {
				out = append(out, rid)
			}
		}
		if len(out) == 0 {
			delete(o.subs, typ)
		} else {
			o.subs[typ] = out
		}
	}
	return nil
}

// Subscribe adds the realm to the fan-out list of each event type. A
// duplicate subscription is rejected with no state change at all.
func (o *Orchestrator) Subscribe(realmID string, eventTypes ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.realms[realmID]; !ok {
		return fmt.Errorf("realm %q not registered", realmID)
	}
	for _, typ := range eventTypes {
		if strings.TrimSpace(typ) == "" {
			return fmt.Errorf("realm %q: empty event type", realmID)
		}
		for _, rid := range o.subs[typ] {
			if rid == realmID {
				return fmt.Errorf("realm %q already subscribed to %q", realmID, typ)
			}
		}
	}
	for _, typ := range eventTypes {
		o.subs[typ] = append(o.subs[typ], realmID)
	}
	return nil
}

// QueueCrossEvent stamps and appends a pending event. The event takes effect
// at the next control-tick's propagation phase; events are batched, not
// streamed, so control-ticks stay the single point of cross-realm
// consistency.
func (o *Orchestrator) QueueCrossEvent(ev CrossEvent) (string, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return "", fmt.Errorf("empty event type")
	}
	if ev.ID == "" {
		ev.ID = protocol.NewEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ev.OriginControlTick = o.seq
	o.pending = append(o.pending, &ev)
	return ev.ID, nil
}

// TickRealm advances one realm by one opportunistic local tick, outside the
// control-tick rendezvous. It refuses paused, errored and mid-sync realms.
// The realm's tick guard is taken while the registry lock is still held, so a
// control-tick that starts afterwards waits for this tick to finish instead
// of catching up past it.
func (o *Orchestrator) TickRealm(id string) (realm.TickMetrics, error) {
	o.mu.RLock()
	rr, ok := o.realms[id]
	if !ok {
		o.mu.RUnlock()
		return realm.TickMetrics{}, fmt.Errorf("realm %q not registered", id)
	}
	switch rr.state {
	case StateBooting, StateRunning:
	default:
		state := rr.state
		o.mu.RUnlock()
		return realm.TickMetrics{}, fmt.Errorf("realm %q not tickable in state %s", id, state)
	}
	engine := rr.engine
	rr.tickMu.Lock()
	o.mu.RUnlock()
	defer rr.tickMu.Unlock()

	return engine.ExecuteTick()
}

// ExecuteControlTick runs one full rendezvous: catch every realm up to the
// tick boundary, then flush the cross-realm queue through the subscription
// table, then record the trace. One realm's failure never blocks the others.
func (o *Orchestrator) ExecuteControlTick() ControlTickTrace {
	start := time.Now()

	o.mu.Lock()
	o.seq++
	seq := o.seq

	// Sync phase: registration order, sequential by design.
	synced := make([]string, 0, len(o.order))
	var failed []string
	for _, id := range o.order {
		rr := o.realms[id]
		switch rr.state {
		case StatePaused, StateError, StateOffline:
			continue
		}
		rr.state = StateSyncing
		syncStart := time.Now()
		rr.tickMu.Lock()
		err := o.catchUp(rr.engine)
		rr.tickMu.Unlock()
		if err != nil {
			rr.state = StateError
			rr.lastErr = err.Error()
			failed = append(failed, id)
			o.log.Printf("control-tick %d: realm %s catch-up failed: %v", seq, id, err)
			continue
		}
		o.syncTimes.add(time.Since(syncStart))
		rr.state = StateRunning
		rr.lastErr = ""
		synced = append(synced, id)
	}

	// Propagation phase: drain the pending queue through the subscription
	// table. Targets are deduplicated within a single pass so the path never
	// lists a realm twice for one event.
	pending := o.pending
	o.pending = nil
	propagated, dropped := 0, 0
	var propRecords []PropagationRecord
	paths := make([]EventPath, 0, len(pending))
	for _, ev := range pending {
		var targets []string
		if ev.Target != nil {
			targets = []string{ev.Target.RealmID}
		} else {
			targets = o.subs[ev.Type]
		}
		delivered := map[string]bool{}
		for _, tid := range targets {
			if delivered[tid] {
				continue
			}
			rr, ok := o.realms[tid]
			if !ok {
				dropped++
				o.log.Printf("control-tick %d: event %s dropped for unknown realm %s", seq, ev.ID, tid)
				continue
			}
			rr.engine.QueueImmediate(realm.Event{
				ID:          ev.ID,
				Type:        ev.Type,
				ControlTick: seq,
				Payload:     ev.Payload,
			})
			delivered[tid] = true
			ev.Path = append(ev.Path, tid)
			propagated++
			latency := time.Since(ev.CreatedAt)
			o.latencies.add(latency)
			propRecords = append(propRecords, PropagationRecord{
				EventID:     ev.ID,
				ControlTick: seq,
				Type:        ev.Type,
				SourceRealm: ev.Source.RealmID,
				TargetRealm: tid,
				Latency:     latency,
			})
		}
		paths = append(paths, EventPath{EventID: ev.ID, Type: ev.Type, Path: ev.Path})
	}

	tr := ControlTickTrace{
		Seq:        seq,
		At:         start,
		Synced:     synced,
		Failed:     failed,
		Propagated: propagated,
		Dropped:    dropped,
		Events:     paths,
		Elapsed:    time.Since(start),
	}
	o.trail = append(o.trail, tr)
	auditLog := o.auditLog
	propagaLog := o.propagaLog
	o.mu.Unlock()

	if auditLog != nil {
		_ = auditLog.WriteControlTick(tr)
	}
	if propagaLog != nil {
		for _, rec := range propRecords {
			_ = propagaLog.WritePropagation(rec)
		}
	}
	return tr
}

// catchUp drives the engine until its tick counter sits on the control-tick
// boundary, always advancing at least one tick (tick 0 is trivially aligned).
func (o *Orchestrator) catchUp(engine LocalEngine) error {
	for {
		if _, err := engine.ExecuteTick(); err != nil {
			return err
		}
		if engine.TickCount()%o.interval == 0 {
			return nil
		}
	}
}

// PauseRealm stops a running realm from being synced or ticked until an
// explicit resume.
func (o *Orchestrator) PauseRealm(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rr, ok := o.realms[id]
	if !ok {
		return fmt.Errorf("realm %q not registered", id)
	}
	if rr.state != StateRunning && rr.state != StateBooting {
		return fmt.Errorf("realm %q not pausable in state %s", id, rr.state)
	}
	rr.state = StatePaused
	return nil
}

// ResumeRealm is the external intervention that leaves paused or error.
// A previously errored realm goes back through booting and must pass
// catch-up again before it counts as running.
func (o *Orchestrator) ResumeRealm(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rr, ok := o.realms[id]
	if !ok {
		return fmt.Errorf("realm %q not registered", id)
	}
	switch rr.state {
	case StatePaused:
		rr.state = StateRunning
	case StateError:
		rr.state = StateBooting
		rr.lastErr = ""
	default:
		return fmt.Errorf("realm %q not resumable in state %s", id, rr.state)
	}
	return nil
}

// CoordinateOf reports the registered coordinate for a realm id.
func (o *Orchestrator) CoordinateOf(id string) (Coordinate, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rr, ok := o.realms[id]
	if !ok {
		return Coordinate{}, false
	}
	return rr.coord, true
}

// RealmIDs returns all registered realm ids, sorted.
func (o *Orchestrator) RealmIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	sort.Strings(out)
	return out
}

// MultiverseState returns a read-only snapshot of per-realm state, the event
// backlog and the rolling sync/latency averages.
func (o *Orchestrator) MultiverseState() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := Snapshot{
		ControlTick:     o.seq,
		Realms:          make(map[string]RealmStatus, len(o.realms)),
		PendingEvents:   len(o.pending),
		AvgSyncTime:     o.syncTimes.avg(),
		AvgEventLatency: o.latencies.avg(),
	}
	for id, rr := range o.realms {
		st.Realms[id] = RealmStatus{
			Coordinate: rr.coord,
			State:      rr.state,
			LocalTick:  rr.engine.TickCount(),
			LastError:  rr.lastErr,
		}
	}
	return st
}

// AuditTrail exports the full control-tick trace history for external
// verification or replay.
func (o *Orchestrator) AuditTrail() []ControlTickTrace {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ControlTickTrace, len(o.trail))
	copy(out, o.trail)
	return out
}

// rollingWindow keeps the last n duration samples for a rolling average.
type rollingWindow struct {
	buf  []time.Duration
	next int
	full bool
}

func newRollingWindow(n int) rollingWindow {
	return rollingWindow{buf: make([]time.Duration, n)}
}

func (w *rollingWindow) add(d time.Duration) {
	w.buf[w.next] = d
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *rollingWindow) avg() time.Duration {
	n := w.next
	if w.full {
		n = len(w.buf)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += w.buf[i]
	}
	return total / time.Duration(n)
}
