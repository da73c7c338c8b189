package multiverse

import (
	"time"

	"realmgrid.dev/internal/protocol"
	"realmgrid.dev/internal/realm"
)

// Coordinate addresses a realm for event routing. It carries no simulation
// meaning; the adjacency and resonance keys are opaque grouping hints for
// collaborators.
type Coordinate struct {
	RealmID   string `json:"realm_id" yaml:"realm_id"`
	Adjacency string `json:"adjacency" yaml:"adjacency"`
	Resonance string `json:"resonance" yaml:"resonance"`
	Density   int    `json:"density" yaml:"density"`
}

// CrossEvent is an event crossing realm boundaries. A nil Target means
// broadcast to every realm subscribed to the event's type. Path accumulates
// the realm ids the event has been delivered to, in delivery order.
type CrossEvent struct {
	ID                string           `json:"id"`
	Type              string           `json:"type"`
	Source            Coordinate       `json:"source"`
	Target            *Coordinate      `json:"target,omitempty"`
	Payload           protocol.Payload `json:"-"`
	OriginControlTick uint64           `json:"origin_control_tick"`
	CreatedAt         time.Time        `json:"created_at"`
	Path              []string         `json:"path,omitempty"`
}

// InstanceState is the lifecycle state of a registered realm. The
// orchestrator only moves realms between states during a control-tick or an
// explicit admin call.
type InstanceState string

const (
	StateOffline InstanceState = "offline"
	StateBooting InstanceState = "booting"
	StateRunning InstanceState = "running"
	StateSyncing InstanceState = "syncing"
	StatePaused  InstanceState = "paused"
	StateError   InstanceState = "error"
)

// ControlTickTrace is the append-only audit record of one control-tick.
// Seq is strictly increasing and gap-free for the orchestrator's lifetime.
// Events lists every cross-realm event drained during this tick's propagation
// phase with its final delivery path.
type ControlTickTrace struct {
	Seq        uint64        `json:"seq"`
	At         time.Time     `json:"at"`
	Synced     []string      `json:"synced"`
	Failed     []string      `json:"failed,omitempty"`
	Propagated int           `json:"propagated"`
	Dropped    int           `json:"dropped,omitempty"`
	Events     []EventPath   `json:"events,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// EventPath records where one cross-realm event was delivered, realm ids in
// delivery order. An event that found no live target has an empty path.
type EventPath struct {
	EventID string   `json:"event_id"`
	Type    string   `json:"type"`
	Path    []string `json:"path,omitempty"`
}

// PropagationRecord describes one delivery of a cross-realm event to one
// target realm, with the queue-to-delivery latency.
type PropagationRecord struct {
	EventID     string        `json:"event_id"`
	ControlTick uint64        `json:"control_tick"`
	Type        string        `json:"type"`
	SourceRealm string        `json:"source_realm"`
	TargetRealm string        `json:"target_realm"`
	Latency     time.Duration `json:"latency_ns"`
}

// RealmStatus is the read-only per-realm slice of a multiverse snapshot.
type RealmStatus struct {
	Coordinate Coordinate    `json:"coordinate"`
	State      InstanceState `json:"state"`
	LocalTick  uint64        `json:"local_tick"`
	LastError  string        `json:"last_error,omitempty"`
}

// Snapshot is the read-only state returned by MultiverseState.
type Snapshot struct {
	ControlTick     uint64                 `json:"control_tick"`
	Realms          map[string]RealmStatus `json:"realms"`
	PendingEvents   int                    `json:"pending_events"`
	AvgSyncTime     time.Duration          `json:"avg_sync_ns"`
	AvgEventLatency time.Duration          `json:"avg_event_latency_ns"`
}

// LocalEngine is the per-realm tick engine the orchestrator drives.
// *realm.Engine satisfies it; tests substitute failing stubs.
type LocalEngine interface {
	ExecuteTick() (realm.TickMetrics, error)
	TickCount() uint64
	QueueImmediate(realm.Event)
}

// AuditLogger receives every control-tick trace; calls are best-effort.
type AuditLogger interface {
	WriteControlTick(tr ControlTickTrace) error
}

// PropagationLogger receives one record per event delivery.
type PropagationLogger interface {
	WritePropagation(rec PropagationRecord) error
}
