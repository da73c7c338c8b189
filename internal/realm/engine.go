package realm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"realmgrid.dev/internal/protocol"
)

// Event is the unit the engine schedules. Depth is the cumulative cascade
// depth: 0 for externally queued roots, parent+1 for reactions. Depth travels
// with the event across ticks, so a rule's depth limit bounds the whole chain
// rather than one tick's worth of it.
type Event struct {
	ID          string
	Type        string
	Depth       int
	ControlTick uint64 // control-tick the event arrived from; 0 = local origin
	Payload     protocol.Payload
}

// ReactionRule maps a trigger event type to a batch of follow-up events.
// Handler must be pure with respect to its input: the same event at the same
// depth yields the same reactions.
type ReactionRule struct {
	Name        string
	TriggerType string
	MaxDepth    int
	Handler     func(Event) ([]Event, error)
}

const (
	PhaseFired  = "fired"
	PhaseFailed = "failed"
)

// CascadeTrace records one rule invocation rooted at one input event.
// Traces are append-only and never mutated once written.
type CascadeTrace struct {
	Root      string    `json:"root"`
	Rule      string    `json:"rule"`
	Phase     string    `json:"phase"`
	Depth     int       `json:"depth"`
	Reactions []string  `json:"reactions,omitempty"`
	Err       string    `json:"err,omitempty"`
	At        time.Time `json:"at"`
}

type TickMetrics struct {
	Tick        uint64        `json:"tick"`
	Processed   int           `json:"processed"`
	Fired       int           `json:"fired"`
	Failed      int           `json:"failed,omitempty"`
	DepthCapped int           `json:"depth_capped,omitempty"`
	MaxDepth    int           `json:"max_depth"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// CascadeLogger receives every cascade trace as it is recorded. Implemented
// by the persistence layer; calls are best-effort.
type CascadeLogger interface {
	WriteCascade(realmID string, tr CascadeTrace) error
}

// Engine advances one realm by fixed-duration ticks. Queues and traces are
// owned exclusively by this engine; the orchestrator only touches them
// through the exported methods.
type Engine struct {
	realmID string

	mu        sync.Mutex
	rules     []*ReactionRule // registration order, deterministic matching
	ruleIndex map[string]int
	immediate []Event
	dueNext   []Event // scheduled events promoted for the next tick
	scheduled []Event
	tick      uint64
	traces    []CascadeTrace

	cascadeLog CascadeLogger
}

func New(realmID string) *Engine {
	return &Engine{
		realmID:   realmID,
		ruleIndex: map[string]int{},
	}
}

func (e *Engine) RealmID() string { return e.realmID }

func (e *Engine) SetCascadeLogger(l CascadeLogger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cascadeLog = l
}

// RegisterReaction adds a rule, replacing any rule with the same name in
// place so replacement does not reshuffle matching order.
func (e *Engine) RegisterReaction(r ReactionRule) error {
	if strings.TrimSpace(r.TriggerType) == "" {
		return fmt.Errorf("rule %q: empty trigger type", r.Name)
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("rule %q: negative depth limit %d", r.Name, r.MaxDepth)
	}
	if r.Handler == nil {
		return fmt.Errorf("rule %q: nil handler", r.Name)
	}
	rc := r
	e.mu.Lock()
	defer e.mu.Unlock()
	if i, ok := e.ruleIndex[r.Name]; ok {
		e.rules[i] = &rc
		return nil
	}
	e.ruleIndex[r.Name] = len(e.rules)
	e.rules = append(e.rules, &rc)
	return nil
}

// QueueImmediate appends to the current tick's input set. Valid at any time;
// a call landing mid-tick feeds the next tick instead (the running tick works
// off a snapshot taken at its start).
func (e *Engine) QueueImmediate(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.immediate = append(e.immediate, ev)
}

// QueueScheduled appends to the queue consumed by the tick after the current
// one: the next tick promotes the event, the one after that processes it.
func (e *Engine) QueueScheduled(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduled = append(e.scheduled, ev)
}

func (e *Engine) TickCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// ExecuteTick advances the realm by exactly one tick: it drains the immediate
// queue then the due scheduled queue (insertion order within each), applies
// matching rules in registration order, and queues reactions for the next
// tick. The engine never recurses into reactions, so a runaway cascade shows
// up as an event reappearing every tick instead of a blown stack.
func (e *Engine) ExecuteTick() (TickMetrics, error) {
	start := time.Now()

	e.mu.Lock()
	e.tick++
	m := TickMetrics{Tick: e.tick}
	input := e.immediate
	input = append(input, e.dueNext...)
	e.immediate = nil
	e.dueNext = e.scheduled
	e.scheduled = nil
	rules := make([]*ReactionRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	for _, ev := range input {
		m.Processed++
		if ev.Depth > m.MaxDepth {
			m.MaxDepth = ev.Depth
		}
		for _, r := range rules {
			if r.TriggerType != ev.Type {
				continue
			}
			if ev.Depth > r.MaxDepth {
				// The chain exhausted this rule's budget; refuse to cascade.
				m.DepthCapped++
				continue
			}
			reactions, err := invoke(r, ev)
			if err != nil {
				// Atomic per invocation: none of a failed batch is queued.
				m.Failed++
				e.recordTrace(CascadeTrace{
					Root:  ev.ID,
					Rule:  r.Name,
					Phase: PhaseFailed,
					Depth: ev.Depth,
					Err:   err.Error(),
					At:    time.Now(),
				})
				continue
			}
			ids := make([]string, 0, len(reactions))
			for i := range reactions {
				if reactions[i].ID == "" {
					reactions[i].ID = protocol.NewEventID()
				}
				reactions[i].Depth = ev.Depth + 1
				ids = append(ids, reactions[i].ID)
			}
			for _, re := range reactions {
				e.QueueImmediate(re)
			}
			m.Fired += len(reactions)
			e.recordTrace(CascadeTrace{
				Root:      ev.ID,
				Rule:      r.Name,
				Phase:     PhaseFired,
				Depth:     ev.Depth,
				Reactions: ids,
				At:        time.Now(),
			})
		}
	}

	m.Elapsed = time.Since(start)
	return m, nil
}

// CascadeChain returns all traces whose root equals eventID, in the order
// they were recorded.
func (e *Engine) CascadeChain(eventID string) []CascadeTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []CascadeTrace
	for _, tr := range e.traces {
		if tr.Root == eventID {
			out = append(out, tr)
		}
	}
	return out
}

// Traces returns a copy of the full trace history.
func (e *Engine) Traces() []CascadeTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CascadeTrace, len(e.traces))
	copy(out, e.traces)
	return out
}

func (e *Engine) recordTrace(tr CascadeTrace) {
	e.mu.Lock()
	e.traces = append(e.traces, tr)
	l := e.cascadeLog
	e.mu.Unlock()
	if l != nil {
		_ = l.WriteCascade(e.realmID, tr)
	}
}

func invoke(r *ReactionRule, ev Event) (out []Event, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("rule %s panicked: %v", r.Name, rec)
		}
	}()
	return r.Handler(ev)
}
