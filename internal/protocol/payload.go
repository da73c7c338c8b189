package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload kinds carried across realm boundaries. The scheduler forwards
// payloads verbatim; these shapes exist so collaborators on both sides of a
// boundary agree on the wire form.
const (
	KindPlayerTransition = "PLAYER_TRANSITION"
	KindResonancePulse   = "RESONANCE_PULSE"
	KindNarrativeBeat    = "NARRATIVE_BEAT"
	KindOpaque           = "OPAQUE"
)

type Payload interface {
	PayloadKind() string
}

// PlayerTransition describes a player crossing from one realm to another.
type PlayerTransition struct {
	PlayerID  string `json:"player_id"`
	FromRealm string `json:"from_realm"`
	ToRealm   string `json:"to_realm"`
}

func (PlayerTransition) PayloadKind() string { return KindPlayerTransition }

// ResonancePulse is a keyed intensity signal routed by resonance key.
type ResonancePulse struct {
	Key       string  `json:"key"`
	Magnitude float64 `json:"magnitude"`
}

func (ResonancePulse) PayloadKind() string { return KindResonancePulse }

// NarrativeBeat carries narrative text produced by an external collaborator.
type NarrativeBeat struct {
	Scope string `json:"scope"`
	Text  string `json:"text"`
}

func (NarrativeBeat) PayloadKind() string { return KindNarrativeBeat }

// Opaque holds a payload the engine does not interpret. Anything arriving
// with an unknown kind decodes as Opaque and is forwarded untouched.
type Opaque struct {
	Data json.RawMessage `json:"data"`
}

func (Opaque) PayloadKind() string { return KindOpaque }

// Envelope is the boundary form of a payload: a kind tag plus raw JSON.
// It is what the audit log, the sqlite read-model and the websocket feed
// actually serialize.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(p Payload) (Envelope, error) {
	if p == nil {
		return Envelope{Kind: KindOpaque}, nil
	}
	if o, ok := p.(Opaque); ok {
		return Envelope{Kind: KindOpaque, Data: o.Data}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload %s: %w", p.PayloadKind(), err)
	}
	return Envelope{Kind: p.PayloadKind(), Data: b}, nil
}

func (e Envelope) Decode() (Payload, error) {
	switch e.Kind {
	case KindPlayerTransition:
		var p PlayerTransition
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return p, nil
	case KindResonancePulse:
		var p ResonancePulse
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return p, nil
	case KindNarrativeBeat:
		var p NarrativeBeat
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return p, nil
	default:
		return Opaque{Data: e.Data}, nil
	}
}

// NewEventID returns a fresh unique event id.
func NewEventID() string { return uuid.NewString() }
