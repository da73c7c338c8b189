package protocol

import "encoding/json"

const Version = "1.0"

// Observer feed message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeControlTick = "CONTROL_TICK"
	TypeState       = "STATE"
	TypeEventSubmit = "EVENT_SUBMIT"
	TypeEventAck    = "EVENT_ACK"
)

type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var base BaseMessage
	err := json.Unmarshal(b, &base)
	return base, err
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ObserverName    string `json:"observer_name,omitempty"`
	Capabilities    struct {
		MaxQueue int `json:"max_queue,omitempty"`
	} `json:"capabilities,omitempty"`
}

type RealmRef struct {
	ID        string `json:"id"`
	Adjacency string `json:"adjacency,omitempty"`
	Resonance string `json:"resonance,omitempty"`
	Density   int    `json:"density,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ObserverID      string     `json:"observer_id"`
	Realms          []RealmRef `json:"realms"`
}

// EVENT_SUBMIT (client -> server): one cross-realm event to queue.
type EventSubmitMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ReqID           string      `json:"req_id,omitempty"`
	Event           EventSubmit `json:"event"`
}

type EventSubmit struct {
	EventType   string   `json:"event_type"`
	SourceRealm string   `json:"source_realm"`
	TargetRealm string   `json:"target_realm,omitempty"`
	Payload     Envelope `json:"payload,omitempty"`
}

// EVENT_ACK (server -> client)
type EventAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	OK              bool   `json:"ok"`
	EventID         string `json:"event_id,omitempty"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// CONTROL_TICK (server -> client): pushed after every control-tick.
type ControlTickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Trace           any    `json:"trace"`
}

// STATE (server -> client): periodic multiverse snapshot.
type StateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	State           any    `json:"state"`
}
