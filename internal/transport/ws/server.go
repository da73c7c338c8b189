package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realmgrid.dev/internal/multiverse"
	"realmgrid.dev/internal/protocol"
)

// Server is the observer feed: every connected client receives control-tick
// traces and state snapshots, and may submit cross-realm events on the same
// connection. Submissions are schema-validated before the scheduler sees
// them.
type Server struct {
	orch *multiverse.Orchestrator
	log  *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	out chan []byte
}

func NewServer(orch *multiverse.Orchestrator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		orch: orch,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}
		s.addClient(c)
		defer s.removeClient(c)

		done := make(chan struct{})

		// Writer goroutine.
		go func() {
			defer close(done)
			for b := range c.out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		// Reader loop: only EVENT_SUBMIT is accepted after the handshake.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeEventSubmit {
				continue
			}
			s.handleSubmit(c, msg)
		}

		s.removeClient(c)
		<-done
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.log.Printf("ws handshake rejected from %s: expected HELLO, got %q", conn.RemoteAddr(), base.Type)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"),
			time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.log.Printf("ws handshake rejected from %s: protocol_version %q", conn.RemoteAddr(), hello.ProtocolVersion)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"),
			time.Now().Add(time.Second))
		return nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 16
	}
	if maxQ > 256 {
		maxQ = 256
	}
	c := &client{out: make(chan []byte, maxQ)}

	realms := []protocol.RealmRef{}
	for _, id := range s.orch.RealmIDs() {
		coord, ok := s.orch.CoordinateOf(id)
		if !ok {
			continue
		}
		realms = append(realms, protocol.RealmRef{
			ID:        coord.RealmID,
			Adjacency: coord.Adjacency,
			Resonance: coord.Resonance,
			Density:   coord.Density,
		})
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ObserverID:      protocol.NewEventID(),
		Realms:          realms,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return c
}

func (s *Server) handleSubmit(c *client, msg []byte) {
	var submit protocol.EventSubmitMsg
	ack := protocol.EventAckMsg{
		Type:            protocol.TypeEventAck,
		ProtocolVersion: protocol.Version,
	}
	if err := protocol.ValidateEventSubmit(msg); err != nil {
		ack.Code = protocol.ErrProtoBadRequest
		ack.Message = err.Error()
		s.send(c, ack)
		return
	}
	if err := json.Unmarshal(msg, &submit); err != nil {
		ack.Code = protocol.ErrProtoBadRequest
		ack.Message = err.Error()
		s.send(c, ack)
		return
	}
	ack.ReqID = submit.ReqID

	ev, code, err := BuildCrossEvent(s.orch, submit.Event)
	if err != nil {
		s.log.Printf("ws event submit rejected (%s): %v", code, err)
		ack.Code = code
		ack.Message = err.Error()
		s.send(c, ack)
		return
	}
	id, err := s.orch.QueueCrossEvent(ev)
	if err != nil {
		s.log.Printf("ws event submit rejected: %v", err)
		ack.Code = protocol.ErrBadRequest
		ack.Message = err.Error()
		s.send(c, ack)
		return
	}
	ack.OK = true
	ack.EventID = id
	s.send(c, ack)
}

// BuildCrossEvent resolves a validated submission against the registry.
// Shared with the admin HTTP submit endpoint.
func BuildCrossEvent(orch *multiverse.Orchestrator, in protocol.EventSubmit) (multiverse.CrossEvent, string, error) {
	source, ok := orch.CoordinateOf(in.SourceRealm)
	if !ok {
		return multiverse.CrossEvent{}, protocol.ErrRealmNotFound,
			fmt.Errorf("unknown realm: %s", in.SourceRealm)
	}
	ev := multiverse.CrossEvent{
		Type:   in.EventType,
		Source: source,
	}
	if in.TargetRealm != "" {
		target, ok := orch.CoordinateOf(in.TargetRealm)
		if !ok {
			return multiverse.CrossEvent{}, protocol.ErrRealmNotFound,
				fmt.Errorf("unknown realm: %s", in.TargetRealm)
		}
		ev.Target = &target
	}
	if in.Payload.Kind != "" {
		p, err := in.Payload.Decode()
		if err != nil {
			return multiverse.CrossEvent{}, protocol.ErrProtoBadRequest, err
		}
		ev.Payload = p
	}
	return ev, "", nil
}

// BroadcastControlTick pushes one control-tick trace to every client.
// Slow clients drop messages instead of stalling the control loop.
func (s *Server) BroadcastControlTick(tr multiverse.ControlTickTrace) {
	s.broadcast(protocol.ControlTickMsg{
		Type:            protocol.TypeControlTick,
		ProtocolVersion: protocol.Version,
		Trace:           tr,
	})
}

// BroadcastState pushes a multiverse snapshot to every client.
func (s *Server) BroadcastState(st multiverse.Snapshot) {
	s.broadcast(protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		State:           st,
	})
}

func (s *Server) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- b:
		default:
		}
	}
}

func (s *Server) send(c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.out)
	}
	s.mu.Unlock()
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
