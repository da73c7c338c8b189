package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"realmgrid.dev/internal/multiverse"
	"realmgrid.dev/internal/protocol"
	"realmgrid.dev/internal/realm"
	"realmgrid.dev/internal/transport/ws"
)

func newTestMux(t *testing.T) (*http.ServeMux, *multiverse.Orchestrator) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	orch, err := multiverse.New(3, logger)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	engines := map[string]*realm.Engine{}
	for _, id := range []string{"PRIME", "ECHO"} {
		eng := realm.New(id)
		wireDefaultReactions(eng, logger)
		engines[id] = eng
		if err := orch.RegisterRealm(id, eng, multiverse.Coordinate{Adjacency: "core", Density: 1}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := orch.Subscribe("ECHO", eventResonancePulse); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	feed := ws.NewServer(orch, logger)
	return newMux(orch, engines, feed, nil), orch
}

func doLoopback(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_LoopbackOnly(t *testing.T) {
	mux, _ := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/realms/state", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdmin_RealmsState(t *testing.T) {
	mux, orch := newTestMux(t)
	orch.ExecuteControlTick()

	rec := doLoopback(t, mux, http.MethodGet, "/admin/v1/realms/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st multiverse.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.ControlTick != 1 || len(st.Realms) != 2 {
		t.Fatalf("snapshot = %+v", st)
	}
}

func TestAdmin_PauseResume(t *testing.T) {
	mux, orch := newTestMux(t)

	rec := doLoopback(t, mux, http.MethodPost, "/admin/v1/realms/PRIME/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", rec.Code, rec.Body)
	}
	if st := orch.MultiverseState().Realms["PRIME"].State; st != multiverse.StatePaused {
		t.Fatalf("state after pause = %s", st)
	}

	rec = doLoopback(t, mux, http.MethodPost, "/admin/v1/realms/PRIME/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d: %s", rec.Code, rec.Body)
	}
	if st := orch.MultiverseState().Realms["PRIME"].State; st != multiverse.StateRunning {
		t.Fatalf("state after resume = %s", st)
	}

	// Pausing twice is an error.
	rec = doLoopback(t, mux, http.MethodPost, "/admin/v1/realms/NOWHERE/pause", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown realm pause status = %d", rec.Code)
	}
}

func TestAdmin_SubmitEvent(t *testing.T) {
	mux, orch := newTestMux(t)

	body := `{
	  "type":"EVENT_SUBMIT",
	  "protocol_version":"1.0",
	  "req_id":"r1",
	  "event":{
	    "event_type":"resonance.pulse",
	    "source_realm":"PRIME",
	    "payload":{"kind":"RESONANCE_PULSE","data":{"key":"k","magnitude":2.0}}
	  }
	}`
	rec := doLoopback(t, mux, http.MethodPost, "/admin/v1/events", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var ack protocol.EventAckMsg
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ack.OK || ack.ReqID != "r1" || ack.EventID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	tr := orch.ExecuteControlTick()
	if tr.Propagated != 1 {
		t.Fatalf("propagated = %d", tr.Propagated)
	}
}

func TestAdmin_SubmitEvent_Rejections(t *testing.T) {
	mux, _ := newTestMux(t)

	cases := map[string]string{
		"schema":        `{"type":"EVENT_SUBMIT","protocol_version":"1.0","event":{"event_type":"","source_realm":"PRIME"}}`,
		"unknown_realm": `{"type":"EVENT_SUBMIT","protocol_version":"1.0","event":{"event_type":"x","source_realm":"NOWHERE"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doLoopback(t, mux, http.MethodPost, "/admin/v1/events", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			var ack protocol.EventAckMsg
			if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ack.OK || ack.Code == "" {
				t.Fatalf("ack = %+v", ack)
			}
		})
	}
}

func TestAdmin_CascadeChain(t *testing.T) {
	mux, orch := newTestMux(t)

	// Seed a pulse and run a control-tick so ECHO's decay rule fires.
	body := `{"type":"EVENT_SUBMIT","protocol_version":"1.0","event":{
	  "event_type":"resonance.pulse","source_realm":"PRIME",
	  "payload":{"kind":"RESONANCE_PULSE","data":{"key":"k","magnitude":2.0}}}}`
	rec := doLoopback(t, mux, http.MethodPost, "/admin/v1/events", body)
	var ack protocol.EventAckMsg
	_ = json.Unmarshal(rec.Body.Bytes(), &ack)
	if !ack.OK {
		t.Fatalf("seed ack = %+v", ack)
	}
	orch.ExecuteControlTick()
	orch.ExecuteControlTick()

	rec = doLoopback(t, mux, http.MethodGet, "/admin/v1/realms/ECHO/cascade?event="+ack.EventID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var chain []realm.CascadeTrace
	if err := json.Unmarshal(rec.Body.Bytes(), &chain); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(chain) == 0 {
		t.Fatalf("no cascade recorded for %s", ack.EventID)
	}

	rec = doLoopback(t, mux, http.MethodGet, "/admin/v1/realms/NOWHERE/cascade?event=x", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown realm status = %d", rec.Code)
	}
}

func TestAdmin_AuditTrail(t *testing.T) {
	mux, orch := newTestMux(t)
	orch.ExecuteControlTick()
	orch.ExecuteControlTick()

	rec := doLoopback(t, mux, http.MethodGet, "/admin/v1/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var trail []multiverse.ControlTickTrace
	if err := json.Unmarshal(rec.Body.Bytes(), &trail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(trail) != 2 || trail[0].Seq != 1 || trail[1].Seq != 2 {
		t.Fatalf("trail = %+v", trail)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	mux, orch := newTestMux(t)
	orch.ExecuteControlTick()

	rec := doLoopback(t, mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		"realmgrid_control_tick 1",
		"realmgrid_pending_events 0",
		`realmgrid_realm_tick{realm="PRIME"}`,
		`realmgrid_realm_state{realm="ECHO",state="running"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"[::1]:8080":     true,
		"10.0.0.1:8080":  false,
		"example.com:80": false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q) = %v, want %v", addr, got, want)
		}
	}
}
