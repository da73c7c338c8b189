package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"realmgrid.dev/internal/multiverse"
	"realmgrid.dev/internal/persistence/auditdb"
	"realmgrid.dev/internal/protocol"
	"realmgrid.dev/internal/realm"
	"realmgrid.dev/internal/transport/ws"
)

func newMux(orch *multiverse.Orchestrator, engines map[string]*realm.Engine, feed *ws.Server, db *auditdb.AuditDB) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := orch.MultiverseState()
		fmt.Fprintf(rw, "realmgrid_control_tick %d\n", st.ControlTick)
		fmt.Fprintf(rw, "realmgrid_pending_events %d\n", st.PendingEvents)
		fmt.Fprintf(rw, "realmgrid_avg_sync_ns %d\n", st.AvgSyncTime)
		fmt.Fprintf(rw, "realmgrid_avg_event_latency_ns %d\n", st.AvgEventLatency)
		for _, id := range orch.RealmIDs() {
			rs, ok := st.Realms[id]
			if !ok {
				continue
			}
			fmt.Fprintf(rw, "realmgrid_realm_tick{realm=%q} %d\n", id, rs.LocalTick)
			fmt.Fprintf(rw, "realmgrid_realm_state{realm=%q,state=%q} 1\n", id, rs.State)
		}
		if db != nil {
			fmt.Fprintf(rw, "realmgrid_auditdb_dropped_rows %d\n", db.DroppedRows())
		}
	})

	mux.HandleFunc("/admin/v1/realms/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(orch.MultiverseState())
	})

	mux.HandleFunc("/admin/v1/realms/", func(rw http.ResponseWriter, r *http.Request) {
		// Pattern: /admin/v1/realms/{id}/pause|resume|cascade
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/admin/v1/realms/")
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) != 2 {
			http.NotFound(rw, r)
			return
		}
		realmID, action := parts[0], parts[1]
		rw.Header().Set("Content-Type", "application/json")
		switch action {
		case "pause", "resume":
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			var err error
			if action == "pause" {
				err = orch.PauseRealm(realmID)
			} else {
				err = orch.ResumeRealm(realmID)
			}
			if err != nil {
				rw.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "realm": realmID, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "realm": realmID, "action": action})
		case "cascade":
			// /admin/v1/realms/{id}/cascade?event=<event-id>
			eng, ok := engines[realmID]
			if !ok {
				http.Error(rw, "realm not found", http.StatusNotFound)
				return
			}
			eventID := r.URL.Query().Get("event")
			if eventID == "" {
				http.Error(rw, "missing event", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(rw).Encode(eng.CascadeChain(eventID))
		default:
			http.NotFound(rw, r)
		}
	})

	mux.HandleFunc("/admin/v1/events", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(rw, "read body", http.StatusBadRequest)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		ack := protocol.EventAckMsg{Type: protocol.TypeEventAck, ProtocolVersion: protocol.Version}
		if err := protocol.ValidateEventSubmit(body); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			ack.Code = protocol.ErrProtoBadRequest
			ack.Message = err.Error()
			_ = json.NewEncoder(rw).Encode(ack)
			return
		}
		var submit protocol.EventSubmitMsg
		_ = json.Unmarshal(body, &submit)
		ack.ReqID = submit.ReqID
		ev, code, err := ws.BuildCrossEvent(orch, submit.Event)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			ack.Code = code
			ack.Message = err.Error()
			_ = json.NewEncoder(rw).Encode(ack)
			return
		}
		id, err := orch.QueueCrossEvent(ev)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			ack.Code = protocol.ErrBadRequest
			ack.Message = err.Error()
			_ = json.NewEncoder(rw).Encode(ack)
			return
		}
		ack.OK = true
		ack.EventID = id
		_ = json.NewEncoder(rw).Encode(ack)
	})

	mux.HandleFunc("/admin/v1/audit", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("source") == "db" && db != nil {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			rows, err := db.ControlTicks(limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(rw).Encode(rows)
			return
		}
		_ = json.NewEncoder(rw).Encode(orch.AuditTrail())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/v1/ws", feed.Handler())

	return mux
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
