// Package api exposes the control plane over HTTP: host registration
// and heartbeats, lease queries, the VM status callback, events, health,
// metrics, and the status UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/metrics"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
	"github.com/hangarhq/hangar/pkg/ui"
)

// Server is the HTTP front of the control plane.
type Server struct {
	manager *manager.Manager
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer builds the server and its routes.
func NewServer(mgr *manager.Manager, listenAddr string) *Server {
	s := &Server{
		manager: mgr,
		logger:  log.WithComponent("api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/hosts", s.handleAddHost)
	mux.HandleFunc("GET /v1/hosts", s.handleListHosts)
	mux.HandleFunc("GET /v1/hosts/{id}", s.handleGetHost)
	mux.HandleFunc("POST /v1/hosts/{id}/register", s.handleRegister)
	mux.HandleFunc("POST /v1/hosts/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/hosts/{id}/enable", s.handleEnableHost)
	mux.HandleFunc("POST /v1/hosts/{id}/disable", s.handleDisableHost)

	mux.HandleFunc("GET /v1/leases", s.handleListLeases)
	mux.HandleFunc("GET /v1/leases/{id}", s.handleGetLease)
	mux.HandleFunc("GET /v1/leases/{id}/events", s.handleLeaseEvents)
	mux.HandleFunc("POST /v1/leases/{id}/terminate", s.handleTerminateLease)

	mux.HandleFunc("POST /v1/vms/{vm_id}/status", s.handleVMStatus)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/watch", s.handleWatchEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ui", s.handleUI)

	s.httpSrv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the route table for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("api listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// --- Host endpoints ---

type addHostRequest struct {
	HostID         string `json:"host_id"`
	BootstrapToken string `json:"bootstrap_token"`
}

func (s *Server) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var req addHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	host, err := s.manager.AddHost(req.HostID, req.BootstrapToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sanitizeHost(host))
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.manager.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}
	out := make([]*types.Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, sanitizeHost(h))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": out})
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.manager.GetHost(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "host not found")
		return
	}
	writeJSON(w, http.StatusOK, sanitizeHost(host))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req manager.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.manager.RegisterHost(r.PathValue("id"), token, &req)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req manager.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.HeartbeatHost(r.PathValue("id"), token, &req); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnableHost(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EnableHost(r.PathValue("id")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleDisableHost(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DisableHost(r.PathValue("id")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// --- Lease endpoints ---

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	filter := storage.LeaseFilter{
		Label:  r.URL.Query().Get("label"),
		State:  types.LeaseState(r.URL.Query().Get("state")),
		HostID: r.URL.Query().Get("host_id"),
	}
	leases, err := s.manager.ListLeases(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list leases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leases": leases})
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.manager.GetLease(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "lease not found")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLeaseEvents(w http.ResponseWriter, r *http.Request) {
	leaseID := r.PathValue("id")
	if _, err := s.manager.GetLease(leaseID); err != nil {
		writeError(w, http.StatusNotFound, "lease not found")
		return
	}
	evs, err := s.manager.Store().ListEventsByLease(leaseID, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// handleTerminateLease is the operator kill switch: any non-terminal
// lease is forced into TERMINATING and swept by the GC.
func (s *Server) handleTerminateLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.manager.GetLease(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "lease not found")
		return
	}
	if l.Terminal() {
		writeError(w, http.StatusConflict, "lease already terminal")
		return
	}
	if l.State == types.LeaseStateTerminating {
		writeJSON(w, http.StatusOK, l)
		return
	}

	updated, err := s.manager.TransitionLease(l.ID, l.State, types.LeaseStateTerminating, "manual", nil, nil)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to terminate lease")
		return
	}
	metrics.LeasesTerminatedTotal.WithLabelValues("manual").Inc()
	s.manager.RecordEvent(events.TypeLeaseManualTerminate, map[string]interface{}{
		"label": l.Label,
	}, l.ID)
	writeJSON(w, http.StatusOK, updated)
}

// --- VM callback ---

type vmStatusRequest struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// handleVMStatus is the optional in-VM bootstrap callback. A VM that
// reports it reached the controller dial phase advances BOOTING to
// CONNECTING without waiting for the reconciler's next pass.
func (s *Server) handleVMStatus(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("vm_id")
	var req vmStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	l, err := s.manager.GetLeaseByVMID(vmID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no lease for vm")
		return
	}

	s.manager.RecordEvent(events.TypeVMStatus, map[string]interface{}{
		"vm_id":  vmID,
		"state":  req.State,
		"detail": req.Detail,
	}, l.ID)

	switch req.State {
	case "connecting":
		if l.State == types.LeaseStateBooting {
			now := time.Now().UTC()
			s.manager.TransitionLease(l.ID, types.LeaseStateBooting, types.LeaseStateConnecting, "vm_callback", nil, func(lease *types.Lease) {
				lease.LastHeartbeat = now
			})
		}
	case "crashed", "stopped":
		// The VM is gone underneath the agent; tear the lease down.
		reason := "vm_" + req.State
		if !l.Terminal() && l.State != types.LeaseStateTerminating {
			if _, err := s.manager.TransitionLease(l.ID, l.State, types.LeaseStateTerminating, reason, nil, nil); err == nil {
				metrics.LeasesTerminatedTotal.WithLabelValues(reason).Inc()
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Events, health, UI ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.manager.Events(queryLimit(r, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// handleWatchEvents streams the live event feed as server-sent events
// until the client disconnects.
func (s *Server) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub, cancel := s.manager.Watch()
	if sub == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	defer cancel()

	// Lift the server write deadline; the stream lives until the
	// client goes away.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.manager.ListHosts(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	page, err := ui.Render(s.manager)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render ui")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page)
}

// --- helpers ---

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, manager.ErrUnknownHost):
		writeError(w, http.StatusNotFound, "unknown host")
	case errors.Is(err, manager.ErrHostDisabled):
		writeError(w, http.StatusForbidden, "host disabled")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// sanitizeHost strips credential hashes from API responses.
func sanitizeHost(h *types.Host) *types.Host {
	clean := *h
	clean.BootstrapTokenHash = ""
	clean.SessionTokenHash = ""
	return &clean
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) || len(auth) == len(prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
