// Package api exposes the simulation over HTTP: node snapshots, heartbeat
// liveness, the connection graph, control operations, and the log stream
// (recent lines as JSON, live lines over a websocket).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/simulation"
	"github.com/dreamware/trafficnet/internal/telemetry"
)

// Simulation is the part of the simulation the API drives.
type Simulation interface {
	Session() string
	Now() time.Time
	Snapshots() []cluster.NodeSnapshot
	Snapshot(id string) (cluster.NodeSnapshot, error)
	Heartbeats(now time.Time) []cluster.HeartbeatStatus
	Connections() []cluster.Connection
	SuggestNodeID() string
	AddNode(id string) error
	SimulateFailure(id string) bool
	Revive(id string) bool
	Connect(a, b string) error
	Disconnect(a, b string) error
}

// LogSource provides retained and live log entries.
type LogSource interface {
	History(n int) []eventlog.Entry
	Subscribe(buffer int) (<-chan eventlog.Entry, func())
}

const (
	defaultTail  = 100
	streamBuffer = 256
	writeTimeout = 5 * time.Second
)

// Server serves the HTTP API.
type Server struct {
	sim      Simulation
	logs     LogSource
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a server for sim and logs.
func NewServer(sim Simulation, logs LogSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sim:  sim,
		logs: logs,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}

	route("GET /health", "health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	route("GET /nodes", "list_nodes", s.handleListNodes)
	route("POST /nodes", "add_node", s.handleAddNode)
	route("GET /nodes/{id}", "get_node", s.handleGetNode)
	route("POST /nodes/{id}/fail", "fail_node", s.handleFail)
	route("POST /nodes/{id}/revive", "revive_node", s.handleRevive)

	route("GET /heartbeats", "heartbeats", s.handleHeartbeats)

	route("GET /connections", "list_connections", s.handleListConnections)
	route("POST /connections", "connect", s.handleConnect)
	route("DELETE /connections", "disconnect", s.handleDisconnect)

	route("GET /logs", "logs", s.handleLogs)
	route("GET /logs/stream", "log_stream", s.handleLogStream)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session": s.sim.Session()})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Snapshots())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sim.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req cluster.AddNodeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("bad json"))
			return
		}
	}
	id := strings.TrimSpace(req.ID)
	if id == "" && req.ID == "" {
		id = s.sim.SuggestNodeID()
	}
	if err := s.sim.AddNode(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap, err := s.sim.Snapshot(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("node added", zap.String("node", id))
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sim.SimulateFailure(id) {
		writeError(w, http.StatusNotFound, errors.New("unknown node: "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sim.Revive(id) {
		writeError(w, http.StatusNotFound, errors.New("unknown node: "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Heartbeats(s.sim.Now()))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Connections())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeConnection(w, r)
	if !ok {
		return
	}
	if err := s.sim.Connect(c.A, c.B); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeConnection(w, r)
	if !ok {
		return
	}
	if err := s.sim.Disconnect(c.A, c.B); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail, err := tailParam(r, defaultTail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := s.logs.History(tail)
	lines := make([]cluster.LogLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.LogLine())
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleLogStream upgrades to a websocket and writes one JSON LogLine per
// text frame: first the requested tail (none by default), then live entries.
// A client too slow to keep up misses entries rather than stalling publishers.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	tail, err := tailParam(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, cancel := s.logs.Subscribe(streamBuffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("log stream read", zap.Error(err))
				}
				return
			}
		}
	}()

	send := func(e eventlog.Entry) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(e.LogLine()); err != nil {
			s.log.Debug("log stream write", zap.Error(err))
			return false
		}
		return true
	}

	if tail > 0 {
		for _, e := range s.logs.History(tail) {
			if !send(e) {
				return
			}
		}
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if !send(e) {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func decodeConnection(w http.ResponseWriter, r *http.Request) (cluster.Connection, bool) {
	var c cluster.Connection
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad json"))
		return c, false
	}
	if c.A == "" || c.B == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing a/b"))
		return c, false
	}
	return c, true
}

func tailParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("tail")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("tail must be a non-negative integer")
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, simulation.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, simulation.ErrDuplicateNode):
		return http.StatusConflict
	case errors.Is(err, simulation.ErrInvalidNodeID), errors.Is(err, simulation.ErrSelfConnection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, cluster.ErrorResponse{Error: err.Error()})
}
