// Package simulation is the explicit context of one traffic-light session. It
// owns the coordinator and every node, bootstraps the initial ring, and
// serializes control operations (add, fail, revive, connect, disconnect) so a
// joining node never misses a notice about its new neighbors.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/config"
	"github.com/dreamware/trafficnet/internal/coordinator"
	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/node"
	"github.com/dreamware/trafficnet/internal/telemetry"
)

var (
	ErrDuplicateNode  = errors.New("node already exists")
	ErrUnknownNode    = errors.New("unknown node")
	ErrInvalidNodeID  = errors.New("invalid node id")
	ErrSelfConnection = errors.New("a node cannot connect to itself")
)

// Option configures a Simulation.
type Option func(*Simulation)

// WithClock sets the clock shared by the coordinator and every node.
func WithClock(c clock.Clock) Option {
	return func(s *Simulation) { s.clock = c }
}

// WithLogger sets the diagnostic logger; components get named children.
func WithLogger(l *zap.Logger) Option {
	return func(s *Simulation) { s.log = l }
}

// WithSink sets where nodes, the coordinator and the simulation publish entries.
func WithSink(sink eventlog.Sink) Option {
	return func(s *Simulation) { s.sink = sink }
}

// WithSession fixes the coordinator's session id.
func WithSession(id string) Option {
	return func(s *Simulation) { s.session = id }
}

// Simulation holds the coordinator and the node table.
type Simulation struct {
	cfg     config.Config
	clock   clock.Clock
	log     *zap.Logger
	sink    eventlog.Sink
	session string
	coord   *coordinator.Coordinator

	mu      sync.RWMutex
	nodes   map[string]*node.Node
	order   []string
	started bool
	stopped bool
}

// New validates cfg and builds an idle simulation. Start creates the nodes.
func New(cfg config.Config, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{
		cfg:   cfg,
		clock: clock.New(),
		log:   zap.NewNop(),
		sink:  eventlog.Discard,
		nodes: make(map[string]*node.Node),
	}
	for _, opt := range opts {
		opt(s)
	}

	coordOpts := []coordinator.Option{
		coordinator.WithClock(s.clock),
		coordinator.WithLogger(s.log.Named("coordinator")),
		coordinator.WithMonitor(cfg.MonitorInterval, cfg.StaleThreshold),
	}
	if s.session != "" {
		coordOpts = append(coordOpts, coordinator.WithSession(s.session))
	}
	s.coord = coordinator.New(s.sink, coordOpts...)
	s.session = s.coord.Session()
	return s, nil
}

// Session returns the session id.
func (s *Simulation) Session() string { return s.session }

// Coordinator returns the session's coordinator.
func (s *Simulation) Coordinator() *coordinator.Coordinator { return s.coord }

// Now returns the simulation clock's time.
func (s *Simulation) Now() time.Time { return s.clock.Now() }

// Start runs the coordinator and creates the initial nodes Node1..NodeN,
// connected in a ring (a single edge for two nodes). Calling Start again
// does nothing.
func (s *Simulation) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("simulation stopped")
	}
	if s.started {
		return nil
	}
	s.started = true
	s.coord.Start(ctx)

	n := s.cfg.InitialNodes
	for i := 1; i <= n; i++ {
		id := "Node" + strconv.Itoa(i)
		s.nodes[id] = s.newNode(id)
		s.order = append(s.order, id)
	}
	switch {
	case n == 2:
		s.connectLocked("Node1", "Node2")
	case n >= 3:
		for i := 0; i < n; i++ {
			s.connectLocked(s.order[i], s.order[(i+1)%n])
		}
	}
	s.coord.SetNodes(s.peersLocked())
	s.updateGaugeLocked()

	s.log.Info("simulation started", zap.Int("nodes", n), zap.String("session", s.session))
	s.publish(fmt.Sprintf("Simulation started with %d nodes", n))
	return nil
}

// Stop halts every node and the coordinator. It is safe to call more than once.
func (s *Simulation) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, id := range s.order {
		s.nodes[id].Stop()
	}
	s.coord.Stop()
	s.updateGaugeLocked()
	s.log.Info("simulation stopped")
}

// AddNode creates and starts a node, connecting it to up to AutoConnect of
// the most recently added nodes. A new node learns at once which of its new
// neighbors are down.
func (s *Simulation) AddNode(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidNodeID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("simulation stopped")
	}
	if _, ok := s.nodes[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}

	n := s.newNode(id)
	s.nodes[id] = n

	var linked []string
	for i := len(s.order) - 1; i >= 0 && len(linked) < s.cfg.AutoConnect; i-- {
		peer := s.order[i]
		s.connectLocked(id, peer)
		linked = append(linked, peer)
	}
	s.order = append(s.order, id)
	s.coord.SetNodes(s.peersLocked())
	s.updateGaugeLocked()

	s.log.Info("node added", zap.String("node", id), zap.Strings("neighbors", linked))
	if len(linked) == 0 {
		s.publish(fmt.Sprintf("Added node %s", id))
	} else {
		s.publish(fmt.Sprintf("Added node %s connected to %s", id, strings.Join(linked, ", ")))
	}
	return nil
}

// SuggestNodeID returns "Node<k>" where k is one more than the largest number
// ending any current id.
func (s *Simulation) SuggestNodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	highest := 0
	for _, id := range s.order {
		if k := trailingNumber(id); k > highest {
			highest = k
		}
	}
	return "Node" + strconv.Itoa(highest+1)
}

// SimulateFailure fails the node and reports whether it exists. After Stop
// it does nothing and reports false.
func (s *Simulation) SimulateFailure(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || s.stopped {
		return false
	}
	n.SimulateFailure()
	s.updateGaugeLocked()
	return true
}

// Revive brings the node back and reports whether it exists. After Stop it
// does nothing and reports false, so no timer outlives the session.
func (s *Simulation) Revive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || s.stopped {
		return false
	}
	n.Revive()
	s.updateGaugeLocked()
	return true
}

// Connect links a and b. Linking already connected nodes does nothing.
func (s *Simulation) Connect(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPairLocked(a, b); err != nil {
		return err
	}
	if s.connectLocked(a, b) {
		s.publish(fmt.Sprintf("Connected %s and %s", a, b))
	}
	return nil
}

// Disconnect removes the link between a and b. Both sides forget each other,
// including any failure status, and recompute their timings.
func (s *Simulation) Disconnect(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPairLocked(a, b); err != nil {
		return err
	}
	if !s.coord.DisconnectNodes(a, b) {
		return nil
	}
	s.nodes[a].RemoveNeighbor(b)
	s.nodes[b].RemoveNeighbor(a)
	s.publish(fmt.Sprintf("Disconnected %s and %s", a, b))
	return nil
}

// Snapshots returns every node's state sorted by id.
func (s *Simulation) Snapshots() []cluster.NodeSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.NodeSnapshot, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Snapshot())
	}
	slices.SortFunc(out, func(a, b cluster.NodeSnapshot) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Snapshot returns one node's state.
func (s *Simulation) Snapshot(id string) (cluster.NodeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return cluster.NodeSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n.Snapshot(), nil
}

// Heartbeats lists the liveness view of every known or reporting node as of
// now, sorted by id. A node is stale for display when it never reported or
// its last heartbeat is older than the display threshold, which is
// independent of the coordinator's own threshold. CoordinatorStale carries
// the coordinator monitor's view as of its last scan.
func (s *Simulation) Heartbeats(now time.Time) []cluster.HeartbeatStatus {
	registry := s.coord.Heartbeats()
	monitored := s.coord.Monitor().Statuses()

	s.mu.RLock()
	ids := make([]string, 0, len(s.order)+len(registry))
	ids = append(ids, s.order...)
	s.mu.RUnlock()
	for id := range registry {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]cluster.HeartbeatStatus, 0, len(ids))
	for _, id := range ids {
		st := cluster.HeartbeatStatus{NodeID: id}
		seen, ok := registry[id]
		if !ok {
			st.NeverReported = true
			st.Stale = true
		} else {
			age := now.Sub(seen)
			st.LastSeenMs = seen.UnixMilli()
			st.AgeMs = age.Milliseconds()
			st.Stale = age > s.cfg.DisplayStaleThreshold
		}
		if m, ok := monitored[id]; ok && m.Stale {
			st.CoordinatorStale = true
			st.StaleSinceMs = m.StaleSince.UnixMilli()
		}
		out = append(out, st)
	}
	return out
}

// Connections returns every edge once, sorted.
func (s *Simulation) Connections() []cluster.Connection {
	return s.coord.Connections()
}

func (s *Simulation) newNode(id string) *node.Node {
	return node.New(id, s.coord, s.sink,
		node.WithClock(s.clock),
		node.WithLogger(s.log.Named("node")),
		node.WithTiming(node.Timing{BaseRed: s.cfg.BaseRed, BaseGreen: s.cfg.BaseGreen}),
		node.WithHeartbeatInterval(s.cfg.HeartbeatInterval),
	)
}

// connectLocked registers the edge and updates both neighbor sets, and tells
// each side if the other is currently down. It reports whether the edge is new.
func (s *Simulation) connectLocked(a, b string) bool {
	if !s.coord.RegisterConnection(a, b) {
		return false
	}
	na, nb := s.nodes[a], s.nodes[b]
	na.AddNeighbor(b)
	nb.AddNeighbor(a)
	if nb.Disabled() {
		na.UpdateNeighborStatus(b, true)
	}
	if na.Disabled() {
		nb.UpdateNeighborStatus(a, true)
	}
	return true
}

func (s *Simulation) checkPairLocked(a, b string) error {
	if a == b {
		return fmt.Errorf("%w: %s", ErrSelfConnection, a)
	}
	for _, id := range []string{a, b} {
		if _, ok := s.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
	}
	return nil
}

func (s *Simulation) peersLocked() map[string]coordinator.Peer {
	peers := make(map[string]coordinator.Peer, len(s.nodes))
	for id, n := range s.nodes {
		peers[id] = n
	}
	return peers
}

func (s *Simulation) updateGaugeLocked() {
	active, disabled := 0, 0
	for _, n := range s.nodes {
		switch {
		case n.Disabled():
			disabled++
		case n.Active():
			active++
		}
	}
	telemetry.Nodes.WithLabelValues("active").Set(float64(active))
	telemetry.Nodes.WithLabelValues("disabled").Set(float64(disabled))
}

func (s *Simulation) publish(msg string) {
	s.sink.Publish(eventlog.Entry{Time: s.clock.Now(), Kind: eventlog.KindControl, Message: msg})
}

func trailingNumber(id string) int {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	k, err := strconv.Atoi(id[i:])
	if err != nil {
		return 0
	}
	return k
}
