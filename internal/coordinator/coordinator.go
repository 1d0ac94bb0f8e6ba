package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/graph"
	"github.com/dreamware/trafficnet/internal/telemetry"
)

// Peer is the part of a node the coordinator pushes neighbor status to.
type Peer interface {
	UpdateNeighborStatus(id string, failed bool)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used to stamp heartbeats and drive the monitor.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// WithSession overrides the generated session id.
func WithSession(id string) Option {
	return func(co *Coordinator) { co.session = id }
}

// WithMonitor sets the stale-heartbeat scan interval and threshold.
func WithMonitor(interval, threshold time.Duration) Option {
	return func(co *Coordinator) {
		co.monitorInterval = interval
		co.staleThreshold = threshold
	}
}

// Coordinator tracks heartbeats and the connection graph, and relays failure
// and revival notices from a node to the nodes connected to it.
//
// The dispatch table holds references for delivery only; the coordinator does
// not own or stop nodes. Dispatch happens after the coordinator's lock is
// released, so peers may call back into the coordinator.
type Coordinator struct {
	clock   clock.Clock
	log     *zap.Logger
	sink    eventlog.Sink
	session string

	monitorInterval time.Duration
	staleThreshold  time.Duration
	monitor         *HeartbeatMonitor

	mu         sync.RWMutex
	heartbeats map[string]time.Time
	graph      *graph.Graph
	peers      map[string]Peer
}

// New creates a coordinator. Call Start to run the stale-heartbeat monitor.
func New(sink eventlog.Sink, opts ...Option) *Coordinator {
	if sink == nil {
		sink = eventlog.Discard
	}
	c := &Coordinator{
		clock:           clock.New(),
		log:             zap.NewNop(),
		sink:            sink,
		session:         uuid.NewString(),
		monitorInterval: DefaultMonitorInterval,
		staleThreshold:  DefaultStaleThreshold,
		heartbeats:      make(map[string]time.Time),
		graph:           graph.New(),
		peers:           make(map[string]Peer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("session", c.session))
	c.monitor = NewHeartbeatMonitor(c.Heartbeats, sink,
		c.monitorInterval, c.staleThreshold,
		WithMonitorClock(c.clock),
		WithMonitorLogger(c.log.Named("monitor")),
	)
	return c
}

// Session returns the id of this simulation session.
func (c *Coordinator) Session() string { return c.session }

// Monitor returns the stale-heartbeat monitor.
func (c *Coordinator) Monitor() *HeartbeatMonitor { return c.monitor }

// Start runs the stale-heartbeat monitor until ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.monitor.Start(ctx)
	c.publish(eventlog.KindLifecycle, "Coordinator started")
	c.log.Info("coordinator started",
		zap.Duration("monitor_interval", c.monitorInterval),
		zap.Duration("stale_threshold", c.staleThreshold),
	)
}

// Stop halts the monitor. Heartbeats and the graph are kept for inspection.
func (c *Coordinator) Stop() {
	c.monitor.Stop()
	c.log.Info("coordinator stopped")
}

// ReceiveHeartbeat records now as the last time id was heard from.
func (c *Coordinator) ReceiveHeartbeat(id string) {
	now := c.clock.Now()
	c.mu.Lock()
	c.heartbeats[id] = now
	c.mu.Unlock()

	telemetry.HeartbeatsReceived.Inc()
	c.sink.Publish(eventlog.Entry{
		Time:    now,
		Kind:    eventlog.KindHeartbeat,
		Message: "Received heartbeat from node " + id,
	})
}

// Heartbeats returns a copy of the heartbeat registry. Entries are never removed.
func (c *Coordinator) Heartbeats() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.heartbeats))
	for id, t := range c.heartbeats {
		out[id] = t
	}
	return out
}

// RegisterConnection connects a and b in both directions. It reports whether
// the edge is new; registering an existing edge or a self-loop does nothing.
func (c *Coordinator) RegisterConnection(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph.Connect(a, b)
}

// DisconnectNodes removes the edge between a and b and reports whether it existed.
func (c *Coordinator) DisconnectNodes(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph.Disconnect(a, b)
}

// GetConnectedNodes returns the sorted ids connected to id.
func (c *Coordinator) GetConnectedNodes(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph.Neighbors(id)
}

// Connections returns every edge once, with A < B, sorted.
func (c *Coordinator) Connections() []cluster.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	edges := c.graph.Edges()
	out := make([]cluster.Connection, 0, len(edges))
	for _, e := range edges {
		out = append(out, cluster.Connection{A: e[0], B: e[1]})
	}
	return out
}

// SetNodes replaces the dispatch table. It must be called whenever nodes are
// added so notices reach them.
func (c *Coordinator) SetNodes(peers map[string]Peer) {
	table := make(map[string]Peer, len(peers))
	for id, p := range peers {
		table[id] = p
	}
	c.mu.Lock()
	c.peers = table
	c.mu.Unlock()
}

// NotifyFailure tells every node connected to id that id is down.
func (c *Coordinator) NotifyFailure(id string) {
	n := c.dispatch(id, true)
	c.publish(eventlog.KindFailure, fmt.Sprintf("Notified %d nodes about failure of %s", n, id))
}

// NotifyRevival tells every node connected to id that id is back.
func (c *Coordinator) NotifyRevival(id string) {
	n := c.dispatch(id, false)
	c.publish(eventlog.KindRevival, fmt.Sprintf("Notified %d nodes about revival of %s", n, id))
}

// dispatch delivers the status of id to its neighbors and returns how many
// neighbors the graph lists. Neighbors missing from the dispatch table are
// skipped silently.
func (c *Coordinator) dispatch(id string, failed bool) int {
	c.mu.RLock()
	neighbors := c.graph.Neighbors(id)
	targets := make([]Peer, 0, len(neighbors))
	for _, nb := range neighbors {
		if p, ok := c.peers[nb]; ok && p != nil {
			targets = append(targets, p)
		}
	}
	c.mu.RUnlock()

	kind := "revival"
	if failed {
		kind = "failure"
	}
	for _, p := range targets {
		p.UpdateNeighborStatus(id, failed)
	}
	telemetry.Notifications.WithLabelValues(kind, "delivered").Add(float64(len(targets)))
	if skipped := len(neighbors) - len(targets); skipped > 0 {
		telemetry.Notifications.WithLabelValues(kind, "skipped").Add(float64(skipped))
		c.log.Debug("neighbors missing from dispatch table",
			zap.String("node", id), zap.String("kind", kind), zap.Int("skipped", skipped))
	}
	return len(neighbors)
}

func (c *Coordinator) publish(kind eventlog.Kind, msg string) {
	c.sink.Publish(eventlog.Entry{Time: c.clock.Now(), Kind: kind, Message: msg})
}
