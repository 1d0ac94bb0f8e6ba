// Package node implements a single traffic light: a RED → GREEN → YELLOW → RED
// state machine that heartbeats to a coordinator, tracks which of its
// neighbors are down, and stretches its green phase (and shortens its red
// phase) in proportion to the share of neighbors that failed.
//
// A Node starts running as soon as it is created. Phase changes are driven by
// a one-shot timer re-armed on every transition; heartbeats by a ticker
// goroutine. Both are bound to an epoch that is bumped whenever the node stops,
// so a callback already in flight when the node stops or fails does nothing.
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/telemetry"
)

// Coordinator is the part of the coordinator a node talks to.
// Calls are made without holding the node's lock.
type Coordinator interface {
	ReceiveHeartbeat(id string)
	NotifyFailure(id string)
	NotifyRevival(id string)
}

// Option configures a Node.
type Option func(*Node)

// WithClock sets the clock driving phases and heartbeats.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithTiming sets the base red and green durations.
func WithTiming(t Timing) Option {
	return func(n *Node) { n.timing = t }
}

// WithHeartbeatInterval sets how often a running node heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.heartbeatInterval = d
		}
	}
}

// Node is one traffic light.
type Node struct {
	id    string
	coord Coordinator
	sink  eventlog.Sink
	clock clock.Clock
	log   *zap.Logger

	timing            Timing
	heartbeatInterval time.Duration

	mu             sync.Mutex
	phase          cluster.Phase
	lastTransition time.Time
	redDuration    time.Duration
	greenDuration  time.Duration
	neighbors      map[string]struct{}
	failed         map[string]struct{}
	active         bool
	disabled       bool

	epoch      uint64
	phaseTimer *clock.Timer
	hbCancel   chan struct{}
	hbDone     chan struct{}
}

// New creates a node and starts it: the phase timer is armed for the initial
// phase and a first heartbeat is sent before New returns.
func New(id string, coord Coordinator, sink eventlog.Sink, opts ...Option) *Node {
	if sink == nil {
		sink = eventlog.Discard
	}
	n := &Node{
		id:                id,
		coord:             coord,
		sink:              sink,
		clock:             clock.New(),
		log:               zap.NewNop(),
		timing:            DefaultTiming(),
		heartbeatInterval: DefaultHeartbeatInterval,
		phase:             InitialPhase(id),
		neighbors:         make(map[string]struct{}),
		failed:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(zap.String("node", id))
	n.redDuration = n.timing.BaseRed
	n.greenDuration = n.timing.BaseGreen

	n.mu.Lock()
	n.lastTransition = n.clock.Now()
	epoch := n.startLocked()
	phase := n.phase
	n.emitLocked(eventlog.KindLifecycle, "Traffic light initialized to %s", phase)
	n.mu.Unlock()

	n.log.Debug("node started", zap.Stringer("phase", phase))
	n.sendHeartbeat(epoch)
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Phase returns the current phase.
func (n *Node) Phase() cluster.Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// Active reports whether the phase timer and heartbeat are running.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Disabled reports whether the node is in a simulated failure.
func (n *Node) Disabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disabled
}

// Durations returns the current red, green and yellow durations.
func (n *Node) Durations() (red, green, yellow time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.redDuration, n.greenDuration, YellowDuration
}

// Neighbors returns the sorted neighbor ids.
func (n *Node) Neighbors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return setToSorted(n.neighbors)
}

// FailedNeighbors returns the sorted ids of neighbors known to be down.
func (n *Node) FailedNeighbors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return setToSorted(n.failed)
}

// Snapshot returns a consistent copy of the node state.
func (n *Node) Snapshot() cluster.NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cluster.NodeSnapshot{
		LastTransition:   n.lastTransition,
		ID:               n.id,
		Neighbors:        setToSorted(n.neighbors),
		FailedNeighbors:  setToSorted(n.failed),
		Phase:            n.phase,
		RedDurationMs:    n.redDuration.Milliseconds(),
		GreenDurationMs:  n.greenDuration.Milliseconds(),
		YellowDurationMs: YellowDuration.Milliseconds(),
		Disabled:         n.disabled,
		Active:           n.active,
	}
}

// Stop halts the phase timer and heartbeat. It does not notify the
// coordinator and is used for teardown. Stop waits for the heartbeat
// goroutine to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	done := n.stopLocked()
	n.mu.Unlock()
	waitFor(done)
}

// SimulateFailure takes the node out of service: it stops, is marked
// disabled, and the coordinator is told so the node's neighbors adapt.
// Failing a disabled node does nothing.
func (n *Node) SimulateFailure() {
	n.mu.Lock()
	if n.disabled {
		n.mu.Unlock()
		return
	}
	n.disabled = true
	done := n.stopLocked()
	n.emitLocked(eventlog.KindFailure, "Node %s simulated failure", n.id)
	n.mu.Unlock()
	waitFor(done)

	n.log.Info("node failed")
	n.coord.NotifyFailure(n.id)
}

// Revive puts a stopped node back in service. The phase it was in when it
// stopped restarts with a full duration. Reviving a running node does nothing.
func (n *Node) Revive() {
	n.mu.Lock()
	if n.active {
		n.mu.Unlock()
		return
	}
	n.disabled = false
	n.lastTransition = n.clock.Now()
	epoch := n.startLocked()
	n.emitLocked(eventlog.KindRevival, "Node %s revived", n.id)
	n.mu.Unlock()

	n.log.Info("node revived")
	n.sendHeartbeat(epoch)
	n.coord.NotifyRevival(n.id)
}

// AddNeighbor records id as a neighbor and recomputes durations.
func (n *Node) AddNeighbor(id string) {
	if id == n.id {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.neighbors[id]; ok {
		return
	}
	n.neighbors[id] = struct{}{}
	n.recomputeLocked()
}

// RemoveNeighbor forgets id, including its failure status, and recomputes durations.
func (n *Node) RemoveNeighbor(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.neighbors[id]; !ok {
		return
	}
	delete(n.neighbors, id)
	delete(n.failed, id)
	n.recomputeLocked()
}

// UpdateNeighborStatus marks neighbor id failed or recovered and recomputes
// durations at once, so the next phase already uses them. Updates about a
// node that is not a neighbor are ignored.
func (n *Node) UpdateNeighborStatus(id string, failed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.neighbors[id]; !ok {
		n.log.Debug("ignoring status of non-neighbor", zap.String("neighbor", id), zap.Bool("failed", failed))
		return
	}
	_, was := n.failed[id]
	if was == failed {
		return
	}
	if failed {
		n.failed[id] = struct{}{}
	} else {
		delete(n.failed, id)
	}
	n.recomputeLocked()
}

func (n *Node) recomputeLocked() {
	red, green := n.timing.Durations(len(n.failed), len(n.neighbors))
	if red == n.redDuration && green == n.greenDuration {
		return
	}
	n.redDuration, n.greenDuration = red, green
	telemetry.TimingAdjustments.Inc()

	if len(n.failed) == 0 {
		n.emitLocked(eventlog.KindTiming, "Reset timings - Red: %dms, Green: %dms",
			red.Milliseconds(), green.Milliseconds())
		return
	}
	n.emitLocked(eventlog.KindTiming, "Adjusted timings - Red: %dms, Green: %dms",
		red.Milliseconds(), green.Milliseconds())
}

// startLocked marks the node active, arms the phase timer for the current
// phase and starts the heartbeat goroutine. It returns the new epoch.
func (n *Node) startLocked() uint64 {
	n.epoch++
	n.active = true
	n.armLocked()

	cancel := make(chan struct{})
	done := make(chan struct{})
	n.hbCancel, n.hbDone = cancel, done
	go n.heartbeatLoop(n.epoch, n.clock.Ticker(n.heartbeatInterval), cancel, done)
	return n.epoch
}

// stopLocked deactivates the node. The returned channel is closed once the
// heartbeat goroutine has exited; wait on it after releasing the lock.
func (n *Node) stopLocked() chan struct{} {
	if !n.active {
		return nil
	}
	n.epoch++
	n.active = false
	if n.phaseTimer != nil {
		n.phaseTimer.Stop()
		n.phaseTimer = nil
	}
	close(n.hbCancel)
	done := n.hbDone
	n.hbCancel, n.hbDone = nil, nil
	return done
}

func (n *Node) armLocked() {
	var d time.Duration
	switch n.phase {
	case cluster.PhaseGreen:
		d = n.greenDuration
	case cluster.PhaseYellow:
		d = YellowDuration
	default:
		d = n.redDuration
	}
	epoch := n.epoch
	n.phaseTimer = n.clock.AfterFunc(d, func() { n.advance(epoch) })
}

func (n *Node) advance(epoch uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.active || epoch != n.epoch {
		return
	}
	n.phase = n.phase.Next()
	n.lastTransition = n.clock.Now()
	n.armLocked()

	telemetry.PhaseTransitions.WithLabelValues(n.phase.String()).Inc()
	n.emitLocked(eventlog.KindTransition, "Traffic light changed to %s", n.phase)
}

func (n *Node) heartbeatLoop(epoch uint64, ticker *clock.Ticker, cancel, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.sendHeartbeat(epoch)
		case <-cancel:
			return
		}
	}
}

func (n *Node) sendHeartbeat(epoch uint64) {
	n.mu.Lock()
	ok := n.active && epoch == n.epoch
	n.mu.Unlock()
	if !ok {
		return
	}
	n.coord.ReceiveHeartbeat(n.id)
	telemetry.HeartbeatsSent.Inc()
	n.sink.Publish(eventlog.Entry{
		Time:    n.clock.Now(),
		Source:  n.id,
		Kind:    eventlog.KindHeartbeat,
		Message: "Sent heartbeat from node " + n.id,
	})
}

// emitLocked publishes under the node lock so a node's entries keep their order.
func (n *Node) emitLocked(kind eventlog.Kind, format string, args ...any) {
	n.sink.Publish(eventlog.Entry{
		Time:    n.clock.Now(),
		Source:  n.id,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

func waitFor(done chan struct{}) {
	if done != nil {
		<-done
	}
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
