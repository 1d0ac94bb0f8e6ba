// Package coordinator provides the simulation's coordination functionality.
// This file implements stale-heartbeat monitoring for reporting nodes.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/telemetry"
)

const (
	// DefaultMonitorInterval is how often the registry is scanned.
	DefaultMonitorInterval = 2 * time.Second
	// DefaultStaleThreshold is the heartbeat age after which a node is reported stale.
	DefaultStaleThreshold = 10 * time.Second
)

// HeartbeatStatus tracks the liveness view of a single node.
// Thread-safe: Protected by HeartbeatMonitor's mutex when accessed.
type HeartbeatStatus struct {
	LastSeen   time.Time // Last heartbeat recorded by the coordinator
	StaleSince time.Time // Scan time at which the node was first seen stale; zero when fresh
	NodeID     string    // Unique identifier of the node
	Stale      bool      // Whether the last heartbeat is older than the threshold
}

// HeartbeatSource returns the current heartbeat registry.
type HeartbeatSource func() map[string]time.Time

// MonitorOption configures a HeartbeatMonitor.
type MonitorOption func(*HeartbeatMonitor)

// WithMonitorClock sets the clock driving scans.
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(h *HeartbeatMonitor) { h.clock = c }
}

// WithMonitorLogger sets the diagnostic logger.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(h *HeartbeatMonitor) { h.log = l }
}

// HeartbeatMonitor periodically scans the heartbeat registry and reports nodes
// whose last heartbeat is older than a threshold. It only observes: a stale
// node is reported, never failed, and heartbeats are never removed.
// Thread-safe: All methods are safe for concurrent access.
type HeartbeatMonitor struct {
	source    HeartbeatSource             // Registry snapshot provider
	sink      eventlog.Sink               // Receives stale and recovery entries
	clock     clock.Clock                 // Drives the scan ticker
	log       *zap.Logger                 // Diagnostic logger
	statuses  map[string]*HeartbeatStatus // Current view per node
	cancel    context.CancelFunc          // Cancel function for shutdown
	interval  time.Duration               // How often to scan
	threshold time.Duration               // Age after which a heartbeat is stale
	mu        sync.RWMutex                // Protects statuses and cancel
	wg        sync.WaitGroup              // Wait group for graceful shutdown
}

// NewHeartbeatMonitor creates a monitor that scans source every interval and
// reports entries older than threshold to sink.
//
// Example:
//
//	monitor := NewHeartbeatMonitor(coord.Heartbeats, broker, 2*time.Second, 10*time.Second)
//	monitor.Start(ctx)
//	defer monitor.Stop()
func NewHeartbeatMonitor(source HeartbeatSource, sink eventlog.Sink, interval, threshold time.Duration, opts ...MonitorOption) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if sink == nil {
		sink = eventlog.Discard
	}
	h := &HeartbeatMonitor{
		source:    source,
		sink:      sink,
		clock:     clock.New(),
		log:       zap.NewNop(),
		statuses:  make(map[string]*HeartbeatStatus),
		interval:  interval,
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the scan loop in its own goroutine. The loop ends when ctx
// is done or Stop is called. Starting a running monitor does nothing.
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	ticker := h.clock.Ticker(h.interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		h.log.Debug("heartbeat monitor started",
			zap.Duration("interval", h.interval), zap.Duration("threshold", h.threshold))
		for {
			select {
			case <-ticker.C:
				h.Scan()
			case <-ctx.Done():
				h.log.Debug("heartbeat monitor stopping")
				return
			}
		}
	}()
}

// Stop cancels the scan loop and waits for it to exit.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Scan checks every registry entry once. It is called by the loop on every
// tick and is exported for callers that want an immediate view.
//
// Implementation:
//  1. Snapshot the registry without holding the monitor lock
//  2. Classify each entry by age against the threshold
//  3. Publish a stale entry for every node past the threshold, and a
//     resumed entry when a stale node reports again
//  4. Update the stale gauge
func (h *HeartbeatMonitor) Scan() {
	registry := h.source()
	now := h.clock.Now()

	type report struct {
		id    string
		stale bool
		first bool
		age   time.Duration
	}
	var reports []report

	h.mu.Lock()
	for id, seen := range registry {
		st, ok := h.statuses[id]
		if !ok {
			st = &HeartbeatStatus{NodeID: id}
			h.statuses[id] = st
		}
		st.LastSeen = seen
		age := now.Sub(seen)
		stale := age > h.threshold
		if stale {
			first := !st.Stale
			if first {
				st.StaleSince = now
			}
			st.Stale = true
			reports = append(reports, report{id: id, stale: true, first: first, age: age})
			continue
		}
		if st.Stale {
			st.Stale = false
			st.StaleSince = time.Time{}
			reports = append(reports, report{id: id, age: age})
		}
	}
	h.mu.Unlock()

	staleCount := 0
	for _, r := range reports {
		if r.stale {
			staleCount++
		}
	}
	telemetry.StaleNodes.Set(float64(staleCount))

	slices.SortFunc(reports, func(a, b report) int { return strings.Compare(a.id, b.id) })
	for _, r := range reports {
		if r.stale {
			if r.first {
				h.log.Warn("stale heartbeat", zap.String("node", r.id), zap.Duration("age", r.age))
			} else {
				h.log.Debug("still stale", zap.String("node", r.id), zap.Duration("age", r.age))
			}
			h.sink.Publish(eventlog.Entry{
				Time: now,
				Kind: eventlog.KindStale,
				Message: fmt.Sprintf("Node %s STALE: No heartbeat for %d seconds",
					r.id, int(h.threshold/time.Second)),
			})
			continue
		}
		h.log.Info("heartbeat resumed", zap.String("node", r.id))
		h.sink.Publish(eventlog.Entry{
			Time:    now,
			Kind:    eventlog.KindStale,
			Message: fmt.Sprintf("Node %s heartbeat resumed", r.id),
		})
	}
}

// Statuses returns copies of every tracked status, keyed by node id.
func (h *HeartbeatMonitor) Statuses() map[string]*HeartbeatStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*HeartbeatStatus, len(h.statuses))
	for id, st := range h.statuses {
		cp := *st
		result[id] = &cp
	}
	return result
}
