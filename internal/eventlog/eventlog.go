// Package eventlog carries the user-facing log stream of the simulation.
//
// Nodes and the coordinator publish Entry values to a Sink. The Broker is the
// production Sink: it stamps entries, keeps a bounded history, mirrors every
// entry to zap, and fans entries out to subscribers over channels so that
// presentation code never runs inside the state machines.
package eventlog

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/storage"
)

// Kind classifies an entry.
type Kind string

const (
	KindLifecycle  Kind = "lifecycle"
	KindTransition Kind = "transition"
	KindHeartbeat  Kind = "heartbeat"
	KindFailure    Kind = "failure"
	KindRevival    Kind = "revival"
	KindTiming     Kind = "timing"
	KindStale      Kind = "stale"
	KindControl    Kind = "control"
)

// Entry is one line of the observability stream.
// Source is the node id, or empty for coordinator and simulation entries.
type Entry struct {
	Time    time.Time
	Source  string
	Kind    Kind
	Message string
}

// Line renders the entry as "<source>: <message>".
func (e Entry) Line() string {
	if e.Source == "" {
		return e.Message
	}
	return e.Source + ": " + e.Message
}

// LogLine converts the entry to its wire form.
func (e Entry) LogLine() cluster.LogLine {
	return cluster.LogLine{
		Time:    e.Time,
		Source:  e.Source,
		Kind:    string(e.Kind),
		Message: e.Message,
		Line:    e.Line(),
	}
}

// Sink receives entries. Implementations must not block the caller for long;
// publishers call Publish from timer callbacks.
type Sink interface {
	Publish(e Entry)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Entry) {}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the clock used to stamp entries published without a time.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLogger mirrors published entries to l at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// Broker is a Sink with history and fan-out.
type Broker struct {
	clock   clock.Clock
	log     *zap.Logger
	history storage.Store[Entry]

	mu      sync.RWMutex
	subs    map[uint64]chan Entry
	nextSub uint64
	dropped uint64
	closed  bool
}

// NewBroker returns a broker that retains entries in history.
func NewBroker(history storage.Store[Entry], opts ...Option) *Broker {
	b := &Broker{
		clock:   clock.New(),
		log:     zap.NewNop(),
		history: history,
		subs:    make(map[uint64]chan Entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records e and delivers it to every subscriber. A subscriber whose
// buffer is full misses the entry; the broker never waits for readers.
func (b *Broker) Publish(e Entry) {
	if e.Time.IsZero() {
		e.Time = b.clock.Now()
	}
	b.history.Append(e)
	b.log.Debug(e.Message,
		zap.String("source", e.Source),
		zap.String("kind", string(e.Kind)),
		zap.Time("at", e.Time),
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel receiving entries published from now on, and a
// cancel function that closes it. The channel is also closed by Close.
func (b *Broker) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// History returns the newest n retained entries, oldest first. n <= 0 returns all.
func (b *Broker) History(n int) []Entry {
	return b.history.Tail(n)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close detaches every subscriber. Later entries are still retained in history.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
