// Package observability implements the Observability Logger
// (SPEC_FULL.md §4.8): a ring buffer of recent events, aggregate
// counters, a sliding error-rate window, and a Prometheus mirror of the
// same counters.
package observability

import (
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
)

// DefaultMaxEvents is the default ring-buffer capacity (§4.8).
const DefaultMaxEvents = 1000

// DefaultErrorWindow is the default sliding error-rate window (§4.8).
const DefaultErrorWindow = 60 * time.Second

// DefaultErrorThreshold is the default error-count-in-window threshold
// at or above which health reports unhealthy (§4.8).
const DefaultErrorThreshold = 10

// EventType mirrors the audit event vocabulary this logger validates
// against (§6).
type EventType string

const (
	EventAppend             EventType = "append"
	EventReplicate          EventType = "replicate"
	EventError              EventType = "error"
	EventHealthWarning      EventType = "health-warning"
	EventReady              EventType = "ready"
	EventCRDTUpdate         EventType = "crdt-update"
	EventSpawn              EventType = "spawn"
	EventTerminate          EventType = "terminate"
	EventStateChange        EventType = "state-change"
	EventPolicyViolation    EventType = "policy-violation"
	EventResourceChange     EventType = "resource-change"
	EventChecksumFailure    EventType = "checksum-failure"
	EventPluginVerification EventType = "plugin-verification"
)

// Event is one recorded observability event, validated against this
// schema before acceptance (§4.8).
type Event struct {
	Timestamp time.Time
	LogName   string
	Type      EventType
	Bytes     uint32
	Details   map[string]any
}

func (e Event) validate() error {
	if e.Type == "" {
		return codes.Field(codes.InvalidConfig, "type", "event type is required")
	}
	return nil
}

// PerLogStats aggregates appends/bytes for one log.
type PerLogStats struct {
	Appends uint64
	Bytes   uint64
}

// Metrics is the aggregate counter snapshot returned by GetMetrics (§4.8).
type Metrics struct {
	TotalAppends            uint64
	TotalBytes               uint64
	TotalReplicationEvents   uint64
	TotalErrors              uint64
	AvgBytesPerAppend        float64
	ErrorRate                float64
	PerLog                   map[string]PerLogStats
}

// Health reports whether the error rate in the sliding window is under
// threshold (§4.8).
type Health struct {
	Healthy         bool
	ErrorCountInWindow int
	Threshold       int
	WindowSeconds   float64
}

// Listener receives every accepted event.
type Listener func(Event)

// Logger is the Observability Logger: ring buffer + counters + sliding
// error window + typed listener bus (§4.8).
type Logger struct {
	maxEvents      int
	errorWindow    time.Duration
	errorThreshold int

	mu             sync.Mutex
	ring           []Event
	totalAppends   uint64
	totalBytes     uint64
	totalReplEvts  uint64
	totalErrors    uint64
	perLog         map[string]PerLogStats
	errorTimestamps []time.Time

	nextID    uint64
	listeners map[uint64]Listener
}

// Option configures a Logger.
type Option func(*Logger)

// WithMaxEvents overrides the ring-buffer capacity.
func WithMaxEvents(n int) Option { return func(l *Logger) { l.maxEvents = n } }

// WithErrorWindow overrides the sliding error-rate window.
func WithErrorWindow(d time.Duration) Option { return func(l *Logger) { l.errorWindow = d } }

// WithErrorThreshold overrides the health error-count threshold.
func WithErrorThreshold(n int) Option { return func(l *Logger) { l.errorThreshold = n } }

// New creates an Observability Logger with the given options applied
// over the §4.8 defaults.
func New(opts ...Option) *Logger {
	l := &Logger{
		maxEvents:      DefaultMaxEvents,
		errorWindow:    DefaultErrorWindow,
		errorThreshold: DefaultErrorThreshold,
		perLog:         make(map[string]PerLogStats),
		listeners:      make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record validates and records an event, updating aggregate counters and
// notifying listeners.
func (l *Logger) Record(e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.ring = append(l.ring, e)
	if len(l.ring) > l.maxEvents {
		l.ring = l.ring[len(l.ring)-l.maxEvents:]
	}

	switch e.Type {
	case EventAppend:
		l.totalAppends++
		l.totalBytes += uint64(e.Bytes)
		if e.LogName != "" {
			st := l.perLog[e.LogName]
			st.Appends++
			st.Bytes += uint64(e.Bytes)
			l.perLog[e.LogName] = st
		}
	case EventReplicate:
		l.totalReplEvts++
	case EventError:
		l.totalErrors++
		l.errorTimestamps = append(l.errorTimestamps, e.Timestamp)
	}

	fns := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
	return nil
}

// GetMetrics returns the current aggregate counter snapshot.
func (l *Logger) GetMetrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := Metrics{
		TotalAppends:          l.totalAppends,
		TotalBytes:            l.totalBytes,
		TotalReplicationEvents: l.totalReplEvts,
		TotalErrors:           l.totalErrors,
		PerLog:                make(map[string]PerLogStats, len(l.perLog)),
	}
	for k, v := range l.perLog {
		m.PerLog[k] = v
	}
	if l.totalAppends > 0 {
		m.AvgBytesPerAppend = float64(l.totalBytes) / float64(l.totalAppends)
	}
	total := l.totalAppends + l.totalReplEvts + l.totalErrors
	if total > 0 {
		m.ErrorRate = float64(l.totalErrors) / float64(total)
	}
	return m
}

// GetHealth reports whether the error count within the sliding window is
// below threshold (§4.8).
func (l *Logger) GetHealth() Health {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.errorWindow)
	count := 0
	kept := l.errorTimestamps[:0]
	for _, ts := range l.errorTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
			count++
		}
	}
	l.errorTimestamps = kept

	return Health{
		Healthy:            count < l.errorThreshold,
		ErrorCountInWindow: count,
		Threshold:          l.errorThreshold,
		WindowSeconds:      l.errorWindow.Seconds(),
	}
}

// GetRecentEvents returns the last limit events (0 = all retained),
// oldest first.
func (l *Logger) GetRecentEvents(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]Event, limit)
	copy(out, l.ring[len(l.ring)-limit:])
	return out
}

// On registers a listener and returns an unsubscribe function.
func (l *Logger) On(fn Listener) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Reset clears every counter, the ring buffer, and the error window.
func (l *Logger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = nil
	l.totalAppends = 0
	l.totalBytes = 0
	l.totalReplEvts = 0
	l.totalErrors = 0
	l.perLog = make(map[string]PerLogStats)
	l.errorTimestamps = nil
}
