// Package audit implements the shared audit-event schema and JSONL sink
// used by both the Hypervisor Manager and the Hypercore Substrate
// (SPEC_FULL.md §16, spec.md §6 "Event schema"). It is intentionally the
// smallest leaf package in the module: every other component that needs
// to emit an auditable event depends on this one, never the reverse.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// EventType is one of the enumerated audit event kinds (§6).
type EventType string

const (
	EventSpawn               EventType = "spawn"
	EventTerminate           EventType = "terminate"
	EventPolicyViolation     EventType = "policy-violation"
	EventResourceChange      EventType = "resource-change"
	EventStateChange         EventType = "state-change"
	EventChecksumFailure     EventType = "checksum-failure"
	EventPluginVerification  EventType = "plugin-verification"
	EventAppend              EventType = "append"
	EventReplicate           EventType = "replicate"
	EventError               EventType = "error"
	EventHealthWarning       EventType = "health-warning"
	EventReady               EventType = "ready"
	EventCRDTUpdate          EventType = "crdt-update"
)

// Event is one audit log line (§6 event schema).
type Event struct {
	Timestamp int64          `json:"timestamp"`
	Subject   string         `json:"vm_id,omitempty"`
	LogName   string         `json:"log_name,omitempty"`
	EventType EventType      `json:"event_type"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	DurationMS int64         `json:"duration,omitempty"`
}

// Sink persists audit events durably.
type Sink interface {
	Record(e Event) error
}

// JSONLSink appends one JSON line per event to a file, matching the
// external-interfaces layout's hypervisor/audit.jsonl (§6). Grounded on
// the teacher's own append-only discipline in file_store.go, simplified
// here to an O_APPEND text sink since audit events are never read back
// by this process, only scraped externally.
type JSONLSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewJSONLSink opens (creating if needed) the JSONL audit log at path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrap(err, "create audit directory")
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	return &JSONLSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Record appends e as one JSON line and flushes immediately, so the audit
// trail is durable before Record returns (L11 audit completeness).
func (s *JSONLSink) Record(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal audit event")
	}
	if _, err := s.w.Write(raw); err != nil {
		return errors.Wrap(err, "write audit event")
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write audit event")
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// MemorySink collects events in-process, used by tests that assert on
// L11 audit completeness without touching the filesystem.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Record appends e to the in-memory log.
func (s *MemorySink) Record(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of every recorded event.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
