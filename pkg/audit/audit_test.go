package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestJSONLSinkAppendsOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hypervisor", "audit.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()

	if err := sink.Record(Event{Subject: "vm-1", EventType: EventSpawn, Actor: "agent-a"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Record(Event{Subject: "vm-1", EventType: EventTerminate, Actor: "agent-a"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d", len(lines))
	}
	var e Event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.EventType != EventSpawn || e.Timestamp <= 0 || e.Actor == "" {
		t.Fatalf("malformed event: %+v", e)
	}
}

func TestMemorySinkCollectsEvents(t *testing.T) {
	sink := NewMemorySink()
	for _, et := range []EventType{EventSpawn, EventStateChange, EventTerminate} {
		if err := sink.Record(Event{Subject: "vm-1", EventType: et, Actor: "manager"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	for _, e := range events {
		if e.Timestamp <= 0 || e.Actor == "" {
			t.Fatalf("malformed event: %+v", e)
		}
	}
}
