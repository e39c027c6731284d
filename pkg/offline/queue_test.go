package offline

import (
	"encoding/json"
	"testing"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/hypercore"
)

func newTestLog(t *testing.T) *hypercore.Log {
	t.Helper()
	return newTestLogWithBound(t, 0)
}

func newTestLogWithBound(t *testing.T, maxPayload uint32) *hypercore.Log {
	t.Helper()
	dir := t.TempDir()
	store, err := hypercore.OpenFileStore(dir, "offline-test")
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	log, err := hypercore.OpenLog("offline-test", store, nil, true, maxPayload)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	return log
}

func unmarshalEntry(e hypercore.Entry, v any) error {
	return json.Unmarshal(e.Data, v)
}

func TestOfflineDrainReplaysInOrder(t *testing.T) {
	log := newTestLog(t)
	q := NewQueue(log, false)

	for i := 1; i <= 3; i++ {
		if _, err := q.Append(map[string]any{"a": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if got := q.QueueLength(); got != 3 {
		t.Fatalf("want queue length 3, got %d", got)
	}
	if got := log.Length(); got != 0 {
		t.Fatalf("want log length 0 while offline, got %d", got)
	}

	result, err := q.SetOnline(true)
	if err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if result.Replayed != 3 || result.Failed != 0 {
		t.Fatalf("want replayed=3 failed=0, got %+v", result)
	}
	if got := log.Length(); got != 3 {
		t.Fatalf("want log length 3 after drain, got %d", got)
	}
	for i := uint64(0); i < 3; i++ {
		e, err := log.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		var payload map[string]any
		if err := unmarshalEntry(e, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if int(payload["a"].(float64)) != int(i)+1 {
			t.Fatalf("entry %d out of order: %+v", i, payload)
		}
	}
}

func TestOfflineDrainHaltsOnFirstFailure(t *testing.T) {
	log := newTestLogWithBound(t, 8) // tiny payload bound
	q := NewQueue(log, false)

	if _, err := q.Append(map[string]any{"a": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := q.Append(map[string]any{"s": "this payload is far too large for the bound"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := q.Append(map[string]any{"a": 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	result, err := q.SetOnline(true)
	if err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if result.Replayed != 1 || result.Failed != 1 {
		t.Fatalf("want replayed=1 failed=1, got %+v", result)
	}
	if !codes.Is(result.Errors[0], codes.PayloadTooLarge) {
		t.Fatalf("want PAYLOAD_TOO_LARGE, got %v", result.Errors[0])
	}
	if got := q.QueueLength(); got != 1 {
		t.Fatalf("want 1 op still queued, got %d", got)
	}
	if got := log.Length(); got != 1 {
		t.Fatalf("want log length 1, got %d", got)
	}
}

func TestOfflineReadsBypassQueue(t *testing.T) {
	log := newTestLog(t)
	if _, err := log.Append(map[string]any{"a": 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	q := NewQueue(log, false)
	if _, err := q.Append(map[string]any{"a": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Reads go straight to the log and see only what's actually committed.
	if got := log.Length(); got != 1 {
		t.Fatalf("want log length 1, got %d", got)
	}
}
