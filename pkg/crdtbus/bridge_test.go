package crdtbus

import (
	"testing"
	"time"

	"github.com/ionvm/substrate/hypercore"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	dir := t.TempDir()
	st, err := hypercore.OpenFileStore(dir, "crdt-test")
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	log, err := hypercore.OpenLog("crdt-test", st, nil, true, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	return NewBridge(log)
}

func TestBroadcastNotifiesHandlersAfterAppend(t *testing.T) {
	b := newTestBridge(t)
	var got []Update
	unsub := b.OnUpdate(func(u Update) { got = append(got, u) })
	defer unsub()

	_, err := b.Broadcast(Update{OperationID: "op1", PeerID: "peer-a", Operation: OpInsert})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(got) != 1 || got[0].OperationID != "op1" {
		t.Fatalf("want handler notified once with op1, got %+v", got)
	}
}

func TestBroadcastHandlerErrorsDoNotAffectSiblings(t *testing.T) {
	b := newTestBridge(t)
	var secondCalled bool
	b.OnUpdate(func(u Update) { panic("boom") })
	b.OnUpdate(func(u Update) { secondCalled = true })

	if _, err := b.Broadcast(Update{OperationID: "op1", PeerID: "peer-a", Operation: OpInsert}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if !secondCalled {
		t.Fatal("sibling handler must still run after a misbehaving handler")
	}
}

func TestPollDeliversAndAdvancesCursor(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.log.Append(Update{Type: updateType, OperationID: "op1", PeerID: "peer-a", Operation: OpInsert}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.log.Append(map[string]any{"not": "a crdt update"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.log.Append(Update{Type: updateType, OperationID: "op2", PeerID: "peer-a", Operation: OpDelete}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var delivered []Update
	b.OnUpdate(func(u Update) { delivered = append(delivered, u) })

	result, err := b.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.Delivered != 2 || result.Skipped != 1 {
		t.Fatalf("want delivered=2 skipped=1, got %+v", result)
	}
	if len(delivered) != 2 || delivered[0].OperationID != "op1" || delivered[1].OperationID != "op2" {
		t.Fatalf("unexpected delivered updates: %+v", delivered)
	}

	result2, err := b.Poll()
	if err != nil {
		t.Fatalf("Poll (again): %v", err)
	}
	if result2.Delivered != 0 || result2.Skipped != 0 {
		t.Fatalf("want no-op second poll, got %+v", result2)
	}
}

func TestReconcilePicksLaterCreatedAt(t *testing.T) {
	now := time.Now()
	older := CompressedContext{SessionID: "s1", CreatedAt: now.Add(-time.Minute)}
	newer := CompressedContext{SessionID: "s1", CreatedAt: now}

	if got := Reconcile(older, newer); got.CreatedAt != newer.CreatedAt {
		t.Fatalf("want newer context to win, got %+v", got)
	}
	if got := Reconcile(newer, older); got.CreatedAt != newer.CreatedAt {
		t.Fatalf("want newer context to win regardless of arg order, got %+v", got)
	}
}
