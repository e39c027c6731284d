// Package crdtbus implements the CRDT Bridge (SPEC_FULL.md §4.7): a
// pub/sub layer atop hypercore.Log that broadcasts validated crdt-update
// entries to synchronous handlers and supports poll-based catch-up for
// subscribers on other nodes.
package crdtbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/hypercore"
)

// Operation is the CRDT operation kind (§3 "CRDT Update").
type Operation string

const (
	OpInsert Operation = "insert"
	OpDelete Operation = "delete"
	OpUpdate Operation = "update"
	OpMove   Operation = "move"
)

const updateType = "crdt-update"

// Update is the CRDT operation record payload variant (§3).
type Update struct {
	Type         string            `json:"type"`
	OperationID  string            `json:"operation_id"`
	PeerID       string            `json:"peer_id"`
	TargetNodeID string            `json:"target_node_id"`
	Operation    Operation         `json:"operation"`
	Payload      json.RawMessage   `json:"payload"`
	VectorClock  map[string]uint64 `json:"vector_clock"`
	Timestamp    int64             `json:"timestamp"` // unix ms
}

func (u Update) validate() error {
	if u.Type != updateType {
		return codes.Field(codes.InvalidConfig, "type", "crdt update type must be \"crdt-update\"")
	}
	if u.OperationID == "" {
		return codes.Field(codes.InvalidConfig, "operation_id", "operation_id is required")
	}
	if u.PeerID == "" {
		return codes.Field(codes.InvalidConfig, "peer_id", "peer_id is required")
	}
	switch u.Operation {
	case OpInsert, OpDelete, OpUpdate, OpMove:
	default:
		return codes.Field(codes.InvalidConfig, "operation", "operation must be one of insert/delete/update/move")
	}
	return nil
}

// Handler receives broadcast/polled updates. Handler errors never affect
// sibling handlers (§4.7).
type Handler func(Update)

// Bridge is the CRDT Bridge over a single hypercore.Log.
type Bridge struct {
	log *hypercore.Log

	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler
	cursor   uint64
}

// NewBridge wraps log for broadcast/poll CRDT pub-sub.
func NewBridge(log *hypercore.Log) *Bridge {
	return &Bridge{log: log, handlers: make(map[uint64]Handler)}
}

// OnUpdate registers handler and returns an unsubscribe function (§4.7).
func (b *Bridge) OnUpdate(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Broadcast validates and appends update; after a successful append it
// notifies every registered handler synchronously. A panicking or
// otherwise misbehaving handler must not prevent its siblings from
// running, so each is invoked in isolation (§4.7).
func (b *Bridge) Broadcast(u Update) (hypercore.Entry, error) {
	if u.Type == "" {
		u.Type = updateType
	}
	if err := u.validate(); err != nil {
		return hypercore.Entry{}, err
	}
	if u.Timestamp == 0 {
		u.Timestamp = time.Now().UnixMilli()
	}

	e, err := b.log.Append(u)
	if err != nil {
		return hypercore.Entry{}, err
	}

	b.mu.Lock()
	fns := make([]Handler, 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	if e.Seq+1 > b.cursor {
		b.cursor = e.Seq + 1
	}
	b.mu.Unlock()

	for _, fn := range fns {
		notify(fn, u)
	}
	return e, nil
}

// notify invokes h in isolation so a panicking handler cannot take down
// the broadcaster or prevent sibling handlers from running.
func notify(h Handler, u Update) {
	defer func() { _ = recover() }()
	h(u)
}

// PollResult reports one Poll pass's outcome.
type PollResult struct {
	Delivered int
	Skipped   int
}

// Poll scans the store from the last-observed sequence, emits validated
// crdt-update entries to handlers, and advances the cursor; malformed
// entries are skipped (§4.7).
func (b *Bridge) Poll() (PollResult, error) {
	b.mu.Lock()
	from := b.cursor
	b.mu.Unlock()

	n := b.log.Length()
	var result PollResult
	var fresh []Update
	for seq := from; seq < n; seq++ {
		e, err := b.log.Get(seq)
		if err != nil {
			return result, err
		}
		var u Update
		if err := json.Unmarshal(e.Data, &u); err != nil || u.validate() != nil {
			result.Skipped++
			continue
		}
		fresh = append(fresh, u)
	}

	b.mu.Lock()
	b.cursor = n
	fns := make([]Handler, 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, u := range fresh {
		for _, fn := range fns {
			notify(fn, u)
		}
		result.Delivered++
	}
	return result, nil
}

// CompressedContext is a per-session reconciliation candidate: the
// newest CRDT state snapshot known from some origin.
type CompressedContext struct {
	SessionID string
	CreatedAt time.Time
	State     json.RawMessage
}

// Reconcile resolves divergent compressed contexts for the same session
// by picking the one with the later CreatedAt (§4.7).
func Reconcile(a, b CompressedContext) CompressedContext {
	if b.CreatedAt.After(a.CreatedAt) {
		return b
	}
	return a
}
