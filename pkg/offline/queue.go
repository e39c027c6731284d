// Package offline implements the Offline Queue (SPEC_FULL.md §4.5), a
// FIFO wrapper around a hypercore.Log that transparently queues appends
// made while disconnected and replays them in order on reconnect.
package offline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ionvm/substrate/hypercore"
)

// QueuedOp is one pending append, still waiting for drain.
type QueuedOp struct {
	ID        string
	StoreName string
	Data      any
	QueuedAt  time.Time
}

// SyncState records replication progress for one (log,peer) pair so a
// reconnect can resume instead of re-syncing from scratch.
type SyncState struct {
	LastSyncedSeq uint64
	SyncedAt      time.Time
}

// DrainResult reports the outcome of one drain pass.
type DrainResult struct {
	Replayed int
	Failed   int
	Errors   []error
}

type syncKey struct {
	logName string
	peerID  string
}

// Queue wraps a hypercore.Log with online/offline semantics (§4.5).
// Reads always bypass the queue and hit the log directly; only Append is
// gated by online/offline state.
type Queue struct {
	log *hypercore.Log

	mu           sync.Mutex
	online       bool
	pending      []QueuedOp
	totalDrained uint64
	totalFailed  uint64
	syncStates   map[syncKey]SyncState
}

// NewQueue wraps log, starting in the given online state.
func NewQueue(log *hypercore.Log, online bool) *Queue {
	return &Queue{
		log:        log,
		online:     online,
		syncStates: make(map[syncKey]SyncState),
	}
}

// IsOnline reports the current connectivity state.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Append delegates directly to the log when online; when offline it
// enqueues the op in FIFO order and returns a nil entry (§4.5).
func (q *Queue) Append(data any) (*hypercore.Entry, error) {
	q.mu.Lock()
	online := q.online
	q.mu.Unlock()

	if online {
		e, err := q.log.Append(data)
		if err != nil {
			return nil, err
		}
		return &e, nil
	}

	q.mu.Lock()
	q.pending = append(q.pending, QueuedOp{
		ID:        uuid.NewString(),
		StoreName: q.log.Name,
		Data:      data,
		QueuedAt:  time.Now(),
	})
	q.mu.Unlock()
	return nil, nil
}

// QueueLength returns the number of ops still waiting for drain.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SetOnline transitions connectivity state. Going offline->online
// automatically drains the queue (§4.5).
func (q *Queue) SetOnline(online bool) (DrainResult, error) {
	q.mu.Lock()
	wasOffline := !q.online
	q.online = online
	q.mu.Unlock()

	if online && wasOffline {
		return q.Drain()
	}
	return DrainResult{}, nil
}

// Drain replays queued ops in FIFO order. On the first failure, replay
// halts: the failing op is consumed and counted failed, and every op
// still behind it in the queue stays queued (§4.5, §9 Open Questions —
// halt-on-first-failure preserved as specified, no dead-letter queue).
func (q *Queue) Drain() (DrainResult, error) {
	var result DrainResult

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		op := q.pending[0]
		q.mu.Unlock()

		_, err := q.log.Append(op.Data)

		q.mu.Lock()
		q.pending = q.pending[1:]
		if err != nil {
			q.totalFailed++
			result.Failed++
			result.Errors = append(result.Errors, err)
			q.mu.Unlock()
			break
		}
		q.totalDrained++
		result.Replayed++
		q.mu.Unlock()
	}

	return result, nil
}

// TotalDrained returns the cumulative count of ops successfully replayed.
func (q *Queue) TotalDrained() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDrained
}

// TotalFailed returns the cumulative count of ops that failed to drain.
func (q *Queue) TotalFailed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalFailed
}

// RecordSyncState persists replication progress for (logName,peerID).
func (q *Queue) RecordSyncState(logName, peerID string, lastSyncedSeq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.syncStates[syncKey{logName, peerID}] = SyncState{LastSyncedSeq: lastSyncedSeq, SyncedAt: time.Now()}
}

// GetLastSyncedSeq returns the last known synced sequence for
// (logName,peerID), or 0 if none recorded.
func (q *Queue) GetLastSyncedSeq(logName, peerID string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncStates[syncKey{logName, peerID}].LastSyncedSeq
}
