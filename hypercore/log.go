// Package hypercore implements the content-addressed, hash-chained,
// append-only log store described in SPEC_FULL.md §3/§4.1. It generalises
// the dual forward-secure MAC chain of karasz-securelog's Logger
// (_examples/karasz-securelog/logger.go, verify.go) down to the simpler
// single SHA-256 hash chain the spec calls for, while keeping the
// Store-collaborator shape and atomic-append discipline of the teacher.
package hypercore

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
)

// DefaultMaxPayloadBytes is the default payload-size guard (§3 invariants).
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Entry is an immutable, hash-chained record (§3 "Log Entry").
type Entry struct {
	Seq        uint64
	Hash       [32]byte
	PrevHash   [32]byte
	Timestamp  int64 // unix ms
	ByteLength uint32
	Data       []byte // canonical JSON of the appended value
}

var zeroHash [32]byte

// computeHash implements the §3 invariant:
//
//	hash = SHA256(seq ‖ prev_hash ‖ canonical_json(data))
func computeHash(seq uint64, prev [32]byte, canonical []byte) [32]byte {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h := sha256.New()
	h.Write(seqBuf[:])
	h.Write(prev[:])
	h.Write(canonical)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Log is the in-process handle to one named append-only log (§3 "Log").
// Appends are serialised with a mutex so only one append executes at a
// time on a given log (§5), while readers take a consistent snapshot of
// [0,length) by reading the backing Store directly.
type Log struct {
	Name            string
	PublicKey       []byte
	Writable        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	MaxPayloadBytes uint32

	mu         sync.Mutex
	store      Store
	length     uint64
	byteLength uint64
	lastHash   [32]byte
}

// OpenLog wraps store as a Log named name, scanning it once to recover the
// current length, cumulative byte length and tail hash.
func OpenLog(name string, store Store, publicKey []byte, writable bool, maxPayloadBytes uint32) (*Log, error) {
	if maxPayloadBytes == 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	l := &Log{
		Name:            name,
		PublicKey:       publicKey,
		Writable:        writable,
		MaxPayloadBytes: maxPayloadBytes,
		store:           store,
		CreatedAt:       time.Now(),
	}
	n, err := store.Length()
	if err != nil {
		return nil, codes.Wrap(codes.IOError, err, "read log length")
	}
	if n > 0 {
		last, ok, err := store.Get(n - 1)
		if err != nil {
			return nil, codes.Wrap(codes.IOError, err, "read tail entry")
		}
		if !ok {
			return nil, codes.New(codes.IOError, "store reports length but tail entry missing")
		}
		l.lastHash = last.Hash
		l.length = n
		var total uint64
		for i := uint64(0); i < n; i++ {
			e, ok, err := store.Get(i)
			if err != nil {
				return nil, codes.Wrap(codes.IOError, err, "scan for byte length")
			}
			if !ok {
				break
			}
			total += uint64(e.ByteLength)
		}
		l.byteLength = total
		l.UpdatedAt = time.Unix(0, last.Timestamp*int64(time.Millisecond))
	} else {
		l.UpdatedAt = l.CreatedAt
	}
	return l, nil
}

// Append canonicalises data, rejects oversized payloads, computes the
// chained hash and commits atomically: either length increases by one
// and the new entry is visible, or nothing changes.
func (l *Log) Append(data any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	canonical, err := canonicalJSON(data)
	if err != nil {
		return Entry{}, codes.Wrap(codes.InvalidConfig, err, "canonicalize payload")
	}
	if uint32(len(canonical)) > l.MaxPayloadBytes {
		return Entry{}, codes.Field(codes.PayloadTooLarge, "data",
			"serialised payload exceeds max_payload_bytes")
	}

	seq := l.length
	prev := l.lastHash
	if seq == 0 {
		prev = zeroHash
	}
	hash := computeHash(seq, prev, canonical)
	now := time.Now()

	e := Entry{
		Seq:        seq,
		Hash:       hash,
		PrevHash:   prev,
		Timestamp:  now.UnixMilli(),
		ByteLength: uint32(len(canonical)),
		Data:       canonical,
	}

	if err := l.store.Append(e); err != nil {
		return Entry{}, err
	}

	l.length++
	l.byteLength += uint64(e.ByteLength)
	l.lastHash = hash
	l.UpdatedAt = now
	return e, nil
}

// Get returns the entry at seq, failing OUT_OF_RANGE when seq >= length.
func (l *Log) Get(seq uint64) (Entry, error) {
	if seq >= l.Length() {
		return Entry{}, codes.New(codes.OutOfRange, "sequence number beyond log length")
	}
	e, ok, err := l.store.Get(seq)
	if err != nil {
		return Entry{}, codes.Wrap(codes.IOError, err, "read entry")
	}
	if !ok {
		return Entry{}, codes.New(codes.OutOfRange, "sequence number beyond log length")
	}
	return e, nil
}

// Range returns entries [start,end).
func (l *Log) Range(start, end uint64) ([]Entry, error) {
	n := l.Length()
	if end > n {
		end = n
	}
	if start >= end {
		return nil, nil
	}
	out := make([]Entry, 0, end-start)
	for i := start; i < end; i++ {
		e, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Length returns the number of entries.
func (l *Log) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// ByteLength returns the cumulative serialised payload size.
func (l *Log) ByteLength() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byteLength
}

// VerifyChain recomputes every hash from fromSeq forward and returns false
// on the first mismatch (L1 hash-chain integrity).
func (l *Log) VerifyChain(fromSeq uint64) (bool, error) {
	n := l.Length()
	if fromSeq >= n {
		return true, nil
	}
	prev := zeroHash
	if fromSeq > 0 {
		prior, err := l.Get(fromSeq - 1)
		if err != nil {
			return false, err
		}
		prev = prior.Hash
	}
	for i := fromSeq; i < n; i++ {
		e, err := l.Get(i)
		if err != nil {
			return false, err
		}
		want := computeHash(i, prev, e.Data)
		if !bytes.Equal(want[:], e.Hash[:]) {
			return false, nil
		}
		prev = e.Hash
	}
	return true, nil
}

// VerifySignature verifies a single entry's hash against its recorded
// predecessor, i.e. it checks inclusion of entry seq in the chain without
// rescanning the whole log.
func (l *Log) VerifySignature(seq uint64) (bool, error) {
	e, err := l.Get(seq)
	if err != nil {
		return false, err
	}
	prev := zeroHash
	if seq > 0 {
		p, err := l.Get(seq - 1)
		if err != nil {
			return false, err
		}
		prev = p.Hash
	}
	want := computeHash(seq, prev, e.Data)
	return bytes.Equal(want[:], e.Hash[:]), nil
}

// ExportEntries returns every entry from fromSeq to the current tail.
func (l *Log) ExportEntries(fromSeq uint64) ([]Entry, error) {
	return l.Range(fromSeq, l.Length())
}

// ErrImportStale names the stale/out-of-order case; ImportEntries never
// returns it or any other error to the caller for such entries — per
// the spec's adopted idempotent-skip policy (§9 Open Questions) they are
// silently dropped and the count of genuinely imported entries is
// returned instead.
var ErrImportStale = errors.New("entry is not the strict continuation of the log")

// ImportEntries appends only entries whose Seq equals the current length,
// in order; anything else is skipped so concurrent/duplicate sync
// attempts are idempotent and safe (§4.1, §9 Open Questions, L3).
func (l *Log) ImportEntries(entries []Entry) (int, error) {
	imported := 0
	for _, e := range entries {
		l.mu.Lock()
		expect := l.length
		prev := l.lastHash
		l.mu.Unlock()
		if e.Seq != expect {
			continue
		}
		if expect == 0 {
			prev = zeroHash
		}
		if computeHash(e.Seq, prev, e.Data) != e.Hash {
			continue // corrupted in transit; treated as skip, not a hard error
		}
		if _, err := l.Append(rawEntry(e.Data)); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// rawEntry marshals already-canonical bytes back through Append's
// canonicalisation step as a no-op (the bytes are already canonical JSON,
// so canonicalJSON(json.RawMessage(b)) reproduces them byte-for-byte).
type rawEntry []byte

// MarshalJSON lets rawEntry pass unmodified through canonicalJSON.
func (r rawEntry) MarshalJSON() ([]byte, error) { return []byte(r), nil }

// Iter streams entries starting at startSeq over a channel, mirroring the
// teacher's cancellable-channel iterator shape
// (_examples/karasz-securelog/file_store.go Iter).
func (l *Log) Iter(startSeq uint64) (<-chan Entry, func() error, error) {
	out := make(chan Entry, 64)
	done := make(chan struct{})
	n := l.Length()

	go func() {
		defer close(out)
		for i := startSeq; i < n; i++ {
			select {
			case <-done:
				return
			default:
			}
			e, err := l.Get(i)
			if err != nil {
				return
			}
			select {
			case out <- e:
			case <-done:
				return
			}
		}
	}()

	cleanup := func() error {
		close(done)
		return nil
	}
	return out, cleanup, nil
}
