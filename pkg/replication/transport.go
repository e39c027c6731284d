// Package replication implements the Replication Manager (SPEC_FULL.md §4)
// — peer registry, Merkle-diff sync, byte accounting. Its PeerTransport
// interface and three implementations (local/HTTP/folder) are adapted
// from _examples/karasz-securelog/transport.go's Transport interface,
// repointed from the U→T commitment protocol onto moving log entries
// between peers.
package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/hypercore"
)

// PeerTransport is how a Replication Manager reaches a remote peer's logs.
type PeerTransport interface {
	ListLogs() ([]string, error)
	FetchFrom(logName string, fromSeq uint64) ([]hypercore.Entry, error)
	PushEntries(logName string, entries []hypercore.Entry) (imported int, err error)
}

// gobEntry is the wire form of hypercore.Entry for gob transports: arrays
// don't gob-encode as usefully as slices, so hashes are carried as []byte.
type gobEntry struct {
	Seq        uint64
	Hash       []byte
	PrevHash   []byte
	Timestamp  int64
	ByteLength uint32
	Data       []byte
}

func toGobEntries(entries []hypercore.Entry) []gobEntry {
	out := make([]gobEntry, len(entries))
	for i, e := range entries {
		out[i] = gobEntry{
			Seq: e.Seq, Hash: e.Hash[:], PrevHash: e.PrevHash[:],
			Timestamp: e.Timestamp, ByteLength: e.ByteLength, Data: e.Data,
		}
	}
	return out
}

func fromGobEntries(entries []gobEntry) []hypercore.Entry {
	out := make([]hypercore.Entry, len(entries))
	for i, e := range entries {
		out[i] = hypercore.Entry{
			Seq: e.Seq, Timestamp: e.Timestamp, ByteLength: e.ByteLength, Data: e.Data,
		}
		copy(out[i].Hash[:], e.Hash)
		copy(out[i].PrevHash[:], e.PrevHash)
	}
	return out
}

// HTTPPeerTransport reaches a remote Replication Manager over HTTP,
// gob-encoding requests/responses exactly as
// _examples/karasz-securelog/transport.go's HTTPTransport does for its
// protocol messages.
type HTTPPeerTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPPeerTransport creates an HTTP-backed peer transport.
func NewHTTPPeerTransport(baseURL string) *HTTPPeerTransport {
	return &HTTPPeerTransport{BaseURL: baseURL, Client: &http.Client{}}
}

func (t *HTTPPeerTransport) ListLogs() ([]string, error) {
	resp, err := t.Client.Get(t.BaseURL + "/api/v1/logs")
	if err != nil {
		return nil, codes.Wrap(codes.RemoteUnreachable, err, "list remote logs")
	}
	defer resp.Body.Close()
	var names []string
	if err := gob.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, codes.Wrap(codes.DeserializationFailed, err, "decode log names")
	}
	return names, nil
}

func (t *HTTPPeerTransport) FetchFrom(logName string, fromSeq uint64) ([]hypercore.Entry, error) {
	url := fmt.Sprintf("%s/api/v1/logs/%s/entries?from=%d", t.BaseURL, logName, fromSeq)
	resp, err := t.Client.Get(url)
	if err != nil {
		return nil, codes.Wrap(codes.RemoteUnreachable, err, "fetch remote entries")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, codes.New(codes.RemoteUnreachable, fmt.Sprintf("remote returned %d: %s", resp.StatusCode, body))
	}
	var wire []gobEntry
	if err := gob.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, codes.Wrap(codes.DeserializationFailed, err, "decode entries")
	}
	return fromGobEntries(wire), nil
}

func (t *HTTPPeerTransport) PushEntries(logName string, entries []hypercore.Entry) (int, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toGobEntries(entries)); err != nil {
		return 0, codes.Wrap(codes.DeserializationFailed, err, "encode entries")
	}
	url := fmt.Sprintf("%s/api/v1/logs/%s/entries", t.BaseURL, logName)
	resp, err := t.Client.Post(url, "application/octet-stream", &buf)
	if err != nil {
		return 0, codes.Wrap(codes.RemoteUnreachable, err, "push entries")
	}
	defer resp.Body.Close()
	var imported int
	if err := gob.NewDecoder(resp.Body).Decode(&imported); err != nil {
		return 0, codes.Wrap(codes.DeserializationFailed, err, "decode push response")
	}
	return imported, nil
}

// LocalPeerTransport talks directly to an in-process Corestore, useful
// for tests and single-machine deployments — mirrors
// _examples/karasz-securelog/transport.go's LocalTransport.
type LocalPeerTransport struct {
	Core *hypercore.Corestore
}

// NewLocalPeerTransport wraps an in-process Corestore as a peer transport.
func NewLocalPeerTransport(core *hypercore.Corestore) *LocalPeerTransport {
	return &LocalPeerTransport{Core: core}
}

func (t *LocalPeerTransport) ListLogs() ([]string, error) { return t.Core.Names(), nil }

func (t *LocalPeerTransport) FetchFrom(logName string, fromSeq uint64) ([]hypercore.Entry, error) {
	l, err := t.Core.Get(logName, nil, false)
	if err != nil {
		return nil, err
	}
	return l.ExportEntries(fromSeq)
}

func (t *LocalPeerTransport) PushEntries(logName string, entries []hypercore.Entry) (int, error) {
	l, err := t.Core.Get(logName, nil, true)
	if err != nil {
		return 0, err
	}
	return l.ImportEntries(entries)
}

// FolderPeerTransport exchanges entries through a shared directory of
// hypercore file stores, mirroring
// _examples/karasz-securelog/transport.go's FolderTransport self-contained
// deployment model.
type FolderPeerTransport struct {
	BaseDir string
	mu      sync.Mutex
}

// NewFolderPeerTransport creates/opens the shared folder structure.
func NewFolderPeerTransport(dir string) (*FolderPeerTransport, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, codes.Wrap(codes.IOError, err, "create shared folder")
	}
	return &FolderPeerTransport{BaseDir: dir}, nil
}

func (t *FolderPeerTransport) ListLogs() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, err := os.ReadDir(t.BaseDir)
	if err != nil {
		return nil, codes.Wrap(codes.IOError, err, "list shared folder")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (t *FolderPeerTransport) store(logName string) (hypercore.Store, error) {
	return hypercore.OpenFileStore(t.BaseDir, logName)
}

func (t *FolderPeerTransport) FetchFrom(logName string, fromSeq uint64) ([]hypercore.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.store(logName)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	l, err := hypercore.OpenLog(logName, st, nil, false, hypercore.DefaultMaxPayloadBytes)
	if err != nil {
		return nil, err
	}
	return l.ExportEntries(fromSeq)
}

func (t *FolderPeerTransport) PushEntries(logName string, entries []hypercore.Entry) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.store(logName)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	l, err := hypercore.OpenLog(logName, st, nil, true, hypercore.DefaultMaxPayloadBytes)
	if err != nil {
		return 0, err
	}
	return l.ImportEntries(entries)
}
