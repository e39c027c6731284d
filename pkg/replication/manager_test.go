package replication

import (
	"os"
	"testing"

	"github.com/ionvm/substrate/hypercore"
)

func newTestCore(t *testing.T) *hypercore.Corestore {
	t.Helper()
	dir, err := os.MkdirTemp("", "replication-core-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return hypercore.NewCorestore(func(name string) (hypercore.Store, error) {
		return hypercore.OpenFileStore(dir, name)
	}, hypercore.DefaultMaxPayloadBytes)
}

// L4: two independent nodes converge to identical logs after Sync.
func TestManager_SyncConvergence(t *testing.T) {
	localCore := newTestCore(t)
	remoteCore := newTestCore(t)

	localLog, err := localCore.Get("shared", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	remoteLog, err := remoteCore.Get("shared", nil, true)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := localLog.Append(map[string]any{"local": i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := remoteLog.Append(map[string]any{"local": i}); err != nil {
			t.Fatal(err)
		}
	}

	mgr := NewManager(localCore)
	mgr.AddPeer("remote-1", "inproc://remote")
	remoteTransport := NewLocalPeerTransport(remoteCore)

	results, err := mgr.Sync("remote-1", remoteTransport)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 shared log, got %d", len(results))
	}
	if results[0].LogName != "shared" {
		t.Fatalf("unexpected log name %q", results[0].LogName)
	}
	if !results[0].MerkleValid {
		t.Fatal("expected logs to converge after sync")
	}

	if localLog.Length() != remoteLog.Length() {
		t.Fatalf("expected equal lengths after sync: local=%d remote=%d", localLog.Length(), remoteLog.Length())
	}

	state := mgr.GetReplicationState()
	if state.PeerCount != 1 || state.ActivePeers != 1 {
		t.Fatalf("unexpected replication state: %+v", state)
	}
}

// Scenario 3: divergent histories (same seq range, different payload) are
// detected as non-convergent — merkle_valid stays false because neither
// side's suffix can be reconciled by straight append.
func TestManager_SyncDivergence(t *testing.T) {
	localCore := newTestCore(t)
	remoteCore := newTestCore(t)

	localLog, err := localCore.Get("divergent", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	remoteLog, err := remoteCore.Get("divergent", nil, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := localLog.Append(map[string]any{"branch": "local"}); err != nil {
		t.Fatal(err)
	}
	if _, err := remoteLog.Append(map[string]any{"branch": "remote"}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(localCore)
	mgr.AddPeer("remote-1", "inproc://remote")
	remoteTransport := NewLocalPeerTransport(remoteCore)

	results, err := mgr.Sync("remote-1", remoteTransport)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 shared log, got %d", len(results))
	}
	if results[0].MerkleValid {
		t.Fatal("expected divergent seq-0 entries to leave merkle_valid false")
	}
}

func TestManager_RemovePeerClearsState(t *testing.T) {
	mgr := NewManager(newTestCore(t))
	mgr.AddPeer("p1", "addr")
	mgr.SetTransport("p1", NewLocalPeerTransport(newTestCore(t)))
	mgr.RemovePeer("p1")

	if _, err := mgr.SyncPeer("p1"); err == nil {
		t.Fatal("expected SyncPeer to fail after RemovePeer")
	}
	state := mgr.GetReplicationState()
	if state.PeerCount != 0 {
		t.Fatalf("expected 0 peers after removal, got %d", state.PeerCount)
	}
}
