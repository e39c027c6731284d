package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/ionvm/substrate/hypercore"
)

// Peer tracks one replication peer's address and traffic counters (§4.2).
type Peer struct {
	ID             string
	Address        string
	BytesSent      uint64
	BytesReceived  uint64
	LogsReplicated uint64
	Active         bool
	ConnectedAt    time.Time
}

// SyncResult reports the outcome of syncing one shared log with a peer.
type SyncResult struct {
	LogName         string
	EntriesReceived int
	EntriesSent     int
	MerkleValid     bool

	lastSeq       uint64
	sentBytes     uint64
	receivedBytes uint64
}

// ReplicationState aggregates peer counts and byte totals (get_replication_state).
type ReplicationState struct {
	PeerCount     int
	ActivePeers   int
	BytesSent     uint64
	BytesReceived uint64
}

type syncKey struct {
	logName string
	peerID  string
}

// Manager is the Replication Manager: peer registry plus Merkle-diff sync
// over a local Corestore (§4.2).
type Manager struct {
	mu          sync.Mutex
	core        *hypercore.Corestore
	peers       map[string]*Peer
	lastSynced  map[syncKey]uint64
	transports  map[string]PeerTransport
}

// NewManager creates a Replication Manager over a local Corestore.
func NewManager(core *hypercore.Corestore) *Manager {
	return &Manager{
		core:       core,
		peers:      make(map[string]*Peer),
		lastSynced: make(map[syncKey]uint64),
		transports: make(map[string]PeerTransport),
	}
}

// AddPeer registers a peer by id/address.
func (m *Manager) AddPeer(id, address string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Peer{ID: id, Address: address, Active: true, ConnectedAt: time.Now()}
	m.peers[id] = p
	return p
}

// RemovePeer deregisters a peer.
func (m *Manager) RemovePeer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	delete(m.transports, id)
	for k := range m.lastSynced {
		if k.peerID == id {
			delete(m.lastSynced, k)
		}
	}
}

// SetTransport binds how Sync reaches a registered peer.
func (m *Manager) SetTransport(peerID string, t PeerTransport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[peerID] = t
}

// LastSyncedSeq returns the local log length recorded after the last Sync
// of logName with peerID (one past the last synced sequence number).
func (m *Manager) LastSyncedSeq(logName, peerID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSynced[syncKey{logName, peerID}]
}

// SyncPeer replicates against a previously registered peer's bound
// transport (see SetTransport).
func (m *Manager) SyncPeer(peerID string) ([]SyncResult, error) {
	m.mu.Lock()
	t, ok := m.transports[peerID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("replication: no transport bound for peer %q", peerID)
	}
	return m.Sync(peerID, t)
}

// Sync replicates every log shared between this manager and remote,
// computing Merkle roots to detect convergence before moving any
// entries (§4.2).
func (m *Manager) Sync(peerID string, remote PeerTransport) ([]SyncResult, error) {
	remoteNames, err := remote.ListLogs()
	if err != nil {
		return nil, err
	}
	remoteSet := make(map[string]bool, len(remoteNames))
	for _, n := range remoteNames {
		remoteSet[n] = true
	}

	var results []SyncResult
	var sentBytes, receivedBytes uint64
	for _, name := range m.core.Names() {
		if !remoteSet[name] {
			continue
		}
		res, err := m.syncLog(name, remote)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		m.mu.Lock()
		m.lastSynced[syncKey{name, peerID}] = res.lastSeq
		m.mu.Unlock()
		sentBytes += res.sentBytes
		receivedBytes += res.receivedBytes
	}

	m.mu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.LogsReplicated += uint64(len(results))
		p.BytesSent += sentBytes
		p.BytesReceived += receivedBytes
	}
	m.mu.Unlock()

	return results, nil
}

func (m *Manager) syncLog(name string, remote PeerTransport) (SyncResult, error) {
	local, err := m.core.Get(name, nil, true)
	if err != nil {
		return SyncResult{}, err
	}

	localEntries, err := local.ExportEntries(0)
	if err != nil {
		return SyncResult{}, err
	}
	remoteEntries, err := remote.FetchFrom(name, 0)
	if err != nil {
		return SyncResult{}, err
	}

	localRoot := merkleRoot(hashesOf(localEntries))
	remoteRoot := merkleRoot(hashesOf(remoteEntries))
	if localRoot == remoteRoot {
		return SyncResult{LogName: name, MerkleValid: true, lastSeq: uint64(len(localEntries))}, nil
	}

	minLen := len(localEntries)
	if len(remoteEntries) < minLen {
		minLen = len(remoteEntries)
	}
	diverge := minLen
	for i := 0; i < minLen; i++ {
		if localEntries[i].Hash != remoteEntries[i].Hash {
			diverge = i
			break
		}
	}

	var sent, received int
	var sentBytes, receivedBytes uint64
	if len(localEntries) > diverge {
		suffix := localEntries[diverge:]
		n, err := remote.PushEntries(name, suffix)
		if err != nil {
			return SyncResult{}, err
		}
		sent = n
		for _, e := range suffix {
			sentBytes += uint64(e.ByteLength)
		}
	}
	if len(remoteEntries) > diverge {
		suffix := remoteEntries[diverge:]
		n, err := local.ImportEntries(suffix)
		if err != nil {
			return SyncResult{}, err
		}
		received = n
		for _, e := range suffix {
			receivedBytes += uint64(e.ByteLength)
		}
	}

	localAfter, err := local.ExportEntries(0)
	if err != nil {
		return SyncResult{}, err
	}
	remoteAfter, err := remote.FetchFrom(name, 0)
	if err != nil {
		return SyncResult{}, err
	}
	valid := merkleRoot(hashesOf(localAfter)) == merkleRoot(hashesOf(remoteAfter))

	return SyncResult{
		LogName: name, EntriesReceived: received, EntriesSent: sent, MerkleValid: valid,
		lastSeq: uint64(len(localAfter)), sentBytes: sentBytes, receivedBytes: receivedBytes,
	}, nil
}

func hashesOf(entries []hypercore.Entry) [][32]byte {
	out := make([][32]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out
}

// GetReplicationState aggregates peer counts and byte totals.
func (m *Manager) GetReplicationState() ReplicationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := ReplicationState{PeerCount: len(m.peers)}
	for _, p := range m.peers {
		if p.Active {
			st.ActivePeers++
		}
		st.BytesSent += p.BytesSent
		st.BytesReceived += p.BytesReceived
	}
	return st
}
