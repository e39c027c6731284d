// Package discovery implements the Discovery Manager (SPEC_FULL.md §4.3):
// a topic-based peer registry. In a distributed deployment this would be a
// DHT client; here it satisfies the same contract in-process so the rest
// of the module (Replication Manager, Access Control) can be exercised
// without a live network.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/eventbus"
)

// fingerprintLen is the number of hex characters kept from the topic hash.
const fingerprintLen = 32

// PeerInfo is what the registry remembers about an announced peer.
type PeerInfo struct {
	PeerID      string
	Address     string
	AnnouncedAt time.Time
}

// EventType names a Discovery Manager event.
type EventType string

const (
	EventPeerAdded      EventType = "peer-added"
	EventPeerRemoved    EventType = "peer-removed"
	EventLookupComplete EventType = "lookup-complete"
)

// Event is emitted on the manager's bus.
type Event struct {
	Type  EventType
	Topic string
	Peer  PeerInfo // zero value for lookup-complete
}

// Fingerprint returns the first 32 hex characters of SHA256(topic).
func Fingerprint(topic string) string {
	sum := sha256.Sum256([]byte(topic))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Manager is the Discovery Manager: a topic-based peer registry scoped to
// one local identity (selfID), which is never returned from Lookup.
type Manager struct {
	selfID string

	mu     sync.Mutex
	topics map[string]map[string]PeerInfo // fingerprint -> peerID -> info

	bus *eventbus.Bus[Event]
}

// NewManager creates a Discovery Manager for the given local peer id.
func NewManager(selfID string) *Manager {
	return &Manager{
		selfID: selfID,
		topics: make(map[string]map[string]PeerInfo),
		bus:    eventbus.New[Event](),
	}
}

// On registers a listener for discovery events, returning an unsubscribe func.
func (m *Manager) On(fn func(Event)) (unsubscribe func()) {
	return m.bus.On(fn)
}

// Announce registers self (or an explicit peer, for test doubles acting on
// another participant's behalf) under topic.
func (m *Manager) Announce(topic string, peer PeerInfo) error {
	if topic == "" {
		return codes.Field(codes.InvalidConfig, "topic", "topic must not be empty")
	}
	if peer.PeerID == "" {
		return codes.Field(codes.InvalidConfig, "peer_id", "peer_id must not be empty")
	}
	if peer.AnnouncedAt.IsZero() {
		peer.AnnouncedAt = time.Now()
	}

	fp := Fingerprint(topic)
	m.mu.Lock()
	peers, ok := m.topics[fp]
	if !ok {
		peers = make(map[string]PeerInfo)
		m.topics[fp] = peers
	}
	peers[peer.PeerID] = peer
	m.mu.Unlock()

	m.bus.Emit(Event{Type: EventPeerAdded, Topic: topic, Peer: peer})
	return nil
}

// Leave removes peerID's announcement for topic.
func (m *Manager) Leave(topic, peerID string) {
	fp := Fingerprint(topic)
	m.mu.Lock()
	peers, ok := m.topics[fp]
	var removed PeerInfo
	var found bool
	if ok {
		removed, found = peers[peerID]
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(m.topics, fp)
		}
	}
	m.mu.Unlock()

	if found {
		m.bus.Emit(Event{Type: EventPeerRemoved, Topic: topic, Peer: removed})
	}
}

// Lookup returns every peer announced under topic, excluding self. An
// announce is guaranteed visible to any Lookup issued after it returns.
func (m *Manager) Lookup(topic string) []PeerInfo {
	fp := Fingerprint(topic)
	m.mu.Lock()
	peers := m.topics[fp]
	out := make([]PeerInfo, 0, len(peers))
	for id, p := range peers {
		if id == m.selfID {
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()

	m.bus.Emit(Event{Type: EventLookupComplete, Topic: topic})
	return out
}

// GetPeers returns peers for a single topic, or every known peer across all
// topics (deduplicated by peer id) when topic is nil.
func (m *Manager) GetPeers(topic *string) []PeerInfo {
	if topic != nil {
		return m.Lookup(*topic)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]PeerInfo)
	for _, peers := range m.topics {
		for id, p := range peers {
			if id == m.selfID {
				continue
			}
			seen[id] = p
		}
	}
	out := make([]PeerInfo, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}
