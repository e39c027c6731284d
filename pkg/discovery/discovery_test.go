package discovery

import (
	"testing"
)

func TestFingerprint_Length(t *testing.T) {
	fp := Fingerprint("hal:vm-pool")
	if len(fp) != fingerprintLen {
		t.Fatalf("expected %d-char fingerprint, got %d (%s)", fingerprintLen, len(fp), fp)
	}
}

func TestManager_AnnounceExcludesSelfFromLookup(t *testing.T) {
	m := NewManager("self-1")

	if err := m.Announce("topic-a", PeerInfo{PeerID: "self-1", Address: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Announce("topic-a", PeerInfo{PeerID: "peer-2", Address: "b"}); err != nil {
		t.Fatal(err)
	}

	peers := m.Lookup("topic-a")
	if len(peers) != 1 || peers[0].PeerID != "peer-2" {
		t.Fatalf("expected only peer-2, got %+v", peers)
	}
}

func TestManager_AnnounceVisibleToSubsequentLookup(t *testing.T) {
	m := NewManager("self-1")
	if err := m.Announce("topic-b", PeerInfo{PeerID: "peer-2"}); err != nil {
		t.Fatal(err)
	}
	if peers := m.Lookup("topic-b"); len(peers) != 1 {
		t.Fatalf("expected announce visible to lookup, got %+v", peers)
	}
}

func TestManager_LeaveRemovesPeer(t *testing.T) {
	m := NewManager("self-1")
	_ = m.Announce("topic-c", PeerInfo{PeerID: "peer-2"})
	m.Leave("topic-c", "peer-2")
	if peers := m.Lookup("topic-c"); len(peers) != 0 {
		t.Fatalf("expected no peers after leave, got %+v", peers)
	}
}

func TestManager_EventsEmitted(t *testing.T) {
	m := NewManager("self-1")
	var events []Event
	unsubscribe := m.On(func(e Event) { events = append(events, e) })

	_ = m.Announce("topic-d", PeerInfo{PeerID: "peer-2"})
	m.Lookup("topic-d")
	m.Leave("topic-d", "peer-2")
	unsubscribe()
	_ = m.Announce("topic-d", PeerInfo{PeerID: "peer-3"})

	if len(events) != 3 {
		t.Fatalf("expected 3 events before unsubscribe, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventPeerAdded || events[1].Type != EventLookupComplete || events[2].Type != EventPeerRemoved {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
}

func TestManager_GetPeersAcrossTopics(t *testing.T) {
	m := NewManager("self-1")
	_ = m.Announce("topic-e", PeerInfo{PeerID: "peer-2"})
	_ = m.Announce("topic-f", PeerInfo{PeerID: "peer-3"})

	all := m.GetPeers(nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 peers across topics, got %+v", all)
	}

	topic := "topic-e"
	scoped := m.GetPeers(&topic)
	if len(scoped) != 1 || scoped[0].PeerID != "peer-2" {
		t.Fatalf("expected scoped lookup to return peer-2, got %+v", scoped)
	}
}

func TestManager_AnnounceValidation(t *testing.T) {
	m := NewManager("self-1")
	if err := m.Announce("", PeerInfo{PeerID: "peer-2"}); err == nil {
		t.Fatal("expected error for empty topic")
	}
	if err := m.Announce("topic-g", PeerInfo{}); err == nil {
		t.Fatal("expected error for empty peer id")
	}
}
