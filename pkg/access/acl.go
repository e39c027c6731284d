// Package access implements Access Control + Crypto (SPEC_FULL.md §4.4):
// per-store ACL evaluation, AES-256-GCM payload encryption, Ed25519 peer
// authentication, and HMAC-derived discovery keys. The constant-time tag
// comparison discipline follows
// _examples/karasz-securelog/verifier.go's use of hmac.Equal for chain-tag
// checks; AES-GCM/Ed25519/HMAC themselves come from the standard crypto
// packages, which is the idiomatic choice the whole retrieved corpus makes
// for primitive cryptographic operations — no example wires a third-party
// AEAD or signature library.
package access

import (
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
)

// Mode is a store access level.
type Mode string

const (
	ReadWrite Mode = "read-write"
	ReadOnly  Mode = "read-only"
	NoAccess  Mode = "no-access"
)

// Operation is the kind of access being checked.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// wildcardPeer matches any peer_id when no exact policy applies.
const wildcardPeer = "*"

// Policy grants a peer a mode on a store, optionally expiring.
type Policy struct {
	Store     string
	PeerID    string
	Mode      Mode
	ExpiresAt *time.Time
}

func (p Policy) expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ACL evaluates (store, peer_id, operation) per the fixed order: exact
// policy, wildcard policy, implicit default, deny (§4.4).
type ACL struct {
	selfPeerID string

	mu       sync.Mutex
	policies map[string][]Policy // store -> policies
}

// NewACL creates an ACL evaluator. selfPeerID identifies the local peer,
// which gets read-write by default when no policies are configured.
func NewACL(selfPeerID string) *ACL {
	return &ACL{selfPeerID: selfPeerID, policies: make(map[string][]Policy)}
}

// SetPolicy installs (or replaces) the policy for (store, peerID).
func (a *ACL) SetPolicy(store, peerID string, mode Mode, expiresAt *time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policies := a.policies[store]
	for i, p := range policies {
		if p.PeerID == peerID {
			policies[i] = Policy{Store: store, PeerID: peerID, Mode: mode, ExpiresAt: expiresAt}
			a.policies[store] = policies
			return
		}
	}
	a.policies[store] = append(policies, Policy{Store: store, PeerID: peerID, Mode: mode, ExpiresAt: expiresAt})
}

// Evaluate reports whether peerID may perform op on store, and why.
func (a *ACL) Evaluate(store, peerID string, op Operation) (allow bool, reason string) {
	now := time.Now()

	a.mu.Lock()
	policies := a.policies[store]
	a.mu.Unlock()

	var exact, wildcard *Policy
	for i := range policies {
		p := policies[i]
		if p.expired(now) {
			continue
		}
		switch p.PeerID {
		case peerID:
			exact = &p
		case wildcardPeer:
			wildcard = &p
		}
	}

	switch {
	case exact != nil:
		return modeAllows(exact.Mode, op), "exact policy: " + string(exact.Mode)
	case wildcard != nil:
		return modeAllows(wildcard.Mode, op), "wildcard policy: " + string(wildcard.Mode)
	case len(policies) == 0:
		if peerID == a.selfPeerID {
			return modeAllows(ReadWrite, op), "default: local peer is read-write"
		}
		return modeAllows(ReadOnly, op), "default: remote peers are read-only"
	default:
		return false, "No matching policy — deny by default"
	}
}

func modeAllows(mode Mode, op Operation) bool {
	switch op {
	case OpWrite:
		return mode == ReadWrite
	case OpRead:
		return mode == ReadWrite || mode == ReadOnly
	default:
		return false
	}
}

// RequirePolicy is a convenience wrapper returning a codes.Error when
// Evaluate denies access.
func (a *ACL) RequirePolicy(store, peerID string, op Operation) error {
	if allow, reason := a.Evaluate(store, peerID, op); !allow {
		return codes.New(codes.PolicyDenied, reason)
	}
	return nil
}
