package access

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

// EncryptedPayload is the hex-encoded transport form of an AES-256-GCM
// sealed message: ciphertext, IV, and auth tag travel as separate fields.
type EncryptedPayload struct {
	CiphertextHex string
	IVHex         string
	TagHex        string
}

// Encrypt seals plaintext under a 32-byte key with a fresh random 12-byte
// IV, returning hex-encoded ciphertext/IV/tag.
func Encrypt(key, plaintext []byte) (EncryptedPayload, error) {
	if len(key) != keySize {
		return EncryptedPayload{}, codes.Field(codes.InvalidConfig, "key", "key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedPayload{}, codes.Wrap(codes.InvalidConfig, err, "create AES cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return EncryptedPayload{}, codes.Wrap(codes.InvalidConfig, err, "create GCM")
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedPayload{}, codes.Wrap(codes.IOError, err, "generate IV")
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return EncryptedPayload{
		CiphertextHex: hex.EncodeToString(ciphertext),
		IVHex:         hex.EncodeToString(iv),
		TagHex:        hex.EncodeToString(tag),
	}, nil
}

// Decrypt reverses Encrypt. An incorrect key or tampered ciphertext/tag
// fails explicitly with SIGNATURE_VERIFICATION_FAILED.
func Decrypt(key []byte, payload EncryptedPayload) ([]byte, error) {
	if len(key) != keySize {
		return nil, codes.Field(codes.InvalidConfig, "key", "key must be 32 bytes")
	}

	ciphertext, err := hex.DecodeString(payload.CiphertextHex)
	if err != nil {
		return nil, codes.Wrap(codes.DeserializationFailed, err, "decode ciphertext hex")
	}
	iv, err := hex.DecodeString(payload.IVHex)
	if err != nil {
		return nil, codes.Wrap(codes.DeserializationFailed, err, "decode iv hex")
	}
	tag, err := hex.DecodeString(payload.TagHex)
	if err != nil {
		return nil, codes.Wrap(codes.DeserializationFailed, err, "decode tag hex")
	}
	if len(iv) != ivSize {
		return nil, codes.Field(codes.InvalidConfig, "iv", "iv must be 12 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, codes.Wrap(codes.InvalidConfig, err, "create AES cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, codes.Wrap(codes.InvalidConfig, err, "create GCM")
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, codes.Wrap(codes.SignatureVerificationFailed, err, "decrypt payload: wrong key or tampered data")
	}
	return plaintext, nil
}

// AuthRecord is what the Authenticator remembers about a successfully
// authenticated peer.
type AuthRecord struct {
	PeerID          string
	PublicKey       ed25519.PublicKey
	AuthenticatedAt time.Time
}

// Authenticator issues and verifies Ed25519 challenge/response peer
// authentication (§4.4).
type Authenticator struct {
	secret []byte

	mu            sync.Mutex
	authenticated map[string]AuthRecord
}

// NewAuthenticator creates an Authenticator keyed by a shared server secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret, authenticated: make(map[string]AuthRecord)}
}

// Challenge returns HMAC-SHA256(secret, peer_id || ts), which the peer
// must sign over with its Ed25519 private key.
func (a *Authenticator) Challenge(peerID string, ts time.Time) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(peerID))
	tsBytes := []byte(ts.UTC().Format(time.RFC3339Nano))
	mac.Write(tsBytes)
	return mac.Sum(nil)
}

// Authenticate verifies a peer's signature over a previously issued
// challenge and, on success, records the peer as authenticated.
func (a *Authenticator) Authenticate(peerID string, pubkey ed25519.PublicKey, challenge, signature []byte) (bool, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return false, codes.Field(codes.InvalidConfig, "pubkey", "ed25519 public key must be 32 bytes")
	}
	if !ed25519.Verify(pubkey, challenge, signature) {
		return false, nil
	}

	a.mu.Lock()
	a.authenticated[peerID] = AuthRecord{PeerID: peerID, PublicKey: pubkey, AuthenticatedAt: time.Now()}
	a.mu.Unlock()
	return true, nil
}

// IsAuthenticated reports whether peerID has a recorded successful
// authentication.
func (a *Authenticator) IsAuthenticated(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.authenticated[peerID]
	return ok
}

// Record returns the AuthRecord for peerID, if authenticated.
func (a *Authenticator) Record(peerID string) (AuthRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.authenticated[peerID]
	return rec, ok
}

// DeriveDiscoveryKey computes HMAC-SHA256(secret, "discovery:"+storeName),
// used to verify a peer is authorized to discuss a store before
// replication opens.
func DeriveDiscoveryKey(storeName string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("discovery:" + storeName))
	return mac.Sum(nil)
}
