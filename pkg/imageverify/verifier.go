// Package imageverify implements the Image Verifier (SPEC_FULL.md §4.11):
// SHA-256 digest checks of VM images/kernels against a Trusted Manifest,
// plus Ed25519 plugin-signature verification against a keyring.
package imageverify

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ionvm/substrate/codes"
)

// Manifest is the Trusted Manifest (§3): accepted image/kernel digests
// plus plugin signatures.
type Manifest struct {
	Images    map[string]string // path -> sha256 hex
	Kernels   map[string]string // path -> sha256 hex
	Plugins   map[string]string // name -> signature hex
	UpdatedAt time.Time
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		Images:  make(map[string]string),
		Kernels: make(map[string]string),
		Plugins: make(map[string]string),
	}
}

// Verifier checks image/kernel digests and plugin signatures against a
// manifest and keyring (§4.11).
type Verifier struct {
	mu       sync.RWMutex
	manifest *Manifest
	keyring  map[string]ed25519.PublicKey // plugin name -> public key
}

// LoadManifestFile reads a Trusted Manifest from the JSON file at path
// (§6 persistent state layout: hypervisor/manifest.json). A missing file
// is not an error; it yields an empty manifest so a fresh host can
// bootstrap and populate its manifest incrementally.
func LoadManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewManifest(), nil
	}
	if err != nil {
		return nil, codes.Wrap(codes.IOError, err, "open trusted manifest")
	}
	defer f.Close()

	m := NewManifest()
	if err := json.NewDecoder(f).Decode(m); err != nil {
		return nil, codes.Wrap(codes.IOError, err, "decode trusted manifest")
	}
	return m, nil
}

// PersistManifestFile writes m to path as JSON, the way moltbot's
// jsonRegistry persists its entries: via a temp file in the same
// directory followed by an atomic rename, so a crash mid-write never
// leaves a truncated manifest on disk.
func PersistManifestFile(path string, m *Manifest) error {
	m.UpdatedAt = m.UpdatedAt.UTC()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.tmp")
	if err != nil {
		return codes.Wrap(codes.IOError, err, "create temp manifest file")
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return codes.Wrap(codes.IOError, err, "encode trusted manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return codes.Wrap(codes.IOError, err, "close temp manifest file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return codes.Wrap(codes.IOError, err, "rename temp manifest file into place")
	}
	return nil
}

// NewVerifier creates a Verifier over manifest and keyring.
func NewVerifier(manifest *Manifest, keyring map[string]ed25519.PublicKey) *Verifier {
	if manifest == nil {
		manifest = NewManifest()
	}
	if keyring == nil {
		keyring = make(map[string]ed25519.PublicKey)
	}
	return &Verifier{manifest: manifest, keyring: keyring}
}

// SetManifest atomically replaces the trusted manifest (e.g. after
// periodic reload from hypervisor/manifest.json).
func (v *Verifier) SetManifest(m *Manifest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.manifest = m
}

// sha256File computes the lowercase hex SHA-256 digest of the file at path.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", codes.Wrap(codes.IOError, err, "open file for digest")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", codes.Wrap(codes.IOError, err, "read file for digest")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyImage checks path's SHA-256 digest against the manifest's image
// entry, failing CHECKSUM_MISMATCH on any disagreement (§4.11, §4.9 "d").
func (v *Verifier) VerifyImage(path string) error {
	return v.verifyDigest(path, "image", func(m *Manifest) map[string]string { return m.Images })
}

// VerifyKernel checks path's SHA-256 digest against the manifest's kernel
// entry, failing CHECKSUM_MISMATCH on any disagreement.
func (v *Verifier) VerifyKernel(path string) error {
	return v.verifyDigest(path, "kernel", func(m *Manifest) map[string]string { return m.Kernels })
}

func (v *Verifier) verifyDigest(path, kind string, pick func(*Manifest) map[string]string) error {
	v.mu.RLock()
	m := v.manifest
	v.mu.RUnlock()

	want, ok := pick(m)[path]
	if !ok {
		return codes.Field(codes.ChecksumMismatch, kind,
			"no trusted manifest entry for "+path)
	}
	got, err := sha256File(path)
	if err != nil {
		return err
	}
	if got != want {
		return codes.Field(codes.ChecksumMismatch, kind,
			"digest mismatch for "+path)
	}
	return nil
}

// VerifyPlugin checks name's Ed25519 signature over payload against the
// keyring, failing PLUGIN_UNVERIFIED if the name is unknown or the
// signature does not verify (§4.11).
func (v *Verifier) VerifyPlugin(name string, payload, signature []byte) error {
	v.mu.RLock()
	pub, ok := v.keyring[name]
	v.mu.RUnlock()
	if !ok {
		return codes.Field(codes.PluginUnverified, "name", "no keyring entry for plugin "+name)
	}
	if !ed25519.Verify(pub, payload, signature) {
		return codes.Field(codes.PluginUnverified, "signature", "signature verification failed for plugin "+name)
	}
	return nil
}
