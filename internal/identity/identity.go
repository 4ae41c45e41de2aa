// Package identity manages a node's secp256k1 key pair: its generation,
// its encrypted at-rest persistence, and the NodeId derived from it.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodemesh/relay/internal/cryptoutil"
)

const (
	// keyFileName is the name of the file storing the wrapped secret key.
	keyFileName = "identity.key"
)

// ErrNotFound is returned by Load when no identity file exists in the data
// directory.
var ErrNotFound = errors.New("identity: no identity found")

// Identity is a node's ⟨secret_key, public_key, public_key_b64_sec1,
// node_id⟩ tuple. The secret key is held only by its owning node — the
// relay never sees it.
type Identity struct {
	KeyPair *cryptoutil.KeyPair
}

// NodeID returns the identity's derived NodeId.
func (id *Identity) NodeID() cryptoutil.NodeID {
	return id.KeyPair.ID()
}

// PublicKeyB64 returns the SEC1-compressed public key, base64url-encoded.
func (id *Identity) PublicKeyB64() string {
	return id.KeyPair.PublicKeyB64()
}

// Generate creates a fresh identity with a freshly generated secp256k1 key.
func Generate() (*Identity, error) {
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{KeyPair: kp}, nil
}

// Save persists the identity to dataDir, wrapping the secret key under
// passphrase. Writes atomically via a temp-file-then-rename so a crash
// mid-write never leaves a truncated identity file behind.
func (id *Identity) Save(dataDir, passphrase string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data dir: %w", err)
	}

	wrapped, err := cryptoutil.WrapSecret(passphrase, id.KeyPair.Private.Serialize())
	if err != nil {
		return fmt.Errorf("identity: wrap secret: %w", err)
	}

	filePath := filepath.Join(dataDir, keyFileName)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, wrapped, 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("identity: persist key file: %w", err)
	}
	return nil
}

// Load reads and unwraps an identity from dataDir. Returns ErrNotFound if no
// identity file exists, or cryptoutil.ErrWrongPassphrase if passphrase does
// not match the one used to save it.
func Load(dataDir, passphrase string) (*Identity, error) {
	filePath := filepath.Join(dataDir, keyFileName)

	wrapped, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	secret, err := cryptoutil.UnwrapSecret(passphrase, wrapped)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.ZeroBytes(secret)

	kp, err := cryptoutil.KeyPairFromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("identity: reconstruct key: %w", err)
	}
	return &Identity{KeyPair: kp}, nil
}

// LoadOrGenerate loads an existing identity from dataDir, or generates and
// persists a new one if none exists. Returns whether a new identity was
// created.
func LoadOrGenerate(dataDir, passphrase string) (*Identity, bool, error) {
	id, err := Load(dataDir, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(dataDir, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Exists reports whether an identity file exists in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
