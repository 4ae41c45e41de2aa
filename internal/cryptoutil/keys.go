// Package cryptoutil provides the node's cryptographic primitives: secp256k1
// signatures, ECDH shared-key derivation, ChaCha20-Poly1305 AEAD, the
// passphrase KDF, and invite tokens.
package cryptoutil

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

const (
	// NodeIDSize is the length in bytes of a NodeId.
	NodeIDSize = 20

	// KeySize is the size of an AEAD/ECDH key in bytes.
	KeySize = 32

	// NonceSize is the size of a ChaCha20-Poly1305 nonce in bytes.
	NonceSize = 12

	// TagSize is the size of the Poly1305 authentication tag in bytes.
	TagSize = 16

	// SignatureSize is the size of a secp256k1 signature in r||s||v form.
	SignatureSize = 65
)

var ErrInvalidNodeID = errors.New("cryptoutil: invalid node id")

// NodeID is the 20-byte keccak-style address derived from a node's
// secp256k1 public key. It is immutable for the life of a key pair.
type NodeID [NodeIDSize]byte

// KeyPair holds a node's secp256k1 identity key.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// GenerateKeyPair creates a fresh secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// KeyPairFromSecret reconstructs a key pair from a 32-byte secret scalar.
func KeyPairFromSecret(secret []byte) (*KeyPair, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("cryptoutil: secret must be 32 bytes, got %d", len(secret))
	}
	priv := secp256k1.PrivKeyFromBytes(secret)
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// NodeIDFromPublicKey derives the NodeId for a public key: the last 20 bytes
// of the Keccak-256 hash of the uncompressed public key's X||Y coordinates
// (the 0x04 prefix byte is excluded, matching the Ethereum address scheme).
func NodeIDFromPublicKey(pub *secp256k1.PublicKey) NodeID {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)

	var id NodeID
	copy(id[:], sum[len(sum)-NodeIDSize:])
	return id
}

// ID returns the NodeId for this key pair.
func (kp *KeyPair) ID() NodeID {
	return NodeIDFromPublicKey(kp.Public)
}

// PublicKeyB64 returns the SEC1-compressed public key, base64url-encoded
// (without padding), the wire form used throughout the envelope protocol.
func (kp *KeyPair) PublicKeyB64() string {
	return b64Encode(kp.Public.SerializeCompressed())
}

// ParsePublicKeyB64 decodes a base64url SEC1-compressed public key.
func ParsePublicKeyB64(s string) (*secp256k1.PublicKey, error) {
	raw, err := b64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}
	return pub, nil
}

// String returns the 0x-prefixed lowercase hex representation of the NodeId.
func (id NodeID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether the NodeId is the uninitialized zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// ParseNodeID parses a 0x-prefixed or bare hex NodeId string.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != NodeIDSize*2 {
		return NodeID{}, ErrInvalidNodeID
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
