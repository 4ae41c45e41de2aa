package cryptoutil

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidSignature is returned when a signature has the wrong length or
// fails to verify against the claimed public key.
var ErrInvalidSignature = errors.New("cryptoutil: invalid signature")

// Sign produces a 65-byte r||s||v signature over the Keccak-256 digest of
// msg using a deterministic nonce (RFC 6979), matching the recoverable
// signature scheme used across the node/relay wire protocol.
func Sign(priv *secp256k1.PrivateKey, msg []byte) ([]byte, error) {
	digest := keccak256(msg)

	compact := ecdsa.SignCompact(priv, digest, false)
	if len(compact) != SignatureSize {
		return nil, fmt.Errorf("cryptoutil: unexpected compact signature length %d", len(compact))
	}

	// SignCompact returns header||r||s where header = 27+recid. Rearrange
	// to r||s||v so the recovery id trails the signature, as the wire
	// format requires.
	sig := make([]byte, SignatureSize)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - 27
	return sig, nil
}

// EncodeSignature base64url-encodes a raw signature produced by Sign, for
// embedding in a wire payload's *_b64 field (RegisterPayload.SignatureB64,
// Envelope.SignatureB64).
func EncodeSignature(sig []byte) string {
	return b64Encode(sig)
}

// DecodeSignature reverses EncodeSignature.
func DecodeSignature(sigB64 string) ([]byte, error) {
	return b64Decode(sigB64)
}

// Verify checks a 65-byte r||s||v signature against a SEC1-compressed
// public key encoded as base64url (the wire representation used in
// envelopes and invite tokens).
func Verify(pubB64 string, msg []byte, sigB64 string) bool {
	pub, err := ParsePublicKeyB64(pubB64)
	if err != nil {
		return false
	}
	sig, err := b64Decode(sigB64)
	if err != nil {
		return false
	}
	return VerifyBytes(pub, msg, sig)
}

// VerifyBytes checks a raw 65-byte r||s||v signature against a parsed
// public key.
func VerifyBytes(pub *secp256k1.PublicKey, msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}

	r := new(secp256k1.ModNScalar)
	s := new(secp256k1.ModNScalar)
	if r.SetByteSlice(sig[:32]) {
		return false // overflowed the curve order
	}
	if s.SetByteSlice(sig[32:64]) {
		return false
	}

	signature := ecdsa.NewSignature(r, s)
	digest := keccak256(msg)
	return signature.Verify(digest, pub)
}

func keccak256(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(msg)
	return h.Sum(nil)
}
