package cryptoutil

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidCiphertext is returned when a ciphertext/nonce pair is
// malformed or fails authentication.
var ErrInvalidCiphertext = errors.New("cryptoutil: invalid ciphertext")

// Encrypt seals plaintext under key with a fresh random 12-byte nonce drawn
// from a cryptographically secure source. Every call uses an independent
// nonce, since envelopes are one-shot messages rather than a continuous
// stream where a counter could be tracked on both ends.
//
// Returns the ciphertext and nonce, each base64url-encoded.
func Encrypt(key [KeySize]byte, plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", "", fmt.Errorf("cryptoutil: create cipher: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", "", fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)
	return b64Encode(ciphertext), b64Encode(nonce[:]), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Returns ErrInvalidCiphertext
// on malformed base64, a nonce of the wrong length, or AEAD tag mismatch.
func Decrypt(key [KeySize]byte, ciphertextB64, nonceB64 string) ([]byte, error) {
	ciphertext, err := b64Decode(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	nonce, err := b64Decode(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", ErrInvalidCiphertext, len(nonce))
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// ZeroBytes overwrites b with zeroes in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key in place.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
