package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	kdfSaltSize = 16

	// Argon2id parameters tuned for an interactive identity-unlock prompt:
	// memory-hard enough to resist offline cracking, fast enough not to
	// stall a CLI invocation.
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
)

// ErrWrongPassphrase is returned by UnwrapSecret when the passphrase does
// not match the one used to wrap the secret (the AEAD tag fails to verify).
var ErrWrongPassphrase = errors.New("cryptoutil: wrong passphrase or corrupt secret")

// DeriveKey maps (passphrase, salt) to a 32-byte key via Argon2id.
func DeriveKey(passphrase string, salt []byte) [KeySize]byte {
	raw := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, KeySize)
	var key [KeySize]byte
	copy(key[:], raw)
	return key
}

// DeriveRoomKey deterministically derives a secure room's symmetric key from
// a shared passphrase and the room name. The room name is folded into the
// salt so that the same passphrase used for two different rooms yields
// unrelated keys.
func DeriveRoomKey(passphrase, roomName string) [KeySize]byte {
	salt := sha256.Sum256([]byte("nodemesh-room:" + roomName))
	return DeriveKey(passphrase, salt[:])
}

// WrapSecret encrypts secret under a key derived from passphrase, for
// at-rest storage of the node's identity key. Output layout:
//
//	salt (16 bytes) || nonce (12 bytes) || ciphertext || tag (16 bytes)
//
// A fresh random salt is drawn on every call so that wrapping the same
// secret twice with the same passphrase produces unrelated ciphertexts.
func WrapSecret(passphrase string, secret []byte) ([]byte, error) {
	salt := make([]byte, kdfSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate salt: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	defer ZeroKey(&key)

	ciphertextB64, nonceB64, err := Encrypt(key, secret)
	if err != nil {
		return nil, err
	}
	ciphertext, err := b64Decode(ciphertextB64)
	if err != nil {
		return nil, err
	}
	nonce, err := b64Decode(nonceB64)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, kdfSaltSize+NonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnwrapSecret reverses WrapSecret, returning ErrWrongPassphrase if the
// passphrase is incorrect or the wrapped secret has been corrupted.
func UnwrapSecret(passphrase string, wrapped []byte) ([]byte, error) {
	if len(wrapped) < kdfSaltSize+NonceSize+TagSize {
		return nil, ErrWrongPassphrase
	}

	salt := wrapped[:kdfSaltSize]
	nonce := wrapped[kdfSaltSize : kdfSaltSize+NonceSize]
	ciphertext := wrapped[kdfSaltSize+NonceSize:]

	key := DeriveKey(passphrase, salt)
	defer ZeroKey(&key)

	plaintext, err := Decrypt(key, b64Encode(ciphertext), b64Encode(nonce))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}
