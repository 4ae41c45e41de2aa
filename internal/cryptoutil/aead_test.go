package cryptoutil

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	plaintext := []byte("hello from a node")
	ciphertextB64, nonceB64, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := Decrypt(key, ciphertextB64, nonceB64)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptNoncesAreRandomPerCall(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	_, nonce1, err := Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	_, nonce2, err := Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if nonce1 == nonce2 {
		t.Error("Encrypt() reused a nonce across two calls")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ciphertextB64, nonceB64, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	raw, _ := b64Decode(ciphertextB64)
	raw[0] ^= 0xFF
	tampered := b64Encode(raw)

	if _, err := Decrypt(key, tampered, nonceB64); err == nil {
		t.Error("Decrypt() accepted a tampered ciphertext")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	var key, wrongKey [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(wrongKey[:], []byte("fedcba9876543210fedcba9876543210"))

	ciphertextB64, nonceB64, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(wrongKey, ciphertextB64, nonceB64); err == nil {
		t.Error("Decrypt() accepted the wrong key")
	}
}
