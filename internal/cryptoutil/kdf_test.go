package cryptoutil

import "testing"

func TestDeriveRoomKeyDeterministic(t *testing.T) {
	k1 := DeriveRoomKey("shared passphrase", "general")
	k2 := DeriveRoomKey("shared passphrase", "general")
	if k1 != k2 {
		t.Error("DeriveRoomKey() is not deterministic for the same inputs")
	}

	k3 := DeriveRoomKey("shared passphrase", "random-room")
	if k1 == k3 {
		t.Error("DeriveRoomKey() produced the same key for two different room names")
	}

	k4 := DeriveRoomKey("different passphrase", "general")
	if k1 == k4 {
		t.Error("DeriveRoomKey() produced the same key for two different passphrases")
	}
}

func TestWrapUnwrapSecretRoundTrip(t *testing.T) {
	secret := []byte("a 32-byte secp256k1 secret key!")

	wrapped, err := WrapSecret("correct horse battery staple", secret)
	if err != nil {
		t.Fatalf("WrapSecret() error = %v", err)
	}

	got, err := UnwrapSecret("correct horse battery staple", wrapped)
	if err != nil {
		t.Fatalf("UnwrapSecret() error = %v", err)
	}
	if string(got) != string(secret) {
		t.Errorf("UnwrapSecret() = %q, want %q", got, secret)
	}
}

func TestUnwrapSecretRejectsWrongPassphrase(t *testing.T) {
	secret := []byte("a 32-byte secp256k1 secret key!")

	wrapped, err := WrapSecret("correct horse battery staple", secret)
	if err != nil {
		t.Fatalf("WrapSecret() error = %v", err)
	}

	if _, err := UnwrapSecret("wrong passphrase", wrapped); err != ErrWrongPassphrase {
		t.Errorf("UnwrapSecret() error = %v, want ErrWrongPassphrase", err)
	}
}
