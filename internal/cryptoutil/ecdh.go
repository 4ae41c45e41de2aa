package cryptoutil

import (
	"crypto/sha256"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrIdentityPoint is returned when an ECDH computation lands on the curve's
// identity point, which would happen only with a maliciously crafted key.
var ErrIdentityPoint = errors.New("cryptoutil: ECDH produced the identity point")

// DeriveSharedKey computes the ECDH shared key between a private key and a
// peer's public key: SHA-256 of the shared secret point's x-coordinate.
// Both sides of a DM exchange compute an identical 32-byte key this way,
// since scalar multiplication commutes: sk_a*pub_b == sk_b*pub_a.
func DeriveSharedKey(priv *secp256k1.PrivateKey, peerPub *secp256k1.PublicKey) ([KeySize]byte, error) {
	var peerPoint, shared secp256k1.JacobianPoint
	peerPub.AsJacobian(&peerPoint)

	secp256k1.ScalarMultNonConst(&priv.Key, &peerPoint, &shared)
	shared.ToAffine()

	if shared.X.IsZero() && shared.Y.IsZero() {
		return [KeySize]byte{}, ErrIdentityPoint
	}

	shared.X.Normalize()
	xBytes := shared.X.Bytes()
	return sha256.Sum256(xBytes[:]), nil
}

// DeriveSharedKeyB64 is DeriveSharedKey for a peer public key given in its
// base64url SEC1-compressed wire form.
func DeriveSharedKeyB64(priv *secp256k1.PrivateKey, peerPubB64 string) ([KeySize]byte, error) {
	peerPub, err := ParsePublicKeyB64(peerPubB64)
	if err != nil {
		return [KeySize]byte{}, err
	}
	return DeriveSharedKey(priv, peerPub)
}
