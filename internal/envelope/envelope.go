// Package envelope implements the end-to-end envelope codec: construction
// and reception of direct messages, multi-recipient feed posts, and room
// messages. The relay never imports this package — envelope bodies are
// opaque bytes to it.
//
// The signing contract is byte-exact across implementations: for direct and
// room messages the signature covers the ASCII bytes of the ciphertext_b64
// string, and for feed posts it covers the "<wrap>:<nonce>:<content>"
// concatenation. Raw ciphertext bytes and plaintexts are never signed.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/protocol"
)

const (
	// MaxRoomBodyBytes caps a room message's plaintext body.
	MaxRoomBodyBytes = 140

	// RoomSendCooldown is the minimum interval between two room sends by
	// the same sender. Enforced node-side; the relay does not police bodies.
	RoomSendCooldown = 3 * time.Second
)

var (
	// ErrMalformedFeed is returned when a feed envelope's ciphertext does
	// not split into the three expected base64 fields.
	ErrMalformedFeed = errors.New("envelope: malformed feed ciphertext")

	// ErrRoomBodyTooLong is returned when a room message body exceeds
	// MaxRoomBodyBytes.
	ErrRoomBodyTooLong = errors.New("envelope: room message body too long")

	// ErrBadSignature is returned when an envelope's signature does not
	// verify against its sender public key.
	ErrBadSignature = errors.New("envelope: signature verification failed")
)

// Recipient identifies one destination of a direct or feed message.
type Recipient struct {
	NodeID       string
	PublicKeyB64 string
}

// SigningPayload returns the canonical bytes an envelope's signature covers:
// the ASCII bytes of the ciphertext_b64 field. For feed posts that field is
// already the wrap:nonce:content concatenation, so the same rule covers
// every message type.
func SigningPayload(env *protocol.Envelope) []byte {
	return []byte(env.CiphertextB64)
}

// VerifySignature checks env's signature against its embedded sender public
// key over the canonical signing payload.
func VerifySignature(env *protocol.Envelope) bool {
	return cryptoutil.Verify(env.FromPublicKeyB64, SigningPayload(env), env.SignatureB64)
}

// SealDM builds a DmText envelope for one recipient: the plaintext is
// AEAD-sealed under the ECDH shared key, and the signature covers the
// base64 ciphertext string.
func SealDM(sender *cryptoutil.KeyPair, to Recipient, plaintext []byte, now time.Time) (*protocol.Envelope, error) {
	key, err := cryptoutil.DeriveSharedKeyB64(sender.Private, to.PublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("envelope: derive shared key: %w", err)
	}
	defer cryptoutil.ZeroKey(&key)

	ciphertextB64, nonceB64, err := cryptoutil.Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}

	return seal(sender, protocol.MessageDMText, to.NodeID, "", ciphertextB64, nonceB64, now)
}

// OpenDM decrypts a DmText envelope addressed to receiver. The caller is
// expected to have already verified the signature through the ingress
// policy; OpenDM only performs the cryptographic reversal.
func OpenDM(receiver *cryptoutil.KeyPair, env *protocol.Envelope) ([]byte, error) {
	key, err := cryptoutil.DeriveSharedKeyB64(receiver.Private, env.FromPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("envelope: derive shared key: %w", err)
	}
	defer cryptoutil.ZeroKey(&key)

	return cryptoutil.Decrypt(key, env.CiphertextB64, env.NonceB64)
}

// SealFeed builds one FeedPost envelope per recipient. The body is encrypted
// once under a fresh content key; the content key is then wrapped under each
// recipient's ECDH shared key. Every returned envelope shares the same
// message id, content ciphertext, and content nonce, and differs only in its
// recipient (to_node_id), wrap fields and signature.
func SealFeed(sender *cryptoutil.KeyPair, recipients []Recipient, plaintext []byte, now time.Time) ([]*protocol.Envelope, error) {
	var contentKey [cryptoutil.KeySize]byte
	if _, err := io.ReadFull(rand.Reader, contentKey[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate content key: %w", err)
	}
	defer cryptoutil.ZeroKey(&contentKey)

	contentCtB64, contentNonceB64, err := cryptoutil.Encrypt(contentKey, plaintext)
	if err != nil {
		return nil, err
	}

	messageID := NewMessageID()

	out := make([]*protocol.Envelope, 0, len(recipients))
	for _, r := range recipients {
		shared, err := cryptoutil.DeriveSharedKeyB64(sender.Private, r.PublicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("envelope: derive shared key for %s: %w", r.NodeID, err)
		}

		wrapCtB64, wrapNonceB64, err := cryptoutil.Encrypt(shared, contentKey[:])
		cryptoutil.ZeroKey(&shared)
		if err != nil {
			return nil, err
		}

		ciphertextB64 := wrapCtB64 + ":" + wrapNonceB64 + ":" + contentCtB64
		env, err := seal(sender, protocol.MessageFeedPost, r.NodeID, "", ciphertextB64, contentNonceB64, now)
		if err != nil {
			return nil, err
		}
		env.MessageID = messageID
		out = append(out, env)
	}
	return out, nil
}

// OpenFeed unwraps and decrypts a FeedPost envelope addressed to receiver:
// splits the ciphertext at the first two colons, recovers the content key
// under the receiver's shared key, then decrypts the content.
func OpenFeed(receiver *cryptoutil.KeyPair, env *protocol.Envelope) ([]byte, error) {
	wrapCtB64, rest, ok := strings.Cut(env.CiphertextB64, ":")
	if !ok {
		return nil, ErrMalformedFeed
	}
	wrapNonceB64, contentCtB64, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, ErrMalformedFeed
	}

	shared, err := cryptoutil.DeriveSharedKeyB64(receiver.Private, env.FromPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("envelope: derive shared key: %w", err)
	}
	defer cryptoutil.ZeroKey(&shared)

	rawContentKey, err := cryptoutil.Decrypt(shared, wrapCtB64, wrapNonceB64)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.ZeroBytes(rawContentKey)
	if len(rawContentKey) != cryptoutil.KeySize {
		return nil, fmt.Errorf("%w: wrapped key length %d", ErrMalformedFeed, len(rawContentKey))
	}

	var contentKey [cryptoutil.KeySize]byte
	copy(contentKey[:], rawContentKey)
	defer cryptoutil.ZeroKey(&contentKey)

	return cryptoutil.Decrypt(contentKey, contentCtB64, env.NonceB64)
}

// SealRoomOpen builds a RoomMessage envelope for an open room: the body
// travels as an opaque plaintext string in the ciphertext field, the nonce
// is empty, and the signature covers the body bytes.
func SealRoomOpen(sender *cryptoutil.KeyPair, room string, body []byte, now time.Time) (*protocol.Envelope, error) {
	if len(body) > MaxRoomBodyBytes {
		return nil, ErrRoomBodyTooLong
	}
	return seal(sender, protocol.MessageRoomMessage, "", room, string(body), "", now)
}

// OpenRoomOpen returns an open-room message's body.
func OpenRoomOpen(env *protocol.Envelope) []byte {
	return []byte(env.CiphertextB64)
}

// SealRoomSecure builds a RoomMessage envelope for a secure room: the body
// is AEAD-sealed under the key deterministically derived from the room's
// shared passphrase and name, so every member derives the same key.
func SealRoomSecure(sender *cryptoutil.KeyPair, room, passphrase string, body []byte, now time.Time) (*protocol.Envelope, error) {
	if len(body) > MaxRoomBodyBytes {
		return nil, ErrRoomBodyTooLong
	}

	key := cryptoutil.DeriveRoomKey(passphrase, room)
	defer cryptoutil.ZeroKey(&key)

	ciphertextB64, nonceB64, err := cryptoutil.Encrypt(key, body)
	if err != nil {
		return nil, err
	}
	return seal(sender, protocol.MessageRoomMessage, "", room, ciphertextB64, nonceB64, now)
}

// OpenRoomSecure decrypts a secure-room message using the room's shared
// passphrase.
func OpenRoomSecure(env *protocol.Envelope, passphrase string) ([]byte, error) {
	key := cryptoutil.DeriveRoomKey(passphrase, env.Topic)
	defer cryptoutil.ZeroKey(&key)

	return cryptoutil.Decrypt(key, env.CiphertextB64, env.NonceB64)
}

// seal populates the common envelope fields and signs the canonical payload.
func seal(sender *cryptoutil.KeyPair, mt protocol.MessageType, toNodeID, topic, ciphertextB64, nonceB64 string, now time.Time) (*protocol.Envelope, error) {
	sig, err := cryptoutil.Sign(sender.Private, []byte(ciphertextB64))
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}

	return &protocol.Envelope{
		MessageID:        NewMessageID(),
		FromNodeID:       sender.ID().String(),
		ToNodeID:         toNodeID,
		FromPublicKeyB64: sender.PublicKeyB64(),
		MessageType:      mt,
		CiphertextB64:    ciphertextB64,
		NonceB64:         nonceB64,
		SignatureB64:     cryptoutil.EncodeSignature(sig),
		TimestampMs:      now.UnixMilli(),
		Topic:            topic,
	}, nil
}

// NewMessageID returns a fresh random message id in UUIDv4 form.
func NewMessageID() string {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		// crypto/rand failing means the process has far bigger problems;
		// a zero id at least stays well-formed.
		return "00000000-0000-4000-8000-000000000000"
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80

	s := hex.EncodeToString(b[:])
	return s[:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
}
