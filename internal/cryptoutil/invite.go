package cryptoutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InviteBody is the payload of an invite token: a signed grant letting a
// non-follower perform a one-time acceptance into the inviter's peer set.
type InviteBody struct {
	InviterNodeID string   `json:"inviter_node_id"`
	InviterPub    string   `json:"inviter_pub"`
	RelayHints    []string `json:"relay_hints"`
	Scopes        []string `json:"scopes"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
}

var (
	ErrInviteMalformed = errors.New("cryptoutil: malformed invite token")
	ErrInviteExpired   = errors.New("cryptoutil: invite token expired")
	ErrInviteSignature = errors.New("cryptoutil: invite token signature invalid")
)

// IssueInvite encodes body as a compact JSON document, base64url-encodes it,
// and signs the ASCII bytes of the encoded body with the inviter's key.
// The returned token is "<body_b64>.<signature_b64>".
func IssueInvite(priv *KeyPair, body InviteBody) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: marshal invite: %w", err)
	}
	bodyB64 := b64Encode(raw)

	sig, err := Sign(priv.Private, []byte(bodyB64))
	if err != nil {
		return "", fmt.Errorf("cryptoutil: sign invite: %w", err)
	}

	return bodyB64 + "." + b64Encode(sig), nil
}

// VerifyInvite parses and validates an invite token: signature, that the
// signing key inviter_pub derives inviter_node_id, expiry, and (for mesh
// acceptance) that the inviter matches expectedInviterNodeID — the identity
// of the node expected to have issued it.
func VerifyInvite(token string, expectedInviterNodeID string, now time.Time) (InviteBody, error) {
	bodyB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return InviteBody{}, ErrInviteMalformed
	}

	raw, err := b64Decode(bodyB64)
	if err != nil {
		return InviteBody{}, fmt.Errorf("%w: %v", ErrInviteMalformed, err)
	}

	var body InviteBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return InviteBody{}, fmt.Errorf("%w: %v", ErrInviteMalformed, err)
	}

	if !Verify(body.InviterPub, []byte(bodyB64), sigB64) {
		return InviteBody{}, ErrInviteSignature
	}

	claimedID, err := ParseNodeID(body.InviterNodeID)
	if err != nil {
		return InviteBody{}, fmt.Errorf("%w: %v", ErrInviteMalformed, err)
	}
	signerPub, err := ParsePublicKeyB64(body.InviterPub)
	if err != nil || NodeIDFromPublicKey(signerPub) != claimedID {
		return InviteBody{}, fmt.Errorf("%w: inviter_pub does not belong to %s", ErrInviteSignature, body.InviterNodeID)
	}

	if expectedInviterNodeID != "" && body.InviterNodeID != expectedInviterNodeID {
		return InviteBody{}, fmt.Errorf("%w: issued by %s, expected %s", ErrInviteSignature, body.InviterNodeID, expectedInviterNodeID)
	}

	if now.Unix() > body.ExpiresAt {
		return InviteBody{}, ErrInviteExpired
	}

	return body, nil
}
