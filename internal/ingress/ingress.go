// Package ingress implements a node's inbound-envelope decision procedure:
// signature check, relationship check (block list, follow graph, invite
// tokens), trust-tier gating, and rate limiting. The package is pure policy
// — it performs no I/O and mutates no state beyond the rate limiter handed
// to it, so the same inputs always produce the same verdict.
package ingress

import (
	"time"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/envelope"
	"github.com/nodemesh/relay/internal/protocol"
	"github.com/nodemesh/relay/internal/ratelimit"
)

// Tier is a receiver-assigned trust level for a sender. Tiers are ordered:
// Public < Follower < Trusted < Operator.
type Tier int

const (
	TierPublic Tier = iota
	TierFollower
	TierTrusted
	TierOperator
)

func (t Tier) String() string {
	switch t {
	case TierPublic:
		return "public"
	case TierFollower:
		return "follower"
	case TierTrusted:
		return "trusted"
	case TierOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// RequiredTier maps a message type to the minimum sender tier that may
// deliver it. Unknown message types require Operator, so extending the
// protocol can only fail closed.
func RequiredTier(t protocol.MessageType) Tier {
	switch t {
	case protocol.MessageBroadcast, protocol.MessageUnspecified:
		return TierPublic
	case protocol.MessageDMText, protocol.MessageFeedPost, protocol.MessageRoomMessage, protocol.MessageRoomJoin:
		return TierFollower
	case protocol.MessageTaskUpdate:
		return TierTrusted
	case protocol.MessageCommand:
		return TierOperator
	default:
		return TierOperator
	}
}

// Decision is the overall verdict of Evaluate.
type Decision int

const (
	// Reject means the envelope is dropped. Rejects are logged by the
	// caller but never echoed back to the sender.
	Reject Decision = iota
	// Accept means the envelope proceeds to decryption and the inbox.
	Accept
	// AcceptViaInvite means Accept, plus the caller should record the
	// sender as a new Follower-tier peer. The policy layer stays pure;
	// the follow-store mutation is the caller's job.
	AcceptViaInvite
)

// Reason explains a Reject.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidSignature Reason = "invalid signature"
	ReasonBlocked          Reason = "blocked"
	ReasonNotAFriend       Reason = "not a friend"
	ReasonInsufficientTier Reason = "insufficient trust tier"
	ReasonRateLimited      Reason = "rate limited"
	ReasonRoomNotJoined    Reason = "room not joined"
)

// Verdict is Evaluate's result. Invite is populated for AcceptViaInvite.
type Verdict struct {
	Decision Decision
	Reason   Reason
	Invite   cryptoutil.InviteBody
}

// Snapshot is the receiver's view of its own relationships at evaluation
// time. All three funcs must be non-nil.
type Snapshot struct {
	// Blocked reports whether the receiver has blocked nodeID.
	Blocked func(nodeID string) bool
	// TierOf returns the receiver-assigned tier for nodeID; ok is false
	// when the sender is unknown (not followed, no tier recorded).
	TierOf func(nodeID string) (Tier, bool)
	// JoinedRoom reports whether the receiver currently belongs to room.
	JoinedRoom func(room string) bool
}

// RateChecker is the slice of ratelimit.Limiter the policy needs.
type RateChecker interface {
	Check(key string) ratelimit.Result
}

// Evaluate runs the ingress decision procedure for env, received by the
// identity whose NodeId is receiverNodeID, short-circuiting on the first
// negative check.
func Evaluate(env *protocol.Envelope, receiverNodeID string, snap Snapshot, limiter RateChecker, now time.Time) Verdict {
	if !envelope.VerifySignature(env) {
		return Verdict{Decision: Reject, Reason: ReasonInvalidSignature}
	}

	// Room messages ride on subscription rather than the follow graph:
	// joining a room is consent to hear its members. Only the block list
	// and membership are checked beyond the signature; a message for a
	// room the receiver never joined is silently discarded.
	if env.MessageType == protocol.MessageRoomMessage || env.MessageType == protocol.MessageRoomJoin {
		if snap.Blocked(env.FromNodeID) {
			return Verdict{Decision: Reject, Reason: ReasonBlocked}
		}
		if env.Topic == "" || !snap.JoinedRoom(env.Topic) {
			return Verdict{Decision: Reject, Reason: ReasonRoomNotJoined}
		}
		return Verdict{Decision: Accept}
	}

	// A blocked sender is rejected before its invite token is even looked
	// at: blocking wins over any credential the sender can attach.
	if snap.Blocked(env.FromNodeID) {
		return Verdict{Decision: Reject, Reason: ReasonBlocked}
	}

	tier, known := snap.TierOf(env.FromNodeID)
	viaInvite := false
	var invite cryptoutil.InviteBody
	if !known {
		if env.InviteTokenB64 == "" {
			return Verdict{Decision: Reject, Reason: ReasonNotAFriend}
		}
		// The token must have been issued by the receiver itself: only an
		// invite the receiver minted can open the receiver's door.
		body, err := cryptoutil.VerifyInvite(env.InviteTokenB64, receiverNodeID, now)
		if err != nil {
			return Verdict{Decision: Reject, Reason: ReasonNotAFriend}
		}
		tier = TierFollower
		viaInvite = true
		invite = body
	}

	if tier < RequiredTier(env.MessageType) {
		return Verdict{Decision: Reject, Reason: ReasonInsufficientTier}
	}

	if res := limiter.Check(env.FromNodeID); res.Outcome != ratelimit.Allowed {
		return Verdict{Decision: Reject, Reason: ReasonRateLimited}
	}

	if viaInvite {
		return Verdict{Decision: AcceptViaInvite, Invite: invite}
	}
	return Verdict{Decision: Accept}
}
