// Package protocol defines the wire protocol between a node and a relay:
// the frame header, the frame type constants for each direction, and the
// envelope and payload shapes carried inside frames.
package protocol

// Frame type constants. Node->Relay frames are numbered from 0x01, and
// Relay->Node frames from 0x10, so a reader can tell direction from the
// high nibble alone while debugging a capture.
const (
	// Node -> Relay
	FrameRegister        uint8 = 0x01
	FrameRelaySend       uint8 = 0x02
	FramePing            uint8 = 0x03
	FrameRoomSubscribe   uint8 = 0x04
	FrameRoomUnsubscribe uint8 = 0x05

	// Relay -> Node
	FrameRegisterAck uint8 = 0x10
	FrameDelivery    uint8 = 0x11
	FramePong        uint8 = 0x12
	FrameError       uint8 = 0x13
)

// Error codes carried in an Error frame's Code field.
const (
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInvalidFrame  = "INVALID_FRAME"
	ErrCodeNotRegistered = "NOT_REGISTERED"
	ErrCodeDirectoryFull = "DIRECTORY_FULL"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternal      = "INTERNAL"
)

// Protocol constants.
const (
	// HeaderSize is the size of a frame header in bytes.
	HeaderSize = 14

	// MaxPayloadSize bounds a single frame's JSON payload.
	MaxPayloadSize = 256 * 1024

	// MaxFrameSize is the maximum total frame size (header + payload).
	MaxFrameSize = HeaderSize + MaxPayloadSize
)

// MessageType enumerates the kinds of envelope a node can send, encoded as
// a small integer on the wire.
type MessageType int

const (
	MessageUnspecified MessageType = 0
	MessageDMText      MessageType = 1
	MessageFeedPost    MessageType = 2
	MessageRoomMessage MessageType = 3
	MessageRoomJoin    MessageType = 4
	MessageBroadcast   MessageType = 5
	MessageTaskUpdate  MessageType = 6
	MessageCommand     MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageUnspecified:
		return "Unspecified"
	case MessageDMText:
		return "DmText"
	case MessageFeedPost:
		return "FeedPost"
	case MessageRoomMessage:
		return "RoomMessage"
	case MessageRoomJoin:
		return "RoomJoin"
	case MessageBroadcast:
		return "Broadcast"
	case MessageTaskUpdate:
		return "TaskUpdate"
	case MessageCommand:
		return "Command"
	default:
		return "Unknown"
	}
}

// Envelope is the on-wire unit of node-to-node communication, bit-compatible
// across implementations: every field needed to verify, decrypt, and route
// a message travels with it.
type Envelope struct {
	MessageID        string      `json:"message_id"`
	FromNodeID       string      `json:"from_node_id"`
	ToNodeID         string      `json:"to_node_id,omitempty"`
	FromPublicKeyB64 string      `json:"from_public_key_b64"`
	MessageType      MessageType `json:"message_type"`
	CiphertextB64    string      `json:"ciphertext_b64"`
	NonceB64         string      `json:"nonce_b64"`
	SignatureB64     string      `json:"signature_b64"`
	TimestampMs      int64       `json:"timestamp_ms"`
	Topic            string      `json:"topic,omitempty"`

	// InviteTokenB64 optionally carries a signed invite token letting a
	// non-follower's first message be accepted by the recipient's ingress
	// policy. Opaque to the relay.
	InviteTokenB64 string `json:"invite_token,omitempty"`
}

// FrameTypeName returns a human-readable name for a frame type, for logging.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameRegister:
		return "REGISTER"
	case FrameRelaySend:
		return "RELAY_SEND"
	case FramePing:
		return "PING"
	case FrameRoomSubscribe:
		return "ROOM_SUBSCRIBE"
	case FrameRoomUnsubscribe:
		return "ROOM_UNSUBSCRIBE"
	case FrameRegisterAck:
		return "REGISTER_ACK"
	case FrameDelivery:
		return "DELIVERY"
	case FramePong:
		return "PONG"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsNodeToRelay returns true if t is sent by a node to a relay.
func IsNodeToRelay(t uint8) bool {
	return t >= FrameRegister && t <= FrameRoomUnsubscribe
}

// IsRelayToNode returns true if t is sent by a relay to a node.
func IsRelayToNode(t uint8) bool {
	return t >= FrameRegisterAck && t <= FrameError
}
