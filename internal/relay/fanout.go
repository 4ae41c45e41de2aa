package relay

import (
	"fmt"

	"github.com/nodemesh/relay/internal/protocol"
)

// SenderLookup resolves a NodeId string to its delivery function. Delivery
// functions are expected to be non-blocking and to report whether the
// frame was actually enqueued.
type SenderLookup interface {
	GetSender(nodeID string) (deliver func(*protocol.Frame) bool, ok bool)
}

// RoomLookup resolves a topic to the NodeId strings currently subscribed
// to it, excluding the sender.
type RoomLookup interface {
	GetRoomSubscribers(topic string, excludeSelf string) []string
}

// Stats reports what one Fanout call did, for metrics.
type Stats struct {
	// Kind is "direct" or "room"; empty when the frame was rejected
	// before any delivery attempt.
	Kind    string
	Sent    int
	Dropped int
}

// Fanout implements the RelaySend delivery rules: direct delivery to a
// registered recipient, broadcast to a room's subscribers excluding the
// sender, or a NOT_FOUND error back to the sender. It carries no transport
// or cryptographic dependency of its own — only the routing decision.
func Fanout(senders SenderLookup, rooms RoomLookup, fromNodeID string, payload protocol.RelaySendPayload) (Stats, *protocol.ErrorPayload) {
	switch {
	case payload.ToNodeID != "":
		frame, err := deliveryFrame(payload.Envelope)
		if err != nil {
			return Stats{}, &protocol.ErrorPayload{Code: protocol.ErrCodeInternal, Message: err.Error()}
		}
		send, ok := senders.GetSender(payload.ToNodeID)
		if !ok {
			return Stats{}, &protocol.ErrorPayload{
				Code:    protocol.ErrCodeNotFound,
				Message: fmt.Sprintf("node %s not connected", payload.ToNodeID),
			}
		}
		// Dropped silently if the target's outbound channel has no room —
		// no backpressure is propagated back to the sender for this case.
		if send(frame) {
			return Stats{Kind: "direct", Sent: 1}, nil
		}
		return Stats{Kind: "direct", Dropped: 1}, nil

	case payload.Envelope.Topic != "":
		frame, err := deliveryFrame(payload.Envelope)
		if err != nil {
			return Stats{}, &protocol.ErrorPayload{Code: protocol.ErrCodeInternal, Message: err.Error()}
		}
		stats := Stats{Kind: "room"}
		for _, nodeID := range rooms.GetRoomSubscribers(payload.Envelope.Topic, fromNodeID) {
			send, ok := senders.GetSender(nodeID)
			if !ok {
				continue
			}
			if send(frame) {
				stats.Sent++
			} else {
				stats.Dropped++
			}
		}
		return stats, nil

	default:
		return Stats{}, &protocol.ErrorPayload{
			Code:    protocol.ErrCodeInvalidFrame,
			Message: "RelaySend requires to_node_id or envelope.topic",
		}
	}
}

func deliveryFrame(env protocol.Envelope) (*protocol.Frame, error) {
	payload, err := protocol.EncodePayload(protocol.DeliveryPayload{Envelope: env})
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{Type: protocol.FrameDelivery, Payload: payload}, nil
}
