package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameTypeName(t *testing.T) {
	tests := []struct {
		frameType uint8
		want      string
	}{
		{FrameRegister, "REGISTER"},
		{FrameRelaySend, "RELAY_SEND"},
		{FramePing, "PING"},
		{FrameRoomSubscribe, "ROOM_SUBSCRIBE"},
		{FrameRoomUnsubscribe, "ROOM_UNSUBSCRIBE"},
		{FrameRegisterAck, "REGISTER_ACK"},
		{FrameDelivery, "DELIVERY"},
		{FramePong, "PONG"},
		{FrameError, "ERROR"},
		{0xFF, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := FrameTypeName(tt.frameType); got != tt.want {
			t.Errorf("FrameTypeName(%d) = %s, want %s", tt.frameType, got, tt.want)
		}
	}
}

func TestIsNodeToRelayAndIsRelayToNode(t *testing.T) {
	nodeFrames := []uint8{FrameRegister, FrameRelaySend, FramePing, FrameRoomSubscribe, FrameRoomUnsubscribe}
	for _, ft := range nodeFrames {
		if !IsNodeToRelay(ft) {
			t.Errorf("IsNodeToRelay(%s) = false, want true", FrameTypeName(ft))
		}
		if IsRelayToNode(ft) {
			t.Errorf("IsRelayToNode(%s) = true, want false", FrameTypeName(ft))
		}
	}

	relayFrames := []uint8{FrameRegisterAck, FrameDelivery, FramePong, FrameError}
	for _, ft := range relayFrames {
		if !IsRelayToNode(ft) {
			t.Errorf("IsRelayToNode(%s) = false, want true", FrameTypeName(ft))
		}
		if IsNodeToRelay(ft) {
			t.Errorf("IsNodeToRelay(%s) = true, want false", FrameTypeName(ft))
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want string
	}{
		{MessageUnspecified, "Unspecified"},
		{MessageDMText, "DmText"},
		{MessageFeedPost, "FeedPost"},
		{MessageRoomMessage, "RoomMessage"},
		{MessageRoomJoin, "RoomJoin"},
		{MessageBroadcast, "Broadcast"},
		{MessageTaskUpdate, "TaskUpdate"},
		{MessageCommand, "Command"},
		{MessageType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.mt.String(); got != tt.want {
			t.Errorf("MessageType(%d).String() = %s, want %s", tt.mt, got, tt.want)
		}
	}
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	payload, err := EncodePayload(PingPayload{TimestampMs: 1234})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	f := &Frame{Type: FramePing, Flags: 0, StreamID: 42, Payload: payload}
	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Type != f.Type || decoded.StreamID != f.StreamID || !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("Decode() = %+v, want %+v", decoded, f)
	}

	var ping PingPayload
	if err := DecodePayload(decoded.Payload, &ping); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if ping.TimestampMs != 1234 {
		t.Errorf("ping.TimestampMs = %d, want 1234", ping.TimestampMs)
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	if _, _, _, _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeHeader() with a short buffer returned nil error")
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	f := &Frame{Type: FrameRelaySend, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := f.Encode(); err != ErrFrameTooLarge {
		t.Errorf("Encode() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	envPayload, err := EncodePayload(DeliveryPayload{Envelope: Envelope{
		MessageID:  "m1",
		FromNodeID: "0xabc",
		ToNodeID:   "0xdef",
	}})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	if err := fw.WriteFrame(FrameDelivery, 0, 7, envPayload); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	fr := NewFrameReader(&buf)
	got, err := fr.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Type != FrameDelivery || got.StreamID != 7 {
		t.Errorf("Read() = %+v, want Type=DELIVERY StreamID=7", got)
	}

	var delivery DeliveryPayload
	if err := DecodePayload(got.Payload, &delivery); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if delivery.Envelope.MessageID != "m1" {
		t.Errorf("delivery.Envelope.MessageID = %q, want m1", delivery.Envelope.MessageID)
	}
}

func TestFrameReaderEOF(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(nil))
	if _, err := fr.Read(); err != io.EOF {
		t.Errorf("Read() on an empty reader error = %v, want io.EOF", err)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	payload, err := EncodePayload(ErrorPayload{Code: ErrCodeRateLimited, Message: "slow down"})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	var decoded ErrorPayload
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if decoded.Code != ErrCodeRateLimited || decoded.Message != "slow down" {
		t.Errorf("decoded = %+v, want Code=%s Message=%q", decoded, ErrCodeRateLimited, "slow down")
	}
}
