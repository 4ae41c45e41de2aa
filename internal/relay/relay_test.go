package relay

import (
	"net"
	"testing"
	"time"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/directory"
	"github.com/nodemesh/relay/internal/protocol"
)

type testNode struct {
	kp *cryptoutil.KeyPair
	fr *protocol.FrameReader
	fw *protocol.FrameWriter
}

func newTestNode(t *testing.T, conn net.Conn) *testNode {
	t.Helper()
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return &testNode{kp: kp, fr: protocol.NewFrameReader(conn), fw: protocol.NewFrameWriter(conn)}
}

func (n *testNode) register(t *testing.T) {
	t.Helper()
	nodeID := n.kp.ID().String()
	sig, err := cryptoutil.Sign(n.kp.Private, []byte(nodeID))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	payload, err := protocol.EncodePayload(protocol.RegisterPayload{
		NodeID:       nodeID,
		PublicKeyB64: n.kp.PublicKeyB64(),
		SignatureB64: cryptoutil.EncodeSignature(sig),
	})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	if err := n.fw.WriteFrame(protocol.FrameRegister, 0, 0, payload); err != nil {
		t.Fatalf("WriteFrame(Register) error = %v", err)
	}

	ack := n.readFrame(t)
	if ack.Type != protocol.FrameRegisterAck {
		t.Fatalf("first frame after Register = %s, want REGISTER_ACK", protocol.FrameTypeName(ack.Type))
	}
	var ackPayload protocol.RegisterAckPayload
	if err := protocol.DecodePayload(ack.Payload, &ackPayload); err != nil {
		t.Fatalf("DecodePayload(RegisterAck) error = %v", err)
	}
	if !ackPayload.Success {
		t.Fatalf("RegisterAck.Success = false, error = %q", ackPayload.Error)
	}
}

func (n *testNode) readFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	f, err := n.fr.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return f
}

func newPairedServer(t *testing.T) (*Server, *directory.Directory[*protocol.Frame], *directory.Rooms) {
	t.Helper()
	dir := directory.New[*protocol.Frame](0)
	rooms := directory.NewRooms()
	cfg := DefaultConfig()
	return NewServer(dir, rooms, cfg), dir, rooms
}

func TestHandleStreamRegisterAndPing(t *testing.T) {
	server, _, _ := newPairedServer(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() { done <- server.HandleStream(serverConn, "127.0.0.1:1") }()

	node := newTestNode(t, clientConn)
	node.register(t)

	pingPayload, _ := protocol.EncodePayload(protocol.PingPayload{TimestampMs: 999})
	if err := node.fw.WriteFrame(protocol.FramePing, 0, 0, pingPayload); err != nil {
		t.Fatalf("WriteFrame(Ping) error = %v", err)
	}
	pong := node.readFrame(t)
	if pong.Type != protocol.FramePong {
		t.Fatalf("response to Ping = %s, want PONG", protocol.FrameTypeName(pong.Type))
	}
	var pongPayload protocol.PongPayload
	if err := protocol.DecodePayload(pong.Payload, &pongPayload); err != nil {
		t.Fatalf("DecodePayload(Pong) error = %v", err)
	}
	if pongPayload.TimestampMs != 999 {
		t.Errorf("Pong.TimestampMs = %d, want 999", pongPayload.TimestampMs)
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleStream did not return after the client closed its connection")
	}
}

func TestHandleStreamBadSignatureRejected(t *testing.T) {
	server, _, _ := newPairedServer(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() { done <- server.HandleStream(serverConn, "") }()

	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	node := &testNode{kp: kp, fr: protocol.NewFrameReader(clientConn), fw: protocol.NewFrameWriter(clientConn)}

	payload, _ := protocol.EncodePayload(protocol.RegisterPayload{
		NodeID:       kp.ID().String(),
		PublicKeyB64: kp.PublicKeyB64(),
		SignatureB64: "not-a-real-signature",
	})
	if err := node.fw.WriteFrame(protocol.FrameRegister, 0, 0, payload); err != nil {
		t.Fatalf("WriteFrame(Register) error = %v", err)
	}

	ack := node.readFrame(t)
	var ackPayload protocol.RegisterAckPayload
	if err := protocol.DecodePayload(ack.Payload, &ackPayload); err != nil {
		t.Fatalf("DecodePayload(RegisterAck) error = %v", err)
	}
	if ackPayload.Success {
		t.Error("RegisterAck.Success = true for a bad signature, want false")
	}

	<-done
}

func TestHandleStreamDirectDeliveryBetweenTwoSessions(t *testing.T) {
	server, _, _ := newPairedServer(t)

	aServerConn, aClientConn := net.Pipe()
	bServerConn, bClientConn := net.Pipe()
	defer aClientConn.Close()
	defer bClientConn.Close()

	go server.HandleStream(aServerConn, "")
	go server.HandleStream(bServerConn, "")

	a := newTestNode(t, aClientConn)
	a.register(t)
	b := newTestNode(t, bClientConn)
	b.register(t)

	sendPayload, _ := protocol.EncodePayload(protocol.RelaySendPayload{
		ToNodeID: b.kp.ID().String(),
		Envelope: protocol.Envelope{MessageID: "hello", FromNodeID: a.kp.ID().String()},
	})
	if err := a.fw.WriteFrame(protocol.FrameRelaySend, 0, 0, sendPayload); err != nil {
		t.Fatalf("WriteFrame(RelaySend) error = %v", err)
	}

	delivery := b.readFrame(t)
	if delivery.Type != protocol.FrameDelivery {
		t.Fatalf("b received %s, want DELIVERY", protocol.FrameTypeName(delivery.Type))
	}
	var d protocol.DeliveryPayload
	if err := protocol.DecodePayload(delivery.Payload, &d); err != nil {
		t.Fatalf("DecodePayload(Delivery) error = %v", err)
	}
	if d.Envelope.MessageID != "hello" {
		t.Errorf("delivered MessageID = %q, want hello", d.Envelope.MessageID)
	}
}

func TestHandleStreamRelaySendToUnknownNodeReturnsNotFound(t *testing.T) {
	server, _, _ := newPairedServer(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go server.HandleStream(serverConn, "")

	node := newTestNode(t, clientConn)
	node.register(t)

	sendPayload, _ := protocol.EncodePayload(protocol.RelaySendPayload{ToNodeID: "0xnonexistent000000000000000000000000"})
	if err := node.fw.WriteFrame(protocol.FrameRelaySend, 0, 0, sendPayload); err != nil {
		t.Fatalf("WriteFrame(RelaySend) error = %v", err)
	}

	errFrame := node.readFrame(t)
	if errFrame.Type != protocol.FrameError {
		t.Fatalf("response = %s, want ERROR", protocol.FrameTypeName(errFrame.Type))
	}
	var errPayload protocol.ErrorPayload
	if err := protocol.DecodePayload(errFrame.Payload, &errPayload); err != nil {
		t.Fatalf("DecodePayload(Error) error = %v", err)
	}
	if errPayload.Code != protocol.ErrCodeNotFound {
		t.Errorf("Error.Code = %s, want %s", errPayload.Code, protocol.ErrCodeNotFound)
	}
}

func TestHandleStreamRateLimitKeepsStreamOpen(t *testing.T) {
	dir := directory.New[*protocol.Frame](0)
	rooms := directory.NewRooms()
	cfg := DefaultConfig()
	cfg.StreamRateBurst = 2
	cfg.StreamRateRefill = 0.001 // effectively no refill during the test
	server := NewServer(dir, rooms, cfg)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go server.HandleStream(serverConn, "")

	node := newTestNode(t, clientConn)
	node.register(t)

	// Self-addressed sends: the first two fit the burst and come back as
	// deliveries, the rest exceed it and come back as RATE_LIMITED errors.
	sendPayload, _ := protocol.EncodePayload(protocol.RelaySendPayload{
		ToNodeID: node.kp.ID().String(),
		Envelope: protocol.Envelope{MessageID: "burst"},
	})
	const sends = 5
	for i := 0; i < sends; i++ {
		if err := node.fw.WriteFrame(protocol.FrameRelaySend, 0, 0, sendPayload); err != nil {
			t.Fatalf("WriteFrame(RelaySend %d) error = %v", i, err)
		}
	}

	deliveries, limited := 0, 0
	for i := 0; i < sends; i++ {
		frame := node.readFrame(t)
		switch frame.Type {
		case protocol.FrameDelivery:
			deliveries++
		case protocol.FrameError:
			var e protocol.ErrorPayload
			if err := protocol.DecodePayload(frame.Payload, &e); err != nil {
				t.Fatalf("DecodePayload(Error) error = %v", err)
			}
			if e.Code != protocol.ErrCodeRateLimited {
				t.Fatalf("Error.Code = %s, want %s", e.Code, protocol.ErrCodeRateLimited)
			}
			limited++
		default:
			t.Fatalf("unexpected frame %s", protocol.FrameTypeName(frame.Type))
		}
	}
	if deliveries != 2 || limited != 3 {
		t.Errorf("deliveries = %d, rate-limited = %d; want 2 and 3", deliveries, limited)
	}

	// The stream survives: a Ping still gets its Pong.
	pingPayload, _ := protocol.EncodePayload(protocol.PingPayload{TimestampMs: 1})
	if err := node.fw.WriteFrame(protocol.FramePing, 0, 0, pingPayload); err != nil {
		t.Fatalf("WriteFrame(Ping) error = %v", err)
	}
	if pong := node.readFrame(t); pong.Type != protocol.FramePong {
		t.Errorf("frame after rate limiting = %s, want PONG", protocol.FrameTypeName(pong.Type))
	}
}

func TestHandleStreamCapacityRejected(t *testing.T) {
	dir := directory.New[*protocol.Frame](1)
	rooms := directory.NewRooms()
	server := NewServer(dir, rooms, DefaultConfig())

	firstServer, firstClient := net.Pipe()
	defer firstClient.Close()
	go server.HandleStream(firstServer, "")
	first := newTestNode(t, firstClient)
	first.register(t)

	secondServer, secondClient := net.Pipe()
	defer secondClient.Close()
	go server.HandleStream(secondServer, "")

	second := newTestNode(t, secondClient)
	nodeID := second.kp.ID().String()
	sig, err := cryptoutil.Sign(second.kp.Private, []byte(nodeID))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	payload, _ := protocol.EncodePayload(protocol.RegisterPayload{
		NodeID:       nodeID,
		PublicKeyB64: second.kp.PublicKeyB64(),
		SignatureB64: cryptoutil.EncodeSignature(sig),
	})
	if err := second.fw.WriteFrame(protocol.FrameRegister, 0, 0, payload); err != nil {
		t.Fatalf("WriteFrame(Register) error = %v", err)
	}

	ack := second.readFrame(t)
	var ackPayload protocol.RegisterAckPayload
	if err := protocol.DecodePayload(ack.Payload, &ackPayload); err != nil {
		t.Fatalf("DecodePayload(RegisterAck) error = %v", err)
	}
	if ackPayload.Success {
		t.Error("RegisterAck.Success = true at capacity, want false")
	}
	if ackPayload.Error != "resource_exhausted" {
		t.Errorf("RegisterAck.Error = %q, want resource_exhausted", ackPayload.Error)
	}
	if dir.Len() != 1 {
		t.Errorf("directory Len() = %d after rejected register, want 1", dir.Len())
	}
}

func TestHandleStreamRoomSubscribeBroadcast(t *testing.T) {
	server, _, _ := newPairedServer(t)

	aServerConn, aClientConn := net.Pipe()
	bServerConn, bClientConn := net.Pipe()
	defer aClientConn.Close()
	defer bClientConn.Close()

	go server.HandleStream(aServerConn, "")
	go server.HandleStream(bServerConn, "")

	a := newTestNode(t, aClientConn)
	a.register(t)
	b := newTestNode(t, bClientConn)
	b.register(t)

	subPayload, _ := protocol.EncodePayload(protocol.RoomSubscribePayload{RoomID: "general"})
	if err := a.fw.WriteFrame(protocol.FrameRoomSubscribe, 0, 0, subPayload); err != nil {
		t.Fatalf("WriteFrame(RoomSubscribe a) error = %v", err)
	}
	if err := b.fw.WriteFrame(protocol.FrameRoomSubscribe, 0, 0, subPayload); err != nil {
		t.Fatalf("WriteFrame(RoomSubscribe b) error = %v", err)
	}

	// Give both subscriptions a moment to land before broadcasting.
	time.Sleep(20 * time.Millisecond)

	broadcastPayload, _ := protocol.EncodePayload(protocol.RelaySendPayload{
		Envelope: protocol.Envelope{MessageID: "room-hello", Topic: "general"},
	})
	if err := a.fw.WriteFrame(protocol.FrameRelaySend, 0, 0, broadcastPayload); err != nil {
		t.Fatalf("WriteFrame(RelaySend broadcast) error = %v", err)
	}

	delivery := b.readFrame(t)
	if delivery.Type != protocol.FrameDelivery {
		t.Fatalf("b received %s, want DELIVERY", protocol.FrameTypeName(delivery.Type))
	}
}
