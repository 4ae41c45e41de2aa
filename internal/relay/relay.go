// Package relay implements the relay's stream service: one
// bidirectional stream per connected node, the Register/RelaySend/Ping/
// RoomSubscribe/RoomUnsubscribe state machine, per-node outbound fan-out,
// and the per-stream rate limiter that bounds RelaySend abuse.
package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/directory"
	"github.com/nodemesh/relay/internal/logging"
	"github.com/nodemesh/relay/internal/metrics"
	"github.com/nodemesh/relay/internal/protocol"
	"github.com/nodemesh/relay/internal/recovery"
)

// Config controls the relay's per-stream behavior.
type Config struct {
	// OutboundBufferSize is the per-node bounded outbound channel size.
	OutboundBufferSize int
	// StreamRateBurst/StreamRateRefill configure the per-stream RelaySend
	// token bucket, keyed by the registered node_id.
	StreamRateBurst  int
	StreamRateRefill float64
	Logger           *slog.Logger
}

// DefaultConfig returns the standard stream defaults: a 256-frame outbound
// buffer and a 100-burst/100-per-second RelaySend bucket.
func DefaultConfig() Config {
	return Config{
		OutboundBufferSize: 256,
		StreamRateBurst:    100,
		StreamRateRefill:   100,
	}
}

// Server is the relay's stream-accepting half. One Server is shared across
// every accepted connection; per-connection state lives in a session.
type Server struct {
	cfg     Config
	dir     *directory.Directory[*protocol.Frame]
	rooms   *directory.Rooms
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewServer creates a Server backed by dir and rooms, which the caller
// constructs once at startup and shares with the relay's unary API.
func NewServer(dir *directory.Directory[*protocol.Frame], rooms *directory.Rooms, cfg Config) *Server {
	if cfg.OutboundBufferSize <= 0 {
		cfg.OutboundBufferSize = 256
	}
	if cfg.StreamRateBurst <= 0 {
		cfg.StreamRateBurst = 100
	}
	if cfg.StreamRateRefill <= 0 {
		cfg.StreamRateRefill = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Server{cfg: cfg, dir: dir, rooms: rooms, logger: cfg.Logger, metrics: metrics.Default()}
}

// session is the per-stream state for one registered node.
type session struct {
	nodeID           cryptoutil.NodeID
	observedEndpoint string

	outbound chan *protocol.Frame
	limiter  *rate.Limiter

	mu         sync.Mutex
	membership map[string]struct{} // room_id -> present, for UnsubscribeAll on cleanup

	fw     *protocol.FrameWriter
	logger *slog.Logger
}

func (s *session) trySend(f *protocol.Frame) bool {
	select {
	case s.outbound <- f:
		return true
	default:
		return false
	}
}

func (s *session) subscribe(room string) {
	s.mu.Lock()
	s.membership[room] = struct{}{}
	s.mu.Unlock()
}

func (s *session) unsubscribe(room string) {
	s.mu.Lock()
	delete(s.membership, room)
	s.mu.Unlock()
}

func (s *session) roomList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.membership))
	for r := range s.membership {
		rooms = append(rooms, r)
	}
	return rooms
}

// senderAdapter exposes the relay's Directory as a string-keyed SenderLookup
// so Fanout never needs to import cryptoutil.
type senderAdapter struct{ dir *directory.Directory[*protocol.Frame] }

func (a senderAdapter) GetSender(nodeID string) (func(*protocol.Frame) bool, bool) {
	id, err := cryptoutil.ParseNodeID(nodeID)
	if err != nil {
		return nil, false
	}
	return a.dir.GetSender(id)
}

// roomAdapter exposes the relay's Rooms as a string-keyed RoomLookup.
type roomAdapter struct{ rooms *directory.Rooms }

func (a roomAdapter) GetRoomSubscribers(topic, excludeSelf string) []string {
	self, _ := cryptoutil.ParseNodeID(excludeSelf)
	ids := a.rooms.GetRoomSubscribers(topic, self)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// HandleStream runs the Register/RelaySend/Ping/RoomSubscribe/
// RoomUnsubscribe state machine over stream until it closes or a fatal
// protocol error occurs. observedEndpoint is the peer address the
// transport layer observed for this connection.
func (s *Server) HandleStream(stream io.ReadWriteCloser, observedEndpoint string) error {
	fr := protocol.NewFrameReader(stream)
	fw := protocol.NewFrameWriter(stream)

	first, err := fr.Read()
	if err != nil {
		return err
	}
	if first.Type != protocol.FrameRegister {
		return s.reject(fw, "first frame must be Register")
	}

	var reg protocol.RegisterPayload
	if err := protocol.DecodePayload(first.Payload, &reg); err != nil {
		return s.reject(fw, "malformed Register payload")
	}

	nodeID, err := cryptoutil.ParseNodeID(reg.NodeID)
	if err != nil {
		s.metrics.RecordRegisterReject("invalid_node_id")
		return s.ack(fw, false, "unauthenticated")
	}
	if !cryptoutil.Verify(reg.PublicKeyB64, []byte(reg.NodeID), reg.SignatureB64) {
		s.metrics.RecordRegisterReject("bad_signature")
		return s.ack(fw, false, "unauthenticated")
	}
	if derived, err := cryptoutil.ParsePublicKeyB64(reg.PublicKeyB64); err != nil || cryptoutil.NodeIDFromPublicKey(derived) != nodeID {
		s.metrics.RecordRegisterReject("key_mismatch")
		return s.ack(fw, false, "unauthenticated")
	}

	sess := &session{
		nodeID:           nodeID,
		observedEndpoint: observedEndpoint,
		outbound:         make(chan *protocol.Frame, s.cfg.OutboundBufferSize),
		limiter:          rate.NewLimiter(rate.Limit(s.cfg.StreamRateRefill), s.cfg.StreamRateBurst),
		membership:       make(map[string]struct{}),
		fw:               fw,
		logger:           s.logger,
	}

	if !s.dir.Register(nodeID, sess.trySend, observedEndpoint) {
		s.metrics.RecordRegisterReject("capacity")
		return s.ack(fw, false, "resource_exhausted")
	}
	s.metrics.RecordNodeRegistered()
	defer s.cleanup(sess)

	if err := s.ack(fw, true, ""); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(s.logger, "relay.writer")
		s.writeLoop(sess)
	}()

	err = s.readLoop(fr, sess)
	close(sess.outbound)
	wg.Wait()
	return err
}

func (s *Server) cleanup(sess *session) {
	s.rooms.UnsubscribeAll(sess.nodeID, sess.roomList())
	s.dir.Unregister(sess.nodeID)
	s.metrics.RecordNodeDisconnect("clean")
}

func (s *Server) writeLoop(sess *session) {
	for frame := range sess.outbound {
		if err := sess.fw.Write(frame); err != nil {
			s.logger.Debug("relay: write failed, draining outbound",
				logging.KeyNodeID, sess.nodeID.String(), logging.KeyError, err)
			// Keep draining so senders relying on trySend's non-blocking
			// semantics are never stuck, but stop writing to the stream.
			for range sess.outbound {
			}
			return
		}
	}
}

func (s *Server) readLoop(fr *protocol.FrameReader, sess *session) error {
	senders := senderAdapter{dir: s.dir}
	rooms := roomAdapter{rooms: s.rooms}

	for {
		frame, err := fr.Read()
		if err != nil {
			return err
		}

		s.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))

		switch frame.Type {
		case protocol.FrameRelaySend:
			var payload protocol.RelaySendPayload
			if err := protocol.DecodePayload(frame.Payload, &payload); err != nil {
				continue
			}
			if !sess.limiter.Allow() {
				s.metrics.RecordRateLimit("relay", "rate_limited")
				sess.trySend(errorFrame(protocol.ErrCodeRateLimited, "relay send rate limit exceeded"))
				continue
			}
			s.metrics.RecordRateLimit("relay", "allowed")
			stats, errPayload := Fanout(senders, rooms, sess.nodeID.String(), payload)
			if errPayload != nil {
				sess.trySend(errorFrame(errPayload.Code, errPayload.Message))
				continue
			}
			for i := 0; i < stats.Sent; i++ {
				s.metrics.RecordDelivery(stats.Kind)
			}
			for i := 0; i < stats.Dropped; i++ {
				s.metrics.RecordDeliveryDropped(stats.Kind)
			}
			if stats.Kind == "room" {
				s.metrics.RecordFanout(stats.Sent)
			}

		case protocol.FramePing:
			var ping protocol.PingPayload
			if err := protocol.DecodePayload(frame.Payload, &ping); err != nil {
				continue
			}
			pongPayload, err := protocol.EncodePayload(protocol.PongPayload{TimestampMs: ping.TimestampMs})
			if err == nil {
				sess.trySend(&protocol.Frame{Type: protocol.FramePong, Payload: pongPayload})
			}

		case protocol.FrameRoomSubscribe:
			var sub protocol.RoomSubscribePayload
			if err := protocol.DecodePayload(frame.Payload, &sub); err == nil && sub.RoomID != "" {
				s.rooms.Subscribe(sub.RoomID, sess.nodeID)
				sess.subscribe(sub.RoomID)
				s.metrics.RoomSubscribes.Inc()
			}

		case protocol.FrameRoomUnsubscribe:
			var unsub protocol.RoomUnsubscribePayload
			if err := protocol.DecodePayload(frame.Payload, &unsub); err == nil && unsub.RoomID != "" {
				s.rooms.Unsubscribe(unsub.RoomID, sess.nodeID)
				sess.unsubscribe(unsub.RoomID)
				s.metrics.RoomUnsubscribes.Inc()
			}

		default:
			sess.trySend(errorFrame(protocol.ErrCodeInvalidFrame, fmt.Sprintf("unexpected frame type %s", protocol.FrameTypeName(frame.Type))))
		}
	}
}

func errorFrame(code, message string) *protocol.Frame {
	payload, err := protocol.EncodePayload(protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		payload = nil
	}
	return &protocol.Frame{Type: protocol.FrameError, Payload: payload}
}

func (s *Server) ack(fw *protocol.FrameWriter, success bool, errMsg string) error {
	payload, err := protocol.EncodePayload(protocol.RegisterAckPayload{Success: success, Error: errMsg})
	if err != nil {
		return err
	}
	return fw.WriteFrame(protocol.FrameRegisterAck, 0, 0, payload)
}

func (s *Server) reject(fw *protocol.FrameWriter, message string) error {
	payload, err := protocol.EncodePayload(protocol.ErrorPayload{Code: protocol.ErrCodeInvalidFrame, Message: message})
	if err != nil {
		return err
	}
	_ = fw.WriteFrame(protocol.FrameError, 0, 0, payload)
	return fmt.Errorf("relay: %s", message)
}
