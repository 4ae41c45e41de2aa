// Package nodeclient maintains a node's long-lived streams to its
// configured relays: registration, automatic reconnect with capped
// exponential backoff, inbound Delivery demultiplexing into a single
// fan-in channel, and outbound envelope routing across ready relays.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/logging"
	"github.com/nodemesh/relay/internal/protocol"
	"github.com/nodemesh/relay/internal/recovery"
	"github.com/nodemesh/relay/internal/transport"
)

var (
	// ErrNoRelay is returned by send operations when no relay stream is
	// currently ready. Transient: the caller may retry after reconnect.
	ErrNoRelay = errors.New("nodeclient: no relay connection available")

	// ErrRegisterRejected is returned when a relay refuses the node's
	// Register frame.
	ErrRegisterRejected = errors.New("nodeclient: relay rejected registration")
)

// Config contains node transport client configuration.
type Config struct {
	// RelayAddrs are the relay hosts to hold streams open to.
	RelayAddrs []string

	// Transport dials the relays.
	Transport   transport.Transport
	DialOptions transport.DialOptions

	// Identity is the node's key pair, used to sign the Register frame.
	Identity *cryptoutil.KeyPair

	// Reconnect governs the per-host reconnect backoff.
	Reconnect ReconnectConfig

	// RegisterTimeout bounds the Register/RegisterAck exchange.
	RegisterTimeout time.Duration

	// KeepaliveInterval is how often a Ping is sent on each live stream.
	// Zero disables keepalives.
	KeepaliveInterval time.Duration

	// IncomingBuffer is the capacity of the fan-in delivery channel.
	IncomingBuffer int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults for the given
// identity and relay list.
func DefaultConfig(id *cryptoutil.KeyPair, relays []string) Config {
	return Config{
		RelayAddrs:        relays,
		DialOptions:       transport.DefaultDialOptions(),
		Identity:          id,
		Reconnect:         DefaultReconnectConfig(),
		RegisterTimeout:   10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		IncomingBuffer:    256,
	}
}

// relayConn is one live, registered relay stream.
type relayConn struct {
	addr string

	writeMu sync.Mutex
	fw      *protocol.FrameWriter

	closer io.Closer
	ready  atomic.Bool
}

func (rc *relayConn) writeFrame(frameType uint8, payload []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.fw.WriteFrame(frameType, 0, 0, payload)
}

// Client is the node's multi-relay transport client.
type Client struct {
	cfg    Config
	logger *slog.Logger

	incoming chan protocol.Envelope

	mu    sync.RWMutex
	conns map[string]*relayConn
	rr    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Client. Call Start to begin connecting.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.IncomingBuffer <= 0 {
		cfg.IncomingBuffer = 256
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		incoming: make(chan protocol.Envelope, cfg.IncomingBuffer),
		conns:    make(map[string]*relayConn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start spawns one maintain loop per configured relay host. Each loop
// dials, registers, demultiplexes inbound frames, and reconnects with
// capped exponential backoff when the stream drops.
func (c *Client) Start() {
	for _, addr := range c.cfg.RelayAddrs {
		addr := addr
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer recovery.RecoverWithLog(c.logger, "nodeclient.maintain")
			c.maintainLoop(addr)
		}()
	}
}

// Close tears down every relay stream and stops reconnecting. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		for _, rc := range c.conns {
			rc.ready.Store(false)
			if rc.closer != nil {
				rc.closer.Close()
			}
		}
		c.mu.Unlock()

		c.wg.Wait()
		close(c.incoming)
	})
}

// Incoming returns the fan-in channel of accepted Delivery envelopes from
// every connected relay. Closed by Close.
func (c *Client) Incoming() <-chan protocol.Envelope {
	return c.incoming
}

// Ready reports whether at least one relay stream is registered and live.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rc := range c.conns {
		if rc.ready.Load() {
			return true
		}
	}
	return false
}

// SendViaRelay routes an envelope through an available relay, round-robin
// across ready streams. Non-blocking apart from the stream write itself;
// fails fast with ErrNoRelay while every relay is reconnecting.
func (c *Client) SendViaRelay(env *protocol.Envelope, toNodeID string) error {
	payload, err := protocol.EncodePayload(protocol.RelaySendPayload{ToNodeID: toNodeID, Envelope: *env})
	if err != nil {
		return fmt.Errorf("nodeclient: encode relay send: %w", err)
	}

	conns := c.readyConns()
	if len(conns) == 0 {
		return ErrNoRelay
	}

	start := int(c.rr.Add(1) - 1)
	var lastErr error
	for i := 0; i < len(conns); i++ {
		rc := conns[(start+i)%len(conns)]
		if err := rc.writeFrame(protocol.FrameRelaySend, payload); err != nil {
			rc.ready.Store(false)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNoRelay, lastErr)
}

// SendControlFrame sends a control frame (room subscribe/unsubscribe, ping)
// to every ready relay, so room membership is consistent across them.
func (c *Client) SendControlFrame(frameType uint8, payload any) error {
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("nodeclient: encode control frame: %w", err)
	}

	conns := c.readyConns()
	if len(conns) == 0 {
		return ErrNoRelay
	}

	var lastErr error
	sent := 0
	for _, rc := range conns {
		if err := rc.writeFrame(frameType, raw); err != nil {
			rc.ready.Store(false)
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("%w: %v", ErrNoRelay, lastErr)
	}
	return nil
}

// JoinRoom subscribes the node to room on every connected relay.
func (c *Client) JoinRoom(room string) error {
	return c.SendControlFrame(protocol.FrameRoomSubscribe, protocol.RoomSubscribePayload{RoomID: room})
}

// LeaveRoom unsubscribes the node from room on every connected relay.
func (c *Client) LeaveRoom(room string) error {
	return c.SendControlFrame(protocol.FrameRoomUnsubscribe, protocol.RoomUnsubscribePayload{RoomID: room})
}

func (c *Client) readyConns() []*relayConn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*relayConn, 0, len(c.conns))
	for _, rc := range c.conns {
		if rc.ready.Load() {
			out = append(out, rc)
		}
	}
	return out
}

// maintainLoop keeps one relay stream alive, reconnecting with backoff.
func (c *Client) maintainLoop(addr string) {
	backoff := NewBackoffCalculator(c.cfg.Reconnect)
	attempt := 0

	for {
		if c.ctx.Err() != nil {
			return
		}

		established, err := c.runOnce(addr)
		if c.ctx.Err() != nil {
			return
		}
		if established {
			attempt = 0
		}
		if err != nil {
			c.logger.Warn("relay stream ended",
				logging.KeyAddress, addr, logging.KeyError, err)
		}

		delay := backoff.CalculateDelay(attempt)
		attempt++
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce dials addr, registers, and demultiplexes inbound frames until the
// stream fails. Returns whether registration succeeded.
func (c *Client) runOnce(addr string) (bool, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialOptions.Timeout)
	conn, err := c.cfg.Transport.Dial(dialCtx, addr, c.cfg.DialOptions)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(c.ctx)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}

	return c.runSession(stream, conn, addr)
}

// deadliner is the optional deadline surface of a stream; both transport
// streams and net.Pipe test conns provide it.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// runSession performs the Register exchange over stream and then runs the
// inbound demux loop. closer tears the underlying connection down when the
// client closes while the session is blocked in a read.
func (c *Client) runSession(stream io.ReadWriter, closer io.Closer, addr string) (bool, error) {
	fr := protocol.NewFrameReader(stream)
	fw := protocol.NewFrameWriter(stream)

	d, hasDeadline := stream.(deadliner)
	if hasDeadline {
		d.SetDeadline(time.Now().Add(c.cfg.RegisterTimeout))
	}
	if err := c.register(fr, fw); err != nil {
		return false, err
	}
	if hasDeadline {
		d.SetDeadline(time.Time{})
	}

	rc := &relayConn{addr: addr, fw: fw, closer: closer}
	rc.ready.Store(true)

	c.mu.Lock()
	c.conns[addr] = rc
	c.mu.Unlock()

	c.logger.Info("registered with relay",
		logging.KeyAddress, addr, logging.KeyNodeID, c.cfg.Identity.ID().String())

	stopPing := make(chan struct{})
	if c.cfg.KeepaliveInterval > 0 {
		go func() {
			defer recovery.RecoverWithLog(c.logger, "nodeclient.keepalive")
			c.pingLoop(rc, stopPing)
		}()
	}

	err := c.demuxLoop(fr, addr)
	close(stopPing)

	rc.ready.Store(false)
	c.mu.Lock()
	delete(c.conns, addr)
	c.mu.Unlock()

	return true, err
}

func (c *Client) register(fr *protocol.FrameReader, fw *protocol.FrameWriter) error {
	nodeID := c.cfg.Identity.ID().String()
	sig, err := cryptoutil.Sign(c.cfg.Identity.Private, []byte(nodeID))
	if err != nil {
		return fmt.Errorf("sign register: %w", err)
	}

	payload, err := protocol.EncodePayload(protocol.RegisterPayload{
		NodeID:       nodeID,
		PublicKeyB64: c.cfg.Identity.PublicKeyB64(),
		SignatureB64: cryptoutil.EncodeSignature(sig),
	})
	if err != nil {
		return fmt.Errorf("encode register: %w", err)
	}
	if err := fw.WriteFrame(protocol.FrameRegister, 0, 0, payload); err != nil {
		return fmt.Errorf("write register: %w", err)
	}

	frame, err := fr.Read()
	if err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	if frame.Type != protocol.FrameRegisterAck {
		return fmt.Errorf("%w: first frame %s", ErrRegisterRejected, protocol.FrameTypeName(frame.Type))
	}

	var ack protocol.RegisterAckPayload
	if err := protocol.DecodePayload(frame.Payload, &ack); err != nil {
		return fmt.Errorf("decode register ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrRegisterRejected, ack.Error)
	}
	return nil
}

// pingLoop sends a Ping on the stream at the configured interval. Write
// failures are left to the demux loop's read error to surface.
func (c *Client) pingLoop(rc *relayConn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload, err := protocol.EncodePayload(protocol.PingPayload{TimestampMs: time.Now().UnixMilli()})
			if err != nil {
				return
			}
			if err := rc.writeFrame(protocol.FramePing, payload); err != nil {
				return
			}
		}
	}
}

// demuxLoop parses each inbound frame and routes Delivery payloads into the
// incoming channel. A full incoming channel drops the delivery rather than
// stalling the stream read, mirroring the relay's own backpressure policy.
func (c *Client) demuxLoop(fr *protocol.FrameReader, addr string) error {
	for {
		frame, err := fr.Read()
		if err != nil {
			return err
		}

		switch frame.Type {
		case protocol.FrameDelivery:
			var d protocol.DeliveryPayload
			if err := protocol.DecodePayload(frame.Payload, &d); err != nil {
				c.logger.Debug("malformed delivery", logging.KeyAddress, addr, logging.KeyError, err)
				continue
			}
			select {
			case c.incoming <- d.Envelope:
			default:
				c.logger.Warn("incoming channel full, dropping delivery",
					logging.KeyAddress, addr)
			}

		case protocol.FramePong:
			// Keepalive response; nothing to do beyond confirming liveness.

		case protocol.FrameError:
			var e protocol.ErrorPayload
			if err := protocol.DecodePayload(frame.Payload, &e); err == nil {
				c.logger.Warn("relay error frame",
					logging.KeyAddress, addr, "code", e.Code, "message", e.Message)
			}

		default:
			c.logger.Debug("unexpected frame from relay",
				logging.KeyAddress, addr, "frame_type", protocol.FrameTypeName(frame.Type))
		}
	}
}
