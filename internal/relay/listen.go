package relay

import (
	"context"
	"net"
	"time"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/logging"
	"github.com/nodemesh/relay/internal/protocol"
	"github.com/nodemesh/relay/internal/recovery"
	"github.com/nodemesh/relay/internal/transport"
)

// addrString stringifies addr, tolerating transports (WebSocket, HTTP/2)
// whose PeerConn.RemoteAddr is nil.
func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Serve accepts connections from ln until ctx is cancelled or the listener
// fails. Each accepted connection's first stream is the node's control
// stream; additional streams are not used by the protocol and are ignored
// by never being accepted.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go func() {
			defer recovery.RecoverWithLog(s.logger, "relay.conn")
			defer conn.Close()

			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				s.logger.Debug("accept stream failed",
					logging.KeyRemoteAddr, addrString(conn.RemoteAddr()), logging.KeyError, err)
				return
			}

			remote := addrString(conn.RemoteAddr())
			if err := s.HandleStream(stream, remote); err != nil {
				s.logger.Debug("stream ended",
					logging.KeyRemoteAddr, remote, logging.KeyError, err)
			}
		}()
	}
}

// Shutdown notifies every connected node that the relay is going away and
// waits up to grace for their streams to terminate. The caller stops the
// listener (cancelling Serve's ctx) before calling this.
func (s *Server) Shutdown(grace time.Duration) {
	shuttingDown := errorFrame(protocol.ErrCodeInternal, "relay shutting down")
	s.dir.ForEach(func(_ cryptoutil.NodeID, send func(*protocol.Frame) bool) {
		send(shuttingDown)
	})

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if s.dir.Len() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
