// Package relayapi provides the relay's network-facing unary API: username
// registration and lookup, endpoint lookup, and follow-graph bookkeeping,
// served as a small JSON-over-HTTP surface with per-IP rate limiting on the
// abuse-prone routes.
package relayapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/logging"
	"github.com/nodemesh/relay/internal/metrics"
	"github.com/nodemesh/relay/internal/ratelimit"
	"github.com/nodemesh/relay/internal/store"
)

// EndpointLookup is the slice of the relay directory the unary API reads.
type EndpointLookup interface {
	LookupEndpoints(id cryptoutil.NodeID) []string
	Len() int
	Capacity() int
}

// ServerConfig contains unary API server configuration.
type ServerConfig struct {
	// Bind is the listen address, e.g. ":9443".
	Bind string

	// RegisterLimit bounds RegisterUsername calls per client IP.
	RegisterLimit ratelimit.Config
	// LookupLimit bounds LookupUsername and Lookup calls per client IP.
	LookupLimit ratelimit.Config

	// TrustedProxyHeader, when non-empty, names a forwarded-for style
	// header whose first value is used as the client IP instead of the
	// TCP peer address. Only set this behind a reverse proxy that strips
	// the header from untrusted traffic.
	TrustedProxyHeader string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns the standard unary API defaults: 100-burst,
// 100-per-second per-IP buckets with auto-ban on sustained abuse.
func DefaultServerConfig() ServerConfig {
	limit := ratelimit.Config{
		Burst:           100,
		RefillRate:      100,
		StrikeThreshold: 100,
		StrikeWindow:    10 * time.Second,
		BanDuration:     time.Minute,
		EvictionTTL:     10 * time.Minute,
	}
	return ServerConfig{
		Bind:          ":9443",
		RegisterLimit: limit,
		LookupLimit:   limit,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Server is the relay's unary HTTP API.
type Server struct {
	cfg     ServerConfig
	store   *store.Store
	dir     EndpointLookup
	logger  *slog.Logger
	metrics *metrics.Metrics
	started time.Time

	registerLimiter *ratelimit.Limiter
	lookupLimiter   *ratelimit.Limiter

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a unary API server over st and dir.
func NewServer(cfg ServerConfig, st *store.Store, dir EndpointLookup) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	s := &Server{
		cfg:             cfg,
		store:           st,
		dir:             dir,
		logger:          cfg.Logger,
		metrics:         metrics.Default(),
		started:         time.Now(),
		registerLimiter: ratelimit.New(cfg.RegisterLimit, cfg.Logger),
		lookupLimiter:   ratelimit.New(cfg.LookupLimit, cfg.Logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/lookup", s.limited(s.lookupLimiter, "lookup", s.handleLookup))
	mux.HandleFunc("/v1/register-username", s.limited(s.registerLimiter, "register-username", s.handleRegisterUsername))
	mux.HandleFunc("/v1/lookup-username", s.limited(s.lookupLimiter, "lookup-username", s.handleLookupUsername))
	mux.HandleFunc("/v1/follow", s.instrumented("follow", s.handleFollow))
	mux.HandleFunc("/v1/unfollow", s.instrumented("unfollow", s.handleUnfollow))
	mux.HandleFunc("/v1/block", s.instrumented("block", s.handleBlock))
	mux.HandleFunc("/v1/unblock", s.instrumented("unblock", s.handleUnblock))
	mux.HandleFunc("/v1/followers", s.instrumented("followers", s.handleFollowers))
	mux.HandleFunc("/v1/following", s.instrumented("following", s.handleFollowing))
	mux.HandleFunc("/v1/status", s.instrumented("status", s.handleStatus))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start begins serving on the configured bind address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("relayapi: listen %s: %w", s.cfg.Bind, err)
	}
	s.listener = ln
	s.running.Store(true)
	s.started = time.Now()

	go s.server.Serve(ln)
	s.logger.Info("unary API listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.registerLimiter.Close()
	s.lookupLimiter.Close()
	return err
}

// Addr returns the bound listen address, once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the server's root handler, for tests that drive it with
// httptest instead of a real listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// peerIP extracts the client IP used for rate-limit bucketing.
func (s *Server) peerIP(r *http.Request) string {
	if s.cfg.TrustedProxyHeader != "" {
		if v := r.Header.Get(s.cfg.TrustedProxyHeader); v != "" {
			first, _, _ := strings.Cut(v, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limited wraps next with per-IP rate limiting and request instrumentation.
func (s *Server) limited(limiter *ratelimit.Limiter, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		res := limiter.Check(s.peerIP(r))
		s.metrics.RecordRateLimit(route, res.Outcome.String())

		switch res.Outcome {
		case ratelimit.Banned:
			s.metrics.RecordUnaryRequest(route, "banned", time.Since(start).Seconds())
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("banned for %ds due to abuse", int(res.Remaining.Seconds())+1))
			return
		case ratelimit.RateLimited:
			s.metrics.RecordUnaryRequest(route, "rate_limited", time.Since(start).Seconds())
			writeError(w, http.StatusTooManyRequests, "rate limited — try again later")
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		s.metrics.RecordUnaryRequest(route, statusLabel(sw.status), time.Since(start).Seconds())
	}
}

// instrumented wraps next with request instrumentation only.
func (s *Server) instrumented(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		s.metrics.RecordUnaryRequest(route, statusLabel(sw.status), time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func statusLabel(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusForbidden:
		return "banned"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, err := cryptoutil.ParseNodeID(r.URL.Query().Get("node_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node_id")
		return
	}

	endpoints := s.dir.LookupEndpoints(id)
	if endpoints == nil {
		endpoints = []string{}
	}
	writeJSON(w, http.StatusOK, LookupResponse{ObservedEndpoints: endpoints})
}

func (s *Server) handleRegisterUsername(w http.ResponseWriter, r *http.Request) {
	var req RegisterUsernameRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Same proof as stream registration: the signature must bind the
	// claimed public key to the claimed node id, and the key must derive it.
	if !cryptoutil.Verify(req.PublicKeyB64, []byte(req.NodeID), req.SignatureB64) {
		writeJSON(w, http.StatusUnauthorized, RegisterUsernameResponse{Success: false, Error: "invalid signature"})
		return
	}
	pub, err := cryptoutil.ParsePublicKeyB64(req.PublicKeyB64)
	if err != nil || cryptoutil.NodeIDFromPublicKey(pub).String() != strings.ToLower(req.NodeID) {
		writeJSON(w, http.StatusUnauthorized, RegisterUsernameResponse{Success: false, Error: "public key does not match node id"})
		return
	}

	err = s.store.RegisterUsername(r.Context(), req.Username, req.NodeID, req.PublicKeyB64, time.Now())
	switch {
	case errors.Is(err, store.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, RegisterUsernameResponse{Success: false, Error: "invalid name"})
	case errors.Is(err, store.ErrAlreadyTaken):
		writeJSON(w, http.StatusConflict, RegisterUsernameResponse{Success: false, Error: "already taken"})
	case err != nil:
		s.metrics.RecordStoreError("register_username")
		s.logger.Error("register username failed", logging.KeyError, err)
		writeJSON(w, http.StatusInternalServerError, RegisterUsernameResponse{Success: false, Error: "storage failure"})
	default:
		writeJSON(w, http.StatusOK, RegisterUsernameResponse{Success: true})
	}
}

func (s *Server) handleLookupUsername(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rec, err := s.store.LookupUsername(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		s.metrics.RecordStoreError("lookup_username")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, LookupUsernameResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, LookupUsernameResponse{
		Found:        true,
		NodeID:       rec.NodeID,
		PublicKeyB64: rec.PublicKey,
	})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FollowerNodeID == "" || req.FollowedNodeID == "" {
		writeJSON(w, http.StatusBadRequest, FollowResponse{Success: false, Error: "missing node id"})
		return
	}

	// When the follower has a registered username its stored public key is
	// authoritative: require the signature over the followed node id to
	// verify against it. Followers without a username record are accepted
	// unverified, since there is no key on file to verify against.
	pub, err := s.store.PublicKeyForNode(r.Context(), req.FollowerNodeID)
	if err != nil {
		s.metrics.RecordStoreError("follow")
		writeJSON(w, http.StatusInternalServerError, FollowResponse{Success: false, Error: "storage failure"})
		return
	}
	if pub != "" && !cryptoutil.Verify(pub, []byte(req.FollowedNodeID), req.SignatureB64) {
		writeJSON(w, http.StatusUnauthorized, FollowResponse{Success: false, Error: "invalid signature"})
		return
	}

	if err := s.store.NotifyFollow(r.Context(), req.FollowerNodeID, req.FollowedNodeID, time.Now()); err != nil {
		s.metrics.RecordStoreError("follow")
		writeJSON(w, http.StatusInternalServerError, FollowResponse{Success: false, Error: "storage failure"})
		return
	}
	writeJSON(w, http.StatusOK, FollowResponse{Success: true})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	var req UnfollowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FollowerNodeID == "" || req.FollowedNodeID == "" {
		writeJSON(w, http.StatusBadRequest, FollowResponse{Success: false, Error: "missing node id"})
		return
	}

	if err := s.store.NotifyUnfollow(r.Context(), req.FollowerNodeID, req.FollowedNodeID); err != nil {
		s.metrics.RecordStoreError("unfollow")
		writeJSON(w, http.StatusInternalServerError, FollowResponse{Success: false, Error: "storage failure"})
		return
	}
	writeJSON(w, http.StatusOK, FollowResponse{Success: true})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.handleBlockEdge(w, r, s.store.Block)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.handleBlockEdge(w, r, func(ctx context.Context, by, node string, _ time.Time) error {
		return s.store.Unblock(ctx, by, node)
	})
}

// handleBlockEdge records or removes a block edge. The blocker must have a
// registered public key; a signature over the blocked node id proves the
// request came from it. Blocks gate the ingress decision, so they get the
// verification follow edges only get when a key is on file.
func (s *Server) handleBlockEdge(w http.ResponseWriter, r *http.Request,
	mutate func(context.Context, string, string, time.Time) error,
) {
	var req BlockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BlockedByNodeID == "" || req.BlockedNodeID == "" {
		writeJSON(w, http.StatusBadRequest, FollowResponse{Success: false, Error: "missing node id"})
		return
	}

	pub, err := s.store.PublicKeyForNode(r.Context(), req.BlockedByNodeID)
	if err != nil {
		s.metrics.RecordStoreError("block")
		writeJSON(w, http.StatusInternalServerError, FollowResponse{Success: false, Error: "storage failure"})
		return
	}
	if pub == "" {
		writeJSON(w, http.StatusUnauthorized, FollowResponse{Success: false, Error: "no registered public key"})
		return
	}
	if !cryptoutil.Verify(pub, []byte(req.BlockedNodeID), req.SignatureB64) {
		writeJSON(w, http.StatusUnauthorized, FollowResponse{Success: false, Error: "invalid signature"})
		return
	}

	if err := mutate(r.Context(), req.BlockedByNodeID, req.BlockedNodeID, time.Now()); err != nil {
		s.metrics.RecordStoreError("block")
		writeJSON(w, http.StatusInternalServerError, FollowResponse{Success: false, Error: "storage failure"})
		return
	}
	writeJSON(w, http.StatusOK, FollowResponse{Success: true})
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.handleFollowEdges(w, r, s.store.GetFollowers, func(entries []FollowEntry) any {
		return FollowersResponse{Followers: entries}
	})
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.handleFollowEdges(w, r, s.store.GetFollowing, func(entries []FollowEntry) any {
		return FollowingResponse{Following: entries}
	})
}

func (s *Server) handleFollowEdges(w http.ResponseWriter, r *http.Request,
	query func(context.Context, string) ([]store.FollowEntry, error),
	wrap func([]FollowEntry) any,
) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "missing node_id")
		return
	}

	rows, err := query(r.Context(), nodeID)
	if err != nil {
		s.metrics.RecordStoreError("follow_edges")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	entries := make([]FollowEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, FollowEntry{
			NodeID:       row.NodeID,
			PublicKeyB64: row.PublicKey,
			Username:     row.Username,
		})
	}
	writeJSON(w, http.StatusOK, wrap(entries))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		NodesConnected: s.dir.Len(),
		Capacity:       s.dir.Capacity(),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
