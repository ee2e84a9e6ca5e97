// Package hub provides the real-time WebSocket endpoint of the sync server.
//
// Each authenticated client session holds one persistent bidirectional
// connection. Sessions are grouped by user id; an applied change is fanned
// out to the user's other sessions (never to other users, never back to the
// originating connection) so they can merge it locally without re-querying
// the full aggregate.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/studykit/studysync/internal/server/auth"
	"github.com/studykit/studysync/internal/server/reconcile"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// session is one connected device session of a user.
type session struct {
	id       string
	userID   string
	deviceID string
	conn     *websocket.Conn

	// send is drained by the session's writer goroutine so one slow
	// session never blocks fan-out to the others.
	send chan syncpkg.Envelope
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8600". Use ":0" for a random port.
	Addr string

	// WriteTimeout bounds a single message write to one session.
	WriteTimeout time.Duration

	// SendBuffer is the per-session outbound queue size.
	SendBuffer int

	// Logger for server activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8600",
		WriteTimeout: 5 * time.Second,
		SendBuffer:   64,
		Logger:       slog.Default(),
	}
}

// Server accepts sync sessions and routes protocol messages.
type Server struct {
	config     *Config
	auth       *auth.Service
	reconciler *reconcile.Reconciler

	listener net.Listener
	server   *http.Server

	sessions   map[string]map[*session]bool // user id -> sessions
	sessionsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a sync hub server.
func NewServer(config *Config, authSvc *auth.Service, reconciler *reconcile.Reconciler) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		auth:       authSvc,
		reconciler: reconciler,
		sessions:   make(map[string]map[*session]bool),
		ctx:        ctx,
		cancel:     cancel,
		logger:     config.Logger,
	}
}

// Start begins listening for sync sessions.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Sync server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and all sessions.
func (s *Server) Stop() error {
	s.logger.Info("Stopping sync server")
	s.cancel()

	s.sessionsMu.Lock()
	for _, group := range s.sessions {
		for sess := range group {
			_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
	s.sessions = make(map[string]map[*session]bool)
	s.sessionsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("Sync server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// SessionCount returns the number of connected sessions across all users.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	n := 0
	for _, group := range s.sessions {
		n += len(group)
	}
	return n
}

// handleSync authenticates and upgrades a sync session.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("Rejected sync session", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		userID:   claims.UserID,
		deviceID: claims.DeviceID,
		conn:     conn,
		send:     make(chan syncpkg.Envelope, s.config.SendBuffer),
	}
	s.addSession(sess)

	s.logger.Info("Session connected",
		"user_id", sess.userID,
		"device_id", sess.deviceID,
		"session_id", sess.id)

	s.notifyDeviceStatus(sess, true)

	s.wg.Add(2)
	go s.writeLoop(sess)
	go s.readLoop(sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

// authenticate extracts and validates the bearer token. The token may come
// from the Authorization header or, for browser WebSocket clients that
// cannot set headers, the token query parameter.
func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", syncpkg.ErrValidation)
	}
	return s.auth.ValidateToken(token)
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	group, ok := s.sessions[sess.userID]
	if !ok {
		group = make(map[*session]bool)
		s.sessions[sess.userID] = group
	}
	group[sess] = true
}

func (s *Server) removeSession(sess *session) {
	s.sessionsMu.Lock()
	group, ok := s.sessions[sess.userID]
	if ok {
		if _, exists := group[sess]; exists {
			delete(group, sess)
			if len(group) == 0 {
				delete(s.sessions, sess.userID)
			}
			s.sessionsMu.Unlock()

			_ = sess.conn.Close(websocket.StatusNormalClosure, "")
			s.logger.Info("Session disconnected",
				"user_id", sess.userID,
				"session_id", sess.id)
			s.notifyDeviceStatus(sess, false)
			return
		}
	}
	s.sessionsMu.Unlock()
}

// fanOut queues env on every session of the user except the origin.
func (s *Server) fanOut(userID string, origin *session, env syncpkg.Envelope) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	for sess := range s.sessions[userID] {
		if sess == origin {
			continue
		}
		select {
		case sess.send <- env:
		default:
			s.logger.Warn("Session send buffer full, dropping fan-out",
				"user_id", userID, "session_id", sess.id)
		}
	}
}

func (s *Server) notifyDeviceStatus(origin *session, online bool) {
	s.fanOut(origin.userID, origin, syncpkg.NewEnvelope(syncpkg.MessageTypeDeviceStatus, syncpkg.DeviceStatusData{
		DeviceID:  origin.deviceID,
		SessionID: origin.id,
		Online:    online,
	}))
}

// writeLoop drains the session's outbound queue.
func (s *Server) writeLoop(sess *session) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-sess.send:
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Error("Failed to marshal message", "error", err)
				continue
			}

			ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
			err = sess.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.removeSession(sess)
				return
			}
		}
	}
}

// readLoop parses and dispatches incoming protocol messages.
func (s *Server) readLoop(sess *session) {
	defer s.wg.Done()
	defer s.removeSession(sess)

	for {
		_, data, err := sess.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var env syncpkg.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("Dropping malformed message",
				"session_id", sess.id, "error", err)
			continue
		}

		switch env.Type {
		case syncpkg.MessageTypePing:
			s.handlePing(sess, env)
		case syncpkg.MessageTypeBatchUpdate:
			s.handleBatchUpdate(sess, env)
		case syncpkg.MessageTypeForceSync:
			s.handleForceSync(sess, env)
		default:
			s.logger.Warn("Unknown message type",
				"session_id", sess.id, "type", env.Type)
		}
	}
}

func (s *Server) handlePing(sess *session, env syncpkg.Envelope) {
	var ping syncpkg.PingData
	_ = json.Unmarshal(env.Data, &ping)

	version, err := s.reconciler.CurrentVersion(s.ctx, sess.userID)
	if err != nil {
		s.logger.Error("Failed to read user version", "error", err)
	}

	s.queue(sess, syncpkg.NewEnvelope(syncpkg.MessageTypePong, syncpkg.PongData{
		RequestID:   ping.RequestID,
		SyncVersion: version,
	}))
}

func (s *Server) handleBatchUpdate(sess *session, env syncpkg.Envelope) {
	var update syncpkg.BatchUpdateData
	if err := json.Unmarshal(env.Data, &update); err != nil {
		s.logger.Warn("Malformed batch_update", "session_id", sess.id, "error", err)
		return
	}

	// Isolation by user id: every operation runs as the authenticated
	// user regardless of what the batch claims.
	result, err := s.reconciler.ProcessBatch(s.ctx, sess.userID, update.Batch)
	if err != nil {
		s.logger.Error("Batch processing failed",
			"user_id", sess.userID, "error", err)
		return
	}

	for _, confirmed := range result.Confirmed {
		s.queue(sess, syncpkg.NewEnvelope(syncpkg.MessageTypeOperationConfirmed, confirmed))
	}
	for _, failed := range result.Failed {
		failed.SyncVersion = result.SyncVersion
		s.queue(sess, syncpkg.NewEnvelope(syncpkg.MessageTypeOperationFailed, failed))
	}
	for _, conflict := range result.Conflicts {
		s.queue(sess, syncpkg.NewEnvelope(syncpkg.MessageTypeSyncConflict, conflict))
	}
	for _, b := range result.Broadcasts {
		s.fanOut(sess.userID, sess, syncpkg.NewEnvelope(syncpkg.MessageTypeSyncData, b))
	}
}

func (s *Server) handleForceSync(sess *session, env syncpkg.Envelope) {
	var req syncpkg.ForceSyncData
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.logger.Warn("Malformed force_sync", "session_id", sess.id, "error", err)
		return
	}

	payloads, version, err := s.reconciler.Catchup(s.ctx, sess.userID, req.SinceVersion)
	if err != nil {
		s.logger.Error("Catch-up failed", "user_id", sess.userID, "error", err)
		return
	}

	s.logger.Info("Catch-up",
		"user_id", sess.userID,
		"since", req.SinceVersion,
		"changes", len(payloads),
		"version", version)

	for _, p := range payloads {
		s.queue(sess, syncpkg.NewEnvelope(syncpkg.MessageTypeSyncData, p))
	}

	// A closing pong tells the client the catch-up stream is complete and
	// carries the version to adopt as its new low-water-mark.
	s.queue(sess, syncpkg.NewEnvelope(syncpkg.MessageTypePong, syncpkg.PongData{SyncVersion: version}))
}

func (s *Server) queue(sess *session, env syncpkg.Envelope) {
	select {
	case sess.send <- env:
	default:
		s.logger.Warn("Session send buffer full, dropping message",
			"session_id", sess.id, "type", env.Type)
	}
}
