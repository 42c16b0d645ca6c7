package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/router"
	"github.com/voxhall/voxhall/internal/stream"
	"github.com/voxhall/voxhall/internal/tts"
	"github.com/voxhall/voxhall/internal/tts/staged"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/provider/stt"
)

// handshakeTimeout bounds the wait for the client's hello frame.
const handshakeTimeout = 10 * time.Second

// Deps are the subsystems the server dispatches into. Router, Staged, LLM
// and Metrics may be nil; their operations then degrade gracefully.
type Deps struct {
	TTS     *tts.Manager
	Staged  *staged.Pipeline
	Streams *stream.Manager
	Router  *router.Router
	STT     stt.Transcriber
	LLM     llm.Provider
	Metrics *observe.Metrics
}

// Server is the WebSocket gateway. One instance serves all connections.
type Server struct {
	cfg  *config.Config
	auth *Authenticator
	conns *ConnManager
	deps Deps
}

// New assembles the gateway from its configuration and subsystems.
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:   cfg,
		auth:  NewAuthenticator(cfg.Auth, cfg.Server.AllowedIPs),
		conns: NewConnManager(cfg.Server.MaxConnections, deps.Metrics),
		deps:  deps,
	}
}

// Conns exposes the connection manager.
func (s *Server) Conns() *ConnManager { return s.conns }

// Handler returns the HTTP handler accepting WebSocket upgrades at any path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Run serves WebSocket upgrades on the configured host and port until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprint(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("websocket gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleUpgrade accepts one WebSocket connection and runs its session.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	authErr := s.auth.Authenticate(r)

	// The token may ride in the subprotocol list; echo it back so the
	// browser-side handshake succeeds before we close with a reason.
	var accept websocket.AcceptOptions
	accept.InsecureSkipVerify = true
	for _, p := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(p, ",") {
			accept.Subprotocols = append(accept.Subprotocols, strings.TrimSpace(proto))
		}
	}

	ws, err := websocket.Accept(w, r, &accept)
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}

	if authErr != nil {
		slog.Warn("rejecting connection", "remote", r.RemoteAddr, "error", authErr)
		ws.Close(websocket.StatusCode(CloseUnauthorized), "unauthorized")
		return
	}

	s.runSession(r.Context(), ws, r.RemoteAddr)
}

// runSession performs the handshake and then pumps frames until the
// connection dies.
func (s *Server) runSession(parent context.Context, ws *websocket.Conn, remote string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	clientID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	if err := s.handshake(ctx, ws); err != nil {
		slog.Debug("handshake failed", "remote", remote, "error", err)
		return
	}

	c, err := s.conns.Register(ctx, clientID, ws, stream.TTSPrefs{
		Voice:  s.cfg.TTS.Voice,
		Speed:  s.cfg.TTS.Speed,
		Volume: s.cfg.TTS.Volume,
	}, s.cfg.Audio.SampleRate, s.cfg.Audio.Channels)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "connection limit reached")
		return
	}
	slog.Info("client connected", "client_id", clientID, "remote", remote)

	defer func() {
		s.deps.Streams.CloseClient(clientID)
		if s.deps.Router != nil {
			s.deps.Router.ClearHistory(clientID)
		}
		s.conns.Unregister(context.WithoutCancel(ctx), clientID)
		slog.Info("client disconnected", "client_id", clientID)
	}()

	if s.cfg.Server.PingInterval > 0 {
		go s.keepalive(ctx, ws, cancel)
	}

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				ws.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			c.messagesIn.Add(1)
			c.bytesIn.Add(int64(len(data)))
			s.handleText(ctx, c, data)
		case websocket.MessageBinary:
			c.messagesIn.Add(1)
			c.bytesIn.Add(int64(len(data)))
			s.handleBinary(ctx, c, data)
		}
	}
}

// handshake waits for the hello frame and answers with ready. Close codes:
// 4408 on timeout, 4400 on a malformed or unexpected first frame.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, data, err := ws.Read(hsCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			ws.Close(websocket.StatusCode(CloseHandshakeTimeout), "handshake timeout")
		}
		return fmt.Errorf("server: handshake read: %w", err)
	}
	if typ != websocket.MessageText {
		ws.Close(websocket.StatusCode(CloseBadHandshake), "expected hello")
		return errors.New("server: binary frame before handshake")
	}
	m, err := parseClientMessage(data)
	if err != nil || m.opName() != "hello" {
		ws.Close(websocket.StatusCode(CloseBadHandshake), "expected hello")
		return fmt.Errorf("server: first frame is not hello")
	}

	ready := msg("ready", map[string]any{
		"features": map[string]any{
			"binary_audio": true,
			"staged_tts":   s.deps.Staged != nil,
		},
	})
	return writeJSON(ctx, ws, ready)
}

// keepalive pings the client until the connection context ends. A missed
// pong cancels the session.
func (s *Server) keepalive(ctx context.Context, ws *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.Server.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.Server.PingTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive failed, dropping connection", "error", err)
				cancel()
				return
			}
		}
	}
}
