// Package dashboard serves supervisor dashboard views over websockets, plus
// the relay mount, metrics, and health endpoints.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rbright/coachdesk/internal/coaching"
	"github.com/rbright/coachdesk/internal/metrics"
	"github.com/rbright/coachdesk/internal/session"
	"github.com/rbright/coachdesk/internal/version"
)

const (
	defaultPingInterval     = 20 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	maxClientFrameBytes     = 64 << 10
)

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	// Session is the template for each view's controller; OnChange is
	// replaced per view.
	Session   session.Options
	Generator coaching.Generator
	// Relay is mounted at /relay when non-nil.
	Relay   http.Handler
	Metrics *metrics.Metrics
	// NewServerRecognizer builds a local-capture recognizer for views that
	// ask for source=server. Nil disables server capture.
	NewServerRecognizer func() session.Recognizer

	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Server hosts dashboard views.
type Server struct {
	logger   *slog.Logger
	opts     Options
	hub      *Hub
	upgrader websocket.Upgrader
	router   chi.Router
}

func New(logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{logger: logger, opts: opts, hub: NewHub()}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.router = s.routes()
	return s
}

// Hub exposes the view registry, e.g. as the control-socket handler.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/views", s.handleViews)
	r.Get("/ws", s.handleWS)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	if s.opts.Relay != nil {
		r.Mount("/relay", s.opts.Relay)
	}
	return r
}

// ListenAndServe serves on addr until ctx ends, then detaches every view
// and drains the listener.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("dashboard listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := s.hub.CloseAll()
	if !s.hub.Wait(shutdownCtx) {
		s.logger.Warn("views still attached at shutdown", "count", s.hub.Count())
	}
	s.logger.Info("dashboard shutting down", "views_closed", closed)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown dashboard: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"views":   s.hub.Count(),
		"version": version.Current(),
	})
}

func (s *Server) handleViews(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"views": s.hub.Snapshots()})
}

// checkOrigin allows same-host pages by default, or the configured list.
// A "*" entry allows any origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(s.opts.AllowedOrigins) == 0 {
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
	for _, allowed := range s.opts.AllowedOrigins {
		allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientFrameBytes)

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	hello, err := readHello(conn)
	if err != nil {
		_ = writeJSON(conn, errorFrame{Type: frameError, Message: err.Error()}, s.opts.WriteTimeout)
		return
	}

	pongWait := 3 * s.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	id := uuid.NewString()
	requestID := middleware.GetReqID(r.Context())
	logger := s.logger.With("view_id", id, "source", hello.Source, "request_id", requestID)
	v := newView(context.WithoutCancel(r.Context()), id, hello.Source, logger)

	recognizer, warning := s.recognizerFor(hello, v)
	opts := s.opts.Session
	opts.Metrics = s.opts.Metrics
	opts.OnChange = v.markDirty
	v.controller = session.NewController(logger, recognizer, s.opts.Generator, opts)
	if warning != "" {
		v.reject(errors.New(warning))
	}

	unregister := s.hub.register(v)
	defer unregister()
	logger.Info("view attached", "available", v.controller.Available())

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- v.writeLoop(conn, s.opts.PingInterval, s.opts.WriteTimeout)
	}()
	v.markDirty()

	readErr := v.readLoop(conn)
	v.close()
	writeErr := <-writerDone

	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info("view read ended", "error", readErr.Error())
	}
	if writeErr != nil {
		logger.Info("view write ended", "error", writeErr.Error())
	}
	logger.Info("view detached")
}

// recognizerFor picks the view's recognizer from its hello. A nil result
// leaves the session unavailable.
func (s *Server) recognizerFor(hello clientFrame, v *view) (session.Recognizer, string) {
	switch hello.Source {
	case SourceServer:
		if s.opts.NewServerRecognizer == nil {
			return nil, "server capture is disabled (speech.server_capture=false)"
		}
		return s.opts.NewServerRecognizer(), ""
	default:
		if !hello.SpeechSupported {
			return nil, ""
		}
		v.bridge = newBrowserRecognizer(s.opts.Session.LanguageCode, v.enqueue)
		return v.bridge, ""
	}
}

func readHello(conn *websocket.Conn) (clientFrame, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return clientFrame{}, fmt.Errorf("read hello: %w", err)
	}
	if messageType != websocket.TextMessage {
		return clientFrame{}, errHelloRequired
	}
	frame, err := decodeClientFrame(data)
	if err != nil {
		return clientFrame{}, err
	}
	if frame.Type != frameHello {
		return clientFrame{}, errHelloRequired
	}
	return frame, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
