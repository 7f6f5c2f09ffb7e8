package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultConnTimeout = 2 * time.Second

// Handler answers one validated control request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Server answers control connections, one request per connection.
type Server struct {
	handler Handler
	logger  *slog.Logger
	// ConnTimeout bounds reading and handling a request, and separately
	// writing its reply.
	ConnTimeout time.Duration
}

func NewServer(logger *slog.Logger, handler Handler) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{handler: handler, logger: logger, ConnTimeout: defaultConnTimeout}
}

// Serve runs an unlogged Server over listener.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	return NewServer(nil, handler).Serve(ctx, listener)
}

// Serve accepts until ctx ends or listener closes, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var conns sync.WaitGroup
	defer conns.Wait()

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Error("control accept failed", "error", err.Error())
			return fmt.Errorf("accept control connection: %w", err)
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	timeout := s.ConnTimeout
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	resp, req := s.respond(ctx, conn)
	// Replies get a fresh write window, even after a read timeout.
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := writeFrame(conn, resp); err != nil {
		s.logger.Warn("control reply failed", "command", req.Command, "error", err.Error())
	}
}

func (s *Server) respond(ctx context.Context, conn net.Conn) (Response, Request) {
	var req Request

	line, err := readLine(conn)
	if err != nil {
		s.logger.Warn("control read failed", "error", err.Error())
		return failure(fmt.Errorf("read request: %w", err)), req
	}
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("control decode failed", "error", err.Error())
		return failure(fmt.Errorf("decode request: %w", err)), req
	}
	if err := req.Validate(); err != nil {
		s.logger.Warn("control request rejected", "command", req.Command, "error", err.Error())
		return failure(err), req
	}

	started := time.Now()
	resp := s.handler.Handle(ctx, req)
	s.logger.Debug("control request",
		"command", req.Command,
		"view_id", req.ViewID,
		"ok", resp.OK,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return resp, req
}
