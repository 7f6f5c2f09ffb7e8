package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/rbright/coachdesk/internal/config"
	"github.com/rbright/coachdesk/internal/dashboard"
	"github.com/rbright/coachdesk/internal/gemini"
	"github.com/rbright/coachdesk/internal/ipc"
	"github.com/rbright/coachdesk/internal/metrics"
	"github.com/rbright/coachdesk/internal/pipeline"
	"github.com/rbright/coachdesk/internal/relay"
	"github.com/rbright/coachdesk/internal/session"
	"github.com/rbright/coachdesk/internal/version"
)

const shutdownTimeout = 5 * time.Second

func (r Runner) commandServe(ctx context.Context, cfg config.Config, addr string, logger *slog.Logger) int {
	m := metrics.New("")

	relayHandler, err := r.buildRelay(cfg, logger, m, false)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: listen %s: %v\n", addr, err)
		return 1
	}

	endpoint := strings.TrimSpace(cfg.Coaching.Endpoint)
	if endpoint == "" {
		endpoint = config.EmbeddedRelayURL(listener.Addr().String())
	}
	logger.Info("coaching endpoint", "endpoint", endpoint)

	generator, err := buildGenerator(ctx, cfg, endpoint)
	if err != nil {
		_ = listener.Close()
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("build tip generator failed", "error", err.Error())
		return 1
	}

	opts := dashboard.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Session:        sessionOptions(cfg, m),
		Generator:      generator,
		Relay:          relayHandler,
		Metrics:        m,
	}
	if cfg.Speech.ServerCapture {
		opts.NewServerRecognizer = func() session.Recognizer {
			return pipeline.NewRecognizer(cfg, logger.With("component", "pipeline"))
		}
	}
	server := dashboard.New(logger.With("component", "dashboard"), opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	socketListener, socketPath, ok := r.acquireControlSocket(ctx, logger)
	if !ok {
		_ = listener.Close()
		return 1
	}
	if socketListener != nil {
		defer func() { _ = os.Remove(socketPath) }()
	}

	fmt.Fprintf(r.Stdout, "coachdesk %s listening on http://%s\n", version.Current().Version, listener.Addr())
	if r.OnListen != nil {
		r.OnListen(listener.Addr())
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(groupCtx, listener)
	})
	if socketListener != nil {
		group.Go(func() error {
			return ipc.NewServer(logger.With("component", "control"), server.Hub()).Serve(groupCtx, socketListener)
		})
	}

	if err := group.Wait(); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("serve failed", "error", err.Error())
		return 1
	}
	logger.Info("serve stopped")
	return 0
}

// acquireControlSocket returns the control listener and its path. A nil
// listener with ok set means serving continues without status/stop control.
func (r Runner) acquireControlSocket(ctx context.Context, logger *slog.Logger) (net.Listener, string, bool) {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "warning: control socket disabled: %v\n", err)
		logger.Warn("control socket disabled", "error", err.Error())
		return nil, "", true
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if errors.Is(err, ipc.ErrAlreadyRunning) {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return nil, "", false
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("acquire control socket failed", "error", err.Error())
		return nil, "", false
	}
	return listener, socketPath, true
}

func (r Runner) commandRelay(ctx context.Context, cfg config.Config, addr string, logger *slog.Logger) int {
	m := metrics.New("")
	relayHandler, err := r.buildRelay(cfg, logger, m, true)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Method(http.MethodGet, "/metrics", m.Handler())
	router.Handle("/*", relayHandler)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: listen %s: %v\n", addr, err)
		return 1
	}
	fmt.Fprintf(r.Stdout, "coachdesk relay listening on http://%s\n", listener.Addr())
	if r.OnListen != nil {
		r.OnListen(listener.Addr())
	}

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", "error", err.Error())
	}
	logger.Info("relay stopped")
	return 0
}

// buildRelay resolves the upstream key. Embedded relays tolerate a missing
// key and answer 500 until it is set; the standalone relay refuses to start.
func (r Runner) buildRelay(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, required bool) (*relay.Handler, error) {
	apiKey, err := config.Secret(cfg.Relay.APIKeyEnv)
	if err != nil {
		if required {
			return nil, fmt.Errorf("relay: %w", err)
		}
		fmt.Fprintf(r.Stderr, "warning: relay: %v\n", err)
		logger.Warn("relay key missing", "env", cfg.Relay.APIKeyEnv)
	}

	return relay.New(logger.With("component", "relay"), relay.Config{
		Upstream:     cfg.Relay.Upstream,
		APIVersion:   cfg.Relay.APIVersion,
		Model:        cfg.Relay.Model,
		APIKey:       apiKey,
		MaxBodyBytes: cfg.Relay.MaxBodyBytes,
	}, m), nil
}

func buildGenerator(ctx context.Context, cfg config.Config, endpoint string) (*gemini.TipGenerator, error) {
	var apiKey string
	if cfg.Coaching.APIKeyEnv != "" {
		key, err := config.Secret(cfg.Coaching.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("coaching: %w", err)
		}
		apiKey = key
	}

	return gemini.NewTipGenerator(ctx, gemini.Config{
		Endpoint:    endpoint,
		APIVersion:  cfg.Relay.APIVersion,
		APIKey:      apiKey,
		Model:       cfg.Coaching.Model,
		Temperature: float32(cfg.Coaching.Temperature),
	})
}

func sessionOptions(cfg config.Config, m *metrics.Metrics) session.Options {
	return session.Options{
		LanguageCode:    cfg.Speech.LanguageCode,
		OpeningLine:     cfg.Coaching.OpeningLine,
		TranscriptChars: cfg.Transcript.MaxChars,
		FeedLimit:       cfg.Coaching.FeedLimit,
		MaxInFlight:     cfg.Coaching.MaxInFlight,
		RequestTimeout:  time.Duration(cfg.Coaching.RequestTimeoutMS) * time.Millisecond,
		DropAfterStop:   cfg.Coaching.DropAfterStop,
		Metrics:         m,
	}
}
