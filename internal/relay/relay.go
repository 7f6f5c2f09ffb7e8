// Package relay forwards generateContent calls to the Gemini API with a
// server-held key, so browser clients never see the credential.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rbright/coachdesk/internal/metrics"
)

const (
	DefaultUpstream     = "https://generativelanguage.googleapis.com"
	DefaultModel        = "gemini-1.5-pro"
	DefaultAPIVersion   = "v1beta"
	DefaultMaxBodyBytes = 1 << 20

	generateMethod = "generateContent"
)

var modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config controls the relay target and credentials.
type Config struct {
	Upstream     string
	APIVersion   string
	Model        string
	APIKey       string
	MaxBodyBytes int64
	HTTPClient   *http.Client
}

// Handler relays POST bodies to {upstream}/{version}/models/{model}:generateContent.
type Handler struct {
	logger  *slog.Logger
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
}

// New returns a relay handler with defaults applied to cfg.
func New(logger *slog.Logger, cfg Config, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Upstream = strings.TrimRight(strings.TrimSpace(cfg.Upstream), "/")
	if cfg.Upstream == "" {
		cfg.Upstream = DefaultUpstream
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &Handler{logger: logger, cfg: cfg, client: client, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, "Method Not Allowed")
		h.metrics.RelayRequest(http.StatusMethodNotAllowed, 0)
		return
	}

	model, status, err := h.resolveModel(r.URL.Path)
	if err != nil {
		h.reject(w, status, err)
		return
	}

	if h.cfg.APIKey == "" {
		h.reject(w, http.StatusInternalServerError, errors.New("relay api key is not configured"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.reject(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return
		}
		h.reject(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if !json.Valid(body) {
		h.reject(w, http.StatusBadRequest, errors.New("request body must be JSON"))
		return
	}

	target, err := h.upstreamURL(model)
	if err != nil {
		h.reject(w, http.StatusInternalServerError, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		h.reject(w, http.StatusInternalServerError, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", h.cfg.APIKey)

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Error("relay upstream request failed", "model", model, "error", err.Error())
		h.reject(w, http.StatusBadGateway, errors.New("upstream unreachable"))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("relay response copy failed", "model", model, "error", err.Error())
	}

	elapsed := time.Since(started)
	h.metrics.RelayRequest(resp.StatusCode, elapsed)
	h.logger.Info("relay request",
		"model", model,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// resolveModel extracts the model from .../models/{model}:generateContent,
// falling back to the configured default for bare POSTs.
func (h *Handler) resolveModel(path string) (string, int, error) {
	_, rest, found := strings.Cut(path, "/models/")
	if !found {
		return h.cfg.Model, 0, nil
	}

	model, method, ok := strings.Cut(rest, ":")
	if !ok || method != generateMethod {
		return "", http.StatusNotFound, fmt.Errorf("unsupported method %q", method)
	}
	if !modelPattern.MatchString(model) {
		return "", http.StatusBadRequest, fmt.Errorf("invalid model %q", model)
	}
	return model, 0, nil
}

func (h *Handler) upstreamURL(model string) (string, error) {
	base, err := url.Parse(h.cfg.Upstream)
	if err != nil {
		return "", fmt.Errorf("parse upstream: %w", err)
	}
	return base.JoinPath(h.cfg.APIVersion, "models", model+":"+generateMethod).String(), nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// reject writes a Gemini-shaped error so SDK clients surface it as an API error.
func (h *Handler) reject(w http.ResponseWriter, status int, err error) {
	h.metrics.RelayRequest(status, 0)
	h.logger.Warn("relay request rejected", "status", status, "error", err.Error())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:    status,
		Message: err.Error(),
		Status:  strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")),
	}})
}
