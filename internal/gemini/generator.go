// Package gemini generates coaching tips with the Gemini API, normally
// reached through the coachdesk relay so the browser never holds a key.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/rbright/coachdesk/internal/coaching"
)

const (
	DefaultModel = "gemini-1.5-pro"
	// relayKeyPlaceholder satisfies the SDK when the relay injects the real key.
	relayKeyPlaceholder = "relay"
)

var (
	// ErrMalformedTip indicates the model reply could not be parsed as a tip.
	ErrMalformedTip = errors.New("malformed coaching tip response")
)

// Config describes how to reach the generative-language API.
type Config struct {
	// Endpoint is the relay base URL. Empty means the public Gemini endpoint.
	Endpoint    string
	APIVersion  string
	APIKey      string
	Model       string
	Temperature float32
	HTTPClient  *http.Client
}

// TipGenerator implements coaching.Generator.
type TipGenerator struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewTipGenerator builds a genai client bound to cfg.
func NewTipGenerator(ctx context.Context, cfg Config) (*TipGenerator, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, errors.New("gemini: api key required without a relay endpoint")
		}
		apiKey = relayKeyPlaceholder
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
			APIVersion: cfg.APIVersion,
		},
	}
	if clientConfig.HTTPOptions.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL += "/"
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &TipGenerator{
		client: client,
		model:  model,
		config: generateConfig(cfg.Temperature),
	}, nil
}

// GenerateTip asks the model for one coaching tip about transcript. It
// returns nil when the model decides no coaching is needed.
func (g *TipGenerator) GenerateTip(ctx context.Context, transcript string) (*coaching.Tip, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, nil
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(userPrompt(transcript)), g.config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	return parseTip(resp.Text())
}

type tipReply struct {
	ShouldCoach bool   `json:"should_coach"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Content     string `json:"content"`
}

func parseTip(raw string) (*coaching.Tip, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedTip)
	}

	var reply tipReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTip, err)
	}
	if !reply.ShouldCoach || strings.TrimSpace(reply.Content) == "" {
		return nil, nil
	}

	tip := coaching.NewTip(coaching.Category(reply.Category), coaching.Priority(reply.Priority), reply.Content)
	return &tip, nil
}
