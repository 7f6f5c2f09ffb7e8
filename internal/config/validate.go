package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return nil, fmt.Errorf("server.addr must not be empty")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return nil, fmt.Errorf("server.allowed_origins must not contain empty entries")
		}
	}

	if err := validateHTTPURL("relay.upstream", cfg.Relay.Upstream); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Relay.APIVersion) == "" {
		return nil, fmt.Errorf("relay.api_version must not be empty")
	}
	if strings.TrimSpace(cfg.Relay.Model) == "" {
		return nil, fmt.Errorf("relay.model must not be empty")
	}
	if strings.TrimSpace(cfg.Relay.APIKeyEnv) == "" {
		return nil, fmt.Errorf("relay.api_key_env must not be empty")
	}
	if cfg.Relay.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("relay.max_body_bytes must be > 0")
	}

	if strings.TrimSpace(cfg.Coaching.Endpoint) != "" {
		if err := validateHTTPURL("coaching.endpoint", cfg.Coaching.Endpoint); err != nil {
			return nil, err
		}
		if mismatchedEmbeddedRelay(cfg) {
			warnings = append(warnings, Warning{Message: fmt.Sprintf(
				"coaching.endpoint %s does not match server.addr %s; leave it empty to use the embedded relay",
				cfg.Coaching.Endpoint, cfg.Server.Addr,
			)})
		}
	}
	if strings.TrimSpace(cfg.Coaching.Model) == "" {
		return nil, fmt.Errorf("coaching.model must not be empty")
	}
	if cfg.Coaching.Temperature < 0 || cfg.Coaching.Temperature > 2 {
		return nil, fmt.Errorf("coaching.temperature must be within [0, 2]")
	}
	if cfg.Coaching.MaxInFlight <= 0 {
		return nil, fmt.Errorf("coaching.max_in_flight must be > 0")
	}
	if cfg.Coaching.RequestTimeoutMS <= 0 {
		return nil, fmt.Errorf("coaching.request_timeout_ms must be > 0")
	}
	if cfg.Coaching.FeedLimit <= 0 {
		return nil, fmt.Errorf("coaching.feed_limit must be > 0")
	}
	if cfg.Coaching.DropAfterStop {
		warnings = append(warnings, Warning{Message: "coaching.drop_after_stop=true discards tips that complete after stop"})
	}

	if cfg.Transcript.MaxChars <= 0 {
		return nil, fmt.Errorf("transcript.max_chars must be > 0")
	}

	if strings.TrimSpace(cfg.Speech.LanguageCode) == "" {
		return nil, fmt.Errorf("speech.language_code must not be empty")
	}
	if cfg.Speech.ServerCapture && strings.TrimSpace(cfg.Audio.Input) == "" && strings.TrimSpace(cfg.Audio.Fallback) == "" {
		return nil, fmt.Errorf("audio.input or audio.fallback must be set when speech.server_capture=true")
	}
	if cfg.Speech.Insecure && strings.TrimSpace(cfg.Speech.Endpoint) == "" {
		return nil, fmt.Errorf("speech.insecure requires speech.endpoint")
	}
	if !cfg.Speech.ServerCapture && cfg.Debug.EnableGRPCDump {
		warnings = append(warnings, Warning{Message: "debug.grpc_dump has no effect unless speech.server_capture=true"})
	}

	if cfg.Vocab.MaxPhrases <= 0 {
		return nil, fmt.Errorf("vocab.max_phrases must be > 0")
	}

	_, vocabWarnings, err := BuildSpeechPhrases(cfg)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, vocabWarnings...)

	return warnings, nil
}

func validateHTTPURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}

// BuildSpeechPhrases merges enabled vocab sets into deterministic recognizer phrase hints.
func BuildSpeechPhrases(cfg Config) ([]SpeechPhrase, []Warning, error) {
	enabledSets := cfg.Vocab.GlobalSets
	if len(enabledSets) == 0 {
		return nil, nil, nil
	}

	type candidate struct {
		boost float64
		from  string
	}

	warnings := make([]Warning, 0)
	selected := make(map[string]candidate)

	for _, name := range enabledSets {
		set, ok := cfg.Vocab.Sets[name]
		if !ok {
			return nil, nil, fmt.Errorf("vocab.global references unknown set %q", name)
		}
		for _, phrase := range set.Phrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" {
				continue
			}
			if existing, exists := selected[phrase]; exists {
				if set.Boost > existing.boost {
					warnings = append(warnings, Warning{Message: fmt.Sprintf("phrase %q present in %q and %q; using higher boost %.2f", phrase, existing.from, name, set.Boost)})
					selected[phrase] = candidate{boost: set.Boost, from: name}
				}
				continue
			}
			selected[phrase] = candidate{boost: set.Boost, from: name}
		}
	}

	if len(selected) > cfg.Vocab.MaxPhrases {
		return nil, nil, fmt.Errorf("vocabulary phrase count %d exceeds vocab.max_phrases=%d", len(selected), cfg.Vocab.MaxPhrases)
	}

	phrases := make([]SpeechPhrase, 0, len(selected))
	for phrase, c := range selected {
		phrases = append(phrases, SpeechPhrase{Phrase: phrase, Boost: float32(c.boost)})
	}

	sort.Slice(phrases, func(i, j int) bool {
		if phrases[i].Phrase == phrases[j].Phrase {
			return phrases[i].Boost < phrases[j].Boost
		}
		return phrases[i].Phrase < phrases[j].Phrase
	})

	return phrases, warnings, nil
}
