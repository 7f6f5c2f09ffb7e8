package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Server     *jsoncServer     `json:"server"`
	Relay      *jsoncRelay      `json:"relay"`
	Coaching   *jsoncCoaching   `json:"coaching"`
	Transcript *jsoncTranscript `json:"transcript"`
	Speech     *jsoncSpeech     `json:"speech"`
	Audio      *jsoncAudio      `json:"audio"`
	Vocab      *jsoncVocab      `json:"vocab"`
	Debug      *jsoncDebug      `json:"debug"`
}

type jsoncServer struct {
	Addr           *string          `json:"addr"`
	AllowedOrigins *jsoncStringList `json:"allowed_origins"`
}

type jsoncRelay struct {
	Upstream     *string `json:"upstream"`
	APIVersion   *string `json:"api_version"`
	Model        *string `json:"model"`
	APIKeyEnv    *string `json:"api_key_env"`
	MaxBodyBytes *int64  `json:"max_body_bytes"`
}

type jsoncCoaching struct {
	Endpoint         *string  `json:"endpoint"`
	Model            *string  `json:"model"`
	APIKeyEnv        *string  `json:"api_key_env"`
	Temperature      *float64 `json:"temperature"`
	MaxInFlight      *int     `json:"max_in_flight"`
	RequestTimeoutMS *int     `json:"request_timeout_ms"`
	FeedLimit        *int     `json:"feed_limit"`
	DropAfterStop    *bool    `json:"drop_after_stop"`
	OpeningLine      *string  `json:"opening_line"`
}

type jsoncTranscript struct {
	MaxChars *int `json:"max_chars"`
}

type jsoncSpeech struct {
	LanguageCode         *string `json:"language_code"`
	ServerCapture        *bool   `json:"server_capture"`
	Endpoint             *string `json:"endpoint"`
	Insecure             *bool   `json:"insecure"`
	CredentialsFile      *string `json:"credentials_file"`
	Model                *string `json:"model"`
	AutomaticPunctuation *bool   `json:"automatic_punctuation"`
}

type jsoncAudio struct {
	Input    *string `json:"input"`
	Fallback *string `json:"fallback"`
}

type jsoncVocab struct {
	Global     *jsoncStringList         `json:"global"`
	MaxPhrases *int                     `json:"max_phrases"`
	Sets       map[string]jsoncVocabSet `json:"sets"`
}

type jsoncVocabSet struct {
	Boost   *float64 `json:"boost"`
	Phrases []string `json:"phrases"`
}

type jsoncDebug struct {
	GRPCDump *bool `json:"grpc_dump"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base.clone()
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if payload.Server != nil {
		if payload.Server.Addr != nil {
			cfg.Server.Addr = strings.TrimSpace(*payload.Server.Addr)
		}
		if payload.Server.AllowedOrigins != nil {
			cfg.Server.AllowedOrigins = append([]string(nil), (*payload.Server.AllowedOrigins)...)
		}
	}

	if payload.Relay != nil {
		if payload.Relay.Upstream != nil {
			cfg.Relay.Upstream = strings.TrimSpace(*payload.Relay.Upstream)
		}
		if payload.Relay.APIVersion != nil {
			cfg.Relay.APIVersion = strings.TrimSpace(*payload.Relay.APIVersion)
		}
		if payload.Relay.Model != nil {
			cfg.Relay.Model = strings.TrimSpace(*payload.Relay.Model)
		}
		if payload.Relay.APIKeyEnv != nil {
			cfg.Relay.APIKeyEnv = strings.TrimSpace(*payload.Relay.APIKeyEnv)
		}
		if payload.Relay.MaxBodyBytes != nil {
			cfg.Relay.MaxBodyBytes = *payload.Relay.MaxBodyBytes
		}
	}

	if payload.Coaching != nil {
		c := payload.Coaching
		if c.Endpoint != nil {
			cfg.Coaching.Endpoint = strings.TrimSpace(*c.Endpoint)
		}
		if c.Model != nil {
			cfg.Coaching.Model = strings.TrimSpace(*c.Model)
		}
		if c.APIKeyEnv != nil {
			cfg.Coaching.APIKeyEnv = strings.TrimSpace(*c.APIKeyEnv)
		}
		if c.Temperature != nil {
			cfg.Coaching.Temperature = *c.Temperature
		}
		if c.MaxInFlight != nil {
			cfg.Coaching.MaxInFlight = *c.MaxInFlight
		}
		if c.RequestTimeoutMS != nil {
			cfg.Coaching.RequestTimeoutMS = *c.RequestTimeoutMS
		}
		if c.FeedLimit != nil {
			cfg.Coaching.FeedLimit = *c.FeedLimit
		}
		if c.DropAfterStop != nil {
			cfg.Coaching.DropAfterStop = *c.DropAfterStop
		}
		if c.OpeningLine != nil {
			cfg.Coaching.OpeningLine = strings.TrimSpace(*c.OpeningLine)
		}
	}

	if payload.Transcript != nil && payload.Transcript.MaxChars != nil {
		cfg.Transcript.MaxChars = *payload.Transcript.MaxChars
	}

	if payload.Speech != nil {
		sp := payload.Speech
		if sp.LanguageCode != nil {
			cfg.Speech.LanguageCode = strings.TrimSpace(*sp.LanguageCode)
		}
		if sp.ServerCapture != nil {
			cfg.Speech.ServerCapture = *sp.ServerCapture
		}
		if sp.Endpoint != nil {
			cfg.Speech.Endpoint = strings.TrimSpace(*sp.Endpoint)
		}
		if sp.Insecure != nil {
			cfg.Speech.Insecure = *sp.Insecure
		}
		if sp.CredentialsFile != nil {
			cfg.Speech.CredentialsFile = strings.TrimSpace(*sp.CredentialsFile)
		}
		if sp.Model != nil {
			cfg.Speech.Model = strings.TrimSpace(*sp.Model)
		}
		if sp.AutomaticPunctuation != nil {
			cfg.Speech.AutomaticPunctuation = *sp.AutomaticPunctuation
		}
	}

	if payload.Audio != nil {
		if payload.Audio.Input != nil {
			cfg.Audio.Input = *payload.Audio.Input
		}
		if payload.Audio.Fallback != nil {
			cfg.Audio.Fallback = *payload.Audio.Fallback
		}
	}

	if payload.Vocab != nil {
		if payload.Vocab.Global != nil {
			cfg.Vocab.GlobalSets = cfg.Vocab.GlobalSets[:0]
			for _, name := range *payload.Vocab.Global {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				cfg.Vocab.GlobalSets = append(cfg.Vocab.GlobalSets, name)
			}
		}
		if payload.Vocab.MaxPhrases != nil {
			cfg.Vocab.MaxPhrases = *payload.Vocab.MaxPhrases
		}
		if payload.Vocab.Sets != nil {
			if cfg.Vocab.Sets == nil {
				cfg.Vocab.Sets = make(map[string]VocabSet)
			}
			for name, set := range payload.Vocab.Sets {
				trimmedName := strings.TrimSpace(name)
				if trimmedName == "" {
					return nil, fmt.Errorf("vocab.sets contains an empty set name")
				}

				phrases := make([]string, 0, len(set.Phrases))
				phrases = append(phrases, set.Phrases...)

				entry := VocabSet{Name: trimmedName, Phrases: phrases}
				if set.Boost != nil {
					entry.Boost = *set.Boost
				}
				cfg.Vocab.Sets[trimmedName] = entry
			}
		}
	}

	if payload.Debug != nil && payload.Debug.GRPCDump != nil {
		cfg.Debug.EnableGRPCDump = *payload.Debug.GRPCDump
	}

	return warnings, nil
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
