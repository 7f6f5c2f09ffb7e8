// Package config resolves, parses, validates, and defaults coachdesk configuration.
package config

// Config is the fully materialized runtime configuration used by coachdesk.
type Config struct {
	Server     ServerConfig
	Relay      RelayConfig
	Coaching   CoachingConfig
	Transcript TranscriptConfig
	Speech     SpeechConfig
	Audio      AudioConfig
	Vocab      VocabConfig
	Debug      DebugConfig
}

// ServerConfig controls the dashboard HTTP listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// RelayConfig controls the Gemini relay that injects the server-side API key.
type RelayConfig struct {
	Upstream     string
	APIVersion   string
	Model        string
	APIKeyEnv    string
	MaxBodyBytes int64
}

// CoachingConfig controls tip generation and dispatch. An empty Endpoint
// targets the relay that `serve` mounts on its own listener.
type CoachingConfig struct {
	Endpoint         string
	Model            string
	APIKeyEnv        string
	Temperature      float64
	MaxInFlight      int
	RequestTimeoutMS int
	FeedLimit        int
	DropAfterStop    bool
	OpeningLine      string
}

// TranscriptConfig controls the rolling transcript window.
type TranscriptConfig struct {
	MaxChars int
}

// SpeechConfig controls recognition locale and the optional server-side recognizer.
type SpeechConfig struct {
	LanguageCode  string
	ServerCapture bool
	Endpoint      string
	// Insecure dials Endpoint over plaintext gRPC without credentials, for
	// local emulators.
	Insecure             bool
	CredentialsFile      string
	Model                string
	AutomaticPunctuation bool
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string
	Fallback string
}

// VocabConfig controls enabled speech phrase sets and dedupe limits.
type VocabConfig struct {
	GlobalSets []string
	Sets       map[string]VocabSet
	MaxPhrases int
}

// VocabSet is one named phrase group with a shared boost value.
type VocabSet struct {
	Name    string
	Boost   float64
	Phrases []string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableGRPCDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// SpeechPhrase is the normalized phrase payload sent to the recognizer.
type SpeechPhrase struct {
	Phrase string
	Boost  float32
}

// clone copies the slice and map fields so parsing never mutates a shared base.
func (c Config) clone() Config {
	out := c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	out.Vocab.GlobalSets = append([]string(nil), c.Vocab.GlobalSets...)
	out.Vocab.Sets = make(map[string]VocabSet, len(c.Vocab.Sets))
	for name, set := range c.Vocab.Sets {
		set.Phrases = append([]string(nil), set.Phrases...)
		out.Vocab.Sets[name] = set
	}
	return out
}
