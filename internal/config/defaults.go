package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8780",
		},
		Relay: RelayConfig{
			Upstream:     "https://generativelanguage.googleapis.com",
			APIVersion:   "v1beta",
			Model:        "gemini-1.5-pro",
			APIKeyEnv:    "GEMINI_API_KEY",
			MaxBodyBytes: 1 << 20,
		},
		Coaching: CoachingConfig{
			Model:            "gemini-1.5-pro",
			Temperature:      0.4,
			MaxInFlight:      4,
			RequestTimeoutMS: 15000,
			FeedLimit:        5,
		},
		Transcript: TranscriptConfig{
			MaxChars: 500,
		},
		Speech: SpeechConfig{
			LanguageCode:         "zh-CN",
			AutomaticPunctuation: true,
		},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Vocab: VocabConfig{
			Sets:       map[string]VocabSet{},
			MaxPhrases: 1024,
		},
	}
}
