// Package doctor runs runtime readiness diagnostics for config, secrets,
// the coaching endpoint, and optional server-side capture.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rbright/coachdesk/internal/audio"
	"github.com/rbright/coachdesk/internal/config"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(cfg config.Loaded) Report {
	checks := []Check{}

	configMsg := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		configMsg = fmt.Sprintf("using defaults (%q not found)", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMsg})

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "control socket directory available", "XDG_RUNTIME_DIR is empty; status/stop cannot reach the server"))

	checks = append(checks, checkSecret("relay.api_key", cfg.Config.Relay.APIKeyEnv))
	if env := strings.TrimSpace(cfg.Config.Coaching.APIKeyEnv); env != "" {
		checks = append(checks, checkSecret("coaching.api_key", env))
	}
	checks = append(checks, checkCoachingEndpoint(cfg.Config))

	if cfg.Config.Speech.ServerCapture {
		checks = append(checks, checkSpeechCredentials(cfg.Config))
		checks = append(checks, checkAudioSelection(cfg.Config))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkSecret verifies a secret resolves without echoing it.
func checkSecret(name, envName string) Check {
	value, err := config.Secret(envName)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s set (%d chars)", envName, len(value))}
}

// checkCoachingEndpoint probes the relay with a GET. The relay only accepts
// POST, so 405 proves it is listening.
func checkCoachingEndpoint(cfg config.Config) Check {
	endpoint := cfg.CoachingEndpoint()

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return Check{Name: "coaching.endpoint", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return Check{Name: "coaching.endpoint", Pass: true, Message: fmt.Sprintf("relay listening at %s", endpoint)}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Check{Name: "coaching.endpoint", Pass: true, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, endpoint)}
	default:
		return Check{Name: "coaching.endpoint", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, endpoint)}
	}
}

// checkSpeechCredentials verifies a service-account file is reachable for the
// server-side recognizer.
func checkSpeechCredentials(cfg config.Config) Check {
	if cfg.Speech.Insecure {
		return Check{Name: "speech.credentials", Pass: true, Message: fmt.Sprintf("insecure endpoint %s, no credentials sent", cfg.Speech.Endpoint)}
	}
	path := strings.TrimSpace(cfg.Speech.CredentialsFile)
	source := "speech.credentials_file"
	if path == "" {
		path = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
		source = "GOOGLE_APPLICATION_CREDENTIALS"
	}
	if path == "" {
		return Check{Name: "speech.credentials", Pass: false, Message: "no credentials file configured"}
	}
	if _, err := os.Stat(path); err != nil {
		return Check{Name: "speech.credentials", Pass: false, Message: fmt.Sprintf("%s: %v", source, err)}
	}
	return Check{Name: "speech.credentials", Pass: true, Message: fmt.Sprintf("%s at %s", source, path)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(cfg config.Config) Check {
	selection, err := audio.SelectDevice(context.Background(), cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}
