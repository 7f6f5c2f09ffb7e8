package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rbright/coachdesk/internal/session"
)

// Client → server frame types.
const (
	frameHello  = "hello"
	frameStart  = "start"
	frameStop   = "stop"
	frameResult = "result"
	frameError  = "error"
)

// Server → client frame types.
const (
	frameSnapshot   = "snapshot"
	frameRecognizer = "recognizer"
)

// Recognizer sources a view may request in its hello frame.
const (
	SourceBrowser = "browser"
	SourceServer  = "server"
)

var errHelloRequired = errors.New("first frame must be hello")

// clientFrame is the union of every client frame; Type selects the fields
// that apply.
type clientFrame struct {
	Type string `json:"type"`

	// hello
	SpeechSupported bool   `json:"speech_supported,omitempty"`
	Source          string `json:"source,omitempty"`

	// result
	ResultIndex int              `json:"result_index,omitempty"`
	Results     []session.Result `json:"results,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

func decodeClientFrame(data []byte) (clientFrame, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame.Type = strings.ToLower(strings.TrimSpace(frame.Type))
	switch frame.Type {
	case frameHello:
		frame.Source = strings.ToLower(strings.TrimSpace(frame.Source))
		if frame.Source == "" {
			frame.Source = SourceBrowser
		}
		if frame.Source != SourceBrowser && frame.Source != SourceServer {
			return clientFrame{}, fmt.Errorf("unsupported source %q", frame.Source)
		}
	case frameStart, frameStop, frameResult, frameError:
	case "":
		return clientFrame{}, errors.New("frame type is required")
	default:
		return clientFrame{}, fmt.Errorf("unknown frame type %q", frame.Type)
	}
	return frame, nil
}

func (f clientFrame) event() session.Event {
	return session.Event{ResultIndex: f.ResultIndex, Results: f.Results}
}

type snapshotFrame struct {
	Type    string           `json:"type"`
	ViewID  string           `json:"view_id"`
	Session session.Snapshot `json:"session"`
}

// recognizerFrame drives the browser's speech recognition object.
type recognizerFrame struct {
	Type           string `json:"type"`
	Command        string `json:"command"`
	Lang           string `json:"lang,omitempty"`
	Continuous     bool   `json:"continuous,omitempty"`
	InterimResults bool   `json:"interim_results,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
