package session

import (
	"context"
	"errors"
)

var (
	// ErrCapabilityUnavailable indicates the host has no speech recognizer.
	ErrCapabilityUnavailable = errors.New("speech recognition is not available")
	// ErrAlreadyListening indicates start was requested during an active session.
	ErrAlreadyListening = errors.New("session is already listening")
	// ErrNotListening indicates stop was requested with no session to stop.
	ErrNotListening = errors.New("session is not listening")
	// ErrClosed indicates the controller's view has been torn down.
	ErrClosed = errors.New("session controller closed")
)

// Result is one recognizer hypothesis for an utterance segment.
type Result struct {
	Transcript string `json:"transcript"`
	Final      bool   `json:"is_final"`
}

// Event carries the recognizer's current result list. Entries before
// ResultIndex were already delivered in earlier events.
type Event struct {
	ResultIndex int      `json:"result_index"`
	Results     []Result `json:"results"`
}

// Recognizer is a continuous speech-recognition capability. Implementations
// run with continuous capture and interim results enabled, and must not
// deliver callbacks after Stop returns.
type Recognizer interface {
	Start(context.Context) error
	Stop() error
	OnResult(func(Event))
	OnError(func(error))
}

// finalSegments returns the final transcripts at or after ResultIndex.
func finalSegments(event Event) []string {
	start := event.ResultIndex
	if start < 0 {
		start = 0
	}

	segments := make([]string, 0, len(event.Results))
	for i := start; i < len(event.Results); i++ {
		if event.Results[i].Final {
			segments = append(segments, event.Results[i].Transcript)
		}
	}
	return segments
}
