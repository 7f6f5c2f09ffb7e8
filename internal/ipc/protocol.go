// Package ipc implements the newline-delimited JSON control socket used by
// `coachdesk status` and `coachdesk stop` against a running server.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// Control commands understood by the server.
const (
	CommandStatus = "status"
	CommandStop   = "stop"
)

// maxFrameBytes caps one request or response line.
const maxFrameBytes = 64 << 10

var (
	// ErrInvalidRequest marks requests rejected before reaching the handler.
	ErrInvalidRequest = errors.New("invalid control request")
	errFrameTooLarge  = errors.New("control frame too large")

	viewIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
)

type Request struct {
	Command string `json:"command"`
	// ViewID scopes stop to one view; empty means every view.
	ViewID string `json:"view_id,omitempty"`
}

// Validate checks the command and the view scope.
func (r Request) Validate() error {
	switch r.Command {
	case CommandStatus:
		if r.ViewID != "" {
			return fmt.Errorf("%w: view_id is only valid with %q", ErrInvalidRequest, CommandStop)
		}
	case CommandStop:
		if r.ViewID != "" && !viewIDPattern.MatchString(r.ViewID) {
			return fmt.Errorf("%w: malformed view_id %q", ErrInvalidRequest, r.ViewID)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, r.Command)
	}
	return nil
}

type Response struct {
	OK      bool        `json:"ok"`
	State   string      `json:"state,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Views   []ViewState `json:"views,omitempty"`
}

func failure(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// ViewState summarizes one attached dashboard view.
type ViewState struct {
	ID              string `json:"id"`
	Source          string `json:"source"`
	State           string `json:"state"`
	Status          string `json:"status"`
	Available       bool   `json:"available"`
	Tips            int    `json:"tips"`
	TranscriptChars int    `json:"transcript_chars"`
}

// writeFrame encodes v as one JSON line.
func writeFrame(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// readLine returns one newline-terminated frame, refusing frames over
// maxFrameBytes.
func readLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(io.LimitReader(r, maxFrameBytes+1)).ReadBytes('\n')
	if len(line) > maxFrameBytes {
		return nil, errFrameTooLarge
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}
