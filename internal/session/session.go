// Package session runs one dashboard's listening lifecycle: recognizer
// control, transcript accumulation, and coaching dispatch.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/coachdesk/internal/coaching"
	"github.com/rbright/coachdesk/internal/fsm"
	"github.com/rbright/coachdesk/internal/metrics"
	"github.com/rbright/coachdesk/internal/transcript"
)

// Options configures a Controller. Zero values fall back to package defaults.
type Options struct {
	LanguageCode    string
	OpeningLine     string
	TranscriptChars int
	FeedLimit       int
	MaxInFlight     int
	RequestTimeout  time.Duration
	// DropAfterStop discards tip completions that land after Stop.
	DropAfterStop bool
	Metrics       *metrics.Metrics
	// OnChange runs after every observable mutation, outside controller locks.
	OnChange func()
}

// Snapshot is the read-only view model rendered by the dashboard.
type Snapshot struct {
	State           fsm.State      `json:"state"`
	Listening       bool           `json:"listening"`
	Available       bool           `json:"available"`
	Status          string         `json:"status"`
	Transcript      string         `json:"transcript"`
	TranscriptChars int            `json:"transcript_chars"`
	Tips            []coaching.Tip `json:"tips"`
	Epoch           uint64         `json:"epoch"`
	LastError       string         `json:"last_error,omitempty"`
}

// Controller owns one session's recognizer lifecycle and its transcript and
// tip feed.
type Controller struct {
	logger        *slog.Logger
	recognizer    Recognizer
	messages      Messages
	openingLine   string
	dropAfterStop bool
	metrics       *metrics.Metrics
	onChange      func()

	transcript *transcript.Accumulator
	feed       *coaching.Feed
	dispatcher *coaching.Dispatcher

	// lifecycle serializes Start/Stop/Close so recognizer start and stop
	// calls never interleave. Recognizer callbacks only take mu.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     fsm.State
	status    string
	lastError string
	closed    bool
}

// NewController builds a controller. A nil recognizer marks speech capture
// as unavailable; the controller stays usable but Start always fails.
func NewController(logger *slog.Logger, recognizer Recognizer, generator coaching.Generator, opts Options) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}

	c := &Controller{
		logger:        logger,
		recognizer:    recognizer,
		messages:      MessagesFor(opts.LanguageCode),
		openingLine:   opts.OpeningLine,
		dropAfterStop: opts.DropAfterStop,
		metrics:       opts.Metrics,
		onChange:      opts.OnChange,
		transcript:    transcript.NewAccumulator(opts.TranscriptChars),
		feed:          coaching.NewFeed(opts.FeedLimit),
		state:         fsm.StateIdle,
	}
	c.dispatcher = coaching.NewDispatcher(logger, generator, c.feed, coaching.DispatcherOptions{
		MaxInFlight:    opts.MaxInFlight,
		RequestTimeout: opts.RequestTimeout,
		Metrics:        opts.Metrics,
		OnMerge:        func(coaching.Tip) { c.onChange() },
	})

	if recognizer == nil {
		c.status = c.messages.Unavailable
		return c
	}
	c.status = c.messages.Idle
	recognizer.OnResult(c.handleResult)
	recognizer.OnError(c.handleError)
	return c
}

// Available reports whether a speech recognizer was provided.
func (c *Controller) Available() bool {
	return c.recognizer != nil
}

// State returns the current FSM state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the current view model.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		State:           c.state,
		Listening:       c.state == fsm.StateListening,
		Available:       c.recognizer != nil,
		Status:          c.status,
		Transcript:      c.transcript.String(),
		TranscriptChars: c.transcript.Len(),
		Tips:            c.feed.Tips(),
		Epoch:           c.feed.Epoch(),
		LastError:       c.lastError,
	}
}

// Start begins a new listening session. The transcript is cleared and the
// feed is reseeded with the opening-line tip before the recognizer starts.
// Starting from the error state first resets to idle.
func (c *Controller) Start(ctx context.Context) error {
	if c.recognizer == nil {
		return ErrCapabilityUnavailable
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == fsm.StateListening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	if c.state == fsm.StateError {
		if err := c.transitionLocked(fsm.EventReset); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if err := c.transitionLocked(fsm.EventStart); err != nil {
		c.mu.Unlock()
		return err
	}
	c.transcript.Reset()
	epoch := c.feed.Reset(coaching.OpeningTip(c.openingLine))
	c.status = c.messages.Listening
	c.lastError = ""
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.logger.Info("session listening", "epoch", epoch)
	c.onChange()

	if err := c.recognizer.Start(ctx); err != nil {
		c.handleError(fmt.Errorf("start recognizer: %w", err))
		return fmt.Errorf("start recognizer: %w", err)
	}
	return nil
}

// Stop ends the session. In-flight tip generation keeps running and may
// still land unless DropAfterStop is set.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	c.mu.Lock()
	previous := c.state
	if err := c.transitionLocked(fsm.EventStop); err != nil {
		c.mu.Unlock()
		return ErrNotListening
	}
	c.status = c.messages.Idle
	if c.dropAfterStop {
		c.feed.Invalidate()
	}
	c.mu.Unlock()

	if previous == fsm.StateListening {
		c.metrics.SessionEnded()
	}
	if c.recognizer != nil {
		if err := c.recognizer.Stop(); err != nil {
			c.logger.Warn("recognizer stop failed", "error", err.Error())
		}
	}

	c.logger.Info("session stopped", "from", string(previous))
	c.onChange()
	return nil
}

// Reset clears an error state back to idle without starting.
func (c *Controller) Reset() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if err := c.transitionLocked(fsm.EventReset); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.recognizer != nil {
		c.status = c.messages.Idle
	}
	c.mu.Unlock()

	c.onChange()
	return nil
}

// Close stops any active session and cancels in-flight tip generation.
// The controller cannot be restarted afterwards.
func (c *Controller) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if state := c.State(); state == fsm.StateListening || state == fsm.StateError {
		if err := c.stopLocked(); err != nil && !errors.Is(err, ErrNotListening) {
			c.logger.Warn("session close stop failed", "error", err.Error())
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.dispatcher.Close()
}

// Wait blocks until outstanding tip generation has completed.
func (c *Controller) Wait() {
	c.dispatcher.Wait()
}

func (c *Controller) handleResult(event Event) {
	chunk := transcript.Assemble(finalSegments(event))

	c.mu.Lock()
	if c.state != fsm.StateListening {
		c.mu.Unlock()
		return
	}
	if chunk == "" {
		c.mu.Unlock()
		return
	}
	c.transcript.Append(chunk)
	epoch := c.feed.Epoch()
	c.mu.Unlock()

	c.metrics.ChunkAccepted()
	c.onChange()
	c.dispatcher.Dispatch(epoch, chunk)
}

func (c *Controller) handleError(err error) {
	c.mu.Lock()
	if c.state != fsm.StateListening {
		c.mu.Unlock()
		c.logger.Debug("ignoring recognizer error outside listening", "error", errorString(err))
		return
	}
	if tErr := c.transitionLocked(fsm.EventFail); tErr != nil {
		c.mu.Unlock()
		return
	}
	c.status = c.messages.Error
	c.lastError = errorString(err)
	c.mu.Unlock()

	c.metrics.RecognitionFailed()
	c.metrics.SessionEnded()
	c.logger.Error("recognizer failed", "error", errorString(err))
	c.onChange()
}

// transitionLocked applies one FSM event. Callers must hold mu.
func (c *Controller) transitionLocked(event fsm.Event) error {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

func errorString(err error) string {
	if err == nil {
		return "unknown recognizer error"
	}
	return err.Error()
}
