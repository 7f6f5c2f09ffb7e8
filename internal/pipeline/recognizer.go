// Package pipeline provides a server-side speech recognizer: PulseAudio
// capture streamed to Cloud Speech-to-Text.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/coachdesk/internal/audio"
	"github.com/rbright/coachdesk/internal/config"
	"github.com/rbright/coachdesk/internal/session"
	"github.com/rbright/coachdesk/internal/speech"
)

// ErrStreamEnded indicates the recognition service closed the stream on its own.
var ErrStreamEnded = errors.New("recognition stream ended unexpectedly")

type audioSource interface {
	Chunks() <-chan []byte
	Stop() error
	Device() audio.Device
	BytesCaptured() int64
}

type speechStream interface {
	SendAudio([]byte) error
	Done() <-chan struct{}
	Err() error
	Cancel() error
}

// Recognizer implements session.Recognizer over local capture. Each Start
// begins a new run; Stop or a failure tears the run down.
type Recognizer struct {
	cfg    config.Config
	logger *slog.Logger

	selectDevice func(context.Context, string, string) (audio.Selection, error)
	startCapture func(context.Context, audio.Device) (audioSource, error)
	dial         func(context.Context, speech.Config, func(session.Event)) (speechStream, error)

	mu       sync.Mutex
	current  *run
	onResult func(session.Event)
	onError  func(error)
}

type run struct {
	cancel  context.CancelFunc
	capture audioSource
	stream  speechStream
	debug   io.Closer
	started time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func speechPhrases(cfg config.Config) ([]speech.Phrase, error) {
	built, _, err := config.BuildSpeechPhrases(cfg)
	if err != nil {
		return nil, fmt.Errorf("build phrase hints: %w", err)
	}
	phrases := make([]speech.Phrase, 0, len(built))
	for _, p := range built {
		phrases = append(phrases, speech.Phrase{Text: p.Phrase, Boost: p.Boost})
	}
	return phrases, nil
}

// NewRecognizer constructs a recognizer from runtime config.
func NewRecognizer(cfg config.Config, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recognizer{
		cfg:          cfg,
		logger:       logger,
		selectDevice: audio.SelectDevice,
		startCapture: func(ctx context.Context, device audio.Device) (audioSource, error) {
			capture, err := audio.StartCapture(ctx, device)
			if err != nil {
				return nil, err
			}
			return capture, nil
		},
		dial: func(ctx context.Context, cfg speech.Config, onEvent func(session.Event)) (speechStream, error) {
			stream, err := speech.Dial(ctx, cfg, onEvent)
			if err != nil {
				return nil, err
			}
			return stream, nil
		},
		onResult: func(session.Event) {},
		onError:  func(error) {},
	}
}

func (r *Recognizer) OnResult(fn func(session.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		fn = func(session.Event) {}
	}
	r.onResult = fn
}

func (r *Recognizer) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		fn = func(error) {}
	}
	r.onError = fn
}

// Start resolves the input device, opens the recognition stream, and begins
// capture. The run outlives ctx; only Stop or a failure ends it.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	busy := r.current != nil
	r.mu.Unlock()
	if busy {
		return errors.New("recognizer already started")
	}

	phrases, err := speechPhrases(r.cfg)
	if err != nil {
		return err
	}

	selection, err := r.selectDevice(ctx, r.cfg.Audio.Input, r.cfg.Audio.Fallback)
	if err != nil {
		return fmt.Errorf("select audio device: %w", err)
	}
	if selection.Warning != "" {
		r.logger.Warn(selection.Warning)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cur := &run{
		cancel:  cancel,
		started: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	var debugSink io.Writer
	if r.cfg.Debug.EnableGRPCDump {
		file, ferr := createDebugFile("speech", "jsonl")
		if ferr != nil {
			cancel()
			return ferr
		}
		cur.debug = file
		debugSink = file
	}

	stream, err := r.dial(runCtx, speech.Config{
		Endpoint:              r.cfg.Speech.Endpoint,
		Insecure:              r.cfg.Speech.Insecure,
		CredentialsFile:       r.cfg.Speech.CredentialsFile,
		LanguageCode:          r.cfg.Speech.LanguageCode,
		Model:                 r.cfg.Speech.Model,
		AutomaticPunctuation:  r.cfg.Speech.AutomaticPunctuation,
		Phrases:               phrases,
		DebugResponseSinkJSON: debugSink,
	}, func(event session.Event) { r.deliver(cur, event) })
	if err != nil {
		cur.shutdown()
		return fmt.Errorf("open recognition stream: %w", err)
	}
	cur.stream = stream

	capture, err := r.startCapture(runCtx, selection.Device)
	if err != nil {
		cur.shutdown()
		return fmt.Errorf("start audio capture: %w", err)
	}
	cur.capture = capture

	r.mu.Lock()
	r.current = cur
	r.mu.Unlock()

	go r.watch(cur)

	r.logger.Info("server capture started", "device", describeDevice(selection.Device))
	return nil
}

// Stop ends the active run. It is safe to call when nothing is running.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()

	if cur == nil {
		return nil
	}
	cur.shutdown()
	<-cur.done

	r.logger.Info("server capture stopped",
		"device", describeDevice(cur.capture.Device()),
		"bytes_captured", cur.capture.BytesCaptured(),
		"duration_ms", time.Since(cur.started).Milliseconds(),
	)
	return nil
}

// watch forwards audio and reports the first run failure to OnError.
func (r *Recognizer) watch(cur *run) {
	defer close(cur.done)

	sendErr := make(chan error, 1)
	go func() { sendErr <- sendLoop(cur.capture, cur.stream) }()

	var failure error
	select {
	case <-cur.stop:
		return
	case err := <-sendErr:
		if err == nil {
			select {
			case <-cur.stop:
				return
			default:
			}
			err = errors.New("audio capture ended")
		}
		failure = fmt.Errorf("send audio: %w", err)
	case <-cur.stream.Done():
		failure = cur.stream.Err()
		if failure == nil {
			failure = ErrStreamEnded
		}
	}

	r.mu.Lock()
	active := r.current == cur
	if active {
		r.current = nil
	}
	onError := r.onError
	r.mu.Unlock()

	cur.shutdown()
	if active {
		r.logger.Error("server recognition failed", "error", failure.Error())
		onError(failure)
	}
}

func (r *Recognizer) deliver(cur *run, event session.Event) {
	r.mu.Lock()
	active := r.current == cur
	onResult := r.onResult
	r.mu.Unlock()

	if active {
		onResult(event)
	}
}

// shutdown releases capture, stream, and debug sink exactly once.
func (cur *run) shutdown() {
	cur.stopOnce.Do(func() {
		close(cur.stop)
		if cur.capture != nil {
			_ = cur.capture.Stop()
		}
		if cur.stream != nil {
			_ = cur.stream.Cancel()
		}
		cur.cancel()
		if cur.debug != nil {
			_ = cur.debug.Close()
		}
	})
}

// sendLoop forwards capture chunks until capture closes or a send fails.
func sendLoop(capture audioSource, stream speechStream) error {
	for chunk := range capture.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		if err := stream.SendAudio(chunk); err != nil {
			_ = capture.Stop()
			return err
		}
	}
	return nil
}

// describeDevice formats device metadata for logs.
func describeDevice(device audio.Device) string {
	description := strings.TrimSpace(device.Description)
	id := strings.TrimSpace(device.ID)
	if description == "" {
		return id
	}
	if id == "" {
		return description
	}
	return fmt.Sprintf("%s (%s)", description, id)
}
