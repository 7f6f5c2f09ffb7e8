package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rbright/coachdesk/internal/session"
)

// browserRecognizer implements session.Recognizer by remote-controlling the
// speech recognition object in the dashboard page. Start and Stop become
// recognizer frames; result and error frames from the page come back in
// through deliverResult and deliverError.
type browserRecognizer struct {
	lang string
	send func(any) error

	mu        sync.Mutex
	listening bool
	onResult  func(session.Event)
	onError   func(error)
}

func newBrowserRecognizer(lang string, send func(any) error) *browserRecognizer {
	return &browserRecognizer{
		lang:     lang,
		send:     send,
		onResult: func(session.Event) {},
		onError:  func(error) {},
	}
}

func (b *browserRecognizer) OnResult(fn func(session.Event)) {
	if fn == nil {
		fn = func(session.Event) {}
	}
	b.mu.Lock()
	b.onResult = fn
	b.mu.Unlock()
}

func (b *browserRecognizer) OnError(fn func(error)) {
	if fn == nil {
		fn = func(error) {}
	}
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

func (b *browserRecognizer) Start(context.Context) error {
	b.mu.Lock()
	if b.listening {
		b.mu.Unlock()
		return session.ErrAlreadyListening
	}
	b.listening = true
	b.mu.Unlock()

	err := b.send(recognizerFrame{
		Type:           frameRecognizer,
		Command:        "start",
		Lang:           b.lang,
		Continuous:     true,
		InterimResults: true,
	})
	if err != nil {
		b.mu.Lock()
		b.listening = false
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *browserRecognizer) Stop() error {
	b.mu.Lock()
	b.listening = false
	b.mu.Unlock()
	return b.send(recognizerFrame{Type: frameRecognizer, Command: "stop"})
}

// deliverResult forwards a page result while the recognizer is started.
// Late frames after Stop are dropped.
func (b *browserRecognizer) deliverResult(event session.Event) {
	b.mu.Lock()
	listening := b.listening
	fn := b.onResult
	b.mu.Unlock()

	if listening {
		fn(event)
	}
}

// deliverError reports a page recognizer failure once; the page object is
// considered dead until the next Start.
func (b *browserRecognizer) deliverError(message string) {
	b.mu.Lock()
	listening := b.listening
	b.listening = false
	fn := b.onError
	b.mu.Unlock()

	if !listening {
		return
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "recognizer error"
	}
	fn(errors.New(message))
}
