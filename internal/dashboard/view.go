package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbright/coachdesk/internal/session"
)

var (
	errViewClosed    = errors.New("view closed")
	errOutboundFull  = errors.New("view outbound queue full")
	errNotBrowserRec = errors.New("view is not using browser speech recognition")
)

const outboundQueue = 32

// view is one attached dashboard tab. It owns exactly one session controller
// for the lifetime of the websocket.
type view struct {
	id         string
	source     string
	logger     *slog.Logger
	controller *session.Controller
	bridge     *browserRecognizer

	ctx    context.Context
	cancel context.CancelFunc

	out   chan any
	dirty chan struct{}

	closeOnce sync.Once
}

func newView(ctx context.Context, id, source string, logger *slog.Logger) *view {
	viewCtx, cancel := context.WithCancel(ctx)
	return &view{
		id:     id,
		source: source,
		logger: logger,
		ctx:    viewCtx,
		cancel: cancel,
		out:    make(chan any, outboundQueue),
		dirty:  make(chan struct{}, 1),
	}
}

// markDirty schedules a snapshot push. Repeated marks before the writer
// runs coalesce into one frame carrying the latest state.
func (v *view) markDirty() {
	select {
	case v.dirty <- struct{}{}:
	default:
	}
}

// enqueue queues a non-snapshot frame without blocking the caller.
func (v *view) enqueue(frame any) error {
	select {
	case <-v.ctx.Done():
		return errViewClosed
	default:
	}
	select {
	case v.out <- frame:
		return nil
	default:
		return errOutboundFull
	}
}

func (v *view) reject(err error) {
	if qErr := v.enqueue(errorFrame{Type: frameError, Message: err.Error()}); qErr != nil {
		v.logger.Warn("drop error frame", "error", qErr.Error())
	}
}

// handle applies one client frame to the view's session.
func (v *view) handle(frame clientFrame) {
	switch frame.Type {
	case frameStart:
		if err := v.controller.Start(v.ctx); err != nil {
			v.reject(err)
		}
	case frameStop:
		if err := v.controller.Stop(); err != nil {
			v.reject(err)
		}
	case frameResult:
		if v.bridge == nil {
			v.reject(errNotBrowserRec)
			return
		}
		v.bridge.deliverResult(frame.event())
	case frameError:
		if v.bridge == nil {
			v.reject(errNotBrowserRec)
			return
		}
		v.bridge.deliverError(frame.Error)
	case frameHello:
		v.reject(errors.New("duplicate hello"))
	}
}

// close stops the session and cancels in-flight tip generation.
func (v *view) close() {
	v.closeOnce.Do(func() {
		v.cancel()
		if v.controller != nil {
			v.controller.Close()
		}
	})
}

// wsConn is the websocket surface used by the view loops.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// readLoop decodes client frames until the connection fails.
func (v *view) readLoop(conn wsConn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			v.reject(errors.New("frames must be JSON text"))
			continue
		}
		frame, err := decodeClientFrame(data)
		if err != nil {
			v.reject(err)
			continue
		}
		v.handle(frame)
	}
}

// writeLoop owns every write on conn. Queued frames go out before the
// pending snapshot so recognizer commands are never delayed by state pushes.
func (v *view) writeLoop(conn wsConn, pingInterval, writeTimeout time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-v.out:
			if err := writeJSON(conn, frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-v.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			_ = conn.Close()
			return nil
		case frame := <-v.out:
			if err := writeJSON(conn, frame, writeTimeout); err != nil {
				return err
			}
		case <-v.dirty:
			snapshot := snapshotFrame{Type: frameSnapshot, ViewID: v.id, Session: v.controller.Snapshot()}
			if err := writeJSON(conn, snapshot, writeTimeout); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}

func writeJSON(conn wsConn, frame any, writeTimeout time.Duration) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
