package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rbright/coachdesk/internal/fsm"
	"github.com/rbright/coachdesk/internal/ipc"
	"github.com/rbright/coachdesk/internal/session"
)

// ErrViewNotFound reports an unknown view id.
var ErrViewNotFound = errors.New("view not found")

// Hub tracks attached views for the supervisor overview and the control
// socket.
type Hub struct {
	mu    sync.Mutex
	views map[string]*view
	wg    sync.WaitGroup
}

// ViewSnapshot pairs a view id with its session view model.
type ViewSnapshot struct {
	ID      string           `json:"id"`
	Source  string           `json:"source"`
	Session session.Snapshot `json:"session"`
}

func NewHub() *Hub {
	return &Hub{views: make(map[string]*view)}
}

// register tracks v until the returned func runs.
func (h *Hub) register(v *view) (unregister func()) {
	h.mu.Lock()
	h.views[v.id] = v
	h.wg.Add(1)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.views[v.id] == v {
				delete(h.views, v.id)
			}
			h.mu.Unlock()
			h.wg.Done()
		})
	}
}

func (h *Hub) list() []*view {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*view, 0, len(h.views))
	for _, v := range h.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of attached views.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.views)
}

// Snapshots returns every view's current state, ordered by id.
func (h *Hub) Snapshots() []ViewSnapshot {
	views := h.list()
	out := make([]ViewSnapshot, 0, len(views))
	for _, v := range views {
		out = append(out, ViewSnapshot{ID: v.id, Source: v.source, Session: v.controller.Snapshot()})
	}
	return out
}

// StopAll stops every listening or failed view and returns how many stopped.
func (h *Hub) StopAll() int {
	stopped := 0
	for _, v := range h.list() {
		if err := v.controller.Stop(); err == nil {
			stopped++
		}
	}
	return stopped
}

// Stop stops a single view.
func (h *Hub) Stop(id string) error {
	h.mu.Lock()
	v, ok := h.views[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}
	return v.controller.Stop()
}

// CloseAll detaches every view; their websockets receive a close frame.
func (h *Hub) CloseAll() int {
	views := h.list()
	for _, v := range views {
		v.close()
	}
	return len(views)
}

// Wait blocks until every registered view has unregistered or ctx ends.
func (h *Hub) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Handle implements ipc.Handler for `coachdesk status` and `coachdesk stop`.
func (h *Hub) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch strings.TrimSpace(req.Command) {
	case ipc.CommandStatus:
		views := h.viewStates()
		return ipc.Response{OK: true, State: aggregateState(views), Views: views}
	case ipc.CommandStop:
		if id := strings.TrimSpace(req.ViewID); id != "" {
			if err := h.Stop(id); err != nil {
				return ipc.Response{OK: false, Error: err.Error()}
			}
			return ipc.Response{OK: true, Message: fmt.Sprintf("stopped view %s", id)}
		}
		stopped := h.StopAll()
		return ipc.Response{OK: true, Message: fmt.Sprintf("stopped %d view(s)", stopped)}
	default:
		return ipc.Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (h *Hub) viewStates() []ipc.ViewState {
	snapshots := h.Snapshots()
	out := make([]ipc.ViewState, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, ipc.ViewState{
			ID:              s.ID,
			Source:          s.Source,
			State:           string(s.Session.State),
			Status:          s.Session.Status,
			Available:       s.Session.Available,
			Tips:            len(s.Session.Tips),
			TranscriptChars: s.Session.TranscriptChars,
		})
	}
	return out
}

// aggregateState reports listening if any view listens, then error, else idle.
func aggregateState(views []ipc.ViewState) string {
	state := string(fsm.StateIdle)
	for _, v := range views {
		switch v.State {
		case string(fsm.StateListening):
			return v.State
		case string(fsm.StateError):
			state = v.State
		}
	}
	return state
}
