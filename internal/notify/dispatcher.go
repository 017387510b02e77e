// Package notify turns worker signals into debounced, filtered,
// deduplicated outbound webhook notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/termbuf"
)

// Outbound event types.
const (
	EventAgentWaiting = "agent:waiting"
	EventAgentIdle    = "agent:idle"
	EventAgentActive  = "agent:active"
	EventWorkerExited = "worker:exited"
	EventWorkerError  = "worker:error"
)

// Event is one outbound notification.
type Event struct {
	SessionID string
	WorkerID  string
	Type      string
	Summary   string
	JobID     string // job-driven path; enables the dedup row
}

// Handler delivers notifications for a repository's integration.
type Handler interface {
	ID() string
	CanHandle(ctx context.Context, repositoryID string) (bool, error)
	Send(ctx context.Context, repositoryID string, evt Event) error
}

const deliveryTimeout = 10 * time.Second

// Dispatcher subscribes to the global activity callback and the
// worker-exit/error hooks, debounces agent-activity events per
// session:worker key, and delivers through registered handlers.
type Dispatcher struct {
	store    *store.Store
	handlers []Handler
	debounce time.Duration
	triggers map[string]bool

	mu       sync.Mutex
	prev     map[string]string // key -> previous agent event type
	timers   map[string]*time.Timer
	pending  map[string]Event // last event per key inside the window
	disposed bool
}

// New creates a Dispatcher with the given debounce window and trigger map.
func New(st *store.Store, debounce time.Duration, triggers map[string]bool, handlers ...Handler) *Dispatcher {
	return &Dispatcher{
		store:    st,
		handlers: handlers,
		debounce: debounce,
		triggers: triggers,
		prev:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]Event),
	}
}

func key(sessionID, workerID string) string { return sessionID + ":" + workerID }

// mapActivity converts an activity state to an event type. unknown is
// suppressed (empty).
func mapActivity(state termbuf.State) string {
	switch state {
	case termbuf.StateAsking:
		return EventAgentWaiting
	case termbuf.StateIdle:
		return EventAgentIdle
	case termbuf.StateActive:
		return EventAgentActive
	default:
		return ""
	}
}

// HandleActivity is the global activity callback.
func (d *Dispatcher) HandleActivity(sessionID, workerID string, state termbuf.State) {
	evtType := mapActivity(state)
	if evtType == "" {
		return
	}

	k := key(sessionID, workerID)

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}

	// The previous state always updates, even for suppressed
	// transitions: the next event compares against reality.
	previous := d.prev[k]
	d.prev[k] = evtType

	// waiting -> idle means the user responded; nothing to tell them.
	if previous == EventAgentWaiting && evtType == EventAgentIdle {
		d.mu.Unlock()
		return
	}
	if !d.triggers[evtType] {
		d.mu.Unlock()
		return
	}

	evt := Event{
		SessionID: sessionID,
		WorkerID:  workerID,
		Type:      evtType,
		Summary:   fmt.Sprintf("agent is %s", state),
	}

	// Rapid transitions inside the window collapse to the last state.
	d.pending[k] = evt
	if t, ok := d.timers[k]; ok {
		t.Stop()
	}
	d.timers[k] = time.AfterFunc(d.debounce, func() { d.flush(k) })
	d.mu.Unlock()
}

func (d *Dispatcher) flush(k string) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	evt, ok := d.pending[k]
	delete(d.pending, k)
	delete(d.timers, k)
	d.mu.Unlock()

	if ok {
		d.deliver(evt)
	}
}

// HandleWorkerExit is the worker-exit hook. Lifecycle events bypass
// debouncing and send immediately.
func (d *Dispatcher) HandleWorkerExit(sessionID, workerID string, code int, signal string) {
	summary := fmt.Sprintf("worker exited with code %d", code)
	if signal != "" {
		summary = fmt.Sprintf("worker terminated by signal %s", signal)
	}
	d.handleLifecycle(Event{
		SessionID: sessionID,
		WorkerID:  workerID,
		Type:      EventWorkerExited,
		Summary:   summary,
	})
}

// HandleWorkerError reports a worker fault.
func (d *Dispatcher) HandleWorkerError(sessionID, workerID string, errMsg string) {
	d.handleLifecycle(Event{
		SessionID: sessionID,
		WorkerID:  workerID,
		Type:      EventWorkerError,
		Summary:   errMsg,
	})
}

func (d *Dispatcher) handleLifecycle(evt Event) {
	d.mu.Lock()
	if d.disposed || !d.triggers[evt.Type] {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.deliver(evt)
}

// Deliver pushes one event through the handlers immediately. Used by
// the job-driven path, where evt.JobID enables the dedup record.
func (d *Dispatcher) Deliver(evt Event) {
	d.deliver(evt)
}

// deliver resolves the session's repository and pushes the event
// through every handler, deduplicating job-driven deliveries.
func (d *Dispatcher) deliver(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	sess, err := d.store.FindSessionByID(ctx, evt.SessionID)
	if err != nil || sess.RepositoryID == "" {
		return
	}

	for _, h := range d.handlers {
		ok, err := h.CanHandle(ctx, sess.RepositoryID)
		if err != nil {
			// can_handle failures are swallowed: no delivery, logged.
			slog.Warn("notification handler can_handle failed",
				"handler", h.ID(), "repository_id", sess.RepositoryID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		var record *store.InboundEventNotification
		if evt.JobID != "" {
			record, err = d.store.CreatePendingNotification(ctx, &store.InboundEventNotification{
				ID:        id.Generate(),
				JobID:     evt.JobID,
				SessionID: evt.SessionID,
				WorkerID:  evt.WorkerID,
				HandlerID: h.ID(),
				EventType: evt.Type,
				Summary:   evt.Summary,
			})
			if err != nil {
				slog.Error("create pending notification failed", "handler", h.ID(), "error", err)
				continue
			}
			if record.Status == store.NotificationDelivered {
				continue // already delivered to this target
			}
		}

		if err := h.Send(ctx, sess.RepositoryID, evt); err != nil {
			slog.Warn("notification send failed",
				"handler", h.ID(), "event", evt.Type, "session_id", evt.SessionID, "error", err)
			continue
		}
		metrics.NotificationsSentTotal.Inc()

		if record != nil {
			if err := d.store.MarkNotificationDelivered(ctx, record.ID); err != nil {
				slog.Error("mark notification delivered failed", "id", record.ID, "error", err)
			}
		}
	}
}

// Dispose cancels every live debounce timer; still-pending
// notifications are dropped.
func (d *Dispatcher) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = true
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
	d.pending = make(map[string]Event)
}
