package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/agentconsole/agentconsole/internal/bus"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/session"
)

// sessionsSync is the first frame every dashboard client receives: the
// full current session list with per-worker activity states.
type sessionsSync struct {
	Type     string             `json:"type"`
	Sessions []session.Snapshot `json:"sessions"`
}

// DashboardHandler serves /ws/dashboard: a single shared broadcast bus.
func DashboardHandler(mgr *session.Manager, b *bus.Bus, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectDuringShutdown(w, shutdownCh) {
			return
		}
		conn, ok := accept(w, r)
		if !ok {
			return
		}
		defer func() {
			_ = conn.CloseNow()
			metrics.WSConnectionsActive.Dec()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := b.Subscribe()
		defer b.Unsubscribe(sub)

		if err := writeJSON(ctx, conn, sessionsSync{
			Type:     "sessions-sync",
			Sessions: mgr.Snapshots(ctx),
		}); err != nil {
			return
		}

		// Drain inbound frames so pings and closes are processed.
		// Unknown message types from a mixed deployment are logged,
		// never fatal.
		go func() {
			defer cancel()
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				slog.Debug("ws/dashboard: ignoring client message", "data", string(data))
			}
		}()

		shutdown := shutdownSignal(shutdownCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-shutdown:
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case evt := <-sub.C():
				if err := writeJSON(ctx, conn, evt); err != nil {
					slog.Debug("ws/dashboard: dropping slow consumer", "error", err)
					return
				}
			}
		}
	})
}

// shutdownSignal tolerates a nil channel (select on nil blocks forever).
func shutdownSignal(ch <-chan struct{}) <-chan struct{} {
	if ch == nil {
		return make(chan struct{})
	}
	return ch
}
