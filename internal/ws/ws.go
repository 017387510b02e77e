// Package ws serves the three WebSocket channel types: the shared
// dashboard bus, per-worker terminal streams, and git-diff snapshots.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agentconsole/agentconsole/internal/metrics"
)

// WebSocket close codes.
const (
	wsCloseInvalidRequest = 4002
	wsCloseNotFound       = 4004
)

// writeTimeout bounds every outbound frame. A slow or wedged consumer
// is dropped when the timeout expires; the session manager is never
// blocked by a slow reader.
const writeTimeout = 5 * time.Second

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

func writeBinary(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageBinary, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

// rejectDuringShutdown guards new connections while the server drains.
func rejectDuringShutdown(w http.ResponseWriter, shutdownCh <-chan struct{}) bool {
	if shutdownCh == nil {
		return false
	}
	select {
	case <-shutdownCh:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return true
	default:
		return false
	}
}

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws: accept failed", "path", r.URL.Path, "error", err)
		return nil, false
	}
	metrics.WSConnectionsActive.Inc()
	return conn, true
}
