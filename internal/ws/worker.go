package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/ptyproc"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
)

// terminalFrame is a client frame on the worker-terminal channel.
type terminalFrame struct {
	Type string `json:"type"` // "write" or "resize"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// workerExit is sent when the worker's process exits.
type workerExit struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// WorkerHandler serves /ws/session/{sid}/worker/{wid}. The channel
// protocol depends on the worker's type: PTY-backed workers stream
// terminal bytes, git-diff workers exchange structured diff messages.
func WorkerHandler(mgr *session.Manager, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectDuringShutdown(w, shutdownCh) {
			return
		}

		sid := r.PathValue("sid")
		wid := r.PathValue("wid")
		worker, ok := mgr.GetWorker(sid, wid)
		if !ok {
			http.Error(w, "worker not found", http.StatusNotFound)
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

		if worker.Type == store.WorkerGitDiff {
			serveGitDiff(r.Context(), conn, mgr, sid, wid)
			return
		}
		serveTerminal(r.Context(), conn, mgr, sid, wid)
	})
}

// serveTerminal pushes the ring-buffer contents, then streams live
// bytes. Incoming frames are write or resize operations. Disconnect
// detaches callbacks but does not kill the worker.
func serveTerminal(ctx context.Context, conn *websocket.Conn, mgr *session.Manager, sid, wid string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if snapshot, ok := mgr.GetWorkerOutputBuffer(sid, wid); ok && len(snapshot) > 0 {
		if err := writeBinary(ctx, conn, snapshot); err != nil {
			return
		}
	}

	// Live bytes flow through a bounded queue; when the consumer
	// cannot keep up the connection is dropped, never the manager.
	outCh := make(chan []byte, 256)
	exitCh := make(chan workerExit, 1)

	attached := mgr.AttachWorkerCallbacks(sid, wid, ptyproc.Callbacks{
		OnData: func(data []byte) {
			// The supervisor propagates callback panics; wrap here.
			defer func() {
				if r := recover(); r != nil {
					slog.Error("ws/terminal: data callback panic", "worker_id", wid, "panic", r)
				}
			}()
			select {
			case outCh <- data:
			default:
				cancel()
			}
		},
		OnExit: func(code int, signal string) {
			defer func() { _ = recover() }()
			select {
			case exitCh <- workerExit{Type: "exit", Code: code, Signal: signal}:
			default:
			}
		},
	})
	if !attached {
		_ = conn.Close(websocket.StatusCode(wsCloseNotFound), "worker has no terminal")
		return
	}
	defer mgr.DetachWorkerCallbacks(sid, wid)

	// Reader: write/resize frames directed at the PTY.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame terminalFrame
			if err := unmarshalFrame(data, &frame); err != nil {
				slog.Debug("ws/terminal: bad frame", "worker_id", wid, "error", err)
				continue
			}
			switch frame.Type {
			case "write":
				mgr.WriteWorkerInput(sid, wid, []byte(frame.Data))
			case "resize":
				mgr.ResizeWorker(sid, wid, frame.Cols, frame.Rows)
			default:
				slog.Debug("ws/terminal: unknown frame type", "type", frame.Type)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outCh:
			if err := writeBinary(ctx, conn, data); err != nil {
				return
			}
		case exit := <-exitCh:
			_ = writeJSON(ctx, conn, exit)
			_ = conn.Close(websocket.StatusNormalClosure, "worker exited")
			return
		}
	}
}
