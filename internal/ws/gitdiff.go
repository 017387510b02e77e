package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/agentconsole/agentconsole/internal/gitdiff"
	"github.com/agentconsole/agentconsole/internal/session"
)

// diffFrame is a client frame on the git-diff channel.
type diffFrame struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Path  string `json:"path,omitempty"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

func unmarshalFrame(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

// serveGitDiff streams structured diff snapshots for a git-diff
// worker: diff-data on connect and after every refresh or ref change,
// diff-error when computation fails.
func serveGitDiff(ctx context.Context, conn *websocket.Conn, mgr *session.Manager, sid, wid string) {
	sess, ok := mgr.GetSession(sid)
	if !ok {
		_ = conn.Close(websocket.StatusCode(wsCloseNotFound), "session not found")
		return
	}
	worker, ok := mgr.GetWorker(sid, wid)
	if !ok {
		_ = conn.Close(websocket.StatusCode(wsCloseNotFound), "worker not found")
		return
	}

	dir := sess.Location
	baseRef := worker.BaseCommit
	targetRef := ""

	sendDiff := func() error {
		d, err := gitdiff.Snapshot(dir, baseRef, targetRef)
		if err != nil {
			return writeJSON(ctx, conn, map[string]any{
				"type": "diff-error", "error": err.Error(),
			})
		}
		return writeJSON(ctx, conn, map[string]any{
			"type": "diff-data", "data": d,
		})
	}

	if err := sendDiff(); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame diffFrame
		if err := unmarshalFrame(data, &frame); err != nil {
			_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "invalid frame")
			return
		}

		switch frame.Type {
		case "refresh":
			if err := sendDiff(); err != nil {
				return
			}
		case "set-base-commit":
			baseRef = frame.Ref
			if err := sendDiff(); err != nil {
				return
			}
		case "set-target-commit":
			targetRef = frame.Ref
			if err := sendDiff(); err != nil {
				return
			}
		case "request-file-lines":
			lines, err := gitdiff.FileLines(dir, frame.Ref, frame.Path, frame.Start, frame.End)
			if err != nil {
				if werr := writeJSON(ctx, conn, map[string]any{
					"type": "diff-error", "error": err.Error(),
				}); werr != nil {
					return
				}
				continue
			}
			if err := writeJSON(ctx, conn, map[string]any{
				"type": "file-lines", "path": frame.Path,
				"start": frame.Start, "end": frame.End, "lines": lines,
			}); err != nil {
				return
			}
		default:
			slog.Debug("ws/git-diff: unknown frame type", "type", frame.Type)
		}
	}
}
