// Package ptyproc supervises one child process per worker, spawned
// under a pseudo-terminal.
package ptyproc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// OutputTap is the supervisor's fixed output sink. It observes every
// chunk in source order regardless of attached consumers.
type OutputTap func(data []byte)

// Callbacks are the replaceable consumer hooks. Errors raised inside a
// callback propagate to the reader goroutine; the WebSocket consumer is
// responsible for wrapping.
type Callbacks struct {
	OnData func(data []byte)
	OnExit func(code int, signal string)
}

// Options configures a new Proc.
type Options struct {
	ID           string
	Command      string
	Args         []string
	ContinueArgs []string // appended when resuming a prior conversation
	Resume       bool
	WorkingDir   string
	Env          []string // extra environment entries
	Cols         uint16
	Rows         uint16
}

// Proc manages a single PTY-backed child process.
type Proc struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	tap  OutputTap

	cbMu sync.RWMutex
	cb   Callbacks

	mu      sync.Mutex
	stopped bool

	exitCh   chan struct{}
	exitCode int
	exitSig  string
}

// strippedEnvVars are removed from the child environment so a spawned
// agent does not believe it is nested inside another agent run.
var strippedEnvVars = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT", "AGENT_CONSOLE_HOME"}

func filterEnv(env []string) []string {
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		skip := false
		for _, s := range strippedEnvVars {
			if name == s {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}

// Start spawns the child under a PTY and begins reading its output.
// The tap observes all bytes; consumer callbacks attach later.
func Start(opts Options, tap OutputTap) (*Proc, error) {
	args := append([]string(nil), opts.Args...)
	if opts.Resume {
		args = append(args, opts.ContinueArgs...)
	}

	cmd := exec.Command(opts.Command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(filterEnv(os.Environ()), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	winSize := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &Proc{
		id:     opts.ID,
		cmd:    cmd,
		ptmx:   ptmx,
		tap:    tap,
		exitCh: make(chan struct{}),
	}

	go p.readOutput()
	go p.waitForExit()

	slog.Info("pty process started",
		"worker_id", opts.ID,
		"command", opts.Command,
		"pid", cmd.Process.Pid,
	)

	return p, nil
}

// PID returns the child's process id.
func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write passes data through to the child's stdin. Empty writes are
// no-ops that return success.
func (p *Proc) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("process is stopped")
	}

	_, err := p.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions.
func (p *Proc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("process is stopped")
	}

	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the child. Idempotent.
func (p *Proc) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	_ = p.ptmx.Close()
	if p.cmd.Process != nil {
		// SIGTERM first so the agent can persist its session state;
		// escalate if it lingers.
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-p.exitCh:
			case <-time.After(5 * time.Second):
				_ = p.cmd.Process.Kill()
			}
		}()
	}
}

// SetCallbacks replaces the active consumer callbacks. The previous
// callbacks are silently detached.
func (p *Proc) SetCallbacks(cb Callbacks) {
	p.cbMu.Lock()
	p.cb = cb
	p.cbMu.Unlock()
}

// ClearCallbacks detaches the active consumer callbacks.
func (p *Proc) ClearCallbacks() {
	p.SetCallbacks(Callbacks{})
}

// Exited reports whether the child has exited.
func (p *Proc) Exited() bool {
	select {
	case <-p.exitCh:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits and returns its exit code.
func (p *Proc) Wait() int {
	<-p.exitCh
	return p.exitCode
}

// ExitSignal returns the terminating signal name, if any. Valid only
// after Wait (or Exited reporting true).
func (p *Proc) ExitSignal() string {
	select {
	case <-p.exitCh:
		return p.exitSig
	default:
		return ""
	}
}

func (p *Proc) readOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if p.tap != nil {
				p.tap(data)
			}
			p.cbMu.RLock()
			onData := p.cb.OnData
			p.cbMu.RUnlock()
			if onData != nil {
				onData(data)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("pty read error", "worker_id", p.id, "error", err)
			}
			return
		}
	}
}

func (p *Proc) waitForExit() {
	err := p.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				p.exitSig = ws.Signal().String()
			}
		} else {
			p.exitCode = -1
		}
	}
	close(p.exitCh)

	p.cbMu.RLock()
	onExit := p.cb.OnExit
	p.cbMu.RUnlock()
	if onExit != nil {
		onExit(p.exitCode, p.exitSig)
	}

	slog.Info("pty process exited",
		"worker_id", p.id,
		"exit_code", p.exitCode,
		"signal", p.exitSig,
	)
}
