package ptyproc

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/testutil"
)

func TestProc_StartAndKill(t *testing.T) {
	var mu sync.Mutex
	var output []byte

	p, err := Start(Options{
		ID:         "test-1",
		Command:    "/bin/sh",
		WorkingDir: t.TempDir(),
		Cols:       80,
		Rows:       24,
	}, func(data []byte) {
		mu.Lock()
		output = append(output, data...)
		mu.Unlock()
	})
	require.NoError(t, err, "Start")
	assert.Positive(t, p.PID())

	require.NoError(t, p.Write([]byte("echo hello\n")), "Write")

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(string(output), "hello")
	}, "expected output to contain 'hello'")

	p.Kill()
	exitCode := p.Wait()
	t.Logf("exit code: %d, signal: %s", exitCode, p.ExitSignal())

	// Double kill is safe.
	p.Kill()
}

func TestProc_EmptyWriteIsNoop(t *testing.T) {
	p, err := Start(Options{
		ID:         "test-empty",
		Command:    "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {})
	require.NoError(t, err, "Start")
	defer func() {
		p.Kill()
		p.Wait()
	}()

	assert.NoError(t, p.Write(nil), "empty writes return success")
	assert.NoError(t, p.Write([]byte{}))
}

func TestProc_Resize(t *testing.T) {
	p, err := Start(Options{
		ID:         "test-resize",
		Command:    "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {})
	require.NoError(t, err, "Start")
	defer func() {
		p.Kill()
		p.Wait()
	}()

	assert.NoError(t, p.Resize(120, 40), "Resize")
}

func TestProc_WriteAfterKill(t *testing.T) {
	p, err := Start(Options{
		ID:         "test-stopped",
		Command:    "/bin/sh",
		WorkingDir: t.TempDir(),
	}, func([]byte) {})
	require.NoError(t, err, "Start")

	p.Kill()
	p.Wait()

	assert.Error(t, p.Write([]byte("echo fail\n")), "expected error writing after kill")
}

func TestProc_ExitCodeAndCallback(t *testing.T) {
	p, err := Start(Options{
		ID:         "test-exit",
		Command:    "/bin/sh",
		Args:       []string{"-c", "exit 3"},
		WorkingDir: t.TempDir(),
	}, func([]byte) {})
	require.NoError(t, err, "Start")

	exitCh := make(chan int, 1)
	p.SetCallbacks(Callbacks{
		OnExit: func(code int, signal string) { exitCh <- code },
	})

	assert.Equal(t, 3, p.Wait())
	assert.True(t, p.Exited())

	select {
	case code := <-exitCh:
		assert.Equal(t, 3, code)
	default:
		// The exit raced the callback registration; Wait already
		// confirmed the code.
	}
}

func TestProc_CallbackReplacementDetachesPrevious(t *testing.T) {
	var first, second sync.Map

	p, err := Start(Options{
		ID:         "test-replace",
		Command:    "cat",
		WorkingDir: t.TempDir(),
	}, func([]byte) {})
	require.NoError(t, err, "Start")
	defer func() {
		p.Kill()
		p.Wait()
	}()

	p.SetCallbacks(Callbacks{OnData: func(data []byte) { first.Store("hit", true) }})
	p.SetCallbacks(Callbacks{OnData: func(data []byte) { second.Store("hit", true) }})

	require.NoError(t, p.Write([]byte("ping\n")))

	testutil.RequireEventually(t, func() bool {
		_, ok := second.Load("hit")
		return ok
	}, "replacement callback receives data")

	_, firstHit := first.Load("hit")
	assert.False(t, firstHit, "previous callbacks are silently detached")
}

func TestFilterEnv(t *testing.T) {
	env := []string{"PATH=/bin", "CLAUDECODE=1", "HOME=/root", "AGENT_CONSOLE_HOME=/x"}
	got := filterEnv(env)
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, got)
}
