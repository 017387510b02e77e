package termbuf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/testutil"
)

// recorder collects transitions under a lock.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return StateUnknown
	}
	return r.states[len(r.states)-1]
}

func TestDetector_InitialStateUnknown(t *testing.T) {
	d := NewDetector(nil)
	defer d.Close()
	assert.Equal(t, StateUnknown, d.State())
}

func TestDetector_SustainedOutputIsActive(t *testing.T) {
	rec := &recorder{}
	d := NewDetector(rec.record)
	defer d.Close()

	for i := 0; i < 3; i++ {
		d.Feed([]byte("building...\n"))
	}

	assert.Equal(t, StateActive, d.State())
	assert.Equal(t, StateActive, rec.last())
}

func TestDetector_PromptOutputIsAsking(t *testing.T) {
	rec := &recorder{}
	d := NewDetector(rec.record)
	defer d.Close()

	d.Feed([]byte("Do you want to apply this edit? (y/n) "))

	assert.Equal(t, StateAsking, d.State())
	assert.Equal(t, StateAsking, rec.last())
}

func TestDetector_SilenceDecaysToIdle(t *testing.T) {
	old := idleAfter
	idleAfter = 30 * time.Millisecond
	defer func() { idleAfter = old }()

	rec := &recorder{}
	d := NewDetector(rec.record)
	defer d.Close()

	d.Feed([]byte("one line\n"))

	testutil.RequireEventually(t, func() bool {
		return d.State() == StateIdle
	}, "silence should decay to idle")
	assert.Equal(t, StateIdle, rec.last())
}

func TestDetector_IdentityTransitionsSuppressed(t *testing.T) {
	rec := &recorder{}
	d := NewDetector(rec.record)
	defer d.Close()

	d.Feed([]byte("continue? (y/n) "))
	d.Feed([]byte("continue? (y/n) "))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.states, 1, "identity transitions never fire the callback")
}

func TestDetector_CloseStopsTransitions(t *testing.T) {
	old := idleAfter
	idleAfter = 20 * time.Millisecond
	defer func() { idleAfter = old }()

	rec := &recorder{}
	d := NewDetector(rec.record)

	d.Feed([]byte("output\n"))
	d.Close()

	time.Sleep(60 * time.Millisecond)
	assert.NotEqual(t, StateIdle, rec.last(), "no transitions after Close")
}
