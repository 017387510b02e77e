package termbuf

import (
	"regexp"
	"sync"
	"time"
)

// State is the inferred behaviour of an agent worker. Transient;
// derived from the output stream and never persisted.
type State string

const (
	StateUnknown State = "unknown"
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateAsking  State = "asking"
)

const (
	// burstWindow and burstThreshold decide when sustained output
	// flips the state to active.
	burstWindow    = 2 * time.Second
	burstThreshold = 3
)

// idleAfter is the silence window before the state decays to idle.
// Variable so tests can shrink it.
var idleAfter = 10 * time.Second

// promptPattern matches terminal output whose tail looks like an
// interactive prompt waiting for user input.
var promptPattern = regexp.MustCompile(`(?i)(\?\s*$|\(y/n\)\s*$|\[y/n\]\s*$|❯\s*$|>\s*$|:\s*$|press enter|do you want|waiting for (your )?input)`)

// TransitionFunc receives every non-identity state transition.
type TransitionFunc func(state State)

// Detector infers worker activity from the byte stream. A single
// writer (the PTY reader) calls Feed; Close cancels the idle timer.
type Detector struct {
	mu        sync.Mutex
	state     State
	bursts    []time.Time
	idleTimer *time.Timer
	onChange  TransitionFunc
	closed    bool
}

// NewDetector creates a detector in the unknown state.
func NewDetector(onChange TransitionFunc) *Detector {
	return &Detector{state: StateUnknown, onChange: onChange}
}

// State returns the current inferred state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Feed processes one output chunk.
func (d *Detector) Feed(data []byte) {
	now := time.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	// Keep only bursts inside the window.
	kept := d.bursts[:0]
	for _, t := range d.bursts {
		if now.Sub(t) <= burstWindow {
			kept = append(kept, t)
		}
	}
	d.bursts = append(kept, now)

	next := d.state
	if matchesPrompt(data) {
		next = StateAsking
	} else if len(d.bursts) >= burstThreshold {
		next = StateActive
	}

	d.resetIdleTimerLocked()
	changed := next != d.state
	if changed {
		d.state = next
	}
	cb := d.onChange
	d.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

// matchesPrompt checks the trailing portion of a chunk for an
// input-prompt shape. ANSI erase/cursor noise is tolerated by matching
// anywhere in the tail.
func matchesPrompt(data []byte) bool {
	tail := data
	if len(tail) > 256 {
		tail = tail[len(tail)-256:]
	}
	return promptPattern.Match(tail)
}

// resetIdleTimerLocked (re)arms the silence timer.
func (d *Detector) resetIdleTimerLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(idleAfter, d.goIdle)
}

func (d *Detector) goIdle() {
	d.mu.Lock()
	if d.closed || d.state == StateIdle {
		d.mu.Unlock()
		return
	}
	d.state = StateIdle
	cb := d.onChange
	d.mu.Unlock()

	if cb != nil {
		cb(StateIdle)
	}
}

// Close stops the detector; no further transitions fire.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}
