// Package health tracks per-subsystem connection state and error counts,
// feeding both local retry decisions and external status reporting.
package health

import (
	"sync"
	"time"
)

// State describes a subsystem's connection to its device or peer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Health is a point-in-time snapshot of a subsystem's condition.
type Health struct {
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastSuccess       time.Time `json:"last_success"`
}

// Tracker records connection state, consecutive errors, and the last
// successful update for one subsystem. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	state       State
	consecutive int
	lastSuccess time.Time
}

// SetState records a state transition.
func (t *Tracker) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Fail increments and returns the consecutive-error count.
func (t *Tracker) Fail() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	return t.consecutive
}

// Success resets the consecutive-error count and stamps the last successful
// update.
func (t *Tracker) Success(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
	t.lastSuccess = now
}

// ResetErrors clears the consecutive-error count without recording a success,
// used after a full reconnect.
func (t *Tracker) ResetErrors() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
}

// Snapshot returns the current health.
func (t *Tracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Health{
		State:             t.state,
		StateName:         t.state.String(),
		ConsecutiveErrors: t.consecutive,
		LastSuccess:       t.lastSuccess,
	}
}
