// Package presence turns idle-time samples into login and logout
// transitions.
package presence

import (
	"time"

	"github.com/goodtune/presenced/internal/activity"
)

// DefaultIdleThreshold is the idle time at which a user is considered away.
const DefaultIdleThreshold = 5 * time.Minute

// State is the machine's presence state.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Transition is a state change produced by a sample.
type Transition struct {
	Kind activity.EventKind
	At   time.Time
	// IdleStart is when the idle window began, for logouts. It is earlier
	// than At by the observed idle duration.
	IdleStart time.Time
}

// Machine is the two-state presence machine. It is not safe for concurrent
// use; the caller serializes samples.
type Machine struct {
	threshold    time.Duration
	state        State
	sessionStart time.Time
	lastSample   time.Time

	firstLoginDate string
	firstLogin     time.Time
}

// NewMachine creates a machine in the Idle state.
func NewMachine(threshold time.Duration) *Machine {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	return &Machine{threshold: threshold}
}

// Observe applies an idle sample taken at now. It returns a transition when
// the state changes; repeated samples in the same state return none.
func (m *Machine) Observe(now time.Time, idle time.Duration) (Transition, bool) {
	m.lastSample = now

	idle = max(idle, 0)
	isIdle := idle >= m.threshold

	switch {
	case isIdle && m.state == Active:
		m.state = Idle
		return Transition{Kind: activity.Logout, At: now, IdleStart: now.Add(-idle)}, true
	case !isIdle && m.state == Idle:
		m.state = Active
		m.sessionStart = now
		return Transition{Kind: activity.Login, At: now}, true
	}
	return Transition{}, false
}

// ForceIdle moves an active machine to Idle at the given instant, as when
// the wall clock jumped past a suspend. The returned logout's idle window
// starts at at.
func (m *Machine) ForceIdle(at time.Time) (Transition, bool) {
	if m.state != Active {
		return Transition{}, false
	}
	m.state = Idle
	return Transition{Kind: activity.Logout, At: at, IdleStart: at}, true
}

// Restart begins a new session at at without leaving Active. Used when an
// active session is split at midnight.
func (m *Machine) Restart(at time.Time) {
	if m.state == Active {
		m.sessionStart = at
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// IsActive reports whether the machine is Active.
func (m *Machine) IsActive() bool { return m.state == Active }

// Threshold returns the idle threshold.
func (m *Machine) Threshold() time.Duration { return m.threshold }

// SessionStart returns the start of the current or most recent session.
func (m *Machine) SessionStart() time.Time { return m.sessionStart }

// LastSample returns when the last sample was observed.
func (m *Machine) LastSample() time.Time { return m.lastSample }

// SetFirstLogin caches the first login of date.
func (m *Machine) SetFirstLogin(date string, at time.Time) {
	m.firstLoginDate = date
	m.firstLogin = at
}

// FirstLogin returns the cached first login if it belongs to date. A
// different date means the day rolled over and the cache is stale.
func (m *Machine) FirstLogin(date string) (time.Time, bool) {
	if m.firstLoginDate != date || m.firstLogin.IsZero() {
		return time.Time{}, false
	}
	return m.firstLogin, true
}
