package session

import (
	"fmt"
	"time"
)

// State is the derived runtime state of a session.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	// StateUnknown only appears while reconciliation verifies a recorded pid.
	StateUnknown State = "unknown"
)

// HasProcess reports whether a pid is meaningful in this state.
func (s State) HasProcess() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Live reports whether the state claims a process may exist and must be
// verified before it can be trusted.
func (s State) Live() bool {
	return s.HasProcess() || s == StateUnknown
}

// ExitInfo describes how a tunnel process ended.
type ExitInfo struct {
	Code   int       // exit code, -1 if killed by a signal or unknown
	Signal string    // signal name when killed by a signal
	At     time.Time // when the exit was observed
	Reason string    // "stopped", "crashed", "vanished", "identity-mismatch", ...
	Clean  bool      // true for a user-requested stop
}

func (e ExitInfo) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("%s (signal %s)", e.Reason, e.Signal)
	case e.Code >= 0:
		return fmt.Sprintf("%s (exit %d)", e.Reason, e.Code)
	default:
		return e.Reason
	}
}

// RuntimeStatus is the supervisor's view of a session's process.
type RuntimeStatus struct {
	State     State
	PID       int       // set only when State.HasProcess()
	StartedAt time.Time // set only when PID is set
	LastExit  *ExitInfo
	Error     string // short human-readable failure summary
}

// Stopped returns a status with no process.
func Stopped() RuntimeStatus {
	return RuntimeStatus{State: StateStopped}
}

// Uptime returns how long the process has been running, or 0.
func (r RuntimeStatus) Uptime(now time.Time) time.Duration {
	if r.State != StateRunning || r.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(r.StartedAt)
}

// FormatUptime renders a running duration as HH:MM:SS.
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatAgo renders how long ago t was in coarse units ("3 days ago").
func FormatAgo(now, t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	d := now.Sub(t)
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%d hours ago", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%d min ago", int(d/time.Minute))
	default:
		return "Just now"
	}
}
