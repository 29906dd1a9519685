// Package reconcile derives authoritative runtime status for sessions that
// have no entry in this process's registry, typically because they were
// started by an earlier pfman. The cached snapshot is only a hint: a
// recorded pid is trusted only if the process still exists and its start
// time matches the one recorded when it was spawned.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/statedb"
)

// Snapshots is the cached runtime state.
type Snapshots interface {
	Get(ctx context.Context, sessionID string) (statedb.Snapshot, bool, error)
	Put(ctx context.Context, snap statedb.Snapshot) error
}

// Registry is the part of the process registry the reconciler needs.
type Registry interface {
	Get(id string) (process.Handle, bool)
	Verify(pid int, startedAt time.Time) error
	Adopt(id string, pid int, startedAt time.Time, spool string) (process.Handle, error)
}

// Logs is the part of the log collector the reconciler needs.
type Logs interface {
	SpoolPath(id string) string
	Activate(id string)
	Mark(ctx context.Context, id string, kind logs.MarkerKind, pid int) error
	Finish(ctx context.Context, id string, closing ...string) error
	Summary(id string) string
}

// Outcome is the result of reconciling one session.
type Outcome struct {
	SessionID string
	From      session.State // cached state before reconciling
	Status    session.RuntimeStatus
	Adopted   bool
	Tracked   bool  // already in the registry; left to the supervisor
	Err       error // why a recorded process was not re-adopted
}

// Changed reports whether reconciliation moved the session to a new state.
func (o Outcome) Changed() bool {
	return o.From != o.Status.State
}

// Reconciler checks cached snapshots against the OS.
type Reconciler struct {
	snaps Snapshots
	reg   Registry
	logs  Logs
	now   func() time.Time
	quiet bool
}

// NewReconciler returns a Reconciler.
func NewReconciler(snaps Snapshots, reg Registry, l Logs) *Reconciler {
	return &Reconciler{snaps: snaps, reg: reg, logs: l, now: time.Now}
}

// SetQuiet controls whether adopting a tunnel writes a marker to its log.
// Short-lived CLI invocations reconcile on every run and set it.
func (r *Reconciler) SetQuiet(quiet bool) {
	r.quiet = quiet
}

// Session reconciles one session. Sessions already tracked by the registry
// are reported as-is; sessions whose snapshot claims no process keep their
// cached status.
func (r *Reconciler) Session(ctx context.Context, s session.Session) (Outcome, error) {
	out := Outcome{SessionID: s.ID}

	if h, ok := r.reg.Get(s.ID); ok {
		out.Tracked = true
		out.From = h.Phase
		out.Status = session.RuntimeStatus{State: h.Phase, PID: h.PID, StartedAt: h.StartedAt}
		return out, nil
	}

	snap, ok, err := r.snaps.Get(ctx, s.ID)
	if err != nil {
		return out, fmt.Errorf("reconcile %s: %w", s.ID, err)
	}
	if !ok {
		out.From = session.StateStopped
		out.Status = session.Stopped()
		return out, nil
	}
	out.From = snap.Status.State
	if !snap.Status.State.Live() {
		out.Status = snap.Status
		return out, nil
	}

	// Until verified the recorded process is only a claim
	pid, startedAt := snap.Status.PID, snap.Status.StartedAt
	snap.Status.State = session.StateUnknown
	snap.UpdatedAt = time.Time{}
	if err := r.snaps.Put(ctx, snap); err != nil {
		return out, fmt.Errorf("reconcile %s: %w", s.ID, err)
	}

	verr := r.reg.Verify(pid, startedAt)
	if verr == nil {
		h, err := r.reg.Adopt(s.ID, pid, startedAt, r.logs.SpoolPath(s.ID))
		if err != nil {
			verr = fmt.Errorf("%w: %w", session.ErrIdentityMismatch, err)
		} else {
			return r.adopted(ctx, out, snap, h)
		}
	}
	return r.lost(ctx, s, out, snap, pid, verr)
}

func (r *Reconciler) adopted(ctx context.Context, out Outcome, snap statedb.Snapshot, h process.Handle) (Outcome, error) {
	log := logger.WithSession(h.SessionID).With("component", "reconcile")
	r.logs.Activate(h.SessionID)
	if !r.quiet {
		if err := r.logs.Mark(ctx, h.SessionID, logs.MarkAdopted, h.PID); err != nil {
			log.Warn("failed to write adopt marker", "error", err)
		}
	}

	snap.Status = session.RuntimeStatus{
		State:     session.StateRunning,
		PID:       h.PID,
		StartedAt: h.StartedAt,
		LastExit:  snap.Status.LastExit,
	}
	snap.UpdatedAt = time.Time{}
	if err := r.snaps.Put(ctx, snap); err != nil {
		return out, fmt.Errorf("reconcile %s: %w", h.SessionID, err)
	}
	log.Info("re-adopted running tunnel", "pid", h.PID)
	out.Status = snap.Status
	out.Adopted = true
	return out, nil
}

func (r *Reconciler) lost(ctx context.Context, s session.Session, out Outcome, snap statedb.Snapshot, pid int, verr error) (Outcome, error) {
	log := logger.WithSession(s.ID).With("component", "reconcile")
	reason := "vanished"
	if errors.Is(verr, session.ErrIdentityMismatch) {
		reason = "identity-mismatch"
	}
	// Pid reuse is treated exactly like a vanished process
	out.Err = fmt.Errorf("%w: %w", session.ErrProcessVanished, verr)

	now := r.now().UTC()
	crashed := s.DesiredState == session.DesiredRunning && !snap.CleanStop
	var closing []string
	if crashed {
		closing = append(closing, logs.FormatMarker(logs.MarkCrashed, now, pid))
	}
	if err := r.logs.Finish(ctx, s.ID, closing...); err != nil {
		log.Warn("failed to finish log", "error", err)
	}

	status := session.RuntimeStatus{State: session.StateStopped, LastExit: snap.Status.LastExit}
	if crashed {
		status = session.RuntimeStatus{
			State:    session.StateCrashed,
			LastExit: &session.ExitInfo{Code: -1, At: now, Reason: reason},
			Error:    r.logs.Summary(s.ID),
		}
	}
	snap.Status = status
	snap.UpdatedAt = time.Time{}
	if err := r.snaps.Put(ctx, snap); err != nil {
		return out, fmt.Errorf("reconcile %s: %w", s.ID, err)
	}
	log.Info("recorded tunnel is gone", "pid", pid, "state", status.State, "reason", verr)
	out.Status = status
	return out, nil
}

// All reconciles every session, continuing past individual failures.
func (r *Reconciler) All(ctx context.Context, sessions []session.Session) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(sessions))
	var errs []error
	for _, s := range sessions {
		out, err := r.Session(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}
