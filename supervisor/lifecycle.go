package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/session"
)

// startPoll is how often Start checks a new tunnel during its grace window.
const startPoll = 50 * time.Millisecond

// bindFailures are output fragments ssh and kubectl print when the local
// port cannot be bound. Matching is case-insensitive and best-effort.
var bindFailures = []string{
	"address already in use",
	"cannot listen",
	"unable to listen on port",
	"could not request local forwarding",
	"bind: permission denied",
}

// Create adds a new stopped session. A missing ID is generated.
func (s *Supervisor) Create(ctx context.Context, sess session.Session) (session.Session, error) {
	sess = sess.Clone()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Name = strings.TrimSpace(sess.Name)
	sess.DesiredState = session.DesiredStopped
	if err := sess.Validate(); err != nil {
		return session.Session{}, err
	}

	_, err := s.store.Update(ctx, func(current []session.Session) ([]session.Session, error) {
		if err := checkUnique(current, sess); err != nil {
			return nil, err
		}
		return append(current, sess), nil
	})
	if err != nil {
		return session.Session{}, err
	}
	logger.WithSession(sess.ID).Info("session created", "component", "supervisor", "name", sess.Name, "kind", sess.Kind)
	s.observe(sess.ID, session.Stopped())
	return sess, nil
}

func checkUnique(current []session.Session, sess session.Session) error {
	for _, other := range current {
		if other.ID == sess.ID {
			continue
		}
		if strings.EqualFold(other.Name, sess.Name) {
			return fmt.Errorf("%w: %s", session.ErrDuplicateName, sess.Name)
		}
	}
	return nil
}

// Update applies fn to the stored session and saves it. Changes to a running
// tunnel's command take effect on its next start.
func (s *Supervisor) Update(ctx context.Context, id string, fn func(*session.Session) error) (session.Session, error) {
	var updated session.Session
	_, err := s.store.Update(ctx, func(current []session.Session) ([]session.Session, error) {
		i := slices.IndexFunc(current, func(c session.Session) bool { return c.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		next := current[i].Clone()
		if err := fn(&next); err != nil {
			return nil, err
		}
		next.ID = id
		next.CreatedAt = current[i].CreatedAt
		next.Name = strings.TrimSpace(next.Name)
		next.UpdatedAt = s.now().UTC()
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if err := checkUnique(current, next); err != nil {
			return nil, err
		}
		current[i] = next
		updated = next
		return current, nil
	})
	if err != nil {
		return session.Session{}, err
	}
	return updated, nil
}

func (s *Supervisor) setDesired(ctx context.Context, id string, desired session.DesiredState) (session.Session, error) {
	return s.Update(ctx, id, func(sess *session.Session) error {
		sess.DesiredState = desired
		return nil
	})
}

// Delete stops the session's tunnel and removes the session, its runtime
// state and its logs. If the tunnel cannot be stopped the session is kept.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	s.cancelRetry(sess.ID)
	if _, err := s.stopLocked(ctx, sess, logs.MarkStopped); err != nil {
		return fmt.Errorf("delete %s: %w", sess.Name, err)
	}

	_, err = s.store.Update(ctx, func(current []session.Session) ([]session.Session, error) {
		return slices.DeleteFunc(current, func(c session.Session) bool { return c.ID == sess.ID }), nil
	})
	if err != nil {
		return err
	}

	log := logger.WithSession(sess.ID).With("component", "supervisor")
	if err := s.db.Delete(ctx, sess.ID); err != nil {
		log.Warn("failed to delete runtime state", "error", err)
	}
	if err := s.logs.Remove(sess.ID); err != nil {
		log.Warn("failed to remove logs", "error", err)
	}

	s.mu.Lock()
	delete(s.status, sess.ID)
	s.emitLocked(Event{SessionID: sess.ID, Deleted: true, At: s.now()})
	s.mu.Unlock()
	log.Info("session deleted", "name", sess.Name)
	return nil
}

// Start records the intent to run the session and starts its tunnel unless
// one is already running. It returns once the tunnel has survived the start
// grace window or failed.
func (s *Supervisor) Start(ctx context.Context, id string) (session.RuntimeStatus, error) {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return session.RuntimeStatus{}, err
	}
	defer unlock()

	sess, err := s.setDesired(ctx, id, session.DesiredRunning)
	if err != nil {
		return session.RuntimeStatus{}, err
	}
	s.resetRetries(ctx, sess.ID)

	st, err := s.reconcileOne(ctx, sess)
	if err != nil {
		return st, err
	}
	if st.State.HasProcess() {
		return st, nil
	}
	return s.startLocked(ctx, sess)
}

// Stop records the intent to have the session stopped and terminates its
// tunnel. Stopping a stopped session is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) (session.RuntimeStatus, error) {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return session.RuntimeStatus{}, err
	}
	defer unlock()

	sess, err := s.setDesired(ctx, id, session.DesiredStopped)
	if err != nil {
		return session.RuntimeStatus{}, err
	}
	s.resetRetries(ctx, sess.ID)
	return s.stopLocked(ctx, sess, logs.MarkStopped)
}

// Restart stops the session's tunnel if it runs and starts a new one.
func (s *Supervisor) Restart(ctx context.Context, id string) (session.RuntimeStatus, error) {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return session.RuntimeStatus{}, err
	}
	defer unlock()

	sess, err := s.setDesired(ctx, id, session.DesiredRunning)
	if err != nil {
		return session.RuntimeStatus{}, err
	}
	s.resetRetries(ctx, sess.ID)
	if st, err := s.stopLocked(ctx, sess, logs.MarkRestarted); err != nil {
		return st, err
	}
	return s.startLocked(ctx, sess)
}

// StopAll stops every running tunnel, continuing past failures.
func (s *Supervisor) StopAll(ctx context.Context) error {
	views, err := s.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, v := range views {
		if !v.Status.State.HasProcess() && v.Session.DesiredState != session.DesiredRunning {
			continue
		}
		if _, err := s.Stop(ctx, v.Session.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v.Session.Name, err))
		}
	}
	return errors.Join(errs...)
}

// startLocked spawns the tunnel and waits out the grace window. The caller
// holds the session lock and has checked that nothing is running.
func (s *Supervisor) startLocked(ctx context.Context, sess session.Session) (session.RuntimeStatus, error) {
	log := logger.WithSession(sess.ID).With("component", "supervisor")
	prev := s.current(sess.ID)

	path, args := sess.Command(s.cfg.SessionTools())
	h, err := s.reg.Spawn(process.Spec{
		SessionID: sess.ID,
		Path:      path,
		Args:      args,
		Spool:     s.logs.SpoolPath(sess.ID),
	})
	if err != nil {
		st := session.RuntimeStatus{State: session.StateStopped, LastExit: prev.LastExit, Error: err.Error()}
		_ = s.recordFailure(ctx, sess.ID, st, err)
		if aerr := s.logs.Append(ctx, sess.ID, "Failed to start: "+err.Error()); aerr != nil {
			log.Warn("failed to log spawn failure", "error", aerr)
		}
		return st, fmt.Errorf("start %s: %w", sess.Name, err)
	}

	if err := s.logs.Mark(ctx, sess.ID, logs.MarkStarted, h.PID); err != nil {
		log.Warn("failed to write start marker", "error", err)
	}
	s.logs.Activate(sess.ID)
	st := session.RuntimeStatus{State: session.StateStarting, PID: h.PID, StartedAt: h.StartedAt, LastExit: prev.LastExit}
	_ = s.record(ctx, sess.ID, st, false)

	exited, err := s.awaitReady(ctx, sess)
	switch {
	case err != nil:
		log.Info("start cancelled, stopping tunnel", "pid", h.PID, "error", err)
		exit, terr := s.reg.Terminate(context.Background(), sess.ID, s.cfg.StopGrace.Duration, s.cfg.KillWait.Duration)
		if terr != nil {
			return s.current(sess.ID), fmt.Errorf("start %s: %w: %w", sess.Name, err, terr)
		}
		if ferr := s.logs.Finish(context.WithoutCancel(ctx), sess.ID, logs.FormatMarker(logs.MarkStopped, s.now(), h.PID)); ferr != nil {
			log.Warn("failed to finish log", "error", ferr)
		}
		st = session.RuntimeStatus{State: session.StateStopped, LastExit: exit}
		_ = s.record(ctx, sess.ID, st, true)
		return st, fmt.Errorf("start %s: %w", sess.Name, err)

	case exited != nil:
		return s.failedEarly(ctx, sess, *exited)
	}

	s.reg.SetPhase(sess.ID, session.StateRunning)
	st.State = session.StateRunning
	_ = s.record(ctx, sess.ID, st, false)
	log.Info("tunnel running", "pid", h.PID, "target", sess.Target(), "ports", sess.PortMapping())
	return st, nil
}

// awaitReady polls the new tunnel until it has been alive for the whole
// start grace window or printed its readiness line. It returns the handle if
// the process exited first.
func (s *Supervisor) awaitReady(ctx context.Context, sess session.Session) (*process.Handle, error) {
	marker := sess.ReadinessMarker()
	deadline := time.Now().Add(s.cfg.StartGrace.Duration)
	ticker := time.NewTicker(startPoll)
	defer ticker.Stop()

	for {
		h, ok := s.reg.Check(sess.ID)
		if !ok {
			return &process.Handle{SessionID: sess.ID, Exit: &session.ExitInfo{Code: -1, At: s.now().UTC(), Reason: "vanished"}}, nil
		}
		if !h.Alive() {
			return &h, nil
		}
		if err := s.logs.Drain(ctx, sess.ID); err != nil && !errors.Is(err, logs.ErrBusy) {
			logger.WithSession(sess.ID).Debug("drain during start failed", "component", "supervisor", "error", err)
		}
		if marker != "" && slices.ContainsFunc(s.lastRun(sess.ID), func(l string) bool {
			return strings.Contains(l, marker)
		}) {
			return nil, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// failedEarly records a tunnel that exited inside its grace window.
func (s *Supervisor) failedEarly(ctx context.Context, sess session.Session, h process.Handle) (session.RuntimeStatus, error) {
	log := logger.WithSession(sess.ID).With("component", "supervisor")
	s.reg.Remove(sess.ID)
	if err := s.logs.Finish(ctx, sess.ID, logs.FormatMarker(logs.MarkFailedEarly, s.now(), h.PID)); err != nil {
		log.Warn("failed to finish log", "error", err)
	}

	output := s.lastRun(sess.ID)
	cause := session.ErrExitedEarly
	reason := "exited-early"
	if isBindFailure(output) {
		cause = session.ErrPortInUse
		reason = "port-in-use"
	}
	exit := *h.Exit
	exit.Reason = reason
	st := session.RuntimeStatus{
		State:    session.StateCrashed,
		LastExit: &exit,
		Error:    logs.Summarize(output),
	}
	_ = s.recordFailure(ctx, sess.ID, st, cause)
	log.Warn("tunnel exited during startup", "pid", h.PID, "exit", exit.String(), "output", st.Error)

	if s.opts.Daemon {
		s.scheduleRetry(ctx, sess)
	}
	return st, fmt.Errorf("start %s: %w: %s", sess.Name, cause, st.Error)
}

// stopLocked terminates the session's tunnel, if any, and records a clean
// stop with closing as the log marker. The caller holds the session lock.
func (s *Supervisor) stopLocked(ctx context.Context, sess session.Session, closing logs.MarkerKind) (session.RuntimeStatus, error) {
	log := logger.WithSession(sess.ID).With("component", "supervisor")

	st, err := s.reconcileOne(ctx, sess)
	if err != nil {
		return st, err
	}
	h, ok := s.reg.Get(sess.ID)
	if !ok {
		if st.State != session.StateStopped {
			st = session.RuntimeStatus{State: session.StateStopped, LastExit: st.LastExit}
			_ = s.record(ctx, sess.ID, st, true)
		}
		// A restart of a stopped or crashed session still gets its marker
		if closing == logs.MarkRestarted {
			if err := s.logs.Mark(context.WithoutCancel(ctx), sess.ID, closing, 0); err != nil {
				log.Warn("failed to write restart marker", "error", err)
			}
		}
		return st, nil
	}

	stopping := session.RuntimeStatus{State: session.StateStopping, PID: h.PID, StartedAt: h.StartedAt, LastExit: st.LastExit}
	_ = s.record(ctx, sess.ID, stopping, true)

	exit, err := s.reg.Terminate(ctx, sess.ID, s.cfg.StopGrace.Duration, s.cfg.KillWait.Duration)
	if err != nil {
		st.State = session.StateRunning
		st.PID = h.PID
		st.StartedAt = h.StartedAt
		_ = s.record(ctx, sess.ID, st, false)
		log.Error("failed to stop tunnel", "pid", h.PID, "error", err)
		return st, fmt.Errorf("stop %s: %w", sess.Name, err)
	}
	if err := s.logs.Finish(context.WithoutCancel(ctx), sess.ID, logs.FormatMarker(closing, s.now(), h.PID)); err != nil {
		log.Warn("failed to finish log", "error", err)
	}

	st = session.RuntimeStatus{State: session.StateStopped, LastExit: exit}
	_ = s.record(ctx, sess.ID, st, true)
	log.Info("tunnel stopped", "pid", h.PID, "exit", exit.String())
	return st, nil
}

// lastRun returns the log lines of the most recent run: everything after the
// last opening marker, minus trailing closing markers.
func (s *Supervisor) lastRun(id string) []string {
	lines, err := s.logs.Last(id, 50)
	if err != nil {
		return nil
	}
	end := len(lines)
	for end > 0 && logs.IsMarker(lines[end-1]) {
		end--
	}
	start := end
	for start > 0 && !logs.IsMarker(lines[start-1]) {
		start--
	}
	return lines[start:end]
}

func isBindFailure(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, sig := range bindFailures {
			if strings.Contains(lower, sig) {
				return true
			}
		}
	}
	return false
}
