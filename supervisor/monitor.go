package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/session"
)

// monitor is the single background loop. Every PollInterval it drains
// tunnel output into the logs, notices tunnels that exited and picks up
// sessions another pfman started.
func (s *Supervisor) monitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.poll(context.Background())
		}
	}
}

// poll runs one monitor cycle.
func (s *Supervisor) poll(ctx context.Context) {
	for _, h := range s.reg.List() {
		// Starting and stopping tunnels are driven by their own operation
		if h.Phase != session.StateRunning {
			continue
		}
		if err := s.logs.Drain(ctx, h.SessionID); err != nil && !errors.Is(err, logs.ErrBusy) {
			logger.WithSession(h.SessionID).Debug("drain failed", "component", "supervisor", "error", err)
		}
		cur, ok := s.reg.Check(h.SessionID)
		if !ok || cur.Alive() {
			continue
		}
		claimed, ok := s.reg.Claim(cur.SessionID, cur.PID)
		if !ok {
			continue
		}
		sess, err := s.get(ctx, claimed.SessionID)
		if err != nil {
			// Deleted by another pfman
			_ = s.logs.Finish(ctx, claimed.SessionID)
			continue
		}
		s.handleExit(ctx, sess, claimed, true)
	}
	s.pickUpExternal(ctx)
}

// handleExit records the end of a tunnel that nobody asked to stop. h has
// already been claimed from the registry, so no other path handles the same
// exit. retry allows scheduling an automatic restart.
func (s *Supervisor) handleExit(ctx context.Context, sess session.Session, h process.Handle, retry bool) {
	log := logger.WithSession(sess.ID).With("component", "supervisor")

	// Another pfman may have stopped the tunnel or already replaced it
	if snap, ok, err := s.db.Get(ctx, sess.ID); err == nil && ok {
		if snap.Status.PID != h.PID || !snap.Status.State.HasProcess() {
			s.observe(sess.ID, snap.Status)
			_ = s.logs.Finish(ctx, sess.ID)
			return
		}
		if snap.CleanStop {
			_ = s.logs.Finish(ctx, sess.ID)
			s.observe(sess.ID, session.RuntimeStatus{State: session.StateStopped, LastExit: h.Exit})
			return
		}
	}

	now := s.now().UTC()
	exit := session.ExitInfo{Code: -1, At: now, Reason: "vanished"}
	if h.Exit != nil {
		exit = *h.Exit
	}
	if exit.Reason == "exited" {
		exit.Reason = "crashed"
	}

	state := session.StateCrashed
	closing := logs.FormatMarker(logs.MarkCrashed, now, h.PID)
	if sess.DesiredState != session.DesiredRunning {
		state = session.StateStopped
		closing = logs.FormatMarker(logs.MarkStopped, now, h.PID)
	}
	if err := s.logs.Finish(ctx, sess.ID, closing); err != nil {
		log.Warn("failed to finish log", "error", err)
	}
	st := session.RuntimeStatus{State: state, LastExit: &exit}
	if state == session.StateCrashed {
		st.Error = logs.Summarize(s.lastRun(sess.ID))
	}

	s.mu.Lock()
	cur, ok := s.status[sess.ID]
	if ok && (cur.PID != h.PID || !cur.State.HasProcess()) {
		// A stop or start finished first and already recorded its result
		s.mu.Unlock()
		return
	}
	cause := fmt.Errorf("%w: pid %d: %s", session.ErrProcessVanished, h.PID, exit.String())
	_ = s.recordLocked(ctx, sess.ID, st, false, cause)
	s.mu.Unlock()
	log.Warn("tunnel exited unexpectedly", "pid", h.PID, "exit", exit.String(), "output", st.Error)

	if retry && state == session.StateCrashed && s.opts.Daemon {
		s.scheduleRetry(ctx, sess)
	}
}

// pickUpExternal reconciles sessions that are not tracked here but whose
// runtime snapshot claims a process, i.e. tunnels another pfman started. It
// also refreshes the cached status of every other untracked session.
func (s *Supervisor) pickUpExternal(ctx context.Context) {
	snaps, err := s.db.List(ctx)
	if err != nil {
		s.log.Debug("list snapshots failed", "error", err)
		return
	}
	sessions, err := s.store.Load(ctx)
	if err != nil {
		s.log.Debug("load sessions failed", "error", err)
		return
	}

	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		known[sess.ID] = true
		if _, tracked := s.reg.Get(sess.ID); tracked {
			continue
		}
		snap, ok := snaps[sess.ID]
		if !ok {
			continue
		}
		if !snap.Status.State.Live() {
			s.observe(sess.ID, snap.Status)
			continue
		}
		// Give another pfman's start its grace window before adopting
		if snap.Status.State == session.StateStarting && s.now().Sub(snap.UpdatedAt) < 2*s.cfg.StartGrace.Duration {
			continue
		}
		unlock, ok := s.tryLockSession(sess.ID)
		if !ok {
			continue
		}
		if _, err := s.reconcileOne(ctx, sess); err != nil {
			logger.WithSession(sess.ID).Warn("reconcile failed", "component", "supervisor", "error", err)
		}
		unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.status {
		if !known[id] {
			delete(s.status, id)
			s.emitLocked(Event{SessionID: id, Deleted: true, At: s.now()})
		}
	}
}

func (s *Supervisor) tryLockSession(id string) (func(), bool) {
	s.mu.Lock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// scheduleRetry arms a restart of a crashed session if its retry policy
// allows another attempt in the current window. A policy with no attempts
// left leaves the session crashed until the user acts.
func (s *Supervisor) scheduleRetry(ctx context.Context, sess session.Session) {
	log := logger.WithSession(sess.ID).With("component", "supervisor")
	policy := s.cfg.RetryFor(sess)
	if !policy.Enabled || policy.MaxAttempts <= 0 {
		return
	}

	now := s.now().UTC()
	var since time.Time
	if policy.Window > 0 {
		since = now.Add(-policy.Window)
	}
	n, err := s.db.RetriesSince(ctx, sess.ID, since)
	if err != nil {
		log.Warn("failed to count retries", "error", err)
		return
	}
	if n >= policy.MaxAttempts {
		log.Warn("retry attempts exhausted", "attempts", n, "window", policy.Window)
		return
	}
	if err := s.db.RecordRetry(ctx, sess.ID, now); err != nil {
		log.Warn("failed to record retry", "error", err)
		return
	}
	delay := policy.Delay(n + 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.retries[sess.ID]; ok {
		prev.timer.Stop()
	}
	rt := &retryTimer{}
	rt.timer = time.AfterFunc(delay, func() { s.retry(sess.ID, rt) })
	s.retries[sess.ID] = rt
	log.Info("retry scheduled", "attempt", n+1, "delay", delay)
}

type retryTimer struct {
	timer *time.Timer
}

// retry is the timer callback of scheduleRetry.
func (s *Supervisor) retry(id string, rt *retryTimer) {
	s.mu.Lock()
	if s.closed || s.retries[id] != rt {
		s.mu.Unlock()
		return
	}
	delete(s.retries, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := context.Background()
	log := logger.WithSession(id).With("component", "supervisor")
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return
	}
	defer unlock()

	sess, err := s.get(ctx, id)
	if err != nil || sess.DesiredState != session.DesiredRunning {
		return
	}
	st, err := s.reconcileOne(ctx, sess)
	if err != nil || st.State.HasProcess() {
		return
	}
	log.Info("retrying tunnel")
	if _, err := s.startLocked(ctx, sess); err != nil {
		log.Warn("retry failed", "error", err)
	}
}

func (s *Supervisor) cancelRetry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.retries[id]; ok {
		rt.timer.Stop()
		delete(s.retries, id)
	}
}

// resetRetries forgets pending and past retry attempts after the user acts.
func (s *Supervisor) resetRetries(ctx context.Context, id string) {
	s.cancelRetry(id)
	if err := s.db.ClearRetries(ctx, id); err != nil {
		logger.WithSession(id).Warn("failed to clear retries", "component", "supervisor", "error", err)
	}
}
