// Package process is the process handle registry: the only code in pfman
// that creates, signals, reaps or inspects tunnel processes.
//
// Tunnels are spawned in a new session (setsid) with their output going to a
// spool file rather than a pipe, so they keep running when pfman exits and
// pick up where they left off when a later pfman adopts them again.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/session"
)

// ErrTracked is returned when a session already has a registry entry.
var ErrTracked = errors.New("session already has a tracked process")

// pollStep is how often Terminate re-checks a signalled process.
const pollStep = 50 * time.Millisecond

// Spec describes a process to spawn.
type Spec struct {
	SessionID string
	Path      string
	Args      []string
	Spool     string // receives stdout and stderr, opened for append
	Env       []string
}

// Handle is a snapshot of one registry entry.
type Handle struct {
	SessionID string
	PID       int
	StartedAt time.Time
	Spool     string
	Owned     bool          // spawned by this registry
	Phase     session.State // lifecycle phase as set by the supervisor
	Exit      *session.ExitInfo
}

// Alive reports whether the handle has not yet observed an exit.
func (h Handle) Alive() bool {
	return h.Exit == nil
}

type entry struct {
	Handle
}

// Registry maps session ids to live processes. All mutation happens under
// one mutex.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	tolerance time.Duration
}

// NewRegistry returns an empty registry. tolerance bounds how far a process's
// start time may drift from the recorded one before it is treated as a
// different process.
func NewRegistry(tolerance time.Duration) *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		tolerance: tolerance,
	}
}

// Spawn starts spec detached from pfman and records it.
func (r *Registry) Spawn(spec Spec) (Handle, error) {
	log := logger.WithSession(spec.SessionID).With("component", "process")

	r.mu.Lock()
	if _, ok := r.entries[spec.SessionID]; ok {
		r.mu.Unlock()
		return Handle{}, fmt.Errorf("spawn %s: %w", spec.SessionID, ErrTracked)
	}
	// Reserve the slot so a concurrent Spawn for the same id fails fast
	reserved := &entry{Handle{SessionID: spec.SessionID, Spool: spec.Spool, Owned: true, Phase: session.StateStarting}}
	r.entries[spec.SessionID] = reserved
	r.mu.Unlock()

	pid, err := startDetached(spec)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, spec.SessionID)
		r.mu.Unlock()
		log.Warn("spawn failed", "path", spec.Path, "error", err)
		return Handle{}, err
	}

	started, err := StartTime(pid)
	if err != nil {
		log.Debug("start time unavailable, using wall clock", "pid", pid, "error", err)
		started = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reserved.PID = pid
	reserved.StartedAt = started.UTC()
	r.releasePIDLocked(spec.SessionID, pid)
	log.Info("spawned", "pid", pid, "path", spec.Path, "args", spec.Args)
	return reserved.Handle, nil
}

func startDetached(spec Spec) (int, error) {
	if err := os.MkdirAll(filepath.Dir(spec.Spool), 0o700); err != nil {
		return 0, fmt.Errorf("%w: create spool dir: %w", session.ErrSpawnFailed, err)
	}
	out, err := os.OpenFile(spec.Spool, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: open spool: %w", session.ErrSpawnFailed, err)
	}
	defer out.Close()
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", session.ErrSpawnFailed, os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Stdin = devnull
	cmd.Stdout = out
	cmd.Stderr = out
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", session.ErrSpawnFailed, spec.Path, err)
	}
	pid := cmd.Process.Pid
	// Reaping is done with wait4 from Check; os/exec must not hold on to it.
	_ = cmd.Process.Release()
	return pid, nil
}

// Adopt records a process that a previous pfman spawned and that has been
// verified to still be the same process.
func (r *Registry) Adopt(id string, pid int, startedAt time.Time, spool string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return Handle{}, fmt.Errorf("adopt %s: %w", id, ErrTracked)
	}
	for otherID, e := range r.entries {
		if e.PID == pid && e.Exit == nil {
			return Handle{}, fmt.Errorf("adopt %s: pid %d already tracked for %s", id, pid, otherID)
		}
	}
	e := &entry{Handle{
		SessionID: id,
		PID:       pid,
		StartedAt: startedAt.UTC(),
		Spool:     spool,
		Phase:     session.StateRunning,
	}}
	r.entries[id] = e
	logger.WithSession(id).Info("adopted", "component", "process", "pid", pid)
	return e.Handle, nil
}

// releasePIDLocked marks any other entry holding pid as gone. Two entries can
// only collide when an adopted process died and its pid was handed to a new
// child before the monitor noticed.
func (r *Registry) releasePIDLocked(owner string, pid int) {
	for id, e := range r.entries {
		if id == owner || e.PID != pid || e.Exit != nil {
			continue
		}
		e.Exit = &session.ExitInfo{Code: -1, At: time.Now().UTC(), Reason: "vanished"}
		logger.WithSession(id).Warn("pid reused by another session", "component", "process", "pid", pid, "by", owner)
	}
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.Handle, true
}

// List returns every entry ordered by session id.
func (r *Registry) List() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Handle)
	}
	slices.SortFunc(out, func(a, b Handle) int {
		switch {
		case a.SessionID < b.SessionID:
			return -1
		case a.SessionID > b.SessionID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SetPhase updates the lifecycle phase of an entry.
func (r *Registry) SetPhase(id string, phase session.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		e.Phase = phase
	}
	return ok
}

// Remove drops an entry without signalling its process.
func (r *Registry) Remove(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Handle{}, false
	}
	delete(r.entries, id)
	return e.Handle, true
}

// Claim removes the entry for id if it is a running process with the given
// pid that has exited. Exactly one caller can claim a given exit, so the
// monitor and an explicit stop never both handle it.
func (r *Registry) Claim(id string, pid int) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.PID != pid || e.Exit == nil || e.Phase != session.StateRunning {
		return Handle{}, false
	}
	delete(r.entries, id)
	return e.Handle, true
}

// Check refreshes liveness of the entry for id and returns it. Children are
// reaped here; other processes are probed with signal 0 and their start time
// compared against the recorded one.
func (r *Registry) Check(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Handle{}, false
	}
	r.checkLocked(e)
	return e.Handle, true
}

func (r *Registry) checkLocked(e *entry) {
	if e.Exit != nil || e.PID <= 0 {
		return
	}
	// Adopted processes can still be our children when this pfman spawned
	// them before re-adopting, so everything is reaped first.
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(e.PID, &ws, unix.WNOHANG, nil)
	switch {
	case err == nil && wpid == e.PID:
		info := exitFromWaitStatus(ws)
		e.Exit = &info
		return
	case err == nil:
		// Still running. An adopted child may carry a recycled pid all the same.
		if !e.Owned {
			if err := r.Verify(e.PID, e.StartedAt); errors.Is(err, session.ErrIdentityMismatch) {
				e.Exit = &session.ExitInfo{Code: -1, At: time.Now().UTC(), Reason: "identity-mismatch"}
			}
		}
		return
	case !errors.Is(err, unix.ECHILD):
		logger.WithSession(e.SessionID).Debug("wait4 failed", "component", "process", "pid", e.PID, "error", err)
		return
	}
	if info, gone := r.probe(e.PID, e.StartedAt); gone {
		e.Exit = &info
	}
}

// probe checks a process that is not our child.
func (r *Registry) probe(pid int, startedAt time.Time) (session.ExitInfo, bool) {
	now := time.Now().UTC()
	if !Exists(pid) {
		return session.ExitInfo{Code: -1, At: now, Reason: "vanished"}, true
	}
	if err := r.Verify(pid, startedAt); errors.Is(err, session.ErrIdentityMismatch) {
		return session.ExitInfo{Code: -1, At: now, Reason: "identity-mismatch"}, true
	}
	return session.ExitInfo{}, false
}

// Verify checks that pid exists and started within the registry's tolerance
// of startedAt. When the platform cannot report start times only existence
// is checked.
func (r *Registry) Verify(pid int, startedAt time.Time) error {
	if pid <= 0 {
		return fmt.Errorf("%w: no pid recorded", session.ErrProcessVanished)
	}
	if !Exists(pid) {
		return fmt.Errorf("%w: pid %d", session.ErrProcessVanished, pid)
	}
	actual, err := StartTime(pid)
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		// The process disappeared between the two probes
		return fmt.Errorf("%w: pid %d: %w", session.ErrProcessVanished, pid, err)
	}
	if startedAt.IsZero() {
		return fmt.Errorf("%w: pid %d has no recorded start time", session.ErrIdentityMismatch, pid)
	}
	drift := actual.Sub(startedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > r.tolerance {
		return fmt.Errorf("%w: pid %d started at %s, recorded %s", session.ErrIdentityMismatch,
			pid, actual.UTC().Format(time.RFC3339), startedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// Exists reports whether a process with pid exists. Zombies waiting for
// another parent to reap them count as gone.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !zombie(pid)
}

// Terminate stops the process for id: SIGTERM to its process group, up to
// grace for it to exit, then SIGKILL and up to killWait more. The entry is
// removed once the process is gone. An id with no entry is a no-op and
// returns nil info. Cancelling ctx skips the rest of the grace period.
func (r *Registry) Terminate(ctx context.Context, id string, grace, killWait time.Duration) (*session.ExitInfo, error) {
	log := logger.WithSession(id).With("component", "process")

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	e.Phase = session.StateStopping
	r.checkLocked(e)
	pid := e.PID
	alreadyGone := e.Exit != nil
	r.mu.Unlock()

	if !alreadyGone && pid > 0 {
		log.Debug("sending SIGTERM", "pid", pid)
		signalGroup(pid, unix.SIGTERM)
		if !r.waitExit(ctx, e, grace) {
			log.Warn("process ignored SIGTERM, killing", "pid", pid, "grace", grace)
			signalGroup(pid, unix.SIGKILL)
			if !r.waitExit(context.Background(), e, killWait) {
				r.mu.Lock()
				e.Phase = session.StateRunning
				r.mu.Unlock()
				return nil, fmt.Errorf("pid %d still alive %s after SIGKILL", pid, killWait)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	info := session.ExitInfo{Code: -1, At: time.Now().UTC()}
	if e.Exit != nil {
		info = *e.Exit
	}
	if !alreadyGone {
		info.Reason = "stopped"
		info.Clean = true
	}
	log.Info("terminated", "pid", pid, "exit", info.String())
	return &info, nil
}

func (r *Registry) waitExit(ctx context.Context, e *entry, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	ticker := time.NewTicker(pollStep)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		r.checkLocked(e)
		gone := e.Exit != nil
		r.mu.Unlock()
		if gone {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// signalGroup signals the process group led by pid, falling back to pid
// alone when it does not lead a group.
func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err == nil {
		return
	}
	_ = unix.Kill(pid, sig)
}

func exitFromWaitStatus(ws unix.WaitStatus) session.ExitInfo {
	info := session.ExitInfo{Code: -1, At: time.Now().UTC(), Reason: "exited"}
	switch {
	case ws.Exited():
		info.Code = ws.ExitStatus()
	case ws.Signaled():
		info.Signal = unix.SignalName(ws.Signal())
		if info.Signal == "" {
			info.Signal = ws.Signal().String()
		}
	}
	return info
}
