// Package supervisor owns the lifecycle of tunnel sessions: it persists the
// user's intent in the session store, spawns and stops tunnel processes
// through the process registry, feeds their output to the log collector and
// runs the background monitor that notices crashes.
//
// Status is cached in memory and in the runtime database for fast display.
// Operations that depend on correctness (start, stop, restart, delete)
// reconcile the session against the OS first.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/zhubert/pfman/config"
	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/paths"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/reconcile"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/statedb"
	"github.com/zhubert/pfman/store"
)

// ErrAlreadySupervised is returned by LockInstance when another pfman holds
// the supervisor lock.
var ErrAlreadySupervised = errors.New("another pfman supervisor is running")

// Options configures a Supervisor.
type Options struct {
	// Daemon marks the long-running supervisor process. Only the daemon
	// schedules automatic retries and writes adoption markers; short-lived
	// CLI invocations leave both to it.
	Daemon bool
}

// Event reports a status change.
type Event struct {
	SessionID string
	Status    session.RuntimeStatus
	Err       error // cause of a failure transition, if any
	Deleted   bool
	At        time.Time
}

// View pairs a session with its current runtime status.
type View struct {
	Session session.Session
	Status  session.RuntimeStatus
}

// Drifted reports whether the session is not in the state the user asked
// for, e.g. desired running but crashed.
func (v View) Drifted() bool {
	running := v.Status.State.HasProcess()
	return (v.Session.DesiredState == session.DesiredRunning) != running
}

// Supervisor manages every session of one pfman installation.
type Supervisor struct {
	cfg   *config.Config
	opts  Options
	store *store.Store
	db    *statedb.DB
	reg   *process.Registry
	logs  *logs.Collector
	rec   *reconcile.Reconciler
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	status  map[string]session.RuntimeStatus
	locks   map[string]chan struct{}
	retries map[string]*retryTimer
	subs    map[int]chan Event
	nextSub int
	started bool
	closed  bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeDB   bool
}

// New wires a supervisor from its parts. logDir holds spool and log files.
func New(cfg *config.Config, st *store.Store, db *statedb.DB, logDir string, opts Options) *Supervisor {
	reg := process.NewRegistry(cfg.StartTimeTolerance.Duration)
	col := logs.New(logDir, logs.Options{
		MaxBytes:      cfg.LogMaxBytes,
		SpoolMaxBytes: cfg.SpoolMaxBytes,
		TailInterval:  cfg.TailInterval.Duration,
		Offsets:       db,
	})
	rec := reconcile.NewReconciler(db, reg, col)
	rec.SetQuiet(!opts.Daemon)
	return &Supervisor{
		cfg:     cfg,
		opts:    opts,
		store:   st,
		db:      db,
		reg:     reg,
		logs:    col,
		rec:     rec,
		log:     logger.WithComponent("supervisor"),
		now:     time.Now,
		status:  make(map[string]session.RuntimeStatus),
		locks:   make(map[string]chan struct{}),
		retries: make(map[string]*retryTimer),
		subs:    make(map[int]chan Event),
		done:    make(chan struct{}),
	}
}

// Open builds a supervisor over the default file locations.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Supervisor, error) {
	st, err := store.Open()
	if err != nil {
		return nil, err
	}
	dbPath, err := paths.StateDBPath()
	if err != nil {
		return nil, err
	}
	logDir, err := paths.LogsDir()
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	s := New(cfg, st, db, logDir, opts)
	s.closeDB = true
	return s, nil
}

// LockInstance takes the single-instance supervisor lock at path. The
// caller releases it with Unlock.
func LockInstance(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock held: %s)", ErrAlreadySupervised, path)
	}
	return lock, nil
}

// Init loads the sessions, drops runtime state of sessions that no longer
// exist, reconciles the rest against the OS and starts the monitor.
func (s *Supervisor) Init(ctx context.Context) error {
	sessions, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	snaps, err := s.db.List(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		known[sess.ID] = true
	}
	for id := range snaps {
		if known[id] {
			continue
		}
		s.log.Info("dropping runtime state of deleted session", "session_id", id)
		if err := s.db.Delete(ctx, id); err != nil {
			s.log.Warn("failed to drop runtime state", "session_id", id, "error", err)
		}
	}

	s.mu.Lock()
	for id, snap := range snaps {
		if known[id] {
			s.status[id] = snap.Status
		}
	}
	s.mu.Unlock()

	outcomes, rerr := s.rec.All(ctx, sessions)
	for _, out := range outcomes {
		s.observe(out.SessionID, out.Status)
	}
	if rerr != nil {
		s.log.Warn("reconcile at startup incomplete", "error", rerr)
	}
	if s.opts.Daemon {
		byID := make(map[string]session.Session, len(sessions))
		for _, sess := range sessions {
			byID[sess.ID] = sess
		}
		for _, out := range outcomes {
			if out.Changed() && out.Status.State == session.StateCrashed {
				s.scheduleRetry(ctx, byID[out.SessionID])
			}
		}
	}

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.wg.Add(1)
		go s.monitor()
	}
	s.mu.Unlock()
	s.log.Info("supervisor initialized", "sessions", len(sessions), "adopted", s.reg.Len())
	return rerr
}

// Close stops the monitor and pending retries. Tunnels keep running; a
// later pfman adopts them.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, rt := range s.retries {
			rt.timer.Stop()
			delete(s.retries, id)
		}
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.mu.Unlock()

		if s.closeDB {
			err = s.db.Close()
		}
	})
	return err
}

// Subscribe returns a channel of status changes and a function to stop
// receiving them. Slow subscribers miss events rather than block.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Supervisor) emitLocked(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// record stores st as the session's status, in memory and in the runtime
// database. cleanStop marks a user-requested stop in progress or done.
func (s *Supervisor) record(ctx context.Context, id string, st session.RuntimeStatus, cleanStop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(ctx, id, st, cleanStop, nil)
}

// recordFailure is record for transitions caused by cause.
func (s *Supervisor) recordFailure(ctx context.Context, id string, st session.RuntimeStatus, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(ctx, id, st, false, cause)
}

func (s *Supervisor) recordLocked(ctx context.Context, id string, st session.RuntimeStatus, cleanStop bool, cause error) error {
	if !st.State.HasProcess() {
		st.PID = 0
		st.StartedAt = time.Time{}
	}
	s.status[id] = st
	s.emitLocked(Event{SessionID: id, Status: st, Err: cause, At: s.now()})
	// Use a fresh context so a cancelled caller cannot leave the cache and
	// the database disagreeing.
	err := s.db.Put(context.WithoutCancel(ctx), statedb.Snapshot{SessionID: id, Status: st, CleanStop: cleanStop})
	if err != nil {
		logger.WithSession(id).Warn("failed to persist status", "component", "supervisor", "state", st.State, "error", err)
	}
	return err
}

// observe updates the in-memory status only; the database already holds st.
func (s *Supervisor) observe(id string, st session.RuntimeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.status[id]; ok && sameStatus(prev, st) {
		return
	}
	s.status[id] = st
	s.emitLocked(Event{SessionID: id, Status: st, At: s.now()})
}

func sameStatus(a, b session.RuntimeStatus) bool {
	return a.State == b.State && a.PID == b.PID && a.StartedAt.Equal(b.StartedAt) && a.Error == b.Error
}

func (s *Supervisor) current(id string) session.RuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[id]; ok {
		return st
	}
	return session.Stopped()
}

// lockSession serializes operations on one session. Operations on other
// sessions are not affected.
func (s *Supervisor) lockSession(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Find resolves ref to a session: an exact id, a unique id prefix, or a name.
func (s *Supervisor) Find(ctx context.Context, ref string) (session.Session, error) {
	sessions, err := s.store.Load(ctx)
	if err != nil {
		return session.Session{}, err
	}
	return find(sessions, ref)
}

func find(sessions []session.Session, ref string) (session.Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return session.Session{}, fmt.Errorf("%w: empty reference", session.ErrNotFound)
	}
	for _, sess := range sessions {
		if sess.ID == ref {
			return sess, nil
		}
	}
	for _, sess := range sessions {
		if strings.EqualFold(sess.Name, ref) {
			return sess, nil
		}
	}
	var match []session.Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, ref) {
			match = append(match, sess)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, ref)
	default:
		return session.Session{}, fmt.Errorf("%w: %q is ambiguous", session.ErrNotFound, ref)
	}
}

func (s *Supervisor) get(ctx context.Context, id string) (session.Session, error) {
	sessions, err := s.store.Load(ctx)
	if err != nil {
		return session.Session{}, err
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
}

// Status returns the cached status of a session.
func (s *Supervisor) Status(ctx context.Context, id string) (session.RuntimeStatus, error) {
	if _, err := s.get(ctx, id); err != nil {
		return session.RuntimeStatus{}, err
	}
	return s.current(id), nil
}

// List returns every session with its cached status, in store order.
func (s *Supervisor) List(ctx context.Context) ([]View, error) {
	sessions, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, View{Session: sess, Status: s.current(sess.ID)})
	}
	return views, nil
}

// Tail returns the session's log lines, starting from the last most recent
// ones when last is positive and following new output while the tunnel runs
// when follow is set.
func (s *Supervisor) Tail(ctx context.Context, id string, last int, follow bool) (iter.Seq2[string, error], error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	if _, ok := s.reg.Get(id); ok {
		if err := s.logs.Drain(ctx, id); err != nil && !errors.Is(err, logs.ErrBusy) {
			return nil, err
		}
	}
	return s.logs.TailLast(ctx, id, last, follow), nil
}

// Reconcile re-derives the status of every session from the OS.
func (s *Supervisor) Reconcile(ctx context.Context) ([]View, error) {
	sessions, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	views := make([]View, 0, len(sessions))
	for _, sess := range sessions {
		unlock, err := s.lockSession(ctx, sess.ID)
		if err != nil {
			return views, err
		}
		st, err := s.reconcileOne(ctx, sess)
		unlock()
		if err != nil {
			errs = append(errs, err)
		}
		views = append(views, View{Session: sess, Status: st})
	}
	return views, errors.Join(errs...)
}

// reconcileOne refreshes one session. A tracked process is checked for an
// exit the monitor has not handled yet; an untracked one goes through the
// reconciler. The caller holds the session lock.
func (s *Supervisor) reconcileOne(ctx context.Context, sess session.Session) (session.RuntimeStatus, error) {
	if h, ok := s.reg.Check(sess.ID); ok {
		if h.Alive() {
			return s.current(sess.ID), nil
		}
		if claimed, ok := s.reg.Claim(sess.ID, h.PID); ok {
			s.handleExit(ctx, sess, claimed, false)
		}
		if _, still := s.reg.Get(sess.ID); still {
			return s.current(sess.ID), nil
		}
	}
	out, err := s.rec.Session(ctx, sess)
	if err != nil {
		return s.current(sess.ID), err
	}
	if out.Tracked {
		return s.current(sess.ID), nil
	}
	s.observe(sess.ID, out.Status)
	return out.Status, nil
}
