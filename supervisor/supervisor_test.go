package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhubert/pfman/config"
	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/statedb"
	"github.com/zhubert/pfman/store"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)
	code := m.Run()
	logger.Reset()
	os.Exit(code)
}

// Fake tunnel tools. They ignore their arguments.
const (
	toolRuns   = `echo "Authenticated to bastion"; exec sleep 60`
	toolReady  = `echo "Forwarding from 127.0.0.1:9000 -> 9000"; exec sleep 60`
	toolBusy   = `echo "bind [127.0.0.1]:8080: Address already in use" >&2; echo "channel_setup_fwd_listener_tcpip: cannot listen to port: 8080" >&2; exit 255`
	toolRefuse = `echo "ssh: connect to host bastion port 22: Connection refused" >&2; exit 255`
)

type harness struct {
	dir string
	cfg *config.Config
	st  *store.Store
	db  *statedb.DB
	sup *Supervisor
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PollInterval = config.D(50 * time.Millisecond)
	cfg.StartGrace = config.D(300 * time.Millisecond)
	cfg.StopGrace = config.D(time.Second)
	cfg.KillWait = config.D(time.Second)
	cfg.TailInterval = config.D(10 * time.Millisecond)
	return cfg
}

func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T, sshBody string, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Tools.SSH = writeTool(t, dir, "ssh", sshBody)
	cfg.Tools.Kubectl = writeTool(t, dir, "kubectl", toolReady)

	db, err := statedb.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{dir: dir, cfg: cfg, st: store.New(filepath.Join(dir, "sessions.yaml")), db: db}
	h.sup = h.open(t, opts)
	t.Cleanup(func() { db.Close() })
	return h
}

// open builds and initializes a supervisor over the harness's files. Its
// tunnels are stopped when the test ends.
func (h *harness) open(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	sup := New(h.cfg, h.st, h.db, filepath.Join(h.dir, "logs"), opts)
	if err := sup.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		_ = sup.StopAll(context.Background())
		sup.Close()
	})
	return sup
}

func sshSession(t *testing.T, sup *Supervisor, name string) session.Session {
	t.Helper()
	s := session.New(name, session.KindSSH)
	s.Host = "bastion"
	s.LocalPort = 8080
	s.RemotePort = 80
	created, err := sup.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) state(t *testing.T, id string) session.RuntimeStatus {
	t.Helper()
	st, err := h.sup.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func TestStartStop_RegistryHoldsExactlyOneProcess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	st, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != session.StateRunning || st.PID <= 0 {
		t.Fatalf("status after start = %+v", st)
	}
	handles := h.sup.reg.List()
	if len(handles) != 1 || handles[0].SessionID != s.ID || handles[0].PID != st.PID || !handles[0].Alive() {
		t.Fatalf("registry after start = %+v", handles)
	}
	if !process.Exists(st.PID) {
		t.Fatal("tunnel process does not exist")
	}

	stopped, err := h.sup.Stop(ctx, s.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.State != session.StateStopped || stopped.LastExit == nil || !stopped.LastExit.Clean {
		t.Errorf("status after stop = %+v", stopped)
	}
	if n := h.sup.reg.Len(); n != 0 {
		t.Errorf("registry holds %d entries after stop", n)
	}
	if process.Exists(st.PID) {
		t.Error("tunnel process still exists after stop")
	}

	got, _ := h.sup.Find(ctx, s.ID)
	if got.DesiredState != session.DesiredStopped {
		t.Errorf("desired state = %q", got.DesiredState)
	}
}

func TestStop_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	for i := range 2 {
		st, err := h.sup.Stop(ctx, s.ID)
		if err != nil || st.State != session.StateStopped {
			t.Fatalf("stop #%d on stopped session: %+v, %v", i+1, st, err)
		}
	}

	if _, err := h.sup.Start(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		st, err := h.sup.Stop(ctx, s.ID)
		if err != nil || st.State != session.StateStopped {
			t.Fatalf("stop #%d after start: %+v, %v", i+1, st, err)
		}
	}
}

func TestStart_AlreadyRunningKeepsProcess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	first, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.PID != first.PID || h.sup.reg.Len() != 1 {
		t.Errorf("second start changed the process: %d -> %d", first.PID, second.PID)
	}
}

func TestScenario_ExternalKillBecomesCrashed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "bastion-db")

	st, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != session.StateRunning || st.PID <= 0 {
		t.Fatalf("status = %+v", st)
	}

	events, cancel := h.sup.Subscribe()
	defer cancel()

	if err := unix.Kill(st.PID, unix.SIGKILL); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "crashed", func() bool {
		return h.state(t, s.ID).State == session.StateCrashed
	})

	got := h.state(t, s.ID)
	if got.LastExit == nil || got.LastExit.Signal == "" {
		t.Errorf("LastExit = %+v, want the kill signal", got.LastExit)
	}
	if got.PID != 0 {
		t.Errorf("crashed status keeps pid %d", got.PID)
	}
	if !strings.Contains(got.Error, "Authenticated to bastion") {
		t.Errorf("Error = %q, want the last output", got.Error)
	}
	if h.sup.reg.Len() != 0 {
		t.Error("crashed tunnel still in the registry")
	}

	var crashEvent *Event
	for crashEvent == nil {
		select {
		case ev := <-events:
			if ev.SessionID == s.ID && ev.Status.State == session.StateCrashed {
				crashEvent = &ev
			}
		case <-time.After(time.Second):
			t.Fatal("no crash event")
		}
	}
	if !errors.Is(crashEvent.Err, session.ErrProcessVanished) {
		t.Errorf("event Err = %v, want ErrProcessVanished", crashEvent.Err)
	}

	cur, _ := h.sup.Find(ctx, s.ID)
	if cur.DesiredState != session.DesiredRunning {
		t.Errorf("desired state = %q, the user's intent must survive a crash", cur.DesiredState)
	}
	snap, ok, err := h.db.Get(ctx, s.ID)
	if err != nil || !ok || snap.Status.State != session.StateCrashed {
		t.Errorf("persisted snapshot = %+v, %v, %v", snap, ok, err)
	}
}

func TestScenario_KubectlBinaryMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	h.cfg.Tools.Kubectl = filepath.Join(h.dir, "missing", "kubectl")

	k := session.New("api", session.KindKubectl)
	k.Context = "prod"
	k.Namespace = "default"
	k.SetResource("svc/api")
	k.LocalPort = 9000
	k.RemotePort = 9000
	k, err := h.sup.Create(ctx, k)
	if err != nil {
		t.Fatal(err)
	}

	st, err := h.sup.Start(ctx, k.ID)
	if !errors.Is(err, session.ErrSpawnFailed) {
		t.Fatalf("Start err = %v, want ErrSpawnFailed", err)
	}
	if st.State != session.StateStopped || st.Error == "" {
		t.Errorf("status = %+v", st)
	}
	if got := h.state(t, k.ID); got.State != session.StateStopped {
		t.Errorf("cached state = %q", got.State)
	}
	cur, _ := h.sup.Find(ctx, k.ID)
	if cur.DesiredState != session.DesiredRunning {
		t.Errorf("desired state = %q, want running after a failed start", cur.DesiredState)
	}
	if h.sup.reg.Len() != 0 {
		t.Error("failed spawn left a registry entry")
	}
}

func TestStartStopStart_NoOverlap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	var previous int
	for cycle := range 2 {
		st, err := h.sup.Start(ctx, s.ID)
		if err != nil {
			t.Fatalf("cycle %d start: %v", cycle, err)
		}
		if previous != 0 && process.Exists(previous) {
			t.Fatalf("cycle %d: previous pid %d still alive next to %d", cycle, previous, st.PID)
		}
		if n := h.sup.reg.Len(); n != 1 {
			t.Fatalf("cycle %d: %d registry entries", cycle, n)
		}
		if _, err := h.sup.Stop(ctx, s.ID); err != nil {
			t.Fatalf("cycle %d stop: %v", cycle, err)
		}
		if process.Exists(st.PID) {
			t.Fatalf("cycle %d: pid %d alive after stop", cycle, st.PID)
		}
		previous = st.PID
	}
	if _, err := h.sup.Start(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
}

func TestScenario_DeleteRunningSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")
	keep := sshSession(t, h.sup, "other")

	st, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sup.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if process.Exists(st.PID) {
		t.Error("tunnel survived delete")
	}

	views, err := h.sup.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Session.ID != keep.ID {
		t.Errorf("sessions after delete = %+v", views)
	}
	if _, err := h.sup.Status(ctx, s.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Status of deleted session err = %v", err)
	}
	if _, ok, _ := h.db.Get(ctx, s.ID); ok {
		t.Error("runtime snapshot survived delete")
	}
	if _, err := os.Stat(filepath.Join(h.dir, "logs", s.ID+".log")); !os.IsNotExist(err) {
		t.Errorf("log survived delete: %v", err)
	}

	// A fresh supervisor over the same files agrees
	again := h.open(t, Options{})
	views, _ = again.List(ctx)
	for _, v := range views {
		if v.Session.ID == s.ID {
			t.Error("deleted session listed again")
		}
	}
}

func TestStart_EarlyExitClassified(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		want   error
		reason string
	}{
		{"bind failure", toolBusy, session.ErrPortInUse, "port-in-use"},
		{"other failure", toolRefuse, session.ErrExitedEarly, "exited-early"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, tt.tool, Options{})
			s := sshSession(t, h.sup, "db")

			st, err := h.sup.Start(ctx, s.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start err = %v, want %v", err, tt.want)
			}
			if st.State != session.StateCrashed || st.LastExit == nil || st.LastExit.Reason != tt.reason {
				t.Errorf("status = %+v", st)
			}
			if st.LastExit != nil && st.LastExit.Code != 255 {
				t.Errorf("exit code = %d", st.LastExit.Code)
			}
			if st.Error == "" || st.Error == "Process exited without output" {
				t.Errorf("Error = %q, want captured output", st.Error)
			}
			if h.sup.reg.Len() != 0 {
				t.Error("failed tunnel left in the registry")
			}

			lines, err := h.sup.logs.Last(s.ID, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], string(logs.MarkFailedEarly)) {
				t.Errorf("log = %q, want a failed-early marker last", lines)
			}
		})
	}
}

func TestStart_KubectlReadyBeforeGraceEnds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	h.cfg.StartGrace = config.D(10 * time.Second)

	k := session.New("api", session.KindKubectl)
	k.Context = "prod"
	k.Namespace = "default"
	k.SetResource("svc/api")
	k.LocalPort = 9000
	k.RemotePort = 9000
	k, err := h.sup.Create(ctx, k)
	if err != nil {
		t.Fatal(err)
	}

	begin := time.Now()
	st, err := h.sup.Start(ctx, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != session.StateRunning {
		t.Fatalf("state = %q", st.State)
	}
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("start waited %s despite the readiness line", elapsed)
	}
}

func TestRestart_WritesMarkerAndReplacesProcess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	first, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.sup.Restart(ctx, s.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if second.State != session.StateRunning || second.PID == first.PID {
		t.Errorf("after restart = %+v (was pid %d)", second, first.PID)
	}
	if process.Exists(first.PID) {
		t.Error("old tunnel survived restart")
	}

	lines, _ := h.sup.logs.Last(s.ID, 20)
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, string(logs.MarkRestarted)) {
		t.Errorf("log has no restart marker:\n%s", joined)
	}
}

func TestRestart_StoppedSessionWritesMarker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	st, err := h.sup.Restart(ctx, s.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if st.State != session.StateRunning {
		t.Fatalf("state = %q, want running", st.State)
	}

	lines, _ := h.sup.logs.Last(s.ID, 20)
	restarted, started := -1, -1
	for i, line := range lines {
		switch {
		case strings.Contains(line, string(logs.MarkRestarted)):
			restarted = i
		case strings.Contains(line, string(logs.MarkStarted)):
			started = i
		}
	}
	if restarted < 0 || started < restarted {
		t.Errorf("want restart marker before start marker:\n%s", strings.Join(lines, "\n"))
	}
}

func TestInit_AdoptsTunnelsOfEarlierSupervisor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	st, err := h.sup.Start(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	h.sup.Close()
	if !process.Exists(st.PID) {
		t.Fatal("closing the supervisor stopped the tunnel")
	}

	next := h.open(t, Options{Daemon: true})
	got, err := next.Status(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != session.StateRunning || got.PID != st.PID {
		t.Fatalf("status after adoption = %+v, want running pid %d", got, st.PID)
	}
	if hd, ok := next.reg.Get(s.ID); !ok || hd.Owned {
		t.Errorf("registry entry = %+v, %v", hd, ok)
	}

	if _, err := next.Stop(ctx, s.ID); err != nil {
		t.Fatalf("Stop adopted tunnel: %v", err)
	}
	if process.Exists(st.PID) {
		t.Error("adopted tunnel survived stop")
	}
	lines, _ := next.logs.Last(s.ID, 20)
	joined := strings.Join(lines, "\n")
	for _, kind := range []logs.MarkerKind{logs.MarkStarted, logs.MarkAdopted, logs.MarkStopped} {
		if !strings.Contains(joined, string(kind)) {
			t.Errorf("log has no %q marker:\n%s", kind, joined)
		}
	}
}

func TestRetry_RestartsUntilAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	h := newHarness(t, `echo attempt >> `+counter+`
`+toolRefuse, Options{Daemon: true})

	s := session.New("flaky", session.KindSSH)
	s.Host = "bastion"
	s.LocalPort = 8080
	s.RemotePort = 80
	s.Retry = session.RetryPolicy{
		Enabled:     true,
		MaxAttempts: 2,
		Window:      time.Minute,
		Backoff:     50 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}
	s, err := h.sup.Create(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	attempts := func() int {
		data, _ := os.ReadFile(counter)
		return strings.Count(string(data), "attempt")
	}

	if _, err := h.sup.Start(ctx, s.ID); !errors.Is(err, session.ErrExitedEarly) {
		t.Fatalf("Start err = %v", err)
	}
	waitFor(t, "two retries", func() bool { return attempts() == 3 })

	time.Sleep(time.Second)
	if n := attempts(); n != 3 {
		t.Errorf("attempts = %d, want 3 (first start plus max_attempts)", n)
	}
	if got := h.state(t, s.ID); got.State != session.StateCrashed {
		t.Errorf("state after exhaustion = %q", got.State)
	}
}

func TestStop_CancelsPendingRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRefuse, Options{Daemon: true})
	s := session.New("flaky", session.KindSSH)
	s.Host = "bastion"
	s.LocalPort = 8080
	s.RemotePort = 80
	s.Retry = session.RetryPolicy{Enabled: true, MaxAttempts: 5, Backoff: time.Hour}
	s, err := h.sup.Create(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.sup.Start(ctx, s.ID); err == nil {
		t.Fatal("Start succeeded")
	}
	h.sup.mu.Lock()
	_, pending := h.sup.retries[s.ID]
	h.sup.mu.Unlock()
	if !pending {
		t.Fatal("no retry scheduled after early exit")
	}

	if _, err := h.sup.Stop(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	h.sup.mu.Lock()
	_, pending = h.sup.retries[s.ID]
	h.sup.mu.Unlock()
	if pending {
		t.Error("retry still pending after stop")
	}
	if n, _ := h.db.RetriesSince(ctx, s.ID, time.Time{}); n != 0 {
		t.Errorf("%d retry attempts kept after stop", n)
	}
}

func TestCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")

	if got := h.state(t, s.ID); got.State != session.StateStopped {
		t.Errorf("new session state = %q", got.State)
	}

	dup := session.New("DB", session.KindSSH)
	dup.Host = "other"
	dup.LocalPort = 9090
	dup.RemotePort = 90
	if _, err := h.sup.Create(ctx, dup); !errors.Is(err, session.ErrDuplicateName) {
		t.Errorf("duplicate name err = %v", err)
	}

	bad := session.New("bad", session.KindSSH)
	if _, err := h.sup.Create(ctx, bad); !errors.Is(err, session.ErrInvalidSession) {
		t.Errorf("invalid session err = %v", err)
	}

	updated, err := h.sup.Update(ctx, s.ID, func(sess *session.Session) error {
		sess.LocalPort = 8081
		sess.ID = "ignored"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != s.ID || updated.LocalPort != 8081 {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := h.sup.Update(ctx, s.ID, func(sess *session.Session) error {
		sess.LocalPort = 0
		return nil
	}); !errors.Is(err, session.ErrInvalidSession) {
		t.Errorf("invalid update err = %v", err)
	}
	if _, err := h.sup.Update(ctx, "nope", func(*session.Session) error { return nil }); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("update of unknown id err = %v", err)
	}
}

func TestFind(t *testing.T) {
	sessions := []session.Session{
		{ID: "6f1c2e00-aaaa", Name: "db"},
		{ID: "6f2d0000-bbbb", Name: "cache"},
	}
	tests := []struct {
		ref    string
		wantID string
	}{
		{"6f1c2e00-aaaa", "6f1c2e00-aaaa"},
		{"DB", "6f1c2e00-aaaa"},
		{"6f2", "6f2d0000-bbbb"},
		{"6f", ""},
		{"nope", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := find(sessions, tt.ref)
		if tt.wantID == "" {
			if !errors.Is(err, session.ErrNotFound) {
				t.Errorf("find(%q) err = %v, want ErrNotFound", tt.ref, err)
			}
			continue
		}
		if err != nil || got.ID != tt.wantID {
			t.Errorf("find(%q) = %q, %v", tt.ref, got.ID, err)
		}
	}
}

func TestTail_FollowEndsWhenTunnelStops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolRuns, Options{})
	s := sshSession(t, h.sup, "db")
	if _, err := h.sup.Start(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	seq, err := h.sup.Tail(ctx, s.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan []string)
	go func() {
		var lines []string
		for line, err := range seq {
			if err != nil {
				break
			}
			lines = append(lines, line)
		}
		done <- lines
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := h.sup.Stop(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case lines := <-done:
		joined := strings.Join(lines, "\n")
		if !strings.Contains(joined, "Authenticated to bastion") || !strings.Contains(joined, string(logs.MarkStopped)) {
			t.Errorf("followed lines:\n%s", joined)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not end after stop")
	}
}

func TestIsBindFailure(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"bind [127.0.0.1]:8080: Address already in use", true},
		{"channel_setup_fwd_listener_tcpip: cannot listen to port: 8080", true},
		{"Could not request local forwarding.", true},
		{"error: unable to listen on port 9000: Listeners failed to create with the following errors", true},
		{"ssh: Could not resolve hostname bastion", false},
		{"Permission denied (publickey).", false},
	}
	for _, tt := range tests {
		if got := isBindFailure([]string{tt.line}); got != tt.want {
			t.Errorf("isBindFailure(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestLockInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "supervisor.lock")
	first, err := LockInstance(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LockInstance(path); !errors.Is(err, ErrAlreadySupervised) {
		t.Errorf("second lock err = %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatal(err)
	}
	again, err := LockInstance(path)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again.Unlock()
}
