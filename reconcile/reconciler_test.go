package reconcile

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/statedb"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)
	code := m.Run()
	logger.Reset()
	os.Exit(code)
}

type fixture struct {
	db  *statedb.DB
	reg *process.Registry
	col *logs.Collector
	rec *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := statedb.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	reg := process.NewRegistry(2 * time.Second)
	col := logs.New(filepath.Join(dir, "logs"), logs.Options{Offsets: db, TailInterval: 5 * time.Millisecond})
	return &fixture{db: db, reg: reg, col: col, rec: NewReconciler(db, reg, col)}
}

// startTunnel starts a detached process standing in for a tunnel left behind
// by an earlier pfman. The test reaps it so that kill leaves no zombie.
func startTunnel(t *testing.T) (int, time.Time, func()) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	killed := false
	kill := func() {
		if killed {
			return
		}
		killed = true
		_ = cmd.Process.Kill()
		<-done
	}
	t.Cleanup(kill)

	started, err := process.StartTime(cmd.Process.Pid)
	if errors.Is(err, process.ErrUnsupported) {
		t.Skip("start time not available on this platform")
	}
	if err != nil {
		t.Fatal(err)
	}
	return cmd.Process.Pid, started, kill
}

func runningSession() session.Session {
	s := session.New("db", session.KindSSH)
	s.Host = "bastion"
	s.LocalPort = 8080
	s.RemotePort = 80
	s.DesiredState = session.DesiredRunning
	return s
}

func (f *fixture) putRunning(t *testing.T, id string, pid int, started time.Time) {
	t.Helper()
	err := f.db.Put(context.Background(), statedb.Snapshot{
		SessionID: id,
		Status:    session.RuntimeStatus{State: session.StateRunning, PID: pid, StartedAt: started},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSession_AdoptsVerifiedProcessAndResumesLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := runningSession()
	pid, started, _ := startTunnel(t)
	f.putRunning(t, s.ID, pid, started)

	// Output captured by the earlier pfman, plus output written while no
	// pfman was running
	spool := f.col.SpoolPath(s.ID)
	if err := os.MkdirAll(filepath.Dir(spool), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(spool, []byte("before restart\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.col.Drain(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	fh, err := os.OpenFile(spool, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	fh.WriteString("while away\n")
	fh.Close()

	out, err := f.rec.Session(ctx, s)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !out.Adopted || out.Status.State != session.StateRunning || out.Status.PID != pid {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Err != nil {
		t.Errorf("unexpected Err %v", out.Err)
	}
	if h, ok := f.reg.Get(s.ID); !ok || h.PID != pid || h.Owned {
		t.Errorf("registry entry = %+v, %v", h, ok)
	}
	if !f.col.Active(s.ID) {
		t.Error("log capture not resumed")
	}

	if err := f.col.Drain(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	lines, err := f.col.Last(s.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	var plain []string
	for _, l := range lines {
		if !logs.IsMarker(l) {
			plain = append(plain, l)
		}
	}
	if !slices.Equal(plain, []string{"before restart", "while away"}) {
		t.Errorf("log after adoption = %q", lines)
	}

	snap, _, _ := f.db.Get(ctx, s.ID)
	if snap.Status.State != session.StateRunning || snap.Status.PID != pid {
		t.Errorf("persisted snapshot = %+v", snap.Status)
	}
}

func TestSession_PIDReuseIsNeverRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := runningSession()
	pid, started, _ := startTunnel(t)
	// Same pid, but the recorded process started long before this one
	f.putRunning(t, s.ID, pid, started.Add(-time.Hour))

	out, err := f.rec.Session(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status.State == session.StateRunning || out.Adopted {
		t.Fatalf("reused pid was adopted: %+v", out)
	}
	if out.Status.State != session.StateCrashed {
		t.Errorf("state = %q, want crashed", out.Status.State)
	}
	if !errors.Is(out.Err, session.ErrIdentityMismatch) || !errors.Is(out.Err, session.ErrProcessVanished) {
		t.Errorf("Err = %v, want identity mismatch treated as vanished", out.Err)
	}
	if out.Status.LastExit == nil || out.Status.LastExit.Reason != "identity-mismatch" {
		t.Errorf("LastExit = %+v", out.Status.LastExit)
	}
	if _, ok := f.reg.Get(s.ID); ok {
		t.Error("reused pid entered the registry")
	}
	if !process.Exists(pid) {
		t.Error("the unrelated process must not be touched")
	}
}

func TestSession_VanishedProcess(t *testing.T) {
	tests := []struct {
		name      string
		desired   session.DesiredState
		cleanStop bool
		want      session.State
	}{
		{"desired running crashes", session.DesiredRunning, false, session.StateCrashed},
		{"desired stopped stops", session.DesiredStopped, false, session.StateStopped},
		{"clean stop recorded stops", session.DesiredRunning, true, session.StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			s := runningSession()
			s.DesiredState = tt.desired
			pid, started, kill := startTunnel(t)
			kill()
			err := f.db.Put(ctx, statedb.Snapshot{
				SessionID: s.ID,
				Status:    session.RuntimeStatus{State: session.StateRunning, PID: pid, StartedAt: started},
				CleanStop: tt.cleanStop,
			})
			if err != nil {
				t.Fatal(err)
			}

			out, err := f.rec.Session(ctx, s)
			if err != nil {
				t.Fatal(err)
			}
			if out.Status.State != tt.want {
				t.Errorf("state = %q, want %q", out.Status.State, tt.want)
			}
			if !errors.Is(out.Err, session.ErrProcessVanished) {
				t.Errorf("Err = %v, want ErrProcessVanished", out.Err)
			}
			if out.Status.PID != 0 {
				t.Errorf("pid kept on a dead session: %d", out.Status.PID)
			}
			if !out.Changed() {
				t.Error("Changed should be true")
			}
			if tt.want == session.StateCrashed && (out.Status.LastExit == nil || out.Status.LastExit.Reason != "vanished") {
				t.Errorf("LastExit = %+v", out.Status.LastExit)
			}

			snap, _, _ := f.db.Get(ctx, s.ID)
			if snap.Status.State != tt.want {
				t.Errorf("persisted state = %q", snap.Status.State)
			}
		})
	}
}

func TestSession_NonLiveSnapshotsKeepCachedStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fresh := runningSession()
	out, err := f.rec.Session(ctx, fresh)
	if err != nil || out.Status.State != session.StateStopped || out.Changed() {
		t.Errorf("no snapshot: %+v, %v", out, err)
	}

	crashed := runningSession()
	exit := &session.ExitInfo{Code: 255, Reason: "crashed", At: time.Now()}
	if err := f.db.Put(ctx, statedb.Snapshot{
		SessionID: crashed.ID,
		Status:    session.RuntimeStatus{State: session.StateCrashed, LastExit: exit, Error: "boom"},
	}); err != nil {
		t.Fatal(err)
	}
	out, err = f.rec.Session(ctx, crashed)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status.State != session.StateCrashed || out.Status.Error != "boom" || out.Err != nil {
		t.Errorf("crashed snapshot changed: %+v", out)
	}
}

func TestSession_TrackedLeftToSupervisor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := runningSession()
	pid, started, _ := startTunnel(t)
	if _, err := f.reg.Adopt(s.ID, pid, started, ""); err != nil {
		t.Fatal(err)
	}

	out, err := f.rec.Session(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Tracked || out.Adopted || out.Status.PID != pid {
		t.Errorf("outcome = %+v", out)
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alive := runningSession()
	pid, started, _ := startTunnel(t)
	f.putRunning(t, alive.ID, pid, started)

	gone := runningSession()
	gonePID, goneStarted, kill := startTunnel(t)
	kill()
	f.putRunning(t, gone.ID, gonePID, goneStarted)

	outcomes, err := f.rec.All(ctx, []session.Session{alive, gone})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	if outcomes[0].Status.State != session.StateRunning || outcomes[1].Status.State != session.StateCrashed {
		t.Errorf("states = %q, %q", outcomes[0].Status.State, outcomes[1].Status.State)
	}
}
