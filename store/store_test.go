package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/pfman/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "sessions.yaml"))
}

func sshSession(name string) session.Session {
	s := session.New(name, session.KindSSH)
	s.Host = "bastion"
	s.LocalPort = 8080
	s.RemotePort = 80
	return s
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	st := newTestStore(t)
	sessions, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestSaveLoad_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	in := []session.Session{sshSession("c"), sshSession("a"), sshSession("b")}
	if err := st.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d sessions, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Name != in[i].Name {
			t.Errorf("session %d = %s/%s, want %s/%s", i, out[i].ID, out[i].Name, in[i].ID, in[i].Name)
		}
	}

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(st.Path()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestUnknownFieldsSurviveRewrite(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	doc := `version: 1
owner: platform-team
sessions:
  - id: 11111111-1111-1111-1111-111111111111
    name: api
    kind: kubectl
    context: prod
    namespace: default
    resource_kind: svc
    resource_name: api
    local_port: 9000
    remote_port: 9000
    desired_state: stopped
    created_at: 2026-01-01T00:00:00Z
    color: blue
    tags: [prod, critical]
`
	if err := os.WriteFile(st.Path(), []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := st.Update(ctx, func(sessions []session.Session) ([]session.Session, error) {
		sessions[0].LocalPort = 9001
		return sessions, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	data, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("rewritten document does not parse: %v", err)
	}
	if raw["owner"] != "platform-team" {
		t.Errorf("top-level unknown key lost: %v", raw["owner"])
	}
	sess := raw["sessions"].([]any)[0].(map[string]any)
	if sess["color"] != "blue" {
		t.Errorf("session unknown key lost: %v", sess["color"])
	}
	if tags, ok := sess["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("session unknown list lost: %v", sess["tags"])
	}
	if sess["local_port"] != 9001 {
		t.Errorf("local_port = %v, want 9001", sess["local_port"])
	}
}

func TestLoad_CorruptDocument(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "sessions: [\n  - id: x\n   name: broken",
		"scalar root":  "just a string",
		"duplicate id": "sessions:\n  - id: a\n    name: one\n  - id: a\n    name: two\n",
		"empty id":     "sessions:\n  - name: nameless\n",
		"wrong type":   "sessions:\n  - id: a\n    local_port: not-a-number\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			st := newTestStore(t)
			if err := os.WriteFile(st.Path(), []byte(content), 0600); err != nil {
				t.Fatal(err)
			}

			_, err := st.Load(context.Background())
			if !errors.Is(err, session.ErrStoreCorrupt) {
				t.Fatalf("Load() = %v, want ErrStoreCorrupt", err)
			}
			if !IsCorrupt(err) {
				t.Error("IsCorrupt should be true")
			}

			// Update must not overwrite the corrupt document
			_, err = st.Update(context.Background(), func(s []session.Session) ([]session.Session, error) {
				return s, nil
			})
			if !errors.Is(err, session.ErrStoreCorrupt) {
				t.Fatalf("Update() = %v, want ErrStoreCorrupt", err)
			}
			after, _ := os.ReadFile(st.Path())
			if string(after) != content {
				t.Error("corrupt document was rewritten")
			}
		})
	}
}

func TestUpdate_ErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Save(ctx, []session.Session{sshSession("keep")}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := st.Update(ctx, func(s []session.Session) ([]session.Session, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() = %v, want boom", err)
	}

	sessions, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Name != "keep" {
		t.Errorf("document changed after failed update: %+v", sessions)
	}
}

func TestUpdate_ConcurrentWritersAllApplied(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	// A second Store on the same path exercises the file lock
	other := New(st.Path())

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := st
			if i%2 == 1 {
				target = other
			}
			_, err := target.Update(ctx, func(s []session.Session) ([]session.Session, error) {
				return append(s, sshSession(fmt.Sprintf("s%02d", i))), nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	sessions, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != writers {
		t.Errorf("got %d sessions, want %d", len(sessions), writers)
	}
}

func TestSave_FreshStoreKeepsUnknownTopLevelKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nowner: platform-team\nsessions: []\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// Never loaded through this handle
	if err := New(path).Save(context.Background(), []session.Session{sshSession("db")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved document does not parse: %v", err)
	}
	if raw["owner"] != "platform-team" {
		t.Errorf("top-level unknown key lost on Save: %s", data)
	}
}

func TestSave_PicksUpKeysAddedByOthers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Save(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(ctx); err != nil {
		t.Fatal(err)
	}

	// Another writer adds a key after our load
	if err := os.WriteFile(st.Path(), []byte("version: 1\nteam: sre\nsessions: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(ctx, []session.Session{sshSession("db")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "team: sre") {
		t.Errorf("key added by another writer lost: %s", data)
	}
}

func TestLoad_LegacyDocument(t *testing.T) {
	st := newTestStore(t)
	legacy := `- id: 22222222-2222-2222-2222-222222222222
  name: db
  session_type: SSH
  target: ops@bastion
  local_port: 5433
  remote_port: 5432
  status: Running
  pid: 4242
  created_at: 2025-06-01T10:00:00Z
  last_started: null
  additional_options: ["-p", "2222"]
- id: 33333333-3333-3333-3333-333333333333
  name: api
  session_type: Kubectl
  target: svc/api
  local_port: 9000
  remote_port: 9000
  status: !Error bind failed
  pid: null
  created_at: 2025-06-01T10:00:00Z
  additional_options: []
  kube_context: prod
  kube_namespace: default
  color: blue
`
	if err := os.WriteFile(st.Path(), []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}

	sessions, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}

	db := sessions[0]
	if db.Kind != session.KindSSH || db.User != "ops" || db.Host != "bastion" || db.RemotePort != 5432 {
		t.Errorf("ssh legacy session converted wrong: %+v", db)
	}
	if db.DesiredState != session.DesiredRunning {
		t.Errorf("Running legacy status should become desired running, got %q", db.DesiredState)
	}
	if len(db.ExtraArgs) != 2 {
		t.Errorf("additional_options not carried: %v", db.ExtraArgs)
	}

	api := sessions[1]
	if api.Kind != session.KindKubectl || api.Resource() != "svc/api" || api.Context != "prod" || api.Namespace != "default" {
		t.Errorf("kubectl legacy session converted wrong: %+v", api)
	}
	if api.DesiredState != session.DesiredStopped {
		t.Errorf("errored legacy session should be desired stopped, got %q", api.DesiredState)
	}
	if api.Extra["color"] != "blue" {
		t.Errorf("unknown legacy key not carried: %v", api.Extra)
	}
	for _, key := range []string{"pid", "last_started"} {
		if _, ok := db.Extra[key]; ok {
			t.Errorf("legacy runtime key %q should not be carried", key)
		}
	}
	for _, s := range sessions {
		if err := s.Validate(); err != nil {
			t.Errorf("converted session %s invalid: %v", s.Name, err)
		}
	}
}
