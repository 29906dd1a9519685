package cli

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zhubert/pfman/exec"
	"github.com/zhubert/pfman/session"
)

func mockTools(paths map[string]string) *exec.MockExecutor {
	mock := exec.NewMockExecutor()
	for name, path := range paths {
		mock.SetPath(name, path)
	}
	mock.AddExactMatch("/usr/bin/ssh", []string{"-V"}, exec.MockResponse{
		Stderr: []byte("OpenSSH_9.6p1, LibreSSL 3.3.6\n"),
	})
	mock.AddExactMatch("/usr/local/bin/kubectl", []string{"version", "--client"}, exec.MockResponse{
		Stdout: []byte("Client Version: v1.30.2\nKustomize Version: v5.0.4\n"),
	})
	return mock
}

func TestDefaultPrerequisites(t *testing.T) {
	prereqs := DefaultPrerequisites(session.Tools{})

	byName := make(map[string]Prerequisite)
	for _, p := range prereqs {
		byName[p.Name] = p
	}
	ssh, ok := byName["ssh"]
	if !ok || !ssh.Required {
		t.Errorf("ssh should be a required prerequisite, got %+v", ssh)
	}
	kubectl, ok := byName["kubectl"]
	if !ok || kubectl.Required {
		t.Errorf("kubectl should be optional, got %+v", kubectl)
	}
}

func TestDefaultPrerequisites_ToolOverrides(t *testing.T) {
	prereqs := DefaultPrerequisites(session.Tools{SSH: "/opt/ssh/bin/ssh", Kubectl: "/opt/k8s/kubectl"})

	if prereqs[0].Name != "/opt/ssh/bin/ssh" || prereqs[1].Name != "/opt/k8s/kubectl" {
		t.Errorf("overrides not applied: %q, %q", prereqs[0].Name, prereqs[1].Name)
	}
}

func TestCheck_Found(t *testing.T) {
	checker := NewChecker(mockTools(map[string]string{"ssh": "/usr/bin/ssh", "kubectl": "/usr/local/bin/kubectl"}))
	results := checker.CheckAll(context.Background(), DefaultPrerequisites(session.Tools{}))

	if !results[0].Found || results[0].Path != "/usr/bin/ssh" {
		t.Errorf("ssh result = %+v", results[0])
	}
	// ssh prints its version on stderr
	if results[0].Version != "OpenSSH_9.6p1, LibreSSL 3.3.6" {
		t.Errorf("ssh version = %q", results[0].Version)
	}
	if results[1].Version != "Client Version: v1.30.2" {
		t.Errorf("kubectl version = %q", results[1].Version)
	}
}

func TestCheck_NotFound(t *testing.T) {
	checker := NewChecker(mockTools(nil))
	result := checker.Check(context.Background(), Prerequisite{Name: "ssh", Required: true})

	if result.Found || result.Path != "" {
		t.Errorf("result = %+v, want not found", result)
	}
	if result.Error == nil {
		t.Error("Check should return error for a missing command")
	}
}

func TestCheck_VersionFailureIsNotFatal(t *testing.T) {
	mock := exec.NewMockExecutor()
	mock.SetPath("kubectl", "/usr/local/bin/kubectl")
	mock.AddPrefixMatch("/usr/local/bin/kubectl", nil, exec.MockResponse{Err: errors.New("exit status 1")})

	result := NewChecker(mock).Check(context.Background(), Prerequisite{Name: "kubectl", VersionArgs: []string{"version", "--client"}})
	if !result.Found || result.Version != "" {
		t.Errorf("result = %+v", result)
	}
}

func TestCheck_RealExecutor(t *testing.T) {
	result := NewChecker(exec.NewRealExecutor()).Check(context.Background(), Prerequisite{Name: "sh"})
	if !result.Found {
		t.Skip("sh not found in PATH, skipping test")
	}
	if result.Path == "" {
		t.Error("Check should return path for found command")
	}
}

func TestValidateFor(t *testing.T) {
	prereqs := DefaultPrerequisites(session.Tools{})
	checker := NewChecker(mockTools(map[string]string{"ssh": "/usr/bin/ssh"}))
	ctx := context.Background()

	tests := []struct {
		kind    session.Kind
		wantErr bool
	}{
		{session.KindSSH, false},
		{session.KindSOCKS5, false},
		{session.KindKubectl, true},
	}
	for _, tt := range tests {
		err := checker.ValidateFor(ctx, prereqs, tt.kind)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateFor(%s) = %v, wantErr %v", tt.kind, err, tt.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "kubectl") {
			t.Errorf("error should name the missing tool: %v", err)
		}
	}
}

func TestFormatCheckResults(t *testing.T) {
	results := []CheckResult{
		{
			Prerequisite: Prerequisite{Name: "ssh", Required: true, Description: "OpenSSH client"},
			Found:        true,
			Path:         "/usr/bin/ssh",
			Version:      "OpenSSH_9.6p1",
		},
		{
			Prerequisite: Prerequisite{Name: "missing-required", Required: true},
		},
		{
			Prerequisite: Prerequisite{Name: "kubectl", Required: false},
		},
	}

	output := FormatCheckResults(results)

	for _, want := range []string{"CLI Prerequisites", "ssh (OpenSSH_9.6p1)", "✓", "✗ missing-required [REQUIRED]", "○ kubectl [optional]"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestFormatCheckResults_Empty(t *testing.T) {
	output := FormatCheckResults([]CheckResult{})

	if !strings.Contains(output, "CLI Prerequisites") {
		t.Error("Empty results should still contain header")
	}
}
