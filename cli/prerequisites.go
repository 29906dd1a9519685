// Package cli checks that the external tools pfman drives are installed.
package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/zhubert/pfman/exec"
	"github.com/zhubert/pfman/session"
)

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string         // Command name or configured path (e.g., "ssh")
	Kinds       []session.Kind // Session kinds that need the tool
	Required    bool           // Whether pfman is useless without it
	Description string         // Human-readable description
	InstallURL  string         // URL for installation instructions
	VersionArgs []string       // Arguments that print a version line
}

// DefaultPrerequisites returns the tools pfman spawns for tunnels. Empty
// fields of tools mean the binary is looked up in PATH.
func DefaultPrerequisites(tools session.Tools) []Prerequisite {
	ssh, kubectl := "ssh", "kubectl"
	if tools.SSH != "" {
		ssh = tools.SSH
	}
	if tools.Kubectl != "" {
		kubectl = tools.Kubectl
	}
	return []Prerequisite{
		{
			Name:        ssh,
			Kinds:       []session.Kind{session.KindSSH, session.KindSOCKS5},
			Required:    true,
			Description: "OpenSSH client",
			InstallURL:  "https://www.openssh.com",
			VersionArgs: []string{"-V"},
		},
		{
			Name:        kubectl,
			Kinds:       []session.Kind{session.KindKubectl},
			Required:    false, // Only needed for kubectl sessions
			Description: "Kubernetes CLI (optional, for kubectl sessions)",
			InstallURL:  "https://kubernetes.io/docs/tasks/tools/",
			VersionArgs: []string{"version", "--client"},
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Checker looks tools up through an executor so tests need no real binaries.
type Checker struct {
	exec exec.CommandExecutor
}

// NewChecker returns a Checker using e, or the default executor if e is nil.
func NewChecker(e exec.CommandExecutor) *Checker {
	if e == nil {
		e = exec.GetDefaultExecutor()
	}
	return &Checker{exec: e}
}

// Check verifies that a CLI tool is available
func (c *Checker) Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := c.exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = c.version(ctx, path, prereq.VersionArgs)
	return result
}

// CheckAll verifies all prerequisites and returns results
func (c *Checker) CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = c.Check(ctx, prereq)
	}
	return results
}

// ValidateFor checks that the tool for kind is available. Returns nil if it
// is, otherwise an error describing what is missing.
func (c *Checker) ValidateFor(ctx context.Context, prereqs []Prerequisite, kind session.Kind) error {
	var missing []string

	for _, prereq := range prereqs {
		if !slices.Contains(prereq.Kinds, kind) {
			continue
		}
		if result := c.Check(ctx, prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing CLI tools for %s sessions:\n%s", kind.Label(), strings.Join(missing, "\n"))
	}
	return nil
}

// version returns the first line a tool prints for its version flags. ssh
// prints it on stderr, so combined output is used.
func (c *Checker) version(ctx context.Context, path string, args []string) string {
	if len(args) == 0 {
		return ""
	}
	output, err := c.exec.CombinedOutput(ctx, path, args...)
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
