// Package exec runs the short-lived helper commands pfman needs besides the
// tunnels themselves: kubectl queries for completion and version probes for
// the prerequisite check. Tunnel processes are spawned by package process,
// never through here.
//
// Production code uses RealExecutor; tests inject a MockExecutor that returns
// pre-recorded responses.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a helper command when the caller's context has no
// deadline, so a hung kubectl cannot stall the CLI.
const DefaultTimeout = 10 * time.Second

// CommandExecutor abstracts helper command execution for testability.
type CommandExecutor interface {
	// Output runs a command and returns stdout. A failed command yields a
	// *CommandError carrying stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// CombinedOutput runs a command and returns stdout and stderr together.
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)

	// LookPath resolves a command name the way the tunnel spawner will.
	LookPath(name string) (string, error)
}

// CommandError is a failed helper command.
type CommandError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// RealExecutor executes commands using os/exec.
type RealExecutor struct {
	Timeout time.Duration
}

// NewRealExecutor returns a RealExecutor with DefaultTimeout.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{Timeout: DefaultTimeout}
}

func (e *RealExecutor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.Timeout)
}

// Output executes a command and returns stdout.
func (e *RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Name: name, Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return out, nil
}

// CombinedOutput executes a command and returns combined stdout and stderr.
func (e *RealExecutor) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, &CommandError{Name: name, Args: args, Err: err}
	}
	return out, nil
}

// LookPath wraps exec.LookPath.
func (e *RealExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(name string, args []string) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Name string
	Args []string
}

// MockExecutor returns pre-recorded responses for commands.
// Commands are matched in order of rule registration; unmatched commands
// succeed with no output.
type MockExecutor struct {
	mu    sync.RWMutex
	rules []MockRule
	calls []MockCall
	paths map[string]string
}

// NewMockExecutor creates an empty MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{paths: make(map[string]string)}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, response)
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(n string, a []string) bool {
		return n == name && len(a) >= len(prefixArgs) && slices.Equal(a[:len(prefixArgs)], prefixArgs)
	}, response)
}

// SetPath makes LookPath resolve name to path. Names never set are not found.
func (e *MockExecutor) SetPath(name, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[name] = path
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.calls)
}

func (e *MockExecutor) respond(name string, args []string) MockResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Name: name, Args: slices.Clone(args)})
	for _, rule := range e.rules {
		if rule.Match(name, args) {
			return rule.Response
		}
	}
	return MockResponse{}
}

// Output returns the matching response's stdout.
func (e *MockExecutor) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	resp := e.respond(name, args)
	if resp.Err != nil {
		return resp.Stdout, &CommandError{Name: name, Args: args, Stderr: string(resp.Stderr), Err: resp.Err}
	}
	return resp.Stdout, nil
}

// CombinedOutput returns the matching response's stdout and stderr.
func (e *MockExecutor) CombinedOutput(_ context.Context, name string, args ...string) ([]byte, error) {
	resp := e.respond(name, args)
	combined := append(slices.Clone(resp.Stdout), resp.Stderr...)
	if resp.Err != nil {
		return combined, &CommandError{Name: name, Args: args, Err: resp.Err}
	}
	return combined, nil
}

// LookPath resolves names registered with SetPath.
func (e *MockExecutor) LookPath(name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.paths[name]; ok {
		return p, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

var (
	_ CommandExecutor = (*RealExecutor)(nil)
	_ CommandExecutor = (*MockExecutor)(nil)
)

// defaultExecutorMu protects defaultExecutor for concurrent access.
var defaultExecutorMu sync.RWMutex

// defaultExecutor is the global default executor (can be swapped for testing).
var defaultExecutor CommandExecutor = NewRealExecutor()

// GetDefaultExecutor returns the global default executor.
func GetDefaultExecutor() CommandExecutor {
	defaultExecutorMu.RLock()
	defer defaultExecutorMu.RUnlock()
	return defaultExecutor
}

// SetDefaultExecutor sets the global default executor.
func SetDefaultExecutor(e CommandExecutor) {
	defaultExecutorMu.Lock()
	defer defaultExecutorMu.Unlock()
	defaultExecutor = e
}
