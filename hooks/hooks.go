// Package hooks runs the user's shell commands when a session changes state.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhubert/pfman/session"
)

// maxOutput caps how much hook output is logged.
const maxOutput = 512

// waitDelay bounds how long output is still collected after a hook is
// killed, in case something outside its process group holds the pipe.
const waitDelay = time.Second

// Context describes the session a hook runs for.
type Context struct {
	SessionID string
	Name      string
	Kind      session.Kind
	State     session.State
	PID       int
	LocalPort int
	Target    string
	Error     string
}

// NewContext builds a hook context from a session and its status.
func NewContext(sess session.Session, st session.RuntimeStatus) Context {
	return Context{
		SessionID: sess.ID,
		Name:      sess.Name,
		Kind:      sess.Kind,
		State:     st.State,
		PID:       st.PID,
		LocalPort: sess.LocalPort,
		Target:    sess.Target(),
		Error:     st.Error,
	}
}

// envVars returns the hook context as environment variable pairs.
func (hc Context) envVars() []string {
	return []string{
		fmt.Sprintf("PFMAN_SESSION_ID=%s", hc.SessionID),
		fmt.Sprintf("PFMAN_SESSION_NAME=%s", hc.Name),
		fmt.Sprintf("PFMAN_KIND=%s", hc.Kind),
		fmt.Sprintf("PFMAN_STATE=%s", hc.State),
		fmt.Sprintf("PFMAN_PID=%d", hc.PID),
		fmt.Sprintf("PFMAN_LOCAL_PORT=%d", hc.LocalPort),
		fmt.Sprintf("PFMAN_TARGET=%s", hc.Target),
		fmt.Sprintf("PFMAN_ERROR=%s", hc.Error),
	}
}

// Run executes commands sequentially through sh -c, each bounded by timeout
// when it is positive. Errors are logged but do not stop later commands.
func Run(ctx context.Context, commands []string, hc Context, timeout time.Duration, log *slog.Logger) {
	for _, command := range commands {
		if strings.TrimSpace(command) == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		run(ctx, command, hc, timeout, log)
	}
}

func run(ctx context.Context, command string, hc Context, timeout time.Duration, log *slog.Logger) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), hc.envVars()...)
	// The hook gets its own process group so a timeout kills what it started too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn("hook failed",
			"command", command,
			"state", hc.State,
			"error", err,
			"output", truncate(output),
		)
		return
	}

	log.Debug("hook completed",
		"command", command,
		"state", hc.State,
		"output", truncate(output),
	)
}

func truncate(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
