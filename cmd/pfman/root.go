package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/config"
	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/store"
	"github.com/zhubert/pfman/supervisor"
)

var (
	debugFlag bool
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pfman",
	Short: "Manage ssh and kubectl port-forwarding tunnels",
	Long: `pfman keeps a list of named port-forwarding sessions (ssh -L/-R,
ssh SOCKS5 proxies and kubectl port-forward) and runs them as detached
background processes that survive pfman itself.

Run "pfman supervise" to watch running tunnels and restart the ones that
crash.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Command group IDs
const (
	groupSessions = "sessions"
	groupControl  = "control"
	groupDiag     = "diag"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: groupSessions, Title: "Sessions:"},
		&cobra.Group{ID: groupControl, Title: "Tunnels:"},
		&cobra.Group{ID: groupDiag, Title: "Diagnostics:"},
	)
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Log at debug level")
}

// setup loads settings and opens the pfman log before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	cfg = c

	path, err := logger.DefaultLogPath()
	if err != nil {
		return err
	}
	if err := logger.Init(path); err != nil {
		return err
	}
	logger.SetDebug(cfg.Debug || debugFlag)
	return nil
}

// execute runs the root command and returns an exit code.
func execute() int {
	defer logger.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// withSupervisor runs fn against a supervisor that has reconciled every
// session. Tunnels keep running after the command returns.
func withSupervisor(cmd *cobra.Command, fn func(ctx context.Context, sup *supervisor.Supervisor) error) error {
	ctx := cmd.Context()
	sup, err := supervisor.Open(ctx, cfg, supervisor.Options{})
	if err != nil {
		return err
	}
	defer sup.Close()
	if err := sup.Init(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return fn(ctx, sup)
}

// resolve maps references given on the command line to sessions.
func resolve(ctx context.Context, sup *supervisor.Supervisor, refs []string) ([]session.Session, error) {
	sessions := make([]session.Session, 0, len(refs))
	for _, ref := range refs {
		sess, err := sup.Find(ctx, ref)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// completeSessions offers session names for commands taking references.
func completeSessions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	st, err := store.Open()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	sessions, err := st.Load(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	names := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		names = append(names, sess.Name)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
