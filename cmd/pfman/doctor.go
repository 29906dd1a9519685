package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/cli"
	"github.com/zhubert/pfman/paths"
	"github.com/zhubert/pfman/process"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/supervisor"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: groupDiag,
	Short:   "Check tools, files and stray tunnel processes",
	Args:    cobra.NoArgs,
	RunE:    runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	results := cli.NewChecker(nil).CheckAll(ctx, cli.DefaultPrerequisites(cfg.SessionTools()))
	fmt.Fprint(out, cli.FormatCheckResults(results))

	fmt.Fprintln(out, "\nFiles:")
	for _, f := range []struct {
		label string
		path  func() (string, error)
	}{
		{"sessions", paths.SessionsFilePath},
		{"settings", paths.SettingsFilePath},
		{"logs", paths.LogsDir},
		{"state", paths.StateDBPath},
	} {
		p, err := f.path()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-9s %s\n", f.label, p)
	}

	fmt.Fprintln(out, "\nSupervisor:")
	lockPath, err := paths.SupervisorLockPath()
	if err != nil {
		return err
	}
	if lock, err := supervisor.LockInstance(lockPath); err == nil {
		_ = lock.Unlock()
		fmt.Fprintln(out, mutedStyle.Render(`  not running (crashed tunnels are only restarted by "pfman supervise")`))
	} else if errors.Is(err, supervisor.ErrAlreadySupervised) {
		fmt.Fprintln(out, stateStyle(session.StateRunning).Render("  running"))
	} else {
		fmt.Fprintf(out, "  unknown: %v\n", err)
	}

	return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
		views, err := sup.Reconcile(ctx)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		tracked := make(map[int]bool)
		for _, v := range views {
			if v.Status.State.HasProcess() {
				tracked[v.Status.PID] = true
			}
		}
		stray, err := process.FindUntracked(tracked)
		if err != nil {
			return fmt.Errorf("scan processes: %w", err)
		}
		fmt.Fprintln(out, "\nUntracked tunnel processes:")
		if len(stray) == 0 {
			fmt.Fprintln(out, "  none")
			return nil
		}
		for _, p := range stray {
			fmt.Fprintf(out, "  %d  %s\n", p.PID, p.Command)
		}
		fmt.Fprintln(out, mutedStyle.Render("  These look like pfman tunnels that no session owns; stop them with kill(1) if they are stale."))
		return nil
	})
}
