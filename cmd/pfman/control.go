package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/cli"
	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/supervisor"
)

var stopAll bool

var startCmd = &cobra.Command{
	Use:               "start SESSION...",
	GroupID:           groupControl,
	Short:             "Start tunnels",
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completeSessions,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			sessions, err := resolve(ctx, sup, args)
			if err != nil {
				return err
			}
			var errs []error
			for _, sess := range sessions {
				if err := startAndReport(ctx, cmd, sup, sess); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	},
}

// startAndReport starts one session and prints the outcome. A spawn failure
// is annotated with the prerequisite check for the session's tool.
func startAndReport(ctx context.Context, cmd *cobra.Command, sup *supervisor.Supervisor, sess session.Session) error {
	st, err := sup.Start(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrSpawnFailed) {
			checker := cli.NewChecker(nil)
			if perr := checker.ValidateFor(ctx, cli.DefaultPrerequisites(cfg.SessionTools()), sess.Kind); perr != nil {
				return fmt.Errorf("%w\n%v", err, perr)
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (pid %d, %s)\n",
		stateStyle(st.State).Render("Started"), sess.Name, st.PID, sess.PortMapping())
	return nil
}

var stopCmd = &cobra.Command{
	Use:               "stop [SESSION...]",
	GroupID:           groupControl,
	Short:             "Stop tunnels",
	ValidArgsFunction: completeSessions,
	RunE: func(cmd *cobra.Command, args []string) error {
		if stopAll == (len(args) > 0) {
			return fmt.Errorf("give session names or --all")
		}
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			if stopAll {
				if err := sup.StopAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped all sessions")
				return nil
			}
			sessions, err := resolve(ctx, sup, args)
			if err != nil {
				return err
			}
			var errs []error
			for _, sess := range sessions {
				if _, err := sup.Stop(ctx, sess.ID); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", stateStyle(session.StateStopped).Render("Stopped"), sess.Name)
			}
			return errors.Join(errs...)
		})
	},
}

var restartCmd = &cobra.Command{
	Use:               "restart SESSION...",
	GroupID:           groupControl,
	Short:             "Restart tunnels, picking up edited settings",
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completeSessions,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			sessions, err := resolve(ctx, sup, args)
			if err != nil {
				return err
			}
			var errs []error
			for _, sess := range sessions {
				st, err := sup.Restart(ctx, sess.ID)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (pid %d)\n", stateStyle(st.State).Render("Restarted"), sess.Name, st.PID)
			}
			return errors.Join(errs...)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:               "status [SESSION]",
	GroupID:           groupControl,
	Short:             "Verify tunnels against the OS and show their status",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeSessions,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			views, err := sup.Reconcile(ctx)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(views))
				return nil
			}
			sess, err := sup.Find(ctx, args[0])
			if err != nil {
				return err
			}
			st, err := sup.Status(ctx, sess.ID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderDetail(supervisor.View{Session: sess, Status: st}, time.Now()))
			return nil
		})
	},
}

func init() {
	stopCmd.Flags().BoolVarP(&stopAll, "all", "a", false, "Stop every session")
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd)
}
