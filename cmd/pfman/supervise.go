package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/hooks"
	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/paths"
	"github.com/zhubert/pfman/supervisor"
)

var superviseQuiet bool

var superviseCmd = &cobra.Command{
	Use:     "supervise",
	GroupID: groupControl,
	Short:   "Watch running tunnels and restart the ones that crash",
	Long: `Run the supervisor in the foreground. It adopts tunnels started by
earlier pfman invocations, records crashes and restarts sessions whose retry
policy allows it. Only one supervisor runs at a time.

Stopping the supervisor leaves the tunnels running.`,
	Args: cobra.NoArgs,
	RunE: runSupervise,
}

func init() {
	superviseCmd.Flags().BoolVarP(&superviseQuiet, "quiet", "q", false, "Do not print status changes")
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	lockPath, err := paths.SupervisorLockPath()
	if err != nil {
		return err
	}
	lock, err := supervisor.LockInstance(lockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	sup, err := supervisor.Open(ctx, cfg, supervisor.Options{Daemon: true})
	if err != nil {
		return err
	}
	defer sup.Close()

	events, unsubscribe := sup.Subscribe()
	defer unsubscribe()

	if err := sup.Init(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	log := logger.WithComponent("supervise")
	log.Info("supervisor running", "lock", lockPath)

	views, err := sup.List(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(views))
	for _, v := range views {
		names[v.Session.ID] = v.Session.Name
	}
	hookCfg := cfg.HookSettings()
	var hookRuns sync.WaitGroup
	defer hookRuns.Wait()
	out := cmd.OutOrStdout()
	if !superviseQuiet {
		fmt.Fprintln(out, renderTable(views))
		fmt.Fprintln(out, mutedStyle.Render("Supervising; press Ctrl-C to stop (tunnels keep running)."))
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("supervisor stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			name, known := names[ev.SessionID]
			if !known {
				// Created by another pfman since startup
				if sess, err := sup.Find(ctx, ev.SessionID); err == nil {
					name = sess.Name
					names[ev.SessionID] = name
				} else {
					name = ev.SessionID
				}
			}
			if commands := hookCfg.For(ev.Status.State); len(commands) > 0 && !ev.Deleted {
				if sess, err := sup.Find(ctx, ev.SessionID); err == nil {
					hc := hooks.NewContext(sess, ev.Status)
					hookRuns.Add(1)
					go func() {
						defer hookRuns.Done()
						hooks.Run(ctx, commands, hc, hookCfg.Timeout.Duration, log)
					}()
				}
			}
			if superviseQuiet {
				continue
			}
			ts := mutedStyle.Render(ev.At.Local().Format(time.TimeOnly))
			if ev.Deleted {
				fmt.Fprintf(out, "%s %s deleted\n", ts, name)
				delete(names, ev.SessionID)
				continue
			}
			line := fmt.Sprintf("%s %s %s", ts, name, stateStyle(ev.Status.State).Render(string(ev.Status.State)))
			if ev.Err != nil {
				line += mutedStyle.Render(": " + ev.Err.Error())
			}
			fmt.Fprintln(out, line)
		}
	}
}
