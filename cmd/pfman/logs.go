package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/logs"
	"github.com/zhubert/pfman/supervisor"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:               "logs SESSION",
	GroupID:           groupControl,
	Short:             "Show a session's tunnel output",
	Long:              "Show the captured output of a session's tunnel. With -f, keep printing new output until the tunnel stops.",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeSessions,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			sess, err := sup.Find(ctx, args[0])
			if err != nil {
				return err
			}

			lines, err := sup.Tail(ctx, sess.ID, logsLines, logsFollow)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for line, err := range lines {
				if err != nil {
					return err
				}
				if logs.IsMarker(line) {
					line = markerStyle.Render(line)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow output while the tunnel runs")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 0, "Show only the last N lines (0 for all)")
	rootCmd.AddCommand(logsCmd)
}
