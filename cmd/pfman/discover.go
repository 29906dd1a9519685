package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/suggest"
)

var hostsCmd = &cobra.Command{
	Use:     "hosts [QUERY]",
	GroupID: groupDiag,
	Short:   "List hosts from ~/.ssh/config",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := suggest.NewSSHConfig("").Hosts(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			hosts = suggest.FilterHosts(hosts, args[0])
		}
		out := cmd.OutOrStdout()
		if len(hosts) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("No hosts found."))
			return nil
		}
		for _, h := range hosts {
			fmt.Fprintln(out, h.DisplayName())
		}
		return nil
	},
}

var contextsNamespaces bool

var contextsCmd = &cobra.Command{
	Use:     "contexts",
	GroupID: groupDiag,
	Short:   "List kubectl contexts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		k := kubectl()
		contexts, err := k.Contexts(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range contexts {
			mark := " "
			if c.Current {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s\n", mark, c.DisplayName())
			if !contextsNamespaces {
				continue
			}
			namespaces, err := k.Namespaces(ctx, c.Name)
			if err != nil {
				fmt.Fprintln(out, mutedStyle.Render("    unreachable"))
				continue
			}
			for _, ns := range namespaces {
				fmt.Fprintf(out, "    %s\n", ns)
			}
		}
		return nil
	},
}

func init() {
	contextsCmd.Flags().BoolVar(&contextsNamespaces, "namespaces", false, "Also list each context's namespaces")
	rootCmd.AddCommand(hostsCmd, contextsCmd)
}
