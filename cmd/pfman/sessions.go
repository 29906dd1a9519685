package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/suggest"
	"github.com/zhubert/pfman/supervisor"
)

// sessionFlags holds the flags shared by add and edit. Only flags the user
// set are applied, so edit leaves everything else untouched.
type sessionFlags struct {
	name        string
	host        string
	user        string
	identity    string
	remoteHost  string
	reverse     bool
	kubeContext string
	namespace   string
	resource    string
	local       int
	remote      int
	bind        string
	retry       bool
	maxAttempts int
	start       bool
}

func bindCommonFlags(cmd *cobra.Command, f *sessionFlags) {
	cmd.Flags().IntVarP(&f.local, "local", "l", 0, "Local port")
	cmd.Flags().StringVar(&f.bind, "bind", "", "Address to bind the listening port to")
	cmd.Flags().BoolVar(&f.retry, "retry", false, "Restart the tunnel automatically after a crash")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Retry attempts per window (default from settings)")
}

func bindSSHFlags(cmd *cobra.Command, f *sessionFlags, forward bool) {
	cmd.Flags().StringVar(&f.host, "host", "", "SSH destination (alias from ~/.ssh/config or host name)")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "SSH user")
	cmd.Flags().StringVarP(&f.identity, "identity", "i", "", "SSH identity file")
	_ = cmd.RegisterFlagCompletionFunc("host", completeHosts)
	if forward {
		cmd.Flags().StringVar(&f.remoteHost, "remote-host", "", "Forward destination as seen from the SSH host (default localhost)")
		cmd.Flags().BoolVar(&f.reverse, "reverse", false, "Forward a remote port back to this machine (-R)")
	}
}

func bindKubectlFlags(cmd *cobra.Command, f *sessionFlags) {
	cmd.Flags().StringVar(&f.kubeContext, "context", "", "kubectl context (default: current context)")
	cmd.Flags().StringVarP(&f.namespace, "namespace", "n", "", "Namespace")
	cmd.Flags().StringVar(&f.resource, "resource", "", `Resource to forward to, e.g. "svc/api" or a pod name`)
	_ = cmd.RegisterFlagCompletionFunc("context", completeKubeContexts)
	_ = cmd.RegisterFlagCompletionFunc("namespace", completeNamespaces)
	_ = cmd.RegisterFlagCompletionFunc("resource", completeTargets)
}

func bindRemoteFlag(cmd *cobra.Command, f *sessionFlags) {
	cmd.Flags().IntVarP(&f.remote, "remote", "r", 0, "Remote port (on the SSH side or the Kubernetes resource)")
}

func (f *sessionFlags) apply(cmd *cobra.Command, sess *session.Session) {
	changed := cmd.Flags().Changed
	if changed("name") {
		sess.Name = strings.TrimSpace(f.name)
	}
	if changed("host") {
		sess.Host = f.host
	}
	if changed("user") {
		sess.User = f.user
	}
	if changed("identity") {
		sess.IdentityFile = f.identity
	}
	if changed("remote-host") {
		sess.RemoteHost = f.remoteHost
	}
	if changed("reverse") {
		sess.Reverse = f.reverse
	}
	if changed("context") {
		sess.Context = f.kubeContext
	}
	if changed("namespace") {
		sess.Namespace = f.namespace
	}
	if changed("resource") {
		sess.SetResource(f.resource)
	}
	if changed("local") {
		sess.LocalPort = f.local
	}
	if changed("remote") {
		sess.RemotePort = f.remote
	}
	if changed("bind") {
		sess.BindAddress = f.bind
	}
	if changed("retry") {
		sess.Retry.Enabled = f.retry
	}
	if changed("max-attempts") {
		sess.Retry.MaxAttempts = f.maxAttempts
	}
}

// extraArgs returns the arguments given after "--", passed to the tunnel
// tool verbatim.
func extraArgs(cmd *cobra.Command, args []string) ([]string, bool) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return nil, false
	}
	return args[dash:], true
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: groupSessions,
	Short:   "List sessions with their cached status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			views, err := sup.List(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(views))
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:     "add",
	GroupID: groupSessions,
	Short:   "Create a session",
	Long: `Create a session. Arguments after "--" are passed to ssh or kubectl
as-is, e.g.

  pfman add ssh db --host bastion -l 5432 -r 5432 --remote-host db.internal
  pfman add kubectl api --context prod -n web --resource svc/api -l 8080 -r 80
  pfman add socks5 proxy --host bastion -l 1080 -- -C`,
}

func newAddCommand(kind session.Kind, short string) *cobra.Command {
	f := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   string(kind) + " NAME [-- EXTRA_ARGS...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, ok := extraArgs(cmd, args)
			if (ok && cmd.ArgsLenAtDash() != 1) || (!ok && len(args) != 1) {
				return fmt.Errorf("expected exactly one NAME before --")
			}
			sess := session.New(args[0], kind)
			sess.ExtraArgs = extra
			f.apply(cmd, &sess)

			return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
				created, err := sup.Create(ctx, sess)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s (%s)\n", kind.Label(), created.Name, created.PortMapping())
				if !f.start {
					return nil
				}
				return startAndReport(ctx, cmd, sup, created)
			})
		},
	}
	bindCommonFlags(cmd, f)
	switch kind {
	case session.KindSSH:
		bindSSHFlags(cmd, f, true)
		bindRemoteFlag(cmd, f)
	case session.KindSOCKS5:
		bindSSHFlags(cmd, f, false)
	case session.KindKubectl:
		bindKubectlFlags(cmd, f)
		bindRemoteFlag(cmd, f)
	}
	cmd.Flags().BoolVar(&f.start, "start", false, "Start the tunnel right away")
	return cmd
}

func newEditCommand() *cobra.Command {
	f := &sessionFlags{}
	cmd := &cobra.Command{
		Use:               "edit SESSION [-- EXTRA_ARGS...]",
		GroupID:           groupSessions,
		Short:             "Change a session; a running tunnel picks it up on its next start",
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completeSessions,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, hasExtra := extraArgs(cmd, args)
			return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
				sess, err := sup.Find(ctx, args[0])
				if err != nil {
					return err
				}
				updated, err := sup.Update(ctx, sess.ID, func(s *session.Session) error {
					f.apply(cmd, s)
					if hasExtra {
						s.ExtraArgs = extra
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", updated.Name)
				if st, err := sup.Status(ctx, updated.ID); err == nil && st.State.HasProcess() {
					fmt.Fprintf(cmd.OutOrStdout(), "Run \"pfman restart %s\" to apply the changes\n", updated.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "New display name")
	bindCommonFlags(cmd, f)
	bindSSHFlags(cmd, f, true)
	bindKubectlFlags(cmd, f)
	bindRemoteFlag(cmd, f)
	return cmd
}

var rmCmd = &cobra.Command{
	Use:               "rm SESSION...",
	Aliases:           []string{"delete"},
	GroupID:           groupSessions,
	Short:             "Stop and delete sessions",
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completeSessions,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			sessions, err := resolve(ctx, sup, args)
			if err != nil {
				return err
			}
			for _, sess := range sessions {
				if err := sup.Delete(ctx, sess.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", sess.Name)
			}
			return nil
		})
	},
}

func init() {
	addCmd.AddCommand(
		newAddCommand(session.KindSSH, "Forward a port over ssh (-L, or -R with --reverse)"),
		newAddCommand(session.KindKubectl, "Forward a port to a Kubernetes pod or service"),
		newAddCommand(session.KindSOCKS5, "Run a SOCKS5 proxy over ssh (-D)"),
	)
	rootCmd.AddCommand(listCmd, addCmd, newEditCommand(), rmCmd)
}

func completeHosts(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	hosts, err := suggest.NewSSHConfig("").Hosts(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, h := range suggest.FilterHosts(hosts, toComplete) {
		out = append(out, h.Name+"\t"+h.DisplayName())
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func kubectl() *suggest.Kubectl {
	path := ""
	if cfg != nil {
		path = cfg.SessionTools().Kubectl
	}
	return suggest.NewKubectl(nil, path)
}

func completeKubeContexts(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	contexts, err := kubectl().Contexts(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, c := range contexts {
		out = append(out, c.Name+"\t"+c.Cluster)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func completeNamespaces(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	kubeContext, _ := cmd.Flags().GetString("context")
	namespaces, err := kubectl().Namespaces(cmd.Context(), kubeContext)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return namespaces, cobra.ShellCompDirectiveNoFileComp
}

func completeTargets(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	kubeContext, _ := cmd.Flags().GetString("context")
	namespace, _ := cmd.Flags().GetString("namespace")
	targets, err := kubectl().Targets(cmd.Context(), kubeContext, namespace)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, t := range suggest.FilterTargets(targets, toComplete) {
		out = append(out, t.Resource()+"\t"+t.DisplayName())
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
