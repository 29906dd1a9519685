package session

import (
	"strconv"
)

// Tools names the external binaries used to run tunnels. Empty fields fall
// back to the binary name resolved through PATH.
type Tools struct {
	SSH     string
	Kubectl string
}

func (t Tools) ssh() string {
	if t.SSH != "" {
		return t.SSH
	}
	return "ssh"
}

func (t Tools) kubectl() string {
	if t.Kubectl != "" {
		return t.Kubectl
	}
	return "kubectl"
}

// DefaultRemoteHost is the forward destination used when RemoteHost is empty.
const DefaultRemoteHost = "localhost"

// Command returns the binary and argument vector that runs the session's tunnel.
//
//	ssh     -N -o ExitOnForwardFailure=yes [-i ID] [-l USER] -L [BIND:]LOCAL:RHOST:REMOTE [EXTRA...] HOST
//	ssh -R  -N -o ExitOnForwardFailure=yes [-i ID] [-l USER] -R [BIND:]REMOTE:RHOST:LOCAL [EXTRA...] HOST
//	socks5  -N -o ExitOnForwardFailure=yes [-i ID] [-l USER] -D [BIND:]LOCAL [EXTRA...] HOST
//	kubectl [--context CTX] [--namespace NS] port-forward [--address BIND] RESOURCE LOCAL:REMOTE [EXTRA...]
//
// Extra arguments always precede the SSH destination: anything after the host
// would be run as a remote command.
func (s *Session) Command(tools Tools) (string, []string) {
	switch s.Kind {
	case KindKubectl:
		return tools.kubectl(), s.kubectlArgs()
	case KindSOCKS5:
		return tools.ssh(), s.sshArgs("-D", withBind(s.BindAddress, strconv.Itoa(s.LocalPort)))
	default:
		rhost := s.RemoteHost
		if rhost == "" {
			rhost = DefaultRemoteHost
		}
		if s.Reverse {
			spec := strconv.Itoa(s.RemotePort) + ":" + rhost + ":" + strconv.Itoa(s.LocalPort)
			return tools.ssh(), s.sshArgs("-R", withBind(s.BindAddress, spec))
		}
		spec := strconv.Itoa(s.LocalPort) + ":" + rhost + ":" + strconv.Itoa(s.RemotePort)
		return tools.ssh(), s.sshArgs("-L", withBind(s.BindAddress, spec))
	}
}

func (s *Session) sshArgs(flag, spec string) []string {
	// -N: no remote command. ExitOnForwardFailure makes a bind failure fatal
	// instead of a warning, so it surfaces as an early exit.
	args := []string{"-N", "-o", "ExitOnForwardFailure=yes"}
	if s.IdentityFile != "" {
		args = append(args, "-i", s.IdentityFile)
	}
	if s.User != "" {
		args = append(args, "-l", s.User)
	}
	args = append(args, flag, spec)
	args = append(args, s.ExtraArgs...)
	return append(args, s.Host)
}

func (s *Session) kubectlArgs() []string {
	var args []string
	if s.Context != "" {
		args = append(args, "--context", s.Context)
	}
	if s.Namespace != "" {
		args = append(args, "--namespace", s.Namespace)
	}
	args = append(args, "port-forward")
	if s.BindAddress != "" {
		args = append(args, "--address", s.BindAddress)
	}
	args = append(args, s.Resource(), strconv.Itoa(s.LocalPort)+":"+strconv.Itoa(s.RemotePort))
	return append(args, s.ExtraArgs...)
}

func withBind(bind, spec string) string {
	if bind == "" {
		return spec
	}
	return bind + ":" + spec
}

// ReadinessMarker returns the output prefix that signals a ready tunnel, or
// "" when the tool prints nothing on success and readiness is judged by the
// process surviving the grace window.
func (s *Session) ReadinessMarker() string {
	if s.Kind == KindKubectl {
		return "Forwarding from"
	}
	return ""
}
