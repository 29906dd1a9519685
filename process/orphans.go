package process

import (
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zhubert/pfman/logger"
)

// TunnelProcess is a tunnel-shaped process found in the OS process table.
type TunnelProcess struct {
	PID     int
	Command string
}

// tunnelPatterns match the argument vectors pfman builds.
var tunnelPatterns = []string{
	"ssh .*ExitOnForwardFailure=yes",
	"kubectl .*port-forward",
}

// FindTunnels lists ssh and kubectl processes that look like pfman tunnels.
func FindTunnels() ([]TunnelProcess, error) {
	log := logger.WithComponent("process")
	seen := make(map[int]bool)
	var found []TunnelProcess

	for _, pattern := range tunnelPatterns {
		output, err := exec.Command("pgrep", "-f", pattern).Output()
		if err != nil {
			// pgrep exits 1 when nothing matches
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
				continue
			}
			return nil, err
		}

		for _, field := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(field)
			if err != nil || seen[pid] {
				continue
			}
			args, err := exec.Command("ps", "-p", field, "-o", "args=").Output()
			if err != nil {
				continue
			}
			command := strings.TrimSpace(string(args))
			if !IsTunnelCommand(command) {
				continue
			}
			seen[pid] = true
			found = append(found, TunnelProcess{PID: pid, Command: command})
		}
	}

	log.Debug("found tunnel processes", "count", len(found))
	return found, nil
}

// IsTunnelCommand reports whether a command line looks like one pfman spawns.
func IsTunnelCommand(cmdLine string) bool {
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return false
	}
	bin := fields[0]
	if i := strings.LastIndexByte(bin, '/'); i >= 0 {
		bin = bin[i+1:]
	}
	switch bin {
	case "ssh":
		return strings.Contains(cmdLine, "ExitOnForwardFailure=yes") &&
			(hasFlag(fields, "-L") || hasFlag(fields, "-R") || hasFlag(fields, "-D"))
	case "kubectl":
		return hasFlag(fields, "port-forward")
	}
	return false
}

func hasFlag(fields []string, flag string) bool {
	for _, f := range fields[1:] {
		if f == flag {
			return true
		}
	}
	return false
}

// FindUntracked returns tunnel processes whose pid is not in tracked.
func FindUntracked(tracked map[int]bool) ([]TunnelProcess, error) {
	all, err := FindTunnels()
	if err != nil {
		return nil, err
	}
	log := logger.WithComponent("process")
	var untracked []TunnelProcess
	for _, p := range all {
		if !tracked[p.PID] {
			untracked = append(untracked, p)
			log.Info("found untracked tunnel process", "pid", p.PID, "command", p.Command)
		}
	}
	return untracked, nil
}
