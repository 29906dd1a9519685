//go:build darwin

package process

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// szomb is p_stat of a process that exited and awaits its parent's wait.
const szomb = 5

// StartTime returns when pid was started, from the kern.proc.pid sysctl.
func StartTime(pid int) (time.Time, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return time.Time{}, fmt.Errorf("sysctl kern.proc.pid %d: %w", pid, err)
	}
	if int(kp.Proc.P_pid) != pid {
		return time.Time{}, fmt.Errorf("pid %d: no such process", pid)
	}
	tv := kp.Proc.P_starttime
	return time.Unix(int64(tv.Sec), int64(tv.Usec)*int64(time.Microsecond)), nil
}

// zombie reports whether pid has exited but not been reaped by its parent.
func zombie(pid int) bool {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil || int(kp.Proc.P_pid) != pid {
		return false
	}
	return kp.Proc.P_stat == szomb
}
