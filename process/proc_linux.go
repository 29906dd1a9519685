//go:build linux

package process

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicks is USER_HZ. Every mainstream Linux build uses 100 and Go cannot
// query sysconf without cgo.
const clockTicks = 100

// StartTime returns when pid was started, from field 22 of /proc/<pid>/stat
// (ticks since boot) plus the boot time in /proc/stat.
func StartTime(pid int) (time.Time, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, err
	}
	ticks, err := parseStatStartTicks(data)
	if err != nil {
		return time.Time{}, fmt.Errorf("pid %d: %w", pid, err)
	}
	boot, err := bootTime()
	if err != nil {
		return time.Time{}, err
	}
	offset := time.Duration(ticks) * time.Second / clockTicks
	return boot.Add(offset), nil
}

// parseStatStartTicks extracts starttime from a /proc/<pid>/stat line. The
// command name (field 2) may contain spaces and parentheses, so fields are
// counted from the last ')'.
func parseStatStartTicks(stat []byte) (uint64, error) {
	fields, err := statFields(stat)
	if err != nil {
		return 0, err
	}
	// fields[0] is field 3 (state); starttime is field 22
	const idx = 22 - 3
	if len(fields) <= idx {
		return 0, fmt.Errorf("stat has %d fields after comm", len(fields))
	}
	return strconv.ParseUint(fields[idx], 10, 64)
}

// statFields returns the fields of a /proc/<pid>/stat line that follow the
// command name.
func statFields(stat []byte) ([]string, error) {
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 {
		return nil, fmt.Errorf("malformed stat")
	}
	fields := strings.Fields(string(stat[end+1:]))
	if len(fields) == 0 {
		return nil, fmt.Errorf("stat has no state field")
	}
	return fields, nil
}

// zombie reports whether pid has exited but not been reaped by its parent.
func zombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields, err := statFields(data)
	return err == nil && fields[0] == "Z"
}

func bootTime() (time.Time, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "btime "); ok {
			secs, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse btime: %w", err)
			}
			return time.Unix(secs, 0), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}
