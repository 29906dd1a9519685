//go:build unix && !linux && !darwin

package process

import "time"

// StartTime is not implemented here; identity checks fall back to existence.
func StartTime(pid int) (time.Time, error) {
	return time.Time{}, ErrUnsupported
}

func zombie(pid int) bool { return false }
