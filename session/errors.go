package session

import "errors"

var (
	// ErrStoreCorrupt means the persisted session document could not be parsed.
	// It is surfaced to the user; the document is never rewritten over it.
	ErrStoreCorrupt = errors.New("session store corrupt")

	// ErrSpawnFailed means the tunnel binary is missing or the OS refused to
	// create the process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrPortInUse means the tunnel exited during startup and its output
	// looked like a bind failure. Best-effort classification.
	ErrPortInUse = errors.New("local port in use")

	// ErrExitedEarly means the tunnel exited inside the start grace window
	// for a reason other than a recognized bind failure.
	ErrExitedEarly = errors.New("process exited during startup")

	// ErrProcessVanished means a tracked process is gone and no stop was requested.
	ErrProcessVanished = errors.New("process vanished")

	// ErrIdentityMismatch means a recorded pid now belongs to a different
	// process (start time differs). It is handled as ErrProcessVanished.
	ErrIdentityMismatch = errors.New("process identity mismatch")

	ErrNotFound       = errors.New("session not found")
	ErrDuplicateName  = errors.New("session name already in use")
	ErrInvalidSession = errors.New("invalid session")
)
