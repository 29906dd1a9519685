// Package logs captures tunnel output into bounded per-session log files.
//
// A tunnel writes its raw stdout and stderr into a spool file (<id>.out).
// The collector drains the spool into the session log (<id>.log) one line at
// a time, rotating to <id>.log.1 when the log grows past its limit. Draining
// and markers happen under a per-session file lock so that only one pfman
// process writes a given log at a time. Readers open their own descriptors
// and never take that lock.
package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/zhubert/pfman/logger"
)

// ErrBusy is returned by Drain when another process holds the writer lock.
var ErrBusy = errors.New("log writer busy")

// OffsetStore persists how far each spool has been drained, so capture
// resumes at the right byte after pfman restarts.
type OffsetStore interface {
	SpoolOffset(ctx context.Context, sessionID string) (int64, error)
	SetSpoolOffset(ctx context.Context, sessionID string, offset int64) error
}

// Options configures a Collector. Zero values pick defaults.
type Options struct {
	MaxBytes      int64         // log size that triggers rotation
	SpoolMaxBytes int64         // drained spool size that triggers truncation
	TailInterval  time.Duration // follow-mode poll cadence
	Offsets       OffsetStore   // nil keeps offsets in memory
}

// Collector owns the log directory.
type Collector struct {
	dir  string
	opts Options

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	mu     sync.Mutex // serializes in-process writers before the file lock
	lock   *flock.Flock
	active atomic.Bool
}

// New returns a collector writing under dir.
func New(dir string, opts Options) *Collector {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 20
	}
	if opts.SpoolMaxBytes <= 0 {
		opts.SpoolMaxBytes = 4 << 20
	}
	if opts.TailInterval <= 0 {
		opts.TailInterval = 250 * time.Millisecond
	}
	if opts.Offsets == nil {
		opts.Offsets = &memOffsets{m: make(map[string]int64)}
	}
	return &Collector{dir: dir, opts: opts, sessions: make(map[string]*sessionLog)}
}

// Dir returns the log directory.
func (c *Collector) Dir() string { return c.dir }

// SpoolPath is where the tunnel process writes its raw output.
func (c *Collector) SpoolPath(id string) string { return filepath.Join(c.dir, id+".out") }

// LogPath is the current session log.
func (c *Collector) LogPath(id string) string { return filepath.Join(c.dir, id+".log") }

func (c *Collector) rotatedPath(id string) string { return c.LogPath(id) + ".1" }

func (c *Collector) get(id string) *sessionLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = &sessionLog{lock: flock.New(filepath.Join(c.dir, id+".lock"))}
		c.sessions[id] = s
	}
	return s
}

// Activate marks id as having a producer; followers keep waiting for output
// until Finish.
func (c *Collector) Activate(id string) {
	c.get(id).active.Store(true)
}

// Active reports whether a producer is attached to id.
func (c *Collector) Active(id string) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	return ok && s.active.Load()
}

// lockWriter takes the in-process mutex and the cross-process file lock. With
// wait false it gives up immediately if another process holds the file lock.
func (c *Collector) lockWriter(ctx context.Context, s *sessionLog, wait bool) (func(), error) {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s.mu.Lock()
	var locked bool
	var err error
	if wait {
		locked, err = s.lock.TryLockContext(ctx, 10*time.Millisecond)
	} else {
		locked, err = s.lock.TryLock()
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock log: %w", err)
	}
	if !locked {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

// Drain moves complete lines from the spool into the log. A trailing partial
// line stays in the spool until it is completed or Finish is called.
func (c *Collector) Drain(ctx context.Context, id string) error {
	s := c.get(id)
	unlock, err := c.lockWriter(ctx, s, false)
	if err != nil {
		return err
	}
	defer unlock()
	return c.drainLocked(ctx, id, false)
}

// Finish drains everything, including a final unterminated line, appends
// the given closing lines (typically a marker) and marks id inactive so
// followers terminate.
func (c *Collector) Finish(ctx context.Context, id string, closing ...string) error {
	s := c.get(id)
	defer s.active.Store(false)

	unlock, err := c.lockWriter(ctx, s, true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.drainLocked(ctx, id, true); err != nil {
		return err
	}
	return c.appendLocked(id, closing)
}

func (c *Collector) drainLocked(ctx context.Context, id string, final bool) error {
	spool := c.SpoolPath(id)
	f, err := os.Open(spool)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat spool: %w", err)
	}
	size := info.Size()

	offset, err := c.opts.Offsets.SpoolOffset(ctx, id)
	if err != nil {
		return err
	}
	if offset > size {
		// Spool was truncated or replaced behind our back
		offset = 0
	}

	if offset < size {
		w, err := c.openAppender(id)
		if err != nil {
			return err
		}
		consumed, werr := copyLines(io.NewSectionReader(f, offset, size-offset), w, final)
		if err := w.close(); werr == nil {
			werr = err
		}
		offset += consumed
		if err := c.opts.Offsets.SetSpoolOffset(ctx, id, offset); err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
	}

	if offset == size && size > c.opts.SpoolMaxBytes {
		// Bytes the tunnel appends between the stat above and this truncate
		// are lost; acceptable for a log.
		if err := os.Truncate(spool, 0); err != nil {
			return fmt.Errorf("truncate spool: %w", err)
		}
		if err := c.opts.Offsets.SetSpoolOffset(ctx, id, 0); err != nil {
			return err
		}
		logger.WithSession(id).Debug("spool truncated", "component", "logs", "size", size)
	}
	return nil
}

// copyLines appends each complete line of r to w and returns the number of
// bytes consumed. With final set an unterminated last line is consumed too.
func copyLines(r io.Reader, w *appender, final bool) (int64, error) {
	br := bufio.NewReader(r)
	var consumed int64
	for {
		line, err := br.ReadString('\n')
		complete := strings.HasSuffix(line, "\n")
		if complete || (final && line != "") {
			if werr := w.writeLine(trimEOL(line)); werr != nil {
				return consumed, werr
			}
			consumed += int64(len(line))
		}
		if err == io.EOF {
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("read spool: %w", err)
		}
	}
}

func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// Mark appends a marker line. It waits for the writer lock.
func (c *Collector) Mark(ctx context.Context, id string, kind MarkerKind, pid int) error {
	return c.Append(ctx, id, FormatMarker(kind, time.Now(), pid))
}

// Append writes lines to the session log under the writer lock.
func (c *Collector) Append(ctx context.Context, id string, lines ...string) error {
	s := c.get(id)
	unlock, err := c.lockWriter(ctx, s, true)
	if err != nil {
		return err
	}
	defer unlock()
	return c.appendLocked(id, lines)
}

func (c *Collector) appendLocked(id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	w, err := c.openAppender(id)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := w.writeLine(line); err != nil {
			w.close()
			return err
		}
	}
	return w.close()
}

// Remove deletes every file belonging to id.
func (c *Collector) Remove(id string) error {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()

	var errs []error
	for _, p := range []string{c.SpoolPath(id), c.LogPath(id), c.rotatedPath(id), filepath.Join(c.dir, id+".lock")} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// appender writes whole lines to the log, rotating when it would exceed max.
type appender struct {
	path string
	max  int64
	f    *os.File
	size int64
}

func (c *Collector) openAppender(id string) (*appender, error) {
	a := &appender{path: c.LogPath(id), max: c.opts.MaxBytes}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *appender) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log: %w", err)
	}
	a.f, a.size = f, info.Size()
	return nil
}

func (a *appender) writeLine(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if a.size > 0 && a.size+int64(len(buf)) > a.max {
		if err := a.rotate(); err != nil {
			return err
		}
	}
	// One write per line so readers never see two lines interleaved
	n, err := a.f.Write(buf)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func (a *appender) rotate() error {
	if err := a.f.Close(); err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	if err := os.Rename(a.path, a.path+".1"); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	return a.open()
}

func (a *appender) close() error {
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

type memOffsets struct {
	mu sync.Mutex
	m  map[string]int64
}

func (o *memOffsets) SpoolOffset(_ context.Context, id string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m[id], nil
}

func (o *memOffsets) SetSpoolOffset(_ context.Context, id string, offset int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[id] = offset
	return nil
}
