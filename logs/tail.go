package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"
)

// Tail yields the session's log lines: the rotated file first, then the
// current one. With follow set it keeps waiting for new lines while the
// session is active and returns once the producer has finished and every
// remaining line has been yielded. Rotation is followed by name, so a line
// is never yielded twice or out of order. Each call starts a fresh reader.
func (c *Collector) Tail(ctx context.Context, id string, follow bool) iter.Seq2[string, error] {
	return c.TailLast(ctx, id, 0, follow)
}

// TailLast is Tail starting from the n most recent lines already written.
// n <= 0 yields the whole log. The backlog is read once, so a rotation while
// it is read cannot shift which lines are skipped.
func (c *Collector) TailLast(ctx context.Context, id string, n int, follow bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := &tailer{c: c, id: id, path: c.LogPath(id), yield: yield, keep: n, buffering: n > 0}
		defer t.close()

		// Open the current file before the rotated one: if a rotation lands
		// in between, both names refer to the same file and it is read once.
		cur, err := openIfExists(t.path)
		if err != nil {
			yield("", err)
			return
		}
		old, err := openIfExists(c.rotatedPath(id))
		if err != nil {
			yield("", err)
			return
		}
		if old != nil && cur != nil && sameFile(old, cur) {
			old.Close()
			old = nil
		}
		if old != nil {
			ok := t.readAll(old, true)
			old.Close()
			if !ok {
				return
			}
		}
		t.cur = cur
		if t.cur != nil {
			t.rd = bufio.NewReader(t.cur)
		}

		if !follow {
			if t.readCurrent(true) {
				t.flush()
			}
			return
		}
		if !t.readCurrent(false) || !t.flush() {
			return
		}
		t.follow(ctx)
	}
}

type tailer struct {
	c       *Collector
	id      string
	path    string
	yield   func(string, error) bool
	cur     *os.File
	rd      *bufio.Reader
	pending string
	stopped bool

	// While buffering, lines go to backlog, which keeps the last keep.
	keep      int
	buffering bool
	backlog   []string
}

func (t *tailer) close() {
	if t.cur != nil {
		t.cur.Close()
	}
}

func (t *tailer) emit(line string, err error) bool {
	if t.stopped {
		return false
	}
	if t.buffering && err == nil {
		t.backlog = append(t.backlog, line)
		if len(t.backlog) > t.keep {
			t.backlog = t.backlog[1:]
		}
		return true
	}
	if !t.yield(line, err) {
		t.stopped = true
	}
	return !t.stopped
}

// flush ends buffering and yields the kept backlog.
func (t *tailer) flush() bool {
	if !t.buffering {
		return !t.stopped
	}
	t.buffering = false
	backlog := t.backlog
	t.backlog = nil
	for _, line := range backlog {
		if !t.emit(line, nil) {
			return false
		}
	}
	return true
}

// readAll yields every line of f; with last set an unterminated final line
// is yielded as well.
func (t *tailer) readAll(f *os.File, last bool) bool {
	return t.readFrom(bufio.NewReader(f), last)
}

func (t *tailer) readCurrent(last bool) bool {
	if t.rd == nil {
		return !t.stopped
	}
	return t.readFrom(t.rd, last)
}

func (t *tailer) readFrom(rd *bufio.Reader, last bool) bool {
	for {
		chunk, err := rd.ReadString('\n')
		if chunk != "" {
			t.pending += chunk
			if strings.HasSuffix(t.pending, "\n") {
				line := trimEOL(t.pending)
				t.pending = ""
				if !t.emit(line, nil) {
					return false
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if last && t.pending != "" {
				line := t.pending
				t.pending = ""
				return t.emit(line, nil)
			}
			return true
		}
		if err != nil {
			t.emit("", fmt.Errorf("read log: %w", err))
			return false
		}
	}
}

func (t *tailer) follow(ctx context.Context) {
	ticker := time.NewTicker(t.c.opts.TailInterval)
	defer ticker.Stop()

	for {
		// Sample activity before reading so that lines written before the
		// producer finished are always read.
		active := t.c.Active(t.id)

		if !t.readCurrent(false) {
			return
		}
		rotated, err := t.reopenIfRotated()
		if err != nil {
			t.emit("", err)
			return
		}
		if rotated {
			continue
		}
		if !active {
			t.readCurrent(true)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reopenIfRotated switches to the file now at the log path when it is not
// the one being read. The old file has already been read to EOF and the
// writer never appends to it after renaming.
func (t *tailer) reopenIfRotated() (bool, error) {
	next, err := openIfExists(t.path)
	if err != nil || next == nil {
		return false, err
	}
	if t.cur != nil && sameFile(t.cur, next) {
		next.Close()
		return false, nil
	}
	if t.cur != nil {
		// Drain anything written between our last read and the rename
		if !t.readCurrent(true) {
			next.Close()
			return false, nil
		}
		t.cur.Close()
	}
	t.cur = next
	t.rd = bufio.NewReader(next)
	return true, nil
}

// Last returns up to n of the most recent lines.
func (c *Collector) Last(id string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var lines []string
	for line, err := range c.TailLast(context.Background(), id, n, false) {
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Summary is Summarize over the session's recent lines.
func (c *Collector) Summary(id string) string {
	lines, err := c.Last(id, 20)
	if err != nil {
		return "Process terminated"
	}
	return Summarize(lines)
}

func openIfExists(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

func sameFile(a, b *os.File) bool {
	ai, err := a.Stat()
	if err != nil {
		return false
	}
	bi, err := b.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
