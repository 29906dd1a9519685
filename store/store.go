// Package store persists session definitions in a YAML document.
//
// The document lives at <config>/sessions.yaml:
//
//	version: 1
//	sessions:
//	  - id: 5b0c...
//	    name: api
//	    kind: kubectl
//	    ...
//
// Keys this version does not understand, at the top level or inside a
// session, are kept and written back. Saves replace the file atomically
// (temp file, fsync, rename). Writers are serialized in-process by a mutex
// and across pfman processes by an advisory lock on sessions.yaml.lock.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/pfman/logger"
	"github.com/zhubert/pfman/paths"
	"github.com/zhubert/pfman/session"
)

// DocumentVersion is written into every saved document.
const DocumentVersion = 1

// lockRetryDelay is how often a blocked writer retries the file lock.
const lockRetryDelay = 25 * time.Millisecond

type document struct {
	Version  int               `yaml:"version"`
	Sessions []session.Session `yaml:"sessions"`
	Extra    map[string]any    `yaml:",inline"`
}

// Store loads and saves the session document.
type Store struct {
	path string
	lock *flock.Flock

	mu    sync.Mutex     // serializes Save/Update within this process
	extra map[string]any // unknown top-level keys of the document on disk
}

// New returns a store for the document at path.
func New(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Open returns a store for the default document location.
func Open() (*Store, error) {
	path, err := paths.SessionsFilePath()
	if err != nil {
		return nil, err
	}
	return New(path), nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads all sessions in document order. A missing document is an empty
// list. A document that cannot be parsed yields session.ErrStoreCorrupt.
func (s *Store) Load(ctx context.Context) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]session.Session, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []session.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", session.ErrStoreCorrupt, s.path, err)
	}
	if err := checkIDs(doc.Sessions); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", session.ErrStoreCorrupt, s.path, err)
	}
	s.extra = doc.Extra
	return doc.Sessions, nil
}

// decode parses either the versioned layout or the legacy bare sequence.
func decode(data []byte) (document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return document{}, err
	}
	if len(root.Content) == 0 {
		return document{Version: DocumentVersion, Sessions: []session.Session{}}, nil
	}

	top := root.Content[0]
	switch top.Kind {
	case yaml.SequenceNode:
		var legacy []legacySession
		if err := top.Decode(&legacy); err != nil {
			return document{}, err
		}
		doc := document{Version: DocumentVersion, Sessions: make([]session.Session, 0, len(legacy))}
		for _, l := range legacy {
			doc.Sessions = append(doc.Sessions, l.convert())
		}
		return doc, nil
	case yaml.MappingNode:
		var doc document
		if err := top.Decode(&doc); err != nil {
			return document{}, err
		}
		if doc.Version > DocumentVersion {
			logger.WithComponent("store").Warn("session document is newer than this pfman",
				"version", doc.Version, "supported", DocumentVersion)
		}
		if doc.Sessions == nil {
			doc.Sessions = []session.Session{}
		}
		return doc, nil
	default:
		return document{}, fmt.Errorf("unexpected top-level YAML node (line %d)", top.Line)
	}
}

func checkIDs(sessions []session.Session) error {
	seen := make(map[string]bool, len(sessions))
	for i, sess := range sessions {
		if sess.ID == "" {
			return fmt.Errorf("session #%d has empty id", i+1)
		}
		if seen[sess.ID] {
			return fmt.Errorf("duplicate session id %s", sess.ID)
		}
		seen[sess.ID] = true
	}
	return nil
}

// Save replaces the document with sessions.
func (s *Store) Save(ctx context.Context, sessions []session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.refreshExtraLocked()
	return s.saveLocked(sessions)
}

// refreshExtraLocked rereads the unknown top-level keys from disk so a Save
// keeps keys added since this store last loaded, or that it never loaded.
// An unreadable document keeps what was known before.
func (s *Store) refreshExtraLocked() {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.extra = nil
		return
	}
	if err != nil {
		return
	}
	doc, err := decode(data)
	if err != nil {
		logger.WithComponent("store").Warn("overwriting unreadable session document", "path", s.path, "error", err)
		return
	}
	s.extra = doc.Extra
}

// Update runs a read-modify-write cycle while holding both locks. fn receives
// the current sessions and returns the list to persist; if fn returns an
// error nothing is written.
func (s *Store) Update(ctx context.Context, fn func([]session.Session) ([]session.Session, error)) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := s.saveLocked(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", s.lock.Path())
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			logger.WithComponent("store").Warn("failed to release store lock", "error", err)
		}
	}, nil
}

func (s *Store) saveLocked(sessions []session.Session) error {
	if err := checkIDs(sessions); err != nil {
		return err
	}
	doc := document{
		Version:  DocumentVersion,
		Sessions: sessions,
		Extra:    s.extra,
	}
	if doc.Sessions == nil {
		doc.Sessions = []session.Session{}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	if err := writeFileAtomic(s.path, buf.Bytes(), 0600); err != nil {
		return err
	}
	logger.WithComponent("store").Debug("sessions saved", "path", s.path, "count", len(sessions))
	return nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so readers see either the old or the new document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	// Persist the rename itself. Not all filesystems support syncing a
	// directory, so failures here are ignored.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// IsCorrupt reports whether err came from an unparseable document.
func IsCorrupt(err error) bool {
	return errors.Is(err, session.ErrStoreCorrupt)
}
