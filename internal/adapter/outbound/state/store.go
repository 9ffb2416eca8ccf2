package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AlreadyRunningError reports that the state file names a process that is
// still alive, so a second daemon must not start.
type AlreadyRunningError struct {
	PID       int
	StartedAt time.Time
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (pid %d, started %s)", e.PID, e.StartedAt.Format(time.RFC3339))
}

// FileStore manages reading and writing the daemon.json run-state file.
// It provides atomic writes (write-tmp-then-rename) and file locking
// (flock for cross-process, mutex for in-process).
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a FileStore for the given file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the state file. A missing file surfaces as an
// error wrapping fs.ErrNotExist; callers treat that as "not running".
func (s *FileStore) Load() (*DaemonState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read daemon state: %w", err)
	}

	var st DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse daemon state: %w", err)
	}
	return &st, nil
}

// Claim records st as the running daemon. The check-then-write runs under
// the cross-process lock, so of two daemons booting concurrently exactly
// one claims the file.
//
// alive reports whether a PID belongs to a live process. When the file
// already names a live process, Claim fails with *AlreadyRunningError.
// A file naming a dead process is a leftover from a crash; Claim logs it
// and takes over.
func (s *FileStore) Claim(st *DaemonState, alive func(pid int) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.flock()
	if err != nil {
		return err
	}
	defer unlock()

	if data, readErr := os.ReadFile(s.path); readErr == nil {
		var prev DaemonState
		if err := json.Unmarshal(data, &prev); err == nil && prev.PID != 0 && prev.PID != st.PID {
			if alive != nil && alive(prev.PID) {
				return &AlreadyRunningError{PID: prev.PID, StartedAt: prev.StartedAt}
			}
			s.logger.Warn("previous run did not shut down cleanly",
				"pid", prev.PID,
				"started_at", prev.StartedAt,
			)
		}
	}

	return s.writeLocked(st)
}

// Save rewrites the state file with updated fields, for example the
// resolved listen address after binding. The caller must own the claim.
func (s *FileStore) Save(st *DaemonState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.flock()
	if err != nil {
		return err
	}
	defer unlock()

	return s.writeLocked(st)
}

// Clear removes the state file if it still belongs to pid. A file written
// by a different process is left alone: that daemon owns it now.
func (s *FileStore) Clear(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.flock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read daemon state: %w", err)
	}

	var st DaemonState
	if err := json.Unmarshal(data, &st); err == nil && st.PID != pid {
		s.logger.Debug("daemon state owned by another process, leaving in place",
			"path", s.path, "owner_pid", st.PID)
		return nil
	}

	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("remove daemon state: %w", err)
	}
	return nil
}

// Exists returns true if the state file exists on disk.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileStore) Path() string {
	return s.path
}

// flock acquires the cross-process lock on path+".lock" and returns the
// release func. The lock file is separate from the state file because the
// state file itself is replaced by rename.
func (s *FileStore) flock() (func(), error) {
	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockLock(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = flockUnlock(lockFile.Fd())
		_ = lockFile.Close()
	}, nil
}

// writeLocked stamps and atomically writes st. Both locks must be held.
func (s *FileStore) writeLocked(st *DaemonState) error {
	st.Version = stateVersion
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	s.logger.Debug("daemon state saved", "path", s.path, "pid", st.PID)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over
// the target path. On any error the temp file is cleaned up.
func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}
