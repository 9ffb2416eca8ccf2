// Package eventlog persists the event stream to disk as JSON Lines with
// daily rotation, size caps, and retention cleanup. The sink is a
// wildcard bus subscriber; the in-memory bus history stays the query
// surface, the files are the durable trail operators grep after the
// fact.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/arrgate/arrgate/internal/eventbus"
)

// logFilePattern matches event log filenames: events-YYYY-MM-DD.log or
// events-YYYY-MM-DD-N.log after a size rotation.
var logFilePattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// logFileInfo holds the parsed parts of an event log filename.
type logFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseLogFilename(name string) (logFileInfo, bool) {
	matches := logFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return logFileInfo{}, false
	}
	info := logFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return logFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// Config holds the file sink settings.
type Config struct {
	// Dir is the directory the log files live in.
	Dir string
	// RetentionDays is how many days of files to keep (default 7).
	RetentionDays int
	// MaxFileSizeMB rotates the current file beyond this size (default 100).
	MaxFileSizeMB int
}

// FileSink appends bus events to the current day's log file, rotating on
// date change and size, and deleting files past retention.
type FileSink struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	logger        *slog.Logger

	cancel context.CancelFunc
	unsub  func()

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool
}

// NewFileSink creates the sink: it creates the directory, opens today's
// file, runs retention cleanup, and starts the hourly cleanup loop.
// Attach wires it to a bus.
func NewFileSink(cfg Config, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileSink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format(time.DateOnly)
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open event log file: %w", err)
	}

	s.runCleanup()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Attach subscribes the sink to every topic on the bus. Close detaches.
func (s *FileSink) Attach(bus *eventbus.Bus) {
	s.unsub = bus.Subscribe(eventbus.TopicWildcard, "eventlog", func(_ context.Context, ev eventbus.Event) error {
		return s.Append(ev)
	})
}

// Append writes one event as a JSON line, rotating first when the date
// changed or the current file outgrew the size cap.
func (s *FileSink) Append(ev eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	dateStr := ev.EmittedAt.UTC().Format(time.DateOnly)
	if dateStr == "0001-01-01" {
		dateStr = time.Now().UTC().Format(time.DateOnly)
	}
	if dateStr != s.currentDate {
		if err := s.rotateDateLocked(dateStr); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if s.currentSize >= s.maxFileSize {
		if err := s.rotateSizeLocked(); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	n, err := s.currentFile.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.currentSize += int64(n)
	return nil
}

// Flush syncs the current file to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close detaches from the bus, stops the cleanup loop, and closes the
// current file. Idempotent.
func (s *FileSink) Close() error {
	if s.unsub != nil {
		s.unsub()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// openCurrentFile opens the file for a date, resuming the highest
// existing suffix so a restart keeps appending where it left off.
func (s *FileSink) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *FileSink) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseLogFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (s *FileSink) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

func buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("events-%s.log", dateStr)
	}
	return fmt.Sprintf("events-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked switches to a fresh file for the new date. Caller
// holds s.mu.
func (s *FileSink) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked opens the next suffix for the current date. Caller
// holds s.mu.
func (s *FileSink) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// runCleanup deletes log files older than the retention window.
func (s *FileSink) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("event log cleanup: read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseLogFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse(time.DateOnly, info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("event log cleanup: delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("event log cleanup completed", "deleted", deleted)
	}
}

func (s *FileSink) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}
