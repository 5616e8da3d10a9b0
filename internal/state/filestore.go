package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tomgreer/redrive/internal/lock"
	"github.com/tomgreer/redrive/internal/log"
)

const (
	attemptsFile  = "attempts"
	processedFile = "processed"
	lockFile      = ".lock"
)

// FileStore keeps both tables as line-oriented "id:value" files under dir.
// Every read-modify-write runs under an exclusive flock so overlapping batch
// invocations in separate processes never interleave mid-update. The lock is
// held only for the operation itself, never across task execution.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// OpenFileStore opens (and creates if needed) a file-backed store rooted at dir.
// It probes the lock once so an unusable lock file fails the batch up front
// rather than mid-run.
func OpenFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s := &FileStore{
		dir:    filepath.Clean(dir),
		logger: log.WithComponent("state"),
	}

	probe, err := lock.Acquire(s.lockPath())
	if err != nil {
		return nil, fmt.Errorf("state store lock unavailable: %w", err)
	}
	if err := probe.Release(); err != nil {
		return nil, fmt.Errorf("release state store lock probe: %w", err)
	}
	return s, nil
}

func (s *FileStore) lockPath() string { return filepath.Join(s.dir, lockFile) }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Attempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.withLock(ctx, func() error {
		table, err := s.readTable(attemptsFile)
		if err != nil {
			return err
		}
		n = int(table[id])
		return nil
	})
	return n, err
}

func (s *FileStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	return s.adjustAttempts(ctx, id, +1)
}

func (s *FileStore) DecrementAttempts(ctx context.Context, id string) (int, error) {
	return s.adjustAttempts(ctx, id, -1)
}

func (s *FileStore) adjustAttempts(ctx context.Context, id string, delta int64) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("task id is empty")
	}
	var n int
	err := s.withLock(ctx, func() error {
		table, err := s.readTable(attemptsFile)
		if err != nil {
			return err
		}
		next := table[id] + delta
		if next < 0 {
			next = 0
		}
		table[id] = next
		n = int(next)
		return s.writeTable(attemptsFile, table)
	})
	return n, err
}

func (s *FileStore) ResetAttempts(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("task id is empty")
	}
	return s.withLock(ctx, func() error {
		table, err := s.readTable(attemptsFile)
		if err != nil {
			return err
		}
		if _, ok := table[id]; !ok {
			return nil
		}
		delete(table, id)
		return s.writeTable(attemptsFile, table)
	})
}

func (s *FileStore) RecordProcessed(ctx context.Context, id string, ts time.Time) error {
	if id == "" {
		return fmt.Errorf("task id is empty")
	}
	return s.withLock(ctx, func() error {
		table, err := s.readTable(processedFile)
		if err != nil {
			return err
		}
		table[id] = ts.Unix()
		return s.writeTable(processedFile, table)
	})
}

func (s *FileStore) LastProcessed(ctx context.Context, id string) (time.Time, bool, error) {
	var (
		ts time.Time
		ok bool
	)
	err := s.withLock(ctx, func() error {
		table, err := s.readTable(processedFile)
		if err != nil {
			return err
		}
		epoch, found := table[id]
		if !found {
			return nil
		}
		ts = time.Unix(epoch, 0).UTC()
		ok = true
		return nil
	})
	return ts, ok, err
}

// withLock runs fn under the store's exclusive cross-process lock.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := lock.Acquire(s.lockPath())
	if err != nil {
		return fmt.Errorf("acquire state store lock: %w", err)
	}
	defer func() { _ = l.Release() }()
	return fn()
}

// readTable parses a line-oriented "id:value" file. Malformed lines are
// skipped and logged rather than failing the whole store; one corrupt record
// must never abort a batch.
func (s *FileStore) readTable(name string) (map[string]int64, error) {
	table := make(map[string]int64)

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state table %s: %w", name, err)
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// ids are opaque and may contain colons; the value follows the last one.
		sep := strings.LastIndex(line, ":")
		if sep <= 0 {
			s.logger.Warn("skipping malformed state record", "table", name, "line", i+1)
			continue
		}
		id := line[:sep]
		value, err := strconv.ParseInt(line[sep+1:], 10, 64)
		if err != nil || value < 0 {
			s.logger.Warn("skipping malformed state record", "table", name, "line", i+1, "id", id)
			continue
		}
		table[id] = value
	}
	return table, nil
}

// writeTable rewrites a table via write-to-temp + atomic rename so a crashed
// writer never leaves a half-written file behind.
func (s *FileStore) writeTable(name string, table map[string]int64) error {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s:%d\n", id, table[id])
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state table: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp state table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp state table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp state table: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace state table %s: %w", name, err)
	}
	return nil
}
