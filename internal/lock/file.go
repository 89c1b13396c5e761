package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/fsutil"
)

// FileOptions configures a FileLock
type FileOptions struct {
	Dir           string        // shared directory, must be visible to every process
	Name          string        // base name of the mutex and state files
	RetryInterval time.Duration // pause between mutex attempts
	WaitTimeout   time.Duration // bound on waiting for the mutex
	StaleAfter    time.Duration // mutex files older than this are broken
	TTL           time.Duration // state older than this is ignored (0 disables)
}

func (o FileOptions) withDefaults() FileOptions {
	if o.Name == "" {
		o.Name = "runjoin"
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 10 * time.Millisecond
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	return o
}

// FileLock keeps the lock state in a JSON file guarded by an exclusively
// created mutex file. It works across processes sharing a local filesystem.
type FileLock struct {
	opts   FileOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewFileLock creates a file-backed lock
func NewFileLock(opts FileOptions, logger *slog.Logger) *FileLock {
	return &FileLock{
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

func (l *FileLock) statePath() string {
	return filepath.Join(l.opts.Dir, l.opts.Name+".json")
}

func (l *FileLock) mutexPath() string {
	return filepath.Join(l.opts.Dir, l.opts.Name+".mutex")
}

// ObtainIdentifier implements Lock
func (l *FileLock) ObtainIdentifier(ctx context.Context, candidate string) (string, bool, error) {
	var (
		winner    string
		committed bool
	)
	err := l.withMutex(ctx, func() error {
		st, err := l.load()
		if err != nil {
			return err
		}

		now := l.now().UTC()
		if st == nil || st.Winner == "" || st.expired(now, l.opts.TTL) {
			st = &State{Winner: candidate}
			committed = true
		}
		st.Instances = append(st.Instances, candidate)
		st.UpdatedAt = now

		if err := fsutil.AtomicWriteJSON(l.statePath(), st); err != nil {
			return err
		}
		winner = st.Winner
		return nil
	})
	if err != nil {
		return "", false, err
	}

	l.logger.Debug("identifier arbitrated", "candidate", candidate, "winner", winner, "committed", committed)
	return winner, committed, nil
}

// FinishInstance implements Lock
func (l *FileLock) FinishInstance(ctx context.Context, instance string) error {
	return l.withMutex(ctx, func() error {
		st, err := l.load()
		if err != nil || st == nil {
			return err
		}

		if st.release(instance) {
			st.UpdatedAt = l.now().UTC()
			return fsutil.AtomicWriteJSON(l.statePath(), st)
		}

		l.logger.Debug("last instance finished, clearing lock state", "winner", st.Winner)
		if err := os.Remove(l.statePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove lock state: %w", err)
		}
		return nil
	})
}

func (l *FileLock) load() (*State, error) {
	data, err := os.ReadFile(l.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn state cannot happen with atomic writes; treat garbage as absent
		l.logger.Warn("ignoring unreadable lock state", "path", l.statePath(), "error", err)
		return nil, nil
	}
	return &st, nil
}

// withMutex runs fn while holding the mutex file. Every failure, including
// a bounded wait that runs out, is reported as ErrUnavailable.
func (l *FileLock) withMutex(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(l.opts.Dir, 0700); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	deadline := time.NewTimer(l.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()

	token := uuid.NewString()
	for {
		created, err := fsutil.CreateOwned(l.mutexPath(), token)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if created {
			break
		}
		l.breakStaleMutex()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: mutex %s not released within %s", ErrUnavailable, l.mutexPath(), l.opts.WaitTimeout)
		case <-ticker.C:
		}
	}
	defer l.releaseMutex(token)

	if err := fn(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// releaseMutex removes the mutex only while it still carries token. A mutex
// that was broken as stale and re-created by another process is left alone.
func (l *FileLock) releaseMutex(token string) {
	info, err := os.Stat(l.mutexPath())
	if err != nil {
		l.logger.Warn("lock mutex vanished before release", "path", l.mutexPath(), "error", err)
		return
	}
	if owner, err := fsutil.Owner(l.mutexPath()); err != nil || owner != token {
		l.logger.Warn("lock mutex taken over before release", "path", l.mutexPath())
		return
	}
	l.retire(token, info)
}

// breakStaleMutex removes a mutex left by a crashed holder. Holds last
// milliseconds, so anything older than StaleAfter is abandoned.
func (l *FileLock) breakStaleMutex() {
	info, err := os.Stat(l.mutexPath())
	if err != nil || l.now().Sub(info.ModTime()) < l.opts.StaleAfter {
		return
	}
	owner, err := fsutil.Owner(l.mutexPath())
	if err != nil {
		return
	}

	if l.retire(owner, info) {
		l.logger.Warn("broke stale lock mutex", "path", l.mutexPath(), "age", l.now().Sub(info.ModTime()))
	}
}

// retire renames the mutex to a private grave and deletes it if it is still
// the file described by info and carrying owner. Any other file caught by
// the rename is linked back into place. Only one process can rename a
// given file, so at most one retires it.
func (l *FileLock) retire(owner string, info os.FileInfo) bool {
	grave := l.mutexPath() + ".grave." + uuid.NewString()
	if err := os.Rename(l.mutexPath(), grave); err != nil {
		return false
	}
	defer os.Remove(grave)

	moved, err := os.Stat(grave)
	if err == nil && os.SameFile(info, moved) {
		if current, err := fsutil.Owner(grave); err == nil && current == owner {
			return true
		}
	}

	if err := os.Link(grave, l.mutexPath()); err != nil {
		l.logger.Warn("could not restore lock mutex", "path", l.mutexPath(), "error", err)
	}
	return false
}
