// Package lock guarantees that at most one process drives a session at a
// time. The lock is a small JSON record next to the credential artifacts;
// its timestamp is refreshed while the owner is alive, and a record older
// than the freshness threshold is treated as abandoned.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"groupvault/internal/clock"
	"groupvault/internal/logging"

	"github.com/google/uuid"
)

var (
	// ErrHeld means a fresh lock is owned by another instance.
	ErrHeld = errors.New("session lock held by another instance")
	// ErrLost means another instance took the lock over.
	ErrLost = errors.New("session lock lost")
)

// Record is the on-disk lock layout.
type Record struct {
	PID   int    `json:"pid"`
	Host  string `json:"host"`
	Token string `json:"token"`
	// AcquiredAt is bumped on every refresh; freshness is measured from it.
	AcquiredAt time.Time `json:"acquired_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Identity is the human-readable owner identity.
func (r Record) Identity() string {
	return fmt.Sprintf("%d@%s", r.PID, r.Host)
}

// Options configures a Lock.
type Options struct {
	Path            string
	Freshness       time.Duration
	RefreshInterval time.Duration
	// A lock younger than RecentWindow may belong to an instance that is
	// still starting; Acquire waits RecentWait once before deciding.
	RecentWindow time.Duration
	RecentWait   time.Duration
	Clock        clock.Clock
	// PID and Host override the process identity (tests).
	PID  int
	Host string
}

// Lock is a file-backed session lock.
type Lock struct {
	opts  Options
	clock clock.Clock
	self  Record

	mu        sync.Mutex
	held      bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	refreshes int
}

// New creates a Lock for this process.
func New(opts Options) (*Lock, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("lock path required")
	}
	if opts.Freshness <= 0 {
		opts.Freshness = 2 * time.Minute
	}
	if opts.RefreshInterval <= 0 || opts.RefreshInterval >= opts.Freshness {
		opts.RefreshInterval = opts.Freshness / 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		opts.Host = host
	}
	return &Lock{
		opts:  opts,
		clock: opts.Clock,
		self:  Record{PID: opts.PID, Host: opts.Host, Token: uuid.NewString()},
	}, nil
}

// Owner returns this instance's identity.
func (l *Lock) Owner() string { return l.self.Identity() }

// Held reports whether this instance believes it owns the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire takes the lock if it is absent, stale, or owned by a dead local
// process. A very fresh foreign lock gets one grace wait before the
// decision so two instances starting together do not both win.
func (l *Lock) Acquire(ctx context.Context) error {
	waited := false
	for {
		rec, err := l.tryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrHeld) {
			return err
		}
		age := l.clock.Now().Sub(rec.AcquiredAt)
		if waited || age >= l.opts.RecentWindow || l.opts.RecentWait <= 0 {
			return fmt.Errorf("%w: owner %s, refreshed %v ago", ErrHeld, rec.Identity(), age.Round(time.Second))
		}
		waited = true
		logging.LockWarn("lock by %s is only %v old, waiting %v before deciding",
			rec.Identity(), age.Round(time.Millisecond), l.opts.RecentWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(l.opts.RecentWait):
		}
	}
}

// tryAcquire makes one guarded read-decide-write pass. On ErrHeld it
// returns the foreign record.
func (l *Lock) tryAcquire() (*Record, error) {
	unlock, err := guard(l.opts.Path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.clock.Now()
	rec, err := ReadRecord(l.opts.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logging.LockWarn("unreadable lock record, overriding: %v", err)
	case rec.Token == l.self.Token:
	case now.Sub(rec.AcquiredAt) >= l.opts.Freshness:
		logging.LockWarn("overriding stale lock from %s (age %v)", rec.Identity(), now.Sub(rec.AcquiredAt).Round(time.Second))
	case rec.Host == l.self.Host && (rec.PID == l.self.PID || !processAlive(rec.PID)):
		logging.LockWarn("overriding lock from dead local process %s", rec.Identity())
	default:
		return rec, ErrHeld
	}

	l.self.CreatedAt = now
	l.self.AcquiredAt = now
	if err := writeRecord(l.opts.Path, l.self); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	logging.Lock("session lock acquired by %s", l.self.Identity())
	return nil, nil
}

// Refresh bumps the lock timestamp. Returns ErrLost if the record now
// belongs to someone else.
func (l *Lock) Refresh() error {
	unlock, err := guard(l.opts.Path)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := ReadRecord(l.opts.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read lock: %w", err)
	}
	if rec == nil || rec.Token != l.self.Token {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
		if rec != nil {
			return fmt.Errorf("%w to %s", ErrLost, rec.Identity())
		}
		return fmt.Errorf("%w: record removed", ErrLost)
	}

	l.self.AcquiredAt = l.clock.Now()
	if err := writeRecord(l.opts.Path, l.self); err != nil {
		return err
	}
	l.mu.Lock()
	l.refreshes++
	l.mu.Unlock()
	return nil
}

// StartRefresher refreshes on a fixed interval until StopRefresher, ctx
// cancellation, or loss of the lock (reported through onLost).
func (l *Lock) StartRefresher(ctx context.Context, onLost func(error)) {
	l.mu.Lock()
	if l.stopCh != nil {
		l.mu.Unlock()
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stop, done := l.stopCh, l.doneCh
	l.mu.Unlock()

	ticker := l.clock.NewTicker(l.opts.RefreshInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				err := l.Refresh()
				if err == nil {
					continue
				}
				if errors.Is(err, ErrLost) {
					logging.LockError("%v", err)
					if onLost != nil {
						onLost(err)
					}
					return
				}
				logging.LockWarn("lock refresh failed: %v", err)
			}
		}
	}()
}

// StopRefresher stops the refresh loop and waits for it to exit.
func (l *Lock) StopRefresher() {
	l.mu.Lock()
	stop, done := l.stopCh, l.doneCh
	l.stopCh, l.doneCh = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Release removes the record if this instance still owns it. Only called
// on graceful shutdown.
func (l *Lock) Release() error {
	l.StopRefresher()

	unlock, err := guard(l.opts.Path)
	if err != nil {
		return err
	}
	defer unlock()

	l.mu.Lock()
	l.held = false
	l.mu.Unlock()

	rec, err := ReadRecord(l.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.Token != l.self.Token {
		logging.LockWarn("not releasing lock owned by %s", rec.Identity())
		return nil
	}
	if err := os.Remove(l.opts.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	logging.Lock("session lock released by %s", l.self.Identity())
	return nil
}

// ReadRecord reads a lock record.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	return &rec, nil
}

// writeRecord writes atomically: temp file, fsync, rename.
func writeRecord(path string, rec Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session.lock-*")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp lock: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}
