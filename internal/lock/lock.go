// Package lock provides the advisory lock that serialises runs against one
// snapshot destination.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

// FileName is the lock file created inside a destination directory
const FileName = ".cpsnap.lock"

const defaultInterval = 500 * time.Millisecond

// ErrHeld is returned by a TryFunc when another process owns the lock
var ErrHeld = errors.New("lock held by another run")

// Releaser gives the lock back
type Releaser interface {
	Release() error
}

// ReleaseFunc adapts a function to Releaser
type ReleaseFunc func() error

func (f ReleaseFunc) Release() error { return f() }

// Nop is a Releaser that does nothing
var Nop Releaser = ReleaseFunc(func() error { return nil })

// TryFunc makes a single non-blocking acquisition attempt. It returns ErrHeld
// (possibly wrapped) when the lock is busy.
type TryFunc func(ctx context.Context) (Releaser, error)

// Acquire calls try until it succeeds. In fail mode a busy lock is returned
// immediately as model.ErrLockBusy; in wait mode try is polled every
// opts.Interval until opts.Timeout elapses or ctx is done.
func Acquire(ctx context.Context, opts model.LockOptions, try TryFunc) (Releaser, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for {
		rel, err := try(ctx)
		if err == nil {
			return rel, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}
		if opts.Mode == model.LockFail {
			return nil, model.NewError(model.ErrLockBusy, model.PhaseCapacity, "", err)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, model.NewError(model.ErrLockBusy, model.PhaseCapacity, "", fmt.Errorf("gave up waiting: %w", ctx.Err()))
		case <-timer.C:
		}
	}
}

// FileLock is an flock(2) lock. Keep the lock alive by keeping the file
// descriptor open; the kernel drops it if the process dies.
type FileLock struct {
	path string
	f    *os.File
}

// TryFile attempts an exclusive non-blocking lock at path and writes the
// current PID into the file.
func TryFile(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrHeld)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("write pid: %w", err)
	}

	return &FileLock{path: path, f: f}, nil
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
