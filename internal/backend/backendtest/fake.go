// Package backendtest provides an in-memory backend.Backend for tests. It
// records every call and can be told to fail specific operations.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/lock"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

type Fake struct {
	mu      sync.Mutex
	dirs    map[string]time.Time
	locks   map[string]bool
	clock   time.Time
	calls   []string
	mutated []string

	// injected failures, keyed by path
	FailRemove map[string]error
	FailCreate map[string]error
	FailList   map[string]error
	ConnectErr error
	// KeepOnRemove makes a successful-looking RemoveAll leave the path in
	// place, to simulate a backend that lies about deletion.
	KeepOnRemove map[string]bool
}

func New() *Fake {
	return &Fake{
		dirs:         make(map[string]time.Time),
		locks:        make(map[string]bool),
		clock:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		FailRemove:   make(map[string]error),
		FailCreate:   make(map[string]error),
		FailList:     make(map[string]error),
		KeepOnRemove: make(map[string]bool),
	}
}

// Seed creates directories without counting them as mutations. Each one
// gets a strictly later modification time than the previous.
func (f *Fake) Seed(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		f.clock = f.clock.Add(time.Minute)
		f.dirs[path.Clean(p)] = f.clock
	}
}

// Children lists the names directly under dir, sorted
func (f *Fake) Children(dir string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children(path.Clean(dir))
}

func (f *Fake) children(dir string) []string {
	var out []string
	for p := range f.dirs {
		if path.Dir(p) == dir && p != dir {
			out = append(out, path.Base(p))
		}
	}
	sort.Strings(out)
	return out
}

// Mutations returns "create <path>" / "remove <path>" records of applied
// mutations in order
func (f *Fake) Mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutated...)
}

// Calls returns every operation invoked, in order
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(op, p string) {
	f.calls = append(f.calls, op+" "+p)
}

func (f *Fake) Exists(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.record("exists", p)
	_, ok := f.dirs[p]
	return ok, nil
}

func (f *Fake) List(ctx context.Context, dir string) ([]model.SnapshotEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir = path.Clean(dir)
	f.record("list", dir)
	if err := f.FailList[dir]; err != nil {
		return nil, model.NewError(model.ErrBackendUnavailable, "", dir, err)
	}
	if _, ok := f.dirs[dir]; !ok {
		return nil, model.NewError(model.ErrNotFound, "", dir, errors.New("no such directory"))
	}
	var out []model.SnapshotEntry
	for _, name := range f.children(dir) {
		if strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, model.SnapshotEntry{Name: name, ModTime: f.dirs[path.Join(dir, name)]})
	}
	return out, nil
}

func (f *Fake) CreateDir(ctx context.Context, p, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.record("create", p)
	if _, ok := f.dirs[p]; ok {
		return nil
	}
	if err := f.FailCreate[p]; err != nil {
		return model.NewError(model.ErrPermissionDenied, "", p, err)
	}
	f.clock = f.clock.Add(time.Minute)
	f.dirs[p] = f.clock
	f.mutated = append(f.mutated, "create "+p)
	return nil
}

func (f *Fake) RemoveAll(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.record("remove", p)
	if err := f.FailRemove[p]; err != nil {
		return model.NewError(model.ErrBackendUnavailable, "", p, err)
	}
	f.mutated = append(f.mutated, "remove "+p)
	if f.KeepOnRemove[p] {
		return nil
	}
	for d := range f.dirs {
		if d == p || strings.HasPrefix(d, p+"/") {
			delete(f.dirs, d)
		}
	}
	return nil
}

func (f *Fake) CheckConnectivity(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect", "")
	return f.ConnectErr
}

func (f *Fake) Lock(ctx context.Context, dir string, opts model.LockOptions) (lock.Releaser, error) {
	dir = path.Clean(dir)
	return lock.Acquire(ctx, opts, func(ctx context.Context) (lock.Releaser, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.record("lock", dir)
		if f.locks[dir] {
			return nil, fmt.Errorf("%s: %w", dir, lock.ErrHeld)
		}
		f.locks[dir] = true
		return lock.ReleaseFunc(func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.locks, dir)
			return nil
		}), nil
	})
}

// Locked reports whether dir is currently locked
func (f *Fake) Locked(dir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[path.Clean(dir)]
}

func (f *Fake) Describe(p string) string { return "fake:" + p }

func (f *Fake) Close() error { return nil }
