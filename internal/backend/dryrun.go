package backend

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/lock"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

// Action is a mutation a dry run skipped
type Action struct {
	Op   string // "create" or "remove"
	Path string
}

// DryRun wraps a backend so that mutations are recorded and simulated in
// memory instead of applied. Reads see the simulated state, which keeps the
// engine's decisions and reported occupancy identical to a real run.
type DryRun struct {
	inner Backend
	now   func() time.Time
	Logf  func(string, ...any)

	mu      sync.Mutex
	created map[string]bool
	removed map[string]bool
	actions []Action
}

func NewDryRun(inner Backend, logf func(string, ...any)) *DryRun {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &DryRun{
		inner:   inner,
		now:     time.Now,
		Logf:    logf,
		created: make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// Actions returns the skipped mutations in order
func (d *DryRun) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Action(nil), d.actions...)
}

// clean normalises a path so overlay lookups match regardless of trailing
// slashes; backends use slash-separated paths on every platform we target
func clean(p string) string { return path.Clean(p) }

// gone reports whether p or one of its ancestors was removed in the overlay
func (d *DryRun) gone(p string) bool {
	for cur := p; ; cur = path.Dir(cur) {
		if d.removed[cur] {
			return true
		}
		if next := path.Dir(cur); next == cur {
			return false
		}
	}
}

func (d *DryRun) Exists(ctx context.Context, p string) (bool, error) {
	p = clean(p)
	d.mu.Lock()
	created, gone := d.created[p], d.gone(p)
	d.mu.Unlock()
	if created {
		return true, nil
	}
	if gone {
		return false, nil
	}
	return d.inner.Exists(ctx, p)
}

func (d *DryRun) List(ctx context.Context, dir string) ([]model.SnapshotEntry, error) {
	dir = clean(dir)
	d.mu.Lock()
	dirCreated, dirGone := d.created[dir], d.gone(dir)
	d.mu.Unlock()

	var entries []model.SnapshotEntry
	if !dirGone {
		inner, err := d.inner.List(ctx, dir)
		switch {
		case err == nil:
			entries = inner
		case errors.Is(err, model.ErrNotFound) && dirCreated:
		default:
			return nil, err
		}
	} else if !dirCreated {
		return nil, model.NewError(model.ErrNotFound, "", dir, errors.New("removed in dry run"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.SnapshotEntry, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if d.gone(path.Join(dir, e.Name)) {
			continue
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	var added []string
	for p := range d.created {
		if path.Dir(p) == dir && !seen[path.Base(p)] && !hidden(path.Base(p)) {
			added = append(added, path.Base(p))
		}
	}
	sort.Strings(added)
	for _, name := range added {
		out = append(out, model.SnapshotEntry{Name: name, ModTime: d.now()})
	}
	return out, nil
}

func (d *DryRun) CreateDir(ctx context.Context, p, group string) error {
	p = clean(p)
	if ok, err := d.Exists(ctx, p); err != nil {
		return err
	} else if ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created[p] = true
	delete(d.removed, p)
	d.actions = append(d.actions, Action{Op: "create", Path: p})
	d.Logf("dry run: would create %s (mode %o, group %q)", d.inner.Describe(p), DirMode, group)
	return nil
}

func (d *DryRun) RemoveAll(ctx context.Context, p string) error {
	p = clean(p)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed[p] = true
	prefix := p + "/"
	for c := range d.created {
		if c == p || strings.HasPrefix(c, prefix) {
			delete(d.created, c)
		}
	}
	d.actions = append(d.actions, Action{Op: "remove", Path: p})
	d.Logf("dry run: would remove %s", d.inner.Describe(p))
	return nil
}

func (d *DryRun) CheckConnectivity(ctx context.Context) error {
	return d.inner.CheckConnectivity(ctx)
}

// Lock is skipped: creating the lock file would be a mutation
func (d *DryRun) Lock(ctx context.Context, dir string, opts model.LockOptions) (lock.Releaser, error) {
	return lock.Nop, nil
}

func (d *DryRun) Describe(p string) string { return d.inner.Describe(p) }

func (d *DryRun) Close() error { return d.inner.Close() }
