package backend

import (
	"context"

	"github.com/polarfoxDev/cpsnap/internal/lock"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

// DirMode is the permission of every directory the backends create:
// owner and group rwx, no world access.
const DirMode = 0o770

// Backend defines the directory operations the retention engine needs from a
// snapshot destination (local filesystem, SSH host, ...)
type Backend interface {
	// Exists reports whether path is an existing directory
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the snapshot entries of dir. Dot-prefixed names are
	// skipped. A missing dir yields an error matching model.ErrNotFound;
	// an unreadable one model.ErrBackendUnavailable.
	List(ctx context.Context, dir string) ([]model.SnapshotEntry, error)

	// CreateDir creates path with DirMode and group ownership. It is a no-op
	// if the directory already exists, and either succeeds completely or
	// leaves nothing at path.
	CreateDir(ctx context.Context, path, group string) error

	// RemoveAll deletes path recursively and fails unless it is gone afterwards
	RemoveAll(ctx context.Context, path string) error

	// CheckConnectivity confirms the channel is usable before any mutation
	CheckConnectivity(ctx context.Context) error

	// Lock takes the advisory lock colocated in dir
	Lock(ctx context.Context, dir string, opts model.LockOptions) (lock.Releaser, error)

	// Describe renders path for humans, e.g. "user@host:/srv/backup"
	Describe(path string) string

	// Close cleans up any resources used by the backend
	Close() error
}

// Lister is the read-only subset used to load a snapshot set
type Lister interface {
	List(ctx context.Context, dir string) ([]model.SnapshotEntry, error)
}

func hidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
