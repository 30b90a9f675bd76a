// Package snapshot models the snapshot instances present in one policy
// destination.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/backend"
	"github.com/polarfoxDev/cpsnap/internal/model"
	"github.com/polarfoxDev/cpsnap/internal/naming"
)

// Set is an ordered, oldest-first view of snapshot entries
type Set struct {
	entries []model.SnapshotEntry
}

// Load lists dir through the backend. A destination that does not exist yet
// is an empty set.
func Load(ctx context.Context, l backend.Lister, dir string) (Set, error) {
	entries, err := l.List(ctx, dir)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Set{}, nil
		}
		return Set{}, err
	}
	return New(entries), nil
}

// New sorts entries by age. The timestamp embedded in the name wins over the
// filesystem time; ties are broken by name.
func New(entries []model.SnapshotEntry) Set {
	sorted := append([]model.SnapshotEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := orderKey(sorted[i]), orderKey(sorted[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return sorted[i].Name < sorted[j].Name
	})
	return Set{entries: sorted}
}

func orderKey(e model.SnapshotEntry) time.Time {
	if t, ok := naming.ParseTimestamp(e.Name); ok {
		return t
	}
	return e.ModTime
}

func (s Set) Count() int { return len(s.entries) }

// Entries returns a copy of all entries, oldest first
func (s Set) Entries() []model.SnapshotEntry {
	return append([]model.SnapshotEntry(nil), s.entries...)
}

// Names returns entry names, oldest first
func (s Set) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Name
	}
	return names
}

// Oldest returns up to n entries, oldest first. n <= 0 yields none.
func (s Set) Oldest(n int) []model.SnapshotEntry {
	if n <= 0 {
		return []model.SnapshotEntry{}
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	return append([]model.SnapshotEntry(nil), s.entries[:n]...)
}

// Contains reports whether an entry called name exists
func (s Set) Contains(name string) bool {
	for _, e := range s.entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Filter keeps the entries keep accepts
func (s Set) Filter(keep func(model.SnapshotEntry) bool) Set {
	out := Set{entries: make([]model.SnapshotEntry, 0, len(s.entries))}
	for _, e := range s.entries {
		if keep(e) {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// Scoped returns the entries that count towards policy capacity for host:
// in Hostname mode only the host's own namespace under the policy's naming,
// otherwise everything.
func (s Set) Scoped(p model.RetentionPolicy, host string) Set {
	if p.Mode != model.IdentityHostname {
		return s
	}
	return s.Filter(func(e model.SnapshotEntry) bool {
		return naming.InHostNamespace(e.Name, host, p.Naming)
	})
}
