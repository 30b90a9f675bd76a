package snapshot

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

type fakeLister struct {
	entries []model.SnapshotEntry
	err     error
}

func (f fakeLister) List(ctx context.Context, dir string) ([]model.SnapshotEntry, error) {
	return f.entries, f.err
}

func entries(names ...string) []model.SnapshotEntry {
	out := make([]model.SnapshotEntry, len(names))
	for i, n := range names {
		out[i] = model.SnapshotEntry{Name: n}
	}
	return out
}

func TestLoad_MissingDirIsEmpty(t *testing.T) {
	s, err := Load(context.Background(), fakeLister{err: model.NewError(model.ErrNotFound, "", "/x", nil)}, "/x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("expected empty set, got %d", s.Count())
	}
}

func TestLoad_UnavailableIsError(t *testing.T) {
	_, err := Load(context.Background(), fakeLister{err: model.NewError(model.ErrBackendUnavailable, "", "/x", errors.New("EIO"))}, "/x")
	if !errors.Is(err, model.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestNew_SortsByEmbeddedTimestamp(t *testing.T) {
	s := New(entries("2025-01-03", "2025-01-01-23_59", "2024-12-31_Tuesday", "2025-01-02"))
	want := []string{"2024-12-31_Tuesday", "2025-01-01-23_59", "2025-01-02", "2025-01-03"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

func TestNew_FallsBackToModTime(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s := New([]model.SnapshotEntry{
		{Name: "zeta", ModTime: base},
		{Name: "alpha", ModTime: base.Add(time.Hour)},
		{Name: "beta", ModTime: base.Add(time.Hour)},
	})
	want := []string{"zeta", "alpha", "beta"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

func TestOldest(t *testing.T) {
	s := New(entries("2025-01-01", "2025-01-02", "2025-01-03"))
	tests := []struct {
		n    int
		want []string
	}{
		{0, []string{}},
		{-1, []string{}},
		{2, []string{"2025-01-01", "2025-01-02"}},
		{10, []string{"2025-01-01", "2025-01-02", "2025-01-03"}},
	}
	for _, tt := range tests {
		got := New(s.Oldest(tt.n)).Names()
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Oldest(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestScoped(t *testing.T) {
	s := New(entries("beta_2024-01-01", "alpha_2025-01-01", "alpha_2025-01-02", "alphabet_2023-01-01", "alpha_2_2022-01-01"))
	hostPolicy := model.RetentionPolicy{Name: "d", Capacity: 2, Mode: model.IdentityHostname, Naming: model.NamingDate}
	if got, want := s.Scoped(hostPolicy, "alpha").Names(), []string{"alpha_2025-01-01", "alpha_2025-01-02"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Scoped(hostname) = %v, want %v", got, want)
	}
	flat := hostPolicy
	flat.Mode = model.IdentityFullLabel
	if got, want := s.Scoped(hostPolicy, "alpha_2").Names(), []string{"alpha_2_2022-01-01"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Scoped(hostname, alpha_2) = %v, want %v", got, want)
	}
	if got := s.Scoped(flat, "alpha").Count(); got != 5 {
		t.Errorf("Scoped(full) count = %d, want 5", got)
	}
}

func TestContains(t *testing.T) {
	s := New(entries("a", "b"))
	if !s.Contains("a") || s.Contains("c") {
		t.Fatalf("Contains mismatch for %v", s.Names())
	}
}
