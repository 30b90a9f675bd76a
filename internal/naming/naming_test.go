package naming

import (
	"testing"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

func TestCompute(t *testing.T) {
	now := time.Date(2025, 1, 2, 9, 5, 30, 0, time.Local)
	tests := []struct {
		fn   model.NamingFunction
		want string
	}{
		{model.NamingNone, ""},
		{model.NamingDate, "2025-01-02"},
		{model.NamingDateTime, "2025-01-02-09_05"},
		{model.NamingWeekday, "2025-01-02_Thursday"},
	}
	for _, tt := range tests {
		t.Run(string(tt.fn), func(t *testing.T) {
			if got := Compute(tt.fn, now); got != tt.want {
				t.Errorf("Compute(%q) = %q, want %q", tt.fn, got, tt.want)
			}
		})
	}
}

func TestCompute_SortsChronologically(t *testing.T) {
	start := time.Date(2024, 12, 28, 23, 50, 0, 0, time.Local)
	for _, fn := range []model.NamingFunction{model.NamingDate, model.NamingDateTime, model.NamingWeekday} {
		prev := Compute(fn, start)
		for i := 1; i < 500; i++ {
			cur := Compute(fn, start.Add(time.Duration(i)*37*time.Minute))
			if cur < prev {
				t.Fatalf("%s: %q sorts before earlier %q", fn, cur, prev)
			}
			prev = cur
		}
	}
	if a, b := Compute(model.NamingDate, time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local)), Compute(model.NamingDate, time.Date(2025, 1, 3, 0, 0, 0, 0, time.Local)); !(a < b) {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestSnapshotName(t *testing.T) {
	now := time.Date(2025, 3, 4, 12, 0, 0, 0, time.Local)
	tests := []struct {
		name   string
		policy model.RetentionPolicy
		want   string
	}{
		{"hostname date", model.RetentionPolicy{Name: "daily", Mode: model.IdentityHostname, Naming: model.NamingDate}, "alpha_2025-03-04"},
		{"hostname none", model.RetentionPolicy{Name: "mirror", Mode: model.IdentityHostname, Naming: model.NamingNone}, "alpha"},
		{"full datetime", model.RetentionPolicy{Name: "hourly", Mode: model.IdentityFullLabel, Naming: model.NamingDateTime}, "2025-03-04-12_00"},
		{"full none", model.RetentionPolicy{Name: "mirror", Mode: model.IdentityFullLabel, Naming: model.NamingNone}, "mirror"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SnapshotName(tt.policy, "alpha", now); got != tt.want {
				t.Errorf("SnapshotName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInHostNamespace(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		naming model.NamingFunction
		want   bool
	}{
		{"alpha_2025-01-01", "alpha", model.NamingDate, true},
		{"alpha_2025-01-01-13_45", "alpha", model.NamingDateTime, true},
		{"alpha_2025-01-02_Thursday", "alpha", model.NamingWeekday, true},
		{"alpha", "alpha", model.NamingNone, true},
		{"alphabet_2025-01-01", "alpha", model.NamingDate, false},
		{"beta_2025-01-01", "alpha", model.NamingDate, false},
		// hosts whose names extend another host's name
		{"alpha_2_2025-01-01", "alpha", model.NamingDate, false},
		{"alpha_2_2025-01-01", "alpha_2", model.NamingDate, true},
		{"alpha_db_2025-01-01-13_45", "alpha", model.NamingDateTime, false},
		{"alpha_2", "alpha", model.NamingNone, false},
		{"alpha_notes", "alpha", model.NamingDate, false},
		{"alpha_2025-01-01", "alpha", model.NamingDateTime, false},
	}
	for _, tt := range tests {
		if got := InHostNamespace(tt.name, tt.host, tt.naming); got != tt.want {
			t.Errorf("InHostNamespace(%q, %q, %s) = %v, want %v", tt.name, tt.host, tt.naming, got, tt.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2025-01-02", time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local), true},
		{"2025-01-02-13_45", time.Date(2025, 1, 2, 13, 45, 0, 0, time.Local), true},
		{"2025-01-02_Thursday", time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local), true},
		{"alpha_2025-01-02-13_45", time.Date(2025, 1, 2, 13, 45, 0, 0, time.Local), true},
		{"my_host_2025-01-02", time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local), true},
		{"alpha", time.Time{}, false},
		{"notes", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			if ok != tt.ok {
				t.Fatalf("ParseTimestamp(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
