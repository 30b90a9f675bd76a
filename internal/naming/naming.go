// Package naming derives snapshot directory names from retention policies.
//
// All timestamp layouts sort lexicographically in chronological order, which
// the snapshot set relies on when the backend offers no better ordering.
package naming

import (
	"strings"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

const (
	LayoutDate     = "2006-01-02"
	LayoutDateTime = "2006-01-02-15_04"
	LayoutWeekday  = "2006-01-02_Monday"
)

// hostSeparator joins the host prefix and the timestamp in Hostname mode
const hostSeparator = "_"

// Compute returns the timestamp component for fn at now.
// NamingNone yields an empty string.
func Compute(fn model.NamingFunction, now time.Time) string {
	layout := Layout(fn)
	if layout == "" {
		return ""
	}
	return now.Format(layout)
}

// Layout is the time layout of fn, empty for NamingNone
func Layout(fn model.NamingFunction) string {
	switch fn {
	case model.NamingDate:
		return LayoutDate
	case model.NamingDateTime:
		return LayoutDateTime
	case model.NamingWeekday:
		return LayoutWeekday
	default:
		return ""
	}
}

// HostPrefix is the namespace prefix of every snapshot taken on host in
// Hostname mode
func HostPrefix(host string) string {
	return host + hostSeparator
}

// SnapshotName composes the full directory name of a new snapshot.
//
// In Hostname mode the name is "<host>_<stamp>", or just the host when the
// policy has no timestamp. In FullLabel mode it is the bare stamp, falling
// back to the policy name so the name is never empty.
func SnapshotName(p model.RetentionPolicy, host string, now time.Time) string {
	stamp := Compute(p.Naming, now)
	if p.Mode == model.IdentityHostname {
		if stamp == "" {
			return host
		}
		return HostPrefix(host) + stamp
	}
	if stamp == "" {
		return p.Name
	}
	return stamp
}

// InHostNamespace reports whether name is a snapshot of host taken with
// naming fn: the bare host for NamingNone, otherwise "<host>_" followed by
// exactly one timestamp in fn's layout. Host names may contain the separator,
// so "alpha_2_2025-01-01" belongs to alpha_2 and never to alpha.
func InHostNamespace(name, host string, fn model.NamingFunction) bool {
	layout := Layout(fn)
	if layout == "" {
		return name == host
	}
	stamp, ok := strings.CutPrefix(name, HostPrefix(host))
	if !ok {
		return false
	}
	_, err := time.ParseInLocation(layout, stamp, time.Local)
	return err == nil
}

// ParseTimestamp extracts the instant embedded in a snapshot name. A leading
// "<anything>_" host prefix is tolerated. The second result is false when no
// known layout matches.
func ParseTimestamp(name string) (time.Time, bool) {
	candidates := []string{name}
	// host names may contain the separator themselves, so try every split
	for i := 0; i < len(name); i++ {
		if name[i] == hostSeparator[0] {
			candidates = append(candidates, name[i+1:])
		}
	}
	for _, c := range candidates {
		for _, layout := range []string{LayoutDateTime, LayoutWeekday, LayoutDate} {
			if len(c) < len(LayoutDate) {
				continue
			}
			if t, err := time.ParseInLocation(layout, c, time.Local); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
