package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfigInvalid      = errors.New("config invalid")
	ErrSourceMissing      = errors.New("source missing")
	ErrTransport          = errors.New("transport error")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotFound           = errors.New("not found")
	ErrPartialPrune       = errors.New("partial prune failure")
	ErrCapacityNotFreed   = errors.New("capacity not freed")
	ErrMaterialize        = errors.New("materialize failure")
	ErrLockBusy           = errors.New("lock busy")
)

var kinds = []error{
	ErrConfigInvalid, ErrSourceMissing, ErrTransport, ErrPermissionDenied,
	ErrBackendUnavailable, ErrNotFound, ErrPartialPrune, ErrCapacityNotFreed,
	ErrMaterialize, ErrLockBusy,
}

// Error is a failure of one phase of a run
type Error struct {
	Kind  error
	Phase Phase
	Path  string
	Err   error
}

// NewError builds an *Error; phase and path may be empty
func NewError(kind error, phase Phase, path string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Path: path, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s)", e.Phase)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PartialPruneError reports a prune that stopped part way. The destination is
// left with Remaining entries still in place.
type PartialPruneError struct {
	Deleted   []string
	Failed    []string
	Remaining []string
	Err       error
}

func (e *PartialPruneError) Error() string {
	return fmt.Sprintf("%s: deleted [%s], failed [%s], remaining [%s]: %v",
		ErrPartialPrune, strings.Join(e.Deleted, ", "), strings.Join(e.Failed, ", "),
		strings.Join(e.Remaining, ", "), e.Err)
}

func (e *PartialPruneError) Unwrap() []error {
	return []error{ErrPartialPrune, e.Err}
}

// KindOf returns the short name of the outermost error kind in err's tree,
// e.g. "partial_prune_failure" rather than the kind of its cause.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	queue := []error{err}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, k := range kinds {
			if cur == k {
				return strings.ReplaceAll(k.Error(), " ", "_")
			}
		}
		switch u := cur.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		case interface{ Unwrap() error }:
			if next := u.Unwrap(); next != nil {
				queue = append(queue, next)
			}
		}
	}
	return "unknown"
}
