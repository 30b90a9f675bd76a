// Package retention enforces snapshot capacity for a retention policy.
//
// One Apply call is the critical section of a run: it ensures the policy
// destination exists, takes the destination lock, prunes the oldest
// snapshots to make room, and creates the directory of the new snapshot.
// Copying content into that directory is not its concern.
package retention

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/backend"
	"github.com/polarfoxDev/cpsnap/internal/helpers"
	"github.com/polarfoxDev/cpsnap/internal/model"
	"github.com/polarfoxDev/cpsnap/internal/naming"
	"github.com/polarfoxDev/cpsnap/internal/snapshot"
)

type Engine struct {
	Backend backend.Backend
	Host    string // local host name, used for Hostname mode
	Group   string // group owning created directories
	Lock    model.LockOptions
	Now     func() time.Time
	Logf    func(string, ...any)
}

func New(b backend.Backend, host, group string, lockOpts model.LockOptions, logf func(string, ...any)) *Engine {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Engine{
		Backend: b,
		Host:    host,
		Group:   group,
		Lock:    lockOpts,
		Now:     time.Now,
		Logf:    logf,
	}
}

// Result describes what Apply did. Counts are occupancy within the policy's
// scope (the host namespace in Hostname mode).
type Result struct {
	Destination  string
	SnapshotName string
	SnapshotPath string
	Refreshed    bool // the snapshot directory already existed
	Capacity     int
	Before       int
	AfterPrune   int
	After        int
	Pruned       []string

	// Occupancy lists the count observed after each completed phase
	Occupancy []model.Occupancy
}

// Plan is the pruning decision for one run
type Plan struct {
	Prune   []model.SnapshotEntry
	Refresh bool
}

// Destination is the directory holding all snapshots of a policy
func Destination(backupRoot string, p model.RetentionPolicy) string {
	return path.Join(backupRoot, p.Name)
}

// PlanPrune decides which entries of scoped (already restricted to the
// prunable scope) must go so that creating newName keeps occupancy within
// capacity. If newName already exists it is refreshed in place: it is never
// pruned and needs no extra slot.
func PlanPrune(scoped snapshot.Set, capacity int, newName string) Plan {
	current := scoped.Count()
	refresh := scoped.Contains(newName)

	need := 0
	if refresh {
		need = max(0, current-capacity)
	} else if current >= capacity {
		need = current - capacity + 1
	}

	candidates := scoped.Filter(func(e model.SnapshotEntry) bool { return e.Name != newName })
	return Plan{Prune: candidates.Oldest(need), Refresh: refresh}
}

// Apply runs capacity enforcement and directory creation for one policy
func (e *Engine) Apply(ctx context.Context, p model.RetentionPolicy, backupRoot string) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	dest := Destination(backupRoot, p)
	res := &Result{Destination: dest, Capacity: p.Capacity}

	for _, dir := range []string{backupRoot, dest} {
		if err := e.Backend.CreateDir(ctx, dir, e.Group); err != nil {
			return res, withPhase(err, model.PhaseCapacity)
		}
	}

	unlock, err := e.Backend.Lock(ctx, dest, e.Lock)
	if err != nil {
		return res, withPhase(err, model.PhaseCapacity)
	}
	defer func() {
		if err := unlock.Release(); err != nil {
			e.Logf("release lock on %s: %v", e.Backend.Describe(dest), err)
		}
	}()

	scoped, err := e.load(ctx, p, dest)
	if err != nil {
		return res, withPhase(err, model.PhaseCapacity)
	}
	res.Before = scoped.Count()
	e.observe(res, model.PhaseCapacity, res.Before)
	res.SnapshotName = naming.SnapshotName(p, e.Host, e.Now())
	res.SnapshotPath = path.Join(dest, res.SnapshotName)

	plan := PlanPrune(scoped, p.Capacity, res.SnapshotName)
	res.Refreshed = plan.Refresh
	if err := e.prune(ctx, dest, plan.Prune, res); err != nil {
		return res, err
	}

	scoped, err = e.load(ctx, p, dest)
	if err != nil {
		return res, withPhase(err, model.PhasePrune)
	}
	res.AfterPrune = scoped.Count()
	e.observe(res, model.PhasePrune, res.AfterPrune)
	if (!plan.Refresh && res.AfterPrune >= p.Capacity) || res.AfterPrune > p.Capacity {
		return res, model.NewError(model.ErrCapacityNotFreed, model.PhasePrune, e.Backend.Describe(dest),
			fmt.Errorf("%d of %d slots still in use after pruning %d", res.AfterPrune, p.Capacity, len(res.Pruned)))
	}

	if err := e.Backend.CreateDir(ctx, res.SnapshotPath, e.Group); err != nil {
		return res, withPhase(err, model.PhaseCreate)
	}

	scoped, err = e.load(ctx, p, dest)
	if err != nil {
		return res, withPhase(err, model.PhaseCreate)
	}
	res.After = scoped.Count()
	e.observe(res, model.PhaseCreate, res.After)
	return res, nil
}

func (e *Engine) observe(res *Result, phase model.Phase, n int) {
	res.Occupancy = append(res.Occupancy, model.Occupancy{Phase: phase, Count: n})
	e.Logf("%-8s %s %s", phase, e.Backend.Describe(res.Destination), helpers.FormatOccupancy(n, res.Capacity))
}

func (e *Engine) load(ctx context.Context, p model.RetentionPolicy, dest string) (snapshot.Set, error) {
	set, err := snapshot.Load(ctx, e.Backend, dest)
	if err != nil {
		return snapshot.Set{}, err
	}
	return set.Scoped(p, e.Host), nil
}

// prune removes targets oldest first and stops at the first failure
func (e *Engine) prune(ctx context.Context, dest string, targets []model.SnapshotEntry, res *Result) error {
	for i, t := range targets {
		p := path.Join(dest, t.Name)
		e.Logf("pruning %s", e.Backend.Describe(p))
		if err := e.Backend.RemoveAll(ctx, p); err != nil {
			remaining := make([]string, 0, len(targets)-i)
			for _, r := range targets[i:] {
				remaining = append(remaining, r.Name)
			}
			return &model.PartialPruneError{
				Deleted:   append([]string{}, res.Pruned...),
				Failed:    []string{t.Name},
				Remaining: remaining,
				Err:       err,
			}
		}
		res.Pruned = append(res.Pruned, t.Name)
	}
	return nil
}

// withPhase tags backend errors with the phase they happened in
func withPhase(err error, phase model.Phase) error {
	var me *model.Error
	if errors.As(err, &me) && me.Phase == "" {
		me.Phase = phase
	}
	return err
}
