package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/polarfoxDev/cpsnap/internal/backend"
	"github.com/polarfoxDev/cpsnap/internal/database"
	"github.com/polarfoxDev/cpsnap/internal/logging"
	"github.com/polarfoxDev/cpsnap/internal/materialize"
	"github.com/polarfoxDev/cpsnap/internal/model"
	"github.com/polarfoxDev/cpsnap/internal/retention"
	"github.com/polarfoxDev/cpsnap/internal/snapshot"
)

// BackendFactory opens the destination backend of cfg
type BackendFactory func(ctx context.Context, cfg *model.Configuration, logf func(string, ...any)) (backend.Backend, error)

// MaterializerFactory builds the content engine of a run
type MaterializerFactory func(opts model.MaterializeOptions, target *model.TransportTarget, logf func(string, ...any)) (materialize.Materializer, error)

type Runner struct {
	Config        *model.Configuration
	Host          string // local host name used for Hostname mode
	Backends      BackendFactory
	Materializers MaterializerFactory
	History       *database.DB // nil disables run history
	Logger        *logging.Logger
	Now           func() time.Time
}

// New creates a Runner with the default backends and materializers. prompt
// may be nil when no terminal is available.
func New(cfg *model.Configuration, logger *logging.Logger, history *database.DB, prompt func(string) (string, error)) (*Runner, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve host name: %w", err)
	}
	return &Runner{
		Config:        cfg,
		Host:          host,
		Backends:      OpenBackend(prompt),
		Materializers: materialize.New,
		History:       history,
		Logger:        logger,
		Now:           time.Now,
	}, nil
}

// OpenBackend returns the factory used outside tests: the local filesystem,
// or an SSH connection when a transport target is configured
func OpenBackend(prompt func(string) (string, error)) BackendFactory {
	return func(ctx context.Context, cfg *model.Configuration, logf func(string, ...any)) (backend.Backend, error) {
		if !cfg.Remote() {
			return backend.NewLocal(cfg.Elevate, logf), nil
		}
		r, err := backend.DialRemote(ctx, backend.DialOptions{
			Target:  *cfg.Transport,
			Timeout: cfg.CommandTimeout,
			Prompt:  prompt,
		}, logf)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run executes one snapshot run of the named policy. The returned report is
// never nil; err is the failure the report describes.
func (r *Runner) Run(ctx context.Context, policyName string, dryRun bool) (*model.RunReport, error) {
	report := &model.RunReport{
		ID:        uuid.NewString(),
		Policy:    policyName,
		Host:      r.Host,
		PID:       os.Getpid(),
		DryRun:    dryRun,
		Status:    model.RunRunning,
		StartedAt: r.now(),
	}
	log := r.Logger.NewRunLogger(policyName, report.ID)

	p, err := r.Config.Policy(policyName)
	if err != nil {
		return r.finish(ctx, report, log, err)
	}
	report.Capacity = p.Capacity
	report.Destination = retention.Destination(r.Config.BackupRoot, p)

	if r.History != nil {
		if err := r.History.StartRun(ctx, report); err != nil {
			log.Warn("run history disabled for this run: %v", err)
			r = r.withoutHistory()
		}
	}

	if dryRun {
		log.Info("dry run: no directory will be created or removed")
	}
	log.Info("policy %s => num: %d, mode: %s, naming: %s", p.Name, p.Capacity, p.Mode, p.Naming)

	if err := checkSources(r.Config.SourcePaths, log); err != nil {
		return r.finish(ctx, report, log, err)
	}

	b, err := r.Backends(ctx, r.Config, log.Debugf)
	if err != nil {
		return r.finish(ctx, report, log, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close backend: %v", err)
		}
	}()
	if err := b.CheckConnectivity(ctx); err != nil {
		return r.finish(ctx, report, log, err)
	}

	target := b
	if dryRun {
		target = backend.NewDryRun(b, log.Logf)
	}
	engine := retention.New(target, r.Host, r.Config.Group, r.Config.Lock, log.Logf)
	engine.Now = r.now

	res, err := engine.Apply(ctx, p, r.Config.BackupRoot)
	if res != nil {
		report.SnapshotName = res.SnapshotName
		report.SnapshotPath = res.SnapshotPath
		report.Refreshed = res.Refreshed
		report.Pruned = res.Pruned
		for _, o := range res.Occupancy {
			report.Record(o.Phase, o.Count)
		}
	}
	if err != nil {
		return r.finish(ctx, report, log, err)
	}
	if res.Refreshed {
		log.Info("refreshing existing snapshot %s", res.SnapshotName)
	}

	m, err := r.Materializers(r.Config.Materialize, r.Config.Transport, log.Logf)
	if err != nil {
		return r.finish(ctx, report, log, model.NewError(model.ErrMaterialize, model.PhaseMaterialize, res.SnapshotPath, err))
	}
	err = m.Materialize(ctx, materialize.Request{
		Sources:     r.Config.SourcePaths,
		Excludes:    r.Config.ExcludePatterns,
		Destination: res.SnapshotPath,
		DryRun:      dryRun,
	})
	if err != nil {
		if !errors.Is(err, model.ErrMaterialize) {
			err = model.NewError(model.ErrMaterialize, model.PhaseMaterialize, res.SnapshotPath, err)
		}
		log.Warn("snapshot directory %s left in place", b.Describe(res.SnapshotPath))
		return r.finish(ctx, report, log, err)
	}

	log.Info("snapshot %s complete", b.Describe(res.SnapshotPath))
	return r.finish(ctx, report, log, nil)
}

func (r *Runner) withoutHistory() *Runner {
	cp := *r
	cp.History = nil
	return &cp
}

// finish stamps the outcome on report and stores it
func (r *Runner) finish(ctx context.Context, report *model.RunReport, log *logging.RunLogger, err error) (*model.RunReport, error) {
	now := r.now()
	report.CompletedAt = &now
	switch {
	case err == nil:
		report.Status = model.RunSuccess
	case errors.Is(err, context.Canceled):
		report.Status = model.RunAborted
	default:
		report.Status = model.RunFailed
	}
	if err != nil {
		report.ErrorKind = model.KindOf(err)
		report.Error = err.Error()
		log.Error("run failed [%s]: %v", report.ErrorKind, err)
	}

	if r.History != nil {
		// the run may have been interrupted; its record still has to be written
		if herr := r.History.FinishRun(context.WithoutCancel(ctx), report); herr != nil {
			log.Warn("failed to record run: %v", herr)
		}
	}
	return report, err
}

// Snapshots lists the destination of a policy, oldest first. Entries outside
// the policy's scope (other hosts in Hostname mode) are included.
func (r *Runner) Snapshots(ctx context.Context, policyName string) (string, snapshot.Set, error) {
	p, err := r.Config.Policy(policyName)
	if err != nil {
		return "", snapshot.Set{}, err
	}
	log := r.Logger.NewRunLogger(policyName, "")
	b, err := r.Backends(ctx, r.Config, log.Debugf)
	if err != nil {
		return "", snapshot.Set{}, err
	}
	defer b.Close()

	dest := retention.Destination(r.Config.BackupRoot, p)
	set, err := snapshot.Load(ctx, b, dest)
	if err != nil {
		return "", snapshot.Set{}, err
	}
	return b.Describe(dest), set, nil
}
