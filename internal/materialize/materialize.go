package materialize

import (
	"context"
	"fmt"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

// Request describes one content copy into a freshly provisioned snapshot
// directory. Each source is reproduced under Destination by its full path,
// so /home/alice ends up at <Destination>/home/alice.
type Request struct {
	Sources     []string
	Excludes    []string
	Destination string
	DryRun      bool
}

// Materializer fills a snapshot directory with the source contents
type Materializer interface {
	Materialize(ctx context.Context, req Request) error
}

// New returns the engine selected in opts. target is nil for local destinations.
func New(opts model.MaterializeOptions, target *model.TransportTarget, logf func(string, ...any)) (Materializer, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	switch opts.Engine {
	case model.EngineCopy, "":
		if target != nil {
			return nil, fmt.Errorf("copy engine cannot write to %s", target)
		}
		return &Copy{Logf: logf}, nil
	case model.EngineRsync:
		return &Rsync{Target: target, Args: opts.Args, Logf: logf}, nil
	case model.EngineNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown materialize engine %q", opts.Engine)
	}
}

// None leaves snapshot directories empty
type None struct{}

func (None) Materialize(context.Context, Request) error { return nil }

func failure(dest string, err error) error {
	return model.NewError(model.ErrMaterialize, model.PhaseMaterialize, dest, err)
}
