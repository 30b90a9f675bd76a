package runner

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/polarfoxDev/cpsnap/internal/logging"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

// checkSources verifies that every source is a readable directory. It runs
// before the backend is opened, so a failure leaves the destination untouched.
func checkSources(paths []string, log *logging.RunLogger) error {
	log.Info("source directories:")
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return model.NewError(model.ErrSourceMissing, model.PhasePreflight, path, fmt.Errorf("stat: %w", err))
		}
		if !info.IsDir() {
			return model.NewError(model.ErrSourceMissing, model.PhasePreflight, path, fmt.Errorf("not a directory"))
		}
		f, err := os.Open(path)
		if err != nil {
			return model.NewError(model.ErrSourceMissing, model.PhasePreflight, path, fmt.Errorf("open: %w", err))
		}
		_, err = f.Readdirnames(1)
		f.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return model.NewError(model.ErrSourceMissing, model.PhasePreflight, path, fmt.Errorf("read: %w", err))
		}
		log.Info("- %s", path)
	}
	return nil
}
