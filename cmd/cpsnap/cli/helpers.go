package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/polarfoxDev/cpsnap/internal/database"
	"github.com/polarfoxDev/cpsnap/internal/logging"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

// openLogger returns a logger writing to the console and, when a history
// database is configured and wanted, to that database. The returned close
// function is never nil.
func (a *app) openLogger(cfg *model.Configuration, withHistory bool) (*logging.Logger, *database.DB, func(), error) {
	var db *database.DB
	if withHistory && cfg.HistoryDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0o750); err != nil {
			return nil, nil, nil, fmt.Errorf("prepare history directory: %w", err)
		}
		var err error
		db, err = database.InitDB(cfg.HistoryDB)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var sqlDB *sql.DB
	if db != nil {
		sqlDB = db.GetDB()
	}
	logger, err := logging.New(sqlDB, a.stdout)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, nil, err
	}
	if a.verbose {
		logger.SetConsoleLevel(logging.LevelDebug)
	}
	closeFn := func() {
		if db != nil {
			db.Close()
		}
	}
	return logger, db, closeFn, nil
}

// requireHistory opens the history database for read-only commands
func (a *app) requireHistory() (*database.DB, *logging.Logger, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.HistoryDB == "" {
		return nil, nil, model.NewError(model.ErrConfigInvalid, model.PhaseConfig, a.resolvedConfigPath(),
			fmt.Errorf("no historyDB configured"))
	}
	db, err := database.InitDB(cfg.HistoryDB)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(db.GetDB(), a.stderr)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
