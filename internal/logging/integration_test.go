package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/polarfoxDev/cpsnap/internal/database"
)

// TestIntegrationWorkflow logs a sequence of runs the way the runner does and
// queries them back
func TestIntegrationWorkflow(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "integration.db")
	console := &bytes.Buffer{}

	db, err := database.InitDB(dbPath)
	if err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	logger, err := New(db.GetDB(), console)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("cpsnap starting")
	logger.Info("loaded 3 retention policies")

	run1 := logger.NewRunLogger("daily", "11111111-aaaa")
	run1.Info("[00/03] before pruning")
	run1.Info("pruning /backup/daily/2025-02-26")
	run1.Info("[03/03] after creating 2025-03-01")

	run2 := logger.NewRunLogger("weekly", "22222222-bbbb")
	run2.Info("[02/04] before pruning")
	run2.Error("capacity not freed (prune) /backup/weekly")

	run3 := logger.NewRunLogger("daily", "33333333-cccc")
	run3.Debug("ssh backup@nas: true")
	run3.Info("refreshing existing snapshot 2025-03-01")

	ctx := context.Background()

	t.Run("QueryAllLogs", func(t *testing.T) {
		entries, err := logger.Query(ctx, QueryOptions{})
		if err != nil {
			t.Fatalf("failed to query all logs: %v", err)
		}
		if len(entries) != 9 {
			t.Errorf("expected 9 entries, got %d", len(entries))
		}
	})

	t.Run("QueryByPolicy", func(t *testing.T) {
		entries, err := logger.Query(ctx, QueryOptions{Policy: "daily"})
		if err != nil {
			t.Fatalf("failed to query by policy: %v", err)
		}
		if len(entries) != 5 {
			t.Errorf("expected 5 entries for daily, got %d", len(entries))
		}
	})

	t.Run("QueryErrors", func(t *testing.T) {
		entries, err := logger.Query(ctx, QueryOptions{Level: LevelError})
		if err != nil {
			t.Fatalf("failed to query errors: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 error entry, got %d", len(entries))
		}
		if entries[0].RunID != "22222222-bbbb" {
			t.Errorf("unexpected run id: %s", entries[0].RunID)
		}
	})

	t.Run("QuerySystemLogs", func(t *testing.T) {
		entries, err := logger.Query(ctx, QueryOptions{})
		if err != nil {
			t.Fatalf("failed to query all logs: %v", err)
		}
		system := 0
		for _, e := range entries {
			if e.RunID == "" {
				system++
			}
		}
		if system != 2 {
			t.Errorf("expected 2 system logs, got %d", system)
		}
	})

	t.Run("VerifyConsoleOutput", func(t *testing.T) {
		if !bytes.Contains(console.Bytes(), []byte("cpsnap starting")) {
			t.Error("console missing startup message")
		}
		if !bytes.Contains(console.Bytes(), []byte("[daily/11111111] INFO: [03/03] after creating")) {
			t.Error("console missing policy context")
		}
		// debug goes to the database only
		if bytes.Contains(console.Bytes(), []byte("ssh backup@nas")) {
			t.Error("debug message printed to console")
		}
	})

	t.Run("VerifyDatabaseFile", func(t *testing.T) {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("database file does not exist")
		}
	})
}
