package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polarfoxDev/cpsnap/internal/api"
	"github.com/polarfoxDev/cpsnap/internal/auth"
	"github.com/polarfoxDev/cpsnap/internal/helpers"
)

func (a *app) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history and logs over HTTP",
		Long: `Serve a read-only JSON API over the history database.

Environment:
  CPSNAP_API_PASSWORD    require this password (as bearer credential or via /api/login)
  CPSNAP_API_ACCESS_LOG  log every request when true
  CORS_ORIGINS           extra allowed origins, comma-separated`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := a.requireHistory()
			if err != nil {
				return err
			}
			defer db.Close()

			guard := auth.New(os.Getenv("CPSNAP_API_PASSWORD"))
			defer guard.Close()

			srv := &api.Server{
				DB:        db,
				Logger:    logger,
				Auth:      guard,
				Origins:   append(append([]string{}, api.DefaultOrigins...), helpers.SplitCSV(os.Getenv("CORS_ORIGINS"))...),
				AccessLog: helpers.ParseBool(os.Getenv("CPSNAP_API_ACCESS_LOG")),
			}
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, cancel := signalContext()
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting cpsnap API server on %s (auth enabled: %v)", addr, guard.IsEnabled())
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
				logger.Info("shutting down API server")
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				return httpSrv.Shutdown(stopCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envDefault("CPSNAP_API_ADDR", ":8080"), "listen address")
	return cmd
}

func envDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
