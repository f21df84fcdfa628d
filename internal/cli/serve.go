package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"catrec/internal/adapter/httpapi"
	"catrec/internal/domain"
)

var (
	serveAddr      string
	serveNoMetrics bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve search and admin endpoints over HTTP. When index.interval is set the
configured feed is reindexed periodically in the background.

Endpoints:
  POST /v1/search            recommend catalog items
  GET  /v1/admin/index       index status
  POST /v1/admin/reindex     start a background index run
  GET  /v1/admin/runs[/:id]  index run reports
  POST /v1/admin/activate    roll back to a retained version
  POST /v1/admin/compact     drop unretained versions
  GET  /healthz, /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveNoMetrics, "no-metrics", false, "do not expose /metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()
	a, err := newApp(ctx, cfg, GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	opts := httpapi.Options{Logger: a.log}
	if !serveNoMetrics {
		opts.Metrics = a.metrics.Handler()
	}
	srv := httpapi.New(a.query, a.admin, opts)

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.Index.Interval > 0 {
		go a.reindexEvery(ctx, cfg.Index.Interval)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
	a.indexer.Cancel()
	a.indexer.Wait()
	return nil
}

// reindexEvery triggers a background run each interval until ctx ends.
// Ticks that find a run in progress are skipped.
func (a *app) reindexEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := a.admin.Reindex(ctx)
			switch {
			case errors.Is(err, domain.ErrRunInProgress):
				a.log.Debug("scheduled reindex skipped: run in progress")
			case err != nil:
				a.log.Warn("scheduled reindex failed to start", "error", err)
			default:
				a.log.Info("scheduled reindex started", "run", run.ID)
			}
		}
	}
}
