package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/yairfalse/geoingest/internal/daemon"
	"github.com/yairfalse/geoingest/internal/telemetry"
)

var serveAddr string

// serveCmd runs the HTTP surface and the housekeeping loop
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ingestion API",
	Long: `Serve the ingestion API over HTTP.

Alongside the API the service periodically prunes old invalidation events,
expired audit journal files and abandoned scratch directories.

Endpoints:
  GET    /api/resources                  list the caller's repository resources
  GET    /api/resources/{id}             open a repository resource
  POST   /api/projects                   create a resource holding a new project
  POST   /api/uploads                    publish uploaded files (multipart "files")
  DELETE /api/resources/{id}/layers      invalidate cached layers
  PUT    /api/resources/{id}/project     save a project file
  GET    /api/layers/{id}/attributes     attribute table of a vector layer
  POST   /api/layers/{id}/style          replace a layer's default style
  GET    /api/features                   feature info at a map click
  DELETE /api/public                     remove the caller's public files
  GET    /healthz, /readyz, /metrics`,
	Example: `  geoingest serve -c geoingest.yaml
  geoingest serve --addr :9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := telemetry.NewLogger("serve")
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	janitor, err := newJanitor(a)
	if err != nil {
		return err
	}

	testClients, err := cfg.Server.TestClientPrefixes()
	if err != nil {
		return err
	}
	api := newServer(a.orch, janitor, a.telemetry.Registry())
	api.mapService = a.publisher
	api.testClients = testClients
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group
	{
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		g.Add(func() error {
			logger.Info().Str("addr", ln.Addr().String()).Msg("serving ingestion API")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	{
		jctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return janitor.Start(jctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

// newJanitor builds the housekeeping daemon over the app's cache, journal
// and scratch tree. Public files are never swept.
func newJanitor(a *app) (*daemon.Daemon, error) {
	dm, err := daemon.NewDaemonMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, err
	}

	var journal daemon.JournalCleaner
	if a.journal != nil {
		journal = a.journal
	}

	maxAge := a.cfg.Janitor.ScratchMaxAge
	if within(a.cfg.MapService.SharedDataDir, a.cfg.Scratch.Dir) {
		// Stores read their payloads in place; only invalidation may drop them.
		maxAge = 0
	}

	return daemon.NewDaemon(daemon.Config{
		Interval:       a.cfg.Janitor.Interval,
		EventRetention: a.cfg.Janitor.EventRetention,
		ScratchDir:     a.cfg.Scratch.Dir,
		ScratchMaxAge:  maxAge,
		Keep:           []string{a.cfg.Scratch.PublicDir},
	}, a.cache, journal, dm)
}
