package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/yairfalse/geoingest/internal/cache"
	"github.com/yairfalse/geoingest/internal/classify"
	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/crs"
	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/filter"
	"github.com/yairfalse/geoingest/internal/gdal"
	"github.com/yairfalse/geoingest/internal/geoserver"
	"github.com/yairfalse/geoingest/internal/metrics"
	"github.com/yairfalse/geoingest/internal/notify"
	"github.com/yairfalse/geoingest/internal/publish"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/repository/hydroshare"
	"github.com/yairfalse/geoingest/internal/repository/s3repo"
	"github.com/yairfalse/geoingest/internal/retry"
	"github.com/yairfalse/geoingest/internal/shell"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/internal/timeseries"
	"github.com/yairfalse/geoingest/orchestrator"
	"github.com/yairfalse/geoingest/wal"
)

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Provider
	metrics   *metrics.Metrics
	cache     *cache.Store
	journal   *wal.WAL
	publisher *publish.Manager
	orch      *orchestrator.Orchestrator
}

// newApp builds the ingestion pipeline from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	var err error
	if a.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if a.metrics, err = metrics.NewWithProvider(otel.GetMeterProvider()); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	repo, err := newRepository(ctx, cfg.Repository)
	if err != nil {
		return nil, err
	}

	tools := gdal.New(shell.NewExecRunner(), cfg.Tools)
	a.publisher = publish.NewManager(geoserver.New(cfg.MapService), tools, cfg.MapService.SharedDataDir, a.metrics)

	if a.cache, err = cache.Open(cfg.Cache.Dir, a.publisher, a.metrics); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	var journal orchestrator.Journal
	if cfg.Audit.Enabled {
		if a.journal, err = wal.Open(cfg.Audit.Dir); err != nil {
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
		journal = a.journal
	}

	lookup := crs.NewClient(cfg.CRS.LookupURL, cfg.CRS.Timeout, cfg.CRS.RateLimit)

	a.orch = orchestrator.New(orchestrator.Deps{
		Repository:  repo,
		Extractor:   extract.New(cfg.Scratch.Dir, filter.New(cfg.IgnoreFiles)),
		Classifier:  classify.New(tools, cfg.ProjectFiles, cfg.Tools.PyramidBytes),
		Repairer:    crs.NewRepairer(lookup, tools, cfg.CRS.FallbackCode),
		Publisher:   a.publisher,
		Cache:       a.cache,
		Sites:       timeseries.NewLocator(),
		Journal:     journal,
		Notifier:    notify.New(cfg, a.metrics),
		Retry:       retry.FromConfig(cfg.Repository.Retry),
		Metrics:     a.metrics,
		Tracer:      a.telemetry.Tracer(),
		MaxBytes:    cfg.Repository.MaxBytes,
		ScratchDir:  cfg.Scratch.Dir,
		PublicDir:   cfg.Scratch.PublicDir,
		KeepScratch: within(cfg.MapService.SharedDataDir, cfg.Scratch.Dir),
	})

	ok = true
	return a, nil
}

func newRepository(ctx context.Context, rc config.RepositoryConfig) (repository.Provider, error) {
	switch rc.Kind {
	case "s3":
		c, err := s3repo.NewFromConfig(ctx, rc.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 repository: %w", err)
		}
		return c, nil
	default:
		return hydroshare.NewProvider(rc), nil
	}
}

// within reports whether dir lies inside root. The map service reads
// payloads in place from its shared dir, so such scratch dirs must outlive
// the request.
func within(root, dir string) bool {
	if root == "" || dir == "" {
		return false
	}
	absRoot, err1 := filepath.Abs(root)
	absDir, err2 := filepath.Abs(dir)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absDir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// Close releases the cache, journal and telemetry exporters.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
