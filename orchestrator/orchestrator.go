// Package orchestrator drives a resource through cache lookup, extraction,
// classification, coordinate system repair and publication.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/geoingest/internal/cache"
	"github.com/yairfalse/geoingest/internal/crs"
	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/metrics"
	"github.com/yairfalse/geoingest/internal/notify"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/retry"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
	"github.com/yairfalse/geoingest/wal"
)

const (
	sourceRepository = "repository"
	sourceUpload     = "upload"

	msgOpened  = "Resource opened."
	msgPartial = "Some files could not be opened."
)

// Deps are the collaborators of an Orchestrator. Journal, Notifier, Metrics
// and Tracer are optional.
type Deps struct {
	Repository repository.Provider
	Extractor  Extractor
	Classifier Classifier
	Repairer   Repairer
	Publisher  Publisher
	Cache      cache.Cache
	Sites      SiteLocator
	Journal    Journal
	Notifier   Notifier
	Retry      retry.Policy
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer

	MaxBytes    uint64 // Resource size ceiling, zero disables
	ScratchDir  string
	PublicDir   string
	KeepScratch bool // Leave scratch dirs for stores that reference them
}

// Orchestrator coordinates cache → extract → classify → repair → publish
type Orchestrator struct {
	repo       repository.Provider
	extractor  Extractor
	classifier Classifier
	repairer   Repairer
	publisher  Publisher
	cache      cache.Cache
	sites      SiteLocator
	journal    Journal
	notifier   Notifier
	retry      retry.Policy
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	maxBytes    uint64
	scratchDir  string
	publicDir   string
	keepScratch bool

	locks  *keyedLocks
	logger *telemetry.Logger
}

// New creates an orchestrator
func New(d Deps) *Orchestrator {
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/yairfalse/geoingest/orchestrator")
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = (*notify.Notifier)(nil)
	}
	return &Orchestrator{
		repo:        d.Repository,
		extractor:   d.Extractor,
		classifier:  d.Classifier,
		repairer:    d.Repairer,
		publisher:   d.Publisher,
		cache:       d.Cache,
		sites:       d.Sites,
		journal:     d.Journal,
		notifier:    notifier,
		retry:       d.Retry,
		metrics:     d.Metrics,
		tracer:      tracer,
		maxBytes:    d.MaxBytes,
		scratchDir:  d.ScratchDir,
		publicDir:   d.PublicDir,
		keepScratch: d.KeepScratch,
		locks:       newKeyedLocks(),
		logger:      telemetry.NewLogger("orchestrator"),
	}
}

// IngestFromRepository opens a repository resource. Cached layers are
// served without touching the map service when the resource is unchanged.
func (o *Orchestrator) IngestFromRepository(ctx context.Context, rc *layer.RunContext, creds repository.Credentials, req RepositoryRequest) (resp layer.Response) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "ingest.repository", trace.WithAttributes(
		attribute.String("res_id", req.ResID),
		attribute.String("run_id", rc.RunID),
	))
	defer span.End()
	defer o.finish(ctx, rc, sourceRepository, req.ResID, started, &resp)
	defer o.recoverPanic(ctx, rc, &req.ResID, &resp)

	if req.ResID == "" {
		return o.fail(ctx, rc, "", layer.Errorf(layer.KindNotFound, "ingest", "No resource id was given."))
	}

	unlock, err := o.locks.Lock(ctx, lockKey(rc, req.ResID))
	if err != nil {
		return o.fail(ctx, rc, req.ResID, err)
	}
	defer unlock()

	o.record(rc, wal.EntryRequested, req.ResID, map[string]string{"source": sourceRepository, "user": rc.Username}, nil)

	resp, err = o.ingestRepository(ctx, rc, creds, req)
	if err != nil {
		return o.fail(ctx, rc, req.ResID, err)
	}
	return resp
}

func (o *Orchestrator) ingestRepository(ctx context.Context, rc *layer.RunContext, creds repository.Credentials, req RepositoryRequest) (layer.Response, error) {
	client, err := o.repo.ForUser(ctx, creds)
	if err != nil {
		return layer.Response{}, err
	}

	res, err := retry.Value(ctx, o.retry, "metadata", func(ctx context.Context) (layer.Resource, error) {
		return client.Metadata(ctx, req.ResID)
	})
	if err != nil {
		return layer.Response{}, err
	}
	if res.ID == "" {
		res.ID = req.ResID
	}
	if req.TypeHint != "" {
		res.Type = layer.ParseResourceType(string(req.TypeHint))
	}
	if req.TitleHint != "" {
		res.Title = req.TitleHint
	}

	verdict, records, err := o.cache.Check(ctx, res.ID, res.ModificationTime)
	if err != nil {
		return layer.Response{}, fmt.Errorf("cache check: %w", err)
	}
	if verdict == cache.VerdictUnparseable {
		o.notifier.Notify(ctx, rc, notify.Alert{
			Reason: notify.ReasonUnparseableModTime,
			ResID:  res.ID,
			Detail: fmt.Sprintf("upstream modification time %q", res.ModificationTime),
		})
	}
	if !verdict.Reprocess() {
		return o.fromCache(ctx, rc, res.ID, records), nil
	}
	if verdict != cache.VerdictMissing {
		o.record(rc, wal.EntryInvalidated, res.ID, map[string]string{"verdict": string(verdict)}, nil)
	}

	if res.Type == layer.TypeTimeSeries {
		return o.ingestSite(ctx, rc, client, res)
	}

	files, err := retry.Value(ctx, o.retry, "list files", func(ctx context.Context) ([]repository.FileInfo, error) {
		return repository.CheckSize(ctx, client, res.ID, o.maxBytes)
	})
	if err != nil {
		return layer.Response{}, err
	}

	dl := o.downloadDir(rc, res.ID)
	defer func() { _ = os.RemoveAll(dl) }()
	err = o.stage(ctx, "download", func(ctx context.Context) error {
		return o.retry.Do(ctx, "download", func(ctx context.Context) error {
			if err := os.RemoveAll(dl); err != nil {
				return err
			}
			return client.Download(ctx, res.ID, dl)
		})
	}, attribute.Int("files", len(files)))
	if err != nil {
		return layer.Response{}, err
	}

	var fs *extract.FileSet
	err = o.stage(ctx, "extract", func(ctx context.Context) error {
		fs, err = o.extractor.Extract(ctx, rc, res.ID, extract.Input{BundleDir: dl})
		return err
	})
	if err != nil {
		return layer.Response{}, err
	}
	return o.process(ctx, rc, res, fs)
}

// ingestSite answers a time-series reference with its site location.
func (o *Orchestrator) ingestSite(ctx context.Context, rc *layer.RunContext, client repository.Client, res layer.Resource) (layer.Response, error) {
	dir := o.downloadDir(rc, res.ID)
	defer func() { _ = os.RemoveAll(dir) }()

	var site *layer.SiteInfo
	err := o.stage(ctx, "locate_site", func(ctx context.Context) error {
		var err error
		site, err = retry.Value(ctx, o.retry, "locate site", func(ctx context.Context) (*layer.SiteInfo, error) {
			return o.sites.Locate(ctx, client, res.ID, nil, dir)
		})
		return err
	})
	if err != nil {
		return layer.Response{}, err
	}

	rec := layer.LayerRecord{
		ResID:            res.ID,
		Title:            res.Title,
		ResType:          res.Type,
		Kind:             layer.KindSite,
		SiteInfo:         site,
		ModificationTime: res.ModificationTime,
	}
	o.writeRecord(ctx, rec)
	o.metrics.RecordUnit(ctx, string(layer.KindSite), "located")
	o.record(rc, wal.EntryPublished, res.ID, unitOutcome{Kind: layer.KindSite}, nil)

	return layer.Response{
		Success: true,
		Message: msgOpened,
		Results: []layer.ResultUnit{layer.ResultFromRecord(rec)},
	}, nil
}

func (o *Orchestrator) fromCache(ctx context.Context, rc *layer.RunContext, resID string, records []layer.LayerRecord) layer.Response {
	results := make([]layer.ResultUnit, 0, len(records))
	for _, rec := range records {
		u := layer.ResultFromRecord(rec)
		u.Cached = true
		results = append(results, u)
		o.metrics.RecordUnit(ctx, string(rec.Kind), "cached")
	}
	o.record(rc, wal.EntryCacheHit, resID, map[string]int{"records": len(records)}, nil)
	return layer.Response{Success: true, Message: msgOpened, Results: results}
}

// process classifies a staged payload and turns every unit into results.
// A unit that fails is reported beside its siblings; a failing generic
// file aborts the resource.
func (o *Orchestrator) process(ctx context.Context, rc *layer.RunContext, res layer.Resource, fs *extract.FileSet) (layer.Response, error) {
	if !o.keepScratch {
		defer func() {
			if err := fs.Cleanup(); err != nil {
				o.logger.WithContext(ctx).Warn().Err(err).Str("dir", fs.Dir).Msg("failed to remove scratch dir")
			}
		}()
	}

	var (
		units    []layer.ProcessingUnit
		failures []layer.UnitFailure
	)
	_ = o.stage(ctx, "classify", func(ctx context.Context) error {
		units, failures = o.classifier.Classify(ctx, rc, res.Type, fs)
		return nil
	})
	for _, f := range failures {
		o.record(rc, wal.EntryUnitFailed, res.ID, f, nil)
		o.metrics.RecordUnit(ctx, "unclassified", "failed")
	}

	if len(units) == 0 {
		if len(failures) == 0 {
			return layer.Response{}, layer.NewError(layer.KindUnsupportedContent, "classify", "", nil)
		}
		return layer.Response{
			Success:  false,
			Message:  failures[0].Message,
			Results:  []layer.ResultUnit{},
			Failures: failures,
		}, nil
	}

	results := make([]layer.ResultUnit, 0, len(units))
	for _, unit := range units {
		out, err := o.processUnit(ctx, rc, res, unit)
		if err != nil {
			if unit.Kind == layer.KindGeneric || errors.Is(err, context.Canceled) {
				return layer.Response{}, err
			}
			name := unitFileName(unit)
			o.logger.LogUnitFailure(ctx, res.ID, name, err)
			o.metrics.RecordUnit(ctx, string(unit.Kind), "failed")
			o.record(rc, wal.EntryUnitFailed, res.ID, unitOutcome{FileName: name, Kind: unit.Kind}, err)
			failures = append(failures, layer.FailureFrom(name, err))
			continue
		}
		results = append(results, out...)
	}

	resp := layer.Response{
		Success:  len(results) > 0,
		Message:  msgOpened,
		Results:  results,
		Failures: failures,
	}
	switch {
	case len(results) == 0:
		resp.Message = failures[0].Message
	case len(failures) > 0:
		resp.Message = msgPartial
	}
	return resp, nil
}

func (o *Orchestrator) processUnit(ctx context.Context, rc *layer.RunContext, res layer.Resource, unit layer.ProcessingUnit) ([]layer.ResultUnit, error) {
	switch unit.Kind {
	case layer.KindVector, layer.KindRaster:
		u, err := o.publishUnit(ctx, rc, res, unit)
		if err != nil {
			return nil, err
		}
		return []layer.ResultUnit{u}, nil
	case layer.KindProject:
		o.metrics.RecordUnit(ctx, string(unit.Kind), "pass_through")
		o.record(rc, wal.EntryPassThrough, res.ID, unitOutcome{FileName: unitFileName(unit), Kind: unit.Kind}, nil)
		return []layer.ResultUnit{{
			ResID:    res.ID,
			ResType:  res.Type,
			Title:    res.Title,
			FileName: unitFileName(unit),
			Project:  &layer.ProjectPayload{Content: unit.Content},
		}}, nil
	default:
		return o.keepGeneric(ctx, rc, res, unit)
	}
}

func (o *Orchestrator) publishUnit(ctx context.Context, rc *layer.RunContext, res layer.Resource, unit layer.ProcessingUnit) (layer.ResultUnit, error) {
	ctx, span := o.tracer.Start(ctx, "publish_unit", trace.WithAttributes(
		attribute.String("store_id", unit.StoreID()),
		attribute.String("kind", string(unit.Kind)),
	))
	defer span.End()

	fix := o.repair(ctx, unit)

	var pub layer.PublishedLayer
	err := o.stage(ctx, "publish", func(ctx context.Context) error {
		var err error
		pub, err = o.publisher.Publish(ctx, unit, fix)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, string(layer.KindOf(err)))
		return layer.ResultUnit{}, err
	}

	rec := layer.LayerRecord{
		ResID:            res.ID,
		SubFileName:      unit.SubFileName,
		Title:            res.Title,
		LayerName:        pub.LayerName,
		LayerID:          pub.LayerID,
		StoreID:          pub.StoreID,
		ResType:          resultType(res.Type, unit.Kind),
		Kind:             unit.Kind,
		Extents:          pub.Extents,
		Attributes:       pub.Attributes,
		GeomType:         pub.GeomType,
		BandInfo:         pub.BandInfo,
		ModificationTime: res.ModificationTime,
	}
	o.writeRecord(ctx, rec)
	o.metrics.RecordUnit(ctx, string(unit.Kind), "published")
	o.record(rc, wal.EntryPublished, res.ID, unitOutcome{
		FileName: unit.SubFileName,
		Kind:     unit.Kind,
		LayerID:  pub.LayerID,
		StoreID:  pub.StoreID,
		EPSG:     fix.Code,
		Warning:  fix.Message,
	}, nil)

	u := layer.ResultFromRecord(rec)
	u.Warning = fix.Message
	return u, nil
}

// repair runs the coordinate system protocol. It never fails: a degraded
// lookup service falls back to the default code with a warning. Mosaic
// members are already archived and go out as they are.
func (o *Orchestrator) repair(ctx context.Context, unit layer.ProcessingUnit) crs.Result {
	if unit.Mosaic {
		o.metrics.RecordCRSRepair(ctx, string(unit.Kind), "skipped")
		return crs.Result{OK: true}
	}

	path := unit.PrimaryPath()
	var fix crs.Result
	err := o.stage(ctx, "crs_repair", func(ctx context.Context) error {
		var err error
		fix, err = retry.Value(ctx, o.retry, "crs repair", func(ctx context.Context) (crs.Result, error) {
			return o.repairer.Repair(ctx, unit.Kind, path)
		})
		return err
	})
	if err != nil {
		o.metrics.RecordCRSRepair(ctx, string(unit.Kind), "degraded")
		return o.repairer.Fallback(ctx, unit.Kind, path,
			"The coordinate system lookup service is unavailable; a default projection was assumed.")
	}

	outcome := "unchanged"
	switch {
	case fix.Fallback:
		outcome = "fallback"
	case fix.Changed:
		outcome = "repaired"
	}
	o.metrics.RecordCRSRepair(ctx, string(unit.Kind), outcome)
	return fix
}

// keepGeneric copies opaque files to the user's public directory.
func (o *Orchestrator) keepGeneric(ctx context.Context, rc *layer.RunContext, res layer.Resource, unit layer.ProcessingUnit) ([]layer.ResultUnit, error) {
	dir := filepath.Join(o.publicDir, rc.UserDir(), layer.SafeName(res.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create public dir: %w", err)
	}

	out := make([]layer.ResultUnit, 0, len(unit.Paths))
	for i, p := range unit.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := keptName(unit, i)
		dst := filepath.Join(dir, name)
		size, err := copyFile(p, dst)
		if err != nil {
			return nil, fmt.Errorf("keep %s: %w", name, err)
		}
		out = append(out, layer.ResultUnit{
			ResID:    res.ID,
			ResType:  res.Type,
			Title:    res.Title,
			FileName: name,
			Generic: &layer.GenericFile{
				Name:      name,
				Path:      dst,
				Size:      size,
				HumanSize: humanize.Bytes(uint64(size)),
			},
		})
	}
	o.metrics.RecordUnit(ctx, string(layer.KindGeneric), "pass_through")
	o.record(rc, wal.EntryPassThrough, res.ID, unitOutcome{FileName: unitFileName(unit), Kind: unit.Kind}, nil)
	return out, nil
}

func (o *Orchestrator) writeRecord(ctx context.Context, rec layer.LayerRecord) {
	if err := o.cache.Write(ctx, rec); err != nil {
		o.logger.WithContext(ctx).Warn().
			Err(err).
			Str("res_id", rec.ResID).
			Str("sub_file", rec.SubFileName).
			Msg("failed to cache layer record")
	}
}

// stage wraps a pipeline step in a span and stage logs.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()
	o.logger.LogStageStart(ctx, name, attrs...)
	err := fn(ctx)
	o.logger.LogStageEnd(ctx, name, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(layer.KindOf(err)))
	}
	return err
}

// fail turns err into a failed response. Unclassified errors reach the
// operator; the caller only sees the generic message.
func (o *Orchestrator) fail(ctx context.Context, rc *layer.RunContext, resID string, err error) layer.Response {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = layer.NewError(layer.KindUpstreamUnavailable, "ingest", "The request was cancelled before it completed.", err)
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(layer.KindOf(err)))

	kind := layer.KindOf(err)
	if kind == layer.KindInternal {
		o.notifier.Notify(ctx, rc, notify.Alert{Reason: notify.ReasonUnexpected, ResID: resID, Err: err})
	} else {
		o.logger.WithContext(ctx).Warn().
			Err(err).
			Str("res_id", resID).
			Str("kind", string(kind)).
			Msg("ingestion failed")
	}
	o.record(rc, wal.EntryFailed, resID, map[string]string{"kind": string(kind)}, err)
	return layer.FailedResponse(err)
}

// recoverPanic must be deferred directly. resID is read when the panic is
// caught since it may not be known yet when the defer is set up.
func (o *Orchestrator) recoverPanic(ctx context.Context, rc *layer.RunContext, resIDp *string, resp *layer.Response) {
	r := recover()
	if r == nil {
		return
	}
	resID := *resIDp
	err := layer.NewError(layer.KindInternal, "ingest", "", fmt.Errorf("panic: %v", r))
	o.notifier.Notify(ctx, rc, notify.Alert{
		Reason: notify.ReasonPanic,
		ResID:  resID,
		Detail: string(debug.Stack()),
		Err:    err,
	})
	o.record(rc, wal.EntryFailed, resID, map[string]string{"kind": string(layer.KindInternal)}, err)
	*resp = layer.FailedResponse(err)
}

func (o *Orchestrator) finish(ctx context.Context, rc *layer.RunContext, source, resID string, started time.Time, resp *layer.Response) {
	duration := time.Since(started)
	cached := len(resp.Results) > 0 && resp.Results[0].Cached
	o.metrics.RecordIngestion(ctx, source, resp.Success, duration.Seconds())
	o.record(rc, wal.EntryCompleted, resID, runSummary{
		Source:   source,
		Results:  len(resp.Results),
		Failures: len(resp.Failures),
		Cached:   cached,
	}, nil)

	o.logger.WithContext(ctx).Info().
		Str("run_id", rc.RunID).
		Str("res_id", resID).
		Str("source", source).
		Int("results", len(resp.Results)).
		Int("failures", len(resp.Failures)).
		Bool("cached", cached).
		Dur("duration", duration).
		Bool("success", resp.Success).
		Msg("ingestion complete")
}

// record appends to the audit journal when one is configured.
func (o *Orchestrator) record(rc *layer.RunContext, typ wal.EntryType, resID string, data any, err error) {
	if o.journal == nil {
		return
	}
	runID := ""
	if rc != nil {
		runID = rc.RunID
	}
	var jerr error
	if err != nil {
		jerr = o.journal.AppendError(typ, runID, resID, data, err)
	} else {
		jerr = o.journal.Append(typ, runID, resID, data)
	}
	if jerr != nil {
		o.logger.Warn().Err(jerr).Str("type", string(typ)).Msg("failed to write audit entry")
	}
}

func (o *Orchestrator) downloadDir(rc *layer.RunContext, resID string) string {
	return filepath.Join(o.scratchDir, rc.UserDir(), ".download", layer.SafeName(resID))
}

func lockKey(rc *layer.RunContext, resID string) string {
	return rc.Username + "\x00" + resID
}

func unitFileName(unit layer.ProcessingUnit) string {
	if unit.SubFileName != "" {
		return unit.SubFileName
	}
	if unit.OriginalName != "" {
		return unit.OriginalName
	}
	return filepath.Base(unit.PrimaryPath())
}

// keptName is the public name of the i-th member of a generic unit: the
// name it was uploaded under when known.
func keptName(unit layer.ProcessingUnit, i int) string {
	if i < len(unit.Originals) {
		if name := filepath.Base(unit.Originals[i]); name != "." && name != ".." && name != string(filepath.Separator) {
			return name
		}
	}
	return filepath.Base(unit.Paths[i])
}

// resultType narrows a generic resource's type to what the unit published as.
func resultType(t layer.ResourceType, kind layer.UnitKind) layer.ResourceType {
	if t != layer.TypeGeneric {
		return t
	}
	switch kind {
	case layer.KindVector:
		return layer.TypeVector
	case layer.KindRaster:
		return layer.TypeRaster
	default:
		return t
	}
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src) // #nosec G304 -- src is inside our scratch dir
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) // #nosec G304 -- dst is inside the public dir
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
