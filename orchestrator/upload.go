package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/pkg/layer"
	"github.com/yairfalse/geoingest/wal"
)

// UploadID derives the resource id of an upload from its target and
// content, so the same files always land on the same stores.
func UploadID(target string, files []extract.Upload) (string, error) {
	sorted := make([]extract.Upload, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, f := range sorted {
		_, _ = io.WriteString(h, f.Name)
		_, _ = h.Write([]byte{0})
		r, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open upload %s: %w", f.Name, err)
		}
		_, err = io.Copy(h, r)
		_ = r.Close()
		if err != nil {
			return "", fmt.Errorf("hash upload %s: %w", f.Name, err)
		}
	}

	prefix := target
	if prefix == "" {
		prefix = "upload"
	}
	return layer.SafeName(prefix) + "_" + hex.EncodeToString(h.Sum(nil))[:12], nil
}

// IngestFromUpload publishes directly uploaded files, then adds the raw
// files to the target resource. Failing to add them only warns.
func (o *Orchestrator) IngestFromUpload(ctx context.Context, rc *layer.RunContext, creds repository.Credentials, req UploadRequest) (resp layer.Response) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "ingest.upload", trace.WithAttributes(
		attribute.String("target_id", req.TargetID),
		attribute.String("run_id", rc.RunID),
		attribute.Int("files", len(req.Files)),
	))
	defer span.End()

	var resID string
	defer func() { o.finish(ctx, rc, sourceUpload, resID, started, &resp) }()
	defer o.recoverPanic(ctx, rc, &resID, &resp)

	if len(req.Files) == 0 {
		return o.fail(ctx, rc, "", layer.Errorf(layer.KindUnsupportedContent, "upload", "No files were uploaded."))
	}
	id, err := UploadID(req.TargetID, req.Files)
	if err != nil {
		return o.fail(ctx, rc, "", err)
	}
	resID = id

	unlock, err := o.locks.Lock(ctx, lockKey(rc, resID))
	if err != nil {
		return o.fail(ctx, rc, resID, err)
	}
	defer unlock()

	o.record(rc, wal.EntryRequested, resID, map[string]string{"source": sourceUpload, "user": rc.Username, "target": req.TargetID}, nil)

	resp, err = o.ingestUpload(ctx, rc, creds, resID, req)
	if err != nil {
		return o.fail(ctx, rc, resID, err)
	}
	return resp
}

func (o *Orchestrator) ingestUpload(ctx context.Context, rc *layer.RunContext, creds repository.Credentials, resID string, req UploadRequest) (layer.Response, error) {
	records, err := o.cache.Lookup(ctx, resID)
	if err != nil {
		return layer.Response{}, fmt.Errorf("cache lookup: %w", err)
	}
	if len(records) > 0 {
		o.logger.LogCacheHit(ctx, resID, len(records))
		return o.fromCache(ctx, rc, resID, records), nil
	}

	var fs *extract.FileSet
	err = o.stage(ctx, "extract", func(ctx context.Context) error {
		fs, err = o.extractor.Extract(ctx, rc, resID, extract.Input{Uploads: req.Files})
		return err
	})
	if err != nil {
		return layer.Response{}, err
	}

	res := layer.Resource{ID: resID, Type: layer.TypeGeneric, Title: uploadTitle(req)}
	resp, err := o.process(ctx, rc, res, fs)
	if err != nil || !resp.Success || req.TargetID == "" {
		return resp, err
	}

	if err := o.addToTarget(ctx, creds, req); err != nil {
		o.logger.WithContext(ctx).Warn().
			Err(err).
			Str("res_id", resID).
			Str("target_id", req.TargetID).
			Msg("failed to add uploaded files to target resource")
		resp.Message = fmt.Sprintf("%s The files could not be added to resource %s: %s",
			resp.Message, req.TargetID, layer.UserMessage(err))
	}
	return resp, nil
}

// addToTarget uploads the raw files to the target resource with bounded retry.
func (o *Orchestrator) addToTarget(ctx context.Context, creds repository.Credentials, req UploadRequest) error {
	client, err := o.repo.ForUser(ctx, creds)
	if err != nil {
		return err
	}
	return o.stage(ctx, "add_to_target", func(ctx context.Context) error {
		for _, f := range req.Files {
			err := o.retry.Do(ctx, "upload file", func(ctx context.Context) error {
				r, err := f.Open()
				if err != nil {
					return fmt.Errorf("open upload %s: %w", f.Name, err)
				}
				defer func() { _ = r.Close() }()
				return client.UploadFile(ctx, req.TargetID, f.Name, r)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func uploadTitle(req UploadRequest) string {
	if len(req.Files) == 1 {
		return req.Files[0].Name
	}
	return req.TargetID
}
