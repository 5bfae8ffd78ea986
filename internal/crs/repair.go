// Package crs repairs the declared coordinate system of raster and vector
// payloads against an external WKT lookup service.
package crs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yairfalse/geoingest/internal/gdal"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// DefaultFallbackCode is web mercator.
const DefaultFallbackCode = 3857

// Result is the outcome of a repair. OK is always true for a returned
// Result; CRS problems degrade to the fallback code instead of failing.
type Result struct {
	OK           bool
	Code         int
	RewrittenWKT string
	Message      string
	Changed      bool
	Fallback     bool // Code is the fallback, not a resolved code
	Strips       int  // Clauses stripped before the lookup matched
}

// RasterTools is the subset of GDAL tooling used for rasters.
type RasterTools interface {
	Info(ctx context.Context, path string) (string, error)
	SetSRS(ctx context.Context, path string, code int) error
}

// Repairer runs the repair protocol.
type Repairer struct {
	lookup   Lookup
	tools    RasterTools
	fallback int
	logger   *telemetry.Logger
}

// NewRepairer creates a Repairer. A non-positive fallback uses DefaultFallbackCode.
func NewRepairer(lookup Lookup, tools RasterTools, fallback int) *Repairer {
	if fallback <= 0 {
		fallback = DefaultFallbackCode
	}
	return &Repairer{
		lookup:   lookup,
		tools:    tools,
		fallback: fallback,
		logger:   telemetry.NewLogger("crs"),
	}
}

// FallbackCode returns the configured fallback EPSG code.
func (r *Repairer) FallbackCode() int {
	return r.fallback
}

// Repair inspects and, where possible, fixes the coordinate system of the
// unit file at path. For vectors path is the .shp (or .prj) member.
// The only error returned is a DegradedService error from the lookup service.
func (r *Repairer) Repair(ctx context.Context, kind layer.UnitKind, path string) (Result, error) {
	switch kind {
	case layer.KindRaster:
		return r.repairRaster(ctx, path)
	case layer.KindVector:
		return r.repairVector(ctx, path)
	default:
		return Result{OK: true}, nil
	}
}

func (r *Repairer) repairRaster(ctx context.Context, path string) (Result, error) {
	info, err := r.tools.Info(ctx, path)
	if err != nil {
		return r.Fallback(ctx, layer.KindRaster, path, "The raster could not be inspected; a default projection was assumed."), nil
	}

	wkt := gdal.ParseCRS(info)
	if wkt == "" {
		return r.Fallback(ctx, layer.KindRaster, path, ""), nil
	}

	res, err := r.resolve(ctx, layer.KindRaster, path, wkt)
	if err != nil || res.Fallback || res.Code == 0 {
		return res, err
	}

	if err := r.tools.SetSRS(ctx, path, res.Code); err != nil {
		r.logger.WithContext(ctx).Warn().Err(err).Str("path", path).Int("epsg", res.Code).
			Msg("could not rewrite raster coordinate system")
		res.Message = "The coordinate system could not be written to the raster."
		return res, nil
	}
	res.Changed = true
	return res, nil
}

func (r *Repairer) repairVector(ctx context.Context, path string) (Result, error) {
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	data, err := os.ReadFile(prj) // #nosec G304 -- path is inside our scratch dir
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return r.Fallback(ctx, layer.KindVector, path, "The projection file is missing or empty; a default projection was assumed."), nil
	}
	original := strings.TrimSpace(string(data))

	res, err := r.resolve(ctx, layer.KindVector, path, original)
	if err != nil || res.Fallback || res.Code == 0 {
		return res, err
	}

	canonical, err := r.lookup.WKT(ctx, res.Code)
	if err != nil {
		if errors.Is(err, layer.ErrDegradedService) {
			return Result{}, err
		}
		r.logger.WithContext(ctx).Warn().Err(err).Int("epsg", res.Code).Msg("canonical text unavailable")
		return res, nil
	}
	if canonical == "" || canonical == original {
		return res, nil
	}

	if err := os.WriteFile(prj, []byte(canonical), 0o644); err != nil {
		return Result{}, fmt.Errorf("rewrite %s: %w", filepath.Base(prj), err)
	}
	res.Changed = true
	res.RewrittenWKT = canonical
	return res, nil
}

// resolve runs the strip-and-retry loop. The loop ends when the service
// answers, or when stripping no longer shrinks the text.
func (r *Repairer) resolve(ctx context.Context, kind layer.UnitKind, path, wkt string) (Result, error) {
	text := wkt
	strips := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		found, err := r.lookup.Search(ctx, text)
		if err != nil {
			if errors.Is(err, layer.ErrDegradedService) {
				return Result{}, err
			}
			return r.Fallback(ctx, kind, path, "The coordinate system could not be resolved; a default projection was assumed."), nil
		}

		if found.Error != "" {
			if param, ok := unknownParameter(found.Error); ok {
				next := StripClause(text, param)
				if len(next) < len(text) {
					r.logger.WithContext(ctx).Debug().Str("parameter", param).Int("strips", strips+1).
						Msg("stripped unknown parameter")
					text = next
					strips++
					continue
				}
			}
			return r.Fallback(ctx, kind, path,
				fmt.Sprintf("The coordinate system was not recognized (%s); a default projection was assumed.", found.Error)), nil
		}

		if len(found.Codes) == 0 {
			return Result{OK: true, Strips: strips}, nil
		}
		return Result{OK: true, Code: found.Codes[0], Strips: strips}, nil
	}
}

// Fallback forces the fallback code. Rasters get the code written into the
// file; vectors rely on the map service's declared SRS.
func (r *Repairer) Fallback(ctx context.Context, kind layer.UnitKind, path, msg string) Result {
	res := Result{OK: true, Code: r.fallback, Changed: true, Fallback: true, Message: msg}
	if kind == layer.KindRaster {
		if err := r.tools.SetSRS(ctx, path, r.fallback); err != nil {
			r.logger.WithContext(ctx).Warn().Err(err).Str("path", path).Msg("could not tag raster with fallback code")
		}
	}
	r.logger.LogCRSFallback(ctx, path, r.fallback, msg)
	return res
}
