// Package gdal wraps the GDAL/OGR command line tools used during ingestion.
package gdal

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/shell"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// Markers delimiting the coordinate system block of a gdalinfo dump.
const (
	crsStartMarker   = "Coordinate System is:"
	crsEndMarker     = "Origin ="
	crsAxisEndMarker = "Data axis to CRS axis mapping:"
)

// RetileSize is the tile edge in pixels used when pyramiding large mosaics.
const RetileSize = 2048

var (
	bandLineRe     = regexp.MustCompile(`(?m)^Band \d+\b`)
	minMaxRe       = regexp.MustCompile(`(?m)^\s*Min=(\S+)\s+Max=(\S+)`)
	computedRe     = regexp.MustCompile(`(?m)^\s*Computed Min/Max=([^,\s]+),(\S+)`)
	noDataRe       = regexp.MustCompile(`(?m)^\s*NoData Value=(\S+)`)
	unitTypeRe     = regexp.MustCompile(`(?m)^\s*Unit Type:\s*(\S+)`)
	featureCountRe = regexp.MustCompile(`(?m)^Feature Count:\s*(-?\d+)`)
)

// Tools invokes GDAL executables through a shell.Runner.
type Tools struct {
	runner shell.Runner
	cfg    config.ToolsConfig
}

// New creates a Tools bound to the configured executables.
func New(runner shell.Runner, cfg config.ToolsConfig) *Tools {
	return &Tools{runner: runner, cfg: cfg}
}

// Info returns the gdalinfo dump of a raster, with min/max computed.
func (t *Tools) Info(ctx context.Context, path string) (string, error) {
	res, err := t.runner.Run(ctx, t.cfg.GDALInfo, "-mm", "-wkt_format", "WKT1", path)
	if err != nil {
		return "", fmt.Errorf("gdalinfo %s: %w", filepath.Base(path), err)
	}
	return res.Stdout, nil
}

// SetSRS rewrites the raster's coordinate system tag in place.
func (t *Tools) SetSRS(ctx context.Context, path string, code int) error {
	if _, err := t.runner.Run(ctx, t.cfg.GDALEdit, "-a_srs", fmt.Sprintf("EPSG:%d", code), path); err != nil {
		return fmt.Errorf("set srs on %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Translate converts src (e.g. a VRT) into a GeoTIFF at dst.
func (t *Tools) Translate(ctx context.Context, src, dst string) error {
	if _, err := t.runner.Run(ctx, t.cfg.GDALTranslate, "-of", "GTiff", src, dst); err != nil {
		return fmt.Errorf("translate %s: %w", filepath.Base(src), err)
	}
	return nil
}

// Retile cuts srcs into RetileSize tiles under targetDir.
func (t *Tools) Retile(ctx context.Context, targetDir string, srcs []string) error {
	size := strconv.Itoa(RetileSize)
	args := []string{"-ps", size, size, "-co", "TILED=YES", "-targetDir", targetDir}
	args = append(args, srcs...)
	if _, err := t.runner.Run(ctx, t.cfg.GDALRetile, args...); err != nil {
		return fmt.Errorf("retile into %s: %w", targetDir, err)
	}
	return nil
}

// ConvertToShapefile converts a vector source (KML) into a shapefile set at dst.
// Unsupported features are skipped and geometries promoted to their multi type.
func (t *Tools) ConvertToShapefile(ctx context.Context, src, dst string) error {
	args := []string{"-f", "ESRI Shapefile", "-skipfailures", "-append", "-nlt", "PROMOTE_TO_MULTI", dst, src}
	if _, err := t.runner.Run(ctx, t.cfg.OGR2OGR, args...); err != nil {
		return fmt.Errorf("convert %s: %w", filepath.Base(src), err)
	}
	return nil
}

// FeatureCount sums the feature counts over every layer of a vector source.
func (t *Tools) FeatureCount(ctx context.Context, path string) (int, error) {
	res, err := t.runner.Run(ctx, t.cfg.OGRInfo, "-so", "-al", path)
	if err != nil {
		return 0, fmt.Errorf("ogrinfo %s: %w", filepath.Base(path), err)
	}
	return ParseFeatureCount(res.Stdout), nil
}

// ParseFeatureCount sums every "Feature Count:" line of an ogrinfo summary.
func ParseFeatureCount(out string) int {
	total := 0
	for _, m := range featureCountRe.FindAllStringSubmatch(out, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			total += n
		}
	}
	return total
}

// ParseCRS extracts the coordinate system text from a gdalinfo dump.
// It returns "" when the raster carries no coordinate system.
func ParseCRS(info string) string {
	start := strings.Index(info, crsStartMarker)
	if start < 0 {
		return ""
	}
	rest := info[start+len(crsStartMarker):]

	end := -1
	for _, marker := range []string{crsAxisEndMarker, crsEndMarker} {
		if i := strings.Index(rest, marker); i >= 0 && (end < 0 || i < end) {
			end = i
		}
	}
	if end >= 0 {
		rest = rest[:end]
	}

	wkt := strings.TrimSpace(rest)
	if wkt == "`'" || wkt == "''" {
		return ""
	}
	return wkt
}

// ParseBands returns the band count and, for single-band rasters, the band statistics.
func ParseBands(info string) (int, *layer.BandInfo) {
	count := len(bandLineRe.FindAllString(info, -1))
	if count != 1 {
		return count, nil
	}

	band := &layer.BandInfo{}
	if m := minMaxRe.FindStringSubmatch(info); m != nil {
		band.Min = parseFloat(m[1])
		band.Max = parseFloat(m[2])
	} else if m := computedRe.FindStringSubmatch(info); m != nil {
		band.Min = parseFloat(m[1])
		band.Max = parseFloat(m[2])
	}
	if m := noDataRe.FindStringSubmatch(info); m != nil {
		band.NoData = parseFloat(m[1])
	}
	if m := unitTypeRe.FindStringSubmatch(info); m != nil {
		band.Units = m[1]
	}
	return count, band
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimRight(s, ","), 64)
	if err != nil {
		return nil
	}
	return &v
}
