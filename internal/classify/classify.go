// Package classify turns an extracted file set into typed processing units.
package classify

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// maxProjectBytes caps the size of a project file returned verbatim.
const maxProjectBytes = 16 << 20

var rasterExts = []string{".tif", ".tiff", ".vrt"}

// Converter is the GDAL/OGR tooling the classifier needs.
type Converter interface {
	Translate(ctx context.Context, src, dst string) error
	Retile(ctx context.Context, targetDir string, srcs []string) error
	ConvertToShapefile(ctx context.Context, src, dst string) error
	FeatureCount(ctx context.Context, path string) (int, error)
}

// Classifier dispatches file groups onto unit kinds.
type Classifier struct {
	tools           Converter
	projectPatterns []string
	pyramidBytes    uint64
	logger          *telemetry.Logger
}

// New creates a Classifier. Mosaics whose members exceed pyramidBytes are
// retiled before archiving; zero disables retiling.
func New(tools Converter, projectPatterns []string, pyramidBytes uint64) *Classifier {
	lowered := make([]string, 0, len(projectPatterns))
	for _, p := range projectPatterns {
		lowered = append(lowered, strings.ToLower(p))
	}
	return &Classifier{
		tools:           tools,
		projectPatterns: lowered,
		pyramidBytes:    pyramidBytes,
		logger:          telemetry.NewLogger("classify"),
	}
}

// Classify produces one unit per publishable or pass-through artifact.
// A failure on one group is reported without aborting its siblings.
func (c *Classifier) Classify(ctx context.Context, rc *layer.RunContext, hint layer.ResourceType, fs *extract.FileSet) ([]layer.ProcessingUnit, []layer.UnitFailure) {
	var (
		units    []layer.ProcessingUnit
		failures []layer.UnitFailure
		rasters  []extract.Group
	)

	multi := len(fs.Groups) > 1
	for _, g := range fs.Groups {
		if ctx.Err() != nil {
			failures = append(failures, layer.FailureFrom(g.OriginalName(), ctx.Err()))
			continue
		}

		if !g.IsCompleteShapefile() && g.HasAny(rasterExts...) && hint == layer.TypeRaster {
			rasters = append(rasters, g)
			continue
		}

		unit, err := c.classifyGroup(ctx, fs, g)
		if err != nil {
			c.logger.LogUnitFailure(ctx, fs.ResID, g.OriginalName(), err)
			failures = append(failures, layer.FailureFrom(g.OriginalName(), err))
			continue
		}
		if multi {
			unit.SubFileName = g.OriginalName()
		}
		units = append(units, unit)
	}

	if len(rasters) > 0 {
		unit, err := c.gatherRasters(ctx, fs, rasters)
		if err != nil {
			failures = append(failures, layer.FailureFrom(rasters[0].OriginalName(), err))
		} else {
			if len(units) > 0 || len(failures) > 0 {
				unit.SubFileName = rasters[0].OriginalName()
			}
			units = append(units, unit)
		}
	}

	sort.SliceStable(units, func(i, j int) bool { return units[i].SubFileName < units[j].SubFileName })
	c.logger.WithContext(ctx).Debug().
		Str("res_id", fs.ResID).
		Str("run_id", rc.RunID).
		Int("units", len(units)).
		Int("failures", len(failures)).
		Msg("classified")
	return units, failures
}

func (c *Classifier) classifyGroup(ctx context.Context, fs *extract.FileSet, g extract.Group) (layer.ProcessingUnit, error) {
	unit := layer.ProcessingUnit{
		ResID:        fs.ResID,
		SubIndex:     g.SubIndex,
		OriginalName: g.OriginalName(),
		Size:         g.Size,
	}

	switch {
	case g.IsCompleteShapefile():
		unit.Kind = layer.KindVector
		unit.Paths = g.ShapefilePaths()
	case g.HasAny(rasterExts...):
		paths, err := c.rasterMembers(ctx, fs, g)
		if err != nil {
			return unit, err
		}
		unit.Kind = layer.KindRaster
		unit.Paths = paths
	case g.Has(".kml"):
		paths, err := c.convertKML(ctx, fs, g)
		if err != nil {
			return unit, err
		}
		unit.Kind = layer.KindVector
		unit.Paths = paths
	case c.isProject(g):
		content, err := readProject(g)
		if err != nil {
			return unit, err
		}
		unit.Kind = layer.KindProject
		unit.Content = content
		unit.Paths = g.Paths()
	default:
		unit.Kind = layer.KindGeneric
		unit.Paths = g.Paths()
		unit.Originals = g.Originals()
	}

	unit.LayerNameHint = stemOf(unit.PrimaryPath())
	return unit, nil
}

// gatherRasters folds every raster group of a raster-coverage resource into
// a single unit, archived for mosaic assembly when there is more than one raster.
func (c *Classifier) gatherRasters(ctx context.Context, fs *extract.FileSet, groups []extract.Group) (layer.ProcessingUnit, error) {
	unit := layer.ProcessingUnit{ResID: fs.ResID, Kind: layer.KindRaster, OriginalName: groups[0].OriginalName()}

	var paths []string
	for _, g := range groups {
		members, err := c.rasterMembers(ctx, fs, g)
		if err != nil {
			return unit, err
		}
		paths = append(paths, members...)
		unit.Size += g.Size
	}
	unit.Paths = paths

	if countRasters(paths) <= 1 {
		unit.LayerNameHint = stemOf(unit.PrimaryPath())
		return unit, nil
	}

	unit.Mosaic = true
	members := paths
	if c.pyramidBytes > 0 && uint64(unit.Size) > c.pyramidBytes {
		tiled, err := c.retile(ctx, fs, unit.SubIndex, paths)
		if err != nil {
			return unit, err
		}
		members = tiled
	}

	archive := filepath.Join(fs.Dir, layer.StoreIDFor(layer.SafeName(fs.ResID), unit.SubIndex)+".zip")
	if err := extract.ZipFilesTo(archive, members); err != nil {
		return unit, layer.NewError(layer.KindUnsupportedContent, "classify", "The raster mosaic could not be assembled.", err)
	}
	unit.Archive = archive
	unit.LayerNameHint = stemOf(archive)
	return unit, nil
}

// rasterMembers returns the raster files of a group, translating a VRT
// into a GeoTIFF when no GeoTIFF is present. World files and other
// sidecars travel with the raster.
func (c *Classifier) rasterMembers(ctx context.Context, fs *extract.FileSet, g extract.Group) ([]string, error) {
	if g.HasAny(".tif", ".tiff") {
		var out []string
		for _, m := range g.Members {
			if m.Ext != ".vrt" {
				out = append(out, m.Path)
			}
		}
		return out, nil
	}

	vrt := g.Find(".vrt")
	dst := strings.TrimSuffix(vrt.Path, filepath.Ext(vrt.Path)) + ".tif"
	if err := c.tools.Translate(ctx, vrt.Path, dst); err != nil {
		return nil, layer.NewError(layer.KindUnsupportedContent, "classify",
			fmt.Sprintf("The raster %s could not be converted.", vrt.Original), err)
	}
	return []string{dst}, nil
}

func (c *Classifier) retile(ctx context.Context, fs *extract.FileSet, sub int, paths []string) ([]string, error) {
	dir := filepath.Join(fs.Dir, fmt.Sprintf("tiles_%d", sub))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tile dir: %w", err)
	}

	var sources []string
	for _, p := range paths {
		if isRaster(p) {
			sources = append(sources, p)
		}
	}
	if err := c.tools.Retile(ctx, dir, sources); err != nil {
		return nil, layer.NewError(layer.KindUnsupportedContent, "classify", "The raster mosaic could not be tiled.", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tile dir: %w", err)
	}
	var tiles []string
	for _, e := range entries {
		if !e.IsDir() && isRaster(e.Name()) {
			tiles = append(tiles, filepath.Join(dir, e.Name()))
		}
	}
	if len(tiles) == 0 {
		return nil, layer.NewError(layer.KindUnsupportedContent, "classify", "The raster mosaic produced no tiles.", nil)
	}
	return tiles, nil
}

// convertKML converts the group's KML into a shapefile set in a per-sub-index
// directory. Zero converted features is unsupported content for this file only.
func (c *Classifier) convertKML(ctx context.Context, fs *extract.FileSet, g extract.Group) ([]string, error) {
	kml := g.Find(".kml")
	dir := filepath.Join(fs.Dir, fmt.Sprintf("convert_%d", g.SubIndex))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversion dir: %w", err)
	}
	shp := filepath.Join(dir, layer.StoreIDFor(layer.SafeName(fs.ResID), g.SubIndex)+".shp")

	insufficient := fmt.Sprintf("%s contains insufficient geospatial information.", kml.Original)
	if err := c.tools.ConvertToShapefile(ctx, kml.Path, shp); err != nil {
		return nil, layer.NewError(layer.KindUnsupportedContent, "classify", insufficient, err)
	}
	n, err := c.tools.FeatureCount(ctx, shp)
	if err != nil || n == 0 {
		return nil, layer.NewError(layer.KindUnsupportedContent, "classify", insufficient, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read conversion dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

func (c *Classifier) isProject(g extract.Group) bool {
	if len(g.Members) != 1 {
		return false
	}
	name := strings.ToLower(g.Members[0].Original)
	for _, p := range c.projectPatterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func readProject(g extract.Group) (string, error) {
	m := g.Members[0]
	if m.Size > maxProjectBytes {
		return "", layer.NewError(layer.KindTooLarge, "classify", "The project file is too large to open.", nil)
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return "", fmt.Errorf("read project file: %w", err)
	}
	return string(data), nil
}

func isRaster(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".tif" || ext == ".tiff"
}

func countRasters(paths []string) int {
	n := 0
	for _, p := range paths {
		if isRaster(p) {
			n++
		}
	}
	return n
}

func stemOf(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
