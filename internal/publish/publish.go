// Package publish pushes processing units to the map service as layers and
// reads back their metadata.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/geoingest/internal/crs"
	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/gdal"
	"github.com/yairfalse/geoingest/internal/geoserver"
	"github.com/yairfalse/geoingest/internal/metrics"
	"github.com/yairfalse/geoingest/internal/style"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

var tracer = otel.Tracer("github.com/yairfalse/geoingest/internal/publish")

// Encoding is the payload format sent to the map service.
type Encoding string

const (
	EncodingGeoTIFF        Encoding = "geotiff"
	EncodingImageMosaic    Encoding = "imagemosaic"
	EncodingShapefileZip   Encoding = "shapefile-zip"
	EncodingShapefileLoose Encoding = "shapefile-upload"
	EncodingShapefileRef   Encoding = "shapefile-reference"
)

// RasterInfo dumps raster metadata for band statistics.
type RasterInfo interface {
	Info(ctx context.Context, path string) (string, error)
}

// Manager publishes units into one workspace.
type Manager struct {
	client    *geoserver.Client
	raster    RasterInfo
	sharedDir string
	metrics   *metrics.Metrics
	logger    *telemetry.Logger
}

// NewManager creates a Manager. sharedDir is the directory the map service
// can read directly; empty disables publication by reference. raster may be
// nil, in which case no band info is collected.
func NewManager(client *geoserver.Client, raster RasterInfo, sharedDir string, m *metrics.Metrics) *Manager {
	if sharedDir != "" {
		sharedDir = filepath.Clean(sharedDir)
	}
	return &Manager{
		client:    client,
		raster:    raster,
		sharedDir: sharedDir,
		metrics:   m,
		logger:    telemetry.NewLogger("publish"),
	}
}

// Ping checks that the map service answers.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// Workspace returns the target workspace.
func (m *Manager) Workspace() string {
	return m.client.Workspace()
}

// EncodingFor picks the payload format of a publishable unit.
func (m *Manager) EncodingFor(unit layer.ProcessingUnit) (Encoding, error) {
	switch unit.Kind {
	case layer.KindRaster:
		if unit.Mosaic {
			if unit.Archive == "" {
				return "", fmt.Errorf("mosaic %s has no archive", unit.StoreID())
			}
			return EncodingImageMosaic, nil
		}
		return EncodingGeoTIFF, nil
	case layer.KindVector:
		if unit.Archive != "" {
			return EncodingShapefileZip, nil
		}
		if m.underSharedDir(unit.PrimaryPath()) {
			return EncodingShapefileRef, nil
		}
		return EncodingShapefileLoose, nil
	default:
		return "", fmt.Errorf("unit kind %q is not publishable", unit.Kind)
	}
}

func (m *Manager) underSharedDir(p string) bool {
	if m.sharedDir == "" || p == "" {
		return false
	}
	rel, err := filepath.Rel(m.sharedDir, filepath.Clean(p))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Publish uploads the unit and returns the published layer with its
// metadata. Republishing the same unit replaces the store.
func (m *Manager) Publish(ctx context.Context, unit layer.ProcessingUnit, fix crs.Result) (layer.PublishedLayer, error) {
	ctx, span := tracer.Start(ctx, "publish.unit")
	defer span.End()

	storeID := unit.StoreID()
	span.SetAttributes(
		attribute.String("store.id", storeID),
		attribute.String("unit.kind", string(unit.Kind)),
	)

	enc, err := m.EncodingFor(unit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return layer.PublishedLayer{}, layer.NewError(layer.KindPublicationFailure, "publish", "", err)
	}
	span.SetAttributes(attribute.String("encoding", string(enc)))

	started := time.Now()
	m.logger.LogStageStart(ctx, "publish", attribute.String("store_id", storeID), attribute.String("encoding", string(enc)))

	published, err := m.publish(ctx, unit, enc, fix)
	m.logger.LogStageEnd(ctx, "publish", started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordPublication(ctx, string(enc), "failure", string(layer.KindOf(err)))
		return layer.PublishedLayer{}, err
	}
	m.metrics.RecordPublication(ctx, string(enc), "success", "")
	return published, nil
}

func (m *Manager) publish(ctx context.Context, unit layer.ProcessingUnit, enc Encoding, fix crs.Result) (layer.PublishedLayer, error) {
	storeID := unit.StoreID()
	kind := storeKind(unit.Kind)

	body, err := m.uploadWithWorkspace(ctx, func() ([]byte, error) {
		return m.upload(ctx, unit, enc)
	})
	if err != nil {
		return layer.PublishedLayer{}, err
	}

	name := echoedName(body)
	if name == "" {
		names, err := m.client.ListLayers(ctx, kind, storeID)
		if err != nil {
			return layer.PublishedLayer{}, err
		}
		if len(names) == 0 {
			return layer.PublishedLayer{}, layer.Errorf(layer.KindPublicationFailure, "publish",
				"The map service created no layer for %s.", displayName(unit))
		}
		name = names[len(names)-1]
	}

	if fix.Fallback && fix.Code > 0 {
		if err := m.client.SetDeclaredSRS(ctx, kind, storeID, name, fix.Code); err != nil {
			m.logger.WithContext(ctx).Warn().Err(err).Str("layer", name).Int("code", fix.Code).
				Msg("could not force declared srs")
		}
	}

	out := layer.PublishedLayer{
		LayerName:  name,
		LayerID:    layer.LayerID(m.client.Workspace(), name),
		StoreID:    storeID,
		Attributes: []string{},
	}
	if err := m.describe(ctx, unit, &out); err != nil {
		return layer.PublishedLayer{}, err
	}
	return out, nil
}

// uploadWithWorkspace runs fn and, when the workspace is absent, creates it
// and runs fn exactly once more.
func (m *Manager) uploadWithWorkspace(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	body, err := fn()
	if err == nil {
		return body, nil
	}
	apiErr, ok := geoserver.AsAPIError(err)
	if !ok || !apiErr.WorkspaceMissing() {
		return nil, err
	}

	m.logger.WithContext(ctx).Info().Str("workspace", m.client.Workspace()).Msg("creating missing workspace")
	if err := m.client.CreateWorkspace(ctx); err != nil {
		return nil, err
	}
	body, err = fn()
	if err != nil {
		if layer.KindOf(err) == layer.KindUpstreamUnavailable {
			return nil, err
		}
		return nil, layer.NewError(layer.KindPublicationFailure, "publish", "", err)
	}
	return body, nil
}

func (m *Manager) upload(ctx context.Context, unit layer.ProcessingUnit, enc Encoding) ([]byte, error) {
	storeID := unit.StoreID()
	switch enc {
	case EncodingGeoTIFF:
		return uploadFile(unit.PrimaryPath(), func(r io.Reader) ([]byte, error) {
			return m.client.UploadCoverage(ctx, storeID, "geotiff", r)
		})
	case EncodingImageMosaic:
		return uploadFile(unit.Archive, func(r io.Reader) ([]byte, error) {
			return m.client.UploadCoverage(ctx, storeID, "imagemosaic", r)
		})
	case EncodingShapefileZip:
		return uploadFile(unit.Archive, func(r io.Reader) ([]byte, error) {
			return m.client.UploadShapefile(ctx, storeID, r)
		})
	case EncodingShapefileRef:
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(unit.PrimaryPath())}
		return m.client.ReferenceShapefile(ctx, storeID, u.String())
	default:
		var buf bytes.Buffer
		if err := extract.ZipFiles(&buf, unit.Paths); err != nil {
			return nil, fmt.Errorf("zip shapefile set: %w", err)
		}
		return m.client.UploadShapefile(ctx, storeID, &buf)
	}
}

func uploadFile(path string, send func(io.Reader) ([]byte, error)) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path is inside our scratch dir
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	defer func() { _ = f.Close() }()
	return send(f)
}

// echoedName returns the layer name when the upload response carries one.
func echoedName(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var resp map[string]struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	for _, key := range []string{"featureType", "coverage", "layer"} {
		if v, ok := resp[key]; ok && v.Name != "" {
			return v.Name
		}
	}
	return ""
}

func (m *Manager) describe(ctx context.Context, unit layer.ProcessingUnit, out *layer.PublishedLayer) error {
	if unit.Kind == layer.KindVector {
		info, err := m.client.FeatureType(ctx, out.StoreID, out.LayerName)
		if err != nil {
			return err
		}
		out.Extents = info.Extents
		out.Attributes = info.Attributes
		out.GeomType = info.GeomType
		return nil
	}

	info, err := m.client.Coverage(ctx, out.StoreID, out.LayerName)
	if err != nil {
		return err
	}
	out.Extents = info.Extents

	if m.raster == nil || unit.Mosaic {
		return nil
	}
	dump, err := m.raster.Info(ctx, unit.PrimaryPath())
	if err != nil {
		m.logger.WithContext(ctx).Warn().Err(err).Str("store_id", out.StoreID).Msg("no band info")
		return nil
	}
	if bands, band := gdal.ParseBands(dump); bands == 1 {
		out.BandInfo = band
	}
	return nil
}

// DeleteStore removes the external store behind a cached record. Records
// without a store are ignored.
func (m *Manager) DeleteStore(ctx context.Context, rec layer.LayerRecord) error {
	if rec.StoreID == "" || !rec.Kind.Publishable() {
		return nil
	}
	return m.client.DeleteStore(ctx, storeKind(rec.Kind), rec.StoreID)
}

// ApplyStyle uploads sld as <layer>_style and makes it the layer default.
func (m *Manager) ApplyStyle(ctx context.Context, layerID, sld string) (string, error) {
	ws, name := layer.SplitLayerID(layerID)
	if ws != "" && ws != m.client.Workspace() {
		return "", layer.Errorf(layer.KindNotFound, "style", "Layer %s is not managed here.", layerID)
	}
	styleName := style.Name(name)
	if err := m.client.PutStyle(ctx, styleName, sld); err != nil {
		return "", err
	}
	if err := m.client.SetDefaultStyle(ctx, name, styleName); err != nil {
		return "", err
	}
	return styleName, nil
}

// Query passes a WFS or WMS request through to the map service.
func (m *Manager) Query(ctx context.Context, service string, params url.Values) ([]byte, error) {
	return m.client.OWS(ctx, service, params)
}

func storeKind(kind layer.UnitKind) geoserver.StoreKind {
	if kind == layer.KindRaster {
		return geoserver.CoverageStore
	}
	return geoserver.DataStore
}

func displayName(unit layer.ProcessingUnit) string {
	if unit.SubFileName != "" {
		return unit.SubFileName
	}
	return unit.ResID
}
