// Package layer defines the domain model shared by the ingestion pipeline.
package layer

import (
	"path/filepath"
	"strings"
	"time"
)

// ResourceType is the content category of an upstream resource.
type ResourceType string

const (
	TypeVector     ResourceType = "vector-features"
	TypeRaster     ResourceType = "raster-coverage"
	TypeTimeSeries ResourceType = "time-series-reference"
	TypeGeneric    ResourceType = "generic"
)

// ParseResourceType maps repository type names and canonical names onto a ResourceType.
// Anything unrecognized is generic.
func ParseResourceType(s string) ResourceType {
	switch strings.TrimSpace(s) {
	case string(TypeVector), "GeographicFeatureResource":
		return TypeVector
	case string(TypeRaster), "RasterResource":
		return TypeRaster
	case string(TypeTimeSeries), "RefTimeSeriesResource", "TimeSeriesResource":
		return TypeTimeSeries
	default:
		return TypeGeneric
	}
}

// UnitKind is what a processing unit turns into.
type UnitKind string

const (
	KindVector  UnitKind = "vector"
	KindRaster  UnitKind = "raster"
	KindProject UnitKind = "project"
	KindGeneric UnitKind = "generic"
	KindSite    UnitKind = "site"
)

// Publishable reports whether units of this kind go to the map service.
func (k UnitKind) Publishable() bool {
	return k == KindVector || k == KindRaster
}

// Resource is an upstream content container.
type Resource struct {
	ID               string       `json:"id"`
	Type             ResourceType `json:"type"`
	Title            string       `json:"title"`
	ModificationTime string       `json:"modification_time"` // Upstream format, not trusted
}

// ProcessingUnit is one classified artifact of a resource.
type ProcessingUnit struct {
	ResID         string
	SubIndex      int    // 0 when the resource yields a single unit
	SubFileName   string // Original file name for multi-unit resources
	OriginalName  string // Name the unit's primary file was uploaded under
	Kind          UnitKind
	Paths         []string // Member files on disk
	Originals     []string // Uploaded names of Paths, when known
	Archive       string   // Pre-built archive, if any
	Mosaic        bool
	LayerNameHint string
	Content       string // Project payload
	Size          int64
	Site          *SiteInfo
}

// StoreID returns the deterministic store id for the unit.
func (u ProcessingUnit) StoreID() string {
	return StoreIDFor(u.ResID, u.SubIndex)
}

// PrimaryPath returns the file that represents the unit: the .shp of a
// shapefile set or the first raster member.
func (u ProcessingUnit) PrimaryPath() string {
	want := map[UnitKind][]string{
		KindVector: {".shp"},
		KindRaster: {".tif", ".tiff"},
	}[u.Kind]
	for _, p := range u.Paths {
		ext := strings.ToLower(filepath.Ext(p))
		for _, w := range want {
			if ext == w {
				return p
			}
		}
	}
	if len(u.Paths) > 0 {
		return u.Paths[0]
	}
	return ""
}

// BBox is a lat/lon bounding box.
type BBox struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
	CRS  string  `json:"crs,omitempty"`
}

// IsZero reports whether no extent was recorded.
func (b BBox) IsZero() bool {
	return b.MinX == 0 && b.MinY == 0 && b.MaxX == 0 && b.MaxY == 0
}

// BandInfo describes a single-band raster.
type BandInfo struct {
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	NoData *float64 `json:"nodata,omitempty"`
	Units  string   `json:"units,omitempty"`
}

// SiteInfo locates a time-series reference.
type SiteInfo struct {
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	Units      string  `json:"units,omitempty"`
	Projection string  `json:"projection,omitempty"`
}

// LayerRecord is the cached descriptor of one published (or site) unit.
type LayerRecord struct {
	ResID            string       `json:"res_id"`
	SubFileName      string       `json:"sub_file_name,omitempty"`
	Title            string       `json:"title,omitempty"`
	LayerName        string       `json:"layer_name,omitempty"`
	LayerID          string       `json:"layer_id,omitempty"`
	StoreID          string       `json:"store_id,omitempty"`
	ResType          ResourceType `json:"res_type"`
	Kind             UnitKind     `json:"kind"`
	Extents          BBox         `json:"extents"`
	Attributes       []string     `json:"attributes,omitempty"`
	GeomType         string       `json:"geom_type,omitempty"`
	BandInfo         *BandInfo    `json:"band_info,omitempty"`
	SiteInfo         *SiteInfo    `json:"site_info,omitempty"`
	ModificationTime string       `json:"modification_time"`
	CachedAt         time.Time    `json:"cached_at"`
}

// Key returns the cache key of the record.
func (r LayerRecord) Key() string {
	return RecordKey(r.ResID, r.SubFileName)
}

// StoreHandle identifies a store and layer on the map service.
type StoreHandle struct {
	Workspace string
	StoreID   string
	LayerName string
}

// LayerID returns the qualified layer id.
func (h StoreHandle) LayerID() string {
	return LayerID(h.Workspace, h.LayerName)
}
