// Package timeseries locates the monitoring site behind a time-series
// reference resource.
package timeseries

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// DefaultUnits labels coordinates read from an ODM database.
const DefaultUnits = "Decimal degrees"

// Locator resolves site coordinates from science metadata, falling back to
// an ODM SQLite file in the resource.
type Locator struct {
	logger *telemetry.Logger
}

// NewLocator creates a Locator.
func NewLocator() *Locator {
	return &Locator{logger: telemetry.NewLogger("timeseries")}
}

// Locate returns the site of resID. files is the resource listing; when nil
// it is fetched on demand. dir receives the ODM file if one is needed.
func (l *Locator) Locate(ctx context.Context, c repository.Client, resID string, files []repository.FileInfo, dir string) (*layer.SiteInfo, error) {
	meta, err := c.ScienceMetadata(ctx, resID)
	switch {
	case err == nil:
		site, perr := ParseCoveragePoint(meta)
		if perr == nil && site != nil {
			return site, nil
		}
		if perr != nil {
			l.logger.WithContext(ctx).Debug().Err(perr).Str("res_id", resID).Msg("science metadata unreadable")
		}
	case errors.Is(err, layer.ErrNotFound):
	default:
		return nil, err
	}

	if files == nil {
		if files, err = c.ListFiles(ctx, resID); err != nil {
			return nil, err
		}
	}
	name := odmFile(files)
	if name == "" {
		return nil, layer.NewError(layer.KindInsufficientMetadata, "site lookup", "", fmt.Errorf("%s: no coverage point and no ODM database", resID))
	}

	p, err := c.DownloadFile(ctx, resID, name, dir)
	if err != nil {
		return nil, err
	}
	site, err := SiteFromODM(ctx, p)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, layer.NewError(layer.KindInsufficientMetadata, "site lookup", "", fmt.Errorf("%s: ODM database has no located site", resID))
	}
	l.logger.WithContext(ctx).Debug().Str("res_id", resID).Str("file", name).Msg("site read from ODM database")
	return site, nil
}

func odmFile(files []repository.FileInfo) string {
	for _, f := range files {
		if strings.EqualFold(path.Ext(f.Name), ".sqlite") {
			return f.Name
		}
	}
	return ""
}

// ParseCoveragePoint reads the dcterms:point coverage from science metadata.
// It returns nil without error when the document has no point coverage.
func ParseCoveragePoint(doc []byte) (*layer.SiteInfo, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	inPoint := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse science metadata: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "point" {
				inPoint = true
				continue
			}
			if inPoint && t.Name.Local == "value" {
				var v string
				if err := dec.DecodeElement(&v, &t); err != nil {
					return nil, fmt.Errorf("parse coverage point: %w", err)
				}
				return parsePointValue(v)
			}
		case xml.EndElement:
			if t.Name.Local == "point" {
				inPoint = false
			}
		}
	}
}

// parsePointValue parses "east=..; north=..; units=..; projection=..".
func parsePointValue(v string) (*layer.SiteInfo, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(v, ";") {
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(val)
	}

	east, err := strconv.ParseFloat(fields["east"], 64)
	if err != nil {
		return nil, fmt.Errorf("coverage point east %q: %w", fields["east"], err)
	}
	north, err := strconv.ParseFloat(fields["north"], 64)
	if err != nil {
		return nil, fmt.Errorf("coverage point north %q: %w", fields["north"], err)
	}
	return &layer.SiteInfo{
		Lon:        east,
		Lat:        north,
		Units:      fields["units"],
		Projection: fields["projection"],
	}, nil
}

const siteQuery = `
SELECT s.Latitude, s.Longitude, sr.SRSName
FROM Sites s
LEFT JOIN SpatialReferences sr ON sr.SpatialReferenceID = s.SpatialReferenceID
LIMIT 1`

// SiteFromODM reads the first site of an ODM database. It returns nil when
// the site has no coordinates.
func SiteFromODM(ctx context.Context, dbPath string) (*layer.SiteInfo, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ODM database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var (
		lat, lon sql.NullFloat64
		srs      sql.NullString
	)
	err = db.QueryRowContext(ctx, siteQuery).Scan(&lat, &lon, &srs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, layer.NewError(layer.KindUnsupportedContent, "site lookup", "", fmt.Errorf("query ODM sites: %w", err))
	}
	if !lat.Valid || !lon.Valid || lat.Float64 == 0 || lon.Float64 == 0 {
		return nil, nil
	}
	return &layer.SiteInfo{
		Lon:        lon.Float64,
		Lat:        lat.Float64,
		Units:      DefaultUnits,
		Projection: srs.String,
	}, nil
}
