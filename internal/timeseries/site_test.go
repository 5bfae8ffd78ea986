package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/pkg/layer"
)

const scimeta = `<?xml version="1.0"?>
<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
         xmlns:dc="http://purl.org/dc/elements/1.1/"
         xmlns:dcterms="http://purl.org/dc/terms/">
  <rdf:Description rdf:about="http://www.hydroshare.org/resource/ts1">
    <dc:title>Logan River at Mendon Road</dc:title>
    <dc:coverage>
      <dcterms:period><rdf:value>start=2014-01-01; end=2015-01-01</rdf:value></dcterms:period>
    </dc:coverage>
    <dc:coverage>
      <dcterms:point>
        <rdf:value>name=Mendon Rd; east=-111.9465; north=41.7183; units=Decimal degrees; projection=WGS 84 EPSG:4326</rdf:value>
      </dcterms:point>
    </dc:coverage>
  </rdf:Description>
</rdf:RDF>`

type mockClient struct {
	repository.Client
	scimetaFn  func() ([]byte, error)
	listFn     func() ([]repository.FileInfo, error)
	downloadFn func(name, dir string) (string, error)
}

func (m *mockClient) ScienceMetadata(context.Context, string) ([]byte, error) {
	return m.scimetaFn()
}

func (m *mockClient) ListFiles(context.Context, string) ([]repository.FileInfo, error) {
	return m.listFn()
}

func (m *mockClient) DownloadFile(_ context.Context, _, name, dir string) (string, error) {
	return m.downloadFn(name, dir)
}

func writeODM(t *testing.T, dir string, lat, lon float64, srs string) string {
	t.Helper()
	p := filepath.Join(dir, "odm.sqlite")
	db, err := sql.Open("sqlite", p)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	stmts := []string{
		`CREATE TABLE SpatialReferences (SpatialReferenceID INTEGER PRIMARY KEY, SRSID INTEGER, SRSName TEXT)`,
		`CREATE TABLE Sites (SiteID INTEGER PRIMARY KEY, SiteCode TEXT, Latitude REAL, Longitude REAL, SpatialReferenceID INTEGER)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO SpatialReferences VALUES (1, 4269, ?)`, srs)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO Sites VALUES (1, 'LR_MR', ?, ?, 1)`, lat, lon)
	require.NoError(t, err)
	return p
}

func TestParseCoveragePoint(t *testing.T) {
	site, err := ParseCoveragePoint([]byte(scimeta))
	require.NoError(t, err)
	require.NotNil(t, site)
	assert.Equal(t, layer.SiteInfo{
		Lon:        -111.9465,
		Lat:        41.7183,
		Units:      "Decimal degrees",
		Projection: "WGS 84 EPSG:4326",
	}, *site)
}

func TestParseCoveragePoint_NoPoint(t *testing.T) {
	site, err := ParseCoveragePoint([]byte(`<rdf:RDF xmlns:rdf="r"><rdf:Description/></rdf:RDF>`))
	require.NoError(t, err)
	assert.Nil(t, site)
}

func TestParseCoveragePoint_BadNumbers(t *testing.T) {
	doc := `<r xmlns:dcterms="d" xmlns:rdf="r"><dcterms:point><rdf:value>east=west; north=1</rdf:value></dcterms:point></r>`
	_, err := ParseCoveragePoint([]byte(doc))
	assert.Error(t, err)
}

func TestSiteFromODM(t *testing.T) {
	p := writeODM(t, t.TempDir(), 41.7183, -111.9465, "NAD83")

	site, err := SiteFromODM(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, site)
	assert.Equal(t, 41.7183, site.Lat)
	assert.Equal(t, -111.9465, site.Lon)
	assert.Equal(t, DefaultUnits, site.Units)
	assert.Equal(t, "NAD83", site.Projection)
}

func TestSiteFromODM_NoCoordinates(t *testing.T) {
	p := writeODM(t, t.TempDir(), 0, 0, "NAD83")
	site, err := SiteFromODM(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, site)
}

func TestLocate_PrefersScienceMetadata(t *testing.T) {
	c := &mockClient{
		scimetaFn: func() ([]byte, error) { return []byte(scimeta), nil },
		listFn: func() ([]repository.FileInfo, error) {
			t.Fatal("listing not needed")
			return nil, nil
		},
	}
	site, err := NewLocator().Locate(context.Background(), c, "ts1", nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 41.7183, site.Lat)
}

func TestLocate_FallsBackToODM(t *testing.T) {
	src := t.TempDir()
	odm := writeODM(t, src, 40.5, -111.5, "WGS84")
	var fetched string
	c := &mockClient{
		scimetaFn: func() ([]byte, error) { return nil, layer.NewError(layer.KindNotFound, "scimeta", "", nil) },
		listFn: func() ([]repository.FileInfo, error) {
			return []repository.FileInfo{{Name: "readme.txt"}, {Name: "ODM.SQLite"}}, nil
		},
		downloadFn: func(name, dir string) (string, error) {
			fetched = name
			return odm, nil
		},
	}

	site, err := NewLocator().Locate(context.Background(), c, "ts1", nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ODM.SQLite", fetched)
	assert.Equal(t, 40.5, site.Lat)
	assert.Equal(t, "WGS84", site.Projection)
}

func TestLocate_InsufficientMetadata(t *testing.T) {
	c := &mockClient{
		scimetaFn: func() ([]byte, error) { return []byte(`<rdf:RDF xmlns:rdf="r"/>`), nil },
	}
	_, err := NewLocator().Locate(context.Background(), c, "ts1", []repository.FileInfo{{Name: "data.csv"}}, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, layer.ErrInsufficientMetadata))
}

func TestLocate_UpstreamErrorPropagates(t *testing.T) {
	c := &mockClient{
		scimetaFn: func() ([]byte, error) { return nil, layer.NewError(layer.KindUpstreamUnavailable, "scimeta", "", nil) },
	}
	_, err := NewLocator().Locate(context.Background(), c, "ts1", nil, t.TempDir())
	assert.True(t, errors.Is(err, layer.ErrUpstreamUnavailable))
}
