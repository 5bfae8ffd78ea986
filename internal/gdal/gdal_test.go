package gdal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/shell"
)

type mockRunner struct {
	calls [][]string
	runFn func(name string, args []string) (shell.Result, error)
}

func (m *mockRunner) Run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	if m.runFn != nil {
		return m.runFn(name, args)
	}
	return shell.Result{}, nil
}

func testTools(r shell.Runner) *Tools {
	cfg := config.Default().Tools
	return New(r, cfg)
}

const infoWithCRS = `Driver: GTiff/GeoTIFF
Files: dem.tif
Size is 512, 512
Coordinate System is:
PROJCS["NAD83 / UTM zone 12N",
    GEOGCS["NAD83",
        DATUM["North_American_Datum_1983"]],
    UNIT["metre",1]]
Data axis to CRS axis mapping: 1,2
Origin = (440720.000000000000000,3751320.000000000000000)
Pixel Size = (60.000000000000000,-60.000000000000000)
Band 1 Block=512x16 Type=Float32, ColorInterp=Gray
    Computed Min/Max=1022.500,1745.250
  NoData Value=-9999
  Unit Type: m
`

const infoNoCRS = `Driver: GTiff/GeoTIFF
Files: raw.tif
Size is 10, 10
Origin = (0,0)
Band 1 Block=10x10 Type=Byte, ColorInterp=Gray
  Min=0.000 Max=255.000
`

const infoMultiBand = `Driver: GTiff/GeoTIFF
Coordinate System is:
GEOGCS["WGS 84"]
Origin = (0,0)
Band 1 Block=10x10 Type=Byte, ColorInterp=Red
Band 2 Block=10x10 Type=Byte, ColorInterp=Green
Band 3 Block=10x10 Type=Byte, ColorInterp=Blue
`

func TestParseCRS(t *testing.T) {
	tests := []struct {
		name string
		info string
		want string
	}{
		{"axis mapping end marker", infoWithCRS, "PROJCS[\"NAD83 / UTM zone 12N\",\n    GEOGCS[\"NAD83\",\n        DATUM[\"North_American_Datum_1983\"]],\n    UNIT[\"metre\",1]]"},
		{"no crs block", infoNoCRS, ""},
		{"origin end marker", infoMultiBand, `GEOGCS["WGS 84"]`},
		{"legacy empty marker", "Coordinate System is `'\nCoordinate System is:\n`'\nOrigin = (0,0)", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCRS(tt.info))
		})
	}
}

func TestParseBands_SingleBand(t *testing.T) {
	n, band := ParseBands(infoWithCRS)
	require.Equal(t, 1, n)
	require.NotNil(t, band)
	require.NotNil(t, band.Min)
	require.NotNil(t, band.Max)
	require.NotNil(t, band.NoData)
	assert.Equal(t, 1022.5, *band.Min)
	assert.Equal(t, 1745.25, *band.Max)
	assert.Equal(t, -9999.0, *band.NoData)
	assert.Equal(t, "m", band.Units)
}

func TestParseBands_MinMaxLine(t *testing.T) {
	n, band := ParseBands(infoNoCRS)
	require.Equal(t, 1, n)
	require.NotNil(t, band)
	assert.Equal(t, 0.0, *band.Min)
	assert.Equal(t, 255.0, *band.Max)
	assert.Nil(t, band.NoData)
}

func TestParseBands_MultiBand(t *testing.T) {
	n, band := ParseBands(infoMultiBand)
	assert.Equal(t, 3, n)
	assert.Nil(t, band)
}

func TestParseFeatureCount(t *testing.T) {
	out := `INFO: Open of 'doc.kml'
Layer name: Placemarks
Geometry: Point
Feature Count: 4
Layer name: Paths
Feature Count: 2
Layer name: Empty
Feature Count: -1
`
	assert.Equal(t, 6, ParseFeatureCount(out))
	assert.Equal(t, 0, ParseFeatureCount("Layer name: x\nFeature Count: 0\n"))
}

func TestTools_SetSRS(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, testTools(r).SetSRS(context.Background(), "/tmp/a.tif", 3857))

	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"gdal_edit.py", "-a_srs", "EPSG:3857", "/tmp/a.tif"}, r.calls[0])
}

func TestTools_ConvertToShapefile(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, testTools(r).ConvertToShapefile(context.Background(), "in.kml", "out.shp"))

	assert.Equal(t, []string{"ogr2ogr", "-f", "ESRI Shapefile", "-skipfailures", "-append",
		"-nlt", "PROMOTE_TO_MULTI", "out.shp", "in.kml"}, r.calls[0])
}

func TestTools_Retile(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, testTools(r).Retile(context.Background(), "/out", []string{"a.tif", "b.tif"}))

	call := r.calls[0]
	assert.Equal(t, "gdal_retile.py", call[0])
	assert.Contains(t, call, "-targetDir")
	assert.Equal(t, []string{"a.tif", "b.tif"}, call[len(call)-2:])
}

func TestTools_FeatureCount(t *testing.T) {
	r := &mockRunner{runFn: func(name string, args []string) (shell.Result, error) {
		return shell.Result{Stdout: "Feature Count: 12\n"}, nil
	}}
	n, err := testTools(r).FeatureCount(context.Background(), "x.shp")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, []string{"ogrinfo", "-so", "-al", "x.shp"}, r.calls[0])
}

func TestTools_InfoError(t *testing.T) {
	r := &mockRunner{runFn: func(name string, args []string) (shell.Result, error) {
		return shell.Result{}, &shell.ExitError{Name: name, ExitCode: 1, Stderr: "not recognized"}
	}}
	_, err := testTools(r).Info(context.Background(), "/tmp/bad.tif")
	require.Error(t, err)

	var exitErr *shell.ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Contains(t, err.Error(), "bad.tif")
}
