package style

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/geoingest/pkg/layer"
)

type cssParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// params collects every CssParameter in document order.
func params(t *testing.T, sld []byte) []cssParameter {
	t.Helper()
	var out []cssParameter
	dec := xml.NewDecoder(strings.NewReader(string(sld)))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "CssParameter" {
			var p cssParameter
			require.NoError(t, dec.DecodeElement(&p, &se))
			out = append(out, p)
		}
	}
	return out
}

func valueOf(ps []cssParameter, name string) string {
	for _, p := range ps {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

func TestFamily(t *testing.T) {
	tests := map[string]string{
		"MultiPolygon":       "polygon",
		"Polygon":            "polygon",
		"MultiSurface":       "polygon",
		"MultiLineString":    "line",
		"LineString":         "line",
		"Point":              "point",
		"MultiPoint":         "point",
		"GeometryCollection": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Family(in), in)
	}
}

func TestRender_Polygon(t *testing.T) {
	sld, err := Render("hydro:gis_abc", "MultiPolygon", map[string]string{
		ParamFill:        "#ff0000",
		ParamStrokeWidth: "2.5",
	})
	require.NoError(t, err)

	var doc struct {
		XMLName xml.Name `xml:"StyledLayerDescriptor"`
		Name    string   `xml:"NamedLayer>Name"`
		Title   string   `xml:"NamedLayer>UserStyle>Title"`
	}
	require.NoError(t, xml.Unmarshal(sld, &doc))
	assert.Equal(t, "hydro:gis_abc", doc.Name)
	assert.Equal(t, "gis_abc_style", doc.Title)

	ps := params(t, sld)
	assert.Equal(t, "#ff0000", valueOf(ps, "fill"))
	assert.Equal(t, "2.5", valueOf(ps, "stroke-width"))
	assert.Equal(t, "0.5", valueOf(ps, "fill-opacity"))
	assert.Contains(t, string(sld), "<PolygonSymbolizer>")
	assert.NotContains(t, string(sld), "<TextSymbolizer>")
}

func TestRender_PointWithLabels(t *testing.T) {
	sld, err := Render("hydro:gauges", "Point", map[string]string{
		ParamPointShape: "star",
		ParamPointSize:  "12",
		ParamLabelField: "SITE_NAME",
		ParamFontSize:   "14",
	})
	require.NoError(t, err)

	s := string(sld)
	assert.Contains(t, s, "<WellKnownName>star</WellKnownName>")
	assert.Contains(t, s, "<Size>12</Size>")
	assert.Contains(t, s, "<ogc:PropertyName>SITE_NAME</ogc:PropertyName>")
	assert.Equal(t, "14", valueOf(params(t, sld), "font-size"))
}

func TestRender_LineHasNoFill(t *testing.T) {
	sld, err := Render("hydro:rivers", "MultiLineString", nil)
	require.NoError(t, err)
	assert.NotContains(t, string(sld), `name="fill"`)
	assert.Contains(t, string(sld), "<LineSymbolizer>")
}

func TestRender_EscapesLabelField(t *testing.T) {
	sld, err := Render("hydro:x", "Point", map[string]string{ParamLabelField: `a<b&"c"`})
	require.NoError(t, err)
	var v struct {
		XMLName xml.Name
	}
	assert.NoError(t, xml.Unmarshal(sld, &v), "rendered document must stay well formed")
	assert.NotContains(t, string(sld), "a<b")
}

func TestRender_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		geomType string
		params   map[string]string
	}{
		{"raster geometry", "", nil},
		{"bad color", "Point", map[string]string{ParamFill: "red"}},
		{"opacity out of range", "Point", map[string]string{ParamFillOpacity: "1.5"}},
		{"bad shape", "Point", map[string]string{ParamPointShape: "hexagon"}},
		{"unknown parameter", "Point", map[string]string{"font-family": "Arial"}},
		{"markup injection", "Point", map[string]string{ParamStroke: "#000</CssParameter>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render("hydro:x", tt.geomType, tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, layer.ErrUnsupportedContent))
		})
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "gis_abc_1_style", Name("gis_abc_1"))
}
