// Package style renders SLD documents for vector layers from CSS-like
// parameters.
package style

import (
	"bytes"
	"embed"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/yairfalse/geoingest/pkg/layer"
)

//go:embed templates/sld.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("sld").Funcs(template.FuncMap{
	"esc": escape,
}).ParseFS(templateFS, "templates/sld.tmpl"))

// Symbolizer families, in match order against a layer's geometry type.
var families = []struct {
	match    string
	template string
}{
	{"polygon", "polygon"},
	{"surface", "polygon"},
	{"line", "line"},
	{"point", "point"},
}

// Parameter names accepted by Render.
const (
	ParamFill            = "fill"
	ParamFillOpacity     = "fill-opacity"
	ParamStroke          = "stroke"
	ParamStrokeWidth     = "stroke-width"
	ParamStrokeOpacity   = "stroke-opacity"
	ParamPointShape      = "point-shape"
	ParamPointSize       = "point-size"
	ParamLabelField      = "label-field"
	ParamFontSize        = "font-size"
	ParamFontFill        = "font-fill"
	ParamFontFillOpacity = "font-fill-opacity"
)

var defaults = map[string]string{
	ParamFill:            "#3388ff",
	ParamFillOpacity:     "0.5",
	ParamStroke:          "#000000",
	ParamStrokeWidth:     "1",
	ParamStrokeOpacity:   "1",
	ParamPointShape:      "circle",
	ParamPointSize:       "8",
	ParamFontSize:        "12",
	ParamFontFill:        "#000000",
	ParamFontFillOpacity: "1",
}

var (
	colorRe = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
	shapes  = map[string]bool{"circle": true, "square": true, "triangle": true, "star": true, "cross": true, "x": true}
)

type document struct {
	LayerID         string
	Name            string
	Fill            string
	FillOpacity     string
	Stroke          string
	StrokeWidth     string
	StrokeOpacity   string
	PointShape      string
	PointSize       string
	Labels          bool
	LabelField      string
	FontSize        string
	FontFill        string
	FontFillOpacity string
}

// Name returns the deterministic style name of a layer.
func Name(layerName string) string {
	return layerName + "_style"
}

// Family returns the symbolizer family for a geometry type such as
// "MultiPolygon" or "LineString", or "" when none applies.
func Family(geomType string) string {
	g := strings.ToLower(geomType)
	for _, f := range families {
		if strings.Contains(g, f.match) {
			return f.template
		}
	}
	return ""
}

// Render builds the SLD for layerID. Labels are drawn when a label field is
// given. Unknown parameters are rejected.
func Render(layerID, geomType string, params map[string]string) ([]byte, error) {
	family := Family(geomType)
	if family == "" {
		return nil, layer.Errorf(layer.KindUnsupportedContent, "style", "Layers with geometry %q cannot be styled.", geomType)
	}

	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	var unknown []string
	for k, v := range params {
		if _, ok := defaults[k]; !ok && k != ParamLabelField {
			unknown = append(unknown, k)
			continue
		}
		if err := validate(k, v); err != nil {
			return nil, err
		}
		values[k] = strings.TrimSpace(v)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, layer.Errorf(layer.KindUnsupportedContent, "style", "Unknown style parameters: %s.", strings.Join(unknown, ", "))
	}

	_, name := layer.SplitLayerID(layerID)
	doc := document{
		LayerID:         layerID,
		Name:            Name(name),
		Fill:            values[ParamFill],
		FillOpacity:     values[ParamFillOpacity],
		Stroke:          values[ParamStroke],
		StrokeWidth:     values[ParamStrokeWidth],
		StrokeOpacity:   values[ParamStrokeOpacity],
		PointShape:      values[ParamPointShape],
		PointSize:       values[ParamPointSize],
		Labels:          values[ParamLabelField] != "",
		LabelField:      values[ParamLabelField],
		FontSize:        values[ParamFontSize],
		FontFill:        values[ParamFontFill],
		FontFillOpacity: values[ParamFontFillOpacity],
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, family, doc); err != nil {
		return nil, fmt.Errorf("render %s style: %w", family, err)
	}
	return buf.Bytes(), nil
}

func validate(key, value string) error {
	v := strings.TrimSpace(value)
	bad := func() error {
		return layer.Errorf(layer.KindUnsupportedContent, "style", "Invalid value %q for %s.", value, key)
	}
	switch key {
	case ParamFill, ParamStroke, ParamFontFill:
		if !colorRe.MatchString(v) {
			return bad()
		}
	case ParamFillOpacity, ParamStrokeOpacity, ParamFontFillOpacity:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return bad()
		}
	case ParamStrokeWidth, ParamPointSize, ParamFontSize:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 100 {
			return bad()
		}
	case ParamPointShape:
		if !shapes[strings.ToLower(v)] {
			return bad()
		}
	}
	return nil
}

func escape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}
