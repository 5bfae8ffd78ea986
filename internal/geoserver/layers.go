package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/yairfalse/geoingest/pkg/layer"
)

// geometryColumn is the attribute GeoServer exposes shapefile geometry under.
const geometryColumn = "the_geom"

// FeatureTypeInfo is the published metadata of a vector layer.
type FeatureTypeInfo struct {
	Name       string
	Extents    layer.BBox
	Attributes []string
	GeomType   string
}

// CoverageInfo is the published metadata of a raster layer.
type CoverageInfo struct {
	Name    string
	Extents layer.BBox
}

type bboxJSON struct {
	MinX float64 `json:"minx"`
	MaxX float64 `json:"maxx"`
	MinY float64 `json:"miny"`
	MaxY float64 `json:"maxy"`
	CRS  any     `json:"crs"`
}

func (b bboxJSON) toBBox() layer.BBox {
	out := layer.BBox{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY}
	switch v := b.CRS.(type) {
	case string:
		out.CRS = v
	case map[string]any:
		if s, ok := v["$"].(string); ok {
			out.CRS = s
		}
	}
	return out
}

type attributeJSON struct {
	Name    string `json:"name"`
	Binding string `json:"binding"`
}

type named struct {
	Name string `json:"name"`
}

// oneOrMany decodes GeoServer's JSON lists, which collapse to a bare object
// for a single element and to an empty string for none.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []T
		err := json.Unmarshal(raw, &list)
		return list, err
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// ListLayers returns the layer names of a store in server order.
func (c *Client) ListLayers(ctx context.Context, kind StoreKind, store string) ([]string, error) {
	var (
		path  string
		outer string
		inner string
	)
	switch kind {
	case DataStore:
		path, outer, inner = c.storePath(kind, store)+"/featuretypes.json", "featureTypes", "featureType"
	default:
		path, outer, inner = c.storePath(kind, store)+"/coverages.json", "coverages", "coverage"
	}

	var envelope map[string]json.RawMessage
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, err
	}
	var wrapper map[string]json.RawMessage
	if raw := bytes.TrimSpace(envelope[outer]); len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	items, err := oneOrMany[named](wrapper[inner])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	return names, nil
}

// FeatureType fetches the bbox, ordered attribute names and geometry kind of a vector layer.
func (c *Client) FeatureType(ctx context.Context, store, name string) (FeatureTypeInfo, error) {
	var resp struct {
		FeatureType struct {
			Name              string   `json:"name"`
			LatLonBoundingBox bboxJSON `json:"latLonBoundingBox"`
			Attributes        struct {
				Attribute json.RawMessage `json:"attribute"`
			} `json:"attributes"`
		} `json:"featureType"`
	}
	path := c.storePath(DataStore, store) + "/featuretypes/" + url.PathEscape(name) + ".json"
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return FeatureTypeInfo{}, err
	}

	attrs, err := oneOrMany[attributeJSON](resp.FeatureType.Attributes.Attribute)
	if err != nil {
		return FeatureTypeInfo{}, fmt.Errorf("decode attributes: %w", err)
	}

	info := FeatureTypeInfo{
		Name:       resp.FeatureType.Name,
		Extents:    resp.FeatureType.LatLonBoundingBox.toBBox(),
		Attributes: []string{},
	}
	for _, a := range attrs {
		if a.Name == geometryColumn || strings.HasPrefix(a.Binding, "org.locationtech.jts.geom.") ||
			strings.HasPrefix(a.Binding, "com.vividsolutions.jts.geom.") {
			info.GeomType = bindingKind(a.Binding)
			continue
		}
		info.Attributes = append(info.Attributes, a.Name)
	}
	return info, nil
}

// bindingKind returns the simple class name of a geometry binding.
func bindingKind(binding string) string {
	if i := strings.LastIndex(binding, "."); i >= 0 {
		return binding[i+1:]
	}
	return binding
}

// Coverage fetches the bbox of a raster layer.
func (c *Client) Coverage(ctx context.Context, store, name string) (CoverageInfo, error) {
	var resp struct {
		Coverage struct {
			Name              string   `json:"name"`
			LatLonBoundingBox bboxJSON `json:"latLonBoundingBox"`
		} `json:"coverage"`
	}
	path := c.storePath(CoverageStore, store) + "/coverages/" + url.PathEscape(name) + ".json"
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return CoverageInfo{}, err
	}
	return CoverageInfo{
		Name:    resp.Coverage.Name,
		Extents: resp.Coverage.LatLonBoundingBox.toBBox(),
	}, nil
}

// SetDeclaredSRS forces the layer's declared SRS and recomputes its bounds.
func (c *Client) SetDeclaredSRS(ctx context.Context, kind StoreKind, store, name string, code int) error {
	srs := fmt.Sprintf("EPSG:%d", code)
	q := url.Values{}
	q.Set("recalculate", "nativebbox,latlonbbox")

	if kind == DataStore {
		body := map[string]any{"featureType": map[string]string{"srs": srs, "projectionPolicy": "FORCE_DECLARED"}}
		return c.putJSON(ctx, c.storePath(kind, store)+"/featuretypes/"+url.PathEscape(name)+".json", q, body)
	}
	body := map[string]any{"coverage": map[string]string{"srs": srs, "projectionPolicy": "FORCE_DECLARED"}}
	return c.putJSON(ctx, c.storePath(kind, store)+"/coverages/"+url.PathEscape(name)+".json", q, body)
}

// PutStyle creates or replaces an SLD style in the workspace.
func (c *Client) PutStyle(ctx context.Context, name, sld string) error {
	const sldType = "application/vnd.ogc.sld+xml"
	stylePath := fmt.Sprintf("/rest/workspaces/%s/styles", url.PathEscape(c.workspace))

	q := url.Values{}
	q.Set("raw", "true")
	_, _, err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        stylePath + "/" + url.PathEscape(name),
		query:       q,
		body:        strings.NewReader(sld),
		contentType: sldType,
	})
	if !isStatus(err, http.StatusNotFound) {
		return err
	}

	q = url.Values{}
	q.Set("name", name)
	_, _, err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        stylePath,
		query:       q,
		body:        strings.NewReader(sld),
		contentType: sldType,
	})
	return err
}

// SetDefaultStyle makes a workspace style the layer's default.
func (c *Client) SetDefaultStyle(ctx context.Context, layerName, styleName string) error {
	body := map[string]any{"layer": map[string]any{
		"defaultStyle": map[string]string{"name": styleName, "workspace": c.workspace},
	}}
	return c.putJSON(ctx, "/rest/layers/"+url.PathEscape(layer.LayerID(c.workspace, layerName))+".json", nil, body)
}

// OWS passes a query through to the WFS or WMS endpoint and returns the raw body.
func (c *Client) OWS(ctx context.Context, service string, params url.Values) ([]byte, error) {
	svc := strings.ToLower(service)
	if svc != "wfs" && svc != "wms" {
		return nil, fmt.Errorf("unsupported service %q", service)
	}
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("service", strings.ToUpper(svc))
	body, _, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/" + url.PathEscape(c.workspace) + "/" + svc,
		query:  q,
		accept: "*/*",
	})
	return body, err
}
