// Package geoservertest provides an in-memory GeoServer REST fake for tests.
package geoservertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/yairfalse/geoingest/internal/config"
)

const (
	Username = "admin"
	Password = "geoserver"
)

// Request is one call received by the fake.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

type store struct {
	kind    string
	layers  []string
	payload []byte
	srs     string
}

// Server fakes the subset of the REST API the publisher uses. Uploaded
// stores expose one layer named after the store.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	workspace       string
	workspaceExists bool
	stores          map[string]*store
	styles          map[string]string
	defaultStyles   map[string]string
	requests        []Request

	// Attributes served for every feature type, geometry first.
	Attributes []Attribute
	// FailUploads makes the next n uploads answer 503.
	FailUploads int
	// EchoName answers uploads with the created layer's name.
	EchoName bool
	// OWS overrides the WFS/WMS answer, which otherwise echoes the query.
	OWS func(service string, q url.Values) []byte
}

// Attribute is a feature type attribute.
type Attribute struct {
	Name    string `json:"name"`
	Binding string `json:"binding"`
}

// New starts a fake with an existing workspace.
func New(workspace string) *Server {
	s := &Server{
		workspace:       workspace,
		workspaceExists: true,
		stores:          make(map[string]*store),
		styles:          make(map[string]string),
		defaultStyles:   make(map[string]string),
		Attributes: []Attribute{
			{Name: "the_geom", Binding: "org.locationtech.jts.geom.MultiPolygon"},
			{Name: "NAME", Binding: "java.lang.String"},
			{Name: "AREA", Binding: "java.lang.Double"},
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Config returns map service settings pointing at the fake.
func (s *Server) Config() config.MapServiceConfig {
	return config.MapServiceConfig{
		URL:          s.URL + "/geoserver",
		Workspace:    s.workspace,
		NamespaceURI: "http://geoingest/" + s.workspace,
		Username:     Username,
		Password:     Password,
	}
}

// DropWorkspace makes the workspace absent until it is created again.
func (s *Server) DropWorkspace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceExists = false
}

// Stores returns the ids of existing stores, sorted.
func (s *Server) Stores() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.stores))
	for id := range s.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasStore reports whether a store exists.
func (s *Server) HasStore(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[id]
	return ok
}

// Payload returns the bytes last uploaded into a store.
func (s *Server) Payload(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[id]; ok {
		return st.payload
	}
	return nil
}

// DeclaredSRS returns the SRS forced on a store's layer, if any.
func (s *Server) DeclaredSRS(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[id]; ok {
		return st.srs
	}
	return ""
}

// Style returns an uploaded style body.
func (s *Server) Style(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sld, ok := s.styles[name]
	return sld, ok
}

// DefaultStyle returns the default style set on a layer.
func (s *Server) DefaultStyle(layerName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultStyles[layerName]
}

// Requests returns a copy of every call received.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many calls matched method and a path suffix.
func (s *Server) Count(method, suffix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded requests.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != Username || pass != Password {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})

	path := strings.TrimPrefix(r.URL.Path, "/geoserver")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/rest/about/version.json":
		writeJSON(w, map[string]any{"about": map[string]any{"resource": []any{}}})
	case path == "/rest/workspaces" && r.Method == http.MethodPost:
		if s.workspaceExists {
			http.Error(w, "Workspace exists", http.StatusConflict)
			return
		}
		s.workspaceExists = true
		w.WriteHeader(http.StatusCreated)
	case strings.HasPrefix(path, "/rest/namespaces/"):
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(path, "/rest/layers/"):
		s.handleLayer(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/rest/layers/"), ".json"), body)
	case len(parts) >= 4 && parts[0] == "rest" && parts[1] == "workspaces":
		if !s.workspaceExists || parts[2] != s.workspace {
			http.Error(w, fmt.Sprintf("No such workspace: '%s'", parts[2]), http.StatusNotFound)
			return
		}
		s.handleWorkspace(w, r, parts[3:], body)
	case len(parts) == 2 && parts[0] == s.workspace && (parts[1] == "wfs" || parts[1] == "wms"):
		if s.OWS != nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(s.OWS(parts[1], r.URL.Query()))
			return
		}
		writeJSON(w, map[string]any{"service": r.URL.Query().Get("service"), "params": r.URL.Query()})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request, parts []string, body []byte) {
	if parts[0] == "styles" {
		s.handleStyle(w, r, parts[1:], body)
		return
	}
	if len(parts) < 2 || (parts[0] != "datastores" && parts[0] != "coveragestores") {
		http.NotFound(w, r)
		return
	}
	kind, id := parts[0], parts[1]
	rest := parts[2:]

	if len(rest) == 0 && r.Method == http.MethodDelete {
		if _, ok := s.stores[id]; !ok {
			http.Error(w, "No such store: "+id, http.StatusNotFound)
			return
		}
		delete(s.stores, id)
		w.WriteHeader(http.StatusOK)
		return
	}
	if len(rest) == 1 && r.Method == http.MethodPut && (strings.HasPrefix(rest[0], "file.") || rest[0] == "external.shp") {
		s.handleUpload(w, kind, id, body)
		return
	}

	st, ok := s.stores[id]
	if !ok || st.kind != kind {
		http.Error(w, "No such store: "+id, http.StatusNotFound)
		return
	}

	switch {
	case len(rest) == 1 && (rest[0] == "featuretypes.json" || rest[0] == "coverages.json"):
		s.writeLayerList(w, st)
	case len(rest) == 2 && (rest[0] == "featuretypes" || rest[0] == "coverages"):
		name := strings.TrimSuffix(rest[1], ".json")
		if !contains(st.layers, name) {
			http.Error(w, "No such layer: "+name, http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPut {
			s.applySRS(st, body)
			w.WriteHeader(http.StatusOK)
			return
		}
		s.writeLayer(w, st, name)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, kind, id string, body []byte) {
	if s.FailUploads > 0 {
		s.FailUploads--
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.stores[id] = &store{kind: kind, layers: []string{id}, payload: body}
	if s.EchoName {
		key := "featureType"
		if kind == "coveragestores" {
			key = "coverage"
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{key: map[string]string{"name": id}})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) applySRS(st *store, body []byte) {
	var req map[string]struct {
		SRS string `json:"srs"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	for _, v := range req {
		st.srs = v.SRS
	}
}

func (s *Server) writeLayerList(w http.ResponseWriter, st *store) {
	outer, inner := "featureTypes", "featureType"
	if st.kind == "coveragestores" {
		outer, inner = "coverages", "coverage"
	}
	items := make([]map[string]string, 0, len(st.layers))
	for _, l := range st.layers {
		items = append(items, map[string]string{"name": l})
	}
	writeJSON(w, map[string]any{outer: map[string]any{inner: items}})
}

func (s *Server) writeLayer(w http.ResponseWriter, st *store, name string) {
	bbox := map[string]any{"minx": -111.9, "maxx": -111.7, "miny": 40.6, "maxy": 40.8, "crs": "EPSG:4326"}
	if st.kind == "coveragestores" {
		writeJSON(w, map[string]any{"coverage": map[string]any{"name": name, "latLonBoundingBox": bbox}})
		return
	}
	writeJSON(w, map[string]any{"featureType": map[string]any{
		"name":              name,
		"latLonBoundingBox": bbox,
		"attributes":        map[string]any{"attribute": s.Attributes},
	}})
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request, parts []string, body []byte) {
	switch {
	case r.Method == http.MethodPost && len(parts) == 0:
		s.styles[r.URL.Query().Get("name")] = string(body)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && len(parts) == 1:
		if _, ok := s.styles[parts[0]]; !ok {
			http.Error(w, "No such style: "+parts[0], http.StatusNotFound)
			return
		}
		s.styles[parts[0]] = string(body)
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request, layerID string, body []byte) {
	if r.Method != http.MethodPut {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Layer struct {
			DefaultStyle struct {
				Name string `json:"name"`
			} `json:"defaultStyle"`
		} `json:"layer"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := layerID
	if i := strings.Index(layerID, ":"); i >= 0 {
		name = layerID[i+1:]
	}
	s.defaultStyles[name] = req.Layer.DefaultStyle.Name
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
