// Package geoserver is a client for the GeoServer REST and OWS endpoints
// used to publish and query layers.
package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// StoreKind selects the REST collection a store lives in.
type StoreKind string

const (
	DataStore     StoreKind = "datastores"
	CoverageStore StoreKind = "coveragestores"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 2048

// APIError is a non-success response from the map service.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// WorkspaceMissing reports whether the failure names an absent workspace.
func (e *APIError) WorkspaceMissing() bool {
	body := strings.ToLower(e.Body)
	if !strings.Contains(body, "workspace") {
		return false
	}
	return strings.Contains(body, "no such") || strings.Contains(body, "not found") ||
		strings.Contains(body, "does not exist")
}

// Client talks to one GeoServer instance and workspace.
type Client struct {
	baseURL   string
	workspace string
	nsURI     string
	username  string
	password  string
	http      *http.Client
	logger    *telemetry.Logger
}

// New creates a client from the map service settings.
func New(cfg config.MapServiceConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		workspace: cfg.Workspace,
		nsURI:     cfg.NamespaceURI,
		username:  cfg.Username,
		password:  cfg.Password,
		http:      &http.Client{Timeout: timeout},
		logger:    telemetry.NewLogger("geoserver"),
	}
}

// Workspace returns the workspace layers are published into.
func (c *Client) Workspace() string {
	return c.workspace
}

func (c *Client) storePath(kind StoreKind, store string) string {
	return fmt.Sprintf("/rest/workspaces/%s/%s/%s", url.PathEscape(c.workspace), kind, url.PathEscape(store))
}

// request describes one REST call.
type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	accept      string
}

func (c *Client) do(ctx context.Context, r request) ([]byte, http.Header, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	accept := r.accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, layer.NewError(layer.KindUpstreamUnavailable, "map service", "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, layer.NewError(layer.KindUpstreamUnavailable, "map service", "", err)
	}

	c.logger.WithContext(ctx).Debug().
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("map service call")

	if resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		apiErr := &APIError{Method: r.method, Path: r.path, Status: resp.StatusCode, Body: snippet}
		kind := layer.KindPublicationFailure
		if resp.StatusCode >= 500 && !apiErr.WorkspaceMissing() {
			kind = layer.KindUpstreamUnavailable
		}
		return nil, resp.Header, layer.NewError(kind, "map service", "", apiErr)
	}
	return body, resp.Header, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, _, err := c.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) putJSON(ctx context.Context, path string, query url.Values, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, _, err = c.do(ctx, request{
		method:      http.MethodPut,
		path:        path,
		query:       query,
		body:        bytes.NewReader(data),
		contentType: "application/json",
	})
	return err
}

// Ping checks the service answers authenticated REST calls.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, request{method: http.MethodGet, path: "/rest/about/version.json"})
	return err
}

// CreateWorkspace creates the configured workspace. An existing workspace is not an error.
func (c *Client) CreateWorkspace(ctx context.Context) error {
	payload := map[string]any{"workspace": map[string]string{"name": c.workspace}}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	_, _, err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/rest/workspaces",
		body:        bytes.NewReader(data),
		contentType: "application/json",
	})
	if isStatus(err, http.StatusConflict) {
		err = nil
	}
	if err != nil || c.nsURI == "" {
		return err
	}

	ns := map[string]any{"namespace": map[string]string{"prefix": c.workspace, "uri": c.nsURI}}
	if err := c.putJSON(ctx, "/rest/namespaces/"+url.PathEscape(c.workspace), nil, ns); err != nil {
		c.logger.WithContext(ctx).Warn().Err(err).Msg("could not set namespace uri")
	}
	return nil
}

// UploadCoverage uploads a raster payload into a coverage store, replacing
// any previous content. format is geotiff or imagemosaic.
func (c *Client) UploadCoverage(ctx context.Context, store, format string, body io.Reader) ([]byte, error) {
	contentType := "image/tiff"
	if format == "imagemosaic" {
		contentType = "application/zip"
	}
	q := url.Values{}
	q.Set("configure", "all")
	q.Set("coverageName", store)
	out, _, err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        c.storePath(CoverageStore, store) + "/file." + format,
		query:       q,
		body:        body,
		contentType: contentType,
	})
	return out, err
}

// UploadShapefile uploads a zipped shapefile set into a data store.
func (c *Client) UploadShapefile(ctx context.Context, store string, zipped io.Reader) ([]byte, error) {
	q := url.Values{}
	q.Set("configure", "all")
	out, _, err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        c.storePath(DataStore, store) + "/file.shp",
		query:       q,
		body:        zipped,
		contentType: "application/zip",
	})
	return out, err
}

// ReferenceShapefile points a data store at a shapefile the server can read directly.
func (c *Client) ReferenceShapefile(ctx context.Context, store, fileURL string) ([]byte, error) {
	q := url.Values{}
	q.Set("configure", "all")
	out, _, err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        c.storePath(DataStore, store) + "/external.shp",
		query:       q,
		body:        strings.NewReader(fileURL),
		contentType: "text/plain",
	})
	return out, err
}

// DeleteStore removes a store and its layers. A missing store is not an error.
func (c *Client) DeleteStore(ctx context.Context, kind StoreKind, store string) error {
	q := url.Values{}
	q.Set("recurse", "true")
	if kind == CoverageStore {
		q.Set("purge", "all")
	}
	_, _, err := c.do(ctx, request{method: http.MethodDelete, path: c.storePath(kind, store), query: q})
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func isStatus(err error, status int) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == status
}

// AsAPIError extracts the map service response from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
