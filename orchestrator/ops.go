package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/retry"
	"github.com/yairfalse/geoingest/internal/style"
	"github.com/yairfalse/geoingest/pkg/layer"
	"github.com/yairfalse/geoingest/wal"
)

// AttributeTable is the attribute data of a vector layer, one row per feature.
type AttributeTable struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type featureCollection struct {
	Features []struct {
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

// Invalidate drops every cached record of a resource together with its stores.
func (o *Orchestrator) Invalidate(ctx context.Context, rc *layer.RunContext, resID string) (int, error) {
	n, err := o.cache.Invalidate(ctx, resID, "manual")
	if err != nil {
		return n, err
	}
	o.record(rc, wal.EntryInvalidated, resID, map[string]any{"reason": "manual", "records": n}, nil)
	return n, nil
}

// SaveProject replaces a project file on a repository resource. The content
// is opaque and stored as given.
func (o *Orchestrator) SaveProject(ctx context.Context, creds repository.Credentials, resID, name, content string) error {
	if name == "" {
		return layer.Errorf(layer.KindUnsupportedContent, "save project", "A project file name is required.")
	}
	client, err := o.repo.ForUser(ctx, creds)
	if err != nil {
		return err
	}

	err = o.retry.Do(ctx, "delete project", func(ctx context.Context) error {
		return client.DeleteFile(ctx, resID, name)
	})
	if err != nil && !errors.Is(err, layer.ErrNotFound) {
		return err
	}

	return o.retry.Do(ctx, "upload project", func(ctx context.Context) error {
		return client.UploadFile(ctx, resID, name, strings.NewReader(content))
	})
}

// defaultProjectFile names the project file of a new project resource.
const defaultProjectFile = "mapProject.json"

// ListResources returns the repository resources owned by the caller.
func (o *Orchestrator) ListResources(ctx context.Context, creds repository.Credentials) ([]layer.Resource, error) {
	client, err := o.repo.ForUser(ctx, creds)
	if err != nil {
		return nil, err
	}
	resources, err := retry.Value(ctx, o.retry, "list resources", func(ctx context.Context) ([]layer.Resource, error) {
		return client.ListResources(ctx)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return strings.ToLower(resources[i].Title) < strings.ToLower(resources[j].Title)
	})
	return resources, nil
}

// SaveNewProject creates a resource and stores the project file in it.
// Creation is not retried since a repeated call could leave a duplicate
// resource behind. Returns the new resource id.
func (o *Orchestrator) SaveNewProject(ctx context.Context, creds repository.Credentials, req NewProjectRequest) (string, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return "", layer.Errorf(layer.KindUnsupportedContent, "save new project", "A resource title is required.")
	}
	name := req.Name
	if name == "" {
		name = defaultProjectFile
	}
	client, err := o.repo.ForUser(ctx, creds)
	if err != nil {
		return "", err
	}

	resID, err := client.CreateResource(ctx, repository.NewResource{
		Title:    title,
		Abstract: strings.TrimSpace(req.Abstract),
		Keywords: cleanKeywords(req.Keywords),
	})
	if err != nil {
		return "", err
	}

	err = o.retry.Do(ctx, "upload project", func(ctx context.Context) error {
		return client.UploadFile(ctx, resID, name, strings.NewReader(req.Content))
	})
	if err != nil {
		return resID, fmt.Errorf("store project in %s: %w", resID, err)
	}
	o.logger.WithContext(ctx).Info().Str("res_id", resID).Str("user", creds.Username).Msg("project resource created")
	return resID, nil
}

// cleanKeywords trims keywords and drops blanks and repeats.
func cleanKeywords(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

// AttributeTable fetches the attributes of every feature of a vector layer
// through WFS. Columns follow attrs.
func (o *Orchestrator) AttributeTable(ctx context.Context, layerID string, attrs []string) (AttributeTable, error) {
	params := url.Values{}
	params.Set("version", "1.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeName", layerID)
	params.Set("outputFormat", "application/json")
	if len(attrs) > 0 {
		params.Set("propertyName", strings.Join(attrs, ","))
	}

	body, err := o.publisher.Query(ctx, "wfs", params)
	if err != nil {
		return AttributeTable{}, err
	}
	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return AttributeTable{}, layer.NewError(layer.KindUpstreamUnavailable, "attribute table",
			"The map service returned an unreadable attribute table.", err)
	}

	table := AttributeTable{Columns: attrs, Rows: make([][]any, 0, len(fc.Features))}
	if len(table.Columns) == 0 && len(fc.Features) > 0 {
		table.Columns = sortedKeys(fc.Features[0].Properties)
	}
	for _, f := range fc.Features {
		row := make([]any, len(table.Columns))
		for i, col := range table.Columns {
			row[i] = f.Properties[col]
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// FeaturesOnClick passes a WMS GetFeatureInfo request through to the map
// service and returns its answer untouched.
func (o *Orchestrator) FeaturesOnClick(ctx context.Context, params url.Values) ([]byte, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("request", "GetFeatureInfo")
	if q.Get("info_format") == "" {
		q.Set("info_format", "application/json")
	}
	if q.Get("query_layers") == "" && q.Get("layers") != "" {
		q.Set("query_layers", q.Get("layers"))
	}
	return o.publisher.Query(ctx, "wms", q)
}

// UpdateStyle renders a style for the layer and makes it the default.
// It returns the name the style was stored under.
func (o *Orchestrator) UpdateStyle(ctx context.Context, layerID, geomType string, params map[string]string) (string, error) {
	sld, err := style.Render(layerID, geomType, params)
	if err != nil {
		return "", err
	}
	return o.publisher.ApplyStyle(ctx, layerID, string(sld))
}

// DeletePublicFiles removes the generic files kept for a user.
func (o *Orchestrator) DeletePublicFiles(username string) error {
	if o.publicDir == "" {
		return nil
	}
	rc := layer.RunContext{Username: username}
	if err := os.RemoveAll(filepath.Join(o.publicDir, rc.UserDir())); err != nil {
		return fmt.Errorf("remove public files: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
