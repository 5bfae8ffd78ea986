// Package hydroshare is a repository client for the HydroShare REST API.
package hydroshare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// DefaultTimeout bounds a single API call, bag downloads included.
const DefaultTimeout = 2 * time.Minute

// maxPages stops runaway pagination.
const maxPages = 1000

// genericType is the resource type new resources are created with.
const genericType = "GenericResource"

// Provider creates per-user clients that authenticate with the user's OAuth2 token.
type Provider struct {
	baseURL string
	timeout time.Duration
	oauth   *oauth2.Config
}

// NewProvider creates a Provider from repository settings.
func NewProvider(cfg config.RepositoryConfig) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = base + "/o/token/"
	}
	return &Provider{
		baseURL: base,
		timeout: timeout,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/o/authorize/",
				TokenURL: tokenURL,
			},
		},
	}
}

// ForUser returns a client acting with the user's token. Expired tokens are
// refreshed transparently; a failed refresh surfaces as AuthExpired.
func (p *Provider) ForUser(ctx context.Context, creds repository.Credentials) (repository.Client, error) {
	if creds.Token == nil || (creds.Token.AccessToken == "" && creds.Token.RefreshToken == "") {
		return nil, layer.NewError(layer.KindAuthExpired, "repository", "", errors.New("no token"))
	}
	// The token source outlives the request that created it.
	hc := p.oauth.Client(context.WithoutCancel(ctx), creds.Token)
	hc.Timeout = p.timeout
	c := New(p.baseURL, hc)
	c.owner = creds.Username
	return c, nil
}

// Client calls the HydroShare REST API.
type Client struct {
	baseURL string
	owner   string // Scopes ListResources; empty lists everything visible
	http    *http.Client
	logger  *telemetry.Logger
}

var _ repository.Client = (*Client)(nil)

// New creates a client using hc for transport and authentication.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  telemetry.NewLogger("hydroshare"),
	}
}

func (c *Client) resourcePath(resID string, rest ...string) string {
	p := "/hsapi/resource/" + url.PathEscape(resID) + "/"
	for _, r := range rest {
		p += r
	}
	return p
}

// do sends the request and returns the response when the status is 2xx.
// The caller closes the body.
func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	if strings.HasPrefix(target, "/") {
		target = c.baseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	c.logger.WithContext(ctx).Debug().
		Str("method", method).
		Str("url", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("repository call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
	return nil, classifyStatus(resp.StatusCode, req.URL.Path, strings.TrimSpace(string(snippet)))
}

func classifyTransport(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return layer.NewError(layer.KindAuthExpired, "repository", "", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return layer.NewError(layer.KindUpstreamUnavailable, "repository", "", err)
}

func classifyStatus(status int, p, body string) error {
	cause := fmt.Errorf("%s: status %d: %s", p, status, body)
	switch {
	case status == http.StatusUnauthorized:
		return layer.NewError(layer.KindAuthExpired, "repository", "", cause)
	case status == http.StatusForbidden:
		return layer.NewError(layer.KindNotAuthorized, "repository", "", cause)
	case status == http.StatusNotFound:
		return layer.NewError(layer.KindNotFound, "repository", "", cause)
	case status >= 500:
		return layer.NewError(layer.KindUpstreamUnavailable, "repository", "", cause)
	default:
		return layer.NewError(layer.KindInternal, "repository", "", cause)
	}
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return layer.NewError(layer.KindUpstreamUnavailable, "repository", "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type sysMeta struct {
	ResourceID      string `json:"resource_id"`
	ResourceType    string `json:"resource_type"`
	ResourceTitle   string `json:"resource_title"`
	DateLastUpdated string `json:"date_last_updated"`
}

// Metadata fetches the resource's system metadata.
func (c *Client) Metadata(ctx context.Context, resID string) (layer.Resource, error) {
	var md sysMeta
	if err := c.getJSON(ctx, c.resourcePath(resID, "sysmeta/"), &md); err != nil {
		return layer.Resource{}, err
	}
	return layer.Resource{
		ID:               resID,
		Type:             layer.ParseResourceType(md.ResourceType),
		Title:            md.ResourceTitle,
		ModificationTime: md.DateLastUpdated,
	}, nil
}

// ScienceMetadata returns the resource's science metadata XML.
func (c *Client) ScienceMetadata(ctx context.Context, resID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.resourcePath(resID, "scimeta/"), nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, layer.NewError(layer.KindUpstreamUnavailable, "repository", "", err)
	}
	return data, nil
}

type resourcePage struct {
	Next    *string   `json:"next"`
	Results []sysMeta `json:"results"`
}

// ListResources follows the paginated resource listing, filtered to the
// client's owner.
func (c *Client) ListResources(ctx context.Context) ([]layer.Resource, error) {
	target := "/hsapi/resource/"
	if c.owner != "" {
		target += "?" + url.Values{"owner": {c.owner}}.Encode()
	}

	var out []layer.Resource
	for page := 0; target != "" && page < maxPages; page++ {
		var p resourcePage
		if err := c.getJSON(ctx, target, &p); err != nil {
			return nil, err
		}
		for _, md := range p.Results {
			out = append(out, layer.Resource{
				ID:               md.ResourceID,
				Type:             layer.ParseResourceType(md.ResourceType),
				Title:            md.ResourceTitle,
				ModificationTime: md.DateLastUpdated,
			})
		}
		target = ""
		if p.Next != nil {
			target = *p.Next
		}
	}
	return out, nil
}

// CreateResource creates a generic resource and returns its id.
func (c *Client) CreateResource(ctx context.Context, res repository.NewResource) (string, error) {
	form := url.Values{}
	form.Set("resource_type", genericType)
	form.Set("title", res.Title)
	if res.Abstract != "" {
		form.Set("abstract", res.Abstract)
	}
	for _, kw := range res.Keywords {
		form.Add("keywords", kw)
	}

	resp, err := c.do(ctx, http.MethodPost, "/hsapi/resource/", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var created struct {
		ResourceID string `json:"resource_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ResourceID == "" {
		return "", layer.NewError(layer.KindUpstreamUnavailable, "repository", "", fmt.Errorf("create resource: unreadable response: %v", err))
	}
	c.logger.WithContext(ctx).Info().Str("res_id", created.ResourceID).Msg("resource created")
	return created.ResourceID, nil
}

type filePage struct {
	Next    *string `json:"next"`
	Results []struct {
		URL      string `json:"url"`
		Size     int64  `json:"size"`
		FileName string `json:"file_name"`
	} `json:"results"`
}

// ListFiles follows the paginated file listing.
func (c *Client) ListFiles(ctx context.Context, resID string) ([]repository.FileInfo, error) {
	var files []repository.FileInfo
	target := c.resourcePath(resID, "files/")
	for page := 0; target != "" && page < maxPages; page++ {
		var p filePage
		if err := c.getJSON(ctx, target, &p); err != nil {
			return nil, err
		}
		for _, r := range p.Results {
			name := r.FileName
			if name == "" {
				name = fileNameFromURL(r.URL)
			}
			files = append(files, repository.FileInfo{Name: name, URL: r.URL, Size: r.Size})
		}
		target = ""
		if p.Next != nil {
			target = *p.Next
		}
	}
	return files, nil
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return path.Base(raw)
	}
	return path.Base(u.Path)
}

// Download fetches the resource bag and writes its content files under dir.
func (c *Client) Download(ctx context.Context, resID, dir string) error {
	resp, err := c.do(ctx, http.MethodGet, c.resourcePath(resID), nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusAccepted {
		return layer.NewError(layer.KindUpstreamUnavailable, "download", "The resource is being prepared for download. Please try again shortly.", nil)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	bag, err := os.CreateTemp(dir, ".bag-*.zip")
	if err != nil {
		return fmt.Errorf("create bag file: %w", err)
	}
	defer func() {
		_ = bag.Close()
		_ = os.Remove(bag.Name())
	}()

	if _, err := io.Copy(bag, resp.Body); err != nil {
		return layer.NewError(layer.KindUpstreamUnavailable, "download", "", err)
	}
	if err := bag.Sync(); err != nil {
		return err
	}
	n, err := extractBagContents(bag.Name(), dir)
	if err != nil {
		return err
	}
	c.logger.WithContext(ctx).Debug().Str("res_id", resID).Int("files", n).Msg("bag downloaded")
	return nil
}

// DownloadFile fetches a single content file.
func (c *Client) DownloadFile(ctx context.Context, resID, name, dir string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.resourcePath(resID, "files/", url.PathEscape(name)), nil, "")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dst := filepath.Join(dir, layer.SafeName(path.Base(name)))
	f, err := os.Create(dst) // #nosec G304 -- name is sanitized
	if err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return "", layer.NewError(layer.KindUpstreamUnavailable, "download", "", err)
	}
	return dst, f.Close()
}

// UploadFile adds a file to the resource.
func (c *Client) UploadFile(ctx context.Context, resID, name string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(name))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, c.resourcePath(resID, "files/"), &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// DeleteFile removes a file from the resource.
func (c *Client) DeleteFile(ctx context.Context, resID, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.resourcePath(resID, "files/", url.PathEscape(name)), nil, "")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
