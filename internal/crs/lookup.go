package crs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yairfalse/geoingest/pkg/layer"
)

// Lookup resolves coordinate system text to EPSG codes.
type Lookup interface {
	Search(ctx context.Context, wkt string) (SearchResult, error)
	WKT(ctx context.Context, code int) (string, error)
}

// SearchResult is one round of a WKT search. Error is the service's
// structured complaint about the submitted text, if any.
type SearchResult struct {
	Codes []int
	Error string
}

// Client talks to a prj2epsg-style lookup service.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a lookup client limited to rps requests per second.
func NewClient(baseURL string, timeout time.Duration, rps float64) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type searchResponse struct {
	Codes []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"codes"`
	Errors json.RawMessage `json:"errors"`
}

// Search submits wkt to the search endpoint.
func (c *Client) Search(ctx context.Context, wkt string) (SearchResult, error) {
	q := url.Values{}
	q.Set("mode", "wkt")
	q.Set("terms", wkt)

	body, err := c.get(ctx, "/search.json?"+q.Encode())
	if err != nil {
		return SearchResult{}, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}

	res := SearchResult{Error: decodeErrors(resp.Errors)}
	for _, c := range resp.Codes {
		code, err := strconv.Atoi(strings.TrimSpace(c.Code))
		if err != nil {
			continue
		}
		res.Codes = append(res.Codes, code)
	}
	return res, nil
}

// WKT fetches the canonical text for an EPSG code.
func (c *Client) WKT(ctx context.Context, code int) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("/epsg/%d.wkt", code))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("lookup rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, layer.NewError(layer.KindDegradedService, "crs lookup", "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, layer.NewError(layer.KindDegradedService, "crs lookup", "", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, layer.NewError(layer.KindDegradedService, "crs lookup", "",
			fmt.Errorf("lookup service returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("lookup service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// decodeErrors accepts the service's errors field as a string or a list of strings.
func decodeErrors(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.TrimSpace(strings.Join(list, "; "))
	}
	return strings.TrimSpace(string(raw))
}
