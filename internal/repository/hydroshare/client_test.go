package hydroshare

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/pkg/layer"
)

func bagZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client())
}

func TestMetadata(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hsapi/resource/abc123/sysmeta/", r.URL.Path)
		_, _ = w.Write([]byte(`{"resource_id":"abc123","resource_type":"RasterResource",
			"resource_title":"Logan DEM","date_last_updated":"2016-06-07T19:23:47.016558Z"}`))
	})

	res, err := c.Metadata(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, layer.Resource{
		ID:               "abc123",
		Type:             layer.TypeRaster,
		Title:            "Logan DEM",
		ModificationTime: "2016-06-07T19:23:47.016558Z",
	}, res)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, layer.ErrAuthExpired},
		{http.StatusForbidden, layer.ErrNotAuthorized},
		{http.StatusNotFound, layer.ErrNotFound},
		{http.StatusBadGateway, layer.ErrUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Metadata(context.Background(), "abc123")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestTransportFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	_, err := c.ScienceMetadata(context.Background(), "abc123")
	assert.True(t, errors.Is(err, layer.ErrUpstreamUnavailable))
}

func TestListFiles_Paginates(t *testing.T) {
	var base string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `{"count":3,"next":"%s/hsapi/resource/abc123/files/?page=2","results":[
				{"url":"%s/resource/abc123/data/contents/roads.shp","size":100,"file_name":"roads.shp"},
				{"url":"%s/resource/abc123/data/contents/roads.dbf","size":50}]}`, base, base, base)
		case "2":
			_, _ = w.Write([]byte(`{"count":3,"next":null,"results":[{"url":"x/roads.prj","size":1,"file_name":"roads.prj"}]}`))
		}
	})
	base = c.baseURL

	files, err := c.ListFiles(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "roads.shp", files[0].Name)
	assert.Equal(t, "roads.dbf", files[1].Name)
	assert.Equal(t, "roads.prj", files[2].Name)
	assert.Equal(t, int64(151), repository.TotalSize(files))
}

func TestListResources_FiltersByOwnerAndPaginates(t *testing.T) {
	var base string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hsapi/resource/", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("owner"))
		if r.URL.Query().Get("page") == "" {
			fmt.Fprintf(w, `{"next":"%s/hsapi/resource/?owner=alice&page=2","results":[
				{"resource_id":"r1","resource_type":"RasterResource","resource_title":"DEM","date_last_updated":"2024-01-01T00:00:00Z"}]}`, base)
			return
		}
		_, _ = w.Write([]byte(`{"next":null,"results":[{"resource_id":"r2","resource_type":"GenericResource","resource_title":"Notes"}]}`))
	})
	base = c.baseURL
	c.owner = "alice"

	res, err := c.ListResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []layer.Resource{
		{ID: "r1", Type: layer.TypeRaster, Title: "DEM", ModificationTime: "2024-01-01T00:00:00Z"},
		{ID: "r2", Type: layer.TypeGeneric, Title: "Notes"},
	}, res)
}

func TestCreateResource(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/hsapi/resource/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "GenericResource", r.PostForm.Get("resource_type"))
		assert.Equal(t, "Field map", r.PostForm.Get("title"))
		assert.Equal(t, "Layers from the survey", r.PostForm.Get("abstract"))
		assert.Equal(t, []string{"survey", "roads"}, r.PostForm["keywords"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"resource_id":"new1","resource_type":"GenericResource"}`))
	})

	id, err := c.CreateResource(context.Background(), repository.NewResource{
		Title:    "Field map",
		Abstract: "Layers from the survey",
		Keywords: []string{"survey", "roads"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new1", id)
}

func TestCreateResource_Forbidden(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusForbidden)
	})
	_, err := c.CreateResource(context.Background(), repository.NewResource{Title: "x"})
	assert.True(t, errors.Is(err, layer.ErrNotAuthorized))
}

func TestDownload_ExtractsBagContents(t *testing.T) {
	bag := bagZip(t, map[string]string{
		"abc123/bagit.txt":                    "BagIt-Version: 0.96",
		"abc123/data/resourcemetadata.xml":    "<rdf/>",
		"abc123/data/contents/roads.shp":      "shp",
		"abc123/data/contents/nested/dem.tif": "tif",
	})
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hsapi/resource/abc123/", r.URL.Path)
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(bag)
	})

	dir := t.TempDir()
	require.NoError(t, c.Download(context.Background(), "abc123", dir))

	data, err := os.ReadFile(filepath.Join(dir, "roads.shp"))
	require.NoError(t, err)
	assert.Equal(t, "shp", string(data))
	assert.FileExists(t, filepath.Join(dir, "nested", "dem.tif"))
	assert.NoFileExists(t, filepath.Join(dir, "bagit.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "resourcemetadata.xml"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".bag-"), "bag file left behind")
	}
}

func TestDownload_BagNotReady(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	err := c.Download(context.Background(), "abc123", t.TempDir())
	require.Error(t, err)
	assert.True(t, layer.KindOf(err).Retryable())
}

func TestDownloadFile(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hsapi/resource/abc123/files/odm.sqlite", r.URL.Path)
		_, _ = w.Write([]byte("SQLite format 3"))
	})
	p, err := c.DownloadFile(context.Background(), "abc123", "odm.sqlite", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "odm.sqlite", filepath.Base(p))
}

func TestUploadAndDeleteFile(t *testing.T) {
	var uploaded, deleted string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			uploaded = hdr.Filename + "=" + string(data)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	})

	ctx := context.Background()
	require.NoError(t, c.UploadFile(ctx, "abc123", "mapProject.json", strings.NewReader("{}")))
	assert.Equal(t, "mapProject.json={}", uploaded)

	require.NoError(t, c.DeleteFile(ctx, "abc123", "old.json"))
	assert.Equal(t, "/hsapi/resource/abc123/files/old.json", deleted)
}

func TestProvider_NoToken(t *testing.T) {
	p := NewProvider(config.RepositoryConfig{BaseURL: "http://example.invalid"})
	_, err := p.ForUser(context.Background(), repository.Credentials{Username: "alice"})
	assert.True(t, errors.Is(err, layer.ErrAuthExpired))
}

func TestProvider_RefreshFailureIsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/o/token/" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		t.Errorf("unexpected call to %s", r.URL.Path)
	}))
	defer srv.Close()

	p := NewProvider(config.RepositoryConfig{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"})
	expired := &oauth2.Token{AccessToken: "old", RefreshToken: "refresh", Expiry: time.Now().Add(-time.Hour)}
	c, err := p.ForUser(context.Background(), repository.Credentials{Username: "alice", Token: expired})
	require.NoError(t, err)

	_, err = c.Metadata(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, layer.ErrAuthExpired), "got %v", err)
}

func TestProvider_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer live", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"resource_type":"GenericResource"}`))
	}))
	defer srv.Close()

	p := NewProvider(config.RepositoryConfig{BaseURL: srv.URL})
	c, err := p.ForUser(context.Background(), repository.Credentials{Token: &oauth2.Token{AccessToken: "live"}})
	require.NoError(t, err)
	res, err := c.Metadata(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, layer.TypeGeneric, res.Type)
}

func TestContentsRel(t *testing.T) {
	tests := map[string]string{
		"abc/data/contents/a.shp":        "a.shp",
		"data/contents/sub/b.tif":        "sub/b.tif",
		"abc/data/resourcemap.xml":       "",
		"abc/data/contents/":             "",
		"abc/mydata/contents/c.shp":      "",
		"abc/data/contents/../../x":      "",
		"abc/data/contents/./d/../e.kml": "e.kml",
	}
	for in, want := range tests {
		assert.Equal(t, want, contentsRel(in), in)
	}
}
