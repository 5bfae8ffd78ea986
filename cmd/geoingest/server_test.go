package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/geoingest/internal/daemon"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/orchestrator"
	"github.com/yairfalse/geoingest/pkg/layer"
)

type mockService struct {
	ingestFn     func(rc *layer.RunContext, creds repository.Credentials, req orchestrator.RepositoryRequest) layer.Response
	uploadFn     func(rc *layer.RunContext, req orchestrator.UploadRequest) layer.Response
	invalidateFn func(resID string) (int, error)
	saveFn       func(resID, name, content string) error
	attrsFn      func(layerID string, attrs []string) (orchestrator.AttributeTable, error)
	featuresFn   func(params url.Values) ([]byte, error)
	styleFn      func(layerID, geomType string, params map[string]string) (string, error)
	listFn       func(creds repository.Credentials) ([]layer.Resource, error)
	newProjectFn func(req orchestrator.NewProjectRequest) (string, error)
	deleted      []string
}

func (m *mockService) IngestFromRepository(_ context.Context, rc *layer.RunContext, creds repository.Credentials, req orchestrator.RepositoryRequest) layer.Response {
	return m.ingestFn(rc, creds, req)
}

func (m *mockService) IngestFromUpload(_ context.Context, rc *layer.RunContext, _ repository.Credentials, req orchestrator.UploadRequest) layer.Response {
	return m.uploadFn(rc, req)
}

func (m *mockService) Invalidate(_ context.Context, _ *layer.RunContext, resID string) (int, error) {
	return m.invalidateFn(resID)
}

func (m *mockService) SaveProject(_ context.Context, _ repository.Credentials, resID, name, content string) error {
	return m.saveFn(resID, name, content)
}

func (m *mockService) ListResources(_ context.Context, creds repository.Credentials) ([]layer.Resource, error) {
	return m.listFn(creds)
}

func (m *mockService) SaveNewProject(_ context.Context, _ repository.Credentials, req orchestrator.NewProjectRequest) (string, error) {
	return m.newProjectFn(req)
}

func (m *mockService) AttributeTable(_ context.Context, layerID string, attrs []string) (orchestrator.AttributeTable, error) {
	return m.attrsFn(layerID, attrs)
}

func (m *mockService) FeaturesOnClick(_ context.Context, params url.Values) ([]byte, error) {
	return m.featuresFn(params)
}

func (m *mockService) UpdateStyle(_ context.Context, layerID, geomType string, params map[string]string) (string, error) {
	return m.styleFn(layerID, geomType, params)
}

func (m *mockService) DeletePublicFiles(username string) error {
	m.deleted = append(m.deleted, username)
	return nil
}

type mockHealth struct {
	status daemon.HealthStatus
}

func (m mockHealth) Health() daemon.HealthStatus { return m.status }

func serve(t *testing.T, svc service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	newServer(svc, nil, nil).routes().ServeHTTP(w, req)
	return w
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestHandleReadyz_Degraded(t *testing.T) {
	s := newServer(&mockService{}, mockHealth{daemon.HealthStatus{Status: "degraded", LastError: "prune invalidations: closed"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "prune invalidations: closed", w.Body.String())
}

func TestHandleReadyz_Healthy(t *testing.T) {
	s := newServer(&mockService{}, mockHealth{daemon.HealthStatus{Status: "healthy"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func TestHandleReadyz_MapServiceDown(t *testing.T) {
	s := newServer(&mockService{}, mockHealth{daemon.HealthStatus{Status: "healthy"}}, nil)
	s.mapService = mockPinger{err: layer.ErrUpstreamUnavailable}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "map service unreachable", w.Body.String())
}

func TestIngest_PassesHintsAndCredentials(t *testing.T) {
	var gotRC *layer.RunContext
	var gotCreds repository.Credentials
	var gotReq orchestrator.RepositoryRequest
	svc := &mockService{
		ingestFn: func(rc *layer.RunContext, creds repository.Credentials, req orchestrator.RepositoryRequest) layer.Response {
			gotRC, gotCreds, gotReq = rc, creds, req
			return layer.Response{Success: true, Message: "Resource opened.", Results: []layer.ResultUnit{}}
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/resources/abc?type=RasterResource&title=Elevation&testing=true", nil)
	req.Host = "maps.example.org"
	req.RemoteAddr = "127.0.0.1:41000"
	req.Header.Set(userHeader, "alice")
	req.Header.Set("Authorization", "Bearer s3cret")
	s := newServer(svc, nil, nil)
	s.testClients = []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", gotReq.ResID)
	assert.Equal(t, layer.TypeRaster, gotReq.TypeHint)
	assert.Equal(t, "Elevation", gotReq.TitleHint)
	assert.Equal(t, "alice", gotRC.Username)
	assert.Equal(t, "maps.example.org", gotRC.Host)
	assert.True(t, gotRC.Testing)
	assert.NotEmpty(t, gotRC.RunID)
	require.NotNil(t, gotCreds.Token)
	assert.Equal(t, "s3cret", gotCreds.Token.AccessToken)

	var resp layer.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
}

func TestIngest_TestModeOnlyForTestClients(t *testing.T) {
	var gotRC *layer.RunContext
	svc := &mockService{
		ingestFn: func(rc *layer.RunContext, _ repository.Credentials, _ orchestrator.RepositoryRequest) layer.Response {
			gotRC = rc
			return layer.Response{Success: true, Results: []layer.ResultUnit{}}
		},
	}
	s := newServer(svc, nil, nil)
	s.testClients = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("::1/128")}

	tests := []struct {
		remote string
		want   bool
	}{
		{"10.2.3.4:5000", true},
		{"[::1]:5000", true},
		{"[::ffff:10.2.3.4]:5000", true},
		{"203.0.113.9:5000", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/resources/abc?testing=true", nil)
			req.RemoteAddr = tt.remote
			w := httptest.NewRecorder()
			s.routes().ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, gotRC.Testing)
		})
	}
}

func TestIngest_FailureStillAnswersOK(t *testing.T) {
	svc := &mockService{
		ingestFn: func(*layer.RunContext, repository.Credentials, orchestrator.RepositoryRequest) layer.Response {
			return layer.FailedResponse(layer.ErrNotFound)
		},
	}

	w := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/resources/missing", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp layer.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "The requested resource was not found.", resp.Message)
}

func TestUpload_Multipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range map[string]string{"roads.shp": "shp", "roads.dbf": "dbf"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("target", "xyz"))
	require.NoError(t, mw.Close())

	contents := map[string]string{}
	var target string
	svc := &mockService{
		uploadFn: func(_ *layer.RunContext, req orchestrator.UploadRequest) layer.Response {
			target = req.TargetID
			for _, f := range req.Files {
				r, err := f.Open()
				require.NoError(t, err)
				b, err := io.ReadAll(r)
				require.NoError(t, err)
				_ = r.Close()
				contents[f.Name] = string(b)
			}
			return layer.Response{Success: true, Results: []layer.ResultUnit{}}
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := serve(t, svc, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "xyz", target)
	assert.Equal(t, map[string]string{"roads.shp": "shp", "roads.dbf": "dbf"}, contents)
}

func TestUpload_RejectsNonMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")

	w := serve(t, &mockService{}, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidate(t *testing.T) {
	svc := &mockService{
		invalidateFn: func(resID string) (int, error) {
			assert.Equal(t, "abc", resID)
			return 2, nil
		},
	}

	w := serve(t, svc, httptest.NewRequest(http.MethodDelete, "/api/resources/abc/layers", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"invalidated":2}`, w.Body.String())
}

func TestSaveProject(t *testing.T) {
	var got [3]string
	svc := &mockService{
		saveFn: func(resID, name, content string) error {
			got = [3]string{resID, name, content}
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodPut, "/api/resources/abc/project",
		strings.NewReader(`{"name":"map.json","content":"{\"layers\":[]}"}`))
	w := serve(t, svc, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, [3]string{"abc", "map.json", `{"layers":[]}`}, got)
}

func TestListResources(t *testing.T) {
	svc := &mockService{
		listFn: func(creds repository.Credentials) ([]layer.Resource, error) {
			assert.Equal(t, "alice", creds.Username)
			return []layer.Resource{{ID: "abc", Type: layer.TypeRaster, Title: "DEM"}}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/resources", nil)
	req.Header.Set(userHeader, "alice")

	w := serve(t, svc, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resources":[{"id":"abc","type":"raster-coverage","title":"DEM","modification_time":""}]}`, w.Body.String())
}

func TestListResources_AuthExpired(t *testing.T) {
	svc := &mockService{
		listFn: func(repository.Credentials) ([]layer.Resource, error) { return nil, layer.ErrAuthExpired },
	}
	w := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/resources", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewProject(t *testing.T) {
	var got orchestrator.NewProjectRequest
	svc := &mockService{
		newProjectFn: func(req orchestrator.NewProjectRequest) (string, error) {
			got = req
			return "new1", nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(
		`{"title":"Field map","abstract":"Survey","keywords":["roads","survey"],"content":"{}"}`))
	w := serve(t, svc, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"res_id":"new1"}`, w.Body.String())
	assert.Equal(t, orchestrator.NewProjectRequest{
		Title:    "Field map",
		Abstract: "Survey",
		Keywords: []string{"roads", "survey"},
		Content:  "{}",
	}, got)

	w = serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttributes_ErrorStatus(t *testing.T) {
	svc := &mockService{
		attrsFn: func(layerID string, attrs []string) (orchestrator.AttributeTable, error) {
			assert.Equal(t, "hydro:gis_abc", layerID)
			assert.Equal(t, []string{"NAME", "AREA"}, attrs)
			return orchestrator.AttributeTable{}, layer.ErrUpstreamUnavailable
		},
	}

	w := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/layers/hydro:gis_abc/attributes?attrs=NAME,AREA", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}

func TestFeatures_ProxiesBody(t *testing.T) {
	svc := &mockService{
		featuresFn: func(params url.Values) ([]byte, error) {
			assert.Equal(t, "hydro:gis_abc", params.Get("layers"))
			return []byte(`{"features":[]}`), nil
		},
	}

	w := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/features?layers=hydro:gis_abc&x=10&y=20", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, `{"features":[]}`, w.Body.String())
}

func TestStyle(t *testing.T) {
	svc := &mockService{
		styleFn: func(layerID, geomType string, params map[string]string) (string, error) {
			if params["fill"] == "green" {
				return "", layer.Errorf(layer.KindUnsupportedContent, "style", "Invalid color %q.", "green")
			}
			return "gis_abc_style", nil
		},
	}

	w := serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/layers/hydro:gis_abc/style",
		strings.NewReader(`{"geom_type":"polygon","params":{"fill":"#00ff00"}}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"style":"gis_abc_style"}`, w.Body.String())

	w = serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/layers/hydro:gis_abc/style",
		strings.NewReader(`{"geom_type":"polygon","params":{"fill":"green"}}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDeletePublic(t *testing.T) {
	svc := &mockService{}
	req := httptest.NewRequest(http.MethodDelete, "/api/public", nil)
	req.Header.Set(userHeader, "alice")

	w := serve(t, svc, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"alice"}, svc.deleted)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(layer.ErrNotFound))
	assert.Equal(t, http.StatusUnauthorized, statusFor(layer.ErrAuthExpired))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(layer.ErrTooLarge))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/srv/data", "/srv/data/scratch"))
	assert.True(t, within("/srv/data", "/srv/data"))
	assert.False(t, within("/srv/data", "/srv/database"))
	assert.False(t, within("", "/srv/data"))
}
