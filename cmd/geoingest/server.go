package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/geoingest/internal/daemon"
	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/orchestrator"
	"github.com/yairfalse/geoingest/pkg/layer"
)

const (
	userHeader     = "X-Geoingest-User"
	maxUploadBytes = 32 << 20 // In-memory part of a multipart upload
	readyTimeout   = 3 * time.Second
)

// service is the part of the orchestrator the HTTP surface drives.
type service interface {
	IngestFromRepository(ctx context.Context, rc *layer.RunContext, creds repository.Credentials, req orchestrator.RepositoryRequest) layer.Response
	IngestFromUpload(ctx context.Context, rc *layer.RunContext, creds repository.Credentials, req orchestrator.UploadRequest) layer.Response
	Invalidate(ctx context.Context, rc *layer.RunContext, resID string) (int, error)
	SaveProject(ctx context.Context, creds repository.Credentials, resID, name, content string) error
	ListResources(ctx context.Context, creds repository.Credentials) ([]layer.Resource, error)
	SaveNewProject(ctx context.Context, creds repository.Credentials, req orchestrator.NewProjectRequest) (string, error)
	AttributeTable(ctx context.Context, layerID string, attrs []string) (orchestrator.AttributeTable, error)
	FeaturesOnClick(ctx context.Context, params url.Values) ([]byte, error)
	UpdateStyle(ctx context.Context, layerID, geomType string, params map[string]string) (string, error)
	DeletePublicFiles(username string) error
}

// healthReporter reports housekeeping health for /readyz.
type healthReporter interface {
	Health() daemon.HealthStatus
}

// pinger checks an upstream dependency for /readyz.
type pinger interface {
	Ping(ctx context.Context) error
}

type server struct {
	svc         service
	janitor     healthReporter
	mapService  pinger
	testClients []netip.Prefix // Callers allowed to request test mode
	registry    *prometheus.Registry
	logger      *telemetry.Logger
}

func newServer(svc service, janitor healthReporter, registry *prometheus.Registry) *server {
	return &server{
		svc:      svc,
		janitor:  janitor,
		registry: registry,
		logger:   telemetry.NewLogger("http"),
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/resources", s.handleListResources).Methods(http.MethodGet)
	api.HandleFunc("/resources/{id}", s.handleIngest).Methods(http.MethodGet)
	api.HandleFunc("/resources/{id}/layers", s.handleInvalidate).Methods(http.MethodDelete)
	api.HandleFunc("/resources/{id}/project", s.handleSaveProject).Methods(http.MethodPut)
	api.HandleFunc("/projects", s.handleNewProject).Methods(http.MethodPost)
	api.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/layers/{id}/attributes", s.handleAttributes).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}/style", s.handleStyle).Methods(http.MethodPost)
	api.HandleFunc("/features", s.handleFeatures).Methods(http.MethodGet)
	api.HandleFunc("/public", s.handleDeletePublic).Methods(http.MethodDelete)
	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.mapService != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.mapService.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("map service unreachable"))
			return
		}
	}
	if s.janitor != nil {
		if h := s.janitor.Health(); h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(h.LastError))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := orchestrator.RepositoryRequest{
		ResID:     mux.Vars(r)["id"],
		TitleHint: q.Get("title"),
	}
	if t := q.Get("type"); t != "" {
		req.TypeHint = layer.ParseResourceType(t)
	}
	resp := s.svc.IngestFromRepository(r.Context(), s.runContext(r), requestCredentials(r), req)
	writeResponse(w, resp)
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	files := make([]extract.Upload, 0, len(headers))
	for _, fh := range headers {
		files = append(files, multipartUpload(fh))
	}

	req := orchestrator.UploadRequest{TargetID: r.FormValue("target"), Files: files}
	resp := s.svc.IngestFromUpload(r.Context(), s.runContext(r), requestCredentials(r), req)
	writeResponse(w, resp)
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Invalidate(r.Context(), s.runContext(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]int{"invalidated": n})
}

type projectRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	var body projectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project body: "+err.Error())
		return
	}
	if err := s.svc.SaveProject(r.Context(), requestCredentials(r), mux.Vars(r)["id"], body.Name, body.Content); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.svc.ListResources(r.Context(), requestCredentials(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if resources == nil {
		resources = []layer.Resource{}
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *server) handleNewProject(w http.ResponseWriter, r *http.Request) {
	var body orchestrator.NewProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project body: "+err.Error())
		return
	}
	resID, err := s.svc.SaveNewProject(r.Context(), requestCredentials(r), body)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]string{"res_id": resID})
}

func (s *server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	var attrs []string
	if raw := r.URL.Query().Get("attrs"); raw != "" {
		attrs = strings.Split(raw, ",")
	}
	table, err := s.svc.AttributeTable(r.Context(), mux.Vars(r)["id"], attrs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, table)
}

func (s *server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	body, err := s.svc.FeaturesOnClick(r.Context(), r.URL.Query())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type styleRequest struct {
	GeomType string            `json:"geom_type"`
	Params   map[string]string `json:"params"`
}

func (s *server) handleStyle(w http.ResponseWriter, r *http.Request) {
	var body styleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid style body: "+err.Error())
		return
	}
	name, err := s.svc.UpdateStyle(r.Context(), mux.Vars(r)["id"], body.GeomType, body.Params)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{"style": name})
}

func (s *server) handleDeletePublic(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePublicFiles(r.Header.Get(userHeader)); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runContext builds the per-request run context. ?testing=true suppresses
// operator alerts, but only for callers listed in testClients.
func (s *server) runContext(r *http.Request) *layer.RunContext {
	rc := layer.NewRunContext(r.Header.Get(userHeader))
	rc.Host = r.Host
	if testing, _ := strconv.ParseBool(r.URL.Query().Get("testing")); testing {
		if s.isTestClient(r.RemoteAddr) {
			rc.Testing = true
		} else {
			s.logger.WithContext(r.Context()).Warn().Str("remote", r.RemoteAddr).Msg("ignoring test mode request")
		}
	}
	return rc
}

func (s *server) isTestClient(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.testClients {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func requestCredentials(r *http.Request) repository.Credentials {
	var token string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return credentials(r.Header.Get(userHeader), token)
}

func multipartUpload(fh *multipart.FileHeader) extract.Upload {
	return extract.Upload{
		Name: fh.Filename,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

// writeResponse always answers 200; success is carried in the body.
func writeResponse(w http.ResponseWriter, resp layer.Response) {
	writeJSONStatus(w, http.StatusOK, resp)
}

func (s *server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, layer.UserMessage(err))
}

func statusFor(err error) int {
	var lerr *layer.Error
	if !errors.As(err, &lerr) {
		return http.StatusInternalServerError
	}
	switch lerr.Kind {
	case layer.KindNotFound:
		return http.StatusNotFound
	case layer.KindAuthExpired:
		return http.StatusUnauthorized
	case layer.KindNotAuthorized:
		return http.StatusForbidden
	case layer.KindUnsupportedContent, layer.KindInsufficientMetadata:
		return http.StatusUnprocessableEntity
	case layer.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case layer.KindUpstreamUnavailable, layer.KindDegradedService, layer.KindPublicationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
