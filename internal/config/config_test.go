package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
repository:
  kind: hydroshare
  base_url: https://repo.example.org
  client_id: abc
  max_resource_size: 200 MB
  timeout: 45s
  retry:
    attempts: 3
    initial_interval: 100ms
    max_interval: 2s

mapservice:
  url: http://maps:8080/geoserver
  workspace: hydro
  shared_data_dir: /srv/shared

crs:
  lookup_url: http://lookup.local
  fallback_code: 4326
  rate_limit: 5

tools:
  pyramid_threshold: 1 GB

otel:
  endpoint: localhost:4317
  insecure: true
  service_name: geoingest
  traces:
    enabled: true
    sample_rate: 1.0
  metrics:
    enabled: true

notify:
  internal_hosts: [localhost, 127.0.0.1]

log:
  level: debug
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "hydroshare", cfg.Repository.Kind)
	assert.Equal(t, "https://repo.example.org", cfg.Repository.BaseURL)
	assert.Equal(t, uint64(200_000_000), cfg.Repository.MaxBytes)
	assert.Equal(t, 45*time.Second, cfg.Repository.Timeout)
	assert.Equal(t, uint(3), cfg.Repository.Retry.Attempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Repository.Retry.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.Repository.Retry.MaxInterval)
	assert.Equal(t, "hydro", cfg.MapService.Workspace)
	assert.Equal(t, "http://geoingest/hydro", cfg.MapService.NamespaceURI)
	assert.Equal(t, "/srv/shared", cfg.MapService.SharedDataDir)
	assert.Equal(t, 4326, cfg.CRS.FallbackCode)
	assert.Equal(t, 5.0, cfg.CRS.RateLimit)
	assert.Equal(t, uint64(1_000_000_000), cfg.Tools.PyramidBytes)
	assert.True(t, cfg.OTEL.Insecure)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.IsInternalHost("localhost"))
	assert.False(t, cfg.IsInternalHost("maps.example.org"))
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "repository:\n  kind: hydroshare\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "geoingest", cfg.OTEL.ServiceName)
	assert.Equal(t, 3857, cfg.CRS.FallbackCode)
	assert.Equal(t, "geoingest", cfg.MapService.Workspace)
	assert.Equal(t, "gdalinfo", cfg.Tools.GDALInfo)
	assert.Equal(t, "gdal_edit.py", cfg.Tools.GDALEdit)
	assert.Equal(t, uint64(1_000_000_000), cfg.Repository.MaxBytes)
	assert.Equal(t, 2*time.Minute, cfg.Repository.Timeout)
	assert.Equal(t, []string{"mapProject.json", "*.mapproject.json"}, cfg.ProjectFiles)
	assert.Equal(t, filepath.Join(cfg.Cache.Dir, "audit"), cfg.Audit.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.Janitor.Interval)
	assert.Equal(t, 30*24*time.Hour, cfg.Janitor.EventRetention)
	assert.Equal(t, 24*time.Hour, cfg.Janitor.ScratchMaxAge)
	assert.Equal(t, filepath.Clean(cfg.Scratch.Dir)+"-public", cfg.Scratch.PublicDir)
	assert.NotEqual(t, filepath.Clean(cfg.Scratch.Dir), filepath.Dir(cfg.Scratch.PublicDir))
	assert.Equal(t, []string{"127.0.0.0/8", "::1"}, cfg.Server.TestClients)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_PublicDirInsideScratch(t *testing.T) {
	cfg := Default()
	cfg.Repository.BaseURL = "https://repo.example"
	cfg.Scratch.Dir = "/var/tmp/geoingest"
	cfg.Scratch.PublicDir = "/var/tmp/geoingest/public"
	assert.ErrorContains(t, cfg.Validate(), "public_dir")

	cfg.Scratch.PublicDir = "/var/tmp/geoingest-public"
	assert.NoError(t, cfg.Validate())
}

func TestServerConfig_TestClientPrefixes(t *testing.T) {
	prefixes, err := ServerConfig{TestClients: []string{"10.1.0.0/16", "192.0.2.7", "::1"}}.TestClientPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.True(t, prefixes[0].Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.7")))
	assert.False(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.8")))
	assert.True(t, prefixes[2].Contains(netip.IPv6Loopback()))

	_, err = ServerConfig{TestClients: []string{"not-an-ip"}}.TestClientPrefixes()
	assert.Error(t, err)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "repository: [unclosed\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempConfig(t, "crs:\n  timeout: not-a-duration\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crs.timeout")
}

func TestLoad_InvalidSize(t *testing.T) {
	path := writeTempConfig(t, "repository:\n  max_resource_size: lots\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_resource_size")
}

func TestConfig_Validate_UnknownRepository(t *testing.T) {
	cfg := Default()
	cfg.Repository.Kind = "ftp"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestConfig_Validate_S3NeedsBucket(t *testing.T) {
	cfg := Default()
	cfg.Repository.Kind = "s3"
	require.Error(t, cfg.Validate())

	cfg.Repository.S3.Bucket = "resources"
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_SampleRate(t *testing.T) {
	cfg := Default()
	cfg.OTEL.Traces.SampleRate = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_rate")
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
