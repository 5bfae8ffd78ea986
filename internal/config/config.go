// Package config handles YAML configuration for geoingest.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	MapService MapServiceConfig `yaml:"mapservice"`
	CRS        CRSConfig        `yaml:"crs"`
	Tools      ToolsConfig      `yaml:"tools"`
	Scratch    ScratchConfig    `yaml:"scratch"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Notify     NotifyConfig     `yaml:"notify"`
	Server     ServerConfig     `yaml:"server"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	OTEL       OTELConfig       `yaml:"otel"`
	Log        LogConfig        `yaml:"log"`

	// ProjectFiles are file name patterns passed through as project payloads.
	ProjectFiles []string `yaml:"project_files"`
	// IgnoreFiles are member names dropped during extraction.
	IgnoreFiles []string `yaml:"ignore_files"`
}

// RepositoryConfig selects and configures the remote repository.
type RepositoryConfig struct {
	Kind            string        `yaml:"kind"` // hydroshare or s3
	BaseURL         string        `yaml:"base_url"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	TokenURL        string        `yaml:"token_url"`
	MaxResourceSize string        `yaml:"max_resource_size"`
	MaxBytes        uint64        `yaml:"-"`
	TimeoutStr      string        `yaml:"timeout"`
	Timeout         time.Duration `yaml:"-"`
	Retry           RetryConfig   `yaml:"retry"`
	S3              S3Config      `yaml:"s3"`
}

// S3Config holds the S3 repository layout. Endpoint targets S3-compatible
// stores and switches to path-style addressing.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

// RetryConfig is a bounded retry-with-backoff policy.
type RetryConfig struct {
	Attempts           uint          `yaml:"attempts"`
	InitialIntervalStr string        `yaml:"initial_interval"`
	MaxIntervalStr     string        `yaml:"max_interval"`
	InitialInterval    time.Duration `yaml:"-"`
	MaxInterval        time.Duration `yaml:"-"`
}

// MapServiceConfig holds map-rendering service settings.
type MapServiceConfig struct {
	URL           string        `yaml:"url"`
	Workspace     string        `yaml:"workspace"`
	NamespaceURI  string        `yaml:"namespace_uri"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	SharedDataDir string        `yaml:"shared_data_dir"`
	TimeoutStr    string        `yaml:"timeout"`
	Timeout       time.Duration `yaml:"-"`
}

// CRSConfig holds coordinate system lookup settings.
type CRSConfig struct {
	LookupURL    string        `yaml:"lookup_url"`
	FallbackCode int           `yaml:"fallback_code"`
	RateLimit    float64       `yaml:"rate_limit"` // Requests per second
	TimeoutStr   string        `yaml:"timeout"`
	Timeout      time.Duration `yaml:"-"`
}

// ToolsConfig names the GDAL/OGR executables.
type ToolsConfig struct {
	GDALInfo         string `yaml:"gdalinfo"`
	OGR2OGR          string `yaml:"ogr2ogr"`
	OGRInfo          string `yaml:"ogrinfo"`
	GDALEdit         string `yaml:"gdal_edit"`
	GDALTranslate    string `yaml:"gdal_translate"`
	GDALRetile       string `yaml:"gdal_retile"`
	PyramidThreshold string `yaml:"pyramid_threshold"`
	PyramidBytes     uint64 `yaml:"-"`
}

// ScratchConfig holds working directories.
type ScratchConfig struct {
	Dir       string `yaml:"dir"`
	PublicDir string `yaml:"public_dir"`
}

// CacheConfig holds layer cache settings.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig holds audit journal settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// NotifyConfig holds operator notification settings.
type NotifyConfig struct {
	InternalHosts []string   `yaml:"internal_hosts"`
	SMTP          SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds mail relay settings. Empty Addr logs instead of mailing.
type SMTPConfig struct {
	Addr     string   `yaml:"addr"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// TestClients are the addresses or CIDR ranges allowed to request test
	// mode, which suppresses operator alerts.
	TestClients []string `yaml:"test_clients"`
}

// TestClientPrefixes parses TestClients. A bare address is a single-host range.
func (c ServerConfig) TestClientPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TestClients))
	for _, raw := range c.TestClients {
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server: test_clients: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server: test_clients: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// JanitorConfig holds the housekeeping loop run by serve.
type JanitorConfig struct {
	IntervalStr       string        `yaml:"interval"`
	Interval          time.Duration `yaml:"-"`
	EventRetentionStr string        `yaml:"event_retention"`
	EventRetention    time.Duration `yaml:"-"`
	ScratchMaxAgeStr  string        `yaml:"scratch_max_age"`
	ScratchMaxAge     time.Duration `yaml:"-"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Finalize()
	return cfg
}

// Finalize applies defaults and parses the derived fields.
func (c *Config) Finalize() error {
	applyDefaults(c)
	return parseDerived(c)
}

func applyDefaults(cfg *Config) {
	if cfg.Repository.Kind == "" {
		cfg.Repository.Kind = "hydroshare"
	}
	if cfg.Repository.BaseURL == "" {
		cfg.Repository.BaseURL = "https://www.hydroshare.org"
	}
	if cfg.Repository.MaxResourceSize == "" {
		cfg.Repository.MaxResourceSize = "1 GB"
	}
	if cfg.Repository.TimeoutStr == "" {
		cfg.Repository.TimeoutStr = "2m"
	}
	if cfg.Repository.Retry.Attempts == 0 {
		cfg.Repository.Retry.Attempts = 5
	}
	if cfg.Repository.Retry.InitialIntervalStr == "" {
		cfg.Repository.Retry.InitialIntervalStr = "500ms"
	}
	if cfg.Repository.Retry.MaxIntervalStr == "" {
		cfg.Repository.Retry.MaxIntervalStr = "10s"
	}
	if cfg.MapService.URL == "" {
		cfg.MapService.URL = "http://127.0.0.1:8181/geoserver"
	}
	if cfg.MapService.Workspace == "" {
		cfg.MapService.Workspace = "geoingest"
	}
	if cfg.MapService.NamespaceURI == "" {
		cfg.MapService.NamespaceURI = "http://geoingest/" + cfg.MapService.Workspace
	}
	if cfg.MapService.TimeoutStr == "" {
		cfg.MapService.TimeoutStr = "5m"
	}
	if cfg.CRS.LookupURL == "" {
		cfg.CRS.LookupURL = "http://prj2epsg.org"
	}
	if cfg.CRS.FallbackCode == 0 {
		cfg.CRS.FallbackCode = 3857
	}
	if cfg.CRS.RateLimit == 0 {
		cfg.CRS.RateLimit = 2
	}
	if cfg.CRS.TimeoutStr == "" {
		cfg.CRS.TimeoutStr = "30s"
	}
	applyToolDefaults(&cfg.Tools)
	if cfg.Scratch.Dir == "" {
		cfg.Scratch.Dir = filepath.Join(os.TempDir(), "geoingest")
	}
	if cfg.Scratch.PublicDir == "" {
		// A sibling of the scratch root; every child of the root is a user's.
		cfg.Scratch.PublicDir = filepath.Clean(cfg.Scratch.Dir) + "-public"
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "./data"
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.Cache.Dir, "audit")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.TestClients == nil {
		cfg.Server.TestClients = []string{"127.0.0.0/8", "::1"}
	}
	if cfg.Janitor.IntervalStr == "" {
		cfg.Janitor.IntervalStr = "1h"
	}
	if cfg.Janitor.EventRetentionStr == "" {
		cfg.Janitor.EventRetentionStr = "720h"
	}
	if cfg.Janitor.ScratchMaxAgeStr == "" {
		cfg.Janitor.ScratchMaxAgeStr = "24h"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "geoingest"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if len(cfg.ProjectFiles) == 0 {
		cfg.ProjectFiles = []string{"mapProject.json", "*.mapproject.json"}
	}
}

func applyToolDefaults(t *ToolsConfig) {
	if t.GDALInfo == "" {
		t.GDALInfo = "gdalinfo"
	}
	if t.OGR2OGR == "" {
		t.OGR2OGR = "ogr2ogr"
	}
	if t.OGRInfo == "" {
		t.OGRInfo = "ogrinfo"
	}
	if t.GDALEdit == "" {
		t.GDALEdit = "gdal_edit.py"
	}
	if t.GDALTranslate == "" {
		t.GDALTranslate = "gdal_translate"
	}
	if t.GDALRetile == "" {
		t.GDALRetile = "gdal_retile.py"
	}
	if t.PyramidThreshold == "" {
		t.PyramidThreshold = "500 MB"
	}
}

func parseDerived(cfg *Config) error {
	var err error
	if cfg.Repository.MaxBytes, err = humanize.ParseBytes(cfg.Repository.MaxResourceSize); err != nil {
		return fmt.Errorf("parse max_resource_size %q: %w", cfg.Repository.MaxResourceSize, err)
	}
	if cfg.Tools.PyramidBytes, err = humanize.ParseBytes(cfg.Tools.PyramidThreshold); err != nil {
		return fmt.Errorf("parse pyramid_threshold %q: %w", cfg.Tools.PyramidThreshold, err)
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"repository.timeout", cfg.Repository.TimeoutStr, &cfg.Repository.Timeout},
		{"repository.retry.initial_interval", cfg.Repository.Retry.InitialIntervalStr, &cfg.Repository.Retry.InitialInterval},
		{"repository.retry.max_interval", cfg.Repository.Retry.MaxIntervalStr, &cfg.Repository.Retry.MaxInterval},
		{"mapservice.timeout", cfg.MapService.TimeoutStr, &cfg.MapService.Timeout},
		{"crs.timeout", cfg.CRS.TimeoutStr, &cfg.CRS.Timeout},
		{"janitor.interval", cfg.Janitor.IntervalStr, &cfg.Janitor.Interval},
		{"janitor.event_retention", cfg.Janitor.EventRetentionStr, &cfg.Janitor.EventRetention},
		{"janitor.scratch_max_age", cfg.Janitor.ScratchMaxAgeStr, &cfg.Janitor.ScratchMaxAge},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.name, d.in, err)
		}
		*d.out = v
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Repository.Kind {
	case "hydroshare":
		if c.Repository.BaseURL == "" {
			return fmt.Errorf("repository: base_url required")
		}
	case "s3":
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("repository: s3.bucket required")
		}
	default:
		return fmt.Errorf("repository: unknown kind %q (hydroshare, s3)", c.Repository.Kind)
	}
	if c.MapService.Workspace == "" {
		return fmt.Errorf("mapservice: workspace required")
	}
	if c.CRS.FallbackCode <= 0 {
		return fmt.Errorf("crs: fallback_code must be positive (got %d)", c.CRS.FallbackCode)
	}
	if filepath.Dir(filepath.Clean(c.Scratch.PublicDir)) == filepath.Clean(c.Scratch.Dir) {
		return fmt.Errorf("scratch: public_dir must not sit directly inside scratch.dir, where user directories live")
	}
	if _, err := c.Server.TestClientPrefixes(); err != nil {
		return err
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}

// IsInternalHost reports whether host is configured as internal (no operator alerts).
func (c *Config) IsInternalHost(host string) bool {
	for _, h := range c.Notify.InternalHosts {
		if h == host {
			return true
		}
	}
	return false
}
