package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "geoingest",
		Short: "Geospatial ingestion and publication service",
		Long: `geoingest - Geospatial ingestion and publication service

geoingest takes user-supplied geospatial payloads (archives, shapefile sets,
rasters, KML, project files) from a remote repository or a direct upload,
repairs their coordinate systems, publishes them to a map-rendering service
and caches the resulting layer descriptors so repeat requests are instant.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`geoingest {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging on the console")
}

// setup loads the configuration and configures logging before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	if debug {
		level = zerolog.DebugLevel
		telemetry.SetOutput(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
