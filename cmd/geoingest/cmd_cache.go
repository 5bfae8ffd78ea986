package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yairfalse/geoingest/internal/cache"
	"github.com/yairfalse/geoingest/pkg/layer"
)

var (
	cacheListJSON    bool
	cacheEventsSince time.Duration
	cachePruneAge    time.Duration
)

// cacheCmd groups layer cache maintenance
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the layer cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached layer records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCache(func(s *cache.Store) error {
			records, err := s.All(cmd.Context())
			if err != nil {
				return err
			}
			if cacheListJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return printRecords(cmd.OutOrStdout(), records)
		})
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and revision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCache(func(s *cache.Store) error {
			records, rev, size := s.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Records:  %d\nRevision: %d\nSize:     %s\n",
				records, rev, humanize.IBytes(uint64(size)))
			return nil
		})
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <resource-id>",
	Short: "Drop a resource's cached layers and their map service stores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			n, err := a.orch.Invalidate(ctx, newRunContext("", true), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d record(s) of %s\n", n, args[0])
			return nil
		})
	},
}

var cacheEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent invalidation events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCache(func(s *cache.Store) error {
			events, err := s.Invalidations(cmd.Context(), time.Now().Add(-cacheEventsSince))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), events)
		})
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old invalidation events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCache(func(s *cache.Store) error {
			n, err := s.PruneInvalidations(cmd.Context(), time.Now().Add(-cachePruneAge))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d event(s)\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd, cacheStatsCmd, cacheInvalidateCmd, cacheEventsCmd, cachePruneCmd)

	cacheListCmd.Flags().BoolVar(&cacheListJSON, "json", false, "Print records as JSON")
	cacheEventsCmd.Flags().DurationVar(&cacheEventsSince, "since", 24*time.Hour, "How far back to look")
	cachePruneCmd.Flags().DurationVar(&cachePruneAge, "older-than", 30*24*time.Hour, "Remove events older than this")
}

// withCache opens the cache without a map service connection. Stores are
// not touched, so read-only commands work while the map service is down.
func withCache(fn func(*cache.Store) error) error {
	s, err := cache.Open(cfg.Cache.Dir, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func printRecords(w io.Writer, records []layer.LayerRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tLAYER\tFILE\tCACHED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ResID, r.Kind, dash(r.LayerID), dash(r.SubFileName), humanize.Time(r.CachedAt))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
