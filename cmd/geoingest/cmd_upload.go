package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/orchestrator"
)

var (
	uploadTarget  string
	uploadUser    string
	uploadToken   string
	uploadTesting bool
)

// uploadCmd publishes local files directly
var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Publish local files and add them to a repository resource",
	Long: `Publish local geospatial files (archives, shapefile parts, rasters, KML)
without downloading anything from the repository.

With --target the raw files are added to that resource afterwards. Failing
to add them does not undo the publication.`,
	Example: `  geoingest upload roads.shp roads.shx roads.dbf roads.prj --user alice
  geoingest upload dem.tif --target 1a2b3c --token $TOKEN`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadTarget, "target", "", "Repository resource the files are added to")
	uploadCmd.Flags().StringVar(&uploadUser, "user", "", "User the files are published for")
	uploadCmd.Flags().StringVar(&uploadToken, "token", os.Getenv("GEOINGEST_TOKEN"), "Repository access token")
	uploadCmd.Flags().BoolVar(&uploadTesting, "testing", false, "Suppress operator notifications")
}

func runUpload(cmd *cobra.Command, args []string) error {
	files := make([]extract.Upload, 0, len(args))
	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			return err
		}
		files = append(files, localUpload(path))
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		rc := newRunContext(uploadUser, uploadTesting)
		req := orchestrator.UploadRequest{TargetID: uploadTarget, Files: files}
		resp := a.orch.IngestFromUpload(ctx, rc, credentials(uploadUser, uploadToken), req)
		return printResponse(cmd.OutOrStdout(), resp)
	})
}

func localUpload(path string) extract.Upload {
	return extract.Upload{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}
