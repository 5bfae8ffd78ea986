package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/orchestrator"
	"github.com/yairfalse/geoingest/pkg/layer"
)

var (
	ingestUser    string
	ingestToken   string
	ingestType    string
	ingestTitle   string
	ingestTesting bool
)

// ingestCmd opens one repository resource
var ingestCmd = &cobra.Command{
	Use:   "ingest <resource-id>",
	Short: "Open a repository resource and publish its layers",
	Long: `Download a resource from the configured repository, repair its coordinate
systems and publish every spatial file to the map service.

Unchanged resources are answered from the layer cache.`,
	Example: `  geoingest ingest 1a2b3c --user alice --token $TOKEN
  geoingest ingest 1a2b3c --type RasterResource --title "Elevation"`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestUser, "user", "", "User the resource is opened for")
	ingestCmd.Flags().StringVar(&ingestToken, "token", os.Getenv("GEOINGEST_TOKEN"), "Repository access token")
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "Resource type override")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "Resource title override")
	ingestCmd.Flags().BoolVar(&ingestTesting, "testing", false, "Suppress operator notifications")
}

func runIngest(cmd *cobra.Command, args []string) error {
	req := orchestrator.RepositoryRequest{ResID: args[0], TitleHint: ingestTitle}
	if ingestType != "" {
		req.TypeHint = layer.ParseResourceType(ingestType)
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		rc := newRunContext(ingestUser, ingestTesting)
		resp := a.orch.IngestFromRepository(ctx, rc, credentials(ingestUser, ingestToken), req)
		return printResponse(cmd.OutOrStdout(), resp)
	})
}

// withApp builds the pipeline, runs fn and closes everything afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(ctx, a)
}

func newRunContext(user string, testing bool) *layer.RunContext {
	rc := layer.NewRunContext(user)
	rc.Testing = testing
	if host, err := os.Hostname(); err == nil {
		rc.Host = host
	}
	return rc
}

func credentials(user, token string) repository.Credentials {
	creds := repository.Credentials{Username: user}
	if token != "" {
		creds.Token = &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	}
	return creds
}

// printResponse writes the response as JSON and turns an unsuccessful
// response into a command error.
func printResponse(w io.Writer, resp layer.Response) error {
	if err := writeJSON(w, resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Message)
	}
	return nil
}
