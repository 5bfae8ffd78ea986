package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/geoingest/orchestrator"
	"github.com/yairfalse/geoingest/pkg/layer"
)

var (
	resourcesUser   string
	resourcesToken  string
	resourcesJSON   bool
	projectTitle    string
	projectAbstract string
	projectKeywords string
	projectName     string
)

// resourcesCmd works with the user's repository resources
var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List the user's repository resources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.orch.ListResources(ctx, credentials(resourcesUser, resourcesToken))
			if err != nil {
				return err
			}
			if resourcesJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			return printResources(cmd.OutOrStdout(), res)
		})
	},
}

var newProjectCmd = &cobra.Command{
	Use:     "new-project <project-file>",
	Short:   "Create a repository resource holding a project file",
	Example: `  geoingest resources new-project map.json --title "Field map" --keywords roads,survey --user alice`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		req := orchestrator.NewProjectRequest{
			Title:    projectTitle,
			Abstract: projectAbstract,
			Keywords: strings.Split(projectKeywords, ","),
			Name:     projectName,
			Content:  string(content),
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			id, err := a.orch.SaveNewProject(ctx, credentials(resourcesUser, resourcesToken), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created resource %s\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
	resourcesCmd.AddCommand(newProjectCmd)

	resourcesCmd.PersistentFlags().StringVar(&resourcesUser, "user", "", "User whose resources are listed or created")
	resourcesCmd.PersistentFlags().StringVar(&resourcesToken, "token", os.Getenv("GEOINGEST_TOKEN"), "Repository access token")
	resourcesCmd.Flags().BoolVar(&resourcesJSON, "json", false, "Print resources as JSON")

	newProjectCmd.Flags().StringVar(&projectTitle, "title", "", "Resource title")
	newProjectCmd.Flags().StringVar(&projectAbstract, "abstract", "", "Resource abstract")
	newProjectCmd.Flags().StringVar(&projectKeywords, "keywords", "", "Comma separated keywords")
	newProjectCmd.Flags().StringVar(&projectName, "name", "", "Project file name in the resource (default mapProject.json)")
	_ = newProjectCmd.MarkFlagRequired("title")
}

func printResources(w io.Writer, res []layer.Resource) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tMODIFIED")
	for _, r := range res {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Type, dash(r.Title), dash(r.ModificationTime))
	}
	return tw.Flush()
}
