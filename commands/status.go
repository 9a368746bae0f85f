package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
)

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Maintain the processing-status cache and text index",
	}
	cmd.AddCommand(newReconcileCmd(a), newTextIndexCmd(a))
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair processing status from the facet tables",
		Long: `Rebuild the per-item processing status from the facet tables. A status
that claims a facet is done without any rows is cleared; rows without a
done status are marked done under the configured model version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			m := a.cfg.Models
			versions := map[models.Facet]string{
				models.FacetObjects:    m.DetectionVersion,
				models.FacetEmbeddings: m.EmbeddingVersion,
				models.FacetText:       m.OCRVersion,
			}
			report, err := repository.NewStatusRepository(store).Reconcile(ctx, versions)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "status rows created\t%d\n", report.CreatedRows)
			fmt.Fprintf(w, "FACET\tCLEARED\tMARKED\n")
			for _, f := range models.AllFacets {
				fmt.Fprintf(w, "%s\t%d\t%d\n", f, report.Cleared[f], report.Marked[f])
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newTextIndexCmd(a *app) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "text-index",
		Short: "Check the full-text index, or rebuild it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if rebuild {
				if err := database.RebuildTextIndex(ctx, store); err != nil {
					return err
				}
				fmt.Fprintln(out, "text index rebuilt")
				return nil
			}
			if err := database.CheckTextIndex(ctx, store); err != nil {
				return fmt.Errorf("%w (run with --rebuild to repair)", err)
			}
			fmt.Fprintln(out, "text index ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "regenerate the index from extracted text")
	return cmd
}
