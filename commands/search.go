package commands

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/camden-git/photofacets/query"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		p       query.Params
		radius  float64
		export  string
		asJSON  bool
		explain bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find items matching a combination of filters",
		Long: `Search the enriched corpus. Filters combine with AND; at least one is
required. Without --semantic, results are ordered newest first; with it,
by similarity.

Examples:
  photofacets search --object dog --min-confidence 0.7
  photofacets search --location 48.8584,2.2945 --radius 2 --date-from 2023-07-01
  photofacets search --semantic "birthday cake" --top-k 20 --json
  photofacets search --text "exit 12" --export results.csv
  photofacets search --object car --text parking --explain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("radius") {
				p.RadiusKm = &radius
			}
			return a.runSearch(cmd, p, export, asJSON, explain)
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.Object, "object", "", "object label, e.g. dog")
	f.Float64Var(&p.MinConfidence, "min-confidence", 0, "minimum detection confidence for --object")
	f.StringVar(&p.Semantic, "semantic", "", "natural-language description matched against image embeddings")
	f.StringVar(&p.SemanticModel, "model", "", "embedding model version (default from config)")
	f.IntVar(&p.TopK, "top-k", 0, "nearest neighbours kept by --semantic (default from config)")
	f.StringVar(&p.Text, "text", "", "full-text query over extracted text")
	f.BoolVar(&p.RawText, "raw", false, "pass --text to the full-text engine unquoted")
	f.StringVar(&p.Location, "location", "", "centre as lat,lon")
	f.Float64Var(&radius, "radius", 0, "radius in km around --location")
	f.StringVar(&p.DateFrom, "date-from", "", "earliest capture time (YYYY-MM-DD or YYYY-MM-DD HH:MM:SS)")
	f.StringVar(&p.DateTo, "date-to", "", "latest capture time, a bare date includes the whole day")
	f.IntVar(&p.Limit, "limit", 0, "maximum rows returned, 0 for all")
	f.StringVar(&export, "export", "", "write results to a .json or .csv file")
	f.BoolVar(&asJSON, "json", false, "print results as JSON")
	f.BoolVar(&explain, "explain", false, "print the query plan without running it")
	return cmd
}

func (a *app) runSearch(cmd *cobra.Command, p query.Params, export string, asJSON, explain bool) error {
	filters, err := p.Filters()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	exec, _ := a.newExecutor(store)
	out := cmd.OutOrStdout()

	if explain {
		plan, err := exec.Explain(filters)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, plan)
		}
		fmt.Fprintln(out, plan.String())
		return nil
	}

	res, err := exec.Execute(ctx, filters)
	if err != nil {
		return err
	}

	if export != "" {
		if err := query.Export(export, res.Rows); err != nil {
			return err
		}
		a.log.WithField("file", export).WithField("rows", len(res.Rows)).Info("search: exported results")
	}

	if asJSON {
		return writeJSON(out, res)
	}
	return printSearchResult(out, res, filters.Semantic != nil)
}

func printSearchResult(out io.Writer, res query.Result, semantic bool) error {
	if len(res.Rows) == 0 {
		fmt.Fprintln(out, "No matching items.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if semantic {
		fmt.Fprintf(w, "ID\tSIMILARITY\tCAPTURED\tFILE\n")
	} else {
		fmt.Fprintf(w, "ID\tCAPTURED\tCONFIDENCE\tFILE\n")
	}
	for _, r := range res.Rows {
		captured := "-"
		if r.CapturedAt != nil {
			captured = time.Unix(*r.CapturedAt, 0).UTC().Format(time.DateTime)
		}
		file := "-"
		if r.Item != nil {
			file = filepath.Base(r.Item.MediaPath())
		}
		if semantic {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ItemID, score(r.Similarity), captured, file)
		} else {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ItemID, captured, score(r.TagConfidence), file)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d matches (%s)\n", len(res.Rows), res.Total, res.Took.Round(time.Millisecond))
	return nil
}
