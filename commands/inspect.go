package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/repository"
)

var inspectQueries = []string{"schema", "coverage", "date-sources", "cameras", "coord-ranges", "missing-gps", "runs", "all"}

func newInspectCmd(a *app) *cobra.Command {
	var (
		which  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show read-only diagnostics about the corpus",
		Long: `Print diagnostics about the database without changing it.

Queries: ` + strings.Join(inspectQueries, ", ") + `

Examples:
  photofacets inspect --query coverage
  photofacets inspect --query missing-gps --limit 50
  photofacets inspect --query all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInspect(cmd, which, limit, asJSON)
		},
	}
	cmd.Flags().StringVar(&which, "query", "all", "diagnostic to print: "+strings.Join(inspectQueries, "|"))
	cmd.Flags().IntVar(&limit, "limit", 20, "rows listed by missing-gps and runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

// inspection holds every diagnostic; unrequested ones stay nil.
type inspection struct {
	Schema      *schemaInfo            `json:"schema,omitempty"`
	Coverage    *repository.Coverage   `json:"coverage,omitempty"`
	DateSources []repository.CountRow  `json:"date_sources,omitempty"`
	Cameras     []repository.CountRow  `json:"cameras,omitempty"`
	CoordRanges *repository.CoordRange `json:"coord_ranges,omitempty"`
	MissingGPS  []missingGPS           `json:"missing_gps,omitempty"`
	Runs        []runRow               `json:"runs,omitempty"`
}

type schemaInfo struct {
	Version int                   `json:"version"`
	Latest  int                   `json:"latest"`
	Tables  []repository.CountRow `json:"tables"`
}

type missingGPS struct {
	ItemID uint   `json:"item_id"`
	Path   string `json:"path"`
}

type runRow struct {
	RunID        string `json:"run_id"`
	Facet        string `json:"facet"`
	ModelVersion string `json:"model_version"`
	Started      string `json:"started"`
	Outcome      string `json:"outcome"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"failed"`
}

func (a *app) runInspect(cmd *cobra.Command, which string, limit int, asJSON bool) error {
	valid := false
	for _, q := range inspectQueries {
		valid = valid || q == which
	}
	if !valid {
		return fmt.Errorf("unknown query %q, want one of %s", which, strings.Join(inspectQueries, ", "))
	}

	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stats := repository.NewStatsRepository(store)
	want := func(q string) bool { return which == "all" || which == q }
	var in inspection

	if want("schema") {
		version, err := database.SchemaVersion(ctx, store)
		if err != nil {
			return err
		}
		tables, err := stats.Tables(ctx)
		if err != nil {
			return err
		}
		in.Schema = &schemaInfo{Version: version, Latest: database.LatestSchemaVersion(), Tables: tables}
	}
	if want("coverage") {
		c, err := stats.Coverage(ctx)
		if err != nil {
			return err
		}
		in.Coverage = &c
	}
	if want("date-sources") {
		if in.DateSources, err = stats.DateSources(ctx); err != nil {
			return err
		}
	}
	if want("cameras") {
		if in.Cameras, err = stats.Cameras(ctx); err != nil {
			return err
		}
	}
	if want("coord-ranges") {
		r, err := stats.CoordRanges(ctx)
		if err != nil {
			return err
		}
		in.CoordRanges = &r
	}
	if want("missing-gps") {
		items, err := stats.MissingGPS(ctx, limit)
		if err != nil {
			return err
		}
		for _, it := range items {
			in.MissingGPS = append(in.MissingGPS, missingGPS{ItemID: it.ID, Path: it.SourcePath})
		}
	}
	if want("runs") {
		runs, err := repository.NewRunRepository(store).List(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range runs {
			in.Runs = append(in.Runs, runRow{
				RunID:        r.RunID,
				Facet:        r.Facet,
				ModelVersion: r.ModelVersion,
				Started:      time.Unix(r.StartedAt, 0).UTC().Format(time.DateTime),
				Outcome:      r.Outcome,
				Processed:    r.Processed,
				Failed:       r.Failed,
			})
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, in)
	}
	return printInspection(out, in)
}

func printInspection(out io.Writer, in inspection) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	section := func(title string) { fmt.Fprintf(w, "\n== %s ==\n", title) }

	if s := in.Schema; s != nil {
		section("schema")
		fmt.Fprintf(w, "version\t%d (latest %d)\n", s.Version, s.Latest)
		for _, t := range s.Tables {
			fmt.Fprintf(w, "%s\t%d rows\n", t.Value, t.Count)
		}
	}
	if c := in.Coverage; c != nil {
		section("coverage")
		fmt.Fprintf(w, "FACET\tENRICHED\tEMPTY\tFAILED\tOF %d\n", c.Items)
		for _, f := range c.Facets {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", f.Facet, f.Enriched, f.Empty, f.Failed)
		}
	}
	if in.DateSources != nil {
		section("date sources")
		printCounts(w, in.DateSources)
	}
	if in.Cameras != nil {
		section("cameras")
		printCounts(w, in.Cameras)
	}
	if r := in.CoordRanges; r != nil {
		section("coordinate ranges")
		fmt.Fprintf(w, "located\t%d\n", r.Located)
		if r.Located > 0 {
			fmt.Fprintf(w, "latitude\t%s .. %s\n", coord(r.MinLatitude), coord(r.MaxLatitude))
			fmt.Fprintf(w, "longitude\t%s .. %s\n", coord(r.MinLongitude), coord(r.MaxLongitude))
			fmt.Fprintf(w, "altitude\t%s .. %s\n", coord(r.MinAltitude), coord(r.MaxAltitude))
		}
	}
	if in.MissingGPS != nil {
		section("missing gps")
		for _, m := range in.MissingGPS {
			fmt.Fprintf(w, "%d\t%s\n", m.ItemID, m.Path)
		}
	}
	if in.Runs != nil {
		section("runs")
		fmt.Fprintf(w, "RUN\tFACET\tMODEL\tSTARTED\tOUTCOME\tPROCESSED\tFAILED\n")
		for _, r := range in.Runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", r.RunID, r.Facet, r.ModelVersion, r.Started, r.Outcome, r.Processed, r.Failed)
		}
	}
	return w.Flush()
}

func printCounts(w io.Writer, rows []repository.CountRow) {
	for _, r := range rows {
		v := r.Value
		fmt.Fprintf(w, "%s\t%d\n", orDash(&v), r.Count)
	}
}

func coord(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}
