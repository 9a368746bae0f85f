package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
	"github.com/camden-git/photofacets/workers"
)

const stageExif = "exif"

var stageNames = []string{stageExif, "gps", "objects", "embeddings", "text", "all"}

func newProcessCmd(a *app) *cobra.Command {
	var (
		stage   string
		refresh bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one enrichment stage, or all of them",
		Long: `Run an enrichment stage over every item that does not yet have the
stage's facet under the configured model version. Runs are idempotent and
resumable: interrupting a run keeps everything committed so far.

Stages: exif (ingest files and capture metadata), gps, objects, embeddings,
text, all.

Examples:
  photofacets process --stage exif --source ~/Pictures
  photofacets process --stage objects --confidence 0.6
  photofacets process --stage all --parallel=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runProcess(cmd, stage, refresh, asJSON)
		},
	}

	f := cmd.Flags()
	f.StringVar(&stage, "stage", "", "stage to run: "+strings.Join(stageNames, "|"))
	f.Int("batch-size", 32, "items selected per batch")
	f.Float64("confidence", 0.5, "minimum confidence kept for detections and text")
	f.Duration("item-timeout", 60*time.Second, "deadline for one item")
	f.Bool("skip-empty", false, "skip items whose last attempt found nothing")
	f.Bool("parallel", true, "run facet stages concurrently with --stage all")
	f.String("photo-details", "", "iCloud Photo Details CSV consulted for capture dates (exif)")
	f.BoolVar(&refresh, "refresh", false, "re-read capture metadata and location of known files (exif)")
	f.BoolVar(&asJSON, "json", false, "print run reports as JSON")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// processResult is what one process invocation reports.
type processResult struct {
	Ingest *workers.IngestReport `json:"ingest,omitempty"`
	Stages []workers.Report      `json:"stages,omitempty"`
}

func validStage(name string) bool {
	for _, s := range stageNames {
		if s == name {
			return true
		}
	}
	return false
}

func (a *app) runProcess(cmd *cobra.Command, stage string, refresh, asJSON bool) error {
	if !validStage(stage) {
		return fmt.Errorf("%w %q, want one of %s", models.ErrUnknownFacet, stage, strings.Join(stageNames, ", "))
	}
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	repo := repository.NewFacetRepository(store)
	runs := repository.NewRunRepository(store)
	opts := workers.OptionsFromConfig(a.cfg.Processing)

	var res processResult
	var runErr error
	if stage == stageExif || stage == "all" {
		reader := a.captureReader()
		in := workers.NewIngestor(repo.Items, reader, runs, a.log)
		if refresh {
			in.SetRelocation(reader, repo)
		}
		rep, err := in.Run(ctx, a.cfg.Paths.InputDirectory, workers.IngestOptions{Refresh: refresh})
		res.Ingest = &rep
		runErr = err
	}

	if runErr == nil && stage != stageExif {
		facets := models.AllFacets
		if stage != "all" {
			facets = []models.Facet{models.Facet(stage)}
		}
		res.Stages, runErr = a.runFacets(ctx, repo, runs, facets, opts, stage == "all" && a.cfg.Processing.Parallel)
	}

	if err := printProcessResult(cmd.OutOrStdout(), res, asJSON); err != nil {
		return err
	}
	return runErr
}

func (a *app) runFacets(ctx context.Context, repo *repository.FacetRepository, runs *repository.RunRepository, facets []models.Facet, opts workers.RunOptions, parallel bool) ([]workers.Report, error) {
	stages, closeStages, err := a.buildStages(facets)
	if err != nil {
		return nil, err
	}
	defer closeStages()

	runner := workers.NewStageRunner(repo, runs, a.log)
	if parallel {
		return runner.RunStages(ctx, stages, opts)
	}
	var reports []workers.Report
	for _, s := range stages {
		rep, err := runner.RunStage(ctx, s, opts)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// captureReader returns the metadata reader used by ingestion, with Photo
// Details dates when a CSV is configured. An unreadable CSV is logged and
// ignored.
func (a *app) captureReader() *media.ExifReader {
	r := media.NewExifReader(a.log)
	path := a.cfg.Paths.PhotoDetails
	if path == "" {
		return r
	}
	details, err := media.LoadPhotoDetails(path)
	if err != nil {
		a.log.WithError(err).Warn("process: ignoring photo details")
		return r
	}
	r.Details = details
	a.log.WithField("file", path).WithField("entries", len(details)).Info("process: loaded photo details")
	return r
}

// buildStages creates the collaborators for facets from configuration.
// The returned func releases any native resources.
func (a *app) buildStages(facets []models.Facet) ([]workers.Stage, func(), error) {
	var (
		stages  []workers.Stage
		closers []func() error
		client  *media.ModelClient
	)
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	remote := func() (*media.ModelClient, error) {
		if client != nil {
			return client, nil
		}
		var err error
		client, err = media.NewModelClient(a.cfg.Models, a.log)
		return client, err
	}

	m := a.cfg.Models
	for _, f := range facets {
		switch f {
		case models.FacetGPS:
			stages = append(stages, workers.GPSStage{Locator: media.NewExifReader(a.log)})
		case models.FacetObjects:
			if m.YOLOModelPath != "" {
				det, err := media.NewYOLODetector(m.YOLOModelPath, m.DetectionVersion, a.log)
				switch {
				case err == nil:
					closers = append(closers, det.Close)
					stages = append(stages, workers.ObjectStage{Detector: det})
					continue
				case errors.Is(err, media.ErrDetectorUnavailable):
					a.log.WithError(err).Warn("process: using the model server for object detection")
				default:
					cleanup()
					return nil, nil, err
				}
			}
			c, err := remote()
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			stages = append(stages, workers.ObjectStage{Detector: c.Detector(m.DetectionVersion)})
		case models.FacetEmbeddings:
			c, err := remote()
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			stages = append(stages, workers.EmbeddingStage{Embedder: c.Embedder(m.EmbeddingVersion, m.EmbeddingDimension)})
		case models.FacetText:
			c, err := remote()
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			stages = append(stages, workers.TextStage{Extractor: c.TextExtractor(m.OCRVersion)})
		default:
			cleanup()
			return nil, nil, fmt.Errorf("%w %q", models.ErrUnknownFacet, f)
		}
	}
	return stages, cleanup, nil
}

func printProcessResult(out io.Writer, res processResult, asJSON bool) error {
	if asJSON {
		return writeJSON(out, res)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "STAGE\tMODEL\tPROCESSED\tSKIPPED\tFAILED\tREJECTED\tTOOK\n")
	if r := res.Ingest; r != nil {
		fmt.Fprintf(w, "%s\t-\t%d\t%d\t%d\t0\t%s\n", stageExif, r.Inserted+r.Refreshed, r.Unchanged, r.Failed, r.Duration.Round(time.Millisecond))
	}
	for _, r := range res.Stages {
		model := r.ModelVersion
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", r.Facet, model, r.Processed, r.Skipped, r.Failed, r.Rejected, r.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var failures []workers.Failure
	if res.Ingest != nil {
		failures = append(failures, res.Ingest.Failures...)
	}
	for _, r := range res.Stages {
		failures = append(failures, r.Failures...)
	}
	for _, f := range failures {
		fmt.Fprintf(out, "  failed %s (%s): %s\n", f.Path, f.Kind, truncate(f.Message, 120))
	}
	return nil
}
