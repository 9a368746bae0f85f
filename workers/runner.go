package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/camden-git/photofacets/config"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
)

var (
	ErrItemTimeout = errors.New("item exceeded its processing deadline")
	ErrStageBusy   = errors.New("a run for this facet is already in progress")
)

// FailureKind classifies a per-item failure.
type FailureKind string

const (
	FailureExtraction FailureKind = "extraction"
	FailureTimeout    FailureKind = "timeout"
	FailureData       FailureKind = "data"
)

// Failure describes one item that could not be enriched.
type Failure struct {
	ItemID  uint        `json:"item_id"`
	Path    string      `json:"path"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Report summarizes one stage run. Rejected items are also counted in
// Failed.
type Report struct {
	RunID        string        `json:"run_id"`
	Facet        models.Facet  `json:"facet"`
	ModelVersion string        `json:"model_version,omitempty"`
	Processed    int           `json:"processed"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Rejected     int           `json:"rejected"`
	Failures     []Failure     `json:"failures,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// RunOptions tunes one stage run.
type RunOptions struct {
	BatchSize           int
	ConfidenceThreshold float64
	ItemTimeout         time.Duration
	SkipEmpty           bool
}

// OptionsFromConfig maps the processing section of the config.
func OptionsFromConfig(cfg config.ProcessingConfig) RunOptions {
	return RunOptions{
		BatchSize:           cfg.BatchSize,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ItemTimeout:         cfg.ItemTimeout,
		SkipEmpty:           cfg.SkipEmpty,
	}
}

// StageRunner drives enrichment stages over the not-yet-enriched items of
// the corpus. Each item commits independently, so an interrupted run
// resumes where it stopped.
type StageRunner struct {
	repo repository.FacetRepositoryInterface
	runs repository.RunRepositoryInterface
	log  logrus.FieldLogger

	mu       sync.Mutex
	active   map[models.Facet]bool
	observer Observer
}

// NewStageRunner creates a runner. runs may be nil to skip run records.
func NewStageRunner(repo repository.FacetRepositoryInterface, runs repository.RunRepositoryInterface, log logrus.FieldLogger) *StageRunner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StageRunner{repo: repo, runs: runs, log: log, active: make(map[models.Facet]bool)}
}

// SetObserver installs o to receive run progress. Call before starting runs.
func (r *StageRunner) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

func (r *StageRunner) notify(p Progress) {
	r.mu.Lock()
	o := r.observer
	r.mu.Unlock()
	if o != nil {
		o.Observe(p)
	}
}

func (r *StageRunner) acquire(f models.Facet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[f] {
		return fmt.Errorf("%w: %s", ErrStageBusy, f)
	}
	r.active[f] = true
	return nil
}

func (r *StageRunner) release(f models.Facet) {
	r.mu.Lock()
	delete(r.active, f)
	r.mu.Unlock()
}

// RunStage enriches every unenriched item for the stage's facet and model
// version. Per-item failures are recorded in the report; a store error
// aborts the run. On cancellation the report covers the items committed so
// far and the error is ctx.Err().
func (r *StageRunner) RunStage(ctx context.Context, stage Stage, opts RunOptions) (Report, error) {
	f := stage.Facet()
	if !f.IsValid() {
		return Report{}, fmt.Errorf("%w %q", models.ErrUnknownFacet, f)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if err := r.acquire(f); err != nil {
		return Report{}, err
	}
	defer r.release(f)

	version := stage.ModelVersion()
	report := Report{RunID: uuid.NewString(), Facet: f, ModelVersion: version}
	log := r.log.WithFields(logrus.Fields{"run_id": report.RunID, "facet": f, "model_version": version})
	start := time.Now()

	run := &models.StageRun{RunID: report.RunID, Facet: string(f), ModelVersion: version}
	if r.runs != nil {
		if err := r.runs.Start(ctx, run); err != nil {
			return report, err
		}
	}

	if pending, err := r.repo.CountUnenriched(ctx, f, version, opts.SkipEmpty); err == nil {
		log.WithField("pending", pending).Info("stage: starting")
	}
	r.notify(progressFrom(ProgressStarted, &report))

	runErr := r.runBatches(ctx, stage, opts, &report, log)
	report.Duration = time.Since(start)

	outcome := models.RunOutcomeCompleted
	switch {
	case runErr != nil && ctx.Err() != nil:
		outcome = models.RunOutcomeCancelled
		runErr = ctx.Err()
	case runErr != nil:
		outcome = models.RunOutcomeAborted
	}

	if r.runs != nil {
		run.Processed, run.Skipped, run.Failed, run.Rejected = report.Processed, report.Skipped, report.Failed, report.Rejected
		run.Outcome = outcome
		if err := r.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
			log.WithError(err).Warn("stage: failed to record run outcome")
		}
	}

	done := progressFrom(ProgressFinished, &report)
	done.Outcome = outcome
	if runErr != nil {
		done.Error = runErr.Error()
	}
	r.notify(done)

	entry := log.WithFields(logrus.Fields{
		"processed": report.Processed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"rejected":  report.Rejected,
		"took":      report.Duration.Round(time.Millisecond),
		"outcome":   outcome,
	})
	if runErr != nil {
		entry.WithError(runErr).Warn("stage: stopped")
	} else {
		entry.Info("stage: finished")
	}
	return report, runErr
}

func (r *StageRunner) runBatches(ctx context.Context, stage Stage, opts RunOptions, report *Report, log logrus.FieldLogger) error {
	f, version := stage.Facet(), stage.ModelVersion()
	var afterID uint
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.repo.SelectUnenriched(ctx, f, version, repository.Selection{
			AfterID:   afterID,
			Limit:     opts.BatchSize,
			SkipEmpty: opts.SkipEmpty,
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, item := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			afterID = item.ID
			if err := r.processItem(ctx, stage, item, opts, report, log); err != nil {
				return err
			}
		}
	}
}

// processItem enriches and persists one item. Only store errors and
// cancellation are returned.
func (r *StageRunner) processItem(ctx context.Context, stage Stage, item models.Item, opts RunOptions, report *Report, log logrus.FieldLogger) error {
	f, version := stage.Facet(), stage.ModelVersion()
	ilog := log.WithFields(logrus.Fields{"item_id": item.ID, "path": item.SourcePath})

	rows, err := r.enrich(ctx, stage, item, opts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := FailureExtraction
		if errors.Is(err, ErrItemTimeout) {
			kind = FailureTimeout
		}
		return r.fail(ctx, item, f, version, kind, err, report, ilog)
	}

	outcome, written, err := r.repo.Persist(ctx, item, f, version, rows)
	if err != nil {
		if repository.IsDataError(err) {
			report.Rejected++
			return r.fail(ctx, item, f, version, FailureData, err, report, ilog)
		}
		return fmt.Errorf("failed to persist %s for item %d: %w", f, item.ID, err)
	}

	switch outcome {
	case repository.OutcomeWritten:
		report.Processed++
		ilog.WithField("rows", written).Debug("stage: item enriched")
	default:
		report.Skipped++
		ilog.WithField("outcome", outcome.String()).Debug("stage: item skipped")
	}
	p := progressFrom(ProgressItem, report)
	p.ItemID, p.Path, p.Outcome = item.ID, item.SourcePath, outcome.String()
	r.notify(p)
	return nil
}

func (r *StageRunner) fail(ctx context.Context, item models.Item, f models.Facet, version string, kind FailureKind, cause error, report *Report, log logrus.FieldLogger) error {
	report.Failed++
	report.Failures = append(report.Failures, Failure{
		ItemID:  item.ID,
		Path:    item.SourcePath,
		Kind:    kind,
		Message: cause.Error(),
	})
	log.WithError(cause).WithField("kind", kind).Warn("stage: item failed")
	p := progressFrom(ProgressItem, report)
	p.ItemID, p.Path, p.Outcome, p.Error = item.ID, item.SourcePath, "failed", cause.Error()
	r.notify(p)
	if err := r.repo.MarkFailed(ctx, item.ID, f, version, cause); err != nil {
		return fmt.Errorf("failed to record failure of item %d: %w", item.ID, err)
	}
	return nil
}

type enrichResult struct {
	rows repository.FacetRows
	err  error
}

// enrich calls the stage under the per-item deadline. The collaborator runs
// in its own goroutine so the runner can move on at the deadline even if
// the call ignores its context; a late result is discarded.
func (r *StageRunner) enrich(ctx context.Context, stage Stage, item models.Item, opts RunOptions) (repository.FacetRows, error) {
	var (
		ictx   context.Context
		cancel context.CancelFunc
	)
	if opts.ItemTimeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, opts.ItemTimeout)
	} else {
		ictx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan enrichResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- enrichResult{err: fmt.Errorf("collaborator panicked: %v", p)}
			}
		}()
		rows, err := stage.Enrich(ictx, item, opts.ConfidenceThreshold)
		done <- enrichResult{rows: rows, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ictx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return repository.FacetRows{}, fmt.Errorf("%w after %s: %v", ErrItemTimeout, opts.ItemTimeout, res.err)
		}
		return res.rows, res.err
	case <-ictx.Done():
		if err := ctx.Err(); err != nil {
			return repository.FacetRows{}, err
		}
		return repository.FacetRows{}, fmt.Errorf("%w after %s", ErrItemTimeout, opts.ItemTimeout)
	}
}

// RunStages runs stages in parallel. Facets must be distinct. The first
// fatal error cancels the remaining stages between items.
func (r *StageRunner) RunStages(ctx context.Context, stages []Stage, opts RunOptions) ([]Report, error) {
	seen := make(map[models.Facet]bool, len(stages))
	for _, s := range stages {
		if seen[s.Facet()] {
			return nil, fmt.Errorf("%w: %s listed twice", ErrStageBusy, s.Facet())
		}
		seen[s.Facet()] = true
	}

	reports := make([]Report, len(stages))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range stages {
		i, s := i, s
		g.Go(func() error {
			rep, err := r.RunStage(gctx, s, opts)
			reports[i] = rep
			return err
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return reports, err
}
