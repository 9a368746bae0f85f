package workers

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/facette/natsort"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
)

// IngestOptions tunes one ingestion pass.
type IngestOptions struct {
	// Refresh re-reads capture metadata of items that are already stored,
	// and their location when the ingestor relocates.
	Refresh bool
}

// IngestReport summarizes one ingestion pass.
type IngestReport struct {
	RunID      string        `json:"run_id"`
	Discovered int           `json:"discovered"`
	Inserted   int           `json:"inserted"`
	Refreshed  int           `json:"refreshed"`
	Relocated  int           `json:"relocated,omitempty"`
	Unchanged  int           `json:"unchanged"`
	Failed     int           `json:"failed"`
	Failures   []Failure     `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ItemStore is what ingestion needs from the item repository.
type ItemStore interface {
	Insert(ctx context.Context, item *models.Item) (uint, bool, error)
	UpdateCapture(ctx context.Context, id uint, c models.Item) error
	SourcePaths(ctx context.Context) (map[string]uint, error)
}

// LocationReplacer re-records an item's location after re-extraction.
type LocationReplacer interface {
	ReplaceLocation(ctx context.Context, itemID uint, loc *models.Location) error
}

// Ingestor registers new files as items with their capture metadata. This
// is the "exif" stage of the pipeline.
type Ingestor struct {
	items   ItemStore
	capture media.ExtractsCapture
	runs    repository.RunRepositoryInterface
	log     logrus.FieldLogger

	locator   media.Locates
	locations LocationReplacer
}

func NewIngestor(items ItemStore, capture media.ExtractsCapture, runs repository.RunRepositoryInterface, log logrus.FieldLogger) *Ingestor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ingestor{items: items, capture: capture, runs: runs, log: log}
}

// SetRelocation makes refreshed items re-read their GPS position through
// locator. The old location is replaced, never updated in place.
func (in *Ingestor) SetRelocation(locator media.Locates, locations LocationReplacer) {
	in.locator, in.locations = locator, locations
}

// Discover lists supported photo and video files under root in natural order, so
// IMG_2.jpg sorts before IMG_10.jpg and item ids follow that order.
func Discover(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !media.IsMedia(d.Name()) {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	natsort.Sort(paths)
	return paths, nil
}

// Run ingests every file under root that is not yet an item. With
// Refresh, existing items get their capture metadata re-read and updated
// in place. A file that cannot be read is recorded and skipped.
func (in *Ingestor) Run(ctx context.Context, root string, opts IngestOptions) (IngestReport, error) {
	start := time.Now()
	report := IngestReport{RunID: uuid.NewString()}
	log := in.log.WithFields(logrus.Fields{"run_id": report.RunID, "root": root})

	if info, err := os.Stat(root); err != nil {
		return report, fmt.Errorf("input directory: %w", err)
	} else if !info.IsDir() {
		return report, fmt.Errorf("input directory %s is not a directory", root)
	}

	run := &models.StageRun{RunID: report.RunID, Facet: "exif"}
	if in.runs != nil {
		if err := in.runs.Start(ctx, run); err != nil {
			return report, err
		}
	}

	runErr := in.ingest(ctx, root, opts, &report, log)
	report.Duration = time.Since(start)

	if in.runs != nil {
		run.Processed = report.Inserted + report.Refreshed
		run.Skipped = report.Unchanged
		run.Failed = report.Failed
		run.Outcome = models.RunOutcomeCompleted
		if runErr != nil {
			run.Outcome = models.RunOutcomeAborted
			if ctx.Err() != nil {
				run.Outcome = models.RunOutcomeCancelled
			}
		}
		if err := in.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
			log.WithError(err).Warn("ingest: failed to record run outcome")
		}
	}

	log.WithFields(logrus.Fields{
		"discovered": report.Discovered,
		"inserted":   report.Inserted,
		"refreshed":  report.Refreshed,
		"failed":     report.Failed,
		"took":       report.Duration.Round(time.Millisecond),
	}).Info("ingest: finished")
	return report, runErr
}

func (in *Ingestor) ingest(ctx context.Context, root string, opts IngestOptions, report *IngestReport, log logrus.FieldLogger) error {
	paths, err := Discover(root)
	if err != nil {
		return err
	}
	report.Discovered = len(paths)

	known, err := in.items.SourcePaths(ctx)
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, exists := known[path]
		if exists && !opts.Refresh {
			report.Unchanged++
			continue
		}

		item, err := in.describe(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			report.Failures = append(report.Failures, Failure{Path: path, Kind: FailureExtraction, Message: err.Error()})
			log.WithError(err).WithField("path", path).Warn("ingest: failed to read file")
			continue
		}

		if exists {
			if err := in.items.UpdateCapture(ctx, id, item); err != nil {
				return err
			}
			report.Refreshed++
			if in.locator != nil {
				if err := in.relocate(ctx, id, path, report, log); err != nil {
					return err
				}
			}
			continue
		}

		newID, inserted, err := in.items.Insert(ctx, &item)
		if err != nil {
			if repository.IsDataError(err) {
				report.Failed++
				report.Failures = append(report.Failures, Failure{Path: path, Kind: FailureData, Message: err.Error()})
				continue
			}
			return err
		}
		if inserted {
			report.Inserted++
			log.WithFields(logrus.Fields{"item_id": newID, "path": path}).Debug("ingest: item added")
		} else {
			report.Unchanged++
		}
	}
	return nil
}

// relocate re-reads the location of a known item. Unreadable files and
// rejected coordinates are recorded as failures; store errors abort.
func (in *Ingestor) relocate(ctx context.Context, id uint, path string, report *IngestReport, log logrus.FieldLogger) error {
	p, err := in.locator.Locate(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Failed++
		report.Failures = append(report.Failures, Failure{ItemID: id, Path: path, Kind: FailureExtraction, Message: err.Error()})
		log.WithError(err).WithField("path", path).Warn("ingest: failed to re-read location")
		return nil
	}
	var loc *models.Location
	if p != nil {
		loc = &models.Location{Latitude: p.Latitude, Longitude: p.Longitude, Altitude: p.Altitude}
	}
	if err := in.locations.ReplaceLocation(ctx, id, loc); err != nil {
		if repository.IsDataError(err) {
			report.Failed++
			report.Failures = append(report.Failures, Failure{ItemID: id, Path: path, Kind: FailureData, Message: err.Error()})
			return nil
		}
		return err
	}
	report.Relocated++
	return nil
}

// describe builds an Item for path from its capture metadata and checksum.
func (in *Ingestor) describe(ctx context.Context, path string) (models.Item, error) {
	c, err := in.capture.ExtractCapture(ctx, path)
	if err != nil {
		return models.Item{}, err
	}
	sum, err := media.Checksum(path)
	if err != nil {
		return models.Item{}, err
	}

	item := models.Item{
		SourcePath: path,
		Filename:   filepath.Base(path),
		Checksum:   &sum,
	}
	if c != nil {
		item.CapturedAt = c.CapturedAt
		item.Width, item.Height = c.Width, c.Height
		item.CameraMake, item.CameraModel = c.CameraMake, c.CameraModel
		if c.DateSource != "" {
			src := c.DateSource
			item.DateSource = &src
		}
	}
	return item, nil
}
