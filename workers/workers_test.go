package workers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	repo   *repository.FacetRepository
	runs   *repository.RunRepository
	runner *StageRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "test.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, database.EnsureSchema(context.Background(), store))

	repo := repository.NewFacetRepository(store)
	runs := repository.NewRunRepository(store)
	return &fixture{repo: repo, runs: runs, runner: NewStageRunner(repo, runs, quietLogger())}
}

func (fx *fixture) addItems(t *testing.T, n int) []models.Item {
	t.Helper()
	var items []models.Item
	for i := 1; i <= n; i++ {
		w, h := 640, 480
		it := models.Item{SourcePath: fmt.Sprintf("/photos/%03d.jpg", i), Filename: fmt.Sprintf("%03d.jpg", i), Width: &w, Height: &h}
		_, _, err := fx.repo.Items.Insert(context.Background(), &it)
		require.NoError(t, err)
		items = append(items, it)
	}
	return items
}

func (fx *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, fx.repo.Store.DB.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// fakeDetector answers by path. Paths in fail return an error, paths in
// hang block until the test ends regardless of ctx.
type fakeDetector struct {
	version string
	dets    []media.Detection
	fail    map[string]error
	hang    map[string]bool
	release chan struct{}
	onCall  func(path string) error

	mu    sync.Mutex
	calls []string
}

func (d *fakeDetector) ModelVersion() string { return d.version }

func (d *fakeDetector) Detect(ctx context.Context, path string) ([]media.Detection, error) {
	d.mu.Lock()
	d.calls = append(d.calls, path)
	d.mu.Unlock()
	if d.onCall != nil {
		if err := d.onCall(path); err != nil {
			return nil, err
		}
	}
	if d.hang[path] {
		<-d.release
		return d.dets, nil
	}
	if err := d.fail[path]; err != nil {
		return nil, err
	}
	return d.dets, nil
}

type fakeLocator struct {
	points map[string]*media.GeoPoint
}

func (l fakeLocator) Locate(_ context.Context, path string) (*media.GeoPoint, error) {
	return l.points[path], nil
}

type fakeEmbedder struct {
	version string
	dim     int
	vecs    map[string][]float32
}

func (e fakeEmbedder) ModelVersion() string { return e.version }
func (e fakeEmbedder) Dimension() int       { return e.dim }
func (e fakeEmbedder) Embed(_ context.Context, path string) ([]float32, error) {
	return e.vecs[path], nil
}

func dog(conf float64) media.Detection {
	return media.Detection{Label: "dog", Confidence: conf, X: 10, Y: 10, Width: 100, Height: 100}
}

func defaultOpts() RunOptions {
	return RunOptions{BatchSize: 2, ConfidenceThreshold: 0.5, ItemTimeout: 5 * time.Second}
}

func TestRunStageIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.addItems(t, 5)
	stage := ObjectStage{Detector: &fakeDetector{version: "yolo", dets: []media.Detection{dog(0.9), dog(0.7)}}}

	rep, err := fx.runner.RunStage(context.Background(), stage, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Processed)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 10, fx.count(t, "object_tags"))
	assert.NotEmpty(t, rep.RunID)

	rep, err = fx.runner.RunStage(context.Background(), stage, defaultOpts())
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, 10, fx.count(t, "object_tags"))

	runs, err := fx.runs.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, models.RunOutcomeCompleted, r.Outcome)
		assert.Equal(t, "yolo", r.ModelVersion)
	}
}

func TestRunStageIsolatesItemFailures(t *testing.T) {
	fx := newFixture(t)
	items := fx.addItems(t, 4)
	bad := items[1]
	det := &fakeDetector{
		version: "yolo",
		dets:    []media.Detection{dog(0.9)},
		fail:    map[string]error{bad.SourcePath: errors.New("cannot decode image")},
	}

	rep, err := fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Rejected)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, Failure{ItemID: bad.ID, Path: bad.SourcePath, Kind: FailureExtraction, Message: "cannot decode image"}, rep.Failures[0])
	assert.Len(t, det.calls, 4, "a failed item is not retried within the run")

	st, err := fx.repo.Status.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	require.NotNil(t, st.ObjectsState)
	assert.Equal(t, models.StateFailed, *st.ObjectsState)

	// failed items are picked up again by the next run
	det.fail = nil
	rep, err = fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
}

func TestRunStageItemTimeout(t *testing.T) {
	fx := newFixture(t)
	items := fx.addItems(t, 3)
	det := &fakeDetector{
		version: "yolo",
		dets:    []media.Detection{dog(0.9)},
		hang:    map[string]bool{items[0].SourcePath: true},
		release: make(chan struct{}),
	}
	t.Cleanup(func() { close(det.release) })

	opts := defaultOpts()
	opts.ItemTimeout = 50 * time.Millisecond
	start := time.Now()
	rep, err := fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, opts)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, FailureTimeout, rep.Failures[0].Kind)
	assert.Equal(t, items[0].ID, rep.Failures[0].ItemID)
	assert.Equal(t, 2, fx.count(t, "object_tags"))
}

func TestRunStageRejectsInvalidData(t *testing.T) {
	fx := newFixture(t)
	items := fx.addItems(t, 3)
	loc := fakeLocator{points: map[string]*media.GeoPoint{
		items[0].SourcePath: {Latitude: 48.85, Longitude: 2.35},
		items[1].SourcePath: {Latitude: 95, Longitude: 2.35},
	}}

	rep, err := fx.runner.RunStage(context.Background(), GPSStage{Locator: loc}, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Skipped, "an item without GPS is a no-data outcome")
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Rejected)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, FailureData, rep.Failures[0].Kind)
	assert.Contains(t, rep.Failures[0].Message, "latitude")
	assert.Equal(t, 1, fx.count(t, "locations"))

	emb := fakeEmbedder{version: "clip", dim: 3, vecs: map[string][]float32{
		items[0].SourcePath: {1, 0, 0},
		items[1].SourcePath: {1, 0},
		items[2].SourcePath: {0, 1, 0},
	}}
	rep, err = fx.runner.RunStage(context.Background(), EmbeddingStage{Embedder: emb}, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Rejected)
}

func TestRunStageAppliesConfidenceThreshold(t *testing.T) {
	fx := newFixture(t)
	fx.addItems(t, 1)
	det := &fakeDetector{version: "yolo", dets: []media.Detection{dog(0.2), dog(0.49)}}

	rep, err := fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, defaultOpts())
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, fx.count(t, "object_tags"))

	opts := defaultOpts()
	opts.SkipEmpty = true
	rep, err = fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, opts)
	require.NoError(t, err)
	assert.Zero(t, rep.Skipped, "confirmed-empty items are not re-run with SkipEmpty")
	assert.Len(t, det.calls, 1)
}

func TestRunStageCancellationKeepsCommittedPrefix(t *testing.T) {
	fx := newFixture(t)
	items := fx.addItems(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := &fakeDetector{version: "yolo", dets: []media.Detection{dog(0.9)}}
	det.onCall = func(path string) error {
		if path == items[2].SourcePath {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	rep, err := fx.runner.RunStage(ctx, ObjectStage{Detector: det}, defaultOpts())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rep.Processed)
	assert.Zero(t, rep.Failed, "cancellation is not an item failure")
	assert.Equal(t, 2, fx.count(t, "object_tags"))

	runs, err := fx.runs.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunOutcomeCancelled, runs[0].Outcome)

	det.onCall = nil
	rep, err = fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)
}

func TestRunStageRefusesConcurrentSameFacet(t *testing.T) {
	fx := newFixture(t)
	stage := ObjectStage{Detector: &fakeDetector{version: "yolo"}}

	require.NoError(t, fx.runner.acquire(models.FacetObjects))
	_, err := fx.runner.RunStage(context.Background(), stage, defaultOpts())
	require.ErrorIs(t, err, ErrStageBusy)
	fx.runner.release(models.FacetObjects)

	_, err = fx.runner.RunStages(context.Background(), []Stage{stage, stage}, defaultOpts())
	require.ErrorIs(t, err, ErrStageBusy)
}

func TestRunStagesRunsDisjointFacetsInParallel(t *testing.T) {
	fx := newFixture(t)
	items := fx.addItems(t, 3)
	loc := fakeLocator{points: map[string]*media.GeoPoint{}}
	for _, it := range items {
		loc.points[it.SourcePath] = &media.GeoPoint{Latitude: 1, Longitude: 2}
	}
	stages := []Stage{
		GPSStage{Locator: loc},
		ObjectStage{Detector: &fakeDetector{version: "yolo", dets: []media.Detection{dog(0.8)}}},
	}

	reports, err := fx.runner.RunStages(context.Background(), stages, defaultOpts())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, models.FacetGPS, reports[0].Facet)
	assert.Equal(t, 3, reports[0].Processed)
	assert.Equal(t, models.FacetObjects, reports[1].Facet)
	assert.Equal(t, 3, reports[1].Processed)
}

func writeImage(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 16, 12))))
	require.NoError(t, f.Close())
}

type failingCapture struct {
	inner media.ExtractsCapture
	bad   string
}

func (c failingCapture) ExtractCapture(ctx context.Context, path string) (*media.Capture, error) {
	if filepath.Base(path) == c.bad {
		return nil, errors.New("truncated file")
	}
	return c.inner.ExtractCapture(ctx, path)
}

func TestRunStageReportsProgress(t *testing.T) {
	fx := newFixture(t)
	items := fx.addItems(t, 3)
	det := &fakeDetector{
		version: "yolo",
		dets:    []media.Detection{dog(0.9)},
		fail:    map[string]error{items[1].SourcePath: errors.New("corrupt jpeg")},
	}

	var events []Progress
	fx.runner.SetObserver(ObserverFunc(func(p Progress) { events = append(events, p) }))
	rep, err := fx.runner.RunStage(context.Background(), ObjectStage{Detector: det}, defaultOpts())
	require.NoError(t, err)

	require.Len(t, events, 5)
	assert.Equal(t, ProgressStarted, events[0].Kind)
	assert.Equal(t, rep.RunID, events[0].RunID)
	assert.Equal(t, ProgressItem, events[1].Kind)
	assert.Equal(t, "written", events[1].Outcome)
	assert.Equal(t, "failed", events[2].Outcome)
	assert.Equal(t, "corrupt jpeg", events[2].Error)
	assert.Equal(t, items[1].ID, events[2].ItemID)
	last := events[4]
	assert.Equal(t, ProgressFinished, last.Kind)
	assert.Equal(t, models.RunOutcomeCompleted, last.Outcome)
	assert.Equal(t, 2, last.Processed)
	assert.Equal(t, 1, last.Failed)
}

func TestIngestorAddsNewFilesInNaturalOrder(t *testing.T) {
	fx := newFixture(t)
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "IMG_10.png"))
	writeImage(t, filepath.Join(root, "IMG_2.png"))
	writeImage(t, filepath.Join(root, "trip", "20231215_143022.png"))
	writeImage(t, filepath.Join(root, ".cache", "thumb.png"))
	writeImage(t, filepath.Join(root, "broken.png"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644))

	capture := failingCapture{inner: media.NewExifReader(quietLogger()), bad: "broken.png"}
	in := NewIngestor(fx.repo.Items, capture, fx.runs, quietLogger())
	ctx := context.Background()

	rep, err := in.Run(ctx, root, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Discovered)
	assert.Equal(t, 3, rep.Inserted)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, filepath.Join(root, "broken.png"), rep.Failures[0].Path)

	paths, err := fx.repo.Items.SourcePaths(ctx)
	require.NoError(t, err)
	assert.Less(t, paths[filepath.Join(root, "IMG_2.png")], paths[filepath.Join(root, "IMG_10.png")])

	trip, err := fx.repo.Items.GetByID(ctx, paths[filepath.Join(root, "trip", "20231215_143022.png")])
	require.NoError(t, err)
	require.NotNil(t, trip.DateSource)
	assert.Equal(t, models.DateSourceFilename, *trip.DateSource)
	require.NotNil(t, trip.Checksum)
	assert.Len(t, *trip.Checksum, 64)
	require.NotNil(t, trip.Width)
	assert.Equal(t, 16, *trip.Width)

	rep, err = in.Run(ctx, root, IngestOptions{})
	require.NoError(t, err)
	assert.Zero(t, rep.Inserted)
	assert.Equal(t, 3, rep.Unchanged)

	rep, err = in.Run(ctx, root, IngestOptions{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Refreshed)
	n, err := fx.repo.Items.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = in.Run(ctx, filepath.Join(root, "missing"), IngestOptions{})
	require.Error(t, err)
}

func TestIngestorRegistersVideos(t *testing.T) {
	fx := newFixture(t)
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "IMG_1.png"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "VID_20240101_120000.mp4"), []byte("not really a movie"), 0644))
	clip := filepath.Join(root, "clip.MOV")
	require.NoError(t, os.WriteFile(clip, []byte("moov"), 0644))
	mtime := time.Date(2023, 3, 4, 5, 6, 7, 0, time.Local)
	require.NoError(t, os.Chtimes(clip, mtime, mtime))

	in := NewIngestor(fx.repo.Items, media.NewExifReader(quietLogger()), fx.runs, quietLogger())
	ctx := context.Background()
	rep, err := in.Run(ctx, root, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Inserted)
	assert.Zero(t, rep.Failed)

	paths, err := fx.repo.Items.SourcePaths(ctx)
	require.NoError(t, err)

	vid, err := fx.repo.Items.GetByID(ctx, paths[filepath.Join(root, "VID_20240101_120000.mp4")])
	require.NoError(t, err)
	require.NotNil(t, vid.DateSource)
	assert.Equal(t, models.DateSourceFilename, *vid.DateSource)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Unix(), *vid.CapturedAt)
	assert.Nil(t, vid.Width)

	mov, err := fx.repo.Items.GetByID(ctx, paths[clip])
	require.NoError(t, err)
	require.NotNil(t, mov.DateSource)
	assert.Equal(t, models.DateSourceFilesystem, *mov.DateSource)
	assert.Equal(t, time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC).Unix(), *mov.CapturedAt)
}

func TestImageStagesSkipVideos(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	video := models.Item{SourcePath: "/photos/clip.mov", Filename: "clip.mov"}
	_, _, err := fx.repo.Items.Insert(ctx, &video)
	require.NoError(t, err)

	det := &fakeDetector{version: "yolo", dets: []media.Detection{dog(0.9)}}
	rep, err := fx.runner.RunStage(ctx, ObjectStage{Detector: det}, defaultOpts())
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, det.calls)

	emb := fakeEmbedder{version: "clip", dim: 2, vecs: map[string][]float32{video.SourcePath: {1, 0}}}
	rep, err = fx.runner.RunStage(ctx, EmbeddingStage{Embedder: emb}, defaultOpts())
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, fx.count(t, "embeddings"))
}

func TestIngestorRefreshReplacesLocation(t *testing.T) {
	fx := newFixture(t)
	root := t.TempDir()
	path := filepath.Join(root, "IMG_1.png")
	writeImage(t, path)
	ctx := context.Background()

	in := NewIngestor(fx.repo.Items, media.NewExifReader(quietLogger()), fx.runs, quietLogger())
	_, err := in.Run(ctx, root, IngestOptions{})
	require.NoError(t, err)
	paths, err := fx.repo.Items.SourcePaths(ctx)
	require.NoError(t, err)
	id := paths[path]
	item, err := fx.repo.Items.GetByID(ctx, id)
	require.NoError(t, err)
	_, _, err = fx.repo.Persist(ctx, *item, models.FacetGPS, "", repository.FacetRows{Location: &models.Location{Latitude: 10, Longitude: 10}})
	require.NoError(t, err)

	locator := fakeLocator{points: map[string]*media.GeoPoint{path: {Latitude: 48.85, Longitude: 2.35}}}
	in.SetRelocation(locator, fx.repo)
	rep, err := in.Run(ctx, root, IngestOptions{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Refreshed)
	assert.Equal(t, 1, rep.Relocated)
	assert.Equal(t, 1, fx.count(t, "locations"))
	loc, err := fx.repo.Locations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 48.85, loc.Latitude)

	in.SetRelocation(fakeLocator{points: map[string]*media.GeoPoint{path: {Latitude: 91, Longitude: 0}}}, fx.repo)
	rep, err = in.Run(ctx, root, IngestOptions{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, FailureData, rep.Failures[0].Kind)
	loc, err = fx.repo.Locations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 48.85, loc.Latitude)

	rep, err = in.Run(ctx, root, IngestOptions{})
	require.NoError(t, err)
	assert.Zero(t, rep.Relocated, "only refresh re-reads locations")
}
