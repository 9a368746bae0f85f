package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
	"github.com/camden-git/photofacets/vectorindex"
)

const testEmbedVersion = "clip-test"

type fixture struct {
	repo  *repository.FacetRepository
	index *vectorindex.Index
	log   logrus.FieldLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store, err := database.Open(filepath.Join(t.TempDir(), "query.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, database.EnsureSchema(context.Background(), store))
	repo := repository.NewFacetRepository(store)
	return &fixture{
		repo:  repo,
		index: vectorindex.New(repo.Embeddings, vectorindex.Options{Log: log}),
		log:   log,
	}
}

func (fx *fixture) executor(embedder media.EmbedsText) *Executor {
	return NewExecutor(SourcesFrom(fx.repo, fx.index), Options{
		Embedder:         embedder,
		EmbeddingVersion: testEmbedVersion,
		DefaultTopK:      10,
		Log:              fx.log,
	})
}

func (fx *fixture) add(t *testing.T, name string, captured *time.Time) models.Item {
	t.Helper()
	item := models.Item{SourcePath: "/photos/" + name, Filename: name}
	if captured != nil {
		ts := captured.Unix()
		item.CapturedAt = &ts
	}
	id, inserted, err := fx.repo.Items.Insert(context.Background(), &item)
	require.NoError(t, err)
	require.True(t, inserted)
	item.ID = id
	return item
}

func (fx *fixture) persist(t *testing.T, item models.Item, f models.Facet, version string, rows repository.FacetRows) {
	t.Helper()
	outcome, _, err := fx.repo.Persist(context.Background(), item, f, version, rows)
	require.NoError(t, err)
	require.Equal(t, repository.OutcomeWritten, outcome)
}

func (fx *fixture) tag(t *testing.T, item models.Item, label string, conf float64) {
	fx.persist(t, item, models.FacetObjects, "yolo-test", repository.FacetRows{
		Tags: []models.ObjectTag{{Label: label, Confidence: conf, Box: models.Box{Width: 10, Height: 10}}},
	})
}

func (fx *fixture) locate(t *testing.T, item models.Item, lat, lon float64) {
	fx.persist(t, item, models.FacetGPS, "", repository.FacetRows{
		Location: &models.Location{Latitude: lat, Longitude: lon},
	})
}

func (fx *fixture) embed(t *testing.T, item models.Item, vec ...float32) {
	fx.persist(t, item, models.FacetEmbeddings, testEmbedVersion, repository.FacetRows{Embedding: vec})
}

func at(s string) *time.Time {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func ids(res Result) []uint {
	out := make([]uint, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, r.ItemID)
	}
	return out
}

type fakeTextEmbedder struct {
	version string
	vec     []float32
	calls   int
}

func (f *fakeTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func (f *fakeTextEmbedder) ModelVersion() string { return f.version }

func TestObjectAndLocationFiltersIntersect(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dogOnly := fx.add(t, "1.jpg", nil)
	gpsOnly := fx.add(t, "2.jpg", nil)
	both := fx.add(t, "3.jpg", nil)
	fx.tag(t, dogOnly, "dog", 0.9)
	fx.locate(t, gpsOnly, 37.0, -122.0)
	fx.tag(t, both, "dog", 0.8)
	fx.locate(t, both, 37.001, -122.0)
	exec := fx.executor(nil)

	res, err := exec.Execute(ctx, Filters{Object: &ObjectFilter{Label: "dog"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{dogOnly.ID, both.ID}, ids(res))

	near := &LocationFilter{Latitude: 37.0, Longitude: -122.0, RadiusKm: 1}
	res, err = exec.Execute(ctx, Filters{Location: near})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{gpsOnly.ID, both.ID}, ids(res))

	res, err = exec.Execute(ctx, Filters{Object: &ObjectFilter{Label: "DOG"}, Location: near})
	require.NoError(t, err)
	assert.Equal(t, []uint{both.ID}, ids(res))
	require.NotNil(t, res.Rows[0].TagConfidence)
	assert.InDelta(t, 0.8, *res.Rows[0].TagConfidence, 1e-9)
}

func TestLocationRadiusIsExactGreatCircle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	exact := fx.add(t, "exact.jpg", nil)
	north := fx.add(t, "north.jpg", nil)
	fx.locate(t, exact, 37.0, -122.0)
	fx.locate(t, north, 37.0001, -122.0) // about 11 m north
	exec := fx.executor(nil)

	res, err := exec.Execute(ctx, Filters{Location: &LocationFilter{Latitude: 37.0, Longitude: -122.0, RadiusKm: 0.01}})
	require.NoError(t, err)
	assert.Equal(t, []uint{exact.ID}, ids(res))

	res, err = exec.Execute(ctx, Filters{Location: &LocationFilter{Latitude: 37.0, Longitude: -122.0, RadiusKm: 0}})
	require.NoError(t, err)
	assert.Equal(t, []uint{exact.ID}, ids(res))

	res, err = exec.Execute(ctx, Filters{Location: &LocationFilter{Latitude: 37.00005, Longitude: -122.0, RadiusKm: 0}})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestLocationAcrossAntimeridianAndPole(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	east := fx.add(t, "east.jpg", nil)
	west := fx.add(t, "west.jpg", nil)
	polar := fx.add(t, "polar.jpg", nil)
	far := fx.add(t, "far.jpg", nil)
	fx.locate(t, east, 0, 179.999)
	fx.locate(t, west, 0, -179.999)
	fx.locate(t, polar, 89.999, 180)
	fx.locate(t, far, 0, 170)
	exec := fx.executor(nil)

	res, err := exec.Execute(ctx, Filters{Location: &LocationFilter{Latitude: 0, Longitude: 179.9995, RadiusKm: 5}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{east.ID, west.ID}, ids(res))

	res, err = exec.Execute(ctx, Filters{Location: &LocationFilter{Latitude: 89.999, Longitude: 0, RadiusKm: 50}})
	require.NoError(t, err)
	assert.Equal(t, []uint{polar.ID}, ids(res))
}

func TestDateEndBoundCoversWholeDay(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.add(t, "before.jpg", at("2025-01-01 23:59:59"))
	start := fx.add(t, "start.jpg", at("2025-01-02 00:00:00"))
	noon := fx.add(t, "noon.jpg", at("2025-01-04 12:00:00"))
	fx.add(t, "after.jpg", at("2025-01-05 00:00:00"))
	fx.add(t, "undated.jpg", nil)
	exec := fx.executor(nil)

	date, err := NewDateFilter("2025-01-02", "2025-01-04")
	require.NoError(t, err)
	res, err := exec.Execute(ctx, Filters{Date: date})
	require.NoError(t, err)
	assert.Equal(t, []uint{noon.ID, start.ID}, ids(res), "2025-01-04 12:00:00 is inside a date-only end bound")

	date, err = NewDateFilter("2025-01-02", "2025-01-04 12:00:00")
	require.NoError(t, err)
	res, err = exec.Execute(ctx, Filters{Date: date})
	require.NoError(t, err)
	assert.Equal(t, []uint{noon.ID, start.ID}, ids(res))

	date, err = NewDateFilter("2025-01-02", "2025-01-04 11:59:59")
	require.NoError(t, err)
	res, err = exec.Execute(ctx, Filters{Date: date})
	require.NoError(t, err)
	assert.Equal(t, []uint{start.ID}, ids(res))

	// a start later on the end day still leaves the rest of that day
	date, err = NewDateFilter("2025-01-04 10:00:00", "2025-01-04")
	require.NoError(t, err)
	res, err = exec.Execute(ctx, Filters{Date: date})
	require.NoError(t, err)
	assert.Equal(t, []uint{noon.ID}, ids(res))

	date, err = NewDateFilter("2025-01-04 12:00:00", "2025-01-04 12:00:00")
	require.NoError(t, err)
	res, err = exec.Execute(ctx, Filters{Date: date})
	require.NoError(t, err)
	assert.Equal(t, []uint{noon.ID}, ids(res))
}

func TestFilterValidation(t *testing.T) {
	fx := newFixture(t)
	exec := fx.executor(nil)
	ctx := context.Background()

	_, err := exec.Execute(ctx, Filters{})
	assert.ErrorIs(t, err, ErrEmptyFilters)

	tests := []struct {
		name    string
		filters Filters
	}{
		{"latitude", Filters{Location: &LocationFilter{Latitude: 91, RadiusKm: 1}}},
		{"longitude", Filters{Location: &LocationFilter{Longitude: -181, RadiusKm: 1}}},
		{"radius", Filters{Location: &LocationFilter{RadiusKm: -1}}},
		{"confidence", Filters{Object: &ObjectFilter{Label: "dog", MinConfidence: 1.5}}},
		{"label", Filters{Object: &ObjectFilter{Label: " "}}},
		{"date order", Filters{Date: &DateFilter{From: at("2025-02-01 00:00:00"), To: at("2025-01-01 00:00:00")}}},
		{"date order within day", Filters{Date: &DateFilter{From: at("2025-01-02 00:00:00"), To: at("2025-01-01 00:00:00"), ToIsDate: true}}},
		{"text", Filters{Text: &TextFilter{}}},
		{"limit", Filters{Text: &TextFilter{Query: "x"}, Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(ctx, tt.filters)
			assert.ErrorIs(t, err, ErrInvalidFilter)
		})
	}

	_, err = exec.Execute(ctx, Filters{Semantic: &SemanticFilter{Query: "a dog"}})
	assert.ErrorIs(t, err, ErrNoEmbedder)

	_, _, err = ParseDate("04/01/2025")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSemanticTopKIsGlobal(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.add(t, "a.jpg", nil)
	b := fx.add(t, "b.jpg", nil)
	c := fx.add(t, "c.jpg", nil)
	fx.embed(t, a, 1, 0, 0)
	fx.embed(t, b, 0.9, 0.1, 0)
	fx.embed(t, c, 0, 1, 0)
	fx.tag(t, b, "dog", 0.7)
	fx.tag(t, c, "dog", 0.9)
	exec := fx.executor(nil)

	res, err := exec.Execute(ctx, Filters{Semantic: &SemanticFilter{Vector: []float32{1, 0, 0}, TopK: 2}})
	require.NoError(t, err)
	assert.Equal(t, []uint{a.ID, b.ID}, ids(res))
	require.NotNil(t, res.Rows[0].Similarity)
	assert.InDelta(t, 1.0, *res.Rows[0].Similarity, 1e-9)

	// c is tagged but outside the global top 2, so it must not appear
	res, err = exec.Execute(ctx, Filters{
		Semantic: &SemanticFilter{Vector: []float32{1, 0, 0}, TopK: 2},
		Object:   &ObjectFilter{Label: "dog"},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, ids(res))
}

func TestSemanticQueryTextUsesEmbedder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.add(t, "a.jpg", nil)
	c := fx.add(t, "c.jpg", nil)
	fx.embed(t, a, 1, 0, 0)
	fx.embed(t, c, 0, 1, 0)

	emb := &fakeTextEmbedder{version: testEmbedVersion, vec: []float32{0, 1, 0}}
	res, err := fx.executor(emb).Execute(ctx, Filters{Semantic: &SemanticFilter{Query: "a cat"}})
	require.NoError(t, err)
	assert.Equal(t, []uint{c.ID, a.ID}, ids(res))
	assert.Equal(t, 1, emb.calls)

	other := &fakeTextEmbedder{version: "other-model", vec: []float32{0, 1, 0}}
	_, err = fx.executor(other).Execute(ctx, Filters{Semantic: &SemanticFilter{Query: "a cat"}})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSemanticErrorsSurfaceBeforeShortCircuit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.add(t, "a.jpg", nil)
	fx.embed(t, a, 1, 0, 0)
	exec := fx.executor(nil)

	// the date step matches nothing, yet model errors still come back
	empty := &DateFilter{From: at("1990-01-01 00:00:00"), To: at("1990-01-02 00:00:00")}
	_, err := exec.Execute(ctx, Filters{
		Date:     empty,
		Semantic: &SemanticFilter{Vector: []float32{1, 0, 0}, ModelVersion: "missing"},
	})
	assert.ErrorIs(t, err, vectorindex.ErrUnknownModelVersion)

	_, err = exec.Execute(ctx, Filters{Date: empty, Semantic: &SemanticFilter{Vector: []float32{1, 0}}})
	assert.ErrorIs(t, err, vectorindex.ErrDimensionMismatch)

	res, err := exec.Execute(ctx, Filters{Date: empty, Semantic: &SemanticFilter{Vector: []float32{1, 0, 0}}})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, -1, res.Plan.Steps[1].Matched, "semantic step is skipped after an empty date step")
}

func TestTextFilterAndLimit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	older := fx.add(t, "older.jpg", at("2024-06-01 10:00:00"))
	newer := fx.add(t, "newer.jpg", at("2024-07-01 10:00:00"))
	other := fx.add(t, "other.jpg", at("2024-08-01 10:00:00"))
	for _, it := range []models.Item{older, newer} {
		fx.persist(t, it, models.FacetText, "ocr-test", repository.FacetRows{
			Texts: []models.TextExtract{{Content: "Open 24 Hours", Confidence: 0.9}},
		})
	}
	fx.persist(t, other, models.FacetText, "ocr-test", repository.FacetRows{
		Texts: []models.TextExtract{{Content: "Closed", Confidence: 0.9}},
	})
	exec := fx.executor(nil)

	res, err := exec.Execute(ctx, Filters{Text: &TextFilter{Query: "24 hours"}})
	require.NoError(t, err)
	assert.Equal(t, []uint{newer.ID, older.ID}, ids(res))

	res, err = exec.Execute(ctx, Filters{Text: &TextFilter{Query: "24 hours"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint{newer.ID}, ids(res))
	assert.Equal(t, 2, res.Total)
}

func TestExplainOrdersByCost(t *testing.T) {
	fx := newFixture(t)
	exec := fx.executor(&fakeTextEmbedder{version: testEmbedVersion})
	plan, err := exec.Explain(Filters{
		Semantic: &SemanticFilter{Query: "beach"},
		Text:     &TextFilter{Query: "menu"},
		Object:   &ObjectFilter{Label: "person"},
		Location: &LocationFilter{Latitude: 1, Longitude: 2, RadiusKm: 3},
		Date:     &DateFilter{From: at("2025-01-01 00:00:00")},
	})
	require.NoError(t, err)
	var kinds []StepKind
	for _, s := range plan.Steps {
		kinds = append(kinds, s.Kind)
		assert.Equal(t, -1, s.Matched)
	}
	assert.Equal(t, []StepKind{StepDate, StepLocation, StepObject, StepText, StepSemantic}, kinds)
	assert.Contains(t, plan.String(), `text MATCH "menu"`)
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestRankByCaptureTime(t *testing.T) {
	rows := []Row{
		{ItemID: 4},
		{ItemID: 2, CapturedAt: i64(100)},
		{ItemID: 3, CapturedAt: i64(200)},
		{ItemID: 1, CapturedAt: i64(100)},
		{ItemID: 0},
	}
	Rank(rows, false)
	var got []uint
	for _, r := range rows {
		got = append(got, r.ItemID)
	}
	assert.Equal(t, []uint{3, 1, 2, 0, 4}, got)
}

func TestRankBySimilarity(t *testing.T) {
	rows := []Row{
		{ItemID: 5, Similarity: f64(0.5), CapturedAt: i64(999)},
		{ItemID: 3, Similarity: f64(0.9), TagConfidence: f64(0.4)},
		{ItemID: 2, Similarity: f64(0.9), TagConfidence: f64(0.8)},
		{ItemID: 1, Similarity: f64(0.9), TagConfidence: f64(0.4)},
	}
	Rank(rows, true)
	var got []uint
	for _, r := range rows {
		got = append(got, r.ItemID)
	}
	assert.Equal(t, []uint{2, 1, 3, 5}, got)
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 111.195, Haversine(0, 0, 0, 1), 1e-3)
	assert.InDelta(t, 0, Haversine(37, -122, 37, -122), 1e-12)
	assert.InDelta(t, Haversine(0, 179.5, 0, -179.5), Haversine(0, 0, 0, 1), 1e-9)
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox(0, 179.9, 50)
	assert.True(t, box.WrapsLongitude)
	assert.Greater(t, box.MinLon, box.MaxLon)

	box = BoundingBox(89.9, 10, 50)
	assert.True(t, box.AllLongitudes)
	assert.Equal(t, 90.0, box.MaxLat)

	box = BoundingBox(37, -122, 1)
	assert.False(t, box.WrapsLongitude || box.AllLongitudes)
	assert.Less(t, box.MinLat, 37.0)
	assert.Greater(t, box.MaxLon, -122.0)
}

func TestExport(t *testing.T) {
	src, fn := "exif_original", "a.jpg"
	rows := []Row{{
		ItemID:     7,
		Similarity: f64(0.81234),
		CapturedAt: i64(time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC).Unix()),
		Item:       &models.Item{ID: 7, SourcePath: "/photos/a.jpg", Filename: fn, DateSource: &src},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"7", "/photos/a.jpg", "a.jpg", "2025-01-04 12:00:00", "exif_original", "0.8123", "", "", ""}, records[1])

	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, Export(path, rows))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded []Row
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, uint(7), decoded[0].ItemID)

	assert.Error(t, Export(filepath.Join(dir, "out.xml"), rows))
}
