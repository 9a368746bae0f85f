package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
	"github.com/camden-git/photofacets/vectorindex"
)

// StepKind names one planner step.
type StepKind string

const (
	StepDate     StepKind = "date"
	StepLocation StepKind = "location"
	StepObject   StepKind = "object"
	StepText     StepKind = "text"
	StepSemantic StepKind = "semantic"
)

// stepOrder is cheapest first: indexed range scans before the FTS match,
// and the vector scan last.
var stepOrder = []StepKind{StepDate, StepLocation, StepObject, StepText, StepSemantic}

// Step is one planned filter application.
type Step struct {
	Kind   StepKind `json:"kind"`
	Detail string   `json:"detail"`
	// Matched is filled in by Execute; -1 when the step did not run.
	Matched int `json:"matched"`
}

// Plan is the ordered list of steps a query runs.
type Plan struct {
	Steps []Step `json:"steps"`
}

func (p Plan) String() string {
	var b strings.Builder
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %-8s %s", i+1, s.Kind, s.Detail)
		if s.Matched >= 0 {
			fmt.Fprintf(&b, " -> %d", s.Matched)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Row is one ranked result.
type Row struct {
	ItemID        uint         `json:"item_id"`
	Similarity    *float64     `json:"similarity,omitempty"`
	TagConfidence *float64     `json:"tag_confidence,omitempty"`
	CapturedAt    *int64       `json:"captured_at,omitempty"`
	Item          *models.Item `json:"item,omitempty"`
}

// Result is the outcome of one query.
type Result struct {
	Rows []Row `json:"rows"`
	// Total counts matches before Limit was applied.
	Total int           `json:"total"`
	Plan  Plan          `json:"plan"`
	Took  time.Duration `json:"took"`
}

// ItemReader resolves items and date ranges.
type ItemReader interface {
	GetByIDs(ctx context.Context, ids []uint) (map[uint]models.Item, error)
	CapturedBetween(ctx context.Context, from, until *int64) (map[uint]struct{}, error)
}

// LocationReader returns the locations inside a box.
type LocationReader interface {
	WithinBox(ctx context.Context, box repository.GeoBox) ([]models.Location, error)
}

// TagReader matches object labels.
type TagReader interface {
	MatchLabel(ctx context.Context, label string, minConfidence float64, version string) (map[uint]float64, error)
}

// TextReader runs full-text matches.
type TextReader interface {
	Search(ctx context.Context, text string, raw bool) (map[uint]struct{}, error)
}

// VectorSearcher answers nearest-neighbour queries.
type VectorSearcher interface {
	Check(ctx context.Context, query []float32, version string) error
	Search(ctx context.Context, query []float32, version string, topK int) ([]vectorindex.Hit, error)
}

// Sources bundles the readers a query draws from.
type Sources struct {
	Items     ItemReader
	Locations LocationReader
	Tags      TagReader
	Texts     TextReader
	Vectors   VectorSearcher
}

// SourcesFrom wires the store repositories and a vector index.
func SourcesFrom(repo *repository.FacetRepository, index *vectorindex.Index) Sources {
	return Sources{
		Items:     repo.Items,
		Locations: repo.Locations,
		Tags:      repo.Tags,
		Texts:     repo.Texts,
		Vectors:   index,
	}
}

// Options configures an Executor.
type Options struct {
	// Embedder turns semantic query text into a vector. Optional; without
	// it only precomputed vectors can be searched.
	Embedder media.EmbedsText
	// EmbeddingVersion is used when a semantic filter names no version.
	EmbeddingVersion string
	// DefaultTopK is used when a semantic filter names no top-k.
	DefaultTopK int
	Log         logrus.FieldLogger
}

// Executor plans and runs multi-modal queries.
type Executor struct {
	src  Sources
	opts Options
	log  logrus.FieldLogger
}

func NewExecutor(src Sources, opts Options) *Executor {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 50
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{src: src, opts: opts, log: log}
}

func (e *Executor) semanticParams(s SemanticFilter) (version string, topK int) {
	version = s.ModelVersion
	if version == "" {
		version = e.opts.EmbeddingVersion
	}
	topK = s.TopK
	if topK == 0 {
		topK = e.opts.DefaultTopK
	}
	return version, topK
}

// Explain validates f and returns the steps Execute would run.
func (e *Executor) Explain(f Filters) (Plan, error) {
	if err := f.Validate(); err != nil {
		return Plan{}, err
	}
	if f.Semantic != nil && len(f.Semantic.Vector) == 0 && e.opts.Embedder == nil {
		return Plan{}, ErrNoEmbedder
	}

	var plan Plan
	for _, kind := range stepOrder {
		var detail string
		switch kind {
		case StepDate:
			if f.Date == nil {
				continue
			}
			from, until := f.Date.Bounds()
			detail = fmt.Sprintf("captured_at in [%s, %s)", formatBound(from), formatBound(until))
		case StepLocation:
			if f.Location == nil {
				continue
			}
			l := f.Location
			detail = fmt.Sprintf("within %g km of (%g, %g)", l.RadiusKm, l.Latitude, l.Longitude)
		case StepObject:
			if f.Object == nil {
				continue
			}
			detail = fmt.Sprintf("label %q confidence >= %g", f.Object.Label, f.Object.MinConfidence)
			if f.Object.ModelVersion != "" {
				detail += fmt.Sprintf(" model %s", f.Object.ModelVersion)
			}
		case StepText:
			if f.Text == nil {
				continue
			}
			q := repository.QuotePhrase(f.Text.Query)
			if f.Text.Raw {
				q = f.Text.Query
			}
			detail = fmt.Sprintf("text MATCH %s", q)
		case StepSemantic:
			if f.Semantic == nil {
				continue
			}
			version, topK := e.semanticParams(*f.Semantic)
			subject := fmt.Sprintf("%q", f.Semantic.Query)
			if len(f.Semantic.Vector) > 0 {
				subject = fmt.Sprintf("%d-d vector", len(f.Semantic.Vector))
			}
			detail = fmt.Sprintf("top %d nearest to %s under %s", topK, subject, version)
		}
		plan.Steps = append(plan.Steps, Step{Kind: kind, Detail: detail, Matched: -1})
	}
	return plan, nil
}

func formatBound(v *int64) string {
	if v == nil {
		return "-"
	}
	return time.Unix(*v, 0).UTC().Format(time.DateTime)
}

// Execute runs the query and returns the ranked matches. Invalid filters
// and model errors are returned before any step runs. Steps narrow a
// shared candidate set; once it is empty the remaining steps are skipped.
func (e *Executor) Execute(ctx context.Context, f Filters) (Result, error) {
	start := time.Now()
	plan, err := e.Explain(f)
	if err != nil {
		return Result{}, err
	}

	var queryVec []float32
	if s := f.Semantic; s != nil {
		version, _ := e.semanticParams(*s)
		queryVec, err = e.queryVector(ctx, *s, version)
		if err != nil {
			return Result{}, err
		}
		if err := e.src.Vectors.Check(ctx, queryVec, version); err != nil {
			return Result{}, err
		}
	}

	var (
		candidates map[uint]struct{}
		tagConf    map[uint]float64
		similarity map[uint]float64
	)
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if candidates != nil && len(candidates) == 0 {
			break
		}
		var matched map[uint]struct{}
		switch step.Kind {
		case StepDate:
			from, until := f.Date.Bounds()
			matched, err = e.src.Items.CapturedBetween(ctx, from, until)
		case StepLocation:
			matched, err = e.nearby(ctx, *f.Location)
		case StepObject:
			tagConf, err = e.src.Tags.MatchLabel(ctx, f.Object.Label, f.Object.MinConfidence, f.Object.ModelVersion)
			matched = keys(tagConf)
		case StepText:
			matched, err = e.src.Texts.Search(ctx, f.Text.Query, f.Text.Raw)
		case StepSemantic:
			version, topK := e.semanticParams(*f.Semantic)
			var hits []vectorindex.Hit
			hits, err = e.src.Vectors.Search(ctx, queryVec, version, topK)
			similarity = make(map[uint]float64, len(hits))
			for _, h := range hits {
				similarity[h.ItemID] = h.Similarity
			}
			matched = keys(similarity)
		}
		if err != nil {
			return Result{}, fmt.Errorf("%s step: %w", step.Kind, err)
		}
		candidates = intersect(candidates, matched)
		step.Matched = len(candidates)
	}

	rows, err := e.rows(ctx, candidates, tagConf, similarity)
	if err != nil {
		return Result{}, err
	}
	Rank(rows, f.Semantic != nil)

	res := Result{Total: len(rows), Plan: plan}
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	res.Rows = rows
	res.Took = time.Since(start)

	e.log.WithFields(logrus.Fields{
		"steps":   len(plan.Steps),
		"matches": res.Total,
		"took":    res.Took.Round(time.Microsecond),
	}).Debug("query: executed")
	return res, nil
}

func (e *Executor) queryVector(ctx context.Context, s SemanticFilter, version string) ([]float32, error) {
	if len(s.Vector) > 0 {
		return s.Vector, nil
	}
	if e.opts.Embedder == nil {
		return nil, ErrNoEmbedder
	}
	if ev := e.opts.Embedder.ModelVersion(); ev != version {
		return nil, invalidf("text embedder produces %s vectors, query asks for %s", ev, version)
	}
	vec, err := e.opts.Embedder.EmbedText(ctx, s.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query text: %w", err)
	}
	return vec, nil
}

// nearby prefilters with an indexed box then keeps points within the
// exact great-circle radius.
func (e *Executor) nearby(ctx context.Context, l LocationFilter) (map[uint]struct{}, error) {
	locs, err := e.src.Locations.WithinBox(ctx, BoundingBox(l.Latitude, l.Longitude, l.RadiusKm))
	if err != nil {
		return nil, err
	}
	out := make(map[uint]struct{})
	for _, loc := range locs {
		if Haversine(l.Latitude, l.Longitude, loc.Latitude, loc.Longitude) <= l.RadiusKm {
			out[loc.ItemID] = struct{}{}
		}
	}
	return out, nil
}

func (e *Executor) rows(ctx context.Context, ids map[uint]struct{}, tagConf, similarity map[uint]float64) ([]Row, error) {
	if len(ids) == 0 {
		return []Row{}, nil
	}
	list := make([]uint, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	items, err := e.src.Items.GetByIDs(ctx, list)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(list))
	for _, id := range list {
		item, ok := items[id]
		if !ok {
			continue
		}
		row := Row{ItemID: id, CapturedAt: item.CapturedAt, Item: &item}
		if c, ok := tagConf[id]; ok {
			row.TagConfidence = &c
		}
		if s, ok := similarity[id]; ok {
			row.Similarity = &s
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func keys[V any](m map[uint]V) map[uint]struct{} {
	out := make(map[uint]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// intersect narrows acc by next. A nil acc means no step has run yet.
func intersect(acc, next map[uint]struct{}) map[uint]struct{} {
	if next == nil {
		next = map[uint]struct{}{}
	}
	if acc == nil {
		return next
	}
	out := make(map[uint]struct{}, min(len(acc), len(next)))
	for id := range acc {
		if _, ok := next[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
