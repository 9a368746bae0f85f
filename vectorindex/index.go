package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/repository"
)

var (
	ErrUnknownModelVersion = errors.New("unknown embedding model version")
	ErrDimensionMismatch   = errors.New("query dimension does not match model dimension")
	ErrZeroVector          = errors.New("query vector has zero norm")
)

// Source is the slice of the embedding repository the index reads from.
type Source interface {
	ModelDimension(ctx context.Context, version string) (int, error)
	Generation(ctx context.Context, version string) (repository.Generation, error)
	LoadVersion(ctx context.Context, version string) ([]uint, [][]float32, error)
}

// Hit is one nearest-neighbour result.
type Hit struct {
	ItemID     uint    `json:"item_id"`
	Similarity float64 `json:"similarity"`
}

// Options configures an Index.
type Options struct {
	// ANN answers queries from a vantage-point tree instead of a full scan.
	// Candidates are re-scored exactly before ranking.
	ANN bool
	Log logrus.FieldLogger
}

type vectorSet struct {
	gen   repository.Generation
	dim   int
	ids   []uint
	vecs  [][]float32
	norms []float64
	tree  *vpTree
}

// Index answers cosine top-k queries over the stored embeddings of one
// model version at a time. Vectors are loaded lazily per version and
// reloaded when the stored generation changes.
type Index struct {
	src Source
	ann bool
	log logrus.FieldLogger

	mu   sync.Mutex
	sets map[string]*vectorSet
}

func New(src Source, opts Options) *Index {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Index{src: src, ann: opts.ANN, log: log, sets: make(map[string]*vectorSet)}
}

// Invalidate drops the cached vectors of a version.
func (x *Index) Invalidate(version string) {
	x.mu.Lock()
	delete(x.sets, version)
	x.mu.Unlock()
}

// Check reports whether query could be searched under version without
// loading any vectors.
func (x *Index) Check(ctx context.Context, query []float32, version string) error {
	dim, err := x.src.ModelDimension(ctx, version)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownModel) {
			return fmt.Errorf("%w %q", ErrUnknownModelVersion, version)
		}
		return err
	}
	if len(query) != dim {
		return fmt.Errorf("%w: got %d, model %q has %d", ErrDimensionMismatch, len(query), version, dim)
	}
	if qn := norm(query); qn == 0 || math.IsNaN(qn) || math.IsInf(qn, 0) {
		return ErrZeroVector
	}
	return nil
}

func (x *Index) load(ctx context.Context, version string) (*vectorSet, error) {
	dim, err := x.src.ModelDimension(ctx, version)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownModel) {
			return nil, fmt.Errorf("%w %q", ErrUnknownModelVersion, version)
		}
		return nil, err
	}
	gen, err := x.src.Generation(ctx, version)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if set, ok := x.sets[version]; ok && set.gen == gen && set.dim == dim {
		return set, nil
	}

	ids, vecs, err := x.src.LoadVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	set := &vectorSet{
		gen:   gen,
		dim:   dim,
		ids:   ids,
		vecs:  vecs,
		norms: make([]float64, len(vecs)),
	}
	for i, v := range vecs {
		set.norms[i] = norm(v)
	}
	if x.ann && len(vecs) > 0 {
		set.tree = buildVPTree(vecs)
	}
	x.sets[version] = set
	x.log.WithFields(logrus.Fields{"version": version, "vectors": len(ids), "ann": x.ann}).Debug("vectorindex: loaded")
	return set, nil
}

// Search returns up to topK items most similar to query under version,
// ordered by similarity descending then item id ascending. topK <= 0
// returns every stored vector of the version.
func (x *Index) Search(ctx context.Context, query []float32, version string, topK int) ([]Hit, error) {
	set, err := x.load(ctx, version)
	if err != nil {
		return nil, err
	}
	if len(query) != set.dim {
		return nil, fmt.Errorf("%w: got %d, model %q has %d", ErrDimensionMismatch, len(query), version, set.dim)
	}
	qn := norm(query)
	if qn == 0 || math.IsNaN(qn) || math.IsInf(qn, 0) {
		return nil, ErrZeroVector
	}
	if len(set.ids) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(set.ids) {
		topK = len(set.ids)
	}

	var candidates []int
	if set.tree != nil && topK < len(set.ids) {
		candidates = set.tree.nearest(query, topK)
	} else {
		candidates = make([]int, len(set.ids))
		for i := range candidates {
			candidates[i] = i
		}
	}

	hits := make([]Hit, 0, len(candidates))
	for _, i := range candidates {
		hits = append(hits, Hit{ItemID: set.ids[i], Similarity: dot(query, set.vecs[i]) / (qn * set.norms[i])})
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ItemID < hits[j].ItemID
	})
}

// Cosine is the float64 cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
