package repository

import (
	"context"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// ItemRepositoryInterface defines the methods for item data operations
type ItemRepositoryInterface interface {
	Insert(ctx context.Context, item *models.Item) (uint, bool, error)
	UpdateCapture(ctx context.Context, id uint, c models.Item) error
	GetByID(ctx context.Context, id uint) (*models.Item, error)
	GetByIDs(ctx context.Context, ids []uint) (map[uint]models.Item, error)
	SourcePaths(ctx context.Context) (map[string]uint, error)
	CapturedBetween(ctx context.Context, from, until *int64) (map[uint]struct{}, error)
	Count(ctx context.Context) (int64, error)
}

// LocationRepositoryInterface defines the methods for location data operations
type LocationRepositoryInterface interface {
	Insert(ctx context.Context, q database.Querier, loc models.Location) (bool, error)
	Replace(ctx context.Context, q database.Querier, loc models.Location) error
	Delete(ctx context.Context, q database.Querier, itemID uint) error
	Get(ctx context.Context, itemID uint) (*models.Location, error)
	WithinBox(ctx context.Context, box GeoBox) ([]models.Location, error)
	Count(ctx context.Context) (int64, error)
}

// TagRepositoryInterface defines the methods for object tag data operations
type TagRepositoryInterface interface {
	InsertBatch(ctx context.Context, q database.Querier, item models.Item, version string, tags []models.ObjectTag) (int, error)
	MatchLabel(ctx context.Context, label string, minConfidence float64, version string) (map[uint]float64, error)
	ListByItem(ctx context.Context, itemID uint) ([]models.ObjectTag, error)
	Labels(ctx context.Context, limit int) ([]LabelCount, error)
}

// EmbeddingRepositoryInterface defines the methods for embedding data operations
type EmbeddingRepositoryInterface interface {
	RegisterModel(ctx context.Context, q database.Querier, version string, dim int) error
	ModelDimension(ctx context.Context, version string) (int, error)
	ListModels(ctx context.Context) ([]models.EmbeddingModel, error)
	Insert(ctx context.Context, q database.Querier, itemID uint, version string, vec []float32) (bool, error)
	Generation(ctx context.Context, version string) (Generation, error)
	LoadVersion(ctx context.Context, version string) ([]uint, [][]float32, error)
	ListByItem(ctx context.Context, itemID uint) ([]models.Embedding, error)
}

// TextRepositoryInterface defines the methods for text extract data operations
type TextRepositoryInterface interface {
	InsertBatch(ctx context.Context, q database.Querier, item models.Item, version string, spans []models.TextExtract) (int, error)
	DeleteForItem(ctx context.Context, itemID uint, version string) (int64, error)
	Search(ctx context.Context, text string, raw bool) (map[uint]struct{}, error)
	ListByItem(ctx context.Context, itemID uint) ([]models.TextExtract, error)
	IndexedCount(ctx context.Context) (int64, error)
}

// FacetRepositoryInterface is what the Stage Runner needs from the store
type FacetRepositoryInterface interface {
	SelectUnenriched(ctx context.Context, f models.Facet, version string, sel Selection) ([]models.Item, error)
	CountUnenriched(ctx context.Context, f models.Facet, version string, skipEmpty bool) (int64, error)
	Persist(ctx context.Context, item models.Item, f models.Facet, version string, rows FacetRows) (PersistOutcome, int, error)
	MarkFailed(ctx context.Context, itemID uint, f models.Facet, version string, cause error) error
}

// RunRepositoryInterface defines the methods for stage run records
type RunRepositoryInterface interface {
	Start(ctx context.Context, run *models.StageRun) error
	Finish(ctx context.Context, run *models.StageRun) error
	List(ctx context.Context, limit int) ([]models.StageRun, error)
}

var (
	_ ItemRepositoryInterface      = (*ItemRepository)(nil)
	_ LocationRepositoryInterface  = (*LocationRepository)(nil)
	_ TagRepositoryInterface       = (*TagRepository)(nil)
	_ EmbeddingRepositoryInterface = (*EmbeddingRepository)(nil)
	_ TextRepositoryInterface      = (*TextRepository)(nil)
	_ FacetRepositoryInterface     = (*FacetRepository)(nil)
	_ RunRepositoryInterface       = (*RunRepository)(nil)
)
