package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// ErrUnknownModel is returned when a model version has no registered
// dimension, so its blobs cannot be interpreted.
var ErrUnknownModel = errors.New("unknown embedding model version")

// Generation identifies the stored state of one model version. It changes
// whenever embeddings are added or removed.
type Generation struct {
	Count int64
	MaxID int64
}

// EmbeddingRepository handles embedding vectors and their model registry.
type EmbeddingRepository struct {
	Store *database.Store
}

func NewEmbeddingRepository(store *database.Store) *EmbeddingRepository {
	return &EmbeddingRepository{Store: store}
}

// RegisterModel declares the dimension of a model version. Registering an
// existing version with a different dimension is rejected.
func (r *EmbeddingRepository) RegisterModel(ctx context.Context, q database.Querier, version string, dim int) error {
	if version == "" {
		return invalid("model_version", "empty")
	}
	if dim <= 0 {
		return invalid("dimension", "must be positive, got %d", dim)
	}
	query, args, err := psql.Insert("embedding_models").
		Columns("model_version", "dimension", "created_at").
		Values(version, dim, time.Now().Unix()).
		Suffix("ON CONFLICT(model_version) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for model registration: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to register embedding model %s: %w", version, err)
	}
	var declared int
	if err := q.QueryRowContext(ctx, "SELECT dimension FROM embedding_models WHERE model_version = ?", version).Scan(&declared); err != nil {
		return fmt.Errorf("failed to read embedding model %s: %w", version, err)
	}
	if declared != dim {
		return invalid("dimension", "model %s is registered with dimension %d, got %d", version, declared, dim)
	}
	return nil
}

// ModelDimension returns the declared dimension of a version.
func (r *EmbeddingRepository) ModelDimension(ctx context.Context, version string) (int, error) {
	var dim int
	err := r.Store.DB.QueryRowContext(ctx, "SELECT dimension FROM embedding_models WHERE model_version = ?", version).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, version)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read embedding model %s: %w", version, err)
	}
	return dim, nil
}

// ListModels returns every registered model version.
func (r *EmbeddingRepository) ListModels(ctx context.Context) ([]models.EmbeddingModel, error) {
	var out []models.EmbeddingModel
	if err := r.Store.Gorm.WithContext(ctx).Order("model_version").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list embedding models: %w", err)
	}
	return out, nil
}

// Insert stores the vector of one item for one version. The version must be
// registered and the vector must match its dimension. A second vector for
// the same (item, version) is a no-op and reports false.
func (r *EmbeddingRepository) Insert(ctx context.Context, q database.Querier, itemID uint, version string, vec []float32) (bool, error) {
	var declared int
	err := q.QueryRowContext(ctx, "SELECT dimension FROM embedding_models WHERE model_version = ?", version).Scan(&declared)
	if errors.Is(err, sql.ErrNoRows) {
		return false, invalid("model_version", "%s is not registered", version)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read embedding model %s: %w", version, err)
	}
	if len(vec) != declared {
		return false, invalid("vector", "length %d does not match dimension %d of %s", len(vec), declared, version)
	}
	var norm float64
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false, invalid("vector", "non-finite component")
		}
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return false, invalid("vector", "zero vector has no direction")
	}

	e := models.Embedding{ItemID: itemID, ModelVersion: version, CreatedAt: time.Now().Unix()}
	e.SetEmbedding(vec)
	query, args, err := psql.Insert("embeddings").
		Columns("item_id", "model_version", "dimension", "embedding_data", "created_at").
		Values(e.ItemID, e.ModelVersion, e.Dimension, e.EmbeddingData, e.CreatedAt).
		Suffix("ON CONFLICT(item_id, model_version) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build SQL query for embedding insert: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert embedding for item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for embedding insert: %w", err)
	}
	return n == 1, nil
}

// Generation returns the current generation marker of a version.
func (r *EmbeddingRepository) Generation(ctx context.Context, version string) (Generation, error) {
	var g Generation
	err := r.Store.DB.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(id), 0) FROM embeddings WHERE model_version = ?", version).
		Scan(&g.Count, &g.MaxID)
	if err != nil {
		return Generation{}, fmt.Errorf("failed to read embedding generation for %s: %w", version, err)
	}
	return g, nil
}

// LoadVersion reads every vector of one version ordered by item id. Rows
// of other versions are never read.
func (r *EmbeddingRepository) LoadVersion(ctx context.Context, version string) ([]uint, [][]float32, error) {
	dim, err := r.ModelDimension(ctx, version)
	if err != nil {
		return nil, nil, err
	}
	query, args, err := psql.Select("item_id", "embedding_data").
		From("embeddings").
		Where(sq.Eq{"model_version": version}).
		OrderBy("item_id").
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build SQL query for LoadVersion: %w", err)
	}
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var (
		ids  []uint
		vecs [][]float32
	)
	for rows.Next() {
		var (
			id   uint
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		vec, err := models.DecodeVector(blob, dim)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding of item %d: %w", id, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating embedding rows: %w", err)
	}
	return ids, vecs, nil
}

// ListByItem returns the embeddings of an item across versions.
func (r *EmbeddingRepository) ListByItem(ctx context.Context, itemID uint) ([]models.Embedding, error) {
	var out []models.Embedding
	err := r.Store.Gorm.WithContext(ctx).Where("item_id = ?", itemID).Order("model_version").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings for item %d: %w", itemID, err)
	}
	return out, nil
}
