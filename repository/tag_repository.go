package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// TagRepository handles object detection rows.
type TagRepository struct {
	Store *database.Store
}

func NewTagRepository(store *database.Store) *TagRepository {
	return &TagRepository{Store: store}
}

// InsertBatch writes all detections of one item for one model version.
// Every tag is validated before the first row is written, so a rejected
// batch leaves nothing behind once the caller rolls back.
func (r *TagRepository) InsertBatch(ctx context.Context, q database.Querier, item models.Item, version string, tags []models.ObjectTag) (int, error) {
	if version == "" {
		return 0, invalid("model_version", "empty")
	}
	for i, tag := range tags {
		field := fmt.Sprintf("object_tags[%d]", i)
		if normalizeLabel(tag.Label) == "" {
			return 0, invalid(field+".label", "empty")
		}
		if err := validateConfidence(field+".confidence", tag.Confidence); err != nil {
			return 0, err
		}
		if err := validateBox(field+".box", tag.Box, item); err != nil {
			return 0, err
		}
	}
	if len(tags) == 0 {
		return 0, nil
	}

	now := time.Now().Unix()
	b := psql.Insert("object_tags").
		Columns("item_id", "model_version", "ordinal", "label", "confidence",
			"box_x", "box_y", "box_width", "box_height", "created_at")
	for i, tag := range tags {
		b = b.Values(item.ID, version, i, normalizeLabel(tag.Label), tag.Confidence,
			tag.X, tag.Y, tag.Width, tag.Height, now)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for object tag insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to insert object tags for item %d: %w", item.ID, err)
	}
	return len(tags), nil
}

// MatchLabel returns items carrying at least one tag with the label and a
// confidence of at least minConfidence, with their best matching confidence.
// An empty version matches tags of every model version.
func (r *TagRepository) MatchLabel(ctx context.Context, label string, minConfidence float64, version string) (map[uint]float64, error) {
	b := psql.Select("item_id", "MAX(confidence)").
		From("object_tags").
		Where(sq.Eq{"label": normalizeLabel(label)}).
		Where(sq.GtOrEq{"confidence": minConfidence})
	if version != "" {
		b = b.Where(sq.Eq{"model_version": version})
	}
	query, args, err := b.GroupBy("item_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for MatchLabel: %w", err)
	}
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query object tags: %w", err)
	}
	defer rows.Close()

	out := make(map[uint]float64)
	for rows.Next() {
		var (
			id   uint
			conf float64
		)
		if err := rows.Scan(&id, &conf); err != nil {
			return nil, fmt.Errorf("failed to scan object tag match: %w", err)
		}
		out[id] = conf
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating object tag matches: %w", err)
	}
	return out, nil
}

// ListByItem returns every tag of an item grouped by model version.
func (r *TagRepository) ListByItem(ctx context.Context, itemID uint) ([]models.ObjectTag, error) {
	var tags []models.ObjectTag
	err := r.Store.Gorm.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("model_version ASC, ordinal ASC").
		Find(&tags).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list object tags for item %d: %w", itemID, err)
	}
	return tags, nil
}

// LabelCount is a label with the number of items carrying it.
type LabelCount struct {
	Label string `json:"label"`
	Items int64  `json:"items"`
}

// Labels lists labels by descending item count.
func (r *TagRepository) Labels(ctx context.Context, limit int) ([]LabelCount, error) {
	b := psql.Select("label", "COUNT(DISTINCT item_id) AS n").
		From("object_tags").
		GroupBy("label").
		OrderBy("n DESC", "label ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for Labels: %w", err)
	}
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()
	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Items); err != nil {
			return nil, fmt.Errorf("failed to scan label count: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}
