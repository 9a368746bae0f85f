package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// TextRepository handles OCR spans. The full-text index is maintained by
// triggers, so every write here is mirrored in text_extracts_fts within the
// same transaction.
type TextRepository struct {
	Store *database.Store
}

func NewTextRepository(store *database.Store) *TextRepository {
	return &TextRepository{Store: store}
}

// InsertBatch writes the spans of one item for one model version.
func (r *TextRepository) InsertBatch(ctx context.Context, q database.Querier, item models.Item, version string, spans []models.TextExtract) (int, error) {
	if version == "" {
		return 0, invalid("model_version", "empty")
	}
	for i, span := range spans {
		field := fmt.Sprintf("text_extracts[%d]", i)
		if strings.TrimSpace(span.Content) == "" {
			return 0, invalid(field+".content", "empty")
		}
		if err := validateConfidence(field+".confidence", span.Confidence); err != nil {
			return 0, err
		}
		if err := validateBox(field+".box", span.Box, item); err != nil {
			return 0, err
		}
	}
	if len(spans) == 0 {
		return 0, nil
	}

	now := time.Now().Unix()
	b := psql.Insert("text_extracts").
		Columns("item_id", "model_version", "ordinal", "content", "confidence",
			"box_x", "box_y", "box_width", "box_height", "created_at")
	for i, span := range spans {
		b = b.Values(item.ID, version, i, strings.TrimSpace(span.Content), span.Confidence,
			span.X, span.Y, span.Width, span.Height, now)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for text insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to insert text extracts for item %d: %w", item.ID, err)
	}
	return len(spans), nil
}

// DeleteForItem removes an item's spans for one version, and clears its
// text status in the same transaction so the item is selected again.
func (r *TextRepository) DeleteForItem(ctx context.Context, itemID uint, version string) (int64, error) {
	var removed int64
	err := r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM text_extracts WHERE item_id = ? AND model_version = ?", itemID, version)
		if err != nil {
			return fmt.Errorf("failed to delete text extracts for item %d: %w", itemID, err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected for text delete: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE processing_status SET text_state = NULL, text_at = NULL, updated_at = ? WHERE item_id = ? AND text_version = ?",
			time.Now().Unix(), itemID, version)
		if err != nil {
			return fmt.Errorf("failed to clear text status for item %d: %w", itemID, err)
		}
		return nil
	})
	return removed, err
}

// Search returns items with at least one span matching the query. Unless
// raw is set the query is matched as a phrase, so user input can never be
// read as FTS5 syntax.
func (r *TextRepository) Search(ctx context.Context, text string, raw bool) (map[uint]struct{}, error) {
	match := text
	if !raw {
		match = QuotePhrase(text)
	}
	query, args, err := psql.Select("DISTINCT t.item_id").
		From(database.TextIndexTable).
		Join("text_extracts t ON t.id = " + database.TextIndexTable + ".rowid").
		Where(sq.Expr(database.TextIndexTable+" MATCH ?", match)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for text search: %w", err)
	}
	return queryIDSet(ctx, r.Store.DB, query, args...)
}

// QuotePhrase wraps free text as one FTS5 string, doubling embedded quotes.
func QuotePhrase(text string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(text), `"`, `""`) + `"`
}

// ListByItem returns every span of an item.
func (r *TextRepository) ListByItem(ctx context.Context, itemID uint) ([]models.TextExtract, error) {
	var spans []models.TextExtract
	err := r.Store.Gorm.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("model_version ASC, ordinal ASC").
		Find(&spans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list text extracts for item %d: %w", itemID, err)
	}
	return spans, nil
}

// IndexedCount returns the number of documents held by the full-text index,
// read from its docsize shadow table. It equals the text_extracts row count
// whenever the two are in lockstep.
func (r *TextRepository) IndexedCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.Store.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+database.TextIndexTable+"_docsize").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count text index rows: %w", err)
	}
	return n, nil
}
