package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

var itemColumns = []string{
	"i.id", "i.source_path", "i.organized_path", "i.filename", "i.captured_at", "i.date_source",
	"i.width", "i.height", "i.camera_make", "i.camera_model", "i.checksum", "i.created_at", "i.updated_at",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (models.Item, error) {
	var it models.Item
	err := row.Scan(
		&it.ID, &it.SourcePath, &it.OrganizedPath, &it.Filename, &it.CapturedAt, &it.DateSource,
		&it.Width, &it.Height, &it.CameraMake, &it.CameraModel, &it.Checksum, &it.CreatedAt, &it.UpdatedAt,
	)
	return it, err
}

func scanItems(rows *sql.Rows) ([]models.Item, error) {
	defer rows.Close()
	var items []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}
	return items, nil
}

// ItemRepository handles persistence of corpus items.
type ItemRepository struct {
	Store *database.Store
}

func NewItemRepository(store *database.Store) *ItemRepository {
	return &ItemRepository{Store: store}
}

// Insert adds an item unless its source path is already known. It returns
// the id of the stored row and whether this call created it. The item's
// processing_status row is created in the same transaction.
func (r *ItemRepository) Insert(ctx context.Context, item *models.Item) (uint, bool, error) {
	if item.SourcePath == "" {
		return 0, false, invalid("source_path", "empty")
	}
	if item.Width != nil && *item.Width < 0 || item.Height != nil && *item.Height < 0 {
		return 0, false, invalid("dimensions", "negative image dimension")
	}
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	insertSQL, insertArgs, err := psql.Insert("items").
		Columns("source_path", "organized_path", "filename", "captured_at", "date_source",
			"width", "height", "camera_make", "camera_model", "checksum", "created_at", "updated_at").
		Values(item.SourcePath, item.OrganizedPath, item.Filename, item.CapturedAt, item.DateSource,
			item.Width, item.Height, item.CameraMake, item.CameraModel, item.Checksum, item.CreatedAt, item.UpdatedAt).
		Suffix("ON CONFLICT(source_path) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("failed to build SQL query for item insert: %w", err)
	}

	var (
		id       uint
		inserted bool
	)
	err = r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		scanErr := tx.QueryRowContext(ctx, insertSQL, insertArgs...).Scan(&id)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			if err := tx.QueryRowContext(ctx, "SELECT id FROM items WHERE source_path = ?", item.SourcePath).Scan(&id); err != nil {
				return fmt.Errorf("failed to look up existing item %s: %w", item.SourcePath, err)
			}
			return nil
		case scanErr != nil:
			return fmt.Errorf("failed to insert item %s: %w", item.SourcePath, scanErr)
		}
		inserted = true
		_, err := tx.ExecContext(ctx,
			"INSERT INTO processing_status (item_id, updated_at) VALUES (?, ?) ON CONFLICT(item_id) DO NOTHING", id, now)
		if err != nil {
			return fmt.Errorf("failed to create processing status for item %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	item.ID = id
	return id, inserted, nil
}

// UpdateCapture corrects the capture metadata of an existing item in place.
func (r *ItemRepository) UpdateCapture(ctx context.Context, id uint, c models.Item) error {
	updateSQL, args, err := psql.Update("items").
		Set("captured_at", c.CapturedAt).
		Set("date_source", c.DateSource).
		Set("width", c.Width).
		Set("height", c.Height).
		Set("camera_make", c.CameraMake).
		Set("camera_model", c.CameraModel).
		Set("checksum", c.Checksum).
		Set("updated_at", time.Now().Unix()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for UpdateCapture: %w", err)
	}
	return r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, updateSQL, args...)
		if err != nil {
			return fmt.Errorf("failed to update capture metadata for item %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected for UpdateCapture: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("item %d: %w", id, gorm.ErrRecordNotFound)
		}
		return nil
	})
}

// GetByID retrieves one item.
func (r *ItemRepository) GetByID(ctx context.Context, id uint) (*models.Item, error) {
	var item models.Item
	err := r.Store.Gorm.WithContext(ctx).First(&item, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get item by ID %d: %w", id, err)
	}
	return &item, nil
}

// GetByIDs retrieves items keyed by id. Unknown ids are absent from the map.
func (r *ItemRepository) GetByIDs(ctx context.Context, ids []uint) (map[uint]models.Item, error) {
	out := make(map[uint]models.Item, len(ids))
	for _, chunk := range chunkIDs(ids) {
		query, args, err := psql.Select(itemColumns...).From("items i").Where(sq.Eq{"i.id": chunk}).ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build SQL query for GetByIDs: %w", err)
		}
		rows, err := r.Store.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query items: %w", err)
		}
		items, err := scanItems(rows)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			out[it.ID] = it
		}
	}
	return out, nil
}

// SourcePaths maps every known source path to its item id.
func (r *ItemRepository) SourcePaths(ctx context.Context) (map[string]uint, error) {
	rows, err := r.Store.DB.QueryContext(ctx, "SELECT source_path, id FROM items")
	if err != nil {
		return nil, fmt.Errorf("failed to query source paths: %w", err)
	}
	defer rows.Close()
	out := make(map[string]uint)
	for rows.Next() {
		var (
			p  string
			id uint
		)
		if err := rows.Scan(&p, &id); err != nil {
			return nil, fmt.Errorf("failed to scan source path: %w", err)
		}
		out[p] = id
	}
	return out, rows.Err()
}

// CapturedBetween returns ids of items whose capture timestamp t satisfies
// from <= t < until. A nil bound is open.
func (r *ItemRepository) CapturedBetween(ctx context.Context, from, until *int64) (map[uint]struct{}, error) {
	b := psql.Select("id").From("items").Where(sq.NotEq{"captured_at": nil})
	if from != nil {
		b = b.Where(sq.GtOrEq{"captured_at": *from})
	}
	if until != nil {
		b = b.Where(sq.Lt{"captured_at": *until})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for CapturedBetween: %w", err)
	}
	return queryIDSet(ctx, r.Store.DB, query, args...)
}

// Count returns the number of items.
func (r *ItemRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.Store.Gorm.WithContext(ctx).Model(&models.Item{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func queryIDSet(ctx context.Context, q database.Querier, query string, args ...interface{}) (map[uint]struct{}, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()
	out := make(map[uint]struct{})
	for rows.Next() {
		var id uint
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return out, nil
}
