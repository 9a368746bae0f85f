package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// StatusRepository maintains processing_status, the fast-path completion
// marker. Facet tables remain the source of truth.
type StatusRepository struct {
	Store *database.Store
}

func NewStatusRepository(store *database.Store) *StatusRepository {
	return &StatusRepository{Store: store}
}

func statusColumns(f models.Facet) (state, version, at, errCol string) {
	p := string(f)
	return p + "_state", p + "_version", p + "_at", p + "_error"
}

// Set records a facet state for an item, creating the status row if needed.
// errMsg is stored only for failed states: the facet's own error column is
// overwritten on every attempt, while last_error only ever moves forward to
// a newer failure.
func (r *StatusRepository) Set(ctx context.Context, q database.Querier, itemID uint, f models.Facet, state, version string, errMsg string) error {
	if !f.IsValid() {
		return fmt.Errorf("%w %q", models.ErrUnknownFacet, f)
	}
	stateCol, versionCol, atCol, errCol := statusColumns(f)
	now := time.Now().Unix()

	var lastErr *string
	if state == models.StateFailed && errMsg != "" {
		lastErr = &errMsg
	}
	var ver *string
	if version != "" {
		ver = &version
	}

	query, args, err := psql.Insert("processing_status").
		Columns("item_id", stateCol, versionCol, atCol, errCol, "last_error", "updated_at").
		Values(itemID, state, ver, now, lastErr, lastErr, now).
		Suffix(fmt.Sprintf(
			"ON CONFLICT(item_id) DO UPDATE SET %[1]s = excluded.%[1]s, %[2]s = excluded.%[2]s, %[3]s = excluded.%[3]s, %[4]s = excluded.%[4]s, last_error = COALESCE(excluded.last_error, processing_status.last_error), updated_at = excluded.updated_at",
			stateCol, versionCol, atCol, errCol)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for status update: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s status for item %d: %w", f, itemID, err)
	}
	return nil
}

// Get returns the status row of an item.
func (r *StatusRepository) Get(ctx context.Context, itemID uint) (*models.ProcessingStatus, error) {
	var st models.ProcessingStatus
	err := r.Store.Gorm.WithContext(ctx).Where("item_id = ?", itemID).First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get processing status for item %d: %w", itemID, err)
	}
	return &st, nil
}

// ReconcileReport counts repairs per facet.
type ReconcileReport struct {
	CreatedRows int64                  `json:"created_rows"`
	Cleared     map[models.Facet]int64 `json:"cleared"`
	Marked      map[models.Facet]int64 `json:"marked"`
}

// Reconcile brings processing_status back in line with the facet tables:
// a done state without rows is cleared, rows without a done state are
// marked done. versions gives the current model version of each versioned
// facet; a versioned facet missing from the map is only cleared, never
// marked.
func (r *StatusRepository) Reconcile(ctx context.Context, versions map[models.Facet]string) (ReconcileReport, error) {
	report := ReconcileReport{
		Cleared: make(map[models.Facet]int64),
		Marked:  make(map[models.Facet]int64),
	}
	err := r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx,
			"INSERT INTO processing_status (item_id, updated_at) SELECT id, ? FROM items WHERE NOT EXISTS (SELECT 1 FROM processing_status ps WHERE ps.item_id = items.id)", now)
		if err != nil {
			return fmt.Errorf("failed to create missing status rows: %w", err)
		}
		if report.CreatedRows, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected for status rows: %w", err)
		}

		for _, f := range models.AllFacets {
			stateCol, versionCol, atCol, _ := statusColumns(f)
			table := f.Table()

			rowMatch := "f.item_id = processing_status.item_id"
			if f.Versioned() {
				rowMatch += " AND f.model_version = processing_status." + versionCol
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE processing_status SET %s = NULL, %s = NULL, updated_at = ? WHERE %s = ? AND NOT EXISTS (SELECT 1 FROM %s f WHERE %s)",
				stateCol, atCol, stateCol, table, rowMatch), now, models.StateDone)
			if err != nil {
				return fmt.Errorf("failed to clear stale %s status: %w", f, err)
			}
			if report.Cleared[f], err = res.RowsAffected(); err != nil {
				return fmt.Errorf("failed to read rows affected for %s clear: %w", f, err)
			}

			var (
				query string
				args  []interface{}
			)
			if f.Versioned() {
				version, ok := versions[f]
				if !ok || version == "" {
					continue
				}
				query = fmt.Sprintf(
					"UPDATE processing_status SET %[1]s = ?, %[2]s = ?, %[3]s = ?, updated_at = ? WHERE NOT (%[1]s IS 'done' AND %[2]s IS ?) AND EXISTS (SELECT 1 FROM %[4]s f WHERE f.item_id = processing_status.item_id AND f.model_version = ?)",
					stateCol, versionCol, atCol, table)
				args = []interface{}{models.StateDone, version, now, now, version, version}
			} else {
				query = fmt.Sprintf(
					"UPDATE processing_status SET %[1]s = ?, %[2]s = ?, updated_at = ? WHERE %[1]s IS NOT 'done' AND EXISTS (SELECT 1 FROM %[3]s f WHERE f.item_id = processing_status.item_id)",
					stateCol, atCol, table)
				args = []interface{}{models.StateDone, now, now}
			}
			res, err = tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to mark %s status: %w", f, err)
			}
			if report.Marked[f], err = res.RowsAffected(); err != nil {
				return fmt.Errorf("failed to read rows affected for %s mark: %w", f, err)
			}
		}
		return nil
	})
	return report, err
}
