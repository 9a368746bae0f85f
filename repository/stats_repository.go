package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// FacetCoverage counts how many items have rows for one facet.
type FacetCoverage struct {
	Facet    models.Facet `json:"facet"`
	Enriched int64        `json:"enriched"`
	Empty    int64        `json:"empty"`
	Failed   int64        `json:"failed"`
}

// Coverage is the corpus-wide enrichment summary.
type Coverage struct {
	Items  int64           `json:"items"`
	Facets []FacetCoverage `json:"facets"`
}

// CountRow is a value with its item count.
type CountRow struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// CoordRange is the bounding rectangle of all stored locations.
type CoordRange struct {
	Located      int64    `json:"located"`
	MinLatitude  *float64 `json:"min_latitude,omitempty"`
	MaxLatitude  *float64 `json:"max_latitude,omitempty"`
	MinLongitude *float64 `json:"min_longitude,omitempty"`
	MaxLongitude *float64 `json:"max_longitude,omitempty"`
	MinAltitude  *float64 `json:"min_altitude,omitempty"`
	MaxAltitude  *float64 `json:"max_altitude,omitempty"`
}

// StatsRepository answers the read-only inspection queries.
type StatsRepository struct {
	Store *database.Store
}

func NewStatsRepository(store *database.Store) *StatsRepository {
	return &StatsRepository{Store: store}
}

// Coverage counts enriched items per facet from the facet tables, and empty
// or failed attempts from processing_status.
func (r *StatsRepository) Coverage(ctx context.Context) (Coverage, error) {
	var cov Coverage
	if err := r.Store.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&cov.Items); err != nil {
		return Coverage{}, fmt.Errorf("failed to count items: %w", err)
	}
	for _, f := range models.AllFacets {
		fc := FacetCoverage{Facet: f}
		if err := r.Store.DB.QueryRowContext(ctx, "SELECT COUNT(DISTINCT item_id) FROM "+f.Table()).Scan(&fc.Enriched); err != nil {
			return Coverage{}, fmt.Errorf("failed to count %s coverage: %w", f, err)
		}
		stateCol, _, _, _ := statusColumns(f)
		query := fmt.Sprintf("SELECT COALESCE(SUM(%[1]s = ?), 0), COALESCE(SUM(%[1]s = ?), 0) FROM processing_status", stateCol)
		if err := r.Store.DB.QueryRowContext(ctx, query, models.StateEmpty, models.StateFailed).Scan(&fc.Empty, &fc.Failed); err != nil {
			return Coverage{}, fmt.Errorf("failed to count %s status: %w", f, err)
		}
		cov.Facets = append(cov.Facets, fc)
	}
	return cov, nil
}

// DateSources breaks items down by capture date provenance.
func (r *StatsRepository) DateSources(ctx context.Context) ([]CountRow, error) {
	query, args, err := psql.Select("COALESCE(date_source, 'unknown') AS src", "COUNT(*) AS n").
		From("items").
		GroupBy("src").
		OrderBy("n DESC", "src").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for DateSources: %w", err)
	}
	return r.countRows(ctx, query, args...)
}

// Cameras breaks items down by camera make and model.
func (r *StatsRepository) Cameras(ctx context.Context) ([]CountRow, error) {
	query, args, err := psql.Select(
		"TRIM(COALESCE(camera_make, '') || ' ' || COALESCE(camera_model, '')) AS camera",
		"COUNT(*) AS n").
		From("items").
		GroupBy("camera").
		OrderBy("n DESC", "camera").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for Cameras: %w", err)
	}
	rows, err := r.countRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Value == "" {
			rows[i].Value = "unknown"
		}
	}
	return rows, nil
}

// CoordRanges reports the extent of stored locations.
func (r *StatsRepository) CoordRanges(ctx context.Context) (CoordRange, error) {
	var cr CoordRange
	err := r.Store.DB.QueryRowContext(ctx, `SELECT COUNT(*), MIN(latitude), MAX(latitude), MIN(longitude), MAX(longitude),
		MIN(altitude), MAX(altitude) FROM locations`).
		Scan(&cr.Located, &cr.MinLatitude, &cr.MaxLatitude, &cr.MinLongitude, &cr.MaxLongitude, &cr.MinAltitude, &cr.MaxAltitude)
	if err != nil {
		return CoordRange{}, fmt.Errorf("failed to read coordinate ranges: %w", err)
	}
	return cr, nil
}

// MissingGPS lists items without a location, oldest id first.
func (r *StatsRepository) MissingGPS(ctx context.Context, limit int) ([]models.Item, error) {
	b := psql.Select(itemColumns...).
		From("items i").
		LeftJoin("locations l ON l.item_id = i.id").
		Where("l.item_id IS NULL").
		OrderBy("i.id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for MissingGPS: %w", err)
	}
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items without location: %w", err)
	}
	return scanItems(rows)
}

// Tables lists user tables with their row counts.
func (r *StatsRepository) Tables(ctx context.Context) ([]CountRow, error) {
	rows, err := r.Store.DB.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE '%_fts_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CountRow, 0, len(names))
	for _, n := range names {
		var c int64
		// names come from sqlite_master, not user input
		if err := r.Store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+n+`"`).Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to count rows of %s: %w", n, err)
		}
		out = append(out, CountRow{Value: n, Count: c})
	}
	return out, nil
}

func (r *StatsRepository) countRows(ctx context.Context, query string, args ...interface{}) ([]CountRow, error) {
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run breakdown query: %w", err)
	}
	defer rows.Close()
	var out []CountRow
	for rows.Next() {
		var (
			v sql.NullString
			c int64
		)
		if err := rows.Scan(&v, &c); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown row: %w", err)
		}
		out = append(out, CountRow{Value: v.String, Count: c})
	}
	return out, rows.Err()
}
