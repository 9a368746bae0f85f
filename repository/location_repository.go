package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// GeoBox is a latitude/longitude rectangle used to prefilter radius
// queries. When WrapsLongitude is set the longitude range crosses the
// antimeridian and matches lon >= MinLon OR lon <= MaxLon.
type GeoBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
	WrapsLongitude bool
	AllLongitudes  bool
}

// LocationRepository handles the 1:1 item location facet.
type LocationRepository struct {
	Store *database.Store
}

func NewLocationRepository(store *database.Store) *LocationRepository {
	return &LocationRepository{Store: store}
}

func validateLocation(loc models.Location) error {
	if loc.ItemID == 0 {
		return invalid("item_id", "zero")
	}
	if !finite(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		return invalid("latitude", "%v outside [-90,90]", loc.Latitude)
	}
	if !finite(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		return invalid("longitude", "%v outside [-180,180]", loc.Longitude)
	}
	if loc.Altitude != nil && !finite(*loc.Altitude) {
		return invalid("altitude", "non-finite")
	}
	return nil
}

// Insert writes the location of an item once. A second insert for the same
// item is a no-op and reports false.
func (r *LocationRepository) Insert(ctx context.Context, q database.Querier, loc models.Location) (bool, error) {
	if err := validateLocation(loc); err != nil {
		return false, err
	}
	if loc.CreatedAt == 0 {
		loc.CreatedAt = time.Now().Unix()
	}
	query, args, err := psql.Insert("locations").
		Columns("item_id", "latitude", "longitude", "altitude", "created_at").
		Values(loc.ItemID, loc.Latitude, loc.Longitude, loc.Altitude, loc.CreatedAt).
		Suffix("ON CONFLICT(item_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build SQL query for location insert: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert location for item %d: %w", loc.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for location insert: %w", err)
	}
	return n == 1, nil
}

// Replace deletes and reinserts an item's location on q, which should be a
// transaction. Locations are never updated in place.
func (r *LocationRepository) Replace(ctx context.Context, q database.Querier, loc models.Location) error {
	if err := validateLocation(loc); err != nil {
		return err
	}
	if err := r.Delete(ctx, q, loc.ItemID); err != nil {
		return err
	}
	ok, err := r.Insert(ctx, q, loc)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("location for item %d was not reinserted", loc.ItemID)
	}
	return nil
}

// Delete removes an item's location, if any.
func (r *LocationRepository) Delete(ctx context.Context, q database.Querier, itemID uint) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM locations WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("failed to delete location for item %d: %w", itemID, err)
	}
	return nil
}

// Get returns the location of an item, or nil when it has none.
func (r *LocationRepository) Get(ctx context.Context, itemID uint) (*models.Location, error) {
	var loc models.Location
	err := r.Store.Gorm.WithContext(ctx).Where("item_id = ?", itemID).First(&loc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location for item %d: %w", itemID, err)
	}
	return &loc, nil
}

// WithinBox returns locations inside a prefilter rectangle.
func (r *LocationRepository) WithinBox(ctx context.Context, box GeoBox) ([]models.Location, error) {
	b := psql.Select("item_id", "latitude", "longitude", "altitude", "created_at").
		From("locations").
		Where(sq.GtOrEq{"latitude": box.MinLat}).
		Where(sq.LtOrEq{"latitude": box.MaxLat})
	switch {
	case box.AllLongitudes:
	case box.WrapsLongitude:
		b = b.Where(sq.Or{sq.GtOrEq{"longitude": box.MinLon}, sq.LtOrEq{"longitude": box.MaxLon}})
	default:
		b = b.Where(sq.GtOrEq{"longitude": box.MinLon}).Where(sq.LtOrEq{"longitude": box.MaxLon})
	}
	query, args, err := b.OrderBy("item_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for WithinBox: %w", err)
	}
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locs []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.ItemID, &l.Latitude, &l.Longitude, &l.Altitude, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan location row: %w", err)
		}
		locs = append(locs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating location rows: %w", err)
	}
	return locs, nil
}

// Count returns the number of located items.
func (r *LocationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.Store.Gorm.WithContext(ctx).Model(&models.Location{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}
