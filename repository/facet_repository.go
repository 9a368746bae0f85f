package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// FacetRows carries the rows one enrichment produced for one item. Only the
// field matching the facet is read.
type FacetRows struct {
	Location  *models.Location
	Tags      []models.ObjectTag
	Embedding []float32
	Texts     []models.TextExtract

	// EmbeddingDimension is the dimension the model declares. When zero the
	// vector length is taken as the declaration.
	EmbeddingDimension int
}

// Len returns the number of rows the facet would write.
func (r FacetRows) Len(f models.Facet) int {
	switch f {
	case models.FacetGPS:
		if r.Location != nil {
			return 1
		}
	case models.FacetObjects:
		return len(r.Tags)
	case models.FacetEmbeddings:
		if len(r.Embedding) > 0 {
			return 1
		}
	case models.FacetText:
		return len(r.Texts)
	}
	return 0
}

// PersistOutcome says what Persist did with one item.
type PersistOutcome int

const (
	// OutcomeWritten means rows were inserted and the status set to done.
	OutcomeWritten PersistOutcome = iota
	// OutcomeEmpty means there was nothing to write; the status is empty.
	OutcomeEmpty
	// OutcomeAlreadyPresent means rows for (item, version) already existed
	// and nothing was inserted.
	OutcomeAlreadyPresent
)

func (o PersistOutcome) String() string {
	switch o {
	case OutcomeWritten:
		return "written"
	case OutcomeEmpty:
		return "empty"
	case OutcomeAlreadyPresent:
		return "already_present"
	}
	return "unknown"
}

// Selection bounds one SelectUnenriched call.
type Selection struct {
	// AfterID restricts candidates to ids strictly greater than it.
	AfterID uint
	// Limit caps the batch; 0 means no cap.
	Limit int
	// SkipEmpty also excludes items whose last attempt under the same
	// version produced no data, using processing_status as a fast path.
	SkipEmpty bool
}

// FacetRepository is the Stage Runner's view of the store: anti-join
// selection plus per-item persistence of any facet.
type FacetRepository struct {
	Store      *database.Store
	Items      *ItemRepository
	Locations  *LocationRepository
	Tags       *TagRepository
	Embeddings *EmbeddingRepository
	Texts      *TextRepository
	Status     *StatusRepository
}

func NewFacetRepository(store *database.Store) *FacetRepository {
	return &FacetRepository{
		Store:      store,
		Items:      NewItemRepository(store),
		Locations:  NewLocationRepository(store),
		Tags:       NewTagRepository(store),
		Embeddings: NewEmbeddingRepository(store),
		Texts:      NewTextRepository(store),
		Status:     NewStatusRepository(store),
	}
}

func checkFacetVersion(f models.Facet, version string) error {
	if !f.IsValid() {
		return fmt.Errorf("%w %q", models.ErrUnknownFacet, f)
	}
	if f.Versioned() && version == "" {
		return fmt.Errorf("facet %s requires a model version", f)
	}
	return nil
}

// unenrichedBuilder selects items with no row in the facet's table (for
// the version, when the facet is versioned).
func unenrichedBuilder(f models.Facet, version string, sel Selection, columns ...string) sq.SelectBuilder {
	b := psql.Select(columns...).From("items i")

	if f.Versioned() {
		b = b.Where(sq.Expr("NOT EXISTS (SELECT 1 FROM "+f.Table()+" f WHERE f.item_id = i.id AND f.model_version = ?)", version))
	} else {
		b = b.Where(sq.Expr("NOT EXISTS (SELECT 1 FROM " + f.Table() + " f WHERE f.item_id = i.id)"))
	}

	if sel.SkipEmpty {
		stateCol, versionCol, _, _ := statusColumns(f)
		cond := "ps.item_id = i.id AND ps." + stateCol + " = ?"
		args := []interface{}{models.StateEmpty}
		if f.Versioned() {
			cond += " AND ps." + versionCol + " = ?"
			args = append(args, version)
		}
		b = b.Where(sq.Expr("NOT EXISTS (SELECT 1 FROM processing_status ps WHERE "+cond+")", args...))
	}
	if sel.AfterID > 0 {
		b = b.Where(sq.Gt{"i.id": sel.AfterID})
	}
	return b
}

// SelectUnenriched returns items lacking rows for the facet, in id order.
// This set difference is the authoritative "not yet enriched" answer, so
// items from interrupted or partially failed runs are picked up again.
func (r *FacetRepository) SelectUnenriched(ctx context.Context, f models.Facet, version string, sel Selection) ([]models.Item, error) {
	if err := checkFacetVersion(f, version); err != nil {
		return nil, err
	}
	b := unenrichedBuilder(f, version, sel, itemColumns...).OrderBy("i.id")
	if sel.Limit > 0 {
		b = b.Limit(uint64(sel.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for SelectUnenriched: %w", err)
	}
	rows, err := r.Store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select unenriched items for %s: %w", f, err)
	}
	return scanItems(rows)
}

// CountUnenriched counts the items SelectUnenriched would return without a
// limit.
func (r *FacetRepository) CountUnenriched(ctx context.Context, f models.Facet, version string, skipEmpty bool) (int64, error) {
	if err := checkFacetVersion(f, version); err != nil {
		return 0, err
	}
	query, args, err := unenrichedBuilder(f, version, Selection{SkipEmpty: skipEmpty}, "COUNT(*)").ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for CountUnenriched: %w", err)
	}
	var n int64
	if err := r.Store.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unenriched items for %s: %w", f, err)
	}
	return n, nil
}

func hasFacetRows(ctx context.Context, q database.Querier, f models.Facet, itemID uint, version string) (bool, error) {
	b := psql.Select("1").From(f.Table()).Where(sq.Eq{"item_id": itemID}).Limit(1)
	if f.Versioned() {
		b = b.Where(sq.Eq{"model_version": version})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build SQL query for facet presence: %w", err)
	}
	var one int
	err = q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s rows for item %d: %w", f, itemID, err)
	}
	return true, nil
}

// Persist writes one item's enrichment and its status in a single short
// transaction. Data invariant violations come back as *DataError with
// nothing written.
func (r *FacetRepository) Persist(ctx context.Context, item models.Item, f models.Facet, version string, rows FacetRows) (PersistOutcome, int, error) {
	if err := checkFacetVersion(f, version); err != nil {
		return 0, 0, err
	}
	var (
		outcome PersistOutcome
		written int
	)
	err := r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		present, err := hasFacetRows(ctx, tx, f, item.ID, version)
		if err != nil {
			return err
		}
		if present {
			outcome = OutcomeAlreadyPresent
			return r.Status.Set(ctx, tx, item.ID, f, models.StateDone, version, "")
		}

		if rows.Len(f) == 0 {
			outcome = OutcomeEmpty
			return r.Status.Set(ctx, tx, item.ID, f, models.StateEmpty, version, "")
		}

		switch f {
		case models.FacetGPS:
			loc := *rows.Location
			loc.ItemID = item.ID
			ok, err := r.Locations.Insert(ctx, tx, loc)
			if err != nil {
				return err
			}
			if ok {
				written = 1
			}
		case models.FacetObjects:
			written, err = r.Tags.InsertBatch(ctx, tx, item, version, rows.Tags)
			if err != nil {
				return err
			}
		case models.FacetEmbeddings:
			dim := rows.EmbeddingDimension
			if dim == 0 {
				dim = len(rows.Embedding)
			}
			if err := r.Embeddings.RegisterModel(ctx, tx, version, dim); err != nil {
				return err
			}
			ok, err := r.Embeddings.Insert(ctx, tx, item.ID, version, rows.Embedding)
			if err != nil {
				return err
			}
			if ok {
				written = 1
			}
		case models.FacetText:
			written, err = r.Texts.InsertBatch(ctx, tx, item, version, rows.Texts)
			if err != nil {
				return err
			}
		}
		outcome = OutcomeWritten
		return r.Status.Set(ctx, tx, item.ID, f, models.StateDone, version, "")
	})
	if err != nil {
		return 0, 0, err
	}
	return outcome, written, nil
}

// ReplaceLocation records a re-extracted location: any previous row is
// deleted and the new one inserted together with a done gps status. A nil
// loc removes the location and leaves the facet empty.
func (r *FacetRepository) ReplaceLocation(ctx context.Context, itemID uint, loc *models.Location) error {
	return r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if loc == nil {
			if err := r.Locations.Delete(ctx, tx, itemID); err != nil {
				return err
			}
			return r.Status.Set(ctx, tx, itemID, models.FacetGPS, models.StateEmpty, "", "")
		}
		l := *loc
		l.ItemID = itemID
		if err := r.Locations.Replace(ctx, tx, l); err != nil {
			return err
		}
		return r.Status.Set(ctx, tx, itemID, models.FacetGPS, models.StateDone, "", "")
	})
}

// MarkFailed records a failed attempt. It never touches facet rows.
func (r *FacetRepository) MarkFailed(ctx context.Context, itemID uint, f models.Facet, version string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.Store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return r.Status.Set(ctx, tx, itemID, f, models.StateFailed, version, msg)
	})
}
