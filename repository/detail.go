package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/camden-git/photofacets/models"
)

// ErrItemNotFound is returned when an item id does not exist.
var ErrItemNotFound = errors.New("item not found")

// EmbeddingInfo describes a stored vector without its payload.
type EmbeddingInfo struct {
	ModelVersion string `json:"model_version"`
	Dimension    int    `json:"dimension"`
	CreatedAt    int64  `json:"created_at"`
}

// ItemDetail is an item together with every facet stored for it.
type ItemDetail struct {
	Item       models.Item              `json:"item"`
	Location   *models.Location         `json:"location,omitempty"`
	Tags       []models.ObjectTag       `json:"tags"`
	Texts      []models.TextExtract     `json:"texts"`
	Embeddings []EmbeddingInfo          `json:"embeddings"`
	Status     *models.ProcessingStatus `json:"status,omitempty"`
}

// Detail loads an item with all of its facets.
func (r *FacetRepository) Detail(ctx context.Context, id uint) (*ItemDetail, error) {
	item, err := r.Items.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	d := &ItemDetail{Item: *item, Tags: []models.ObjectTag{}, Texts: []models.TextExtract{}, Embeddings: []EmbeddingInfo{}}

	if d.Location, err = r.Locations.Get(ctx, id); err != nil {
		return nil, err
	}
	tags, err := r.Tags.ListByItem(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Tags = append(d.Tags, tags...)
	texts, err := r.Texts.ListByItem(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Texts = append(d.Texts, texts...)
	embs, err := r.Embeddings.ListByItem(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range embs {
		d.Embeddings = append(d.Embeddings, EmbeddingInfo{ModelVersion: e.ModelVersion, Dimension: e.Dimension, CreatedAt: e.CreatedAt})
	}

	st, err := r.Status.Get(ctx, id)
	switch {
	case err == nil:
		d.Status = st
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return d, nil
}
