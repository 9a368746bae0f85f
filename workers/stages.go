package workers

import (
	"context"
	"strings"

	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/repository"
)

// Stage computes one facet of one item. Enrich must not touch the store;
// the runner persists what it returns. The image model stages return no
// rows for videos.
type Stage interface {
	Facet() models.Facet
	ModelVersion() string
	Enrich(ctx context.Context, item models.Item, threshold float64) (repository.FacetRows, error)
}

// GPSStage reads the capture location. It has no model version.
type GPSStage struct {
	Locator media.Locates
}

func (s GPSStage) Facet() models.Facet  { return models.FacetGPS }
func (s GPSStage) ModelVersion() string { return "" }

func (s GPSStage) Enrich(ctx context.Context, item models.Item, _ float64) (repository.FacetRows, error) {
	p, err := s.Locator.Locate(ctx, item.MediaPath())
	if err != nil || p == nil {
		return repository.FacetRows{}, err
	}
	return repository.FacetRows{Location: &models.Location{
		ItemID:    item.ID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Altitude:  p.Altitude,
	}}, nil
}

// ObjectStage runs object detection and keeps detections at or above the
// confidence threshold.
type ObjectStage struct {
	Detector media.Detects
}

func (s ObjectStage) Facet() models.Facet  { return models.FacetObjects }
func (s ObjectStage) ModelVersion() string { return s.Detector.ModelVersion() }

func (s ObjectStage) Enrich(ctx context.Context, item models.Item, threshold float64) (repository.FacetRows, error) {
	if media.IsVideo(item.MediaPath()) {
		return repository.FacetRows{}, nil
	}
	dets, err := s.Detector.Detect(ctx, item.MediaPath())
	if err != nil {
		return repository.FacetRows{}, err
	}
	var tags []models.ObjectTag
	for _, d := range dets {
		if d.Confidence < threshold {
			continue
		}
		tags = append(tags, models.ObjectTag{
			ItemID:     item.ID,
			Label:      strings.TrimSpace(d.Label),
			Confidence: d.Confidence,
			Box:        models.Box{X: d.X, Y: d.Y, Width: d.Width, Height: d.Height},
		})
	}
	return repository.FacetRows{Tags: tags}, nil
}

// EmbeddingStage computes one image embedding per item.
type EmbeddingStage struct {
	Embedder media.Embeds
}

func (s EmbeddingStage) Facet() models.Facet  { return models.FacetEmbeddings }
func (s EmbeddingStage) ModelVersion() string { return s.Embedder.ModelVersion() }

func (s EmbeddingStage) Enrich(ctx context.Context, item models.Item, _ float64) (repository.FacetRows, error) {
	if media.IsVideo(item.MediaPath()) {
		return repository.FacetRows{}, nil
	}
	vec, err := s.Embedder.Embed(ctx, item.MediaPath())
	if err != nil {
		return repository.FacetRows{}, err
	}
	return repository.FacetRows{Embedding: vec, EmbeddingDimension: s.Embedder.Dimension()}, nil
}

// TextStage runs OCR and keeps spans at or above the confidence threshold.
type TextStage struct {
	Extractor media.ExtractsText
}

func (s TextStage) Facet() models.Facet  { return models.FacetText }
func (s TextStage) ModelVersion() string { return s.Extractor.ModelVersion() }

func (s TextStage) Enrich(ctx context.Context, item models.Item, threshold float64) (repository.FacetRows, error) {
	if media.IsVideo(item.MediaPath()) {
		return repository.FacetRows{}, nil
	}
	spans, err := s.Extractor.ExtractText(ctx, item.MediaPath())
	if err != nil {
		return repository.FacetRows{}, err
	}
	var texts []models.TextExtract
	for _, sp := range spans {
		if sp.Confidence < threshold || strings.TrimSpace(sp.Text) == "" {
			continue
		}
		texts = append(texts, models.TextExtract{
			ItemID:     item.ID,
			Content:    sp.Text,
			Confidence: sp.Confidence,
			Box:        models.Box{X: sp.X, Y: sp.Y, Width: sp.Width, Height: sp.Height},
		})
	}
	return repository.FacetRows{Texts: texts}, nil
}
