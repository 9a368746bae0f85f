package models

import (
	"errors"
	"fmt"
)

// ErrUnknownFacet is returned for facet names outside AllFacets.
var ErrUnknownFacet = errors.New("unknown facet")

// Facet names one enrichment dimension of an item.
type Facet string

const (
	FacetGPS        Facet = "gps"
	FacetObjects    Facet = "objects"
	FacetEmbeddings Facet = "embeddings"
	FacetText       Facet = "text"
)

// AllFacets lists the enrichable facets in pipeline order.
var AllFacets = []Facet{FacetGPS, FacetObjects, FacetEmbeddings, FacetText}

// IsValid checks if f is a known facet constant
func (f Facet) IsValid() bool {
	switch f {
	case FacetGPS, FacetObjects, FacetEmbeddings, FacetText:
		return true
	default:
		return false
	}
}

// Table is the facet's authoritative row table.
func (f Facet) Table() string {
	switch f {
	case FacetGPS:
		return "locations"
	case FacetObjects:
		return "object_tags"
	case FacetEmbeddings:
		return "embeddings"
	case FacetText:
		return "text_extracts"
	}
	return ""
}

// Versioned reports whether rows carry a model_version column. Location is
// read straight from the file and has none.
func (f Facet) Versioned() bool {
	return f != FacetGPS
}

// ParseFacet validates a facet name.
func ParseFacet(s string) (Facet, error) {
	f := Facet(s)
	if !f.IsValid() {
		return "", fmt.Errorf("%w %q", ErrUnknownFacet, s)
	}
	return f, nil
}
