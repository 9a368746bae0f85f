package query

import (
	"strconv"
	"strings"
)

// Params is the flat, textual form of a query shared by the command line
// and the HTTP API.
type Params struct {
	Object        string
	MinConfidence float64
	Semantic      string
	SemanticModel string
	TopK          int
	Text          string
	RawText       bool
	Location      string // "lat,lon"
	RadiusKm      *float64
	DateFrom      string
	DateTo        string
	Limit         int
}

// ParseLatLon reads a "lat,lon" pair.
func ParseLatLon(s string) (lat, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, invalidf("location %q, want lat,lon", s)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, invalidf("latitude %q is not a number", parts[0])
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, invalidf("longitude %q is not a number", parts[1])
	}
	return lat, lon, nil
}

// Filters converts p and validates the result.
func (p Params) Filters() (Filters, error) {
	f := Filters{Limit: p.Limit}
	if p.Object != "" {
		f.Object = &ObjectFilter{Label: p.Object, MinConfidence: p.MinConfidence}
	}
	if p.Semantic != "" {
		f.Semantic = &SemanticFilter{Query: p.Semantic, ModelVersion: p.SemanticModel, TopK: p.TopK}
	}
	if p.Text != "" {
		f.Text = &TextFilter{Query: p.Text, Raw: p.RawText}
	}

	switch {
	case p.Location != "":
		if p.RadiusKm == nil {
			return Filters{}, invalidf("location needs a radius")
		}
		lat, lon, err := ParseLatLon(p.Location)
		if err != nil {
			return Filters{}, err
		}
		f.Location = &LocationFilter{Latitude: lat, Longitude: lon, RadiusKm: *p.RadiusKm}
	case p.RadiusKm != nil:
		return Filters{}, invalidf("radius given without a location")
	}

	date, err := NewDateFilter(p.DateFrom, p.DateTo)
	if err != nil {
		return Filters{}, err
	}
	f.Date = date

	if err := f.Validate(); err != nil {
		return Filters{}, err
	}
	return f, nil
}
