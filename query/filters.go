package query

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrEmptyFilters  = errors.New("at least one filter is required")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNoEmbedder    = errors.New("semantic query text given but no text embedder is configured")
)

// ObjectFilter keeps items with at least one tag of Label at or above
// MinConfidence. Labels compare case-insensitively. An empty ModelVersion
// matches tags of every detector version.
type ObjectFilter struct {
	Label         string  `json:"label"`
	MinConfidence float64 `json:"min_confidence"`
	ModelVersion  string  `json:"model_version,omitempty"`
}

// SemanticFilter keeps the TopK items closest to Query (or Vector, when
// given) under ModelVersion.
type SemanticFilter struct {
	Query        string    `json:"query,omitempty"`
	Vector       []float32 `json:"-"`
	ModelVersion string    `json:"model_version,omitempty"`
	TopK         int       `json:"top_k,omitempty"`
}

// TextFilter matches OCR text. Query is searched as a phrase unless Raw is
// set, in which case it is passed to FTS5 as-is.
type TextFilter struct {
	Query string `json:"query"`
	Raw   bool   `json:"raw,omitempty"`
}

// LocationFilter keeps items within RadiusKm of a point.
type LocationFilter struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius_km"`
}

// DateFilter keeps items captured within [From, To]. When ToIsDate is set,
// To names a whole day and every timestamp on that day matches. Items
// without a capture time never match.
type DateFilter struct {
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	ToIsDate bool       `json:"to_is_date,omitempty"`
}

// Bounds returns the half-open unix-second range [from, until) the filter
// covers. Nil means unbounded.
func (d DateFilter) Bounds() (from, until *int64) {
	if d.From != nil {
		v := d.From.Unix()
		from = &v
	}
	if d.To != nil {
		end := d.To.Add(time.Second)
		if d.ToIsDate {
			end = d.To.AddDate(0, 0, 1)
		}
		v := end.Unix()
		until = &v
	}
	return from, until
}

// Filters is one multi-modal query. Present filters combine with AND.
type Filters struct {
	Object   *ObjectFilter   `json:"object,omitempty"`
	Semantic *SemanticFilter `json:"semantic,omitempty"`
	Text     *TextFilter     `json:"text,omitempty"`
	Location *LocationFilter `json:"location,omitempty"`
	Date     *DateFilter     `json:"date,omitempty"`

	// Limit truncates the ranked result; 0 means no limit.
	Limit int `json:"limit,omitempty"`
}

// Empty reports whether no filter is present.
func (f Filters) Empty() bool {
	return f.Object == nil && f.Semantic == nil && f.Text == nil && f.Location == nil && f.Date == nil
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks every filter without touching the store.
func (f Filters) Validate() error {
	if f.Empty() {
		return ErrEmptyFilters
	}
	if f.Limit < 0 {
		return invalidf("limit %d is negative", f.Limit)
	}
	if o := f.Object; o != nil {
		if strings.TrimSpace(o.Label) == "" {
			return invalidf("object label is empty")
		}
		if !finite(o.MinConfidence) || o.MinConfidence < 0 || o.MinConfidence > 1 {
			return invalidf("min confidence %v outside [0,1]", o.MinConfidence)
		}
	}
	if s := f.Semantic; s != nil {
		if strings.TrimSpace(s.Query) == "" && len(s.Vector) == 0 {
			return invalidf("semantic query is empty")
		}
		if s.TopK < 0 {
			return invalidf("top-k %d is negative", s.TopK)
		}
	}
	if t := f.Text; t != nil && strings.TrimSpace(t.Query) == "" {
		return invalidf("text query is empty")
	}
	if l := f.Location; l != nil {
		if !finite(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
			return invalidf("latitude %v outside [-90,90]", l.Latitude)
		}
		if !finite(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
			return invalidf("longitude %v outside [-180,180]", l.Longitude)
		}
		if !finite(l.RadiusKm) || l.RadiusKm < 0 {
			return invalidf("radius %v km is negative", l.RadiusKm)
		}
	}
	if d := f.Date; d != nil {
		if d.From == nil && d.To == nil {
			return invalidf("date range has no bounds")
		}
		if from, until := d.Bounds(); from != nil && until != nil && *from >= *until {
			return invalidf("date range starts after it ends")
		}
	}
	return nil
}

var dateLayouts = []struct {
	layout   string
	dateOnly bool
}{
	{time.DateOnly, true},
	{time.DateTime, false},
	{"2006-01-02T15:04:05", false},
	{time.RFC3339, false},
}

// ParseDate reads a date or date-time. Values without a zone are taken as
// UTC wall clocks, matching stored capture times. dateOnly reports a bare
// YYYY-MM-DD.
func ParseDate(s string) (t time.Time, dateOnly bool, err error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.ParseInLocation(l.layout, s, time.UTC); err == nil {
			return t, l.dateOnly, nil
		}
	}
	return time.Time{}, false, invalidf("cannot parse date %q, want YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", s)
}

// NewDateFilter builds a DateFilter from optional textual bounds.
func NewDateFilter(from, to string) (*DateFilter, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	d := &DateFilter{}
	if from != "" {
		t, _, err := ParseDate(from)
		if err != nil {
			return nil, err
		}
		d.From = &t
	}
	if to != "" {
		t, dateOnly, err := ParseDate(to)
		if err != nil {
			return nil, err
		}
		d.To, d.ToIsDate = &t, dateOnly
	}
	return d, nil
}
