package repository

import (
	"errors"
	"fmt"
	"math"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/photofacets/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// ErrInvalidData marks a data invariant violation caught at the repository
// boundary. Nothing is persisted when it is returned.
var ErrInvalidData = errors.New("invalid data")

// DataError describes which invariant a value broke.
type DataError struct {
	Field  string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid data: %s: %s", e.Field, e.Reason)
}

func (e *DataError) Unwrap() error {
	return ErrInvalidData
}

func invalid(field, format string, args ...interface{}) error {
	return &DataError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsDataError reports whether err is a rejected-data error.
func IsDataError(err error) bool {
	return errors.Is(err, ErrInvalidData)
}

// sqlite binds at most 32766 parameters; stay well below.
const maxInParams = 500

func chunkIDs(ids []uint) [][]uint {
	var chunks [][]uint
	for len(ids) > maxInParams {
		chunks = append(chunks, ids[:maxInParams])
		ids = ids[maxInParams:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// boxSlack absorbs float rounding in detector output.
const boxSlack = 0.5

func validateConfidence(field string, c float64) error {
	if !finite(c) || c < 0 || c > 1 {
		return invalid(field, "confidence %v outside [0,1]", c)
	}
	return nil
}

// validateBox checks a box against the item's dimensions when they are known.
func validateBox(field string, b models.Box, item models.Item) error {
	for _, v := range []float64{b.X, b.Y, b.Width, b.Height} {
		if !finite(v) {
			return invalid(field, "non-finite coordinate")
		}
	}
	if b.X < 0 || b.Y < 0 || b.Width < 0 || b.Height < 0 {
		return invalid(field, "negative coordinate in box (%g,%g,%g,%g)", b.X, b.Y, b.Width, b.Height)
	}
	if item.Width != nil && *item.Width > 0 && b.X+b.Width > float64(*item.Width)+boxSlack {
		return invalid(field, "box right edge %g beyond image width %d", b.X+b.Width, *item.Width)
	}
	if item.Height != nil && *item.Height > 0 && b.Y+b.Height > float64(*item.Height)+boxSlack {
		return invalid(field, "box bottom edge %g beyond image height %d", b.Y+b.Height, *item.Height)
	}
	return nil
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
