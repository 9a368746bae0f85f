package query

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{
	"item_id", "source_path", "filename", "captured_at", "date_source",
	"similarity", "tag_confidence", "camera_make", "camera_model",
}

// WriteJSON writes rows as an indented JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// WriteCSV writes one line per row with a header. Capture times are
// rendered as UTC wall clocks.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := make([]string, len(csvHeader))
		rec[0] = strconv.FormatUint(uint64(r.ItemID), 10)
		if it := r.Item; it != nil {
			rec[1], rec[2] = it.SourcePath, it.Filename
			rec[4] = deref(it.DateSource)
			rec[7], rec[8] = deref(it.CameraMake), deref(it.CameraModel)
		}
		if r.CapturedAt != nil {
			rec[3] = time.Unix(*r.CapturedAt, 0).UTC().Format(time.DateTime)
		}
		rec[5] = formatScore(r.Similarity)
		rec[6] = formatScore(r.TagConfidence)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Export writes rows to path, choosing the format from its extension.
func Export(path string, rows []Row) error {
	var write func(io.Writer, []Row) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		write = WriteJSON
	case ".csv":
		write = WriteCSV
	default:
		return fmt.Errorf("unsupported export format %q, use .json or .csv", filepath.Ext(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := write(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return f.Close()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatScore(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
