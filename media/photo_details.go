package media

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// PhotoDetails maps a file name to the originalCreationDate recorded for it
// in an iCloud Photo Details export.
type PhotoDetails map[string]time.Time

var icloudDateLayouts = []string{"January 2,2006 3:04 PM", "January 2,2006 15:04"}

// ParseICloudDate reads the Photo Details date format, e.g.
// "Friday July 4,2025 3:46 AM GMT". The weekday and zone words are dropped
// and the wall clock is returned as UTC.
func ParseICloudDate(s string) (time.Time, bool) {
	parts := strings.Fields(s)
	if len(parts) < 5 {
		return time.Time{}, false
	}
	clean := strings.Join(parts[1:len(parts)-1], " ")
	for _, layout := range icloudDateLayouts {
		if t, err := time.ParseInLocation(layout, clean, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LoadPhotoDetails reads a Photo Details CSV. Rows without a file name or
// with an unreadable date are skipped; a later row for the same file wins.
func LoadPhotoDetails(path string) (PhotoDetails, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("photo details: %w", err)
	}
	defer f.Close()
	return ReadPhotoDetails(f)
}

// ReadPhotoDetails parses Photo Details CSV content from r.
func ReadPhotoDetails(r io.Reader) (PhotoDetails, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return PhotoDetails{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("photo details: failed to read header: %w", err)
	}
	nameCol, dateCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case "filename":
			nameCol = i
		case "originalCreationDate":
			dateCol = i
		}
	}
	if nameCol < 0 || dateCol < 0 {
		return nil, fmt.Errorf("photo details: header lacks filename or originalCreationDate columns")
	}

	details := PhotoDetails{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("photo details: %w", err)
		}
		if nameCol >= len(rec) || dateCol >= len(rec) {
			continue
		}
		name := strings.TrimSpace(rec[nameCol])
		if name == "" {
			continue
		}
		if t, ok := ParseICloudDate(rec[dateCol]); ok {
			details[name] = t
		}
	}
	return details, nil
}
