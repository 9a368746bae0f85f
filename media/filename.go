package media

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// photoExtensions and videoExtensions are the files ingestion registers as
// items. HEIC is listed although the standard decoders cannot read its
// dimensions.
var (
	photoExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".heic": true, ".tif": true, ".tiff": true,
	}
	videoExtensions = map[string]bool{
		".mov": true, ".mp4": true, ".avi": true, ".mkv": true,
	}
)

// IsMedia reports whether name is a photo or video that ingestion registers.
func IsMedia(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return photoExtensions[ext] || videoExtensions[ext]
}

// IsVideo reports whether name has a video extension. Videos only carry
// capture metadata; the image models skip them.
func IsVideo(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

type filenamePattern struct {
	re    *regexp.Regexp
	parse func(m []string) (time.Time, bool)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// civil builds a UTC time and rejects values that do not round-trip, such
// as a month of 13 or February 30th.
func civil(year, month, day, hour, minute, second int) (time.Time, bool) {
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute || t.Second() != second {
		return time.Time{}, false
	}
	return t, true
}

// Tried in order; the first pattern that yields a valid date wins.
var filenamePatterns = []filenamePattern{
	{
		// Screenshot 2025-03-29 at 18-38-44, Screenshot-from-2025-03-18-02-57-03,
		// Screenshot_2022-01-22-09-13-25
		re: regexp.MustCompile(`(?i)Screenshot[\s\-_]+(?:from[\s\-_]+)?(\d{4})-(\d{2})-(\d{2})[\s\-_]+(?:at[\s\-_]+)?(\d{2})[.\-:](\d{2})[.\-:](\d{2})`),
		parse: func(m []string) (time.Time, bool) {
			return civil(atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), atoi(m[6]))
		},
	},
	{
		// 2025-09-02 200936
		re: regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})\s+(\d{2})(\d{2})(\d{2})`),
		parse: func(m []string) (time.Time, bool) {
			return civil(atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), atoi(m[6]))
		},
	},
	{
		// 20231215_143022
		re: regexp.MustCompile(`(\d{4})(\d{2})(\d{2})_(\d{2})(\d{2})(\d{2})`),
		parse: func(m []string) (time.Time, bool) {
			return civil(atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), atoi(m[6]))
		},
	},
	{
		// 250710_1519, two-digit years are 20xx
		re: regexp.MustCompile(`(\d{2})(\d{2})(\d{2})_(\d{2})(\d{2})`),
		parse: func(m []string) (time.Time, bool) {
			return civil(2000+atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), 0)
		},
	},
}

// ParseFilenameTimestamp extracts a capture time embedded in a file name by
// cameras, phones or screenshot tools. The wall clock is returned as UTC.
func ParseFilenameTimestamp(name string) (time.Time, bool) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	for _, p := range filenamePatterns {
		m := p.re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		if t, ok := p.parse(m); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// wallClockUTC keeps the local wall-clock reading of t but labels it UTC,
// matching how EXIF timestamps are stored.
func wallClockUTC(t time.Time) time.Time {
	l := t.Local()
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), 0, time.UTC)
}
