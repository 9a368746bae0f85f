package media

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/models"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// ExifReader reads capture metadata and GPS from image files with goexif.
// It implements ExtractsCapture and Locates.
type ExifReader struct {
	Log logrus.FieldLogger

	// Details, when set, supplies iCloud creation dates by file name.
	Details PhotoDetails
}

func NewExifReader(log logrus.FieldLogger) *ExifReader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExifReader{Log: log}
}

// helper to safely get and convert a rational tag (like GPSAltitude)
func getRational(exifData *exif.Exif, tagName exif.FieldName) *float64 {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return nil
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		// sometimes stored as Int instead
		valInt, errInt := tag.Int(0)
		if errInt == nil {
			fVal := float64(valInt)
			return &fVal
		}
		return nil
	}
	val := float64(num) / float64(den)
	return &val
}

// helper to safely get and convert an integer tag
func getInt(exifData *exif.Exif, tagName exif.FieldName) *int {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return nil
	}
	val, err := tag.Int(0)
	if err != nil {
		return nil
	}
	return &val
}

// helper to safely get a string tag, trimming null terminators
func getString(exifData *exif.Exif, tagName exif.FieldName) *string {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return nil
	}
	val, err := tag.StringVal()
	if err != nil {
		return nil
	}
	val = strings.TrimSpace(strings.TrimRight(val, "\x00"))
	if val == "" {
		return nil
	}
	return &val
}

// getTime parses an EXIF datetime tag as a UTC wall clock.
func getTime(exifData *exif.Exif, tagName exif.FieldName) *time.Time {
	s := getString(exifData, tagName)
	if s == nil {
		return nil
	}
	t, err := time.ParseInLocation(exifTimeLayout, *s, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

// decode opens path and returns its EXIF block, or nil when the file has
// none. Dimensions come from the image header when the format is known.
// Videos are only checked for existence.
func (r *ExifReader) decode(path string) (*exif.Exif, *image.Config, error) {
	if IsVideo(path) {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, fmt.Errorf("exif: failed to stat %s: %w", path, err)
		}
		return nil, nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("exif: failed to open file %s: %w", path, err)
	}
	defer file.Close()

	var dims *image.Config
	if config, _, err := image.DecodeConfig(file); err == nil {
		dims = &config
	} else {
		r.Log.WithField("path", path).WithError(err).Debug("exif: could not decode dimensions")
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("exif: failed to seek file %s: %w", path, err)
	}

	exifData, err := exif.Decode(file)
	if err != nil && (exifData == nil || exif.IsCriticalError(err)) {
		// not fatal, the file might just lack EXIF data
		r.Log.WithField("path", path).WithError(err).Debug("exif: no EXIF data")
		return nil, dims, nil
	}
	return exifData, dims, nil
}

// ExtractCapture reads dimensions, camera and the best available capture
// time. Time sources are tried in order: DateTimeOriginal, DateTime (with
// and without a camera make), the Photo Details creation date, a timestamp
// in the file name, and finally the file modification time.
func (r *ExifReader) ExtractCapture(ctx context.Context, path string) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exifData, dims, err := r.decode(path)
	if err != nil {
		return nil, err
	}

	c := &Capture{}
	if dims != nil {
		w, h := dims.Width, dims.Height
		c.Width, c.Height = &w, &h
	}

	var taken *time.Time
	if exifData != nil {
		c.CameraMake = getString(exifData, exif.Make)
		c.CameraModel = getString(exifData, exif.Model)
		if c.Width == nil {
			c.Width = getInt(exifData, exif.PixelXDimension)
			c.Height = getInt(exifData, exif.PixelYDimension)
		}

		if t := getTime(exifData, exif.DateTimeOriginal); t != nil {
			taken, c.DateSource = t, models.DateSourceExifOriginal
		} else if t := getTime(exifData, exif.DateTime); t != nil {
			taken = t
			if c.CameraMake != nil {
				c.DateSource = models.DateSourceExifDateTimeCamera
			} else {
				c.DateSource = models.DateSourceExifDateTimeNoMake
			}
		}
	}

	if taken == nil {
		if t, ok := r.Details[filepath.Base(path)]; ok {
			taken, c.DateSource = &t, models.DateSourcePhotoDetails
		}
	}
	if taken == nil {
		if t, ok := ParseFilenameTimestamp(path); ok {
			taken, c.DateSource = &t, models.DateSourceFilename
		}
	}
	if taken == nil {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("exif: failed to stat %s: %w", path, err)
		}
		t := wallClockUTC(info.ModTime())
		taken, c.DateSource = &t, models.DateSourceFilesystem
	}

	ts := taken.Unix()
	c.CapturedAt = &ts
	return c, nil
}

// Locate reads the GPS position. Files without GPS tags yield nil.
func (r *ExifReader) Locate(ctx context.Context, path string) (*GeoPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exifData, _, err := r.decode(path)
	if err != nil {
		return nil, err
	}
	if exifData == nil {
		return nil, nil
	}

	lat, lon, err := exifData.LatLong()
	if err != nil {
		// no GPS block, or an incomplete one
		return nil, nil
	}
	p := &GeoPoint{Latitude: lat, Longitude: lon}
	if alt := getRational(exifData, exif.GPSAltitude); alt != nil {
		v := *alt
		if ref := getInt(exifData, exif.GPSAltitudeRef); ref != nil && *ref == 1 {
			v = -v
		}
		p.Altitude = &v
	}
	return p, nil
}
