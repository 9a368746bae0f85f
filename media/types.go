// media/types.go
package media

import "context"

// Detection is one object found in an image. Box coordinates are pixels in
// the original image.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// TextSpan is one OCR result.
type TextSpan struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// GeoPoint is a decimal-degree coordinate with optional altitude in meters.
type GeoPoint struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Capture holds the metadata read when an item is first ingested.
type Capture struct {
	Width       *int    `json:"width,omitempty"`
	Height      *int    `json:"height,omitempty"`
	CameraMake  *string `json:"camera_make,omitempty"`
	CameraModel *string `json:"camera_model,omitempty"`
	CapturedAt  *int64  `json:"captured_at,omitempty"`
	DateSource  string  `json:"date_source,omitempty"`
}

// Detects runs object detection on an image file.
type Detects interface {
	Detect(ctx context.Context, path string) ([]Detection, error)
	ModelVersion() string
}

// Embeds computes an image embedding.
type Embeds interface {
	Embed(ctx context.Context, path string) ([]float32, error)
	ModelVersion() string
	Dimension() int
}

// ExtractsText runs OCR on an image file.
type ExtractsText interface {
	ExtractText(ctx context.Context, path string) ([]TextSpan, error)
	ModelVersion() string
}

// Locates reads the capture location of an image. A nil point with a nil
// error means the file carries no location.
type Locates interface {
	Locate(ctx context.Context, path string) (*GeoPoint, error)
}

// ExtractsCapture reads capture metadata for ingestion.
type ExtractsCapture interface {
	ExtractCapture(ctx context.Context, path string) (*Capture, error)
}

// EmbedsText embeds a free-text query into the same space as an image
// embedding model.
type EmbedsText interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}
