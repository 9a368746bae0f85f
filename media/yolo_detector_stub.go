//go:build !gocv

package media

import (
	"context"

	"github.com/sirupsen/logrus"
)

// YOLODetector needs OpenCV; build with -tags gocv to enable it.
type YOLODetector struct{}

func NewYOLODetector(modelPath, version string, log logrus.FieldLogger) (*YOLODetector, error) {
	return nil, ErrDetectorUnavailable
}

func (d *YOLODetector) ModelVersion() string { return "" }

func (d *YOLODetector) Close() error { return nil }

func (d *YOLODetector) Detect(ctx context.Context, path string) ([]Detection, error) {
	return nil, ErrDetectorUnavailable
}
