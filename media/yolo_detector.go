//go:build gocv

package media

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const (
	yoloInputSize    = 640
	yoloNMSThreshold = 0.45
	// candidates below this never reach the stage's own threshold filter
	yoloMinScore = 0.05
)

// YOLODetector runs a YOLOv8 ONNX export through the OpenCV DNN module.
type YOLODetector struct {
	net     gocv.Net
	version string
	log     logrus.FieldLogger
	mu      sync.Mutex
}

// NewYOLODetector loads the model at modelPath.
func NewYOLODetector(modelPath, version string, log logrus.FieldLogger) (*YOLODetector, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if modelPath == "" {
		return nil, ErrDetectorUnavailable
	}
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("detection(yolo): failed to load network model %s", modelPath)
	}

	cudaBackendErr := net.SetPreferableBackend(gocv.NetBackendCUDA)
	cudaTargetErr := net.SetPreferableTarget(gocv.NetTargetCUDA)
	if cudaBackendErr == nil && cudaTargetErr == nil {
		log.Info("detection(yolo): set backend/target to CUDA")
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
		log.Info("detection(yolo): set backend/target to CPU")
	}
	return &YOLODetector{net: net, version: version, log: log}, nil
}

func (d *YOLODetector) ModelVersion() string { return d.version }

func (d *YOLODetector) Close() error {
	return d.net.Close()
}

// Detect runs one forward pass. The network is not safe for concurrent use,
// so calls are serialized.
func (d *YOLODetector) Detect(ctx context.Context, path string) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return nil, fmt.Errorf("detection(yolo): failed to read image file %s", path)
	}
	defer img.Close()

	imgW, imgH := float32(img.Cols()), float32(img.Rows())
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(yoloInputSize, yoloInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	// output is [1, 4+classes, candidates]
	sizes := out.Size()
	if len(sizes) != 3 || sizes[1] <= 4 {
		return nil, fmt.Errorf("detection(yolo): unexpected output dimensions %v", sizes)
	}
	rows := out.Reshape(1, sizes[1])
	defer rows.Close()
	preds := gocv.NewMat()
	defer preds.Close()
	gocv.Transpose(rows, &preds)

	xScale, yScale := imgW/yoloInputSize, imgH/yoloInputSize
	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for i := 0; i < preds.Rows(); i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < preds.Cols(); c++ {
			if s := preds.GetFloatAt(i, c); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < yoloMinScore {
			continue
		}
		cx, cy := preds.GetFloatAt(i, 0)*xScale, preds.GetFloatAt(i, 1)*yScale
		w, h := preds.GetFloatAt(i, 2)*xScale, preds.GetFloatAt(i, 3)*yScale
		x0 := max(0, cx-w/2)
		y0 := max(0, cy-h/2)
		x1 := min(imgW, cx+w/2)
		y1 := min(imgH, cy+h/2)
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		boxes = append(boxes, image.Rect(int(x0), int(y0), int(x1), int(y1)))
		scores = append(scores, bestScore)
		classes = append(classes, best)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, yoloMinScore, yoloNMSThreshold)
	results := make([]Detection, 0, len(keep))
	for _, k := range keep {
		b := boxes[k]
		results = append(results, Detection{
			Label:      cocoLabel(classes[k]),
			Confidence: float64(scores[k]),
			X:          float64(b.Min.X),
			Y:          float64(b.Min.Y),
			Width:      float64(b.Dx()),
			Height:     float64(b.Dy()),
		})
	}
	d.log.WithFields(logrus.Fields{"path": path, "detections": len(results)}).Debug("detection(yolo): done")
	return results, nil
}

var _ Detects = (*YOLODetector)(nil)
