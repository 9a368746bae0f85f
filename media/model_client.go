package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/camden-git/photofacets/config"
)

const modelJpegQuality = 90

// ModelClient talks to an inference server that exposes /detect, /embed
// and /ocr. Each request carries one downscaled JPEG. Calls are paced by a
// shared rate limiter.
type ModelClient struct {
	endpoint     string
	apiKey       string
	maxImageSide int
	httpClient   *http.Client
	limiter      *rate.Limiter
	log          logrus.FieldLogger
}

func NewModelClient(cfg config.ModelsConfig, log logrus.FieldLogger) (*ModelClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("model client: endpoint is not configured")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &ModelClient{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		maxImageSide: cfg.MaxImageSide,
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		limiter:      rate.NewLimiter(limit, 1),
		log:          log,
	}, nil
}

type modelRequest struct {
	Model string `json:"model"`
	Image string `json:"image"`
}

// encodeImage loads path, shrinks it to fit maxImageSide and returns the
// base64 JPEG together with the factor that maps returned coordinates back
// to the original pixel grid.
func (c *ModelClient) encodeImage(path string) (string, float64, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("model client: failed to open image %s: %w", path, err)
	}
	scale := 1.0
	b := img.Bounds()
	if c.maxImageSide > 0 && (b.Dx() > c.maxImageSide || b.Dy() > c.maxImageSide) {
		img = imaging.Fit(img, c.maxImageSide, c.maxImageSide, imaging.Lanczos)
		scale = float64(b.Dx()) / float64(img.Bounds().Dx())
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(modelJpegQuality)); err != nil {
		return "", 0, fmt.Errorf("model client: failed to encode image %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), scale, nil
}

func (c *ModelClient) call(ctx context.Context, route, model, path string, out interface{}) (float64, error) {
	image, scale, err := c.encodeImage(path)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(modelRequest{Model: model, Image: image})
	if err != nil {
		return 0, fmt.Errorf("model client: failed to marshal request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+route, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("model client: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model client: %s request failed: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("model client: %s returned %d: %s", route, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("model client: failed to decode %s response: %w", route, err)
	}
	c.log.WithFields(logrus.Fields{"route": route, "model": model, "path": path, "took": time.Since(start)}).Debug("model client: call done")
	return scale, nil
}

// Detector returns a Detects backed by this client.
func (c *ModelClient) Detector(version string) *RemoteDetector {
	return &RemoteDetector{client: c, version: version}
}

// Embedder returns an Embeds backed by this client.
func (c *ModelClient) Embedder(version string, dim int) *RemoteEmbedder {
	return &RemoteEmbedder{client: c, version: version, dim: dim}
}

// TextExtractor returns an ExtractsText backed by this client.
func (c *ModelClient) TextExtractor(version string) *RemoteTextExtractor {
	return &RemoteTextExtractor{client: c, version: version}
}

type RemoteDetector struct {
	client  *ModelClient
	version string
}

func (d *RemoteDetector) ModelVersion() string { return d.version }

func (d *RemoteDetector) Detect(ctx context.Context, path string) ([]Detection, error) {
	var out struct {
		Detections []Detection `json:"detections"`
	}
	scale, err := d.client.call(ctx, "/detect", d.version, path, &out)
	if err != nil {
		return nil, err
	}
	for i := range out.Detections {
		det := &out.Detections[i]
		det.X, det.Y, det.Width, det.Height = det.X*scale, det.Y*scale, det.Width*scale, det.Height*scale
	}
	return out.Detections, nil
}

type RemoteEmbedder struct {
	client  *ModelClient
	version string
	dim     int
}

func (e *RemoteEmbedder) ModelVersion() string { return e.version }
func (e *RemoteEmbedder) Dimension() int       { return e.dim }

func (e *RemoteEmbedder) Embed(ctx context.Context, path string) ([]float32, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if _, err := e.client.call(ctx, "/embed", e.version, path, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

type RemoteTextExtractor struct {
	client  *ModelClient
	version string
}

func (t *RemoteTextExtractor) ModelVersion() string { return t.version }

func (t *RemoteTextExtractor) ExtractText(ctx context.Context, path string) ([]TextSpan, error) {
	var out struct {
		Spans []TextSpan `json:"spans"`
	}
	scale, err := t.client.call(ctx, "/ocr", t.version, path, &out)
	if err != nil {
		return nil, err
	}
	for i := range out.Spans {
		s := &out.Spans[i]
		s.X, s.Y, s.Width, s.Height = s.X*scale, s.Y*scale, s.Width*scale, s.Height*scale
	}
	return out.Spans, nil
}

var (
	_ Detects      = (*RemoteDetector)(nil)
	_ Embeds       = (*RemoteEmbedder)(nil)
	_ ExtractsText = (*RemoteTextExtractor)(nil)
)
