package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/photofacets/config"
	"github.com/camden-git/photofacets/models"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestParseFilenameTimestamp(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Screenshot 2025-03-29 at 18-38-44 Open Deep-Research.png", "2025-03-29T18:38:44Z"},
		{"Screenshot-from-2025-03-18-02-57-03.png", "2025-03-18T02:57:03Z"},
		{"Screenshot_2022-01-22-09-13-25-999.jpg", "2022-01-22T09:13:25Z"},
		{"screenshot 2025-04-09 at 12.35.28 pm.png", "2025-04-09T12:35:28Z"},
		{"2025-09-02 200936 description.jpg", "2025-09-02T20:09:36Z"},
		{"/photos/IMG_20231215_143022.jpg", "2023-12-15T14:30:22Z"},
		{"yeahnahallgood_doormat_250710_1519.png", "2025-07-10T15:19:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseFilenameTimestamp(tc.name)
			require.True(t, ok)
			assert.Equal(t, tc.want, got.Format(time.RFC3339))
		})
	}

	for _, name := range []string{"IMG_0001.jpg", "holiday.png", "20231315_143022.jpg", "Screenshot 2025-02-30 at 10-00-00.png"} {
		_, ok := ParseFilenameTimestamp(name)
		assert.False(t, ok, name)
	}
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello photos"), 0644))

	sum, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "a69b294df7788827e5925dd11837fde3b8bd297b2bc81a42fb06681888b2ac84", sum)

	_, err = Checksum(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestIsMedia(t *testing.T) {
	assert.True(t, IsMedia("a.JPG"))
	assert.True(t, IsMedia("b.heic"))
	assert.True(t, IsMedia("clip.mov"))
	assert.True(t, IsMedia("trip.MKV"))
	assert.False(t, IsMedia("notes.txt"))

	assert.True(t, IsVideo("/v/clip.MP4"))
	assert.True(t, IsVideo("old.avi"))
	assert.False(t, IsVideo("a.jpg"))
}

func TestParseICloudDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"Friday July 4,2025 3:46 AM GMT", time.Date(2025, 7, 4, 3, 46, 0, 0, time.UTC)},
		{"Monday December 25,2023 11:30 PM GMT", time.Date(2023, 12, 25, 23, 30, 0, 0, time.UTC)},
		{"Saturday January 1,2025 12:00 PM GMT", time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"Sunday June 15,2024 12:00 AM GMT", time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{"Sunday June 15,2024 18:05 GMT", time.Date(2024, 6, 15, 18, 5, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, ok := ParseICloudDate(tc.in)
		require.True(t, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	for _, bad := range []string{"", "not a date", "2025-07-04 15:30"} {
		_, ok := ParseICloudDate(bad)
		assert.False(t, ok, bad)
	}
}

func TestReadPhotoDetails(t *testing.T) {
	csv := "\ufefffilename,fileChecksum,originalCreationDate\n" +
		"IMG_1.HEIC,abc,\"Friday July 4,2025 3:46 AM GMT\"\n" +
		",def,\"Friday July 4,2025 3:46 AM GMT\"\n" +
		"IMG_2.HEIC,ghi,garbage\n" +
		"IMG_1.HEIC,abc,\"Monday December 25,2023 11:30 PM GMT\"\n"
	details, err := ReadPhotoDetails(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, PhotoDetails{"IMG_1.HEIC": time.Date(2023, 12, 25, 23, 30, 0, 0, time.UTC)}, details)

	_, err = ReadPhotoDetails(strings.NewReader("name,date\nx,y\n"))
	require.Error(t, err)

	empty, err := ReadPhotoDetails(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = LoadPhotoDetails(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestExifReaderPhotoDetailsBeatFilename(t *testing.T) {
	dir := t.TempDir()
	r := NewExifReader(quietLog())
	r.Details = PhotoDetails{"Screenshot 2025-07-06 at 12-18-30.png": time.Date(2025, 7, 4, 3, 46, 0, 0, time.UTC)}

	named := writePNG(t, dir, "Screenshot 2025-07-06 at 12-18-30.png", 8, 8)
	c, err := r.ExtractCapture(context.Background(), named)
	require.NoError(t, err)
	assert.Equal(t, models.DateSourcePhotoDetails, c.DateSource)
	assert.Equal(t, time.Date(2025, 7, 4, 3, 46, 0, 0, time.UTC).Unix(), *c.CapturedAt)

	other := writePNG(t, dir, "Screenshot 2025-07-07 at 09-00-00.png", 8, 8)
	c, err = r.ExtractCapture(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, models.DateSourceFilename, c.DateSource)
}

func TestExifReaderVideo(t *testing.T) {
	dir := t.TempDir()
	r := NewExifReader(quietLog())
	ctx := context.Background()

	clip := filepath.Join(dir, "IMG_0042.mov")
	require.NoError(t, os.WriteFile(clip, []byte("ftypqt  "), 0644))
	r.Details = PhotoDetails{"IMG_0042.mov": time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)}

	c, err := r.ExtractCapture(ctx, clip)
	require.NoError(t, err)
	assert.Equal(t, models.DateSourcePhotoDetails, c.DateSource)
	assert.Nil(t, c.Width)

	loc, err := r.Locate(ctx, clip)
	require.NoError(t, err)
	assert.Nil(t, loc)

	_, err = r.Locate(ctx, filepath.Join(dir, "gone.mp4"))
	require.Error(t, err)
}

func TestExifReaderFallsBackWithoutExif(t *testing.T) {
	dir := t.TempDir()
	r := NewExifReader(quietLog())
	ctx := context.Background()

	named := writePNG(t, dir, "Screenshot 2025-07-06 at 12-18-30.png", 40, 30)
	c, err := r.ExtractCapture(ctx, named)
	require.NoError(t, err)
	assert.Equal(t, models.DateSourceFilename, c.DateSource)
	require.NotNil(t, c.CapturedAt)
	assert.Equal(t, time.Date(2025, 7, 6, 12, 18, 30, 0, time.UTC).Unix(), *c.CapturedAt)
	require.NotNil(t, c.Width)
	assert.Equal(t, 40, *c.Width)
	assert.Equal(t, 30, *c.Height)
	assert.Nil(t, c.CameraMake)

	plain := writePNG(t, dir, "plain.png", 10, 10)
	mtime := time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)
	require.NoError(t, os.Chtimes(plain, mtime, mtime))
	c, err = r.ExtractCapture(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, models.DateSourceFilesystem, c.DateSource)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC).Unix(), *c.CapturedAt)

	loc, err := r.Locate(ctx, plain)
	require.NoError(t, err)
	assert.Nil(t, loc)

	_, err = r.ExtractCapture(ctx, filepath.Join(dir, "missing.jpg"))
	require.Error(t, err)
}

func TestModelClientScalesBoxesBack(t *testing.T) {
	var gotReq modelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		switch r.URL.Path {
		case "/detect":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"detections": []Detection{{Label: "dog", Confidence: 0.9, X: 10, Y: 10, Width: 50, Height: 25}},
			})
		case "/embed":
			json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{0.1, 0.2, 0.3}})
		case "/ocr":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"spans": []TextSpan{{Text: "EXIT", Confidence: 0.8, X: 1, Y: 2, Width: 3, Height: 4}},
			})
		default:
			http.Error(w, "no such route", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewModelClient(config.ModelsConfig{Endpoint: srv.URL + "/", APIKey: "secret", MaxImageSide: 100}, quietLog())
	require.NoError(t, err)
	path := writePNG(t, t.TempDir(), "wide.png", 400, 200)
	ctx := context.Background()

	dets, err := client.Detector("yolov8m").Detect(ctx, path)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, Detection{Label: "dog", Confidence: 0.9, X: 40, Y: 40, Width: 200, Height: 100}, dets[0])
	assert.Equal(t, "yolov8m", gotReq.Model)

	raw, err := base64.StdEncoding.DecodeString(gotReq.Image)
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)

	emb := client.Embedder("clip", 3)
	vec, err := emb.Embed(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, emb.Dimension())

	spans, err := client.TextExtractor("ocr").ExtractText(ctx, path)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, 4.0, spans[0].X)
}

func TestModelClientReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewModelClient(config.ModelsConfig{Endpoint: srv.URL, RequestsPerSecond: 100}, quietLog())
	require.NoError(t, err)
	path := writePNG(t, t.TempDir(), "a.png", 8, 8)

	_, err = client.Detector("v").Detect(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")

	_, err = NewModelClient(config.ModelsConfig{}, quietLog())
	require.Error(t, err)
}
