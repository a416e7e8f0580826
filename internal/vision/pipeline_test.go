package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/models"
)

type fakeDetector struct {
	dets   []Detection
	err    error
	closed bool
	seen   []image.Rectangle
	mu     sync.Mutex
}

func (f *fakeDetector) Detect(img image.Image) ([]Detection, error) {
	f.mu.Lock()
	f.seen = append(f.seen, img.Bounds())
	f.mu.Unlock()
	out := make([]Detection, len(f.dets))
	copy(out, f.dets)
	return out, f.err
}

func (f *fakeDetector) Name() string { return "fake" }
func (f *fakeDetector) Close()       { f.closed = true }

// fakeEmbedder derives a deterministic vector from the preprocessed pixels.
type fakeEmbedder struct {
	dim     int
	outDim  int
	lastIn  []float32
	closed  bool
	version string
}

func (f *fakeEmbedder) InputSize() (int, int) { return 16, 16 }

func (f *fakeEmbedder) Extract(input []float32) ([]float32, error) {
	f.lastIn = input
	n := f.dim
	if f.outDim != 0 {
		n = f.outDim
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = input[(i*7)%len(input)]*3 + float32(i%5)*0.1 + 0.01
	}
	return v, nil
}

func (f *fakeEmbedder) Tag() models.ModelTag {
	return models.ModelTag{Name: "fake", Version: f.version, Dim: f.dim}
}

func (f *fakeEmbedder) Close() { f.closed = true }

func testImage(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x*5) + seed, G: uint8(y*3) ^ seed, B: uint8(x+y) + seed*2, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestGenerate_ProducesUnitVector(t *testing.T) {
	det := &fakeDetector{dets: []Detection{{BBox: [4]float32{10, 10, 40, 50}, Confidence: 0.9}}}
	emb := &fakeEmbedder{dim: 32, version: "1"}
	p := NewPipeline(det, emb, 0.4)

	for seed := uint8(0); seed < 5; seed++ {
		out, err := p.Generate(context.Background(), testImage(t, 64, 64, seed*17))
		require.NoError(t, err)
		assert.Len(t, out.Vector, 32)
		assert.InDelta(t, 1.0, norm(out.Vector), 1e-4)
		assert.Equal(t, models.ModelTag{Name: "fake", Version: "1", Dim: 32}, out.Tag)
		assert.Equal(t, "fake", out.Detector)
	}
	assert.Len(t, emb.lastIn, 3*16*16)
}

func TestGenerate_Deterministic(t *testing.T) {
	det := &fakeDetector{dets: []Detection{{BBox: [4]float32{8, 8, 40, 40}, Confidence: 0.9}}}
	p := NewPipeline(det, &fakeEmbedder{dim: 16}, 0.5)
	img := testImage(t, 64, 64, 3)

	a, err := p.Generate(context.Background(), img)
	require.NoError(t, err)
	b, err := p.Generate(context.Background(), img)
	require.NoError(t, err)

	require.Len(t, b.Vector, len(a.Vector))
	assert.InDelta(t, 1.0, dot(a.Vector, b.Vector), 1e-6)
}

func TestGenerate_DecodeError(t *testing.T) {
	p := NewPipeline(&fakeDetector{}, &fakeEmbedder{dim: 8}, 0.4)

	_, err := p.Generate(context.Background(), []byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.Equal(t, KindDecode, KindOf(err))

	_, err = p.Generate(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestGenerate_NoFace(t *testing.T) {
	p := NewPipeline(&fakeDetector{}, &fakeEmbedder{dim: 8}, 0.4)

	_, err := p.Generate(context.Background(), testImage(t, 32, 32, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFaceDetected))
	assert.False(t, errors.Is(err, ErrDecode))
}

func TestGenerate_DetectorFailureIsInferenceError(t *testing.T) {
	p := NewPipeline(&fakeDetector{err: errors.New("boom")}, &fakeEmbedder{dim: 8}, 0.4)

	_, err := p.Generate(context.Background(), testImage(t, 32, 32, 1))
	assert.True(t, errors.Is(err, ErrInference))
}

func TestGenerate_SelectsLargestFace(t *testing.T) {
	small := Detection{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.99}
	large := Detection{BBox: [4]float32{20, 20, 50, 60}, Confidence: 0.6}
	det := &fakeDetector{dets: []Detection{small, large}}
	p := NewPipeline(det, &fakeEmbedder{dim: 8}, 0.4)

	out, err := p.Generate(context.Background(), testImage(t, 64, 64, 2))
	require.NoError(t, err)
	assert.Equal(t, large.BBox, out.Face.BBox)
}

func TestGenerate_DimensionMismatch(t *testing.T) {
	det := &fakeDetector{dets: []Detection{{BBox: [4]float32{0, 0, 20, 20}, Confidence: 1}}}
	p := NewPipeline(det, &fakeEmbedder{dim: 8, outDim: 12}, 0.4)

	_, err := p.Generate(context.Background(), testImage(t, 32, 32, 1))
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestGenerate_CancelledContext(t *testing.T) {
	det := &fakeDetector{dets: []Detection{{BBox: [4]float32{0, 0, 20, 20}, Confidence: 1}}}
	p := NewPipeline(det, &fakeEmbedder{dim: 8}, 0.4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, testImage(t, 32, 32, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSelectFace_TieBreak(t *testing.T) {
	a := Detection{BBox: [4]float32{10, 10, 20, 20}, Confidence: 0.8}
	b := Detection{BBox: [4]float32{30, 5, 40, 15}, Confidence: 0.8}
	c := Detection{BBox: [4]float32{50, 50, 60, 60}, Confidence: 0.9}

	got, ok := selectFace([]Detection{a, b})
	require.True(t, ok)
	assert.Equal(t, b, got, "same area and confidence: top-most wins")

	got, _ = selectFace([]Detection{a, b, c})
	assert.Equal(t, c, got, "same area: higher confidence wins")

	_, ok = selectFace(nil)
	assert.False(t, ok)
}

func TestPaddedRect(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 100)

	r := paddedRect([4]float32{40, 40, 60, 60}, 0.5, bounds)
	assert.Equal(t, image.Rect(30, 30, 70, 70), r)

	r = paddedRect([4]float32{0, 0, 20, 20}, 0.5, bounds)
	assert.Equal(t, image.Rect(0, 0, 30, 30), r, "clamped to image")
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	assert.InDelta(t, 5.0, n, 1e-9)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Zero(t, Normalize(zero))
}

func TestNMS(t *testing.T) {
	dets := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.7},
		{BBox: [4]float32{1, 1, 11, 11}, Confidence: 0.9},
		{BBox: [4]float32{50, 50, 60, 60}, Confidence: 0.8},
	}
	out := nms(dets, 0.4)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.9, out[0].Confidence, 1e-6)
	assert.InDelta(t, 0.8, out[1].Confidence, 1e-6)
}
