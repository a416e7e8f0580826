package vision

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
)

// Embedding is the pipeline output: a unit vector tagged with the model that produced it.
type Embedding struct {
	Vector   []float32
	Tag      models.ModelTag
	Face     Detection
	Detector string
}

// Pipeline runs decode → detect → select → crop → resize → embed → normalize.
// It has no side effects. A Pipeline owns its detector and embedder sessions and
// must not be used from more than one goroutine at a time; see WorkerPool.
type Pipeline struct {
	detector FaceDetector
	embedder FaceEmbedder
	padding  float64
}

func NewPipeline(detector FaceDetector, embedder FaceEmbedder, padding float64) *Pipeline {
	return &Pipeline{detector: detector, embedder: embedder, padding: padding}
}

func (p *Pipeline) Tag() models.ModelTag { return p.embedder.Tag() }

// Generate produces a normalized embedding for the dominant face in imageData.
// Every failure is a *PipelineError.
func (p *Pipeline) Generate(ctx context.Context, imageData []byte) (*Embedding, error) {
	start := time.Now()
	img, err := decodeImage(imageData)
	if err != nil {
		return nil, err
	}
	observability.InferenceDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		return nil, newError(KindInference, "cancelled before detection: %w", err)
	}

	start = time.Now()
	dets, err := p.detector.Detect(img)
	if err != nil {
		return nil, newError(KindInference, "detect: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	face, ok := selectFace(dets)
	if !ok || face.Area() <= 0 {
		return nil, newError(KindNoFace, "no face found by %s", p.detector.Name())
	}

	crop := cropFace(img, face.BBox, p.padding)
	if crop == nil {
		return nil, newError(KindNoFace, "face box %v outside image", face.BBox)
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(KindInference, "cancelled before embedding: %w", err)
	}

	start = time.Now()
	w, h := p.embedder.InputSize()
	input := imageToFloat32CHW(resizeImage(crop, w, h),
		[3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})

	raw, err := p.embedder.Extract(input)
	if err != nil {
		return nil, newError(KindInference, "embed: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	tag := p.embedder.Tag()
	if len(raw) != tag.Dim {
		return nil, newError(KindDimensionMismatch, "model %s produced %d values", tag, len(raw))
	}
	if Normalize(raw) == 0 {
		return nil, newError(KindInference, "model %s produced a zero vector", tag)
	}

	return &Embedding{
		Vector:   raw,
		Tag:      tag,
		Face:     face,
		Detector: p.detector.Name(),
	}, nil
}

func (p *Pipeline) Close() {
	p.detector.Close()
	p.embedder.Close()
}

func decodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, newError(KindDecode, "empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindDecode, "decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, newError(KindDecode, "image has zero size")
	}
	return img, nil
}
