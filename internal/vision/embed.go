package vision

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/presence/internal/models"
)

// FaceEmbedder turns a preprocessed face crop into a raw (unnormalized) vector.
type FaceEmbedder interface {
	// InputSize is the crop size the model expects.
	InputSize() (w, h int)
	// Extract runs inference on CHW input of InputSize.
	Extract(input []float32) ([]float32, error)
	Tag() models.ModelTag
	Close()
}

const (
	arcFaceModelName = "arcface-w600k_r50"
	arcFaceDim       = 512
)

// ArcFaceTag is the tag vectors from NewArcFaceEmbedder carry. It is known
// before the model loads, so the cache can be keyed even when inference is unavailable.
func ArcFaceTag(version string) models.ModelTag {
	return models.ModelTag{Name: arcFaceModelName, Version: version, Dim: arcFaceDim}
}

// ArcFaceEmbedder extracts face embeddings using the ArcFace ONNX model.
type ArcFaceEmbedder struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	tag          models.ModelTag
}

// NewArcFaceEmbedder loads w600k_r50; version is recorded in the model tag of every vector.
func NewArcFaceEmbedder(modelPath, version string, opts *ort.SessionOptions) (*ArcFaceEmbedder, error) {
	inputW, inputH := 112, 112

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputH), int64(inputW)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, arcFaceDim))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		[]string{"683"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &ArcFaceEmbedder{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		tag:          ArcFaceTag(version),
	}, nil
}

func (e *ArcFaceEmbedder) InputSize() (int, int) { return e.inputW, e.inputH }

func (e *ArcFaceEmbedder) Tag() models.ModelTag { return e.tag }

func (e *ArcFaceEmbedder) Extract(input []float32) ([]float32, error) {
	copy(e.inputTensor.GetData(), input)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	out := e.outputTensor.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

func (e *ArcFaceEmbedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}
