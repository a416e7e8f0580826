// Package loader resolves the ONNX and OpenCV face models into a vision worker pool.
package loader

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/vision"
	"github.com/your-org/presence/internal/vision/cascade"
)

const (
	detectorModel = "det_10g.onnx"
	embedderModel = "w600k_r50.onnx"
)

// onnxLibPath returns the ONNX Runtime shared library path
// based on the operating system.
func onnxLibPath(override string) string {
	if override != "" {
		return override
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}

// visionLoaders builds the candidate backends. Without ONNX Runtime the
// embedder cannot load, so the backend resolves to unavailable.
func visionLoaders(cfg config.VisionConfig, ortErr error) vision.Loaders {
	l := vision.Loaders{
		Fallback: func() (vision.FaceDetector, error) {
			d, err := cascade.New(cfg.CascadePath)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
	}
	if ortErr != nil {
		l.Embedder = func() (vision.FaceEmbedder, error) {
			return nil, fmt.Errorf("onnx runtime: %w", ortErr)
		}
		return l
	}

	l.Primary = func() (vision.FaceDetector, error) {
		d, err := vision.NewRetinaFaceDetector(filepath.Join(cfg.ModelsDir, detectorModel), float32(cfg.DetectionThreshold), nil)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	l.Embedder = func() (vision.FaceEmbedder, error) {
		e, err := vision.NewArcFaceEmbedder(filepath.Join(cfg.ModelsDir, embedderModel), cfg.ModelVersion, nil)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return l
}

// NewVision initializes ONNX Runtime, resolves the detector backend once and
// starts the inference worker pool. An unavailable backend is not an error: the
// pool then answers every Generate with ModelUnavailable.
func NewVision(cfg config.VisionConfig) (*vision.WorkerPool, func(), error) {
	ort.SetSharedLibraryPath(onnxLibPath(cfg.ONNXLibrary))
	ortErr := ort.InitializeEnvironment()
	if ortErr != nil {
		slog.Warn("onnx runtime init failed, face embedding unavailable", "error", ortErr)
	}

	backend := vision.ResolveBackend(visionLoaders(cfg, ortErr))
	pool, err := vision.NewWorkerPool(backend, cfg.WorkerCount, cfg.CropPadding)
	if err != nil {
		if ortErr == nil {
			_ = ort.DestroyEnvironment()
		}
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		if ortErr == nil {
			if err := ort.DestroyEnvironment(); err != nil {
				slog.Warn("destroy onnx runtime", "error", err)
			}
		}
	}
	return pool, cleanup, nil
}
