package vision

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can branch without string matching.
type ErrorKind string

const (
	KindDecode            ErrorKind = "decode_error"
	KindNoFace            ErrorKind = "no_face_detected"
	KindModelUnavailable  ErrorKind = "model_unavailable"
	KindDimensionMismatch ErrorKind = "dimension_mismatch"
	KindInference         ErrorKind = "inference_error"
)

// PipelineError is the only error type returned by Generate.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches any PipelineError of the same kind, so the sentinels below work with errors.Is.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrDecode            = &PipelineError{Kind: KindDecode}
	ErrNoFaceDetected    = &PipelineError{Kind: KindNoFace}
	ErrModelUnavailable  = &PipelineError{Kind: KindModelUnavailable}
	ErrDimensionMismatch = &PipelineError{Kind: KindDimensionMismatch}
	ErrInference         = &PipelineError{Kind: KindInference}
)

func newError(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the pipeline error kind of err, or "" if err is not a pipeline error.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
