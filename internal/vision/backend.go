package vision

import (
	"fmt"
	"log/slog"
	"sync"
)

type BackendKind int

const (
	BackendUnavailable BackendKind = iota
	BackendPrimary
	BackendFallback
)

func (k BackendKind) String() string {
	switch k {
	case BackendPrimary:
		return "primary"
	case BackendFallback:
		return "fallback"
	default:
		return "unavailable"
	}
}

// DetectorLoader constructs one detector instance. Called once per worker.
type DetectorLoader func() (FaceDetector, error)

// EmbedderLoader constructs one embedder instance. Called once per worker.
type EmbedderLoader func() (FaceEmbedder, error)

// Loaders lists the candidate backends in preference order.
type Loaders struct {
	Primary  DetectorLoader
	Fallback DetectorLoader
	Embedder EmbedderLoader
}

// Backend is the capability resolved at startup. It is never resolved again per call:
// the loaders that succeeded during resolution are the only ones used afterwards.
type Backend struct {
	Kind   BackendKind
	Reason string

	detector DetectorLoader
	embedder EmbedderLoader

	mu      sync.Mutex
	initial *session // instances built while resolving, handed to the first worker
}

// session is one detector/embedder pair owned by a single goroutine.
type session struct {
	detector FaceDetector
	embedder FaceEmbedder
}

func (s *session) close() {
	s.detector.Close()
	s.embedder.Close()
}

// ResolveBackend tries the primary detector, then the fallback. The embedder is
// mandatory: without it the backend is Unavailable and Generate reports
// ModelUnavailable instead of scoring against a different model.
func ResolveBackend(l Loaders) *Backend {
	if l.Embedder == nil {
		return &Backend{Kind: BackendUnavailable, Reason: "no embedder configured"}
	}
	emb, err := l.Embedder()
	if err != nil {
		slog.Warn("embedding model unavailable", "error", err)
		return &Backend{Kind: BackendUnavailable, Reason: fmt.Sprintf("load embedder: %v", err)}
	}

	var reasons []string
	for _, c := range []struct {
		kind   BackendKind
		loader DetectorLoader
	}{
		{BackendPrimary, l.Primary},
		{BackendFallback, l.Fallback},
	} {
		if c.loader == nil {
			continue
		}
		det, err := c.loader()
		if err != nil {
			slog.Warn("face detector unavailable", "backend", c.kind.String(), "error", err)
			reasons = append(reasons, fmt.Sprintf("%s: %v", c.kind, err))
			continue
		}
		slog.Info("vision backend resolved", "backend", c.kind.String(), "detector", det.Name(), "model", emb.Tag().String())
		return &Backend{
			Kind:     c.kind,
			detector: c.loader,
			embedder: l.Embedder,
			initial:  &session{detector: det, embedder: emb},
		}
	}

	emb.Close()
	return &Backend{Kind: BackendUnavailable, Reason: fmt.Sprintf("no face detector: %v", reasons)}
}

// Available reports whether Generate can run at all.
func (b *Backend) Available() bool { return b.Kind != BackendUnavailable }

func (b *Backend) newSession() (*session, error) {
	if !b.Available() {
		return nil, newError(KindModelUnavailable, "%s", b.Reason)
	}

	b.mu.Lock()
	if s := b.initial; s != nil {
		b.initial = nil
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	det, err := b.detector()
	if err != nil {
		return nil, newError(KindModelUnavailable, "load detector: %w", err)
	}
	emb, err := b.embedder()
	if err != nil {
		det.Close()
		return nil, newError(KindModelUnavailable, "load embedder: %w", err)
	}
	return &session{detector: det, embedder: emb}, nil
}

// Close releases startup instances that were never handed to a worker.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initial != nil {
		b.initial.close()
		b.initial = nil
	}
}
