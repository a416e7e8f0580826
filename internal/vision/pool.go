package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/your-org/presence/internal/models"
)

// ErrPoolClosed is returned by Generate after Close.
var ErrPoolClosed = errors.New("vision worker pool closed")

type generateTask struct {
	ctx    context.Context
	image  []byte
	result chan generateResult
}

type generateResult struct {
	emb *Embedding
	err error
}

// WorkerPool offloads CPU-bound inference from request goroutines. Each worker
// owns one Pipeline, so ONNX sessions are never shared.
type WorkerPool struct {
	backend *Backend
	tag     models.ModelTag
	tasks   chan generateTask
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWorkerPool starts size workers on the resolved backend. With an unavailable
// backend no workers start and Generate reports ModelUnavailable.
func NewWorkerPool(backend *Backend, size int, padding float64) (*WorkerPool, error) {
	p := &WorkerPool{
		backend: backend,
		tasks:   make(chan generateTask),
		quit:    make(chan struct{}),
	}
	if !backend.Available() {
		return p, nil
	}
	if size < 1 {
		size = 1
	}

	pipelines := make([]*Pipeline, 0, size)
	for i := 0; i < size; i++ {
		s, err := backend.newSession()
		if err != nil {
			for _, pl := range pipelines {
				pl.Close()
			}
			return nil, fmt.Errorf("start vision worker %d: %w", i, err)
		}
		pipelines = append(pipelines, NewPipeline(s.detector, s.embedder, padding))
	}
	p.tag = pipelines[0].Tag()

	for i, pl := range pipelines {
		p.wg.Add(1)
		go p.run(i, pl)
	}
	slog.Info("vision worker pool started", "workers", size, "backend", backend.Kind.String(), "model", p.tag.String())
	return p, nil
}

func (p *WorkerPool) run(id int, pl *Pipeline) {
	defer p.wg.Done()
	defer pl.Close()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			if err := t.ctx.Err(); err != nil {
				t.result <- generateResult{err: newError(KindInference, "cancelled while queued: %w", err)}
				continue
			}
			emb, err := pl.Generate(t.ctx, t.image)
			if err != nil && KindOf(err) == KindInference {
				slog.Debug("vision worker inference error", "worker", id, "error", err)
			}
			t.result <- generateResult{emb: emb, err: err}
		}
	}
}

// Tag is the model tag of the loaded embedder, zero when unavailable.
func (p *WorkerPool) Tag() models.ModelTag { return p.tag }

func (p *WorkerPool) Backend() BackendKind { return p.backend.Kind }

// Generate queues imageData for the next free worker and waits for the result or ctx.
func (p *WorkerPool) Generate(ctx context.Context, imageData []byte) (*Embedding, error) {
	if !p.backend.Available() {
		return nil, newError(KindModelUnavailable, "%s", p.backend.Reason)
	}

	t := generateTask{ctx: ctx, image: imageData, result: make(chan generateResult, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return nil, newError(KindInference, "waiting for vision worker: %w", ctx.Err())
	case <-p.quit:
		return nil, ErrPoolClosed
	}

	select {
	case r := <-t.result:
		return r.emb, r.err
	case <-ctx.Done():
		return nil, newError(KindInference, "waiting for inference: %w", ctx.Err())
	}
}

// Close stops workers after their current task and releases sessions.
func (p *WorkerPool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.wg.Wait()
		p.backend.Close()
	})
}
