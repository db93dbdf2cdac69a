package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull  = errors.New("ingestion queue full")
	ErrPoolClosed = errors.New("ingestion pool closed")
)

// Job is one queued submission with its completion channel.
type Job struct {
	Doc  Document
	Done chan JobResult
}

// JobResult pairs the outcome with the processing error, if any.
type JobResult struct {
	Result Result
	Err    error
}

// Pool runs a fixed number of ingestion workers over a bounded queue.
// Documents are processed as their worker picks them up; a full queue
// rejects instead of blocking the producer.
type Pool struct {
	service *Service
	queue   chan Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines consuming from a queue of queueSize.
func NewPool(service *Service, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		service: service,
		queue:   make(chan Job, queueSize),
		cancel:  cancel,
		logger:  slog.Default().With("component", "ingest.pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Submit enqueues a document. The returned channel receives exactly one
// JobResult. ErrQueueFull when the queue is at capacity, ErrPoolClosed
// after Shutdown.
func (p *Pool) Submit(doc Document) (<-chan JobResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	done := make(chan JobResult, 1)
	select {
	case p.queue <- Job{Doc: doc, Done: done}:
		return done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Process enqueues and waits for completion.
func (p *Pool) Process(ctx context.Context, doc Document) (Result, error) {
	done, err := p.Submit(doc)
	if err != nil {
		return Result{}, err
	}
	select {
	case jr := <-done:
		return jr.Result, jr.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Shutdown stops accepting work, cancels in-flight documents, and waits for
// the workers to drain. Concurrent Submits observe ErrPoolClosed; repeated
// calls are no-ops.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		if ctx.Err() != nil {
			job.Done <- JobResult{Err: ctx.Err()}
			continue
		}
		res, err := p.service.Ingest(ctx, job.Doc)
		if err != nil {
			p.logger.WarnContext(ctx, "ingest failed", "source", job.Doc.SourceRID, "error", err)
		}
		job.Done <- JobResult{Result: res, Err: err}
	}
}
