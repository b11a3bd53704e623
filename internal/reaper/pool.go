package reaper

import (
	"context"
	"log"

	"github.com/droppointhq/droppoint/internal/queue"
)

// Pool is the in-process alternative to the asynq queue, used when no
// Redis is configured. Worker goroutines drain a buffered channel so the
// enqueue in the request path never blocks.
type Pool struct {
	repo    StatusWriter
	store   ObjectDeleter
	jobs    chan queue.ReapPayload
	workers int
}

// NewPool builds a Pool with queue capacity tied to worker count.
func NewPool(repo StatusWriter, store ObjectDeleter, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		repo:    repo,
		store:   store,
		jobs:    make(chan queue.ReapPayload, workers*8),
		workers: workers,
	}
}

// Start launches the worker goroutines; they exit when ctx closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

// ScheduleReap hands the payload to a worker. When the buffer is full the
// deletion runs inline instead of being dropped: losing a reap would leave
// an orphaned object with no record of the divergence.
func (p *Pool) ScheduleReap(ctx context.Context, payload queue.ReapPayload) error {
	select {
	case p.jobs <- payload:
		return nil
	default:
		log.Printf("reap pool full, settling %s inline", payload.RecordKey)
		return Settle(ctx, p.repo, p.store, payload)
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.jobs:
			if err := Settle(ctx, p.repo, p.store, payload); err != nil {
				log.Printf("reap settle failed for %s: %v", payload.RecordKey, err)
			}
		}
	}
}
