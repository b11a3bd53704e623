// Package reaper settles object deletions for transfers that left the
// active state. The caller's HTTP response never waits on it, but its
// outcome decides the record's final terminal status: a delete that fails
// demotes the record from expired/deleted to removed, recording the
// store/object divergence for later audit.
package reaper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/droppointhq/droppoint/internal/model"
	"github.com/droppointhq/droppoint/internal/queue"
)

// StatusWriter is the slice of the repository the reaper needs.
type StatusWriter interface {
	SetStatusFrom(ctx context.Context, recordKey string, from, to model.Status) (bool, error)
}

// ObjectDeleter is the slice of the object-store gateway the reaper needs.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, objectKey string) error
}

// Settle deletes the object and, when that fails, rewrites the record's
// terminal status to removed. A delete failure is not propagated: the
// record side stays consistent and the divergence is recorded.
func Settle(ctx context.Context, repo StatusWriter, store ObjectDeleter, payload queue.ReapPayload) error {
	if err := store.DeleteObject(ctx, payload.ObjectKey); err != nil {
		log.Printf("reap: delete object failed for %s: %v", payload.RecordKey, err)
		changed, werr := repo.SetStatusFrom(ctx, payload.RecordKey, payload.PriorStatus, model.StatusRemoved)
		if werr != nil {
			return fmt.Errorf("demote to removed: %w", werr)
		}
		if !changed {
			log.Printf("reap: record %s no longer in %s, leaving status as is", payload.RecordKey, payload.PriorStatus)
		}
		return nil
	}
	return nil
}

// Processor plugs Settle into the asynq worker loop.
type Processor struct {
	repo  StatusWriter
	store ObjectDeleter
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo StatusWriter, store ObjectDeleter) *Processor {
	return &Processor{repo: repo, store: store}
}

// Handler registers the reap job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ReapObjectTask, p.handleReap)
	return mux
}

func (p *Processor) handleReap(ctx context.Context, task *asynq.Task) error {
	var payload queue.ReapPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return Settle(ctx, p.repo, p.store, payload)
}
