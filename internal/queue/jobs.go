// Package queue defines the reap task the engine enqueues whenever a
// transfer leaves the active state and its backing object must go.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/droppointhq/droppoint/internal/model"
)

const (
	// ReapObjectTask is scheduled each time a transfer is settled and its
	// object should be deleted from the blob store.
	ReapObjectTask = "transfer:reap"
)

// ReapPayload tells the reaper which object to delete and which record to
// demote to removed if the delete fails. PriorStatus is the terminal
// status the engine already persisted (expired or deleted).
type ReapPayload struct {
	RecordKey   string       `json:"record_key"`
	ObjectKey   string       `json:"object_key"`
	PriorStatus model.Status `json:"prior_status"`
}

// Client enqueues reap tasks onto Redis via asynq.
type Client struct {
	inner *asynq.Client
}

// NewClient wraps an asynq client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// ScheduleReap enqueues an object deletion. The task carries no retry
// budget: a failed delete settles the record as removed instead.
func (c *Client) ScheduleReap(ctx context.Context, payload ReapPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ReapObjectTask, data)
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue reap task: %w", err)
	}
	return nil
}
