package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyWorkerID contextKey = "worker_id"
)

// WithWorkerID tags the context with the worker executing a stage.
func WithWorkerID(ctx context.Context, workerID int) context.Context {
	return context.WithValue(ctx, ContextKeyWorkerID, workerID)
}

// WorkerIDFromContext returns the worker id, or 0 outside a worker.
func WorkerIDFromContext(ctx context.Context) int {
	if id, ok := ctx.Value(ContextKeyWorkerID).(int); ok {
		return id
	}
	return 0
}
