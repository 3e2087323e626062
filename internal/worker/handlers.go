// Package worker consumes the tasks queued by the approval service: approver
// and requester notifications, cache invalidation and token purging.
package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
	"github.com/pesio-ai/be-approval-workflows/internal/queue"
)

// Notifier delivers notifications. *client.NotificationPublisher satisfies it.
type Notifier interface {
	PublishApprovalRequired(ctx context.Context, requestID, stepName, approverID, tokenID string) error
	PublishRequestUpdate(ctx context.Context, requestID, requesterID, kind, message string) error
}

// Invalidator drops cached reference data. *cache.ReferenceCache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, class, key string) error
}

// Handlers process queue tasks.
type Handlers struct {
	notifier    Notifier
	invalidator Invalidator
	log         zerolog.Logger
}

// NewHandlers builds the task handlers. invalidator may be nil when the cache
// is disabled.
func NewHandlers(notifier Notifier, invalidator Invalidator, log zerolog.Logger) *Handlers {
	return &Handlers{notifier: notifier, invalidator: invalidator, log: log}
}

// Register binds every handler on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeNotifyApprover, h.HandleNotifyApprover)
	mux.HandleFunc(queue.TypeNotifyEmployee, h.HandleNotifyEmployee)
	mux.HandleFunc(queue.TypeInvalidateCache, h.HandleInvalidateCache)
}

func (h *Handlers) HandleNotifyApprover(ctx context.Context, task *asynq.Task) error {
	ev, err := queue.DecodeEvent(task)
	if err != nil {
		return h.done(task, fmt.Errorf("%w: %w", err, asynq.SkipRetry))
	}
	err = h.notifier.PublishApprovalRequired(ctx, ev.RequestID, ev.StepName, ev.UserID, ev.TokenID)
	return h.done(task, err)
}

func (h *Handlers) HandleNotifyEmployee(ctx context.Context, task *asynq.Task) error {
	ev, err := queue.DecodeEvent(task)
	if err != nil {
		return h.done(task, fmt.Errorf("%w: %w", err, asynq.SkipRetry))
	}
	err = h.notifier.PublishRequestUpdate(ctx, ev.RequestID, ev.UserID, ev.EmployeeKind, ev.Message)
	return h.done(task, err)
}

func (h *Handlers) HandleInvalidateCache(ctx context.Context, task *asynq.Task) error {
	ev, err := queue.DecodeEvent(task)
	if err != nil {
		return h.done(task, fmt.Errorf("%w: %w", err, asynq.SkipRetry))
	}
	if h.invalidator == nil {
		return h.done(task, nil)
	}
	return h.done(task, h.invalidator.Invalidate(ctx, ev.CacheClass, ev.CacheKey))
}

func (h *Handlers) done(task *asynq.Task, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
		h.log.Warn().Err(err).Str("task_type", task.Type()).Msg("Task failed")
	}
	metrics.TasksProcessedTotal.WithLabelValues(task.Type(), status).Inc()
	return err
}
