// Package queue hands workflow events to asynq so notification delivery and
// cache invalidation happen outside the request transaction.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// Task types, one per event kind.
const (
	TypeNotifyApprover  = "approvals:notify_approver"
	TypeNotifyEmployee  = "approvals:notify_employee"
	TypeInvalidateCache = "approvals:invalidate_cache"
)

// Queue names and their worker priority.
const (
	QueueNotifications = "notifications"
	QueueMaintenance   = "maintenance"
)

// Queues is the priority map the worker server consumes.
var Queues = map[string]int{
	QueueNotifications: 6,
	QueueMaintenance:   3,
}

// TaskType maps an event kind to its task type.
func TaskType(kind service.EventKind) (string, error) {
	switch kind {
	case service.EventNotifyApprover:
		return TypeNotifyApprover, nil
	case service.EventNotifyEmployee:
		return TypeNotifyEmployee, nil
	case service.EventInvalidateCache:
		return TypeInvalidateCache, nil
	}
	return "", fmt.Errorf("unknown event kind %q", kind)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Options tune enqueued tasks.
type Options struct {
	MaxRetry int
	Timeout  time.Duration
	// Retention keeps completed tasks so a replayed event id is still
	// rejected as a duplicate.
	Retention time.Duration
}

// Dispatcher implements service.EventDispatcher. Event ids become task ids,
// so dispatching the same event twice enqueues it once.
type Dispatcher struct {
	client Enqueuer
	opts   Options
	log    zerolog.Logger
}

// NewDispatcher returns a dispatcher over client.
func NewDispatcher(client Enqueuer, opts Options, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, opts: opts, log: log}
}

// NewClient opens an asynq client on the given Redis.
func NewClient(addr, password string, db int) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: addr, Password: password, DB: db})
}

var _ service.EventDispatcher = (*Dispatcher)(nil)

// Dispatch enqueues every event and returns the joined failures. Later events
// are still attempted when an earlier one fails.
func (d *Dispatcher) Dispatch(ctx context.Context, events []service.Event) error {
	var errs []error
	for _, ev := range events {
		if err := d.enqueue(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) enqueue(ctx context.Context, ev service.Event) error {
	typ, err := TaskType(ev.Kind)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	queue := QueueNotifications
	if ev.Kind == service.EventInvalidateCache {
		queue = QueueMaintenance
	}
	opts := []asynq.Option{
		asynq.TaskID(ev.ID),
		asynq.Queue(queue),
		asynq.MaxRetry(d.opts.MaxRetry),
	}
	if d.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(d.opts.Timeout))
	}
	if d.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(d.opts.Retention))
	}

	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(typ, payload), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		d.log.Debug().Str("event_id", ev.ID).Msg("Event already queued")
		return nil
	case err != nil:
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	d.log.Debug().Str("event_id", ev.ID).Str("task_type", typ).Str("queue", info.Queue).Msg("Event queued")
	return nil
}

// DecodeEvent reads the payload written by Dispatch.
func DecodeEvent(task *asynq.Task) (service.Event, error) {
	var ev service.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return ev, fmt.Errorf("decode %s payload: %w", task.Type(), err)
	}
	return ev, nil
}
