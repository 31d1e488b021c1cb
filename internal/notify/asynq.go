package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
)

const (
	TaskTypeDeliveryEvent = "delivery:event"
	EventQueue            = "events"
)

// Enqueuer is the part of *asynq.Client used by AsynqSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink publishes events as asynq tasks for out-of-band consumers.
type AsynqSink struct {
	client Enqueuer
}

func NewAsynqSink(client Enqueuer) *AsynqSink {
	return &AsynqSink{client: client}
}

func NewDeliveryEventTask(ev models.DeliveryEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDeliveryEvent, payload, asynq.Queue(EventQueue), asynq.MaxRetry(5)), nil
}

func (s *AsynqSink) Emit(ctx context.Context, ev models.DeliveryEvent) {
	task, err := NewDeliveryEventTask(ev)
	if err != nil {
		slog.Error("encoding delivery event", "post_id", ev.PostID, "error", err)
		return
	}
	if _, err := s.client.EnqueueContext(ctx, task); err != nil {
		slog.Error("enqueueing delivery event", "post_id", ev.PostID, "platform", ev.PlatformSlug, "error", err)
	}
}

// Handler consumes delivery:event tasks and records them through a LogSink.
type Handler struct {
	sink *LogSink
}

func NewHandler(sink *LogSink) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeDeliveryEvent, h.HandleDeliveryEvent)
}

func (h *Handler) HandleDeliveryEvent(ctx context.Context, task *asynq.Task) error {
	var ev models.DeliveryEvent
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return fmt.Errorf("decoding delivery event: %v: %w", err, asynq.SkipRetry)
	}
	return h.sink.record(ctx, ev)
}
