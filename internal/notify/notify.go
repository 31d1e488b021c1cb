// Package notify delivers DeliveryEvents to interested parties. Emitting is
// fire-and-forget: a failing sink never affects the pipeline.
package notify

import (
	"context"
	"log/slog"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type Sink interface {
	Emit(ctx context.Context, ev models.DeliveryEvent)
}

// LogSink logs events and, when an event repository is set, stores them.
type LogSink struct {
	events  repository.DeliveryEventRepository
	metrics *metrics.Pipeline
}

func NewLogSink(events repository.DeliveryEventRepository, m *metrics.Pipeline) *LogSink {
	return &LogSink{events: events, metrics: m}
}

func (s *LogSink) Emit(ctx context.Context, ev models.DeliveryEvent) {
	if err := s.record(ctx, ev); err != nil {
		slog.Error("recording delivery event", "post_id", ev.PostID, "platform", ev.PlatformSlug, "error", err)
	}
}

func (s *LogSink) record(ctx context.Context, ev models.DeliveryEvent) error {
	s.metrics.ObserveEvent(ev.Status)

	attrs := []any{"post_id", ev.PostID, "status", ev.Status}
	if ev.PlatformSlug != "" {
		attrs = append(attrs, "platform", ev.PlatformSlug)
	}
	if ev.ErrorCode != "" {
		attrs = append(attrs, "error_code", ev.ErrorCode, "error", ev.Error)
	}
	slog.Info("delivery event", attrs...)

	if s.events == nil {
		return nil
	}
	_, err := s.events.Create(ctx, &ev)
	return err
}
