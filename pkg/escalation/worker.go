package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/civisign/petitiond/pkg/contracts"
	"github.com/civisign/petitiond/pkg/store"
)

// EventSink receives escalation events drained from the outbox. Delivery is
// at-least-once; sinks must tolerate redelivery of the same EventID.
type EventSink interface {
	Deliver(ctx context.Context, evt *contracts.EscalationEvent) error
}

// LogSink writes events to the structured log. It is the default sink when
// no downstream consumer is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, evt *contracts.EscalationEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("escalation event",
		"event_id", evt.EventID,
		"escalation_id", evt.EscalationID,
		"petition_id", evt.PetitionID,
		"trigger", string(evt.Trigger),
		"count", evt.Count)
	return nil
}

// OutboxWorker polls the outbox and pushes pending events to the sink.
type OutboxWorker struct {
	outbox   store.OutboxStore
	sink     EventSink
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewOutboxWorker(outbox store.OutboxStore, sink EventSink, interval time.Duration, logger *slog.Logger) *OutboxWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWorker{outbox: outbox, sink: sink, interval: interval, batch: 100, logger: logger}
}

// Run drains the outbox until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				w.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce delivers one batch of pending events. An event is marked
// delivered only after the sink accepts it; a sink failure leaves it pending
// for the next pass.
func (w *OutboxWorker) DrainOnce(ctx context.Context) error {
	events, err := w.outbox.PendingEvents(ctx, w.batch)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := w.sink.Deliver(ctx, evt); err != nil {
			w.logger.Error("event delivery failed", "event_id", evt.EventID, "error", err)
			continue
		}
		if err := w.outbox.MarkDelivered(ctx, evt.EventID); err != nil {
			return err
		}
	}
	return nil
}
