// Package worker consumes attendance events published by the API.
package worker

import (
	"context"

	"github.com/rs/zerolog"

	"slotattend/internal/queue"
)

// Invalidator drops cached views of a slot.
type Invalidator interface {
	Invalidate(ctx context.Context, slotID int64) error
}

// Worker keeps derived views fresh as marks arrive.
type Worker struct {
	q      queue.Queue
	feeds  Invalidator
	logger zerolog.Logger
}

func New(q queue.Queue, feeds Invalidator, logger zerolog.Logger) *Worker {
	return &Worker{q: q, feeds: feeds, logger: logger.With().Str("component", "worker").Logger()}
}

// Run consumes until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return err
	}
	w.logger.Info().Msg("worker started, waiting for messages")
	for msg := range messages {
		w.handle(ctx, msg)
	}
	w.logger.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	switch msg.Type {
	case queue.TypeMarked:
		evt, err := queue.DecodeMarked(msg)
		if err != nil {
			w.logger.Warn().Err(err).Msg("drop malformed event")
			return
		}
		if err := w.feeds.Invalidate(ctx, evt.SlotID); err != nil {
			w.logger.Error().Err(err).Int64("slot_id", evt.SlotID).Msg("invalidate feed")
			return
		}
		w.logger.Debug().Int64("slot_id", evt.SlotID).Int64("record_id", evt.RecordID).Msg("feed invalidated")
	default:
		w.logger.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}
