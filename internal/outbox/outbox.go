// Package outbox publishes queue alert transitions that were committed to
// the database together with the transition itself.
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

const batchSize = 50

type Store interface {
	GetPendingOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxMessageAsProcessed(ctx context.Context, id string) error
}

type Sender interface {
	SendAlert(event models.AlertEvent) error
}

type Dispatcher struct {
	store    Store
	sender   Sender
	interval time.Duration
	log      zerolog.Logger
}

func NewDispatcher(store Store, sender Sender, interval time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sender:   sender,
		interval: interval,
		log:      log.With().Str("component", "outbox").Logger(),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}

// Dispatch sends one batch of pending messages and returns how many were
// delivered. Sending stops at the first failure so per-camera order holds.
func (d *Dispatcher) Dispatch(ctx context.Context) int {
	messages, err := d.store.GetPendingOutboxMessages(ctx, batchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("fetch outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if err := d.sender.SendAlert(msg.Event); err != nil {
			d.log.Error().Err(err).Str("camera_id", msg.CameraID).Str("id", msg.ID).Msg("send alert")
			return sent
		}

		// At-least-once: a failed mark means the message is sent again.
		if err := d.store.MarkOutboxMessageAsProcessed(ctx, msg.ID); err != nil {
			d.log.Error().Err(err).Str("id", msg.ID).Msg("mark outbox message")
			return sent
		}
		sent++
	}
	return sent
}
