package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

// AddToOutbox queues an alert event for the dispatcher.
func (d *Database) AddToOutbox(ctx context.Context, event models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = d.querier(ctx).ExecContext(ctx,
		"INSERT INTO outbox (id, camera_id, payload, created_at) VALUES ($1, $2, $3, $4)",
		uuid.NewString(),
		event.CameraID,
		payload,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// GetPendingOutboxMessages returns unprocessed messages, oldest first.
func (d *Database) GetPendingOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT id, camera_id, payload, created_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.OutboxMessage
	for rows.Next() {
		var (
			m       models.OutboxMessage
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.CameraID, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &m.Event); err != nil {
			return nil, fmt.Errorf("outbox message %s: %w", m.ID, err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (d *Database) MarkOutboxMessageAsProcessed(ctx context.Context, id string) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE outbox SET processed_at = $1 WHERE id = $2",
		time.Now().UTC(),
		id,
	)
	return err
}
