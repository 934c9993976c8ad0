package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

// SaveFrameResult stores one pipeline result and its gap reports atomically.
func (d *Database) SaveFrameResult(ctx context.Context, result *models.PipelineResult) error {
	return d.cameraWrite(ctx, "save frame result", result.CameraID, func(ctx context.Context) error {
		var (
			queueLength sql.NullFloat64
			queueAlert  sql.NullBool
		)
		if qs := result.QueueStatus; qs != nil {
			queueLength = sql.NullFloat64{Float64: qs.QueueLength, Valid: true}
			queueAlert = sql.NullBool{Bool: qs.Alert, Valid: true}
		}

		_, err := d.querier(ctx).ExecContext(ctx, `
			INSERT INTO frame_results
				(frame_id, camera_id, frame_time, detections, total_gaps, queue_length, queue_alert, heatmap_updated, errors)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (frame_id) DO NOTHING`,
			result.FrameID,
			result.CameraID,
			result.Timestamp.Time(),
			result.Detections,
			result.TotalGaps,
			queueLength,
			queueAlert,
			result.HeatmapUpdated,
			len(result.Errors),
		)
		if err != nil {
			return fmt.Errorf("insert frame result: %w", err)
		}

		for _, gap := range result.Gaps {
			_, err := d.querier(ctx).ExecContext(ctx, `
				INSERT INTO gap_reports (frame_id, shelf_id, confidence, x, y)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (frame_id, shelf_id) DO NOTHING`,
				result.FrameID,
				gap.ShelfID,
				gap.Confidence,
				gap.Position[0],
				gap.Position[1],
			)
			if err != nil {
				return fmt.Errorf("insert gap report %s: %w", gap.ShelfID, err)
			}
		}
		return nil
	})
}

// SaveAlertTransition records a NORMAL <-> ALERTING flip and queues it in
// the outbox for publishing, in one transaction.
func (d *Database) SaveAlertTransition(ctx context.Context, event models.AlertEvent) error {
	return d.cameraWrite(ctx, "save alert transition", event.CameraID, func(ctx context.Context) error {
		_, err := d.querier(ctx).ExecContext(ctx, `
			INSERT INTO queue_alerts (id, camera_id, alert, queue_length, confidence, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(),
			event.CameraID,
			event.Alert,
			event.QueueLength,
			event.Confidence,
			event.Timestamp.Time(),
		)
		if err != nil {
			return fmt.Errorf("insert queue alert: %w", err)
		}

		return d.AddToOutbox(ctx, event)
	})
}

// ListAlertTransitions returns the newest transitions for cameraID first.
func (d *Database) ListAlertTransitions(ctx context.Context, cameraID string, limit int) ([]models.AlertEvent, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT camera_id, alert, queue_length, confidence, changed_at
		FROM queue_alerts
		WHERE camera_id = $1
		ORDER BY changed_at DESC
		LIMIT $2`,
		cameraID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.AlertEvent{}
	for rows.Next() {
		var (
			e  models.AlertEvent
			at sql.NullTime
		)
		if err := rows.Scan(&e.CameraID, &e.Alert, &e.QueueLength, &e.Confidence, &at); err != nil {
			return nil, err
		}
		e.Timestamp = models.NewTimestamp(at.Time)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveHeatmapExport indexes an export uploaded under objectKey.
func (d *Database) SaveHeatmapExport(ctx context.Context, snap *models.HeatmapSnapshot, objectKey string, reset bool) error {
	_, err := d.querier(ctx).ExecContext(ctx, `
		INSERT INTO heatmap_exports (export_id, camera_id, object_key, total_footfall, session_started, exported_at, reset)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ExportID,
		snap.CameraID,
		objectKey,
		int64(snap.TotalFootfall),
		snap.SessionStarted.Time(),
		snap.ExportedAt.Time(),
		reset,
	)
	if err != nil {
		return fmt.Errorf("insert heatmap export: %w", err)
	}
	return nil
}
