package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

// CriticalGapConfidence is the gap confidence from which a gap counts as
// critical in summaries.
const CriticalGapConfidence = 0.8

// Summary aggregates frame results, gaps and alerts for cameraID within
// [from, to).
func (d *Database) Summary(ctx context.Context, cameraID string, from, to time.Time) (*models.Summary, error) {
	s := &models.Summary{
		CameraID: cameraID,
		From:     models.NewTimestamp(from),
		To:       models.NewTimestamp(to),
	}

	var avgQueue, maxQueue sql.NullFloat64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_gaps), 0), AVG(queue_length), MAX(queue_length),
			COUNT(*) FILTER (WHERE errors > 0)
		FROM frame_results
		WHERE camera_id = $1 AND frame_time >= $2 AND frame_time < $3`,
		cameraID, from, to,
	).Scan(&s.Frames, &s.TotalShelfGaps, &avgQueue, &maxQueue, &s.FramesWithError)
	if err != nil {
		return nil, fmt.Errorf("aggregate frame results: %w", err)
	}
	s.AvgQueueLength = avgQueue.Float64
	s.MaxQueueLength = maxQueue.Float64

	err = d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM gap_reports g
		JOIN frame_results f ON f.frame_id = g.frame_id
		WHERE f.camera_id = $1 AND f.frame_time >= $2 AND f.frame_time < $3 AND g.confidence >= $4`,
		cameraID, from, to, CriticalGapConfidence,
	).Scan(&s.CriticalGaps)
	if err != nil {
		return nil, fmt.Errorf("count critical gaps: %w", err)
	}

	err = d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM queue_alerts
		WHERE camera_id = $1 AND alert AND changed_at >= $2 AND changed_at < $3`,
		cameraID, from, to,
	).Scan(&s.AlertsRaised)
	if err != nil {
		return nil, fmt.Errorf("count queue alerts: %w", err)
	}

	return s, nil
}
