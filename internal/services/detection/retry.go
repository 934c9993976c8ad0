package detection

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

type detector interface {
	Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error)
}

// Retrying re-runs detection while the model server is unavailable. It sits
// below the pipeline, so a retried frame keeps its place in the camera's
// commit order and no analytics state is touched between attempts.
type Retrying struct {
	next     detector
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

func WithRetries(next detector, attempts int, backoff time.Duration, log zerolog.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 1
	}
	return &Retrying{
		next:     next,
		attempts: attempts,
		backoff:  backoff,
		log:      log.With().Str("component", "detector-retry").Logger(),
	}
}

// Detect returns the first successful attempt. Errors other than
// models.ErrModelUnavailable are returned at once.
func (r *Retrying) Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	for attempt := 1; ; attempt++ {
		detections, err := r.next.Detect(ctx, frame)
		if err == nil || !errors.Is(err, models.ErrModelUnavailable) || attempt == r.attempts {
			return detections, err
		}

		r.log.Warn().
			Err(err).
			Str("camera_id", frame.CameraID).
			Int("attempt", attempt).
			Msg("model unavailable, retrying")

		select {
		case <-ctx.Done():
			return nil, &models.InferenceError{CameraID: frame.CameraID, Timestamp: frame.Timestamp, Err: ctx.Err()}
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
}
