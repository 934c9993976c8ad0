// Package rollover closes every camera's heatmap session once a day at a
// fixed UTC wall-clock time.
package rollover

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const checkInterval = 30 * time.Second

type Exporter interface {
	ExportAll(ctx context.Context, reset bool) int
}

type Rollover struct {
	exporter Exporter
	hour     int
	minute   int
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func New(exporter Exporter, hour, minute int, log zerolog.Logger) *Rollover {
	return &Rollover{
		exporter: exporter,
		hour:     hour,
		minute:   minute,
		interval: checkInterval,
		now:      time.Now,
		log:      log.With().Str("component", "rollover").Logger(),
	}
}

func (r *Rollover) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	next := NextBoundary(r.now(), r.hour, r.minute)
	r.log.Info().Time("next", next).Msg("rollover scheduled")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("rollover stopped")
			return
		case <-ticker.C:
			now := r.now()
			if now.Before(next) {
				continue
			}
			r.rollover(ctx)
			next = NextBoundary(now, r.hour, r.minute)
		}
	}
}

func (r *Rollover) rollover(ctx context.Context) {
	r.log.Info().Msg("closing heatmap sessions")
	if failed := r.exporter.ExportAll(ctx, true); failed > 0 {
		r.log.Error().Int("failed", failed).Msg("some heatmap sessions were not exported")
	}
}

// NextBoundary returns the first hour:minute UTC strictly after now.
func NextBoundary(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	b := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !b.After(now) {
		b = b.AddDate(0, 0, 1)
	}
	return b
}
