// Package heatmap accumulates person presence on a coarse spatial grid and
// dwell seconds per configured zone.
//
// Updates are split into Plan, which reads only configuration, and Apply,
// which cannot fail. Callers that must commit several state changes
// atomically plan everything first and apply last.
package heatmap

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

const peakHourCount = 2

type Config struct {
	Cols   int
	Rows   int
	MaxGap time.Duration
}

// Grid is one camera's accumulation session. Counts never decrease until the
// grid is replaced by a reset.
type Grid struct {
	cols     int
	rows     int
	cells    []uint64
	dwell    map[string]float64
	footfall map[string]uint64
	hourly   [24]uint64
	total    uint64
	started  time.Time
}

// Delta is a planned update for one frame.
type Delta struct {
	cells    []int
	dwell    map[string]float64
	daypart  string
	hour     int
	presence uint64
}

type Accumulator struct {
	cfg   Config
	zones map[string][]models.Zone
}

func New(cfg Config, zones map[string][]models.Zone) *Accumulator {
	return &Accumulator{cfg: cfg, zones: zones}
}

// NewGrid opens an empty session for cameraID.
func (a *Accumulator) NewGrid(cameraID string, started time.Time) *Grid {
	g := &Grid{
		cols:     a.cfg.Cols,
		rows:     a.cfg.Rows,
		cells:    make([]uint64, a.cfg.Cols*a.cfg.Rows),
		dwell:    make(map[string]float64),
		footfall: map[string]uint64{"morning": 0, "afternoon": 0, "evening": 0},
		started:  started.UTC(),
	}
	for _, z := range a.zones[cameraID] {
		g.dwell[z.ID] = 0
	}
	return g
}

// Plan computes the update for one frame. A dt that is negative or above
// MaxGap starts a new sub-session: the returned Delta still carries cell
// increments but no dwell, and a warning is returned.
func (a *Accumulator) Plan(cameraID string, width, height int, detections []models.Detection, dt time.Duration, at time.Time) (Delta, *models.StaleSessionWarning, error) {
	if width <= 0 || height <= 0 {
		return Delta{}, nil, fmt.Errorf("%w: bad resolution %dx%d", models.ErrInvalidFrame, width, height)
	}

	var warning *models.StaleSessionWarning
	if dt < 0 || dt > a.cfg.MaxGap {
		warning = &models.StaleSessionWarning{
			CameraID: cameraID,
			Dt:       dt,
			MaxGap:   a.cfg.MaxGap,
			At:       models.NewTimestamp(at),
		}
	}

	utc := at.UTC()
	d := Delta{
		dwell:   make(map[string]float64),
		daypart: Daypart(utc.Hour()),
		hour:    utc.Hour(),
	}

	people := lo.Filter(detections, func(det models.Detection, _ int) bool {
		return det.Class == models.ClassPerson
	})
	for _, p := range people {
		c := p.Box.Center()
		col := clampIndex(int(c.X*float64(a.cfg.Cols)/float64(width)), a.cfg.Cols)
		row := clampIndex(int(c.Y*float64(a.cfg.Rows)/float64(height)), a.cfg.Rows)
		d.cells = append(d.cells, row*a.cfg.Cols+col)
		d.presence++

		if warning != nil {
			continue
		}
		for _, z := range a.zones[cameraID] {
			if z.Area.Contains(c) {
				d.dwell[z.ID] += dt.Seconds()
			}
		}
	}
	return d, warning, nil
}

// Apply commits a planned Delta.
func (g *Grid) Apply(d Delta) {
	for _, idx := range d.cells {
		if idx >= 0 && idx < len(g.cells) {
			g.cells[idx]++
		}
	}
	for zone, secs := range d.dwell {
		g.dwell[zone] += secs
	}
	if d.presence > 0 {
		g.footfall[d.daypart] += d.presence
		g.hourly[d.hour] += d.presence
		g.total += d.presence
	}
}

// Accumulate plans and applies in one step.
func (a *Accumulator) Accumulate(g *Grid, cameraID string, width, height int, detections []models.Detection, dt time.Duration, at time.Time) (*models.StaleSessionWarning, error) {
	d, warning, err := a.Plan(cameraID, width, height, detections, dt, at)
	if err != nil {
		return nil, err
	}
	g.Apply(d)
	return warning, nil
}

// Snapshot deep-copies the grid. The caller must hold whatever lock guards g.
func (g *Grid) Snapshot(cameraID string, at time.Time) models.HeatmapSnapshot {
	grid := make([][]uint64, g.rows)
	for r := range grid {
		grid[r] = append([]uint64(nil), g.cells[r*g.cols:(r+1)*g.cols]...)
	}

	dwell := make(map[string]float64, len(g.dwell))
	for k, v := range g.dwell {
		dwell[k] = v
	}
	footfall := make(map[string]uint64, len(g.footfall))
	for k, v := range g.footfall {
		footfall[k] = v
	}

	return models.HeatmapSnapshot{
		ExportID:        uuid.NewString(),
		CameraID:        cameraID,
		Cols:            g.cols,
		Rows:            g.rows,
		Grid:            grid,
		DwellTimes:      dwell,
		FootfallDensity: footfall,
		TotalFootfall:   g.total,
		PeakHours:       peakHours(g.hourly),
		SessionStarted:  models.NewTimestamp(g.started),
		ExportedAt:      models.NewTimestamp(at),
	}
}

// Cell returns the count at (row, col).
func (g *Grid) Cell(row, col int) uint64 {
	return g.cells[row*g.cols+col]
}

// Dwell returns cumulative seconds for zone.
func (g *Grid) Dwell(zone string) float64 {
	return g.dwell[zone]
}

// Daypart buckets a UTC hour the way store reports slice the day.
func Daypart(hour int) string {
	switch {
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	default:
		return "evening"
	}
}

func peakHours(hourly [24]uint64) []string {
	hours := lo.Filter(lo.Range(24), func(h, _ int) bool {
		return hourly[h] > 0
	})
	sort.SliceStable(hours, func(i, j int) bool {
		return hourly[hours[i]] > hourly[hours[j]]
	})
	if len(hours) > peakHourCount {
		hours = hours[:peakHourCount]
	}
	return lo.Map(hours, func(h, _ int) string {
		return fmt.Sprintf("%02d:00-%02d:00", h, (h+1)%24)
	})
}

func clampIndex(i, n int) int {
	return min(max(i, 0), n-1)
}
