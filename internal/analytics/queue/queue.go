// Package queue counts people in a checkout queue region and drives a
// debounced, hysteretic alert per camera.
//
// The alert is a two-state machine:
//
//	NORMAL   --(smoothed >= threshold for Debounce evaluations)-->          ALERTING
//	ALERTING --(smoothed <= threshold-margin for Debounce evaluations)-->   NORMAL
//
// Any evaluation that misses the guard resets the streak, so one outlier
// frame can never flip the state.
package queue

import (
	"time"

	"github.com/samber/lo"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/geom"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

type Config struct {
	Threshold float64
	Margin    float64
	Window    int
	Debounce  int
}

// State is one camera's queue history. It is owned by the caller and only
// mutated through Tracker.Update.
type State struct {
	counts         []int
	smoothed       float64
	mode           models.QueueAlertState
	streak         int
	lastTransition time.Time
	last           *models.QueueStatus
}

func NewState(window int) *State {
	return &State{
		counts: make([]int, 0, window),
		mode:   models.QueueNormal,
	}
}

// Clone returns an independent copy for staged updates.
func (s *State) Clone() *State {
	c := *s
	c.counts = append(make([]int, 0, cap(s.counts)), s.counts...)
	if s.last != nil {
		last := *s.last
		c.last = &last
	}
	return &c
}

func (s *State) Mode() models.QueueAlertState { return s.mode }

func (s *State) Smoothed() float64 { return s.smoothed }

// Last returns the status produced by the most recent Update, or nil.
func (s *State) Last() *models.QueueStatus {
	if s.last == nil {
		return nil
	}
	last := *s.last
	return &last
}

type Tracker struct {
	cfg     Config
	regions map[string]geom.Polygon
}

func New(cfg Config, regions map[string]geom.Polygon) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 5
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2
	}
	return &Tracker{cfg: cfg, regions: regions}
}

// NewState allocates an empty state sized for this tracker's window.
func (t *Tracker) NewState() *State {
	return NewState(t.cfg.Window)
}

// HasRegion reports whether cameraID has a queue region configured.
func (t *Tracker) HasRegion(cameraID string) bool {
	_, ok := t.regions[cameraID]
	return ok
}

// Update folds one frame's detections into state and returns the new status.
// state is left untouched when an error is returned.
func (t *Tracker) Update(state *State, cameraID string, detections []models.Detection, at time.Time) (models.QueueStatus, error) {
	region, ok := t.regions[cameraID]
	if !ok {
		return models.QueueStatus{}, &models.UnknownRegionError{CameraID: cameraID, Analyzer: models.DomainQueue}
	}

	inQueue := lo.Filter(detections, func(d models.Detection, _ int) bool {
		return d.Class == models.ClassPerson && region.Contains(d.Box.Center())
	})

	confidence := 1.0
	if len(inQueue) > 0 {
		confidence = lo.MaxBy(inQueue, func(a, b models.Detection) bool {
			return a.Confidence > b.Confidence
		}).Confidence
	}

	state.push(len(inQueue), t.cfg.Window)
	changed := t.step(state, at)

	status := models.QueueStatus{
		CameraID:     cameraID,
		QueueLength:  state.smoothed,
		RawCount:     len(inQueue),
		Alert:        state.mode == models.QueueAlerting,
		Confidence:   confidence,
		State:        state.mode,
		AlertChanged: changed,
		Timestamp:    models.NewTimestamp(at),
	}
	if !state.lastTransition.IsZero() {
		ts := models.NewTimestamp(state.lastTransition)
		status.LastTransition = &ts
	}
	last := status
	state.last = &last
	return status, nil
}

// push appends a raw count to the FIFO window and recomputes the mean.
func (s *State) push(count, window int) {
	if len(s.counts) == window {
		copy(s.counts, s.counts[1:])
		s.counts = s.counts[:window-1]
	}
	s.counts = append(s.counts, count)
	s.smoothed = float64(lo.Sum(s.counts)) / float64(len(s.counts))
}

// step evaluates the transition guards and reports whether the alert flipped.
func (t *Tracker) step(s *State, at time.Time) bool {
	var guard bool
	var next models.QueueAlertState

	switch s.mode {
	case models.QueueAlerting:
		guard = s.smoothed <= t.cfg.Threshold-t.cfg.Margin
		next = models.QueueNormal
	default:
		guard = s.smoothed >= t.cfg.Threshold
		next = models.QueueAlerting
	}

	if !guard {
		s.streak = 0
		return false
	}

	s.streak++
	if s.streak < t.cfg.Debounce {
		return false
	}

	s.mode = next
	s.streak = 0
	s.lastTransition = at
	return true
}
