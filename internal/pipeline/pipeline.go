// Package pipeline runs detection once per frame and fans the detections out
// to the shelf, queue and heatmap analyzers.
//
// Per-camera state (queue window, heatmap grid) lives in a lazily created
// session. Frames of one camera may run detection concurrently but commit
// strictly in arrival order; frames of different cameras never contend.
// A frame commits its queue and heatmap updates together or not at all.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/heatmap"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/queue"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/shelf"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

// Detector turns a frame into detections. Implementations must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error)
}

type Pipeline struct {
	detector Detector
	shelf    *shelf.Analyzer
	queue    *queue.Tracker
	heatmap  *heatmap.Accumulator
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func New(detector Detector, shelfAnalyzer *shelf.Analyzer, tracker *queue.Tracker, acc *heatmap.Accumulator, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		detector: detector,
		shelf:    shelfAnalyzer,
		queue:    tracker,
		heatmap:  acc,
		log:      log.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Process runs one frame through the pipeline. A detector failure aborts the
// call with an *models.InferenceError. Analyzer failures are reported in
// PipelineResult.Errors while the other analyzers still run. If ctx is done
// before commit, no camera state changes.
func (p *Pipeline) Process(ctx context.Context, frame *models.Frame) (*models.PipelineResult, error) {
	if frame == nil || frame.CameraID == "" {
		return nil, &models.InferenceError{Err: fmt.Errorf("%w: missing camera id", models.ErrInvalidFrame)}
	}

	sess := p.session(frame.CameraID, frame.Timestamp)
	t := sess.acquire()
	defer t.release()

	detections, err := p.detector.Detect(ctx, frame)
	if err != nil {
		var ie *models.InferenceError
		if !errors.As(err, &ie) {
			err = &models.InferenceError{CameraID: frame.CameraID, Timestamp: frame.Timestamp, Err: err}
		}
		p.log.Error().
			Err(err).
			Str("camera_id", frame.CameraID).
			Time("frame_time", frame.Timestamp).
			Msg("detection failed")
		return nil, err
	}

	result := &models.PipelineResult{
		FrameID:    uuid.NewString(),
		CameraID:   frame.CameraID,
		Timestamp:  models.NewTimestamp(frame.Timestamp),
		Detections: len(detections),
		Gaps:       []models.GapReport{},
	}

	gaps, err := p.shelf.Analyze(frame.CameraID, detections)
	if err != nil {
		p.fail(result, models.DomainShelf, err)
	} else {
		result.Gaps = gaps
		result.TotalGaps = len(gaps)
	}

	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	status, warning, err := p.commit(ctx, sess, frame, detections, result)
	if err != nil {
		return nil, err
	}
	if status != nil {
		result.QueueStatus = status
		if status.AlertChanged {
			p.log.Info().
				Str("camera_id", frame.CameraID).
				Float64("queue_length", status.QueueLength).
				Bool("alert", status.Alert).
				Msg("queue alert changed")
		}
	}
	if warning != nil {
		result.Warnings = append(result.Warnings, *warning)
		p.log.Warn().
			Str("camera_id", frame.CameraID).
			Dur("dt", warning.Dt).
			Dur("max_gap", warning.MaxGap).
			Msg("stale session, dwell skipped for this frame")
	}

	return result, nil
}

// commit stages the queue and heatmap updates and swaps them in under the
// session lock. Nothing is written if ctx is done or staging the heatmap fails
// for a reason other than a missing layout.
func (p *Pipeline) commit(ctx context.Context, sess *session, frame *models.Frame, detections []models.Detection, result *models.PipelineResult) (*models.QueueStatus, *models.StaleSessionWarning, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var dt time.Duration
	if sess.seen {
		dt = frame.Timestamp.Sub(sess.lastFrame)
	}

	var status *models.QueueStatus
	staged := sess.queue.Clone()
	qs, err := p.queue.Update(staged, frame.CameraID, detections, frame.Timestamp)
	if err != nil {
		p.fail(result, models.DomainQueue, err)
		staged = nil
	} else {
		status = &qs
	}

	delta, warning, err := p.heatmap.Plan(frame.CameraID, frame.Width, frame.Height, detections, dt, frame.Timestamp)
	planned := err == nil
	if err != nil {
		p.fail(result, models.DomainHeatmap, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if staged != nil {
		sess.queue = staged
	}
	if planned {
		sess.grid.Apply(delta)
		result.HeatmapUpdated = true
	}
	// A late frame never moves the reference back, or the interval it
	// overlaps would be counted twice by the next frame.
	if !sess.seen || frame.Timestamp.After(sess.lastFrame) {
		sess.lastFrame = frame.Timestamp
	}
	sess.seen = true

	return status, warning, nil
}

func (p *Pipeline) fail(result *models.PipelineResult, domain models.AnalyticDomain, err error) {
	result.Errors = append(result.Errors, models.DomainError{Domain: domain, Message: err.Error(), Err: err})
	p.log.Error().
		Err(err).
		Str("camera_id", result.CameraID).
		Str("domain", string(domain)).
		Msg("analyzer failed")
}

// ExportHeatmap returns a point-in-time copy of the camera's heatmap session.
func (p *Pipeline) ExportHeatmap(cameraID string) (*models.HeatmapSnapshot, error) {
	sess, err := p.lookup(cameraID)
	if err != nil {
		return nil, err
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	snap := sess.grid.Snapshot(cameraID, p.now())
	return &snap, nil
}

// ResetHeatmap closes the camera's heatmap session and opens a new one. It
// returns the final snapshot of the closed session. Queue state is kept.
func (p *Pipeline) ResetHeatmap(cameraID string) (*models.HeatmapSnapshot, error) {
	sess, err := p.lookup(cameraID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := p.now()
	snap := sess.grid.Snapshot(cameraID, now)
	sess.grid = p.heatmap.NewGrid(cameraID, now)
	sess.seen = false

	p.log.Info().
		Str("camera_id", cameraID).
		Uint64("total_footfall", snap.TotalFootfall).
		Msg("heatmap session reset")
	return &snap, nil
}

// QueueStatus returns the last committed queue status for the camera.
func (p *Pipeline) QueueStatus(cameraID string) (*models.QueueStatus, error) {
	if !p.queue.HasRegion(cameraID) {
		return nil, &models.UnknownRegionError{CameraID: cameraID, Analyzer: models.DomainQueue}
	}
	sess, err := p.lookup(cameraID)
	if err != nil {
		return nil, err
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	status := sess.queue.Last()
	if status == nil {
		return nil, fmt.Errorf("%w: %s has no queue evaluations", models.ErrNoSession, cameraID)
	}
	return status, nil
}

// Cameras lists every camera with a session, sorted.
func (p *Pipeline) Cameras() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pipeline) session(cameraID string, started time.Time) *session {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[cameraID]
	if !ok {
		sess = newSession(p.queue.NewState(), p.heatmap.NewGrid(cameraID, started))
		p.sessions[cameraID] = sess
		p.log.Info().Str("camera_id", cameraID).Msg("new camera session")
	}
	return sess
}

func (p *Pipeline) lookup(cameraID string) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[cameraID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNoSession, cameraID)
	}
	return sess, nil
}
