package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/frames"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/kafka"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/s3"
)

const (
	workerBuffer   = 16
	persistTimeout = 10 * time.Second
)

// Analytics is the in-memory pipeline.
type Analytics interface {
	Process(ctx context.Context, frame *models.Frame) (*models.PipelineResult, error)
	ExportHeatmap(cameraID string) (*models.HeatmapSnapshot, error)
	ResetHeatmap(cameraID string) (*models.HeatmapSnapshot, error)
	Cameras() []string
}

type Store interface {
	SaveFrameResult(ctx context.Context, result *models.PipelineResult) error
	SaveAlertTransition(ctx context.Context, event models.AlertEvent) error
	SaveHeatmapExport(ctx context.Context, snap *models.HeatmapSnapshot, objectKey string, reset bool) error
}

type Objects interface {
	DownloadFrame(ctx context.Context, fileURL string) ([]byte, error)
	SaveHeatmapExport(ctx context.Context, bucket string, snap *models.HeatmapSnapshot) (string, error)
}

type Publisher interface {
	SendResult(result *models.PipelineResult) error
}

type Config struct {
	FrameTimeout  time.Duration
	ExportsBucket string
}

// Runner drives the pipeline from HTTP uploads, Kafka commands and the
// rollover clock, and persists what comes out.
type Runner struct {
	analytics Analytics
	db        Store
	objects   Objects
	producer  Publisher
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	workers map[string]chan job
	mu      sync.Mutex
	wg      sync.WaitGroup
}

type job struct {
	cmd models.FrameCommand
	msg kafka.Message
}

func New(analytics Analytics, db Store, objects Objects, producer Publisher, cfg Config, log zerolog.Logger) *Runner {
	return &Runner{
		analytics: analytics,
		db:        db,
		objects:   objects,
		producer:  producer,
		cfg:       cfg,
		log:       log.With().Str("component", "runner").Logger(),
		now:       time.Now,
		workers:   make(map[string]chan job),
	}
}

// ProcessFrame runs one frame and persists and publishes the outcome.
// Persistence outlives ctx: once the pipeline has committed, a caller that
// goes away must not drop the frame's records.
func (r *Runner) ProcessFrame(ctx context.Context, frame *models.Frame) (*models.PipelineResult, error) {
	pctx := ctx
	if r.cfg.FrameTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.cfg.FrameTimeout)
		defer cancel()
	}

	result, err := r.analytics.Process(pctx, frame)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	r.persist(sctx, result)
	return result, nil
}

// persist stores and publishes a committed result. Failures are logged only:
// the in-memory state has already moved on.
func (r *Runner) persist(ctx context.Context, result *models.PipelineResult) {
	logger := r.log.With().Str("camera_id", result.CameraID).Str("frame_id", result.FrameID).Logger()

	if err := r.db.SaveFrameResult(ctx, result); err != nil {
		logger.Error().Err(err).Msg("save frame result")
	}

	if qs := result.QueueStatus; qs != nil && qs.AlertChanged {
		event := models.AlertEvent{
			CameraID:    qs.CameraID,
			Alert:       qs.Alert,
			QueueLength: qs.QueueLength,
			Confidence:  qs.Confidence,
			Timestamp:   qs.Timestamp,
		}
		// Published by the outbox dispatcher.
		if err := r.db.SaveAlertTransition(ctx, event); err != nil {
			logger.Error().Err(err).Msg("save alert transition")
		}
	}

	if err := r.producer.SendResult(result); err != nil {
		logger.Error().Err(err).Msg("publish result")
	}
}

// Export snapshots the camera's heatmap, and with reset also starts a new
// session. The snapshot is archived to object storage and indexed; archive
// failures are logged and the snapshot is still returned.
func (r *Runner) Export(ctx context.Context, cameraID string, reset bool) (*models.HeatmapSnapshot, error) {
	export := r.analytics.ExportHeatmap
	if reset {
		export = r.analytics.ResetHeatmap
	}

	snap, err := export(cameraID)
	if err != nil {
		return nil, err
	}

	logger := r.log.With().Str("camera_id", cameraID).Str("export_id", snap.ExportID).Bool("reset", reset).Logger()

	// A reset has already happened in memory; its archive must not depend on
	// the caller staying around.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	key, err := r.objects.SaveHeatmapExport(ctx, r.cfg.ExportsBucket, snap)
	if err != nil {
		logger.Error().Err(err).Msg("archive heatmap export")
		return snap, nil
	}
	if err := r.db.SaveHeatmapExport(ctx, snap, key, reset); err != nil {
		logger.Error().Err(err).Msg("index heatmap export")
	}

	logger.Info().Str("object_key", key).Msg("heatmap exported")
	return snap, nil
}

// ExportAll exports every camera with a session and returns how many failed.
func (r *Runner) ExportAll(ctx context.Context, reset bool) int {
	failed := lo.Filter(r.analytics.Cameras(), func(cameraID string, _ int) bool {
		_, err := r.Export(ctx, cameraID, reset)
		if err != nil {
			r.log.Error().Err(err).Str("camera_id", cameraID).Msg("export failed")
		}
		return err != nil
	})
	return len(failed)
}

// HandleCommand executes one FrameCommand.
func (r *Runner) HandleCommand(ctx context.Context, cmd models.FrameCommand) error {
	switch cmd.Action {
	case models.CommandFrame:
		data, err := r.objects.DownloadFrame(ctx, cmd.FrameURL)
		if err != nil {
			return fmt.Errorf("download frame: %w", err)
		}

		at := cmd.Timestamp.Time()
		if cmd.Timestamp.IsZero() {
			at = r.now()
		}
		frame, err := frames.Decode(cmd.CameraID, at, data)
		if err != nil {
			return err
		}

		_, err = r.ProcessFrame(ctx, frame)
		return err
	case models.CommandExport:
		_, err := r.Export(ctx, cmd.CameraID, false)
		return err
	case models.CommandReset:
		_, err := r.Export(ctx, cmd.CameraID, true)
		return err
	default:
		return fmt.Errorf("%w: unknown action %q", errBadCommand, cmd.Action)
	}
}

var errBadCommand = errors.New("bad frame command")

// permanent reports whether retrying the command can never help.
func permanent(err error) bool {
	var region *models.UnknownRegionError
	return errors.Is(err, errBadCommand) ||
		errors.Is(err, models.ErrInvalidFrame) ||
		errors.Is(err, models.ErrNoSession) ||
		errors.Is(err, s3.ErrBadObjectURL) ||
		errors.As(err, &region)
}

// ListenAndRun consumes commands until ctx is done or messages closes.
// Commands of one camera run in order on a dedicated worker; cameras run in
// parallel. A message is acked once its command succeeded or can never
// succeed; transient failures stay unacked and hold the partition offset.
func (r *Runner) ListenAndRun(ctx context.Context, messages <-chan kafka.Message) {
	r.log.Info().Msg("listening for frame commands")
	defer r.stopWorkers()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("shutting down")
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var cmd models.FrameCommand
			if err := json.Unmarshal(msg.Value, &cmd); err != nil {
				r.log.Error().Err(err).Msg("invalid message format, dropped")
				msg.Ack()
				continue
			}
			if cmd.CameraID == "" {
				r.log.Error().Str("action", string(cmd.Action)).Msg("command without camera_id, dropped")
				msg.Ack()
				continue
			}

			select {
			case r.worker(ctx, cmd.CameraID) <- job{cmd: cmd, msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, cameraID string) chan<- job {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.workers[cameraID]; ok {
		return ch
	}

	ch := make(chan job, workerBuffer)
	r.workers[cameraID] = ch
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		logger := r.log.With().Str("camera_id", cameraID).Logger()
		logger.Debug().Msg("worker started")

		for j := range ch {
			if ctx.Err() != nil {
				continue
			}
			if err := r.HandleCommand(ctx, j.cmd); err != nil {
				if !permanent(err) {
					logger.Error().Err(err).Str("action", string(j.cmd.Action)).Msg("command failed, left for redelivery")
					continue
				}
				logger.Error().Err(err).Str("action", string(j.cmd.Action)).Msg("command rejected, dropped")
			}
			j.msg.Ack()
		}
		logger.Debug().Msg("worker finished")
	}()

	return ch
}

func (r *Runner) stopWorkers() {
	r.mu.Lock()
	for id, ch := range r.workers {
		close(ch)
		delete(r.workers, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}
