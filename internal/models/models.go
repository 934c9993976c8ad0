package models

import (
	"fmt"
	"time"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/geom"
)

type CommandAction string

const (
	CommandFrame  CommandAction = "frame"
	CommandExport CommandAction = "export"
	CommandReset  CommandAction = "reset"
)

// ClassLabel is the object class reported by the detection model.
type ClassLabel string

const (
	ClassPerson            ClassLabel = "person"
	ClassProduct           ClassLabel = "product"
	ClassShelfGapCandidate ClassLabel = "shelf_gap_candidate"
)

// Frame is a decoded RGB raster from one camera. Pix is row-major, Channels bytes per pixel.
type Frame struct {
	CameraID  string
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Pix       []byte
}

// Validate checks the raster can be handed to the model.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: bad resolution %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Channels != 3 {
		return fmt.Errorf("%w: expected 3 channels, got %d", ErrInvalidFrame, f.Channels)
	}
	if len(f.Pix) != f.Width*f.Height*f.Channels {
		return fmt.Errorf("%w: buffer holds %d bytes, want %d", ErrInvalidFrame, len(f.Pix), f.Width*f.Height*f.Channels)
	}
	return nil
}

// Detection is one model output. Box is in pixel coordinates.
type Detection struct {
	Class      ClassLabel `json:"class"`
	Confidence float64    `json:"confidence"`
	Box        geom.Rect  `json:"box"`
}

// ShelfRegion maps a shelf slot to the part of the frame it occupies.
type ShelfRegion struct {
	ID     string
	Region geom.Rect
}

// Zone is a named area used for dwell accounting.
type Zone struct {
	ID   string
	Area geom.Polygon
}

type GapReport struct {
	ShelfID       string  `json:"shelf_id"`
	DetectedEmpty bool    `json:"detected_empty"`
	Confidence    float64 `json:"confidence"`
	Position      [2]int  `json:"position"`
}

type QueueAlertState string

const (
	QueueNormal   QueueAlertState = "NORMAL"
	QueueAlerting QueueAlertState = "ALERTING"
)

type QueueStatus struct {
	CameraID       string          `json:"camera_id"`
	QueueLength    float64         `json:"queue_length"`
	RawCount       int             `json:"raw_count"`
	Alert          bool            `json:"alert"`
	Confidence     float64         `json:"confidence"`
	State          QueueAlertState `json:"state"`
	AlertChanged   bool            `json:"alert_changed"`
	LastTransition *Timestamp      `json:"last_transition,omitempty"`
	Timestamp      Timestamp       `json:"timestamp"`
}

type HeatmapSnapshot struct {
	ExportID        string             `json:"export_id"`
	CameraID        string             `json:"camera_id"`
	Cols            int                `json:"cols"`
	Rows            int                `json:"rows"`
	Grid            [][]uint64         `json:"heatmap_grid_snapshot"`
	DwellTimes      map[string]float64 `json:"dwell_times_by_zone"`
	FootfallDensity map[string]uint64  `json:"footfall_density"`
	TotalFootfall   uint64             `json:"total_footfall"`
	PeakHours       []string           `json:"peak_hours"`
	SessionStarted  Timestamp          `json:"session_started"`
	ExportedAt      Timestamp          `json:"exported_at"`
}

// AnalyticDomain names one of the three analyzers fed by the pipeline.
type AnalyticDomain string

const (
	DomainShelf   AnalyticDomain = "shelf"
	DomainQueue   AnalyticDomain = "queue"
	DomainHeatmap AnalyticDomain = "heatmap"
)

// DomainError marks an analyzer that failed while the others produced output.
type DomainError struct {
	Domain  AnalyticDomain `json:"domain"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
}

type PipelineResult struct {
	FrameID        string                `json:"frame_id"`
	CameraID       string                `json:"camera_id"`
	Timestamp      Timestamp             `json:"timestamp"`
	Detections     int                   `json:"detections"`
	Gaps           []GapReport           `json:"gaps"`
	TotalGaps      int                   `json:"total_gaps"`
	QueueStatus    *QueueStatus          `json:"queue_status,omitempty"`
	HeatmapUpdated bool                  `json:"heatmap_updated"`
	Warnings       []StaleSessionWarning `json:"warnings,omitempty"`
	Errors         []DomainError         `json:"errors,omitempty"`
}

// Failed returns the error recorded for domain, if any.
func (r *PipelineResult) Failed(domain AnalyticDomain) error {
	for _, e := range r.Errors {
		if e.Domain == domain {
			return e.Err
		}
	}
	return nil
}

// FrameCommand arrives on the frame topic. FrameURL points at an object in the frames bucket.
type FrameCommand struct {
	CameraID  string        `json:"camera_id"`
	Action    CommandAction `json:"action"`
	FrameURL  string        `json:"frame_url,omitempty"`
	Timestamp Timestamp     `json:"timestamp"`
}

// AlertEvent is published whenever a camera's queue alert flips.
type AlertEvent struct {
	CameraID    string    `json:"camera_id"`
	Alert       bool      `json:"alert"`
	QueueLength float64   `json:"queue_length"`
	Confidence  float64   `json:"confidence"`
	Timestamp   Timestamp `json:"timestamp"`
}

// OutboxMessage is an alert event waiting to be published.
type OutboxMessage struct {
	ID        string
	CameraID  string
	Event     AlertEvent
	CreatedAt time.Time
}

// Summary aggregates persisted results for one camera over a time range.
type Summary struct {
	CameraID        string    `json:"camera_id"`
	From            Timestamp `json:"from"`
	To              Timestamp `json:"to"`
	Frames          int64     `json:"frames"`
	TotalShelfGaps  int64     `json:"total_shelf_gaps"`
	CriticalGaps    int64     `json:"critical_gaps"`
	AvgQueueLength  float64   `json:"avg_queue_length"`
	MaxQueueLength  float64   `json:"max_queue_length"`
	AlertsRaised    int64     `json:"alerts_raised"`
	FramesWithError int64     `json:"frames_with_errors"`
}
