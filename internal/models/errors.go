package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidFrame marks frames the model cannot consume.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrModelUnavailable marks a model server that is down or has no weights loaded.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrNoSession is returned when a camera has never been observed.
	ErrNoSession = errors.New("no session for camera")
)

// InferenceError is returned when detection fails for a frame. The whole
// pipeline invocation is aborted in that case.
type InferenceError struct {
	CameraID  string
	Timestamp time.Time
	Err       error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for camera %s at %s: %v", e.CameraID, NewTimestamp(e.Timestamp), e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// UnknownRegionError means an analyzer has no layout for the camera.
type UnknownRegionError struct {
	CameraID string
	Analyzer AnalyticDomain
}

func (e *UnknownRegionError) Error() string {
	return fmt.Sprintf("no %s region configured for camera %s", e.Analyzer, e.CameraID)
}

// StaleSessionWarning records a frame whose gap to the previous frame was
// negative or longer than the configured maximum. Dwell is not accumulated
// for that tick.
type StaleSessionWarning struct {
	CameraID string        `json:"camera_id"`
	Dt       time.Duration `json:"dt_ns"`
	MaxGap   time.Duration `json:"max_gap_ns"`
	At       Timestamp     `json:"at"`
}

func (w StaleSessionWarning) Error() string {
	return fmt.Sprintf("stale session on camera %s: dt %s outside [0, %s]", w.CameraID, w.Dt, w.MaxGap)
}
