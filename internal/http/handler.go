package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/frames"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

const (
	serviceName    = "retail-analytics"
	maxUploadBytes = 16 << 20
	defaultAlerts  = 50
)

type FrameService interface {
	ProcessFrame(ctx context.Context, frame *models.Frame) (*models.PipelineResult, error)
	Export(ctx context.Context, cameraID string, reset bool) (*models.HeatmapSnapshot, error)
}

type QueueReader interface {
	QueueStatus(cameraID string) (*models.QueueStatus, error)
}

type History interface {
	ListAlertTransitions(ctx context.Context, cameraID string, limit int) ([]models.AlertEvent, error)
	Summary(ctx context.Context, cameraID string, from, to time.Time) (*models.Summary, error)
}

type ModelHealth interface {
	Ready(ctx context.Context) error
}

type Handler struct {
	frames  FrameService
	queue   QueueReader
	history History
	model   ModelHealth
	log     zerolog.Logger
	now     func() time.Time
}

func NewHandler(frames FrameService, queue QueueReader, history History, model ModelHealth, log zerolog.Logger) *Handler {
	return &Handler{
		frames:  frames,
		queue:   queue,
		history: history,
		model:   model,
		log:     log.With().Str("component", "http").Logger(),
		now:     time.Now,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.health)

	api := r.Group("/api/v1/cameras/:camera_id")
	{
		api.POST("/frames", h.processFrame)
		api.GET("/heatmap", h.exportHeatmap)
		api.POST("/heatmap/reset", h.resetHeatmap)
		api.GET("/queue", h.queueStatus)
		api.GET("/queue/alerts", h.queueAlerts)
		api.GET("/summary", h.summary)
	}
}

func (h *Handler) health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if err := h.model.Ready(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("model server not ready")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": models.NewTimestamp(h.now()),
		"service":   serviceName,
	})
}

func (h *Handler) processFrame(c *gin.Context) {
	cameraID := c.Param("camera_id")

	ts := h.now()
	if raw := strings.TrimSpace(c.PostForm("timestamp")); raw != "" {
		parsed, err := models.ParseTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("timestamp must be ISO-8601"))
			return
		}
		ts = parsed.Time()
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("file is required"))
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, errorResponse("file too large"))
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	frame, err := frames.Decode(cameraID, ts, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	result, err := h.frames.ProcessFrame(c.Request.Context(), frame)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(result))
}

func (h *Handler) exportHeatmap(c *gin.Context) {
	snap, err := h.frames.Export(c.Request.Context(), c.Param("camera_id"), false)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(snap))
}

func (h *Handler) resetHeatmap(c *gin.Context) {
	snap, err := h.frames.Export(c.Request.Context(), c.Param("camera_id"), true)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(snap))
}

func (h *Handler) queueStatus(c *gin.Context) {
	status, err := h.queue.QueueStatus(c.Param("camera_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(status))
}

func (h *Handler) queueAlerts(c *gin.Context) {
	limit := defaultAlerts
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := h.history.ListAlertTransitions(c.Request.Context(), c.Param("camera_id"), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) summary(c *gin.Context) {
	to := h.now()
	from := to.Add(-24 * time.Hour)

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		raw := strings.TrimSpace(c.Query(p.name))
		if raw == "" {
			continue
		}
		ts, err := models.ParseTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(p.name+" must be ISO-8601"))
			return
		}
		*p.dst = ts.Time()
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, errorResponse("from must be before to"))
		return
	}

	summary, err := h.history.Summary(c.Request.Context(), c.Param("camera_id"), from, to)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(summary))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	var (
		inference *models.InferenceError
		region    *models.UnknownRegionError
	)
	switch {
	case errors.As(err, &region):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, models.ErrNoSession):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorResponse("frame processing timed out"))
	case errors.As(err, &inference):
		c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
	case errors.Is(err, models.ErrInvalidFrame):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
