package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/frames"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

type fakeService struct {
	processErr error
	lastFrame  *models.Frame
	resets     []string
}

func (s *fakeService) ProcessFrame(_ context.Context, frame *models.Frame) (*models.PipelineResult, error) {
	if s.processErr != nil {
		return nil, s.processErr
	}
	s.lastFrame = frame
	return &models.PipelineResult{
		FrameID:   "f1",
		CameraID:  frame.CameraID,
		Timestamp: models.NewTimestamp(frame.Timestamp),
		Gaps:      []models.GapReport{{ShelfID: "A1", DetectedEmpty: true, Confidence: 1, Position: [2]int{100, 200}}},
		TotalGaps: 1,
	}, nil
}

func (s *fakeService) Export(_ context.Context, cameraID string, reset bool) (*models.HeatmapSnapshot, error) {
	if cameraID != "STORE_001" {
		return nil, models.ErrNoSession
	}
	if reset {
		s.resets = append(s.resets, cameraID)
	}
	return &models.HeatmapSnapshot{CameraID: cameraID, TotalFootfall: 3, DwellTimes: map[string]float64{"checkout_zone": 12.5}}, nil
}

func (s *fakeService) QueueStatus(cameraID string) (*models.QueueStatus, error) {
	if cameraID != "STORE_001" {
		return nil, &models.UnknownRegionError{CameraID: cameraID, Analyzer: models.DomainQueue}
	}
	return &models.QueueStatus{CameraID: cameraID, QueueLength: 4.8, State: models.QueueNormal}, nil
}

func (s *fakeService) ListAlertTransitions(_ context.Context, cameraID string, limit int) ([]models.AlertEvent, error) {
	events := []models.AlertEvent{{CameraID: cameraID, Alert: true}, {CameraID: cameraID, Alert: false}}
	if limit < len(events) {
		events = events[:limit]
	}
	return events, nil
}

func (s *fakeService) Summary(_ context.Context, cameraID string, from, to time.Time) (*models.Summary, error) {
	return &models.Summary{CameraID: cameraID, From: models.NewTimestamp(from), To: models.NewTimestamp(to), Frames: 10}, nil
}

type fakeModel struct{ err error }

func (p fakeModel) Ready(context.Context) error { return p.err }

var fixedNow = time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

func newRouter(svc *fakeService, model fakeModel) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc, svc, svc, model, zerolog.Nop())
	h.now = func() time.Time { return fixedNow }
	return NewRouter(h, zerolog.Nop())
}

func upload(t *testing.T, body []byte, timestamp string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if body != nil {
		part, err := w.CreateFormFile("file", "frame.jpg")
		require.NoError(t, err)
		_, err = part.Write(body)
		require.NoError(t, err)
	}
	if timestamp != "" {
		require.NoError(t, w.WriteField("timestamp", timestamp))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	data, err := frames.EncodeJPEG(&models.Frame{Width: 8, Height: 8, Channels: 3, Pix: make([]byte, 8*8*3)}, 90)
	require.NoError(t, err)
	return data
}

func do(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := do(newRouter(&fakeService{}, fakeModel{}), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "2025-06-01T15:00:00.000Z", body["timestamp"])
	require.Equal(t, serviceName, body["service"])

	rec, body = do(newRouter(&fakeService{}, fakeModel{err: models.ErrModelUnavailable}), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", body["status"])
}

func TestProcessFrame(t *testing.T) {
	svc := &fakeService{}
	buf, contentType := upload(t, jpegFrame(t), "2025-06-01T18:00:00+03:00")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cameras/STORE_001/frames", buf)
	req.Header.Set("Content-Type", contentType)

	rec, body := do(newRouter(svc, fakeModel{}), req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := body["data"].(map[string]any)
	require.Equal(t, "STORE_001", data["camera_id"])
	require.Equal(t, "2025-06-01T15:00:00.000Z", data["timestamp"])
	require.Equal(t, float64(1), data["total_gaps"])

	require.Equal(t, 8, svc.lastFrame.Width)
	require.True(t, svc.lastFrame.Timestamp.Equal(fixedNow))
}

func TestProcessFrameErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      []byte
		timestamp string
		svcErr    error
		want      int
	}{
		{name: "missing file", want: http.StatusBadRequest},
		{name: "not an image", body: []byte("hello"), want: http.StatusBadRequest},
		{name: "bad timestamp", body: []byte("x"), timestamp: "yesterday", want: http.StatusBadRequest},
		{
			name:   "model unavailable",
			svcErr: &models.InferenceError{CameraID: "STORE_001", Err: models.ErrModelUnavailable},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "timeout",
			svcErr: &models.InferenceError{CameraID: "STORE_001", Err: context.DeadlineExceeded},
			want:   http.StatusGatewayTimeout,
		},
		{name: "unexpected", svcErr: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if tt.svcErr != nil {
				body = jpegFrame(t)
			}
			buf, contentType := upload(t, body, tt.timestamp)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/cameras/STORE_001/frames", buf)
			req.Header.Set("Content-Type", contentType)

			rec, resp := do(newRouter(&fakeService{processErr: tt.svcErr}, fakeModel{}), req)
			require.Equal(t, tt.want, rec.Code)
			require.NotEmpty(t, resp["error"])
		})
	}
}

func TestHeatmapEndpoints(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc, fakeModel{})

	rec, body := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/heatmap", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	require.Equal(t, 12.5, data["dwell_times_by_zone"].(map[string]any)["checkout_zone"])
	require.Empty(t, svc.resets)

	rec, _ = do(r, httptest.NewRequest(http.MethodPost, "/api/v1/cameras/STORE_001/heatmap/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"STORE_001"}, svc.resets)

	rec, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_009/heatmap", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	r := newRouter(&fakeService{}, fakeModel{})

	rec, body := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 4.8, body["data"].(map[string]any)["queue_length"])

	rec, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_009/queue", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/queue/alerts?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 1)
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/cameras/STORE_001/heatmap", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rec := httptest.NewRecorder()
	newRouter(&fakeService{}, fakeModel{}).ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSummary(t *testing.T) {
	r := newRouter(&fakeService{}, fakeModel{})

	rec, body := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	require.Equal(t, "2025-05-31T15:00:00.000Z", data["from"])
	require.Equal(t, "2025-06-01T15:00:00.000Z", data["to"])

	rec, body = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/summary?from=2025-06-01T00:00:00Z&to=2025-06-01T12:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2025-06-01T12:00:00.000Z", body["data"].(map[string]any)["to"])

	rec, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/summary?from=last-week", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/cameras/STORE_001/summary?from=2025-06-02T00:00:00Z&to=2025-06-01T00:00:00Z", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
