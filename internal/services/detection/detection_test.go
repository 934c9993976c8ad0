package detection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/geom"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

func testFrame() *models.Frame {
	return &models.Frame{
		CameraID:  "STORE_001",
		Timestamp: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Width:     32,
		Height:    32,
		Channels:  3,
		Pix:       make([]byte, 32*32*3),
	}
}

func modelServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(status)
		case "/predict":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			_, header, err := r.FormFile("file")
			require.NoError(t, err)
			require.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))

			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *Client {
	return NewClient(Config{
		Endpoint:        url,
		Timeout:         time.Second,
		ConfidenceFloor: 0.25,
		IoUThreshold:    0.45,
	}, zerolog.Nop())
}

func TestDetectAppliesFloorAndNMS(t *testing.T) {
	srv := modelServer(t, http.StatusOK, []rawDetection{
		{Class: "person", Score: 0.6, Box: []float64{10, 10, 50, 90}},
		{Class: "person", Score: 0.9, Box: []float64{12, 12, 52, 92}},
		{Class: "product", Score: 0.7, Box: []float64{12, 12, 52, 92}},
		{Class: "person", Score: 0.1, Box: []float64{200, 200, 220, 240}},
		{Class: "person", Score: 0.4, Box: []float64{300, 300, 340, 380}},
	})

	dets, err := newClient(srv.URL).Detect(context.Background(), testFrame())
	require.NoError(t, err)

	require.Len(t, dets, 3)
	require.Equal(t, models.ClassPerson, dets[0].Class)
	require.Equal(t, 0.9, dets[0].Confidence)
	require.Equal(t, geom.Rect{X: 12, Y: 12, Width: 40, Height: 80}, dets[0].Box)
	require.Equal(t, models.ClassProduct, dets[1].Class)
	require.Equal(t, 0.4, dets[2].Confidence)
}

func TestDetectErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		frame  *models.Frame
		target error
	}{
		{"model not loaded", http.StatusServiceUnavailable, nil, testFrame(), models.ErrModelUnavailable},
		{"rejected frame", http.StatusUnprocessableEntity, map[string]string{"detail": "bad"}, testFrame(), models.ErrInvalidFrame},
		{"wrong channel count", http.StatusOK, []rawDetection{}, &models.Frame{CameraID: "STORE_001", Width: 2, Height: 2, Channels: 1, Pix: make([]byte, 4)}, models.ErrInvalidFrame},
		{"malformed box", http.StatusOK, []rawDetection{{Class: "person", Score: 0.9, Box: []float64{1, 2}}}, testFrame(), nil},
	}

	for _, test := range tests {
		srv := modelServer(t, test.status, test.body)
		_, err := newClient(srv.URL).Detect(context.Background(), test.frame)
		require.Error(t, err, test.name)

		var ie *models.InferenceError
		require.True(t, errors.As(err, &ie), test.name)
		require.Equal(t, "STORE_001", ie.CameraID, test.name)
		if test.target != nil {
			require.ErrorIs(t, err, test.target, test.name)
		}
	}
}

func TestDetectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url).Detect(context.Background(), testFrame())
	require.ErrorIs(t, err, models.ErrModelUnavailable)
}

func TestReady(t *testing.T) {
	up := modelServer(t, http.StatusOK, nil)
	require.NoError(t, newClient(up.URL).Ready(context.Background()))

	down := modelServer(t, http.StatusServiceUnavailable, nil)
	require.ErrorIs(t, newClient(down.URL).Ready(context.Background()), models.ErrModelUnavailable)
}

func TestSuppressKeepsOtherClasses(t *testing.T) {
	box := geom.Rect{X: 0, Y: 0, Width: 10, Height: 10}
	dets := Suppress([]models.Detection{
		{Class: models.ClassProduct, Confidence: 0.5, Box: box},
		{Class: models.ClassPerson, Confidence: 0.8, Box: box},
		{Class: models.ClassPerson, Confidence: 0.7, Box: geom.Rect{X: 1, Y: 1, Width: 10, Height: 10}},
		{Class: models.ClassPerson, Confidence: 0.6, Box: geom.Rect{X: 6, Y: 0, Width: 10, Height: 10}},
	}, 0.25, 0.45)

	require.Len(t, dets, 3)
	require.Equal(t, []float64{0.8, 0.6, 0.5}, []float64{dets[0].Confidence, dets[1].Confidence, dets[2].Confidence})
}
