package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/frames"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/geom"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

const jpegQuality = 90

type Config struct {
	Endpoint        string
	Timeout         time.Duration
	ConfidenceFloor float64
	IoUThreshold    float64
}

// rawDetection is the model server's wire format.
type rawDetection struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box"` // [x1, y1, x2, y2]
}

// Client talks to the model server that holds the detection weights. The
// weights are loaded once on the server and shared by every request; the
// client itself keeps no per-call state and is safe for concurrent use.
type Client struct {
	URL  string
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		URL:  cfg.Endpoint,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "detector").Logger(),
	}
}

// Ready checks that the model server is up with weights loaded.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %s", models.ErrModelUnavailable, resp.Status)
	}
	return nil
}

// Detect runs the model on frame and returns detections above the confidence
// floor, de-duplicated by per-class NMS, ordered by descending confidence.
func (c *Client) Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	fail := func(err error) error {
		ie := &models.InferenceError{Err: err}
		if frame != nil {
			ie.CameraID = frame.CameraID
			ie.Timestamp = frame.Timestamp
		}
		return ie
	}

	imageData, err := frames.EncodeJPEG(frame, jpegQuality)
	if err != nil {
		return nil, fail(err)
	}

	raw, err := c.sendFrame(ctx, imageData)
	if err != nil {
		return nil, fail(err)
	}

	detections := make([]models.Detection, 0, len(raw))
	for _, r := range raw {
		if len(r.Box) != 4 {
			return nil, fail(fmt.Errorf("malformed box with %d coordinates", len(r.Box)))
		}
		detections = append(detections, models.Detection{
			Class:      models.ClassLabel(r.Class),
			Confidence: geom.Clamp(r.Score, 0, 1),
			Box:        geom.FromCorners(r.Box[0], r.Box[1], r.Box[2], r.Box[3]),
		})
	}

	kept := Suppress(detections, c.cfg.ConfidenceFloor, c.cfg.IoUThreshold)

	c.log.Debug().
		Str("camera_id", frame.CameraID).
		Int("raw", len(raw)).
		Int("kept", len(kept)).
		Msg("detection complete")

	return kept, nil
}

// sendFrame posts the JPEG bytes to /predict as a multipart upload.
func (c *Client) sendFrame(ctx context.Context, imageData []byte) ([]rawDetection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", models.ErrModelUnavailable, resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s: %s", models.ErrInvalidFrame, resp.Status, bodyBytes)
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status: %s, error: %s", resp.Status, bodyBytes)
	}

	var raw []rawDetection
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}
	return raw, nil
}

// Suppress drops detections under floor, then keeps only the most confident
// box among same-class boxes whose IoU exceeds iouThreshold. The result is
// sorted by descending confidence.
func Suppress(detections []models.Detection, floor, iouThreshold float64) []models.Detection {
	candidates := lo.Filter(detections, func(d models.Detection, _ int) bool {
		return d.Confidence >= floor
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := make([]models.Detection, 0, len(candidates))
	for _, d := range candidates {
		overlaps := lo.ContainsBy(kept, func(k models.Detection) bool {
			return k.Class == d.Class && geom.IoU(k.Box, d.Box) > iouThreshold
		})
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}
