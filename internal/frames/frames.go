// Package frames converts between encoded images and raw RGB frames.
package frames

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // PNG uploads
	"time"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

const (
	channels = 3
	// 8K UHD.
	maxPixels = 7680 * 4320
)

// Decode turns a JPEG or PNG payload into an RGB frame. The header is read
// first so oversized canvases are rejected before any pixel buffer exists.
func Decode(cameraID string, ts time.Time, data []byte) (*models.Frame, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", models.ErrInvalidFrame, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: dimensions %dx%d out of range", models.ErrInvalidFrame, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", models.ErrInvalidFrame, err)
	}

	b := img.Bounds()
	frame := &models.Frame{
		CameraID:  cameraID,
		Timestamp: ts.UTC(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Channels:  channels,
		Pix:       make([]byte, b.Dx()*b.Dy()*channels),
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			frame.Pix[i] = byte(r >> 8)
			frame.Pix[i+1] = byte(g >> 8)
			frame.Pix[i+2] = byte(bl >> 8)
			i += channels
		}
	}
	return frame, nil
}

// EncodeJPEG renders the frame for the model server.
func EncodeJPEG(frame *models.Frame, quality int) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for p, i := 0, 0; p < len(frame.Pix); p, i = p+channels, i+4 {
		img.Pix[i] = frame.Pix[p]
		img.Pix[i+1] = frame.Pix[p+1]
		img.Pix[i+2] = frame.Pix[p+2]
		img.Pix[i+3] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
