package frames

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	frame, err := Decode("STORE_001", ts, pngBytes(t, 4, 3, color.RGBA{R: 200, G: 100, B: 50, A: 255}))
	require.NoError(t, err)

	require.Equal(t, "STORE_001", frame.CameraID)
	require.Equal(t, 4, frame.Width)
	require.Equal(t, 3, frame.Height)
	require.NoError(t, frame.Validate())
	require.Equal(t, []byte{200, 100, 50}, frame.Pix[:3])
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode("STORE_001", time.Now(), []byte("not an image"))
	require.ErrorIs(t, err, models.ErrInvalidFrame)
}

func TestEncodeJPEGRoundTrip(t *testing.T) {
	frame, err := Decode("cam", time.Now(), pngBytes(t, 16, 8, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
	require.NoError(t, err)

	data, err := EncodeJPEG(frame, 90)
	require.NoError(t, err)

	back, err := Decode("cam", time.Now(), data)
	require.NoError(t, err)
	require.Equal(t, frame.Width, back.Width)
	require.Equal(t, frame.Height, back.Height)
}

func TestEncodeJPEGRejectsBadFrame(t *testing.T) {
	_, err := EncodeJPEG(&models.Frame{Width: 2, Height: 2, Channels: 4, Pix: make([]byte, 16)}, 90)
	require.ErrorIs(t, err, models.ErrInvalidFrame)
}

// pngHeader builds a PNG signature plus IHDR chunk claiming the given size.
func pngHeader(width, height uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	body := make([]byte, 13)
	binary.BigEndian.PutUint32(body[0:], width)
	binary.BigEndian.PutUint32(body[4:], height)
	body[8] = 8 // bit depth
	body[9] = 2 // truecolor

	chunk := append([]byte("IHDR"), body...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeRejectsHugeCanvas(t *testing.T) {
	_, err := Decode("STORE_001", time.Now(), pngHeader(100000, 100000))
	require.ErrorIs(t, err, models.ErrInvalidFrame)
	require.Contains(t, err.Error(), "100000x100000")
}
