package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameValidate(t *testing.T) {
	ok := &Frame{CameraID: "cam", Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 12)}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name  string
		frame *Frame
	}{
		{"nil", nil},
		{"zero size", &Frame{Channels: 3}},
		{"grayscale", &Frame{Width: 2, Height: 2, Channels: 1, Pix: make([]byte, 4)}},
		{"short buffer", &Frame{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 5)}},
	}
	for _, test := range tests {
		err := test.frame.Validate()
		require.ErrorIs(t, err, ErrInvalidFrame, test.name)
	}
}

func TestTimestampISO8601(t *testing.T) {
	local := time.Date(2025, 3, 1, 15, 4, 5, 250*int(time.Millisecond), time.FixedZone("X", 3*3600))
	ts := NewTimestamp(local)
	require.Equal(t, "2025-03-01T12:04:05.250Z", ts.String())

	payload, err := json.Marshal(struct {
		At Timestamp `json:"at"`
	}{ts})
	require.NoError(t, err)
	require.JSONEq(t, `{"at":"2025-03-01T12:04:05.250Z"}`, string(payload))

	parsed, err := ParseTimestamp("2025-03-01T15:04:05.25+03:00")
	require.NoError(t, err)
	require.True(t, parsed.Time().Equal(local))
	require.Equal(t, time.UTC, parsed.Time().Location())

	_, err = ParseTimestamp("yesterday")
	require.Error(t, err)
}

func TestInferenceErrorUnwraps(t *testing.T) {
	err := error(&InferenceError{CameraID: "STORE_001", Err: ErrModelUnavailable})

	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "STORE_001", ie.CameraID)
	require.ErrorIs(t, err, ErrModelUnavailable)
}
