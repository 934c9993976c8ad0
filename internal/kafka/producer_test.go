package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

func TestSendAlert(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event map[string]any
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event["camera_id"] != "STORE_001" || event["alert"] != true {
			return errors.New("unexpected payload")
		}
		if event["timestamp"] != "2025-06-01T15:00:00.000Z" {
			return errors.New("timestamp not in ISO-8601 UTC")
		}
		return nil
	})

	p := newProducer(mock, "queue-alerts", "pipeline-results")
	err := p.SendAlert(models.AlertEvent{
		CameraID:    "STORE_001",
		Alert:       true,
		QueueLength: 6.2,
		Confidence:  0.9,
		Timestamp:   models.NewTimestamp(time.Date(2025, 6, 1, 18, 0, 0, 0, time.FixedZone("MSK", 3*3600))),
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestSendResultFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(mock, "queue-alerts", "pipeline-results")
	err := p.SendResult(&models.PipelineResult{CameraID: "STORE_001"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestSendResultDisabled(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)

	p := newProducer(mock, "queue-alerts", "")
	require.NoError(t, p.SendResult(&models.PipelineResult{CameraID: "STORE_001"}))
	require.NoError(t, p.Close())
}

func TestMessageAck(t *testing.T) {
	acked := 0
	m := NewMessage([]byte("STORE_001"), []byte("{}"), func() { acked++ })
	m.Ack()
	require.Equal(t, 1, acked)

	NewMessage(nil, nil, nil).Ack()
}
