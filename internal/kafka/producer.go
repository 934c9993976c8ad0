package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

type Producer struct {
	producer    sarama.SyncProducer
	alertTopic  string
	resultTopic string
}

func NewProducer(brokers []string, alertTopic, resultTopic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return newProducer(producer, alertTopic, resultTopic), nil
}

func newProducer(producer sarama.SyncProducer, alertTopic, resultTopic string) *Producer {
	return &Producer{
		producer:    producer,
		alertTopic:  alertTopic,
		resultTopic: resultTopic,
	}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

// SendAlert publishes a queue alert transition keyed by camera.
func (p *Producer) SendAlert(event models.AlertEvent) error {
	return p.publish(p.alertTopic, event.CameraID, event)
}

// SendResult publishes a pipeline result keyed by camera. A blank result
// topic disables publishing.
func (p *Producer) SendResult(result *models.PipelineResult) error {
	if p.resultTopic == "" {
		return nil
	}
	return p.publish(p.resultTopic, result.CameraID, result)
}

func (p *Producer) publish(topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	return nil
}
