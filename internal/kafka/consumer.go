package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const retryDelay = 5 * time.Second

// Consumer wraps a sarama ConsumerGroup and hands frame commands out one by
// one. A partition's offset advances only past messages the caller acked.
type Consumer struct {
	group    sarama.ConsumerGroup
	topic    string
	messages chan Message
	closed   chan struct{}
	log      zerolog.Logger
}

// Message is a received record plus the hook that commits its offset.
type Message struct {
	Key   []byte
	Value []byte
	ack   func()
}

// NewMessage builds a Message outside a consumer group session.
func NewMessage(key, value []byte, ack func()) Message {
	return Message{Key: key, Value: value, ack: ack}
}

// Ack marks the message as processed.
func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

func NewConsumer(brokers []string, groupID, topic string, log zerolog.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		group:    group,
		topic:    topic,
		messages: make(chan Message),
		closed:   make(chan struct{}),
		log:      log.With().Str("component", "kafka-consumer").Str("topic", topic).Logger(),
	}, nil
}

// StartListening consumes in the background until ctx is done.
func (c *Consumer) StartListening(ctx context.Context) {
	handler := &consumerGroupHandler{
		messages: c.messages,
		closed:   c.closed,
		log:      c.log,
	}

	go func() {
		defer close(c.messages)

		for {
			select {
			case <-ctx.Done():
				c.log.Info().Msg("context cancelled, stopping")
				return
			default:
				c.log.Debug().Msg("starting consumption cycle")
				err := c.group.Consume(ctx, []string{c.topic}, handler)
				if err != nil {
					c.log.Error().Err(err).Dur("retry_in", retryDelay).Msg("consume failed")
					select {
					case <-ctx.Done():
						return
					case <-time.After(retryDelay):
					}
					continue
				}

				if ctx.Err() != nil {
					return
				}
			}
		}
	}()
}

func (c *Consumer) Close() error {
	close(c.closed)
	return c.group.Close()
}

func (c *Consumer) Messages() <-chan Message {
	return c.messages
}

type consumerGroupHandler struct {
	messages chan<- Message
	closed   <-chan struct{}
	log      zerolog.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim hands each frame command to the runner. Acks go through a
// per-claim offsetTracker instead of marking the message directly.
func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logger := h.log.With().Int32("partition", claim.Partition()).Logger()
	tracker := newOffsetTracker(func(next int64) {
		sess.MarkOffset(claim.Topic(), claim.Partition(), next, "")
	})

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			logger.Debug().Str("camera_id", string(msg.Key)).Int64("offset", msg.Offset).Msg("frame command received")

			tracker.add(msg.Offset)
			offset := msg.Offset
			m := NewMessage(msg.Key, msg.Value, func() { tracker.ack(offset) })
			select {
			case h.messages <- m:
			case <-sess.Context().Done():
				return nil
			case <-h.closed:
				return nil
			}
		case <-sess.Context().Done():
			return nil
		case <-h.closed:
			return nil
		}
	}
}
