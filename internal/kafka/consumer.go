package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultEventsTopic = "webhook.events"
	DefaultGroupID     = "whgw-intake"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // 0 = commit synchronously on every Commit call
	MaxWait        time.Duration // default 50ms
}

// FromConfig maps the kafka.* section onto the events topic reader.
func FromConfig(c config.KafkaConfig) Config {
	topic := c.EventsTopic
	if topic == "" {
		topic = DefaultEventsTopic
	}
	group := c.GroupID
	if group == "" {
		group = DefaultGroupID
	}
	return Config{
		Brokers:        c.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: time.Duration(c.CommitInterval) * time.Millisecond,
	}
}

// Consumer is a thin wrapper around segmentio/kafka-go Reader.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(c Config) (*Consumer, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if c.Topic == "" || c.GroupID == "" {
		return nil, errors.New("kafka: topic and group id are required")
	}

	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 50 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: c.CommitInterval,
		MaxWait:        mw,
	})

	return &Consumer{r: r}, nil
}

type Message = kafka.Message

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }
