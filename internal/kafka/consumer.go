package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer is a thin wrapper around a consumer-group kafka-go Reader that
// delivers the upstream incident stream.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(c config.KafkaConfig, log *zap.Logger) (*Consumer, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if c.GroupID == "" {
		c.GroupID = "incident-relay"
	}
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	// 0 commits synchronously on every Commit call
	ci := time.Duration(c.CommitInterval) * time.Millisecond
	if log == nil {
		log = zap.NewNop()
	}
	sl := log.Named("kafka").Sugar()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		ErrorLogger:    kafka.LoggerFunc(sl.Errorf),
	})

	return &Consumer{r: r}, nil
}

type Message = kafka.Message

// Fetch blocks for the next message and refreshes the lag gauge.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.r.FetchMessage(ctx)
	if err == nil {
		metrics.StreamLag.Set(float64(c.Lag()))
	}
	return m, err
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

// Lag reports how far the group is behind the newest message.
func (c *Consumer) Lag() int64 { return c.r.Stats().Lag }

func (c *Consumer) Close() error { return c.r.Close() }
