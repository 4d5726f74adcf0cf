package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/models"
)

// Consumer reads chat-message events off kafka and feeds them through the
// pipeline. Offsets commit only after a message is fully processed, so a
// crash mid-message redelivers it; the pipeline tolerates the re-run.
type Consumer struct {
	reader     *kafka.Reader
	pipeline   *Pipeline
	logger     *logrus.Logger
	retryDelay time.Duration
}

func NewConsumer(broker, topic, groupID string, pipeline *Pipeline, logger *logrus.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{broker},
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:     reader,
		pipeline:   pipeline,
		logger:     logger,
		retryDelay: 5 * time.Second,
	}
}

// Run consumes until the context is cancelled or the reader is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"topic":    c.reader.Config().Topic,
		"group_id": c.reader.Config().GroupID,
	}).Info("Kafka consumer started")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if !c.handle(ctx, m.Value, m.Offset) {
			return nil
		}
		c.commit(ctx, m)
	}
}

// handle decodes and processes one event. Group commits are positional, so
// acking any later offset would mark an earlier failed one consumed too; a
// processing failure therefore retries in place instead of advancing.
// Reports whether the offset may be committed; false means the context ended
// mid-retry.
func (c *Consumer) handle(ctx context.Context, value []byte, offset int64) bool {
	var msg models.InboundMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		// Undecodable events are skipped; redelivery cannot fix them.
		c.logger.WithError(err).WithField("offset", offset).Error("Undecodable message event")
		return true
	}
	if msg.MessageID == "" || msg.ChatID == "" {
		c.logger.WithField("offset", offset).Error("Message event missing message_id or chat_id")
		return true
	}

	for {
		result, err := c.pipeline.Process(ctx, msg)
		if err == nil {
			c.logger.WithFields(logrus.Fields{
				"chat_id":    msg.ChatID,
				"message_id": msg.MessageID,
				"outcome":    string(result.Outcome),
			}).Debug("Message event processed")
			return true
		}

		c.logger.WithError(err).WithFields(logrus.Fields{
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
		}).Error("Failed to process message event, retrying")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.WithError(err).WithField("offset", m.Offset).Warn("Failed to commit offset")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
