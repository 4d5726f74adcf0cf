// Package notify delivers SLA alerts to staff over Telegram.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chat-sla-tracker/pkg/models"
)

// Telegram sends alert messages to each recipient's direct chat. All sends
// share one rate limiter so escalation bursts stay inside the bot API quota.
type Telegram struct {
	limiter  *rate.Limiter
	logger   *logrus.Logger
	attempts int
	backoff  time.Duration

	// send performs one message send. Split out from Deliver so retry and
	// fan-out logic is testable without the bot API.
	send func(ctx context.Context, chatID int64, text string) error
}

func NewTelegram(token string, ratePerSecond int, logger *logrus.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	t := &Telegram{
		limiter:  rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond),
		logger:   logger,
		attempts: 3,
		backoff:  time.Second,
	}
	t.send = func(ctx context.Context, chatID int64, text string) error {
		_, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
		return err
	}
	return t, nil
}

// Deliver sends the alert text to every recipient. A recipient that still
// fails after retries fails the whole delivery so the queue re-runs it;
// recipients that already got the message may see it again.
func (t *Telegram) Deliver(ctx context.Context, payload models.AlertPayload) error {
	var failed int
	for _, recipient := range payload.Recipients {
		chatID, err := strconv.ParseInt(recipient, 10, 64)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"alert_id":  payload.AlertID,
				"recipient": recipient,
			}).Error("Recipient is not a valid telegram chat id, skipping")
			continue
		}

		if err := t.sendWithRetry(ctx, chatID, payload.Text); err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"alert_id":  payload.AlertID,
				"recipient": recipient,
			}).Error("Failed to deliver alert to recipient")
			failed++
			continue
		}

		t.logger.WithFields(logrus.Fields{
			"alert_id":  payload.AlertID,
			"recipient": recipient,
			"level":     payload.EscalationLevel,
		}).Debug("Alert message sent")
	}

	if failed > 0 {
		return fmt.Errorf("failed to deliver alert %s to %d of %d recipients",
			payload.AlertID, failed, len(payload.Recipients))
	}
	return nil
}

func (t *Telegram) sendWithRetry(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		err := t.send(ctx, chatID, text)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("failed to send telegram message to chat %d after %d attempts: %w",
		chatID, t.attempts, lastErr)
}
