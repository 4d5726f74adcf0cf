package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"chat-sla-tracker/pkg/models"
)

func testTelegram(send func(ctx context.Context, chatID int64, text string) error) *Telegram {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Telegram{
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   logger,
		attempts: 3,
		backoff:  time.Millisecond,
		send:     send,
	}
}

func alertPayload(recipients ...string) models.AlertPayload {
	return models.AlertPayload{
		AlertID:         "al_1",
		RequestID:       "req_1",
		ChatID:          "chat_1",
		Type:            models.AlertBreach,
		EscalationLevel: 1,
		MinutesElapsed:  90,
		Text:            "SLA breach in chat_1",
		Recipients:      recipients,
	}
}

func TestTelegram_DeliverFansOutToAllRecipients(t *testing.T) {
	var mu sync.Mutex
	var sent []int64
	tg := testTelegram(func(ctx context.Context, chatID int64, text string) error {
		mu.Lock()
		sent = append(sent, chatID)
		mu.Unlock()
		return nil
	})

	err := tg.Deliver(context.Background(), alertPayload("100", "200", "300"))
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 300}, sent)
}

func TestTelegram_DeliverRetriesTransientFailure(t *testing.T) {
	calls := 0
	tg := testTelegram(func(ctx context.Context, chatID int64, text string) error {
		calls++
		if calls < 3 {
			return errors.New("telegram: 502")
		}
		return nil
	})

	err := tg.Deliver(context.Background(), alertPayload("100"))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTelegram_DeliverFailsAfterAttemptsExhausted(t *testing.T) {
	calls := 0
	tg := testTelegram(func(ctx context.Context, chatID int64, text string) error {
		calls++
		return errors.New("telegram: 502")
	})

	err := tg.Deliver(context.Background(), alertPayload("100", "200"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2 recipients")
	assert.Equal(t, 6, calls)
}

func TestTelegram_DeliverSkipsMalformedRecipient(t *testing.T) {
	var sent []int64
	tg := testTelegram(func(ctx context.Context, chatID int64, text string) error {
		sent = append(sent, chatID)
		return nil
	})

	err := tg.Deliver(context.Background(), alertPayload("not-a-chat-id", "200"))
	require.NoError(t, err)
	assert.Equal(t, []int64{200}, sent)
}

func TestTelegram_DeliverHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tg := testTelegram(func(ctx context.Context, chatID int64, text string) error {
		cancel()
		return errors.New("telegram: timeout")
	})

	err := tg.Deliver(ctx, alertPayload("100"))
	require.Error(t, err)
}

func TestNewTelegram_RequiresToken(t *testing.T) {
	_, err := NewTelegram("", 20, logrus.New())
	assert.Error(t, err)
}
