package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/models"
)

type LogNotifier struct {
	logger *logrus.Logger
}

// LogOnly returns a notifier that writes alerts to the log instead of a
// chat channel. Used when no bot token is configured, typically in local
// development.
func LogOnly(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Deliver(ctx context.Context, payload models.AlertPayload) error {
	n.logger.WithFields(logrus.Fields{
		"alert_id":   payload.AlertID,
		"request_id": payload.RequestID,
		"chat_id":    payload.ChatID,
		"level":      payload.EscalationLevel,
		"recipients": payload.Recipients,
	}).Warn(payload.Text)
	return nil
}
