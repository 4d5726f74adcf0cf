// Package sla owns the request-lifecycle scheduling engine: the timer that
// arms a working-hours-aware breach check for every tracked request, and the
// escalation engine that handles the check when it fires.
package sla

import (
	"context"
	"time"

	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/scheduler"
)

// Job types handled by this package.
const (
	JobBreachCheck   = "breach-check"
	JobEscalation    = "escalation"
	JobAlertDelivery = "alert-delivery"
)

// Store is the slice of the relational store the engine needs.
type Store interface {
	GetRequest(ctx context.Context, id string) (models.Request, error)
	GetChatPolicy(ctx context.Context, chatID string) (models.ChatPolicy, error)
	MarkTimerStarted(ctx context.Context, id string, at time.Time) error
	MarkAnswered(ctx context.Context, id, respondedBy string, respondedAt time.Time, workingMinutes int, breached bool) error
	Escalate(ctx context.Context, requestID string, alert models.Alert) (models.Alert, bool, error)
	SetAlertDelivery(ctx context.Context, alertID string, status models.DeliveryStatus) error
	SetNextEscalation(ctx context.Context, alertID string, at *time.Time) error
	ResolveAlerts(ctx context.Context, requestID, action, resolvedBy string) error
}

// Queue is the durable delayed-job queue contract.
type Queue interface {
	ScheduleAt(ctx context.Context, job scheduler.Job, delay time.Duration) error
	Enqueue(ctx context.Context, job scheduler.Job) error
	Cancel(ctx context.Context, key string) error
}

// Notifier pushes an alert payload to its recipients.
type Notifier interface {
	Deliver(ctx context.Context, payload models.AlertPayload) error
}

// BreachCheckKey is the scheduling key for a request's delayed check. All
// escalation levels reuse it, so cancelling one key clears whatever level is
// pending.
func BreachCheckKey(requestID string) string {
	return "breach-check:" + requestID
}

// DeliveryKey is the scheduling key for one alert's delivery job.
func DeliveryKey(alertID string) string {
	return "alert-delivery:" + alertID
}

// breachCheckPayload rides inside breach-check and escalation jobs.
type breachCheckPayload struct {
	RequestID string `json:"request_id"`
	Level     int    `json:"level"`
}
