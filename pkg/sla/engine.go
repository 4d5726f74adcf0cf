package sla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/metrics"
	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/scheduler"
	"chat-sla-tracker/pkg/store"
	"chat-sla-tracker/pkg/workhours"
)

type EngineConfig struct {
	MaxEscalations     int
	EscalationInterval time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxEscalations:     3,
		EscalationInterval: 30 * time.Minute,
	}
}

// Engine handles fired breach checks: it marks the request breached, creates
// the alert, resolves recipients, hands delivery off to the queue and arms
// the next escalation level. Every handler is safe to re-run; the queue
// delivers at least once.
type Engine struct {
	config   EngineConfig
	store    Store
	queue    Queue
	notifier Notifier
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

func NewEngine(config EngineConfig, st Store, queue Queue, notifier Notifier, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	if config.MaxEscalations <= 0 {
		config.MaxEscalations = DefaultEngineConfig().MaxEscalations
	}
	if config.EscalationInterval <= 0 {
		config.EscalationInterval = DefaultEngineConfig().EscalationInterval
	}
	return &Engine{
		config:   config,
		store:    st,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// RegisterHandlers binds the engine's job handlers to the scheduler.
func (e *Engine) RegisterHandlers(s *scheduler.Scheduler) {
	s.Register(JobBreachCheck, e.HandleBreachCheck)
	s.Register(JobEscalation, e.HandleBreachCheck)
	s.Register(JobAlertDelivery, e.HandleAlertDelivery)
}

// HandleBreachCheck runs when a request's delayed check (any escalation
// level) fires.
func (e *Engine) HandleBreachCheck(ctx context.Context, job scheduler.Job) error {
	var payload breachCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.logger.WithError(err).WithField("job_key", job.Key).Error("Undecodable breach check payload")
		return nil // data error, retrying cannot help
	}
	if payload.Level < 1 {
		payload.Level = 1
	}

	log := e.logger.WithFields(logrus.Fields{
		"request_id": payload.RequestID,
		"level":      payload.Level,
	})

	// Re-read current state: the response may have raced ahead of the check.
	req, err := e.store.GetRequest(ctx, payload.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Breach check fired for unknown request")
		e.metrics.BreachChecksTotal.WithLabelValues("not_found").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req.Status.IsTerminal() {
		log.WithField("status", string(req.Status)).Info("Request already resolved, skipping escalation")
		e.metrics.BreachChecksTotal.WithLabelValues("terminal_skip").Inc()
		return nil
	}

	policy, err := e.store.GetChatPolicy(ctx, req.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		// No policy means no recipients either; fall through to the
		// configuration-error path with a bare default schedule.
		policy = models.ChatPolicy{ChatID: req.ChatID, Schedule: workhours.Default()}
	} else if err != nil {
		return fmt.Errorf("failed to load chat policy: %w", err)
	}

	elapsed := workhours.MinutesBetween(req.ReceivedAt, e.now(), policy.Schedule)
	alert := models.Alert{
		ID:              uuid.New().String(),
		RequestID:       req.ID,
		Type:            models.AlertBreach,
		MinutesElapsed:  elapsed,
		EscalationLevel: payload.Level,
		DeliveryStatus:  models.DeliveryPending,
		CreatedAt:       e.now(),
	}

	// Both writes (breached flag and alert row) commit together; a duplicate
	// fire returns the already-existing alert instead of a second one.
	alert, created, err := e.store.Escalate(ctx, req.ID, alert)
	if errors.Is(err, store.ErrNotFound) {
		// The response landed between the re-read above and the transaction.
		log.Info("Request resolved during escalation, skipping")
		e.metrics.BreachChecksTotal.WithLabelValues("terminal_skip").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to escalate request %s: %w", req.ID, err)
	}
	if created {
		e.metrics.EscalationsSent.WithLabelValues(strconv.Itoa(payload.Level)).Inc()
		log.WithField("minutes_elapsed", elapsed).Warn("SLA breached, alert created")
	} else {
		log.Debug("Alert already exists for this level, duplicate fire ignored")
	}

	recipients := policy.Recipients()
	if len(recipients) == 0 {
		// Configuration error: nobody to tell. Requires operator action.
		log.Error("CRITICAL: no recipients resolvable for chat, alert delivery impossible")
		if err := e.store.SetAlertDelivery(ctx, alert.ID, models.DeliveryFailed); err != nil {
			return fmt.Errorf("failed to mark alert delivery failed: %w", err)
		}
		e.metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
	} else if alert.DeliveryStatus == models.DeliveryPending {
		// Covers both a fresh alert and a re-run after a crash between the
		// alert commit and the enqueue. Enqueue replaces by key, so the
		// repeat is idempotent.
		if err := e.enqueueDelivery(ctx, req, alert, recipients); err != nil {
			return err
		}
	}

	if payload.Level < e.config.MaxEscalations {
		next := e.now().Add(e.config.EscalationInterval)
		if err := e.store.SetNextEscalation(ctx, alert.ID, &next); err != nil {
			return fmt.Errorf("failed to persist next escalation: %w", err)
		}
		nextPayload, _ := json.Marshal(breachCheckPayload{RequestID: req.ID, Level: payload.Level + 1})
		job := scheduler.Job{
			Type:    JobEscalation,
			Key:     BreachCheckKey(req.ID),
			Payload: nextPayload,
		}
		if err := e.queue.ScheduleAt(ctx, job, e.config.EscalationInterval); err != nil {
			return fmt.Errorf("failed to schedule escalation: %w", err)
		}
		log.WithField("next_level", payload.Level+1).Info("Next escalation scheduled")
	} else {
		log.Info("Max escalation level reached, no further escalations")
	}

	e.metrics.BreachChecksTotal.WithLabelValues("escalated").Inc()
	return nil
}

func (e *Engine) enqueueDelivery(ctx context.Context, req models.Request, alert models.Alert, recipients []string) error {
	text := fmt.Sprintf(
		"SLA breach (level %d) in chat %s: client message unanswered for %d working minutes.\n\n%s",
		alert.EscalationLevel, req.ChatID, alert.MinutesElapsed, req.Text,
	)
	payload := models.AlertPayload{
		AlertID:         alert.ID,
		RequestID:       req.ID,
		ChatID:          req.ChatID,
		Type:            alert.Type,
		EscalationLevel: alert.EscalationLevel,
		MinutesElapsed:  alert.MinutesElapsed,
		Text:            text,
		Recipients:      recipients,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	job := scheduler.Job{
		Type:    JobAlertDelivery,
		Key:     DeliveryKey(alert.ID),
		Payload: raw,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue alert delivery: %w", err)
	}
	return nil
}

// HandleAlertDelivery pushes one alert to the notification channel and
// records the outcome. A returned error lets the queue retry the delivery.
func (e *Engine) HandleAlertDelivery(ctx context.Context, job scheduler.Job) error {
	var payload models.AlertPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.logger.WithError(err).WithField("job_key", job.Key).Error("Undecodable alert delivery payload")
		return nil
	}

	if err := e.notifier.Deliver(ctx, payload); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"alert_id":   payload.AlertID,
			"recipients": len(payload.Recipients),
		}).Error("Alert delivery failed")
		if sErr := e.store.SetAlertDelivery(ctx, payload.AlertID, models.DeliveryFailed); sErr != nil {
			e.logger.WithError(sErr).Error("Failed to record delivery failure")
		}
		e.metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}

	if err := e.store.SetAlertDelivery(ctx, payload.AlertID, models.DeliveryDelivered); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	e.metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
	e.logger.WithFields(logrus.Fields{
		"alert_id":   payload.AlertID,
		"request_id": payload.RequestID,
		"level":      payload.EscalationLevel,
	}).Info("Alert delivered")
	return nil
}
