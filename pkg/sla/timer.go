package sla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/metrics"
	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/scheduler"
	"chat-sla-tracker/pkg/workhours"
)

// Timer starts and stops the SLA clock for tracked requests.
type Timer struct {
	store   Store
	queue   Queue
	logger  *logrus.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

func NewTimer(store Store, queue Queue, logger *logrus.Logger, m *metrics.Metrics) *Timer {
	return &Timer{
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// StopParams describes the staff response that ends a request's clock.
type StopParams struct {
	RespondedBy        string
	ResponseMessageRef string
	ResponseAt         time.Time
}

// StopResult is the breach verdict returned to the caller.
type StopResult struct {
	Breached         bool `json:"breached"`
	WorkingMinutes   int  `json:"working_minutes"`
	ThresholdMinutes int  `json:"threshold_minutes"`
}

// Status is the live SLA projection for one request, computed against "now"
// regardless of what is scheduled.
type Status struct {
	RequestID        string               `json:"request_id"`
	Status           models.RequestStatus `json:"status"`
	ElapsedMinutes   int                  `json:"elapsed_minutes"`
	RemainingMinutes int                  `json:"remaining_minutes"`
	ThresholdMinutes int                  `json:"threshold_minutes"`
	Breached         bool                 `json:"breached"`
}

// Start arms the delayed breach check for a request. Re-starting replaces the
// pending check for the same request, never duplicates it.
func (t *Timer) Start(ctx context.Context, requestID, chatID string, thresholdMinutes int) error {
	req, err := t.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request %s: %w", requestID, err)
	}

	policy, err := t.store.GetChatPolicy(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to load policy for chat %s: %w", chatID, err)
	}
	if !policy.SLAEnabled {
		t.logger.WithField("chat_id", chatID).Debug("SLA disabled for chat, timer not started")
		return nil
	}
	if thresholdMinutes <= 0 {
		thresholdMinutes = policy.ThresholdMinutes
	}

	now := t.now()
	delay := workhours.DelayUntilBreach(req.ReceivedAt, now, thresholdMinutes, policy.Schedule)

	fresh := req.TimerStartedAt == nil
	if err := t.store.MarkTimerStarted(ctx, requestID, now); err != nil {
		return fmt.Errorf("failed to persist timer start: %w", err)
	}

	payload, _ := json.Marshal(breachCheckPayload{RequestID: requestID, Level: 1})
	job := scheduler.Job{
		Type:    JobBreachCheck,
		Key:     BreachCheckKey(requestID),
		Payload: payload,
	}
	if err := t.queue.ScheduleAt(ctx, job, delay); err != nil {
		return fmt.Errorf("failed to schedule breach check: %w", err)
	}

	// Re-starts replace the pending check; the gauge counts requests, not
	// schedule calls.
	if fresh {
		t.metrics.ActiveTimersCount.Inc()
	}
	t.logger.WithFields(logrus.Fields{
		"request_id":        requestID,
		"chat_id":           chatID,
		"threshold_minutes": thresholdMinutes,
		"delay":             delay,
	}).Info("SLA timer started")
	return nil
}

// Stop ends a request's clock on staff response. Cancelling the scheduled
// check is best-effort: the check may already have fired, which is expected
// and not an error. The verdict combines the stored breach flag with a fresh
// working-minutes computation.
func (t *Timer) Stop(ctx context.Context, requestID string, params StopParams) (StopResult, error) {
	req, err := t.store.GetRequest(ctx, requestID)
	if err != nil {
		return StopResult{}, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}

	policy, err := t.store.GetChatPolicy(ctx, req.ChatID)
	if err != nil {
		return StopResult{}, fmt.Errorf("failed to load policy for chat %s: %w", req.ChatID, err)
	}

	if req.Status.IsTerminal() {
		// Already finalized; report the stored verdict.
		elapsed := 0
		if req.WorkingMinutes != nil {
			elapsed = *req.WorkingMinutes
		}
		return StopResult{
			Breached:         req.Breached,
			WorkingMinutes:   elapsed,
			ThresholdMinutes: policy.ThresholdMinutes,
		}, nil
	}

	if err := t.queue.Cancel(ctx, BreachCheckKey(requestID)); err != nil {
		t.logger.WithError(err).WithField("request_id", requestID).
			Warn("Failed to cancel scheduled breach check")
	}

	responseAt := params.ResponseAt
	if responseAt.IsZero() {
		responseAt = t.now()
	}

	elapsed := workhours.MinutesBetween(req.ReceivedAt, responseAt, policy.Schedule)
	breached := req.Breached || elapsed >= policy.ThresholdMinutes

	if err := t.store.MarkAnswered(ctx, requestID, params.RespondedBy, responseAt, elapsed, breached); err != nil {
		return StopResult{}, fmt.Errorf("failed to mark answered: %w", err)
	}
	if err := t.store.ResolveAlerts(ctx, requestID, "answered", params.RespondedBy); err != nil {
		return StopResult{}, fmt.Errorf("failed to resolve alerts: %w", err)
	}

	if req.TimerStartedAt != nil {
		t.metrics.ActiveTimersCount.Dec()
	}
	t.metrics.WorkingMinutesElapsed.Observe(float64(elapsed))
	t.logger.WithFields(logrus.Fields{
		"request_id":      requestID,
		"responded_by":    params.RespondedBy,
		"working_minutes": elapsed,
		"breached":        breached,
	}).Info("SLA timer stopped")

	return StopResult{
		Breached:         breached,
		WorkingMinutes:   elapsed,
		ThresholdMinutes: policy.ThresholdMinutes,
	}, nil
}

// Status returns the live elapsed/remaining projection for a request.
func (t *Timer) Status(ctx context.Context, requestID string) (Status, error) {
	req, err := t.store.GetRequest(ctx, requestID)
	if err != nil {
		return Status{}, err
	}
	policy, err := t.store.GetChatPolicy(ctx, req.ChatID)
	if err != nil {
		return Status{}, err
	}

	end := t.now()
	if req.RespondedAt != nil {
		end = *req.RespondedAt
	}
	elapsed := workhours.MinutesBetween(req.ReceivedAt, end, policy.Schedule)
	remaining := policy.ThresholdMinutes - elapsed
	if remaining < 0 {
		remaining = 0
	}

	return Status{
		RequestID:        requestID,
		Status:           req.Status,
		ElapsedMinutes:   elapsed,
		RemainingMinutes: remaining,
		ThresholdMinutes: policy.ThresholdMinutes,
		Breached:         req.Breached || elapsed >= policy.ThresholdMinutes,
	}, nil
}

// Pause removes the scheduled check without finalizing the request.
func (t *Timer) Pause(ctx context.Context, requestID string) error {
	return t.queue.Cancel(ctx, BreachCheckKey(requestID))
}

// Resume re-arms the check, recomputing the delay from the original
// receivedAt rather than from the pause point.
func (t *Timer) Resume(ctx context.Context, requestID string) error {
	req, err := t.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	if req.Status.IsTerminal() {
		return nil
	}
	return t.Start(ctx, requestID, req.ChatID, 0)
}
