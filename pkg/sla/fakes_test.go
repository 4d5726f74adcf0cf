package sla

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/scheduler"
	"chat-sla-tracker/pkg/store"
)

// memStore mirrors the Postgres store's semantics in memory: conditional
// status updates, idempotent alert creation by natural key, resolve-all.
type memStore struct {
	mu       sync.Mutex
	requests map[string]models.Request
	policies map[string]models.ChatPolicy
	alerts   map[string]models.Alert
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[string]models.Request),
		policies: make(map[string]models.ChatPolicy),
		alerts:   make(map[string]models.Alert),
	}
}

func (m *memStore) putRequest(r models.Request)    { m.mu.Lock(); m.requests[r.ID] = r; m.mu.Unlock() }
func (m *memStore) putPolicy(p models.ChatPolicy)  { m.mu.Lock(); m.policies[p.ChatID] = p; m.mu.Unlock() }

func (m *memStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) GetChatPolicy(ctx context.Context, chatID string) (models.ChatPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[chatID]
	if !ok {
		return models.ChatPolicy{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) MarkTimerStarted(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status.IsTerminal() {
		return store.ErrNotFound
	}
	r.TimerStartedAt = &at
	r.Status = models.StatusPending
	m.requests[id] = r
	return nil
}

func (m *memStore) MarkAnswered(ctx context.Context, id, respondedBy string, respondedAt time.Time, workingMinutes int, breached bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status == models.StatusClosed {
		return store.ErrNotFound
	}
	r.Status = models.StatusAnswered
	r.RespondedAt = &respondedAt
	r.RespondedBy = &respondedBy
	r.WorkingMinutes = &workingMinutes
	r.Breached = breached
	m.requests[id] = r
	return nil
}

func (m *memStore) Escalate(ctx context.Context, requestID string, alert models.Alert) (models.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.RequestID == requestID && a.Type == alert.Type &&
			a.EscalationLevel == alert.EscalationLevel && a.ResolvedAction == nil {
			return a, false, nil
		}
	}
	r, ok := m.requests[requestID]
	if !ok || r.Status.IsTerminal() {
		return models.Alert{}, false, store.ErrNotFound
	}
	r.Breached = true
	r.Status = models.StatusEscalated
	m.requests[requestID] = r
	m.alerts[alert.ID] = alert
	return alert, true, nil
}

func (m *memStore) SetAlertDelivery(ctx context.Context, alertID string, status models.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return store.ErrNotFound
	}
	a.DeliveryStatus = status
	m.alerts[alertID] = a
	return nil
}

func (m *memStore) SetNextEscalation(ctx context.Context, alertID string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return store.ErrNotFound
	}
	a.NextEscalationAt = at
	m.alerts[alertID] = a
	return nil
}

func (m *memStore) ResolveAlerts(ctx context.Context, requestID, action, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, a := range m.alerts {
		if a.RequestID == requestID && a.ResolvedAction == nil {
			a.ResolvedAction = &action
			a.ResolvedBy = &resolvedBy
			a.AcknowledgedAt = &now
			a.NextEscalationAt = nil
			m.alerts[id] = a
		}
	}
	return nil
}

func (m *memStore) alertsFor(requestID string) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out
}

// fakeQueue records scheduled jobs keyed like the real queue. Set enqueueErr
// to fail the next Enqueue once.
type fakeQueue struct {
	mu         sync.Mutex
	jobs       map[string]scheduler.Job
	delays     map[string]time.Duration
	cancelled  []string
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:   make(map[string]scheduler.Job),
		delays: make(map[string]time.Duration),
	}
}

func (q *fakeQueue) ScheduleAt(ctx context.Context, job scheduler.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.Key] = job
	q.delays[job.Key] = delay
	return nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, job scheduler.Job) error {
	q.mu.Lock()
	if err := q.enqueueErr; err != nil {
		q.enqueueErr = nil
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()
	return q.ScheduleAt(ctx, job, 0)
}

func (q *fakeQueue) Cancel(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, key)
	delete(q.delays, key)
	q.cancelled = append(q.cancelled, key)
	return nil
}

func (q *fakeQueue) pending(key string) (scheduler.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	return j, ok
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// fakeNotifier records deliveries and optionally fails them.
type fakeNotifier struct {
	mu        sync.Mutex
	delivered []models.AlertPayload
	fail      bool
}

func (n *fakeNotifier) Deliver(ctx context.Context, payload models.AlertPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("channel unavailable")
	}
	n.delivered = append(n.delivered, payload)
	return nil
}
