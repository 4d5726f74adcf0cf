package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-sla-tracker/pkg/models"
)

// Postgres is the relational store for requests, alerts and chat policies.
type Postgres struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	p.Pool.Close()
}

const requestColumns = `
	id, chat_id, message_id, text, category, confidence, source, content_hash,
	thread_id, parent_msg_ref, status, received_at, timer_started_at,
	responded_at, responded_by, working_minutes, breached`

func scanRequest(row pgx.Row) (models.Request, error) {
	var r models.Request
	err := row.Scan(
		&r.ID, &r.ChatID, &r.MessageID, &r.Text, &r.Category, &r.Confidence,
		&r.Source, &r.ContentHash, &r.ThreadID, &r.ParentMsgRef, &r.Status,
		&r.ReceivedAt, &r.TimerStartedAt, &r.RespondedAt, &r.RespondedBy,
		&r.WorkingMinutes, &r.Breached,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("failed to scan request: %w", err)
	}
	return r, nil
}

// CreateRequest inserts a new tracked request.
func (p *Postgres) CreateRequest(ctx context.Context, r models.Request) error {
	query := `
	INSERT INTO requests (
		id, chat_id, message_id, text, category, confidence, source, content_hash,
		thread_id, parent_msg_ref, status, received_at, breached
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := p.Pool.Exec(ctx, query,
		r.ID, r.ChatID, r.MessageID, r.Text, r.Category, r.Confidence,
		r.Source, r.ContentHash, r.ThreadID, r.ParentMsgRef, r.Status,
		r.ReceivedAt, r.Breached,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// GetRequest fetches a request by id.
func (p *Postgres) GetRequest(ctx context.Context, id string) (models.Request, error) {
	query := `SELECT` + requestColumns + ` FROM requests WHERE id = $1`
	return scanRequest(p.Pool.QueryRow(ctx, query, id))
}

// GetRequestByMessageRef finds the request created for a given chat message.
func (p *Postgres) GetRequestByMessageRef(ctx context.Context, chatID, messageID string) (models.Request, error) {
	query := `SELECT` + requestColumns + ` FROM requests WHERE chat_id = $1 AND message_id = $2`
	return scanRequest(p.Pool.QueryRow(ctx, query, chatID, messageID))
}

// FindOldestOpenRequest returns the longest-waiting unanswered request in a
// chat, if any.
func (p *Postgres) FindOldestOpenRequest(ctx context.Context, chatID string) (models.Request, error) {
	query := `SELECT` + requestColumns + `
	FROM requests
	WHERE chat_id = $1 AND status NOT IN ('answered', 'closed')
	ORDER BY received_at ASC
	LIMIT 1`
	return scanRequest(p.Pool.QueryRow(ctx, query, chatID))
}

// FindRecentDuplicate looks for an existing request in the chat with the same
// content hash received within the dedup window.
func (p *Postgres) FindRecentDuplicate(ctx context.Context, chatID, contentHash string, window time.Duration) (models.Request, error) {
	query := `SELECT` + requestColumns + `
	FROM requests
	WHERE chat_id = $1 AND content_hash = $2 AND received_at >= $3
	ORDER BY received_at DESC
	LIMIT 1`
	cutoff := time.Now().Add(-window)
	return scanRequest(p.Pool.QueryRow(ctx, query, chatID, contentHash, cutoff))
}

// MarkTimerStarted records the SLA clock start. Re-starting just moves the
// timestamp; the scheduler replaces the delayed check by key.
func (p *Postgres) MarkTimerStarted(ctx context.Context, id string, at time.Time) error {
	query := `
	UPDATE requests SET timer_started_at = $2, status = 'pending'
	WHERE id = $1 AND status NOT IN ('answered', 'closed')`

	tag, err := p.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark timer started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAnswered finalizes a request on staff response. The status guard makes
// the write conditional so a re-run of the handler is a no-op.
func (p *Postgres) MarkAnswered(ctx context.Context, id string, respondedBy string, respondedAt time.Time, workingMinutes int, breached bool) error {
	query := `
	UPDATE requests
	SET status = 'answered', responded_at = $2, responded_by = $3,
	    working_minutes = $4, breached = $5
	WHERE id = $1 AND status != 'closed'`

	tag, err := p.Pool.Exec(ctx, query, id, respondedAt, respondedBy, workingMinutes, breached)
	if err != nil {
		return fmt.Errorf("failed to mark answered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignThread sets the parent request's thread id only if none exists yet.
// The loser of a concurrent race re-reads and adopts the winner's id.
func (p *Postgres) AssignThread(ctx context.Context, parentID, proposedThreadID string) (string, error) {
	tag, err := p.Pool.Exec(ctx,
		`UPDATE requests SET thread_id = $2 WHERE id = $1 AND thread_id IS NULL`,
		parentID, proposedThreadID)
	if err != nil {
		return "", fmt.Errorf("failed to assign thread: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return proposedThreadID, nil
	}

	var threadID *string
	err = p.Pool.QueryRow(ctx, `SELECT thread_id FROM requests WHERE id = $1`, parentID).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Parent deleted mid-assignment: proceed with a standalone thread.
		return proposedThreadID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to re-read thread id: %w", err)
	}
	if threadID == nil {
		return proposedThreadID, nil
	}
	return *threadID, nil
}

// Escalate atomically marks the request breached/escalated and creates the
// breach alert for the given level. Both writes commit together. Creation is
// idempotent on (request, type, level) over unresolved alerts: a duplicate
// fire returns the existing alert with created=false.
func (p *Postgres) Escalate(ctx context.Context, requestID string, alert models.Alert) (models.Alert, bool, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("failed to begin escalate tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := p.unresolvedAlert(ctx, tx, requestID, alert.Type, alert.EscalationLevel)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Alert{}, false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE requests SET breached = TRUE, status = 'escalated'
		WHERE id = $1 AND status NOT IN ('answered', 'closed')`,
		requestID)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("failed to mark breached: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The request was answered or closed between the caller's read and
		// this transaction; an alert must not outlive its request.
		return models.Alert{}, false, ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO alerts (
			id, request_id, type, minutes_elapsed, escalation_level,
			delivery_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID, alert.RequestID, alert.Type, alert.MinutesElapsed,
		alert.EscalationLevel, alert.DeliveryStatus, alert.CreatedAt)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Alert{}, false, fmt.Errorf("failed to commit escalate tx: %w", err)
	}
	return alert, true, nil
}

func (p *Postgres) unresolvedAlert(ctx context.Context, tx pgx.Tx, requestID string, typ models.AlertType, level int) (models.Alert, error) {
	var a models.Alert
	err := tx.QueryRow(ctx, `
		SELECT id, request_id, type, minutes_elapsed, escalation_level,
		       delivery_status, next_escalation_at, resolved_action,
		       resolved_by, acknowledged_at, created_at
		FROM alerts
		WHERE request_id = $1 AND type = $2 AND escalation_level = $3
		  AND resolved_action IS NULL
		FOR UPDATE`,
		requestID, typ, level).Scan(
		&a.ID, &a.RequestID, &a.Type, &a.MinutesElapsed, &a.EscalationLevel,
		&a.DeliveryStatus, &a.NextEscalationAt, &a.ResolvedAction,
		&a.ResolvedBy, &a.AcknowledgedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to query unresolved alert: %w", err)
	}
	return a, nil
}

// SetAlertDelivery records the delivery outcome for an alert.
func (p *Postgres) SetAlertDelivery(ctx context.Context, alertID string, status models.DeliveryStatus) error {
	_, err := p.Pool.Exec(ctx, `UPDATE alerts SET delivery_status = $2 WHERE id = $1`, alertID, status)
	if err != nil {
		return fmt.Errorf("failed to set alert delivery: %w", err)
	}
	return nil
}

// SetNextEscalation persists when the next escalation level fires.
func (p *Postgres) SetNextEscalation(ctx context.Context, alertID string, at *time.Time) error {
	_, err := p.Pool.Exec(ctx, `UPDATE alerts SET next_escalation_at = $2 WHERE id = $1`, alertID, at)
	if err != nil {
		return fmt.Errorf("failed to set next escalation: %w", err)
	}
	return nil
}

// ResolveAlerts marks every unresolved alert of a request resolved in one
// pass and clears pending escalations.
func (p *Postgres) ResolveAlerts(ctx context.Context, requestID, action, resolvedBy string) error {
	_, err := p.Pool.Exec(ctx, `
		UPDATE alerts
		SET resolved_action = $2, resolved_by = $3, acknowledged_at = NOW(),
		    next_escalation_at = NULL
		WHERE request_id = $1 AND resolved_action IS NULL`,
		requestID, action, resolvedBy)
	if err != nil {
		return fmt.Errorf("failed to resolve alerts: %w", err)
	}
	return nil
}

// GetChatPolicy reads a chat's SLA configuration.
func (p *Postgres) GetChatPolicy(ctx context.Context, chatID string) (models.ChatPolicy, error) {
	var pol models.ChatPolicy
	err := p.Pool.QueryRow(ctx, `
		SELECT chat_id, sla_enabled, threshold_minutes, schedule,
		       chat_managers, chat_accountants, global_managers
		FROM chat_policies WHERE chat_id = $1`,
		chatID).Scan(
		&pol.ChatID, &pol.SLAEnabled, &pol.ThresholdMinutes, &pol.Schedule,
		&pol.ChatManagers, &pol.ChatAccountants, &pol.GlobalManagers)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChatPolicy{}, ErrNotFound
	}
	if err != nil {
		return models.ChatPolicy{}, fmt.Errorf("failed to get chat policy: %w", err)
	}
	return pol, nil
}
