package models

import (
	"time"

	"chat-sla-tracker/pkg/workhours"
)

// Category is the classification outcome for an inbound chat message.
type Category string

const (
	CategoryRequest       Category = "REQUEST"
	CategorySpam          Category = "SPAM"
	CategoryGratitude     Category = "GRATITUDE"
	CategoryClarification Category = "CLARIFICATION"
)

// Source identifies which stage of the cascade produced a classification.
type Source string

const (
	SourceCache   Source = "cache"
	SourceAI      Source = "ai"
	SourceKeyword Source = "keyword-fallback"
)

// RequestStatus is the lifecycle state of a tracked client request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusAnswered   RequestStatus = "answered"
	StatusEscalated  RequestStatus = "escalated"
	StatusClosed     RequestStatus = "closed"
)

// IsTerminal reports whether a request in this status no longer has an
// active SLA clock.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusAnswered || s == StatusClosed
}

// Request is one inbound client message that required tracking.
type Request struct {
	ID             string        `json:"id"`
	ChatID         string        `json:"chat_id"`
	MessageID      string        `json:"message_id"`
	Text           string        `json:"text"`
	Category       Category      `json:"category"`
	Confidence     float64       `json:"confidence"`
	Source         Source        `json:"source"`
	ContentHash    string        `json:"content_hash"`
	ThreadID       *string       `json:"thread_id,omitempty"`
	ParentMsgRef   *string       `json:"parent_msg_ref,omitempty"`
	Status         RequestStatus `json:"status"`
	ReceivedAt     time.Time     `json:"received_at"`
	TimerStartedAt *time.Time    `json:"timer_started_at,omitempty"`
	RespondedAt    *time.Time    `json:"responded_at,omitempty"`
	RespondedBy    *string       `json:"responded_by,omitempty"`
	WorkingMinutes *int          `json:"working_minutes,omitempty"`
	Breached       bool          `json:"breached"`
}

// AlertType distinguishes approaching-deadline warnings from actual breaches.
type AlertType string

const (
	AlertWarning AlertType = "warning"
	AlertBreach  AlertType = "breach"
)

// DeliveryStatus tracks the outcome of pushing an alert to its recipients.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Alert is one notification instance tied to a Request. At most one
// unresolved alert may exist per (request, type, escalation level).
type Alert struct {
	ID               string         `json:"id"`
	RequestID        string         `json:"request_id"`
	Type             AlertType      `json:"type"`
	MinutesElapsed   int            `json:"minutes_elapsed"`
	EscalationLevel  int            `json:"escalation_level"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status"`
	NextEscalationAt *time.Time     `json:"next_escalation_at,omitempty"`
	ResolvedAction   *string        `json:"resolved_action,omitempty"`
	ResolvedBy       *string        `json:"resolved_by,omitempty"`
	AcknowledgedAt   *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ChatPolicy is the per-chat SLA configuration. It is owned by the admin
// surface and read-only inside this service.
type ChatPolicy struct {
	ChatID           string             `json:"chat_id"`
	SLAEnabled       bool               `json:"sla_enabled"`
	ThresholdMinutes int                `json:"threshold_minutes"`
	Schedule         workhours.Schedule `json:"schedule"`
	ChatManagers     []string           `json:"chat_managers"`
	ChatAccountants  []string           `json:"chat_accountants"`
	GlobalManagers   []string           `json:"global_managers"`
}

// Recipients resolves delivery targets by precedence: chat managers, then
// chat accountants, then the global fallback list. An empty result means the
// chat is misconfigured and delivery is impossible.
func (p ChatPolicy) Recipients() []string {
	if len(p.ChatManagers) > 0 {
		return p.ChatManagers
	}
	if len(p.ChatAccountants) > 0 {
		return p.ChatAccountants
	}
	return p.GlobalManagers
}

// InboundMessage is a raw chat message event consumed from the message bus.
type InboundMessage struct {
	MessageID     string    `json:"message_id"`
	ChatID        string    `json:"chat_id"`
	SenderID      string    `json:"sender_id"`
	SenderIsStaff bool      `json:"sender_is_staff"`
	Text          string    `json:"text"`
	ReplyToMsgID  string    `json:"reply_to_msg_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AlertPayload is what gets handed to the notification channel.
type AlertPayload struct {
	AlertID         string    `json:"alert_id"`
	RequestID       string    `json:"request_id"`
	ChatID          string    `json:"chat_id"`
	Type            AlertType `json:"type"`
	EscalationLevel int       `json:"escalation_level"`
	MinutesElapsed  int       `json:"minutes_elapsed"`
	Text            string    `json:"text"`
	Recipients      []string  `json:"recipients"`
}
