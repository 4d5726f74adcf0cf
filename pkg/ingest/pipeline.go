// Package ingest turns raw chat-message events into tracked requests and
// detects the staff responses that close them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/classify"
	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/sla"
	"chat-sla-tracker/pkg/store"
)

// Store is the slice of the request store the pipeline needs.
type Store interface {
	CreateRequest(ctx context.Context, r models.Request) error
	GetRequestByMessageRef(ctx context.Context, chatID, messageID string) (models.Request, error)
	FindOldestOpenRequest(ctx context.Context, chatID string) (models.Request, error)
	FindRecentDuplicate(ctx context.Context, chatID, contentHash string, window time.Duration) (models.Request, error)
	AssignThread(ctx context.Context, parentID, proposedThreadID string) (string, error)
}

// Classifier decides what kind of message this is.
type Classifier interface {
	Classify(ctx context.Context, text string) classify.Result
}

// TimerControl is the SLA clock surface the pipeline drives.
type TimerControl interface {
	Start(ctx context.Context, requestID, chatID string, thresholdMinutes int) error
	Stop(ctx context.Context, requestID string, params sla.StopParams) (sla.StopResult, error)
}

// Outcome says what the pipeline did with one message.
type Outcome string

const (
	OutcomeTracked       Outcome = "tracked"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeResponse      Outcome = "response"
	OutcomeNoOpenRequest Outcome = "no_open_request"
)

// ProcessResult reports the outcome plus whatever entity it touched.
type ProcessResult struct {
	Outcome   Outcome             `json:"outcome"`
	RequestID string              `json:"request_id,omitempty"`
	Category  models.Category     `json:"category,omitempty"`
	Source    models.Source       `json:"source,omitempty"`
	Verdict   *sla.StopResult     `json:"verdict,omitempty"`
}

type Pipeline struct {
	store       Store
	classifier  Classifier
	timer       TimerControl
	logger      *logrus.Logger
	dedupWindow time.Duration

	now func() time.Time
}

func NewPipeline(st Store, classifier Classifier, timer TimerControl, dedupWindow time.Duration, logger *logrus.Logger) *Pipeline {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Pipeline{
		store:       st,
		classifier:  classifier,
		timer:       timer,
		logger:      logger,
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
}

// Process routes one inbound message. Staff messages resolve open requests;
// client messages get classified and, when actionable, tracked. Process is
// safe to re-run for the same message: duplicates are suppressed by content
// hash and response handling is idempotent.
func (p *Pipeline) Process(ctx context.Context, msg models.InboundMessage) (ProcessResult, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return ProcessResult{Outcome: OutcomeIgnored}, nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}

	if msg.SenderIsStaff {
		return p.handleStaffResponse(ctx, msg)
	}
	return p.handleClientMessage(ctx, msg)
}

func (p *Pipeline) handleClientMessage(ctx context.Context, msg models.InboundMessage) (ProcessResult, error) {
	res := p.classifier.Classify(ctx, msg.Text)
	log := p.logger.WithFields(logrus.Fields{
		"chat_id":    msg.ChatID,
		"message_id": msg.MessageID,
		"category":   string(res.Category),
		"source":     string(res.Source),
	})

	if res.Category != models.CategoryRequest && res.Category != models.CategoryClarification {
		log.Debug("Message not actionable, skipping")
		return ProcessResult{Outcome: OutcomeIgnored, Category: res.Category, Source: res.Source}, nil
	}

	hash := classify.NormalizeHash(msg.Text)
	if dup, err := p.store.FindRecentDuplicate(ctx, msg.ChatID, hash, p.dedupWindow); err == nil {
		log.WithField("duplicate_of", dup.ID).Info("Duplicate message within dedup window, skipping")
		return ProcessResult{Outcome: OutcomeDuplicate, RequestID: dup.ID, Category: res.Category}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return ProcessResult{}, fmt.Errorf("failed to check for duplicates: %w", err)
	}

	req := models.Request{
		ID:          uuid.New().String(),
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		Text:        msg.Text,
		Category:    res.Category,
		Confidence:  res.Confidence,
		Source:      res.Source,
		ContentHash: hash,
		Status:      models.StatusPending,
		ReceivedAt:  msg.Timestamp,
	}

	if msg.ReplyToMsgID != "" {
		p.assignThread(ctx, &req, msg)
	}

	if err := p.store.CreateRequest(ctx, req); err != nil {
		return ProcessResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	if err := p.timer.Start(ctx, req.ID, req.ChatID, 0); err != nil {
		return ProcessResult{}, fmt.Errorf("failed to start timer for request %s: %w", req.ID, err)
	}

	log.WithField("request_id", req.ID).Info("Request tracked")
	return ProcessResult{
		Outcome:   OutcomeTracked,
		RequestID: req.ID,
		Category:  res.Category,
		Source:    res.Source,
	}, nil
}

// assignThread links a reply to its parent's conversation thread. A parent
// without a thread yet gets one with its own id; concurrent replies converge
// on whichever id wins the store's conditional update. Failures here degrade
// to a standalone request, never block tracking.
func (p *Pipeline) assignThread(ctx context.Context, req *models.Request, msg models.InboundMessage) {
	parent, err := p.store.GetRequestByMessageRef(ctx, msg.ChatID, msg.ReplyToMsgID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.WithError(err).WithField("reply_to", msg.ReplyToMsgID).
			Warn("Failed to look up reply parent, tracking as standalone")
		return
	}

	proposed := parent.ID
	if parent.ThreadID != nil {
		proposed = *parent.ThreadID
	}
	threadID, err := p.store.AssignThread(ctx, parent.ID, proposed)
	if err != nil {
		p.logger.WithError(err).WithField("parent_id", parent.ID).
			Warn("Failed to assign thread, tracking as standalone")
		return
	}
	req.ThreadID = &threadID
	req.ParentMsgRef = &msg.ReplyToMsgID
}

// handleStaffResponse matches a staff message to the request it answers: the
// replied-to request when the message is a reply, the longest-waiting open
// request in the chat otherwise.
func (p *Pipeline) handleStaffResponse(ctx context.Context, msg models.InboundMessage) (ProcessResult, error) {
	var target models.Request
	var err error

	if msg.ReplyToMsgID != "" {
		target, err = p.store.GetRequestByMessageRef(ctx, msg.ChatID, msg.ReplyToMsgID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return ProcessResult{}, fmt.Errorf("failed to look up replied-to request: %w", err)
		}
	}
	if target.ID == "" {
		target, err = p.store.FindOldestOpenRequest(ctx, msg.ChatID)
		if errors.Is(err, store.ErrNotFound) {
			p.logger.WithField("chat_id", msg.ChatID).Debug("Staff message with no open request")
			return ProcessResult{Outcome: OutcomeNoOpenRequest}, nil
		}
		if err != nil {
			return ProcessResult{}, fmt.Errorf("failed to find open request: %w", err)
		}
	}

	verdict, err := p.timer.Stop(ctx, target.ID, sla.StopParams{
		RespondedBy:        msg.SenderID,
		ResponseMessageRef: msg.MessageID,
		ResponseAt:         msg.Timestamp,
	})
	if err != nil {
		return ProcessResult{}, fmt.Errorf("failed to stop timer for request %s: %w", target.ID, err)
	}

	p.logger.WithFields(logrus.Fields{
		"chat_id":      msg.ChatID,
		"request_id":   target.ID,
		"responded_by": msg.SenderID,
		"breached":     verdict.Breached,
	}).Info("Staff response recorded")

	return ProcessResult{
		Outcome:   OutcomeResponse,
		RequestID: target.ID,
		Verdict:   &verdict,
	}, nil
}
