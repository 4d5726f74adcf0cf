package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/classify"
	"chat-sla-tracker/pkg/ingest"
	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/sla"
	"chat-sla-tracker/pkg/store"
)

// MessagePipeline accepts inbound messages, same as the kafka path.
type MessagePipeline interface {
	Process(ctx context.Context, msg models.InboundMessage) (ingest.ProcessResult, error)
}

// SLATimer is the request clock surface exposed over HTTP.
type SLATimer interface {
	Stop(ctx context.Context, requestID string, params sla.StopParams) (sla.StopResult, error)
	Status(ctx context.Context, requestID string) (sla.Status, error)
}

// Classifier runs a dry classification without tracking anything.
type Classifier interface {
	Classify(ctx context.Context, text string) classify.Result
}

type Handler struct {
	pipeline     MessagePipeline
	timer        SLATimer
	classifier   Classifier
	logger       *logrus.Logger
	isLeaderFunc func() bool
	pendingJobs  func(ctx context.Context) (int64, error)
}

func NewHandler(pipeline MessagePipeline, timer SLATimer, classifier Classifier, logger *logrus.Logger, isLeaderFunc func() bool, pendingJobs func(ctx context.Context) (int64, error)) *Handler {
	return &Handler{
		pipeline:     pipeline,
		timer:        timer,
		classifier:   classifier,
		logger:       logger,
		isLeaderFunc: isLeaderFunc,
		pendingJobs:  pendingJobs,
	}
}

// Message ingests one chat message, same contract as the kafka consumer.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if msg.MessageID == "" || msg.ChatID == "" {
		http.Error(w, "Missing message_id or chat_id", http.StatusBadRequest)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	result, err := h.pipeline.Process(r.Context(), msg)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
		}).Error("Failed to process message")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)

	h.logger.WithFields(logrus.Fields{
		"chat_id":    msg.ChatID,
		"message_id": msg.MessageID,
		"outcome":    string(result.Outcome),
	}).Debug("Processed message")
}

// Response records a staff answer for a specific request.
func (h *Handler) Response(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := vars["id"]
	if requestID == "" {
		http.Error(w, "Missing request ID", http.StatusBadRequest)
		return
	}

	var request struct {
		RespondedBy string    `json:"responded_by"`
		MessageID   string    `json:"message_id"`
		Timestamp   time.Time `json:"timestamp,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now()
	}

	verdict, err := h.timer.Stop(r.Context(), requestID, sla.StopParams{
		RespondedBy:        request.RespondedBy,
		ResponseMessageRef: request.MessageID,
		ResponseAt:         request.Timestamp,
	})
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Error("Failed to record response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"success":           true,
		"request_id":        requestID,
		"breached":          verdict.Breached,
		"working_minutes":   verdict.WorkingMinutes,
		"threshold_minutes": verdict.ThresholdMinutes,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)

	h.logger.WithFields(logrus.Fields{
		"request_id":   requestID,
		"responded_by": request.RespondedBy,
	}).Debug("Recorded staff response")
}

// SLAStatus returns the live elapsed/remaining projection for a request.
func (h *Handler) SLAStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := vars["id"]
	if requestID == "" {
		http.Error(w, "Missing request ID", http.StatusBadRequest)
		return
	}

	status, err := h.timer.Status(r.Context(), requestID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Error("Failed to get SLA status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Classify runs the classification cascade without creating a request.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Text == "" {
		http.Error(w, "Missing text", http.StatusBadRequest)
		return
	}

	result := h.classifier.Classify(r.Context(), request.Text)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.pendingJobs(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{
		"status":       "healthy",
		"is_leader":    h.isLeaderFunc(),
		"pending_jobs": count,
		"timestamp":    time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.pendingJobs(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"is_leader":    h.isLeaderFunc(),
		"pending_jobs": count,
		"timestamp":    time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
