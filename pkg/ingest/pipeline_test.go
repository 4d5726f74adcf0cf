package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sla-tracker/pkg/classify"
	"chat-sla-tracker/pkg/models"
	"chat-sla-tracker/pkg/sla"
	"chat-sla-tracker/pkg/store"
)

// ingestStore covers the pipeline's store surface in memory. Set createErr
// to fail the next CreateRequest once.
type ingestStore struct {
	mu        sync.Mutex
	requests  map[string]models.Request
	createErr error
}

func newIngestStore() *ingestStore {
	return &ingestStore{requests: make(map[string]models.Request)}
}

func (s *ingestStore) put(r models.Request) {
	s.mu.Lock()
	s.requests[r.ID] = r
	s.mu.Unlock()
}

func (s *ingestStore) CreateRequest(ctx context.Context, r models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr; err != nil {
		s.createErr = nil
		return err
	}
	s.requests[r.ID] = r
	return nil
}

func (s *ingestStore) GetRequestByMessageRef(ctx context.Context, chatID, messageID string) (models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ChatID == chatID && r.MessageID == messageID {
			return r, nil
		}
	}
	return models.Request{}, store.ErrNotFound
}

func (s *ingestStore) FindOldestOpenRequest(ctx context.Context, chatID string) (models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest models.Request
	for _, r := range s.requests {
		if r.ChatID != chatID || r.Status.IsTerminal() {
			continue
		}
		if oldest.ID == "" || r.ReceivedAt.Before(oldest.ReceivedAt) {
			oldest = r
		}
	}
	if oldest.ID == "" {
		return models.Request{}, store.ErrNotFound
	}
	return oldest, nil
}

func (s *ingestStore) FindRecentDuplicate(ctx context.Context, chatID, contentHash string, window time.Duration) (models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, r := range s.requests {
		if r.ChatID == chatID && r.ContentHash == contentHash && r.ReceivedAt.After(cutoff) {
			return r, nil
		}
	}
	return models.Request{}, store.ErrNotFound
}

func (s *ingestStore) AssignThread(ctx context.Context, parentID, proposedThreadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[parentID]
	if !ok {
		return proposedThreadID, nil
	}
	if r.ThreadID != nil {
		return *r.ThreadID, nil
	}
	r.ThreadID = &proposedThreadID
	s.requests[parentID] = r
	return proposedThreadID, nil
}

// stubClassifier returns a fixed result.
type stubClassifier struct {
	result classify.Result
}

func (c *stubClassifier) Classify(ctx context.Context, text string) classify.Result {
	return c.result
}

// stubTimer records starts and stops.
type stubTimer struct {
	mu      sync.Mutex
	started []string
	stopped []string
	verdict sla.StopResult
}

func (t *stubTimer) Start(ctx context.Context, requestID, chatID string, thresholdMinutes int) error {
	t.mu.Lock()
	t.started = append(t.started, requestID)
	t.mu.Unlock()
	return nil
}

func (t *stubTimer) Stop(ctx context.Context, requestID string, params sla.StopParams) (sla.StopResult, error) {
	t.mu.Lock()
	t.stopped = append(t.stopped, requestID)
	t.mu.Unlock()
	return t.verdict, nil
}

func requestResult() classify.Result {
	return classify.Result{Category: models.CategoryRequest, Confidence: 0.9, Source: models.SourceAI}
}

func newTestPipeline(st *ingestStore, c Classifier, timer *stubTimer) *Pipeline {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewPipeline(st, c, timer, 5*time.Minute, logger)
}

func clientMsg(id, text string) models.InboundMessage {
	return models.InboundMessage{
		MessageID: id,
		ChatID:    "chat_1",
		SenderID:  "client_1",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestPipeline_TracksActionableMessage(t *testing.T) {
	st := newIngestStore()
	timer := &stubTimer{}
	p := newTestPipeline(st, &stubClassifier{result: requestResult()}, timer)

	res, err := p.Process(context.Background(), clientMsg("m1", "please send the reconciliation act"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTracked, res.Outcome)
	require.NotEmpty(t, res.RequestID)

	created, ok := st.requests[res.RequestID]
	require.True(t, ok)
	assert.Equal(t, models.CategoryRequest, created.Category)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.NotEmpty(t, created.ContentHash)
	assert.Equal(t, []string{res.RequestID}, timer.started)
}

func TestPipeline_IgnoresNonActionable(t *testing.T) {
	st := newIngestStore()
	timer := &stubTimer{}
	p := newTestPipeline(st, &stubClassifier{result: classify.Result{
		Category: models.CategoryGratitude, Confidence: 0.8, Source: models.SourceKeyword,
	}}, timer)

	res, err := p.Process(context.Background(), clientMsg("m1", "thanks a lot!"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, models.CategoryGratitude, res.Category)
	assert.Empty(t, st.requests)
	assert.Empty(t, timer.started)
}

func TestPipeline_IgnoresEmptyText(t *testing.T) {
	p := newTestPipeline(newIngestStore(), &stubClassifier{result: requestResult()}, &stubTimer{})

	res, err := p.Process(context.Background(), clientMsg("m1", "   \n\t"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestPipeline_SuppressesDuplicateWithinWindow(t *testing.T) {
	st := newIngestStore()
	timer := &stubTimer{}
	p := newTestPipeline(st, &stubClassifier{result: requestResult()}, timer)

	ctx := context.Background()
	first, err := p.Process(ctx, clientMsg("m1", "please send the invoice"))
	require.NoError(t, err)
	require.Equal(t, OutcomeTracked, first.Outcome)

	// Same text, different message id, moments later.
	second, err := p.Process(ctx, clientMsg("m2", "Please send  the INVOICE"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Len(t, st.requests, 1)
	assert.Len(t, timer.started, 1)
}

func TestPipeline_ReplyJoinsParentThread(t *testing.T) {
	st := newIngestStore()
	timer := &stubTimer{}
	p := newTestPipeline(st, &stubClassifier{result: requestResult()}, timer)

	ctx := context.Background()
	parent, err := p.Process(ctx, clientMsg("m1", "please send the invoice"))
	require.NoError(t, err)

	reply := clientMsg("m2", "and the act for last quarter too")
	reply.ReplyToMsgID = "m1"
	child, err := p.Process(ctx, reply)
	require.NoError(t, err)
	require.Equal(t, OutcomeTracked, child.Outcome)

	parentReq := st.requests[parent.RequestID]
	childReq := st.requests[child.RequestID]
	require.NotNil(t, parentReq.ThreadID)
	require.NotNil(t, childReq.ThreadID)
	assert.Equal(t, *parentReq.ThreadID, *childReq.ThreadID)
	require.NotNil(t, childReq.ParentMsgRef)
	assert.Equal(t, "m1", *childReq.ParentMsgRef)
}

func TestPipeline_ReplyToUnknownMessageIsStandalone(t *testing.T) {
	st := newIngestStore()
	p := newTestPipeline(st, &stubClassifier{result: requestResult()}, &stubTimer{})

	msg := clientMsg("m2", "what about my earlier question?")
	msg.ReplyToMsgID = "never-seen"
	res, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeTracked, res.Outcome)
	assert.Nil(t, st.requests[res.RequestID].ThreadID)
}

func TestPipeline_StaffReplyStopsRepliedRequest(t *testing.T) {
	st := newIngestStore()
	timer := &stubTimer{verdict: sla.StopResult{Breached: false, WorkingMinutes: 12, ThresholdMinutes: 60}}
	p := newTestPipeline(st, &stubClassifier{result: requestResult()}, timer)

	st.put(models.Request{ID: "req_old", ChatID: "chat_1", MessageID: "m0", Status: models.StatusPending, ReceivedAt: time.Now().Add(-time.Hour)})
	st.put(models.Request{ID: "req_new", ChatID: "chat_1", MessageID: "m1", Status: models.StatusPending, ReceivedAt: time.Now()})

	msg := models.InboundMessage{
		MessageID:     "m2",
		ChatID:        "chat_1",
		SenderID:      "acct_7",
		SenderIsStaff: true,
		Text:          "attached, let me know if anything is missing",
		ReplyToMsgID:  "m1",
		Timestamp:     time.Now(),
	}
	res, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResponse, res.Outcome)
	assert.Equal(t, "req_new", res.RequestID)
	assert.Equal(t, []string{"req_new"}, timer.stopped)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, 12, res.Verdict.WorkingMinutes)
}

func TestPipeline_StaffMessageWithoutReplyStopsOldestOpen(t *testing.T) {
	st := newIngestStore()
	timer := &stubTimer{}
	p := newTestPipeline(st, &stubClassifier{result: requestResult()}, timer)

	st.put(models.Request{ID: "req_old", ChatID: "chat_1", MessageID: "m0", Status: models.StatusPending, ReceivedAt: time.Now().Add(-time.Hour)})
	st.put(models.Request{ID: "req_new", ChatID: "chat_1", MessageID: "m1", Status: models.StatusPending, ReceivedAt: time.Now()})

	msg := models.InboundMessage{
		MessageID:     "m2",
		ChatID:        "chat_1",
		SenderID:      "acct_7",
		SenderIsStaff: true,
		Text:          "done",
		Timestamp:     time.Now(),
	}
	res, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResponse, res.Outcome)
	assert.Equal(t, []string{"req_old"}, timer.stopped)
}

func TestPipeline_StaffMessageNoOpenRequest(t *testing.T) {
	timer := &stubTimer{}
	p := newTestPipeline(newIngestStore(), &stubClassifier{result: requestResult()}, timer)

	msg := models.InboundMessage{
		MessageID:     "m1",
		ChatID:        "chat_1",
		SenderID:      "acct_7",
		SenderIsStaff: true,
		Text:          "good morning",
		Timestamp:     time.Now(),
	}
	res, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOpenRequest, res.Outcome)
	assert.Empty(t, timer.stopped)
}
