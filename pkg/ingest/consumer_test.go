package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(p *Pipeline) *Consumer {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Consumer{
		pipeline:   p,
		logger:     logger,
		retryDelay: time.Millisecond,
	}
}

func encode(t *testing.T, msg interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestConsumer_RetriesFailedEventBeforeCommitting(t *testing.T) {
	st := newIngestStore()
	st.createErr = errors.New("store unavailable")
	timer := &stubTimer{}
	c := newTestConsumer(newTestPipeline(st, &stubClassifier{result: requestResult()}, timer))

	raw := encode(t, clientMsg("m1", "please send the reconciliation act"))
	ok := c.handle(context.Background(), raw, 0)

	// The first attempt failed; the event must be retried in place, not
	// skipped, so the request still ends up tracked.
	require.True(t, ok)
	require.Len(t, st.requests, 1)
	assert.Len(t, timer.started, 1)
}

func TestConsumer_UndecodableEventIsCommitted(t *testing.T) {
	st := newIngestStore()
	c := newTestConsumer(newTestPipeline(st, &stubClassifier{result: requestResult()}, &stubTimer{}))

	assert.True(t, c.handle(context.Background(), []byte("{not json"), 0))
	assert.Empty(t, st.requests)
}

func TestConsumer_EventMissingIDsIsCommitted(t *testing.T) {
	st := newIngestStore()
	c := newTestConsumer(newTestPipeline(st, &stubClassifier{result: requestResult()}, &stubTimer{}))

	msg := clientMsg("m1", "please send the invoice")
	msg.ChatID = ""
	assert.True(t, c.handle(context.Background(), encode(t, msg), 0))
	assert.Empty(t, st.requests)
}

func TestConsumer_CancelledRetryDoesNotCommit(t *testing.T) {
	st := newIngestStore()
	st.createErr = errors.New("store unavailable")
	c := newTestConsumer(newTestPipeline(st, &stubClassifier{result: requestResult()}, &stubTimer{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw := encode(t, clientMsg("m1", "please send the invoice"))
	assert.False(t, c.handle(ctx, raw, 0))
}
