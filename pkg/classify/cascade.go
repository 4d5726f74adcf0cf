package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/breaker"
	"chat-sla-tracker/pkg/metrics"
	"chat-sla-tracker/pkg/models"
)

const cacheKeyPrefix = "classification:"

// Result is the cascade's answer for one message.
type Result struct {
	Category   models.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Source     models.Source   `json:"source"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// AIClassifier is the external classifier dependency as the cascade sees it.
type AIClassifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

type Config struct {
	AIConfidenceThreshold  float64
	KeywordConfidenceFloor float64
	MaxAttempts            int
	CacheTTL               time.Duration
}

func DefaultCascadeConfig() Config {
	return Config{
		AIConfidenceThreshold:  0.7,
		KeywordConfidenceFloor: 0.5,
		MaxAttempts:            3,
		CacheTTL:               24 * time.Hour,
	}
}

// Cascade turns raw message text into a category via cache, then the AI
// classifier behind the circuit breaker, then keyword rules, then the
// confidence safety net. Classify never fails: every path bottoms out in a
// deterministic result.
type Cascade struct {
	config  Config
	rdb     *redis.Client
	ai      AIClassifier
	breaker *breaker.Breaker
	backoff BackoffPolicy
	logger  *logrus.Logger
	metrics *metrics.Metrics

	sleep func(context.Context, time.Duration)
}

func NewCascade(config Config, rdb *redis.Client, ai AIClassifier, brk *breaker.Breaker, logger *logrus.Logger, m *metrics.Metrics) *Cascade {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultCascadeConfig().MaxAttempts
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCascadeConfig().CacheTTL
	}
	return &Cascade{
		config:  config,
		rdb:     rdb,
		ai:      ai,
		breaker: brk,
		backoff: DefaultBackoff,
		logger:  logger,
		metrics: m,
		sleep:   sleepCtx,
	}
}

// NormalizeHash produces the dedup/cache key for message text: lowercase,
// trimmed, inner whitespace collapsed, SHA-256 over the result.
func NormalizeHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Classify runs the full cascade for one message.
func (c *Cascade) Classify(ctx context.Context, text string) Result {
	start := time.Now()
	hash := NormalizeHash(text)

	if cached, ok := c.cacheGet(ctx, hash); ok {
		c.metrics.CacheLookups.WithLabelValues("hit").Inc()
		cached.Source = models.SourceCache
		c.observe(cached, start)
		return cached
	}
	c.metrics.CacheLookups.WithLabelValues("miss").Inc()

	var lowConfidenceAI *Result
	if c.breaker.CanRequest() {
		if res, ok := c.classifyWithAI(ctx, text); ok {
			if res.Confidence >= c.config.AIConfidenceThreshold {
				c.cacheSet(ctx, hash, res)
				c.observe(res, start)
				return res
			}
			lowConfidenceAI = &res
		}
	} else {
		c.logger.WithField("breaker_state", c.breaker.State().String()).
			Debug("AI classifier skipped, breaker denies requests")
	}

	keyword := classifyByKeywords(text)

	// Safety net: keep the higher-confidence candidate; anything still under
	// the floor goes to a human as CLARIFICATION pinned at the floor.
	best := keyword
	if lowConfidenceAI != nil && lowConfidenceAI.Confidence > keyword.Confidence {
		best = *lowConfidenceAI
	}
	if best.Confidence < c.config.KeywordConfidenceFloor {
		best = Result{
			Category:   models.CategoryClarification,
			Confidence: c.config.KeywordConfidenceFloor,
			Source:     best.Source,
			Reasoning:  "defaulting to CLARIFICATION for manual review",
		}
	}

	c.cacheSet(ctx, hash, best)
	c.observe(best, start)
	return best
}

// classifyWithAI retries transient failures with backoff and records the
// terminal outcome on the breaker. A failure is recorded only once per
// Classify call: on the final, non-retryable, or exhausted attempt.
func (c *Cascade) classifyWithAI(ctx context.Context, text string) (Result, bool) {
	var lastErr *APIError

	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(ctx, c.backoff(attempt-1))
			if ctx.Err() != nil {
				break
			}
		}

		verdict, err := c.ai.Classify(ctx, text)
		if err == nil {
			c.breaker.RecordSuccess()
			return Result{
				Category:   models.Category(verdict.Classification),
				Confidence: verdict.Confidence,
				Source:     models.SourceAI,
				Reasoning:  verdict.Reasoning,
			}, true
		}

		apiErr, ok := err.(*APIError)
		if !ok {
			apiErr = &APIError{Category: ErrAPI, Err: err}
		}
		lastErr = apiErr
		c.logger.WithError(apiErr).WithFields(logrus.Fields{
			"attempt":  attempt + 1,
			"category": string(apiErr.Category),
		}).Warn("AI classification attempt failed")

		if !apiErr.Retryable {
			break
		}
	}

	if lastErr != nil {
		c.metrics.AIErrorsTotal.WithLabelValues(string(lastErr.Category)).Inc()
		c.breaker.RecordFailure()
	}
	return Result{}, false
}

func (c *Cascade) cacheGet(ctx context.Context, hash string) (Result, bool) {
	if c.rdb == nil {
		return Result{}, false
	}
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+hash).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("classification cache read failed")
		}
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (c *Cascade) cacheSet(ctx context.Context, hash string, res Result) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+hash, raw, c.config.CacheTTL).Err(); err != nil {
		c.logger.WithError(err).Warn("classification cache write failed")
	}
}

func (c *Cascade) observe(res Result, start time.Time) {
	c.metrics.ClassificationsTotal.WithLabelValues(string(res.Source), string(res.Category)).Inc()
	c.metrics.ClassificationLatency.WithLabelValues(string(res.Source)).Observe(time.Since(start).Seconds())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
