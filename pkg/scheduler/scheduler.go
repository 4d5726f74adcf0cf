package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chat-sla-tracker/pkg/metrics"
)

const (
	dueJobsKey     = "jobs:due"
	jobPayloadsKey = "jobs:payloads"
)

// ackScript removes a job only while its stored payload is still the one the
// worker claimed. A handler may schedule follow-up work under the same key,
// and that replacement must survive the ack.
var ackScript = redis.NewScript(`
	if redis.call("HGET", KEYS[2], ARGV[1]) == ARGV[2] then
		redis.call("ZREM", KEYS[1], ARGV[1])
		redis.call("HDEL", KEYS[2], ARGV[1])
		return 1
	end
	return 0
`)

// Job is one unit of delayed work. Key doubles as the cancellation handle:
// scheduling with an existing key replaces the pending job.
type Job struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// HandlerFunc processes a due job. A returned error re-arms the job for
// another attempt, so handlers must be idempotent.
type HandlerFunc func(ctx context.Context, job Job) error

type Config struct {
	CheckInterval time.Duration
	RatePerSecond int
	Workers       int
	RetryDelay    time.Duration
	MaxAttempts   int
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Second,
		RatePerSecond: 10,
		Workers:       5,
		RetryDelay:    30 * time.Second,
		MaxAttempts:   5,
	}
}

// Scheduler is the durable delayed-job queue: jobs live in a redis ZSET
// scored by due time with payloads in a companion HASH. A leader-elected
// poll loop scans due members and dispatches them to registered handlers
// with bounded concurrency and a dispatch rate limit. Delivery is
// at-least-once: a job is removed only after its handler succeeds.
type Scheduler struct {
	rdb     *redis.Client
	config  Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	leader  *LeaderElection
	limiter *rate.Limiter

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(rdb *redis.Client, config Config, leader *LeaderElection, logger *logrus.Logger, m *metrics.Metrics) *Scheduler {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Scheduler{
		rdb:      rdb,
		config:   config,
		logger:   logger,
		metrics:  m,
		leader:   leader,
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RatePerSecond),
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, config.Workers),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (s *Scheduler) Register(jobType string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = fn
}

// ScheduleAt stores the job and arms it to fire after delay. Scheduling an
// already-pending key replaces both the payload and the due time.
func (s *Scheduler) ScheduleAt(ctx context.Context, job Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	due := time.Now().Add(delay).UnixMilli()
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, dueJobsKey, &redis.Z{Score: float64(due), Member: job.Key})
	pipe.HSet(ctx, jobPayloadsKey, job.Key, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_key":  job.Key,
		"job_type": job.Type,
		"delay":    delay,
	}).Debug("Scheduled delayed job")
	return nil
}

// Enqueue arms the job to fire on the next scan.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) error {
	return s.ScheduleAt(ctx, job, 0)
}

// Cancel removes a pending job. Best-effort: a job already dequeued for
// execution runs to completion, which is why handlers re-check terminal
// state themselves.
func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, dueJobsKey, key)
	pipe.HDel(ctx, jobPayloadsKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", key, err)
	}
	return nil
}

// PendingJobs reports how many jobs are armed, due or not.
func (s *Scheduler) PendingJobs(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, dueJobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// Start launches the poll loop. Only the elected leader scans; followers
// idle until they win the election.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if s.leader == nil || s.leader.IsLeader() {
					s.checkDueJobs(ctx)
				}
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// checkDueJobs scans for due members and dispatches them. Each claimed job
// is first re-armed RetryDelay into the future, so a worker crash mid-handler
// surfaces as a retry rather than a lost job.
func (s *Scheduler) checkDueJobs(ctx context.Context) {
	now := time.Now().UnixMilli()

	members, err := s.rdb.ZRangeByScore(ctx, dueJobsKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		s.logger.WithError(err).Error("Failed to scan due jobs")
		return
	}

	if count, err := s.rdb.ZCard(ctx, dueJobsKey).Result(); err == nil {
		s.metrics.ScheduledJobsCount.Set(float64(count))
	}

	for _, key := range members {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		job, claimed, ok := s.claim(ctx, key)
		if !ok {
			continue
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(job Job, claimed string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.run(ctx, job, claimed)
		}(job, claimed)
	}
}

// claim loads the payload and pushes the due time forward as a visibility
// timeout. Returns the claimed payload bytes for the later ack, and false
// when the job was cancelled between scan and claim.
func (s *Scheduler) claim(ctx context.Context, key string) (Job, string, bool) {
	raw, err := s.rdb.HGet(ctx, jobPayloadsKey, key).Result()
	if err == redis.Nil {
		// Cancelled after the scan: drop the stale ZSET member.
		s.rdb.ZRem(ctx, dueJobsKey, key)
		return Job{}, "", false
	}
	if err != nil {
		s.logger.WithError(err).WithField("job_key", key).Error("Failed to load job payload")
		return Job{}, "", false
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		s.logger.WithError(err).WithField("job_key", key).Error("Dropping undecodable job")
		s.Cancel(ctx, key)
		return Job{}, "", false
	}

	retryAt := time.Now().Add(s.config.RetryDelay).UnixMilli()
	job.Attempt++
	updated, err := json.Marshal(job)
	if err != nil {
		s.logger.WithError(err).WithField("job_key", key).Error("Failed to claim job")
		return Job{}, "", false
	}
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, dueJobsKey, &redis.Z{Score: float64(retryAt), Member: key})
	pipe.HSet(ctx, jobPayloadsKey, key, updated)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("job_key", key).Error("Failed to claim job")
		return Job{}, "", false
	}
	return job, string(updated), true
}

// ack removes a finished job unless the handler replaced it under the same
// key, in which case the replacement stays armed.
func (s *Scheduler) ack(ctx context.Context, key, claimed string) error {
	if err := ackScript.Run(ctx, s.rdb, []string{dueJobsKey, jobPayloadsKey}, key, claimed).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", key, err)
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job, claimed string) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()
	if !ok {
		s.logger.WithField("job_type", job.Type).Error("No handler registered, dropping job")
		s.Cancel(ctx, job.Key)
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	s.metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		if aErr := s.ack(ctx, job.Key, claimed); aErr != nil {
			s.logger.WithError(aErr).WithField("job_key", job.Key).Warn("Failed to ack completed job")
		}
		return
	}

	if job.Attempt >= s.config.MaxAttempts {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_key": job.Key,
			"attempt": job.Attempt,
		}).Error("Job exhausted retries, dropping")
		if aErr := s.ack(ctx, job.Key, claimed); aErr != nil {
			s.logger.WithError(aErr).WithField("job_key", job.Key).Warn("Failed to drop exhausted job")
		}
		return
	}

	s.metrics.JobRetriesTotal.WithLabelValues(job.Type).Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"job_key": job.Key,
		"attempt": job.Attempt,
	}).Warn("Job failed, will retry")
	// The claim already re-armed the job at now+RetryDelay; nothing else to do.
}
