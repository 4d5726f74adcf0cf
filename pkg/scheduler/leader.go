package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-sla-tracker/pkg/metrics"
)

const leaderKey = "scheduler:leader"

// LeaderElection picks one pod to run the due-job scan. Leadership is a
// redis key claimed with SET NX and renewed with a compare-and-expire
// script; losing the key demotes the pod on the next check.
type LeaderElection struct {
	rdb     *redis.Client
	podID   string
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	stopCh  chan struct{}

	// Read by the scheduler tick while the election loop writes it.
	isLeader atomic.Bool
}

func NewLeaderElection(rdb *redis.Client, podID string, ttl time.Duration, logger *logrus.Logger, m *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:     rdb,
		podID:   podID,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	go le.electionLoop(ctx)
}

func (le *LeaderElection) Stop() {
	close(le.stopCh)
	if le.isLeader.Load() {
		le.resign(context.Background())
	}
}

// IsLeader verifies leadership against redis rather than trusting the local
// flag, so a pod that lost its key stops scanning within one check.
func (le *LeaderElection) IsLeader() bool {
	ctx := context.Background()
	currentLeader, err := le.rdb.Get(ctx, leaderKey).Result()
	if err != nil {
		le.isLeader.Store(false)
		return false
	}

	actual := currentLeader == le.podID
	if le.isLeader.Swap(actual) != actual {
		if actual {
			le.logger.Info("Confirmed scheduler leadership from redis")
		} else {
			le.logger.Info("Scheduler leadership lost")
		}
	}
	return actual
}

func (le *LeaderElection) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(le.ttl / 2)
	defer ticker.Stop()

	le.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryAcquire(ctx)
		}
	}
}

func (le *LeaderElection) tryAcquire(ctx context.Context) {
	result := le.rdb.SetArgs(ctx, leaderKey, le.podID, redis.SetArgs{
		Mode: "NX",
		TTL:  le.ttl,
	})
	if result.Err() != nil && result.Err() != redis.Nil {
		le.logger.WithError(result.Err()).Error("Failed to attempt scheduler leader election")
		return
	}

	if result.Val() == "OK" {
		if !le.isLeader.Swap(true) {
			le.logger.Info("Became scheduler leader")
			le.metrics.LeaderChanges.Inc()
		}
		return
	}
	le.renew(ctx)
}

func (le *LeaderElection) renew(ctx context.Context) {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result := le.rdb.Eval(ctx, script, []string{leaderKey}, le.podID, le.ttl.Milliseconds())
	if result.Err() != nil {
		le.logger.WithError(result.Err()).Error("Failed to renew scheduler leadership")
		le.isLeader.Store(false)
		return
	}
	if v, ok := result.Val().(int64); ok && v == 0 {
		if le.isLeader.Swap(false) {
			le.logger.Warn("Scheduler leadership renewal failed")
		}
	}
}

func (le *LeaderElection) resign(ctx context.Context) {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	if err := le.rdb.Eval(ctx, script, []string{leaderKey}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign scheduler leadership")
	} else {
		le.logger.Info("Resigned scheduler leadership")
	}
	le.isLeader.Store(false)
}
