// Package redisclient dials the redis instance backing the classification
// cache, the delayed-job queue and leader election.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type Options struct {
	URL          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

func DefaultOptions(url string) Options {
	return Options{
		URL:          url,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Connect dials redis and verifies the connection before returning.
func Connect(opts Options, logger *logrus.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opt.MaxRetries = opts.MaxRetries
	opt.DialTimeout = opts.DialTimeout
	opt.ReadTimeout = opts.ReadTimeout
	opt.WriteTimeout = opts.WriteTimeout
	opt.PoolSize = opts.PoolSize
	opt.MinIdleConns = opts.MinIdleConns

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithField("pool_size", opt.PoolSize).Info("Connected to redis")
	return rdb, nil
}
