/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects the grid instance that claims submitted products.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

const (
	defaultElectionKey = "equigrid:leader:intake"

	// The leader must renew before the lease expires.
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
	defaultRetryInterval   = 2 * time.Second
)

// releaseScript deletes the lock only while this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ElectionConfig configures leader election.
type ElectionConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey is the Redis key holding the leader's instance id.
	ElectionKey     string
	LeaseDuration   time.Duration
	RenewalInterval time.Duration
	RetryInterval   time.Duration

	InstanceID string
}

// DefaultConfig returns the default election configuration.
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		RedisAddr:       "localhost:6379",
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		RetryInterval:   defaultRetryInterval,
		InstanceID:      uuid.NewString(),
	}
}

// Election holds a Redis lease on behalf of one grid instance.
type Election struct {
	client *redis.Client
	logger zerolog.Logger
	config ElectionConfig

	isLeader atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	leaderCh chan bool
}

// NewElection connects to Redis and prepares an election.
func NewElection(config ElectionConfig, logger zerolog.Logger) (*Election, error) {
	if config.ElectionKey == "" {
		config.ElectionKey = defaultElectionKey
	}
	if config.LeaseDuration == 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RenewalInterval == 0 {
		config.RenewalInterval = defaultRenewalInterval
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = defaultRetryInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis for leader election: %w", err)
	}

	logger.Info().
		Str("redis_addr", config.RedisAddr).
		Str("instance_id", config.InstanceID).
		Msg("connected to Redis for leader election")

	return &Election{
		client:   client,
		logger:   logger.With().Str("component", "leader_election").Logger(),
		config:   config,
		leaderCh: make(chan bool, 1),
	}, nil
}

// InstanceID returns the id this instance campaigns with.
func (e *Election) InstanceID() string { return e.config.InstanceID }

// Start campaigns in the background until Stop or ctx ends.
func (e *Election) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.logger.Info().
		Str("instance_id", e.config.InstanceID).
		Dur("lease_duration", e.config.LeaseDuration).
		Msg("starting leader election")

	go e.campaign(ctx)
	return nil
}

// Stop ends the campaign and releases the lease if held.
func (e *Election) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.logger.Info().Msg("stopping leader election")
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		if e.isLeader.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := e.release(ctx); rerr != nil {
				e.logger.Error().Err(rerr).Msg("failed to release leadership lock")
			}
			e.setLeader(false)
		}
		err = e.client.Close()
	})
	return err
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Election) IsLeader() bool { return e.isLeader.Load() }

// LeaderCh delivers leadership changes. Only the latest change is kept for a slow reader.
func (e *Election) LeaderCh() <-chan bool { return e.leaderCh }

func (e *Election) campaign(ctx context.Context) {
	defer close(e.done)

	e.attempt(ctx)
	for {
		interval := e.config.RetryInterval
		if e.isLeader.Load() {
			interval = e.config.RenewalInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.attempt(ctx)
		}
	}
}

func (e *Election) attempt(ctx context.Context) {
	acquired, err := e.acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("failed to acquire leadership lock")
		}
		e.setLeader(false)
		return
	}
	if acquired != e.isLeader.Load() {
		if acquired {
			e.logger.Info().Str("instance_id", e.config.InstanceID).Msg("acquired leadership")
		} else {
			e.logger.Warn().Str("instance_id", e.config.InstanceID).Msg("lost leadership")
		}
	}
	e.setLeader(acquired)
}

// acquire takes the lease with SET NX, or renews it when this instance already owns it.
func (e *Election) acquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get current leader: %w", err)
	}
	if current != e.config.InstanceID {
		return false, nil
	}
	if err := e.client.Expire(ctx, e.config.ElectionKey, e.config.LeaseDuration).Err(); err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return true, nil
}

func (e *Election) release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.config.InstanceID).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("released leadership lock")
	return nil
}

func (e *Election) setLeader(leader bool) {
	if e.isLeader.Swap(leader) == leader {
		return
	}

	id := e.config.InstanceID
	if leader {
		telemetry.LeaderElectionStatus.WithLabelValues(id).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(id, "acquired").Inc()
	} else {
		telemetry.LeaderElectionStatus.WithLabelValues(id).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(id, "lost").Inc()
	}

	// Replace a pending notification that was never read.
	select {
	case <-e.leaderCh:
	default:
	}
	select {
	case e.leaderCh <- leader:
	default:
	}
}
