/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package product

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Runner is a loop that runs until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Leadership reports whether this instance currently leads.
type Leadership interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAware runs the wrapped loop only while this instance holds leadership.
type LeaderAware struct {
	runner   Runner
	election Leadership
	logger   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewLeaderAware wraps runner.
func NewLeaderAware(runner Runner, election Leadership, logger zerolog.Logger) *LeaderAware {
	return &LeaderAware{
		runner:   runner,
		election: election,
		logger:   logger.With().Str("component", "leader_aware_intake").Logger(),
	}
}

// Run starts the election and follows leadership changes until ctx is done.
func (la *LeaderAware) Run(ctx context.Context) error {
	la.mu.Lock()
	la.ctx = ctx
	la.mu.Unlock()

	if err := la.election.Start(ctx); err != nil {
		return err
	}
	defer func() {
		la.stopRunner()
		if err := la.election.Stop(); err != nil {
			la.logger.Warn().Err(err).Msg("stopping election failed")
		}
	}()

	if la.election.IsLeader() {
		la.startRunner()
	}
	leaderCh := la.election.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case isLeader := <-leaderCh:
			if isLeader {
				la.logger.Info().Msg("became leader, starting intake")
				la.startRunner()
			} else {
				la.logger.Warn().Msg("lost leadership, stopping intake")
				la.stopRunner()
			}
		}
	}
}

// Running reports whether the wrapped loop is active.
func (la *LeaderAware) Running() bool {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.cancel != nil
}

// IsLeader returns whether this instance is the leader.
func (la *LeaderAware) IsLeader() bool {
	return la.election.IsLeader()
}

func (la *LeaderAware) startRunner() {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(la.ctx)
	stopped := make(chan struct{})
	la.cancel = cancel
	la.stopped = stopped

	go func() {
		defer close(stopped)
		la.logger.Info().Msg("intake started")
		if err := la.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			la.logger.Error().Err(err).Msg("intake error")
		}
		la.logger.Info().Msg("intake stopped")
	}()
}

// stopRunner cancels the wrapped loop and waits for it to return.
func (la *LeaderAware) stopRunner() {
	la.mu.Lock()
	cancel, stopped := la.cancel, la.stopped
	la.cancel, la.stopped = nil, nil
	la.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
