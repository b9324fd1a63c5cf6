/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package negotiation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/equiplet_grid/internal/messaging"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// DefaultTimeout bounds each of the two queries of a conversation.
const DefaultTimeout = 10 * time.Second

// CandidateMap maps equiplet id to the production duration it reported.
type CandidateMap map[string]int64

// Requester sends a request and waits for the reply of its conversation.
type Requester interface {
	Request(ctx context.Context, msg messaging.Message, timeout time.Duration) (messaging.Message, error)
}

// Config holds the per-query timeouts.
type Config struct {
	CapabilityTimeout time.Duration
	DurationTimeout   time.Duration
}

// Coordinator negotiates on behalf of one product agent.
type Coordinator struct {
	requester Requester
	cfg       Config
	logger    zerolog.Logger

	mu    sync.Mutex
	fault error
}

// NewCoordinator creates a coordinator sending through requester.
func NewCoordinator(requester Requester, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.CapabilityTimeout <= 0 {
		cfg.CapabilityTimeout = DefaultTimeout
	}
	if cfg.DurationTimeout <= 0 {
		cfg.DurationTimeout = DefaultTimeout
	}
	return &Coordinator{
		requester: requester,
		cfg:       cfg,
		logger:    logger.With().Str("component", "negotiation").Logger(),
	}
}

// Negotiate runs one conversation per candidate concurrently and returns once every
// conversation has ended. Candidates that disconfirm, time out or fail are left out of the
// result; none of these is an error.
func (c *Coordinator) Negotiate(ctx context.Context, ref messaging.StepRef, candidates []string) CandidateMap {
	ctx, span := telemetry.StartNegotiationSpan(ctx, ref.ProductID, ref.StepID, ref.Capability, len(candidates))
	defer span.End()

	start := time.Now()
	convs := make([]*Conversation, len(candidates))
	var g errgroup.Group
	for i, candidate := range candidates {
		conv := newConversation(candidate, ref)
		convs[i] = conv
		g.Go(func() error {
			c.converse(ctx, conv)
			return nil
		})
	}
	_ = g.Wait()
	telemetry.NegotiationDuration.Observe(time.Since(start).Seconds())

	result := make(CandidateMap, len(convs))
	for _, conv := range convs {
		telemetry.NegotiationConversationsTotal.WithLabelValues(string(conv.Outcome())).Inc()
		if conv.Outcome() == Confirmed {
			result[conv.Candidate] = conv.Duration()
		}
	}
	span.SetAttributes(telemetry.AttrConfirmed.Int(len(result)))

	c.logger.Debug().
		Str("step_id", ref.StepID).
		Int("candidates", len(candidates)).
		Int("confirmed", len(result)).
		Dur("elapsed", time.Since(start)).
		Msg("negotiation finished")
	return result
}

// NegotiateAll negotiates every step concurrently. candidates maps step id to the
// equiplets discovered for it.
func (c *Coordinator) NegotiateAll(ctx context.Context, refs []messaging.StepRef, candidates map[string][]string) map[string]CandidateMap {
	var (
		mu  sync.Mutex
		out = make(map[string]CandidateMap, len(refs))
		g   errgroup.Group
	)
	for _, ref := range refs {
		g.Go(func() error {
			m := c.Negotiate(ctx, ref, candidates[ref.StepID])
			mu.Lock()
			out[ref.StepID] = m
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Fault returns the first NotUnderstood answer any conversation received. Such an answer
// means this side sent something its peer could not parse.
func (c *Coordinator) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// converse drives conv to Done.
func (c *Coordinator) converse(ctx context.Context, conv *Conversation) {
	for conv.State() != Done {
		switch conv.State() {
		case QueryCapability:
			reply, err := c.ask(ctx, conv, messaging.CanPerformStep, c.cfg.CapabilityTimeout)
			conv.onCapability(reply, err)
		case QueryDuration:
			reply, err := c.ask(ctx, conv, messaging.GetProductionDuration, c.cfg.DurationTimeout)
			conv.onDuration(reply, err)
		default:
			conv.finish(Failed, nil)
		}
	}

	if err := conv.Err(); errors.Is(err, messaging.ErrNotUnderstood) {
		c.mu.Lock()
		if c.fault == nil {
			c.fault = err
		}
		c.mu.Unlock()
	}

	log := c.logger.Debug()
	if conv.Outcome() == Failed {
		log = c.logger.Warn()
	}
	log.Err(conv.Err()).
		Str("step_id", conv.Step.StepID).
		Str("candidate", conv.Candidate).
		Str("outcome", string(conv.Outcome())).
		Int64("duration", conv.Duration()).
		Msg("conversation ended")
}

func (c *Coordinator) ask(ctx context.Context, conv *Conversation, ontology messaging.Ontology, timeout time.Duration) (messaging.Message, error) {
	msg, err := messaging.NewMessage("", conv.Candidate, ontology, messaging.Query, conv.ID, conv.Step)
	if err != nil {
		return messaging.Message{}, err
	}
	conv.sent()
	return c.requester.Request(ctx, msg, timeout)
}
