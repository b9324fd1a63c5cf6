/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package product runs the agents that carry a product through negotiation, scheduling and
// execution on the grid.
package product

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/events"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/negotiation"
	"github.com/friendsincode/equiplet_grid/internal/step"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// ErrTerminated is wrapped by the error Run returns when the agent stopped on a fault.
var ErrTerminated = errors.New("product agent terminated")

// errUnschedulable ends planning when a step has no equiplet left to try.
var errUnschedulable = errors.New("step could not be scheduled")

// Config tunes a product agent.
type Config struct {
	Negotiation     negotiation.Config
	ScheduleTimeout time.Duration
	Policy          negotiation.Policy
	// Events receives EventProductFinished when set.
	Events events.Broker
}

func (c Config) withDefaults() Config {
	if c.ScheduleTimeout <= 0 {
		c.ScheduleTimeout = negotiation.DefaultTimeout
	}
	if c.Policy == nil {
		c.Policy = negotiation.ShortestDuration{}
	}
	return c
}

// AgentID returns the mailbox id of the agent serving productID.
func AgentID(productID string) string { return "product-" + productID }

// StepID returns the id of the index-th step of productID.
func StepID(productID string, index int) string { return productID + "-" + strconv.Itoa(index) }

// Agent carries one product through the grid.
type Agent struct {
	product     models.Product
	cfg         Config
	store       blackboard.Store
	directory   *directory.Directory
	inbox       *messaging.Inbox
	coordinator *negotiation.Coordinator
	logger      zerolog.Logger

	steps    []models.ProductStep
	index    map[string]int
	assigned map[string]string
	status   map[string]step.Status
	next     int
}

// NewAgent registers the agent's mailbox on transport.
func NewAgent(p models.Product, cfg Config, store blackboard.Store, dir *directory.Directory, transport messaging.Transport, logger zerolog.Logger) (*Agent, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("product has no id")
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("product %s has no steps", p.ID)
	}
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "product_agent").Str("agent", AgentID(p.ID)).Logger()

	inbox, err := messaging.NewInbox(AgentID(p.ID), transport, logger)
	if err != nil {
		return nil, fmt.Errorf("register product agent: %w", err)
	}
	return &Agent{
		product:     p,
		cfg:         cfg,
		store:       store,
		directory:   dir,
		inbox:       inbox,
		coordinator: negotiation.NewCoordinator(inbox, cfg.Negotiation, logger),
		logger:      logger,
		index:       make(map[string]int, len(p.Steps)),
		assigned:    make(map[string]string, len(p.Steps)),
		status:      make(map[string]step.Status, len(p.Steps)),
	}, nil
}

// Run plans the product and follows it until every step is done or one of them fails. A
// product that cannot be planned or executed is marked failed and Run returns nil. Store
// faults and NotUnderstood answers terminate the agent with an error wrapping ErrTerminated.
func (a *Agent) Run(ctx context.Context) error {
	defer a.inbox.Close()

	// Subscribe before reading any step so no status change is missed.
	sub, err := a.store.Subscribe(ctx, models.CollectionProductSteps, "status", blackboard.OpSet)
	if err != nil {
		return a.terminate(ctx, fmt.Errorf("subscribe step status: %w", err))
	}
	defer sub.Close()

	if err := a.createSteps(ctx); err != nil {
		return a.terminate(ctx, err)
	}

	if err := a.plan(ctx); err != nil {
		if errors.Is(err, errUnschedulable) {
			if ferr := a.fail(ctx, err.Error()); ferr != nil {
				return a.terminate(ctx, ferr)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.terminate(ctx, err)
	}

	if a.advance() {
		if err := a.finish(ctx); err != nil {
			return a.terminate(ctx, err)
		}
		return nil
	}
	if err := a.startNext(ctx); err != nil {
		return a.terminate(ctx, err)
	}
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("product agent stopped")
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return a.terminate(ctx, fmt.Errorf("step status feed closed: %w", blackboard.ErrUnavailable))
			}
			finished, err := a.onStepEvent(ctx, ev)
			if err != nil {
				return a.terminate(ctx, err)
			}
			if finished {
				return nil
			}
		}
	}
}

// createSteps records every step as Evaluating, linked to its successor.
func (a *Agent) createSteps(ctx context.Context) error {
	now := time.Now().UTC()
	a.steps = make([]models.ProductStep, len(a.product.Steps))
	for i, spec := range a.product.Steps {
		s := models.ProductStep{
			ID:         StepID(a.product.ID, i),
			ProductID:  a.product.ID,
			Index:      i,
			Capability: spec.Capability,
			Parameters: spec.Parameters,
			Status:     step.Evaluating,
			InputRefs:  spec.InputRefs,
			OutputRef:  spec.OutputRef,
			UpdatedAt:  now,
		}
		if i+1 < len(a.product.Steps) {
			s.NextStepID = StepID(a.product.ID, i+1)
		}
		_, err := a.store.Insert(ctx, models.CollectionProductSteps, s)
		switch {
		case errors.Is(err, blackboard.ErrDuplicateKey):
			if s, err = a.resume(ctx, s.ID); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
		a.steps[i] = s
		a.index[s.ID] = i
		a.status[s.ID] = s.Status
	}
	return nil
}

// resume picks up a step recorded by an earlier agent for this product. A step that holds a
// reservation keeps it.
func (a *Agent) resume(ctx context.Context, stepID string) (models.ProductStep, error) {
	doc, err := a.store.Get(ctx, models.CollectionProductSteps, stepID)
	if err != nil {
		return models.ProductStep{}, fmt.Errorf("read step %s: %w", stepID, err)
	}
	var rec models.ProductStep
	if err := blackboard.Decode(doc, &rec); err != nil {
		return models.ProductStep{}, fmt.Errorf("decode step %s: %w", stepID, err)
	}
	switch rec.Status {
	case step.Planned, step.Waiting, step.Working, step.Done:
		if rec.EquipletID != "" {
			a.assigned[rec.ID] = rec.EquipletID
		}
	}
	a.logger.Info().Str("step_id", rec.ID).Str("status", string(rec.Status)).Str("equiplet", rec.EquipletID).Msg("resuming step")
	return rec, nil
}

// reserved reports whether the i-th step keeps the reservation it already holds, given that it
// may not start before after+1.
func (a *Agent) reserved(i int, after int64) bool {
	s := a.steps[i]
	switch a.status[s.ID] {
	case step.Waiting, step.Working, step.Done:
		return true
	case step.Planned:
		_, ok := a.assigned[s.ID]
		return ok && s.Schedule != nil && s.Schedule.Start > after
	}
	return false
}

// plan negotiates every step in parallel, then reserves them in order, each one starting no
// earlier than the end of its predecessor.
func (a *Agent) plan(ctx context.Context) (err error) {
	ctx, span := telemetry.StartPlanSpan(ctx, a.product.ID, len(a.steps))
	defer func() { telemetry.EndSpan(span, err) }()

	refs := make([]messaging.StepRef, 0, len(a.steps))
	candidates := make(map[string][]string, len(a.steps))
	discovered := make(map[string][]string)
	for i, s := range a.steps {
		switch st := a.status[s.ID]; {
		case st == step.Aborted || st == step.Error:
			return fmt.Errorf("%w: step %d is already %s", errUnschedulable, i, st)
		case a.reserved(i, -1):
			continue
		}
		refs = append(refs, a.stepRef(s))
		ids, ok := discovered[s.Capability]
		if !ok {
			if ids, err = a.discover(ctx, s.Capability); err != nil {
				return err
			}
			discovered[s.Capability] = ids
		}
		candidates[s.ID] = ids
	}

	results := a.coordinator.NegotiateAll(ctx, refs, candidates)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := a.coordinator.Fault(); err != nil {
		return fmt.Errorf("negotiation: %w", err)
	}

	var after int64
	for i, s := range a.steps {
		if a.reserved(i, after) {
			if s.Schedule != nil {
				after = s.Schedule.End() - 1
			}
			continue
		}
		offers, negotiated := results[s.ID]
		if !negotiated {
			// Kept from an earlier run but now overlaps its predecessor.
			a.withdraw(ctx, a.assigned[s.ID], s.ID)
			delete(a.assigned, s.ID)
			ids, err := a.discover(ctx, s.Capability)
			if err != nil {
				return err
			}
			offers = a.coordinator.Negotiate(ctx, a.stepRef(s), ids)
			if err := a.coordinator.Fault(); err != nil {
				return fmt.Errorf("negotiation: %w", err)
			}
		}
		ranked := a.cfg.Policy.Rank(offers)
		if len(ranked) == 0 {
			return fmt.Errorf("%w: no equiplet offers %s for step %d", errUnschedulable, s.Capability, i)
		}
		equiplet, reply, err := a.schedule(ctx, s, ranked, after)
		if err != nil {
			return err
		}
		a.assigned[s.ID] = equiplet
		a.status[s.ID] = step.Planned
		after = reply.Slot.End() - 1
	}
	span.SetAttributes(telemetry.AttrSlot.Int64(after + 1))
	return nil
}

func (a *Agent) discover(ctx context.Context, capability string) ([]string, error) {
	entries, err := a.directory.Discover(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", capability, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.EquipletID)
	}
	return ids, nil
}

func (a *Agent) stepRef(s models.ProductStep) messaging.StepRef {
	return messaging.StepRef{StepID: s.ID, ProductID: a.product.ID, Capability: s.Capability, Parameters: s.Parameters}
}

// schedule offers s to the ranked candidates in turn until one commits a reservation.
func (a *Agent) schedule(ctx context.Context, s models.ProductStep, ranked []negotiation.Candidate, after int64) (string, messaging.ScheduleReply, error) {
	for _, cand := range ranked {
		req := messaging.ScheduleRequest{StepID: s.ID, Duration: cand.Duration, AfterSlot: after}
		msg, err := messaging.NewMessage("", cand.EquipletID, messaging.ScheduleStep, messaging.Request, "", req)
		if err != nil {
			return "", messaging.ScheduleReply{}, err
		}
		reqCtx, span := telemetry.StartScheduleSpan(ctx, s.ID, cand.EquipletID)
		reply, err := a.inbox.Request(reqCtx, msg, a.cfg.ScheduleTimeout)
		telemetry.EndSpan(span, err)
		if err != nil {
			if ctx.Err() != nil {
				return "", messaging.ScheduleReply{}, ctx.Err()
			}
			a.logger.Warn().Err(err).Str("step_id", s.ID).Str("equiplet", cand.EquipletID).Msg("schedule request unanswered")
			if sr, ok, cerr := a.committed(ctx, s.ID, cand.EquipletID); cerr != nil {
				return "", messaging.ScheduleReply{}, cerr
			} else if ok {
				return cand.EquipletID, sr, nil
			}
			a.withdraw(ctx, cand.EquipletID, s.ID)
			continue
		}
		if reply.Performative != messaging.Inform {
			var why messaging.ErrorReply
			_ = reply.Decode(&why)
			if reply.Performative == messaging.NotUnderstood {
				return "", messaging.ScheduleReply{}, fmt.Errorf("%w by %s: %s", messaging.ErrNotUnderstood, cand.EquipletID, why.Reason)
			}
			a.logger.Debug().
				Str("step_id", s.ID).
				Str("equiplet", cand.EquipletID).
				Str("performative", string(reply.Performative)).
				Str("reason", why.Reason).
				Msg("schedule request declined")
			continue
		}
		var sr messaging.ScheduleReply
		if err := reply.Decode(&sr); err != nil {
			a.logger.Warn().Err(err).Str("equiplet", cand.EquipletID).Msg("schedule reply malformed")
			if sr, ok, cerr := a.committed(ctx, s.ID, cand.EquipletID); cerr != nil {
				return "", messaging.ScheduleReply{}, cerr
			} else if ok {
				return cand.EquipletID, sr, nil
			}
			a.withdraw(ctx, cand.EquipletID, s.ID)
			continue
		}
		a.logger.Info().
			Str("step_id", s.ID).
			Str("equiplet", cand.EquipletID).
			Str("slot", sr.Slot.String()).
			Msg("step planned")
		return cand.EquipletID, sr, nil
	}
	return "", messaging.ScheduleReply{}, fmt.Errorf("%w: every candidate declined step %s", errUnschedulable, s.ID)
}

// committed reads the step record to learn whether equiplet reserved it although its reply
// never arrived.
func (a *Agent) committed(ctx context.Context, stepID, equiplet string) (messaging.ScheduleReply, bool, error) {
	doc, err := a.store.Get(ctx, models.CollectionProductSteps, stepID)
	if err != nil {
		return messaging.ScheduleReply{}, false, fmt.Errorf("read step %s: %w", stepID, err)
	}
	var rec models.ProductStep
	if err := blackboard.Decode(doc, &rec); err != nil {
		return messaging.ScheduleReply{}, false, err
	}
	if rec.Status != step.Planned || rec.EquipletID != equiplet || rec.Schedule == nil {
		return messaging.ScheduleReply{}, false, nil
	}
	a.logger.Info().Str("step_id", stepID).Str("equiplet", equiplet).Msg("reservation found on the blackboard")
	return messaging.ScheduleReply{StepID: stepID, Slot: *rec.Schedule}, true, nil
}

// startNext hands the next pending step to its equiplet with the rest of the chain and the
// product bindings.
func (a *Agent) startNext(ctx context.Context) error {
	if a.next >= len(a.steps) {
		return nil
	}
	s := a.steps[a.next]
	if st := a.status[s.ID]; st == step.Waiting || st == step.Working {
		return nil
	}
	chain := make([]string, 0, len(a.steps)-a.next)
	for _, rest := range a.steps[a.next:] {
		chain = append(chain, rest.ID)
	}
	req := messaging.StartRequest{StepID: s.ID, Chain: chain, Bindings: a.product.Bindings}
	msg, err := messaging.NewMessage("", a.assigned[s.ID], messaging.StartStep, messaging.Request, "", req)
	if err != nil {
		return fmt.Errorf("build start request: %w", err)
	}
	reply, err := a.inbox.Request(ctx, msg, a.cfg.ScheduleTimeout)
	switch {
	case err != nil:
		a.logger.Warn().Err(err).Str("step_id", s.ID).Msg("start request unanswered")
	case reply.Performative == messaging.NotUnderstood:
		var why messaging.ErrorReply
		_ = reply.Decode(&why)
		return fmt.Errorf("%w by %s: %s", messaging.ErrNotUnderstood, a.assigned[s.ID], why.Reason)
	case reply.Performative != messaging.Inform:
		// The equiplet may already have run the step; its status decides.
		a.logger.Debug().Str("step_id", s.ID).Str("performative", string(reply.Performative)).Msg("start request declined")
	default:
		a.logger.Debug().Str("step_id", s.ID).Str("equiplet", a.assigned[s.ID]).Msg("step started")
	}
	return nil
}

// onStepEvent follows status changes of this product's steps. It reports true once the
// product reached a final status.
func (a *Agent) onStepEvent(ctx context.Context, ev blackboard.ChangeEvent) (bool, error) {
	if _, mine := a.index[ev.DocumentID]; !mine {
		return false, nil
	}
	doc, err := a.store.Get(ctx, models.CollectionProductSteps, ev.DocumentID)
	if err != nil {
		return false, fmt.Errorf("read step %s: %w", ev.DocumentID, err)
	}
	status := step.Status(fmt.Sprint(doc["status"]))
	if a.status[ev.DocumentID] == status {
		return false, nil
	}
	a.status[ev.DocumentID] = status

	switch status {
	case step.Done:
		before := a.next
		if a.advance() {
			return true, a.finish(ctx)
		}
		if a.next != before {
			if err := a.startNext(ctx); err != nil {
				return true, err
			}
		}
	case step.Aborted, step.Error:
		reason, _ := doc["reason"].(string)
		if reason == "" {
			reason = string(status)
		}
		return true, a.fail(ctx, fmt.Sprintf("step %s %s: %s", ev.DocumentID, status, reason))
	}
	return false, nil
}

// advance moves past the steps that are done. It reports true once none is left.
func (a *Agent) advance() bool {
	for a.next < len(a.steps) && a.status[a.steps[a.next].ID] == step.Done {
		a.next++
	}
	return a.next == len(a.steps)
}

// finish marks the product done.
func (a *Agent) finish(ctx context.Context) error {
	if err := a.setProductStatus(ctx, models.ProductDone, ""); err != nil {
		return err
	}
	a.logger.Info().Int("steps", len(a.steps)).Msg("product done")
	return nil
}

// fail releases every step that has not finished and marks the product failed.
func (a *Agent) fail(ctx context.Context, reason string) error {
	a.logger.Warn().Str("reason", reason).Msg("product failed")
	for _, s := range a.steps {
		status := a.status[s.ID]
		if status.IsTerminal() {
			continue
		}
		equiplet, ok := a.assigned[s.ID]
		if !ok {
			equiplet = a.holder(ctx, s.ID)
		}
		if equiplet != "" {
			a.abort(ctx, equiplet, s.ID, "product failed")
			continue
		}
		if err := a.markStep(ctx, s.ID, status, step.Aborted, reason); err != nil && isStoreFault(err) {
			return err
		}
	}
	return a.setProductStatus(ctx, models.ProductFailed, reason)
}

// holder returns the equiplet the step record names, which may have committed a reservation
// whose reply never arrived.
func (a *Agent) holder(ctx context.Context, stepID string) string {
	doc, err := a.store.Get(ctx, models.CollectionProductSteps, stepID)
	if err != nil {
		return ""
	}
	var rec models.ProductStep
	if err := blackboard.Decode(doc, &rec); err != nil || rec.Status.IsTerminal() {
		return ""
	}
	return rec.EquipletID
}

// abort asks equiplet to release stepID without waiting for the answer.
func (a *Agent) abort(ctx context.Context, equiplet, stepID, reason string) {
	a.sendAbort(ctx, equiplet, messaging.AbortRequest{StepID: stepID, Reason: reason})
}

// withdraw asks an equiplet that did not answer a schedule request to drop any reservation it
// made, leaving the step open for the next candidate.
func (a *Agent) withdraw(ctx context.Context, equiplet, stepID string) {
	a.sendAbort(ctx, equiplet, messaging.AbortRequest{StepID: stepID, Reason: "schedule reply lost", Withdraw: true})
}

func (a *Agent) sendAbort(ctx context.Context, equiplet string, req messaging.AbortRequest) {
	stepID := req.StepID
	msg, err := messaging.NewMessage("", equiplet, messaging.AbortStep, messaging.Request, "", req)
	if err != nil {
		return
	}
	if err := a.inbox.Send(ctx, msg); err != nil {
		a.logger.Debug().Err(err).Str("step_id", stepID).Str("equiplet", equiplet).Msg("abort not delivered")
	}
}

func (a *Agent) markStep(ctx context.Context, stepID string, from, to step.Status, reason string) error {
	if err := step.Transition(from, to); err != nil {
		return err
	}
	_, err := a.store.Update(ctx, models.CollectionProductSteps, blackboard.ByID(stepID), map[string]any{
		"status":     string(to),
		"reason":     reason,
		"updated_at": time.Now().UTC(),
	})
	if err == nil {
		a.status[stepID] = to
	}
	return err
}

func (a *Agent) setProductStatus(ctx context.Context, status models.ProductStatus, reason string) error {
	patch := map[string]any{
		"status":      string(status),
		"finished_at": time.Now().UTC(),
	}
	if reason != "" {
		patch["reason"] = reason
	}
	if _, err := a.store.Update(ctx, models.CollectionProducts, blackboard.ByID(a.product.ID), patch); err != nil {
		return fmt.Errorf("mark product %s: %w", status, err)
	}
	if a.cfg.Events != nil {
		a.cfg.Events.Publish(events.EventProductFinished, events.Payload{
			"product_id": a.product.ID,
			"status":     string(status),
			"reason":     reason,
		})
	}
	return nil
}

// terminate records a fatal fault and tries to leave the product marked failed. Faults seen
// while ctx is done are a stop, not a failure.
func (a *Agent) terminate(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		a.logger.Debug().Err(cause).Msg("product agent stopped")
		return ctx.Err()
	}
	kind := "internal"
	switch {
	case isStoreFault(cause):
		kind = "store"
	case errors.Is(cause, messaging.ErrNotUnderstood):
		kind = "protocol"
	}
	telemetry.AgentTerminationsTotal.WithLabelValues("product", kind).Inc()
	a.logger.Error().Err(cause).Str("kind", kind).Msg("product agent terminated")

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = a.setProductStatus(markCtx, models.ProductFailed, cause.Error())

	return fmt.Errorf("%w: %s: %w", ErrTerminated, a.product.ID, cause)
}

func isStoreFault(err error) bool {
	return errors.Is(err, blackboard.ErrUnavailable) || errors.Is(err, blackboard.ErrInvalidNamespace)
}
