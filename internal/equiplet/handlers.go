/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package equiplet

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/step"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// handle dispatches one request. Only faults that must terminate the agent are returned.
func (a *Agent) handle(ctx context.Context, msg messaging.Message) error {
	switch msg.Ontology {
	case messaging.InitialisationFinished:
		return a.onInitialisationFinished(ctx, msg)
	case messaging.CanPerformStep:
		return a.onCanPerformStep(ctx, msg)
	case messaging.GetProductionDuration:
		return a.onGetProductionDuration(ctx, msg)
	case messaging.ScheduleStep:
		return a.onScheduleStep(ctx, msg)
	case messaging.StartStep:
		return a.onStartStep(ctx, msg)
	case messaging.AbortStep:
		return a.onAbortStep(ctx, msg)
	default:
		a.reply(ctx, msg, messaging.NotUnderstood, messaging.ErrorReply{Reason: fmt.Sprintf("unknown ontology %q", msg.Ontology)})
		return nil
	}
}

func (a *Agent) reply(ctx context.Context, msg messaging.Message, perf messaging.Performative, content any) {
	r, err := msg.Reply(perf, content)
	if err != nil {
		a.logger.Error().Err(err).Str("ontology", string(msg.Ontology)).Msg("building reply failed")
		return
	}
	if err := a.inbox.Send(ctx, r); err != nil {
		// The requester may have given up on the conversation.
		a.logger.Debug().Err(err).Str("receiver", msg.Sender).Str("ontology", string(msg.Ontology)).Msg("reply not delivered")
	}
}

func (a *Agent) notUnderstood(ctx context.Context, msg messaging.Message, err error) {
	a.logger.Warn().Err(err).Str("sender", msg.Sender).Str("ontology", string(msg.Ontology)).Msg("malformed request")
	a.reply(ctx, msg, messaging.NotUnderstood, messaging.ErrorReply{Reason: err.Error()})
}

func (a *Agent) refuse(ctx context.Context, msg messaging.Message, reason string) {
	a.logger.Debug().Str("sender", msg.Sender).Str("ontology", string(msg.Ontology)).Str("reason", reason).Msg("request refused")
	a.reply(ctx, msg, messaging.Refuse, messaging.ErrorReply{Reason: reason})
}

// onInitialisationFinished advertises right away from an advertisable state. Otherwise it asks
// for Standby and waits for the state feed to report it.
func (a *Agent) onInitialisationFinished(ctx context.Context, msg messaging.Message) error {
	a.initialised = true
	if a.machine.CanAdvertise() {
		a.reply(ctx, msg, messaging.Inform, nil)
		return a.advertise(ctx)
	}

	// Subscribe before writing so the node's answer cannot slip past.
	if err := a.openGate(ctx); err != nil {
		return err
	}
	if err := a.requestState(ctx, Standby); err != nil {
		return err
	}
	a.logger.Info().Str("state", string(a.machine.State())).Msg("initialisation finished, waiting for standby")
	a.reply(ctx, msg, messaging.Inform, nil)
	return nil
}

func (a *Agent) onCanPerformStep(ctx context.Context, msg messaging.Message) error {
	var ref messaging.StepRef
	if err := msg.Decode(&ref); err != nil {
		a.notUnderstood(ctx, msg, err)
		return nil
	}
	perf := messaging.Disconfirm
	if a.machine.CanPerformStep(ref.Capability) {
		perf = messaging.Confirm
	}
	a.reply(ctx, msg, perf, ref)
	return nil
}

func (a *Agent) onGetProductionDuration(ctx context.Context, msg messaging.Message) error {
	var ref messaging.StepRef
	if err := msg.Decode(&ref); err != nil {
		a.notUnderstood(ctx, msg, err)
		return nil
	}
	d, ok := a.machine.Duration(ref.Capability)
	if !ok || !a.machine.CanPerformStep(ref.Capability) {
		a.refuse(ctx, msg, fmt.Sprintf("capability %q not offered", ref.Capability))
		return nil
	}
	a.reply(ctx, msg, messaging.Inform, messaging.DurationReply{StepID: ref.StepID, Duration: d})
	return nil
}

// onScheduleStep reserves the first free slot of the requested length after the requested
// lower bound and records it on the step.
func (a *Agent) onScheduleStep(ctx context.Context, msg messaging.Message) error {
	var req messaging.ScheduleRequest
	if err := msg.Decode(&req); err != nil {
		a.notUnderstood(ctx, msg, err)
		return nil
	}
	if req.StepID == "" || req.Duration <= 0 {
		a.notUnderstood(ctx, msg, fmt.Errorf("%w: schedule request needs a step and a positive duration", messaging.ErrMalformed))
		return nil
	}
	if !a.machine.CanAdvertise() {
		telemetry.SchedulingAttemptsTotal.WithLabelValues("refused").Inc()
		a.refuse(ctx, msg, fmt.Sprintf("equiplet is %s", a.machine.State()))
		return nil
	}
	if existing, ok := a.ledger.Get(req.StepID); ok {
		a.reply(ctx, msg, messaging.Inform, messaging.ScheduleReply{StepID: req.StepID, Slot: existing.Slot})
		return nil
	}

	res, err := a.reserve(req)
	if err != nil {
		telemetry.SchedulingAttemptsTotal.WithLabelValues("no_slot").Inc()
		a.refuse(ctx, msg, err.Error())
		return nil
	}

	if err := a.recordSchedule(ctx, req.StepID, res.Slot); err != nil {
		_ = a.ledger.Remove(req.StepID)
		if isStoreFault(err) {
			a.reply(ctx, msg, messaging.Failure, messaging.ErrorReply{Reason: "blackboard unavailable"})
			return storeFault("record schedule", err)
		}
		telemetry.SchedulingAttemptsTotal.WithLabelValues("refused").Inc()
		a.refuse(ctx, msg, err.Error())
		return nil
	}

	telemetry.SchedulingAttemptsTotal.WithLabelValues("committed").Inc()
	a.logger.Info().
		Str("step_id", req.StepID).
		Str("slot", res.Slot.String()).
		Str("requester", msg.Sender).
		Msg("step scheduled")

	if a.machine.State() == Standby {
		if err := a.requestState(ctx, Normal); err != nil {
			return err
		}
	}
	a.recompute(ctx)
	a.reply(ctx, msg, messaging.Inform, messaging.ScheduleReply{StepID: req.StepID, Slot: res.Slot})
	return nil
}

// reserve runs FirstFreeSlot then Insert, searching again if Insert reports a conflict.
func (a *Agent) reserve(req messaging.ScheduleRequest) (ledger.Reservation, error) {
	after := max(req.AfterSlot, a.CurrentSlot())
	var lastErr error
	for attempt := 0; attempt < scheduleRetries; attempt++ {
		free, err := a.ledger.FirstFreeSlot(after, req.Duration)
		if err != nil {
			return ledger.Reservation{}, err
		}
		res := ledger.Reservation{StepID: req.StepID, Slot: ledger.Bounded(free.Start, req.Duration)}
		err = a.ledger.Insert(res)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ledger.ErrSchedulingConflict) {
			return ledger.Reservation{}, err
		}
		a.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("free slot taken, searching again")
		lastErr = err
	}
	return ledger.Reservation{}, lastErr
}

// onStartStep hands a planned step over for execution: the step becomes Waiting, the
// placeholders along its chain are resolved and the wake timer is recomputed.
func (a *Agent) onStartStep(ctx context.Context, msg messaging.Message) error {
	var req messaging.StartRequest
	if err := msg.Decode(&req); err != nil {
		a.notUnderstood(ctx, msg, err)
		return nil
	}
	if _, ok := a.ledger.Get(req.StepID); !ok {
		a.refuse(ctx, msg, fmt.Sprintf("no reservation for step %s", req.StepID))
		return nil
	}

	doc, err := a.store.Get(ctx, models.CollectionProductSteps, req.StepID)
	if err != nil {
		if isStoreFault(err) {
			return storeFault("read step", err)
		}
		a.refuse(ctx, msg, err.Error())
		return nil
	}
	if status, _ := doc["status"].(string); step.Status(status) == step.Planned {
		if err := a.writeStepStatus(ctx, req.StepID, step.Planned, step.Waiting, nil); err != nil {
			if isStoreFault(err) {
				return storeFault("mark step waiting", err)
			}
			a.refuse(ctx, msg, err.Error())
			return nil
		}
	}

	chain, start, err := a.loadChain(ctx, req)
	if err != nil {
		return storeFault("load step chain", err)
	}
	if failures := a.resolver.Resolve(ctx, chain, start, req.Bindings); len(failures) > 0 {
		a.logger.Warn().Int("unresolved", len(failures)).Str("step_id", req.StepID).Msg("chain partially resolved")
	}

	a.recompute(ctx)
	a.reply(ctx, msg, messaging.Inform, nil)
	return a.tick(ctx)
}

// loadChain builds the successor chain named in req, starting at req.StepID.
func (a *Agent) loadChain(ctx context.Context, req messaging.StartRequest) (step.Chain, int, error) {
	ids := req.Chain
	if len(ids) == 0 {
		ids = []string{req.StepID}
	}
	links := make([]step.Link, 0, len(ids))
	for _, id := range ids {
		doc, err := a.store.Get(ctx, models.CollectionProductSteps, id)
		switch {
		case err == nil:
			params, _ := doc["parameters"].(map[string]any)
			links = append(links, step.Link{StepID: id, Parameters: params})
		case errors.Is(err, blackboard.ErrNotFound):
			// Left to the resolver, which reports it as unresolved.
			links = append(links, step.Link{StepID: id})
		default:
			return nil, 0, err
		}
	}
	chain := step.Linear(links)
	start := chain.IndexOf(req.StepID)
	if start < 0 {
		start = 0
	}
	return chain, start, nil
}

// onAbortStep releases the reservation of a step and marks it aborted.
func (a *Agent) onAbortStep(ctx context.Context, msg messaging.Message) error {
	var req messaging.AbortRequest
	if err := msg.Decode(&req); err != nil {
		a.notUnderstood(ctx, msg, err)
		return nil
	}
	if req.Withdraw {
		return a.withdrawStep(ctx, msg, req.StepID)
	}

	if first, ok := a.ledger.Earliest(); ok && first.StepID == req.StepID && a.machine.Activity() == Working {
		a.machine.Release()
	}
	if err := a.ledger.Remove(req.StepID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	reason := req.Reason
	if reason == "" {
		reason = "aborted by " + msg.Sender
	}
	err := a.setStepStatus(ctx, req.StepID, step.Aborted, map[string]any{"reason": reason})
	switch {
	case err == nil:
	case isStoreFault(err):
		return storeFault("mark step aborted", err)
	default:
		a.logger.Debug().Err(err).Str("step_id", req.StepID).Msg("abort left step record unchanged")
	}

	a.logger.Info().Str("step_id", req.StepID).Str("reason", reason).Msg("step aborted")
	a.recompute(ctx)
	a.reply(ctx, msg, messaging.Inform, nil)
	return nil
}

// recordSchedule claims the step record for this equiplet. The record must still be
// Evaluating, or Planned without an equiplet after its previous holder withdrew.
func (a *Agent) recordSchedule(ctx context.Context, stepID string, slot ledger.TimeSlot) error {
	patch := map[string]any{
		"status":      step.Planned,
		"equiplet_id": a.cfg.ID,
		"schedule":    slot,
		"updated_at":  a.now().UTC(),
	}
	claimable := []blackboard.Filter{
		{blackboard.IDField: stepID, "status": step.Evaluating},
		{blackboard.IDField: stepID, "status": step.Planned, "equiplet_id": nil},
	}
	for _, filter := range claimable {
		_, err := a.store.Update(ctx, models.CollectionProductSteps, filter, patch)
		if err == nil {
			telemetry.StepTransitionsTotal.WithLabelValues(string(step.Planned)).Inc()
			return nil
		}
		if !errors.Is(err, blackboard.ErrNotFound) {
			return err
		}
	}
	return fmt.Errorf("step %s: %w: not open for planning", stepID, step.ErrInvalidTransition)
}

// withdrawStep gives up the reservation of a step the requester placed elsewhere. The record
// is released only while it still names this equiplet.
func (a *Agent) withdrawStep(ctx context.Context, msg messaging.Message, stepID string) error {
	if err := a.ledger.Remove(stepID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	_, err := a.store.Update(ctx, models.CollectionProductSteps,
		blackboard.Filter{blackboard.IDField: stepID, "status": step.Planned, "equiplet_id": a.cfg.ID},
		map[string]any{"equiplet_id": nil, "schedule": nil, "updated_at": a.now().UTC()})
	switch {
	case err == nil:
		a.logger.Info().Str("step_id", stepID).Str("requester", msg.Sender).Msg("reservation withdrawn")
	case errors.Is(err, blackboard.ErrNotFound):
		a.logger.Debug().Str("step_id", stepID).Msg("withdrawn step not held by this equiplet")
	case isStoreFault(err):
		return storeFault("withdraw step", err)
	default:
		return err
	}
	a.recompute(ctx)
	a.reply(ctx, msg, messaging.Inform, nil)
	return nil
}
