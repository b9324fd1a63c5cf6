/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package equiplet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/logging"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/step"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// ErrTerminated is wrapped by the error Run returns when the agent removed itself from the grid.
var ErrTerminated = errors.New("equiplet agent terminated")

// NoWake is the wake slot while no planned step is upcoming.
const NoWake int64 = -1

const scheduleRetries = 3

// Config describes one equiplet.
type Config struct {
	ID           string
	Durations    map[string]int64 // capability -> production duration in ticks
	InitialState State
	Connection   map[string]string
	LoadWindow   int64
	TickInterval time.Duration
}

// Agent is the resource agent of one equiplet. All state except the ledger and machine,
// which allow concurrent readers, is owned by the Run loop.
type Agent struct {
	cfg       Config
	store     blackboard.Store
	directory *directory.Directory
	inbox     *messaging.Inbox
	clock     ledger.Clock
	machine   *Machine
	ledger    *ledger.Ledger
	resolver  *step.Resolver
	logger    zerolog.Logger
	now       func() time.Time

	initialised bool
	advertised  bool
	gate        *blackboard.Subscription
	watch       *blackboard.Subscription

	wake     *time.Timer
	wakeC    <-chan time.Time
	wakeSlot atomic.Int64
}

// NewAgent registers the agent on transport. Call Run to start it.
func NewAgent(cfg Config, store blackboard.Store, dir *directory.Directory, transport messaging.Transport, clock ledger.Clock, logger zerolog.Logger) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("equiplet id is required")
	}
	if cfg.LoadWindow <= 0 {
		cfg.LoadWindow = 600
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = clock.Length
	}

	agentLogger := logging.ForAgent(logger, "equiplet_agent", cfg.ID)
	inbox, err := messaging.NewInbox(cfg.ID, transport, logger)
	if err != nil {
		return nil, fmt.Errorf("register equiplet %s: %w", cfg.ID, err)
	}

	a := &Agent{
		cfg:       cfg,
		store:     store,
		directory: dir,
		inbox:     inbox,
		clock:     clock,
		machine:   NewMachine(cfg.ID, cfg.Durations, cfg.InitialState, logger),
		ledger:    ledger.New(cfg.ID, logger),
		logger:    agentLogger,
		now:       time.Now,
	}
	a.resolver = step.NewResolver(agentLogger, a.persistInstruction)
	a.wakeSlot.Store(NoWake)
	return a, nil
}

// ID returns the equiplet id.
func (a *Agent) ID() string { return a.cfg.ID }

// Machine returns the operating state.
func (a *Agent) Machine() *Machine { return a.machine }

// Ledger returns the reservation ledger. Only the agent writes to it.
func (a *Agent) Ledger() *ledger.Ledger { return a.ledger }

// WakeSlot returns the slot the wake timer is set for, or NoWake.
func (a *Agent) WakeSlot() int64 { return a.wakeSlot.Load() }

// CurrentSlot returns the slot of the agent's clock.
func (a *Agent) CurrentSlot() int64 { return a.clock.SlotAt(a.now()) }

// ScheduleView is a read-only summary of the agent.
type ScheduleView struct {
	EquipletID   string               `json:"equiplet_id"`
	State        State                `json:"state"`
	Activity     Activity             `json:"activity"`
	Capabilities []string             `json:"capabilities"`
	CurrentSlot  int64                `json:"current_slot"`
	WakeSlot     int64                `json:"wake_slot"`
	LoadWindow   int64                `json:"load_window"`
	Load         float64              `json:"load"`
	Reservations []ledger.Reservation `json:"reservations"`
}

// Schedule summarises the ledger over the configured load window starting now.
func (a *Agent) Schedule() ScheduleView {
	cur := a.CurrentSlot()
	return ScheduleView{
		EquipletID:   a.cfg.ID,
		State:        a.machine.State(),
		Activity:     a.machine.Activity(),
		Capabilities: a.machine.Capabilities(),
		CurrentSlot:  cur,
		WakeSlot:     a.WakeSlot(),
		LoadWindow:   a.cfg.LoadWindow,
		Load:         a.ledger.Load(cur, a.cfg.LoadWindow),
		Reservations: a.ledger.Entries(),
	}
}

// Run serves the agent until ctx is done or the agent terminates itself. A self-termination
// returns an error wrapping ErrTerminated; the agent is not restarted.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return a.terminate(err)
	}

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.logger.Info().
		Str("state", string(a.machine.State())).
		Strs("capabilities", a.machine.Capabilities()).
		Msg("equiplet agent started")

	for {
		var err error
		select {
		case <-ctx.Done():
			a.shutdown()
			a.logger.Info().Msg("equiplet agent stopped")
			return ctx.Err()
		case msg, ok := <-a.inbox.Requests():
			if !ok {
				return a.terminate(&fault{kind: "transport", err: messaging.ErrClosed})
			}
			err = a.handle(ctx, msg)
		case <-ticker.C:
			err = a.tick(ctx)
		case <-a.wakeC:
			a.wakeC = nil
			if err = a.tick(ctx); err == nil {
				a.recompute(ctx)
			}
		case ev, ok := <-feed(a.gate):
			err = a.onStateEvent(ctx, ev, ok)
		case ev, ok := <-feed(a.watch):
			err = a.onStateEvent(ctx, ev, ok)
		}
		if err != nil {
			return a.terminate(err)
		}
	}
}

func feed(s *blackboard.Subscription) <-chan blackboard.ChangeEvent {
	if s == nil {
		return nil
	}
	return s.C
}

// fault marks an error the agent cannot recover from.
type fault struct {
	kind string
	err  error
}

func (f *fault) Error() string { return f.kind + " fault: " + f.err.Error() }
func (f *fault) Unwrap() error { return f.err }

func storeFault(op string, err error) error {
	return &fault{kind: "store", err: fmt.Errorf("%s: %w", op, err)}
}

func isStoreFault(err error) bool {
	return errors.Is(err, blackboard.ErrUnavailable) || errors.Is(err, blackboard.ErrInvalidNamespace)
}

// register writes the initial state record, clears a stale directory entry and restores
// reservations persisted by a previous owner of this equiplet.
func (a *Agent) register(ctx context.Context) error {
	now := a.now().UTC()
	patch := map[string]any{
		"state":      string(a.machine.State()),
		"activity":   string(Idle),
		"updated_at": now,
	}
	_, err := a.store.Update(ctx, models.CollectionEquipletStates, blackboard.ByID(a.cfg.ID), patch)
	if errors.Is(err, blackboard.ErrNotFound) {
		_, err = a.store.Insert(ctx, models.CollectionEquipletStates, models.EquipletStateEntry{
			ID:        a.cfg.ID,
			State:     string(a.machine.State()),
			Activity:  string(Idle),
			UpdatedAt: now,
		})
	}
	if err != nil {
		return storeFault("write initial state", err)
	}

	if err := a.directory.Withdraw(ctx, a.cfg.ID); err != nil {
		return storeFault("clear directory entry", err)
	}
	return a.restore(ctx)
}

func (a *Agent) restore(ctx context.Context) error {
	docs, err := a.store.Find(ctx, models.CollectionProductSteps, blackboard.Query{
		Filter: blackboard.Filter{"equiplet_id": a.cfg.ID},
		Sort:   []blackboard.SortField{{Field: "schedule.start"}},
	})
	if err != nil {
		return storeFault("restore reservations", err)
	}
	steps, err := blackboard.DecodeAll[models.ProductStep](docs)
	if err != nil {
		return storeFault("restore reservations", err)
	}
	for _, s := range steps {
		if s.Schedule == nil || s.Status.IsTerminal() || s.Status == step.Evaluating {
			continue
		}
		if err := a.ledger.Insert(ledger.Reservation{StepID: s.ID, Slot: *s.Schedule}); err != nil {
			a.logger.Warn().Err(err).Str("step_id", s.ID).Msg("persisted reservation not restored")
			continue
		}
	}
	if n := a.ledger.Len(); n > 0 {
		a.logger.Info().Int("reservations", n).Msg("reservations restored")
		a.recompute(ctx)
	}
	return nil
}

func (a *Agent) shutdown() {
	a.closeFeeds()
	a.setWake(NoWake)

	// Best effort: the store may be the reason we are going down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.directory.Withdraw(ctx, a.cfg.ID); err != nil {
		a.logger.Warn().Err(err).Msg("directory withdrawal on shutdown failed")
	}
	a.advertised = false
	a.inbox.Close()
}

func (a *Agent) terminate(cause error) error {
	kind := "unknown"
	var f *fault
	if errors.As(cause, &f) {
		kind = f.kind
	}
	a.logger.Error().Err(cause).Str("fault", kind).Msg("equiplet agent terminating")
	telemetry.AgentTerminationsTotal.WithLabelValues("equiplet", kind).Inc()

	a.machine.Fault(cause.Error())
	a.shutdown()
	return fmt.Errorf("%w: %s: %v", ErrTerminated, a.cfg.ID, cause)
}

func (a *Agent) closeFeeds() {
	if a.gate != nil {
		a.gate.Close()
		a.gate = nil
	}
	if a.watch != nil {
		a.watch.Close()
		a.watch = nil
	}
}

// Advertisement

func (a *Agent) openGate(ctx context.Context) error {
	if a.gate != nil {
		return nil
	}
	sub, err := a.store.Subscribe(ctx, models.CollectionEquipletStates, "state", blackboard.OpSet)
	if err != nil {
		return storeFault("subscribe to own state", err)
	}
	a.gate = sub
	return nil
}

func (a *Agent) onStateEvent(ctx context.Context, ev blackboard.ChangeEvent, ok bool) error {
	if !ok {
		if ctx.Err() != nil {
			return nil
		}
		return storeFault("state feed", errors.New("subscription closed"))
	}
	if ev.DocumentID != a.cfg.ID {
		return nil
	}
	return a.syncState(ctx)
}

// syncState reads the state record and advertises or retracts accordingly. Duplicate
// notifications are harmless.
func (a *Agent) syncState(ctx context.Context) error {
	doc, err := a.store.Get(ctx, models.CollectionEquipletStates, a.cfg.ID)
	if err != nil {
		return storeFault("read own state", err)
	}
	var entry models.EquipletStateEntry
	if err := blackboard.Decode(doc, &entry); err != nil {
		return storeFault("read own state", err)
	}
	st, err := ParseState(entry.State)
	if err != nil {
		a.logger.Warn().Err(err).Msg("ignoring state record")
		return nil
	}

	if st == Error && a.machine.State() != Error {
		a.machine.Fault("reported by node")
	} else {
		a.machine.SetState(st)
	}

	switch {
	case a.machine.CanAdvertise() && !a.advertised && a.initialised:
		return a.advertise(ctx)
	case !a.machine.CanAdvertise() && a.advertised:
		return a.retract(ctx)
	case st == Normal:
		return a.tick(ctx)
	}
	return nil
}

func (a *Agent) advertise(ctx context.Context) error {
	if a.advertised {
		return nil
	}
	err := a.directory.Publish(ctx, directory.Entry{
		EquipletID:   a.cfg.ID,
		Capabilities: a.machine.Capabilities(),
		Connection:   a.cfg.Connection,
	})
	if err != nil {
		return &fault{kind: "publication", err: err}
	}
	a.advertised = true

	if a.gate != nil {
		a.gate.Close()
		a.gate = nil
	}
	if a.watch == nil {
		sub, err := a.store.Subscribe(ctx, models.CollectionEquipletStates, "state", blackboard.OpSet)
		if err != nil {
			return storeFault("watch own state", err)
		}
		a.watch = sub
	}
	return nil
}

func (a *Agent) retract(ctx context.Context) error {
	if err := a.directory.Withdraw(ctx, a.cfg.ID); err != nil {
		return storeFault("withdraw from directory", err)
	}
	a.advertised = false
	if a.watch != nil {
		a.watch.Close()
		a.watch = nil
	}
	a.logger.Warn().Str("state", string(a.machine.State())).Msg("equiplet left advertisable state")
	return a.openGate(ctx)
}

func (a *Agent) requestState(ctx context.Context, desired State) error {
	_, err := a.store.Update(ctx, models.CollectionEquipletStates, blackboard.ByID(a.cfg.ID), map[string]any{
		"desired_state": string(desired),
		"updated_at":    a.now().UTC(),
	})
	if err != nil {
		return storeFault("request state "+string(desired), err)
	}
	a.logger.Debug().Str("desired_state", string(desired)).Msg("state change requested")
	return nil
}

// Time

func (a *Agent) tick(ctx context.Context) error {
	evs := a.machine.Tick(a.CurrentSlot(), a.ledger)
	if len(evs) == 0 {
		return nil
	}
	for _, ev := range evs {
		if err := a.applyStepEvent(ctx, ev); err != nil {
			return err
		}
	}
	_, err := a.store.Update(ctx, models.CollectionEquipletStates, blackboard.ByID(a.cfg.ID), map[string]any{
		"activity":   string(a.machine.Activity()),
		"updated_at": a.now().UTC(),
	})
	if err != nil {
		return storeFault("write activity", err)
	}
	a.recompute(ctx)
	return nil
}

func (a *Agent) applyStepEvent(ctx context.Context, ev StepEvent) error {
	extra := map[string]any{}
	if ev.Reason != "" {
		extra["reason"] = ev.Reason
	}
	err := a.setStepStatus(ctx, ev.StepID, ev.Status, extra)
	switch {
	case err == nil:
		a.logger.Info().Str("step_id", ev.StepID).Str("status", string(ev.Status)).Str("slot", ev.Slot.String()).Msg("step advanced")
		return nil
	case isStoreFault(err):
		return storeFault("advance step", err)
	default:
		a.logger.Warn().Err(err).Str("step_id", ev.StepID).Msg("step record not advanced")
		return nil
	}
}

// setStepStatus moves a step record to status. A Planned step reaching Working passes
// through Waiting.
func (a *Agent) setStepStatus(ctx context.Context, stepID string, to step.Status, extra map[string]any) error {
	doc, err := a.store.Get(ctx, models.CollectionProductSteps, stepID)
	if err != nil {
		return err
	}
	cur, _ := doc["status"].(string)
	from := step.Status(cur)
	if from == to && len(extra) == 0 {
		return nil
	}

	if from == step.Planned && to == step.Working {
		if err := a.writeStepStatus(ctx, stepID, from, step.Waiting, nil); err != nil {
			return err
		}
		from = step.Waiting
	}
	return a.writeStepStatus(ctx, stepID, from, to, extra)
}

func (a *Agent) writeStepStatus(ctx context.Context, stepID string, from, to step.Status, extra map[string]any) error {
	if err := step.Transition(from, to); err != nil {
		return fmt.Errorf("step %s: %w", stepID, err)
	}
	patch := map[string]any{"status": to, "updated_at": a.now().UTC()}
	for k, v := range extra {
		patch[k] = v
	}
	_, err := a.store.Update(ctx, models.CollectionProductSteps, blackboard.ByID(stepID), patch)
	return err
}

// RecomputeWakeTimer points the wake timer at the earliest Planned step of this equiplet
// starting at or after the current slot. The previous timer is always replaced; without such a
// step, or when the lookup fails, the timer is unset and NoWake is returned.
func (a *Agent) RecomputeWakeTimer(ctx context.Context) (int64, error) {
	cur := a.CurrentSlot()
	docs, err := a.store.Find(ctx, models.CollectionProductSteps, blackboard.Query{
		Filter: blackboard.Filter{"equiplet_id": a.cfg.ID, "status": step.Planned},
		Sort:   []blackboard.SortField{{Field: "schedule.start"}},
	})
	if err != nil {
		a.setWake(NoWake)
		return NoWake, err
	}

	next := NoWake
	for _, d := range docs {
		v, ok := d.Lookup("schedule.start")
		if !ok {
			continue
		}
		start, ok := v.(float64)
		if !ok {
			continue
		}
		if s := int64(start); s >= cur {
			next = s
			break
		}
	}
	a.setWake(next)
	return next, nil
}

// recompute follows a ledger change: it publishes the load over the configured window and
// rearms the wake timer.
func (a *Agent) recompute(ctx context.Context) {
	a.reportLoad()
	slot, err := a.RecomputeWakeTimer(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("wake timer lookup failed, timer unset")
		return
	}
	a.logger.Debug().Int64("wake_slot", slot).Msg("wake timer recomputed")
}

func (a *Agent) reportLoad() float64 {
	load := a.ledger.Load(a.CurrentSlot(), a.cfg.LoadWindow)
	telemetry.LedgerLoad.WithLabelValues(a.cfg.ID).Set(load)
	return load
}

func (a *Agent) setWake(slot int64) {
	if a.wake != nil {
		a.wake.Stop()
		a.wake = nil
	}
	a.wakeC = nil
	a.wakeSlot.Store(slot)
	if slot == NoWake {
		return
	}
	d := a.clock.TimeOf(slot).Sub(a.now())
	if d < 0 {
		d = 0
	}
	a.wake = time.NewTimer(d)
	a.wakeC = a.wake.C
}

func (a *Agent) persistInstruction(ctx context.Context, stepID string, instruction map[string]any) error {
	_, err := a.store.Update(ctx, models.CollectionProductSteps, blackboard.ByID(stepID), map[string]any{
		"instruction": instruction,
		"updated_at":  a.now().UTC(),
	})
	return err
}
