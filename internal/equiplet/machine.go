/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package equiplet implements the resource agent: operating state, reservation ledger, wake
// timer and the answering side of the negotiation protocol.
package equiplet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/step"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// State is the operating mode of an equiplet.
type State string

const (
	Offline  State = "offline"
	Safe     State = "safe"
	Setup    State = "setup"
	Standby  State = "standby"
	Normal   State = "normal"
	Shutdown State = "shutdown"
	Error    State = "error"
)

var allStates = []State{Offline, Safe, Setup, Standby, Normal, Shutdown, Error}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range allStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown equiplet state %q", s)
}

// Advertisable reports whether an equiplet in s may be listed in the directory.
func (s State) Advertisable() bool {
	return s == Standby || s == Normal
}

// Activity is the wall-clock driven sub-state inside Normal.
type Activity string

const (
	Idle    Activity = "idle"
	Working Activity = "working"
)

// StepEvent reports a step status change caused by the passage of time.
type StepEvent struct {
	StepID string
	Status step.Status
	Slot   ledger.TimeSlot
	Reason string
}

// Machine tracks the operating state of one equiplet. It is safe for concurrent readers;
// writes come from the owning agent only.
type Machine struct {
	id        string
	durations map[string]int64
	logger    zerolog.Logger

	mu       sync.RWMutex
	state    State
	activity Activity
	fault    string
}

// NewMachine creates a machine in initial state with per-capability production durations.
func NewMachine(id string, durations map[string]int64, initial State, logger zerolog.Logger) *Machine {
	if initial == "" {
		initial = Standby
	}
	d := make(map[string]int64, len(durations))
	for k, v := range durations {
		d[k] = v
	}
	m := &Machine{
		id:        id,
		durations: d,
		logger:    logger.With().Str("component", "equiplet_machine").Str("equiplet", id).Logger(),
		state:     initial,
		activity:  Idle,
	}
	m.export()
	return m
}

// State returns the operating mode.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Activity returns Idle or Working.
func (m *Machine) Activity() Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activity
}

// FaultReason returns the reason of the last fault, if any.
func (m *Machine) FaultReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fault
}

// CanAdvertise reports whether the equiplet may be listed in the directory.
func (m *Machine) CanAdvertise() bool {
	return m.State().Advertisable()
}

// CanPerformStep reports whether capability is offered. Always false in Error.
func (m *Machine) CanPerformStep(capability string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == Error || m.state == Shutdown || m.state == Offline {
		return false
	}
	_, ok := m.durations[capability]
	return ok
}

// Duration returns the production duration of capability in ticks.
func (m *Machine) Duration(capability string) (int64, bool) {
	d, ok := m.durations[capability]
	return d, ok
}

// Capabilities returns the offered capabilities in name order.
func (m *Machine) Capabilities() []string {
	out := make([]string, 0, len(m.durations))
	for c := range m.durations {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SetState switches the operating mode. Leaving Normal resets the activity to Idle.
func (m *Machine) SetState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	if s != Normal {
		m.activity = Idle
	}
	if s != Error {
		m.fault = ""
	}
	m.mu.Unlock()

	m.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("equiplet state changed")
	m.export()
}

// Fault forces Error.
func (m *Machine) Fault(reason string) {
	m.SetState(Error)
	m.mu.Lock()
	m.fault = reason
	m.mu.Unlock()
	m.logger.Error().Str("reason", reason).Msg("equiplet faulted")
}

// Release returns a Working machine to Idle, used when the running step is aborted.
func (m *Machine) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = Idle
}

// Tick advances the Idle/Working cycle to slot against the equiplet's ledger and returns the
// step changes it caused. Only a Normal machine works. A reservation whose window passed
// before the machine could start it is dropped and reported as Error.
func (m *Machine) Tick(slot int64, l *ledger.Ledger) []StepEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Normal {
		return nil
	}

	var evs []StepEvent
	for {
		r, ok := l.Earliest()
		if !ok {
			m.activity = Idle
			return evs
		}

		if m.activity == Working {
			if slot < r.Slot.End() {
				return evs
			}
			l.PopEarliest()
			m.activity = Idle
			evs = append(evs, StepEvent{StepID: r.StepID, Status: step.Done, Slot: r.Slot})
			continue
		}

		if slot < r.Slot.Start {
			return evs
		}
		if slot < r.Slot.End() {
			m.activity = Working
			evs = append(evs, StepEvent{StepID: r.StepID, Status: step.Working, Slot: r.Slot})
			return evs
		}

		_ = l.Remove(r.StepID)
		evs = append(evs, StepEvent{
			StepID: r.StepID,
			Status: step.Error,
			Slot:   r.Slot,
			Reason: fmt.Sprintf("reservation %s passed before it could start at slot %d", r.Slot, slot),
		})
	}
}

func (m *Machine) export() {
	current := m.State()
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		telemetry.EquipletState.WithLabelValues(m.id, string(s)).Set(v)
	}
}
