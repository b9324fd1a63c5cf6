/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package step holds the product step lifecycle and placeholder resolution along a step chain.
package step

import (
	"errors"
	"fmt"

	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// Status is the lifecycle position of a product step.
type Status string

const (
	// Evaluating: capability and duration negotiation in progress.
	Evaluating Status = "evaluating"
	// Planned: a reservation is committed on an equiplet ledger.
	Planned Status = "planned"
	// Waiting: the equiplet accepted the step as next in line.
	Waiting Status = "waiting"
	// Working: the equiplet clock reached the reservation start.
	Working Status = "working"
	// Done: the reservation was consumed and removed from the ledger.
	Done    Status = "done"
	Aborted Status = "aborted"
	Error   Status = "error"
)

// ErrInvalidTransition is returned for a transition the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid step transition")

var forward = map[Status]Status{
	Evaluating: Planned,
	Planned:    Waiting,
	Waiting:    Working,
	Working:    Done,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Evaluating, Planned, Waiting, Working, Done, Aborted, Error:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == Done || s == Aborted || s == Error
}

// CanTransition reports whether from -> to is allowed. Aborted and Error are reachable from
// every non-terminal status; everything else moves one step forward.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == Aborted || to == Error {
		return true
	}
	return forward[from] == to
}

// Transition validates from -> to and records it.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	telemetry.StepTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}
