/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ledger keeps the time-ordered, non-overlapping reservation list of a single equiplet.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

var (
	// ErrSchedulingConflict is returned when a reservation would overlap an existing one.
	ErrSchedulingConflict = errors.New("scheduling conflict")
	// ErrNotFound is returned when no reservation is bound to the step.
	ErrNotFound = errors.New("reservation not found")
	// ErrNoFreeSlot is returned when an open-ended reservation blocks the tail of the ledger.
	ErrNoFreeSlot = errors.New("no free slot")
	// ErrDuplicateStep is returned when the step already holds a reservation.
	ErrDuplicateStep = errors.New("step already reserved")
)

// Reservation binds a step to a slot on the owning equiplet.
type Reservation struct {
	StepID string   `json:"step_id"`
	Slot   TimeSlot `json:"slot"`
}

// Ledger is the reservation list of one equiplet. Entries are kept sorted by Slot.Start
// and never overlap. All mutations are serialised by the ledger's lock.
type Ledger struct {
	owner  string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries []Reservation
}

// New creates an empty ledger for the given equiplet.
func New(owner string, logger zerolog.Logger) *Ledger {
	return &Ledger{
		owner:   owner,
		logger:  logger.With().Str("component", "ledger").Str("equiplet", owner).Logger(),
		entries: make([]Reservation, 0, 16),
	}
}

// Load returns the fraction of [windowStart, windowStart+windowLen) covered by reservations.
// Reservations are clipped at both window edges.
func (l *Ledger) Load(windowStart, windowLen int64) float64 {
	if windowLen <= 0 {
		return 0
	}
	windowEnd := windowStart + windowLen

	l.mu.RLock()
	var occupied int64
	for _, r := range l.entries {
		if r.Slot.Start >= windowEnd {
			break
		}
		start := max(r.Slot.Start, windowStart)
		end := min(r.Slot.End(), windowEnd)
		if end > start {
			occupied += end - start
		}
	}
	l.mu.RUnlock()

	if occupied > windowLen {
		// Cannot happen while entries are disjoint.
		l.logger.Warn().
			Int64("occupied", occupied).
			Int64("window_start", windowStart).
			Int64("window_len", windowLen).
			Msg("occupied ticks exceed load window, clamping")
		telemetry.LedgerLoadAnomalies.WithLabelValues(l.owner).Inc()
		return 1.0
	}

	return float64(occupied) / float64(windowLen)
}

// FirstFreeSlot returns the earliest gap of at least minDuration ticks starting no earlier
// than afterStart+1. Gaps between reservations are returned bounded by their size; when no
// gap fits, an open-ended slot after the last reservation is returned.
func (l *Ledger) FirstFreeSlot(afterStart, minDuration int64) (TimeSlot, error) {
	if minDuration <= 0 {
		return TimeSlot{}, fmt.Errorf("minimum duration %d must be positive", minDuration)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	candidate := max(afterStart+1, 0)
	for _, r := range l.entries {
		if r.Slot.End() <= candidate {
			continue
		}
		if r.Slot.Start > candidate {
			if gap := r.Slot.Start - candidate; gap >= minDuration {
				return Bounded(candidate, gap), nil
			}
		}
		if r.Slot.IsOpenEnded() {
			return TimeSlot{}, ErrNoFreeSlot
		}
		candidate = r.Slot.End()
	}
	return OpenEnded(candidate), nil
}

// Insert adds a reservation, keeping the ledger sorted. It fails with ErrSchedulingConflict,
// leaving the ledger untouched, when the slot overlaps an existing reservation.
func (l *Ledger) Insert(r Reservation) error {
	if r.StepID == "" {
		return errors.New("reservation has no step")
	}
	if err := r.Slot.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := len(l.entries)
	for i, existing := range l.entries {
		if existing.StepID == r.StepID {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, r.StepID)
		}
		if pos == len(l.entries) && existing.Slot.Start > r.Slot.Start {
			pos = i
		}
	}

	if pos > 0 && l.entries[pos-1].Slot.Overlaps(r.Slot) {
		telemetry.LedgerConflicts.WithLabelValues(l.owner).Inc()
		return fmt.Errorf("%w: %s overlaps step %s at %s", ErrSchedulingConflict, r.Slot, l.entries[pos-1].StepID, l.entries[pos-1].Slot)
	}
	if pos < len(l.entries) && l.entries[pos].Slot.Overlaps(r.Slot) {
		telemetry.LedgerConflicts.WithLabelValues(l.owner).Inc()
		return fmt.Errorf("%w: %s overlaps step %s at %s", ErrSchedulingConflict, r.Slot, l.entries[pos].StepID, l.entries[pos].Slot)
	}

	l.entries = append(l.entries, Reservation{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = r
	telemetry.LedgerReservations.WithLabelValues(l.owner).Set(float64(len(l.entries)))

	l.logger.Debug().Str("step_id", r.StepID).Str("slot", r.Slot.String()).Msg("reservation inserted")
	return nil
}

// Remove deletes the reservation bound to stepID.
func (l *Ledger) Remove(stepID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.entries {
		if r.StepID == stepID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			telemetry.LedgerReservations.WithLabelValues(l.owner).Set(float64(len(l.entries)))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, stepID)
}

// Get returns the reservation bound to stepID.
func (l *Ledger) Get(stepID string) (Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.entries {
		if r.StepID == stepID {
			return r, true
		}
	}
	return Reservation{}, false
}

// Earliest returns the first reservation.
func (l *Ledger) Earliest() (Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Reservation{}, false
	}
	return l.entries[0], true
}

// PopEarliest removes and returns the first reservation.
func (l *Ledger) PopEarliest() (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Reservation{}, false
	}
	r := l.entries[0]
	l.entries = l.entries[1:]
	telemetry.LedgerReservations.WithLabelValues(l.owner).Set(float64(len(l.entries)))
	return r, true
}

// Entries returns a snapshot of the reservations in start order.
func (l *Ledger) Entries() []Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Reservation, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of reservations.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
