/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"fmt"
	"time"
)

// TimeSlot is a range of ticks. A nil Duration means the slot is open-ended.
type TimeSlot struct {
	Start    int64  `json:"start" bson:"start"`
	Duration *int64 `json:"duration,omitempty" bson:"duration,omitempty"`
}

// Bounded returns a slot of duration ticks starting at start.
func Bounded(start, duration int64) TimeSlot {
	d := duration
	return TimeSlot{Start: start, Duration: &d}
}

// OpenEnded returns a slot that is free from start until further notice.
func OpenEnded(start int64) TimeSlot {
	return TimeSlot{Start: start}
}

// IsOpenEnded reports whether the slot has no upper bound.
func (s TimeSlot) IsOpenEnded() bool {
	return s.Duration == nil
}

// Length returns the bounded duration, or -1 for an open-ended slot.
func (s TimeSlot) Length() int64 {
	if s.Duration == nil {
		return -1
	}
	return *s.Duration
}

// End returns the first tick after the slot. Open-ended slots end at maxTick.
func (s TimeSlot) End() int64 {
	if s.Duration == nil {
		return maxTick
	}
	return s.Start + *s.Duration
}

// Overlaps reports whether two slots share at least one tick.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	return s.Start < other.End() && other.Start < s.End()
}

// Validate checks start >= 0 and, for bounded slots, duration > 0.
func (s TimeSlot) Validate() error {
	if s.Start < 0 {
		return fmt.Errorf("time slot start %d is negative", s.Start)
	}
	if s.Duration != nil && *s.Duration <= 0 {
		return fmt.Errorf("time slot duration %d must be positive", *s.Duration)
	}
	return nil
}

func (s TimeSlot) String() string {
	if s.Duration == nil {
		return fmt.Sprintf("[%d, ∞)", s.Start)
	}
	return fmt.Sprintf("[%d, %d)", s.Start, s.End())
}

const maxTick = int64(^uint64(0) >> 1)

// Clock maps wall-clock time onto ticks of a fixed length counted from Epoch.
type Clock struct {
	Epoch  time.Time
	Length time.Duration
}

// NewClock returns a clock, defaulting the tick length to one second.
func NewClock(epoch time.Time, length time.Duration) Clock {
	if length <= 0 {
		length = time.Second
	}
	return Clock{Epoch: epoch, Length: length}
}

// SlotAt returns floor((t - epoch) / length). Times before the epoch map to slot 0.
func (c Clock) SlotAt(t time.Time) int64 {
	if t.Before(c.Epoch) {
		return 0
	}
	return int64(t.Sub(c.Epoch) / c.Length)
}

// TimeOf returns the wall-clock start of a slot.
func (c Clock) TimeOf(slot int64) time.Time {
	return c.Epoch.Add(time.Duration(slot) * c.Length)
}

// Now returns the current slot.
func (c Clock) Now() int64 {
	return c.SlotAt(time.Now())
}
