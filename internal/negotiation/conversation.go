/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package negotiation runs the capability and duration conversations between a product step
// and its candidate equiplets.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/friendsincode/equiplet_grid/internal/messaging"
)

// State is the position of a conversation.
type State int

const (
	QueryCapability State = iota
	AwaitCapability
	QueryDuration
	AwaitDuration
	Done
)

func (s State) String() string {
	switch s {
	case QueryCapability:
		return "query_capability"
	case AwaitCapability:
		return "await_capability"
	case QueryDuration:
		return "query_duration"
	case AwaitDuration:
		return "await_duration"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is how a finished conversation ended.
type Outcome string

const (
	Pending      Outcome = ""
	Confirmed    Outcome = "confirmed"
	Disconfirmed Outcome = "disconfirmed"
	TimedOut     Outcome = "timed_out"
	Failed       Outcome = "failed"
)

// Conversation is one bounded exchange with a single candidate.
type Conversation struct {
	ID        string
	Candidate string
	Step      messaging.StepRef

	state    State
	outcome  Outcome
	duration int64
	err      error
}

func newConversation(candidate string, ref messaging.StepRef) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		Candidate: candidate,
		Step:      ref,
		state:     QueryCapability,
	}
}

// State returns the current state.
func (c *Conversation) State() State { return c.state }

// Outcome returns the result once the conversation is Done.
func (c *Conversation) Outcome() Outcome { return c.outcome }

// Duration returns the production duration of a Confirmed conversation.
func (c *Conversation) Duration() int64 { return c.duration }

// Err returns the fault behind a Failed or TimedOut conversation.
func (c *Conversation) Err() error { return c.err }

func (c *Conversation) finish(o Outcome, err error) {
	c.state = Done
	c.outcome = o
	c.err = err
}

func (c *Conversation) sent() {
	switch c.state {
	case QueryCapability:
		c.state = AwaitCapability
	case QueryDuration:
		c.state = AwaitDuration
	}
}

// failure ends the conversation after a send or receive error.
func (c *Conversation) failure(err error) {
	if errors.Is(err, messaging.ErrTimeout) {
		c.finish(TimedOut, err)
		return
	}
	c.finish(Failed, err)
}

// notUnderstood ends the conversation the way a timeout does. The error marks it as a
// protocol fault of the asking side.
func (c *Conversation) notUnderstood(reply messaging.Message) {
	var why messaging.ErrorReply
	_ = reply.Decode(&why)
	c.finish(TimedOut, fmt.Errorf("%w by %s: %s", messaging.ErrNotUnderstood, c.Candidate, why.Reason))
}

// onCapability applies the answer to CanPerformStep.
func (c *Conversation) onCapability(reply messaging.Message, err error) {
	if c.state != AwaitCapability {
		return
	}
	if err != nil {
		c.failure(err)
		return
	}
	switch reply.Performative {
	case messaging.Confirm:
		c.state = QueryDuration
	case messaging.Disconfirm, messaging.Refuse:
		c.finish(Disconfirmed, nil)
	case messaging.NotUnderstood:
		c.notUnderstood(reply)
	default:
		c.finish(Failed, fmt.Errorf("unexpected %s to %s", reply.Performative, messaging.CanPerformStep))
	}
}

// onDuration applies the answer to GetProductionDuration.
func (c *Conversation) onDuration(reply messaging.Message, err error) {
	if c.state != AwaitDuration {
		return
	}
	if err != nil {
		c.failure(err)
		return
	}
	switch reply.Performative {
	case messaging.Inform:
		var d messaging.DurationReply
		if err := reply.Decode(&d); err != nil {
			c.finish(Failed, err)
			return
		}
		if d.Duration <= 0 {
			c.finish(Failed, fmt.Errorf("%w: duration %d", messaging.ErrMalformed, d.Duration))
			return
		}
		c.duration = d.Duration
		c.finish(Confirmed, nil)
	case messaging.Disconfirm, messaging.Refuse:
		c.finish(Disconfirmed, nil)
	case messaging.NotUnderstood:
		c.notUnderstood(reply)
	default:
		c.finish(Failed, fmt.Errorf("unexpected %s to %s", reply.Performative, messaging.GetProductionDuration))
	}
}
