/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package messaging carries point-to-point messages between grid agents.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/equiplet_grid/internal/ledger"
)

var (
	// ErrUnknownRecipient is returned when the receiver is not registered.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrClosed is returned after the transport or inbox closed.
	ErrClosed = errors.New("transport closed")
	// ErrTimeout is returned when no reply arrived in time.
	ErrTimeout = errors.New("reply timeout")
	// ErrMalformed is returned for content that does not decode into the expected payload.
	ErrMalformed = errors.New("malformed message content")
	// ErrNotUnderstood is returned when the receiver answered NotUnderstood.
	ErrNotUnderstood = errors.New("request not understood")
)

// Ontology names the purpose of a message.
type Ontology string

const (
	InitialisationFinished Ontology = "InitialisationFinished"
	CanPerformStep         Ontology = "CanPerformStep"
	GetProductionDuration  Ontology = "GetProductionDuration"
	ScheduleStep           Ontology = "ScheduleStep"
	StartStep              Ontology = "StartStep"
	AbortStep              Ontology = "AbortStep"
)

// Performative is the speech act of a message.
type Performative string

const (
	Request       Performative = "request"
	Query         Performative = "query"
	Confirm       Performative = "confirm"
	Disconfirm    Performative = "disconfirm"
	Inform        Performative = "inform"
	Refuse        Performative = "refuse"
	Failure       Performative = "failure"
	NotUnderstood Performative = "not_understood"
)

// Message is a point-to-point envelope.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver"`
	Ontology       Ontology        `json:"ontology"`
	Performative   Performative    `json:"performative"`
	Content        json.RawMessage `json:"content,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
}

// NewMessage builds a message with a fresh id and JSON content.
func NewMessage(sender, receiver string, ontology Ontology, performative Performative, conversationID string, content any) (Message, error) {
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Receiver:       receiver,
		Ontology:       ontology,
		Performative:   performative,
		SentAt:         time.Now().UTC(),
	}
	if m.ConversationID == "" {
		m.ConversationID = uuid.NewString()
	}
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s content: %w", ontology, err)
		}
		m.Content = data
	}
	return m, nil
}

// Reply builds a response within the same conversation.
func (m Message) Reply(performative Performative, content any) (Message, error) {
	r, err := NewMessage(m.Receiver, m.Sender, m.Ontology, performative, m.ConversationID, content)
	if err != nil {
		return Message{}, err
	}
	r.InReplyTo = m.ID
	return r, nil
}

// Decode unmarshals the content into out.
func (m Message) Decode(out any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: %s from %s has no content", ErrMalformed, m.Ontology, m.Sender)
	}
	if err := json.Unmarshal(m.Content, out); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrMalformed, m.Ontology, m.Sender, err)
	}
	return nil
}

// StepRef identifies a product step in requests.
type StepRef struct {
	StepID     string         `json:"step_id"`
	ProductID  string         `json:"product_id,omitempty"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DurationReply answers GetProductionDuration.
type DurationReply struct {
	StepID   string `json:"step_id"`
	Duration int64  `json:"duration"`
}

// ScheduleRequest asks an equiplet to reserve a slot starting after AfterSlot.
type ScheduleRequest struct {
	StepID    string `json:"step_id"`
	Duration  int64  `json:"duration"`
	AfterSlot int64  `json:"after_slot"`
}

// ScheduleReply reports the committed slot.
type ScheduleReply struct {
	StepID string          `json:"step_id"`
	Slot   ledger.TimeSlot `json:"slot"`
}

// StartRequest hands a planned step over for execution. Bindings fill placeholders along
// the chain starting at StepID.
type StartRequest struct {
	StepID   string         `json:"step_id"`
	Chain    []string       `json:"chain,omitempty"`
	Bindings map[string]any `json:"bindings,omitempty"`
}

// AbortRequest releases a step. With Withdraw set only the reservation is given up and the
// step stays open for another equiplet.
type AbortRequest struct {
	StepID   string `json:"step_id"`
	Reason   string `json:"reason,omitempty"`
	Withdraw bool   `json:"withdraw,omitempty"`
}

// ErrorReply carries a refusal or failure reason.
type ErrorReply struct {
	Reason string `json:"reason"`
}
