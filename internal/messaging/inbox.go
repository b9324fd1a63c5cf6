/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Inbox demultiplexes an agent mailbox. Replies to conversations the agent is waiting on are
// routed to that conversation; requests queue up on Requests.
type Inbox struct {
	agentID   string
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Message

	requests chan Message
	done     chan struct{}
	once     sync.Once
}

// NewInbox registers agentID on the transport and starts routing.
func NewInbox(agentID string, transport Transport, logger zerolog.Logger) (*Inbox, error) {
	mailbox, err := transport.Register(agentID)
	if err != nil {
		return nil, err
	}
	in := &Inbox{
		agentID:   agentID,
		transport: transport,
		logger:    logger.With().Str("component", "inbox").Str("agent", agentID).Logger(),
		pending:   make(map[string]chan Message),
		requests:  make(chan Message),
		done:      make(chan struct{}),
	}
	go in.route(mailbox)
	return in, nil
}

// AgentID returns the owner of the inbox.
func (in *Inbox) AgentID() string { return in.agentID }

// Requests delivers messages that open a conversation. It is closed when the mailbox closes.
func (in *Inbox) Requests() <-chan Message { return in.requests }

func (in *Inbox) route(mailbox <-chan Message) {
	defer close(in.requests)

	var queue []Message
	for {
		if mailbox == nil && len(queue) == 0 {
			return
		}
		var send chan Message
		var next Message
		if len(queue) > 0 {
			send = in.requests
			next = queue[0]
		}

		select {
		case <-in.done:
			return
		case msg, ok := <-mailbox:
			if !ok {
				mailbox = nil
				continue
			}
			if in.deliverReply(msg) {
				continue
			}
			if msg.Performative == Request || msg.Performative == Query {
				queue = append(queue, msg)
				continue
			}
			in.logger.Debug().
				Str("conversation_id", msg.ConversationID).
				Str("ontology", string(msg.Ontology)).
				Str("sender", msg.Sender).
				Msg("dropping reply to a finished conversation")
		case send <- next:
			queue = queue[1:]
		}
	}
}

func (in *Inbox) deliverReply(msg Message) bool {
	in.mu.Lock()
	ch, ok := in.pending[msg.ConversationID]
	in.mu.Unlock()
	if !ok || msg.Sender == in.agentID {
		return false
	}
	select {
	case ch <- msg:
	default:
		// First reply wins.
	}
	return true
}

// Expect starts waiting for replies in conversationID.
func (in *Inbox) Expect(conversationID string) <-chan Message {
	ch := make(chan Message, 1)
	in.mu.Lock()
	in.pending[conversationID] = ch
	in.mu.Unlock()
	return ch
}

// Forget stops waiting on a conversation; later replies are dropped.
func (in *Inbox) Forget(conversationID string) {
	in.mu.Lock()
	delete(in.pending, conversationID)
	in.mu.Unlock()
}

// Await blocks until a reply in an expected conversation arrives or timeout elapses.
func (in *Inbox) Await(ctx context.Context, replies <-chan Message, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-replies:
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-in.done:
		return Message{}, ErrClosed
	}
}

// Send delivers msg from this agent.
func (in *Inbox) Send(ctx context.Context, msg Message) error {
	msg.Sender = in.agentID
	return in.transport.Send(ctx, msg)
}

// Request sends msg and waits for the reply of its conversation.
func (in *Inbox) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	replies := in.Expect(msg.ConversationID)
	defer in.Forget(msg.ConversationID)

	if err := in.Send(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("send %s to %s: %w", msg.Ontology, msg.Receiver, err)
	}
	return in.Await(ctx, replies, timeout)
}

// Close unregisters the agent and stops routing.
func (in *Inbox) Close() {
	in.once.Do(func() {
		close(in.done)
		in.transport.Unregister(in.agentID)
	})
}
