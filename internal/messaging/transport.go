/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Transport delivers messages to registered agents.
type Transport interface {
	// Register opens the mailbox of agentID.
	Register(agentID string) (<-chan Message, error)
	// Unregister closes the mailbox of agentID.
	Unregister(agentID string)
	// Send delivers msg to msg.Receiver.
	Send(ctx context.Context, msg Message) error
	Close() error
}

const mailboxSize = 256

// LocalTransport connects agents hosted in the same process.
type LocalTransport struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	closed    bool
}

// mailbox is closed only once every sender that found it has left.
type mailbox struct {
	ch      chan Message
	gone    chan struct{}
	senders sync.WaitGroup
}

func (m *mailbox) shut() {
	close(m.gone)
	m.senders.Wait()
	close(m.ch)
}

// NewLocalTransport creates an in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{mailboxes: make(map[string]*mailbox)}
}

// Register opens a mailbox.
func (t *LocalTransport) Register(agentID string) (<-chan Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, exists := t.mailboxes[agentID]; exists {
		return nil, fmt.Errorf("agent %s already registered", agentID)
	}
	mb := &mailbox{ch: make(chan Message, mailboxSize), gone: make(chan struct{})}
	t.mailboxes[agentID] = mb
	return mb.ch, nil
}

// Unregister closes a mailbox. Senders blocked on it give up with ErrUnknownRecipient.
func (t *LocalTransport) Unregister(agentID string) {
	t.mu.Lock()
	mb, ok := t.mailboxes[agentID]
	delete(t.mailboxes, agentID)
	t.mu.Unlock()
	if ok {
		mb.shut()
	}
}

// Send delivers msg, blocking while the receiver's mailbox is full.
func (t *LocalTransport) Send(ctx context.Context, msg Message) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	mb, ok := t.mailboxes[msg.Receiver]
	if ok {
		mb.senders.Add(1)
	}
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.Receiver)
	}
	defer mb.senders.Done()

	select {
	case <-mb.gone:
		return fmt.Errorf("%w: %s left", ErrUnknownRecipient, msg.Receiver)
	default:
	}
	select {
	case mb.ch <- msg:
		return nil
	case <-mb.gone:
		return fmt.Errorf("%w: %s left", ErrUnknownRecipient, msg.Receiver)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every mailbox.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	boxes := t.mailboxes
	t.mailboxes = make(map[string]*mailbox)
	t.mu.Unlock()

	for _, mb := range boxes {
		mb.shut()
	}
	return nil
}

// NATSTransport addresses each agent on its own subject so agents can live on any instance.
type NATSTransport struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*natsMailbox
}

type natsMailbox struct {
	sub *nats.Subscription
	ch  chan Message
	mu  sync.Mutex
	off bool
}

// NewNATSTransport creates a transport on an open connection.
func NewNATSTransport(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSTransport {
	if prefix == "" {
		prefix = "equigrid.agent"
	}
	return &NATSTransport{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "nats_transport").Logger(),
		subs:   make(map[string]*natsMailbox),
	}
}

func (t *NATSTransport) subject(agentID string) string {
	return t.prefix + "." + agentID
}

// Register subscribes to the agent subject.
func (t *NATSTransport) Register(agentID string) (<-chan Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.subs[agentID]; exists {
		return nil, fmt.Errorf("agent %s already registered", agentID)
	}

	mb := &natsMailbox{ch: make(chan Message, mailboxSize)}
	sub, err := t.conn.Subscribe(t.subject(agentID), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			t.logger.Warn().Err(err).Str("agent", agentID).Msg("dropping undecodable message")
			return
		}
		mb.mu.Lock()
		defer mb.mu.Unlock()
		if mb.off {
			return
		}
		select {
		case mb.ch <- msg:
		default:
			t.logger.Warn().Str("agent", agentID).Str("conversation_id", msg.ConversationID).Msg("mailbox full, dropping message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", agentID, err)
	}
	mb.sub = sub
	t.subs[agentID] = mb
	return mb.ch, nil
}

// Unregister drops the agent subscription.
func (t *NATSTransport) Unregister(agentID string) {
	t.mu.Lock()
	mb, ok := t.subs[agentID]
	delete(t.subs, agentID)
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = mb.sub.Unsubscribe()
	mb.mu.Lock()
	mb.off = true
	close(mb.ch)
	mb.mu.Unlock()
}

// Send publishes msg on the receiver subject. Delivery is fire-and-forget; a receiver that
// is not subscribed anywhere shows up as a reply timeout.
func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if t.conn.IsClosed() {
		return ErrClosed
	}
	if err := t.conn.Publish(t.subject(msg.Receiver), data); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Receiver, err)
	}
	return nil
}

// Close unregisters every agent. The connection belongs to the caller.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Unregister(id)
	}
	return nil
}
