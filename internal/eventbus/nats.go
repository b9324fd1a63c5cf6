/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Name  string
	Token string

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// SubjectPrefix namespaces event subjects, e.g. "equigrid.events".
	SubjectPrefix string
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "equiplet-grid",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		SubjectPrefix: "equigrid.events",
	}
}

// ConnectNATS opens a NATS connection with logging handlers attached.
func ConnectNATS(cfg NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	options := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// NATSBus fans events out to every grid instance over core NATS subjects.
// Local subscribers are served by an in-memory bus; events from other nodes are
// republished into it.
type NATSBus struct {
	conn   *nats.Conn
	owned  bool
	prefix string
	nodeID string
	logger zerolog.Logger
	local  *events.Bus

	mu   sync.Mutex
	subs map[events.EventType]*nats.Subscription
}

// NewNATSBus connects to NATS and creates a bus on top of the connection.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "nats_bus").Logger()
	conn, err := ConnectNATS(cfg, logger)
	if err != nil {
		return nil, err
	}
	nb := NewNATSBusWithConn(conn, cfg.SubjectPrefix, nodeID, logger)
	nb.owned = true
	logger.Info().Str("url", cfg.URL).Msg("NATS event bus initialized")
	return nb, nil
}

// NewNATSBusWithConn creates a bus on an existing connection; Close leaves the connection open.
func NewNATSBusWithConn(conn *nats.Conn, prefix, nodeID string, logger zerolog.Logger) *NATSBus {
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		nodeID: nodeID,
		logger: logger,
		local:  events.NewBus(),
		subs:   make(map[events.EventType]*nats.Subscription),
	}
}

func (nb *NATSBus) subject(eventType events.EventType) string {
	return nb.prefix + "." + string(eventType)
}

// Subscribe registers a subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if _, exists := nb.subs[eventType]; exists {
		return sub
	}

	natsSub, err := nb.conn.Subscribe(nb.subject(eventType), func(m *nats.Msg) {
		msg, err := unmarshalNATSMessage(m.Data)
		if err != nil {
			nb.logger.Error().Err(err).Str("subject", m.Subject).Msg("failed to unmarshal NATS message")
			return
		}
		if msg.NodeID == nb.nodeID {
			return
		}
		nb.local.Publish(eventType, msg.Payload)
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("NATS subscribe failed, local delivery only")
		return sub
	}
	nb.subs[eventType] = natsSub
	return sub
}

// Publish sends an event payload to all subscribers (local and remote).
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	data, err := marshalNATSMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(nb.subject(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.local.Subscribers(eventType) > 0 {
		return
	}
	if natsSub, exists := nb.subs[eventType]; exists {
		_ = natsSub.Unsubscribe()
		delete(nb.subs, eventType)
	}
}

// Close drops all subscriptions and, when the bus opened it, the connection.
func (nb *NATSBus) Close() error {
	nb.mu.Lock()
	for eventType, natsSub := range nb.subs {
		_ = natsSub.Unsubscribe()
		delete(nb.subs, eventType)
	}
	nb.mu.Unlock()

	if nb.owned {
		if err := nb.conn.Drain(); err != nil {
			return fmt.Errorf("drain NATS connection: %w", err)
		}
	}
	return nil
}

// natsMessage represents a message published to NATS.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalNATSMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalNATSMessage(data []byte) (*natsMessage, error) {
	var msg natsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal nats message: %w", err)
	}
	return &msg, nil
}
