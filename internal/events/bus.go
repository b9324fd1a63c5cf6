/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"strings"
	"sync"

	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// EventType enumerates event categories.
type EventType string

const (
	// EventAgentTerminated is published when an agent removes itself from the grid.
	EventAgentTerminated EventType = "agent.terminated"
	// EventDirectoryChanged invalidates cached directory listings.
	EventDirectoryChanged EventType = "directory.changed"
	// EventProductFinished is published when every step of a product reached a terminal status.
	EventProductFinished EventType = "product.finished"

	changePrefix = "blackboard."
)

// ChangeTopic returns the event type carrying document changes of a blackboard collection.
func ChangeTopic(collection string) EventType {
	return EventType(changePrefix + collection)
}

// CollectionOf returns the collection of a change topic.
func CollectionOf(eventType EventType) (string, bool) {
	return strings.CutPrefix(string(eventType), changePrefix)
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Broker is the pubsub surface shared by the in-process bus and the distributed buses.
type Broker interface {
	Subscribe(eventType EventType) Subscriber
	Publish(eventType EventType, payload Payload)
	Unsubscribe(eventType EventType, sub Subscriber)
}

const subscriberBuffer = 64

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Subscribers whose buffer is full miss the event.
// The read lock is held while sending so Unsubscribe cannot close a channel mid-send.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
			telemetry.EventBusDroppedTotal.WithLabelValues(string(eventType)).Inc()
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Subscribers returns the number of subscribers for an event type.
func (b *Bus) Subscribers(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
