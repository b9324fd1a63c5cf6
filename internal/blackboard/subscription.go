/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package blackboard

import (
	"context"
)

// newSubscription wires a producer goroutine to a subscription. produce sends matching
// events on in and returns when ctx ends or its source dries up; stop runs once afterwards.
func newSubscription(parent context.Context, produce func(ctx context.Context, in chan<- ChangeEvent), stop func()) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	in := make(chan ChangeEvent)
	out := make(chan ChangeEvent)

	go func() {
		defer close(in)
		produce(ctx, in)
	}()
	go relay(ctx, in, out)
	go func() {
		<-ctx.Done()
		if stop != nil {
			stop()
		}
	}()

	return &Subscription{C: out, cancel: cancel}
}

// relay buffers events without bound so a slow consumer never stalls the producer.
func relay(ctx context.Context, in <-chan ChangeEvent, out chan<- ChangeEvent) {
	defer close(out)

	var queue []ChangeEvent
	for {
		if in == nil && len(queue) == 0 {
			return
		}

		var send chan<- ChangeEvent
		var next ChangeEvent
		if len(queue) > 0 {
			send = out
			next = queue[0]
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
		case send <- next:
			queue = queue[1:]
		}
	}
}
