package events

import (
	"testing"
)

func TestChangeTopicRoundTrip(t *testing.T) {
	topic := ChangeTopic("product_steps")
	if topic != "blackboard.product_steps" {
		t.Fatalf("topic = %q", topic)
	}
	if c, ok := CollectionOf(topic); !ok || c != "product_steps" {
		t.Fatalf("collection = %q, %v", c, ok)
	}
	if _, ok := CollectionOf(EventDirectoryChanged); ok {
		t.Fatal("directory.changed is not a change topic")
	}
}

func TestBusDeliversToEverySubscriber(t *testing.T) {
	b := NewBus()
	first := b.Subscribe(EventProductFinished)
	second := b.Subscribe(EventProductFinished)
	other := b.Subscribe(EventAgentTerminated)

	b.Publish(EventProductFinished, Payload{"product_id": "p1"})

	for _, sub := range []Subscriber{first, second} {
		if got := <-sub; got["product_id"] != "p1" {
			t.Fatalf("payload = %v", got)
		}
	}
	select {
	case got := <-other:
		t.Fatalf("unrelated subscriber received %v", got)
	default:
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventDirectoryChanged)
	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(EventDirectoryChanged, Payload{"n": i})
	}
	if len(sub) != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", len(sub), subscriberBuffer)
	}
	if got := <-sub; got["n"] != 0 {
		t.Fatalf("first payload = %v, want the oldest", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventAgentTerminated)
	if b.Subscribers(EventAgentTerminated) != 1 {
		t.Fatal("subscriber not registered")
	}
	b.Unsubscribe(EventAgentTerminated, sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel still open")
	}
	if b.Subscribers(EventAgentTerminated) != 0 {
		t.Fatal("subscriber still registered")
	}
	b.Publish(EventAgentTerminated, Payload{})
}
