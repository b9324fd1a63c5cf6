package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocalTransportDelivery(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()

	box, err := tr.Register("eq1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := tr.Register("eq1"); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	msg, err := NewMessage("p1", "eq1", CanPerformStep, Query, "", StepRef{StepID: "s1", Capability: "pick"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := <-box
	var ref StepRef
	if err := got.Decode(&ref); err != nil || ref.StepID != "s1" {
		t.Fatalf("decode: %+v %v", ref, err)
	}

	msg.Receiver = "ghost"
	if err := tr.Send(context.Background(), msg); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("send to unknown: got %v", err)
	}

	tr.Unregister("eq1")
	if _, ok := <-box; ok {
		t.Fatal("mailbox should be closed after unregister")
	}
}

func TestDecodeRejectsMalformedContent(t *testing.T) {
	msg := Message{Ontology: GetProductionDuration, Sender: "eq1", Content: []byte(`{"duration":"soon"}`)}
	var reply DurationReply
	if err := msg.Decode(&reply); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if err := (Message{}).Decode(&reply); !errors.Is(err, ErrMalformed) {
		t.Fatalf("empty content: expected ErrMalformed, got %v", err)
	}
}

func TestInboxRoutesRepliesAndRequests(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()

	product, err := NewInbox("p1", tr, zerolog.Nop())
	if err != nil {
		t.Fatalf("inbox p1: %v", err)
	}
	defer product.Close()
	equiplet, err := NewInbox("eq1", tr, zerolog.Nop())
	if err != nil {
		t.Fatalf("inbox eq1: %v", err)
	}
	defer equiplet.Close()

	go func() {
		for req := range equiplet.Requests() {
			reply, _ := req.Reply(Inform, DurationReply{StepID: "s1", Duration: 7})
			_ = equiplet.Send(context.Background(), reply)
		}
	}()

	req, _ := NewMessage("", "eq1", GetProductionDuration, Query, "", StepRef{StepID: "s1"})
	reply, err := product.Request(context.Background(), req, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.ConversationID != req.ConversationID || reply.InReplyTo != req.ID {
		t.Fatalf("reply not correlated: %+v", reply)
	}
	var d DurationReply
	if err := reply.Decode(&d); err != nil || d.Duration != 7 {
		t.Fatalf("unexpected reply content %+v %v", d, err)
	}
}

func TestInboxRequestTimesOut(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()

	product, _ := NewInbox("p1", tr, zerolog.Nop())
	defer product.Close()
	silent, _ := NewInbox("eq-silent", tr, zerolog.Nop())
	defer silent.Close()

	req, _ := NewMessage("", "eq-silent", CanPerformStep, Query, "", StepRef{StepID: "s1"})
	start := time.Now()
	_, err := product.Request(context.Background(), req, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}

	// The late request is still visible to the silent agent.
	select {
	case msg := <-silent.Requests():
		if msg.ConversationID != req.ConversationID {
			t.Fatalf("unexpected request %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("request never reached the receiver")
	}
}

func TestInboxDropsLateReplies(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()

	product, _ := NewInbox("p1", tr, zerolog.Nop())
	defer product.Close()

	late, _ := NewMessage("eq1", "p1", CanPerformStep, Confirm, "finished-conversation", nil)
	if err := tr.Send(context.Background(), late); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-product.Requests():
		t.Fatalf("late reply surfaced as request: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterReleasesBlockedSender(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()

	box, err := tr.Register("eq1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	msg, err := NewMessage("p1", "eq1", StartStep, Request, "", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 0; i < mailboxSize; i++ {
		if err := tr.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	blocked := make(chan error, 1)
	go func() { blocked <- tr.Send(context.Background(), msg) }()
	select {
	case err := <-blocked:
		t.Fatalf("send to a full mailbox returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The transport stays usable for other agents while one sender waits.
	if _, err := tr.Register("eq2"); err != nil {
		t.Fatalf("register while a sender waits: %v", err)
	}

	unregistered := make(chan struct{})
	go func() {
		tr.Unregister("eq1")
		close(unregistered)
	}()
	select {
	case <-unregistered:
	case <-time.After(time.Second):
		t.Fatal("unregister blocked behind a waiting sender")
	}
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrUnknownRecipient) {
			t.Fatalf("blocked send = %v, want ErrUnknownRecipient", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked send never returned")
	}

	n := 0
	for range box {
		n++
	}
	if n != mailboxSize {
		t.Fatalf("drained %d messages, want %d", n, mailboxSize)
	}
}

func TestSendToFullMailboxHonoursContext(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()

	if _, err := tr.Register("eq1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg, _ := NewMessage("p1", "eq1", StartStep, Request, "", nil)
	for i := 0; i < mailboxSize; i++ {
		_ = tr.Send(context.Background(), msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.Send(ctx, msg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send = %v, want deadline exceeded", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Send(context.Background(), msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v", err)
	}
}
