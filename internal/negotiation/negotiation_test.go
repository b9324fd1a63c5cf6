package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/messaging"
)

// responder answers requests on behalf of a fake equiplet. A nil reply stays silent.
type responder func(msg messaging.Message) *messaging.Message

func serve(t *testing.T, transport messaging.Transport, id string, fn responder) {
	t.Helper()
	in, err := messaging.NewInbox(id, transport, zerolog.Nop())
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	t.Cleanup(in.Close)
	go func() {
		for msg := range in.Requests() {
			reply := fn(msg)
			if reply == nil {
				continue
			}
			_ = in.Send(context.Background(), *reply)
		}
	}()
}

func answer(duration int64) responder {
	return func(msg messaging.Message) *messaging.Message {
		var r messaging.Message
		switch msg.Ontology {
		case messaging.CanPerformStep:
			r, _ = msg.Reply(messaging.Confirm, nil)
		case messaging.GetProductionDuration:
			r, _ = msg.Reply(messaging.Inform, messaging.DurationReply{Duration: duration})
		default:
			return nil
		}
		return &r
	}
}

func disconfirm(msg messaging.Message) *messaging.Message {
	r, _ := msg.Reply(messaging.Disconfirm, nil)
	return &r
}

func silent(messaging.Message) *messaging.Message { return nil }

// confirmThenSilent confirms the capability but never reports a duration.
func confirmThenSilent(msg messaging.Message) *messaging.Message {
	if msg.Ontology != messaging.CanPerformStep {
		return nil
	}
	r, _ := msg.Reply(messaging.Confirm, nil)
	return &r
}

func newCoordinator(t *testing.T, transport messaging.Transport, timeout time.Duration) *Coordinator {
	t.Helper()
	in, err := messaging.NewInbox("product-1", transport, zerolog.Nop())
	if err != nil {
		t.Fatalf("register product: %v", err)
	}
	t.Cleanup(in.Close)
	return NewCoordinator(in, Config{CapabilityTimeout: timeout, DurationTimeout: timeout}, zerolog.Nop())
}

func TestConversationTransitions(t *testing.T) {
	ref := messaging.StepRef{StepID: "s1", Capability: "pick"}
	reply := func(p messaging.Performative, content any) messaging.Message {
		m, err := messaging.NewMessage("eq1", "product-1", messaging.GetProductionDuration, p, "c", content)
		if err != nil {
			t.Fatalf("build reply: %v", err)
		}
		return m
	}

	tests := []struct {
		name       string
		capability messaging.Message
		capErr     error
		duration   *messaging.Message
		durErr     error
		want       Outcome
		wantDur    int64
	}{
		{
			name:       "confirmed",
			capability: reply(messaging.Confirm, nil),
			duration:   ptr(reply(messaging.Inform, messaging.DurationReply{Duration: 4})),
			want:       Confirmed,
			wantDur:    4,
		},
		{
			name:       "disconfirmed capability",
			capability: reply(messaging.Disconfirm, nil),
			want:       Disconfirmed,
		},
		{
			name:       "refused duration",
			capability: reply(messaging.Confirm, nil),
			duration:   ptr(reply(messaging.Refuse, messaging.ErrorReply{Reason: "busy"})),
			want:       Disconfirmed,
		},
		{
			name:   "capability timeout",
			capErr: messaging.ErrTimeout,
			want:   TimedOut,
		},
		{
			name:       "duration timeout",
			capability: reply(messaging.Confirm, nil),
			duration:   &messaging.Message{},
			durErr:     messaging.ErrTimeout,
			want:       TimedOut,
		},
		{
			name:   "send failure",
			capErr: messaging.ErrUnknownRecipient,
			want:   Failed,
		},
		{
			name:       "unexpected performative",
			capability: reply(messaging.Inform, nil),
			want:       Failed,
		},
		{
			name:       "zero duration",
			capability: reply(messaging.Confirm, nil),
			duration:   ptr(reply(messaging.Inform, messaging.DurationReply{Duration: 0})),
			want:       Failed,
		},
		{
			name:       "capability not understood",
			capability: reply(messaging.NotUnderstood, messaging.ErrorReply{Reason: "bad step"}),
			want:       TimedOut,
		},
		{
			name:       "duration not understood",
			capability: reply(messaging.Confirm, nil),
			duration:   ptr(reply(messaging.NotUnderstood, nil)),
			want:       TimedOut,
		},
		{
			name:       "duration without content",
			capability: reply(messaging.Confirm, nil),
			duration:   ptr(reply(messaging.Inform, nil)),
			want:       Failed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConversation("eq1", ref)
			if c.State() != QueryCapability {
				t.Fatalf("initial state = %s", c.State())
			}
			c.sent()
			if c.State() != AwaitCapability {
				t.Fatalf("after send = %s", c.State())
			}
			c.onCapability(tt.capability, tt.capErr)
			if tt.duration != nil {
				if c.State() != QueryDuration {
					t.Fatalf("after capability = %s, want %s", c.State(), QueryDuration)
				}
				c.sent()
				c.onDuration(*tt.duration, tt.durErr)
			}
			if c.State() != Done {
				t.Fatalf("final state = %s, want done", c.State())
			}
			if c.Outcome() != tt.want {
				t.Fatalf("outcome = %q, want %q (err %v)", c.Outcome(), tt.want, c.Err())
			}
			if c.Duration() != tt.wantDur {
				t.Fatalf("duration = %d, want %d", c.Duration(), tt.wantDur)
			}
		})
	}
}

func TestConversationIgnoresRepliesOutOfState(t *testing.T) {
	c := newConversation("eq1", messaging.StepRef{StepID: "s1"})
	c.onCapability(messaging.Message{Performative: messaging.Confirm}, nil)
	if c.State() != QueryCapability {
		t.Fatalf("reply before send moved state to %s", c.State())
	}
}

func TestNegotiateWaitsForAllCandidates(t *testing.T) {
	transport := messaging.NewLocalTransport()
	serve(t, transport, "eq1", answer(3))
	serve(t, transport, "eq2", disconfirm)
	serve(t, transport, "eq3", silent)

	coord := newCoordinator(t, transport, 150*time.Millisecond)
	start := time.Now()
	got := coord.Negotiate(context.Background(), messaging.StepRef{StepID: "s1", Capability: "pick"}, []string{"eq1", "eq2", "eq3"})

	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("returned after %v, before the silent candidate timed out", elapsed)
	}
	if len(got) != 1 || got["eq1"] != 3 {
		t.Fatalf("candidates = %v, want map[eq1:3]", got)
	}
}

func TestNegotiateDurationTimeoutExcludesCandidate(t *testing.T) {
	transport := messaging.NewLocalTransport()
	serve(t, transport, "eq1", confirmThenSilent)
	serve(t, transport, "eq2", answer(5))

	coord := newCoordinator(t, transport, 100*time.Millisecond)
	got := coord.Negotiate(context.Background(), messaging.StepRef{StepID: "s1", Capability: "pick"}, []string{"eq1", "eq2"})
	if len(got) != 1 || got["eq2"] != 5 {
		t.Fatalf("candidates = %v, want map[eq2:5]", got)
	}
}

func notUnderstood(msg messaging.Message) *messaging.Message {
	r, _ := msg.Reply(messaging.NotUnderstood, messaging.ErrorReply{Reason: "cannot decode step"})
	return &r
}

func TestNegotiateRecordsNotUnderstoodAsFault(t *testing.T) {
	transport := messaging.NewLocalTransport()
	serve(t, transport, "eq1", notUnderstood)
	serve(t, transport, "eq2", answer(5))

	coord := newCoordinator(t, transport, time.Second)
	if err := coord.Fault(); err != nil {
		t.Fatalf("fault before negotiating = %v", err)
	}
	got := coord.Negotiate(context.Background(), messaging.StepRef{StepID: "s1", Capability: "pick"}, []string{"eq1", "eq2"})
	if len(got) != 1 || got["eq2"] != 5 {
		t.Fatalf("candidates = %v, want map[eq2:5]", got)
	}
	if err := coord.Fault(); !errors.Is(err, messaging.ErrNotUnderstood) {
		t.Fatalf("fault = %v, want ErrNotUnderstood", err)
	}
}

func TestNegotiateUnknownCandidateFailsFast(t *testing.T) {
	transport := messaging.NewLocalTransport()
	coord := newCoordinator(t, transport, 5*time.Second)

	start := time.Now()
	got := coord.Negotiate(context.Background(), messaging.StepRef{StepID: "s1"}, []string{"ghost"})
	if len(got) != 0 {
		t.Fatalf("candidates = %v, want empty", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("unknown recipient waited %v", elapsed)
	}
}

func TestNegotiateNoCandidates(t *testing.T) {
	coord := newCoordinator(t, messaging.NewLocalTransport(), time.Second)
	got := coord.Negotiate(context.Background(), messaging.StepRef{StepID: "s1"}, nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("candidates = %v, want empty map", got)
	}
}

func TestNegotiateCancelledContext(t *testing.T) {
	transport := messaging.NewLocalTransport()
	serve(t, transport, "eq1", silent)
	coord := newCoordinator(t, transport, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	got := coord.Negotiate(ctx, messaging.StepRef{StepID: "s1"}, []string{"eq1"})
	if len(got) != 0 {
		t.Fatalf("candidates = %v, want empty", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
}

func TestNegotiateAll(t *testing.T) {
	transport := messaging.NewLocalTransport()
	serve(t, transport, "eq1", answer(3))
	serve(t, transport, "eq2", func(msg messaging.Message) *messaging.Message {
		var ref messaging.StepRef
		if err := msg.Decode(&ref); err != nil || ref.Capability != "glue" {
			return disconfirm(msg)
		}
		return answer(2)(msg)
	})

	coord := newCoordinator(t, transport, 200*time.Millisecond)
	refs := []messaging.StepRef{
		{StepID: "s1", Capability: "pick"},
		{StepID: "s2", Capability: "glue"},
	}
	got := coord.NegotiateAll(context.Background(), refs, map[string][]string{
		"s1": {"eq1", "eq2"},
		"s2": {"eq1", "eq2"},
	})

	if len(got) != 2 {
		t.Fatalf("results for %d steps, want 2", len(got))
	}
	if len(got["s1"]) != 1 || got["s1"]["eq1"] != 3 {
		t.Fatalf("s1 = %v", got["s1"])
	}
	if len(got["s2"]) != 2 || got["s2"]["eq2"] != 2 {
		t.Fatalf("s2 = %v", got["s2"])
	}
}

func TestShortestDurationRank(t *testing.T) {
	tests := []struct {
		name string
		in   CandidateMap
		want []string
	}{
		{name: "empty", in: CandidateMap{}, want: nil},
		{name: "by duration", in: CandidateMap{"eq1": 5, "eq2": 2, "eq3": 9}, want: []string{"eq2", "eq1", "eq3"}},
		{name: "ties by id", in: CandidateMap{"eqb": 4, "eqa": 4, "eqc": 1}, want: []string{"eqc", "eqa", "eqb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShortestDuration{}.Rank(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("rank = %v, want %v", got, tt.want)
			}
			for i, id := range tt.want {
				if got[i].EquipletID != id {
					t.Fatalf("rank[%d] = %s, want %s", i, got[i].EquipletID, id)
				}
				if got[i].Duration != tt.in[id] {
					t.Fatalf("rank[%d] duration = %d", i, got[i].Duration)
				}
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if AwaitDuration.String() != "await_duration" {
		t.Fatalf("got %s", AwaitDuration)
	}
}

func ptr[T any](v T) *T { return &v }
