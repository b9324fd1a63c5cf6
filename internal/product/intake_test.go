package product

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/step"
)

func TestSubmitValidates(t *testing.T) {
	tests := []struct {
		name    string
		product models.Product
		wantErr bool
	}{
		{name: "no steps", product: models.Product{Name: "empty"}, wantErr: true},
		{name: "blank capability", product: models.Product{Steps: []models.StepSpec{{Capability: " "}}}, wantErr: true},
		{name: "generated id", product: models.Product{Steps: []models.StepSpec{{Capability: "pick"}}}},
		{name: "given id", product: models.Product{ID: "p9", Status: models.ProductDone, Steps: []models.StepSpec{{Capability: "pick"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGrid(t)
			id, err := Submit(context.Background(), g.store, tt.product)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if tt.product.ID != "" && id != tt.product.ID {
				t.Fatalf("id = %q, want %q", id, tt.product.ID)
			}
			got := g.product(t, id)
			if got.Status != models.ProductPending || got.SubmittedAt.IsZero() {
				t.Fatalf("stored product = %+v", got)
			}
		})
	}
}

func TestIntakeClaimsPendingProducts(t *testing.T) {
	eq1 := &fakeEquiplet{id: "eq1", durations: map[string]int64{"pick": 3, "glue": 5}}
	g := newGrid(t, eq1)
	g.submit(t, twoStepProduct())

	intake := NewIntake(g.store, g.directory, g.transport, IntakeConfig{
		InstanceID:   "grid-a",
		PollInterval: 20 * time.Millisecond,
		Agent:        testConfig(),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- intake.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	eventually(t, "product done", func() bool {
		return g.product(t, "p1").Status == models.ProductDone
	})
	if got := g.product(t, "p1"); got.ClaimedBy != "grid-a" {
		t.Fatalf("claimed_by = %q", got.ClaimedBy)
	}
	eventually(t, "agent exit", func() bool { return intake.Active() == 0 })
}

func TestStoppedIntakeHandsProductToAnotherInstance(t *testing.T) {
	eq1 := &fakeEquiplet{id: "eq1", durations: map[string]int64{"pick": 3, "glue": 5}}
	eq1.hold()
	g := newGrid(t, eq1)
	g.submit(t, twoStepProduct())

	start := func(id string) (*Intake, func()) {
		in := NewIntake(g.store, g.directory, g.transport, IntakeConfig{
			InstanceID:   id,
			PollInterval: 20 * time.Millisecond,
			Agent:        testConfig(),
		}, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- in.Run(ctx) }()
		return in, func() {
			cancel()
			<-done
		}
	}

	_, stopA := start("grid-a")
	eventually(t, "first step waiting", func() bool {
		return g.step(t, "p1-0").Status == step.Waiting
	})
	stopA()

	got := g.product(t, "p1")
	if got.Status != models.ProductPending || got.ClaimedBy != "" {
		t.Fatalf("product after stop = %+v", got)
	}
	planned := g.step(t, "p1-1")
	if planned.Status != step.Planned || planned.EquipletID != "eq1" || planned.Schedule == nil {
		t.Fatalf("second step after stop = %+v", planned)
	}

	b, stopB := start("grid-b")
	defer stopB()
	eventually(t, "product resumed", func() bool { return b.Active() == 1 })
	eq1.releaseHeld()

	eventually(t, "product done", func() bool {
		return g.product(t, "p1").Status == models.ProductDone
	})
	if got := g.product(t, "p1"); got.ClaimedBy != "grid-b" {
		t.Fatalf("claimed_by = %q", got.ClaimedBy)
	}
	if s := g.step(t, "p1-1"); s.Schedule == nil || s.Schedule.String() != planned.Schedule.String() {
		t.Fatalf("second step rescheduled: %v, was %v", s.Schedule, planned.Schedule)
	}
	starts := eq1.started()
	if len(starts) != 2 || starts[0].StepID != "p1-0" || starts[1].StepID != "p1-1" {
		t.Fatalf("starts = %+v", starts)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	g := newGrid(t)
	g.submit(t, twoStepProduct())

	a := NewIntake(g.store, g.directory, g.transport, IntakeConfig{InstanceID: "grid-a"}, zerolog.Nop())
	b := NewIntake(g.store, g.directory, g.transport, IntakeConfig{InstanceID: "grid-b"}, zerolog.Nop())

	ctx := context.Background()
	first, err := a.claim(ctx, "p1")
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := b.claim(ctx, "p1")
	if err != nil || second {
		t.Fatalf("second claim = %v, %v", second, err)
	}
	if got := g.product(t, "p1"); got.Status != models.ProductRunning || got.ClaimedBy != "grid-a" {
		t.Fatalf("product = %+v", got)
	}
}

type fakeElection struct {
	mu       sync.Mutex
	leader   bool
	ch       chan bool
	started  bool
	stopped  bool
	startErr error
}

func newFakeElection(leader bool) *fakeElection {
	return &fakeElection{leader: leader, ch: make(chan bool, 1)}
}

func (f *fakeElection) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeElection) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeElection) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeElection) LeaderCh() <-chan bool { return f.ch }

func (f *fakeElection) set(leader bool) {
	f.mu.Lock()
	f.leader = leader
	f.mu.Unlock()
	f.ch <- leader
}

type countingRunner struct {
	runs   atomic.Int32
	active atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	r.active.Add(1)
	defer r.active.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func TestLeaderAwareFollowsLeadership(t *testing.T) {
	election := newFakeElection(false)
	runner := &countingRunner{}
	la := NewLeaderAware(runner, election, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- la.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if runner.runs.Load() != 0 {
		t.Fatal("intake ran without leadership")
	}

	election.set(true)
	eventually(t, "intake start", func() bool { return runner.active.Load() == 1 })
	if !la.Running() {
		t.Fatal("Running = false while leading")
	}

	election.set(false)
	eventually(t, "intake stop", func() bool { return runner.active.Load() == 0 })

	election.set(true)
	eventually(t, "intake restart", func() bool { return runner.runs.Load() == 2 && runner.active.Load() == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("leader-aware intake did not stop")
	}
	if runner.active.Load() != 0 {
		t.Fatal("intake still running after stop")
	}
	election.mu.Lock()
	defer election.mu.Unlock()
	if !election.started || !election.stopped {
		t.Fatalf("election started=%v stopped=%v", election.started, election.stopped)
	}
}

func TestLeaderAwareStartsWhenAlreadyLeader(t *testing.T) {
	election := newFakeElection(true)
	runner := &countingRunner{}
	la := NewLeaderAware(runner, election, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- la.Run(ctx) }()

	eventually(t, "intake start", func() bool { return runner.active.Load() == 1 })
	cancel()
	<-done
}
