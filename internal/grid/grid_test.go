package grid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/blackboard/bbtest"
	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/equiplet"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
)

func TestHashRing(t *testing.T) {
	ring := newHashRing(virtualNodes)

	if _, ok := ring.owner("eq1"); ok {
		t.Fatal("expected no owner in empty ring")
	}

	ring.add("grid-a")
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("eq%d", i)
		if owner, ok := ring.owner(id); !ok || owner != "grid-a" {
			t.Fatalf("%s: owner = %q (ok=%v), want grid-a", id, owner, ok)
		}
	}

	ring.add("grid-b")
	assignments := make(map[string]int)
	for i := 0; i < 1000; i++ {
		owner, ok := ring.owner(fmt.Sprintf("equiplet-%04d", i))
		if !ok {
			t.Fatalf("equiplet %d: no owner", i)
		}
		assignments[owner]++
	}
	if assignments["grid-a"] == 0 || assignments["grid-b"] == 0 {
		t.Fatalf("unbalanced assignment: %v", assignments)
	}

	first, _ := ring.owner("cell-7")
	for i := 0; i < 10; i++ {
		if again, _ := ring.owner("cell-7"); again != first {
			t.Fatalf("owner changed from %s to %s", first, again)
		}
	}
}

func TestHashRingMovesOnlyToNewInstance(t *testing.T) {
	ring := newHashRing(virtualNodes)
	ring.add("grid-a")
	ring.add("grid-b")

	before := make(map[string]string)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("equiplet-%d", i)
		before[id], _ = ring.owner(id)
	}

	ring.add("grid-c")
	moved := 0
	for id, was := range before {
		now, _ := ring.owner(id)
		if now == was {
			continue
		}
		if now != "grid-c" {
			t.Fatalf("%s moved from %s to %s", id, was, now)
		}
		moved++
	}
	if moved == 0 {
		t.Fatal("no equiplet moved to the new instance")
	}

	ring.remove("grid-c")
	for id, was := range before {
		if now, _ := ring.owner(id); now != was {
			t.Fatalf("%s owned by %s after removal, want %s", id, now, was)
		}
	}
}

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name: "valid",
			yaml: `
node_delay: 50ms
equiplets:
  - id: eq1
    capabilities: {pick: 3, place: 4}
    initial_state: standby
    connection: {host: 10.0.0.5}
  - id: eq2
    capabilities: {glue: 2}
`,
		},
		{name: "missing id", yaml: "equiplets:\n  - capabilities: {pick: 3}\n", wantErr: true},
		{name: "duplicate id", yaml: "equiplets:\n  - id: eq1\n    capabilities: {pick: 3}\n  - id: eq1\n    capabilities: {glue: 1}\n", wantErr: true},
		{name: "no capabilities", yaml: "equiplets:\n  - id: eq1\n", wantErr: true},
		{name: "zero duration", yaml: "equiplets:\n  - id: eq1\n    capabilities: {pick: 0}\n", wantErr: true},
		{name: "unknown state", yaml: "equiplets:\n  - id: eq1\n    capabilities: {pick: 1}\n    initial_state: flying\n", wantErr: true},
		{name: "negative delay", yaml: "node_delay: -1s\nequiplets: []\n", wantErr: true},
		{name: "not yaml", yaml: "equiplets: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if def.NodeDelay != 50*time.Millisecond || len(def.Equiplets) != 2 {
				t.Fatalf("definition = %+v", def)
			}
			eq1, ok := def.Lookup("eq1")
			if !ok {
				t.Fatal("eq1 not found")
			}
			if !slices.Equal(eq1.Capabilities(), []string{"pick", "place"}) || eq1.Connection["host"] != "10.0.0.5" {
				t.Fatalf("eq1 = %+v", eq1)
			}
			if _, ok := def.Lookup("eq9"); ok {
				t.Fatal("eq9 should not exist")
			}
		})
	}
}

type rig struct {
	store     blackboard.Store
	directory *directory.Directory
	transport *messaging.LocalTransport
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := bbtest.New(t)
	tr := messaging.NewLocalTransport()
	t.Cleanup(func() { _ = tr.Close() })
	return &rig{store: store, directory: directory.New(store, zerolog.Nop()), transport: tr}
}

func (r *rig) pool(t *testing.T, instance string, peers ...string) *Pool {
	t.Helper()
	p, err := NewPool(PoolConfig{
		InstanceID:    instance,
		Peers:         peers,
		LoadWindow:    10,
		TickInterval:  50 * time.Millisecond,
		SimulateNodes: true,
	}, r.store, r.directory, r.transport, ledger.NewClock(time.Now(), time.Second), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testDefinition(n int) *Definition {
	def := &Definition{}
	for i := 0; i < n; i++ {
		def.Equiplets = append(def.Equiplets, EquipletDef{
			ID:        fmt.Sprintf("eq%d", i),
			Durations: map[string]int64{"pick": int64(i + 1)},
		})
	}
	return def
}

func TestPoolAdvertisesHostedEquiplets(t *testing.T) {
	r := newRig(t)
	p := r.pool(t, "grid-a")
	if err := p.Start(context.Background(), testDefinition(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if got := p.Hosted(); !slices.Equal(got, []string{"eq0", "eq1"}) {
		t.Fatalf("hosted = %v", got)
	}

	ctx := context.Background()
	eventually(t, "both equiplets advertised", func() bool {
		entries, err := r.directory.Discover(ctx, "pick")
		return err == nil && len(entries) == 2
	})

	view, ok := p.Schedule("eq0")
	if !ok || view.EquipletID != "eq0" || view.State != equiplet.Standby {
		t.Fatalf("schedule = %+v (ok=%v)", view, ok)
	}
	if _, ok := p.Schedule("eq7"); ok {
		t.Fatal("eq7 is not hosted")
	}

	if err := p.StopEquiplet("eq0"); err != nil {
		t.Fatalf("stop eq0: %v", err)
	}
	entries, err := r.directory.Discover(ctx, "pick")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(entries) != 1 || entries[0].EquipletID != "eq1" {
		t.Fatalf("entries after stop = %+v", entries)
	}
	if err := p.StopEquiplet("eq0"); !errors.Is(err, ErrNotHosted) {
		t.Fatalf("second stop = %v, want ErrNotHosted", err)
	}
}

func TestPoolHostsOnlyAssignedEquiplets(t *testing.T) {
	r := newRig(t)
	p := r.pool(t, "grid-a", "grid-b")
	def := testDefinition(12)
	if err := p.Start(context.Background(), def); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	var mine []string
	for _, e := range def.Equiplets {
		owner, err := p.Assignment(e.ID)
		if err != nil {
			t.Fatalf("assignment: %v", err)
		}
		if owner == "grid-a" {
			mine = append(mine, e.ID)
		}
	}
	slices.Sort(mine)
	if got := p.Hosted(); !slices.Equal(got, mine) {
		t.Fatalf("hosted = %v, want %v", got, mine)
	}

	if err := p.RemoveInstance("grid-b"); err != nil {
		t.Fatalf("remove instance: %v", err)
	}
	if got := p.Hosted(); len(got) != len(def.Equiplets) {
		t.Fatalf("hosted after takeover = %v", got)
	}

	if err := p.AddInstance("grid-b"); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if got := p.Hosted(); !slices.Equal(got, mine) {
		t.Fatalf("hosted after hand over = %v, want %v", got, mine)
	}
	if err := p.AddInstance("grid-b"); err == nil {
		t.Fatal("adding a known instance should fail")
	}
	if err := p.RemoveInstance("grid-z"); err == nil {
		t.Fatal("removing an unknown instance should fail")
	}
}

func TestStartEquipletRejectsForeignAndUnknown(t *testing.T) {
	r := newRig(t)
	p := r.pool(t, "grid-a")
	if err := p.StartEquiplet("eq0"); err == nil {
		t.Fatal("start before pool start should fail")
	}
	if err := p.Start(context.Background(), testDefinition(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if err := p.StartEquiplet("eq0"); err == nil {
		t.Fatal("starting a running equiplet should fail")
	}
	if err := p.StartEquiplet("eq5"); err == nil {
		t.Fatal("starting an undefined equiplet should fail")
	}
}
