package directory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard/bbtest"
	"github.com/friendsincode/equiplet_grid/internal/events"
)

func TestPublishIsUpsert(t *testing.T) {
	ctx := context.Background()
	dir := New(bbtest.New(t), zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := dir.Publish(ctx, Entry{EquipletID: "eq1", Capabilities: []string{"pick"}}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := dir.Publish(ctx, Entry{EquipletID: "eq1", Capabilities: []string{"pick", "place"}}); err != nil {
		t.Fatalf("republish: %v", err)
	}

	entries, err := dir.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if got := entries[0].Capabilities; len(got) != 2 || got[1] != "place" {
		t.Fatalf("capabilities not updated: %v", got)
	}
}

func TestPublishRequiresEquipletID(t *testing.T) {
	dir := New(bbtest.New(t), zerolog.Nop())
	if err := dir.Publish(context.Background(), Entry{}); err == nil {
		t.Fatal("expected error for missing equiplet id")
	}
}

func TestDiscoverByCapability(t *testing.T) {
	ctx := context.Background()
	dir := New(bbtest.New(t), zerolog.Nop())

	seed := []Entry{
		{EquipletID: "eq3", Capabilities: []string{"pick"}},
		{EquipletID: "eq1", Capabilities: []string{"pick", "glue"}},
		{EquipletID: "eq2", Capabilities: []string{"glue"}},
	}
	for _, e := range seed {
		if err := dir.Publish(ctx, e); err != nil {
			t.Fatalf("publish %s: %v", e.EquipletID, err)
		}
	}

	tests := []struct {
		capability string
		want       []string
	}{
		{"pick", []string{"eq1", "eq3"}},
		{"glue", []string{"eq1", "eq2"}},
		{"weld", nil},
	}
	for _, tt := range tests {
		t.Run(tt.capability, func(t *testing.T) {
			got, err := dir.Discover(ctx, tt.capability)
			if err != nil {
				t.Fatalf("discover: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %v", len(got), tt.want)
			}
			for i, e := range got {
				if e.EquipletID != tt.want[i] {
					t.Fatalf("entry %d = %s, want %s", i, e.EquipletID, tt.want[i])
				}
			}
		})
	}
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	dir := New(bbtest.New(t), zerolog.Nop())

	if err := dir.Publish(ctx, Entry{EquipletID: "eq1", Capabilities: []string{"pick"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := dir.Withdraw(ctx, "eq1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := dir.Withdraw(ctx, "eq1"); err != nil {
		t.Fatalf("second withdraw should be a no-op: %v", err)
	}
	got, err := dir.Discover(ctx, "pick")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no entries after withdraw, got %v (%v)", got, err)
	}
}

func TestChangesAnnouncedOnBroker(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventDirectoryChanged)
	defer bus.Unsubscribe(events.EventDirectoryChanged, sub)

	dir := New(bbtest.New(t), zerolog.Nop(), WithBroker(bus), WithInstance("node-a"))
	if err := dir.Publish(ctx, Entry{EquipletID: "eq1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-sub:
		if p["equiplet_id"] != "eq1" || p["action"] != "published" || p["instance_id"] != "node-a" {
			t.Fatalf("unexpected payload %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no directory change announced")
	}

	e, err := dir.Lookup(ctx, "eq1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.InstanceID != "node-a" {
		t.Fatalf("instance id = %q", e.InstanceID)
	}
}
