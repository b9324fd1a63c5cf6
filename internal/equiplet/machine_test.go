package equiplet

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/step"
)

func TestMachineGates(t *testing.T) {
	tests := []struct {
		state        State
		canAdvertise bool
		canPerform   bool
	}{
		{Offline, false, false},
		{Safe, false, true},
		{Setup, false, true},
		{Standby, true, true},
		{Normal, true, true},
		{Shutdown, false, false},
		{Error, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			m := NewMachine("eq1", map[string]int64{"pick": 3}, tt.state, zerolog.Nop())
			if got := m.CanAdvertise(); got != tt.canAdvertise {
				t.Errorf("CanAdvertise = %v, want %v", got, tt.canAdvertise)
			}
			if got := m.CanPerformStep("pick"); got != tt.canPerform {
				t.Errorf("CanPerformStep(pick) = %v, want %v", got, tt.canPerform)
			}
			if m.CanPerformStep("weld") {
				t.Error("unknown capability must never be performable")
			}
		})
	}
}

func TestMachineFaultBlocksSteps(t *testing.T) {
	m := NewMachine("eq1", map[string]int64{"pick": 3}, Normal, zerolog.Nop())
	m.Fault("gripper offline")
	if m.State() != Error || m.CanPerformStep("pick") || m.CanAdvertise() {
		t.Fatalf("faulted machine still usable: state=%s", m.State())
	}
	if m.FaultReason() != "gripper offline" {
		t.Fatalf("fault reason = %q", m.FaultReason())
	}
	m.SetState(Standby)
	if m.FaultReason() != "" || !m.CanPerformStep("pick") {
		t.Fatal("recovery should clear the fault")
	}
}

func TestParseState(t *testing.T) {
	for _, s := range allStates {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseState(%s) = %s, %v", s, got, err)
		}
	}
	if _, err := ParseState("dancing"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestMachineTickCycle(t *testing.T) {
	m := NewMachine("eq1", map[string]int64{"pick": 3}, Normal, zerolog.Nop())
	l := ledger.New("eq1", zerolog.Nop())
	mustInsert(t, l, "s1", ledger.Bounded(10, 3))
	mustInsert(t, l, "s2", ledger.Bounded(13, 2))

	steps := []struct {
		slot     int64
		want     []StepEvent
		activity Activity
	}{
		{slot: 5, activity: Idle},
		{slot: 10, want: []StepEvent{{StepID: "s1", Status: step.Working}}, activity: Working},
		{slot: 12, activity: Working},
		{slot: 13, want: []StepEvent{{StepID: "s1", Status: step.Done}, {StepID: "s2", Status: step.Working}}, activity: Working},
		{slot: 15, want: []StepEvent{{StepID: "s2", Status: step.Done}}, activity: Idle},
		{slot: 16, activity: Idle},
	}
	for _, st := range steps {
		got := m.Tick(st.slot, l)
		assertEvents(t, st.slot, got, st.want)
		if m.Activity() != st.activity {
			t.Fatalf("slot %d: activity = %s, want %s", st.slot, m.Activity(), st.activity)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("ledger should be drained, has %d", l.Len())
	}
}

func TestMachineTickDropsMissedReservation(t *testing.T) {
	m := NewMachine("eq1", map[string]int64{"pick": 3}, Normal, zerolog.Nop())
	l := ledger.New("eq1", zerolog.Nop())
	mustInsert(t, l, "late", ledger.Bounded(2, 3))
	mustInsert(t, l, "next", ledger.Bounded(8, 4))

	got := m.Tick(9, l)
	assertEvents(t, 9, got, []StepEvent{{StepID: "late", Status: step.Error}, {StepID: "next", Status: step.Working}})
	if got[0].Reason == "" {
		t.Fatal("missed reservation should carry a reason")
	}
	if _, ok := l.Get("late"); ok {
		t.Fatal("missed reservation should be dropped")
	}
}

func TestMachineTickOnlyInNormal(t *testing.T) {
	for _, s := range []State{Standby, Safe, Error} {
		m := NewMachine("eq1", map[string]int64{"pick": 3}, s, zerolog.Nop())
		l := ledger.New("eq1", zerolog.Nop())
		mustInsert(t, l, "s1", ledger.Bounded(0, 3))
		if evs := m.Tick(1, l); len(evs) != 0 {
			t.Fatalf("%s: unexpected events %v", s, evs)
		}
		if l.Len() != 1 {
			t.Fatalf("%s: ledger mutated", s)
		}
	}
}

func TestLeavingNormalResetsActivity(t *testing.T) {
	m := NewMachine("eq1", map[string]int64{"pick": 3}, Normal, zerolog.Nop())
	l := ledger.New("eq1", zerolog.Nop())
	mustInsert(t, l, "s1", ledger.Bounded(0, 3))
	m.Tick(0, l)
	if m.Activity() != Working {
		t.Fatal("expected working")
	}
	m.SetState(Standby)
	if m.Activity() != Idle {
		t.Fatal("leaving normal should reset activity")
	}
}

func mustInsert(t *testing.T, l *ledger.Ledger, id string, slot ledger.TimeSlot) {
	t.Helper()
	if err := l.Insert(ledger.Reservation{StepID: id, Slot: slot}); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func assertEvents(t *testing.T, slot int64, got, want []StepEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("slot %d: got %d events %v, want %v", slot, len(got), got, want)
	}
	for i := range want {
		if got[i].StepID != want[i].StepID || got[i].Status != want[i].Status {
			t.Fatalf("slot %d: event %d = %s/%s, want %s/%s", slot, i, got[i].StepID, got[i].Status, want[i].StepID, want[i].Status)
		}
	}
}
