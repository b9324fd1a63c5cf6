package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/equiplet"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/logbuffer"
)

type fakeDirectory struct {
	entries []directory.Entry
	err     error
}

func (f fakeDirectory) List(context.Context) ([]directory.Entry, error) { return f.entries, f.err }

type fakeEquiplets map[string]equiplet.ScheduleView

func (f fakeEquiplets) Schedule(id string) (equiplet.ScheduleView, bool) {
	v, ok := f[id]
	return v, ok
}

func (f fakeEquiplets) Hosted() []string {
	out := make([]string, 0, len(f))
	for id := range f {
		out = append(out, id)
	}
	return out
}

type fakeIntake bool

func (f fakeIntake) Running() bool { return bool(f) }

func newTestServer(opts Options) *Server {
	return New(opts, zerolog.Nop())
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	s := newTestServer(Options{
		InstanceID: "grid-a",
		Equiplets:  fakeEquiplets{"eq1": {}, "eq2": {}},
		Intake:     fakeIntake(false),
	})
	rr := do(t, s, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.InstanceID != "grid-a" || got.Hosted != 2 || got.Intake {
		t.Fatalf("health = %+v", got)
	}
}

func TestDirectory(t *testing.T) {
	tests := []struct {
		name       string
		dir        DirectoryLister
		wantStatus int
		wantLen    int
	}{
		{
			name:       "entries",
			dir:        fakeDirectory{entries: []directory.Entry{{EquipletID: "eq1", Capabilities: []string{"pick"}}}},
			wantStatus: http.StatusOK,
			wantLen:    1,
		},
		{name: "empty", dir: fakeDirectory{}, wantStatus: http.StatusOK},
		{name: "store down", dir: fakeDirectory{err: errors.New("down")}, wantStatus: http.StatusServiceUnavailable},
		{name: "not configured", wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestServer(Options{Directory: tt.dir}), "/api/v1/directory")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var entries []directory.Entry
			if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if entries == nil || len(entries) != tt.wantLen {
				t.Fatalf("entries = %v", entries)
			}
		})
	}
}

func TestSchedule(t *testing.T) {
	view := equiplet.ScheduleView{
		EquipletID:  "eq1",
		State:       equiplet.Normal,
		CurrentSlot: 10,
		WakeSlot:    12,
		LoadWindow:  10,
		Load:        0.3,
		Reservations: []ledger.Reservation{
			{StepID: "p1-0", Slot: ledger.Bounded(12, 3)},
		},
	}
	s := newTestServer(Options{Equiplets: fakeEquiplets{"eq1": view}})

	rr := do(t, s, "/api/v1/equiplets/eq1/schedule")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got equiplet.ScheduleView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EquipletID != "eq1" || got.WakeSlot != 12 || len(got.Reservations) != 1 || got.Reservations[0].StepID != "p1-0" {
		t.Fatalf("schedule = %+v", got)
	}

	if rr := do(t, s, "/api/v1/equiplets/eq9/schedule"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown equiplet status = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := do(t, newTestServer(Options{}), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestLogs(t *testing.T) {
	logs := logbuffer.New(10)
	logs.Add(logbuffer.Entry{Level: "info", Agent: "eq1", Message: "step scheduled"})
	logs.Add(logbuffer.Entry{Level: "warn", Agent: "product-p1", Message: "product failed"})
	s := newTestServer(Options{Logs: logs})

	rr := do(t, s, "/api/v1/logs?agent=eq1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got struct {
		Entries []logbuffer.Entry `json:"entries"`
		Stats   logbuffer.Stats   `json:"stats"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].Message != "step scheduled" || got.Stats.Count != 2 {
		t.Fatalf("logs = %+v", got)
	}

	if rr := do(t, s, "/api/v1/logs?limit=x"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rr.Code)
	}
	if rr := do(t, newTestServer(Options{}), "/api/v1/logs"); rr.Code != http.StatusNotFound {
		t.Fatalf("disabled status = %d", rr.Code)
	}
}
