package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
)

func TestInstrumentLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/api/v1/equiplets/{id}/schedule", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/api/v1/directory", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})

	tests := []struct {
		path   string
		route  string
		status string
	}{
		{path: "/api/v1/equiplets/eq-42/schedule", route: "/api/v1/equiplets/{id}/schedule", status: "418"},
		{path: "/api/v1/directory", route: "/api/v1/directory", status: "200"},
		{path: "/api/v1/nope/eq-42", route: unmatchedRoute, status: "404"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			counter := APIRequestsTotal.WithLabelValues(http.MethodGet, tt.route, tt.status)
			before := testutil.ToFloat64(counter)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Fatalf("requests counted for %s %s = %v", tt.route, tt.status, got)
			}
		})
	}
}

func TestInstrumentOpensServerSpan(t *testing.T) {
	rec := recordSpans(t)

	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/api/v1/equiplets/{id}/schedule", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/equiplets/eq1/schedule", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	s := ended[0]
	if s.Name() != "GET /api/v1/equiplets/{id}/schedule" {
		t.Fatalf("name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Fatalf("status = %v", s.Status())
	}
}
