package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	name  string
	err   error
	delay time.Duration
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	select {
	case <-time.After(f.delay):
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	w := do(t, http.HandlerFunc(newTestServer().handleHealth), http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d, body: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected %q, got %q", "ok", body["status"])
	}
}

func TestHandleReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingers    []Pinger
		wantStatus int
		wantOK     map[string]bool
	}{
		{
			name:       "no pingers",
			wantStatus: http.StatusOK,
			wantOK:     map[string]bool{},
		},
		{
			name:       "all healthy",
			pingers:    []Pinger{&fakePinger{name: "sqlite"}, &fakePinger{name: "ollama"}},
			wantStatus: http.StatusOK,
			wantOK:     map[string]bool{"sqlite": true, "ollama": true},
		},
		{
			name:       "index down",
			pingers:    []Pinger{&fakePinger{name: "qdrant", err: errors.New("connection refused")}, &fakePinger{name: "ollama"}},
			wantStatus: http.StatusServiceUnavailable,
			wantOK:     map[string]bool{"qdrant": false, "ollama": true},
		},
		{
			name:       "all down",
			pingers:    []Pinger{&fakePinger{name: "sqlite", err: errors.New("disk I/O error")}, &fakePinger{name: "openai", err: errors.New("401")}},
			wantStatus: http.StatusServiceUnavailable,
			wantOK:     map[string]bool{"sqlite": false, "openai": false},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer()
			s.pingers = tc.pingers
			w := do(t, http.HandlerFunc(s.handleReady), http.MethodGet, "/api/ready", "")

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", w.Code, tc.wantStatus, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			var resp readyResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Ready != (tc.wantStatus == http.StatusOK) {
				t.Errorf("ready = %v with status %d", resp.Ready, w.Code)
			}
			if len(resp.Checks) != len(tc.wantOK) {
				t.Fatalf("checks = %+v, want %d", resp.Checks, len(tc.wantOK))
			}
			for i, c := range resp.Checks {
				if c.Name != tc.pingers[i].Name() {
					t.Errorf("check %d is %q, want registration order", i, c.Name)
				}
				if c.OK != tc.wantOK[c.Name] || (c.Error == "") != c.OK {
					t.Errorf("check %+v, want ok=%v", c, tc.wantOK[c.Name])
				}
			}
		})
	}
}

func TestHandleReady_ChecksConcurrentlyAndSetsGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := newTestServer()
	s.metrics = newServerMetrics(reg)
	s.pingers = []Pinger{
		&fakePinger{name: "sqlite", delay: 200 * time.Millisecond},
		&fakePinger{name: "ollama", delay: 200 * time.Millisecond, err: errors.New("refused")},
	}

	start := time.Now()
	w := do(t, http.HandlerFunc(s.handleReady), http.MethodGet, "/api/ready", "")
	if elapsed := time.Since(start); elapsed >= 400*time.Millisecond {
		t.Errorf("checks took %v, want them to run concurrently", elapsed)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	for dep, want := range map[string]float64{"sqlite": 1, "ollama": 0} {
		if got := gaugeValue(t, reg, "ragkit_ready_dependency_up", "dependency", dep); got != want {
			t.Errorf("dependency_up{%s} = %v, want %v", dep, got, want)
		}
	}
}

// gaugeValue returns the value of the gauge name{label=value}, or -1.
func gaugeValue(t *testing.T, reg prometheus.Gatherer, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

// TestIndexPinger verifies the index pinger prefers a native Ping and falls
// back to Stats.
func TestIndexPinger(t *testing.T) {
	t.Parallel()

	mem := NewIndexPinger("memory", rag.NewMemoryIndex())
	if err := mem.Ping(context.Background()); err != nil {
		t.Errorf("memory index ping: %v", err)
	}

	down := NewIndexPinger("sqlite", &pingIndex{VectorIndex: rag.NewMemoryIndex(), err: errors.New("disk I/O error")})
	if err := down.Ping(context.Background()); err == nil {
		t.Error("expected the native Ping error")
	}
	if down.Name() != "sqlite" {
		t.Errorf("Name() = %q", down.Name())
	}
}

// TestLLMPinger_HealthCheckPreferred verifies the zero-token check is used
// and the model is never called when one is configured.
func TestLLMPinger_HealthCheckPreferred(t *testing.T) {
	t.Parallel()

	hc := &fakeHealthCheck{}
	p := NewLLMPinger(hc, nil, "ollama")
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() = %v", err)
	}
	if hc.calls != 1 {
		t.Errorf("health check calls = %d, want 1", hc.calls)
	}

	hc.err = errors.New("401")
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected the health check failure")
	}

	if err := NewLLMPinger(nil, nil, "ark").Ping(context.Background()); err == nil {
		t.Error("expected an error with neither check configured")
	}
}

type pingIndex struct {
	rag.VectorIndex
	err error
}

func (p *pingIndex) Ping(context.Context) error { return p.err }

type fakeHealthCheck struct {
	calls int
	err   error
}

func (f *fakeHealthCheck) HealthCheck(context.Context) error {
	f.calls++
	return f.err
}
