package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncBusRx()
	IncBusTx()
	IncHubDrop()
	IncBuffered()
	AddMessages(3)
	AddMessages(0)
	AddMessages(-2)
	IncIncomplete()
	IncFlowControl()
	IncPeriodicTx()
	IncError(ErrFlowTimeout)
	IncMalformed()
	after := Snap()

	checks := []struct {
		name      string
		got, want uint64
	}{
		{"bus_rx", after.BusRx - before.BusRx, 1},
		{"bus_tx", after.BusTx - before.BusTx, 1},
		{"hub_drops", after.HubDrops - before.HubDrops, 1},
		{"buffered", after.Buffered - before.Buffered, 1},
		{"messages", after.Messages - before.Messages, 3},
		{"incomplete", after.Incomplete - before.Incomplete, 1},
		{"flow_control", after.FlowControl - before.FlowControl, 1},
		{"periodic_tx", after.PeriodicTx - before.PeriodicTx, 1},
		{"errors", after.Errors - before.Errors, 1},
		{"malformed", after.Malformed - before.Malformed, 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %d want %d", c.name, c.got, c.want)
		}
	}
}

func TestGaugesMoveBothWays(t *testing.T) {
	before := Snap()
	AddSubscriptions(2)
	AddPeriodic(1)
	if s := Snap(); s.Subscriptions-before.Subscriptions != 2 || s.Periodic-before.Periodic != 1 {
		t.Fatalf("gauges up: %+v", s)
	}
	AddSubscriptions(-2)
	AddPeriodic(-1)
	if s := Snap(); s.Subscriptions != before.Subscriptions || s.Periodic != before.Periodic {
		t.Fatalf("gauges not restored: %+v vs %+v", s, before)
	}
}

func TestReadiness(t *testing.T) {
	defer SetReadinessFunc(nil)
	SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatal("unset readiness should report ready")
	}
	ready := false
	SetReadinessFunc(func() bool { return ready })
	if IsReady() {
		t.Fatal("expected not ready")
	}
	ready = true
	if !IsReady() {
		t.Fatal("expected ready")
	}
}

func TestReadyHandler(t *testing.T) {
	defer SetReadinessFunc(nil)
	SetReadinessFunc(func() bool { return false })
	srv := StartHTTP("127.0.0.1:0")
	defer srv.Close()

	// StartHTTP binds asynchronously; exercise the handler directly.
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	SetReadinessFunc(func() bool { return true })
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || string(body) != "ready\n" {
		t.Fatalf("status %d body %q", rec.Code, body)
	}

	InitBuildInfo("test", "abc", "now")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
}
