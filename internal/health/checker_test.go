package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/askarbek/pulse/internal/health"
	"github.com/askarbek/pulse/internal/notification"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(p health.Pinger, ch notification.Channel) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(p, ch, logger, reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{err: errors.New("db down")}, nil)

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_StoreUp(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, nil)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	store, ok := result.Checks["store"]
	if !ok {
		t.Fatal("missing store check")
	}
	if store.Status != "up" {
		t.Fatalf("expected store up, got %s", store.Status)
	}

	if gauge := testGauge(t, reg, "pulse_health_check_up", "store"); gauge != 1 {
		t.Fatalf("expected gauge 1, got %f", gauge)
	}
}

func TestReadiness_StoreDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{err: errors.New("connection refused")}, nil)

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	store := result.Checks["store"]
	if store.Status != "down" {
		t.Fatalf("expected store down, got %s", store.Status)
	}
	if store.Error == "" {
		t.Fatal("expected error message")
	}

	if gauge := testGauge(t, reg, "pulse_health_check_up", "store"); gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func TestReadiness_ChannelReported(t *testing.T) {
	ch := notification.NewMemoryChannel()
	c, _ := newTestChecker(&mockPinger{}, ch)

	result := c.Readiness(context.Background())
	if result.Checks["notifications"].Status != "down" {
		t.Fatal("disconnected channel should report down")
	}

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	result = c.Readiness(context.Background())
	if result.Checks["notifications"].Status != "up" {
		t.Fatal("connected channel should report up")
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "dependency" && l.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
