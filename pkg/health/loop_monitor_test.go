package health

import (
	"errors"
	"testing"
	"time"
)

func TestLoopMonitorNeverTicked(t *testing.T) {
	m := NewLoopMonitor("snapshot")
	ok, age, _ := m.Healthy(time.Now(), time.Second)
	if ok {
		t.Fatal("expected unhealthy before first tick")
	}
	if age != 0 {
		t.Fatalf("expected zero age, got %v", age)
	}
	if m.Name() != "snapshot" {
		t.Fatalf("expected name snapshot, got %s", m.Name())
	}
}

func TestLoopMonitorTickAndAge(t *testing.T) {
	m := NewLoopMonitor("consume")
	m.Tick()

	ok, _, _ := m.Healthy(time.Now(), time.Minute)
	if !ok {
		t.Fatal("expected healthy right after tick")
	}

	ok, age, _ := m.Healthy(time.Now().Add(2*time.Minute), time.Minute)
	if ok {
		t.Fatal("expected unhealthy after maxAge")
	}
	if age < time.Minute {
		t.Fatalf("expected age > 1m, got %v", age)
	}
}

func TestLoopMonitorErrors(t *testing.T) {
	m := NewLoopMonitor("consume")
	m.SetError(nil)
	if m.LastError() != "" {
		t.Fatalf("nil error should be ignored, got %q", m.LastError())
	}
	m.SetError(errors.New("redis down"))
	if m.LastError() != "redis down" {
		t.Fatalf("expected redis down, got %q", m.LastError())
	}
	m.ClearError()
	if m.LastError() != "" {
		t.Fatalf("expected cleared error, got %q", m.LastError())
	}
}
