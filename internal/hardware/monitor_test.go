package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeStore хранит ячейки в памяти как JSON, имитируя координационное
// хранилище.
type fakeStore struct {
	cells  map[string]json.RawMessage
	getErr error
	putErr error

	puts    []string
	deletes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{cells: make(map[string]json.RawMessage)}
}

func (s *fakeStore) set(path string, v any) {
	data, _ := json.Marshal(v)
	s.cells[path] = data
}

func (s *fakeStore) Get(ctx context.Context, path string, into any) (bool, error) {
	if s.getErr != nil {
		return false, s.getErr
	}
	raw, ok := s.cells[path]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fakeStore) Put(ctx context.Context, path string, value any) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, path)
	s.set(path, value)
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, path string) error {
	s.deletes = append(s.deletes, path)
	delete(s.cells, path)
	return nil
}

func newTestMonitor(store Store, bypass bool, now time.Time) *Monitor {
	m := NewMonitor(store, bypass, zap.NewNop())
	m.now = func() time.Time { return now }
	return m
}

func TestMonitorReport_FreshHeartbeat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newFakeStore()
	store.set(pathHardwareStatus, map[string]any{
		"last_heartbeat": now.Unix() - 5,
		"esp32_online":   "true",
		"status":         "idle",
	})

	m := newTestMonitor(store, false, now)

	report := m.Report(context.Background())
	if !report.Online {
		t.Fatalf("Online = false, want true")
	}
	if !report.ValidTimestamp {
		t.Fatalf("ValidTimestamp = false, want true")
	}
	if report.SecondsSinceHeartbeat != 5 {
		t.Fatalf("SecondsSinceHeartbeat = %d, want 5", report.SecondsSinceHeartbeat)
	}
}

func TestMonitorReport_StaleHeartbeat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newFakeStore()
	store.set(pathHardwareStatus, map[string]any{
		"last_heartbeat": now.Unix() - 40,
		"esp32_online":   true,
	})

	m := newTestMonitor(store, false, now)

	report := m.Report(context.Background())
	if report.Online {
		t.Fatalf("Online = true, want false: heartbeat is 40s old")
	}
	if !report.ValidTimestamp {
		t.Fatalf("ValidTimestamp = false, want true")
	}
}

func TestMonitorReport_LegacyZeroTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newFakeStore()
	store.set(pathHardwareStatus, map[string]any{
		"last_heartbeat": 0,
		"esp32_online":   true,
	})

	m := newTestMonitor(store, false, now)

	report := m.Report(context.Background())
	if !report.Online {
		t.Fatalf("Online = false, want true: without a timestamp only the flag counts")
	}
	if report.ValidTimestamp {
		t.Fatalf("ValidTimestamp = true, want false")
	}
}

func TestMonitorReport_FlagRepresentations(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		flag any
		want bool
	}{
		{"bool true", true, true},
		{"bool false", false, false},
		{"string true", "true", true},
		{"string one", "1", true},
		{"string false", "false", false},
		{"number one", 1, true},
		{"number zero", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.set(pathHardwareStatus, map[string]any{
				"last_heartbeat": now.Unix() - 3,
				"esp32_online":   tt.flag,
			})

			m := newTestMonitor(store, false, now)

			if got := m.IsOnline(context.Background()); got != tt.want {
				t.Fatalf("IsOnline() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorReport_Absent(t *testing.T) {
	m := newTestMonitor(newFakeStore(), false, time.Unix(1700000000, 0))

	report := m.Report(context.Background())
	if report.Online {
		t.Fatalf("Online = true, want false")
	}
	if report.Message != "Hardware not connected" {
		t.Fatalf("Message = %q", report.Message)
	}
}

func TestMonitorReport_StoreError(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")

	m := newTestMonitor(store, false, time.Unix(1700000000, 0))

	report := m.Report(context.Background())
	if report.Online {
		t.Fatalf("Online = true, want false: store errors mean offline")
	}
}

func TestMonitorReport_Bypass(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")

	m := newTestMonitor(store, true, time.Unix(1700000000, 0))

	report := m.Report(context.Background())
	if !report.Online {
		t.Fatalf("Online = false, want true in bypass mode")
	}
	if report.Status != "bypassed" {
		t.Fatalf("Status = %q, want bypassed", report.Status)
	}
}
