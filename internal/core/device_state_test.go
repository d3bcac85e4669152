package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var (
	responder = Principal{Name: "rita", Role: RoleResponder}
	analyst   = Principal{Name: "andy", Role: RoleAnalyst}
	viewer    = Principal{Name: "vera", Role: RoleViewer}
)

func newTestDeviceStore(t *testing.T, store SnapshotStore, hub *Hub, clock Clock) *DeviceStateStore {
	t.Helper()
	s := NewDeviceStateStore(zerolog.Nop(), DeviceStoreOptions{
		Dataset:     DemoDataset(),
		Store:       store,
		Hub:         hub,
		Clock:       clock,
		TriageDelay: 3 * time.Second,
	})
	t.Cleanup(s.Close)
	return s
}

func TestDeviceState_ContainmentScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestDeviceStore(t, nil, nil, newManualClock())

	steps := []struct {
		action DeviceAction
		params map[string]string
	}{
		{ActionIsolate, nil},
		{ActionBlockIP, map[string]string{"ip": "203.0.113.7"}},
		{ActionQuarantineFile, map[string]string{"path": `C:\Users\alice\invoice.exe`}},
		{ActionAVScan, map[string]string{"scan_type": "full"}},
	}
	for _, step := range steps {
		res, err := s.PerformDeviceAction(ctx, responder, "WS-001", step.action, step.params)
		if err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
		if !res.Success || res.Message == "" || res.Entry == nil {
			t.Fatalf("%s: unexpected result %+v", step.action, res)
		}
	}

	st, ok := s.State("WS-001")
	if !ok {
		t.Fatal("expected state for WS-001")
	}
	if !st.Isolated {
		t.Error("expected device isolated")
	}
	if len(st.BlockedIPs) != 1 || st.BlockedIPs[0] != "203.0.113.7" {
		t.Errorf("unexpected blocked IPs: %v", st.BlockedIPs)
	}
	if len(st.QuarantinedFiles) != 1 {
		t.Errorf("expected 1 quarantined file, got %d", len(st.QuarantinedFiles))
	}
	if st.LastAVScanAt == nil {
		t.Error("expected av scan timestamp")
	}

	log := s.ActionLog("WS-001", 0)
	if len(log) != 4 {
		t.Fatalf("expected 4 log entries, got %d", len(log))
	}
	for i, step := range steps {
		if log[i].Action != step.action || log[i].Actor != "rita" || !log[i].Success {
			t.Errorf("log[%d] = %+v", i, log[i])
		}
	}
	if _, ok := s.State("WS-002"); ok {
		t.Error("untouched device should have no state")
	}
}

func TestDeviceState_RepeatedIsolateLogsEachAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestDeviceStore(t, nil, nil, newManualClock())

	first, err := s.PerformDeviceAction(ctx, responder, "WS-002", ActionIsolate, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.PerformDeviceAction(ctx, responder, "WS-002", ActionIsolate, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Message == second.Message {
		t.Errorf("expected distinct messages for a repeated isolate, got %q twice", first.Message)
	}
	if !strings.Contains(second.Message, "already isolated") {
		t.Errorf("unexpected message %q", second.Message)
	}
	if n := len(s.ActionLog("WS-002", 0)); n != 2 {
		t.Errorf("expected 2 log entries, got %d", n)
	}
	st, _ := s.State("WS-002")
	if !st.Isolated {
		t.Error("expected device isolated")
	}
}

func TestDeviceState_ReleaseAndSets(t *testing.T) {
	ctx := context.Background()
	s := newTestDeviceStore(t, nil, nil, newManualClock())

	mustAct := func(action DeviceAction, params map[string]string) ActionResult {
		t.Helper()
		res, err := s.PerformDeviceAction(ctx, responder, "SRV-WEB-01", action, params)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		return res
	}

	mustAct(ActionIsolate, nil)
	mustAct(ActionRelease, nil)
	if res := mustAct(ActionRelease, nil); !strings.Contains(res.Message, "was not isolated") {
		t.Errorf("unexpected release message %q", res.Message)
	}
	mustAct(ActionBlockDomain, map[string]string{"domain": "Evil.Example.COM."})
	if res := mustAct(ActionBlockDomain, map[string]string{"domain": "evil.example.com"}); !strings.Contains(res.Message, "already blocked") {
		t.Errorf("unexpected duplicate block message %q", res.Message)
	}
	mustAct(ActionKillProcess, map[string]string{"pid": "4242"})

	st, _ := s.State("SRV-WEB-01")
	if st.Isolated {
		t.Error("expected device released")
	}
	if len(st.BlockedDomains) != 1 || st.BlockedDomains[0] != "evil.example.com" {
		t.Errorf("unexpected blocked domains %v", st.BlockedDomains)
	}
	log := s.ActionLog("SRV-WEB-01", 0)
	if len(log) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(log))
	}
	if log[5].Params["process"] != "4242" {
		t.Errorf("expected pid normalized to process, got %v", log[5].Params)
	}
}

func TestDeviceState_Errors(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	ch, cancel := hub.Subscribe(100)
	defer cancel()

	store := NewMemoryStore()
	s := newTestDeviceStore(t, store, hub, newManualClock())

	tests := []struct {
		name   string
		p      Principal
		device string
		action DeviceAction
		params map[string]string
		want   error
	}{
		{"viewer cannot isolate", viewer, "WS-001", ActionIsolate, nil, ErrUnauthorized},
		{"analyst cannot isolate", analyst, "WS-001", ActionIsolate, nil, ErrUnauthorized},
		{"unknown device", responder, "WS-404", ActionIsolate, nil, ErrNotFound},
		{"unknown action", responder, "WS-001", DeviceAction("wipe"), nil, ErrUnknownAction},
		{"missing ip", responder, "WS-001", ActionBlockIP, nil, ErrInvalidParams},
		{"loopback ip", responder, "WS-001", ActionBlockIP, map[string]string{"ip": "127.0.0.1"}, ErrInvalidParams},
		{"bad domain", responder, "WS-001", ActionBlockDomain, map[string]string{"domain": "not a domain"}, ErrInvalidParams},
		{"bad process", responder, "WS-001", ActionKillProcess, map[string]string{"process": "rm -rf /"}, ErrInvalidParams},
		{"zero pid", responder, "WS-001", ActionKillProcess, map[string]string{"pid": "0"}, ErrInvalidParams},
		{"empty path", responder, "WS-001", ActionQuarantineFile, map[string]string{"path": "  "}, ErrInvalidParams},
		{"bad scan type", analyst, "WS-001", ActionAVScan, map[string]string{"scan_type": "deep"}, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.PerformDeviceAction(ctx, tt.p, tt.device, tt.action, tt.params)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if res.Success || res.Message == "" {
				t.Errorf("expected a failed result with a message, got %+v", res)
			}
			if strings.Contains(res.Message, err.Error()) {
				t.Errorf("message should not carry raw error text: %q", res.Message)
			}
		})
	}

	if s.Count() != 0 {
		t.Errorf("failed actions must not create state, got %d devices", s.Count())
	}
	if n := len(s.ActionLog("", 0)); n != 0 {
		t.Errorf("failed actions must not be logged, got %d entries", n)
	}
	if store.Saves() != 0 {
		t.Errorf("failed actions must not persist, got %d saves", store.Saves())
	}
	select {
	case n := <-ch:
		t.Errorf("failed actions must not notify, got %s", n.Topic)
	default:
	}
}

func TestDeviceState_AnalystMayScan(t *testing.T) {
	s := newTestDeviceStore(t, nil, nil, newManualClock())
	res, err := s.PerformDeviceAction(context.Background(), analyst, "WS-001", ActionAVScan, nil)
	if err != nil {
		t.Fatalf("av scan: %v", err)
	}
	if res.Entry.Params["scan_type"] != "quick" {
		t.Errorf("expected default scan type quick, got %v", res.Entry.Params)
	}
}

func TestDeviceState_CancelledContext(t *testing.T) {
	s := newTestDeviceStore(t, nil, nil, newManualClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.PerformDeviceAction(ctx, responder, "WS-001", ActionIsolate, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Count() != 0 {
		t.Error("cancelled action must not mutate")
	}
}

func TestDeviceState_TriageReadyAfterDelay(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(100)
	defer cancel()

	clock := newManualClock()
	s := newTestDeviceStore(t, nil, hub, clock)

	res, err := s.PerformDeviceAction(context.Background(), analyst, "LAPTOP-17", ActionCollectTriage, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := <-ch; n.Topic != TopicDeviceAction {
		t.Fatalf("expected device_action first, got %s", n.Topic)
	}
	if clock.Pending() != 1 {
		t.Fatalf("expected one triage timer, got %d", clock.Pending())
	}

	clock.Advance(2 * time.Second)
	select {
	case n := <-ch:
		t.Fatalf("triage ready too early: %s", n.Topic)
	default:
	}

	clock.Advance(time.Second)
	n := <-ch
	if n.Topic != TopicTriageReady {
		t.Fatalf("expected triage_ready, got %s", n.Topic)
	}
	ready := n.Payload.(TriageReady)
	if ready.DeviceID != "LAPTOP-17" || ready.EntryID != res.Entry.ID {
		t.Errorf("unexpected payload %+v", ready)
	}
	if !strings.HasPrefix(ready.Package, "triage-LAPTOP-17-") {
		t.Errorf("unexpected package name %q", ready.Package)
	}
}

func TestDeviceState_CloseCancelsTriage(t *testing.T) {
	clock := newManualClock()
	s := NewDeviceStateStore(zerolog.Nop(), DeviceStoreOptions{Dataset: DemoDataset(), Clock: clock})
	if _, err := s.PerformDeviceAction(context.Background(), analyst, "WS-001", ActionCollectTriage, nil); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if clock.Pending() != 0 {
		t.Errorf("expected triage timer stopped, %d pending", clock.Pending())
	}
	if _, err := s.PerformDeviceAction(context.Background(), analyst, "WS-001", ActionCollectTriage, nil); err != nil {
		t.Fatal(err)
	}
	if clock.Pending() != 0 {
		t.Error("closed store should not schedule triage")
	}
}

func TestDeviceState_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newTestDeviceStore(t, store, nil, newManualClock())

	if _, err := s.PerformDeviceAction(ctx, responder, "SRV-DB-01", ActionIsolate, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PerformDeviceAction(ctx, responder, "SRV-DB-01", ActionBlockIP, map[string]string{"ip": "198.51.100.9"}); err != nil {
		t.Fatal(err)
	}
	if store.Saves() != 2 {
		t.Errorf("expected one save per action, got %d", store.Saves())
	}

	restored := newTestDeviceStore(t, store, nil, newManualClock())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st, ok := restored.State("SRV-DB-01")
	if !ok || !st.Isolated || len(st.BlockedIPs) != 1 {
		t.Errorf("unexpected restored state %+v", st)
	}
	if n := len(restored.ActionLog("SRV-DB-01", 0)); n != 2 {
		t.Errorf("expected 2 restored log entries, got %d", n)
	}
}

func TestDeviceState_RestoreEmptyStore(t *testing.T) {
	s := newTestDeviceStore(t, NewMemoryStore(), nil, newManualClock())
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("restore from empty store: %v", err)
	}
	if s.Count() != 0 {
		t.Error("expected no devices")
	}
}

type failingStore struct{}

func (failingStore) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func (failingStore) Load(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk unreadable")
}

func TestDeviceState_SaveFailureKeepsMutation(t *testing.T) {
	s := newTestDeviceStore(t, failingStore{}, nil, newManualClock())
	res, err := s.PerformDeviceAction(context.Background(), responder, "WS-001", ActionIsolate, nil)
	if err != nil || !res.Success {
		t.Fatalf("save failures must not fail the action: %v", err)
	}
	if st, _ := s.State("WS-001"); !st.Isolated {
		t.Error("expected in-memory mutation to stay")
	}
	if err := s.Restore(context.Background()); err == nil {
		t.Error("expected restore error from failing store")
	}
}

func TestDeviceState_ActionLogLimitAndTrim(t *testing.T) {
	s := NewDeviceStateStore(zerolog.Nop(), DeviceStoreOptions{
		Dataset:       DemoDataset(),
		Clock:         newManualClock(),
		MaxLogEntries: 20,
	})
	defer s.Close()

	for i := 0; i < 25; i++ {
		if _, err := s.PerformDeviceAction(context.Background(), responder, "WS-001", ActionIsolate, nil); err != nil {
			t.Fatal(err)
		}
	}
	all := s.ActionLog("", 0)
	if len(all) > 20 {
		t.Errorf("expected log trimmed to at most 20, got %d", len(all))
	}
	if got := s.ActionLog("WS-001", 5); len(got) != 5 || got[4].ID != all[len(all)-1].ID {
		t.Error("expected the 5 most recent entries in time order")
	}
}

func TestDeviceState_ConcurrentDevices(t *testing.T) {
	s := newTestDeviceStore(t, nil, nil, newManualClock())
	devices := []string{"WS-001", "WS-002", "LAPTOP-17", "SRV-DB-01", "SRV-WEB-01"}

	var wg sync.WaitGroup
	for _, id := range devices {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := s.PerformDeviceAction(context.Background(), responder, id, ActionIsolate, nil); err != nil {
					t.Error(err)
				}
			}(id)
		}
	}
	wg.Wait()

	if s.Count() != len(devices) {
		t.Errorf("expected %d devices, got %d", len(devices), s.Count())
	}
	if n := len(s.ActionLog("", 0)); n != 50 {
		t.Errorf("expected 50 entries, got %d", n)
	}
	states := s.States()
	for i := 1; i < len(states); i++ {
		if states[i-1].DeviceID > states[i].DeviceID {
			t.Error("expected States sorted by device id")
		}
	}
}
