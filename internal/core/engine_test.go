package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, cfg *Config, opts ...EngineOption) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts = append([]EngineOption{WithLogger(zerolog.Nop()), WithClock(newManualClock())}, opts...)
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

// counterValue sums every sample of the named counter family.
func counterValue(t *testing.T, e *Engine, name string) float64 {
	t.Helper()
	families, err := e.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestEngine_DefaultsToDemoDataset(t *testing.T) {
	e := newTestEngine(t, nil)
	if len(e.Dataset.Devices()) != len(DemoDataset().Devices()) {
		t.Error("expected the demo dataset when no path is configured")
	}
	if e.Webhooks != nil {
		t.Error("no webhook targets should mean no notifier")
	}
	if e.Bus != nil {
		t.Error("bus should be disabled by default")
	}
}

func TestEngine_LoadsDatasetPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dataset.Path = writeDataset(t, datasetYAML)
	e := newTestEngine(t, cfg)
	if _, ok := e.Dataset.Device("WS-1"); !ok {
		t.Error("expected devices from the dataset file")
	}

	cfg = DefaultConfig()
	cfg.Dataset.Path = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewEngine(cfg, WithLogger(zerolog.Nop())); err == nil {
		t.Error("expected an error for a missing dataset file")
	}
}

func TestEngine_FeedUsesDatasetInventory(t *testing.T) {
	e := newTestEngine(t, nil)
	for i := 0; i < 50; i++ {
		ev := e.GenerateLiveEvent()
		if _, ok := e.Dataset.Device(ev.DeviceID); !ok {
			t.Fatalf("event references unknown device %q", ev.DeviceID)
		}
	}
	if got := counterValue(t, e, "socsim_feed_events_generated_total"); got != 50 {
		t.Errorf("expected 50 generated in metrics, got %v", got)
	}
}

func TestEngine_FeedControls(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.StartLiveFeed(4); !errors.Is(err, ErrInvalidSpeed) {
		t.Errorf("expected ErrInvalidSpeed, got %v", err)
	}
	if err := e.StartLiveFeed(2); err != nil {
		t.Fatal(err)
	}
	e.SetLiveFeedMuted(true)
	e.RestartLiveFeed(5)
	st := e.Feed.Stats()
	if !st.Running || !st.Muted || st.Seed != 5 || st.Speed != 2 {
		t.Errorf("unexpected feed stats %+v", st)
	}
	e.StopLiveFeed()
	if e.Feed.Running() {
		t.Error("expected stopped feed")
	}
}

func TestEngine_AuthorizeUsesOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Overrides = map[string]Role{OpFeedControl: RoleAdmin}
	e := newTestEngine(t, cfg)
	if err := e.Authorize(responder, OpFeedControl); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected override to require admin, got %v", err)
	}
	if err := e.Authorize(Principal{Name: "root", Role: RoleAdmin}, OpFeedControl); err != nil {
		t.Errorf("admin should pass: %v", err)
	}
}

func TestEngine_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Persistence.Backend = "file"
	cfg.Persistence.Dir = t.TempDir()
	cfg.SOAR.StepLatencyMin = time.Millisecond
	cfg.SOAR.StepLatencyMax = time.Millisecond

	e1, err := NewEngine(cfg, WithLogger(zerolog.Nop()), WithClock(newManualClock()))
	if err != nil {
		t.Fatal(err)
	}
	if err := e1.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := e1.PerformDeviceAction(ctx, responder, "WS-001", ActionIsolate, nil); err != nil {
		t.Fatal(err)
	}
	run, err := e1.StartPlaybook(ctx, responder, "PB-PHISH", "CASE-1002")
	if err != nil {
		t.Fatal(err)
	}
	done, _ := e1.Orchestrator.Wait(run.ID)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if err := e1.Shutdown(); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t, cfg)
	if st, ok := e2.Devices.State("WS-001"); !ok || !st.Isolated {
		t.Error("expected isolation to survive a restart")
	}
	if r, ok := e2.Orchestrator.Run(run.ID); !ok || r.Status != RunCompleted {
		t.Errorf("expected completed run in history, got %+v", r)
	}
	if len(e2.Orchestrator.CaseNotes("CASE-1002")) != 1 {
		t.Error("expected case note to survive a restart")
	}
}

func TestEngine_ApprovalFlowAndMetrics(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	notes, cancel := e.Hub.Subscribe(1024)
	defer cancel()

	run, err := e.StartPlaybook(ctx, responder, "PB-RANSOM", "CASE-1001")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for waiting := false; !waiting; {
		select {
		case n := <-notes:
			waiting = n.Topic == TopicApprovalRequested
		case <-deadline:
			t.Fatal("approval never requested")
		}
	}

	if err := e.RejectStep(ctx, viewer, run.ID, "approve"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := e.ApproveStep(ctx, responder, run.ID, "approve"); err != nil {
		t.Fatal(err)
	}
	done, _ := e.Orchestrator.Wait(run.ID)
	<-done

	if st, _ := e.Devices.State("WS-001"); !st.Isolated {
		t.Error("expected the approved run to isolate WS-001")
	}
	if got := counterValue(t, e, "socsim_soar_runs_started_total"); got != 1 {
		t.Errorf("runs started = %v", got)
	}
	if got := counterValue(t, e, "socsim_soar_runs_finished_total"); got != 1 {
		t.Errorf("runs finished = %v", got)
	}
	if got := counterValue(t, e, "socsim_edr_actions_total"); got != 1 {
		t.Errorf("device actions = %v", got)
	}

	status := e.Status()
	if status["devices"] != 1 {
		t.Errorf("unexpected device count %v", status["devices"])
	}
	if _, ok := status["feed"].(GeneratorStats); !ok {
		t.Errorf("expected feed stats in status, got %T", status["feed"])
	}
}

func TestEngine_WebhooksReceiveApprovals(t *testing.T) {
	topics := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topics <- r.Header.Get("X-Socsim-Topic")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Webhooks.Targets = []WebhookTarget{{Name: "soc", URL: srv.URL}}
	e := newTestEngine(t, cfg)
	if e.Webhooks == nil {
		t.Fatal("expected a webhook notifier")
	}

	if _, err := e.StartPlaybook(context.Background(), responder, "PB-RANSOM", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case topic := <-topics:
		if topic != string(TopicApprovalRequested) {
			t.Errorf("unexpected topic %q", topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never received the approval request")
	}
	if _, ok := e.Status()["webhooks"]; !ok {
		t.Error("expected webhook stats in status")
	}
}

func TestNewLogger_CapturesLines(t *testing.T) {
	logs := NewLogRingBuffer(10)
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, logs)
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("visible")

	entries := logs.GetEntries(10, "")
	if len(entries) != 1 {
		t.Fatalf("expected 1 captured line, got %d", len(entries))
	}
	if entries[0].Message != "visible" || entries[0].Component != "test" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}
