package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testWebhookConfig(url string, topics ...Topic) WebhookConfig {
	cfg := DefaultWebhookConfig()
	cfg.Targets = []WebhookTarget{{Name: "soc", URL: url, Topics: topics, Headers: map[string]string{"X-Team": "blue"}}}
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.Workers = 1
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func statInt(n *WebhookNotifier, key string) int64 {
	switch v := n.Stats()[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	}
	return -1
}

func TestWebhook_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	var attempts []string
	var body Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, r.Header.Get("X-Socsim-Attempt"))
		if r.Header.Get("X-Team") != "blue" || r.Header.Get("X-Socsim-Topic") != string(TopicRunFinished) {
			t.Errorf("missing headers: %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	defer n.Stop()

	ids := n.Notify(Notification{ID: "n1", Topic: TopicRunFinished, Timestamp: time.Now()})
	if len(ids) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(ids))
	}
	waitFor(t, "delivery", func() bool { return statInt(n, "delivered") == 1 })

	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
	mu.Lock()
	if strings.Join(attempts, ",") != "1,2,3" {
		t.Errorf("unexpected attempt headers %v", attempts)
	}
	if body.ID != "n1" || body.Topic != TopicRunFinished {
		t.Errorf("unexpected body %+v", body)
	}
	mu.Unlock()
	if len(n.DeadLetters(0)) != 0 {
		t.Error("expected no dead letters")
	}
}

func TestWebhook_ClientErrorDeadLetters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	defer n.Stop()

	ids := n.Notify(Notification{ID: "n1", Topic: TopicApprovalRequested})
	waitFor(t, "dead letter", func() bool { return len(n.DeadLetters(0)) == 1 })

	dl := n.DeadLetters(0)[0]
	if dl.Delivery.ID != ids[0] || dl.Delivery.Attempts != 1 || dl.Delivery.Status != DeliveryDeadLetter {
		t.Errorf("unexpected dead letter %+v", dl)
	}
	if !strings.Contains(dl.Reason, "HTTP 400") {
		t.Errorf("unexpected reason %q", dl.Reason)
	}
	if hits.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", hits.Load())
	}
}

func TestWebhook_RetryDeadLetter(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	defer n.Stop()

	n.Notify(Notification{ID: "n1", Topic: TopicRunFinished})
	waitFor(t, "dead letter", func() bool { return len(n.DeadLetters(0)) == 1 })
	id := n.DeadLetters(0)[0].Delivery.ID

	if err := n.RetryDeadLetter("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	fail.Store(false)
	if err := n.RetryDeadLetter(id); err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	waitFor(t, "redelivery", func() bool { return statInt(n, "delivered") == 1 })
	if len(n.DeadLetters(0)) != 0 {
		t.Error("retried delivery should leave the dead letter queue")
	}
}

func TestWebhook_CircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testWebhookConfig(srv.URL)
	cfg.MaxRetries = 1
	cfg.CircuitThreshold = 2
	cfg.CircuitPause = time.Hour
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	defer n.Stop()

	n.Notify(Notification{ID: "n1", Topic: TopicRunFinished})
	waitFor(t, "first dead letter", func() bool { return len(n.DeadLetters(0)) == 1 })
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
	if statInt(n, "open_circuits") != 1 {
		t.Errorf("expected an open circuit, stats %v", n.Stats())
	}

	n.Notify(Notification{ID: "n2", Topic: TopicRunFinished})
	waitFor(t, "second dead letter", func() bool { return len(n.DeadLetters(0)) == 2 })
	if hits.Load() != 2 {
		t.Errorf("open circuit must short-circuit delivery, got %d attempts", hits.Load())
	}
	if reason := n.DeadLetters(1)[0].Reason; !strings.Contains(reason, "circuit open") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestWebhook_TopicFiltering(t *testing.T) {
	n := NewWebhookNotifier(zerolog.Nop(), WebhookConfig{
		Targets: []WebhookTarget{
			{Name: "default", URL: "http://127.0.0.1:1/a"},
			{Name: "events", URL: "http://127.0.0.1:1/b", Topics: []Topic{TopicHighSeverity}},
		},
	})
	defer n.Stop()

	if ids := n.Notify(Notification{Topic: TopicEvent}); len(ids) != 0 {
		t.Errorf("no target wants plain events, got %d deliveries", len(ids))
	}
	if ids := n.Notify(Notification{Topic: TopicHighSeverity}); len(ids) != 1 {
		t.Errorf("expected 1 high severity delivery, got %d", len(ids))
	}
	if ids := n.Notify(Notification{Topic: TopicApprovalRequested}); len(ids) != 1 {
		t.Errorf("expected default topics to include approvals, got %d", len(ids))
	}
}

func TestWebhook_AttachForwardsHub(t *testing.T) {
	got := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Socsim-Topic")
	}))
	defer srv.Close()

	hub := NewHub()
	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	n.Attach(hub)
	defer n.Stop()

	hub.Publish(TopicEvent, "ignored")
	hub.Publish(TopicApprovalRequested, &PendingApproval{ID: "run-1/approve"})

	select {
	case topic := <-got:
		if topic != string(TopicApprovalRequested) {
			t.Errorf("unexpected topic %q", topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never forwarded")
	}
}

func TestWebhook_StopAbortsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testWebhookConfig(srv.URL)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	n.Notify(Notification{Topic: TopicRunFinished})
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		n.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a backoff timer")
	}
}
