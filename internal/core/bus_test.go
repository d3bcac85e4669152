package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded NATS server skipped in -short mode")
	}
	bus, err := NewEventBus(&BusConfig{
		Enabled:  true,
		Embedded: true,
		DataDir:  t.TempDir(),
		Port:     -1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"":                "unknown",
		"auth_failure":    "auth_failure",
		"a.b":             "a_b",
		"wild*card>":      "wild_card_",
		"with space\ttab": "with_space_tab",
	}
	for in, want := range tests {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventBus_MirrorsHub(t *testing.T) {
	bus := newTestBus(t)
	if !bus.IsConnected() {
		t.Fatal("expected a connected bus")
	}

	received := make(chan *SimEvent, 16)
	if err := bus.SubscribeToEvents("test-consumer", func(e *SimEvent) { received <- e }); err != nil {
		t.Fatalf("SubscribeToEvents: %v", err)
	}

	notes := make(chan *nats.Msg, 16)
	sub, err := bus.nc.ChanSubscribe(SubjectNotifyPrefix+">", notes)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	hub := NewHub()
	bus.Mirror(hub, 64)
	g := NewLiveEventGenerator(zerolog.Nop(), GeneratorOptions{Seed: 1337, Hub: hub, Clock: newManualClock()})
	sent := g.GenerateOne()

	select {
	case e := <-received:
		if e.ID != sent.ID || e.Type != sent.Type || e.Severity != sent.Severity {
			t.Errorf("bus event %+v does not match %+v", e, sent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived on the bus")
	}

	select {
	case msg := <-notes:
		if msg.Subject != SubjectNotifyPrefix+string(TopicEvent) {
			t.Errorf("unexpected notification subject %s", msg.Subject)
		}
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil || n.Topic != TopicEvent {
			t.Errorf("unexpected notification %s (%v)", msg.Data, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived on the bus")
	}

	waitFor(t, "ack", func() bool { return bus.GetMetrics()["messages_acked"] >= 1 })
	m := bus.GetMetrics()
	if m["events_published"] != 1 || m["publish_failed"] != 0 {
		t.Errorf("unexpected bus metrics %v", m)
	}
}

func TestKVStore(t *testing.T) {
	bus := newTestBus(t)
	store, err := NewKVStore(bus.JetStream(), "socsim_test")
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	testSnapshotStore(t, store)

	again, err := NewKVStore(bus.JetStream(), "socsim_test")
	if err != nil {
		t.Fatalf("rebinding bucket: %v", err)
	}
	data, found, err := again.Load(context.Background(), DeviceStateKey)
	if err != nil || !found || string(data) != `{"v":2}` {
		t.Errorf("expected snapshot visible through a second binding, got %s found=%v err=%v", data, found, err)
	}
}
