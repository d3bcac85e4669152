package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus subjects and stream.
const (
	StreamName           = "SOC_SIM"
	SubjectEventPrefix   = "soc.events."
	SubjectNotifyPrefix  = "soc.notify."
	subjectStreamPattern = "soc.>"

	streamMaxAge   = 24 * time.Hour
	streamMaxBytes = 256 << 20
)

// EventBus mirrors engine notifications onto NATS JetStream so external
// consumers can follow the simulation. Events land on soc.events.<type>,
// every notification on soc.notify.<topic>.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu      sync.Mutex
	subs    []*nats.Subscription
	mirrors []func()
	wg      sync.WaitGroup

	events   atomic.Int64
	notifies atomic.Int64
	failed   atomic.Int64
	acked    atomic.Int64
}

// NewEventBus connects to the configured NATS server, or to an embedded
// JetStream server when cfg.Embedded is set, and ensures the SOC_SIM stream.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	b := &EventBus{logger: logger.With().Str("component", "event_bus").Logger()}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := startEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		b.ns = ns
		url = ns.ClientURL()
		b.logger.Info().Str("store", cfg.DataDir).Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url, b.connectOptions()...)
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	b.nc = nc

	if b.js, err = nc.JetStream(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	if err := b.ensureStream(); err != nil {
		_ = b.Close()
		return nil, err
	}

	b.logger.Info().Str("stream", StreamName).Msg("event bus ready")
	return b, nil
}

func startEmbeddedServer(cfg *BusConfig) (*server.Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating bus data dir: %w", err)
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "socsim",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready after 10s")
	}
	return ns, nil
}

func (b *EventBus) connectOptions() []nats.Option {
	return []nats.Option{
		nats.Name("socsim"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("bus connection lost")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus connection restored")
		}),
	}
}

// ensureStream creates the stream or brings an existing one in line with the
// current limits.
func (b *EventBus) ensureStream() error {
	sc := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectStreamPattern},
		Retention: nats.LimitsPolicy,
		MaxAge:    streamMaxAge,
		MaxBytes:  streamMaxBytes,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	_, err := b.js.AddStream(sc)
	if err == nil {
		return nil
	}
	if _, uerr := b.js.UpdateStream(sc); uerr != nil {
		return fmt.Errorf("stream %s: add: %v, update: %w", StreamName, err, uerr)
	}
	return nil
}

// JetStream exposes the JetStream context for the snapshot KV bucket.
func (b *EventBus) JetStream() nats.JetStreamContext {
	return b.js
}

// subjectToken makes s safe for use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func (b *EventBus) publish(subject string, data []byte, counter *atomic.Int64) error {
	if _, err := b.js.Publish(subject, data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	counter.Add(1)
	return nil
}

// PublishEvent publishes a SimEvent on soc.events.<type>.
func (b *EventBus) PublishEvent(event *SimEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.ID, err)
	}
	return b.publish(SubjectEventPrefix+subjectToken(event.Type), data, &b.events)
}

// PublishNotification publishes a Notification on soc.notify.<topic>.
func (b *EventBus) PublishNotification(n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", n.Topic, err)
	}
	return b.publish(SubjectNotifyPrefix+subjectToken(string(n.Topic)), data, &b.notifies)
}

// Mirror forwards every hub notification to the bus until Close.
func (b *EventBus) Mirror(hub *Hub, buffer int) {
	ch, cancel := hub.Subscribe(buffer)

	b.mu.Lock()
	b.mirrors = append(b.mirrors, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for n := range ch {
			b.forward(n)
		}
	}()
}

func (b *EventBus) forward(n Notification) {
	if event, ok := n.Payload.(*SimEvent); ok && n.Topic == TopicEvent {
		if err := b.PublishEvent(event); err != nil {
			b.logger.Error().Err(err).Str("event_id", event.ID).Msg("event not mirrored")
		}
	}
	if err := b.PublishNotification(n); err != nil {
		b.logger.Error().Err(err).Str("topic", string(n.Topic)).Msg("notification not mirrored")
	}
}

// Subscribe attaches handler to subject with explicit acks. A non-empty
// durable name makes the consumer survive reconnects.
func (b *EventBus) Subscribe(subject, durable string, handler nats.MsgHandler) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// SubscribeToEvents decodes every event published on the bus and hands it to
// handler. Undecodable messages are terminated rather than redelivered.
func (b *EventBus) SubscribeToEvents(durable string, handler func(event *SimEvent)) error {
	return b.Subscribe(SubjectEventPrefix+">", durable, func(msg *nats.Msg) {
		event, err := UnmarshalSimEvent(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			_ = msg.Term()
			return
		}
		handler(event)
		if msg.Ack() == nil {
			b.acked.Add(1)
		}
	})
}

// Close stops mirroring, drains the connection and stops the embedded server.
func (b *EventBus) Close() error {
	b.mu.Lock()
	mirrors, subs := b.mirrors, b.subs
	b.mirrors, b.subs = nil, nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, cancel := range mirrors {
		cancel()
	}
	b.wg.Wait()

	if b.nc != nil && b.nc.Drain() != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns == nil {
		return
	}
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
	b.ns = nil
}

// IsConnected reports whether the NATS connection is up.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns the bus counters.
func (b *EventBus) GetMetrics() map[string]int64 {
	return map[string]int64{
		"events_published":        b.events.Load(),
		"notifications_published": b.notifies.Load(),
		"publish_failed":          b.failed.Load(),
		"messages_acked":          b.acked.Load(),
	}
}
