package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// generator.go - deterministic live telemetry feed.
//
// Each tick draws one sample from the seeded source and classifies it into a
// weighted band; further draws from the same source pick the event type, tag
// set, actor, device and source. Identical seeds therefore produce identical
// event sequences (ids and timestamps aside).
// ---------------------------------------------------------------------------

// DefaultBaseInterval is the tick interval at speed 1.
const DefaultBaseInterval = 1500 * time.Millisecond

// Speeds accepted by the live feed.
var validSpeeds = map[int]bool{1: true, 2: true, 5: true}

type eventTemplate struct {
	eventType string
	summary   string // fmt verbs: actor, device
}

type severityBand struct {
	upper    float64
	severity Severity
	category string
	types    []eventTemplate
	tagSets  [][]string
}

var severityBands = []severityBand{
	{
		upper: 0.55, severity: SeverityInfo, category: "benign",
		types: []eventTemplate{
			{"auth_success", "%s signed in on %s"},
			{"process_start", "routine process started by %s on %s"},
			{"dns_query", "DNS lookup by %s from %s"},
			{"file_access", "%s opened a document on %s"},
		},
		tagSets: [][]string{{"baseline"}, {"baseline", "user-activity"}, {"telemetry"}},
	},
	{
		upper: 0.80, severity: SeverityLow, category: "anomaly",
		types: []eventTemplate{
			{"auth_failure", "failed sign-in for %s on %s"},
			{"unusual_login_time", "%s signed in outside business hours on %s"},
			{"new_usb_device", "removable media attached by %s to %s"},
		},
		tagSets: [][]string{{"anomaly"}, {"anomaly", "identity"}, {"anomaly", "endpoint"}},
	},
	{
		upper: 0.95, severity: SeverityMedium, category: "suspicious",
		types: []eventTemplate{
			{"encoded_powershell", "encoded PowerShell launched by %s on %s"},
			{"impossible_travel", "impossible travel detected for %s near %s"},
			{"suspicious_dns", "%s resolved a newly registered domain from %s"},
		},
		tagSets: [][]string{{"suspicious", "execution"}, {"suspicious", "identity"}, {"suspicious", "c2"}},
	},
	{
		upper: 1.0, severity: SeverityHigh, category: "critical",
		types: []eventTemplate{
			{"ransomware_behavior", "mass file encryption by %s on %s"},
			{"credential_dumping", "LSASS memory read by %s on %s"},
			{"lateral_movement", "remote service creation by %s from %s"},
		},
		tagSets: [][]string{{"critical", "ransomware"}, {"critical", "credential-access"}, {"critical", "lateral-movement"}},
	},
}

var (
	defaultActors  = []string{"alice", "bob", "carol", "dave", "svc-backup"}
	defaultDevices = []string{"WS-001", "WS-002", "SRV-DB-01", "SRV-WEB-01", "LAPTOP-17"}
	eventSources   = []string{"edr", "idp", "firewall", "dns", "proxy"}
)

// GeneratorStats is a point-in-time view of the live feed.
type GeneratorStats struct {
	Running   bool   `json:"running"`
	Speed     int    `json:"speed"`
	Muted     bool   `json:"muted"`
	Seed      int64  `json:"seed"`
	Generated uint64 `json:"generated"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
	Dropped   uint64 `json:"dropped"`
}

// LiveEventGenerator synthesizes events on a timer into an EventBuffer.
type LiveEventGenerator struct {
	logger       zerolog.Logger
	buffer       *EventBuffer
	hub          *Hub
	clock        Clock
	metrics      *Metrics
	baseInterval time.Duration
	actors       []string
	devices      []string

	// ctl serializes lifecycle changes (start, stop, speed, restart).
	ctl    sync.Mutex
	speed  int
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards generation state.
	mu        sync.Mutex
	src       *SeededSource
	seed      int64
	muted     bool
	generated uint64
}

// GeneratorOptions configures a LiveEventGenerator.
type GeneratorOptions struct {
	Seed         int64
	Capacity     int
	BaseInterval time.Duration
	Muted        bool
	Actors       []string
	Devices      []string
	Clock        Clock
	Hub          *Hub
	Metrics      *Metrics
}

// NewLiveEventGenerator creates a stopped generator.
func NewLiveEventGenerator(logger zerolog.Logger, opts GeneratorOptions) *LiveEventGenerator {
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = DefaultBaseInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if len(opts.Actors) == 0 {
		opts.Actors = defaultActors
	}
	if len(opts.Devices) == 0 {
		opts.Devices = defaultDevices
	}
	return &LiveEventGenerator{
		logger:       logger.With().Str("component", "live_feed").Logger(),
		buffer:       NewEventBuffer(opts.Capacity),
		hub:          opts.Hub,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		baseInterval: opts.BaseInterval,
		actors:       opts.Actors,
		devices:      opts.Devices,
		src:          NewSeededSource(opts.Seed),
		seed:         opts.Seed,
		speed:        1,
		muted:        opts.Muted,
	}
}

// Buffer returns the generator's event buffer.
func (g *LiveEventGenerator) Buffer() *EventBuffer {
	return g.buffer
}

// GenerateOne synthesizes a single event, buffers it and notifies subscribers.
// Generation, buffering and publication happen under one lock so buffer order
// always matches generation order.
func (g *LiveEventGenerator) GenerateOne() *SimEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	event := g.synthesize()
	g.generated++

	if evicted := g.buffer.Push(event); evicted && g.metrics != nil {
		g.metrics.EventsDropped.Inc()
	}
	if g.metrics != nil {
		g.metrics.EventsGenerated.WithLabelValues(event.Severity.String()).Inc()
	}

	g.hub.Publish(TopicEvent, event)
	if event.Severity == SeverityHigh && !g.muted {
		g.hub.Publish(TopicHighSeverity, event)
	}
	return event
}

// synthesize draws from the source in a fixed order: band, type, tags, actor,
// device, source. Callers hold g.mu.
func (g *LiveEventGenerator) synthesize() *SimEvent {
	r := g.src.Next()
	band := severityBands[len(severityBands)-1]
	for _, b := range severityBands {
		if r < b.upper {
			band = b
			break
		}
	}

	tmpl := Pick(g.src, band.types)
	tags := Pick(g.src, band.tagSets)
	actor := Pick(g.src, g.actors)
	device := Pick(g.src, g.devices)
	source := Pick(g.src, eventSources)

	event := NewSimEvent(g.clock.Now(), source, tmpl.eventType, band.severity,
		fmt.Sprintf(tmpl.summary, actor, device))
	event.Actor = actor
	event.DeviceID = device
	event.Tags = append([]string{band.category}, tags...)
	return event
}

// Start begins ticking at base interval / speed. Starting a running feed is a no-op.
func (g *LiveEventGenerator) Start(speed int) error {
	if !validSpeeds[speed] {
		return fmt.Errorf("speed %d: %w", speed, ErrInvalidSpeed)
	}
	g.ctl.Lock()
	defer g.ctl.Unlock()
	if g.cancel != nil {
		return nil
	}
	g.speed = speed
	g.startLocked()
	g.logger.Info().Int("speed", speed).Dur("interval", g.interval()).Msg("live feed started")
	return nil
}

// Stop halts the feed and waits for the ticker goroutine to exit. Stopping a
// stopped feed is a no-op.
func (g *LiveEventGenerator) Stop() {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	if g.stopLocked() {
		g.logger.Info().Msg("live feed stopped")
	}
}

// SetSpeed changes the multiplier, restarting the ticker if the feed is running.
// Buffered events are kept.
func (g *LiveEventGenerator) SetSpeed(speed int) error {
	if !validSpeeds[speed] {
		return fmt.Errorf("speed %d: %w", speed, ErrInvalidSpeed)
	}
	g.ctl.Lock()
	defer g.ctl.Unlock()
	g.speed = speed
	if g.stopLocked() {
		g.startLocked()
		g.logger.Info().Int("speed", speed).Msg("live feed speed changed")
	}
	return nil
}

// SetMuted suppresses or re-enables high severity notifications.
func (g *LiveEventGenerator) SetMuted(muted bool) {
	g.mu.Lock()
	g.muted = muted
	g.mu.Unlock()
}

// Restart resets the source to seed, clears the buffer and the dropped counter.
// A running feed keeps running at the same speed.
func (g *LiveEventGenerator) Restart(seed int64) {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	wasRunning := g.stopLocked()

	g.mu.Lock()
	g.src.Reset(seed)
	g.seed = seed
	g.generated = 0
	g.buffer.Clear()
	g.buffer.ResetDropped()
	g.mu.Unlock()

	if wasRunning {
		g.startLocked()
	}
	g.logger.Info().Int64("seed", seed).Msg("live feed restarted")
}

// Running reports whether the ticker is active.
func (g *LiveEventGenerator) Running() bool {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	return g.cancel != nil
}

// Stats returns a snapshot of the feed state.
func (g *LiveEventGenerator) Stats() GeneratorStats {
	g.ctl.Lock()
	running, speed := g.cancel != nil, g.speed
	g.ctl.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	return GeneratorStats{
		Running:   running,
		Speed:     speed,
		Muted:     g.muted,
		Seed:      g.seed,
		Generated: g.generated,
		Buffered:  g.buffer.Len(),
		Capacity:  g.buffer.Capacity(),
		Dropped:   g.buffer.Dropped(),
	}
}

// interval is called with g.ctl held.
func (g *LiveEventGenerator) interval() time.Duration {
	return g.baseInterval / time.Duration(g.speed)
}

func (g *LiveEventGenerator) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	go g.tickLoop(ctx, g.interval(), done)
}

// stopLocked cancels the ticker and waits for the loop to exit. Only g.ctl is
// held, so an in-flight GenerateOne can finish.
func (g *LiveEventGenerator) stopLocked() bool {
	if g.cancel == nil {
		return false
	}
	g.cancel()
	<-g.done
	g.cancel = nil
	g.done = nil
	return true
}

func (g *LiveEventGenerator) tickLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			g.GenerateOne()
		}
	}
}
