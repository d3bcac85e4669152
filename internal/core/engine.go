package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Engine is the application context: it owns the live feed, EDR store and
// playbook orchestrator and wires them to a shared notification hub.
type Engine struct {
	Config       *Config
	Dataset      Dataset
	Hub          *Hub
	Metrics      *Metrics
	Store        SnapshotStore
	Bus          *EventBus
	Feed         *LiveEventGenerator
	Devices      *DeviceStateStore
	Orchestrator *PlaybookOrchestrator
	Webhooks     *WebhookNotifier
	Logs         *LogRingBuffer
	Logger       zerolog.Logger

	auth   Authorizer
	ctx    context.Context
	cancel context.CancelFunc
}

// EngineOption customizes NewEngine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger  *zerolog.Logger
	dataset Dataset
	store   SnapshotStore
	clock   Clock
}

// WithLogger replaces the logger built from the config.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = &l }
}

// WithDataset uses ds instead of loading dataset.path.
func WithDataset(ds Dataset) EngineOption {
	return func(o *engineOptions) { o.dataset = ds }
}

// WithStore uses s instead of the configured persistence backend.
func WithStore(s SnapshotStore) EngineOption {
	return func(o *engineOptions) { o.store = s }
}

// WithClock replaces the system clock.
func WithClock(c Clock) EngineOption {
	return func(o *engineOptions) { o.clock = c }
}

// NewLogger builds the process logger from the logging config. When logs is
// non-nil every line is also captured there.
func NewLogger(cfg LoggingConfig, logs *LogRingBuffer) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	if logs != nil {
		out = zerolog.MultiLevelWriter(out, logs)
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	switch (&Config{Logging: cfg}).LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

// NewEngine builds every component. When the bus is enabled it is connected
// here, since the nats persistence backend depends on it.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	logs := NewLogRingBuffer(cfg.Logging.BufferSize)
	logger := NewLogger(cfg.Logging, logs)
	if o.logger != nil {
		logger = *o.logger
	}
	if o.clock == nil {
		o.clock = SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Config:  cfg,
		Hub:     NewHub(),
		Metrics: NewMetrics(),
		Logs:    logs,
		Logger:  logger.With().Str("component", "engine").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.Dataset = o.dataset
	if e.Dataset == nil {
		if cfg.Dataset.Path != "" {
			ds, err := LoadDataset(cfg.Dataset.Path)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("loading dataset: %w", err)
			}
			e.Dataset = ds
		} else {
			e.Dataset = DemoDataset()
		}
	}

	if cfg.Bus.Enabled {
		bus, err := NewEventBus(&cfg.Bus, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
	}

	e.Store = o.store
	if e.Store == nil {
		store, err := e.openStore()
		if err != nil {
			e.closeBus()
			cancel()
			return nil, err
		}
		e.Store = store
	}

	auth := cfg.Authorizer()
	e.auth = auth
	devices := make([]string, 0)
	for _, d := range e.Dataset.Devices() {
		devices = append(devices, d.ID)
	}

	e.Feed = NewLiveEventGenerator(logger, GeneratorOptions{
		Seed:         cfg.Generator.Seed,
		Capacity:     cfg.Generator.Capacity,
		BaseInterval: cfg.Generator.BaseInterval,
		Muted:        cfg.Generator.Muted,
		Actors:       e.Dataset.Users(),
		Devices:      devices,
		Clock:        o.clock,
		Hub:          e.Hub,
		Metrics:      e.Metrics,
	})
	e.Devices = NewDeviceStateStore(logger, DeviceStoreOptions{
		Dataset:       e.Dataset,
		Store:         e.Store,
		Authorizer:    auth,
		Hub:           e.Hub,
		Clock:         o.clock,
		Metrics:       e.Metrics,
		TriageDelay:   cfg.EDR.TriageDelay,
		MaxLogEntries: cfg.EDR.MaxLogEntries,
	})
	e.Orchestrator = NewPlaybookOrchestrator(logger, OrchestratorOptions{
		Dataset:        e.Dataset,
		Devices:        e.Devices,
		Store:          e.Store,
		Authorizer:     auth,
		Hub:            e.Hub,
		Clock:          o.clock,
		Metrics:        e.Metrics,
		StepLatencyMin: cfg.SOAR.StepLatencyMin,
		StepLatencyMax: cfg.SOAR.StepLatencyMax,
		JitterSeed:     cfg.SOAR.JitterSeed,
	})
	if len(cfg.Webhooks.Targets) > 0 {
		e.Webhooks = NewWebhookNotifier(logger, cfg.Webhooks)
	}
	return e, nil
}

func (e *Engine) openStore() (SnapshotStore, error) {
	switch e.Config.Persistence.Backend {
	case "file":
		s, err := NewFileStore(e.Config.Persistence.Dir)
		if err != nil {
			return nil, fmt.Errorf("opening file snapshot store: %w", err)
		}
		return s, nil
	case "nats":
		if e.Bus == nil {
			return nil, fmt.Errorf("nats persistence requires the event bus")
		}
		s, err := NewKVStore(e.Bus.JetStream(), e.Config.Persistence.Bucket)
		if err != nil {
			return nil, fmt.Errorf("opening nats snapshot store: %w", err)
		}
		return s, nil
	default:
		return NewMemoryStore(), nil
	}
}

// Start restores persisted state, mirrors notifications to the bus and
// starts the live feed when configured to.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting socsim engine")

	if err := e.Devices.Restore(e.ctx); err != nil {
		return fmt.Errorf("restoring device state: %w", err)
	}
	if err := e.Orchestrator.Restore(e.ctx); err != nil {
		return fmt.Errorf("restoring playbook state: %w", err)
	}

	if e.Bus != nil {
		e.Bus.Mirror(e.Hub, 1024)
	}

	if e.Webhooks != nil {
		e.Webhooks.Attach(e.Hub)
	}

	if e.Config.Generator.AutoStart {
		if err := e.Feed.Start(e.Config.Generator.Speed); err != nil {
			return fmt.Errorf("starting live feed: %w", err)
		}
	}

	e.Logger.Info().
		Int("devices", len(e.Dataset.Devices())).
		Int("playbooks", len(e.Dataset.Playbooks())).
		Str("persistence", e.Config.Persistence.Backend).
		Bool("bus", e.Bus != nil).
		Msg("socsim engine started")
	return nil
}

// Run starts the engine and blocks until shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops the feed, run goroutines and timers, then closes the bus.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down socsim engine")
	e.cancel()

	e.Feed.Stop()
	e.Orchestrator.Stop()
	e.Devices.Close()
	if e.Webhooks != nil {
		e.Webhooks.Stop()
	}
	e.closeBus()

	e.Logger.Info().Msg("socsim engine stopped")
	return nil
}

func (e *Engine) closeBus() {
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// GenerateLiveEvent synthesizes one event immediately.
func (e *Engine) GenerateLiveEvent() *SimEvent {
	return e.Feed.GenerateOne()
}

// StartLiveFeed starts the feed at speed (1, 2 or 5).
func (e *Engine) StartLiveFeed(speed int) error {
	return e.Feed.Start(speed)
}

// StopLiveFeed stops the feed.
func (e *Engine) StopLiveFeed() {
	e.Feed.Stop()
}

// SetLiveFeedMuted toggles high severity notifications.
func (e *Engine) SetLiveFeedMuted(muted bool) {
	e.Feed.SetMuted(muted)
}

// RestartLiveFeed reseeds the feed and clears its buffer.
func (e *Engine) RestartLiveFeed(seed int64) {
	e.Feed.Restart(seed)
}

// Authorize checks p against the engine's role table for op.
func (e *Engine) Authorize(p Principal, op string) error {
	return e.auth.Authorize(p, op)
}

// PerformDeviceAction runs an EDR action on a device.
func (e *Engine) PerformDeviceAction(ctx context.Context, p Principal, deviceID string, action DeviceAction, params map[string]string) (ActionResult, error) {
	return e.Devices.PerformDeviceAction(ctx, p, deviceID, action, params)
}

// StartPlaybook launches a playbook run, optionally bound to a case.
func (e *Engine) StartPlaybook(ctx context.Context, p Principal, playbookID, caseID string) (*PlaybookRun, error) {
	return e.Orchestrator.Start(ctx, p, playbookID, caseID)
}

// ApproveStep resolves a waiting approval step positively.
func (e *Engine) ApproveStep(ctx context.Context, p Principal, runID, stepID string) error {
	return e.Orchestrator.Approve(ctx, p, runID, stepID)
}

// RejectStep rejects a waiting approval step and cancels its run.
func (e *Engine) RejectStep(ctx context.Context, p Principal, runID, stepID string) error {
	return e.Orchestrator.Reject(ctx, p, runID, stepID)
}

// Status summarizes engine state for the status endpoint.
func (e *Engine) Status() map[string]interface{} {
	status := map[string]interface{}{
		"feed":          e.Feed.Stats(),
		"devices":       e.Devices.Count(),
		"playbooks":     e.Orchestrator.Stats(),
		"notifications": e.Hub.Stats(),
		"persistence":   e.Config.Persistence.Backend,
		"bus_connected": e.Bus != nil && e.Bus.IsConnected(),
	}
	if e.Bus != nil {
		status["bus"] = e.Bus.GetMetrics()
	}
	if e.Webhooks != nil {
		status["webhooks"] = e.Webhooks.Stats()
	}
	return status
}
