package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery statuses.
const (
	DeliveryPending    = "pending"
	DeliveryDelivered  = "delivered"
	DeliveryDeadLetter = "dead_letter"
)

// WebhookTarget is one endpoint and the notification topics it receives.
// An empty Topics list receives approval requests and finished runs.
type WebhookTarget struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Topics  []Topic           `yaml:"topics" json:"topics,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

var defaultWebhookTopics = []Topic{TopicApprovalRequested, TopicRunFinished}

func (t WebhookTarget) wants(topic Topic) bool {
	topics := t.Topics
	if len(topics) == 0 {
		topics = defaultWebhookTopics
	}
	for _, tp := range topics {
		if tp == topic {
			return true
		}
	}
	return false
}

// WebhookConfig controls outbound notification delivery.
type WebhookConfig struct {
	Targets          []WebhookTarget `yaml:"targets"`
	MaxRetries       int             `yaml:"max_retries"`
	InitialBackoff   time.Duration   `yaml:"initial_backoff"`
	MaxBackoff       time.Duration   `yaml:"max_backoff"`
	QueueSize        int             `yaml:"queue_size"`
	Workers          int             `yaml:"workers"`
	CircuitThreshold int             `yaml:"circuit_threshold"`
	CircuitPause     time.Duration   `yaml:"circuit_pause"`
	Timeout          time.Duration   `yaml:"timeout"`
}

// DefaultWebhookConfig returns delivery defaults with no targets.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:       5,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		QueueSize:        1000,
		Workers:          2,
		CircuitThreshold: 5,
		CircuitPause:     time.Minute,
		Timeout:          10 * time.Second,
	}
}

// WebhookDelivery is one notification bound for one target.
type WebhookDelivery struct {
	ID           string       `json:"id"`
	Target       string       `json:"target"`
	URL          string       `json:"url"`
	Notification Notification `json:"notification"`
	CreatedAt    time.Time    `json:"created_at"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	Status       string       `json:"status"`

	headers map[string]string
}

// DeadLetter is a delivery that exhausted its retries.
type DeadLetter struct {
	Delivery WebhookDelivery `json:"delivery"`
	FailedAt time.Time       `json:"failed_at"`
	Reason   string          `json:"reason"`
}

// WebhookNotifier forwards hub notifications to HTTP endpoints. Failed
// posts are retried with exponential backoff; a URL that keeps failing has
// its circuit opened for CircuitPause and its deliveries dead-lettered.
type WebhookNotifier struct {
	logger zerolog.Logger
	cfg    WebhookConfig
	client *http.Client
	queue  chan *WebhookDelivery

	dlMu       sync.RWMutex
	deadLetter []*DeadLetter
	maxDL      int
	delivered  int64

	cbMu       sync.Mutex
	cbFailures map[string]int
	cbOpenedAt map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a notifier and starts its workers.
func NewWebhookNotifier(logger zerolog.Logger, cfg WebhookConfig) *WebhookNotifier {
	def := DefaultWebhookConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = def.CircuitThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		logger:     logger.With().Str("component", "webhooks").Logger(),
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan *WebhookDelivery, cfg.QueueSize),
		maxDL:      500,
		cbFailures: make(map[string]int),
		cbOpenedAt: make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.logger.Info().Int("targets", len(cfg.Targets)).Int("workers", cfg.Workers).Msg("webhook notifier started")
	return n
}

// Attach forwards hub notifications until Stop. It subscribes once and
// fans each notification out to every interested target.
func (n *WebhookNotifier) Attach(hub *Hub) {
	ch, unsubscribe := hub.Subscribe(n.cfg.QueueSize)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-n.ctx.Done():
				return
			case note, ok := <-ch:
				if !ok {
					return
				}
				n.Notify(note)
			}
		}
	}()
}

// Notify queues note for every target subscribed to its topic and returns
// the delivery ids.
func (n *WebhookNotifier) Notify(note Notification) []string {
	var ids []string
	for _, t := range n.cfg.Targets {
		if !t.wants(note.Topic) {
			continue
		}
		d := &WebhookDelivery{
			ID:           uuid.New().String(),
			Target:       t.Name,
			URL:          t.URL,
			Notification: note,
			CreatedAt:    time.Now().UTC(),
			Status:       DeliveryPending,
			headers:      t.Headers,
		}
		select {
		case n.queue <- d:
			ids = append(ids, d.ID)
		default:
			n.addDeadLetter(d, "queue full")
		}
	}
	return ids
}

// DeadLetters returns up to limit of the most recent failed deliveries.
func (n *WebhookNotifier) DeadLetters(limit int) []DeadLetter {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()

	if limit <= 0 || limit > len(n.deadLetter) {
		limit = len(n.deadLetter)
	}
	out := make([]DeadLetter, 0, limit)
	for _, dl := range n.deadLetter[len(n.deadLetter)-limit:] {
		out = append(out, *dl)
	}
	return out
}

// RetryDeadLetter re-queues a dead-lettered delivery by id.
func (n *WebhookNotifier) RetryDeadLetter(id string) error {
	n.dlMu.Lock()
	defer n.dlMu.Unlock()

	for i, dl := range n.deadLetter {
		if dl.Delivery.ID != id {
			continue
		}
		d := dl.Delivery
		d.Attempts = 0
		d.Status = DeliveryPending
		d.LastError = ""
		select {
		case n.queue <- &d:
			n.deadLetter = append(n.deadLetter[:i], n.deadLetter[i+1:]...)
			return nil
		default:
			return fmt.Errorf("webhook queue full")
		}
	}
	return fmt.Errorf("dead letter %q: %w", id, ErrNotFound)
}

// Stats returns delivery counters.
func (n *WebhookNotifier) Stats() map[string]interface{} {
	n.dlMu.RLock()
	dead := len(n.deadLetter)
	delivered := n.delivered
	n.dlMu.RUnlock()

	n.cbMu.Lock()
	open := 0
	for _, openedAt := range n.cbOpenedAt {
		if time.Since(openedAt) < n.cfg.CircuitPause {
			open++
		}
	}
	n.cbMu.Unlock()

	return map[string]interface{}{
		"targets":        len(n.cfg.Targets),
		"queue_depth":    len(n.queue),
		"queue_capacity": cap(n.queue),
		"delivered":      delivered,
		"dead_letters":   dead,
		"open_circuits":  open,
	}
}

// Stop cancels in-flight retries and waits for the workers.
func (n *WebhookNotifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.logger.Info().Msg("webhook notifier stopped")
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *WebhookNotifier) deliver(d *WebhookDelivery) {
	if n.circuitOpen(d.URL) {
		n.addDeadLetter(d, "circuit open for URL")
		return
	}

	body, err := json.Marshal(d.Notification)
	if err != nil {
		n.addDeadLetter(d, fmt.Sprintf("encoding notification: %v", err))
		return
	}

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		d.Attempts = attempt + 1

		retry, err := n.post(d, body)
		if err == nil {
			d.Status = DeliveryDelivered
			n.recordSuccess(d.URL)
			n.dlMu.Lock()
			n.delivered++
			n.dlMu.Unlock()
			n.logger.Debug().Str("id", d.ID).Str("target", d.Target).Int("attempts", d.Attempts).Msg("webhook delivered")
			return
		}
		d.LastError = err.Error()
		if !retry {
			break
		}
		n.recordFailure(d.URL)
		if attempt < n.cfg.MaxRetries && !n.backoff(attempt) {
			break
		}
	}
	n.addDeadLetter(d, d.LastError)
}

// post sends one attempt. retry reports whether a failure is transient.
func (n *WebhookNotifier) post(d *WebhookDelivery, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "socsim-webhooks/1.0")
	req.Header.Set("X-Socsim-Delivery", d.ID)
	req.Header.Set("X-Socsim-Topic", string(d.Notification.Topic))
	req.Header.Set("X-Socsim-Attempt", fmt.Sprintf("%d", d.Attempts))
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return n.ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("client error: HTTP %d", resp.StatusCode)
	}
}

// backoff sleeps before the next attempt. It returns false when stopped.
func (n *WebhookNotifier) backoff(attempt int) bool {
	delay := n.cfg.InitialBackoff << attempt
	if delay > n.cfg.MaxBackoff || delay < 0 {
		delay = n.cfg.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *WebhookNotifier) addDeadLetter(d *WebhookDelivery, reason string) {
	d.Status = DeliveryDeadLetter
	n.dlMu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[n.maxDL/10:]
	}
	n.deadLetter = append(n.deadLetter, &DeadLetter{
		Delivery: *d,
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	})
	n.dlMu.Unlock()
	n.logger.Warn().
		Str("id", d.ID).
		Str("target", d.Target).
		Str("topic", string(d.Notification.Topic)).
		Int("attempts", d.Attempts).
		Str("reason", reason).
		Msg("webhook moved to dead letter")
}

func (n *WebhookNotifier) circuitOpen(url string) bool {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	openedAt, ok := n.cbOpenedAt[url]
	if !ok {
		return false
	}
	if time.Since(openedAt) < n.cfg.CircuitPause {
		return true
	}
	// Half-open: let the next delivery through.
	delete(n.cbOpenedAt, url)
	n.cbFailures[url] = 0
	return false
}

func (n *WebhookNotifier) recordFailure(url string) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.cbFailures[url]++
	if n.cbFailures[url] >= n.cfg.CircuitThreshold {
		if _, open := n.cbOpenedAt[url]; !open {
			n.cbOpenedAt[url] = time.Now()
			n.logger.Warn().Str("url", url).Int("failures", n.cbFailures[url]).Msg("webhook circuit opened")
		}
	}
}

func (n *WebhookNotifier) recordSuccess(url string) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.cbFailures[url] = 0
	delete(n.cbOpenedAt, url)
}
