package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// device_state.go - per-device EDR response state and action audit trail.
//
// Every authorized, well-formed action appends exactly one log entry, even
// when the device state does not change: the log records attempts.
// Locking is per device so actions on unrelated devices never serialize.
// ---------------------------------------------------------------------------

// DefaultTriageDelay is how long a simulated triage collection takes.
const DefaultTriageDelay = 3 * time.Second

// QuarantinedFile is one file moved to quarantine on a device.
type QuarantinedFile struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// DeviceResponseState is the EDR state of one device.
type DeviceResponseState struct {
	DeviceID         string            `json:"device_id"`
	Isolated         bool              `json:"isolated"`
	LastAVScanAt     *time.Time        `json:"last_av_scan_at"`
	QuarantinedFiles []QuarantinedFile `json:"quarantined_files"`
	BlockedIPs       []string          `json:"blocked_ips"`
	BlockedDomains   []string          `json:"blocked_domains"`
}

func newDeviceResponseState(id string) DeviceResponseState {
	return DeviceResponseState{
		DeviceID:         id,
		QuarantinedFiles: []QuarantinedFile{},
		BlockedIPs:       []string{},
		BlockedDomains:   []string{},
	}
}

func (s DeviceResponseState) clone() DeviceResponseState {
	out := s
	if s.LastAVScanAt != nil {
		t := *s.LastAVScanAt
		out.LastAVScanAt = &t
	}
	out.QuarantinedFiles = append([]QuarantinedFile{}, s.QuarantinedFiles...)
	out.BlockedIPs = append([]string{}, s.BlockedIPs...)
	out.BlockedDomains = append([]string{}, s.BlockedDomains...)
	return out
}

// ActionLogEntry is one audit record of an attempted device action.
type ActionLogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	DeviceID  string            `json:"device_id"`
	Action    DeviceAction      `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	Message   string            `json:"message"`
	Success   bool              `json:"success"`
	Actor     string            `json:"actor"`
}

// ActionResult is returned to callers of PerformDeviceAction. Message is
// always human readable and never carries raw error text.
type ActionResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Entry   *ActionLogEntry `json:"entry,omitempty"`
}

// TriageReady is published when a simulated triage package finishes.
type TriageReady struct {
	DeviceID string    `json:"device_id"`
	EntryID  string    `json:"entry_id"`
	Package  string    `json:"package"`
	ReadyAt  time.Time `json:"ready_at"`
}

type deviceRecord struct {
	mu    sync.Mutex
	state DeviceResponseState
}

type deviceSnapshot struct {
	Devices   map[string]DeviceResponseState `json:"devices"`
	ActionLog []ActionLogEntry               `json:"action_log"`
}

// DeviceStoreOptions configures a DeviceStateStore.
type DeviceStoreOptions struct {
	Dataset       Dataset
	Store         SnapshotStore
	Authorizer    Authorizer
	Hub           *Hub
	Clock         Clock
	Metrics       *Metrics
	TriageDelay   time.Duration
	MaxLogEntries int
}

// DeviceStateStore owns DeviceResponseState records and the action log.
type DeviceStateStore struct {
	logger      zerolog.Logger
	dataset     Dataset
	store       SnapshotStore
	auth        Authorizer
	hub         *Hub
	clock       Clock
	metrics     *Metrics
	triageDelay time.Duration
	maxLog      int

	recordsMu sync.RWMutex
	records   map[string]*deviceRecord

	logMu sync.Mutex
	log   []ActionLogEntry

	saveMu sync.Mutex

	triageMu sync.Mutex
	triage   map[string]func() bool
	closed   bool
}

// NewDeviceStateStore creates an empty store. Call Restore to load a snapshot.
func NewDeviceStateStore(logger zerolog.Logger, opts DeviceStoreOptions) *DeviceStateStore {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = DefaultRoleAuthorizer()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.TriageDelay <= 0 {
		opts.TriageDelay = DefaultTriageDelay
	}
	if opts.MaxLogEntries <= 0 {
		opts.MaxLogEntries = 10000
	}
	return &DeviceStateStore{
		logger:      logger.With().Str("component", "device_state").Logger(),
		dataset:     opts.Dataset,
		store:       opts.Store,
		auth:        opts.Authorizer,
		hub:         opts.Hub,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		triageDelay: opts.TriageDelay,
		maxLog:      opts.MaxLogEntries,
		records:     make(map[string]*deviceRecord),
		log:         make([]ActionLogEntry, 0, 256),
		triage:      make(map[string]func() bool),
	}
}

// PerformDeviceAction authorizes, validates and applies action to deviceID.
// On error nothing was mutated and no log entry was written.
func (s *DeviceStateStore) PerformDeviceAction(ctx context.Context, p Principal, deviceID string, action DeviceAction, params map[string]string) (ActionResult, error) {
	if !action.Valid() {
		s.countAction(action, "rejected")
		return ActionResult{Message: fmt.Sprintf("Unsupported action %q.", action)},
			fmt.Errorf("action %q: %w", action, ErrUnknownAction)
	}
	if err := s.auth.Authorize(p, DeviceOp(action)); err != nil {
		s.countAction(action, "unauthorized")
		s.logger.Warn().Str("actor", p.Name).Str("action", string(action)).Str("device_id", deviceID).Msg("device action denied")
		return ActionResult{Message: fmt.Sprintf("You are not authorized to run %s.", action)}, err
	}
	if s.dataset != nil {
		if _, ok := s.dataset.Device(deviceID); !ok {
			s.countAction(action, "not_found")
			return ActionResult{Message: fmt.Sprintf("Device %s was not found in the inventory.", deviceID)},
				fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
		}
	} else if deviceID == "" {
		return ActionResult{Message: "A device id is required."}, fmt.Errorf("empty device id: %w", ErrNotFound)
	}
	clean, err := normalizeParams(action, params)
	if err != nil {
		s.countAction(action, "invalid")
		return ActionResult{Message: fmt.Sprintf("The parameters for %s are missing or malformed.", action)}, err
	}
	if err := ctx.Err(); err != nil {
		return ActionResult{Message: "The request was cancelled."}, err
	}

	rec := s.record(deviceID)
	rec.mu.Lock()
	now := s.clock.Now()
	message := s.apply(&rec.state, action, clean, now)
	entry := ActionLogEntry{
		ID:        uuid.New().String(),
		Timestamp: now,
		DeviceID:  deviceID,
		Action:    action,
		Params:    clean,
		Message:   message,
		Success:   true,
		Actor:     p.Name,
	}
	s.appendLog(entry)
	rec.mu.Unlock()

	s.countAction(action, "success")
	s.logger.Info().
		Str("device_id", deviceID).
		Str("action", string(action)).
		Str("actor", p.Name).
		Msg(message)

	s.hub.Publish(TopicDeviceAction, entry)
	if action == ActionCollectTriage {
		s.scheduleTriage(entry)
	}
	s.persist(ctx)

	return ActionResult{Success: true, Message: message, Entry: &entry}, nil
}

// apply mutates state for action and returns the result message. Callers hold
// the record lock.
func (s *DeviceStateStore) apply(state *DeviceResponseState, action DeviceAction, params map[string]string, now time.Time) string {
	id := state.DeviceID
	switch action {
	case ActionIsolate:
		if state.Isolated {
			return fmt.Sprintf("Device %s is already isolated; isolation policy re-applied.", id)
		}
		state.Isolated = true
		return fmt.Sprintf("Device %s isolated from the network.", id)
	case ActionRelease:
		if !state.Isolated {
			return fmt.Sprintf("Device %s was not isolated; network access confirmed.", id)
		}
		state.Isolated = false
		return fmt.Sprintf("Device %s released from isolation.", id)
	case ActionAVScan:
		t := now
		state.LastAVScanAt = &t
		return fmt.Sprintf("%s antivirus scan started on %s.", params["scan_type"], id)
	case ActionKillProcess:
		return fmt.Sprintf("Process %s terminated on %s.", params["process"], id)
	case ActionQuarantineFile:
		state.QuarantinedFiles = append(state.QuarantinedFiles, QuarantinedFile{Path: params["path"], Time: now})
		return fmt.Sprintf("File %s quarantined on %s.", params["path"], id)
	case ActionBlockIP:
		var added bool
		state.BlockedIPs, added = addToSet(state.BlockedIPs, params["ip"])
		if !added {
			return fmt.Sprintf("IP %s was already blocked on %s.", params["ip"], id)
		}
		return fmt.Sprintf("IP %s blocked on %s.", params["ip"], id)
	case ActionBlockDomain:
		var added bool
		state.BlockedDomains, added = addToSet(state.BlockedDomains, params["domain"])
		if !added {
			return fmt.Sprintf("Domain %s was already blocked on %s.", params["domain"], id)
		}
		return fmt.Sprintf("Domain %s blocked on %s.", params["domain"], id)
	case ActionCollectTriage:
		return fmt.Sprintf("Triage collection started on %s.", id)
	}
	return ""
}

func addToSet(set []string, v string) ([]string, bool) {
	for _, existing := range set {
		if existing == v {
			return set, false
		}
	}
	return append(set, v), true
}

// record returns the record for id, creating it on first use.
func (s *DeviceStateStore) record(id string) *deviceRecord {
	s.recordsMu.RLock()
	rec, ok := s.records[id]
	s.recordsMu.RUnlock()
	if ok {
		return rec
	}

	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	if rec, ok = s.records[id]; ok {
		return rec
	}
	rec = &deviceRecord{state: newDeviceResponseState(id)}
	s.records[id] = rec
	return rec
}

func (s *DeviceStateStore) appendLog(entry ActionLogEntry) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if len(s.log) >= s.maxLog {
		s.log = s.log[s.maxLog/10:]
	}
	s.log = append(s.log, entry)
}

func (s *DeviceStateStore) scheduleTriage(entry ActionLogEntry) {
	s.triageMu.Lock()
	defer s.triageMu.Unlock()
	if s.closed {
		return
	}
	stop := s.clock.AfterFunc(s.triageDelay, func() {
		s.triageMu.Lock()
		delete(s.triage, entry.ID)
		s.triageMu.Unlock()

		ready := TriageReady{
			DeviceID: entry.DeviceID,
			EntryID:  entry.ID,
			Package:  fmt.Sprintf("triage-%s-%s.zip", entry.DeviceID, entry.Timestamp.Format("20060102T150405")),
			ReadyAt:  s.clock.Now(),
		}
		s.hub.Publish(TopicTriageReady, ready)
		s.logger.Info().Str("device_id", entry.DeviceID).Str("package", ready.Package).Msg("triage package ready")
	})
	s.triage[entry.ID] = stop
}

// Close cancels outstanding triage timers.
func (s *DeviceStateStore) Close() {
	s.triageMu.Lock()
	defer s.triageMu.Unlock()
	s.closed = true
	for id, stop := range s.triage {
		stop()
		delete(s.triage, id)
	}
}

// State returns a copy of a device's state. ok is false if no action has
// touched the device yet.
func (s *DeviceStateStore) State(deviceID string) (DeviceResponseState, bool) {
	s.recordsMu.RLock()
	rec, ok := s.records[deviceID]
	s.recordsMu.RUnlock()
	if !ok {
		return DeviceResponseState{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.clone(), true
}

// States returns copies of all device states sorted by device id.
func (s *DeviceStateStore) States() []DeviceResponseState {
	s.recordsMu.RLock()
	recs := make([]*deviceRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.recordsMu.RUnlock()

	out := make([]DeviceResponseState, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.state.clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ActionLog returns up to limit most recent entries in time order, filtered to
// deviceID when it is non-empty. limit <= 0 returns all.
func (s *DeviceStateStore) ActionLog(deviceID string, limit int) []ActionLogEntry {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	matched := make([]ActionLogEntry, 0, len(s.log))
	for _, e := range s.log {
		if deviceID == "" || e.DeviceID == deviceID {
			matched = append(matched, e)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Count returns the number of devices with response state.
func (s *DeviceStateStore) Count() int {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	return len(s.records)
}

// persist writes the full device snapshot. Failures are logged and counted;
// the in-memory mutation already happened and stays.
func (s *DeviceStateStore) persist(ctx context.Context) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := deviceSnapshot{Devices: make(map[string]DeviceResponseState)}
	for _, st := range s.States() {
		snap.Devices[st.DeviceID] = st
	}
	snap.ActionLog = s.ActionLog("", 0)

	data, err := json.Marshal(snap)
	if err == nil {
		err = s.store.Save(context.WithoutCancel(ctx), DeviceStateKey, data)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.SnapshotErrors.WithLabelValues(DeviceStateKey).Inc()
		}
		s.logger.Error().Err(err).Msg("failed to persist device snapshot")
	}
}

// Restore loads the device snapshot, replacing in-memory state. A missing
// snapshot is not an error.
func (s *DeviceStateStore) Restore(ctx context.Context) error {
	data, found, err := s.store.Load(ctx, DeviceStateKey)
	if err != nil {
		return fmt.Errorf("loading device snapshot: %w", err)
	}
	if !found {
		return nil
	}
	var snap deviceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding device snapshot: %w", err)
	}

	s.recordsMu.Lock()
	s.records = make(map[string]*deviceRecord, len(snap.Devices))
	for id, st := range snap.Devices {
		base := newDeviceResponseState(id)
		base.Isolated = st.Isolated
		base.LastAVScanAt = st.LastAVScanAt
		base.QuarantinedFiles = append(base.QuarantinedFiles, st.QuarantinedFiles...)
		base.BlockedIPs = append(base.BlockedIPs, st.BlockedIPs...)
		base.BlockedDomains = append(base.BlockedDomains, st.BlockedDomains...)
		s.records[id] = &deviceRecord{state: base}
	}
	s.recordsMu.Unlock()

	s.logMu.Lock()
	s.log = append(make([]ActionLogEntry, 0, len(snap.ActionLog)), snap.ActionLog...)
	s.logMu.Unlock()

	s.logger.Info().Int("devices", len(snap.Devices)).Int("log_entries", len(snap.ActionLog)).Msg("device state restored")
	return nil
}

func (s *DeviceStateStore) countAction(action DeviceAction, outcome string) {
	if s.metrics == nil {
		return
	}
	label := string(action)
	if !action.Valid() {
		label = "unknown"
	}
	s.metrics.DeviceActions.WithLabelValues(label, outcome).Inc()
}
