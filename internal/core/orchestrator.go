package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// orchestrator.go - playbook run execution.
//
// Each run is driven by its own goroutine, which is the only writer of that
// run's fields (under o.mu). Steps execute strictly in definition order; an
// approval step blocks the goroutine on the ApprovalGate until a decision
// arrives. Rejection cancels the run and leaves later steps pending.
//
// There is no abort-mid-step operation and no approval timeout.
// ---------------------------------------------------------------------------

// Default simulated step latency bounds.
const (
	DefaultStepLatencyMin = 800 * time.Millisecond
	DefaultStepLatencyMax = 2 * time.Second
)

// OrchestratorOptions configures a PlaybookOrchestrator.
type OrchestratorOptions struct {
	Dataset        Dataset
	Devices        *DeviceStateStore
	Store          SnapshotStore
	Authorizer     Authorizer
	Hub            *Hub
	Clock          Clock
	Metrics        *Metrics
	StepLatencyMin time.Duration
	StepLatencyMax time.Duration
	// JitterSeed seeds step latency draws so runs are reproducible.
	JitterSeed int64
}

type soarSnapshot struct {
	Active    []*PlaybookRun        `json:"active"`
	Completed []*PlaybookRun        `json:"completed"`
	CaseNotes map[string][]CaseNote `json:"case_notes"`
}

// PlaybookOrchestrator starts playbook runs and drives them to completion.
type PlaybookOrchestrator struct {
	logger  zerolog.Logger
	dataset Dataset
	devices *DeviceStateStore
	store   SnapshotStore
	auth    Authorizer
	hub     *Hub
	clock   Clock
	metrics *Metrics
	gate    *ApprovalGate
	latMin  time.Duration
	latMax  time.Duration

	jitterMu sync.Mutex
	jitter   *SeededSource

	mu        sync.Mutex
	active    map[string]*PlaybookRun
	completed []*PlaybookRun
	caseNotes map[string][]CaseNote
	done      map[string]chan struct{}

	saveMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPlaybookOrchestrator creates an orchestrator with no runs.
func NewPlaybookOrchestrator(logger zerolog.Logger, opts OrchestratorOptions) *PlaybookOrchestrator {
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
	if opts.StepLatencyMin <= 0 && opts.StepLatencyMax <= 0 {
		opts.StepLatencyMin = DefaultStepLatencyMin
		opts.StepLatencyMax = DefaultStepLatencyMax
	}
	if opts.StepLatencyMax < opts.StepLatencyMin {
		opts.StepLatencyMax = opts.StepLatencyMin
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PlaybookOrchestrator{
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		dataset:   opts.Dataset,
		devices:   opts.Devices,
		store:     opts.Store,
		auth:      opts.Authorizer,
		hub:       opts.Hub,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		gate:      NewApprovalGate(logger, opts.Clock),
		latMin:    opts.StepLatencyMin,
		latMax:    opts.StepLatencyMax,
		jitter:    NewSeededSource(opts.JitterSeed),
		active:    make(map[string]*PlaybookRun),
		completed: make([]*PlaybookRun, 0, 64),
		caseNotes: make(map[string][]CaseNote),
		done:      make(map[string]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Gate exposes the approval gate for read-only inspection.
func (o *PlaybookOrchestrator) Gate() *ApprovalGate {
	return o.gate
}

// Start validates and launches a run of playbookID against caseID (optional).
// Every check happens before the run object exists.
func (o *PlaybookOrchestrator) Start(ctx context.Context, p Principal, playbookID, caseID string) (*PlaybookRun, error) {
	if err := o.auth.Authorize(p, OpPlaybookStart); err != nil {
		o.logger.Warn().Str("actor", p.Name).Str("playbook_id", playbookID).Msg("playbook start denied")
		return nil, err
	}
	if o.dataset == nil {
		return nil, fmt.Errorf("playbook %q: no dataset loaded: %w", playbookID, ErrNotFound)
	}
	def, ok := o.dataset.Playbook(playbookID)
	if !ok {
		return nil, fmt.Errorf("playbook %q: %w", playbookID, ErrNotFound)
	}
	if caseID != "" {
		if _, ok := o.dataset.Case(caseID); !ok {
			return nil, fmt.Errorf("case %q: %w", caseID, ErrNotFound)
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run := newPlaybookRun(def, caseID, p, o.clock.Now())
	done := make(chan struct{})

	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is stopped")
	}
	o.active[run.ID] = run
	o.done[run.ID] = done
	view := run.clone()
	o.wg.Add(1)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RunsStarted.Inc()
	}
	o.logger.Info().
		Str("run_id", run.ID).
		Str("playbook", def.Name).
		Str("case_id", caseID).
		Str("actor", p.Name).
		Int("steps", len(def.Steps)).
		Msg("playbook run started")

	o.persist()
	o.hub.Publish(TopicRunUpdated, view)

	go o.execute(run.ID, p)
	return view, nil
}

// execute drives one run. It is the only goroutine mutating that run.
func (o *PlaybookOrchestrator) execute(runID string, p Principal) {
	defer o.wg.Done()

	n := o.stepCount(runID)
	for i := 0; i < n; i++ {
		step := o.update(runID, func(r *PlaybookRun) {
			now := o.clock.Now()
			r.CurrentStepIndex = i
			r.Steps[i].Status = StepRunning
			r.Steps[i].StartedAt = &now
		})

		if step.Type == StepApproval {
			decision, ok := o.awaitApproval(runID, i)
			if !ok {
				return
			}
			if !decision.Approved {
				o.update(runID, func(r *PlaybookRun) {
					r.Steps[i].Status = StepRejected
					r.Steps[i].DecidedBy = decision.By
					r.Steps[i].Result = fmt.Sprintf("%s: rejected by %s.", r.Steps[i].Name, decision.By)
				})
				o.finish(runID, RunCancelled, fmt.Sprintf("Cancelled: step %q rejected by %s.", step.Name, decision.By))
				return
			}
			step = o.update(runID, func(r *PlaybookRun) {
				r.Steps[i].Status = StepApproved
				r.Steps[i].DecidedBy = decision.By
			})
		}

		latency := o.latency()
		if err := o.clock.Sleep(o.ctx, latency); err != nil {
			return
		}
		if o.metrics != nil {
			o.metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(latency.Seconds())
		}

		step = o.update(runID, func(r *PlaybookRun) {
			now := o.clock.Now()
			r.Steps[i].Status = StepCompleted
			r.Steps[i].CompletedAt = &now
			r.Steps[i].Result = stepResult(r.Steps[i], r)
		})

		if step.DeviceAction != "" {
			o.applyDeviceAction(runID, i, step, p)
		}
	}

	o.finish(runID, RunCompleted, "Completed: all steps finished.")
}

// awaitApproval parks the run on the approval gate. ok is false when the
// orchestrator stopped before a decision arrived.
func (o *PlaybookOrchestrator) awaitApproval(runID string, i int) (Decision, bool) {
	o.mu.Lock()
	run := o.active[runID]
	ch := o.gate.Open(run, run.Steps[i])
	stepID := run.Steps[i].ID
	o.mu.Unlock()

	o.update(runID, func(r *PlaybookRun) {
		r.Steps[i].Status = StepWaitingApproval
	})
	o.setPendingGauge()
	if pa, ok := o.gate.Pending(runID, stepID); ok {
		o.hub.Publish(TopicApprovalRequested, pa)
	}

	select {
	case d := <-ch:
		o.setPendingGauge()
		return d, true
	case <-o.ctx.Done():
		o.gate.Cancel(runID, stepID)
		return Decision{}, false
	}
}

// applyDeviceAction runs the step's device action on the case's first
// affected device. Its outcome is appended to the step result; it never
// changes the step status.
func (o *PlaybookOrchestrator) applyDeviceAction(runID string, i int, step StepInstance, p Principal) {
	o.mu.Lock()
	caseID := o.active[runID].CaseID
	o.mu.Unlock()

	if caseID == "" || o.devices == nil || o.dataset == nil {
		return
	}
	c, ok := o.dataset.Case(caseID)
	if !ok || len(c.AffectedDevices) == 0 {
		return
	}
	deviceID := c.AffectedDevices[0]

	res, err := o.devices.PerformDeviceAction(o.ctx, p, deviceID, step.DeviceAction, step.Params)
	if err != nil {
		o.logger.Warn().Err(err).
			Str("run_id", runID).
			Str("step_id", step.ID).
			Str("device_id", deviceID).
			Msg("playbook device action failed")
	}
	o.update(runID, func(r *PlaybookRun) {
		r.Steps[i].Result += " " + res.Message
	})
}

// finish ends the run, moves it to history and annotates its case.
func (o *PlaybookOrchestrator) finish(runID string, status RunStatus, outcome string) {
	o.mu.Lock()
	run, ok := o.active[runID]
	if !ok {
		o.mu.Unlock()
		return
	}
	now := o.clock.Now()
	run.Status = status
	run.FinishedAt = &now
	run.Outcome = outcome
	delete(o.active, runID)
	o.completed = append(o.completed, run)

	var note *CaseNote
	if run.CaseID != "" {
		n := CaseNote{
			CaseID:    run.CaseID,
			RunID:     run.ID,
			Text:      fmt.Sprintf("Playbook %q %s. %s", run.PlaybookName, status, outcome),
			Author:    run.StartedBy,
			Timestamp: now,
		}
		o.caseNotes[run.CaseID] = append(o.caseNotes[run.CaseID], n)
		note = &n
	}
	if done, ok := o.done[runID]; ok {
		close(done)
		delete(o.done, runID)
	}
	view := run.clone()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
	o.logger.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Str("case_id", view.CaseID).
		Msg("playbook run finished")

	o.persist()
	o.hub.Publish(TopicRunFinished, RunFinished{Run: view, Note: note})
}

// update applies fn to the active run under the lock, persists, publishes
// the new run view and returns a copy of the current step.
func (o *PlaybookOrchestrator) update(runID string, fn func(r *PlaybookRun)) StepInstance {
	o.mu.Lock()
	run := o.active[runID]
	fn(run)
	view := run.clone()
	o.mu.Unlock()

	o.persist()
	o.hub.Publish(TopicRunUpdated, view)
	return view.Steps[view.CurrentStepIndex]
}

func (o *PlaybookOrchestrator) stepCount(runID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active[runID].Steps)
}

func (o *PlaybookOrchestrator) latency() time.Duration {
	o.jitterMu.Lock()
	r := o.jitter.Next()
	o.jitterMu.Unlock()
	return o.latMin + time.Duration(r*float64(o.latMax-o.latMin))
}

func (o *PlaybookOrchestrator) setPendingGauge() {
	if o.metrics != nil {
		o.metrics.PendingApprovals.Set(float64(len(o.gate.GetPending())))
	}
}

// Approve resolves a waiting approval step positively.
func (o *PlaybookOrchestrator) Approve(ctx context.Context, p Principal, runID, stepID string) error {
	return o.decide(ctx, p, runID, stepID, true)
}

// Reject resolves a waiting approval step negatively, cancelling the run.
func (o *PlaybookOrchestrator) Reject(ctx context.Context, p Principal, runID, stepID string) error {
	return o.decide(ctx, p, runID, stepID, false)
}

func (o *PlaybookOrchestrator) decide(ctx context.Context, p Principal, runID, stepID string, approved bool) error {
	if err := o.auth.Authorize(p, OpPlaybookDecide); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	run, ok := o.active[runID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("active run %q: %w", runID, ErrNotFound)
	}
	idx := run.StepIndex(stepID)
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("step %q in run %q: %w", stepID, runID, ErrNotFound)
	}
	status := run.Steps[idx].Status
	o.mu.Unlock()

	if status != StepWaitingApproval {
		return fmt.Errorf("step %q is %s: %w", stepID, status, ErrNotWaiting)
	}
	if _, err := o.gate.Decide(runID, stepID, approved, p.Name); err != nil {
		return err
	}
	return nil
}

// Wait returns a channel closed when runID finishes. ok is false for unknown runs.
func (o *PlaybookOrchestrator) Wait(runID string) (<-chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.done[runID]; ok {
		return ch, true
	}
	for _, r := range o.completed {
		if r.ID == runID {
			ch := make(chan struct{})
			close(ch)
			return ch, true
		}
	}
	return nil, false
}

// Run returns a copy of an active or completed run.
func (o *PlaybookOrchestrator) Run(runID string) (*PlaybookRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.active[runID]; ok {
		return r.clone(), true
	}
	for i := len(o.completed) - 1; i >= 0; i-- {
		if o.completed[i].ID == runID {
			return o.completed[i].clone(), true
		}
	}
	return nil, false
}

// ActiveRuns returns copies of running runs, oldest first.
func (o *PlaybookOrchestrator) ActiveRuns() []*PlaybookRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*PlaybookRun, 0, len(o.active))
	for _, r := range o.active {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CompletedRuns returns up to limit most recently finished runs, oldest first.
func (o *PlaybookOrchestrator) CompletedRuns(limit int) []*PlaybookRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.completed) {
		limit = len(o.completed)
	}
	out := make([]*PlaybookRun, 0, limit)
	for _, r := range o.completed[len(o.completed)-limit:] {
		out = append(out, r.clone())
	}
	return out
}

// CaseNotes returns annotations recorded for caseID.
func (o *PlaybookOrchestrator) CaseNotes(caseID string) []CaseNote {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CaseNote(nil), o.caseNotes[caseID]...)
}

// Stats returns run counters.
func (o *PlaybookOrchestrator) Stats() map[string]interface{} {
	o.mu.Lock()
	active := len(o.active)
	completed := 0
	cancelled := 0
	for _, r := range o.completed {
		if r.Status == RunCancelled {
			cancelled++
		} else {
			completed++
		}
	}
	o.mu.Unlock()

	return map[string]interface{}{
		"active_runs":    active,
		"completed_runs": completed,
		"cancelled_runs": cancelled,
		"approvals":      o.gate.Stats(),
	}
}

// persist writes the SOAR snapshot. Saves are serialized so the last write
// always carries the newest state.
func (o *PlaybookOrchestrator) persist() {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	o.mu.Lock()
	snap := soarSnapshot{
		Active:    make([]*PlaybookRun, 0, len(o.active)),
		Completed: o.completed,
		CaseNotes: o.caseNotes,
	}
	for _, r := range o.active {
		snap.Active = append(snap.Active, r)
	}
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].StartedAt.Before(snap.Active[j].StartedAt) })
	data, err := json.Marshal(snap)
	o.mu.Unlock()

	if err == nil {
		err = o.store.Save(context.Background(), SOARStateKey, data)
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.SnapshotErrors.WithLabelValues(SOARStateKey).Inc()
		}
		o.logger.Error().Err(err).Msg("failed to persist playbook snapshot")
	}
}

// Restore loads run history and case notes. Runs that were active when the
// snapshot was taken cannot resume and are recorded as cancelled.
func (o *PlaybookOrchestrator) Restore(ctx context.Context) error {
	data, found, err := o.store.Load(ctx, SOARStateKey)
	if err != nil {
		return fmt.Errorf("loading playbook snapshot: %w", err)
	}
	if !found {
		return nil
	}
	var snap soarSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding playbook snapshot: %w", err)
	}

	now := o.clock.Now()
	o.mu.Lock()
	o.completed = append(o.completed[:0], snap.Completed...)
	for _, r := range snap.Active {
		r.Status = RunCancelled
		r.FinishedAt = &now
		r.Outcome = "Cancelled: interrupted by engine restart."
		o.completed = append(o.completed, r)
	}
	if snap.CaseNotes != nil {
		o.caseNotes = snap.CaseNotes
	}
	o.mu.Unlock()

	o.logger.Info().
		Int("completed", len(snap.Completed)).
		Int("interrupted", len(snap.Active)).
		Msg("playbook history restored")
	if len(snap.Active) > 0 {
		o.persist()
	}
	return nil
}

// Stop cancels in-flight waits and waits for run goroutines to exit.
// Interrupted runs stay in the active set of the last snapshot.
func (o *PlaybookOrchestrator) Stop() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
	o.logger.Info().Msg("orchestrator stopped")
}
