package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// approval_gate.go - pending human decisions for playbook approval steps.
//
// Design:
//   - One pending record per run+step, resolvable by any actor by id
//   - The waiting run blocks on a channel, never polls
//   - A record resolves exactly once
//   - No expiry: a decision may stay pending for the run's lifetime
// ---------------------------------------------------------------------------

// Decision states of a pending approval.
const (
	DecisionPending   = "pending"
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionCancelled = "cancelled"
)

// Decision is the resolution delivered to a waiting run.
type Decision struct {
	Approved bool
	By       string
	At       time.Time
}

// PendingApproval is an approval step awaiting a decision.
type PendingApproval struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	StepID       string     `json:"step_id"`
	StepName     string     `json:"step_name"`
	PlaybookName string     `json:"playbook_name"`
	CaseID       string     `json:"case_id,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	Status       string     `json:"status"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`

	ch chan Decision
}

// ApprovalKey builds the id of the pending decision for a run step.
func ApprovalKey(runID, stepID string) string {
	return runID + "/" + stepID
}

// ApprovalGate holds approval steps pending a decision.
type ApprovalGate struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	clock      Clock
	pending    map[string]*PendingApproval
	history    []*PendingApproval
	maxHistory int
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate(logger zerolog.Logger, clock Clock) *ApprovalGate {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ApprovalGate{
		logger:     logger.With().Str("component", "approval_gate").Logger(),
		clock:      clock,
		pending:    make(map[string]*PendingApproval),
		history:    make([]*PendingApproval, 0, 100),
		maxHistory: 1000,
	}
}

// Open registers a pending decision and returns the channel it will be
// delivered on. Opening an id that is already pending returns its channel.
func (ag *ApprovalGate) Open(run *PlaybookRun, step StepInstance) <-chan Decision {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	id := ApprovalKey(run.ID, step.ID)
	if pa, ok := ag.pending[id]; ok {
		return pa.ch
	}
	pa := &PendingApproval{
		ID:           id,
		RunID:        run.ID,
		StepID:       step.ID,
		StepName:     step.Name,
		PlaybookName: run.PlaybookName,
		CaseID:       run.CaseID,
		RequestedAt:  ag.clock.Now(),
		Status:       DecisionPending,
		ch:           make(chan Decision, 1),
	}
	ag.pending[id] = pa
	ag.logger.Warn().
		Str("approval_id", id).
		Str("playbook", run.PlaybookName).
		Str("step", step.Name).
		Msg("⚠ playbook step held for approval")
	return pa.ch
}

// Decide resolves the pending decision for runID/stepID.
func (ag *ApprovalGate) Decide(runID, stepID string, approved bool, by string) (*PendingApproval, error) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	id := ApprovalKey(runID, stepID)
	pa, ok := ag.pending[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotWaiting)
	}

	now := ag.clock.Now()
	pa.Status = DecisionRejected
	if approved {
		pa.Status = DecisionApproved
	}
	pa.DecidedBy = by
	pa.DecidedAt = &now
	pa.ch <- Decision{Approved: approved, By: by, At: now}

	delete(ag.pending, id)
	ag.record(pa)

	ag.logger.Info().
		Str("approval_id", id).
		Str("decision", pa.Status).
		Str("decided_by", by).
		Msg("approval decided")
	return pa.copy(), nil
}

// Cancel drops a pending decision without resolving it, e.g. on shutdown.
func (ag *ApprovalGate) Cancel(runID, stepID string) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	id := ApprovalKey(runID, stepID)
	pa, ok := ag.pending[id]
	if !ok {
		return
	}
	now := ag.clock.Now()
	pa.Status = DecisionCancelled
	pa.DecidedAt = &now
	delete(ag.pending, id)
	ag.record(pa)
}

func (ag *ApprovalGate) record(pa *PendingApproval) {
	if len(ag.history) >= ag.maxHistory {
		ag.history = ag.history[ag.maxHistory/10:]
	}
	ag.history = append(ag.history, pa)
}

func (pa *PendingApproval) copy() *PendingApproval {
	out := *pa
	out.ch = nil
	return &out
}

// IsPending reports whether runID/stepID awaits a decision.
func (ag *ApprovalGate) IsPending(runID, stepID string) bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	_, ok := ag.pending[ApprovalKey(runID, stepID)]
	return ok
}

// Pending returns a copy of the pending record for runID/stepID.
func (ag *ApprovalGate) Pending(runID, stepID string) (*PendingApproval, bool) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	pa, ok := ag.pending[ApprovalKey(runID, stepID)]
	if !ok {
		return nil, false
	}
	return pa.copy(), true
}

// GetPending returns pending approvals, oldest first.
func (ag *ApprovalGate) GetPending() []*PendingApproval {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	result := make([]*PendingApproval, 0, len(ag.pending))
	for _, pa := range ag.pending {
		result = append(result, pa.copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.Before(result[j].RequestedAt) })
	return result
}

// GetHistory returns recent decisions.
func (ag *ApprovalGate) GetHistory(limit int) []*PendingApproval {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	if limit <= 0 || limit > len(ag.history) {
		limit = len(ag.history)
	}
	start := len(ag.history) - limit
	result := make([]*PendingApproval, 0, limit)
	for i := start; i < len(ag.history); i++ {
		result = append(result, ag.history[i].copy())
	}
	return result
}

// Stats returns approval gate statistics.
func (ag *ApprovalGate) Stats() map[string]interface{} {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	approved := 0
	rejected := 0
	cancelled := 0
	for _, pa := range ag.history {
		switch pa.Status {
		case DecisionApproved:
			approved++
		case DecisionRejected:
			rejected++
		case DecisionCancelled:
			cancelled++
		}
	}

	return map[string]interface{}{
		"pending_count":   len(ag.pending),
		"total_approved":  approved,
		"total_rejected":  rejected,
		"total_cancelled": cancelled,
	}
}
