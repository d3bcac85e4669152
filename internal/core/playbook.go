package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepType is the kind of work a playbook step performs.
type StepType string

const (
	StepEnrich   StepType = "enrich"
	StepLookup   StepType = "lookup"
	StepAction   StepType = "action"
	StepApproval StepType = "approval"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepEnrich, StepLookup, StepAction, StepApproval:
		return true
	}
	return false
}

// StepStatus tracks a step instance through a run.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepApproved        StepStatus = "approved"
	StepRejected        StepStatus = "rejected"
	StepCompleted       StepStatus = "completed"
)

// Terminal reports whether no further transition can happen to the step.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepRejected
}

// RunStatus tracks a playbook run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has ended.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// StepDefinition is one step of a playbook as supplied by the dataset.
type StepDefinition struct {
	ID           string            `json:"id" yaml:"id"`
	Type         StepType          `json:"type" yaml:"type"`
	Name         string            `json:"name" yaml:"name"`
	DeviceAction DeviceAction      `json:"device_action,omitempty" yaml:"device_action"`
	Params       map[string]string `json:"params,omitempty" yaml:"params"`
}

// PlaybookDefinition is a named, ordered list of response steps.
type PlaybookDefinition struct {
	ID               string           `json:"id" yaml:"id"`
	Name             string           `json:"name" yaml:"name"`
	Category         string           `json:"category" yaml:"category"`
	Description      string           `json:"description,omitempty" yaml:"description"`
	Steps            []StepDefinition `json:"steps" yaml:"steps"`
	RequiresApproval bool             `json:"requires_approval" yaml:"requires_approval"`
}

// Validate checks the definition before any run is created. Step problems
// wrap ErrInvalidStep.
func (d PlaybookDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps: %w", d.ID, ErrInvalidStep)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("playbook %q step %d has no id: %w", d.ID, i, ErrInvalidStep)
		}
		if seen[step.ID] {
			return fmt.Errorf("playbook %q step id %q is duplicated: %w", d.ID, step.ID, ErrInvalidStep)
		}
		seen[step.ID] = true
		if !step.Type.Valid() {
			return fmt.Errorf("playbook %q step %q has unknown type %q: %w", d.ID, step.ID, step.Type, ErrInvalidStep)
		}
		if step.DeviceAction != "" && !step.DeviceAction.Valid() {
			return fmt.Errorf("playbook %q step %q has unknown device action %q: %w", d.ID, step.ID, step.DeviceAction, ErrInvalidStep)
		}
	}
	return nil
}

// HasApprovalStep reports whether any step is an approval gate.
func (d PlaybookDefinition) HasApprovalStep() bool {
	for _, s := range d.Steps {
		if s.Type == StepApproval {
			return true
		}
	}
	return false
}

// StepInstance is a step definition plus its progress within one run.
type StepInstance struct {
	StepDefinition
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
}

// PlaybookRun is one execution of a playbook.
type PlaybookRun struct {
	ID               string         `json:"id"`
	PlaybookID       string         `json:"playbook_id"`
	PlaybookName     string         `json:"playbook_name"`
	CaseID           string         `json:"case_id,omitempty"`
	StartedBy        string         `json:"started_by"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Status           RunStatus      `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Steps            []StepInstance `json:"steps"`
	Outcome          string         `json:"outcome,omitempty"`
}

func newPlaybookRun(def PlaybookDefinition, caseID string, p Principal, now time.Time) *PlaybookRun {
	run := &PlaybookRun{
		ID:           "run-" + uuid.New().String(),
		PlaybookID:   def.ID,
		PlaybookName: def.Name,
		CaseID:       caseID,
		StartedBy:    p.Name,
		StartedAt:    now,
		Status:       RunRunning,
		Steps:        make([]StepInstance, len(def.Steps)),
	}
	for i, sd := range def.Steps {
		sd.Params = copyParams(sd.Params)
		run.Steps[i] = StepInstance{StepDefinition: sd, Status: StepPending}
	}
	return run
}

// StepIndex returns the index of stepID, or -1.
func (r *PlaybookRun) StepIndex(stepID string) int {
	for i := range r.Steps {
		if r.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func (r *PlaybookRun) clone() *PlaybookRun {
	out := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	out.Steps = make([]StepInstance, len(r.Steps))
	for i, s := range r.Steps {
		s.Params = copyParams(s.Params)
		if s.StartedAt != nil {
			t := *s.StartedAt
			s.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
		out.Steps[i] = s
	}
	return &out
}

// Err reports why a finished run did not complete. It is nil for running
// and completed runs.
func (r *PlaybookRun) Err() error {
	if r.Status != RunCancelled {
		return nil
	}
	for _, s := range r.Steps {
		if s.Status == StepRejected {
			return fmt.Errorf("run %s step %q: %w", r.ID, s.ID, ErrApprovalRejected)
		}
	}
	return fmt.Errorf("run %s: %s", r.ID, r.Outcome)
}

func copyParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CaseNote is an annotation the orchestrator attaches to a case when a run ends.
type CaseNote struct {
	CaseID    string    `json:"case_id"`
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// RunFinished is the payload of a run completion notification.
type RunFinished struct {
	Run  *PlaybookRun `json:"run"`
	Note *CaseNote    `json:"case_note,omitempty"`
}

// stepResult returns the simulated outcome message for a completed step.
func stepResult(step StepInstance, run *PlaybookRun) string {
	target := "the environment"
	if run.CaseID != "" {
		target = "case " + run.CaseID
	}
	switch step.Type {
	case StepEnrich:
		return fmt.Sprintf("%s: indicators for %s enriched with threat intelligence.", step.Name, target)
	case StepLookup:
		return fmt.Sprintf("%s: lookup for %s returned matching records.", step.Name, target)
	case StepAction:
		return fmt.Sprintf("%s: response action executed for %s.", step.Name, target)
	case StepApproval:
		return fmt.Sprintf("%s: approved by %s.", step.Name, step.DecidedBy)
	}
	return step.Name + ": done."
}
