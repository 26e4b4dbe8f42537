package models

import "time"

// StepType enumerates the playbook step kinds.
type StepType string

const (
	StepAction       StepType = "action"
	StepApproval     StepType = "approval"
	StepDelay        StepType = "delay"
	StepCondition    StepType = "condition"
	StepNotification StepType = "notification"
	StepWorkflow     StepType = "workflow"
)

// Step is one declarative playbook step. Steps branch by id; there is
// no loop construct, iteration lives outside the playbook.
type Step struct {
	ID        string         `json:"id"`
	Type      StepType       `json:"type"`
	OnSuccess string         `json:"on_success,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"`
	OnApprove string         `json:"on_approve,omitempty"`
	OnDeny    string         `json:"on_deny,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Playbook is a declarative response procedure.
type Playbook struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Steps       []Step `json:"steps"`
}

// ExecutionStatus enumerates playbook execution states.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// PlaybookExecution is one run of a playbook.
type PlaybookExecution struct {
	ID            string          `json:"id"`
	PlaybookID    string          `json:"playbook_id"`
	Status        ExecutionStatus `json:"status"`
	CurrentStepID string          `json:"current_step_id,omitempty"`
	StepResults   []StepResult    `json:"step_results,omitempty"`
	Input         map[string]any  `json:"input,omitempty"`
	Output        map[string]any  `json:"output,omitempty"`
	Tenant        string          `json:"tenant,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ApprovalStatus enumerates approval states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a pending human decision blocking an execution.
type Approval struct {
	ID                string         `json:"id"`
	ExecutionID       string         `json:"execution_id"`
	StepID            string         `json:"step_id"`
	Status            ApprovalStatus `json:"status"`
	RequiredApprovers []string       `json:"required_approvers,omitempty"`
	DecidedBy         string         `json:"decided_by,omitempty"`
	Comment           string         `json:"comment,omitempty"`
	DecidedAt         time.Time      `json:"decided_at,omitempty"`
	ExpiresAt         time.Time      `json:"expires_at"`
	Context           map[string]any `json:"context,omitempty"`
}
