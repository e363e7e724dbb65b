package model

import "time"

// Instance status constants. PENDING is transient; an instance moves to
// IN_PROGRESS within startInstance before it is first persisted.
const (
	InstanceStatusPending    = "PENDING"
	InstanceStatusInProgress = "IN_PROGRESS"
	InstanceStatusApproved   = "APPROVED"
	InstanceStatusRejected   = "REJECTED"
	InstanceStatusCancelled  = "CANCELLED"
)

// Final decision constants.
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// StepExecution is one append-only entry in an instance's step history. The
// assignedTo set is a snapshot frozen when the step starts; it is never
// re-resolved from the template.
type StepExecution struct {
	StepOrder   int               `json:"step_order"`
	StepName    string            `json:"step_name"`
	AssignedTo  []string          `json:"assigned_to"`
	Approvals   map[string]string `json:"approvals,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Action      string            `json:"action,omitempty"`
	ActionBy    string            `json:"action_by,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	DelegatedBy string            `json:"delegated_by,omitempty"`
	DelegatedTo string            `json:"delegated_to,omitempty"`
	DelegatedAt *time.Time        `json:"delegated_at,omitempty"`
	Escalated   bool              `json:"escalated,omitempty"`
	EscalatedAt *time.Time        `json:"escalated_at,omitempty"`
	EscalatedTo []string          `json:"escalated_to,omitempty"`
}

// EffectiveAssignees returns the principals currently allowed to act on this
// step execution: the frozen snapshot, plus an active delegate, plus any
// escalation targets.
func (s *StepExecution) EffectiveAssignees() []string {
	out := make([]string, 0, len(s.AssignedTo)+1+len(s.EscalatedTo))
	out = append(out, s.AssignedTo...)
	if s.DelegatedTo != "" {
		out = append(out, s.DelegatedTo)
	}
	out = append(out, s.EscalatedTo...)
	return out
}

// CanAct reports whether the principal is in the effective assignee set.
func (s *StepExecution) CanAct(principalID string) bool {
	for _, p := range s.EffectiveAssignees() {
		if p == principalID {
			return true
		}
	}
	return false
}

// HasApproved reports whether the principal has recorded an APPROVE on this
// step execution.
func (s *StepExecution) HasApproved(principalID string) bool {
	return s.Approvals[principalID] == ActionApprove
}

// QuorumMet reports whether the step may advance given the recorded
// approvals. When requiresAll is false a single APPROVE suffices. When true,
// every assigned principal must have approved, either directly or through
// their delegate; an escalation target's approval completes the step
// outright, since escalation exists to unblock a stalled quorum.
func (s *StepExecution) QuorumMet(requiresAll bool) bool {
	if !requiresAll {
		for _, action := range s.Approvals {
			if action == ActionApprove {
				return true
			}
		}
		return false
	}
	for _, target := range s.EscalatedTo {
		if s.HasApproved(target) {
			return true
		}
	}
	for _, assignee := range s.AssignedTo {
		if s.HasApproved(assignee) {
			continue
		}
		if assignee == s.DelegatedBy && s.HasApproved(s.DelegatedTo) {
			continue
		}
		return false
	}
	return len(s.AssignedTo) > 0
}

// SLAInfo tracks the instance-level time budget.
type SLAInfo struct {
	ExpectedCompletionAt *time.Time `json:"expected_completion_at,omitempty"`
	ActualCompletionAt   *time.Time `json:"actual_completion_at,omitempty"`
	IsOverdue            bool       `json:"is_overdue"`
	Escalated            bool       `json:"escalated"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty"`
	EscalatedTo          []string   `json:"escalated_to,omitempty"`
}

// WorkflowInstance is one running execution of a template against a concrete
// entity. Instances are mutated only through the engine and retained forever
// for audit.
type WorkflowInstance struct {
	ID               string          `json:"id"`
	TemplateID       string          `json:"template_id"`
	TenantID         string          `json:"tenant_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           string          `json:"status"`
	StepHistory      []StepExecution `json:"step_history"`
	SLA              SLAInfo         `json:"sla"`
	InitiatedBy      string          `json:"initiated_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FinalDecision    string          `json:"final_decision,omitempty"`
	FinalComment     string          `json:"final_comment,omitempty"`
	Version          int             `json:"version"`
}

// IsTerminal reports whether the instance has reached a final status.
func (w *WorkflowInstance) IsTerminal() bool {
	switch w.Status {
	case InstanceStatusApproved, InstanceStatusRejected, InstanceStatusCancelled:
		return true
	}
	return false
}

// CurrentStep returns the open step execution, or nil if the history is
// empty. While the instance is IN_PROGRESS this is always the last entry.
func (w *WorkflowInstance) CurrentStep() *StepExecution {
	if len(w.StepHistory) == 0 {
		return nil
	}
	return &w.StepHistory[len(w.StepHistory)-1]
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	Status     string
	EntityType string
	TemplateID string
	Limit      int
	Offset     int
}
