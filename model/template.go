package model

import "time"

// Entity types a workflow template can apply to.
const (
	EntityFormSubmission   = "FORM_SUBMISSION"
	EntityReport           = "REPORT"
	EntityIndicatorUpdate  = "INDICATOR_UPDATE"
	EntityBudgetChange     = "BUDGET_CHANGE"
	EntityProjectMilestone = "PROJECT_MILESTONE"
	EntityCustom           = "CUSTOM"
)

// ApplicableTypes is the closed set of entity types.
var ApplicableTypes = map[string]bool{
	EntityFormSubmission:   true,
	EntityReport:           true,
	EntityIndicatorUpdate:  true,
	EntityBudgetChange:     true,
	EntityProjectMilestone: true,
	EntityCustom:           true,
}

// Template lifecycle status constants.
const (
	TemplateStatusDraft    = "DRAFT"
	TemplateStatusActive   = "ACTIVE"
	TemplateStatusInactive = "INACTIVE"
	TemplateStatusArchived = "ARCHIVED"
)

// Approver specification kinds.
const (
	ApproverSpecificUsers = "SPECIFIC_USERS"
	ApproverRole          = "ROLE"
	ApproverDynamic       = "DYNAMIC"
)

// Step actions an approver may take.
const (
	ActionApprove        = "APPROVE"
	ActionReject         = "REJECT"
	ActionRequestChanges = "REQUEST_CHANGES"
	ActionDelegate       = "DELEGATE"
	ActionSkip           = "SKIP"
)

// StepActions is the closed set of actions a step may allow.
var StepActions = map[string]bool{
	ActionApprove:        true,
	ActionReject:         true,
	ActionRequestChanges: true,
	ActionDelegate:       true,
	ActionSkip:           true,
}

// ApproverSpec describes how a step's concrete approver set is derived at
// step-start time.
type ApproverSpec struct {
	Kind        string   `json:"kind" yaml:"kind"`
	Users       []string `json:"users,omitempty" yaml:"users,omitempty"`
	Role        string   `json:"role,omitempty" yaml:"role,omitempty"`
	DynamicRule string   `json:"dynamic_rule,omitempty" yaml:"dynamic_rule,omitempty"`
}

// AutoEscalation configures one-time escalation for an overdue step.
type AutoEscalation struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	EscalateTo []string `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
	AfterHours int      `json:"after_hours,omitempty" yaml:"after_hours,omitempty"`
}

// StepDefinition is one stage of a template. Orders form a contiguous,
// strictly increasing sequence starting at 1.
type StepDefinition struct {
	Order                int            `json:"order" yaml:"order"`
	Name                 string         `json:"name" yaml:"name"`
	Approvers            ApproverSpec   `json:"approvers" yaml:"approvers"`
	RequiresAllApprovers bool           `json:"requires_all_approvers" yaml:"requires_all_approvers"`
	AllowDelegation      bool           `json:"allow_delegation" yaml:"allow_delegation"`
	SLAHours             int            `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
	AutoEscalate         AutoEscalation `json:"auto_escalate" yaml:"auto_escalate"`
	AllowedActions       []string       `json:"allowed_actions,omitempty" yaml:"allowed_actions,omitempty"`
}

// Allows reports whether the step permits the given action. An empty
// allowed_actions list permits everything except SKIP.
func (s *StepDefinition) Allows(action string) bool {
	if len(s.AllowedActions) == 0 {
		return action != ActionSkip
	}
	for _, a := range s.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// NotificationRule enables one notification event class for a template.
type NotificationRule struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	RecipientClass string `json:"recipient_class,omitempty" yaml:"recipient_class,omitempty"`
	TemplateID     string `json:"template_id,omitempty" yaml:"template_id,omitempty"`
}

// NotificationPolicy configures which engine events produce notifications.
type NotificationPolicy struct {
	OnSubmission NotificationRule `json:"on_submission" yaml:"on_submission"`
	OnApproval   NotificationRule `json:"on_approval" yaml:"on_approval"`
	OnRejection  NotificationRule `json:"on_rejection" yaml:"on_rejection"`
	BeforeSLA    NotificationRule `json:"before_sla" yaml:"before_sla"`
}

// WorkflowTemplate is a reusable definition of an ordered approval process
// for one applicable entity type.
type WorkflowTemplate struct {
	ID             string             `json:"id" yaml:"id"`
	TenantID       string             `json:"tenant_id" yaml:"tenant_id"`
	Name           string             `json:"name" yaml:"name"`
	Description    string             `json:"description,omitempty" yaml:"description,omitempty"`
	ApplicableType string             `json:"applicable_type" yaml:"applicable_type"`
	Steps          []StepDefinition   `json:"steps" yaml:"steps"`
	Notifications  NotificationPolicy `json:"notifications" yaml:"notifications"`
	Status         string             `json:"status" yaml:"status"`
	Version        int                `json:"version" yaml:"-"`
	CreatedAt      time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time          `json:"updated_at" yaml:"-"`
}

// StepAt returns the step definition at the given 0-based index, or nil if
// out of range.
func (t *WorkflowTemplate) StepAt(index int) *StepDefinition {
	if index < 0 || index >= len(t.Steps) {
		return nil
	}
	return &t.Steps[index]
}

// TotalSLAHours returns the sum of all step SLA hours and whether every step
// defines one. The sum is meaningful only when ok is true.
func (t *WorkflowTemplate) TotalSLAHours() (hours int, ok bool) {
	if len(t.Steps) == 0 {
		return 0, false
	}
	for _, s := range t.Steps {
		if s.SLAHours <= 0 {
			return 0, false
		}
		hours += s.SLAHours
	}
	return hours, true
}

// TemplateFilters are optional filters for listing templates.
type TemplateFilters struct {
	Status         string
	ApplicableType string
}
