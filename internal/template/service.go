package template

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/complyvue/approvald/model"
)

// RuleChecker reports whether a dynamic approver rule name is registered.
// Implemented by the approver resolver.
type RuleChecker interface {
	KnownRule(name string) bool
}

// Patch describes a partial template update. Nil fields are left unchanged.
type Patch struct {
	Name           *string                   `json:"name,omitempty"`
	Description    *string                   `json:"description,omitempty"`
	ApplicableType *string                   `json:"applicable_type,omitempty"`
	Steps          *[]model.StepDefinition   `json:"steps,omitempty"`
	Notifications  *model.NotificationPolicy `json:"notifications,omitempty"`
}

// Service validates and manages workflow templates.
type Service struct {
	store Store
	rules RuleChecker
}

// NewService creates a template service.
func NewService(store Store, rules RuleChecker) *Service {
	return &Service{store: store, rules: rules}
}

// Create validates a template spec and persists it as DRAFT.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	if errs := s.validate(tpl); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewFieldValidationError(errs)
	}

	now := time.Now().UTC()
	tpl.ID = uuid.New().String()
	tpl.TenantID = rctx.TenantID
	tpl.Status = model.TemplateStatusDraft
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := s.store.Create(ctx, tpl); err != nil {
		return model.WorkflowTemplate{}, err
	}
	return tpl, nil
}

// Get returns a template by ID.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, templateID string) (model.WorkflowTemplate, error) {
	return s.store.Get(ctx, rctx.TenantID, templateID)
}

// List returns templates matching the filters.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	return s.store.List(ctx, rctx.TenantID, filters)
}

// Update applies a patch to a template. Archived templates are immutable.
func (s *Service) Update(ctx context.Context, rctx *model.RequestContext, templateID string, patch Patch) (model.WorkflowTemplate, error) {
	tpl, err := s.store.Get(ctx, rctx.TenantID, templateID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if tpl.Status == model.TemplateStatusArchived {
		return model.WorkflowTemplate{}, model.NewWorkflowStateError(
			fmt.Sprintf("template %q is archived and cannot be updated", templateID),
		)
	}

	if patch.Name != nil {
		tpl.Name = *patch.Name
	}
	if patch.Description != nil {
		tpl.Description = *patch.Description
	}
	if patch.ApplicableType != nil {
		tpl.ApplicableType = *patch.ApplicableType
	}
	if patch.Steps != nil {
		tpl.Steps = *patch.Steps
	}
	if patch.Notifications != nil {
		tpl.Notifications = *patch.Notifications
	}

	if errs := s.validate(tpl); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewFieldValidationError(errs)
	}

	if err := s.store.Update(ctx, tpl); err != nil {
		return model.WorkflowTemplate{}, err
	}
	tpl.Version++
	return tpl, nil
}

// Activate moves a DRAFT or INACTIVE template to ACTIVE, making it usable
// for new instances.
func (s *Service) Activate(ctx context.Context, rctx *model.RequestContext, templateID string) (model.WorkflowTemplate, error) {
	return s.transition(ctx, rctx, templateID, model.TemplateStatusActive,
		model.TemplateStatusDraft, model.TemplateStatusInactive)
}

// Deactivate moves an ACTIVE template to INACTIVE. Running instances keep
// the approver snapshots already taken.
func (s *Service) Deactivate(ctx context.Context, rctx *model.RequestContext, templateID string) (model.WorkflowTemplate, error) {
	return s.transition(ctx, rctx, templateID, model.TemplateStatusInactive,
		model.TemplateStatusActive)
}

// Archive moves a template to ARCHIVED, its terminal state.
func (s *Service) Archive(ctx context.Context, rctx *model.RequestContext, templateID string) (model.WorkflowTemplate, error) {
	return s.transition(ctx, rctx, templateID, model.TemplateStatusArchived,
		model.TemplateStatusDraft, model.TemplateStatusActive, model.TemplateStatusInactive)
}

func (s *Service) transition(ctx context.Context, rctx *model.RequestContext, templateID, target string, from ...string) (model.WorkflowTemplate, error) {
	tpl, err := s.store.Get(ctx, rctx.TenantID, templateID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	allowed := false
	for _, f := range from {
		if tpl.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.WorkflowTemplate{}, model.NewWorkflowStateError(
			fmt.Sprintf("template %q is %s, cannot move to %s", templateID, tpl.Status, target),
		)
	}

	if target == model.TemplateStatusActive && len(tpl.Steps) == 0 {
		return model.WorkflowTemplate{}, model.NewValidationError(
			fmt.Sprintf("template %q has no steps and cannot be activated", templateID),
		)
	}

	tpl.Status = target
	if err := s.store.Update(ctx, tpl); err != nil {
		return model.WorkflowTemplate{}, err
	}
	tpl.Version++
	return tpl, nil
}

// validate checks a template structurally: required fields, the closed
// applicable-type set, contiguous step orders starting at 1, and per-step
// approver specs.
func (s *Service) validate(tpl model.WorkflowTemplate) []model.FieldError {
	var errs []model.FieldError

	if tpl.Name == "" {
		errs = append(errs, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if tpl.ApplicableType == "" {
		errs = append(errs, model.FieldError{Field: "applicable_type", Code: "REQUIRED", Message: "applicable_type is required"})
	} else if !model.ApplicableTypes[tpl.ApplicableType] {
		errs = append(errs, model.FieldError{Field: "applicable_type", Code: "INVALID_ENUM",
			Message: fmt.Sprintf("invalid applicable_type %q", tpl.ApplicableType)})
	}

	for i, step := range tpl.Steps {
		prefix := fmt.Sprintf("steps[%d]", i)

		if step.Order != i+1 {
			errs = append(errs, model.FieldError{Field: prefix + ".order", Code: "NON_CONTIGUOUS",
				Message: fmt.Sprintf("step order %d at position %d; orders must be contiguous from 1", step.Order, i)})
		}
		if step.Name == "" {
			errs = append(errs, model.FieldError{Field: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
		}

		errs = append(errs, s.validateApprovers(prefix+".approvers", step.Approvers)...)

		for _, a := range step.AllowedActions {
			if !model.StepActions[a] {
				errs = append(errs, model.FieldError{Field: prefix + ".allowed_actions", Code: "INVALID_ENUM",
					Message: fmt.Sprintf("invalid action %q", a)})
			}
		}

		if step.AutoEscalate.Enabled {
			if len(step.AutoEscalate.EscalateTo) == 0 {
				errs = append(errs, model.FieldError{Field: prefix + ".auto_escalate.escalate_to", Code: "REQUIRED",
					Message: "escalate_to is required when auto-escalation is enabled"})
			}
			if step.AutoEscalate.AfterHours <= 0 {
				errs = append(errs, model.FieldError{Field: prefix + ".auto_escalate.after_hours", Code: "INVALID",
					Message: "after_hours must be positive"})
			}
		}
	}

	return errs
}

func (s *Service) validateApprovers(field string, spec model.ApproverSpec) []model.FieldError {
	var errs []model.FieldError

	switch spec.Kind {
	case model.ApproverSpecificUsers:
		if len(spec.Users) == 0 {
			errs = append(errs, model.FieldError{Field: field + ".users", Code: "REQUIRED",
				Message: "users is required for SPECIFIC_USERS"})
		}
	case model.ApproverRole:
		if spec.Role == "" {
			errs = append(errs, model.FieldError{Field: field + ".role", Code: "REQUIRED",
				Message: "role is required for ROLE"})
		}
	case model.ApproverDynamic:
		if spec.DynamicRule == "" {
			errs = append(errs, model.FieldError{Field: field + ".dynamic_rule", Code: "REQUIRED",
				Message: "dynamic_rule is required for DYNAMIC"})
		} else if s.rules != nil && !s.rules.KnownRule(spec.DynamicRule) {
			errs = append(errs, model.FieldError{Field: field + ".dynamic_rule", Code: "UNKNOWN_RULE",
				Message: fmt.Sprintf("dynamic rule %q is not registered", spec.DynamicRule)})
		}
	default:
		errs = append(errs, model.FieldError{Field: field + ".kind", Code: "INVALID_ENUM",
			Message: fmt.Sprintf("invalid approver kind %q", spec.Kind)})
	}
	return errs
}
