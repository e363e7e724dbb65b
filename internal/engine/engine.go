package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/complyvue/approvald/internal/approver"
	"github.com/complyvue/approvald/internal/notify"
	"github.com/complyvue/approvald/internal/observability"
	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/model"
)

// Engine is the workflow instance runtime. All instance mutations flow
// through it: starting, approver actions, advancement, and termination.
// Writes go through the store's compare-and-swap, so two racing actions on
// the same instance resolve to one winner and one CONFLICT.
type Engine struct {
	templates  template.Store
	store      InstanceStore
	resolver   *approver.Resolver
	dispatcher notify.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source. For testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches metric instruments to the engine.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a workflow engine.
func New(templates template.Store, store InstanceStore, resolver *approver.Resolver, dispatcher notify.Dispatcher, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		templates:  templates,
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest describes a new instance to start.
type StartRequest struct {
	TemplateID string `json:"template_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// ActionInput carries the optional payload of an approver action.
type ActionInput struct {
	Comment     string   `json:"comment,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Start creates a new workflow instance from an ACTIVE template. The first
// step's approvers are resolved immediately and frozen into the step history;
// the instance is persisted already IN_PROGRESS.
func (e *Engine) Start(ctx context.Context, req StartRequest) (model.WorkflowInstance, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.WorkflowInstance{}, model.NewUnauthorizedError("missing request context")
	}

	ctx, span := observability.StartSpan(ctx, "engine.Start",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrTemplateID.String(req.TemplateID),
		observability.AttrEntityType.String(req.EntityType),
	)
	var opErr error
	defer func() { observability.EndSpanWithError(span, opErr) }()

	if err := validateStartRequest(req); err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}

	tpl, err := e.templates.Get(ctx, rctx.TenantID, req.TemplateID)
	if err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}
	if tpl.Status != model.TemplateStatusActive {
		opErr = model.NewValidationError(
			fmt.Sprintf("template %q is %s; only ACTIVE templates can start instances", tpl.ID, tpl.Status),
		)
		return model.WorkflowInstance{}, opErr
	}
	if tpl.ApplicableType != req.EntityType {
		opErr = model.NewValidationError(
			fmt.Sprintf("template %q applies to %s, not %s", tpl.ID, tpl.ApplicableType, req.EntityType),
		)
		return model.WorkflowInstance{}, opErr
	}

	now := e.now()
	first := tpl.StepAt(0)
	if first == nil {
		opErr = model.NewValidationError(fmt.Sprintf("template %q has no steps", tpl.ID))
		return model.WorkflowInstance{}, opErr
	}
	assignees, err := e.resolver.Resolve(ctx, first.Approvers, approver.RuntimeContext{
		TenantID:   rctx.TenantID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Initiator:  rctx.SubjectID,
		Template:   &tpl,
	})
	if err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}

	inst := model.WorkflowInstance{
		ID:               uuid.NewString(),
		TemplateID:       tpl.ID,
		TenantID:         rctx.TenantID,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		CurrentStepIndex: 0,
		Status:           model.InstanceStatusInProgress,
		StepHistory: []model.StepExecution{{
			StepOrder:  first.Order,
			StepName:   first.Name,
			AssignedTo: assignees,
			Approvals:  make(map[string]string),
			StartedAt:  now,
		}},
		InitiatedBy: rctx.SubjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	// The instance carries an SLA budget only when every step defines one.
	if hours, ok := tpl.TotalSLAHours(); ok {
		expected := now.Add(time.Duration(hours) * time.Hour)
		inst.SLA.ExpectedCompletionAt = &expected
	}

	if err := e.store.Create(ctx, inst); err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}

	if e.metrics != nil {
		e.metrics.InstanceStartsTotal.WithLabelValues(inst.EntityType).Inc()
	}
	observability.RequestLogger(ctx, e.logger).Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", tpl.ID),
		zap.String("entity_type", inst.EntityType),
		zap.String("entity_id", inst.EntityID),
		zap.Strings("assigned_to", assignees),
	)

	e.emit(ctx, tpl.Notifications.OnSubmission, model.EventSubmission, inst, assignees, model.RecipientApprovers)
	return inst, nil
}

// Approve records an APPROVE by the acting principal on the current step.
// When the step's quorum is met the step completes and the instance advances
// to the next step or terminates APPROVED.
func (e *Engine) Approve(ctx context.Context, instanceID string, in ActionInput) (model.WorkflowInstance, error) {
	return e.act(ctx, instanceID, model.ActionApprove, in, "")
}

// Reject records a REJECT on the current step. Rejection at any step
// terminates the instance immediately; a comment is required.
func (e *Engine) Reject(ctx context.Context, instanceID string, in ActionInput) (model.WorkflowInstance, error) {
	if in.Comment == "" {
		return model.WorkflowInstance{}, model.NewValidationError("a comment is required when rejecting")
	}
	return e.act(ctx, instanceID, model.ActionReject, in, "")
}

// RequestChanges records a non-advancing REQUEST_CHANGES on the current step.
// The step stays open and the actor may still approve later; a comment is
// required since the point is to tell the initiator what to change.
func (e *Engine) RequestChanges(ctx context.Context, instanceID string, in ActionInput) (model.WorkflowInstance, error) {
	if in.Comment == "" {
		return model.WorkflowInstance{}, model.NewValidationError("a comment is required when requesting changes")
	}
	return e.act(ctx, instanceID, model.ActionRequestChanges, in, "")
}

// Delegate hands the acting principal's slot on the current step to another
// principal. Only an original assignee may delegate, and only once per step
// execution.
func (e *Engine) Delegate(ctx context.Context, instanceID, delegateTo string, in ActionInput) (model.WorkflowInstance, error) {
	if delegateTo == "" {
		return model.WorkflowInstance{}, model.NewValidationError("delegate_to is required")
	}
	return e.act(ctx, instanceID, model.ActionDelegate, in, delegateTo)
}

// Skip completes the current step without an approval. It is restricted to
// workflow administrators, and only on steps that explicitly allow SKIP.
func (e *Engine) Skip(ctx context.Context, instanceID string, in ActionInput) (model.WorkflowInstance, error) {
	return e.act(ctx, instanceID, model.ActionSkip, in, "")
}

// act is the shared action pipeline: load, authorize, apply, persist, emit.
func (e *Engine) act(ctx context.Context, instanceID, action string, in ActionInput, delegateTo string) (model.WorkflowInstance, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.WorkflowInstance{}, model.NewUnauthorizedError("missing request context")
	}

	ctx, span := observability.StartSpan(ctx, "engine."+action,
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAction.String(action),
		observability.AttrActorID.String(rctx.SubjectID),
	)
	var opErr error
	defer func() { observability.EndSpanWithError(span, opErr) }()

	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusInProgress {
		opErr = model.NewWorkflowStateError(
			fmt.Sprintf("instance %q is %s; no further actions are possible", inst.ID, inst.Status),
		)
		return model.WorkflowInstance{}, opErr
	}

	step := inst.CurrentStep()
	if step == nil || step.CompletedAt != nil {
		opErr = model.NewWorkflowStateError(
			fmt.Sprintf("instance %q has no open step", inst.ID),
		)
		return model.WorkflowInstance{}, opErr
	}

	tpl, err := e.templates.Get(ctx, rctx.TenantID, inst.TemplateID)
	if err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}
	def := stepDefinition(&tpl, step.StepOrder)
	if def == nil {
		opErr = model.NewWorkflowStateError(
			fmt.Sprintf("step %d no longer exists in template %q", step.StepOrder, tpl.ID),
		)
		return model.WorkflowInstance{}, opErr
	}
	if !def.Allows(action) {
		opErr = model.NewWorkflowStateError(
			fmt.Sprintf("step %q does not allow %s", step.StepName, action),
		)
		return model.WorkflowInstance{}, opErr
	}

	now := e.now()
	var events []pendingEvent

	switch action {
	case model.ActionApprove:
		opErr = e.applyApprove(ctx, &inst, &tpl, step, def, rctx, in, now, &events)
	case model.ActionReject:
		opErr = e.applyReject(&inst, &tpl, step, rctx, in, now, &events)
	case model.ActionRequestChanges:
		opErr = applyRequestChanges(step, rctx, in)
	case model.ActionDelegate:
		opErr = applyDelegate(step, def, rctx, delegateTo, now)
	case model.ActionSkip:
		opErr = e.applySkip(ctx, &inst, &tpl, step, def, rctx, in, now, &events)
	default:
		opErr = model.NewBadRequestError(fmt.Sprintf("unknown action %q", action))
	}
	if opErr != nil {
		return model.WorkflowInstance{}, opErr
	}

	if err := e.store.Update(ctx, inst); err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	inst.UpdatedAt = now

	e.recordAction(action, inst, step)
	observability.RequestLogger(ctx, e.logger).Info("action applied",
		zap.String("instance_id", inst.ID),
		zap.String("action", action),
		zap.Int("step_order", step.StepOrder),
		zap.String("status", inst.Status),
	)
	for _, ev := range events {
		e.emit(ctx, ev.rule, ev.eventType, inst, ev.defaultRecipients, ev.defaultClass)
	}
	return inst, nil
}

func (e *Engine) applyApprove(ctx context.Context, inst *model.WorkflowInstance, tpl *model.WorkflowTemplate, step *model.StepExecution, def *model.StepDefinition, rctx *model.RequestContext, in ActionInput, now time.Time, events *[]pendingEvent) error {
	if !step.CanAct(rctx.SubjectID) {
		return model.NewAuthorizationError(
			fmt.Sprintf("%q is not an eligible approver for step %q", rctx.SubjectID, step.StepName),
		)
	}
	if step.HasApproved(rctx.SubjectID) {
		return model.NewWorkflowStateError(
			fmt.Sprintf("%q has already approved this step", rctx.SubjectID),
		)
	}

	if step.Approvals == nil {
		step.Approvals = make(map[string]string)
	}
	step.Approvals[rctx.SubjectID] = model.ActionApprove

	if !step.QuorumMet(def.RequiresAllApprovers) {
		return nil
	}

	completeStep(step, model.ActionApprove, rctx.SubjectID, in, now)
	e.observeStepDuration(step)

	*events = append(*events, pendingEvent{
		rule:              tpl.Notifications.OnApproval,
		eventType:         model.EventApproval,
		defaultRecipients: []string{inst.InitiatedBy},
		defaultClass:      model.RecipientInitiator,
	})
	return e.advance(ctx, inst, tpl, now)
}

func (e *Engine) applyReject(inst *model.WorkflowInstance, tpl *model.WorkflowTemplate, step *model.StepExecution, rctx *model.RequestContext, in ActionInput, now time.Time, events *[]pendingEvent) error {
	if !step.CanAct(rctx.SubjectID) {
		return model.NewAuthorizationError(
			fmt.Sprintf("%q is not an eligible approver for step %q", rctx.SubjectID, step.StepName),
		)
	}

	if step.Approvals == nil {
		step.Approvals = make(map[string]string)
	}
	step.Approvals[rctx.SubjectID] = model.ActionReject
	completeStep(step, model.ActionReject, rctx.SubjectID, in, now)
	e.observeStepDuration(step)

	inst.Status = model.InstanceStatusRejected
	inst.FinalDecision = model.DecisionRejected
	inst.FinalComment = in.Comment
	inst.CompletedAt = &now
	inst.SLA.ActualCompletionAt = &now

	*events = append(*events, pendingEvent{
		rule:              tpl.Notifications.OnRejection,
		eventType:         model.EventRejection,
		defaultRecipients: []string{inst.InitiatedBy},
		defaultClass:      model.RecipientInitiator,
	})
	return nil
}

func applyRequestChanges(step *model.StepExecution, rctx *model.RequestContext, in ActionInput) error {
	if !step.CanAct(rctx.SubjectID) {
		return model.NewAuthorizationError(
			fmt.Sprintf("%q is not an eligible approver for step %q", rctx.SubjectID, step.StepName),
		)
	}
	if step.Approvals == nil {
		step.Approvals = make(map[string]string)
	}
	// Non-advancing: the entry overwrites a previous REQUEST_CHANGES and may
	// itself later be overwritten by the actor's APPROVE.
	step.Approvals[rctx.SubjectID] = model.ActionRequestChanges
	if in.Comment != "" {
		step.Comment = in.Comment
	}
	step.Attachments = append(step.Attachments, in.Attachments...)
	return nil
}

func applyDelegate(step *model.StepExecution, def *model.StepDefinition, rctx *model.RequestContext, delegateTo string, now time.Time) error {
	if !def.AllowDelegation {
		return model.NewWorkflowStateError(
			fmt.Sprintf("step %q does not allow delegation", step.StepName),
		)
	}
	// Only an original assignee may delegate. Delegates and escalation
	// targets cannot re-delegate.
	assigned := false
	for _, a := range step.AssignedTo {
		if a == rctx.SubjectID {
			assigned = true
			break
		}
	}
	if !assigned {
		return model.NewAuthorizationError(
			fmt.Sprintf("%q is not an assigned approver for step %q", rctx.SubjectID, step.StepName),
		)
	}
	if delegateTo == rctx.SubjectID {
		return model.NewValidationError("cannot delegate to yourself")
	}
	if step.DelegatedTo != "" {
		return model.NewWorkflowStateError(
			fmt.Sprintf("step %q has already been delegated to %q", step.StepName, step.DelegatedTo),
		)
	}

	step.DelegatedBy = rctx.SubjectID
	step.DelegatedTo = delegateTo
	step.DelegatedAt = &now
	return nil
}

func (e *Engine) applySkip(ctx context.Context, inst *model.WorkflowInstance, tpl *model.WorkflowTemplate, step *model.StepExecution, def *model.StepDefinition, rctx *model.RequestContext, in ActionInput, now time.Time, events *[]pendingEvent) error {
	if !rctx.HasRole(model.RoleWorkflowAdmin) {
		return model.NewAuthorizationError("only workflow administrators may skip a step")
	}

	completeStep(step, model.ActionSkip, rctx.SubjectID, in, now)
	e.observeStepDuration(step)

	observability.RequestLogger(ctx, e.logger).Warn("step skipped by administrator",
		zap.String("instance_id", inst.ID),
		zap.Int("step_order", step.StepOrder),
	)
	if err := e.advance(ctx, inst, tpl, now); err != nil {
		return err
	}
	if inst.Status == model.InstanceStatusApproved {
		*events = append(*events, pendingEvent{
			rule:              tpl.Notifications.OnApproval,
			eventType:         model.EventApproval,
			defaultRecipients: []string{inst.InitiatedBy},
			defaultClass:      model.RecipientInitiator,
		})
	}
	return nil
}

// Cancel terminates a non-terminal instance. Only the initiator or a
// workflow administrator may cancel.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (model.WorkflowInstance, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.WorkflowInstance{}, model.NewUnauthorizedError("missing request context")
	}

	ctx, span := observability.StartSpan(ctx, "engine.Cancel",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	var opErr error
	defer func() { observability.EndSpanWithError(span, opErr) }()

	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}
	if inst.IsTerminal() {
		opErr = model.NewWorkflowStateError(
			fmt.Sprintf("instance %q is already %s", inst.ID, inst.Status),
		)
		return model.WorkflowInstance{}, opErr
	}
	if rctx.SubjectID != inst.InitiatedBy && !rctx.HasRole(model.RoleWorkflowAdmin) {
		opErr = model.NewAuthorizationError("only the initiator or a workflow administrator may cancel")
		return model.WorkflowInstance{}, opErr
	}

	now := e.now()
	if step := inst.CurrentStep(); step != nil && step.CompletedAt == nil {
		step.CompletedAt = &now
	}
	inst.Status = model.InstanceStatusCancelled
	inst.FinalComment = reason
	inst.CompletedAt = &now
	inst.SLA.ActualCompletionAt = &now

	if err := e.store.Update(ctx, inst); err != nil {
		opErr = err
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	inst.UpdatedAt = now

	if e.metrics != nil {
		e.metrics.InstanceCompletionsTotal.WithLabelValues(inst.Status).Inc()
	}
	observability.RequestLogger(ctx, e.logger).Info("instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("cancelled_by", rctx.SubjectID),
	)
	return inst, nil
}

// Get retrieves an instance in the caller's tenant.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.WorkflowInstance{}, model.NewUnauthorizedError("missing request context")
	}
	return e.store.Get(ctx, rctx.TenantID, instanceID)
}

// List returns instances in the caller's tenant matching the filters.
func (e *Engine) List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	if filters.Status != "" {
		switch filters.Status {
		case model.InstanceStatusInProgress, model.InstanceStatusApproved,
			model.InstanceStatusRejected, model.InstanceStatusCancelled:
		default:
			return nil, model.NewValidationError(fmt.Sprintf("unknown status %q", filters.Status))
		}
	}
	return e.store.List(ctx, rctx.TenantID, filters)
}

// PendingFor returns the instances awaiting an action from the caller.
func (e *Engine) PendingFor(ctx context.Context) ([]model.WorkflowInstance, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	return e.store.FindPendingFor(ctx, rctx.TenantID, rctx.SubjectID)
}

// advance moves the instance to the next step, resolving its approvers from
// the template's current definition, or terminates it APPROVED when the
// completed step was the last one.
func (e *Engine) advance(ctx context.Context, inst *model.WorkflowInstance, tpl *model.WorkflowTemplate, now time.Time) error {
	nextIdx := inst.CurrentStepIndex + 1
	next := tpl.StepAt(nextIdx)
	if next == nil {
		inst.Status = model.InstanceStatusApproved
		inst.FinalDecision = model.DecisionApproved
		inst.CompletedAt = &now
		inst.SLA.ActualCompletionAt = &now
		return nil
	}

	assignees, err := e.resolver.Resolve(ctx, next.Approvers, approver.RuntimeContext{
		TenantID:   inst.TenantID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Initiator:  inst.InitiatedBy,
		Template:   tpl,
	})
	if err != nil {
		return err
	}

	inst.CurrentStepIndex = nextIdx
	inst.StepHistory = append(inst.StepHistory, model.StepExecution{
		StepOrder:  next.Order,
		StepName:   next.Name,
		AssignedTo: assignees,
		Approvals:  make(map[string]string),
		StartedAt:  now,
	})
	return nil
}

// completeStep stamps the closing action onto the step execution.
func completeStep(step *model.StepExecution, action, actor string, in ActionInput, now time.Time) {
	step.CompletedAt = &now
	step.Action = action
	step.ActionBy = actor
	if in.Comment != "" {
		step.Comment = in.Comment
	}
	step.Attachments = append(step.Attachments, in.Attachments...)
}

// stepDefinition finds the template step with the given order.
func stepDefinition(tpl *model.WorkflowTemplate, order int) *model.StepDefinition {
	for i := range tpl.Steps {
		if tpl.Steps[i].Order == order {
			return &tpl.Steps[i]
		}
	}
	return nil
}

func validateStartRequest(req StartRequest) error {
	var details []model.FieldError
	if req.TemplateID == "" {
		details = append(details, model.FieldError{Field: "template_id", Code: "required", Message: "template_id is required"})
	}
	if req.EntityID == "" {
		details = append(details, model.FieldError{Field: "entity_id", Code: "required", Message: "entity_id is required"})
	}
	if !model.ApplicableTypes[req.EntityType] {
		details = append(details, model.FieldError{Field: "entity_type", Code: "invalid", Message: fmt.Sprintf("unknown entity type %q", req.EntityType)})
	}
	if len(details) > 0 {
		return model.NewFieldValidationError(details)
	}
	return nil
}

// pendingEvent is a notification deferred until the instance write succeeds.
// Emitting before the CAS would announce transitions that never happened.
type pendingEvent struct {
	rule              model.NotificationRule
	eventType         string
	defaultRecipients []string
	defaultClass      string
}

// emit dispatches one notification if the template's rule enables it.
func (e *Engine) emit(ctx context.Context, rule model.NotificationRule, eventType string, inst model.WorkflowInstance, defaultRecipients []string, defaultClass string) {
	if !rule.Enabled {
		return
	}
	class := rule.RecipientClass
	if class == "" {
		class = defaultClass
	}

	var recipients []string
	switch class {
	case model.RecipientInitiator:
		recipients = []string{inst.InitiatedBy}
	case model.RecipientApprovers:
		if step := inst.CurrentStep(); step != nil {
			recipients = step.EffectiveAssignees()
		}
	default:
		recipients = defaultRecipients
	}
	if len(recipients) == 0 {
		recipients = defaultRecipients
	}

	e.dispatcher.Dispatch(ctx, model.Notification{
		Type:       eventType,
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		TemplateID: inst.TemplateID,
		Recipients: recipients,
		OccurredAt: e.now(),
	})
}

func (e *Engine) recordAction(action string, inst model.WorkflowInstance, _ *model.StepExecution) {
	if e.metrics == nil {
		return
	}
	e.metrics.StepActionsTotal.WithLabelValues(action).Inc()
	if inst.IsTerminal() {
		e.metrics.InstanceCompletionsTotal.WithLabelValues(inst.Status).Inc()
	}
}

func (e *Engine) observeStepDuration(step *model.StepExecution) {
	if e.metrics == nil || step.CompletedAt == nil {
		return
	}
	e.metrics.StepDurationSeconds.Observe(step.CompletedAt.Sub(step.StartedAt).Seconds())
}
