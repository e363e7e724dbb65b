package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/complyvue/approvald/internal/approver"
	"github.com/complyvue/approvald/internal/notify"
	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/model"
)

// --- Test helpers ---

// fakeDirectory is a canned identity directory.
type fakeDirectory struct {
	roles    map[string][]string
	managers map[string]string
	owners   map[string][]string
}

func (d *fakeDirectory) PrincipalsWithRole(_ context.Context, _, role string) ([]string, error) {
	return d.roles[role], nil
}

func (d *fakeDirectory) ManagerOf(_ context.Context, _, principalID string) (string, error) {
	return d.managers[principalID], nil
}

func (d *fakeDirectory) OwnersOf(_ context.Context, _, entityType, entityID string) ([]string, error) {
	return d.owners[entityType+"/"+entityID], nil
}

func ctxFor(subjectID string, roles ...string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: subjectID,
		TenantID:  "tenant-1",
		Roles:     roles,
	})
}

// docApprovalTemplate is a two-step document approval: manager review first,
// then finance sign-off requiring both finance approvers.
func docApprovalTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:             "tpl-doc",
		TenantID:       "tenant-1",
		Name:           "Document Approval",
		ApplicableType: model.EntityFormSubmission,
		Status:         model.TemplateStatusActive,
		Steps: []model.StepDefinition{
			{
				Order:           1,
				Name:            "Manager Review",
				Approvers:       model.ApproverSpec{Kind: model.ApproverDynamic, DynamicRule: "initiator_manager"},
				AllowDelegation: true,
				SLAHours:        24,
			},
			{
				Order:                2,
				Name:                 "Finance Sign-off",
				Approvers:            model.ApproverSpec{Kind: model.ApproverRole, Role: "finance"},
				RequiresAllApprovers: true,
				AllowDelegation:      true,
				SLAHours:             48,
			},
		},
		Notifications: model.NotificationPolicy{
			OnSubmission: model.NotificationRule{Enabled: true},
			OnApproval:   model.NotificationRule{Enabled: true},
			OnRejection:  model.NotificationRule{Enabled: true},
		},
		Version: 1,
	}
}

type testEnv struct {
	engine     *Engine
	templates  *template.MemoryStore
	store      *MemoryInstanceStore
	dispatcher *notify.RecordingDispatcher
	now        time.Time
}

func newTestEnv(t *testing.T, tpls ...model.WorkflowTemplate) *testEnv {
	t.Helper()

	dir := &fakeDirectory{
		roles:    map[string][]string{"finance": {"fin-1", "fin-2"}},
		managers: map[string]string{"alice": "mgr-bob"},
		owners:   map[string][]string{"REPORT/rep-1": {"owner-1"}},
	}
	env := &testEnv{
		templates:  template.NewMemoryStore(),
		store:      NewMemoryInstanceStore(),
		dispatcher: notify.NewRecordingDispatcher(),
		now:        time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, tpl := range tpls {
		if err := env.templates.Create(context.Background(), tpl); err != nil {
			t.Fatalf("seed template: %v", err)
		}
	}
	resolver := approver.NewResolver(dir)
	env.engine = New(env.templates, env.store, resolver, env.dispatcher, zap.NewNop(),
		WithClock(func() time.Time { return env.now }))
	return env
}

func mustStart(t *testing.T, env *testEnv) model.WorkflowInstance {
	t.Helper()
	inst, err := env.engine.Start(ctxFor("alice"), StartRequest{
		TemplateID: "tpl-doc",
		EntityType: model.EntityFormSubmission,
		EntityID:   "doc-123",
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return inst
}

// --- Start ---

func TestStart(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	if inst.ID == "" {
		t.Error("expected non-empty instance ID")
	}
	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS", inst.Status)
	}
	if inst.Version != 1 {
		t.Errorf("Version = %d, want 1", inst.Version)
	}
	if inst.InitiatedBy != "alice" {
		t.Errorf("InitiatedBy = %q", inst.InitiatedBy)
	}
	if len(inst.StepHistory) != 1 {
		t.Fatalf("StepHistory length = %d, want 1", len(inst.StepHistory))
	}

	step := inst.StepHistory[0]
	if step.StepOrder != 1 || step.StepName != "Manager Review" {
		t.Errorf("first step = %d %q", step.StepOrder, step.StepName)
	}
	if len(step.AssignedTo) != 1 || step.AssignedTo[0] != "mgr-bob" {
		t.Errorf("AssignedTo = %v, want [mgr-bob]", step.AssignedTo)
	}

	// Both steps define SLAs, so the budget is their sum: 24 + 48 hours.
	if inst.SLA.ExpectedCompletionAt == nil {
		t.Fatal("expected SLA budget to be set")
	}
	want := env.now.Add(72 * time.Hour)
	if !inst.SLA.ExpectedCompletionAt.Equal(want) {
		t.Errorf("ExpectedCompletionAt = %v, want %v", inst.SLA.ExpectedCompletionAt, want)
	}

	if got := env.dispatcher.OfType(model.EventSubmission); len(got) != 1 {
		t.Errorf("SUBMISSION events = %d, want 1", len(got))
	} else if len(got[0].Recipients) != 1 || got[0].Recipients[0] != "mgr-bob" {
		t.Errorf("SUBMISSION recipients = %v", got[0].Recipients)
	}
}

func TestStart_noSLAWhenAnyStepLacksOne(t *testing.T) {
	tpl := docApprovalTemplate()
	tpl.Steps[1].SLAHours = 0
	env := newTestEnv(t, tpl)

	inst := mustStart(t, env)
	if inst.SLA.ExpectedCompletionAt != nil {
		t.Errorf("ExpectedCompletionAt = %v, want nil", inst.SLA.ExpectedCompletionAt)
	}
}

func TestStart_rejectsInactiveTemplate(t *testing.T) {
	tpl := docApprovalTemplate()
	tpl.Status = model.TemplateStatusDraft
	env := newTestEnv(t, tpl)

	_, err := env.engine.Start(ctxFor("alice"), StartRequest{
		TemplateID: "tpl-doc",
		EntityType: model.EntityFormSubmission,
		EntityID:   "doc-123",
	})
	if model.ErrorCode(err) != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
	if env.store.Len() != 0 {
		t.Error("no instance should have been persisted")
	}
}

func TestStart_rejectsMismatchedEntityType(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())

	_, err := env.engine.Start(ctxFor("alice"), StartRequest{
		TemplateID: "tpl-doc",
		EntityType: model.EntityReport,
		EntityID:   "rep-1",
	})
	if model.ErrorCode(err) != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestStart_rejectsUnknownEntityType(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())

	_, err := env.engine.Start(ctxFor("alice"), StartRequest{
		TemplateID: "tpl-doc",
		EntityType: "SOMETHING_ELSE",
		EntityID:   "doc-123",
	})
	if model.ErrorCode(err) != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

// --- Approve ---

func TestApprove_advancesToNextStep(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	inst, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{Comment: "looks good"})
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}

	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS", inst.Status)
	}
	if inst.CurrentStepIndex != 1 {
		t.Errorf("CurrentStepIndex = %d, want 1", inst.CurrentStepIndex)
	}
	if len(inst.StepHistory) != 2 {
		t.Fatalf("StepHistory length = %d, want 2", len(inst.StepHistory))
	}

	done := inst.StepHistory[0]
	if done.CompletedAt == nil || done.Action != model.ActionApprove || done.ActionBy != "mgr-bob" {
		t.Errorf("completed step = %+v", done)
	}
	if done.Comment != "looks good" {
		t.Errorf("Comment = %q", done.Comment)
	}

	next := inst.StepHistory[1]
	if next.StepOrder != 2 || len(next.AssignedTo) != 2 {
		t.Errorf("next step = %d, AssignedTo = %v", next.StepOrder, next.AssignedTo)
	}
}

func TestApprove_quorumOrderDoesNotMatter(t *testing.T) {
	for _, order := range [][]string{{"fin-1", "fin-2"}, {"fin-2", "fin-1"}} {
		env := newTestEnv(t, docApprovalTemplate())
		inst := mustStart(t, env)

		inst, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{})
		if err != nil {
			t.Fatalf("manager approve: %v", err)
		}

		inst, err = env.engine.Approve(ctxFor(order[0]), inst.ID, ActionInput{})
		if err != nil {
			t.Fatalf("first finance approve: %v", err)
		}
		if inst.Status != model.InstanceStatusInProgress {
			t.Errorf("after one of two approvals Status = %q, want IN_PROGRESS", inst.Status)
		}
		if inst.CurrentStepIndex != 1 {
			t.Errorf("partial quorum must not advance, index = %d", inst.CurrentStepIndex)
		}

		inst, err = env.engine.Approve(ctxFor(order[1]), inst.ID, ActionInput{})
		if err != nil {
			t.Fatalf("second finance approve: %v", err)
		}
		if inst.Status != model.InstanceStatusApproved {
			t.Errorf("Status = %q, want APPROVED", inst.Status)
		}
		if inst.FinalDecision != model.DecisionApproved {
			t.Errorf("FinalDecision = %q", inst.FinalDecision)
		}
		if inst.CompletedAt == nil || inst.SLA.ActualCompletionAt == nil {
			t.Error("completion timestamps not set")
		}
	}
}

func TestApprove_nonAssigneeForbidden(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	_, err := env.engine.Approve(ctxFor("stranger"), inst.ID, ActionInput{})
	if model.ErrorCode(err) != model.ErrAuthorization {
		t.Errorf("error = %v, want AUTHORIZATION_ERROR", err)
	}
}

func TestApprove_duplicateRejected(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	if _, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{}); err != nil {
		t.Fatalf("manager approve: %v", err)
	}
	if _, err := env.engine.Approve(ctxFor("fin-1"), inst.ID, ActionInput{}); err != nil {
		t.Fatalf("finance approve: %v", err)
	}
	_, err := env.engine.Approve(ctxFor("fin-1"), inst.ID, ActionInput{})
	if model.ErrorCode(err) != model.ErrWorkflowState {
		t.Errorf("error = %v, want WORKFLOW_STATE_ERROR", err)
	}
}

func TestApprove_terminalInstanceRejected(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	if _, err := env.engine.Cancel(ctxFor("alice"), inst.ID, "changed my mind"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	_, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{})
	if model.ErrorCode(err) != model.ErrWorkflowState {
		t.Errorf("error = %v, want WORKFLOW_STATE_ERROR", err)
	}
}

// --- Reject ---

func TestReject_requiresComment(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	_, err := env.engine.Reject(ctxFor("mgr-bob"), inst.ID, ActionInput{})
	if model.ErrorCode(err) != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestReject_shortCircuits(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	// Advance to finance, then reject there. Remaining steps never run.
	if _, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{}); err != nil {
		t.Fatalf("manager approve: %v", err)
	}
	inst, err := env.engine.Reject(ctxFor("fin-2"), inst.ID, ActionInput{Comment: "budget exceeded"})
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}

	if inst.Status != model.InstanceStatusRejected {
		t.Errorf("Status = %q, want REJECTED", inst.Status)
	}
	if inst.FinalDecision != model.DecisionRejected {
		t.Errorf("FinalDecision = %q", inst.FinalDecision)
	}
	if inst.FinalComment != "budget exceeded" {
		t.Errorf("FinalComment = %q", inst.FinalComment)
	}
	if got := env.dispatcher.OfType(model.EventRejection); len(got) != 1 {
		t.Errorf("REJECTION events = %d, want 1", len(got))
	} else if got[0].Recipients[0] != "alice" {
		t.Errorf("REJECTION recipients = %v, want initiator", got[0].Recipients)
	}
}

// --- Request changes ---

func TestRequestChanges_doesNotAdvance(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	inst, err := env.engine.RequestChanges(ctxFor("mgr-bob"), inst.ID, ActionInput{Comment: "fix section 2"})
	if err != nil {
		t.Fatalf("RequestChanges error: %v", err)
	}
	if inst.CurrentStepIndex != 0 || inst.StepHistory[0].CompletedAt != nil {
		t.Error("REQUEST_CHANGES must not advance the step")
	}

	// The same actor can still approve afterwards.
	inst, err = env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{})
	if err != nil {
		t.Fatalf("Approve after RequestChanges: %v", err)
	}
	if inst.CurrentStepIndex != 1 {
		t.Errorf("CurrentStepIndex = %d, want 1", inst.CurrentStepIndex)
	}
}

// --- Delegate ---

func TestDelegate(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	inst, err := env.engine.Delegate(ctxFor("mgr-bob"), inst.ID, "deputy-dan", ActionInput{})
	if err != nil {
		t.Fatalf("Delegate error: %v", err)
	}
	step := inst.StepHistory[0]
	if step.DelegatedBy != "mgr-bob" || step.DelegatedTo != "deputy-dan" {
		t.Errorf("delegation = %q -> %q", step.DelegatedBy, step.DelegatedTo)
	}

	// The delegate's approval satisfies the delegator's slot.
	inst, err = env.engine.Approve(ctxFor("deputy-dan"), inst.ID, ActionInput{})
	if err != nil {
		t.Fatalf("delegate approve: %v", err)
	}
	if inst.CurrentStepIndex != 1 {
		t.Errorf("CurrentStepIndex = %d, want 1", inst.CurrentStepIndex)
	}
}

func TestDelegate_onlyAssigneeAndOnlyOnce(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	if _, err := env.engine.Delegate(ctxFor("stranger"), inst.ID, "x", ActionInput{}); model.ErrorCode(err) != model.ErrAuthorization {
		t.Errorf("stranger delegate error = %v, want AUTHORIZATION_ERROR", err)
	}

	if _, err := env.engine.Delegate(ctxFor("mgr-bob"), inst.ID, "deputy-dan", ActionInput{}); err != nil {
		t.Fatalf("first delegate: %v", err)
	}

	// The delegate cannot re-delegate, and the step cannot be delegated twice.
	if _, err := env.engine.Delegate(ctxFor("deputy-dan"), inst.ID, "other", ActionInput{}); model.ErrorCode(err) != model.ErrAuthorization {
		t.Errorf("re-delegate error = %v, want AUTHORIZATION_ERROR", err)
	}
	if _, err := env.engine.Delegate(ctxFor("mgr-bob"), inst.ID, "other", ActionInput{}); model.ErrorCode(err) != model.ErrWorkflowState {
		t.Errorf("second delegate error = %v, want WORKFLOW_STATE_ERROR", err)
	}
}

func TestDelegate_disallowedByStep(t *testing.T) {
	tpl := docApprovalTemplate()
	tpl.Steps[0].AllowDelegation = false
	env := newTestEnv(t, tpl)
	inst := mustStart(t, env)

	_, err := env.engine.Delegate(ctxFor("mgr-bob"), inst.ID, "deputy-dan", ActionInput{})
	if model.ErrorCode(err) != model.ErrWorkflowState {
		t.Errorf("error = %v, want WORKFLOW_STATE_ERROR", err)
	}
}

// --- Skip ---

func TestSkip(t *testing.T) {
	tpl := docApprovalTemplate()
	tpl.Steps[0].AllowedActions = []string{model.ActionApprove, model.ActionReject, model.ActionSkip}
	env := newTestEnv(t, tpl)
	inst := mustStart(t, env)

	// Non-admin cannot skip even where the step allows it.
	if _, err := env.engine.Skip(ctxFor("mgr-bob"), inst.ID, ActionInput{}); model.ErrorCode(err) != model.ErrAuthorization {
		t.Errorf("non-admin skip error = %v, want AUTHORIZATION_ERROR", err)
	}

	inst, err := env.engine.Skip(ctxFor("admin", model.RoleWorkflowAdmin), inst.ID, ActionInput{Comment: "approver on leave"})
	if err != nil {
		t.Fatalf("Skip error: %v", err)
	}
	if inst.CurrentStepIndex != 1 {
		t.Errorf("CurrentStepIndex = %d, want 1", inst.CurrentStepIndex)
	}
	if inst.StepHistory[0].Action != model.ActionSkip {
		t.Errorf("Action = %q, want SKIP", inst.StepHistory[0].Action)
	}
}

func TestSkip_requiresExplicitAllowedAction(t *testing.T) {
	// The default template has no allowed_actions list; SKIP is excluded.
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	_, err := env.engine.Skip(ctxFor("admin", model.RoleWorkflowAdmin), inst.ID, ActionInput{})
	if model.ErrorCode(err) != model.ErrWorkflowState {
		t.Errorf("error = %v, want WORKFLOW_STATE_ERROR", err)
	}
}

// --- Cancel ---

func TestCancel(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	if _, err := env.engine.Cancel(ctxFor("stranger"), inst.ID, ""); model.ErrorCode(err) != model.ErrAuthorization {
		t.Errorf("stranger cancel error = %v, want AUTHORIZATION_ERROR", err)
	}

	inst, err := env.engine.Cancel(ctxFor("alice"), inst.ID, "no longer needed")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if inst.Status != model.InstanceStatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", inst.Status)
	}
	if inst.FinalComment != "no longer needed" {
		t.Errorf("FinalComment = %q", inst.FinalComment)
	}

	// Terminal statuses are final.
	if _, err := env.engine.Cancel(ctxFor("alice"), inst.ID, ""); model.ErrorCode(err) != model.ErrWorkflowState {
		t.Errorf("second cancel error = %v, want WORKFLOW_STATE_ERROR", err)
	}
}

func TestCancel_adminMayCancel(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	inst, err := env.engine.Cancel(ctxFor("admin", model.RoleWorkflowAdmin), inst.ID, "policy violation")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if inst.Status != model.InstanceStatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", inst.Status)
	}
}

// --- Concurrency ---

// conflictStore fails every Update with CONFLICT, simulating a lost CAS race.
type conflictStore struct {
	InstanceStore
}

func (s *conflictStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	return model.NewConflictError("simulated concurrent write")
}

func TestApprove_conflictEmitsNoEvents(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)
	submissions := len(env.dispatcher.Events())

	dir := &fakeDirectory{managers: map[string]string{"alice": "mgr-bob"}}
	eng := New(env.templates, &conflictStore{env.store}, approver.NewResolver(dir), env.dispatcher, zap.NewNop(),
		WithClock(func() time.Time { return env.now }))

	_, err := eng.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{})
	if model.ErrorCode(err) != model.ErrConflict {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
	if got := len(env.dispatcher.Events()); got != submissions {
		t.Errorf("events after failed write = %d, want %d", got, submissions)
	}
}

func TestConcurrentApprovals_singleWinner(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)
	if _, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{}); err != nil {
		t.Fatalf("manager approve: %v", err)
	}

	// Two approvers race on the same finance step. The engine serializes
	// through the store's CAS, so both succeed in sequence and exactly one
	// terminal transition happens.
	done := make(chan error, 2)
	for _, who := range []string{"fin-1", "fin-2"} {
		go func(who string) {
			_, err := env.engine.Approve(ctxFor(who), inst.ID, ActionInput{})
			done <- err
		}(who)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && model.ErrorCode(err) != model.ErrConflict {
			t.Errorf("unexpected error: %v", err)
		}
	}

	final, err := env.engine.Get(ctxFor("alice"), inst.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if final.Status != model.InstanceStatusInProgress && final.Status != model.InstanceStatusApproved {
		t.Errorf("Status = %q", final.Status)
	}
	if got := env.dispatcher.OfType(model.EventApproval); len(got) > 2 {
		t.Errorf("APPROVAL events = %d", len(got))
	}
}

// --- Queries ---

func TestPendingFor(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	pending, err := env.engine.PendingFor(ctxFor("mgr-bob"))
	if err != nil {
		t.Fatalf("PendingFor error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != inst.ID {
		t.Errorf("pending = %v", pending)
	}

	if pending, _ = env.engine.PendingFor(ctxFor("fin-1")); len(pending) != 0 {
		t.Errorf("finance should have nothing pending yet, got %d", len(pending))
	}

	if _, err := env.engine.Approve(ctxFor("mgr-bob"), inst.ID, ActionInput{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if pending, _ = env.engine.PendingFor(ctxFor("fin-1")); len(pending) != 1 {
		t.Errorf("finance pending = %d, want 1", len(pending))
	}
	if pending, _ = env.engine.PendingFor(ctxFor("mgr-bob")); len(pending) != 0 {
		t.Errorf("manager pending = %d, want 0", len(pending))
	}
}

func TestList_filtersAndTenantScope(t *testing.T) {
	env := newTestEnv(t, docApprovalTemplate())
	inst := mustStart(t, env)

	got, err := env.engine.List(ctxFor("alice"), model.InstanceFilters{Status: model.InstanceStatusInProgress})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 1 || got[0].ID != inst.ID {
		t.Errorf("List = %v", got)
	}

	if _, err := env.engine.List(ctxFor("alice"), model.InstanceFilters{Status: "BOGUS"}); model.ErrorCode(err) != model.ErrValidation {
		t.Errorf("bogus status error = %v, want VALIDATION_ERROR", err)
	}

	other := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "eve", TenantID: "tenant-2",
	})
	if got, _ := env.engine.List(other, model.InstanceFilters{}); len(got) != 0 {
		t.Errorf("cross-tenant List = %d, want 0", len(got))
	}
	if _, err := env.engine.Get(other, inst.ID); model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("cross-tenant Get error = %v, want NOT_FOUND", err)
	}
}
