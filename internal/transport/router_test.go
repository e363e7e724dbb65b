package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/complyvue/approvald/internal/approver"
	"github.com/complyvue/approvald/internal/config"
	"github.com/complyvue/approvald/internal/engine"
	"github.com/complyvue/approvald/internal/notify"
	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/model"
)

// headerDirectory resolves nothing; router tests use SPECIFIC_USERS approvers.
type headerDirectory struct{}

func (headerDirectory) PrincipalsWithRole(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (headerDirectory) ManagerOf(context.Context, string, string) (string, error) {
	return "", nil
}
func (headerDirectory) OwnersOf(context.Context, string, string, string) ([]string, error) {
	return nil, nil
}

// headerAuth is a test stand-in for the JWT middleware. It turns the
// X-Test-Sub and X-Test-Roles headers into claims; requests without a
// subject carry no claims at all.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := r.Header.Get("X-Test-Sub")
		if sub == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims := map[string]any{
			"sub":       sub,
			"tenant_id": "tenant-1",
		}
		if roles := r.Header.Get("X-Test-Roles"); roles != "" {
			var list []any
			for _, role := range strings.Split(roles, ",") {
				list = append(list, role)
			}
			claims["roles"] = list
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.Defaults()
	cfg.Observability.Metrics.Enabled = false

	resolver := approver.NewResolver(headerDirectory{})
	templates := template.NewMemoryStore()
	svc := template.NewService(templates, resolver)
	eng := engine.New(templates, engine.NewMemoryInstanceStore(), resolver,
		notify.NewRecordingDispatcher(), zap.NewNop())

	return NewRouter(Dependencies{
		Config:       cfg,
		Authenticate: headerAuth,
		Templates:    svc,
		Engine:       eng,
	})
}

func doJSON(t *testing.T, router http.Handler, method, path, subject string, body any, roles ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set("X-Test-Sub", subject)
	}
	if len(roles) > 0 {
		req.Header.Set("X-Test-Roles", strings.Join(roles, ","))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_healthIsPublic(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestRouter_apiRequiresIdentity(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/templates", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != model.ErrUnauthorized {
		t.Errorf("code = %q, want UNAUTHORIZED", got)
	}
}

func TestRouter_unknownInstanceIs404(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/instances/nope", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_badJSONIs400(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/templates", strings.NewReader("{nope"))
	req.Header.Set("X-Test-Sub", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestRouter_fullApprovalFlow drives a template and an instance through the
// whole API surface: create, activate, start, approve, and verify terminal
// state.
func TestRouter_fullApprovalFlow(t *testing.T) {
	router := newTestRouter(t)

	tpl := model.WorkflowTemplate{
		Name:           "Report Sign-off",
		ApplicableType: model.EntityReport,
		Steps: []model.StepDefinition{{
			Order: 1,
			Name:  "Manager Review",
			Approvers: model.ApproverSpec{
				Kind:  model.ApproverSpecificUsers,
				Users: []string{"mgr-bob"},
			},
		}},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/templates", "alice", tpl)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template = %d: %s", rec.Code, rec.Body.String())
	}
	var created model.WorkflowTemplate
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode template: %v", err)
	}

	// Starting against a DRAFT template must fail.
	start := engine.StartRequest{TemplateID: created.ID, EntityType: model.EntityReport, EntityID: "rep-1"}
	if rec = doJSON(t, router, http.MethodPost, "/api/v1/instances", "alice", start); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("start on draft = %d, want 422", rec.Code)
	}

	if rec = doJSON(t, router, http.MethodPost, "/api/v1/templates/"+created.ID+"/activate", "alice", nil); rec.Code != http.StatusOK {
		t.Fatalf("activate = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances", "alice", start)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	var inst model.WorkflowInstance
	if err := json.NewDecoder(rec.Body).Decode(&inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}

	// The assigned approver sees it pending; the initiator does not.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/instances/pending", "mgr-bob", nil)
	var pending struct {
		TotalCount int `json:"total_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if pending.TotalCount != 1 {
		t.Errorf("pending for mgr-bob = %d, want 1", pending.TotalCount)
	}

	// A non-assignee cannot approve.
	if rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+inst.ID+"/approve", "alice", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("approve by initiator = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+inst.ID+"/approve", "mgr-bob",
		engine.ActionInput{Comment: "looks good"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d: %s", rec.Code, rec.Body.String())
	}
	var final model.WorkflowInstance
	if err := json.NewDecoder(rec.Body).Decode(&final); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if final.Status != model.InstanceStatusApproved {
		t.Errorf("Status = %q, want APPROVED", final.Status)
	}
	if final.FinalDecision != model.DecisionApproved {
		t.Errorf("FinalDecision = %q", final.FinalDecision)
	}

	// Acting on a finished instance is a workflow-state conflict.
	if rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+inst.ID+"/approve", "mgr-bob", nil); rec.Code != http.StatusConflict {
		t.Errorf("approve terminal = %d, want 409", rec.Code)
	}
}

func TestRouter_cancelByAdmin(t *testing.T) {
	router := newTestRouter(t)

	tpl := model.WorkflowTemplate{
		Name:           "Budget Sign-off",
		ApplicableType: model.EntityBudgetChange,
		Steps: []model.StepDefinition{{
			Order:     1,
			Name:      "Review",
			Approvers: model.ApproverSpec{Kind: model.ApproverSpecificUsers, Users: []string{"mgr-bob"}},
		}},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/templates", "alice", tpl)
	var created model.WorkflowTemplate
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	doJSON(t, router, http.MethodPost, "/api/v1/templates/"+created.ID+"/activate", "alice", nil)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances", "alice",
		engine.StartRequest{TemplateID: created.ID, EntityType: model.EntityBudgetChange, EntityID: "bud-1"})
	var inst model.WorkflowInstance
	if err := json.NewDecoder(rec.Body).Decode(&inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}

	// A bystander cannot cancel.
	if rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+inst.ID+"/cancel", "eve",
		map[string]string{"reason": "nope"}); rec.Code != http.StatusForbidden {
		t.Fatalf("cancel by bystander = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+inst.ID+"/cancel", "admin-dana",
		map[string]string{"reason": "duplicate request"}, model.RoleWorkflowAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel by admin = %d: %s", rec.Code, rec.Body.String())
	}
	var cancelled model.WorkflowInstance
	if err := json.NewDecoder(rec.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if cancelled.Status != model.InstanceStatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", cancelled.Status)
	}
}
