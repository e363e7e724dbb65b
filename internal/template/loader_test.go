package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/complyvue/approvald/model"
)

const seedYAML = `
templates:
  - tenant_id: tenant-1
    name: Report Approval
    applicable_type: REPORT
    status: ACTIVE
    steps:
      - order: 1
        name: Review
        approvers:
          kind: SPECIFIC_USERS
          users: [reviewer-1]
  - tenant_id: tenant-1
    name: Draft Process
    applicable_type: CUSTOM
    steps:
      - order: 1
        name: Check
        approvers:
          kind: SPECIFIC_USERS
          users: [checker-1]
`

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seed.yaml"), []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	svc, _ := newTestService()
	loader := NewLoader(svc)

	count, err := loader.LoadAll(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if count != 2 {
		t.Errorf("seeded = %d, want 2", count)
	}

	rctx := &model.RequestContext{SubjectID: "system", TenantID: "tenant-1"}
	active, err := svc.List(context.Background(), rctx, model.TemplateFilters{Status: model.TemplateStatusActive})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(active) != 1 || active[0].Name != "Report Approval" {
		t.Errorf("active templates = %v", active)
	}

	// Seeds without an explicit ACTIVE status stay DRAFT.
	drafts, _ := svc.List(context.Background(), rctx, model.TemplateFilters{Status: model.TemplateStatusDraft})
	if len(drafts) != 1 || drafts[0].Name != "Draft Process" {
		t.Errorf("draft templates = %v", drafts)
	}
}

func TestLoadAll_missingTenant(t *testing.T) {
	dir := t.TempDir()
	seed := `
templates:
  - name: No Tenant
    applicable_type: REPORT
    steps:
      - order: 1
        name: Review
        approvers:
          kind: SPECIFIC_USERS
          users: [u1]
`
	if err := os.WriteFile(filepath.Join(dir, "seed.yaml"), []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	svc, _ := newTestService()
	if _, err := NewLoader(svc).LoadAll(context.Background(), []string{dir}); err == nil {
		t.Error("expected error for seed without tenant_id")
	}
}

func TestLoadAll_ignoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a seed"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	svc, _ := newTestService()
	count, err := NewLoader(svc).LoadAll(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if count != 0 {
		t.Errorf("seeded = %d, want 0", count)
	}
}
