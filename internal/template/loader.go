package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/complyvue/approvald/model"
)

// Loader seeds workflow templates from YAML files at startup. Seed files are
// useful for fixture tenants and for shipping a default approval process
// with the dashboard.
type Loader struct {
	service *Service
}

// NewLoader creates a template Loader.
func NewLoader(service *Service) *Loader {
	return &Loader{service: service}
}

type seedFile struct {
	Templates []model.WorkflowTemplate `yaml:"templates"`
}

// LoadAll recursively scans directories for *.yaml and *.yml files and seeds
// each template they contain. Templates carrying status ACTIVE in the seed
// are activated after creation. Returns the number of templates seeded.
func (l *Loader) LoadAll(ctx context.Context, directories []string) (int, error) {
	count := 0
	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			n, err := l.loadFile(ctx, path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			count += n
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}
	return count, nil
}

func (l *Loader) loadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, tpl := range seed.Templates {
		if tpl.TenantID == "" {
			return 0, fmt.Errorf("template %q: tenant_id is required in seed files", tpl.Name)
		}
		rctx := &model.RequestContext{SubjectID: "system", TenantID: tpl.TenantID}

		wantActive := tpl.Status == model.TemplateStatusActive
		created, err := l.service.Create(ctx, rctx, tpl)
		if err != nil {
			return 0, err
		}
		if wantActive {
			if _, err := l.service.Activate(ctx, rctx, created.ID); err != nil {
				return 0, err
			}
		}
	}
	return len(seed.Templates), nil
}
