package approver

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Directory is the identity collaborator queried during approver resolution.
// Role membership is a point-in-time snapshot, not a live binding.
type Directory interface {
	// PrincipalsWithRole returns all principals currently holding the role
	// within the tenant.
	PrincipalsWithRole(ctx context.Context, tenantID, role string) ([]string, error)

	// ManagerOf returns the manager of the given principal, or "" if none is
	// recorded.
	ManagerOf(ctx context.Context, tenantID, principalID string) (string, error)

	// OwnersOf returns the principals that own the given business entity.
	OwnersOf(ctx context.Context, tenantID, entityType, entityID string) ([]string, error)
}

type directoryFile struct {
	Tenants map[string]tenantDirectory `yaml:"tenants"`
}

type tenantDirectory struct {
	Roles    map[string][]string `yaml:"roles"`
	Managers map[string]string   `yaml:"managers"`
	Owners   map[string][]string `yaml:"owners"`
}

// StaticDirectory resolves role membership, managers, and entity owners from
// a static YAML file. Owners are keyed as "<entityType>/<entityId>".
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	data directoryFile
}

// NewStaticDirectory creates a directory that loads its data from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// PrincipalsWithRole returns the principals holding the role in the tenant.
func (d *StaticDirectory) PrincipalsWithRole(_ context.Context, tenantID, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, ok := d.data.Tenants[tenantID]
	if !ok {
		return nil, nil
	}
	members := tenant.Roles[role]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// ManagerOf returns the manager of the principal, or "" if none is recorded.
func (d *StaticDirectory) ManagerOf(_ context.Context, tenantID, principalID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, ok := d.data.Tenants[tenantID]
	if !ok {
		return "", nil
	}
	return tenant.Managers[principalID], nil
}

// OwnersOf returns the recorded owners of the entity.
func (d *StaticDirectory) OwnersOf(_ context.Context, tenantID, entityType, entityID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, ok := d.data.Tenants[tenantID]
	if !ok {
		return nil, nil
	}
	owners := tenant.Owners[entityType+"/"+entityID]
	out := make([]string, len(owners))
	copy(out, owners)
	return out, nil
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.data = f
	d.mu.Unlock()

	return nil
}
