// Package approver turns a step's approver specification into a concrete set
// of principal IDs at the moment a step starts. Resolution happens exactly
// once per step execution; the result is frozen into the instance's step
// history.
package approver

import (
	"context"
	"fmt"
	"sort"

	"github.com/complyvue/approvald/model"
)

// RuntimeContext carries the data a dynamic rule may inspect: the entity
// under approval, the initiating principal, and template metadata.
type RuntimeContext struct {
	TenantID   string
	EntityType string
	EntityID   string
	Initiator  string
	Template   *model.WorkflowTemplate
}

// RuleFunc is a pre-vetted dynamic resolver selected by rule name. Rules are
// a closed registry, not arbitrary code execution.
type RuleFunc func(ctx context.Context, dir Directory, rctx RuntimeContext) ([]string, error)

// Resolver resolves approver specifications against the identity directory.
type Resolver struct {
	dir   Directory
	rules map[string]RuleFunc
}

// NewResolver creates a resolver with the built-in dynamic rules registered.
func NewResolver(dir Directory) *Resolver {
	r := &Resolver{
		dir:   dir,
		rules: make(map[string]RuleFunc),
	}
	r.RegisterRule("initiator", ruleInitiator)
	r.RegisterRule("initiator_manager", ruleInitiatorManager)
	r.RegisterRule("entity_owner", ruleEntityOwner)
	return r
}

// RegisterRule adds a named dynamic rule. Registering over an existing name
// replaces it.
func (r *Resolver) RegisterRule(name string, fn RuleFunc) {
	r.rules[name] = fn
}

// KnownRule reports whether a dynamic rule name is registered.
func (r *Resolver) KnownRule(name string) bool {
	_, ok := r.rules[name]
	return ok
}

// Resolve turns an approver spec into a deduplicated, sorted principal set.
// An empty result is an error: a step can never start without approvers.
func (r *Resolver) Resolve(ctx context.Context, spec model.ApproverSpec, rctx RuntimeContext) ([]string, error) {
	var principals []string
	var err error

	switch spec.Kind {
	case model.ApproverSpecificUsers:
		principals = spec.Users
	case model.ApproverRole:
		principals, err = r.dir.PrincipalsWithRole(ctx, rctx.TenantID, spec.Role)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", spec.Role, err)
		}
	case model.ApproverDynamic:
		rule, ok := r.rules[spec.DynamicRule]
		if !ok {
			return nil, model.NewValidationError(
				fmt.Sprintf("unknown dynamic rule %q", spec.DynamicRule),
			)
		}
		principals, err = rule(ctx, r.dir, rctx)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %q: %w", spec.DynamicRule, err)
		}
	default:
		return nil, model.NewValidationError(
			fmt.Sprintf("unknown approver kind %q", spec.Kind),
		)
	}

	out := dedupe(principals)
	if len(out) == 0 {
		return nil, model.NewValidationError(
			fmt.Sprintf("approver spec %q resolved to an empty set", spec.Kind),
		)
	}
	return out, nil
}

// --- built-in rules ---

func ruleInitiator(_ context.Context, _ Directory, rctx RuntimeContext) ([]string, error) {
	return []string{rctx.Initiator}, nil
}

func ruleInitiatorManager(ctx context.Context, dir Directory, rctx RuntimeContext) ([]string, error) {
	manager, err := dir.ManagerOf(ctx, rctx.TenantID, rctx.Initiator)
	if err != nil {
		return nil, err
	}
	if manager == "" {
		return nil, nil
	}
	return []string{manager}, nil
}

func ruleEntityOwner(ctx context.Context, dir Directory, rctx RuntimeContext) ([]string, error) {
	return dir.OwnersOf(ctx, rctx.TenantID, rctx.EntityType, rctx.EntityID)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
