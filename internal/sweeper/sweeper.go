// Package sweeper implements the periodic SLA scan: it flags overdue
// instances, fires one-time step escalations, and emits the corresponding
// notifications. The sweeper is just another writer; it competes with
// approver actions through the same compare-and-swap and backs off on
// conflict, catching up on the next pass.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/complyvue/approvald/internal/engine"
	"github.com/complyvue/approvald/internal/notify"
	"github.com/complyvue/approvald/internal/observability"
	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/model"
)

// Sweeper periodically scans IN_PROGRESS instances for SLA breaches and
// overdue steps.
type Sweeper struct {
	templates  template.Store
	store      engine.InstanceStore
	dispatcher notify.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	interval   time.Duration
	now        func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the sweeper's time source. For testing.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithMetrics attaches metric instruments to the sweeper.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// New creates a sweeper.
func New(templates template.Store, store engine.InstanceStore, dispatcher notify.Dispatcher, logger *zap.Logger, interval time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		templates:  templates,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately, then on every tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all IN_PROGRESS instances. Per-instance failures
// are logged and skipped; one stuck instance never stalls the rest.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweepRunsTotal.Inc()
	}

	instances, err := s.store.FindInProgress(ctx)
	if err != nil {
		s.logger.Error("sweep: list in-progress instances", zap.Error(err))
		return
	}

	// Templates repeat across instances; fetch each once per pass.
	cache := make(map[string]model.WorkflowTemplate)

	for _, inst := range instances {
		tpl, err := s.templateFor(ctx, cache, inst)
		if err != nil {
			s.logger.Warn("sweep: load template",
				zap.String("instance_id", inst.ID),
				zap.String("template_id", inst.TemplateID),
				zap.Error(err))
			continue
		}
		s.sweepInstance(ctx, inst, tpl)
	}
}

func (s *Sweeper) sweepInstance(ctx context.Context, inst model.WorkflowInstance, tpl model.WorkflowTemplate) {
	now := s.now()
	changed := false
	var events []model.Notification

	// Step-level auto-escalation. One escalation per step execution.
	// Evaluated before the SLA check so a breach in the same pass notifies
	// the escalation targets too.
	step := inst.CurrentStep()
	if step != nil && step.CompletedAt == nil && !step.Escalated {
		if def := stepDefinition(&tpl, step.StepOrder); def != nil && escalationDue(def, step, now) {
			step.Escalated = true
			step.EscalatedAt = &now
			step.EscalatedTo = def.AutoEscalate.EscalateTo

			inst.SLA.Escalated = true
			inst.SLA.EscalatedAt = &now
			inst.SLA.EscalatedTo = def.AutoEscalate.EscalateTo

			changed = true
			if s.metrics != nil {
				s.metrics.SweepEscalationsTotal.Inc()
			}
			events = append(events, model.Notification{
				Type:       model.EventEscalation,
				InstanceID: inst.ID,
				TenantID:   inst.TenantID,
				TemplateID: inst.TemplateID,
				Recipients: def.AutoEscalate.EscalateTo,
				OccurredAt: now,
			})
		}
	}

	// Instance-level SLA breach. The flag flips exactly once.
	if inst.SLA.ExpectedCompletionAt != nil && !inst.SLA.IsOverdue && now.After(*inst.SLA.ExpectedCompletionAt) {
		inst.SLA.IsOverdue = true
		changed = true
		if s.metrics != nil {
			s.metrics.SweepOverdueTotal.Inc()
		}
		if tpl.Notifications.BeforeSLA.Enabled {
			events = append(events, model.Notification{
				Type:       model.EventSLABreach,
				InstanceID: inst.ID,
				TenantID:   inst.TenantID,
				TemplateID: inst.TemplateID,
				Recipients: breachRecipients(inst),
				OccurredAt: now,
			})
		}
	}

	if !changed {
		return
	}

	if err := s.store.Update(ctx, inst); err != nil {
		if model.ErrorCode(err) == model.ErrConflict {
			// A concurrent approver action won the version race. The next
			// pass re-evaluates from fresh state.
			if s.metrics != nil {
				s.metrics.SweepConflictsTotal.Inc()
			}
			s.logger.Warn("sweep: lost version race",
				zap.String("instance_id", inst.ID))
			return
		}
		s.logger.Error("sweep: update instance",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
		return
	}

	s.logger.Info("sweep: instance updated",
		zap.String("instance_id", inst.ID),
		zap.Bool("overdue", inst.SLA.IsOverdue),
		zap.Bool("escalated", inst.SLA.Escalated))
	for _, n := range events {
		s.dispatcher.Dispatch(ctx, n)
	}
}

// escalationDue reports whether the step has been open longer than its
// escalation window.
func escalationDue(def *model.StepDefinition, step *model.StepExecution, now time.Time) bool {
	esc := def.AutoEscalate
	if !esc.Enabled || esc.AfterHours <= 0 || len(esc.EscalateTo) == 0 {
		return false
	}
	deadline := step.StartedAt.Add(time.Duration(esc.AfterHours) * time.Hour)
	return now.After(deadline)
}

// breachRecipients returns who hears about an SLA breach: everyone who can
// still act, plus the initiator.
func breachRecipients(inst model.WorkflowInstance) []string {
	var out []string
	if step := inst.CurrentStep(); step != nil && step.CompletedAt == nil {
		out = append(out, step.EffectiveAssignees()...)
	}
	for _, r := range out {
		if r == inst.InitiatedBy {
			return out
		}
	}
	return append(out, inst.InitiatedBy)
}

func (s *Sweeper) templateFor(ctx context.Context, cache map[string]model.WorkflowTemplate, inst model.WorkflowInstance) (model.WorkflowTemplate, error) {
	key := inst.TenantID + "/" + inst.TemplateID
	if tpl, ok := cache[key]; ok {
		return tpl, nil
	}
	tpl, err := s.templates.Get(ctx, inst.TenantID, inst.TemplateID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	cache[key] = tpl
	return tpl, nil
}

func stepDefinition(tpl *model.WorkflowTemplate, order int) *model.StepDefinition {
	for i := range tpl.Steps {
		if tpl.Steps[i].Order == order {
			return &tpl.Steps[i]
		}
	}
	return nil
}
