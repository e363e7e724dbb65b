// Package notify defines the notification dispatcher consumed by the engine.
// The engine emits typed events; delivery (email, push) is an external
// collaborator's responsibility.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/complyvue/approvald/model"
)

// Dispatcher consumes engine-emitted notification events. Implementations
// must not block the calling engine operation; dispatch failures are the
// dispatcher's problem, never the workflow's.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification)
}

// LogDispatcher writes every event to the structured log. It is the default
// production dispatcher until a delivery collaborator is wired in.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher that logs events.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the notification.
func (d *LogDispatcher) Dispatch(_ context.Context, n model.Notification) {
	d.logger.Info("notification",
		zap.String("type", n.Type),
		zap.String("instance_id", n.InstanceID),
		zap.String("tenant_id", n.TenantID),
		zap.String("template_id", n.TemplateID),
		zap.Strings("recipients", n.Recipients),
	)
}

// RecordingDispatcher captures events in memory. For testing.
type RecordingDispatcher struct {
	mu     sync.Mutex
	events []model.Notification
}

// NewRecordingDispatcher creates an empty recording dispatcher.
func NewRecordingDispatcher() *RecordingDispatcher {
	return &RecordingDispatcher{}
}

// Dispatch records the notification.
func (d *RecordingDispatcher) Dispatch(_ context.Context, n model.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, n)
}

// Events returns a copy of all recorded notifications.
func (d *RecordingDispatcher) Events() []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Notification, len(d.events))
	copy(out, d.events)
	return out
}

// OfType returns recorded notifications with the given type.
func (d *RecordingDispatcher) OfType(eventType string) []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.Notification
	for _, n := range d.events {
		if n.Type == eventType {
			out = append(out, n)
		}
	}
	return out
}
