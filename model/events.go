package model

import "time"

// Notification event types emitted by the engine. Delivery mechanics are an
// external collaborator's responsibility.
const (
	EventSubmission = "SUBMISSION"
	EventApproval   = "APPROVAL"
	EventRejection  = "REJECTION"
	EventSLABreach  = "SLA_BREACH"
	EventEscalation = "ESCALATION"
)

// Recipient classes a notification rule may target.
const (
	RecipientInitiator = "INITIATOR"
	RecipientApprovers = "APPROVERS"
)

// Notification is a typed event consumed by the notification dispatcher.
type Notification struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	TenantID   string    `json:"tenant_id"`
	TemplateID string    `json:"template_id,omitempty"`
	Recipients []string  `json:"recipients"`
	OccurredAt time.Time `json:"occurred_at"`
}
