// Package events defines the bus subjects and event types used across the
// edge worker.
package events

// Inbound webhook events, published by the webhook intake.
const (
	WebhookSessionCreated    = "webhook.session.created"
	WebhookSessionPrompted   = "webhook.session.prompted"
	WebhookIssueAssigned     = "webhook.issue.assigned"
	WebhookIssueUnassigned   = "webhook.issue.unassigned"
	WebhookIssueStatusChange = "webhook.issue.status_changed"

	// WebhookAll matches every inbound webhook subject.
	WebhookAll = "webhook.>"
)

// Outbound session notifications, published by the orchestrator.
const (
	SessionCreated       = "session.created"
	SessionStatusChanged = "session.status_changed"
	SessionStopped       = "session.stopped"
)

// Queue group used by orchestrator subscriptions so only one worker handles
// each webhook when multiple edge processes share a NATS server.
const OrchestratorQueue = "orchestrator"
