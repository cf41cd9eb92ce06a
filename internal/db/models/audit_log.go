// Package models - audit_log.go defines the AuditLog model for recording connection
// lifecycle transitions and administrative actions.
package models

import "time"

// Audit actions.
const (
	AuditActionInstanceCreated   = "instance.created"
	AuditActionTransition        = "instance.transition"
	AuditActionEmergencyReset    = "instance.emergency_reset"
	AuditActionQuarantined       = "monitoring.quarantined"
	AuditActionQuarantineCleared = "monitoring.quarantine_cleared"
	AuditActionMonitoringStopAll = "monitoring.stop_all"
	AuditActionMonitoringCleanup = "monitoring.cleanup"
)

// AuditTagEmergencyReset marks entries written by a guard-bypassing reset.
const AuditTagEmergencyReset = "emergency_reset"

// AuditLog is one append-only audit entry.
type AuditLog struct {
	ID             string                 `db:"id" json:"id"`
	OrganizationID *string                `db:"organization_id" json:"organization_id,omitempty"`
	InstanceID     *string                `db:"instance_id" json:"instance_id,omitempty"`
	Actor          string                 `db:"actor" json:"actor"`   // "user:<sub>", "provider:webhook", "system:monitor"
	Action         string                 `db:"action" json:"action"` // "instance.transition", "monitoring.quarantined"
	PreviousStatus *string                `db:"previous_status" json:"previous_status,omitempty"`
	NewStatus      *string                `db:"new_status" json:"new_status,omitempty"`
	Metadata       map[string]interface{} `db:"-" json:"metadata,omitempty"` // JSONB: trigger, tag, reason
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
}
