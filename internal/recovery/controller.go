// Package recovery implements the administrative operations used to get
// instances out of bad states: emergency resets, suspension and manual
// quarantine control. Callers are expected to hold an elevated role; the HTTP
// layer enforces it.
package recovery

import (
	"context"
	"log/slog"

	"github.com/channelhub/channelhub/internal/clock"
	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/instance"
	"github.com/channelhub/channelhub/internal/monitor"
)

// InstanceService is the lifecycle surface the controller drives.
type InstanceService interface {
	GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error)
	ForceStatus(ctx context.Context, id string, target models.InstanceStatus, actor, reason string) (*models.ChannelInstance, error)
	Suspend(ctx context.Context, id, actor, reason string) (*models.ChannelInstance, error)
	Reactivate(ctx context.Context, id, actor string) (*models.ChannelInstance, error)
}

// Supervisor is the monitoring surface the controller drives.
type Supervisor interface {
	ForceStop(instanceID string) bool
	Quarantine(ctx context.Context, instanceID, reason, actor string) bool
	ClearQuarantine(ctx context.Context, instanceID, actor string) bool
	ListQuarantined() []monitor.QuarantineEntry
	StopAll() int
	Cleanup() int
	Status() monitor.Report
}

// AuditSink records bulk actions that are not tied to one instance.
type AuditSink interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Controller coordinates recovery operations across the service and registry.
type Controller struct {
	instances InstanceService
	monitor   Supervisor
	audit     AuditSink
	clock     clock.Clock
}

// NewController creates a Controller. A nil clk uses the system clock.
func NewController(instances InstanceService, sup Supervisor, audit AuditSink, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		instances: instances,
		monitor:   sup,
		audit:     audit,
		clock:     clk,
	}
}

// ResetResult describes an emergency reset.
type ResetResult struct {
	Instance          *models.ChannelInstance `json:"instance"`
	PreviousStatus    models.InstanceStatus   `json:"previous_status"`
	MonitoringStopped bool                    `json:"monitoring_stopped"`
}

// ResetInstance forces an instance into target, disconnected when empty,
// without consulting the transition table, and releases its monitoring task.
func (c *Controller) ResetInstance(ctx context.Context, id string, target models.InstanceStatus, actor, reason string) (*ResetResult, error) {
	if target == "" {
		target = models.StatusDisconnected
	}
	before, err := c.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	inst, err := c.instances.ForceStatus(ctx, id, target, actor, reason)
	if err != nil {
		return nil, err
	}
	stopped := c.monitor.ForceStop(id)

	slog.Warn("emergency reset performed", "instance_id", id, "from", before.Status, "to", target,
		"actor", actor, "monitoring_stopped", stopped)
	return &ResetResult{Instance: inst, PreviousStatus: before.Status, MonitoringStopped: stopped}, nil
}

// SuspendInstance takes an instance out of service.
func (c *Controller) SuspendInstance(ctx context.Context, id, actor, reason string) (*models.ChannelInstance, error) {
	inst, err := c.instances.Suspend(ctx, id, actor, reason)
	if err != nil {
		return nil, err
	}
	c.monitor.ForceStop(id)
	return inst, nil
}

// ReactivateInstance returns a suspended instance to disconnected.
func (c *Controller) ReactivateInstance(ctx context.Context, id, actor string) (*models.ChannelInstance, error) {
	return c.instances.Reactivate(ctx, id, actor)
}

// MarkProblematic quarantines an instance by hand. It reports false if the
// instance was already quarantined.
func (c *Controller) MarkProblematic(ctx context.Context, id, reason, actor string) (bool, error) {
	if _, err := c.instances.GetInstance(ctx, id); err != nil {
		return false, err
	}
	return c.monitor.Quarantine(ctx, id, reason, actor), nil
}

// ClearProblematic lifts a quarantine. Clearing an instance that is not
// quarantined returns instance_not_found.
func (c *Controller) ClearProblematic(ctx context.Context, id, actor string) error {
	if !c.monitor.ClearQuarantine(ctx, id, actor) {
		return &instance.Error{Code: instance.CodeInstanceNotFound, Message: "instance is not quarantined", InstanceID: id}
	}
	return nil
}

// ListProblematic returns the quarantine set.
func (c *Controller) ListProblematic() []monitor.QuarantineEntry {
	return c.monitor.ListQuarantined()
}

// MonitoringStatus returns the registry's aggregate status.
func (c *Controller) MonitoringStatus() monitor.Report {
	return c.monitor.Status()
}

// StopAll halts every monitoring task and returns how many were stopped.
func (c *Controller) StopAll(ctx context.Context, actor string) int {
	n := c.monitor.StopAll()
	c.recordBulk(ctx, models.AuditActionMonitoringStopAll, actor, n)
	slog.Warn("all monitoring stopped", "actor", actor, "count", n)
	return n
}

// Cleanup removes idle monitoring records.
func (c *Controller) Cleanup(ctx context.Context, actor string) int {
	n := c.monitor.Cleanup()
	if n > 0 {
		c.recordBulk(ctx, models.AuditActionMonitoringCleanup, actor, n)
	}
	return n
}

func (c *Controller) recordBulk(ctx context.Context, action, actor string, count int) {
	if c.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Actor:     actor,
		Action:    action,
		Metadata:  map[string]interface{}{"count": count},
		CreatedAt: c.clock.Now(),
	}
	if err := c.audit.Record(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "action", action, "error", err)
	}
}
