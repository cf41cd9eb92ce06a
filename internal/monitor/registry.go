// Package monitor supervises connected channel instances: it schedules
// periodic health checks, counts consecutive failures and quarantines
// instances that keep failing.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/channelhub/channelhub/internal/clock"
	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/telemetry"
)

// Defaults.
const (
	DefaultInterval         = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultInactiveTTL      = 24 * time.Hour
)

// ActorMonitor is the audit actor for decisions the registry makes itself.
const ActorMonitor = "system:monitor"

// ErrNotRegistered is returned when an operation needs a record that does not exist.
var ErrNotRegistered = errors.New("instance is not registered for monitoring")

// SupervisionStatus is the registry's view of an instance.
type SupervisionStatus string

const (
	SupervisionActive      SupervisionStatus = "active"
	SupervisionInactive    SupervisionStatus = "inactive"
	SupervisionError       SupervisionStatus = "error"
	SupervisionProblematic SupervisionStatus = "problematic"
)

// System health levels reported by Status.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// HealthChecker performs one health check of an instance.
type HealthChecker interface {
	CheckHealth(ctx context.Context, instanceID string) error
}

// AuditRecorder records quarantine decisions.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Record is the supervision state of one instance.
type Record struct {
	InstanceID            string            `json:"instance_id"`
	OrganizationID        string            `json:"organization_id"`
	SupervisionStatus     SupervisionStatus `json:"supervision_status"`
	LastCheckAt           *time.Time        `json:"last_check_at,omitempty"`
	LastError             string            `json:"last_error,omitempty"`
	ConsecutiveErrorCount int               `json:"consecutive_error_count"`
	Interval              time.Duration     `json:"interval"`
	Monitoring            bool              `json:"monitoring"`
	RegisteredAt          time.Time         `json:"registered_at"`
	LastActivityAt        time.Time         `json:"last_activity_at"`
}

// QuarantineEntry marks an instance as problematic. Manual entries are only
// removed by an explicit clear; automatic ones also clear on a successful check.
type QuarantineEntry struct {
	InstanceID     string    `json:"instance_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Reason         string    `json:"reason"`
	Manual         bool      `json:"manual"`
	Since          time.Time `json:"since"`
}

// Report is the aggregate supervision status.
type Report struct {
	Total        int      `json:"total"`
	Monitoring   int      `json:"monitoring"`
	Active       int      `json:"active"`
	Inactive     int      `json:"inactive"`
	Error        int      `json:"error"`
	Problematic  int      `json:"problematic"`
	Quarantined  int      `json:"quarantined"`
	SystemHealth string   `json:"system_health"`
	Records      []Record `json:"records"`
}

// Options configures a Registry.
type Options struct {
	DefaultInterval  time.Duration
	FailureThreshold int
	InactiveTTL      time.Duration
	Clock            clock.Clock
	Scheduler        Scheduler
	Audit            AuditRecorder
}

// Registry holds one Record per registered instance and the quarantine set.
// Health checks run outside the registry lock; a result is discarded if the
// record it was started for has since been unregistered.
type Registry struct {
	mu         sync.Mutex
	records    map[string]*Record
	tasks      map[string]func()
	quarantine map[string]*QuarantineEntry
	closed     bool

	checker   HealthChecker
	opts      Options
	inflight  sync.WaitGroup
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// NewRegistry creates a registry. The health checker is attached with
// SetHealthChecker since it usually depends on the registry itself.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.InactiveTTL <= 0 {
		opts.InactiveTTL = DefaultInactiveTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = TickerScheduler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		records:    make(map[string]*Record),
		tasks:      make(map[string]func()),
		quarantine: make(map[string]*QuarantineEntry),
		opts:       opts,
		baseCtx:    ctx,
		cancelAll:  cancel,
	}
}

// SetHealthChecker attaches the checker used by scheduled checks.
func (r *Registry) SetHealthChecker(c HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checker = c
}

// Register creates an active record for instanceID if it has none. A record
// turns inactive only when its monitoring is stopped.
func (r *Registry) Register(instanceID, organizationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Clock.Now()
	if rec, ok := r.records[instanceID]; ok {
		rec.LastActivityAt = now
		if organizationID != "" {
			rec.OrganizationID = organizationID
		}
		return
	}
	r.records[instanceID] = &Record{
		InstanceID:        instanceID,
		OrganizationID:    organizationID,
		SupervisionStatus: SupervisionActive,
		Interval:          r.opts.DefaultInterval,
		RegisteredAt:      now,
		LastActivityAt:    now,
	}
	if q, ok := r.quarantine[instanceID]; ok {
		r.records[instanceID].SupervisionStatus = SupervisionProblematic
		if q.OrganizationID == "" {
			q.OrganizationID = organizationID
		}
	}
}

// Unregister stops monitoring and removes the record. Quarantine entries are
// kept so the instance stays blocked until explicitly cleared.
func (r *Registry) Unregister(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTaskLocked(instanceID)
	delete(r.records, instanceID)
	r.updateGaugesLocked()
}

// StartMonitoring schedules health checks for a registered instance,
// replacing any existing schedule. A zero interval uses the default.
func (r *Registry) StartMonitoring(instanceID string, interval time.Duration) error {
	if interval <= 0 {
		interval = r.opts.DefaultInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("monitoring registry is shut down")
	}
	rec, ok := r.records[instanceID]
	if !ok {
		return fmt.Errorf("%s: %w", instanceID, ErrNotRegistered)
	}

	r.stopTaskLocked(instanceID)
	rec.Interval = interval
	rec.Monitoring = true
	rec.LastActivityAt = r.opts.Clock.Now()
	if rec.SupervisionStatus == SupervisionInactive {
		rec.SupervisionStatus = SupervisionActive
	}
	r.tasks[instanceID] = r.opts.Scheduler.Every(interval, func() { r.runCheck(instanceID, rec) })
	r.updateGaugesLocked()

	slog.Debug("monitoring started", "instance_id", instanceID, "interval", interval)
	return nil
}

// StopMonitoring cancels scheduled checks but keeps the record.
func (r *Registry) StopMonitoring(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTaskLocked(instanceID)
	if rec, ok := r.records[instanceID]; ok {
		rec.Monitoring = false
		rec.LastActivityAt = r.opts.Clock.Now()
		if rec.SupervisionStatus != SupervisionProblematic {
			rec.SupervisionStatus = SupervisionInactive
		}
	}
	r.updateGaugesLocked()
}

// ForceStop releases the task handle for instanceID even when no record exists.
// It reports whether a task was running.
func (r *Registry) ForceStop(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, had := r.tasks[instanceID]
	r.stopTaskLocked(instanceID)
	if rec, ok := r.records[instanceID]; ok {
		rec.Monitoring = false
		if rec.SupervisionStatus != SupervisionProblematic {
			rec.SupervisionStatus = SupervisionInactive
		}
	}
	r.updateGaugesLocked()
	return had
}

// StopAll cancels every scheduled check and returns how many were running.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.tasks)
	for id := range r.tasks {
		r.stopTaskLocked(id)
	}
	for _, rec := range r.records {
		rec.Monitoring = false
		if rec.SupervisionStatus != SupervisionProblematic {
			rec.SupervisionStatus = SupervisionInactive
		}
	}
	r.updateGaugesLocked()
	return n
}

// Get returns a copy of the record for instanceID.
func (r *Registry) Get(instanceID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[instanceID]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// IsQuarantined reports whether instanceID is in the quarantine set.
func (r *Registry) IsQuarantined(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.quarantine[instanceID]
	return ok
}

// ---------------------------------------------------------------------------
// Quarantine control
// ---------------------------------------------------------------------------

// Quarantine adds a manual quarantine entry. It reports false when the
// instance was already quarantined; an automatic entry is upgraded to manual.
func (r *Registry) Quarantine(ctx context.Context, instanceID, reason, actor string) bool {
	r.mu.Lock()
	entry, exists := r.quarantine[instanceID]
	if exists {
		entry.Manual = true
		if reason != "" {
			entry.Reason = reason
		}
		r.mu.Unlock()
		return false
	}
	entry = &QuarantineEntry{InstanceID: instanceID, Reason: reason, Manual: true, Since: r.opts.Clock.Now()}
	if rec, ok := r.records[instanceID]; ok {
		entry.OrganizationID = rec.OrganizationID
		rec.SupervisionStatus = SupervisionProblematic
	}
	r.quarantine[instanceID] = entry
	r.updateGaugesLocked()
	snapshot := *entry
	r.mu.Unlock()

	r.recordQuarantine(ctx, models.AuditActionQuarantined, snapshot, actor)
	slog.Warn("instance quarantined", "instance_id", instanceID, "reason", reason, "actor", actor)
	return true
}

// ClearQuarantine removes instanceID from the quarantine set and resets its
// failure counter. It reports whether an entry was removed.
func (r *Registry) ClearQuarantine(ctx context.Context, instanceID, actor string) bool {
	r.mu.Lock()
	entry, ok := r.quarantine[instanceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.quarantine, instanceID)
	if rec, ok := r.records[instanceID]; ok {
		rec.ConsecutiveErrorCount = 0
		rec.LastError = ""
		if rec.Monitoring {
			rec.SupervisionStatus = SupervisionActive
		} else {
			rec.SupervisionStatus = SupervisionInactive
		}
	}
	r.updateGaugesLocked()
	snapshot := *entry
	r.mu.Unlock()

	r.recordQuarantine(ctx, models.AuditActionQuarantineCleared, snapshot, actor)
	slog.Info("instance quarantine cleared", "instance_id", instanceID, "actor", actor)
	return true
}

// ListQuarantined returns the quarantine set, oldest first.
func (r *Registry) ListQuarantined() []QuarantineEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QuarantineEntry, 0, len(r.quarantine))
	for _, e := range r.quarantine {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// ---------------------------------------------------------------------------
// Status / Cleanup / Shutdown
// ---------------------------------------------------------------------------

// Status returns aggregate counts and the derived system health: critical
// when at least half the records are problematic, degraded from a fifth.
func (r *Registry) Status() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{Total: len(r.records), Quarantined: len(r.quarantine), Records: make([]Record, 0, len(r.records))}
	for _, rec := range r.records {
		if rec.Monitoring {
			rep.Monitoring++
		}
		switch rec.SupervisionStatus {
		case SupervisionActive:
			rep.Active++
		case SupervisionInactive:
			rep.Inactive++
		case SupervisionError:
			rep.Error++
		case SupervisionProblematic:
			rep.Problematic++
		}
		rep.Records = append(rep.Records, copyRecord(rec))
	}
	sort.Slice(rep.Records, func(i, j int) bool { return rep.Records[i].InstanceID < rep.Records[j].InstanceID })
	rep.SystemHealth = systemHealth(rep.Problematic, rep.Total)
	return rep
}

func systemHealth(problematic, total int) string {
	if total == 0 {
		return HealthHealthy
	}
	switch {
	case problematic*2 >= total:
		return HealthCritical
	case problematic*5 >= total:
		return HealthDegraded
	}
	return HealthHealthy
}

// Cleanup removes records with no activity for longer than the inactive TTL
// and returns how many were removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.opts.Clock.Now().Add(-r.opts.InactiveTTL)
	removed := 0
	for id, rec := range r.records {
		if rec.LastActivityAt.Before(cutoff) {
			r.stopTaskLocked(id)
			delete(r.records, id)
			removed++
		}
	}
	if removed > 0 {
		r.updateGaugesLocked()
		slog.Info("removed idle monitoring records", "count", removed)
	}
	return removed
}

// Shutdown stops all schedules and waits for in-flight checks. If ctx expires
// first, in-flight checks are cancelled and ctx's error is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.StopAll()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancelAll()
		return nil
	case <-ctx.Done():
		r.cancelAll()
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

type quarantineEvent struct {
	action string
	entry  QuarantineEntry
}

// runCheck performs one scheduled check for rec.
func (r *Registry) runCheck(instanceID string, rec *Record) {
	r.mu.Lock()
	if r.closed || r.records[instanceID] != rec || !rec.Monitoring || r.checker == nil {
		r.mu.Unlock()
		return
	}
	checker := r.checker
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	err := checker.CheckHealth(r.baseCtx, instanceID)
	if ev := r.applyResult(instanceID, rec, err); ev != nil {
		r.recordQuarantine(r.baseCtx, ev.action, ev.entry, ActorMonitor)
	}
}

// applyResult folds one check result into rec and the quarantine set.
func (r *Registry) applyResult(instanceID string, rec *Record, err error) *quarantineEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[instanceID] != rec {
		telemetry.HealthChecksTotal.WithLabelValues("discarded").Inc()
		return nil
	}

	now := r.opts.Clock.Now()
	rec.LastCheckAt = &now
	rec.LastActivityAt = now

	if err == nil {
		telemetry.HealthChecksTotal.WithLabelValues("success").Inc()
		rec.ConsecutiveErrorCount = 0
		rec.LastError = ""
		entry, quarantined := r.quarantine[instanceID]
		if !quarantined {
			rec.SupervisionStatus = SupervisionActive
			return nil
		}
		if entry.Manual {
			return nil
		}
		delete(r.quarantine, instanceID)
		rec.SupervisionStatus = SupervisionActive
		r.updateGaugesLocked()
		slog.Info("instance recovered, quarantine lifted", "instance_id", instanceID)
		return &quarantineEvent{action: models.AuditActionQuarantineCleared, entry: *entry}
	}

	telemetry.HealthChecksTotal.WithLabelValues("failure").Inc()
	rec.ConsecutiveErrorCount++
	rec.LastError = err.Error()
	if rec.ConsecutiveErrorCount < r.opts.FailureThreshold {
		if rec.SupervisionStatus != SupervisionProblematic {
			rec.SupervisionStatus = SupervisionError
		}
		slog.Warn("instance health check failed", "instance_id", instanceID,
			"consecutive_errors", rec.ConsecutiveErrorCount, "error", err)
		return nil
	}

	rec.SupervisionStatus = SupervisionProblematic
	if _, already := r.quarantine[instanceID]; already {
		return nil
	}
	entry := &QuarantineEntry{
		InstanceID:     instanceID,
		OrganizationID: rec.OrganizationID,
		Reason:         fmt.Sprintf("%d consecutive health check failures: %v", rec.ConsecutiveErrorCount, err),
		Since:          now,
	}
	r.quarantine[instanceID] = entry
	r.updateGaugesLocked()
	slog.Error("instance quarantined after repeated health check failures", "instance_id", instanceID,
		"consecutive_errors", rec.ConsecutiveErrorCount, "error", err)
	return &quarantineEvent{action: models.AuditActionQuarantined, entry: *entry}
}

func (r *Registry) recordQuarantine(ctx context.Context, action string, entry QuarantineEntry, actor string) {
	if r.opts.Audit == nil {
		return
	}
	id := entry.InstanceID
	log := &models.AuditLog{
		InstanceID: &id,
		Actor:      actor,
		Action:     action,
		Metadata:   map[string]interface{}{"reason": entry.Reason, "manual": entry.Manual},
		CreatedAt:  r.opts.Clock.Now(),
	}
	if entry.OrganizationID != "" {
		org := entry.OrganizationID
		log.OrganizationID = &org
	}
	if err := r.opts.Audit.Record(ctx, log); err != nil {
		slog.Error("failed to record quarantine audit entry", "instance_id", id, "action", action, "error", err)
	}
}

func (r *Registry) stopTaskLocked(instanceID string) {
	if cancel, ok := r.tasks[instanceID]; ok {
		cancel()
		delete(r.tasks, instanceID)
	}
}

func (r *Registry) updateGaugesLocked() {
	telemetry.MonitoredInstances.Set(float64(len(r.tasks)))
	telemetry.QuarantinedInstances.Set(float64(len(r.quarantine)))
}

func copyRecord(rec *Record) Record {
	out := *rec
	if rec.LastCheckAt != nil {
		t := *rec.LastCheckAt
		out.LastCheckAt = &t
	}
	return out
}
