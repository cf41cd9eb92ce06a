// Package admin implements the administrative recovery API: emergency resets,
// suspension, quarantine control, monitoring status and the audit trail.
// All routes require the admin role.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/channelhub/channelhub/internal/api/apierr"
	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/db/repositories"
	"github.com/channelhub/channelhub/internal/middleware"
	"github.com/channelhub/channelhub/internal/monitor"
	"github.com/channelhub/channelhub/internal/recovery"
)

// Recovery is the controller surface used by the handlers.
type Recovery interface {
	ResetInstance(ctx context.Context, id string, target models.InstanceStatus, actor, reason string) (*recovery.ResetResult, error)
	SuspendInstance(ctx context.Context, id, actor, reason string) (*models.ChannelInstance, error)
	ReactivateInstance(ctx context.Context, id, actor string) (*models.ChannelInstance, error)
	MarkProblematic(ctx context.Context, id, reason, actor string) (bool, error)
	ClearProblematic(ctx context.Context, id, actor string) error
	ListProblematic() []monitor.QuarantineEntry
	MonitoringStatus() monitor.Report
	StopAll(ctx context.Context, actor string) int
	Cleanup(ctx context.Context, actor string) int
}

// AuditLister reads the audit trail.
type AuditLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

// Handlers serves /api/v1/admin.
type Handlers struct {
	recovery Recovery
	audit    AuditLister
}

// NewHandlers creates a new Handlers instance
func NewHandlers(rec Recovery, audit AuditLister) *Handlers {
	return &Handlers{recovery: rec, audit: audit}
}

// Register mounts the routes on an admin-only group.
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.POST("/instances/:id/reset", h.ResetInstanceHandler())
	g.POST("/instances/:id/suspend", h.SuspendInstanceHandler())
	g.POST("/instances/:id/reactivate", h.ReactivateInstanceHandler())
	g.GET("/quarantine", h.ListQuarantineHandler())
	g.POST("/quarantine/:id", h.QuarantineHandler())
	g.DELETE("/quarantine/:id", h.ClearQuarantineHandler())
	g.GET("/monitoring/status", h.MonitoringStatusHandler())
	g.POST("/monitoring/stop-all", h.StopAllHandler())
	g.POST("/monitoring/cleanup", h.CleanupHandler())
	g.GET("/audit-logs", h.ListAuditLogsHandler())
}

// ResetRequest is the optional body of the reset endpoint.
type ResetRequest struct {
	Target models.InstanceStatus `json:"target"`
	Reason string                `json:"reason"`
}

// ReasonRequest carries an operator-supplied reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		apierr.BadRequest(c, "invalid request body")
		return false
	}
	return true
}

// @Summary      Emergency reset
// @Description  Forces an instance into the target status (disconnected by default) without transition checks and stops its monitoring.
// @Tags         Admin
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string        true   "Instance ID"
// @Param        body  body  ResetRequest  false  "Target status and reason"
// @Success      200  {object}  recovery.ResetResult
// @Failure      400  {object}  map[string]interface{}  "invalid_input"
// @Failure      404  {object}  map[string]interface{}  "instance_not_found"
// @Router       /api/v1/admin/instances/{id}/reset [post]
// ResetInstanceHandler performs an emergency reset
func (h *Handlers) ResetInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResetRequest
		if !bindOptional(c, &req) {
			return
		}
		if req.Target != "" && !req.Target.Valid() {
			apierr.BadRequest(c, "unknown target status "+strconv.Quote(string(req.Target)))
			return
		}
		res, err := h.recovery.ResetInstance(c.Request.Context(), c.Param("id"), req.Target, middleware.GetActor(c), req.Reason)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// SuspendInstanceHandler takes an instance out of service
// POST /api/v1/admin/instances/:id/suspend
func (h *Handlers) SuspendInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReasonRequest
		if !bindOptional(c, &req) {
			return
		}
		inst, err := h.recovery.SuspendInstance(c.Request.Context(), c.Param("id"), middleware.GetActor(c), req.Reason)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// ReactivateInstanceHandler returns a suspended instance to disconnected
// POST /api/v1/admin/instances/:id/reactivate
func (h *Handlers) ReactivateInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.recovery.ReactivateInstance(c.Request.Context(), c.Param("id"), middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// ListQuarantineHandler lists quarantined instances
// GET /api/v1/admin/quarantine
func (h *Handlers) ListQuarantineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := h.recovery.ListProblematic()
		c.JSON(http.StatusOK, gin.H{"quarantined": entries, "total": len(entries)})
	}
}

// QuarantineHandler quarantines an instance by hand
// POST /api/v1/admin/quarantine/:id
func (h *Handlers) QuarantineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReasonRequest
		if !bindOptional(c, &req) {
			return
		}
		added, err := h.recovery.MarkProblematic(c.Request.Context(), c.Param("id"), req.Reason, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		status := http.StatusOK
		if added {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{"instance_id": c.Param("id"), "quarantined": true, "added": added})
	}
}

// ClearQuarantineHandler lifts a quarantine
// DELETE /api/v1/admin/quarantine/:id
func (h *Handlers) ClearQuarantineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.recovery.ClearProblematic(c.Request.Context(), c.Param("id"), middleware.GetActor(c)); err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"instance_id": c.Param("id"), "quarantined": false})
	}
}

// MonitoringStatusHandler returns aggregate supervision status
// GET /api/v1/admin/monitoring/status
func (h *Handlers) MonitoringStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.recovery.MonitoringStatus())
	}
}

// StopAllHandler halts every monitoring task
// POST /api/v1/admin/monitoring/stop-all
func (h *Handlers) StopAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n := h.recovery.StopAll(c.Request.Context(), middleware.GetActor(c))
		c.JSON(http.StatusOK, gin.H{"stopped": n})
	}
}

// CleanupHandler removes idle monitoring records
// POST /api/v1/admin/monitoring/cleanup
func (h *Handlers) CleanupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n := h.recovery.Cleanup(c.Request.Context(), middleware.GetActor(c))
		c.JSON(http.StatusOK, gin.H{"removed": n})
	}
}

// @Summary      List audit logs
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        organization_id  query  string  false  "Filter by organization"
// @Param        instance_id      query  string  false  "Filter by instance"
// @Param        actor            query  string  false  "Filter by actor"
// @Param        action           query  string  false  "Filter by action"
// @Param        start_date       query  string  false  "RFC3339 lower bound"
// @Param        end_date         query  string  false  "RFC3339 upper bound"
// @Param        page             query  int     false  "Page number (default 1)"
// @Param        per_page         query  int     false  "Items per page, max 100 (default 50)"
// @Success      200  {object}  map[string]interface{}  "audit_logs: []models.AuditLog, pagination: {page, per_page, total}"
// @Router       /api/v1/admin/audit-logs [get]
// ListAuditLogsHandler lists audit entries newest first
func (h *Handlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 50
		}

		var filters repositories.AuditFilters
		for param, dst := range map[string]**string{
			"organization_id": &filters.OrganizationID,
			"instance_id":     &filters.InstanceID,
			"actor":           &filters.Actor,
			"action":          &filters.Action,
		} {
			if v := c.Query(param); v != "" {
				*dst = &v
			}
		}
		for param, dst := range map[string]**time.Time{
			"start_date": &filters.StartDate,
			"end_date":   &filters.EndDate,
		} {
			v := c.Query(param)
			if v == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				apierr.BadRequest(c, param+" must be an RFC3339 timestamp")
				return
			}
			*dst = &ts
		}

		logs, total, err := h.audit.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			apierr.Write(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"audit_logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}
