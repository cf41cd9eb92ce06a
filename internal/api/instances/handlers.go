// Package instances implements the management API for channel instances:
// creation, pairing, status, disconnect and provider sync.
package instances

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/channelhub/channelhub/internal/api/apierr"
	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/instance"
	"github.com/channelhub/channelhub/internal/middleware"
)

// Service is the lifecycle surface used by the handlers.
type Service interface {
	Create(ctx context.Context, organizationID, displayName, actor string) (*models.ChannelInstance, error)
	GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error)
	ListInstances(ctx context.Context, organizationID string) ([]*models.ChannelInstance, error)
	View(inst *models.ChannelInstance) instance.StatusView
	Connect(ctx context.Context, id, actor string) (*instance.ConnectResult, error)
	GetStatus(ctx context.Context, id, actor string) (*instance.StatusView, error)
	RefreshPairingCode(ctx context.Context, id, actor string) (*instance.PairingResult, error)
	Disconnect(ctx context.Context, id, actor string) (*instance.StatusView, error)
	Sync(ctx context.Context, organizationID, actor string) (*instance.SyncResult, error)
}

// Handlers serves /api/v1/instances and /api/v1/organizations/:organization_id/sync.
type Handlers struct {
	svc Service
}

// NewHandlers creates a new Handlers instance
func NewHandlers(svc Service) *Handlers {
	return &Handlers{svc: svc}
}

// CreateInstanceRequest is the body of POST /api/v1/instances.
type CreateInstanceRequest struct {
	OrganizationID string `json:"organization_id" binding:"required"`
	DisplayName    string `json:"display_name" binding:"required"`
}

// Register mounts the routes on an authenticated group.
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.POST("/instances", h.CreateInstanceHandler())
	g.GET("/instances", h.ListInstancesHandler())
	g.GET("/instances/:id", h.GetInstanceHandler())
	g.POST("/instances/:id/connect", h.ConnectHandler())
	g.GET("/instances/:id/status", h.StatusHandler())
	g.POST("/instances/:id/pairing-code/refresh", h.RefreshPairingCodeHandler())
	g.POST("/instances/:id/disconnect", h.DisconnectHandler())
	g.POST("/organizations/:organization_id/sync", h.SyncHandler())
}

// authorize loads the instance and checks the caller may act on its organization.
// Instances of other organizations are reported as not found.
func (h *Handlers) authorize(c *gin.Context) (*models.ChannelInstance, bool) {
	id := c.Param("id")
	inst, err := h.svc.GetInstance(c.Request.Context(), id)
	if err != nil {
		apierr.Write(c, err)
		return nil, false
	}
	if claims := middleware.GetClaims(c); claims != nil && !claims.CanAccessOrganization(inst.OrganizationID) {
		apierr.Write(c, &instance.Error{Code: instance.CodeInstanceNotFound, Message: "instance not found", InstanceID: id})
		return nil, false
	}
	return inst, true
}

func canAccessOrg(c *gin.Context, orgID string) bool {
	claims := middleware.GetClaims(c)
	if claims != nil && !claims.CanAccessOrganization(orgID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Not a member of this organization",
			"code":  "forbidden",
		})
		return false
	}
	return true
}

// @Summary      Create instance
// @Tags         Instances
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateInstanceRequest  true  "Organization and display name"
// @Success      201  {object}  instance.StatusView
// @Failure      400  {object}  map[string]interface{}  "invalid_input"
// @Failure      409  {object}  map[string]interface{}  "already_exists"
// @Failure      502  {object}  map[string]interface{}  "provider_error"
// @Router       /api/v1/instances [post]
// CreateInstanceHandler creates a provider session and its record
func (h *Handlers) CreateInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateInstanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "organization_id and display_name are required")
			return
		}
		if !canAccessOrg(c, req.OrganizationID) {
			return
		}

		inst, err := h.svc.Create(c.Request.Context(), req.OrganizationID, req.DisplayName, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusCreated, h.svc.View(inst))
	}
}

// ListInstancesHandler lists the instances of one organization
// GET /api/v1/instances?organization_id=...
func (h *Handlers) ListInstancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := strings.TrimSpace(c.Query("organization_id"))
		if orgID == "" {
			if claims := middleware.GetClaims(c); claims != nil {
				orgID = claims.OrganizationID
			}
		}
		if orgID == "" {
			apierr.BadRequest(c, "organization_id is required")
			return
		}
		if !canAccessOrg(c, orgID) {
			return
		}

		list, err := h.svc.ListInstances(c.Request.Context(), orgID)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		views := make([]instance.StatusView, 0, len(list))
		for _, inst := range list {
			views = append(views, h.svc.View(inst))
		}
		c.JSON(http.StatusOK, gin.H{"instances": views, "total": len(views)})
	}
}

// GetInstanceHandler returns the stored view without contacting the provider
// GET /api/v1/instances/:id
func (h *Handlers) GetInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := h.authorize(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, h.svc.View(inst))
	}
}

// @Summary      Connect instance
// @Description  Starts pairing. Returns the pairing code and seconds until it expires; repeated calls while connecting return the current code.
// @Tags         Instances
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Instance ID"
// @Success      200  {object}  instance.ConnectResult
// @Failure      404  {object}  map[string]interface{}  "instance_not_found"
// @Failure      409  {object}  map[string]interface{}  "already_connected, invalid_transition or concurrent_modification"
// @Failure      423  {object}  map[string]interface{}  "instance_quarantined"
// @Failure      502  {object}  map[string]interface{}  "provider_error"
// @Router       /api/v1/instances/{id}/connect [post]
// ConnectHandler starts pairing
func (h *Handlers) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := h.authorize(c)
		if !ok {
			return
		}
		res, err := h.svc.Connect(c.Request.Context(), inst.ID, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// StatusHandler reconciles with the provider and returns the live view
// GET /api/v1/instances/:id/status
func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := h.authorize(c)
		if !ok {
			return
		}
		view, err := h.svc.GetStatus(c.Request.Context(), inst.ID, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// @Summary      Refresh pairing code
// @Tags         Instances
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Instance ID"
// @Success      200  {object}  instance.PairingResult
// @Failure      409  {object}  map[string]interface{}  "invalid_transition"
// @Failure      425  {object}  map[string]interface{}  "scan_in_progress"
// @Router       /api/v1/instances/{id}/pairing-code/refresh [post]
// RefreshPairingCodeHandler issues a new pairing code
func (h *Handlers) RefreshPairingCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := h.authorize(c)
		if !ok {
			return
		}
		res, err := h.svc.RefreshPairingCode(c.Request.Context(), inst.ID, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// DisconnectHandler logs the session out
// POST /api/v1/instances/:id/disconnect
func (h *Handlers) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := h.authorize(c)
		if !ok {
			return
		}
		view, err := h.svc.Disconnect(c.Request.Context(), inst.ID, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// SyncHandler reconciles an organization's records with the provider
// POST /api/v1/organizations/:organization_id/sync
func (h *Handlers) SyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.Param("organization_id")
		if !canAccessOrg(c, orgID) {
			return
		}
		res, err := h.svc.Sync(c.Request.Context(), orgID, middleware.GetActor(c))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
