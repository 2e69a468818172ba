// controller/authz_controller.go
package controller

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
	"github.com/dev-mohitbeniwal/echo/authz/service"
	"github.com/dev-mohitbeniwal/echo/authz/util"
)

type AuthzController struct {
	authzService service.IAuthzService
}

func NewAuthzController(authzService service.IAuthzService) *AuthzController {
	return &AuthzController{
		authzService: authzService,
	}
}

type batchRequest struct {
	Requests []model.AuthorizationRequest `json:"requests"`
}

type batchResponse struct {
	Decisions []model.Decision `json:"decisions"`
}

type warmResponse struct {
	Stored int `json:"stored"`
}

type invalidationRequest struct {
	Scope model.Scope `json:"scope"`
}

// RegisterRoutes registers the API routes
func (ac *AuthzController) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/authorize", ac.Authorize)
	r.POST("/authorize/batch", ac.AuthorizeBatch)
	r.POST("/invalidations", ac.Invalidate)
	r.POST("/policies/reload", ac.ReloadPolicies)
	r.POST("/cache/warm", ac.Warm)
	r.GET("/cache/stats", ac.CacheStats)
	r.GET("/metrics/latency", ac.Latency)
}

// Authorize endpoint. Undecodable bodies get a 400; everything that decodes
// gets a decision, denials included.
func (ac *AuthzController) Authorize(c *gin.Context) {
	var req model.AuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.RespondWithError(c, http.StatusBadRequest, "Invalid authorization request", err)
		return
	}
	c.JSON(http.StatusOK, ac.authzService.Authorize(c.Request.Context(), req))
}

// AuthorizeBatch endpoint
func (ac *AuthzController) AuthorizeBatch(c *gin.Context) {
	var body batchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		util.RespondWithError(c, http.StatusBadRequest, "Invalid batch request", err)
		return
	}

	decisions, err := ac.authzService.AuthorizeBatch(c.Request.Context(), body.Requests)
	if err != nil {
		switch {
		case errors.Is(err, authzErrors.ErrBatchTooLarge):
			util.RespondWithError(c, http.StatusRequestEntityTooLarge, "Batch too large", err)
		case errors.Is(err, authzErrors.ErrInvalidRequest):
			util.RespondWithError(c, http.StatusBadRequest, "Invalid batch request", err)
		default:
			util.RespondWithError(c, http.StatusInternalServerError, "Failed to authorize batch", authzErrors.ErrInternalServer)
		}
		return
	}
	c.JSON(http.StatusOK, batchResponse{Decisions: decisions})
}

// Warm endpoint. Takes a batch body and answers with how many decisions
// were preloaded.
func (ac *AuthzController) Warm(c *gin.Context) {
	var body batchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		util.RespondWithError(c, http.StatusBadRequest, "Invalid warm-up request", err)
		return
	}

	stored, err := ac.authzService.Warm(c.Request.Context(), body.Requests)
	if err != nil {
		switch {
		case errors.Is(err, authzErrors.ErrBatchTooLarge):
			util.RespondWithError(c, http.StatusRequestEntityTooLarge, "Batch too large", err)
		case errors.Is(err, authzErrors.ErrInvalidRequest):
			util.RespondWithError(c, http.StatusBadRequest, "Invalid warm-up request", err)
		default:
			util.RespondWithError(c, http.StatusInternalServerError, "Failed to warm cache", authzErrors.ErrInternalServer)
		}
		return
	}
	c.JSON(http.StatusOK, warmResponse{Stored: stored})
}

// Invalidate endpoint
func (ac *AuthzController) Invalidate(c *gin.Context) {
	var body invalidationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		util.RespondWithError(c, http.StatusBadRequest, "Invalid invalidation scope", err)
		return
	}

	ev, err := ac.authzService.Invalidate(c.Request.Context(), body.Scope)
	if err != nil {
		switch {
		case errors.Is(err, authzErrors.ErrInvalidScope):
			util.RespondWithError(c, http.StatusBadRequest, "Invalid invalidation scope", err)
		case errors.Is(err, authzErrors.ErrInvalidationDelivery), errors.Is(err, authzErrors.ErrBusClosed):
			util.RespondWithError(c, http.StatusServiceUnavailable, "Invalidation not accepted", err)
		default:
			util.RespondWithError(c, http.StatusInternalServerError, "Failed to invalidate", authzErrors.ErrInternalServer)
		}
		return
	}
	c.JSON(http.StatusAccepted, ev)
}

// ReloadPolicies endpoint
func (ac *AuthzController) ReloadPolicies(c *gin.Context) {
	version, err := ac.authzService.ReloadPolicies(c.Request.Context())
	if err != nil {
		if errors.Is(err, authzErrors.ErrPolicyReloadUnsupported) {
			util.RespondWithError(c, http.StatusNotImplemented, "Policy reload not supported", err)
		} else {
			util.RespondWithError(c, http.StatusInternalServerError, "Failed to reload policies", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ruleset_version": version})
}

func (ac *AuthzController) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, ac.authzService.Stats())
}

func (ac *AuthzController) Latency(c *gin.Context) {
	c.JSON(http.StatusOK, ac.authzService.Latency())
}

func (ac *AuthzController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, ac.authzService.Health(c.Request.Context()))
}
