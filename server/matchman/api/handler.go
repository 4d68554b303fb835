package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	commonauth "skilltrade_server/server/common/auth"
	"skilltrade_server/server/common/middleware"
	"skilltrade_server/server/common/transport/httpresp"
	"skilltrade_server/server/matchman/domain"
	matchservice "skilltrade_server/server/matchman/service"
)

type Handler struct {
	svc  *matchservice.MatchingService
	auth *commonauth.Service
}

func NewHandler(svc *matchservice.MatchingService, auth *commonauth.Service) *Handler {
	return &Handler{svc: svc, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	api := r.Group("/api/v1/matching")
	{
		api.POST("/entries", h.addEntry)
		api.POST("/search", h.search)
		api.GET("/stats", h.stats)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.AuthRequired(h.auth), middleware.RequireRoles(commonauth.RoleAdmin))
	{
		admin.POST("/reload", h.reload)
		admin.POST("/rebuild", h.rebuild)
		admin.POST("/restore", h.restore)
	}
}

func (h *Handler) health(c *gin.Context) {
	stats := h.svc.Stats()
	status := "ok"
	if stats.Status != domain.StoreReady {
		status = "degraded"
	}
	c.JSON(http.StatusOK, httpresp.NewHealthResponse(status, string(stats.Status)))
}

func (h *Handler) addEntry(c *gin.Context) {
	var req domain.AddEntryInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewCodedErrorResponse(err.Error(), string(matchservice.KindValidation)))
		return
	}
	if err := h.svc.AddEntry(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) search(c *gin.Context) {
	var req domain.SearchInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewCodedErrorResponse(err.Error(), string(matchservice.KindValidation)))
		return
	}
	results, err := h.svc.Search(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SearchResponse{Results: results})
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

func (h *Handler) reload(c *gin.Context) {
	if err := h.svc.Reload(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Stats())
}

func (h *Handler) rebuild(c *gin.Context) {
	result, err := h.svc.Rebuild(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RebuildResponse{OK: true, RebuildResult: result})
}

func (h *Handler) restore(c *gin.Context) {
	if err := h.svc.Restore(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Stats())
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := errorBody(err)
	_ = c.Error(err)
	c.JSON(status, body)
}
