package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/gravitychat/internal/common"
)

// ListModels returns the cloud catalogue with the workspace's current and
// free models.
func (h *Handler) ListModels(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	out := gin.H{
		"current": ws.State.Model(),
		"local":   ws.State.LocalMode(),
		"free":    ws.State.FreeModels(),
	}
	if h.Models != nil {
		models, err := h.Models.ListModels(c.Request.Context())
		if err != nil {
			common.Fail(c, http.StatusBadGateway, 50203, "list models: "+transportMessage(err))
			return
		}
		out["models"] = models
	}
	common.OK(c, out)
}

// RefreshModels re-discovers the free models feeding the fallback chain.
func (h *Handler) RefreshModels(c *gin.Context) {
	models, err := h.Hub.RefreshFreeModels(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusBadGateway, 50203, "refresh models: "+transportMessage(err))
		return
	}
	free := 0
	for _, m := range models {
		if m.Free {
			free++
		}
	}
	common.OK(c, gin.H{"total": len(models), "free": free})
}

type probeReq struct {
	Models []string `json:"models"`
}

// ProbeModels runs a one word completion against each model.
func (h *Handler) ProbeModels(c *gin.Context) {
	if h.Models == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50304, "cloud backend not configured")
		return
	}
	var req probeReq
	_ = c.ShouldBindJSON(&req) // allow empty {}
	common.OK(c, gin.H{"results": h.Models.ProbeAll(c.Request.Context(), req.Models)})
}
