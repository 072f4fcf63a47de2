package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/gravitychat/internal/common"
)

func (h *Handler) localFail(c *gin.Context, op string, err error) {
	common.Fail(c, http.StatusBadGateway, 50205, op+": "+transportMessage(err))
}

func (h *Handler) LocalHealth(c *gin.Context) {
	common.OK(c, gin.H{"health": h.Local.Health(c.Request.Context())})
}

func (h *Handler) LocalModels(c *gin.Context) {
	models, err := h.Local.Models(c.Request.Context())
	if err != nil {
		h.localFail(c, "list local models", err)
		return
	}
	common.OK(c, gin.H{"models": models})
}

type localFileReq struct {
	Filename string `json:"filename" binding:"required"`
}

func (h *Handler) LoadLocalModel(c *gin.Context) {
	var req localFileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "filename required")
		return
	}
	if err := h.Local.Load(c.Request.Context(), req.Filename); err != nil {
		h.localFail(c, "load model", err)
		return
	}
	common.OK(c, gin.H{"health": h.Local.Health(c.Request.Context())})
}

func (h *Handler) UnloadLocalModel(c *gin.Context) {
	if err := h.Local.Unload(c.Request.Context()); err != nil {
		h.localFail(c, "unload model", err)
		return
	}
	common.OK(c, gin.H{"unloaded": true})
}

func (h *Handler) DeleteLocalModel(c *gin.Context) {
	file := c.Param("file")
	if err := h.Local.Delete(c.Request.Context(), file); err != nil {
		h.localFail(c, "delete model", err)
		return
	}
	common.OK(c, gin.H{"deleted": file})
}

type downloadReq struct {
	RepoID   string `json:"repo_id" binding:"required"`
	Filename string `json:"filename" binding:"required"`
}

func (h *Handler) DownloadLocalModel(c *gin.Context) {
	var req downloadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "repo_id and filename required")
		return
	}
	if err := h.Local.Download(c.Request.Context(), req.RepoID, req.Filename); err != nil {
		h.localFail(c, "download model", err)
		return
	}
	common.OK(c, gin.H{"started": true})
}

func (h *Handler) SearchLocalModels(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "q required")
		return
	}
	results, err := h.Local.Search(c.Request.Context(), q)
	if err != nil {
		h.localFail(c, "search models", err)
		return
	}
	common.OK(c, gin.H{"results": results})
}

func (h *Handler) LocalSystem(c *gin.Context) {
	info, err := h.Local.SystemInfo(c.Request.Context())
	if err != nil {
		h.localFail(c, "system info", err)
		return
	}
	common.OK(c, gin.H{"system": info})
}
