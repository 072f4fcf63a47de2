package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/common"
	"github.com/suPer8Hu/gravitychat/internal/memory"
)

type indexProjectReq struct {
	Path string `json:"path"`
}

// IndexProject indexes a directory as the caller's project context. With a
// configured project root, paths must stay inside it.
func (h *Handler) IndexProject(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req indexProjectReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	root, err := h.projectPath(req.Path)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
		return
	}
	idx, err := ws.IndexProject(c.Request.Context(), root)
	switch {
	case errors.Is(err, memory.ErrNoFiles):
		common.Fail(c, http.StatusUnprocessableEntity, 42201, "no indexable files found")
		return
	case err != nil && idx == nil:
		common.Fail(c, http.StatusBadRequest, 10006, err.Error())
		return
	case err != nil:
		h.Log.Warn("project index not persisted", zap.Error(err))
	}
	common.OK(c, gin.H{"root": idx.Root, "files": len(idx.Files), "indexed_at": idx.IndexedAt})
}

func (h *Handler) projectPath(p string) (string, error) {
	base := strings.TrimSpace(h.Cfg.ProjectRoot)
	p = strings.TrimSpace(p)
	if base == "" {
		if p == "" {
			return "", errors.New("path required")
		}
		return p, nil
	}
	if p == "" {
		return base, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path is outside the project root")
	}
	return p, nil
}
