package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/gravitychat/internal/common"
)

type personaReq struct {
	Name         string `json:"name" binding:"required"`
	SystemPrompt string `json:"systemPrompt" binding:"required"`
}

func (h *Handler) ListPersonas(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	active := ""
	if p, ok := ws.State.ActivePersona(); ok {
		active = p.ID
	}
	common.OK(c, gin.H{"personas": ws.State.Personas(), "active": active})
}

func (h *Handler) CreatePersona(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req personaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "name and systemPrompt required")
		return
	}
	p, err := ws.State.CreatePersona(req.Name, req.SystemPrompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	common.OK(c, gin.H{"persona": p})
}

func (h *Handler) UpdatePersona(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req personaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "name and systemPrompt required")
		return
	}
	p, err := ws.State.UpdatePersona(c.Param("id"), req.Name, req.SystemPrompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	common.OK(c, gin.H{"persona": p})
}

func (h *Handler) DeletePersona(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	if err := ws.State.DeletePersona(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	common.OK(c, gin.H{"deleted": c.Param("id")})
}

type selectPersonaReq struct {
	// ID is empty to return to the default assistant.
	ID string `json:"id"`
}

// SelectPersona switches persona and tells the model through a hidden
// message.
func (h *Handler) SelectPersona(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req selectPersonaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	cmd, err := ws.State.SelectPersona(req.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	h.runHidden(c, ws, cmd, gin.H{"active": req.ID})
}

type oracularModeReq struct {
	Mode string `json:"mode" binding:"required"`
}

// ToggleOracularMode flips one oracular mode and announces it; the toggle is
// rolled back when the announcement fails.
func (h *Handler) ToggleOracularMode(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req oracularModeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "mode required")
		return
	}
	cmd, on, err := ws.State.ToggleOracularMode(req.Mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.runHidden(c, ws, cmd, gin.H{"mode": req.Mode, "on": on}) {
		ws.State.SetOracularMode(req.Mode, !on)
	}
	ws.Save()
}
