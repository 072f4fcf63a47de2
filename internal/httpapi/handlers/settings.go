package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/common"
)

func (h *Handler) GetSettings(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{"settings": ws.State.Preferences()})
}

func (h *Handler) PatchSettings(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var patch chat.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := ws.ApplySettings(patch); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"settings": ws.State.Preferences()})
}

func (h *Handler) ListVoices(c *gin.Context) {
	if h.TTS == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50303, "tts helper not configured")
		return
	}
	voices, err := h.TTS.Voices(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusBadGateway, 50204, "tts helper unavailable: "+err.Error())
		return
	}
	common.OK(c, gin.H{"voices": voices})
}

type micReq struct {
	Recording bool `json:"recording"`
}

// SetMicState records the client's capture state so speech playback can
// pause it.
func (h *Handler) SetMicState(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req micReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ws.Mic.Set(req.Recording)
	common.OK(c, gin.H{"recording": ws.Mic.Recording(), "speaking": ws.Speech.Speaking()})
}

type voiceSessionReq struct {
	On bool `json:"on"`
}

func (h *Handler) SetVoiceSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req voiceSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ws.Speech.SetVoiceSession(req.On)
	common.OK(c, gin.H{"voice_session": req.On})
}

func (h *Handler) StopSpeech(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	ws.Speech.StopAll()
	common.OK(c, gin.H{"speaking": false})
}
