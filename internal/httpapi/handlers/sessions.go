package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/common"
)

func (h *Handler) ListChatSessions(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{
		"sessions":          ws.State.Sessions(),
		"active_session_id": ws.State.ActiveSessionID(),
	})
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	sess, err := ws.State.CreateSession()
	if err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	common.OK(c, gin.H{"session_id": sess.ID, "session": sess})
}

func (h *Handler) SwitchChatSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	if err := ws.State.SwitchSession(c.Param("session_id")); err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	common.OK(c, gin.H{"active_session_id": ws.State.ActiveSessionID(), "messages": visible(ws.State.Messages())})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	if err := ws.State.DeleteSession(c.Param("session_id")); err != nil {
		h.fail(c, err)
		return
	}
	ws.Save()
	common.OK(c, gin.H{"sessions": ws.State.Sessions(), "active_session_id": ws.State.ActiveSessionID()})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	msgs, err := ws.State.SessionMessages(c.Param("session_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": c.Param("session_id"), "messages": visible(msgs)})
}

// visible drops hidden messages, which are never shown or exported.
func visible(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Hidden {
			out = append(out, m)
		}
	}
	return out
}
