package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/common"
	"github.com/suPer8Hu/gravitychat/internal/workspace"
)

const (
	heartbeatInterval = 15 * time.Second
	speechDrainPoll   = 100 * time.Millisecond
	speechDrainLimit  = 2 * time.Minute
)

type attachmentReq struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    int64  `json:"size"`
	Text    string `json:"text"`
	FileRef string `json:"file_ref"`
}

type sendMessageReq struct {
	Message     string          `json:"message"`
	Attachments []attachmentReq `json:"attachments"`
}

func (r sendMessageReq) attachments() []chat.Attachment {
	if len(r.Attachments) == 0 {
		return nil
	}
	out := make([]chat.Attachment, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		out = append(out, chat.Attachment{
			ID:      common.NewRequestID(),
			Name:    a.Name,
			Type:    a.Type,
			Size:    a.Size,
			FileRef: a.FileRef,
			Text:    a.Text,
		})
	}
	return out
}

func (h *Handler) SendChatMessageStream(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		h.fail(c, chat.ErrEmptyMessage)
		return
	}
	if ws.State.Streaming() {
		h.fail(c, chat.ErrBusy)
		return
	}

	ctx := c.Request.Context()
	sink := newSSESink(c, h.Renderer)
	defer sink.close()
	ws.Mic.SetListener(sink.mic)
	defer ws.Mic.SetListener(nil)

	type result struct {
		reply chat.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := ws.Chat.SendMessage(ctx, sink, req.Message, req.attachments())
		done <- result{reply, err}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var res result
wait:
	for {
		select {
		case res = <-done:
			break wait
		case <-ticker.C:
			sink.ping()
		}
	}

	if res.err != nil {
		e := classify(res.err)
		payload := gin.H{"code": e.code, "message": e.msg}
		var ie *chat.InterruptedError
		if errors.As(res.err, &ie) {
			payload["partial"] = ie.Partial
		}
		if ctx.Err() == nil {
			h.Log.Info("generation failed", zap.Uint64("user_id", ws.UserID), zap.Error(res.err))
		}
		_ = sink.send("error", payload)
		return
	}
	_ = sink.send("done", gin.H{"reply": res.reply})

	if ws.State.Preferences().AutoSpeak {
		h.waitForSpeech(ctx, ws, sink)
	}
}

// waitForSpeech keeps the stream open while queued sentences are spoken so
// their audio reaches this client.
func (h *Handler) waitForSpeech(ctx context.Context, ws *workspace.Workspace, sink *sseSink) {
	ctx, cancel := context.WithTimeout(ctx, speechDrainLimit)
	defer cancel()
	ticker := time.NewTicker(speechDrainPoll)
	defer ticker.Stop()
	for ws.Speech.Speaking() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	_ = sink.send("speech_done", gin.H{})
}

type hiddenMessageReq struct {
	Message string `json:"message" binding:"required"`
}

// SendHiddenMessage sends a command the model sees but the transcript does
// not show, answering with the final reply.
func (h *Handler) SendHiddenMessage(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req hiddenMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	h.runHidden(c, ws, req.Message, gin.H{})
}

func (h *Handler) runHidden(c *gin.Context, ws *workspace.Workspace, command string, extra gin.H) bool {
	rec := &chat.Recorder{}
	reply, err := ws.Chat.SendHiddenMessage(c.Request.Context(), rec, command)
	if err != nil {
		h.fail(c, err)
		return false
	}
	extra["command"] = command
	extra["reply"] = reply
	extra["model_switches"] = rec.Switches()
	extra["notices"] = rec.Notices()
	common.OK(c, extra)
	return true
}

func (h *Handler) StopGeneration(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	ws.Chat.Stop()
	common.OK(c, gin.H{"stopped": true})
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req hiddenMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if h.Publisher == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "async jobs are disabled")
		return
	}
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		h.fail(c, err)
		return
	}
	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      ws.State.ActiveSessionID(),
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	ctx := c.Request.Context()
	created := true
	if idempoKeyPtr == nil {
		err = h.Jobs.CreateJob(ctx, j)
	} else {
		j, created, err = h.Jobs.CreateJobOrGetExisting(ctx, j)
	}
	if err != nil {
		h.Log.Error("create job", zap.Uint64("user_id", uid), zap.String("job_id", jobID), zap.Error(err))
		h.fail(c, err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Publisher.PublishJob(ctx, j.ID); err != nil {
			h.Log.Error("publish job", zap.String("job_id", j.ID), zap.Error(err))
			_ = h.Jobs.MarkJobFailed(context.WithoutCancel(ctx), j.ID, "enqueue failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}
	common.OK(c, gin.H{"job_id": j.ID, "session_id": j.SessionID, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	// other users' jobs read as missing
	j, err := h.Jobs.GetJobForUser(c.Request.Context(), uid, jobID)
	if err != nil {
		if classify(err).status == http.StatusNotFound {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"job": j})
}

// transportMessage is the error text shown for a failed backend call.
func transportMessage(err error) string {
	return ai.ErrorMessage(err)
}
