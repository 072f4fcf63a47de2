package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/common"
	"github.com/suPer8Hu/gravitychat/internal/config"
	"github.com/suPer8Hu/gravitychat/internal/httpapi/middleware"
	"github.com/suPer8Hu/gravitychat/internal/localllm"
	"github.com/suPer8Hu/gravitychat/internal/logging"
	"github.com/suPer8Hu/gravitychat/internal/render"
	"github.com/suPer8Hu/gravitychat/internal/speech"
	"github.com/suPer8Hu/gravitychat/internal/workspace"
)

// JobPublisher enqueues async generation jobs.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// ModelCatalog is the cloud model listing and diagnostic surface.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]ai.ModelInfo, error)
	ProbeAll(ctx context.Context, models []string) []ai.ProbeResult
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	Hub       *workspace.Hub
	Jobs      *chat.Repo
	Publisher JobPublisher
	Models    ModelCatalog
	Local     *localllm.Client
	TTS       *speech.TTSClient
	Redis     Pinger
	Renderer  *render.Renderer
	Log       *zap.Logger
}

func NewHandler(h Handler) *Handler {
	h.Log = logging.OrNop(h.Log).Named("http")
	if h.Renderer == nil {
		h.Renderer = render.New()
	}
	if h.Jobs == nil && h.DB != nil {
		h.Jobs = chat.NewRepo(h.DB)
	}
	return &h
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// workspace resolves the caller's workspace, writing the failure response
// itself when it returns false.
func (h *Handler) workspace(c *gin.Context) (*workspace.Workspace, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}
	ws, err := h.Hub.Get(c.Request.Context(), uid)
	if err != nil {
		h.Log.Error("load workspace", zap.Uint64("user_id", uid), zap.Error(err))
		common.Fail(c, http.StatusServiceUnavailable, 50301, "workspace unavailable")
		return nil, false
	}
	return ws, true
}

type errorCode struct {
	status int
	code   int
	msg    string
}

// classify maps domain errors to the response envelope.
func classify(err error) errorCode {
	var te *ai.TransportError
	var ie *chat.InterruptedError
	switch {
	case errors.Is(err, chat.ErrBusy):
		return errorCode{http.StatusConflict, 40901, "a generation is already in progress"}
	case errors.Is(err, chat.ErrOracularInactive):
		return errorCode{http.StatusConflict, 40902, "oracular function is not engaged"}
	case errors.Is(err, chat.ErrStateReset):
		return errorCode{http.StatusConflict, 40903, "state was reset, please retry"}
	case errors.Is(err, chat.ErrEmptyMessage):
		return errorCode{http.StatusBadRequest, 10002, "message is empty"}
	case errors.Is(err, chat.ErrInvalidSettings):
		return errorCode{http.StatusBadRequest, 10004, err.Error()}
	case errors.Is(err, chat.ErrSessionNotFound):
		return errorCode{http.StatusNotFound, 40401, "session not found"}
	case errors.Is(err, chat.ErrPersonaNotFound):
		return errorCode{http.StatusNotFound, 40403, "persona not found"}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errorCode{http.StatusNotFound, 40402, "not found"}
	case errors.As(err, &ie):
		return errorCode{http.StatusBadGateway, 50202, "response interrupted: " + ai.ErrorMessage(ie.Err)}
	case errors.Is(err, chat.ErrAllFallbacksFailed):
		return errorCode{http.StatusBadGateway, 50201, err.Error()}
	case errors.As(err, &te):
		return errorCode{http.StatusBadGateway, 50203, ai.ErrorMessage(te)}
	case errors.Is(err, context.Canceled):
		return errorCode{499, 49900, "request cancelled"}
	default:
		return errorCode{http.StatusInternalServerError, 50001, "internal error"}
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	e := classify(err)
	if e.status >= 500 {
		h.Log.Warn("request failed",
			zap.String("path", c.FullPath()),
			zap.String(middleware.RequestIDKey, c.GetString(middleware.RequestIDKey)),
			zap.Error(err),
		)
	}
	common.Fail(c, e.status, e.code, e.msg)
}
