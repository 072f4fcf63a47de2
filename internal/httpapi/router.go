package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/common"
	"github.com/suPer8Hu/gravitychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/gravitychat/internal/httpapi/middleware"
	"github.com/suPer8Hu/gravitychat/internal/logging"
)

func NewRouter(h *handlers.Handler, log *zap.Logger) *gin.Engine {
	log = logging.OrNop(log)
	cfg := h.Cfg

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log.Named("access")))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// users register
	public := r.Group("/")
	public.Use(middleware.RateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst))
	public.POST("/users", h.CreateUser)
	public.POST("/login", h.Login)

	// auth
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.Use(middleware.RateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/users/:id", h.GetUserByID)

	// chat
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.POST("/chat/sessions/:session_id/switch", h.SwitchChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/hidden", h.SendHiddenMessage)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.POST("/chat/stop", h.StopGeneration)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	// personas
	authGroup.GET("/personas", h.ListPersonas)
	authGroup.POST("/personas", h.CreatePersona)
	authGroup.PUT("/personas/:id", h.UpdatePersona)
	authGroup.DELETE("/personas/:id", h.DeletePersona)
	authGroup.POST("/personas/select", h.SelectPersona)
	authGroup.POST("/personas/oracular", h.ToggleOracularMode)

	// settings and speech
	authGroup.GET("/settings", h.GetSettings)
	authGroup.PATCH("/settings", h.PatchSettings)
	authGroup.GET("/speech/voices", h.ListVoices)
	authGroup.POST("/speech/mic", h.SetMicState)
	authGroup.POST("/speech/voice-session", h.SetVoiceSession)
	authGroup.POST("/speech/stop", h.StopSpeech)

	// models
	authGroup.GET("/models", h.ListModels)
	authGroup.POST("/models/refresh", h.RefreshModels)
	authGroup.POST("/models/probe", h.ProbeModels)

	// local helpers
	if h.Local != nil {
		authGroup.GET("/local/health", h.LocalHealth)
		authGroup.GET("/local/models", h.LocalModels)
		authGroup.POST("/local/models/load", h.LoadLocalModel)
		authGroup.POST("/local/models/unload", h.UnloadLocalModel)
		authGroup.DELETE("/local/models/:file", h.DeleteLocalModel)
		authGroup.POST("/local/models/download", h.DownloadLocalModel)
		authGroup.GET("/local/models/search", h.SearchLocalModels)
		authGroup.GET("/local/system", h.LocalSystem)
	}

	authGroup.POST("/project/index", h.IndexProject)
	authGroup.GET("/status", h.Status)
	return r
}
