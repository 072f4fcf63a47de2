package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/gravitychat/internal/common"
	"github.com/suPer8Hu/gravitychat/internal/localllm"
)

const statusTimeout = 5 * time.Second

// Status reports the reachability of every backing service, probed
// concurrently.
func (h *Handler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()

	var (
		helpers localllm.HelperStatus
		redisOK bool
		dbOK    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	if h.Local != nil {
		g.Go(func() error {
			helpers = h.Local.Status(gctx, h.Cfg.BridgeURL, h.Cfg.TTSURL)
			return nil
		})
	}
	if h.Redis != nil {
		g.Go(func() error {
			redisOK = h.Redis.Ping(gctx) == nil
			return nil
		})
	}
	if h.DB != nil {
		g.Go(func() error {
			sqlDB, err := h.DB.DB()
			if err == nil {
				dbOK = sqlDB.PingContext(gctx) == nil
			}
			return nil
		})
	}
	_ = g.Wait()

	common.OK(c, gin.H{
		"helpers":    helpers,
		"redis":      redisOK,
		"db":         dbOK,
		"workspaces": h.Hub.Len(),
	})
}
