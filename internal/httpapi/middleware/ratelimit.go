package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/suPer8Hu/gravitychat/internal/common"
)

const limiterIdle = 10 * time.Minute

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimit applies a token bucket per authenticated user, or per client IP
// before authentication. perSec <= 0 disables it.
func RateLimit(perSec float64, burst int) gin.HandlerFunc {
	if perSec <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	var (
		mu       sync.Mutex
		visitors = map[string]*visitor{}
	)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid, ok := c.Get(UserIDKey); ok {
			key = fmt.Sprintf("user:%v", uid)
		}
		now := time.Now()

		mu.Lock()
		v, ok := visitors[key]
		if !ok {
			v = &visitor{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
			visitors[key] = v
		}
		v.seen = now
		if len(visitors) > 1024 {
			for k, other := range visitors {
				if now.Sub(other.seen) > limiterIdle {
					delete(visitors, k)
				}
			}
		}
		allowed := v.lim.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests")
			return
		}
		c.Next()
	}
}
