package middleware

import (
	"net/http"
	"strings"
	"time"

	"GuardDispatch/pkg/cache"

	"github.com/gin-gonic/gin"
)

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 决定一段时间内重复请求的拒绝窗口
	Store      cache.Cache
}

// IdempotencyMiddleware rejects a repeated Idempotency-Key within TTL. Requests
// without the header pass through; a failed request releases its key so the
// client can retry.
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" || cfg.Store == nil {
			c.Next()
			return
		}
		key = "idem:" + c.FullPath() + ":" + key

		ok, err := cfg.Store.SetNX(c.Request.Context(), key, time.Now().Unix(), cfg.TTL)
		if err != nil {
			// 存储不可用时放行，不阻塞派单
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "duplicate request"})
			return
		}
		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			_ = cfg.Store.Delete(c.Request.Context(), key)
		}
	}
}
