package statusapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/zapctx"
)

// loggerMiddleware adds a zap logger to the request context. A logger
// already on the context wins over the server's own.
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := zapctx.WithComponent(zapctx.Ensure(c.Request.Context(), logger), "statusapi")
		ctx = zapctx.WithFields(ctx,
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		zapctx.Debug(ctx, "Request served",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
