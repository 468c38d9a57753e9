package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
)

// LoggerConfig 日志中间件配置
type LoggerConfig struct {
	// Logger 日志实例（必填）
	Logger logger.Logger

	// SkipFunc 跳过日志的函数
	SkipFunc func(c *gin.Context) bool

	// ExcludePaths 排除的路径（不记录日志）
	ExcludePaths []string
}

// Logger 创建访问日志中间件。
// 记录请求方法、路径、客户端 IP、状态码、耗时，按状态码选择日志级别。
func Logger(log logger.Logger, cfgs ...*LoggerConfig) gin.HandlerFunc {
	cfg := &LoggerConfig{Logger: log}
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}
	if cfg.Logger == nil {
		cfg.Logger = log
	}

	skipMap := make(map[string]bool)
	for _, path := range cfg.ExcludePaths {
		skipMap[path] = true
	}

	return func(c *gin.Context) {
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}
		if skipMap[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		clientIP := c.ClientIP()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		ctx := c.Request.Context()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", clientIP),
		}
		switch {
		case status >= 500:
			cfg.Logger.ErrorContext(ctx, "request completed", fields...)
		case status >= 400:
			cfg.Logger.WarnContext(ctx, "request completed", fields...)
		default:
			cfg.Logger.InfoContext(ctx, "request completed", fields...)
		}
	}
}
