// Package middleware 提供服务的 HTTP 中间件。
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tokmz/agentgate/pkg/logger"
)

// RequestIDHeader 请求标识响应头
const RequestIDHeader = "X-Request-ID"

// RequestID 为每个请求生成或透传追踪标识，并注入日志上下文
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Next()
	}
}
