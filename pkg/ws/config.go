package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tokmz/agentgate/pkg/logger"
)

// Config 核心配置
type Config struct {
	// 连接配置
	MaxConnections   int           // 最大连接数
	ReadBufferSize   int           // 读缓冲区大小
	WriteBufferSize  int           // 写缓冲区大小
	HandshakeTimeout time.Duration // 握手超时时间
	MaxMessageSize   int64         // 最大消息大小
	WriteTimeout     time.Duration // 单次发送超时

	// 心跳配置
	HeartbeatInterval time.Duration // 心跳间隔
	HeartbeatTimeout  time.Duration // 心跳超时（pong 等待）

	// 清理配置
	MaxIdle       time.Duration // 非 connected 连接的最大闲置时长（默认 300s）
	SweepInterval time.Duration // 后台清理间隔

	// 恢复配置
	RetryBaseDelay   time.Duration // 退避基础延迟（默认 1s）
	RetryMaxAttempts int           // 最大重试次数（默认 3）
	BypassLayers     []string      // middleware_bypass 旁路的中间层名单

	// 诊断配置
	RingSize         int           // 失败/恢复环形缓冲容量（默认 1000）
	SnapshotInterval time.Duration // 周期快照间隔

	// 握手配置
	CheckOrigin    func(*http.Request) bool // Origin 检查函数
	AllowedOrigins []string                 // Origin 白名单

	// 依赖注入
	Validator TokenValidator
	Metrics   Metrics
	Logger    logger.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    512 * 1024,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		MaxIdle:           300 * time.Second,
		SweepInterval:     60 * time.Second,
		RetryBaseDelay:    time.Second,
		RetryMaxAttempts:  3,
		BypassLayers:      []string{"auth", "cors", "session"},
		RingSize:          1000,
		SnapshotInterval:  5 * time.Minute,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Validator == nil {
		return fmt.Errorf("%w: token validator is required", ErrInvalidConfig)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: MaxConnections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: WriteTimeout must be positive, got %v", ErrInvalidConfig, c.WriteTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxIdle <= 0 {
		return fmt.Errorf("%w: MaxIdle must be positive, got %v", ErrInvalidConfig, c.MaxIdle)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: SweepInterval must be positive, got %v", ErrInvalidConfig, c.SweepInterval)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: RetryBaseDelay must be positive, got %v", ErrInvalidConfig, c.RetryBaseDelay)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("%w: RetryMaxAttempts must be positive, got %d", ErrInvalidConfig, c.RetryMaxAttempts)
	}
	if c.RingSize <= 0 {
		return fmt.Errorf("%w: RingSize must be positive, got %d", ErrInvalidConfig, c.RingSize)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: SnapshotInterval must be positive, got %v", ErrInvalidConfig, c.SnapshotInterval)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithTokenValidator 设置令牌校验器（必填）
func WithTokenValidator(v TokenValidator) Option {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMaxIdle 设置闲置清理阈值
func WithMaxIdle(d time.Duration) Option {
	return func(c *Config) {
		c.MaxIdle = d
	}
}

// WithSweepInterval 设置后台清理间隔
func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) {
		c.SweepInterval = d
	}
}

// WithRetryBaseDelay 设置退避基础延迟
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Config) {
		c.RetryBaseDelay = d
	}
}

// WithRetryMaxAttempts 设置最大重试次数
func WithRetryMaxAttempts(n int) Option {
	return func(c *Config) {
		c.RetryMaxAttempts = n
	}
}

// WithBypassLayers 设置旁路中间层名单
func WithBypassLayers(layers []string) Option {
	return func(c *Config) {
		c.BypassLayers = layers
	}
}

// WithRingSize 设置诊断环形缓冲容量
func WithRingSize(size int) Option {
	return func(c *Config) {
		c.RingSize = size
	}
}

// WithSnapshotInterval 设置周期快照间隔
func WithSnapshotInterval(d time.Duration) Option {
	return func(c *Config) {
		c.SnapshotInterval = d
	}
}

// WithWriteTimeout 设置单次发送超时
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(allowed []string) Option {
	return func(c *Config) {
		c.AllowedOrigins = allowed
		c.CheckOrigin = createWhitelistChecker(allowed)
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// defaultCheckOrigin 默认同源检查
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 非浏览器客户端（无 Origin）放行，凭证由子协议认证约束
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// createWhitelistChecker 创建白名单检查器
func createWhitelistChecker(allowed []string) func(*http.Request) bool {
	whitelist := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		whitelist[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return whitelist[origin]
	}
}
