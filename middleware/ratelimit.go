package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
)

// RateLimiterConfig 限流中间件配置
type RateLimiterConfig struct {
	// RequestsPerSecond 每秒允许的请求数（默认 100）
	RequestsPerSecond float64

	// Burst 突发容量（默认等于 RequestsPerSecond）
	Burst int

	// KeyFunc 自定义限流 key 函数（默认使用客户端 IP）
	KeyFunc func(c *gin.Context) string

	// Logger 日志实例
	Logger logger.Logger

	// CleanupInterval 过期桶清理间隔（默认 10 分钟）
	CleanupInterval time.Duration

	// BucketExpiry 桶过期时间（默认 30 分钟无访问则清理）
	BucketExpiry time.Duration
}

func defaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 100,
		Burst:             100,
		CleanupInterval:   10 * time.Minute,
		BucketExpiry:      30 * time.Minute,
	}
}

// tokenBucket 令牌桶
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// allow 检查是否允许请求
func (t *tokenBucket) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastRefill).Seconds()
	t.tokens += elapsed * t.refillRate
	if t.tokens > t.maxTokens {
		t.tokens = t.maxTokens
	}
	t.lastRefill = now

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// rateLimiterStore 按 key 维护令牌桶
type rateLimiterStore struct {
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	done    chan struct{}
}

func newRateLimiterStore() *rateLimiterStore {
	return &rateLimiterStore{
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
}

func (s *rateLimiterStore) getBucket(key string, rate float64, burst int) *tokenBucket {
	s.mu.RLock()
	bucket, exists := s.buckets[key]
	s.mu.RUnlock()
	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 双重检查
	if bucket, exists = s.buckets[key]; exists {
		return bucket
	}
	bucket = newTokenBucket(rate, burst)
	s.buckets[key] = bucket
	return bucket
}

// cleanup 清理过期的令牌桶
func (s *rateLimiterStore) cleanup(expiry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, bucket := range s.buckets {
		bucket.mu.Lock()
		expired := now.Sub(bucket.lastRefill) > expiry
		bucket.mu.Unlock()
		if expired {
			delete(s.buckets, key)
		}
	}
}

// RateLimiter 创建限流中间件。
// 令牌桶算法，按 key（默认客户端 IP）限流，超限返回 429。
func RateLimiter(cfgs ...*RateLimiterConfig) gin.HandlerFunc {
	cfg := defaultRateLimiterConfig()
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string {
			return c.ClientIP()
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.BucketExpiry <= 0 {
		cfg.BucketExpiry = 30 * time.Minute
	}

	limiterStore := newRateLimiterStore()

	// 后台清理协程，随中间件实例生命周期运行
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiterStore.cleanup(cfg.BucketExpiry)
			case <-limiterStore.done:
				return
			}
		}
	}()

	return func(c *gin.Context) {
		key := cfg.KeyFunc(c)
		bucket := limiterStore.getBucket(key, cfg.RequestsPerSecond, cfg.Burst)

		if !bucket.allow() {
			cfg.Logger.Warn("rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Request.URL.Path),
				zap.Float64("rate", cfg.RequestsPerSecond),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
