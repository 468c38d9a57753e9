package agentgate

import (
	"errors"
	"time"

	"github.com/tokmz/agentgate/pkg/config"
	"github.com/tokmz/agentgate/pkg/logger"
	"github.com/tokmz/agentgate/pkg/presence"
)

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`             // 监听地址，默认 :8080
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`     // 读超时
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`    // 写超时（WebSocket 长连接需为 0）
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`     // 空闲超时
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // 优雅关机超时
	Mode            string        `mapstructure:"mode"`             // gin 模式：debug/release/test
}

// WSConfig 事件投递核心配置
type WSConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	MaxIdle           time.Duration `mapstructure:"max_idle"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	BypassLayers      []string      `mapstructure:"bypass_layers"`
	RingSize          int           `mapstructure:"ring_size"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// AuthConfig 握手令牌校验配置
type AuthConfig struct {
	Secret string        `mapstructure:"secret"` // HMAC 密钥
	Leeway time.Duration `mapstructure:"leeway"` // 时间声明容差
}

// RateLimitConfig 内部事件接口限流配置
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string `mapstructure:"level"`   // debug/info/warn/error/fatal
	Format  string `mapstructure:"format"`  // json/console
	Console bool   `mapstructure:"console"` // 是否输出到控制台
	File    string `mapstructure:"file"`    // 文件路径，空则不写文件
}

// Build 构建日志实例
func (c LogConfig) Build() (logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:   logger.ParseLevel(c.Level),
		Format:  logger.Format(c.Format),
		Console: c.Console,
		File:    c.File,
	})
}

// AppConfig 服务总配置
type AppConfig struct {
	Server    ServerConfig     `mapstructure:"server"`
	WS        WSConfig         `mapstructure:"ws"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Presence  *presence.Config `mapstructure:"presence"` // 为空时禁用在线状态镜像
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Log       LogConfig        `mapstructure:"log"`
}

// defaultAppConfig 返回内置默认值
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     0,
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Mode:            "release",
		},
		WS: WSConfig{
			MaxConnections:    10000,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			MaxIdle:           300 * time.Second,
			SweepInterval:     60 * time.Second,
			RetryBaseDelay:    time.Second,
			RetryMaxAttempts:  3,
			BypassLayers:      []string{"auth", "cors", "session"},
			RingSize:          1000,
			SnapshotInterval:  5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 200,
			Burst:             200,
		},
	}
}

// LoadConfig 从配置文件加载服务配置，未设置的键使用内置默认值。
// 环境变量前缀 AGENTGATE，如 AGENTGATE_SERVER_ADDR。
func LoadConfig(path string) (*AppConfig, error) {
	opts := []config.Option{
		config.WithEnvPrefix("AGENTGATE"),
	}
	if path != "" {
		opts = append(opts, config.WithConfigFile(path))
	} else {
		opts = append(opts,
			config.WithConfigName("agentgate"),
			config.WithConfigType("yaml"),
			config.WithConfigPaths(".", "./configs", "/etc/agentgate"),
		)
	}

	c := config.New(opts...)
	if err := c.Load(); err != nil {
		// 未显式指定配置文件时，搜索不到则用默认值加环境变量运行
		if path != "" || !errors.Is(err, config.ErrConfigNotFound) {
			return nil, err
		}
	}
	defer c.Close()

	cfg := defaultAppConfig()
	if err := c.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
