// Package presence 维护跨实例的在线状态镜像。
// 每个注册表的连接打开/关闭都同步写入 Redis 集合，
// 供平台其他服务（路由、水平扩容的网关实例）查询用户是否在线。
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
	"github.com/tokmz/agentgate/pkg/ws"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config Redis 在线状态配置
type Config struct {
	Mode       RedisMode     `mapstructure:"mode"`        // 部署模式
	Addr       string        `mapstructure:"addr"`        // 单机地址
	Addrs      []string      `mapstructure:"addrs"`       // 集群/哨兵地址
	MasterName string        `mapstructure:"master_name"` // 哨兵主节点名
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	KeyPrefix  string        `mapstructure:"key_prefix"` // 键前缀，默认 agentgate:presence:
	TTL        time.Duration `mapstructure:"ttl"`        // 集合过期时间，默认 10 分钟
}

// Store Redis 在线状态存储
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	log       logger.Logger
}

// NewStore 创建在线状态存储
func NewStore(cfg *Config, log logger.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("presence: config is required")
	}
	if log == nil {
		log = logger.Default()
	}

	var client redis.UniversalClient
	switch cfg.Mode {
	case RedisStandalone, "":
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	case RedisCluster:
		if len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("presence: cluster mode requires addrs")
		}
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Username: cfg.Username,
			Password: cfg.Password,
		})
	case RedisSentinel:
		if len(cfg.Addrs) == 0 || cfg.MasterName == "" {
			return nil, fmt.Errorf("presence: sentinel mode requires addrs and master name")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	default:
		return nil, fmt.Errorf("presence: unsupported redis mode: %s", cfg.Mode)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentgate:presence:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		log:       log,
	}, nil
}

func (s *Store) key(userID string) string {
	return s.keyPrefix + userID
}

// Online 记录用户的一条连接上线
func (s *Store) Online(ctx context.Context, userID, connectionID string) error {
	key := s.key(userID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, connectionID)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Offline 移除用户的一条连接
func (s *Store) Offline(ctx context.Context, userID, connectionID string) error {
	return s.client.SRem(ctx, s.key(userID), connectionID).Err()
}

// IsOnline 用户是否至少有一条活跃连接
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, s.key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConnectionCount 用户当前连接数
func (s *Store) ConnectionCount(ctx context.Context, userID string) (int64, error) {
	return s.client.SCard(ctx, s.key(userID)).Result()
}

// Connections 用户当前连接标识列表
func (s *Store) Connections(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(userID)).Result()
}

// Ping 检查 Redis 连通性
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 客户端
func (s *Store) Close() error {
	return s.client.Close()
}

// Bind 订阅管理器的连接打开/关闭事件，自动维护镜像。
// 写入失败只记录日志：在线状态是旁路镜像，不能反向影响投递核心。
func (s *Store) Bind(m *ws.Manager) {
	m.Subscribe(ws.HubConnectionOpened, func(ev ws.HubEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Online(ctx, ev.UserID, ev.ConnectionID); err != nil {
			s.log.Warn("presence online update failed",
				zap.String("user_id", ev.UserID),
				zap.String("connection_id", ev.ConnectionID),
				zap.Error(err),
			)
		}
	})
	m.Subscribe(ws.HubConnectionClosed, func(ev ws.HubEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Offline(ctx, ev.UserID, ev.ConnectionID); err != nil {
			s.log.Warn("presence offline update failed",
				zap.String("user_id", ev.UserID),
				zap.String("connection_id", ev.ConnectionID),
				zap.Error(err),
			)
		}
	})
}
