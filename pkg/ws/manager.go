package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
)

// Manager 事件投递核心的组合根。
// 显式构造、依赖注入，生命周期跟随服务启停；不依赖任何包级单例。
type Manager struct {
	config      *Config
	registry    *Registry
	emitter     *Emitter
	coordinator *Coordinator
	diagnostics *Collector
	bus         *EventBus
	upgrader    websocket.Upgrader

	log     logger.Logger
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建管理器
func NewManager(opts ...Option) (*Manager, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		if len(config.AllowedOrigins) > 0 {
			checkOrigin = createWhitelistChecker(config.AllowedOrigins)
		} else {
			checkOrigin = defaultCheckOrigin
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry()
	bus := NewEventBus()
	coordinator := NewCoordinator(registry, config.Logger, config.RetryBaseDelay, config.RetryMaxAttempts, config.BypassLayers)
	diagnostics := NewCollector(config.RingSize, registry.Count, config.Logger)
	emitter := NewEmitter(registry, coordinator, diagnostics, bus, config.Logger, config.Metrics)

	m := &Manager{
		config:      config,
		registry:    registry,
		emitter:     emitter,
		coordinator: coordinator,
		diagnostics: diagnostics,
		bus:         bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
		log:     config.Logger,
		metrics: config.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	return m, nil
}

// HandleUpgrade 处理 WebSocket 升级握手。
//
// 认证失败必须在提升为 connected 之前拒绝并关闭：握手要么完整成功
// （回显协商子协议 + 注册），要么不留下任何部分注册的连接。
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	select {
	case <-m.ctx.Done():
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return ErrManagerClosed
	default:
	}

	offered := websocket.Subprotocols(r)
	selected, token := ExtractSubprotocolAuth(offered)
	if selected == "" {
		// 协议层拒绝，而非先接受再认证失败
		m.metrics.IncrementHandshakeRefusals("no_subprotocol")
		http.Error(w, "auth subprotocol required", http.StatusUpgradeRequired)
		return ErrNoAuthSubprotocol
	}
	if token == "" {
		m.metrics.IncrementHandshakeRefusals("token_missing")
		http.Error(w, "auth token missing", http.StatusUnauthorized)
		return ErrTokenMissing
	}

	identity, err := m.config.Validator.Validate(r.Context(), token)
	if err != nil || identity == nil || identity.UserID == "" {
		m.metrics.IncrementHandshakeRefusals("token_rejected")
		m.log.WarnContext(r.Context(), "handshake token rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return ErrTokenRejected
	}

	if m.registry.Count() >= m.config.MaxConnections {
		m.metrics.IncrementHandshakeRefusals("too_many_connections")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return ErrTooManyConnections
	}

	// 回显选定的子协议。未回显协商子协议即接受握手属于协议违规。
	conn, err := m.upgrader.Upgrade(w, r, http.Header{
		"Sec-WebSocket-Protocol": {selected},
	})
	if err != nil {
		return err
	}

	c := newConnection(m.ctx, conn, identity.UserID, selected, m.config)
	c.onClose = func(closed *Connection) {
		if m.registry.Remove(closed.ID) {
			m.metrics.DecrementConnections()
			m.metrics.SetConnectionCount(m.registry.Count())
			m.bus.Publish(HubEvent{
				Type:         HubConnectionClosed,
				ConnectionID: closed.ID,
				UserID:       closed.UserID,
				Time:         time.Now(),
			})
		}
	}

	if err := m.registry.Register(c); err != nil {
		c.onClose = nil
		c.Close()
		_ = conn.Close()
		return err
	}
	_ = m.registry.SetStatus(c.ID, StatusConnected)

	m.metrics.IncrementConnections()
	m.metrics.SetConnectionCount(m.registry.Count())
	m.bus.Publish(HubEvent{
		Type:         HubConnectionOpened,
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Time:         time.Now(),
	})
	m.log.Info("connection established",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.String("subprotocol", c.Subprotocol),
		zap.String("remote_addr", c.RemoteAddr()),
	)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer m.wg.Done()
		c.heartbeatLoop(m.config.HeartbeatInterval)
	}()
	return nil
}

// Emit 投递生命周期事件（见 Emitter.Emit）
func (m *Manager) Emit(ctx context.Context, ev *LifecycleEvent) (*DeliveryReport, error) {
	return m.emitter.Emit(ctx, ev)
}

// Run 启动后台清理与周期快照循环，阻塞到 Shutdown。
// 两个循环都支持优雅取消：停止接收新周期，完成在途工作后退出。
func (m *Manager) Run() {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				removed := m.registry.SweepStale(m.config.MaxIdle)
				if len(removed) > 0 {
					m.metrics.IncrementSweptConnections(len(removed))
					m.metrics.SetConnectionCount(m.registry.Count())
					m.log.Info("swept stale connections",
						zap.Int("count", len(removed)),
						zap.Strings("connection_ids", removed),
					)
				}
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				snap := m.diagnostics.Snapshot()
				m.log.Debug("health snapshot",
					zap.Int("active_connections", snap.ActiveConnections),
					zap.Int("stability_score", snap.StabilityScore),
					zap.Int("failures_last_hour", snap.FailuresLastHour),
				)
			}
		}
	}()

	<-m.ctx.Done()
}

// Shutdown 优雅关闭：取消在途恢复循环，关闭全部连接并等待协程退出
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	m.bus.Close()

	var closeWg sync.WaitGroup
	m.registry.Range(func(c *Connection) bool {
		closeWg.Add(1)
		go func(conn *Connection) {
			defer closeWg.Done()
			conn.Close()
		}(c)
		return true
	})

	done := make(chan struct{})
	go func() {
		closeWg.Wait()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry 返回连接注册表（只读用途）
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Subscribe 订阅核心内部事件
func (m *Manager) Subscribe(t HubEventType, handler HubEventHandler) {
	m.bus.Subscribe(t, handler)
}

// Health 计算当前健康快照
func (m *Manager) Health() *HealthSnapshot {
	return m.diagnostics.Snapshot()
}

// Recommendations 返回当前运维建议
func (m *Manager) Recommendations() []Recommendation {
	return m.diagnostics.Recommendations()
}

// ConnectionCount 活跃连接数
func (m *Manager) ConnectionCount() int {
	return m.registry.Count()
}
