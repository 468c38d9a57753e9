// Package agentgate 组装 WebSocket 事件投递服务：
// HTTP 入口、握手路由、诊断接口与内部事件投递接口。
package agentgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/agentgate/middleware"
	"github.com/tokmz/agentgate/pkg/auth"
	"github.com/tokmz/agentgate/pkg/logger"
	"github.com/tokmz/agentgate/pkg/presence"
	"github.com/tokmz/agentgate/pkg/ws"
)

// Engine 服务引擎
type Engine struct {
	config   *AppConfig
	log      logger.Logger
	manager  *ws.Manager
	presence *presence.Store
	engine   *gin.Engine
	server   *http.Server
}

// New 创建服务引擎
func New(cfg *AppConfig) (*Engine, error) {
	if cfg == nil {
		cfg = defaultAppConfig()
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("agentgate: auth secret is required")
	}

	log, err := cfg.Log.Build()
	if err != nil {
		return nil, fmt.Errorf("agentgate: build logger: %w", err)
	}

	var validatorOpts []auth.JWTOption
	if cfg.Auth.Leeway > 0 {
		validatorOpts = append(validatorOpts, auth.WithLeeway(cfg.Auth.Leeway))
	}
	validator := auth.NewHMAC([]byte(cfg.Auth.Secret), validatorOpts...)

	wsOpts := []ws.Option{
		ws.WithTokenValidator(validator),
		ws.WithLogger(log),
		ws.WithMaxConnections(cfg.WS.MaxConnections),
		ws.WithHeartbeat(cfg.WS.HeartbeatInterval, cfg.WS.HeartbeatTimeout),
		ws.WithMaxIdle(cfg.WS.MaxIdle),
		ws.WithSweepInterval(cfg.WS.SweepInterval),
		ws.WithRetryBaseDelay(cfg.WS.RetryBaseDelay),
		ws.WithRetryMaxAttempts(cfg.WS.RetryMaxAttempts),
		ws.WithBypassLayers(cfg.WS.BypassLayers),
		ws.WithRingSize(cfg.WS.RingSize),
		ws.WithSnapshotInterval(cfg.WS.SnapshotInterval),
	}
	if len(cfg.WS.AllowedOrigins) > 0 {
		wsOpts = append(wsOpts, ws.WithCheckOriginWhitelist(cfg.WS.AllowedOrigins))
	}

	manager, err := ws.NewManager(wsOpts...)
	if err != nil {
		return nil, fmt.Errorf("agentgate: create ws manager: %w", err)
	}

	e := &Engine{
		config:  cfg,
		log:     log,
		manager: manager,
	}

	if cfg.Presence != nil {
		store, err := presence.NewStore(cfg.Presence, log)
		if err != nil {
			return nil, fmt.Errorf("agentgate: create presence store: %w", err)
		}
		store.Bind(manager)
		e.presence = store
	}

	e.engine = e.buildRouter()
	return e, nil
}

// buildRouter 组装路由与中间件
func (e *Engine) buildRouter() *gin.Engine {
	mode := e.config.Server.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(e.log, &middleware.LoggerConfig{
		Logger:       e.log,
		ExcludePaths: []string{"/healthz"},
	}))
	r.Use(middleware.CORS())

	r.GET("/healthz", e.handleHealthz)
	r.GET("/ws", e.handleUpgrade)

	diag := r.Group("/diagnostics")
	{
		diag.GET("/health", e.handleHealth)
		diag.GET("/recommendations", e.handleRecommendations)
	}

	internal := r.Group("/internal")
	if e.config.RateLimit.Enabled {
		internal.Use(middleware.RateLimiter(&middleware.RateLimiterConfig{
			RequestsPerSecond: e.config.RateLimit.RequestsPerSecond,
			Burst:             e.config.RateLimit.Burst,
			Logger:            e.log,
		}))
	}
	internal.POST("/events", e.handleEmit)

	return r
}

func (e *Engine) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUpgrade WebSocket 升级入口。
// 拒绝响应已由 Manager 写入，这里只记录结果。
func (e *Engine) handleUpgrade(c *gin.Context) {
	if err := e.manager.HandleUpgrade(c.Writer, c.Request); err != nil {
		e.log.WarnContext(c.Request.Context(), "websocket handshake refused",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err),
		)
	}
	// 升级成功后连接由 Manager 接管，不再写任何响应
	c.Abort()
}

func (e *Engine) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, Success(e.manager.Health()))
}

func (e *Engine) handleRecommendations(c *gin.Context) {
	c.JSON(http.StatusOK, Success(e.manager.Recommendations()))
}

// emitRequest 内部事件投递请求体
type emitRequest struct {
	Kind     string         `json:"kind" binding:"required"`
	UserID   string         `json:"user_id" binding:"required"`
	ThreadID string         `json:"thread_id" binding:"required"`
	RunID    string         `json:"run_id" binding:"required"`
	Payload  map[string]any `json:"payload"`
}

// handleEmit 接收平台内部服务投递的生命周期事件
func (e *Engine) handleEmit(c *gin.Context) {
	var req emitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Fail(http.StatusBadRequest, err.Error()))
		return
	}

	ev, err := ws.NewLifecycleEvent(ws.EventKind(req.Kind), req.UserID, req.ThreadID, req.RunID, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, Fail(http.StatusBadRequest, err.Error()))
		return
	}

	report, err := e.manager.Emit(c.Request.Context(), ev)
	if err != nil {
		var orderErr *ws.EventOrderError
		if errors.As(err, &orderErr) {
			c.JSON(http.StatusConflict, Fail(http.StatusConflict, orderErr.Error()))
			return
		}
		c.JSON(http.StatusBadRequest, Fail(http.StatusBadRequest, err.Error()))
		return
	}
	c.JSON(http.StatusOK, Success(report))
}

// Manager 返回事件投递核心（测试与扩展用途）
func (e *Engine) Manager() *ws.Manager {
	return e.manager
}

// Handler 返回 HTTP 处理器
func (e *Engine) Handler() http.Handler {
	return e.engine
}

// Run 启动服务并阻塞到收到退出信号，随后优雅关机
func (e *Engine) Run() error {
	e.server = &http.Server{
		Addr:         e.config.Server.Addr,
		Handler:      e.engine,
		ReadTimeout:  e.config.Server.ReadTimeout,
		WriteTimeout: e.config.Server.WriteTimeout,
		IdleTimeout:  e.config.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		e.manager.Run()
		return nil
	})
	g.Go(func() error {
		e.log.Info("server starting", zap.String("addr", e.server.Addr))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case <-quit:
			e.log.Info("shutdown signal received")
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.Server.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown 优雅关机：先停 HTTP 入口，再关闭投递核心与旁路资源
func (e *Engine) Shutdown(ctx context.Context) error {
	var firstErr error

	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := e.manager.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.presence != nil {
		if err := e.presence.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = e.log.Sync()

	e.log.Info("server exited")
	return firstErr
}
