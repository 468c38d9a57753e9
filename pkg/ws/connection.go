package ws

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Status 连接生命周期状态
type Status int32

const (
	// StatusConnecting 握手通过，尚未完成注册
	StatusConnecting Status = iota
	// StatusConnected 正常服务中
	StatusConnected
	// StatusDegraded 降级服务（推送回退为轮询）
	StatusDegraded
	// StatusDisconnected 已断开
	StatusDisconnected
	// StatusErrored 投递出错且未恢复
	StatusErrored
)

// String 返回状态名称
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusDisconnected:
		return "disconnected"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// wireConn 底层传输抽象（*websocket.Conn 天然满足），便于测试注入
type wireConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
	RemoteAddr() net.Addr
}

// ConnectionStats 连接累计计数快照
type ConnectionStats struct {
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
	MessagesSent  int64 `json:"messages_sent"`
	MessagesRecv  int64 `json:"messages_received"`
	ErrorCount    int64 `json:"error_count"`
}

// Connection 一条活跃的 WebSocket 传输。
// 注册表是其可变状态的唯一属主：状态迁移只经由 Registry.SetStatus。
type Connection struct {
	ID          string
	UserID      string
	Subprotocol string
	CreatedAt   time.Time

	conn wireConn

	// 写入由 writeMu 串行化，保证单连接 FIFO
	writeMu      sync.Mutex
	writeTimeout time.Duration
	pongWait     time.Duration
	maxMsgSize   int64

	// 状态与计数（原子）
	status       atomic.Int32
	lastActivity atomic.Int64 // UnixNano
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	msgsSent     atomic.Int64
	msgsRecv     atomic.Int64
	errCount     atomic.Int64

	// 连接作用域元数据（scope_repair 的修复对象）
	scopeMu sync.RWMutex
	scope   map[string]string

	// 恢复策略副作用
	bypassMu    sync.RWMutex
	bypassed    map[string]bool
	pushEnabled atomic.Bool
	renegotiate atomic.Bool

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Connection)
}

// newConnection 创建连接记录。状态初始为 connecting，由注册成功后提升。
func newConnection(parent context.Context, conn wireConn, userID, subprotocol string, cfg *Config) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		ID:           generateConnectionID(),
		UserID:       userID,
		Subprotocol:  subprotocol,
		CreatedAt:    time.Now(),
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		pongWait:     cfg.HeartbeatTimeout,
		maxMsgSize:   cfg.MaxMessageSize,
		scope:        make(map[string]string, 4),
		bypassed:     make(map[string]bool, 4),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.status.Store(int32(StatusConnecting))
	c.pushEnabled.Store(true)
	c.lastActivity.Store(time.Now().UnixNano())

	// 初始作用域
	c.scope["connection_id"] = c.ID
	c.scope["user_id"] = userID
	c.scope["subprotocol"] = subprotocol
	if addr := conn.RemoteAddr(); addr != nil {
		c.scope["remote_addr"] = addr.String()
	}
	return c
}

// Send 同步发送一条文本消息。
// 发送失败会递增错误计数并原样返回传输层错误，交由分类器处理。
func (c *Connection) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.errCount.Add(1)
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.errCount.Add(1)
		return err
	}

	c.msgsSent.Add(1)
	c.bytesSent.Add(int64(len(payload)))
	c.Touch()
	return nil
}

// sendPing 发送心跳帧
func (c *Connection) sendPing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// readLoop 读取客户端帧。收到的应用消息仅作为活跃信号统计，不做业务路由。
func (c *Connection) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMsgSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			c.msgsRecv.Add(1)
			c.bytesRecv.Add(int64(len(data)))
			c.Touch()
		}
	}
}

// heartbeatLoop 周期性发送 ping
func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Touch 刷新最后活跃时间
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity 返回最后活跃时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Status 返回当前状态
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

// setStatus 仅供 Registry 调用（状态单一属主约束）
func (c *Connection) setStatus(s Status) {
	c.status.Store(int32(s))
}

// Stats 返回计数快照
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesRecv.Load(),
		MessagesSent:  c.msgsSent.Load(),
		MessagesRecv:  c.msgsRecv.Load(),
		ErrorCount:    c.errCount.Load(),
	}
}

// ScopeValue 读取作用域元数据
func (c *Connection) ScopeValue(key string) (string, bool) {
	c.scopeMu.RLock()
	defer c.scopeMu.RUnlock()
	v, ok := c.scope[key]
	return v, ok
}

// SetScopeValue 写入作用域元数据
func (c *Connection) SetScopeValue(key, value string) {
	c.scopeMu.Lock()
	defer c.scopeMu.Unlock()
	c.scope[key] = value
}

// dropScopeValue 删除作用域元数据（测试注入损坏用）
func (c *Connection) dropScopeValue(key string) {
	c.scopeMu.Lock()
	defer c.scopeMu.Unlock()
	delete(c.scope, key)
}

// repairScope 校验并补齐作用域必填字段，返回补齐的键列表
func (c *Connection) repairScope() []string {
	c.scopeMu.Lock()
	defer c.scopeMu.Unlock()

	var patched []string
	required := map[string]string{
		"connection_id": c.ID,
		"user_id":       c.UserID,
		"subprotocol":   c.Subprotocol,
	}
	for key, want := range required {
		if got, ok := c.scope[key]; !ok || got == "" || got != want {
			c.scope[key] = want
			patched = append(patched, key)
		}
	}
	sort.Strings(patched)
	return patched
}

// bypassLayers 标记后续发送绕过指定中间层，返回当前完整旁路列表
func (c *Connection) bypassLayers(layers []string) []string {
	c.bypassMu.Lock()
	defer c.bypassMu.Unlock()
	for _, layer := range layers {
		c.bypassed[layer] = true
	}
	out := make([]string, 0, len(c.bypassed))
	for layer := range c.bypassed {
		out = append(out, layer)
	}
	sort.Strings(out)
	return out
}

// BypassedLayers 返回已旁路的中间层名单
func (c *Connection) BypassedLayers() []string {
	c.bypassMu.RLock()
	defer c.bypassMu.RUnlock()
	out := make([]string, 0, len(c.bypassed))
	for layer := range c.bypassed {
		out = append(out, layer)
	}
	sort.Strings(out)
	return out
}

// resetProtocolState 清空协商缓存并标记传输层重新协商
func (c *Connection) resetProtocolState() {
	c.scopeMu.Lock()
	delete(c.scope, "negotiated_extensions")
	c.scopeMu.Unlock()
	c.renegotiate.Store(true)
}

// NeedsRenegotiation 传输层是否被要求重新协商
func (c *Connection) NeedsRenegotiation() bool {
	return c.renegotiate.Load()
}

// degrade 下调能力集：推送回退为轮询
func (c *Connection) degrade() {
	c.pushEnabled.Store(false)
}

// Capabilities 返回当前能力集
func (c *Connection) Capabilities() []string {
	if c.pushEnabled.Load() {
		return []string{"push"}
	}
	return []string{"polling"}
}

// IsClosed 检查是否已关闭
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr 返回远端地址
func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close 关闭连接并触发注册表清理回调
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
