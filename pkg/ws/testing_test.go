package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/tokmz/agentgate/pkg/logger"
)

// fakeWireConn 测试用传输桩。
// WriteMessage 按序记录负载；failWith 非空时所有写入返回该错误。
type fakeWireConn struct {
	mu       sync.Mutex
	frames   [][]byte
	failWith error
	failN    int // 仅前 N 次写入失败（failWith 非空时生效，0 表示始终失败）
	writes   int
	closed   bool
	readCh   chan struct{}
}

func newFakeWireConn() *fakeWireConn {
	return &fakeWireConn{readCh: make(chan struct{})}
}

func (f *fakeWireConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failWith != nil && (f.failN == 0 || f.writes <= f.failN) {
		return f.failWith
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

// ReadMessage 阻塞到连接关闭
func (f *fakeWireConn) ReadMessage() (int, []byte, error) {
	<-f.readCh
	return 0, nil, errors.New("use of closed network connection")
}

func (f *fakeWireConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeWireConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWireConn) SetReadLimit(int64)                {}
func (f *fakeWireConn) SetPongHandler(func(string) error) {}
func (f *fakeWireConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 52000}
}

func (f *fakeWireConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readCh)
	}
	return nil
}

// sentFrames 返回已记录负载的副本
func (f *fakeWireConn) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// setFailure 配置写入失败注入
func (f *fakeWireConn) setFailure(err error, firstN int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
	f.failN = firstN
	f.writes = 0
}

// stubValidator 固定结果的令牌校验器
type stubValidator struct {
	identity *Identity
	err      error
}

func (s *stubValidator) Validate(_ context.Context, _ string) (*Identity, error) {
	return s.identity, s.err
}

// newTestConnection 创建基于传输桩的已注册连接
func newTestConnection(userID string, wire wireConn) *Connection {
	cfg := DefaultConfig()
	cfg.Validator = &stubValidator{identity: &Identity{UserID: userID}}
	return newConnection(context.Background(), wire, userID, AuthSubprotocol, cfg)
}

// registerTestConnection 注册并提升为 connected
func registerTestConnection(r *Registry, userID string) (*Connection, *fakeWireConn) {
	wire := newFakeWireConn()
	c := newTestConnection(userID, wire)
	if err := r.Register(c); err != nil {
		panic(err)
	}
	_ = r.SetStatus(c.ID, StatusConnected)
	return c, wire
}

// newTestEmitter 组装全套内存组件的发射器
func newTestEmitter(r *Registry) (*Emitter, *Collector) {
	log := logger.Nop()
	coordinator := NewCoordinator(r, log, time.Millisecond, 3, nil)
	diagnostics := NewCollector(64, r.Count, log)
	return NewEmitter(r, coordinator, diagnostics, nil, log, nil), diagnostics
}
