package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/agentgate/pkg/logger"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *httptest.Server) {
	t.Helper()
	base := []Option{
		WithTokenValidator(&stubValidator{identity: &Identity{UserID: "alice"}}),
		WithLogger(logger.Nop()),
		WithRetryBaseDelay(time.Millisecond),
	}
	m, err := NewManager(append(base, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.HandleUpgrade(w, r)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})
	return m, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWith(t *testing.T, srv *httptest.Server, subprotocols []string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: 2 * time.Second,
	}
	return dialer.Dial(wsURL(srv), nil)
}

func dialOK(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := dialWith(t, srv, []string{AuthSubprotocol, EncodeTokenSubprotocol("token-abc")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestManager_HandshakeEchoesSubprotocol(t *testing.T) {
	m, srv := newTestManager(t)

	conn, resp, err := dialWith(t, srv, []string{AuthSubprotocol, EncodeTokenSubprotocol("token-abc")})
	require.NoError(t, err)
	defer conn.Close()

	// 接受响应必须回显协商的认证子协议
	assert.Equal(t, AuthSubprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, AuthSubprotocol, conn.Subprotocol())

	require.Eventually(t, func() bool {
		return m.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManager_HandshakeRefusals(t *testing.T) {
	t.Run("未提供认证子协议", func(t *testing.T) {
		_, srv := newTestManager(t)
		conn, resp, err := dialWith(t, srv, []string{"graphql-ws"})
		require.Error(t, err)
		assert.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	})

	t.Run("缺少凭证", func(t *testing.T) {
		_, srv := newTestManager(t)
		conn, resp, err := dialWith(t, srv, []string{AuthSubprotocol})
		require.Error(t, err)
		assert.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("令牌被拒绝", func(t *testing.T) {
		_, srv := newTestManager(t, WithTokenValidator(&stubValidator{err: errors.New("expired")}))
		conn, resp, err := dialWith(t, srv, []string{AuthSubprotocol, EncodeTokenSubprotocol("bad")})
		require.Error(t, err)
		assert.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("拒绝的握手不留下注册", func(t *testing.T) {
		m, srv := newTestManager(t)
		_, _, err := dialWith(t, srv, []string{"graphql-ws"})
		require.Error(t, err)
		assert.Equal(t, 0, m.ConnectionCount())
	})
}

func TestManager_MaxConnections(t *testing.T) {
	m, srv := newTestManager(t, WithMaxConnections(1))

	first := dialOK(t, srv)
	defer first.Close()
	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := dialWith(t, srv, []string{AuthSubprotocol, EncodeTokenSubprotocol("token-xyz")})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// 同一用户两台设备同时在线，事件按序送达两端
func TestManager_MultiDeviceDelivery(t *testing.T) {
	m, srv := newTestManager(t)

	phone := dialOK(t, srv)
	laptop := dialOK(t, srv)
	require.Eventually(t, func() bool { return m.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	emit := func(kind EventKind, payload map[string]any) {
		ev, err := NewLifecycleEvent(kind, "alice", "thread-1", "run-1", payload)
		require.NoError(t, err)
		report, err := m.Emit(ctx, ev)
		require.NoError(t, err)
		require.Len(t, report.Delivered, 2)
	}

	emit(EventAgentStarted, map[string]any{"agent_name": "researcher"})
	emit(EventAgentThinking, map[string]any{"reasoning": "searching"})
	emit(EventAgentCompleted, map[string]any{"result": "done"})

	for _, client := range []*websocket.Conn{phone, laptop} {
		wantTypes := []string{"agent_started", "agent_thinking", "agent_completed"}
		for i, want := range wantTypes {
			require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, data, err := client.ReadMessage()
			require.NoError(t, err)

			var msg map[string]any
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.Equal(t, want, msg["type"])
			assert.EqualValues(t, i+1, msg["seq"])
			assert.Equal(t, "alice", msg["user_id"])
		}
	}
}

func TestManager_ConnectionCloseUpdatesRegistry(t *testing.T) {
	m, srv := newTestManager(t)

	conn := dialOK(t, srv)
	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return m.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_Shutdown(t *testing.T) {
	base := []Option{
		WithTokenValidator(&stubValidator{identity: &Identity{UserID: "alice"}}),
		WithLogger(logger.Nop()),
	}
	m, err := NewManager(base...)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.HandleUpgrade(w, r)
	}))
	defer srv.Close()

	dialer := websocket.Dialer{Subprotocols: []string{AuthSubprotocol, EncodeTokenSubprotocol("t")}}
	conn, _, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	// 关机后客户端读取失败，后续握手被拒绝
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := dialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestManager_HealthAndRecommendations(t *testing.T) {
	m, srv := newTestManager(t)
	_ = dialOK(t, srv)
	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	snap := m.Health()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.ActiveConnections)
	assert.Equal(t, 100, snap.StabilityScore)
	assert.Empty(t, m.Recommendations())
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewManager(
		WithTokenValidator(&stubValidator{identity: &Identity{UserID: "u"}}),
		WithMaxConnections(-1),
	)
	assert.Error(t, err)
}
