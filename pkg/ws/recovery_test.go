package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/agentgate/pkg/logger"
)

func newTestCoordinator(r *Registry, baseDelay time.Duration, maxAttempts int) *Coordinator {
	return NewCoordinator(r, logger.Nop(), baseDelay, maxAttempts, nil)
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want Strategy
	}{
		{FailureProtocol, StrategyProtocolReset},
		{FailureTimeout, StrategyRetryBackoff},
		{FailureStackConflict, StrategyMiddlewareBypass},
		{FailureMiddlewareConflict, StrategyMiddlewareBypass},
		{FailureScopeCorruption, StrategyScopeRepair},
		{FailureNegotiation, StrategyProtocolReset},
		{FailureRejection, StrategyRetryBackoff},
		{FailureReadiness, StrategyGracefulDegradation},
		{FailureUnclassified, StrategyNone},
		{FailureKind("made_up"), StrategyNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StrategyFor(tt.kind), string(tt.kind))
	}
}

func TestRecover_NoStrategy(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, time.Millisecond, 3)
	conn, _ := registerTestConnection(r, "u1")

	rec := &FailureRecord{Kind: FailureUnclassified, ConnectionID: conn.ID}
	attempt := co.Recover(context.Background(), rec, conn, nil)

	assert.Equal(t, StrategyNone, attempt.Strategy)
	assert.Equal(t, StateNoRecovery, attempt.State)
	assert.False(t, attempt.Attempted)
	assert.False(t, attempt.Success)

	// 未尝试恢复本身也是被补记的结果
	assert.False(t, rec.Attempted)
	require.NotNil(t, rec.Recovered)
	assert.False(t, *rec.Recovered)
}

func TestRecover_RetryWithBackoff(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, time.Millisecond, 3)
	conn, wire := registerTestConnection(r, "u1")

	t.Run("首次重试成功", func(t *testing.T) {
		rec := &FailureRecord{Kind: FailureTimeout}
		resend := func(context.Context) error { return conn.Send([]byte(`{"n":1}`)) }

		attempt := co.Recover(context.Background(), rec, conn, resend)
		assert.Equal(t, StateRecovered, attempt.State)
		assert.True(t, attempt.Success)
		assert.Equal(t, 1, attempt.Detail["retry_attempts"])
		assert.Len(t, wire.sentFrames(), 1)
	})

	t.Run("全部重试耗尽", func(t *testing.T) {
		rec := &FailureRecord{Kind: FailureRejection}
		calls := 0
		resend := func(context.Context) error {
			calls++
			return errors.New("connection refused")
		}

		attempt := co.Recover(context.Background(), rec, conn, resend)
		assert.Equal(t, StateFailed, attempt.State)
		assert.False(t, attempt.Success)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 3, attempt.Detail["retry_attempts"])
		assert.Equal(t, "retries exhausted", attempt.Detail["reason"])
	})

	t.Run("退避间隔按指数增长", func(t *testing.T) {
		slow := newTestCoordinator(r, 20*time.Millisecond, 3)
		rec := &FailureRecord{Kind: FailureTimeout}
		resend := func(context.Context) error { return errors.New("still failing") }

		start := time.Now()
		attempt := slow.Recover(context.Background(), rec, conn, resend)
		elapsed := time.Since(start)

		// 20 + 40 + 80 = 140ms 总退避
		assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
		assert.False(t, attempt.Success)
	})

	t.Run("无重放操作直接失败", func(t *testing.T) {
		rec := &FailureRecord{Kind: FailureTimeout}
		attempt := co.Recover(context.Background(), rec, conn, nil)
		assert.False(t, attempt.Success)
		assert.Equal(t, 0, attempt.Detail["retry_attempts"])
	})
}

func TestRecover_RetryAbortsOnDeparture(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, 5*time.Millisecond, 3)
	conn, _ := registerTestConnection(r, "u1")

	rec := &FailureRecord{Kind: FailureTimeout}
	resend := func(context.Context) error { return errors.New("fail") }

	// 重试窗口内连接断开
	go func() {
		time.Sleep(2 * time.Millisecond)
		conn.Close()
	}()

	attempt := co.Recover(context.Background(), rec, conn, resend)
	assert.False(t, attempt.Success)
	assert.Equal(t, "connection departed during retry", attempt.Detail["reason"])
}

func TestRecover_RetryHonorsContext(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, 50*time.Millisecond, 3)
	conn, _ := registerTestConnection(r, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	rec := &FailureRecord{Kind: FailureTimeout}
	start := time.Now()
	attempt := co.Recover(ctx, rec, conn, func(context.Context) error { return errors.New("fail") })

	assert.False(t, attempt.Success)
	assert.Equal(t, "context canceled", attempt.Detail["reason"])
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRecover_ProtocolReset(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, time.Millisecond, 3)

	t.Run("协议故障触发重协商", func(t *testing.T) {
		conn, _ := registerTestConnection(r, "u1")
		rec := &FailureRecord{Kind: FailureProtocol}

		attempt := co.Recover(context.Background(), rec, conn, nil)
		assert.True(t, attempt.Success)
		assert.Equal(t, StateRecovered, attempt.State)
		assert.True(t, conn.NeedsRenegotiation())
	})

	t.Run("协商失败同样适用", func(t *testing.T) {
		conn, _ := registerTestConnection(r, "u2")
		rec := &FailureRecord{Kind: FailureNegotiation}

		attempt := co.Recover(context.Background(), rec, conn, nil)
		assert.True(t, attempt.Success)
		assert.True(t, conn.NeedsRenegotiation())
	})

	t.Run("已关闭连接显式失败", func(t *testing.T) {
		conn, _ := registerTestConnection(r, "u3")
		conn.Close()
		rec := &FailureRecord{Kind: FailureProtocol}

		attempt := co.Recover(context.Background(), rec, conn, nil)
		assert.False(t, attempt.Success)
		assert.Equal(t, "connection unavailable", attempt.Detail["reason"])
	})
}

func TestRecover_MiddlewareBypass(t *testing.T) {
	r := NewRegistry()
	co := NewCoordinator(r, logger.Nop(), time.Millisecond, 3, []string{"session", "cors"})
	conn, _ := registerTestConnection(r, "u1")

	rec := &FailureRecord{Kind: FailureStackConflict}
	attempt := co.Recover(context.Background(), rec, conn, nil)

	assert.True(t, attempt.Success)
	assert.Equal(t, []string{"cors", "session"}, attempt.Detail["bypassed_layers"])
	assert.Equal(t, []string{"cors", "session"}, conn.BypassedLayers())

	// middleware_conflict 走同一策略
	rec = &FailureRecord{Kind: FailureMiddlewareConflict}
	attempt = co.Recover(context.Background(), rec, conn, nil)
	assert.True(t, attempt.Success)
}

func TestRecover_ScopeRepair(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, time.Millisecond, 3)
	conn, _ := registerTestConnection(r, "u1")

	// 注入作用域损坏
	conn.dropScopeValue("user_id")
	conn.SetScopeValue("connection_id", "tampered")

	rec := &FailureRecord{Kind: FailureScopeCorruption}
	attempt := co.Recover(context.Background(), rec, conn, nil)

	assert.True(t, attempt.Success)
	assert.Equal(t, []string{"connection_id", "user_id"}, attempt.Detail["patched_fields"])

	got, ok := conn.ScopeValue("user_id")
	require.True(t, ok)
	assert.Equal(t, "u1", got)
	got, _ = conn.ScopeValue("connection_id")
	assert.Equal(t, conn.ID, got)
}

func TestRecover_GracefulDegradation(t *testing.T) {
	r := NewRegistry()
	co := newTestCoordinator(r, time.Millisecond, 3)
	conn, _ := registerTestConnection(r, "u1")

	rec := &FailureRecord{Kind: FailureReadiness}
	attempt := co.Recover(context.Background(), rec, conn, nil)

	// 降级恒定成功：接受更低的服务水平不是失败
	assert.True(t, attempt.Success)
	assert.Equal(t, "polling", attempt.Detail["degraded_to"])
	assert.Equal(t, StatusDegraded, conn.Status())
	assert.Equal(t, []string{"polling"}, conn.Capabilities())
}
