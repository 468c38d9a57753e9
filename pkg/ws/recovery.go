package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
)

// Strategy 恢复策略名称
type Strategy string

const (
	// StrategyRetryBackoff 指数退避重试
	StrategyRetryBackoff Strategy = "retry_with_backoff"
	// StrategyProtocolReset 协议重置
	StrategyProtocolReset Strategy = "protocol_reset"
	// StrategyMiddlewareBypass 中间件旁路
	StrategyMiddlewareBypass Strategy = "middleware_bypass"
	// StrategyScopeRepair 作用域修复
	StrategyScopeRepair Strategy = "scope_repair"
	// StrategyGracefulDegradation 优雅降级
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	// StrategyNone 无可用恢复
	StrategyNone Strategy = "no_recovery_available"
)

// RecoveryState 单次失败的恢复状态机
type RecoveryState string

const (
	// StateClassified 已分类
	StateClassified RecoveryState = "classified"
	// StateSelected 已选定策略
	StateSelected RecoveryState = "recovery_selected"
	// StateExecuting 策略执行中
	StateExecuting RecoveryState = "recovery_executing"
	// StateRecovered 恢复成功（终态）
	StateRecovered RecoveryState = "recovered"
	// StateFailed 恢复失败（终态）
	StateFailed RecoveryState = "recovery_failed"
	// StateNoRecovery 无可用恢复（终态，不执行）
	StateNoRecovery RecoveryState = "no_recovery_available"
)

// strategyFor 失败类别到恢复策略的固定映射
var strategyFor = map[FailureKind]Strategy{
	FailureProtocol:           StrategyProtocolReset,
	FailureTimeout:            StrategyRetryBackoff,
	FailureStackConflict:      StrategyMiddlewareBypass,
	FailureMiddlewareConflict: StrategyMiddlewareBypass,
	FailureScopeCorruption:    StrategyScopeRepair,
	FailureNegotiation:        StrategyProtocolReset,
	FailureRejection:          StrategyRetryBackoff,
	FailureReadiness:          StrategyGracefulDegradation,
	FailureUnclassified:       StrategyNone,
}

// StrategyFor 返回失败类别对应的恢复策略
func StrategyFor(kind FailureKind) Strategy {
	if s, ok := strategyFor[kind]; ok {
		return s
	}
	return StrategyNone
}

// RecoveryAttempt 一次恢复执行的审计记录
type RecoveryAttempt struct {
	Strategy     Strategy       `json:"strategy"`
	Kind         FailureKind    `json:"failure_kind"`
	ConnectionID string         `json:"connection_id"`
	State        RecoveryState  `json:"state"`
	Attempted    bool           `json:"attempted"`
	Success      bool           `json:"success"`
	Duration     time.Duration  `json:"duration"`
	Detail       map[string]any `json:"detail"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Coordinator 恢复协调器。
// 给定失败记录，按固定映射选定策略并执行，始终产出一条带结果的审计记录；
// "未尝试恢复"本身也是被记录的结果。
type Coordinator struct {
	registry     *Registry
	log          logger.Logger
	baseDelay    time.Duration
	maxAttempts  int
	bypassLayers []string
}

// NewCoordinator 创建恢复协调器
func NewCoordinator(registry *Registry, log logger.Logger, baseDelay time.Duration, maxAttempts int, bypassLayers []string) *Coordinator {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if len(bypassLayers) == 0 {
		bypassLayers = []string{"auth", "cors", "session"}
	}
	return &Coordinator{
		registry:     registry,
		log:          log,
		baseDelay:    baseDelay,
		maxAttempts:  maxAttempts,
		bypassLayers: bypassLayers,
	}
}

// Recover 执行恢复并把结果补记到失败记录。
// resend 为失败发送的重放闭包，仅重试策略使用；可为 nil（视为不可重放）。
func (co *Coordinator) Recover(ctx context.Context, rec *FailureRecord, conn *Connection, resend func(context.Context) error) *RecoveryAttempt {
	start := time.Now()
	attempt := &RecoveryAttempt{
		Strategy:  StrategyFor(rec.Kind),
		Kind:      rec.Kind,
		State:     StateSelected,
		Detail:    make(map[string]any, 4),
		Timestamp: start,
	}
	if conn != nil {
		attempt.ConnectionID = conn.ID
	}

	if attempt.Strategy == StrategyNone {
		// 不执行，直接进入终态
		attempt.State = StateNoRecovery
		attempt.Detail["reason"] = "no strategy mapped for failure kind"
		co.finish(rec, attempt, start)
		return attempt
	}

	attempt.State = StateExecuting
	attempt.Attempted = true

	switch attempt.Strategy {
	case StrategyRetryBackoff:
		co.retryWithBackoff(ctx, attempt, conn, resend)
	case StrategyProtocolReset:
		co.protocolReset(attempt, rec.Kind, conn)
	case StrategyMiddlewareBypass:
		co.middlewareBypass(attempt, conn)
	case StrategyScopeRepair:
		co.scopeRepair(attempt, rec.Kind, conn)
	case StrategyGracefulDegradation:
		co.gracefulDegradation(attempt, conn)
	}

	if attempt.Success {
		attempt.State = StateRecovered
	} else {
		attempt.State = StateFailed
	}
	co.finish(rec, attempt, start)
	return attempt
}

// finish 结算耗时并把结果写回失败记录
func (co *Coordinator) finish(rec *FailureRecord, attempt *RecoveryAttempt, start time.Time) {
	attempt.Duration = time.Since(start)
	rec.Attempted = attempt.Attempted
	rec.Strategy = attempt.Strategy
	success := attempt.Success
	rec.Recovered = &success
	rec.Detail = attempt.Detail

	if co.log != nil {
		co.log.Info("recovery finished",
			zap.String("strategy", string(attempt.Strategy)),
			zap.String("failure_kind", string(attempt.Kind)),
			zap.String("connection_id", attempt.ConnectionID),
			zap.String("state", string(attempt.State)),
			zap.Bool("success", attempt.Success),
			zap.Duration("duration", attempt.Duration),
		)
	}
}

// retryWithBackoff 指数退避重试：delay = baseDelay * 2^attempt，最多 maxAttempts 次。
// 每次重试前轮询连接存活并响应 ctx 取消，连接断开即提前终止。
func (co *Coordinator) retryWithBackoff(ctx context.Context, attempt *RecoveryAttempt, conn *Connection, resend func(context.Context) error) {
	if resend == nil {
		attempt.Detail["reason"] = "no resend operation available"
		attempt.Detail["retry_attempts"] = 0
		return
	}

	var totalDelay time.Duration
	for i := 0; i < co.maxAttempts; i++ {
		delay := co.baseDelay << i
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			attempt.Detail["reason"] = "context canceled"
			attempt.Detail["retry_attempts"] = i
			attempt.Detail["total_delay"] = totalDelay.String()
			return
		case <-timer.C:
		}
		totalDelay += delay

		if conn == nil || conn.IsClosed() {
			attempt.Detail["reason"] = "connection departed during retry"
			attempt.Detail["retry_attempts"] = i
			attempt.Detail["total_delay"] = totalDelay.String()
			return
		}

		if err := resend(ctx); err == nil {
			attempt.Success = true
			attempt.Detail["retry_attempts"] = i + 1
			attempt.Detail["total_delay"] = totalDelay.String()
			return
		}
	}

	attempt.Detail["reason"] = "retries exhausted"
	attempt.Detail["retry_attempts"] = co.maxAttempts
	attempt.Detail["total_delay"] = totalDelay.String()
}

// protocolReset 清空协商缓存并要求传输层重新协商。
// 只适用于协议/协商类故障；其余类别调用必须显式失败，不得静默成功。
func (co *Coordinator) protocolReset(attempt *RecoveryAttempt, kind FailureKind, conn *Connection) {
	if kind != FailureProtocol && kind != FailureNegotiation {
		attempt.Detail["reason"] = "not applicable"
		return
	}
	if conn == nil || conn.IsClosed() {
		attempt.Detail["reason"] = "connection unavailable"
		return
	}
	conn.resetProtocolState()
	attempt.Success = true
	attempt.Detail["renegotiation_requested"] = true
}

// middlewareBypass 标记连接绕过指定中间层
func (co *Coordinator) middlewareBypass(attempt *RecoveryAttempt, conn *Connection) {
	if conn == nil || conn.IsClosed() {
		attempt.Detail["reason"] = "connection unavailable"
		return
	}
	bypassed := conn.bypassLayers(co.bypassLayers)
	attempt.Success = true
	attempt.Detail["bypassed_layers"] = bypassed
}

// scopeRepair 校验并修补连接作用域元数据；仅适用于 scope_corruption
func (co *Coordinator) scopeRepair(attempt *RecoveryAttempt, kind FailureKind, conn *Connection) {
	if kind != FailureScopeCorruption {
		attempt.Detail["reason"] = "not applicable"
		return
	}
	if conn == nil || conn.IsClosed() {
		attempt.Detail["reason"] = "connection unavailable"
		return
	}
	patched := conn.repairScope()
	attempt.Success = true
	attempt.Detail["patched_fields"] = patched
}

// gracefulDegradation 下调连接能力集（推送回退轮询）。
// 恒定成功：这是对降低服务水平的接受，不是失败。
func (co *Coordinator) gracefulDegradation(attempt *RecoveryAttempt, conn *Connection) {
	if conn != nil && !conn.IsClosed() {
		conn.degrade()
		_ = co.registry.SetStatus(conn.ID, StatusDegraded)
		attempt.Detail["capabilities"] = conn.Capabilities()
	} else {
		attempt.Detail["capabilities"] = []string{}
	}
	attempt.Success = true
	attempt.Detail["degraded_to"] = "polling"
}
