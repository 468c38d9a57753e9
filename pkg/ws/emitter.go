package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
)

// DeliveryReport 单次 Emit 的投递报告
type DeliveryReport struct {
	Event         *LifecycleEvent  `json:"-"`
	Invalid       bool             `json:"invalid"`
	Reason        string           `json:"reason,omitempty"`
	Delivered     []string         `json:"delivered"` // 成功的连接标识
	Failures      []*FailureRecord `json:"failures"`
	NoConnections bool             `json:"no_connections"`
}

// runState 单次 run 的生命周期顺序状态
type runState struct {
	started   bool
	terminal  bool
	executing map[string]int // tool name -> 未配对的 tool_executing 数
	seq       uint64
}

// Emitter 生命周期事件发射器。
// 投递失败在此边界被吞掉，只通过 DeliveryReport 与诊断采集器暴露；
// 顺序违规（调用方编程错误）是唯一同步返回的错误类别。
type Emitter struct {
	registry    *Registry
	coordinator *Coordinator
	diagnostics *Collector
	bus         *EventBus
	log         logger.Logger
	metrics     Metrics

	mu   sync.Mutex
	runs map[string]*runState

	// 已终结 run 的有界记忆，用于拒绝终态之后的事件
	terminated     map[string]struct{}
	terminatedFIFO []string
}

// maxTerminatedRuns 已终结 run 记忆上限（FIFO 逐出）
const maxTerminatedRuns = 1024

// NewEmitter 创建发射器
func NewEmitter(registry *Registry, coordinator *Coordinator, diagnostics *Collector, bus *EventBus, log logger.Logger, metrics Metrics) *Emitter {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Emitter{
		registry:    registry,
		coordinator: coordinator,
		diagnostics: diagnostics,
		bus:         bus,
		log:         log,
		metrics:     metrics,
		runs:        make(map[string]*runState),
		terminated:  make(map[string]struct{}),
	}
}

// Emit 向目标用户的全部活跃连接投递事件。
//
// 顺序保证：单次 (user, run) 内按提交顺序投递，发射器不重排；提交顺序
// 本身由调用方负责，发射器做防御性校验并拒绝乱序事件（返回 Invalid 报告
// 与 *EventOrderError，不做任何发送）。
//
// 目标用户零连接不是错误：记为 no-op 投递。单个连接发送失败不中断对同
// 用户其余连接的投递（多端支持），也永远不会让 Emit 返回错误。
func (em *Emitter) Emit(ctx context.Context, ev *LifecycleEvent) (*DeliveryReport, error) {
	report := &DeliveryReport{Event: ev}

	if err := ev.Validate(); err != nil {
		report.Invalid = true
		report.Reason = err.Error()
		return report, err
	}

	if err := em.advanceRun(ev); err != nil {
		report.Invalid = true
		report.Reason = err.Error()
		em.log.WarnContext(ctx, "event rejected: order violation",
			zap.String("run_id", ev.RunID),
			zap.String("event_kind", string(ev.Kind)),
			zap.String("reason", report.Reason),
		)
		return report, err
	}

	payload, err := ev.MarshalWire()
	if err != nil {
		// 负载无法序列化与类型校验矛盾，按非法事件处理
		report.Invalid = true
		report.Reason = err.Error()
		return report, &InvalidEventError{Kind: ev.Kind, Reason: err.Error()}
	}

	conns := em.registry.ConnectionsFor(ev.UserID)
	if len(conns) == 0 {
		// 用户无活跃会话，no-op 投递
		report.NoConnections = true
		em.log.DebugContext(ctx, "no active connections for user",
			zap.String("user_id", ev.UserID),
			zap.String("event_kind", string(ev.Kind)),
		)
		return report, nil
	}

	start := time.Now()
	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			em.handleFailure(ctx, report, ev, conn, payload, err)
			continue
		}
		report.Delivered = append(report.Delivered, conn.ID)
		em.metrics.IncrementDeliveries(string(ev.Kind))
	}
	em.metrics.RecordDeliveryLatency(string(ev.Kind), time.Since(start).Microseconds())

	return report, nil
}

// handleFailure 单连接投递失败路径：分类 → 恢复 → 诊断记录。
// 无论恢复结果如何，原始失败与恢复记录都会进入诊断采集器。
func (em *Emitter) handleFailure(ctx context.Context, report *DeliveryReport, ev *LifecycleEvent, conn *Connection, payload []byte, sendErr error) {
	rec := ClassifyError(sendErr, conn, ev.Kind)
	em.metrics.IncrementDeliveryFailures(string(rec.Kind))
	em.log.WarnContext(ctx, "event delivery failed",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.String("event_kind", string(ev.Kind)),
		zap.String("failure_kind", string(rec.Kind)),
		zap.Error(sendErr),
	)

	resend := func(rctx context.Context) error {
		return conn.Send(payload)
	}
	attempt := em.coordinator.Recover(ctx, rec, conn, resend)
	em.metrics.IncrementRecoveries(string(attempt.Strategy), attempt.Success)

	// 恢复成功的连接视为送达；否则标记 errored（并发断开优先）
	if attempt.Success && attempt.Strategy == StrategyRetryBackoff {
		report.Delivered = append(report.Delivered, conn.ID)
	} else if !attempt.Success && !conn.IsClosed() {
		_ = em.registry.SetStatus(conn.ID, StatusErrored)
	}

	report.Failures = append(report.Failures, rec)
	em.diagnostics.RecordFailure(rec)
	em.diagnostics.RecordRecovery(attempt)

	if em.bus != nil {
		em.bus.Publish(HubEvent{
			Type:         HubDeliveryFailed,
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			Data:         rec,
			Time:         time.Now(),
		})
		em.bus.Publish(HubEvent{
			Type:         HubRecoveryFinished,
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			Data:         attempt,
			Time:         time.Now(),
		})
		if attempt.Strategy == StrategyGracefulDegradation && attempt.Success {
			em.bus.Publish(HubEvent{
				Type:         HubConnectionDegraded,
				ConnectionID: conn.ID,
				UserID:       conn.UserID,
				Time:         time.Now(),
			})
		}
	}
}

// advanceRun 校验并推进单次 run 的顺序状态机。
// 规则：agent_started 必须是首个事件且不可重复；终态事件之后不得再有事件；
// tool_completed 必须有未配对的同名 tool_executing 在前。
func (em *Emitter) advanceRun(ev *LifecycleEvent) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if _, done := em.terminated[ev.RunID]; done {
		return &EventOrderError{RunID: ev.RunID, Kind: ev.Kind, Reason: "run already terminated"}
	}

	state, ok := em.runs[ev.RunID]
	if !ok {
		state = &runState{executing: make(map[string]int)}
		em.runs[ev.RunID] = state
	}

	switch ev.Kind {
	case EventAgentStarted:
		if state.started {
			return &EventOrderError{RunID: ev.RunID, Kind: ev.Kind, Reason: "agent_started emitted twice"}
		}
		state.started = true
	case EventToolExecuting:
		if !state.started {
			return &EventOrderError{RunID: ev.RunID, Kind: ev.Kind, Reason: "agent_started must be the first event"}
		}
		state.executing[ev.ToolName()]++
	case EventToolCompleted:
		if !state.started {
			return &EventOrderError{RunID: ev.RunID, Kind: ev.Kind, Reason: "agent_started must be the first event"}
		}
		tool := ev.ToolName()
		if state.executing[tool] == 0 {
			return &EventOrderError{RunID: ev.RunID, Kind: ev.Kind,
				Reason: "tool_completed without matching tool_executing for " + tool}
		}
		state.executing[tool]--
	default:
		if !state.started {
			return &EventOrderError{RunID: ev.RunID, Kind: ev.Kind, Reason: "agent_started must be the first event"}
		}
	}

	if ev.Kind.Terminal() {
		state.terminal = true
		// run 结束即回收顺序状态，run 标识转入有界终结记忆
		delete(em.runs, ev.RunID)
		em.terminated[ev.RunID] = struct{}{}
		em.terminatedFIFO = append(em.terminatedFIFO, ev.RunID)
		if len(em.terminatedFIFO) > maxTerminatedRuns {
			evicted := em.terminatedFIFO[0]
			em.terminatedFIFO = em.terminatedFIFO[1:]
			delete(em.terminated, evicted)
		}
	}

	state.seq++
	ev.Seq = state.seq
	return nil
}
