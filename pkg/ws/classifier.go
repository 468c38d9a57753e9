package ws

import (
	"strings"
	"time"
)

// FailureKind 投递失败类别（封闭集合）
type FailureKind string

const (
	// FailureProtocol 底层帧/握手协议故障
	FailureProtocol FailureKind = "protocol_failure"
	// FailureTimeout 超时
	FailureTimeout FailureKind = "timeout"
	// FailureStackConflict 请求栈中间组件干扰了事件
	FailureStackConflict FailureKind = "stack_conflict"
	// FailureMiddlewareConflict 特定中间层（session/cors/auth）冲突
	FailureMiddlewareConflict FailureKind = "middleware_conflict"
	// FailureScopeCorruption 连接作用域元数据损坏
	FailureScopeCorruption FailureKind = "scope_corruption"
	// FailureNegotiation 子协议/版本协商失败
	FailureNegotiation FailureKind = "negotiation_failure"
	// FailureRejection 上游网关拒绝
	FailureRejection FailureKind = "rejection"
	// FailureReadiness 依赖服务未就绪
	FailureReadiness FailureKind = "readiness_failure"
	// FailureUnclassified 兜底类别
	FailureUnclassified FailureKind = "unclassified"
)

// classifyRule 分类规则：小写错误消息的子串匹配
type classifyRule struct {
	substr string
	kind   FailureKind
}

// classifyRules 有序规则表，首个命中生效。
// 顺序敏感："subprotocol" 必须先于 "protocol"，特定中间层先于泛化的 "middleware"。
// 这是尽力启发式：接受误分类，换取始终产出可执行的恢复类别。
var classifyRules = []classifyRule{
	// 协商类
	{"subprotocol", FailureNegotiation},
	{"version mismatch", FailureNegotiation},
	{"negotiation", FailureNegotiation},

	// 特定中间层冲突
	{"session middleware", FailureMiddlewareConflict},
	{"cors", FailureMiddlewareConflict},
	{"auth middleware", FailureMiddlewareConflict},
	{"csrf", FailureMiddlewareConflict},

	// 泛化请求栈干扰
	{"middleware", FailureStackConflict},
	{"interceptor", FailureStackConflict},
	{"stack", FailureStackConflict},

	// 作用域损坏
	{"scope", FailureScopeCorruption},
	{"malformed metadata", FailureScopeCorruption},

	// 超时
	{"deadline exceeded", FailureTimeout},
	{"timed out", FailureTimeout},
	{"timeout", FailureTimeout},

	// 协议故障
	{"close 1002", FailureProtocol},
	{"bad frame", FailureProtocol},
	{"protocol", FailureProtocol},
	{"handshake", FailureProtocol},
	{"broken pipe", FailureProtocol},

	// 上游拒绝
	{"rejected", FailureRejection},
	{"refused", FailureRejection},
	{"forbidden", FailureRejection},
	{"403", FailureRejection},

	// 依赖未就绪
	{"not ready", FailureReadiness},
	{"unavailable", FailureReadiness},
	{"starting up", FailureReadiness},
	{"503", FailureReadiness},
}

// Classify 将原始错误消息映射到唯一失败类别。
// 纯函数：仅依赖消息内容，同一输入必然产出同一类别。
func Classify(message string) FailureKind {
	lower := strings.ToLower(message)
	for _, rule := range classifyRules {
		if strings.Contains(lower, rule.substr) {
			return rule.kind
		}
	}
	return FailureUnclassified
}

// FailureRecord 单次投递失败的记录。
// 由分类器创建，恢复协调器补记一次恢复结果，之后不再变更；
// 记录保留在诊断采集器的有界环形缓冲中（最旧先逐出），不单独删除。
type FailureRecord struct {
	Kind         FailureKind    `json:"kind"`
	Timestamp    time.Time      `json:"timestamp"`
	ConnectionID string         `json:"connection_id"`
	UserID       string         `json:"user_id"`
	EventKind    EventKind      `json:"event_kind"`
	Message      string         `json:"message"`
	Attempted    bool           `json:"recovery_attempted"`
	Strategy     Strategy       `json:"recovery_strategy,omitempty"`
	Recovered    *bool          `json:"recovery_success,omitempty"`
	Detail       map[string]any `json:"recovery_detail,omitempty"`
}

// ClassifyError 根据投递异常构建失败记录
func ClassifyError(err error, conn *Connection, eventKind EventKind) *FailureRecord {
	rec := &FailureRecord{
		Kind:      Classify(err.Error()),
		Timestamp: time.Now(),
		EventKind: eventKind,
		Message:   err.Error(),
	}
	if conn != nil {
		rec.ConnectionID = conn.ID
		rec.UserID = conn.UserID
	}
	return rec
}
