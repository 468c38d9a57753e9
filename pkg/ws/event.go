package ws

import (
	"encoding/json"
	"time"
)

// EventKind 生命周期事件类型
type EventKind string

const (
	// EventAgentStarted Agent 开始执行（单次 run 的首个事件）
	EventAgentStarted EventKind = "agent_started"
	// EventAgentThinking Agent 推理中
	EventAgentThinking EventKind = "agent_thinking"
	// EventToolExecuting 工具开始执行
	EventToolExecuting EventKind = "tool_executing"
	// EventToolCompleted 工具执行完成
	EventToolCompleted EventKind = "tool_completed"
	// EventAgentCompleted Agent 正常结束（终态）
	EventAgentCompleted EventKind = "agent_completed"
	// EventAgentError Agent 异常结束（终态）
	EventAgentError EventKind = "agent_error"
)

// Valid 检查事件类型是否合法
func (k EventKind) Valid() bool {
	switch k {
	case EventAgentStarted, EventAgentThinking, EventToolExecuting,
		EventToolCompleted, EventAgentCompleted, EventAgentError:
		return true
	}
	return false
}

// Terminal 检查是否为终态事件
func (k EventKind) Terminal() bool {
	return k == EventAgentCompleted || k == EventAgentError
}

// requiredPayloadKeys 各事件类型的必填负载键
var requiredPayloadKeys = map[EventKind][]string{
	EventAgentStarted:   {"agent_name"},
	EventAgentThinking:  {"reasoning"},
	EventToolExecuting:  {"tool_name"},
	EventToolCompleted:  {"tool_name", "result"},
	EventAgentCompleted: {"result"},
	EventAgentError:     {"error"},
}

// LifecycleEvent 一条生命周期通知。创建后不可变；Seq 由发射器在提交时分配。
type LifecycleEvent struct {
	Kind      EventKind
	UserID    string
	ThreadID  string
	RunID     string
	Payload   map[string]any
	Seq       uint64
	CreatedAt time.Time
}

// NewLifecycleEvent 创建生命周期事件并校验必填负载键
func NewLifecycleEvent(kind EventKind, userID, threadID, runID string, payload map[string]any) (*LifecycleEvent, error) {
	ev := &LifecycleEvent{
		Kind:      kind,
		UserID:    userID,
		ThreadID:  threadID,
		RunID:     runID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Validate 校验事件合法性（类型已知、目标明确、必填负载键齐全）
func (e *LifecycleEvent) Validate() error {
	if !e.Kind.Valid() {
		return &InvalidEventError{Kind: e.Kind, Reason: "unknown event kind"}
	}
	if e.UserID == "" {
		return &InvalidEventError{Kind: e.Kind, Reason: "user_id is required"}
	}
	if e.RunID == "" {
		return &InvalidEventError{Kind: e.Kind, Reason: "run_id is required"}
	}
	for _, key := range requiredPayloadKeys[e.Kind] {
		if _, ok := e.Payload[key]; !ok {
			return &InvalidEventError{Kind: e.Kind, Reason: "missing payload key: " + key}
		}
	}
	return nil
}

// ToolName 返回负载中的工具名（非工具事件返回空串）
func (e *LifecycleEvent) ToolName() string {
	if name, ok := e.Payload["tool_name"].(string); ok {
		return name
	}
	return ""
}

// MarshalWire 序列化为线上格式。
// 线上契约：{type, user_id, thread_id, run_id, seq, timestamp} + 类型特定字段平铺。
func (e *LifecycleEvent) MarshalWire() ([]byte, error) {
	wire := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		wire[k] = v
	}
	wire["type"] = string(e.Kind)
	wire["user_id"] = e.UserID
	wire["thread_id"] = e.ThreadID
	wire["run_id"] = e.RunID
	wire["seq"] = e.Seq
	wire["timestamp"] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(wire)
}
