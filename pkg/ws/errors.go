package ws

import (
	"errors"
	"fmt"
)

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("ws: too many connections")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrConnectionNotFound = errors.New("ws: connection not found")
	ErrSendQueueFull      = errors.New("ws: send queue full")

	// 握手相关错误
	ErrNoAuthSubprotocol = errors.New("ws: no auth subprotocol offered")
	ErrTokenMissing      = errors.New("ws: auth token missing or malformed")
	ErrTokenRejected     = errors.New("ws: auth token rejected")

	// 配置相关错误
	ErrInvalidConfig = errors.New("ws: invalid config")

	// 生命周期相关错误
	ErrManagerClosed = errors.New("ws: manager closed")
)

// EventOrderError 生命周期事件顺序违规。
// 属于调用方（Agent 执行层）的编程错误，是唯一允许从 Emit 同步抛出的错误类别。
type EventOrderError struct {
	RunID  string
	Kind   EventKind
	Reason string
}

func (e *EventOrderError) Error() string {
	return fmt.Sprintf("ws: event order violation in run %s (%s): %s", e.RunID, e.Kind, e.Reason)
}

// DuplicateConnectionError 重复注册同一连接标识
type DuplicateConnectionError struct {
	ConnectionID string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("ws: connection %s already registered", e.ConnectionID)
}

// InvalidEventError 事件本身非法（未知类型、缺少必填负载键）
type InvalidEventError struct {
	Kind   EventKind
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("ws: invalid event (%s): %s", e.Kind, e.Reason)
}
