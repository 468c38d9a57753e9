package ws

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	// 投递指标
	IncrementDeliveries(eventKind string)
	IncrementDeliveryFailures(failureKind string)
	RecordDeliveryLatency(eventKind string, micros int64)

	// 恢复指标
	IncrementRecoveries(strategy string, success bool)

	// 握手指标
	IncrementHandshakeRefusals(reason string)

	// 清理指标
	IncrementSweptConnections(count int)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()                                  {}
func (m *NoopMetrics) DecrementConnections()                                  {}
func (m *NoopMetrics) SetConnectionCount(count int)                           {}
func (m *NoopMetrics) IncrementDeliveries(eventKind string)                   {}
func (m *NoopMetrics) IncrementDeliveryFailures(failureKind string)           {}
func (m *NoopMetrics) RecordDeliveryLatency(eventKind string, micros int64)   {}
func (m *NoopMetrics) IncrementRecoveries(strategy string, success bool)      {}
func (m *NoopMetrics) IncrementHandshakeRefusals(reason string)               {}
func (m *NoopMetrics) IncrementSweptConnections(count int)                    {}
