package ws

import (
	"sync"
	"sync/atomic"
	"time"
)

// HubEventType 核心内部事件类型
type HubEventType string

const (
	// HubConnectionOpened 连接注册完成
	HubConnectionOpened HubEventType = "connection.opened"
	// HubConnectionClosed 连接离开注册表
	HubConnectionClosed HubEventType = "connection.closed"
	// HubConnectionDegraded 连接被降级
	HubConnectionDegraded HubEventType = "connection.degraded"
	// HubDeliveryFailed 一次投递失败（已分类）
	HubDeliveryFailed HubEventType = "delivery.failed"
	// HubRecoveryFinished 一次恢复执行结束
	HubRecoveryFinished HubEventType = "recovery.finished"
)

// HubEvent 核心内部事件
type HubEvent struct {
	Type         HubEventType
	ConnectionID string
	UserID       string
	Data         any
	Time         time.Time
}

// HubEventHandler 事件处理器。
// 统一为异步回调接口：所有处理器都在总线 worker 协程中执行，
// 注册方无需区分同步/异步实现。
type HubEventHandler func(HubEvent)

// EventBus 异步事件总线（固定 worker 池 + 有界队列，满载丢弃并计数）
type EventBus struct {
	handlers      map[HubEventType][]HubEventHandler
	mu            sync.RWMutex
	workerCh      chan func()
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        atomic.Bool
	droppedEvents atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	eb := &EventBus{
		handlers: make(map[HubEventType][]HubEventHandler),
		workerCh: make(chan func(), 1000),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < 4; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

// worker 工作协程
func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			task()
		case <-eb.stopCh:
			return
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(t HubEventType, handler HubEventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[t] = append(eb.handlers[t], handler)
}

// Publish 发布事件（异步）。
// 连接开/关事件使用短暂阻塞发送，其余事件队列满即丢弃。
func (eb *EventBus) Publish(event HubEvent) {
	if eb.closed.Load() {
		return
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		if event.Type == HubConnectionOpened || event.Type == HubConnectionClosed {
			select {
			case eb.workerCh <- func() { h(event) }:
			case <-time.After(100 * time.Millisecond):
				eb.droppedEvents.Add(1)
			}
		} else {
			select {
			case eb.workerCh <- func() { h(event) }:
			default:
				eb.droppedEvents.Add(1)
			}
		}
	}
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	eb.closed.Store(true)
	close(eb.stopCh)
	eb.wg.Wait()
	// workerCh 不关闭，避免并发 Publish panic；残余事件由 GC 回收
}

// DroppedEvents 丢弃的事件数量
func (eb *EventBus) DroppedEvents() int64 {
	return eb.droppedEvents.Load()
}
