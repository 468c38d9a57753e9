package ws

import (
	"sync"
	"time"
)

// Registry 用户标识到活跃连接集合的映射，多租户隔离的最小单元。
//
// 隔离保证是结构性的：每个用户持有独立的连接桶，跨用户查询在结构上
// 不可能返回他人连接（而非依赖全局扫描过滤）。
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Connection // userID -> connID -> conn
	byID   map[string]*Connection            // connID -> conn
}

// NewRegistry 创建连接注册表
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Connection),
		byID:   make(map[string]*Connection),
	}
}

// Register 注册连接。同一连接标识最多存在一条记录。
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[c.ID]; exists {
		return &DuplicateConnectionError{ConnectionID: c.ID}
	}

	bucket, ok := r.byUser[c.UserID]
	if !ok {
		bucket = make(map[string]*Connection, 2)
		r.byUser[c.UserID] = bucket
	}
	bucket[c.ID] = c
	r.byID[c.ID] = c
	return nil
}

// ConnectionsFor 返回指定用户的连接快照（副本，外部不可变更内部集合）
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.byUser[userID]
	out := make([]*Connection, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c)
	}
	return out
}

// Get 按连接标识查找
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// Remove 移除连接，返回是否存在
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

// removeLocked 需持有写锁
func (r *Registry) removeLocked(connID string) bool {
	c, ok := r.byID[connID]
	if !ok {
		return false
	}
	delete(r.byID, connID)
	if bucket, ok := r.byUser[c.UserID]; ok {
		delete(bucket, connID)
		if len(bucket) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	c.setStatus(StatusDisconnected)
	return true
}

// SetStatus 状态迁移的唯一入口（状态单一属主约束，避免发送失败路径
// 与并发断开路径之间的状态竞争）
func (r *Registry) SetStatus(connID string, s Status) error {
	r.mu.RLock()
	c, ok := r.byID[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	c.setStatus(s)
	return nil
}

// SweepStale 移除闲置超过阈值且未处于 connected 状态的连接，返回其标识。
// connected 状态的连接即使长时间静默也不会被清除，避免合法静默期的误断。
func (r *Registry) SweepStale(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Connection
	for _, c := range r.byID {
		if c.Status() == StatusConnected {
			continue
		}
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	removed := make([]string, 0, len(stale))
	for _, c := range stale {
		if r.removeLocked(c.ID) {
			removed = append(removed, c.ID)
		}
	}
	r.mu.Unlock()

	// 锁外关闭底层传输
	for _, c := range stale {
		c.Close()
	}
	return removed
}

// Count 活跃连接总数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// UserCount 在线用户数
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Range 遍历所有连接（回调返回 false 终止）
func (r *Registry) Range(f func(*Connection) bool) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !f(c) {
			return
		}
	}
}
