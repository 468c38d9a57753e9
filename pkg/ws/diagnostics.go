package ws

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/agentgate/pkg/logger"
)

// ring 固定容量环形缓冲，容量满后逐出最旧元素
type ring[T any] struct {
	buf  []T
	head int // 下一个写入位置
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// items 按从旧到新返回快照
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// HealthSnapshot 某一时刻的健康聚合。创建后不可变。
type HealthSnapshot struct {
	Timestamp         time.Time            `json:"timestamp"`
	ActiveConnections int                  `json:"active_connections"`
	ErrorRate         float64              `json:"error_rate"` // 最近一小时每分钟失败数
	FailuresLastHour  int                  `json:"failures_last_hour"`
	FailuresLastDay   int                  `json:"failures_last_day"`
	KindCountsHour    map[FailureKind]int  `json:"failure_kinds_hour"`
	KindCountsDay     map[FailureKind]int  `json:"failure_kinds_day"`
	StrategySuccess   map[Strategy]float64 `json:"strategy_success_rate"`
	StabilityScore    int                  `json:"stability_score"`
}

// Recommendation 阈值触发的运维建议
type Recommendation struct {
	Priority string `json:"priority"` // critical | high | medium
	Message  string `json:"message"`
	Count    int    `json:"count"`
	Rule     string `json:"rule"`
}

// Collector 诊断采集器。
// 纯观察者：不做投递也不做恢复；对畸形输入只记日志并跳过，永不抛错。
// 失败/恢复记录保留在有界环形缓冲中，最旧先逐出。
type Collector struct {
	mu         sync.Mutex
	failures   *ring[*FailureRecord]
	recoveries *ring[*RecoveryAttempt]
	snapshots  *ring[*HealthSnapshot]

	connCount func() int
	log       logger.Logger
	now       func() time.Time // 测试可替换
}

// NewCollector 创建诊断采集器。
// ringSize 为失败/恢复环形缓冲容量；connCount 提供活跃连接数（通常为 Registry.Count）。
func NewCollector(ringSize int, connCount func() int, log logger.Logger) *Collector {
	if ringSize <= 0 {
		ringSize = 1000
	}
	if connCount == nil {
		connCount = func() int { return 0 }
	}
	return &Collector{
		failures:   newRing[*FailureRecord](ringSize),
		recoveries: newRing[*RecoveryAttempt](ringSize),
		snapshots:  newRing[*HealthSnapshot](288), // 固定窗口，5 分钟间隔约一天
		connCount:  connCount,
		log:        log,
		now:        time.Now,
	}
}

// RecordFailure 记录一次投递失败
func (c *Collector) RecordFailure(rec *FailureRecord) {
	if rec == nil {
		if c.log != nil {
			c.log.Warn("diagnostics: nil failure record skipped")
		}
		return
	}
	c.mu.Lock()
	c.failures.push(rec)
	c.mu.Unlock()
}

// RecordRecovery 记录一次恢复执行
func (c *Collector) RecordRecovery(attempt *RecoveryAttempt) {
	if attempt == nil {
		if c.log != nil {
			c.log.Warn("diagnostics: nil recovery attempt skipped")
		}
		return
	}
	c.mu.Lock()
	c.recoveries.push(attempt)
	c.mu.Unlock()
}

// Snapshot 计算当前健康快照。
// 策略成功率为窗口内简单比值（成功次数 / 执行次数），非指数平滑。
// 稳定性评分：max(0, 100 − min(50, 2×近一小时失败数) + 恢复加成)，
// 恢复加成 = 20 × (已恢复数 / 失败总数)，失败总数为 0 时加成为 0；结果收敛到 [0,100]。
func (c *Collector) Snapshot() *HealthSnapshot {
	c.mu.Lock()
	failures := c.failures.items()
	recoveries := c.recoveries.items()
	c.mu.Unlock()

	now := c.now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	snap := &HealthSnapshot{
		Timestamp:         now,
		ActiveConnections: c.connCount(),
		KindCountsHour:    make(map[FailureKind]int),
		KindCountsDay:     make(map[FailureKind]int),
		StrategySuccess:   make(map[Strategy]float64),
	}

	recovered := 0
	for _, rec := range failures {
		if rec.Timestamp.After(dayAgo) {
			snap.FailuresLastDay++
			snap.KindCountsDay[rec.Kind]++
		}
		if rec.Timestamp.After(hourAgo) {
			snap.FailuresLastHour++
			snap.KindCountsHour[rec.Kind]++
			if rec.Recovered != nil && *rec.Recovered {
				recovered++
			}
		}
	}
	snap.ErrorRate = float64(snap.FailuresLastHour) / 60.0

	// 策略成功率（一小时窗口、简单比值）
	executed := make(map[Strategy]int)
	succeeded := make(map[Strategy]int)
	for _, attempt := range recoveries {
		if !attempt.Timestamp.After(hourAgo) || !attempt.Attempted {
			continue
		}
		executed[attempt.Strategy]++
		if attempt.Success {
			succeeded[attempt.Strategy]++
		}
	}
	for strategy, total := range executed {
		snap.StrategySuccess[strategy] = float64(succeeded[strategy]) / float64(total)
	}

	// 稳定性评分
	penalty := 2 * snap.FailuresLastHour
	if penalty > 50 {
		penalty = 50
	}
	bonus := 0.0
	if snap.FailuresLastHour > 0 {
		bonus = 20.0 * float64(recovered) / float64(snap.FailuresLastHour)
	}
	score := 100 - penalty + int(bonus)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	snap.StabilityScore = score

	c.mu.Lock()
	c.snapshots.push(snap)
	c.mu.Unlock()
	return snap
}

// History 返回历史快照（从旧到新）
func (c *Collector) History() []*HealthSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots.items()
}

// Recommendations 根据最近一小时的失败分布产出阈值建议
func (c *Collector) Recommendations() []Recommendation {
	c.mu.Lock()
	failures := c.failures.items()
	c.mu.Unlock()

	hourAgo := c.now().Add(-time.Hour)
	total := 0
	kinds := make(map[FailureKind]int)
	recovered := 0
	for _, rec := range failures {
		if !rec.Timestamp.After(hourAgo) {
			continue
		}
		total++
		kinds[rec.Kind]++
		if rec.Recovered != nil && *rec.Recovered {
			recovered++
		}
	}

	var recs []Recommendation
	if total > 10 {
		recs = append(recs, Recommendation{
			Priority: "critical",
			Message:  "failure volume is high, consider enabling rate limiting",
			Count:    total,
			Rule:     "failures_per_hour>10",
		})
	}
	if n := kinds[FailureProtocol]; n > 3 {
		recs = append(recs, Recommendation{
			Priority: "high",
			Message:  "repeated protocol failures, upgrade the protocol handler",
			Count:    n,
			Rule:     "protocol_failures_per_hour>3",
		})
	}
	if n := kinds[FailureStackConflict] + kinds[FailureMiddlewareConflict]; n > 2 {
		recs = append(recs, Recommendation{
			Priority: "high",
			Message:  "stack conflicts detected, review middleware ordering",
			Count:    n,
			Rule:     "stack_conflicts_per_hour>2",
		})
	}
	if total > 4 && recovered*2 < total {
		recs = append(recs, Recommendation{
			Priority: "medium",
			Message:  "recovery success ratio below 50%, inspect recovery strategy mapping",
			Count:    total - recovered,
			Rule:     "recovery_ratio<0.5",
		})
	}
	if c.log != nil && len(recs) > 0 {
		c.log.Warn("diagnostics recommendations raised", zap.Int("count", len(recs)))
	}
	return recs
}
