// ============================================================================
// Frame Queue 控制器 - 背景循環協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有一個 queue，執行其背景循環，並可選擇啟動本地 Worker Pool
//
// 核心循環 (2 個並發 Goroutine):
//   1. Sweep Loop - 每 SweepInterval 回收逾時任務並強制寫入結果緩衝
//   2. Stats Loop - 每 StatsInterval 更新 Prometheus gauge
//
// 關閉順序:
//   1. close(stopCh) → 通知所有循環停止
//   2. pool.Stop()   → 取消本地 Worker（阻塞中的 Pull 立即返回）
//   3. loopWg.Wait() → 等待循環退出
//   4. queue.Close() → 最後一次 flush，關閉兩個容器
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/internal/worker"
)

var log = slog.Default()

// Defaults.
const (
	DefaultSweepInterval = 10 * time.Second
	DefaultStatsInterval = time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	SweepInterval time.Duration // 逾時掃描間隔
	StatsInterval time.Duration // 統計更新間隔
	LocalWorkers  int           // 本地 Worker 數量；0 表示只服務遠端 Worker
	Worker        worker.Config // 本地 Worker 設定（Workers 欄位由 LocalWorkers 覆寫）
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex // 保護 stopped
	q         *queue.Queue
	metrics   *metrics.Collector
	pool      *worker.Pool // nil when LocalWorkers is 0
	config    Config
	stopCh    chan struct{}
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - q: 由 Controller 擁有的 queue，Stop 時關閉
//   - m: 指標收集器；nil 時使用未註冊的收集器
//   - config: Controller 配置
func NewController(q *queue.Queue, m *metrics.Collector, config Config) *Controller {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultStatsInterval
	}
	if m == nil {
		m = metrics.NewCollector(nil)
	}

	c := &Controller{
		q:       q,
		metrics: m,
		config:  config,
		stopCh:  make(chan struct{}),
	}
	if config.LocalWorkers > 0 {
		wcfg := config.Worker
		wcfg.Workers = config.LocalWorkers
		if wcfg.Metrics == nil {
			wcfg.Metrics = m
		}
		c.pool = worker.NewPool(worker.NewLocalSource(q), wcfg)
	}
	return c
}

// Start 啟動背景循環與本地 Worker
func (c *Controller) Start() error {
	c.startTime = time.Now()

	if c.pool != nil {
		if err := c.pool.Start(context.Background()); err != nil {
			return err
		}
	}

	c.loopWg.Add(2)
	go c.sweepLoop()
	go c.statsLoop()

	log.Info("Controller started",
		"queue", c.q.ID(),
		"sweep_interval", c.config.SweepInterval,
		"local_workers", c.config.LocalWorkers)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// sweepLoop 定期回收逾時任務
func (c *Controller) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Sweep loop stopped")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep runs one timeout sweep and returns the reclaimed indices.
func (c *Controller) Sweep() []int64 {
	reclaimed, err := c.q.SweepTimeouts()
	if err != nil {
		log.Error("Sweep failed", "queue", c.q.ID(), "error", err)
	}
	return reclaimed
}

// statsLoop 定期更新指標
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.updateStats()
		}
	}
}

func (c *Controller) updateStats() {
	st := c.q.Stats()
	c.metrics.UpdateQueueStats(st.Open, st.InProgress, st.Completed)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]any {
	st := c.q.Stats()
	status := map[string]any{
		"queue":       c.q.ID(),
		"uptime":      time.Since(c.startTime).String(),
		"open":        st.Open,
		"in_progress": st.InProgress,
		"completed":   st.Completed,
		"num_slices":  st.NumSlices,
		"accepting":   st.Accepting,
	}
	if c.pool != nil {
		status["workers"] = c.pool.GetWorkerCount()
		status["processed"] = c.pool.Processed()
	}
	return status
}

// Queue returns the owned queue.
func (c *Controller) Queue() *queue.Queue { return c.q }

// Stop 優雅關閉 Controller，最後關閉 queue
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	if c.pool != nil {
		c.pool.Stop()
	}
	c.loopWg.Wait()

	c.updateStats()
	if err := c.q.Close(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	log.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return nil
}
