// ============================================================================
// Frame Worker Pool - 並發分析執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個分析 goroutine 的生命週期
//
// 架構組件:
//   ┌─────────────┐   PullMany / FileResults   ┌──────────┐
//   │   Source    │ <────────────────────────── │ Worker 0 │
//   │ (local or   │ <────────────────────────── │ Worker 1 │
//   │  gRPC)      │ <────────────────────────── │ Worker N │
//   └─────────────┘                             └──────────┘
//          ↑ FrameData                               │
//          └────────────── FrameCache ←──── Fitter ──┘
//
// 每個 Worker 的循環:
//   1. PullMany(workerID, workerCount) 取得一批任務
//   2. 對每個任務執行 Fitter.Fit
//   3. FileResults 回報整批結果（包含 dud）
//
// 錯誤處理:
//   - Fit 失敗: 記錄並放棄該任務，由 queue 的逾時掃描回收
//   - Pull/File 失敗: 記錄後等待 RetryInterval 再重試
//
// 優雅關閉:
//   Stop() 取消 context，阻塞中的 Pull 立即返回，WaitGroup 等待所有 Worker 退出。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法再啟動
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已經啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// DefaultRetryInterval is the pause after a failed pull or file call.
const DefaultRetryInterval = 500 * time.Millisecond

// ============================================================================
// 資料結構定義
// ============================================================================

// Config configures a Pool.
type Config struct {
	Workers       int           // number of goroutines; 1 when unset
	Fitter        Fitter        // PeakFitter when nil
	CacheFrames   int           // frame cache capacity
	RetryInterval time.Duration // pause after a source error
	Metrics       *metrics.Collector
}

// Pool runs Workers goroutines pulling from one Source.
type Pool struct {
	src    Source
	cache  *FrameCache
	fitter Fitter
	cfg    Config

	processed atomic.Int64 // results filed
	abandoned atomic.Int64 // tasks whose fit failed

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - src: 任務來源
//   - cfg: Worker 數量、Fitter 與快取設定
func NewPool(src Source, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Fitter == nil {
		cfg.Fitter = PeakFitter{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Pool{
		src:    src,
		cache:  NewFrameCache(src, cfg.CacheFrames, cfg.Metrics),
		fitter: cfg.Fitter,
		cfg:    cfg,
	}
}

// Start 啟動所有 Worker；ctx 取消時 Worker 也會停止
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}

	p.started = true
	log.Info("Worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop 取消所有 Worker 並等待其退出。已取得但尚未回報的任務由逾時掃描回收。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	log.Info("Worker pool stopped", "processed", p.processed.Load(), "abandoned", p.abandoned.Load())
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int { return p.cfg.Workers }

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Processed returns the number of results filed so far, duds included.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Abandoned returns the number of tasks whose fit failed.
func (p *Pool) Abandoned() int64 { return p.abandoned.Load() }

func (p *Pool) run(ctx context.Context, id int) {
	for ctx.Err() == nil {
		tasks, err := p.src.PullMany(ctx, id, p.cfg.Workers)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Pull failed", "worker", id, "error", err)
			p.pause(ctx)
			continue
		}
		if len(tasks) == 0 {
			continue
		}

		results := p.fitAll(ctx, id, tasks)
		if len(results) == 0 {
			continue
		}
		if err := p.src.FileResults(ctx, results); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Filing results failed", "worker", id, "count", len(results), "error", err)
			p.pause(ctx)
			continue
		}
		p.processed.Add(int64(len(results)))
	}
}

func (p *Pool) fitAll(ctx context.Context, id int, tasks []*types.Task) []types.Result {
	results := make([]types.Result, 0, len(tasks))
	for _, task := range tasks {
		res, err := p.fitter.Fit(ctx, task, p.cache)
		if err != nil {
			if ctx.Err() != nil {
				return results
			}
			p.abandoned.Add(1)
			log.Warn("Fit failed, abandoning task", "worker", id, "index", task.Index, "error", err)
			continue
		}
		log.Debug("Task fitted", "worker", id, "index", task.Index, "fits", len(res.Fits))
		results = append(results, res)
	}
	return results
}

func (p *Pool) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.RetryInterval):
	}
}
