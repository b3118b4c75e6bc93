// ============================================================================
// framequeue Result Buffer
// 職責：
// 1. 累積 worker 回傳的結果（丟棄 dud）
// 2. 超過 flush interval 時批次寫入 results 容器
// 3. 維護已完成任務計數（以 batch 大小遞增）
// ============================================================================

package resultbuffer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

var log = slog.Default()

// Defaults.
const (
	DefaultFlushInterval = 5 * time.Second
	DefaultExpectedRows  = 500000
)

// Sink persists one batch of rows atomically. storage.Container satisfies it.
type Sink interface {
	AppendResults(fits []types.FitEntry, drift []types.DriftEntry, expectedRows int) error
}

// Config configures a Buffer.
type Config struct {
	FlushInterval time.Duration // minimum time between opportunistic flushes
	ExpectedRows  int           // sizing hint passed on the first write of each kind
	Metrics       *metrics.Collector
	Now           func() time.Time // clock, for tests
}

// Buffer accumulates filed results and persists them in batches.
type Buffer struct {
	mu            sync.Mutex
	buffer        []types.Result
	lastFlushTime time.Time
	flushInterval time.Duration
	expectedRows  int

	sink      Sink
	completed atomic.Int64
	metrics   *metrics.Collector
	now       func() time.Time
}

// New creates a Buffer writing to sink.
func New(sink Sink, cfg Config) *Buffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ExpectedRows <= 0 {
		cfg.ExpectedRows = DefaultExpectedRows
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Buffer{
		buffer:        make([]types.Result, 0, 64),
		lastFlushTime: cfg.Now(),
		flushInterval: cfg.FlushInterval,
		expectedRows:  cfg.ExpectedRows,
		sink:          sink,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
}

/*
File 加入一個結果

行為：
- dud（無 fit 也無 drift）直接丟棄，回傳 false
- 否則加入 buffer；若距上次 flush 已超過 interval，取出整個 buffer 並在鎖外寫入

回傳：

	是否被接受，寫入錯誤（如果有）
*/
func (b *Buffer) File(res types.Result) (bool, error) {
	if res.IsDud() {
		b.metrics.RecordDud()
		return false, nil
	}
	b.metrics.RecordFiled()

	b.mu.Lock()
	b.buffer = append(b.buffer, res)
	batch := b.takeIfDueLocked()
	b.mu.Unlock()

	if batch != nil {
		return true, b.persist(batch)
	}
	return true, nil
}

// FileMany files each result in order and returns how many were accepted.
// At most one batch is written per call.
func (b *Buffer) FileMany(results []types.Result) (int, error) {
	accepted := 0
	b.mu.Lock()
	for _, r := range results {
		if r.IsDud() {
			b.metrics.RecordDud()
			continue
		}
		b.metrics.RecordFiled()
		b.buffer = append(b.buffer, r)
		accepted++
	}
	batch := b.takeIfDueLocked()
	b.mu.Unlock()

	if batch != nil {
		return accepted, b.persist(batch)
	}
	return accepted, nil
}

// Flush persists whatever is buffered, regardless of the interval.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.persist(batch)
}

// Completed returns the number of results durably persisted.
func (b *Buffer) Completed() int64 { return b.completed.Load() }

// Pending returns the number of buffered, unpersisted results.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Reset drops buffered results and zeroes the completed counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = make([]types.Result, 0, 64)
	b.completed.Store(0)
}

func (b *Buffer) takeIfDueLocked() []types.Result {
	if b.now().Sub(b.lastFlushTime) <= b.flushInterval {
		return nil
	}
	return b.takeLocked()
}

func (b *Buffer) takeLocked() []types.Result {
	b.lastFlushTime = b.now()
	if len(b.buffer) == 0 {
		return nil
	}
	batch := b.buffer
	b.buffer = make([]types.Result, 0, cap(batch))
	return batch
}

// persist writes batch outside the buffer lock. On failure the batch is put back at the
// front of the buffer so the next flush retries it.
func (b *Buffer) persist(batch []types.Result) error {
	var fits []types.FitEntry
	var drift []types.DriftEntry
	for _, r := range batch {
		fits = append(fits, r.Fits...)
		drift = append(drift, r.Drift...)
	}

	start := time.Now()
	if err := b.sink.AppendResults(fits, drift, b.expectedRows); err != nil {
		b.mu.Lock()
		b.buffer = append(batch, b.buffer...)
		b.mu.Unlock()
		log.Error("Failed to persist results", "batch", len(batch), "error", err)
		return fmt.Errorf("persist %d results: %w", len(batch), err)
	}
	took := time.Since(start)

	b.completed.Add(int64(len(batch)))
	b.metrics.RecordFlush(len(fits), len(drift), took)
	log.Debug("Flushed results", "batch", len(batch), "fits", len(fits), "drift", len(drift), "took", took)
	return nil
}
