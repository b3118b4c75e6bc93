// ============================================================================
// framequeue 持久化任務佇列
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 組合 dataset 容器、results 容器、metadata、event log、task queue 與 result buffer
//
// 資料流:
//   Producer → Append → data 容器（index 依序遞增），releasing 時同時加入 open
//   Worker   → Pull    → taskqueue 取出 index、建立 Task（含 deadline）
//   Worker   → FileResult → 移出 in-progress → result buffer → results 容器
//   Sweep    → SweepTimeouts → 逾時任務回到 open，強制 flush
//
// 鎖順序:
//   producer (q.mu) → data 容器
//   metadata store → 其 backend 容器
//   taskqueue 鎖內不碰任何容器
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/framequeue/internal/eventlog"
	"github.com/ChuLiYu/framequeue/internal/metadata"
	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/internal/resultbuffer"
	"github.com/ChuLiYu/framequeue/internal/storage"
	"github.com/ChuLiYu/framequeue/internal/taskqueue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

var log = slog.Default()

var (
	// ErrRejected is returned by Append when the queue no longer accepts frames.
	ErrRejected = errors.New("queue: not accepting new frames")
	// ErrAlreadyExists is returned by New when the results container already exists.
	ErrAlreadyExists = storage.ErrAlreadyExists
	// ErrShapeMismatch is returned by Append for frames of the wrong shape.
	ErrShapeMismatch = storage.ErrShapeMismatch
	// ErrMissingMetadata is returned by Pull when a task cannot be built from metadata.
	ErrMissingMetadata = errors.New("queue: required metadata entry missing")
	// ErrNoSuchKey is returned for metadata lookups of absent keys.
	ErrNoSuchKey = errors.New("queue: no such metadata entry")
	// ErrNoPSF is returned by PSF when no PSFFile entry is set.
	ErrNoPSF = errors.New("queue: no PSF file configured")
)

// Queue is a persistent task queue over one growing dataset.
type Queue struct {
	cfg Config
	id  string

	data    *storage.Container
	results *storage.Container

	dataMeta    *metadata.Store
	resultsMeta *metadata.Store
	events      *eventlog.Log

	tasks   *taskqueue.Queue
	buffer  *resultbuffer.Buffer
	metrics *metrics.Collector

	mu        sync.Mutex // producer state: accepting, releasing and append ordering
	accepting bool
	releasing bool

	// [openedFrom, openedTo) is the contiguous index range already pushed to the open set.
	opened     bool
	openedFrom int64
	openedTo   int64

	snapMu sync.Mutex
	snap   metadata.Snapshot
	stale  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

/*
New 建立（或開啟既有 dataset 的）佇列

行為：
- results 容器已存在 → ErrAlreadyExists（建立不是冪等的）
- dataset 不存在 → 建立、接受新 frame、以預設 metadata 初始化
- dataset 已存在 → 開啟、不接受新 frame、依 StartAt 決定初始 open 集合
- results metadata 複製自 dataset metadata，既有事件也一併複製
*/
func New(cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if storage.Exists(cfg.ResultsPath) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ResultsPath)
	}

	q := &Queue{
		cfg:     cfg,
		id:      cfg.Name,
		metrics: cfg.Metrics,
		tasks: taskqueue.New(taskqueue.Config{
			ChunkSize:    cfg.ChunkSize,
			MaxChunkSize: cfg.MaxChunkSize,
			LieWindow:    cfg.LieWindow,
			Policy:       cfg.Policy,
			Now:          cfg.Now,
		}),
	}
	if q.id == "" {
		q.id = uuid.NewString()
	}

	if err := q.openData(); err != nil {
		return nil, err
	}

	results, err := storage.Create(cfg.ResultsPath, storage.Options{Domain: "results", Metrics: cfg.Metrics})
	if err != nil {
		q.data.Close()
		return nil, fmt.Errorf("create results container: %w", err)
	}
	q.results = results

	if err := q.prepResults(); err != nil {
		q.data.Close()
		q.results.Close()
		return nil, err
	}

	q.buffer = resultbuffer.New(results, resultbuffer.Config{
		FlushInterval: cfg.FlushInterval,
		ExpectedRows:  cfg.ExpectedRows,
		Metrics:       cfg.Metrics,
		Now:           cfg.Now,
	})
	q.events = eventlog.New(q.data, q.results)
	q.stale.Store(true)

	log.Info("Queue created",
		"id", q.id,
		"data", cfg.DataPath,
		"results", cfg.ResultsPath,
		"accepting", q.accepting,
		"frames", q.data.NumFrames(),
		"open", q.tasks.OpenLen())
	return q, nil
}

func (q *Queue) openData() error {
	opts := storage.Options{Domain: "data", Metrics: q.cfg.Metrics}

	if storage.Exists(q.cfg.DataPath) {
		data, err := storage.OpenExisting(q.cfg.DataPath, opts)
		if err != nil {
			return fmt.Errorf("open dataset: %w", err)
		}
		meta, err := metadata.New(data)
		if err != nil {
			data.Close()
			return err
		}
		q.data, q.dataMeta = data, meta

		laserOn, _ := meta.Snapshot().Int(metadata.KeyLaserOn)
		start, ok, err := startIndex(q.cfg.StartAt, laserOn)
		if err != nil {
			data.Close()
			return err
		}
		if ok {
			q.openRangeLocked(start, data.NumFrames())
		}
		return nil
	}

	data, err := storage.Create(q.cfg.DataPath, opts)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	if !q.cfg.FrameShape.Zero() {
		if err := data.SetShape(q.cfg.FrameShape); err != nil {
			data.Close()
			return err
		}
	}
	meta, err := metadata.New(data)
	if err != nil {
		data.Close()
		return err
	}
	defaults, err := metadata.LoadDefaults(q.cfg.DefaultsFile)
	if err != nil {
		data.Close()
		return err
	}
	if err := meta.MergeEntries(defaults); err != nil {
		data.Close()
		return err
	}
	q.data, q.dataMeta = data, meta
	q.accepting = true
	return nil
}

func (q *Queue) prepResults() error {
	meta, err := metadata.New(q.results)
	if err != nil {
		return err
	}
	if err := meta.MergeFrom(q.dataMeta); err != nil {
		return fmt.Errorf("copy metadata to results: %w", err)
	}
	meta.OnChange(func(string) { q.stale.Store(true) })
	q.resultsMeta = meta

	n, err := eventlog.Copy(q.results, q.data)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug("Copied dataset events to results", "events", n)
	}
	return nil
}

// ID returns the queue identifier stamped on every task.
func (q *Queue) ID() string { return q.id }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// ─── Producer ───────────────────────────────────────────────────────────────

// Append adds one frame to the dataset.
func (q *Queue) Append(frame types.Frame) error {
	return q.AppendMany([]types.Frame{frame})
}

// AppendMany adds frames in one durable write. Each frame gets the next sequential index;
// when the queue is releasing, the new indices also join the open set.
func (q *Queue) AppendMany(frames []types.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting {
		return ErrRejected
	}
	if len(frames) == 0 {
		return nil
	}

	first, err := q.data.AppendFrames(frames)
	if err != nil {
		return err
	}
	if q.releasing {
		q.openRangeLocked(first, first+int64(len(frames)))
	}
	q.metrics.RecordAppend(len(frames))
	return nil
}

// Release opens every index from startingAt to the current end of the dataset and makes
// later appends open immediately.
func (q *Queue) Release(startingAt int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.data.NumFrames()
	q.openRangeLocked(startingAt, n)
	q.releasing = true
	log.Info("Released tasks", "queue", q.id, "from", startingAt, "to", n)
}

// openRangeLocked pushes the part of [from, to) not opened before, so each index enters
// the open set at most once no matter how often it is released.
func (q *Queue) openRangeLocked(from, to int64) {
	from = max(from, 0)
	if to <= from {
		return
	}
	if !q.opened {
		q.tasks.PushRange(from, to)
		q.opened, q.openedFrom, q.openedTo = true, from, to
		return
	}
	if from < q.openedFrom {
		q.tasks.PushRange(from, q.openedFrom)
		q.openedFrom = from
	}
	if to > q.openedTo {
		q.tasks.PushRange(max(from, q.openedTo), to)
		q.openedTo = to
	}
}

// StopAccepting rejects further appends.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accepting = false
}

// Accepting reports whether Append is allowed.
func (q *Queue) Accepting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accepting
}

// SetMetadata writes key to the dataset and then to the results metadata. Tasks pulled
// afterwards see the new value.
func (q *Queue) SetMetadata(key string, value any) error {
	if err := q.dataMeta.Set(key, value); err != nil {
		return fmt.Errorf("set dataset metadata: %w", err)
	}
	if err := q.resultsMeta.Set(key, value); err != nil {
		return fmt.Errorf("set results metadata: %w", err)
	}
	q.stale.Store(true)
	return nil
}

// LogEvent records an event in both containers. A zero t means now.
func (q *Queue) LogEvent(name, description string, t time.Time) error {
	if t.IsZero() {
		t = q.cfg.Now()
	}
	return q.events.Record(name, description, t)
}

// ─── Worker side ────────────────────────────────────────────────────────────

// Pull blocks until one task is available or ctx is done.
func (q *Queue) Pull(ctx context.Context, workerID, workerCount int) (*types.Task, error) {
	tasks, err := q.pull(ctx, func(build taskqueue.Builder) ([]*types.Task, error) {
		return q.tasks.Take(workerID, workerCount, 1, build)
	})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// PullMany blocks until tasks are available or ctx is done, then returns one chunk.
func (q *Queue) PullMany(ctx context.Context, workerID, workerCount int) ([]*types.Task, error) {
	return q.pull(ctx, func(build taskqueue.Builder) ([]*types.Task, error) {
		return q.tasks.TakeChunk(workerID, workerCount, build)
	})
}

func (q *Queue) pull(ctx context.Context, take func(taskqueue.Builder) ([]*types.Task, error)) ([]*types.Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if q.tasks.OpenLen() > 0 {
			snap := q.taskSnapshot()
			now := q.cfg.Now()
			tasks, err := take(func(idx int64) (*types.Task, error) {
				return q.buildTask(snap, idx, now)
			})
			if err == nil {
				q.metrics.RecordDispatch(len(tasks))
				log.Debug("Dispatched tasks", "queue", q.id, "count", len(tasks), "first", tasks[0].Index)
				return tasks, nil
			}
			if !errors.Is(err, taskqueue.ErrEmpty) {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// taskSnapshot returns the metadata snapshot tasks are built from, refreshing it from the
// results metadata when it has changed.
func (q *Queue) taskSnapshot() metadata.Snapshot {
	q.snapMu.Lock()
	defer q.snapMu.Unlock()
	if q.snap == nil || q.stale.CompareAndSwap(true, false) {
		q.snap = q.resultsMeta.Snapshot().WithBGDefaults()
	}
	return q.snap
}

func (q *Queue) buildTask(snap metadata.Snapshot, idx int64, now time.Time) (*types.Task, error) {
	threshold, ok := snap.Float(metadata.KeyDetectionThreshold)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingMetadata, metadata.KeyDetectionThreshold)
	}
	fitModule, ok := snap.String(metadata.KeyFitModule)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingMetadata, metadata.KeyFitModule)
	}
	laserOn, _ := snap.Int(metadata.KeyLaserOn)
	lo, hi, _ := snap.Range(metadata.KeyBGRange)

	return &types.Task{
		QueueID:            q.id,
		Index:              idx,
		DetectionThreshold: threshold,
		Metadata:           snap,
		FitModule:          fitModule,
		DataSourceModule:   q.cfg.DataSource,
		SNThreshold:        true,
		Background:         BackgroundRange(idx, lo, hi, laserOn),
		Deadline:           now.Add(q.cfg.WorkerTimeout),
	}, nil
}

// BackgroundRange returns [max(idx+lo, laserOn), max(idx+hi, laserOn)).
func BackgroundRange(idx, lo, hi, laserOn int64) types.BGRange {
	return types.BGRange{
		Lo: max(idx+lo, laserOn),
		Hi: max(idx+hi, laserOn),
	}
}

// OpenCount reports the open count to polling workers; see taskqueue.Queue.OpenCount.
func (q *Queue) OpenCount(exact bool) int { return q.tasks.OpenCount(exact) }

// FileResult takes a worker's result. The task leaves the in-progress set whether or not
// the result is a dud; a result for an already reclaimed task is still kept.
func (q *Queue) FileResult(res types.Result) error {
	if !q.tasks.Complete(res.Index, res.Lease) {
		log.Debug("Result for task not in progress", "queue", q.id, "index", res.Index, "lease", res.Lease)
	}
	_, err := q.buffer.File(res)
	return err
}

// FileResults files a batch of results.
func (q *Queue) FileResults(results []types.Result) error {
	for _, r := range results {
		if !q.tasks.Complete(r.Index, r.Lease) {
			log.Debug("Result for task not in progress", "queue", q.id, "index", r.Index, "lease", r.Lease)
		}
	}
	_, err := q.buffer.FileMany(results)
	return err
}

// SweepTimeouts returns expired in-progress tasks to the open set and forces a flush of
// buffered results. It returns the reclaimed indices.
func (q *Queue) SweepTimeouts() ([]int64, error) {
	reclaimed := q.tasks.Reclaim(q.cfg.Now())
	if len(reclaimed) > 0 {
		q.metrics.RecordReclaimed(len(reclaimed))
		log.Info("Reclaimed timed-out tasks", "queue", q.id, "count", len(reclaimed))
	}
	if err := q.buffer.Flush(); err != nil {
		return reclaimed, err
	}
	return reclaimed, q.results.Flush()
}

// Flush forces buffered results to the results container.
func (q *Queue) Flush() error { return q.buffer.Flush() }

// Purge drops every open and in-progress task and resets the completed count.
func (q *Queue) Purge() {
	q.mu.Lock()
	q.opened, q.openedFrom, q.openedTo = false, 0, 0
	q.mu.Unlock()
	q.tasks.Purge()
	q.buffer.Reset()
	log.Info("Queue purged", "queue", q.id)
}

// Close stops accepting frames, flushes buffered results and closes both containers.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.StopAccepting()
		var errs []error
		if err := q.buffer.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := q.results.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close results: %w", err))
		}
		if err := q.data.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dataset: %w", err))
		}
		q.closeErr = errors.Join(errs...)
		log.Info("Queue closed", "queue", q.id, "completed", q.buffer.Completed())
	})
	return q.closeErr
}
