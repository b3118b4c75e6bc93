// ============================================================================
// framequeue 任務佇列 - open / in-progress 狀態機
// ============================================================================
//
// Package: internal/taskqueue
// 文件: taskqueue.go
// 功能: 管理 frame index 在 open 與 in-progress 兩個集合之間的移動
//
// 狀態轉換:
//   Open (待派發)
//      ↓ Take()            選取 index、建立 Task、設定 deadline（同一把鎖內完成）
//   InProgress (執行中)
//      ↓ Complete()        結果已歸檔（dud 也算）
//      ↓ Reclaim(now)      deadline 已過，index 回到 Open
//   (gone) / Open
//
// 不變量:
//   - 一個已加入的 index 恆在 Open 或 InProgress 之一，不會同時在兩者
//   - 一個 Task 最多被 Reclaim 一次（reclaim 時即自 InProgress 移除）
//
// 並發安全:
//   - 單一 sync.Mutex 保護兩個集合與 lastTaskTime
//   - 鎖內不做任何 I/O；Task 的建立只讀取呼叫者準備好的 metadata snapshot
//
// ============================================================================

package taskqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

// Defaults.
const (
	DefaultChunkSize    = 50
	DefaultMaxChunkSize = 100
	DefaultLieWindow    = 2 * time.Second
)

// ErrEmpty is returned by Take when there are no open tasks.
var ErrEmpty = errors.New("taskqueue: no open tasks")

// Builder turns an index into a dispatchable task. It runs under the queue lock and must
// not block.
type Builder func(index int64) (*types.Task, error)

// Config configures a Queue.
type Config struct {
	ChunkSize    int              // lower bound on a pull batch
	MaxChunkSize int              // upper bound on a pull batch
	LieWindow    time.Duration    // OpenCount reports 0 until this long after the last pull
	Policy       Policy           // which open index to take next
	Now          func() time.Time // clock, for tests
}

// Queue is the open / in-progress bookkeeping of one task queue.
type Queue struct {
	mu           sync.Mutex
	open         []int64               // 待派發 index，依加入順序
	inProgress   map[int64]*types.Task // 執行中任務，以 index 為鍵
	lastTaskTime time.Time             // 最近一次成功派發的時間
	lastLease    uint64                // 最近一次派發的租約編號

	chunkSize    int
	maxChunkSize int
	lieWindow    time.Duration
	policy       Policy
	now          func() time.Time
}

// New creates an empty Queue.
func New(cfg Config) *Queue {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.LieWindow <= 0 {
		cfg.LieWindow = DefaultLieWindow
	}
	if cfg.Policy == nil {
		cfg.Policy = PopZero
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		open:         make([]int64, 0),
		inProgress:   make(map[int64]*types.Task),
		chunkSize:    cfg.ChunkSize,
		maxChunkSize: cfg.MaxChunkSize,
		lieWindow:    cfg.LieWindow,
		policy:       cfg.Policy,
		now:          cfg.Now,
	}
}

// Push appends indices to the open set.
func (q *Queue) Push(indices ...int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open = append(q.open, indices...)
}

// PushRange appends [from, to) to the open set.
func (q *Queue) PushRange(from, to int64) {
	if to <= from {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := from; i < to; i++ {
		q.open = append(q.open, i)
	}
}

// OpenLen returns the true number of open tasks.
func (q *Queue) OpenLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.open)
}

// InProgressLen returns the number of dispatched, unfiled tasks.
func (q *Queue) InProgressLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

/*
OpenCount 回報 open 任務數量給輪詢中的 worker

行為：
- exact 為 true、open 數量超過 ChunkSize、或距上次派發已超過 LieWindow 時，回報真實數量
- 否則回報 0，讓 worker 等待累積出較大的批次

參數：

	exact - 是否要求真實數量
*/
func (q *Queue) OpenCount(exact bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.open)
	if exact || n > q.chunkSize || q.now().Sub(q.lastTaskTime) > q.lieWindow {
		return n
	}
	return 0
}

// ChunkLen returns how many tasks one PullMany would take right now.
func (q *Queue) ChunkLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chunkLenLocked()
}

func (q *Queue) chunkLenLocked() int {
	open := len(q.open)
	n := min(q.maxChunkSize, open)
	n = max(q.chunkSize, n)
	return min(n, open)
}

/*
Take 取出最多 n 個 open index，以 build 建立 Task 並移入 in-progress

行為：
- 每個 index 依 policy 選取位置
- 選取、建立、移入三步在同一把鎖內完成，index 不會短暫脫離兩個集合
- build 失敗時，本次已取出的 index 依原順序放回 open

回傳：

	建立好的 Task（可能少於 n），open 為空時回傳 ErrEmpty
*/
func (q *Queue) Take(workerID, workerCount, n int, build Builder) ([]*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(workerID, workerCount, n, build)
}

// TakeChunk is Take with n = ChunkLen().
func (q *Queue) TakeChunk(workerID, workerCount int, build Builder) ([]*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(workerID, workerCount, q.chunkLenLocked(), build)
}

func (q *Queue) takeLocked(workerID, workerCount, n int, build Builder) ([]*types.Task, error) {
	if len(q.open) == 0 {
		return nil, ErrEmpty
	}
	n = min(n, len(q.open))
	if n <= 0 {
		n = 1
	}

	taken := make([]int64, 0, n)
	positions := make([]int, 0, n)
	for len(taken) < n {
		pos := q.policy(workerID, workerCount, q.open)
		pos = max(0, min(pos, len(q.open)-1))
		taken = append(taken, q.open[pos])
		positions = append(positions, pos)
		q.open = append(q.open[:pos], q.open[pos+1:]...)
	}

	tasks := make([]*types.Task, 0, n)
	for _, idx := range taken {
		task, err := build(idx)
		if err != nil {
			q.restoreLocked(taken, positions)
			return nil, err
		}
		tasks = append(tasks, task)
	}

	for _, task := range tasks {
		q.lastLease++
		task.Lease = q.lastLease
		q.inProgress[task.Index] = task
	}
	q.lastTaskTime = q.now()
	return tasks, nil
}

// restoreLocked undoes a partial take, re-inserting in reverse so every index returns to
// the position it was taken from.
func (q *Queue) restoreLocked(taken []int64, positions []int) {
	for i := len(taken) - 1; i >= 0; i-- {
		pos := positions[i]
		q.open = append(q.open, 0)
		copy(q.open[pos+1:], q.open[pos:])
		q.open[pos] = taken[i]
	}
}

// Complete removes index from in-progress. It reports whether the index was present
// under lease; false means the task was already reclaimed, completed or dispatched again.
// A zero lease matches whichever dispatch holds the index.
func (q *Queue) Complete(index int64, lease uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.inProgress[index]
	if !ok || (lease != 0 && task.Lease != lease) {
		return false
	}
	delete(q.inProgress, index)
	return true
}

// Reclaim moves every in-progress task whose deadline has passed at now back to the open
// set, and returns the reclaimed indices in ascending order.
func (q *Queue) Reclaim(now time.Time) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []int64
	for idx, task := range q.inProgress {
		if task.Expired(now) {
			expired = append(expired, idx)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, idx := range expired {
		delete(q.inProgress, idx)
	}
	q.open = append(q.open, expired...)
	return expired
}

// Purge empties both sets.
func (q *Queue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open = make([]int64, 0)
	q.inProgress = make(map[int64]*types.Task)
}

// Snapshot returns copies of the open indices (in order) and the in-progress indices
// (ascending).
func (q *Queue) Snapshot() (open, inProgress []int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	open = append([]int64(nil), q.open...)
	inProgress = make([]int64, 0, len(q.inProgress))
	for idx := range q.inProgress {
		inProgress = append(inProgress, idx)
	}
	sort.Slice(inProgress, func(i, j int) bool { return inProgress[i] < inProgress[j] })
	return open, inProgress
}
