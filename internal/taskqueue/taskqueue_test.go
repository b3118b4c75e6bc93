package taskqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(cfg Config) (*Queue, *clock) {
	c := &clock{t: time.Unix(10000, 0)}
	cfg.Now = c.Now
	return New(cfg), c
}

func builder(c *clock, timeout time.Duration) Builder {
	return func(idx int64) (*types.Task, error) {
		return &types.Task{Index: idx, Deadline: c.Now().Add(timeout)}, nil
	}
}

func indices(tasks []*types.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.Index
	}
	return out
}

func TestPushAndTake_FIFO(t *testing.T) {
	q, c := newTestQueue(Config{})
	q.PushRange(0, 5)
	q.Push(7)

	tasks, err := q.Take(0, 1, 3, builder(c, time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, indices(tasks))

	open, inProgress := q.Snapshot()
	assert.Equal(t, []int64{3, 4, 7}, open)
	assert.Equal(t, []int64{0, 1, 2}, inProgress)
}

func TestTake_Empty(t *testing.T) {
	q, c := newTestQueue(Config{})
	_, err := q.Take(0, 1, 1, builder(c, time.Second))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestTake_MoreThanOpen(t *testing.T) {
	q, c := newTestQueue(Config{})
	q.PushRange(0, 2)
	tasks, err := q.Take(0, 1, 10, builder(c, time.Second))
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, 0, q.OpenLen())
}

func TestTake_BuildErrorRestores(t *testing.T) {
	q, _ := newTestQueue(Config{Policy: PopLast})
	q.Push(3, 1, 4, 1, 5)

	calls := 0
	_, err := q.Take(0, 1, 3, func(idx int64) (*types.Task, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("missing metadata")
		}
		return &types.Task{Index: idx}, nil
	})
	require.Error(t, err)

	open, inProgress := q.Snapshot()
	assert.Equal(t, []int64{3, 1, 4, 1, 5}, open, "open list is restored in its original order")
	assert.Empty(t, inProgress)
}

func TestChunkLen(t *testing.T) {
	tests := []struct {
		name      string
		chunk     int
		maxChunk  int
		open      int64
		wantChunk int
	}{
		{"empty", 50, 100, 0, 0},
		{"fewer than chunk", 50, 100, 10, 10},
		{"between chunk and max", 50, 100, 70, 70},
		{"more than max", 50, 100, 500, 100},
		{"forced small chunks", 2, 2, 5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(Config{ChunkSize: tt.chunk, MaxChunkSize: tt.maxChunk})
			q.PushRange(0, tt.open)
			assert.Equal(t, tt.wantChunk, q.ChunkLen())
		})
	}
}

func TestTakeChunk(t *testing.T) {
	q, c := newTestQueue(Config{ChunkSize: 2, MaxChunkSize: 2})
	q.PushRange(0, 5)

	tasks, err := q.TakeChunk(0, 1, builder(c, time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, indices(tasks))
}

func TestOpenCount_LieToBatch(t *testing.T) {
	q, c := newTestQueue(Config{ChunkSize: 5, LieWindow: 2 * time.Second})

	q.PushRange(0, 3)
	assert.Equal(t, 3, q.OpenCount(false), "no pull yet: long past the window")

	_, err := q.Take(0, 1, 1, builder(c, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, q.OpenCount(false), "recent pull and few open tasks")
	assert.Equal(t, 2, q.OpenCount(true))

	q.PushRange(3, 10)
	assert.Equal(t, 9, q.OpenCount(false), "more than a chunk is open")

	q2, c2 := newTestQueue(Config{ChunkSize: 5, LieWindow: 2 * time.Second})
	q2.PushRange(0, 3)
	_, err = q2.Take(0, 1, 1, builder(c2, time.Second))
	require.NoError(t, err)
	c2.Advance(3 * time.Second)
	assert.Equal(t, 2, q2.OpenCount(false), "window elapsed")
}

func TestComplete(t *testing.T) {
	q, c := newTestQueue(Config{})
	q.PushRange(0, 2)
	_, err := q.Take(0, 1, 2, builder(c, time.Second))
	require.NoError(t, err)

	assert.True(t, q.Complete(1, 0))
	assert.False(t, q.Complete(1, 0), "already completed")
	assert.False(t, q.Complete(99, 0))
	assert.Equal(t, 1, q.InProgressLen())
}

func TestComplete_Lease(t *testing.T) {
	q, c := newTestQueue(Config{})
	q.PushRange(0, 1)
	first, err := q.Take(0, 1, 1, builder(c, time.Second))
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	require.Equal(t, []int64{0}, q.Reclaim(c.Now()))
	second, err := q.Take(0, 1, 1, builder(c, time.Second))
	require.NoError(t, err)
	require.Greater(t, second[0].Lease, first[0].Lease)

	assert.False(t, q.Complete(0, first[0].Lease), "a stale lease leaves the new dispatch alone")
	assert.Equal(t, 1, q.InProgressLen())
	assert.True(t, q.Complete(0, second[0].Lease))
	assert.Equal(t, 0, q.InProgressLen())
}

func TestReclaim_ExactlyOnce(t *testing.T) {
	q, c := newTestQueue(Config{})
	q.PushRange(0, 3)
	_, err := q.Take(0, 1, 2, builder(c, 10*time.Second))
	require.NoError(t, err)

	assert.Empty(t, q.Reclaim(c.Now()))

	c.Advance(11 * time.Second)
	assert.Equal(t, []int64{0, 1}, q.Reclaim(c.Now()))
	assert.Empty(t, q.Reclaim(c.Now()), "a reclaimed task is not reclaimed twice")

	open, inProgress := q.Snapshot()
	assert.Equal(t, []int64{2, 0, 1}, open)
	assert.Empty(t, inProgress)

	assert.False(t, q.Complete(0, 0), "a late result finds nothing to complete")
}

func TestPurge(t *testing.T) {
	q, c := newTestQueue(Config{})
	q.PushRange(0, 4)
	_, _ = q.Take(0, 1, 2, builder(c, time.Second))

	q.Purge()
	assert.Equal(t, 0, q.OpenLen())
	assert.Equal(t, 0, q.InProgressLen())
}

func TestPolicies(t *testing.T) {
	open := []int64{10, 11, 12, 13}

	assert.Equal(t, 0, PopZero(0, 1, open))
	assert.Equal(t, 3, PopLast(0, 1, open))
	assert.Equal(t, 1, Partitioned(1, 2, open))
	assert.Equal(t, 0, Partitioned(0, 2, open))
	assert.Equal(t, 1, Partitioned(3, 4, open))
	assert.Equal(t, 0, Partitioned(4, 5, open), "falls back to the oldest index")
	assert.Equal(t, 0, Partitioned(0, 1, open))

	for _, name := range []string{"", "zero", "last", "partitioned"} {
		p, err := ParsePolicy(name)
		assert.NoError(t, err)
		assert.NotNil(t, p)
	}
	_, err := ParsePolicy("random")
	assert.Error(t, err)
}

func TestPartitioned_Take(t *testing.T) {
	q, c := newTestQueue(Config{Policy: Partitioned})
	q.PushRange(0, 6)

	tasks, err := q.Take(1, 2, 3, builder(c, time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, indices(tasks))
}

// Every pushed index ends up in exactly one of the two sets while many goroutines pull,
// complete and reclaim.
func TestConcurrent_PartitionHolds(t *testing.T) {
	q, c := newTestQueue(Config{ChunkSize: 3, MaxChunkSize: 7})
	const total = 500
	q.PushRange(0, total)

	var (
		mu        sync.Mutex
		completed = make(map[int64]int)
		wg        sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				tasks, err := q.TakeChunk(w, 8, builder(c, time.Second))
				if errors.Is(err, ErrEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				for j, task := range tasks {
					if j%2 == 0 {
						if q.Complete(task.Index, task.Lease) {
							mu.Lock()
							completed[task.Index]++
							mu.Unlock()
						}
					}
				}
				if i%10 == 0 {
					c.Advance(2 * time.Second)
					q.Reclaim(c.Now())
				}
			}
		}(w)
	}
	wg.Wait()

	open, inProgress := q.Snapshot()
	where := make(map[int64]int)
	for _, idx := range open {
		where[idx]++
	}
	for _, idx := range inProgress {
		where[idx]++
	}
	for idx, n := range completed {
		assert.Equal(t, 1, n, "index %d completed more than once", idx)
		where[idx]++
	}
	assert.Len(t, where, total)
	for idx, n := range where {
		assert.Equal(t, 1, n, "index %d appears in %d places", idx, n)
	}
}
