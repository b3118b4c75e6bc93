package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func createTestQueue(t *testing.T, clock *testClock) *queue.Queue {
	t.Helper()
	cfg := queue.Config{
		DataPath:      filepath.Join(t.TempDir(), "data.db"),
		WorkerTimeout: time.Second,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	q, err := queue.New(cfg)
	require.NoError(t, err)
	return q
}

func fill(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	q.Release(0)
	for i := 0; i < n; i++ {
		px := make([]uint16, 16)
		for j := range px {
			px[j] = 100
		}
		px[[]int{0, 7, 13}[i%3]] = 1000
		require.NoError(t, q.Append(types.Frame{Width: 4, Height: 4, Pixels: px}))
	}
}

// gaugeValue reads one unlabelled gauge from reg.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	c := NewController(createTestQueue(t, nil), nil, Config{})
	defer c.Stop()

	assert.Equal(t, DefaultSweepInterval, c.config.SweepInterval)
	assert.Equal(t, DefaultStatsInterval, c.config.StatsInterval)
	assert.Nil(t, c.pool)
}

func TestController_Sweep(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	q := createTestQueue(t, clock)
	c := NewController(q, nil, Config{})
	defer c.Stop()
	fill(t, q, 3)

	tasks, err := q.PullMany(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Empty(t, c.Sweep(), "nothing has expired yet")

	clock.Advance(2 * time.Second)
	assert.Equal(t, []int64{0, 1, 2}, c.Sweep())
	assert.Empty(t, c.Sweep(), "reclaimed once")

	st := q.Stats()
	assert.Equal(t, 3, st.Open)
	assert.Equal(t, 0, st.InProgress)
}

func TestController_SweepLoop(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	q := createTestQueue(t, clock)
	c := NewController(q, nil, Config{SweepInterval: 10 * time.Millisecond})
	fill(t, q, 2)

	_, err := q.PullMany(context.Background(), 0, 1)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	require.NoError(t, c.Start())
	defer c.Stop()

	require.Eventually(t, func() bool { return q.Stats().Open == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestController_StatsLoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := createTestQueue(t, nil)
	c := NewController(q, metrics.NewCollector(reg), Config{StatsInterval: 10 * time.Millisecond})
	fill(t, q, 4)

	require.NoError(t, c.Start())
	defer c.Stop()

	require.Eventually(t, func() bool {
		return gaugeValue(t, reg, "framequeue_tasks_open") == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestController_LocalWorkers(t *testing.T) {
	q := createTestQueue(t, nil)
	c := NewController(q, nil, Config{LocalWorkers: 2})
	fill(t, q, 10)

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		st := c.GetStatus()
		return st["processed"] == int64(10)
	}, 5*time.Second, 10*time.Millisecond)

	status := c.GetStatus()
	assert.Equal(t, 2, status["workers"])
	assert.Equal(t, 0, status["open"])
	assert.Equal(t, q.ID(), status["queue"])

	require.NoError(t, c.Stop())
	assert.Positive(t, q.CompletedCount(), "final flush on stop")
}

func TestController_StopIdempotent(t *testing.T) {
	c := NewController(createTestQueue(t, nil), nil, Config{})
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	assert.False(t, c.Queue().Accepting())
}
