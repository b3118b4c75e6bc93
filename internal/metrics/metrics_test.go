package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.framesAppended)
	assert.NotNil(t, collector.tasksDispatched)
	assert.NotNil(t, collector.resultsFiled)
	assert.NotNil(t, collector.resultsDud)
	assert.NotNil(t, collector.tasksReclaimed)
	assert.NotNil(t, collector.rowsFlushed)
	assert.NotNil(t, collector.flushLatency)
	assert.NotNil(t, collector.lockWait)
	assert.NotNil(t, collector.tasksOpen)
}

func TestNewCollector_Unregistered(t *testing.T) {
	// Two unregistered collectors must coexist in one process.
	assert.NotPanics(t, func() {
		NewCollector(nil)
		NewCollector(nil)
	})
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "Registering twice with one registry should panic")
}

func TestCounters(t *testing.T) {
	c := NewCollector(nil)

	c.RecordAppend(3)
	c.RecordDispatch(2)
	c.RecordFiled()
	c.RecordDud()
	c.RecordDud()
	c.RecordReclaimed(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.framesAppended))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resultsFiled))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.resultsDud))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.tasksReclaimed))
}

func TestRecordFlush(t *testing.T) {
	c := NewCollector(nil)

	c.RecordFlush(10, 3, 5*time.Millisecond)
	c.RecordFlush(2, 0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.flushes))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.rowsFlushed.WithLabelValues("fit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.rowsFlushed.WithLabelValues("drift")))
}

func TestRecordCacheLookup(t *testing.T) {
	c := NewCollector(nil)

	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordCacheLookup(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
}

func TestUpdateQueueStats(t *testing.T) {
	c := NewCollector(nil)

	testCases := []struct {
		name       string
		open       int
		inProgress int
		completed  int64
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 10, 5, 100},
		{"high open", 1000, 8, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c.UpdateQueueStats(tc.open, tc.inProgress, tc.completed)
			assert.Equal(t, float64(tc.open), testutil.ToFloat64(c.tasksOpen))
			assert.Equal(t, float64(tc.inProgress), testutil.ToFloat64(c.tasksInProgress))
			assert.Equal(t, float64(tc.completed), testutil.ToFloat64(c.tasksCompleted))
		})
	}
}

func TestLockTimed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	var mu sync.Mutex
	c.LockTimed(&mu, "data")
	mu.Unlock()

	c.LockTimed(&mu, "results")
	mu.Unlock()

	assert.Equal(t, 2, testutil.CollectAndCount(c.lockWait))
}

func TestLockTimed_Exclusive(t *testing.T) {
	c := NewCollector(nil)

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.LockTimed(&mu, "data")
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAppend(7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "framequeue_frames_appended_total 7"))
}
