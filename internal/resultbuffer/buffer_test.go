package resultbuffer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

type fakeSink struct {
	mu      sync.Mutex
	fits    []types.FitEntry
	drift   []types.DriftEntry
	hints   []int
	batches int
	err     error
}

func (s *fakeSink) AppendResults(fits []types.FitEntry, drift []types.DriftEntry, expectedRows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.fits = append(s.fits, fits...)
	s.drift = append(s.drift, drift...)
	s.hints = append(s.hints, expectedRows)
	s.batches++
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func fit(idx int64) types.Result {
	return types.Result{Index: idx, Fits: []types.FitEntry{{Index: idx, X: float64(idx)}}}
}

func newTestBuffer() (*Buffer, *fakeSink, *fakeClock) {
	sink := &fakeSink{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(sink, Config{FlushInterval: 5 * time.Second, Now: clock.Now})
	return b, sink, clock
}

func TestFile_DudDropped(t *testing.T) {
	b, sink, clock := newTestBuffer()

	ok, err := b.File(types.Result{Index: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Pending())

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Flush())
	assert.Equal(t, 0, sink.batches)
	assert.Equal(t, int64(0), b.Completed())
}

func TestFile_BuffersUntilInterval(t *testing.T) {
	b, sink, clock := newTestBuffer()

	for i := int64(0); i < 3; i++ {
		ok, err := b.File(fit(i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 0, sink.batches)
	assert.Equal(t, 3, b.Pending())

	clock.Advance(6 * time.Second)
	_, err := b.File(fit(3))
	require.NoError(t, err)

	assert.Equal(t, 1, sink.batches)
	assert.Len(t, sink.fits, 4)
	assert.Equal(t, int64(4), b.Completed(), "completed advances by the batch size")
	assert.Equal(t, 0, b.Pending())

	_, err = b.File(fit(4))
	require.NoError(t, err)
	assert.Equal(t, 1, sink.batches, "the interval restarts after a flush")
}

func TestFile_ExpectedRowsHint(t *testing.T) {
	b, sink, _ := newTestBuffer()
	_, err := b.File(fit(0))
	require.NoError(t, err)
	require.NoError(t, b.Flush())
	assert.Equal(t, []int{DefaultExpectedRows}, sink.hints)
}

func TestFlush_MixedKinds(t *testing.T) {
	b, sink, _ := newTestBuffer()

	n, err := b.FileMany([]types.Result{
		fit(0),
		{Index: 1},
		{Index: 2, Drift: []types.DriftEntry{{Index: 2, DX: 0.5}}},
		{Index: 3, Fits: []types.FitEntry{{Index: 3}, {Index: 3}}, Drift: []types.DriftEntry{{Index: 3}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, b.Flush())
	assert.Len(t, sink.fits, 3)
	assert.Len(t, sink.drift, 2)
	assert.Equal(t, int64(3), b.Completed())
}

func TestFlush_Empty(t *testing.T) {
	b, sink, _ := newTestBuffer()
	require.NoError(t, b.Flush())
	assert.Equal(t, 0, sink.batches)
}

func TestFlush_FailureRetained(t *testing.T) {
	b, sink, _ := newTestBuffer()
	sink.err = errors.New("disk full")

	_, err := b.File(fit(0))
	require.NoError(t, err)
	assert.Error(t, b.Flush())
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, int64(0), b.Completed())

	sink.err = nil
	require.NoError(t, b.Flush())
	assert.Equal(t, int64(1), b.Completed())
	assert.Len(t, sink.fits, 1)
}

func TestReset(t *testing.T) {
	b, _, _ := newTestBuffer()
	_, _ = b.File(fit(0))
	require.NoError(t, b.Flush())
	_, _ = b.File(fit(1))

	b.Reset()
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, int64(0), b.Completed())
}

func TestConcurrentFile(t *testing.T) {
	b, sink, clock := newTestBuffer()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := b.File(fit(int64(w*50 + i)))
				assert.NoError(t, err)
				if i%10 == 0 {
					clock.Advance(2 * time.Second)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, b.Flush())

	assert.Equal(t, int64(400), b.Completed())
	assert.Len(t, sink.fits, 400)

	seen := make(map[int64]bool)
	for _, f := range sink.fits {
		assert.False(t, seen[f.Index], "each result is persisted once")
		seen[f.Index] = true
	}
}
