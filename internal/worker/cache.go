package worker

import (
	"container/list"
	"context"
	"sync"

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// DefaultCacheFrames is the frame cache capacity used when none is configured.
const DefaultCacheFrames = 64

// FrameCache is an LRU cache of frames in front of a Source. Neighbouring tasks share most
// of their background window, so a worker re-reads the same frames many times.
type FrameCache struct {
	src      Source
	capacity int
	metrics  *metrics.Collector

	mu    sync.Mutex
	lru   *list.List // front = most recently used
	items map[int64]*list.Element
}

type cacheEntry struct {
	index int64
	frame types.Frame
}

// NewFrameCache creates a cache holding up to capacity frames. A nil collector records
// into an unregistered one.
func NewFrameCache(src Source, capacity int, m *metrics.Collector) *FrameCache {
	if capacity <= 0 {
		capacity = DefaultCacheFrames
	}
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	return &FrameCache{
		src:      src,
		capacity: capacity,
		metrics:  m,
		lru:      list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// Frame returns frame index, fetching it from the source on a miss. Frames are never
// modified after they are appended, so a cached copy does not go stale.
func (c *FrameCache) Frame(ctx context.Context, index int64) (types.Frame, error) {
	c.mu.Lock()
	if el, ok := c.items[index]; ok {
		c.lru.MoveToFront(el)
		f := el.Value.(*cacheEntry).frame
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(true)
		return f, nil
	}
	c.mu.Unlock()
	c.metrics.RecordCacheLookup(false)

	f, err := c.src.FrameData(ctx, index)
	if err != nil {
		return types.Frame{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[index]; ok {
		// Fetched concurrently by another worker.
		c.lru.MoveToFront(el)
		return f, nil
	}
	c.items[index] = c.lru.PushFront(&cacheEntry{index: index, frame: f})
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).index)
	}
	return f, nil
}

// Len returns the number of cached frames.
func (c *FrameCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
