// Package types defines the core domain model shared by the frame queue, its workers
// and the read-only viewer.
package types

import (
	"time"
	"unicode/utf8"
)

// Shape 影像尺寸 (width x height, pixels)
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pixels returns the number of pixels in one frame of this shape.
func (s Shape) Pixels() int { return s.Width * s.Height }

// Zero reports whether the shape is unset.
func (s Shape) Zero() bool { return s.Width == 0 && s.Height == 0 }

// Valid reports whether both dimensions are positive.
func (s Shape) Valid() bool { return s.Width > 0 && s.Height > 0 }

// Frame is one fixed-shape camera frame, row major.
type Frame struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Pixels []uint16 `json:"pixels"`
}

// Shape returns the frame's dimensions.
func (f Frame) Shape() Shape { return Shape{Width: f.Width, Height: f.Height} }

// At returns the pixel at column x, row y.
func (f Frame) At(x, y int) uint16 { return f.Pixels[y*f.Width+x] }

// BGRange is a half-open range [Lo, Hi) of dataset indices used as background frames.
type BGRange struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

// Len returns the number of indices in the range (0 when empty).
func (r BGRange) Len() int64 {
	if r.Hi <= r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

// Empty reports whether the range contains no indices.
func (r BGRange) Empty() bool { return r.Len() == 0 }

// Task is a dispatchable unit of work: analyse the frame at Index.
//
// A Task is created by the queue on pull and owned by the worker until its result is filed
// or its Deadline passes; after that the queue reclaims the index and this value is stale.
type Task struct {
	QueueID            string         `json:"queue_id"`
	Index              int64          `json:"index"`
	DetectionThreshold float64        `json:"detection_threshold"`
	Metadata           map[string]any `json:"metadata"` // read-only snapshot
	FitModule          string         `json:"fit_module"`
	DataSourceModule   string         `json:"data_source_module"`
	SNThreshold        bool           `json:"sn_threshold"`
	Background         BGRange        `json:"background"`
	Deadline           time.Time      `json:"deadline"`
	Lease              uint64         `json:"lease"` // unique per dispatch; echoed in Result
}

// Expired reports whether the worker deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// FitEntry is one fitted event produced by the fitting computation.
type FitEntry struct {
	Index      int64   `json:"index"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Amplitude  float64 `json:"amplitude"`
	Sigma      float64 `json:"sigma"`
	Background float64 `json:"background"`
}

// DriftEntry is one drift-correction row.
type DriftEntry struct {
	Index int64   `json:"index"`
	DX    float64 `json:"dx"`
	DY    float64 `json:"dy"`
}

// Result 工作結果：一個 Task 的擬合輸出
type Result struct {
	QueueID string       `json:"queue_id"`
	Index   int64        `json:"index"`
	Lease   uint64       `json:"lease,omitempty"` // Task.Lease; zero matches any dispatch
	Fits    []FitEntry   `json:"fits"`
	Drift   []DriftEntry `json:"drift"`
}

// IsDud reports whether the result carries no fit and no drift entries.
// Dud results are dropped rather than filed.
func (r Result) IsDud() bool { return len(r.Fits) == 0 && len(r.Drift) == 0 }

// Event column widths, matching the bounded string columns of the events table.
const (
	EventNameLen  = 32
	EventDescrLen = 256
)

// Event is one (name, time, description) row of the event log.
type Event struct {
	Name        string    `json:"name"`
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
}

// Bounded returns a copy with Name and Description truncated to their column widths
// in bytes, never splitting a UTF-8 character.
func (e Event) Bounded() Event {
	e.Name = truncate(e.Name, EventNameLen)
	e.Description = truncate(e.Description, EventDescrLen)
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// QueueStats 佇列狀態統計
type QueueStats struct {
	Open       int   `json:"open"`
	InProgress int   `json:"in_progress"`
	Completed  int64 `json:"completed"`
	NumSlices  int64 `json:"num_slices"`
	Accepting  bool  `json:"accepting"`
	Releasing  bool  `json:"releasing"`
}
