package queue

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/internal/resultbuffer"
	"github.com/ChuLiYu/framequeue/internal/taskqueue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// Start modes for an existing dataset.
const (
	StartGuestimate = "guestimate"
	StartNotYet     = "notYet"
)

// Defaults.
const (
	DefaultWorkerTimeout = 10 * time.Second
	DefaultPollInterval  = 10 * time.Millisecond

	// guestimateOffset is added to the laser-on frame so the first analysed frames have a
	// full background window behind them.
	guestimateOffset = 10
)

// Config configures a Queue.
type Config struct {
	Name        string      // queue ID; a random UUID when empty
	DataPath    string      // dataset container; created when absent
	ResultsPath string      // results container; must not exist. Derived from DataPath when empty
	FrameShape  types.Shape // optional shape for a new dataset

	// StartAt selects the initial open set of an existing dataset: "guestimate",
	// "notYet", or a decimal frame index.
	StartAt string

	WorkerTimeout time.Duration
	ChunkSize     int
	MaxChunkSize  int
	LieWindow     time.Duration
	FlushInterval time.Duration
	PollInterval  time.Duration
	ExpectedRows  int
	Policy        taskqueue.Policy

	DefaultsFile string // TOML metadata defaults for a new dataset; built-in set when empty
	DataSource   string // recorded in every task as the worker-side data source name

	Metrics *metrics.Collector
	Now     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ResultsPath == "" {
		c.ResultsPath = ResultsPathFor(c.DataPath)
	}
	if c.StartAt == "" {
		c.StartAt = StartGuestimate
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = taskqueue.DefaultChunkSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = taskqueue.DefaultMaxChunkSize
	}
	if c.LieWindow <= 0 {
		c.LieWindow = taskqueue.DefaultLieWindow
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = resultbuffer.DefaultFlushInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ExpectedRows <= 0 {
		c.ExpectedRows = resultbuffer.DefaultExpectedRows
	}
	if c.Policy == nil {
		c.Policy = taskqueue.PopZero
	}
	if c.DataSource == "" {
		c.DataSource = "TQDataSource"
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewCollector(nil)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("queue: data path is required")
	}
	if c.MaxChunkSize < c.ChunkSize {
		return fmt.Errorf("queue: max chunk size %d is below chunk size %d", c.MaxChunkSize, c.ChunkSize)
	}
	if c.DataPath == c.ResultsPath {
		return fmt.Errorf("queue: data and results paths are the same: %s", c.DataPath)
	}
	return nil
}

// ResultsPathFor derives the default results container path from a dataset path:
// "run1.db" becomes "run1.results.db".
func ResultsPathFor(dataPath string) string {
	ext := filepath.Ext(dataPath)
	return strings.TrimSuffix(dataPath, ext) + ".results.db"
}

// startIndex resolves StartAt for an existing dataset. ok is false for "notYet".
func startIndex(startAt string, laserOn int64) (int64, bool, error) {
	switch startAt {
	case StartNotYet:
		return 0, false, nil
	case StartGuestimate:
		if laserOn == 0 {
			return 0, true, nil
		}
		return laserOn + guestimateOffset, true, nil
	default:
		n, err := strconv.ParseInt(startAt, 10, 64)
		if err != nil || n < 0 {
			return 0, false, fmt.Errorf("queue: invalid start %q", startAt)
		}
		return n, true, nil
	}
}
