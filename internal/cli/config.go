package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/framequeue/internal/controller"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/internal/resultbuffer"
	"github.com/ChuLiYu/framequeue/internal/server"
	"github.com/ChuLiYu/framequeue/internal/taskqueue"
	"github.com/ChuLiYu/framequeue/internal/worker"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Queue struct {
		Name          string        `yaml:"name"`
		StartAt       string        `yaml:"start_at"`
		WorkerTimeout time.Duration `yaml:"worker_timeout"`
		ChunkSize     int           `yaml:"chunk_size"`
		MaxChunkSize  int           `yaml:"max_chunk_size"`
		LieWindow     time.Duration `yaml:"lie_window"`
		Policy        string        `yaml:"policy"`
		DefaultsFile  string        `yaml:"defaults_file"`
		DataSource    string        `yaml:"data_source"`
		FrameWidth    int           `yaml:"frame_width"`
		FrameHeight   int           `yaml:"frame_height"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"queue"`

	Storage struct {
		DataPath      string        `yaml:"data_path"`
		ResultsPath   string        `yaml:"results_path"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		ExpectedRows  int           `yaml:"expected_rows"`
	} `yaml:"storage"`

	Worker struct {
		Count       int    `yaml:"count"`        // workers started by `worker`
		Local       int    `yaml:"local"`        // workers started inside `serve`
		CacheFrames int    `yaml:"cache_frames"` // per-process frame cache
		Server      string `yaml:"server"`       // address of a `serve` node
	} `yaml:"worker"`

	Server struct {
		Enabled bool          `yaml:"enabled"`
		Port    int           `yaml:"port"`
		MaxWait time.Duration `yaml:"max_wait"`
	} `yaml:"server"`

	Viewer struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"viewer"`

	Ingest struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Group   string   `yaml:"group"`
		Prefix  string   `yaml:"prefix"`
	} `yaml:"ingest"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used for every field a file leaves unset.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Queue.StartAt = queue.StartGuestimate
	cfg.Queue.WorkerTimeout = queue.DefaultWorkerTimeout
	cfg.Queue.ChunkSize = taskqueue.DefaultChunkSize
	cfg.Queue.MaxChunkSize = taskqueue.DefaultMaxChunkSize
	cfg.Queue.LieWindow = taskqueue.DefaultLieWindow
	cfg.Queue.Policy = "zero"
	cfg.Queue.DataSource = "TQDataSource"
	cfg.Queue.SweepInterval = controller.DefaultSweepInterval

	cfg.Storage.DataPath = "data/frames.db"
	cfg.Storage.FlushInterval = resultbuffer.DefaultFlushInterval
	cfg.Storage.ExpectedRows = resultbuffer.DefaultExpectedRows

	cfg.Worker.Count = 4
	cfg.Worker.CacheFrames = worker.DefaultCacheFrames
	cfg.Worker.Server = "localhost:50051"

	cfg.Server.Enabled = true
	cfg.Server.Port = 50051
	cfg.Server.MaxWait = server.DefaultMaxWait

	cfg.Viewer.Enabled = true
	cfg.Viewer.Port = 8080

	cfg.Ingest.Group = "framequeue-ingest"
	cfg.Ingest.Prefix = "camera"

	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// QueueConfig translates the file configuration into a queue.Config.
func (c *Config) QueueConfig() (queue.Config, error) {
	policy, err := taskqueue.ParsePolicy(c.Queue.Policy)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Name:          c.Queue.Name,
		DataPath:      c.Storage.DataPath,
		ResultsPath:   c.Storage.ResultsPath,
		FrameShape:    types.Shape{Width: c.Queue.FrameWidth, Height: c.Queue.FrameHeight},
		StartAt:       c.Queue.StartAt,
		WorkerTimeout: c.Queue.WorkerTimeout,
		ChunkSize:     c.Queue.ChunkSize,
		MaxChunkSize:  c.Queue.MaxChunkSize,
		LieWindow:     c.Queue.LieWindow,
		FlushInterval: c.Storage.FlushInterval,
		ExpectedRows:  c.Storage.ExpectedRows,
		Policy:        policy,
		DefaultsFile:  c.Queue.DefaultsFile,
		DataSource:    c.Queue.DataSource,
	}, nil
}

// parseLevel maps a logging.level value to a slog level.
func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// setupLogging installs a text handler at the configured level.
func setupLogging(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	// Package loggers captured before SetDefault still honour this level.
	slog.SetLogLoggerLevel(lvl)
	return nil
}
