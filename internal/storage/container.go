// ============================================================================
// framequeue Storage - durable container file
// ============================================================================
//
// Package: internal/storage
// File: container.go
// Purpose: one SQLite file per container (raw dataset side or results side)
//
// Layout of a container:
//
//	container_info(key, value)          frame shape and bookkeeping
//	frames(idx, data)                   append-only fixed-shape frames (uint16 LE blobs)
//	events(name, time, description)     event log rows, time in unix nanoseconds
//	metadata(key, value)                dotted-path metadata, JSON values
//	fit_results / drift_results         created on first use
//	table_hints(name, expected_rows)    expected-row hint recorded at table creation
//
// Serialization:
//   Each Container is one serialization domain guarded by a single sync.Mutex. The
//   underlying file is not shared with any other writer, so there is no reader/writer
//   split. Lock waits are observed by metrics.Collector.LockTimed.
//
// ============================================================================

package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

var (
	// ErrAlreadyExists is returned by Create when the container file is already present.
	ErrAlreadyExists = fmt.Errorf("storage: container already exists: %w", os.ErrExist)
	// ErrNotFound is returned by OpenExisting when the container file is missing.
	ErrNotFound = fmt.Errorf("storage: container not found: %w", os.ErrNotExist)
	// ErrShapeMismatch indicates a frame whose shape differs from the dataset's.
	ErrShapeMismatch = errors.New("storage: frame shape does not match dataset")
	// ErrNoSuchFrame indicates an index outside [0, NumFrames).
	ErrNoSuchFrame = errors.New("storage: no such frame")
	// ErrClosed indicates use of a closed container.
	ErrClosed = errors.New("storage: container closed")
)

// Kind names a result table.
type Kind string

const (
	KindFit   Kind = "fit"
	KindDrift Kind = "drift"
)

func (k Kind) table() string {
	switch k {
	case KindFit:
		return "fit_results"
	case KindDrift:
		return "drift_results"
	default:
		panic("storage: unknown result kind " + string(k))
	}
}

// Options configure a container.
type Options struct {
	Domain  string             // name of the serialization domain, used for lock metrics
	Metrics *metrics.Collector // nil means an unregistered collector
	// ReadOnly opens an existing container without migrating or checkpointing it;
	// every write fails.
	ReadOnly bool
}

// Container is one durable container file.
type Container struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	domain  string
	metrics *metrics.Collector

	shape     types.Shape
	numFrames int64
	tables    map[Kind]bool
	closed    bool
	readOnly  bool
}

// Create makes a new container at path. It fails with ErrAlreadyExists if the file exists.
func Create(path string, opts Options) (*Container, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create container dir: %w", err)
		}
	}
	opts.ReadOnly = false
	return open(path, opts)
}

// OpenExisting opens a container previously made by Create.
func OpenExisting(path string, opts Options) (*Container, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return open(path, opts)
}

// Exists reports whether a container file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func open(path string, opts Options) (*Container, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if opts.ReadOnly {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		dsn = (&url.URL{Scheme: "file", Path: abs}).String() + "?mode=ro&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer, and the container mutex already serializes callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	col := opts.Metrics
	if col == nil {
		col = metrics.NewCollector(nil)
	}
	domain := opts.Domain
	if domain == "" {
		domain = filepath.Base(path)
	}

	c := &Container{
		db:       db,
		path:     path,
		domain:   domain,
		metrics:  col,
		tables:   make(map[Kind]bool),
		readOnly: opts.ReadOnly,
	}
	if !opts.ReadOnly {
		if err := c.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if err := c.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load container state: %w", err)
	}
	return c, nil
}

// migrate runs idempotent schema creation for the fixed tables.
func (c *Container) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS container_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			idx  INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			name        TEXT NOT NULL,
			time        INTEGER NOT NULL,
			description TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS table_hints (
			name          TEXT PRIMARY KEY,
			expected_rows INTEGER NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

// load reads the cached shape, frame count and result-table presence.
func (c *Container) load() error {
	var w, h sql.NullInt64
	row := c.db.QueryRow(`SELECT
		(SELECT value FROM container_info WHERE key = 'width'),
		(SELECT value FROM container_info WHERE key = 'height')`)
	if err := row.Scan(&w, &h); err != nil {
		return err
	}
	c.shape = types.Shape{Width: int(w.Int64), Height: int(h.Int64)}

	if err := c.db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&c.numFrames); err != nil {
		return err
	}

	for _, k := range []Kind{KindFit, KindDrift} {
		var n int
		err := c.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, k.table()).Scan(&n)
		if err != nil {
			return err
		}
		c.tables[k] = n > 0
	}
	return nil
}

func (c *Container) lock() error {
	c.metrics.LockTimed(&c.mu, c.domain)
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// Path returns the container's file path.
func (c *Container) Path() string { return c.path }

// Close checkpoints and closes the container. Closing twice is a no-op.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.readOnly {
		return c.db.Close()
	}
	if _, err := c.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		c.db.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	return c.db.Close()
}

// Flush checkpoints the write-ahead log into the main container file.
func (c *Container) Flush() error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// ─── Frames ─────────────────────────────────────────────────────────────────

// Shape returns the dataset frame shape (zero until set or first append).
func (c *Container) Shape() types.Shape {
	c.metrics.LockTimed(&c.mu, c.domain)
	defer c.mu.Unlock()
	return c.shape
}

// SetShape fixes the frame shape of an empty dataset.
func (c *Container) SetShape(s types.Shape) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	if !s.Valid() {
		return fmt.Errorf("%w: invalid frame shape %dx%d", ErrShapeMismatch, s.Width, s.Height)
	}
	if c.shape == s {
		return nil
	}
	if c.numFrames > 0 || !c.shape.Zero() {
		return fmt.Errorf("%w: dataset already has shape %dx%d", ErrShapeMismatch, c.shape.Width, c.shape.Height)
	}
	_, err := c.db.Exec(`INSERT INTO container_info (key, value) VALUES ('width', ?), ('height', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.Width, s.Height)
	if err != nil {
		return fmt.Errorf("store shape: %w", err)
	}
	c.shape = s
	return nil
}

// NumFrames returns the dataset length.
func (c *Container) NumFrames() int64 {
	c.metrics.LockTimed(&c.mu, c.domain)
	defer c.mu.Unlock()
	return c.numFrames
}

// AppendFrames appends frames in one transaction and returns the index assigned to the
// first one. Indices are contiguous: first, first+1, ...
func (c *Container) AppendFrames(frames []types.Frame) (int64, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	first := c.numFrames
	if len(frames) == 0 {
		return first, nil
	}

	shape := c.shape
	if shape.Zero() {
		shape = frames[0].Shape()
		if !shape.Valid() {
			return 0, fmt.Errorf("%w: invalid frame shape %dx%d", ErrShapeMismatch, shape.Width, shape.Height)
		}
	}
	for _, f := range frames {
		if f.Shape() != shape || len(f.Pixels) != shape.Pixels() {
			return 0, fmt.Errorf("%w: got %dx%d (%d px), want %dx%d",
				ErrShapeMismatch, f.Width, f.Height, len(f.Pixels), shape.Width, shape.Height)
		}
	}

	tx, err := c.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if c.shape.Zero() {
		if _, err := tx.Exec(`INSERT INTO container_info (key, value) VALUES ('width', ?), ('height', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, shape.Width, shape.Height); err != nil {
			return 0, fmt.Errorf("store shape: %w", err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO frames (idx, data) VALUES (?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, f := range frames {
		if _, err := stmt.Exec(first+int64(i), encodePixels(f.Pixels)); err != nil {
			return 0, fmt.Errorf("insert frame %d: %w", first+int64(i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	c.shape = shape
	c.numFrames += int64(len(frames))
	return first, nil
}

// Frame reads the frame at index.
func (c *Container) Frame(index int64) (types.Frame, error) {
	if err := c.lock(); err != nil {
		return types.Frame{}, err
	}
	defer c.mu.Unlock()

	if index < 0 || index >= c.numFrames {
		return types.Frame{}, fmt.Errorf("%w: %d (have %d)", ErrNoSuchFrame, index, c.numFrames)
	}
	var blob []byte
	if err := c.db.QueryRow(`SELECT data FROM frames WHERE idx = ?`, index).Scan(&blob); err != nil {
		return types.Frame{}, fmt.Errorf("read frame %d: %w", index, err)
	}
	return types.Frame{
		Width:  c.shape.Width,
		Height: c.shape.Height,
		Pixels: decodePixels(blob),
	}, nil
}

func encodePixels(px []uint16) []byte {
	buf := make([]byte, 2*len(px))
	for i, v := range px {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

func decodePixels(buf []byte) []uint16 {
	px := make([]uint16, len(buf)/2)
	for i := range px {
		px[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return px
}

// ─── Events ─────────────────────────────────────────────────────────────────

// AppendEvents appends event rows and commits them before returning, so a reader polling
// the container sees them immediately.
func (c *Container) AppendEvents(events ...types.Event) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	if len(events) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		e = e.Bounded()
		if _, err := tx.Exec(`INSERT INTO events (name, time, description) VALUES (?, ?, ?)`,
			e.Name, e.Time.UnixNano(), e.Description); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Events returns every event row in append order.
func (c *Container) Events() ([]types.Event, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT name, time, description FROM events ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]types.Event, 0)
	for rows.Next() {
		var (
			e  types.Event
			ns int64
		)
		if err := rows.Scan(&e.Name, &ns, &e.Description); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ns)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ─── Metadata ───────────────────────────────────────────────────────────────

// PutMeta upserts one metadata entry (value is an encoded JSON document).
func (c *Container) PutMeta(key string, value []byte) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	_, err := c.db.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(value))
	if err != nil {
		return fmt.Errorf("put metadata %s: %w", key, err)
	}
	return nil
}

// LoadMeta returns every stored metadata entry.
func (c *Container) LoadMeta() (map[string][]byte, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT key, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = []byte(v)
	}
	return out, rows.Err()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
