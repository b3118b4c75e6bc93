package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/framequeue/internal/metadata"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// CompletedCount returns the number of results durably persisted.
func (q *Queue) CompletedCount() int64 { return q.buffer.Completed() }

// ImageShape returns the dataset frame shape.
func (q *Queue) ImageShape() types.Shape { return q.data.Shape() }

// ImageData returns the frame at index.
func (q *Queue) ImageData(index int64) (types.Frame, error) { return q.data.Frame(index) }

// NumSlices returns the dataset length.
func (q *Queue) NumSlices() int64 { return q.data.NumFrames() }

// Events returns the dataset's event log.
func (q *Queue) Events() ([]types.Event, error) { return q.data.Events() }

// FitResults returns persisted fit rows from position startingAt onwards.
func (q *Queue) FitResults(startingAt int64) ([]types.FitEntry, error) {
	return q.results.FitRows(startingAt)
}

// DriftResults returns persisted drift rows from position startingAt onwards.
func (q *Queue) DriftResults(startingAt int64) ([]types.DriftEntry, error) {
	return q.results.DriftRows(startingAt)
}

// PSF returns the contents of the file named by the PSFFile metadata entry. Relative
// names resolve against the working directory first, then the dataset's directory.
func (q *Queue) PSF() ([]byte, error) {
	v, ok := q.resultsMeta.Get(metadata.KeyPSFFile)
	name, isString := v.(string)
	if !ok || !isString || name == "" {
		return nil, ErrNoPSF
	}
	path, err := q.resolveExisting(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read PSF: %w", err)
	}
	return b, nil
}

func (q *Queue) resolveExisting(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	if !filepath.IsAbs(name) {
		alt := filepath.Join(filepath.Dir(q.cfg.DataPath), name)
		if _, err := os.Stat(alt); err == nil {
			return alt, nil
		}
	}
	return "", fmt.Errorf("PSF file %s: %w", name, os.ErrNotExist)
}

// Metadata returns one results metadata entry.
func (q *Queue) Metadata(key string) (any, bool) { return q.resultsMeta.Get(key) }

// MetadataKeys returns the results metadata keys, sorted.
func (q *Queue) MetadataKeys() []string { return q.resultsMeta.Names() }

// Stats returns a point-in-time summary.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	accepting, releasing := q.accepting, q.releasing
	q.mu.Unlock()

	return types.QueueStats{
		Open:       q.tasks.OpenLen(),
		InProgress: q.tasks.InProgressLen(),
		Completed:  q.buffer.Completed(),
		NumSlices:  q.data.NumFrames(),
		Accepting:  accepting,
		Releasing:  releasing,
	}
}

// ─── Typed requests ─────────────────────────────────────────────────────────

// Field names one kind of inspection request.
type Field string

const (
	FieldImageShape Field = "ImageShape"
	FieldImageData  Field = "ImageData"
	FieldNumSlices  Field = "NumSlices"
	FieldEvents     Field = "Events"
	FieldFitResults Field = "FitResults"
	FieldPSF        Field = "PSF"
	FieldMetadata   Field = "MetaData"
)

// ErrUnknownField is returned by ParseField and Query for unsupported requests.
var ErrUnknownField = errors.New("queue: unknown data field")

// Request is one inspection request. Each variant carries its own arguments and
// determines the concrete type Query returns.
type Request interface {
	Field() Field
}

type (
	ImageShapeRequest struct{}                   // → types.Shape
	ImageDataRequest  struct{ Index int64 }      // → types.Frame
	NumSlicesRequest  struct{}                   // → int64
	EventsRequest     struct{}                   // → []types.Event
	FitResultsRequest struct{ StartingAt int64 } // → []types.FitEntry
	PSFRequest        struct{}                   // → []byte
	MetadataRequest   struct{ Key string }       // → any
)

func (ImageShapeRequest) Field() Field { return FieldImageShape }
func (ImageDataRequest) Field() Field  { return FieldImageData }
func (NumSlicesRequest) Field() Field  { return FieldNumSlices }
func (EventsRequest) Field() Field     { return FieldEvents }
func (FitResultsRequest) Field() Field { return FieldFitResults }
func (PSFRequest) Field() Field        { return FieldPSF }
func (MetadataRequest) Field() Field   { return FieldMetadata }

// ParseField validates a field name received over a transport.
func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldImageShape, FieldImageData, FieldNumSlices, FieldEvents, FieldFitResults, FieldPSF, FieldMetadata:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Query answers an inspection request for transports that dispatch dynamically.
func (q *Queue) Query(req Request) (any, error) {
	switch r := req.(type) {
	case ImageShapeRequest:
		return q.ImageShape(), nil
	case ImageDataRequest:
		return q.ImageData(r.Index)
	case NumSlicesRequest:
		return q.NumSlices(), nil
	case EventsRequest:
		return q.Events()
	case FitResultsRequest:
		return q.FitResults(r.StartingAt)
	case PSFRequest:
		return q.PSF()
	case MetadataRequest:
		v, ok := q.Metadata(r.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, r.Key)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownField, req)
	}
}
