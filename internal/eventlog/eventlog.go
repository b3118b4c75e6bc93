// Package eventlog records acquisition events into every container of a queue.
//
// Each destination persists an event before the call returns, so a reader polling a
// container sees the event without waiting for a result flush.
package eventlog

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

var log = slog.Default()

// Destination durably appends event rows. storage.Container satisfies it.
type Destination interface {
	AppendEvents(events ...types.Event) error
}

// Source yields previously recorded events.
type Source interface {
	Events() ([]types.Event, error)
}

// Log mirrors every event to all of its destinations, in order.
type Log struct {
	dests []Destination
	now   func() time.Time
}

// New creates a log over dests.
func New(dests ...Destination) *Log {
	return &Log{dests: dests, now: time.Now}
}

// Record appends one event. A zero t is stamped with the current time.
// Every destination is attempted; failures are joined.
func (l *Log) Record(name, description string, t time.Time) error {
	if t.IsZero() {
		t = l.now()
	}
	ev := types.Event{Name: name, Time: t, Description: description}.Bounded()

	var errs []error
	for i, d := range l.dests {
		if err := d.AppendEvents(ev); err != nil {
			log.Error("Failed to record event", "event", name, "destination", i, "error", err)
			errs = append(errs, fmt.Errorf("destination %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Copy appends every event of src to dst. Used to seed a results container with the
// events already present in its dataset.
func Copy(dst Destination, src Source) (int, error) {
	events, err := src.Events()
	if err != nil {
		return 0, fmt.Errorf("read events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := dst.AppendEvents(events...); err != nil {
		return 0, fmt.Errorf("copy events: %w", err)
	}
	return len(events), nil
}
