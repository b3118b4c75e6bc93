package eventlog

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

type memDest struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (d *memDest) AppendEvents(events ...types.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, events...)
	return nil
}

func (d *memDest) Events() ([]types.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Event(nil), d.events...), nil
}

func TestRecord_MirrorsToAllDestinations(t *testing.T) {
	a, b := &memDest{}, &memDest{}
	l := New(a, b)
	ts := time.Unix(100, 0)

	require.NoError(t, l.Record("StartAq", "0", ts))

	want := []types.Event{{Name: "StartAq", Time: ts, Description: "0"}}
	assert.Equal(t, want, a.events)
	assert.Equal(t, want, b.events)
}

func TestRecord_StampsZeroTime(t *testing.T) {
	d := &memDest{}
	l := New(d)
	fixed := time.Unix(42, 0)
	l.now = func() time.Time { return fixed }

	require.NoError(t, l.Record("Focus", "", time.Time{}))
	assert.Equal(t, fixed, d.events[0].Time)
}

func TestRecord_Truncates(t *testing.T) {
	d := &memDest{}
	require.NoError(t, New(d).Record(strings.Repeat("n", 40), strings.Repeat("d", 300), time.Unix(1, 0)))

	assert.Len(t, d.events[0].Name, types.EventNameLen)
	assert.Len(t, d.events[0].Description, types.EventDescrLen)
}

func TestRecord_PartialFailure(t *testing.T) {
	bad := &memDest{err: errors.New("closed")}
	good := &memDest{}
	l := New(bad, good)

	err := l.Record("x", "", time.Unix(1, 0))
	assert.Error(t, err)
	assert.Len(t, good.events, 1, "a failing destination does not block the others")
}

func TestCopy(t *testing.T) {
	src := &memDest{}
	require.NoError(t, New(src).Record("a", "1", time.Unix(1, 0)))
	require.NoError(t, New(src).Record("b", "2", time.Unix(2, 0)))

	dst := &memDest{}
	n, err := Copy(dst, src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, src.events, dst.events)

	n, err = Copy(dst, &memDest{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
