package ingest

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ChuLiYu/framequeue/internal/metadata"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

type call struct {
	op   string
	n    int
	from int64
	key  string
}

type fakeSink struct {
	calls     []call
	appendErr error
}

func (s *fakeSink) AppendMany(frames []types.Frame) error {
	s.calls = append(s.calls, call{op: "append", n: len(frames)})
	return s.appendErr
}
func (s *fakeSink) Release(from int64) { s.calls = append(s.calls, call{op: "release", from: from}) }
func (s *fakeSink) StopAccepting()     { s.calls = append(s.calls, call{op: "stop"}) }
func (s *fakeSink) LogEvent(name, _ string, _ time.Time) error {
	s.calls = append(s.calls, call{op: "event", key: name})
	return nil
}
func (s *fakeSink) SetMetadata(key string, _ any) error {
	s.calls = append(s.calls, call{op: "metadata", key: key})
	return nil
}

func frameRecord(v uint16) *kgo.Record {
	f := types.Frame{Width: 1, Height: 1, Pixels: []uint16{v}}
	return &kgo.Record{Topic: "cam" + FramesSuffix, Value: types.EncodeFrame(f)}
}

func record(suffix, value string) *kgo.Record {
	return &kgo.Record{Topic: "cam" + suffix, Value: []byte(value)}
}

func TestTopics(t *testing.T) {
	h := NewHandler(&fakeSink{}, "cam")
	assert.Equal(t, []string{"cam.frames", "cam.events", "cam.control"}, h.Topics())
}

func TestHandleRecords_BatchesFramesInOrder(t *testing.T) {
	sink := &fakeSink{}
	h := NewHandler(sink, "cam")

	err := h.HandleRecords([]*kgo.Record{
		frameRecord(1),
		frameRecord(2),
		record(ControlSuffix, `{"op":"release","from":0}`),
		frameRecord(3),
		record(EventsSuffix, `{"name":"laser on","description":"488nm"}`),
		record(ControlSuffix, `{"op":"metadata","key":"EstimatedLaserOnFrameNo","value":3}`),
		frameRecord(4),
		frameRecord(5),
		record(ControlSuffix, `{"op":"stop"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []call{
		{op: "append", n: 2},
		{op: "release", from: 0},
		{op: "append", n: 1},
		{op: "event", key: "laser on"},
		{op: "metadata", key: "EstimatedLaserOnFrameNo"},
		{op: "append", n: 2},
		{op: "stop"},
	}, sink.calls)
}

func TestHandleRecords_SkipsBadRecords(t *testing.T) {
	sink := &fakeSink{}
	h := NewHandler(sink, "cam")

	err := h.HandleRecords([]*kgo.Record{
		{Topic: "cam" + FramesSuffix, Value: []byte{1, 2, 3}},
		record(EventsSuffix, `not json`),
		{Topic: "other.topic", Value: []byte(`{}`)},
		record(ControlSuffix, `{"op":"reboot"}`),
		frameRecord(9),
	})
	require.NoError(t, err)
	assert.Equal(t, []call{{op: "append", n: 1}}, sink.calls)
}

func TestHandleRecords_SinkError(t *testing.T) {
	sink := &fakeSink{appendErr: errors.New("disk full")}
	h := NewHandler(sink, "cam")

	err := h.HandleRecords([]*kgo.Record{frameRecord(1), record(ControlSuffix, `{"op":"stop"}`)})
	assert.EqualError(t, err, "disk full")
	assert.Len(t, sink.calls, 1)
}

func TestHandleRecords_RejectedFramesDropped(t *testing.T) {
	sink := &fakeSink{appendErr: queue.ErrRejected}
	h := NewHandler(sink, "cam")

	require.NoError(t, h.HandleRecords([]*kgo.Record{frameRecord(1), frameRecord(2)}))
}

func TestHandleRecords_IntoQueue(t *testing.T) {
	q, err := queue.New(queue.Config{DataPath: filepath.Join(t.TempDir(), "data.db")})
	require.NoError(t, err)
	defer q.Close()

	h := NewHandler(q, "cam")
	require.NoError(t, h.HandleRecords([]*kgo.Record{
		frameRecord(1),
		frameRecord(2),
		record(ControlSuffix, `{"op":"metadata","key":"`+metadata.KeyLaserOn+`","value":1}`),
		record(ControlSuffix, `{"op":"release","from":1}`),
		frameRecord(3),
		record(ControlSuffix, `{"op":"release","from":1}`), // redelivered
	}))

	st := q.Stats()
	assert.Equal(t, int64(3), st.NumSlices)
	assert.Equal(t, 2, st.Open)
	v, ok := q.Metadata(metadata.KeyLaserOn)
	require.True(t, ok)
	assert.Equal(t, float64(1), v)
}
