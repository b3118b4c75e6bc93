package types

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBGRange(t *testing.T) {
	assert.Equal(t, int64(10), BGRange{Lo: 90, Hi: 100}.Len())
	assert.True(t, BGRange{Lo: 5, Hi: 5}.Empty())
	assert.Equal(t, int64(0), BGRange{Lo: 7, Hi: 3}.Len())
}

func TestResult_IsDud(t *testing.T) {
	assert.True(t, Result{Index: 1}.IsDud())
	assert.False(t, Result{Fits: []FitEntry{{}}}.IsDud())
	assert.False(t, Result{Drift: []DriftEntry{{}}}.IsDud())
}

func TestTask_Expired(t *testing.T) {
	now := time.Unix(100, 0)
	assert.False(t, (&Task{}).Expired(now), "no deadline never expires")
	assert.False(t, (&Task{Deadline: now}).Expired(now))
	assert.True(t, (&Task{Deadline: now.Add(-time.Second)}).Expired(now))
}

func TestEvent_Bounded(t *testing.T) {
	e := Event{Name: strings.Repeat("a", 50), Description: "short"}.Bounded()
	assert.Len(t, e.Name, EventNameLen)
	assert.Equal(t, "short", e.Description)
}

func TestEvent_BoundedKeepsUTF8(t *testing.T) {
	// 31 ASCII bytes then a 3-byte character straddling the 32-byte limit.
	name := strings.Repeat("a", 31) + "光" + "z"
	descr := strings.Repeat("é", 200) // 400 bytes
	e := Event{Name: name, Description: descr}.Bounded()

	assert.Equal(t, strings.Repeat("a", 31), e.Name)
	assert.True(t, utf8.ValidString(e.Description))
	assert.Len(t, e.Description, EventDescrLen)

	e = Event{Name: strings.Repeat("光", 20)}.Bounded()
	assert.True(t, utf8.ValidString(e.Name))
	assert.Len(t, e.Name, 30)
}

func TestShape_Valid(t *testing.T) {
	assert.True(t, Shape{Width: 1, Height: 1}.Valid())
	assert.False(t, Shape{}.Valid())
	assert.False(t, Shape{Width: 3}.Valid())
	assert.False(t, Shape{Width: -1, Height: 2}.Valid())
}

func TestFrameCodec(t *testing.T) {
	f := Frame{Width: 3, Height: 2, Pixels: []uint16{0, 1, 65535, 300, 4, 5}}

	got, err := DecodeFrame(EncodeFrame(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.Equal(t, uint16(300), got.At(0, 1))
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2})
	assert.ErrorIs(t, err, ErrBadFrame)

	b := EncodeFrame(Frame{Width: 2, Height: 2, Pixels: []uint16{1, 2, 3, 4}})
	_, err = DecodeFrame(b[:len(b)-2])
	assert.ErrorIs(t, err, ErrBadFrame)
}
