package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// frameHeaderLen is the size of the width/height header of an encoded frame.
const frameHeaderLen = 8

// ErrBadFrame is returned when decoding a malformed frame payload.
var ErrBadFrame = errors.New("malformed frame payload")

// EncodeFrame encodes f as a little-endian uint32 width, uint32 height, then the pixels as
// little-endian uint16 in row-major order.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, frameHeaderLen+2*len(f.Pixels))
	binary.LittleEndian.PutUint32(buf[0:], uint32(f.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(f.Height))
	for i, v := range f.Pixels {
		binary.LittleEndian.PutUint16(buf[frameHeaderLen+2*i:], v)
	}
	return buf
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < frameHeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(b))
	}
	w := int(binary.LittleEndian.Uint32(b[0:]))
	h := int(binary.LittleEndian.Uint32(b[4:]))
	body := b[frameHeaderLen:]
	if len(body) != 2*w*h {
		return Frame{}, fmt.Errorf("%w: %dx%d frame with %d pixel bytes", ErrBadFrame, w, h, len(body))
	}
	px := make([]uint16, w*h)
	for i := range px {
		px[i] = binary.LittleEndian.Uint16(body[2*i:])
	}
	return Frame{Width: w, Height: h, Pixels: px}, nil
}
