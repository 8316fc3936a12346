package blackbox

import (
	"errors"
)

// errShortFrame aborts the current frame when the stream ends mid-field.
var errShortFrame = errors.New("blackbox: frame truncated")

// byteReader consumes the binary frame stream. Tag8_4S16 packs values at
// nibble granularity, so the reader buffers half-read bytes; any byte-aligned
// read discards a pending nibble, matching the writer which pads to a byte
// boundary between fields of different encodings.
type byteReader struct {
	data []byte
	pos  int

	nibble    uint8
	hasNibble bool

	err error
}

func (r *byteReader) readByte() uint8 {
	if r.err != nil {
		return 0
	}
	r.hasNibble = false
	if r.pos >= len(r.data) {
		r.err = errShortFrame
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *byteReader) readNibble() uint8 {
	if r.err != nil {
		return 0
	}
	if r.hasNibble {
		r.hasNibble = false
		return r.nibble
	}
	if r.pos >= len(r.data) {
		r.err = errShortFrame
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	r.nibble = b & 0x0F
	r.hasNibble = true
	return b >> 4
}

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift) >> shift)
}
