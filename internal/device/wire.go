package device

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload is returned when a response payload ends before all
// declared fields were read.
var ErrShortPayload = errors.New("device: response payload too short")

// payloadReader walks an MSP response payload field by field. Reads past the
// end set a sticky error instead of panicking, so decoders stay linear.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func newPayloadReader(buf []byte) *payloadReader {
	return &payloadReader{buf: buf}
}

func (r *payloadReader) fail(n int) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: need %d more bytes at offset %d of %d", ErrShortPayload, n, r.off, len(r.buf))
	}
}

func (r *payloadReader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.fail(1)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *payloadReader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	if r.off+2 > len(r.buf) {
		r.fail(2)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.fail(4)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail(n)
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

// payloadWriter builds request payloads little-endian.
type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) u8(v uint8) *payloadWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *payloadWriter) u16(v uint16) *payloadWriter {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *payloadWriter) u32(v uint32) *payloadWriter {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}
