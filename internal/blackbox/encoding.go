package blackbox

import "fmt"

// Encoding identifies how one field's raw value is packed into the stream.
// The numeric values are the firmware's own identifiers as written into the
// log header.
type Encoding uint8

const (
	EncodingSignedVB        Encoding = 0
	EncodingUnsignedVB      Encoding = 1
	EncodingNeg14Bit        Encoding = 3
	EncodingTag8_8SVB       Encoding = 6
	EncodingTag2_3S32       Encoding = 7
	EncodingTag8_4S16       Encoding = 8
	EncodingNull            Encoding = 9
	EncodingTag2_3SVariable Encoding = 10
)

func (e Encoding) valid() bool {
	switch e {
	case EncodingSignedVB, EncodingUnsignedVB, EncodingNeg14Bit,
		EncodingTag8_8SVB, EncodingTag2_3S32, EncodingTag8_4S16,
		EncodingNull, EncodingTag2_3SVariable:
		return true
	}
	return false
}

// groupSize is how many consecutive fields one read of this encoding fills.
// Group encodings must appear on contiguous runs of fields in the header;
// Tag8_8SVB groups are capped at 8 and may be shorter.
func (e Encoding) groupSize() int {
	switch e {
	case EncodingTag2_3S32, EncodingTag2_3SVariable:
		return 3
	case EncodingTag8_4S16:
		return 4
	case EncodingTag8_8SVB:
		return 8
	}
	return 1
}

func readUnsignedVB(r *byteReader) uint32 {
	var v uint32
	for shift := uint(0); shift < 35; shift += 7 {
		b := r.readByte()
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return v
		}
	}
	if r.err == nil {
		r.err = fmt.Errorf("blackbox: variable-length integer overruns 32 bits")
	}
	return 0
}

func readSignedVB(r *byteReader) int64 {
	u := readUnsignedVB(r)
	// zigzag
	return int64(int32(u>>1) ^ -int32(u&1))
}

// readNeg14Bit decodes the negated 14-bit form used for values that are
// nearly always small negatives (unsigned VB of the negated value,
// sign-extended from 14 bits).
func readNeg14Bit(r *byteReader) int64 {
	return -signExtend(readUnsignedVB(r), 14)
}

// readTag8_8SVB fills up to 8 values. A group of one is written as a plain
// signed VB with no tag byte; otherwise a presence bitmask selects which of
// the fields carry a value, the rest being zero.
func readTag8_8SVB(r *byteReader, out []int64) {
	if len(out) == 1 {
		out[0] = readSignedVB(r)
		return
	}

	mask := r.readByte()
	for i := range out {
		if mask&1 != 0 {
			out[i] = readSignedVB(r)
		} else {
			out[i] = 0
		}
		mask >>= 1
	}
}

// readTag2_3S32 fills 3 values. The top two bits of the lead byte select
// 2-bit, 4-bit, 6-bit, or per-value byte-count layouts.
func readTag2_3S32(r *byteReader, out []int64) {
	lead := r.readByte()

	switch lead >> 6 {
	case 0: // three 2-bit values in the lead byte
		out[0] = signExtend(uint32(lead>>4)&0x03, 2)
		out[1] = signExtend(uint32(lead>>2)&0x03, 2)
		out[2] = signExtend(uint32(lead)&0x03, 2)

	case 1: // three 4-bit values
		b1 := r.readByte()
		out[0] = signExtend(uint32(lead)&0x0F, 4)
		out[1] = signExtend(uint32(b1>>4), 4)
		out[2] = signExtend(uint32(b1)&0x0F, 4)

	case 2: // three 6-bit values, one per byte
		out[0] = signExtend(uint32(lead)&0x3F, 6)
		b1 := r.readByte()
		out[1] = signExtend(uint32(b1)&0x3F, 6)
		b2 := r.readByte()
		out[2] = signExtend(uint32(b2)&0x3F, 6)

	case 3: // per-value byte counts in the low 6 bits of the lead byte
		sel := lead
		for i := 0; i < 3; i++ {
			n := uint(sel&0x03) + 1
			var v uint32
			for j := uint(0); j < n; j++ {
				v |= uint32(r.readByte()) << (8 * j)
			}
			out[i] = signExtend(v, 8*n)
			sel >>= 2
		}
	}
}

// readTag8_4S16 fills 4 values. The lead byte holds four 2-bit width
// selectors: empty, nibble, byte, or 16 bits.
func readTag8_4S16(r *byteReader, out []int64) {
	sel := r.readByte()

	for i := 0; i < 4; i++ {
		switch sel & 0x03 {
		case 0:
			out[i] = 0
		case 1:
			out[i] = signExtend(uint32(r.readNibble()), 4)
		case 2:
			out[i] = signExtend(uint32(r.readNibble())<<4|uint32(r.readNibble()), 8)
		case 3:
			var v uint32
			for j := 0; j < 4; j++ {
				v = v<<4 | uint32(r.readNibble())
			}
			out[i] = signExtend(v, 16)
		}
		sel >>= 2
	}
}

// readTag2_3SVariable fills 3 values. Like Tag2_3S32 but with 5/5/4 and
// 8/7/7 bit layouts for the mid ranges.
func readTag2_3SVariable(r *byteReader, out []int64) {
	lead := r.readByte()

	switch lead >> 6 {
	case 0: // three 2-bit values
		out[0] = signExtend(uint32(lead>>4)&0x03, 2)
		out[1] = signExtend(uint32(lead>>2)&0x03, 2)
		out[2] = signExtend(uint32(lead)&0x03, 2)

	case 1: // 5, 5 and 4 bits across two bytes
		b1 := r.readByte()
		out[0] = signExtend(uint32(lead>>1)&0x1F, 5)
		out[1] = signExtend(uint32(lead&0x01)<<4|uint32(b1>>4), 5)
		out[2] = signExtend(uint32(b1)&0x0F, 4)

	case 2: // 8, 7 and 7 bits across three bytes
		b1 := r.readByte()
		b2 := r.readByte()
		out[0] = signExtend(uint32(lead&0x3F)<<2|uint32(b1>>6), 8)
		out[1] = signExtend(uint32(b1&0x3F)<<1|uint32(b2>>7), 7)
		out[2] = signExtend(uint32(b2)&0x7F, 7)

	case 3: // per-value byte counts
		sel := lead
		for i := 0; i < 3; i++ {
			n := uint(sel&0x03) + 1
			var v uint32
			for j := uint(0); j < n; j++ {
				v |= uint32(r.readByte()) << (8 * j)
			}
			out[i] = signExtend(v, 8*n)
			sel >>= 2
		}
	}
}
