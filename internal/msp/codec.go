package msp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encode serializes a frame into its wire representation.
//
// Standard form (payload < 255 bytes):
//
//	$M <dir> <len> <cmd> <payload...> <csum>
//
// Extended (jumbo) form (payload >= 255 bytes, up to MaxPayloadSize):
//
//	$M <dir> 0xFF <cmd> <len16 LE> <payload...> <csum>
//
// The checksum is the XOR of every byte after the direction byte,
// excluding the checksum itself.
func Encode(dir Direction, command uint8, payload []byte) ([]byte, error) {
	if !dir.Valid() {
		return nil, ErrBadDirection
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	jumbo := len(payload) >= jumboMarker

	size := 6 + len(payload)
	if jumbo {
		size += 2
	}

	buf := make([]byte, 0, size)
	buf = append(buf, preamble0, preamble1, byte(dir))

	var csum byte
	if jumbo {
		var len16 [2]byte
		binary.LittleEndian.PutUint16(len16[:], uint16(len(payload)))

		buf = append(buf, jumboMarker, command, len16[0], len16[1])
		csum = jumboMarker ^ command ^ len16[0] ^ len16[1]
	} else {
		buf = append(buf, byte(len(payload)), command)
		csum = byte(len(payload)) ^ command
	}

	buf = append(buf, payload...)
	for _, b := range payload {
		csum ^= b
	}

	return append(buf, csum), nil
}

// EncodeRequest serializes a host-to-device request frame.
func EncodeRequest(command uint8, payload []byte) ([]byte, error) {
	return Encode(DirectionRequest, command, payload)
}

// Decode parses a single frame from the start of buf. It returns the frame
// and the number of bytes consumed. When buf holds fewer bytes than the
// declared frame requires, Decode returns (nil, 0, nil): incomplete input is
// not an error, because bytes arrive split arbitrarily across physical reads.
//
// The preamble and direction are validated before the length byte is
// trusted, so a corrupt header cannot cause a bogus multi-kilobyte wait.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	if buf[0] != preamble0 || buf[1] != preamble1 {
		return nil, 0, ErrBadPreamble
	}
	if len(buf) < 3 {
		return nil, 0, nil
	}

	dir := Direction(buf[2])
	if !dir.Valid() {
		return nil, 0, ErrBadDirection
	}
	if len(buf) < 5 {
		return nil, 0, nil
	}

	lenByte := buf[3]
	command := buf[4]

	payloadLen := int(lenByte)
	payloadStart := 5
	csum := lenByte ^ command

	if lenByte == jumboMarker {
		if len(buf) < 7 {
			return nil, 0, nil
		}
		payloadLen = int(binary.LittleEndian.Uint16(buf[5:7]))
		payloadStart = 7
		csum ^= buf[5] ^ buf[6]
	}

	total := payloadStart + payloadLen + 1
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := buf[payloadStart : payloadStart+payloadLen]
	for _, b := range payload {
		csum ^= b
	}
	if csum != buf[total-1] {
		return nil, 0, ErrChecksum
	}

	f := &Frame{
		Command:   command,
		Direction: dir,
		Payload:   bytes.Clone(payload),
	}
	return f, total, nil
}

// DecodeAll scans buf for frames, decoding as many as possible and returning
// the unconsumed remainder. Bytes before the first preamble are discarded.
// A corrupt candidate frame is skipped by advancing two bytes past its
// preamble so that the scan cannot stall on the same garbage forever.
func DecodeAll(buf []byte) ([]*Frame, []byte) {
	var frames []*Frame

	for {
		start := bytes.IndexByte(buf, preamble0)
		if start < 0 {
			return frames, nil
		}
		buf = buf[start:]

		frame, consumed, err := Decode(buf)
		switch {
		case err != nil:
			// Corrupt candidate: step past the preamble byte pair and rescan.
			buf = buf[min(2, len(buf)):]

		case frame == nil:
			// Incomplete: keep the tail for the next read.
			return frames, buf

		default:
			frames = append(frames, frame)
			buf = buf[consumed:]
		}
	}
}
