// Package msp implements the MultiWii Serial Protocol (MSP v1) frame codec.
// It encodes and decodes individual frames only; it performs no I/O.
package msp

import "errors"

const (
	// MaxPayloadSize is the largest payload an extended (jumbo) frame may carry.
	MaxPayloadSize = 8192

	// jumboMarker in the length byte signals a 16-bit little-endian
	// length following the command byte.
	jumboMarker = 0xFF

	preamble0 = '$'
	preamble1 = 'M'
)

var (
	// ErrBadPreamble is returned when a buffer does not start with "$M".
	ErrBadPreamble = errors.New("msp: bad preamble")

	// ErrBadDirection is returned when the direction byte is not one of '<', '>' or '!'.
	ErrBadDirection = errors.New("msp: invalid direction byte")

	// ErrChecksum is returned when the frame checksum does not match its contents.
	ErrChecksum = errors.New("msp: checksum mismatch")

	// ErrPayloadTooLarge is returned when encoding a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("msp: payload exceeds maximum size")
)

// Direction identifies who a frame is addressed to.
type Direction byte

const (
	DirectionRequest  Direction = '<' // host to flight controller
	DirectionResponse Direction = '>' // flight controller to host
	DirectionError    Direction = '!' // flight controller rejecting a request
)

// Valid reports whether d is one of the three wire direction bytes.
func (d Direction) Valid() bool {
	return d == DirectionRequest || d == DirectionResponse || d == DirectionError
}

// Frame is a single decoded protocol message. Frames are ephemeral: they
// exist between decode and dispatch and do not own their payload beyond that.
type Frame struct {
	Command   uint8
	Direction Direction
	Payload   []byte
}

// IsError reports whether the device rejected the request this frame answers.
func (f *Frame) IsError() bool {
	return f.Direction == DirectionError
}
