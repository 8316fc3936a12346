// Package link owns the physical serial connection to a flight controller.
// It multiplexes concurrent binary command/response pairs and mediates the
// mutually exclusive switch between binary protocol mode and the text CLI.
package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the fixed rate flight controllers expose MSP at.
const DefaultBaudRate = 115200

// Port is the minimal surface the Connection needs from a serial port.
// go.bug.st/serial.Port satisfies it; tests substitute an in-memory fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenPort opens the named serial device at the given baud rate, 8N1.
func OpenPort(path string, baudRate int) (Port, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}
	return port, nil
}
