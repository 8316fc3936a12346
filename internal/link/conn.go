package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skylark-fpv/fctuner/internal/msp"
)

const (
	readPollInterval = 20 * time.Millisecond
	readBufferSize   = 4096

	// DefaultCommandTimeout bounds a single binary request/response pair.
	DefaultCommandTimeout = 2 * time.Second
)

var (
	// ErrAlreadyOpen is returned when Open is called on a bound connection.
	ErrAlreadyOpen = errors.New("link: connection already open")

	// ErrNotOpen is returned when an operation requires a bound port.
	ErrNotOpen = errors.New("link: connection not open")

	// ErrClosed is returned to waiters when the connection shuts down.
	ErrClosed = errors.New("link: connection closed")

	// ErrTimeout is returned when a command receives no response in time.
	// It is distinct from transport errors and is retryable by the caller.
	ErrTimeout = errors.New("link: command timed out")

	// ErrSuperseded resolves a pending request that was overwritten by a
	// newer request for the same command id.
	ErrSuperseded = errors.New("link: request superseded")

	// ErrDeviceError is returned when the device answers with an error frame.
	ErrDeviceError = errors.New("link: device rejected command")
)

type result struct {
	frame *msp.Frame
	err   error
}

// pendingRequest tracks one outstanding command. The channel is buffered so
// the reader goroutine never blocks on delivery.
type pendingRequest struct {
	ch chan result
}

// WithLogger sets the logger for the connection.
func WithLogger(logger *slog.Logger) func(*Connection) {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithEventBuffer sets the capacity of the unsolicited frame channel.
func WithEventBuffer(n int) func(*Connection) {
	return func(c *Connection) {
		c.events = make(chan *msp.Frame, n)
	}
}

// Connection owns a serial port exclusively: only the Connection reads from
// or writes to it. Binary commands may be pipelined across distinct command
// ids; each command id has at most one outstanding request at a time.
type Connection struct {
	logger *slog.Logger

	mu      sync.Mutex
	port    Port
	mode    Mode
	pending map[uint8]*pendingRequest
	rx      []byte

	// cliMu strictly serializes CLI commands; chunk delivery for the
	// active CLI command flows through cliChunks.
	cliMu     sync.Mutex
	cliChunks chan []byte

	events chan *msp.Frame

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConnection creates an unbound connection with a discard logger.
func NewConnection(options ...func(*Connection)) *Connection {
	c := &Connection{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:   make(map[uint8]*pendingRequest),
		cliChunks: make(chan []byte, 64),
		events:    make(chan *msp.Frame, 16),
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Dial opens the named serial device and binds a new connection to it.
func Dial(path string, baudRate int, options ...func(*Connection)) (*Connection, error) {
	port, err := OpenPort(path, baudRate)
	if err != nil {
		return nil, err
	}

	c := NewConnection(options...)
	if err := c.Open(port); err != nil {
		_ = port.Close()
		return nil, err
	}
	return c, nil
}

// Open binds the port and starts the reader. It fails if already open.
func (c *Connection) Open(port Port) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeClosed {
		return ErrAlreadyOpen
	}

	c.port = port
	c.mode = ModeBinary
	c.rx = nil
	c.done = make(chan struct{})
	c.closeOnce = sync.Once{}

	_ = port.SetReadTimeout(readPollInterval)

	c.wg.Add(1)
	go c.readLoop(port, c.done)

	c.logger.Info("connection open")
	return nil
}

// Mode returns the connection's current protocol mode.
func (c *Connection) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Events exposes decoded frames that matched no pending request:
// device-initiated telemetry such as battery or RSSI updates. Frames are
// dropped when the channel is full.
func (c *Connection) Events() <-chan *msp.Frame {
	return c.events
}

// Send issues a binary command and waits for the matching response frame's
// payload. Registering a second request for a command id that already has one
// outstanding overwrites the pending entry; the earlier waiter resolves with
// ErrSuperseded. If the connection is in CLI mode, Send first attempts a
// graceful local exit and falls back to forcing binary mode.
func (c *Connection) Send(ctx context.Context, command uint8, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	raw, err := msp.EncodeRequest(command, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	switch c.mode {
	case ModeClosed:
		c.mu.Unlock()
		return nil, ErrNotOpen

	case ModeCLI:
		c.mu.Unlock()
		if err := c.ExitCLI(); err != nil {
			if err = c.ForceBinary(); err != nil {
				return nil, fmt.Errorf("leaving CLI mode: %w", err)
			}
		}
		c.mu.Lock()
	}

	p := &pendingRequest{ch: make(chan result, 1)}
	if prev, ok := c.pending[command]; ok {
		prev.ch <- result{err: ErrSuperseded}
	}
	c.pending[command] = p

	port := c.port
	done := c.done
	c.mu.Unlock()

	if _, err := port.Write(raw); err != nil {
		c.removePending(command, p)
		return nil, fmt.Errorf("writing command %d: %w", command, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame.Payload, nil

	case <-timer.C:
		c.removePending(command, p)
		return nil, fmt.Errorf("%w: command %d after %s", ErrTimeout, command, timeout)

	case <-ctx.Done():
		c.removePending(command, p)
		return nil, ctx.Err()

	case <-done:
		return nil, ErrClosed
	}
}

// Close shuts the connection down, resolving all pending requests with
// ErrClosed. It is safe to call multiple times.
func (c *Connection) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.mode == ModeClosed {
			c.mu.Unlock()
			return
		}

		c.mode = ModeClosed
		port := c.port
		c.port = nil
		close(c.done)

		for command, p := range c.pending {
			p.ch <- result{err: ErrClosed}
			delete(c.pending, command)
		}
		c.mu.Unlock()

		if port != nil {
			err = port.Close()
		}
		c.wg.Wait()

		c.logger.Info("connection closed")
	})

	return err
}

func (c *Connection) removePending(command uint8, p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[command] == p {
		delete(c.pending, command)
	}
}

// readLoop pulls chunks from the port and feeds whichever decoder the
// current mode selects. A read error tears the connection down.
func (c *Connection) readLoop(port Port, done chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-done: // expected during Close
			default:
				c.logger.Error(fmt.Sprintf("read error: %s", err))
				c.failAll(fmt.Errorf("link: read error: %w", err))
			}
			return
		}
		if n == 0 {
			continue // read timeout tick
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		c.dispatch(chunk)
	}
}

// dispatch routes one read chunk to the sink the current mode selects. The
// mode decision and the chunk handling share a single lock acquisition, so a
// concurrent mode switch cannot land between them and have the chunk parsed
// under the old mode.
func (c *Connection) dispatch(chunk []byte) {
	c.mu.Lock()

	if c.mode == ModeCLI {
		// Non-blocking: a full buffer means no CLI command is consuming,
		// and the chunk would be discarded by the next mode switch anyway.
		select {
		case c.cliChunks <- chunk:
		default:
			c.logger.Warn("dropping CLI chunk", slog.Int("bytes", len(chunk)))
		}
		c.mu.Unlock()
		return
	}

	c.rx = append(c.rx, chunk...)
	frames, rest := msp.DecodeAll(c.rx)
	c.rx = append(c.rx[:0:0], rest...)
	c.mu.Unlock()

	for _, frame := range frames {
		c.deliver(frame)
	}
}

func (c *Connection) deliver(frame *msp.Frame) {
	c.mu.Lock()
	p, ok := c.pending[frame.Command]
	if ok {
		delete(c.pending, frame.Command)
	}
	c.mu.Unlock()

	if !ok {
		// Unsolicited device-initiated frame.
		select {
		case c.events <- frame:
		default:
			c.logger.Debug("dropping unsolicited frame", slog.Int("command", int(frame.Command)))
		}
		return
	}

	if frame.IsError() {
		p.ch <- result{err: fmt.Errorf("%w: command %d", ErrDeviceError, frame.Command)}
		return
	}
	p.ch <- result{frame: frame}
}

func (c *Connection) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for command, p := range c.pending {
		p.ch <- result{err: err}
		delete(c.pending, command)
	}
}
