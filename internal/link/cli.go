package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skylark-fpv/fctuner/internal/msp"
)

// cliMaxResponse caps accumulation; output beyond this without a prompt
// means the text stream is garbled, not slow.
const cliMaxResponse = 1 << 20

var (
	// cliSettleWindow is how long the accumulated output must stay quiet
	// after a trailing prompt before the response is considered complete.
	// Guards against a prompt sequence split across physical reads and
	// against prompt look-alikes inside multi-line output.
	cliSettleWindow = 50 * time.Millisecond

	// cliResponseTimeout bounds a whole CLI command round trip.
	cliResponseTimeout = 5 * time.Second
)

var (
	// ErrWrongMode is returned when a CLI operation runs outside CLI mode
	// or a mode transition is not legal from the current state.
	ErrWrongMode = errors.New("link: operation not valid in current mode")

	// ErrCLITimeout is returned when the prompt never appears. Distinct
	// from ErrCLIGarbled so callers can retry a slow device but not a
	// broken text stream.
	ErrCLITimeout = errors.New("link: CLI prompt timeout")

	// ErrCLIGarbled is returned when the device text stream is malformed.
	ErrCLIGarbled = errors.New("link: CLI stream garbled")
)

// cliPromptSuffix terminates a complete CLI response: the prompt character on
// its own line followed by a space, ready for input.
var cliPromptSuffix = []byte("\n# ")

// EnterCLI switches the device into text CLI mode. It writes the trigger
// byte and waits for any text chunk containing the prompt character.
func (c *Connection) EnterCLI(ctx context.Context) error {
	c.cliMu.Lock()
	defer c.cliMu.Unlock()

	c.mu.Lock()
	if !canTransition(c.mode, ModeCLI) {
		mode := c.mode
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot enter CLI from %s", ErrWrongMode, mode)
	}
	c.mode = ModeCLI
	c.rx = nil
	port := c.port
	done := c.done
	c.mu.Unlock()

	c.drainCLIChunks()

	if _, err := port.Write([]byte{msp.CLIEnterByte}); err != nil {
		c.revertToBinary()
		return fmt.Errorf("writing CLI trigger: %w", err)
	}

	deadline := time.NewTimer(cliResponseTimeout)
	defer deadline.Stop()

	for {
		select {
		case chunk := <-c.cliChunks:
			if bytes.IndexByte(chunk, msp.CLIPrompt) >= 0 {
				c.logger.Info("entered CLI mode")
				return nil
			}

		case <-deadline.C:
			c.revertToBinary()
			return fmt.Errorf("%w: no prompt after entering CLI", ErrCLITimeout)

		case <-ctx.Done():
			c.revertToBinary()
			return ctx.Err()

		case <-done:
			return ErrClosed
		}
	}
}

// SendCLI writes a single CLI command line and accumulates the response
// until the whole accumulated buffer ends in a trailing prompt and the
// stream settles. CLI commands are strictly serialized: one command's
// response must resolve before the next is sent.
func (c *Connection) SendCLI(ctx context.Context, command string) (string, error) {
	c.cliMu.Lock()
	defer c.cliMu.Unlock()

	c.mu.Lock()
	if c.mode != ModeCLI {
		mode := c.mode
		c.mu.Unlock()
		return "", fmt.Errorf("%w: SendCLI in %s mode", ErrWrongMode, mode)
	}
	port := c.port
	done := c.done
	c.mu.Unlock()

	if _, err := port.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("writing CLI command: %w", err)
	}

	deadline := time.NewTimer(cliResponseTimeout)
	defer deadline.Stop()

	var (
		acc    []byte
		settle *time.Timer
	)
	var settleC <-chan time.Time

	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case chunk := <-c.cliChunks:
			acc = append(acc, chunk...)
			if len(acc) > cliMaxResponse {
				return "", fmt.Errorf("%w: %d bytes without prompt", ErrCLIGarbled, len(acc))
			}

			// Only the accumulated tail counts: a chunk ending mid-line
			// or a comment line starting with the prompt character must
			// not resolve the command early.
			if bytes.HasSuffix(acc, cliPromptSuffix) {
				if settle == nil {
					settle = time.NewTimer(cliSettleWindow)
				} else {
					settle.Reset(cliSettleWindow)
				}
				settleC = settle.C
			} else if settle != nil {
				settle.Stop()
				settleC = nil
			}

		case <-settleC:
			return trimCLIResponse(command, acc), nil

		case <-deadline.C:
			return "", fmt.Errorf("%w: command %q", ErrCLITimeout, command)

		case <-ctx.Done():
			return "", ctx.Err()

		case <-done:
			return "", ErrClosed
		}
	}
}

// ExitCLI performs a graceful, local-only exit from CLI mode. The device
// itself cannot leave CLI without a reboot, so this only clears local state
// and switches the decoder back to binary.
func (c *Connection) ExitCLI() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeCLI {
		return fmt.Errorf("%w: not in CLI mode", ErrWrongMode)
	}

	c.mode = ModeBinary
	c.rx = nil
	c.drainCLIChunksLocked()
	return nil
}

// ForceBinary unconditionally resets the connection to binary mode,
// discarding buffered input on both sides of the port.
func (c *Connection) ForceBinary() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeClosed {
		return ErrNotOpen
	}

	c.mode = ModeBinary
	c.rx = nil
	c.drainCLIChunksLocked()

	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("resetting input buffer: %w", err)
	}
	return nil
}

func (c *Connection) revertToBinary() {
	c.mu.Lock()
	if c.mode == ModeCLI {
		c.mode = ModeBinary
	}
	c.mu.Unlock()
}

func (c *Connection) drainCLIChunks() {
	for {
		select {
		case <-c.cliChunks:
		default:
			return
		}
	}
}

func (c *Connection) drainCLIChunksLocked() {
	// cliChunks is only written by the reader; draining is safe under mu
	// because the reader takes mu before selecting a sink.
	for {
		select {
		case <-c.cliChunks:
		default:
			return
		}
	}
}

// trimCLIResponse strips the echoed command line and the trailing prompt
// from accumulated CLI output.
func trimCLIResponse(command string, acc []byte) string {
	s := string(acc)
	s = strings.TrimSuffix(s, "# ")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	// The device echoes the command as the first line.
	if line, rest, ok := strings.Cut(s, "\n"); ok && strings.TrimSpace(line) == command {
		s = rest
	}
	return strings.TrimRight(s, "\n")
}
