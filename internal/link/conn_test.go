package link

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-fpv/fctuner/internal/msp"
)

// fakePort is an in-memory serial port. Writes are handed to onWrite, which
// may inject response bytes (arbitrarily chunked) via push.
type fakePort struct {
	mu      sync.Mutex
	rx      []byte
	closed  bool
	onWrite func(p []byte)
}

func (f *fakePort) Read(p []byte) (int, error) {
	deadline := time.Now().Add(10 * time.Millisecond)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(f.rx) > 0 {
			n := copy(p, f.rx)
			f.rx = f.rx[n:]
			f.mu.Unlock()
			return n, nil
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil // emulated read timeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakePort) setOnWrite(cb func(p []byte)) {
	f.mu.Lock()
	f.onWrite = cb
	f.mu.Unlock()
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.closed
	cb := f.onWrite
	f.mu.Unlock()

	if closed {
		return 0, io.ErrClosedPipe
	}
	if cb != nil {
		cb(append([]byte(nil), p...))
	}
	return len(p), nil
}

func (f *fakePort) push(p []byte) {
	f.mu.Lock()
	f.rx = append(f.rx, p...)
	f.mu.Unlock()
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	f.rx = nil
	f.mu.Unlock()
	return nil
}

func openTestConn(t *testing.T, port *fakePort) *Connection {
	t.Helper()

	c := NewConnection()
	require.NoError(t, c.Open(port))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func respondTo(t *testing.T, port *fakePort, payloads map[uint8][]byte) {
	t.Helper()

	port.setOnWrite(func(p []byte) {
		frames, _ := msp.DecodeAll(p)
		for _, f := range frames {
			payload, ok := payloads[f.Command]
			if !ok {
				continue
			}
			raw, err := msp.Encode(msp.DirectionResponse, f.Command, payload)
			require.NoError(t, err)

			// Deliver split across two physical reads.
			half := len(raw) / 2
			port.push(raw[:half])
			port.push(raw[half:])
		}
	})
}

func TestConnectionOpenTwice(t *testing.T) {
	c := openTestConn(t, &fakePort{})
	assert.ErrorIs(t, c.Open(&fakePort{}), ErrAlreadyOpen)
}

func TestConnectionSendRoundTrip(t *testing.T) {
	port := &fakePort{}
	respondTo(t, port, map[uint8][]byte{
		msp.CmdAPIVersion: {0, 1, 46},
	})

	c := openTestConn(t, port)

	payload, err := c.Send(context.Background(), msp.CmdAPIVersion, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 46}, payload)
}

func TestConnectionPipelinedCommands(t *testing.T) {
	port := &fakePort{}
	respondTo(t, port, map[uint8][]byte{
		msp.CmdStatus:   {1},
		msp.CmdPID:      {2},
		msp.CmdRCTuning: {3},
	})

	c := openTestConn(t, port)

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i, cmd := range []uint8{msp.CmdStatus, msp.CmdPID, msp.CmdRCTuning} {
		i, cmd := i, cmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := c.Send(context.Background(), cmd, nil, time.Second)
			assert.NoError(t, err)
			results[i] = payload
		}()
	}
	wg.Wait()

	assert.Equal(t, []byte{1}, results[0])
	assert.Equal(t, []byte{2}, results[1])
	assert.Equal(t, []byte{3}, results[2])
}

func TestConnectionTimeoutCleansPending(t *testing.T) {
	port := &fakePort{} // never responds
	c := openTestConn(t, port)

	_, err := c.Send(context.Background(), msp.CmdStatus, nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// A later request for the same command id must succeed once the
	// device starts answering.
	respondTo(t, port, map[uint8][]byte{msp.CmdStatus: {7}})

	payload, err := c.Send(context.Background(), msp.CmdStatus, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, payload)
}

func TestConnectionDeviceErrorFrame(t *testing.T) {
	port := &fakePort{}
	port.setOnWrite(func(p []byte) {
		frames, _ := msp.DecodeAll(p)
		for _, f := range frames {
			raw, _ := msp.Encode(msp.DirectionError, f.Command, nil)
			port.push(raw)
		}
	})

	c := openTestConn(t, port)

	_, err := c.Send(context.Background(), msp.CmdDataflashErase, nil, time.Second)
	assert.ErrorIs(t, err, ErrDeviceError)
}

func TestConnectionUnsolicitedFrames(t *testing.T) {
	port := &fakePort{}
	c := openTestConn(t, port)

	raw, err := msp.Encode(msp.DirectionResponse, msp.CmdBatteryState, []byte{16, 8})
	require.NoError(t, err)
	port.push(raw)

	select {
	case frame := <-c.Events():
		assert.Equal(t, msp.CmdBatteryState, frame.Command)
		assert.Equal(t, []byte{16, 8}, frame.Payload)
	case <-time.After(time.Second):
		t.Fatal("no unsolicited frame delivered")
	}
}

func TestConnectionChunkRoutingFollowsMode(t *testing.T) {
	port := &fakePort{}
	port.setOnWrite(func(p []byte) {
		if len(p) == 1 && p[0] == msp.CLIEnterByte {
			port.push([]byte("\n# "))
		}
	})

	c := openTestConn(t, port)
	require.NoError(t, c.EnterCLI(context.Background()))

	raw, err := msp.Encode(msp.DirectionResponse, msp.CmdBatteryState, []byte{1})
	require.NoError(t, err)

	// In CLI mode frame-shaped bytes are text for the CLI accumulator and
	// must never reach the binary decoder.
	port.push(raw)
	select {
	case <-c.Events():
		t.Fatal("frame decoded while in CLI mode")
	case <-time.After(150 * time.Millisecond):
	}

	// Back in binary mode the same bytes decode as an unsolicited frame.
	require.NoError(t, c.ExitCLI())
	port.push(raw)
	select {
	case frame := <-c.Events():
		assert.Equal(t, msp.CmdBatteryState, frame.Command)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered after returning to binary mode")
	}
}

func cliEcho(port *fakePort, command, output string) {
	// Echo the command, print output, then a fresh prompt. Split so the
	// prompt sequence crosses a read boundary.
	resp := []byte(command + "\r\n" + output + "\n# ")
	half := len(resp) - 2
	port.push(resp[:half])
	port.push(resp[half:])
}

func TestConnectionCLISession(t *testing.T) {
	port := &fakePort{}
	port.setOnWrite(func(p []byte) {
		if len(p) == 1 && p[0] == msp.CLIEnterByte {
			port.push([]byte("\r\nEntering CLI Mode, type 'exit' to return, or 'help'\r\n\n# "))
			return
		}
		switch string(p) {
		case "set gyro_lpf1_static_hz = 250\n":
			cliEcho(port, "set gyro_lpf1_static_hz = 250", "gyro_lpf1_static_hz set to 250")
		case "diff all\n":
			// Output contains comment lines starting with the prompt
			// character; they must not resolve the command early.
			cliEcho(port, "diff all", "# version\n# Betaflight / STM32F7X2 4.4.2\nset gyro_lpf1_static_hz = 250\nset dterm_lpf1_static_hz = 100")
		}
	})

	c := openTestConn(t, port)
	ctx := context.Background()

	require.NoError(t, c.EnterCLI(ctx))
	assert.Equal(t, ModeCLI, c.Mode())

	out, err := c.SendCLI(ctx, "set gyro_lpf1_static_hz = 250")
	require.NoError(t, err)
	assert.Equal(t, "gyro_lpf1_static_hz set to 250", out)

	out, err = c.SendCLI(ctx, "diff all")
	require.NoError(t, err)
	assert.Contains(t, out, "set dterm_lpf1_static_hz = 100")
	assert.Contains(t, out, "# version")

	require.NoError(t, c.ExitCLI())
	assert.Equal(t, ModeBinary, c.Mode())
}

func TestConnectionSendWhileInCLIForcesBinary(t *testing.T) {
	port := &fakePort{}
	port.setOnWrite(func(p []byte) {
		if len(p) == 1 && p[0] == msp.CLIEnterByte {
			port.push([]byte("\n# "))
			return
		}
		frames, _ := msp.DecodeAll(p)
		for _, f := range frames {
			raw, _ := msp.Encode(msp.DirectionResponse, f.Command, []byte{9})
			port.push(raw)
		}
	})

	c := openTestConn(t, port)
	require.NoError(t, c.EnterCLI(context.Background()))

	payload, err := c.Send(context.Background(), msp.CmdStatus, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, payload)
	assert.Equal(t, ModeBinary, c.Mode())
}

func TestConnectionCLITimeout(t *testing.T) {
	prev := cliResponseTimeout
	cliResponseTimeout = 100 * time.Millisecond
	defer func() { cliResponseTimeout = prev }()

	port := &fakePort{}
	port.setOnWrite(func(p []byte) {
		if len(p) == 1 && p[0] == msp.CLIEnterByte {
			port.push([]byte("\n# "))
			return
		}
		// Respond without ever printing a prompt.
		port.push([]byte("partial output with no prompt\n"))
	})

	c := openTestConn(t, port)
	require.NoError(t, c.EnterCLI(context.Background()))

	_, err := c.SendCLI(context.Background(), "dump")
	assert.ErrorIs(t, err, ErrCLITimeout)
}

func TestTrimCLIResponse(t *testing.T) {
	got := trimCLIResponse("dump", []byte("dump\r\nline one\r\nline two\r\n\n# "))
	assert.Equal(t, "line one\nline two", got)
}
