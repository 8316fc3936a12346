package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-fpv/fctuner/internal/link"
	"github.com/skylark-fpv/fctuner/internal/msp"
)

// fakeConn scripts transport behavior per command.
type fakeConn struct {
	mode link.Mode
	send func(command uint8, payload []byte) ([]byte, error)
	cli  func(command string) (string, error)

	sent    []uint8
	cliSent []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{mode: link.ModeBinary}
}

func (f *fakeConn) Send(_ context.Context, command uint8, payload []byte, _ time.Duration) ([]byte, error) {
	f.sent = append(f.sent, command)
	if f.send == nil {
		return nil, nil
	}
	return f.send(command, payload)
}

func (f *fakeConn) EnterCLI(context.Context) error {
	f.mode = link.ModeCLI
	return nil
}

func (f *fakeConn) SendCLI(_ context.Context, command string) (string, error) {
	f.cliSent = append(f.cliSent, command)
	if f.cli == nil {
		return "", nil
	}
	return f.cli(command)
}

func (f *fakeConn) ExitCLI() error {
	f.mode = link.ModeBinary
	return nil
}

func (f *fakeConn) ForceBinary() error {
	f.mode = link.ModeBinary
	return nil
}

func (f *fakeConn) Mode() link.Mode { return f.mode }
func (f *fakeConn) Close() error    { return nil }

func TestClientIdentity(t *testing.T) {
	conn := newFakeConn()
	conn.send = func(command uint8, _ []byte) ([]byte, error) {
		switch command {
		case msp.CmdFCVariant:
			return []byte("BTFL"), nil
		case msp.CmdFCVersion:
			return []byte{4, 4, 2}, nil
		case msp.CmdBoardInfo:
			return []byte("S7X2 extra board bytes"), nil
		case msp.CmdBuildInfo:
			return []byte("Jun 14 2023" + "10:22:41" + "0000000"), nil
		}
		return nil, nil
	}

	id, err := New(conn).Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BTFL", id.Variant)
	assert.Equal(t, "4.4.2", id.Version)
	assert.Equal(t, "S7X2", id.Board)
	assert.Equal(t, "Jun 14 2023", id.BuildDate)
	assert.Equal(t, "10:22:41", id.BuildTime)
}

func TestClientPIDRoundTripPreservesTail(t *testing.T) {
	// Firmware reports five controller slots; only three are modeled. The
	// write-back must carry the unmodeled tail unchanged.
	read := []byte{
		45, 80, 40, // roll
		47, 84, 46, // pitch
		45, 80, 0, // yaw
		50, 50, 75, // level
		40, 0, 0, // mag
	}

	var written []byte
	conn := newFakeConn()
	conn.send = func(command uint8, payload []byte) ([]byte, error) {
		switch command {
		case msp.CmdPID:
			return read, nil
		case msp.CmdSetPID:
			written = append([]byte(nil), payload...)
		}
		return nil, nil
	}

	c := New(conn)
	pids, err := c.PIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PIDTerms{45, 80, 40}, pids.Roll)
	assert.Equal(t, PIDTerms{47, 84, 46}, pids.Pitch)
	assert.Equal(t, PIDTerms{45, 80, 0}, pids.Yaw)

	pids.Roll.D = 42
	require.NoError(t, c.SetPIDs(context.Background(), pids))

	want := append([]byte(nil), read...)
	want[2] = 42
	assert.Equal(t, want, written)
}

func TestClientPIDShortPayload(t *testing.T) {
	conn := newFakeConn()
	conn.send = func(uint8, []byte) ([]byte, error) {
		return []byte{45, 80}, nil
	}

	_, err := New(conn).PIDs(context.Background())
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestClientFilterConfigRoundTrip(t *testing.T) {
	orig := &FilterConfig{
		GyroLowpass1Hz:   250,
		GyroLowpass1Type: 1,
		GyroLowpass2Hz:   500,
		DtermLowpass1Hz:  100,
		DtermLowpass2Hz:  150,
		DynNotchCount:    3,
		DynNotchQ:        300,
		DynNotchMinHz:    100,
		DynNotchMaxHz:    600,
		RPMHarmonics:     3,
		RPMMinHz:         100,
	}

	conn := newFakeConn()
	conn.send = func(command uint8, _ []byte) ([]byte, error) {
		if command == msp.CmdFilterConfig {
			return orig.marshal(), nil
		}
		return nil, nil
	}

	got, err := New(conn).FilterConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orig, got)
	assert.True(t, got.RPMFilterEnabled())
}

func TestClientSetSetting(t *testing.T) {
	conn := newFakeConn()
	conn.cli = func(command string) (string, error) {
		if command == "set gyro_lpf1_static_hz = 250" {
			return "gyro_lpf1_static_hz set to 250", nil
		}
		return "Invalid name", nil
	}

	c := New(conn)
	require.NoError(t, c.SetSetting(context.Background(), "gyro_lpf1_static_hz", "250"))
	assert.Equal(t, link.ModeCLI, conn.Mode())

	err := c.SetSetting(context.Background(), "no_such_setting", "1")
	assert.ErrorIs(t, err, ErrSettingRejected)
}

func TestClientSnapshot(t *testing.T) {
	conn := newFakeConn()
	conn.cli = func(command string) (string, error) {
		require.Equal(t, "diff all", command)
		return "# version\nset gyro_lpf1_static_hz = 250", nil
	}

	snap, err := New(conn).TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, snap.ID)
	assert.False(t, snap.TakenAt.IsZero())
	assert.Contains(t, snap.Diff, "gyro_lpf1_static_hz")
}

func flashSummaryPayload(ready bool, used, total uint32) []byte {
	buf := make([]byte, 13)
	if ready {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:], 64)
	binary.LittleEndian.PutUint32(buf[5:], total)
	binary.LittleEndian.PutUint32(buf[9:], used)
	return buf
}

func TestClientDownloadFlash(t *testing.T) {
	// 10000 bytes of log data: two full chunks and a partial third.
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}

	conn := newFakeConn()
	conn.send = func(command uint8, payload []byte) ([]byte, error) {
		switch command {
		case msp.CmdDataflashSummary:
			return flashSummaryPayload(true, uint32(len(data)), 2<<20), nil

		case msp.CmdDataflashRead:
			addr := binary.LittleEndian.Uint32(payload)
			size := int(binary.LittleEndian.Uint16(payload[4:]))
			chunk := data[addr : int(addr)+size]

			resp := make([]byte, 4+len(chunk))
			binary.LittleEndian.PutUint32(resp, addr)
			copy(resp[4:], chunk)
			return resp, nil
		}
		return nil, nil
	}

	var out bytes.Buffer
	var calls int
	var lastRead uint32
	n, err := New(conn).DownloadFlash(context.Background(), &out, func(read, total uint32) {
		calls++
		lastRead = read
		assert.Equal(t, uint32(len(data)), total)
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(len(data)), n)
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint32(len(data)), lastRead)
}

func TestClientDownloadFlashNotReady(t *testing.T) {
	conn := newFakeConn()
	conn.send = func(uint8, []byte) ([]byte, error) {
		return flashSummaryPayload(false, 1000, 2<<20), nil
	}

	_, err := New(conn).DownloadFlash(context.Background(), &bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, ErrFlashNotReady)
}

func TestClientDownloadFlashCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	conn := newFakeConn()
	conn.send = func(command uint8, payload []byte) ([]byte, error) {
		switch command {
		case msp.CmdDataflashSummary:
			return flashSummaryPayload(true, 100000, 2<<20), nil

		case msp.CmdDataflashRead:
			addr := binary.LittleEndian.Uint32(payload)
			if addr >= flashChunkSize { // cancel after the first chunk
				cancel()
			}
			resp := make([]byte, 4+flashChunkSize)
			binary.LittleEndian.PutUint32(resp, addr)
			return resp, nil
		}
		return nil, nil
	}

	var out bytes.Buffer
	n, err := New(conn).DownloadFlash(ctx, &out, nil)
	require.ErrorIs(t, err, context.Canceled)

	// The partial download is a valid prefix.
	assert.Equal(t, uint32(out.Len()), n)
	assert.GreaterOrEqual(t, out.Len(), flashChunkSize)
}

func TestClientEraseFlashPollsUntilReady(t *testing.T) {
	prev := erasePollInterval
	erasePollInterval = time.Millisecond
	defer func() { erasePollInterval = prev }()

	var polls int
	conn := newFakeConn()
	conn.send = func(command uint8, _ []byte) ([]byte, error) {
		if command == msp.CmdDataflashSummary {
			polls++
			if polls < 3 {
				return flashSummaryPayload(false, 1000, 2<<20), nil
			}
			return flashSummaryPayload(true, 0, 2<<20), nil
		}
		return nil, nil
	}

	require.NoError(t, New(conn).EraseFlash(context.Background()))
	assert.Equal(t, 3, polls)
}

func TestClientSaveCLITreatsTimeoutAsSuccess(t *testing.T) {
	conn := newFakeConn()
	conn.cli = func(string) (string, error) {
		// The device reboots instead of printing a prompt.
		return "", link.ErrCLITimeout
	}

	require.NoError(t, New(conn).SaveCLI(context.Background()))
	assert.Equal(t, link.ModeBinary, conn.Mode())
}

func TestClientRebootIgnoresTimeout(t *testing.T) {
	conn := newFakeConn()
	conn.send = func(uint8, []byte) ([]byte, error) {
		return nil, link.ErrTimeout
	}

	assert.NoError(t, New(conn).Reboot(context.Background()))
}
