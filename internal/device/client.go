package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/skylark-fpv/fctuner/internal/link"
	"github.com/skylark-fpv/fctuner/internal/msp"
)

// Conn is the transport the client talks through. *link.Connection satisfies
// it; tests substitute a scripted fake.
type Conn interface {
	Send(ctx context.Context, command uint8, payload []byte, timeout time.Duration) ([]byte, error)
	EnterCLI(ctx context.Context) error
	SendCLI(ctx context.Context, command string) (string, error)
	ExitCLI() error
	ForceBinary() error
	Mode() link.Mode
	Close() error
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) func(*Client) {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCommandTimeout overrides the per-command timeout.
func WithCommandTimeout(d time.Duration) func(*Client) {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client exposes the flight controller's configuration and flash surface as
// typed operations.
type Client struct {
	conn    Conn
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a client over an open connection.
func New(conn Conn, options ...func(*Client)) *Client {
	c := &Client{
		conn:    conn,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: link.DefaultCommandTimeout,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// APIVersion queries the MSP protocol version.
func (c *Client) APIVersion(ctx context.Context) (*APIVersion, error) {
	payload, err := c.conn.Send(ctx, msp.CmdAPIVersion, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying API version: %w", err)
	}

	r := newPayloadReader(payload)
	v := &APIVersion{Protocol: r.u8(), Major: r.u8(), Minor: r.u8()}
	if r.err != nil {
		return nil, fmt.Errorf("decoding API version: %w", r.err)
	}
	return v, nil
}

// Identity collects the firmware variant, version, board and build stamps.
// Devices that do not answer the build info command still yield a usable
// identity with those fields empty.
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	id := &Identity{}

	payload, err := c.conn.Send(ctx, msp.CmdFCVariant, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying firmware variant: %w", err)
	}
	id.Variant = strings.TrimRight(string(payload), "\x00")

	payload, err = c.conn.Send(ctx, msp.CmdFCVersion, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying firmware version: %w", err)
	}
	r := newPayloadReader(payload)
	major, minor, patch := r.u8(), r.u8(), r.u8()
	if r.err != nil {
		return nil, fmt.Errorf("decoding firmware version: %w", r.err)
	}
	id.Version = fmt.Sprintf("%d.%d.%d", major, minor, patch)

	payload, err = c.conn.Send(ctx, msp.CmdBoardInfo, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying board info: %w", err)
	}
	if len(payload) >= 4 {
		id.Board = strings.TrimRight(string(payload[:4]), "\x00 ")
	}

	payload, err = c.conn.Send(ctx, msp.CmdBuildInfo, nil, c.timeout)
	if err == nil && len(payload) >= 19 {
		id.BuildDate = strings.TrimSpace(string(payload[:11]))
		id.BuildTime = strings.TrimSpace(string(payload[11:19]))
	}

	c.logger.Info("identified device", slog.String("identity", id.String()))
	return id, nil
}

// Status queries the controller's runtime state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	payload, err := c.conn.Send(ctx, msp.CmdStatus, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}

	r := newPayloadReader(payload)
	s := &Status{
		CycleTime:  time.Duration(r.u16()) * time.Microsecond,
		I2CErrors:  r.u16(),
		SensorMask: r.u16(),
		ModeFlags:  r.u32(),
		Profile:    r.u8(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding status: %w", r.err)
	}
	return s, nil
}

// PIDs reads the active PID profile.
func (c *Client) PIDs(ctx context.Context) (*PIDProfile, error) {
	payload, err := c.conn.Send(ctx, msp.CmdPID, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying PIDs: %w", err)
	}
	return unmarshalPIDProfile(payload)
}

// SetPIDs writes the PID profile back to the device. The change is RAM-only
// until SaveAndReboot commits it.
func (c *Client) SetPIDs(ctx context.Context, p *PIDProfile) error {
	if _, err := c.conn.Send(ctx, msp.CmdSetPID, p.marshal(), c.timeout); err != nil {
		return fmt.Errorf("writing PIDs: %w", err)
	}
	return nil
}

// FilterConfig reads the gyro and D-term filter chain.
func (c *Client) FilterConfig(ctx context.Context) (*FilterConfig, error) {
	payload, err := c.conn.Send(ctx, msp.CmdFilterConfig, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying filter config: %w", err)
	}
	return unmarshalFilterConfig(payload)
}

// SetFilterConfig writes the filter chain. RAM-only until saved.
func (c *Client) SetFilterConfig(ctx context.Context, f *FilterConfig) error {
	if _, err := c.conn.Send(ctx, msp.CmdSetFilterConfig, f.marshal(), c.timeout); err != nil {
		return fmt.Errorf("writing filter config: %w", err)
	}
	return nil
}

// FeedforwardConfig reads the feedforward gains.
func (c *Client) FeedforwardConfig(ctx context.Context) (*FeedforwardConfig, error) {
	payload, err := c.conn.Send(ctx, msp.CmdPidAdvanced, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying feedforward config: %w", err)
	}
	return unmarshalFeedforwardConfig(payload)
}

// SetFeedforwardConfig writes the feedforward gains. RAM-only until saved.
func (c *Client) SetFeedforwardConfig(ctx context.Context, f *FeedforwardConfig) error {
	if _, err := c.conn.Send(ctx, msp.CmdSetPidAdvanced, f.marshal(), c.timeout); err != nil {
		return fmt.Errorf("writing feedforward config: %w", err)
	}
	return nil
}

// RCTuning reads the stick rate configuration.
func (c *Client) RCTuning(ctx context.Context) (*RCTuning, error) {
	payload, err := c.conn.Send(ctx, msp.CmdRCTuning, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying RC tuning: %w", err)
	}
	return unmarshalRCTuning(payload)
}

// SetRCTuning writes the stick rate configuration. RAM-only until saved.
func (c *Client) SetRCTuning(ctx context.Context, t *RCTuning) error {
	if _, err := c.conn.Send(ctx, msp.CmdSetRCTuning, t.marshal(), c.timeout); err != nil {
		return fmt.Errorf("writing RC tuning: %w", err)
	}
	return nil
}

// SaveAndReboot commits RAM settings to EEPROM and restarts the controller.
// The reboot command usually gets no response because the device drops the
// link mid-restart; that is treated as success.
func (c *Client) SaveAndReboot(ctx context.Context) error {
	if _, err := c.conn.Send(ctx, msp.CmdEepromWrite, nil, c.timeout); err != nil {
		return fmt.Errorf("writing EEPROM: %w", err)
	}

	c.logger.Info("settings saved, rebooting device")
	return c.Reboot(ctx)
}

// Reboot restarts the controller without saving.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.conn.Send(ctx, msp.CmdReboot, nil, c.timeout)
	if err != nil && !errors.Is(err, link.ErrTimeout) && !errors.Is(err, link.ErrClosed) {
		return fmt.Errorf("rebooting: %w", err)
	}
	return nil
}
