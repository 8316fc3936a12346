package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skylark-fpv/fctuner/internal/link"
)

// ErrSettingRejected is returned when the CLI refuses a set command, either
// because the setting name is unknown or the value is out of range.
var ErrSettingRejected = errors.New("device: setting rejected")

// ensureCLI switches the connection into CLI mode if it is not there already.
func (c *Client) ensureCLI(ctx context.Context) error {
	if c.conn.Mode() == link.ModeCLI {
		return nil
	}
	return c.conn.EnterCLI(ctx)
}

// SetSetting writes one named setting through the CLI and verifies the
// firmware accepted it. The change is RAM-only until saved.
func (c *Client) SetSetting(ctx context.Context, name, value string) error {
	if err := c.ensureCLI(ctx); err != nil {
		return err
	}

	out, err := c.conn.SendCLI(ctx, fmt.Sprintf("set %s = %s", name, value))
	if err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}

	// The firmware confirms with "<name> set to <value>"; anything else is a
	// rejection message.
	if !strings.Contains(out, "set to") {
		return fmt.Errorf("%w: %s = %s: %s", ErrSettingRejected, name, value, strings.TrimSpace(out))
	}

	c.logger.Debug("setting written", slog.String("name", name), slog.String("value", value))
	return nil
}

// DiffAll returns the device's full configuration diff against defaults, the
// canonical restorable form of its settings.
func (c *Client) DiffAll(ctx context.Context) (string, error) {
	if err := c.ensureCLI(ctx); err != nil {
		return "", err
	}

	out, err := c.conn.SendCLI(ctx, "diff all")
	if err != nil {
		return "", fmt.Errorf("reading diff: %w", err)
	}
	return out, nil
}

// Dump returns the device's complete configuration dump.
func (c *Client) Dump(ctx context.Context) (string, error) {
	if err := c.ensureCLI(ctx); err != nil {
		return "", err
	}

	out, err := c.conn.SendCLI(ctx, "dump")
	if err != nil {
		return "", fmt.Errorf("reading dump: %w", err)
	}
	return out, nil
}

// SaveCLI commits RAM settings via the CLI save command. Saving reboots the
// device, so the prompt never returns; a timeout or connection drop here
// means the save went through.
func (c *Client) SaveCLI(ctx context.Context) error {
	if err := c.ensureCLI(ctx); err != nil {
		return err
	}

	_, err := c.conn.SendCLI(ctx, "save")
	if err != nil && !errors.Is(err, link.ErrCLITimeout) && !errors.Is(err, link.ErrClosed) {
		return fmt.Errorf("saving via CLI: %w", err)
	}

	// The device is rebooting; drop local CLI state so the next command
	// starts from binary mode.
	if err := c.conn.ForceBinary(); err != nil && !errors.Is(err, link.ErrNotOpen) {
		return fmt.Errorf("resetting after save: %w", err)
	}

	c.logger.Info("settings saved via CLI, device rebooting")
	return nil
}

// ExitCLI returns the connection to binary mode.
func (c *Client) ExitCLI() error {
	return c.conn.ExitCLI()
}
