package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/skylark-fpv/fctuner/internal/msp"
)

const (
	// flashChunkSize is the per-request read size. Larger requests trip the
	// firmware's serial buffer; smaller ones waste round trips.
	flashChunkSize = 4096

	// flashLogEvery spaces progress log lines out to one per this many bytes.
	flashLogEvery = 256 * 1024
)

// erasePollInterval is how often EraseFlash re-checks the summary. A variable
// so tests can tighten it.
var erasePollInterval = 500 * time.Millisecond

// ErrFlashReadShort is returned when the device answers a flash read with a
// chunk for the wrong address.
var ErrFlashReadShort = errors.New("device: flash read returned wrong address")

// ProgressFunc receives download progress after every chunk.
type ProgressFunc func(read, total uint32)

// DataflashSummary queries onboard flash capacity and fill level.
func (c *Client) DataflashSummary(ctx context.Context) (*DataflashSummary, error) {
	payload, err := c.conn.Send(ctx, msp.CmdDataflashSummary, nil, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("querying dataflash summary: %w", err)
	}
	return unmarshalDataflashSummary(payload)
}

// DownloadFlash streams the used portion of onboard flash to w, chunk by
// chunk. progress may be nil. Cancellation is honored between chunks; a
// partial download leaves w with a valid prefix of the log data.
func (c *Client) DownloadFlash(ctx context.Context, w io.Writer, progress ProgressFunc) (uint32, error) {
	summary, err := c.DataflashSummary(ctx)
	if err != nil {
		return 0, err
	}
	if !summary.Ready {
		return 0, ErrFlashNotReady
	}

	total := summary.UsedSize
	c.logger.Info("downloading flash",
		slog.String("used", humanize.IBytes(uint64(total))),
		slog.String("capacity", humanize.IBytes(uint64(summary.TotalSize))))

	var read, lastLogged uint32
	for read < total {
		if err := ctx.Err(); err != nil {
			return read, err
		}

		size := uint32(flashChunkSize)
		if total-read < size {
			size = total - read
		}

		req := (&payloadWriter{}).u32(read).u16(uint16(size))
		payload, err := c.conn.Send(ctx, msp.CmdDataflashRead, req.buf, c.timeout)
		if err != nil {
			return read, fmt.Errorf("reading flash at %d: %w", read, err)
		}

		r := newPayloadReader(payload)
		addr := r.u32()
		data := r.bytes(r.remaining())
		if r.err != nil {
			return read, fmt.Errorf("decoding flash chunk at %d: %w", read, r.err)
		}
		if addr != read {
			return read, fmt.Errorf("%w: want %d, got %d", ErrFlashReadShort, read, addr)
		}
		if len(data) == 0 {
			// Device signals end of data early.
			break
		}

		if _, err := w.Write(data); err != nil {
			return read, fmt.Errorf("writing flash chunk: %w", err)
		}
		read += uint32(len(data))

		if progress != nil {
			progress(read, total)
		}
		if read-lastLogged >= flashLogEvery || read == total {
			c.logger.Info("flash download progress",
				slog.String("read", humanize.IBytes(uint64(read))),
				slog.String("total", humanize.IBytes(uint64(total))))
			lastLogged = read
		}
	}

	c.logger.Info("flash download complete", slog.String("read", humanize.IBytes(uint64(read))))
	return read, nil
}

// EraseFlash erases onboard flash and blocks until the chip reports ready
// again. Erase can take tens of seconds on large chips; the context bounds
// the wait.
func (c *Client) EraseFlash(ctx context.Context) error {
	if _, err := c.conn.Send(ctx, msp.CmdDataflashErase, nil, c.timeout); err != nil {
		return fmt.Errorf("erasing flash: %w", err)
	}

	c.logger.Info("flash erase started")

	ticker := time.NewTicker(erasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary, err := c.DataflashSummary(ctx)
			if err != nil {
				return fmt.Errorf("polling erase completion: %w", err)
			}
			if summary.Ready && summary.UsedSize == 0 {
				c.logger.Info("flash erase complete")
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
