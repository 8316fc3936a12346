package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/skylark-fpv/fctuner/internal/device"
	"github.com/skylark-fpv/fctuner/internal/link"
)

// Usage prints the command synopsis.
func Usage() {
	fmt.Fprintf(os.Stderr, `Usage: fctuner [-c config.yaml] <command> [args]

Commands:
  identify              print firmware, board and status of the connected device
  download <out.bbl>    download the dataflash log to a file
  erase                 erase the dataflash chip
  analyze <log.bbl>     analyze a downloaded log and print recommendations
  tune                  run one step of the guided tuning cycle

`)
}

// Run dispatches the requested subcommand.
func Run(ctx context.Context, config *Config, args []string, logger *slog.Logger) error {
	if len(args) == 0 {
		Usage()
		return errors.New("no command given")
	}

	switch cmd := args[0]; cmd {
	case "identify":
		return runIdentify(ctx, config, logger)

	case "download":
		if len(args) < 2 {
			return errors.New("download requires an output file")
		}
		return runDownload(ctx, config, args[1], logger)

	case "erase":
		return runErase(ctx, config, logger)

	case "analyze":
		if len(args) < 2 {
			return errors.New("analyze requires a log file")
		}
		return runAnalyze(ctx, config, args[1], logger)

	case "tune":
		return runTune(ctx, config, logger)

	default:
		Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// connect dials the configured serial port and wraps it in a device client.
// The returned close function tears both down.
func connect(config *Config, logger *slog.Logger) (*device.Client, func(), error) {
	if config.Serial.Port == "" {
		return nil, nil, errors.New("no serial port configured")
	}

	conn, err := link.Dial(config.Serial.Port, config.Serial.BaudRate, link.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", config.Serial.Port, err)
	}

	client := device.New(conn, device.WithLogger(logger))
	return client, func() { _ = client.Close() }, nil
}

func runIdentify(ctx context.Context, config *Config, logger *slog.Logger) error {
	client, closeFn, err := connect(config, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	api, err := client.APIVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading API version: %w", err)
	}
	id, err := client.Identity(ctx)
	if err != nil {
		return fmt.Errorf("reading identity: %w", err)
	}
	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	summary, err := client.DataflashSummary(ctx)
	if err != nil {
		return fmt.Errorf("reading flash summary: %w", err)
	}

	fmt.Printf("Device:     %s\n", id)
	fmt.Printf("MSP:        v%d.%d.%d\n", api.Protocol, api.Major, api.Minor)
	fmt.Printf("Cycle time: %s\n", status.CycleTime)
	fmt.Printf("Dataflash:  %s of %s used\n",
		humanize.IBytes(uint64(summary.UsedSize)), humanize.IBytes(uint64(summary.TotalSize)))
	return nil
}

func runDownload(ctx context.Context, config *Config, outPath string, logger *slog.Logger) error {
	client, closeFn, err := connect(config, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer out.Close()

	n, err := client.DownloadFlash(ctx, out, func(read, total uint32) {
		logger.Info("downloading",
			slog.String("read", humanize.IBytes(uint64(read))),
			slog.String("total", humanize.IBytes(uint64(total))))
	})
	if err != nil {
		return fmt.Errorf("downloading flash: %w", err)
	}

	logger.Info("download complete",
		slog.String("file", outPath), slog.String("size", humanize.IBytes(uint64(n))))
	return nil
}

func runErase(ctx context.Context, config *Config, logger *slog.Logger) error {
	client, closeFn, err := connect(config, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("erasing dataflash, this can take a minute")
	if err := client.EraseFlash(ctx); err != nil {
		return fmt.Errorf("erasing flash: %w", err)
	}
	logger.Info("dataflash erased")
	return nil
}
