package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"

	"github.com/skylark-fpv/fctuner/internal/analysis"
	"github.com/skylark-fpv/fctuner/internal/blackbox"
)

// Run decodes the log and renders one spectrogram image per requested axis.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	f, err := os.Open(config.LogPath)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	decoder := blackbox.NewDecoder(blackbox.WithLogger(logger))
	file, err := decoder.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding log: %w", err)
	}
	if config.Session > len(file.Sessions) {
		return fmt.Errorf("log has %d sessions, session %d requested", len(file.Sessions), config.Session)
	}
	session := file.Sessions[config.Session-1]

	logger.Info("session decoded",
		slog.Int("frames", session.Frames()),
		slog.Int("corrupt", session.CorruptFrames),
		slog.Float64("sampleRate", session.Header.SampleRate()))

	data := analysis.FromSession(session)
	renderer := NewRenderer(config.Theme, config.MinDB, config.MaxDB, config.FontPath)

	axes := []int{config.Axis}
	if config.Axis < 0 {
		axes = []int{0, 1, 2}
	}

	for _, axis := range axes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := renderAxis(config, renderer, data, axis, logger); err != nil {
			return err
		}
	}
	return nil
}

func renderAxis(config *Config, renderer *Renderer, data *analysis.FlightData, axis int, logger *slog.Logger) error {
	sg, err := analysis.STFT(data.Gyro[axis], data.SampleRate, config.WindowSize)
	if err != nil {
		return fmt.Errorf("computing %s spectrogram: %w", analysis.AxisName(axis), err)
	}

	title := fmt.Sprintf("gyro %s", analysis.AxisName(axis))
	img, err := renderer.Render(sg, title)
	if err != nil {
		return fmt.Errorf("rendering %s: %w", analysis.AxisName(axis), err)
	}

	outPath := fmt.Sprintf("%s_%s.%s", config.OutputFile, analysis.AxisName(axis), config.Format)
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer out.Close()

	switch config.Format {
	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: 98})
	default:
		err = png.Encode(out, img)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", outPath, err)
	}

	logger.Info("spectrogram written",
		slog.String("file", outPath),
		slog.Int("width", sg.NumCol),
		slog.Int("height", sg.NumRow))
	return nil
}
