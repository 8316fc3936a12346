package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

// Config holds the spectrogram command options.
type Config struct {
	LogPath    string
	OutputFile string
	Format     ImageFormat
	Theme      ColorTheme
	FontPath   string
	Session    int
	Axis       int // -1 renders all three axes
	WindowSize int
	MinDB      *float64
	MaxDB      *float64
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

var axisNumbers = map[string]int{
	"all":   -1,
	"roll":  0,
	"pitch": 1,
	"yaw":   2,
}

func NewConfig() *Config {
	return &Config{
		Format:  ImagePNG,
		Theme:   DefaultTheme,
		Session: 1,
		Axis:    -1,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat, theme, axis string
	var minDB, maxDB float64
	flag.StringVar(&c.LogPath, "log", "", "Path to the blackbox log file")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.StringVar(&theme, "theme", string(DefaultTheme), "Color theme. [classic, grayscale, thermal, enhanced]")
	flag.StringVar(&axis, "axis", "all", "Gyro axis to render. [roll, pitch, yaw, all]")
	flag.StringVar(&c.FontPath, "font", "", "Path to a TTF font for axis labels (optional)")
	flag.IntVar(&c.Session, "s", 1, "Log session number, 1-based")
	flag.IntVar(&c.WindowSize, "w", 256, "FFT window size in samples")
	flag.Float64Var(&minDB, "min-db", 0, "Define a manual minimum power (dB)")
	flag.Float64Var(&maxDB, "max-db", 0, "Define a manual maximum power (dB)")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "min-db" {
			c.MinDB = &minDB
		}
		if f.Name == "max-db" {
			c.MaxDB = &maxDB
		}
	})

	var err error
	axisNum, axisOK := axisNumbers[strings.ToLower(axis)]
	if c.LogPath == "" {
		err = errors.New("log path is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if c.Session <= 0 {
		err = errors.New("session number must be positive")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if !axisOK {
		err = fmt.Errorf("invalid axis: %s", axis)
	} else if !validTheme(ColorTheme(strings.ToLower(theme))) {
		err = fmt.Errorf("invalid color theme: %s", theme)
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.Theme = ColorTheme(strings.ToLower(theme))
	c.Axis = axisNum
	return c, nil
}
