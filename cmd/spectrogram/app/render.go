package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/skylark-fpv/fctuner/internal/analysis"
)

const (
	dpi            = 96.0
	fontSize       = 12.0
	tickMarkLength = 5
	pixelsPerLabel = 120.0

	defaultTopBorder    = 40
	defaultLeftBorder   = 70
	defaultBottomBorder = 40
	defaultRightBorder  = 20
)

// Renderer draws a spectrogram into an annotated image: frequency across
// the top, flight time down the left, an info bar along the bottom.
type Renderer struct {
	theme    ColorTheme
	minDB    *float64
	maxDB    *float64
	fontPath string
}

// NewRenderer creates a renderer. fontPath may be empty; annotations are
// skipped without a font.
func NewRenderer(theme ColorTheme, minDB, maxDB *float64, fontPath string) *Renderer {
	return &Renderer{theme: theme, minDB: minDB, maxDB: maxDB, fontPath: fontPath}
}

// Render draws one axis' spectrogram. Rows map to image rows top to bottom,
// columns to frequency bins left to right.
func (r *Renderer) Render(sg *analysis.Spectrogram, title string) (*image.RGBA, error) {
	bounds := r.bounds(sg)
	mapper := NewColorMapper(r.theme, bounds.Min, bounds.Max)

	fullWidth := sg.NumCol + defaultLeftBorder + defaultRightBorder
	fullHeight := sg.NumRow + defaultTopBorder + defaultBottomBorder
	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	for y, row := range sg.Rows {
		imgY := defaultTopBorder + y
		for x, db := range row {
			img.Set(defaultLeftBorder+x, imgY, mapper.GetColor(db))
		}
	}

	if r.fontPath != "" {
		ann, err := newAnnotator(r.fontPath)
		if err != nil {
			return nil, fmt.Errorf("creating annotator: %w", err)
		}
		defer ann.Close()

		if err := ann.annotate(img, sg, title, bounds); err != nil {
			return nil, fmt.Errorf("drawing annotations: %w", err)
		}
	}

	return img, nil
}

// bounds picks the dB range: manual overrides first, percentile bounds from
// the data otherwise.
func (r *Renderer) bounds(sg *analysis.Spectrogram) PowerBounds {
	hist := NewPowerHistogram()
	for _, row := range sg.Rows {
		for _, db := range row {
			hist.Update(db)
		}
	}
	b := hist.PercentileBounds()
	if r.minDB != nil {
		b.Min = *r.minDB
	}
	if r.maxDB != nil {
		b.Max = *r.maxDB
	}
	return b
}

type annotator struct {
	context  *freetype.Context
	fontFace font.Face
}

func newAnnotator(fontPath string) (*annotator, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("reading font: %w", err)
	}
	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(fontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    fontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, sg *analysis.Spectrogram, title string, bounds PowerBounds) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	if err := a.drawFrequencyScale(img, sg); err != nil {
		return fmt.Errorf("drawing frequency scale: %w", err)
	}
	if err := a.drawTimeScale(img, sg); err != nil {
		return fmt.Errorf("drawing time scale: %w", err)
	}
	if err := a.drawInfoBar(img, sg, title, bounds); err != nil {
		return fmt.Errorf("drawing info bar: %w", err)
	}
	return nil
}

func (a *annotator) drawFrequencyScale(img *image.RGBA, sg *analysis.Spectrogram) error {
	fMax := sg.Freqs[len(sg.Freqs)-1]
	step := niceFrequencyStep(fMax, sg.NumCol)

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := defaultTopBorder - fontHeight/2

	for f := 0.0; f <= fMax; f += step {
		x := defaultLeftBorder + int(f/fMax*float64(sg.NumCol-1))

		for y := defaultTopBorder - tickMarkLength; y < defaultTopBorder; y++ {
			img.Set(x, y, color.Black)
		}

		label := formatHz(f)
		width := font.MeasureString(a.fontFace, label)
		pt := freetype.Pt(x-(width.Round()/2), textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing frequency label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawTimeScale(img *image.RGBA, sg *analysis.Spectrogram) error {
	duration := sg.Duration()
	if duration <= 0 {
		return nil
	}
	step := niceTimeStep(duration, sg.NumRow)

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()

	for tsec := 0.0; tsec <= duration; tsec += step {
		imgY := defaultTopBorder + int(tsec/duration*float64(sg.NumRow-1))

		for x := defaultLeftBorder - tickMarkLength; x < defaultLeftBorder; x++ {
			img.Set(x, imgY, color.Black)
		}

		label := fmt.Sprintf("%.0fs", tsec)
		textY := imgY + fontHeight/2 - metrics.Descent.Round()
		pt := freetype.Pt(10, textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, sg *analysis.Spectrogram, title string, bounds PowerBounds) error {
	fMax := sg.Freqs[len(sg.Freqs)-1]
	info := fmt.Sprintf("%s; 0 - %s; %.1fs; %.0f to %.0f dB; 1px = %s x %.2fs",
		title, formatHz(fMax), sg.Duration(), bounds.Min, bounds.Max,
		formatHz(fMax/float64(sg.NumCol)), sg.Duration()/float64(sg.NumRow))

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := img.Bounds().Max.Y - (defaultBottomBorder-fontHeight)/2 - metrics.Descent.Round()

	pt := freetype.Pt(defaultLeftBorder, textY)
	if _, err := a.context.DrawString(info, pt); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}

func formatHz(hz float64) string {
	v, suffix := humanize.ComputeSI(hz)
	return fmt.Sprintf("%.0f %sHz", v, suffix)
}

// niceFrequencyStep picks a round Hz step that yields readable label spacing.
func niceFrequencyStep(fMax float64, width int) float64 {
	steps := []float64{10, 25, 50, 100, 250, 500, 1000, 2500}

	desired := float64(width) / pixelsPerLabel
	if desired < 2 {
		desired = 2
	}
	target := fMax / desired

	for _, step := range steps {
		if step >= target {
			return step
		}
	}
	return fMax / 2
}

// niceTimeStep picks a round seconds step aiming for about one label per
// hundred rows.
func niceTimeStep(duration float64, height int) float64 {
	steps := []float64{1, 2, 5, 10, 15, 30, 60, 120, 300}

	desired := float64(height) / 100
	if desired < 2 {
		desired = 2
	}
	target := duration / desired

	for _, step := range steps {
		if step >= target {
			return step
		}
	}
	return math.Max(duration/2, 1)
}
