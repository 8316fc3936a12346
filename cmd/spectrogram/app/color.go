package app

import (
	"image/color"
	"math"
)

// ColorTheme selects a power-to-color gradient.
type ColorTheme string

const (
	ClassicTheme   ColorTheme = "classic"   // Blue to red transition
	GrayscaleTheme ColorTheme = "grayscale" // Black to white transition
	ThermalTheme   ColorTheme = "thermal"   // Black to red to yellow to white
	DefaultTheme   ColorTheme = "enhanced"  // Multi-stage, better low-power contrast

	colorMapSize = 256
)

func validTheme(t ColorTheme) bool {
	switch t {
	case ClassicTheme, GrayscaleTheme, ThermalTheme, DefaultTheme:
		return true
	}
	return false
}

// ColorMapper maps dB power values onto a pre-computed gradient.
type ColorMapper struct {
	colorMap  []color.Color
	boundsMin float64
	perIndex  float64
}

// NewColorMapper pre-computes the gradient for the given theme and bounds.
func NewColorMapper(theme ColorTheme, minDB, maxDB float64) *ColorMapper {
	cm := &ColorMapper{colorMap: make([]color.Color, colorMapSize)}
	fn := themeFunc(theme)
	for i := range cm.colorMap {
		cm.colorMap[i] = fn(float64(i) / float64(colorMapSize-1))
	}
	cm.boundsMin = minDB
	cm.perIndex = (maxDB - minDB) / float64(colorMapSize-1)
	return cm
}

// GetColor returns the gradient color for a dB value, clamped to the bounds.
func (cm *ColorMapper) GetColor(db float64) color.Color {
	if cm.perIndex <= 0 {
		return cm.colorMap[0]
	}
	index := int((db - cm.boundsMin) / cm.perIndex)
	if index < 0 {
		return cm.colorMap[0]
	}
	if index >= len(cm.colorMap) {
		return cm.colorMap[len(cm.colorMap)-1]
	}
	return cm.colorMap[index]
}

// HSV represents a color in HSV (Hue, Saturation, Value) color space.
type HSV struct {
	H float64 // Hue angle in degrees [0-360]
	S float64 // Saturation [0-1]
	V float64 // Value/Brightness [0-1]
}

// RGB converts HSV to RGB color space.
func (hsv HSV) RGB() color.Color {
	if hsv.S <= 0.0 {
		v := uint8(hsv.V * 255)
		return color.RGBA{R: v, G: v, B: v, A: 255}
	}

	h := hsv.H
	if h >= 360 {
		h -= 360
	}
	h /= 60

	i := int(h)
	f := h - float64(i)

	v := uint8(hsv.V * 255)
	p := uint8((hsv.V * (1 - hsv.S)) * 255)
	q := uint8((hsv.V * (1 - (hsv.S * f))) * 255)
	t := uint8((hsv.V * (1 - (hsv.S * (1 - f)))) * 255)

	switch i {
	case 0:
		return color.RGBA{R: v, G: t, B: p, A: 255}
	case 1:
		return color.RGBA{R: q, G: v, B: p, A: 255}
	case 2:
		return color.RGBA{R: p, G: v, B: t, A: 255}
	case 3:
		return color.RGBA{R: p, G: q, B: v, A: 255}
	case 4:
		return color.RGBA{R: t, G: p, B: v, A: 255}
	default: // case 5:
		return color.RGBA{R: v, G: p, B: q, A: 255}
	}
}

func themeFunc(theme ColorTheme) func(float64) color.Color {
	switch theme {
	case ClassicTheme:
		return func(power float64) color.Color {
			return HSV{
				H: 240 - (power * 240),
				S: 0.9 + (power * 0.1),
				V: math.Pow(power, 0.7),
			}.RGB()
		}

	case GrayscaleTheme:
		return func(power float64) color.Color {
			v := uint8(math.Pow(power, 0.7) * 255)
			return color.RGBA{R: v, G: v, B: v, A: 255}
		}

	case ThermalTheme:
		return func(power float64) color.Color {
			if power < 0.33 {
				return color.RGBA{R: uint8((power * 3) * 255), A: 255}
			}
			if power < 0.66 {
				return color.RGBA{R: 255, G: uint8(((power - 0.33) * 3) * 255), A: 255}
			}
			return color.RGBA{R: 255, G: 255, B: uint8(((power - 0.66) * 3) * 255), A: 255}
		}

	default: // enhanced
		return func(power float64) color.Color {
			power = math.Max(0, math.Min(1, power))
			enhanced := math.Pow(power, 0.7)

			switch {
			case power < 0.25:
				return HSV{H: 240, S: 1.0, V: enhanced * 4}.RGB()
			case power < 0.5:
				return HSV{H: 240 - ((power - 0.25) * 240), S: 1.0, V: enhanced * 1.5}.RGB()
			case power < 0.75:
				p := (power - 0.5) * 4
				return HSV{H: 180 - (p * 120), S: 1.0, V: math.Min(1.0, enhanced*1.5)}.RGB()
			default:
				p := (power - 0.75) * 4
				return HSV{H: 60 - (p * 60), S: 1.0, V: 1.0}.RGB()
			}
		}
	}
}
