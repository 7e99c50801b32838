package domain

import (
	"fmt"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Layer palette parameters.
const (
	paletteHueStep    = 60
	paletteSaturation = 0.70
	paletteLightness  = 0.50
)

// Color is an 8-bit RGB color.
type Color struct {
	R uint8
	G uint8
	B uint8
}

// ColorForIndex returns the render color of the i-th layer. The hue advances
// 60 degrees per index at fixed saturation and lightness, so colors repeat
// every six layers.
func ColorForIndex(i int) Color {
	hue := ((i*paletteHueStep)%360 + 360) % 360
	r, g, b := colorful.Hsl(float64(hue), paletteSaturation, paletteLightness).RGB255()
	return Color{R: r, G: g, B: b}
}

// Hex returns the color as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// String returns the color in CSS rgb() notation.
func (c Color) String() string {
	return fmt.Sprintf("rgb(%d, %d, %d)", c.R, c.G, c.B)
}

// RGBA returns the color as 0-255 components with the given alpha.
func (c Color) RGBA(alpha float64) [4]float64 {
	return [4]float64{float64(c.R), float64(c.G), float64(c.B), alpha}
}
