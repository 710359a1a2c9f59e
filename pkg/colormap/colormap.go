// Package colormap provides colors for overlay rendering.
package colormap

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Colormap maps indices to colors.
type Colormap interface {
	AtIndex(i int) color.Color
}

// CategoricalColormap is a fixed palette of distinct colors.
type CategoricalColormap struct {
	colors []color.RGBA
}

// AtIndex returns color at index (wraps around).
func (c CategoricalColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return c.colors[i%len(c.colors)]
}

// Len returns the number of colors in the palette.
func (c CategoricalColormap) Len() int {
	return len(c.colors)
}

// Categorical colormap with 10 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
	},
}

// Style is the fill and outline used to draw one kind of overlay.
type Style struct {
	Fill   color.RGBA
	Stroke color.RGBA
}

// StyleFor returns a style with a translucent fill of c at alpha and an
// opaque outline of c.
func StyleFor(c color.Color, alpha uint8) Style {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return Style{
		Fill:   color.RGBAModel.Convert(color.NRGBA{R: n.R, G: n.G, B: n.B, A: alpha}).(color.RGBA),
		Stroke: color.RGBA{R: n.R, G: n.G, B: n.B, A: 255},
	}
}

// Highlight is the style of an overlay drawn as a single rectangle.
var Highlight = StyleFor(color.RGBA{255, 215, 0, 255}, 96)

// Broken is the style of the two halves of a wrapped overlay.
var Broken = StyleFor(color.RGBA{220, 20, 60, 255}, 96)

// ParseHex parses #rgb, #rrggbb or #rrggbbaa.
func ParseHex(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
