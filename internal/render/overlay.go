// Package render draws placed overlays using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/slippy-genome/server/internal/placement"
	"github.com/slippy-genome/server/internal/spatial"
	"github.com/slippy-genome/server/pkg/colormap"
)

// ErrRegionTooLarge is returned when a requested image exceeds MaxPixels.
var ErrRegionTooLarge = errors.New("overlay region too large")

// Config contains renderer configuration.
type Config struct {
	// MaxPixels caps width*height of a rendered image.
	MaxPixels int
	Highlight colormap.Style
	Broken    colormap.Style
	// Palette, when set, colors unbroken records by id instead of Highlight.
	Palette colormap.Colormap
}

// OverlayRenderer renders placement records into transparent PNGs.
type OverlayRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewOverlayRenderer creates a new overlay renderer.
func NewOverlayRenderer(cfg Config) *OverlayRenderer {
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 4096 * 4096
	}
	if cfg.Highlight == (colormap.Style{}) {
		cfg.Highlight = colormap.Highlight
	}
	if cfg.Broken == (colormap.Style{}) {
		cfg.Broken = colormap.Broken
	}
	return &OverlayRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderRegion draws every segment of records that falls inside region. The
// output image covers region scaled by scale (1 = one image pixel per output
// pixel).
func (r *OverlayRenderer) RenderRegion(region spatial.Rect, scale float64, records []placement.Record) ([]byte, error) {
	if !(scale > 0) || math.IsInf(scale, 1) {
		return nil, fmt.Errorf("invalid scale %g", scale)
	}
	fw := math.Ceil(float64(region.W) * scale)
	fh := math.Ceil(float64(region.H) * scale)
	if fw <= 0 || fh <= 0 {
		return nil, fmt.Errorf("empty overlay region %+v", region)
	}
	if fw*fh > float64(r.config.MaxPixels) {
		return nil, fmt.Errorf("%w: %gx%g", ErrRegionTooLarge, fw, fh)
	}
	w, h := int(fw), int(fh)
	if len(records) == 0 {
		return r.EmptyOverlay(w, h)
	}

	dc := gg.NewContext(w, h)
	dc.Scale(scale, scale)
	dc.Translate(-float64(region.X), -float64(region.Y))
	dc.SetLineWidth(1 / scale)

	for _, rec := range records {
		style := r.style(rec)
		for _, s := range rec.Segments {
			if !s.Rect.Intersects(region) {
				continue
			}
			x, y := float64(s.Rect.X), float64(s.Rect.Y)
			rw, rh := float64(s.Rect.W), float64(s.Rect.H)

			dc.DrawRectangle(x, y, rw, rh)
			dc.SetColor(style.Fill)
			dc.FillPreserve()
			dc.SetColor(style.Stroke)
			dc.Stroke()
		}
	}

	return r.encode(dc.Image())
}

func (r *OverlayRenderer) style(rec placement.Record) colormap.Style {
	switch {
	case rec.Broken:
		return r.config.Broken
	case r.config.Palette != nil:
		h := fnv.New32a()
		h.Write([]byte(rec.ID))
		return colormap.StyleFor(r.config.Palette.AtIndex(int(h.Sum32()>>1)), 96)
	default:
		return r.config.Highlight
	}
}

func (r *OverlayRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyOverlay creates a fully transparent image of the given size.
func (r *OverlayRenderer) EmptyOverlay(w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 || w > r.config.MaxPixels/h {
		return nil, fmt.Errorf("%w: %dx%d", ErrRegionTooLarge, w, h)
	}
	return r.encode(image.NewNRGBA(image.Rect(0, 0, w, h)))
}
