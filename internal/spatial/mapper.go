// Package spatial maps genome coordinates (path, step) to pixel rectangles in
// the wrapped tile image and back.
//
// Every path starts on a fresh image row. A step lands on column
// step % MapWidth of row CumulativeRowsBefore(path) + step / MapWidth. Each
// tile covers TilePixelSize pixels and is followed by BorderPixelSize pixels
// of border, and coordinates are shifted so the first tile starts at
// -BorderPixelSize.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/slippy-genome/server/internal/offsets"
)

var (
	// ErrUnsupportedMultiBoundarySpan is returned for spans that wrap across
	// more than one image row boundary.
	ErrUnsupportedMultiBoundarySpan = errors.New("span crosses more than one row boundary")
	// ErrNoPixelMatch is returned when a pixel lies outside the mapped space.
	ErrNoPixelMatch = errors.New("no tile at pixel")
	// ErrInvertedSpan is returned when a span ends before it starts.
	ErrInvertedSpan = errors.New("span ends before it starts")
	// ErrInvalidStep is returned for negative steps.
	ErrInvalidStep = errors.New("invalid step")
	// ErrInvalidConfig is returned by New for unusable mapping settings.
	ErrInvalidConfig = errors.New("invalid mapping config")
)

// Config holds the mapping geometry shared by every caller of a view.
type Config struct {
	MapWidth        int `json:"map_width"`
	TilePixelSize   int `json:"tile_pixel_size"`
	BorderPixelSize int `json:"border_pixel_size"`
}

// Validate reports whether the geometry can be used for mapping.
func (c Config) Validate() error {
	if c.MapWidth <= 0 {
		return fmt.Errorf("%w: map_width must be positive, got %d", ErrInvalidConfig, c.MapWidth)
	}
	if c.TilePixelSize <= 0 {
		return fmt.Errorf("%w: tile_pixel_size must be positive, got %d", ErrInvalidConfig, c.TilePixelSize)
	}
	if c.BorderPixelSize < 0 {
		return fmt.Errorf("%w: border_pixel_size must not be negative, got %d", ErrInvalidConfig, c.BorderPixelSize)
	}
	return nil
}

// Pitch is the distance in pixels between the starts of adjacent tiles.
func (c Config) Pitch() int {
	return c.TilePixelSize + c.BorderPixelSize
}

// Location is a position in the genome's linear coordinate system.
type Location struct {
	Path int `json:"path"`
	Step int `json:"step"`
}

// Span is an inclusive range of tiles between two locations.
type Span struct {
	ID        string `json:"id"`
	StartPath int    `json:"start_path"`
	StartStep int    `json:"start_step"`
	EndPath   int    `json:"end_path"`
	EndStep   int    `json:"end_step"`
}

// Start returns the first location of the span.
func (s Span) Start() Location { return Location{Path: s.StartPath, Step: s.StartStep} }

// End returns the last location of the span.
func (s Span) End() Location { return Location{Path: s.EndPath, Step: s.EndStep} }

// Point is a position in image pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned pixel rectangle.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"width"`
	H int `json:"height"`
}

// Intersects reports whether r and o overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Segment is one rectangle of a placed span, covering columns
// FirstCol..LastCol of a single image row.
type Segment struct {
	Row      int  `json:"row"`
	FirstCol int  `json:"first_col"`
	LastCol  int  `json:"last_col"`
	Rect     Rect `json:"rect"`
}

// Mapper converts between genome and pixel coordinates for one view.
// It is safe for concurrent use.
type Mapper struct {
	cfg   Config
	table *offsets.Table
}

// New creates a mapper over an already loaded offset table.
func New(cfg Config, table *offsets.Table) (*Mapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("%w: nil offset table", ErrInvalidConfig)
	}
	return &Mapper{cfg: cfg, table: table}, nil
}

// Config returns the mapper's geometry.
func (m *Mapper) Config() Config {
	return m.cfg
}

// Table returns the offset table the mapper reads from.
func (m *Mapper) Table() *offsets.Table {
	return m.table
}

// Bounds returns the pixel rectangle covering every mapped tile.
func (m *Mapper) Bounds() Rect {
	return Rect{
		X: -m.cfg.BorderPixelSize,
		Y: -m.cfg.BorderPixelSize,
		W: m.cfg.MapWidth * m.cfg.Pitch(),
		H: m.table.TotalRows() * m.cfg.Pitch(),
	}
}

// cell returns the global image row and column of a location.
func (m *Mapper) cell(loc Location) (row, col int, err error) {
	if loc.Step < 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidStep, loc.Step)
	}
	rows, err := m.table.OffsetOf(loc.Path)
	if err != nil {
		return 0, 0, err
	}
	within := loc.Step / m.cfg.MapWidth
	if within >= rows {
		return 0, 0, fmt.Errorf("%w: step %d is past the %d row(s) of path %d", ErrInvalidStep, loc.Step, rows, loc.Path)
	}
	start, err := m.table.CumulativeRowsBefore(loc.Path)
	if err != nil {
		return 0, 0, err
	}
	return start + within, loc.Step % m.cfg.MapWidth, nil
}

// coord converts a row or column index to its leading pixel coordinate.
func (m *Mapper) coord(i int) int {
	return i*m.cfg.Pitch() - m.cfg.BorderPixelSize
}

// segment builds the rectangle covering columns first..last of one row.
func (m *Mapper) segment(row, first, last int) Segment {
	x0 := m.coord(first)
	return Segment{
		Row:      row,
		FirstCol: first,
		LastCol:  last,
		Rect: Rect{
			X: x0,
			Y: m.coord(row),
			W: m.coord(last) + m.cfg.TilePixelSize - x0,
			H: m.cfg.TilePixelSize,
		},
	}
}

// StepRect returns the rectangle of the single tile at loc.
func (m *Mapper) StepRect(loc Location) (Rect, error) {
	row, col, err := m.cell(loc)
	if err != nil {
		return Rect{}, err
	}
	return m.segment(row, col, col).Rect, nil
}

// ToPixelRects places a span. A span on one image row yields one segment; a
// span that wraps onto the next row yields two, the first running to the end
// of the start row and the second starting at column 0 of the end row.
func (m *Mapper) ToPixelRects(span Span) ([]Segment, error) {
	startRow, startCol, err := m.cell(span.Start())
	if err != nil {
		return nil, fmt.Errorf("span %q start: %w", span.ID, err)
	}
	endRow, endCol, err := m.cell(span.End())
	if err != nil {
		return nil, fmt.Errorf("span %q end: %w", span.ID, err)
	}

	switch {
	case endRow < startRow || (endRow == startRow && endCol < startCol):
		return nil, fmt.Errorf("span %q: %w", span.ID, ErrInvertedSpan)
	case endRow == startRow:
		return []Segment{m.segment(startRow, startCol, endCol)}, nil
	case endRow == startRow+1:
		return []Segment{
			m.segment(startRow, startCol, m.cfg.MapWidth-1),
			m.segment(endRow, 0, endCol),
		}, nil
	default:
		return nil, fmt.Errorf("span %q covers rows %d..%d: %w", span.ID, startRow, endRow, ErrUnsupportedMultiBoundarySpan)
	}
}

// Center returns the point a viewer should focus on to show span: the middle
// of the span for a single segment, or the start of the wrapped part for a
// span split over two rows.
func (m *Mapper) Center(span Span) (Point, error) {
	segs, err := m.ToPixelRects(span)
	if err != nil {
		return Point{}, err
	}
	r := segs[len(segs)-1].Rect
	if len(segs) == 1 {
		return Point{X: float64(r.X) + float64(r.W)/2, Y: float64(r.Y) + float64(r.H)/2}, nil
	}
	return Point{X: float64(r.X), Y: float64(r.Y) + float64(r.H)/2}, nil
}

// FromPixel resolves a point in image space to the tile under it. Border
// pixels belong to the tile on their left or above.
func (m *Mapper) FromPixel(p Point) (Location, error) {
	pitch := float64(m.cfg.Pitch())
	border := float64(m.cfg.BorderPixelSize)
	cf := math.Floor((p.X + border) / pitch)
	rf := math.Floor((p.Y + border) / pitch)
	// NaN fails every comparison, so test for the valid range.
	if !(cf >= 0 && rf >= 0) {
		return Location{}, fmt.Errorf("%w: (%g, %g)", ErrNoPixelMatch, p.X, p.Y)
	}
	if cf >= float64(m.cfg.MapWidth) {
		return Location{}, fmt.Errorf("%w: (%g, %g) is right of the map", ErrNoPixelMatch, p.X, p.Y)
	}
	if rf >= float64(m.table.TotalRows()) {
		return Location{}, fmt.Errorf("%w: (%g, %g) is below the map", ErrNoPixelMatch, p.X, p.Y)
	}
	col, row := int(cf), int(rf)

	path, within, ok := m.table.PathForRow(row)
	if !ok {
		return Location{}, fmt.Errorf("%w: (%g, %g) is below the map", ErrNoPixelMatch, p.X, p.Y)
	}
	return Location{Path: path, Step: col + m.cfg.MapWidth*within}, nil
}
