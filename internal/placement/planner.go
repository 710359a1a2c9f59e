// Package placement turns genome spans into overlay records for the viewer.
package placement

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sort"
	"sync"

	"github.com/slippy-genome/server/internal/spatial"
)

// ErrDuplicatePlacement marks a span whose id is already placed.
var ErrDuplicatePlacement = errors.New("duplicate placement")

// Suffixes appended to a record id to name the two overlays of a wrapped span.
const (
	PartOneSuffix = "part1"
	PartTwoSuffix = "part2"
)

// Item is a span to place together with its display metadata.
type Item struct {
	spatial.Span
	Label string   `json:"label"`
	Links []string `json:"links,omitempty"`
}

// Overlay is one rectangle handed to the viewer.
type Overlay struct {
	ID    string       `json:"id"`
	Label string       `json:"label"`
	Rect  spatial.Rect `json:"rect"`
}

// Record is a placed span.
type Record struct {
	ID       string            `json:"id"`
	Label    string            `json:"label"`
	Links    []string          `json:"links,omitempty"`
	Span     spatial.Span      `json:"span"`
	Segments []spatial.Segment `json:"segments"`
	// Broken is set when the span wraps and is drawn as two overlays.
	Broken bool `json:"broken"`
}

// Overlays returns the viewer overlays for the record. A wrapped record
// yields <id>part1 and <id>part2.
func (r Record) Overlays() []Overlay {
	if !r.Broken {
		return []Overlay{{ID: r.ID, Label: r.Label, Rect: r.Segments[0].Rect}}
	}
	return []Overlay{
		{ID: r.ID + PartOneSuffix, Label: r.Label + " (part 1)", Rect: r.Segments[0].Rect},
		{ID: r.ID + PartTwoSuffix, Label: r.Label + " (part 2)", Rect: r.Segments[1].Rect},
	}
}

// Diagnostic describes a span the planner skipped.
type Diagnostic struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// Message returns the diagnostic's error text.
func (d Diagnostic) Message() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Error()
}

// Duplicate reports whether the span was skipped because it was already placed.
func (d Diagnostic) Duplicate() bool {
	return errors.Is(d.Err, ErrDuplicatePlacement)
}

// Outcome is the result of processing one item: exactly one of Record or
// Diagnostic is set.
type Outcome struct {
	Record     *Record
	Diagnostic *Diagnostic
}

// Progress is called after each processed item.
type Progress func(done, total int)

// Result collects the outcomes of a batch.
type Result struct {
	Records     []Record
	Diagnostics []Diagnostic
	Processed   int
	Total       int
}

// Viewer is the collaborator that can move the visible viewport.
type Viewer interface {
	CenterOn(p spatial.Point, maxZoom bool)
}

// Planner places spans once each and remembers what it placed.
type Planner struct {
	mapper *spatial.Mapper

	mu      sync.Mutex
	records map[string]Record
	order   []string
	// overlayIDs maps every overlay id (including part suffixes) to its record id.
	overlayIDs map[string]string
}

// NewPlanner creates a planner with an empty placement set.
func NewPlanner(mapper *spatial.Mapper) *Planner {
	return &Planner{
		mapper:     mapper,
		records:    make(map[string]Record),
		overlayIDs: make(map[string]string),
	}
}

// Mapper returns the mapper used for placement.
func (p *Planner) Mapper() *spatial.Mapper {
	return p.mapper
}

// Placed reports whether id, or a wrapped overlay derived from it, is placed.
func (p *Planner) Placed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placedLocked(id)
}

func (p *Planner) placedLocked(id string) bool {
	if _, ok := p.overlayIDs[id]; ok {
		return true
	}
	_, ok := p.overlayIDs[id+PartOneSuffix]
	return ok
}

// Place maps a single item and records it. Placing an id twice is a no-op
// reported as ErrDuplicatePlacement.
func (p *Planner) Place(item Item) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.placedLocked(item.ID) {
		log.Printf("[placement] found a copy of %s, skipping", item.ID)
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicatePlacement, item.ID)
	}

	segs, err := p.mapper.ToPixelRects(item.Span)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:       item.ID,
		Label:    item.Label,
		Links:    item.Links,
		Span:     item.Span,
		Segments: segs,
		Broken:   len(segs) > 1,
	}
	p.records[rec.ID] = rec
	p.order = append(p.order, rec.ID)
	p.overlayIDs[rec.ID] = rec.ID
	for _, o := range rec.Overlays() {
		p.overlayIDs[o.ID] = rec.ID
	}
	return rec, nil
}

// PlaceAndCenter places item and asks the viewer to focus on it. The viewer
// is centered even when the item was already placed.
func (p *Planner) PlaceAndCenter(item Item, v Viewer) (Record, error) {
	rec, err := p.Place(item)
	if err != nil && !errors.Is(err, ErrDuplicatePlacement) {
		return rec, err
	}
	if v != nil {
		center, cerr := p.mapper.Center(item.Span)
		if cerr == nil {
			v.CenterOn(center, true)
		}
	}
	return rec, err
}

// Steps lazily places items one at a time. Stopping the iteration stops
// placement; items already placed stay placed.
func (p *Planner) Steps(items []Item) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		for _, item := range items {
			rec, err := p.Place(item)
			var out Outcome
			if err != nil {
				out.Diagnostic = &Diagnostic{ID: item.ID, Err: err}
			} else {
				out.Record = &rec
			}
			if !yield(out) {
				return
			}
		}
	}
}

// Run places items until they are exhausted or ctx is cancelled, calling
// progress after each item. Mapping errors and duplicates are collected as
// diagnostics and never stop the batch. On cancellation the partial result is
// returned along with ctx's error.
func (p *Planner) Run(ctx context.Context, items []Item, progress Progress) (Result, error) {
	res := Result{Total: len(items)}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	for out := range p.Steps(items) {
		res.Processed++
		if out.Record != nil {
			res.Records = append(res.Records, *out.Record)
		} else {
			res.Diagnostics = append(res.Diagnostics, *out.Diagnostic)
		}
		if progress != nil {
			progress(res.Processed, res.Total)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Record returns the placed record with the given record or overlay id.
func (p *Planner) Record(id string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recID, ok := p.overlayIDs[id]
	if !ok {
		return Record{}, false
	}
	rec, ok := p.records[recID]
	return rec, ok
}

// Records returns all placed records in placement order.
func (p *Planner) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.records[id])
	}
	return out
}

// Len returns the number of placed records.
func (p *Planner) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Remove forgets a placed record so its id can be placed again.
func (p *Planner) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	recID, ok := p.overlayIDs[id]
	if !ok {
		return false
	}
	rec := p.records[recID]
	delete(p.records, recID)
	delete(p.overlayIDs, recID)
	for _, o := range rec.Overlays() {
		delete(p.overlayIDs, o.ID)
	}
	for i, v := range p.order {
		if v == recID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Reset drops every placement.
func (p *Planner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]Record)
	p.overlayIDs = make(map[string]string)
	p.order = nil
}

// At returns the records whose segments contain pixel pt, sorted by id.
func (p *Planner) At(pt spatial.Point) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Record
	for _, rec := range p.records {
		for _, s := range rec.Segments {
			r := s.Rect
			if pt.X >= float64(r.X) && pt.X < float64(r.X+r.W) && pt.Y >= float64(r.Y) && pt.Y < float64(r.Y+r.H) {
				out = append(out, rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Within returns the records with at least one segment intersecting region,
// in placement order.
func (p *Planner) Within(region spatial.Rect) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Record
	for _, id := range p.order {
		rec := p.records[id]
		for _, s := range rec.Segments {
			if s.Rect.Intersects(region) {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}
