package placement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/slippy-genome/server/internal/offsets"
	"github.com/slippy-genome/server/internal/spatial"
)

func newTestPlanner(t *testing.T, rows ...int) *Planner {
	t.Helper()
	tbl, err := offsets.New(rows)
	if err != nil {
		t.Fatalf("offsets.New: %v", err)
	}
	m, err := spatial.New(spatial.Config{MapWidth: 8000, TilePixelSize: 30, BorderPixelSize: 2}, tbl)
	if err != nil {
		t.Fatalf("spatial.New: %v", err)
	}
	return NewPlanner(m)
}

func gene(id string, startPath, startStep, endPath, endStep int) Item {
	return Item{
		Span:  spatial.Span{ID: id, StartPath: startPath, StartStep: startStep, EndPath: endPath, EndStep: endStep},
		Label: id,
	}
}

type recordingViewer struct {
	points []spatial.Point
}

func (v *recordingViewer) CenterOn(p spatial.Point, maxZoom bool) {
	v.points = append(v.points, p)
}

func TestPlace_DuplicateIsNoop(t *testing.T) {
	p := newTestPlanner(t, 2)

	if _, err := p.Place(gene("BRCA2", 0, 10, 0, 20)); err != nil {
		t.Fatalf("first Place: %v", err)
	}
	_, err := p.Place(gene("BRCA2", 0, 10, 0, 20))
	if !errors.Is(err, ErrDuplicatePlacement) {
		t.Fatalf("second Place error = %v, want ErrDuplicatePlacement", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", p.Len())
	}

	res, err := p.Run(context.Background(), []Item{gene("BRCA2", 0, 10, 0, 20)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 0 || len(res.Diagnostics) != 1 || !res.Diagnostics[0].Duplicate() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPlace_WrappedOverlays(t *testing.T) {
	p := newTestPlanner(t, 2)

	rec, err := p.Place(gene("TTN", 0, 7999, 0, 8001))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !rec.Broken {
		t.Fatal("expected a broken record")
	}
	ovs := rec.Overlays()
	if len(ovs) != 2 || ovs[0].ID != "TTNpart1" || ovs[1].ID != "TTNpart2" {
		t.Fatalf("unexpected overlays %+v", ovs)
	}
	if ovs[0].Label != "TTN (part 1)" {
		t.Errorf("label = %q", ovs[0].Label)
	}

	for _, id := range []string{"TTN", "TTNpart1", "TTNpart2"} {
		if !p.Placed(id) {
			t.Errorf("Placed(%q) = false", id)
		}
		if rec, ok := p.Record(id); !ok || rec.ID != "TTN" {
			t.Errorf("Record(%q) = %+v, %v", id, rec, ok)
		}
	}

	// A single-row span is deduplicated against the wrapped one.
	if _, err := p.Place(gene("TTN", 0, 1, 0, 2)); !errors.Is(err, ErrDuplicatePlacement) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestRun_ContinuesPastBadSpans(t *testing.T) {
	p := newTestPlanner(t, 3)

	items := []Item{
		gene("A", 0, 0, 0, 5),
		gene("B", 0, 0, 0, 20000), // crosses two boundaries
		gene("C", 4, 0, 4, 1),     // no such path
		gene("D", 0, 100, 0, 50),  // inverted
		gene("E", 0, 8000, 0, 8005),
	}
	var calls [][2]int
	res, err := p.Run(context.Background(), items, func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 2 || res.Records[0].ID != "A" || res.Records[1].ID != "E" {
		t.Fatalf("unexpected records %+v", res.Records)
	}
	if len(res.Diagnostics) != 3 {
		t.Fatalf("expected 3 diagnostics, got %d", len(res.Diagnostics))
	}
	if !errors.Is(res.Diagnostics[0].Err, spatial.ErrUnsupportedMultiBoundarySpan) {
		t.Errorf("diagnostic B = %v", res.Diagnostics[0].Err)
	}
	if !errors.Is(res.Diagnostics[1].Err, offsets.ErrPathOutOfRange) {
		t.Errorf("diagnostic C = %v", res.Diagnostics[1].Err)
	}
	if !errors.Is(res.Diagnostics[2].Err, spatial.ErrInvertedSpan) {
		t.Errorf("diagnostic D = %v", res.Diagnostics[2].Err)
	}
	if len(calls) != 5 || calls[4] != [2]int{5, 5} {
		t.Fatalf("unexpected progress calls %v", calls)
	}
}

func TestRun_CancelStopsProcessing(t *testing.T) {
	const total, stopAfter = 10, 4

	p := newTestPlanner(t, 1)
	items := make([]Item, total)
	for i := range items {
		items[i] = gene(fmt.Sprintf("g%d", i), 0, i*10, 0, i*10+5)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := p.Run(ctx, items, func(done, _ int) {
		if done == stopAfter {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(res.Records) != stopAfter || res.Processed != stopAfter {
		t.Fatalf("expected %d records, got %d (processed %d)", stopAfter, len(res.Records), res.Processed)
	}
	if p.Len() != stopAfter {
		t.Fatalf("planner holds %d records, want %d", p.Len(), stopAfter)
	}
	if p.Placed(fmt.Sprintf("g%d", stopAfter)) {
		t.Fatal("item after cancellation was placed")
	}
}

func TestRun_AlreadyCancelled(t *testing.T) {
	p := newTestPlanner(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Run(ctx, []Item{gene("a", 0, 0, 0, 0)}, nil)
	if !errors.Is(err, context.Canceled) || res.Processed != 0 || p.Len() != 0 {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
}

func TestSteps_Lazy(t *testing.T) {
	p := newTestPlanner(t, 1)
	items := []Item{gene("a", 0, 0, 0, 0), gene("b", 0, 1, 0, 1), gene("c", 0, 2, 0, 2)}

	for out := range p.Steps(items) {
		if out.Record == nil || out.Record.ID != "a" {
			t.Fatalf("unexpected first outcome %+v", out)
		}
		break
	}
	if p.Len() != 1 || p.Placed("b") {
		t.Fatalf("iteration did not stop after the first item: %d placed", p.Len())
	}
}

func TestPlaceAndCenter(t *testing.T) {
	p := newTestPlanner(t, 1)
	v := &recordingViewer{}

	if _, err := p.PlaceAndCenter(gene("a", 0, 0, 0, 1), v); err != nil {
		t.Fatalf("PlaceAndCenter: %v", err)
	}
	if _, err := p.PlaceAndCenter(gene("a", 0, 0, 0, 1), v); !errors.Is(err, ErrDuplicatePlacement) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if len(v.points) != 2 {
		t.Fatalf("expected 2 center commands, got %d", len(v.points))
	}
	if v.points[0] != v.points[1] {
		t.Fatalf("center moved between calls: %+v", v.points)
	}
}

func TestRemoveAndQueries(t *testing.T) {
	p := newTestPlanner(t, 2)
	if _, err := p.Place(gene("w", 0, 7990, 0, 8003)); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if _, err := p.Place(gene("s", 0, 0, 0, 3)); err != nil {
		t.Fatalf("Place: %v", err)
	}

	hits := p.At(spatial.Point{X: 5, Y: 5})
	if len(hits) != 1 || hits[0].ID != "s" {
		t.Fatalf("At = %+v", hits)
	}
	in := p.Within(spatial.Rect{X: 0, Y: 32, W: 100, H: 10})
	if len(in) != 1 || in[0].ID != "w" {
		t.Fatalf("Within = %+v", in)
	}

	if !p.Remove("wpart2") {
		t.Fatal("Remove by overlay id failed")
	}
	if p.Placed("w") || p.Placed("wpart1") {
		t.Fatal("wrapped record still placed after Remove")
	}
	if recs := p.Records(); len(recs) != 1 || recs[0].ID != "s" {
		t.Fatalf("Records = %+v", recs)
	}
	if _, err := p.Place(gene("w", 0, 7990, 0, 8003)); err != nil {
		t.Fatalf("re-Place after Remove: %v", err)
	}

	p.Reset()
	if p.Len() != 0 {
		t.Fatalf("Len after Reset = %d", p.Len())
	}
}
