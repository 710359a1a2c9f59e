package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/slippy-genome/server/internal/cache"
	"github.com/slippy-genome/server/internal/genestore"
	"github.com/slippy-genome/server/internal/genetable"
	"github.com/slippy-genome/server/internal/offsets"
	"github.com/slippy-genome/server/internal/placement"
	"github.com/slippy-genome/server/internal/render"
	"github.com/slippy-genome/server/internal/spatial"
)

// Path 0 spans two image rows of four tiles, path 1 a single row.
var testMapping = spatial.Config{MapWidth: 4, TilePixelSize: 10, BorderPixelSize: 2}

func testGenes() []genetable.Gene {
	return []genetable.Gene{
		{Name: "BRCA", StartTile: "1", EndTile: "2", URLs: "https://a|https://b", Groups: "cancer"},
		{Name: "WRAP", StartTile: "3", EndTile: "5", Groups: "cancer|misc"},
		{Name: "BAD", StartTile: "xyz", EndTile: "2", Groups: "cancer"},
	}
}

func newTestView(t *testing.T) *ViewService {
	t.Helper()

	tbl, err := offsets.New([]int{2, 1})
	if err != nil {
		t.Fatalf("offsets.New: %v", err)
	}
	cm, err := cache.NewManager(cache.Config{OverlayCacheSizeMB: 8, QueryCacheSize: 16})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	svc, err := NewViewService(context.Background(), ViewServiceConfig{
		ViewID:  "test",
		Mapping: testMapping,
		Resources: &Resources{
			Offsets:    tbl,
			Supertiles: []genetable.Supertile{{Name: "1.00", Num: 8}, {Name: "2.00", Num: 4}},
			Genes:      testGenes(),
		},
		Cache:    cm,
		Renderer: render.NewOverlayRenderer(render.Config{}),
	})
	if err != nil {
		t.Fatalf("NewViewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewViewService_RequiresOffsets(t *testing.T) {
	if _, err := NewViewService(context.Background(), ViewServiceConfig{ViewID: "x", Mapping: testMapping}); err == nil {
		t.Fatal("expected error without resources")
	}

	tbl, _ := offsets.New([]int{1})
	_, err := NewViewService(context.Background(), ViewServiceConfig{
		ViewID:    "x",
		Mapping:   spatial.Config{MapWidth: 0, TilePixelSize: 10},
		Resources: &Resources{Offsets: tbl},
	})
	if !errors.Is(err, spatial.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInfo(t *testing.T) {
	svc := newTestView(t)
	info := svc.Info(context.Background())

	if info.ID != "test" || info.Paths != 2 || info.TotalRows != 3 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Genes != 3 || info.Supertiles != 2 || info.Placed != 0 {
		t.Fatalf("unexpected counts %+v", info)
	}
	if info.Cache == nil {
		t.Fatal("expected cache stats")
	}
	if info.Bounds.W != 4*12 || info.Bounds.H != 3*12 {
		t.Fatalf("unexpected bounds %+v", info.Bounds)
	}
}

func TestPlaceGene_CenterAndDuplicate(t *testing.T) {
	svc := newTestView(t)
	ctx := context.Background()

	res, err := svc.PlaceGene(ctx, "BRCA", true)
	if err != nil {
		t.Fatalf("PlaceGene: %v", err)
	}
	if res.Record == nil || res.Record.Broken {
		t.Fatalf("unexpected record %+v", res.Record)
	}
	want := spatial.Rect{X: 10, Y: -2, W: 22, H: 10}
	if got := res.Record.Segments[0].Rect; got != want {
		t.Fatalf("rect = %+v, want %+v", got, want)
	}
	if res.Focus == nil || !res.Focus.MaxZoom {
		t.Fatalf("expected max zoom focus, got %+v", res.Focus)
	}
	if res.Focus.Point != (spatial.Point{X: 21, Y: 3}) {
		t.Fatalf("unexpected focus %+v", res.Focus.Point)
	}
	if svc.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", svc.Generation())
	}

	res, err = svc.PlaceGene(ctx, "BRCA", true)
	if !errors.Is(err, placement.ErrDuplicatePlacement) {
		t.Fatalf("expected ErrDuplicatePlacement, got %v", err)
	}
	if res.Record != nil || res.Focus == nil {
		t.Fatalf("duplicate should still focus: %+v", res)
	}
	if svc.Generation() != 1 {
		t.Fatalf("duplicate changed generation to %d", svc.Generation())
	}
}

func TestPlaceGene_Errors(t *testing.T) {
	svc := newTestView(t)
	ctx := context.Background()

	if _, err := svc.PlaceGene(ctx, "NOPE", false); !errors.Is(err, ErrGeneNotFound) {
		t.Fatalf("expected ErrGeneNotFound, got %v", err)
	}
	if _, err := svc.PlaceGene(ctx, "BAD", false); err == nil {
		t.Fatal("expected decode error for BAD")
	}
}

func TestGroupItems(t *testing.T) {
	svc := newTestView(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		items, diags, err := svc.GroupItems(ctx, "cancer")
		if err != nil {
			t.Fatalf("GroupItems: %v", err)
		}
		if len(items) != 2 || items[0].ID != "BRCA" || items[1].ID != "WRAP" {
			t.Fatalf("unexpected items %+v", items)
		}
		if len(items[0].Links) != 2 {
			t.Fatalf("expected links on BRCA, got %v", items[0].Links)
		}
		if len(diags) != 1 || diags[0].ID != "BAD" {
			t.Fatalf("unexpected diagnostics %+v", diags)
		}
	}

	if _, _, err := svc.GroupItems(ctx, "unknown"); !errors.Is(err, genestore.ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestPlaceBatch(t *testing.T) {
	svc := newTestView(t)
	ctx := context.Background()

	items, _, err := svc.GroupItems(ctx, "cancer")
	if err != nil {
		t.Fatalf("GroupItems: %v", err)
	}

	var calls int
	res, err := svc.PlaceBatch(ctx, items, func(done, total int) {
		calls++
		if total != 2 || done != calls {
			t.Errorf("progress(%d, %d) on call %d", done, total, calls)
		}
	})
	if err != nil {
		t.Fatalf("PlaceBatch: %v", err)
	}
	if len(res.Records) != 2 || calls != 2 {
		t.Fatalf("records=%d calls=%d", len(res.Records), calls)
	}
	if !res.Records[1].Broken {
		t.Fatal("expected WRAP to be broken over two rows")
	}
	if svc.Generation() == 0 {
		t.Fatal("expected generation bump")
	}

	res, err = svc.PlaceBatch(ctx, items, nil)
	if err != nil {
		t.Fatalf("PlaceBatch: %v", err)
	}
	if len(res.Records) != 0 || len(res.Diagnostics) != 2 || !res.Diagnostics[0].Duplicate() {
		t.Fatalf("expected duplicates on second run, got %+v", res)
	}
}

func TestPlaceSupertiles(t *testing.T) {
	svc := newTestView(t)

	res, err := svc.PlaceSupertiles(context.Background())
	if err != nil {
		t.Fatalf("PlaceSupertiles: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 supertiles, got %d", len(res.Records))
	}
	rec, ok := svc.Planner().Record("200")
	if !ok {
		t.Fatal("expected supertile 200")
	}
	if rec.Segments[0].Row != 2 || rec.Label != "Supertile 2.00 has 4 tiles" {
		t.Fatalf("unexpected supertile record %+v", rec)
	}
}

func TestClick(t *testing.T) {
	svc := newTestView(t)
	if _, err := svc.PlaceGene(context.Background(), "BRCA", false); err != nil {
		t.Fatalf("PlaceGene: %v", err)
	}

	res, err := svc.Click(spatial.Point{X: 15, Y: 3})
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if res.Location != (spatial.Location{Path: 0, Step: 1}) {
		t.Fatalf("unexpected location %+v", res.Location)
	}
	if res.Tile != (spatial.Rect{X: 10, Y: -2, W: 10, H: 10}) {
		t.Fatalf("unexpected tile %+v", res.Tile)
	}
	if len(res.Overlays) != 1 || res.Overlays[0].ID != "BRCA" || len(res.Links) != 2 {
		t.Fatalf("unexpected selection %+v", res)
	}

	res, err = svc.Click(spatial.Point{X: 15, Y: 27})
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if res.Location != (spatial.Location{Path: 1, Step: 1}) || len(res.Overlays) != 0 {
		t.Fatalf("unexpected click result %+v", res)
	}

	if _, err := svc.Click(spatial.Point{X: -5, Y: -5}); !errors.Is(err, spatial.ErrNoPixelMatch) {
		t.Fatalf("expected ErrNoPixelMatch, got %v", err)
	}
	if _, err := svc.Click(spatial.Point{X: 5, Y: 100}); !errors.Is(err, spatial.ErrNoPixelMatch) {
		t.Fatalf("expected ErrNoPixelMatch below the map, got %v", err)
	}
}

func TestOverlay_CachedPerGeneration(t *testing.T) {
	svc := newTestView(t)
	region := spatial.Rect{X: 0, Y: 0, W: 48, H: 36}

	empty, err := svc.Overlay(region, 1)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}

	if _, err := svc.PlaceGene(context.Background(), "BRCA", false); err != nil {
		t.Fatalf("PlaceGene: %v", err)
	}
	placed, err := svc.Overlay(region, 1)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if bytes.Equal(empty, placed) {
		t.Fatal("overlay did not change after placement")
	}
	again, err := svc.Overlay(region, 1)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if !bytes.Equal(placed, again) {
		t.Fatal("expected identical cached overlay")
	}

	if !svc.Remove("BRCA") {
		t.Fatal("Remove returned false")
	}
	if svc.Remove("BRCA") {
		t.Fatal("second Remove should return false")
	}
	cleared, err := svc.Overlay(region, 1)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if !bytes.Equal(empty, cleared) {
		t.Fatal("expected empty overlay after removal")
	}
}

func TestSearchAndGroups(t *testing.T) {
	svc := newTestView(t)
	ctx := context.Background()

	genes, err := svc.SearchGenes(ctx, "B", 10)
	if err != nil {
		t.Fatalf("SearchGenes: %v", err)
	}
	if len(genes) != 2 || genes[0].Name != "BAD" || genes[1].Name != "BRCA" {
		t.Fatalf("unexpected search result %+v", genes)
	}

	groups, err := svc.GeneGroups(ctx)
	if err != nil {
		t.Fatalf("GeneGroups: %v", err)
	}
	if groups["cancer"] != 3 || groups["misc"] != 1 {
		t.Fatalf("unexpected groups %v", groups)
	}
}

func TestLoadResources(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	cfg := LoadConfig{
		OffsetsPath:    write("offsets.txt", "2, 1,\n"),
		OffsetsFormat:  offsets.FormatRows,
		SupertilesPath: write("supertiles.csv", "name,num\n1.00,8\n2.00,4\n"),
		GenesPath:      write("genes.csv", "gene,start_tile,end_tile,urls,groups\nBRCA,1,2,https://a,cancer\n"),
	}
	res, err := LoadResources(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if res.Offsets.TotalRows() != 3 || len(res.Supertiles) != 2 || len(res.Genes) != 1 {
		t.Fatalf("unexpected resources %+v", res)
	}

	cfg.GenesPath = ""
	cfg.SupertilesPath = ""
	res, err = LoadResources(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LoadResources without tables: %v", err)
	}
	if res.Supertiles != nil || res.Genes != nil {
		t.Fatalf("expected no optional tables, got %+v", res)
	}

	cfg.OffsetsPath = filepath.Join(dir, "missing.txt")
	if _, err := LoadResources(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing offsets")
	}
}
