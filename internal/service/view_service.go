// Package service provides the per-view business logic of the map server.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/slippy-genome/server/internal/cache"
	"github.com/slippy-genome/server/internal/genestore"
	"github.com/slippy-genome/server/internal/genetable"
	"github.com/slippy-genome/server/internal/offsets"
	"github.com/slippy-genome/server/internal/placement"
	"github.com/slippy-genome/server/internal/render"
	"github.com/slippy-genome/server/internal/spatial"
)

// ErrGeneNotFound is returned when a gene name is not in the view's table.
var ErrGeneNotFound = errors.New("gene not found")

// Resources are the data a view is built from. Loading them is the view's
// initialization phase and must finish before any mapping call.
type Resources struct {
	Offsets    *offsets.Table
	Supertiles []genetable.Supertile
	Genes      []genetable.Gene
}

// LoadConfig names the files of one view.
type LoadConfig struct {
	OffsetsPath    string
	OffsetsFormat  offsets.Format
	SupertilesPath string
	GenesPath      string
}

// LoadResources reads a view's files concurrently. The offsets table is
// required; supertiles and genes are optional.
func LoadResources(ctx context.Context, cfg LoadConfig) (*Resources, error) {
	var (
		res     Resources
		wg      sync.WaitGroup
		offErr  error
		stErr   error
		geneErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		res.Offsets, offErr = offsets.Load(ctx, cfg.OffsetsPath, cfg.OffsetsFormat)
	}()

	if cfg.SupertilesPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Supertiles, stErr = genetable.LoadSupertiles(cfg.SupertilesPath)
		}()
	}

	if cfg.GenesPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Genes, geneErr = genetable.LoadGenes(cfg.GenesPath)
		}()
	}

	wg.Wait()

	if offErr != nil {
		return nil, offErr
	}
	if stErr != nil {
		return nil, stErr
	}
	if geneErr != nil {
		return nil, geneErr
	}
	return &res, nil
}

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	ViewID    string
	Mapping   spatial.Config
	Resources *Resources
	Cache     *cache.Manager
	Renderer  *render.OverlayRenderer
}

// ViewService owns the mapping core and placement state of one view.
type ViewService struct {
	viewID   string
	mapper   *spatial.Mapper
	planner  *placement.Planner
	genes    *genestore.Store
	cache    *cache.Manager
	renderer *render.OverlayRenderer

	supertiles []placement.Item

	// generation is bumped on every placement change; overlay cache keys use it.
	generation atomic.Uint64
}

// NewViewService builds the mapping core from already loaded resources.
func NewViewService(ctx context.Context, cfg ViewServiceConfig) (*ViewService, error) {
	if cfg.Resources == nil || cfg.Resources.Offsets == nil {
		return nil, fmt.Errorf("view %s: offsets not loaded", cfg.ViewID)
	}
	mapper, err := spatial.New(cfg.Mapping, cfg.Resources.Offsets)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", cfg.ViewID, err)
	}

	store, err := genestore.NewStore()
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", cfg.ViewID, err)
	}
	if err := store.Insert(ctx, cfg.Resources.Genes); err != nil {
		store.Close()
		return nil, fmt.Errorf("view %s: failed to index genes: %w", cfg.ViewID, err)
	}

	viewID := cfg.ViewID
	if viewID == "" {
		viewID = "default"
	}

	return &ViewService{
		viewID:     viewID,
		mapper:     mapper,
		planner:    placement.NewPlanner(mapper),
		genes:      store,
		cache:      cfg.Cache,
		renderer:   cfg.Renderer,
		supertiles: genetable.SupertileItems(cfg.Resources.Supertiles),
	}, nil
}

// Close releases the view's gene index. Placements are discarded.
func (s *ViewService) Close() error {
	s.planner.Reset()
	return s.genes.Close()
}

// ID returns the view id.
func (s *ViewService) ID() string {
	return s.viewID
}

// Mapper returns the view's spatial mapper.
func (s *ViewService) Mapper() *spatial.Mapper {
	return s.mapper
}

// Planner returns the view's placement planner.
func (s *ViewService) Planner() *placement.Planner {
	return s.planner
}

// Generation returns the current placement generation.
func (s *ViewService) Generation() uint64 {
	return s.generation.Load()
}

// Info describes a view for clients.
type Info struct {
	ID         string         `json:"id"`
	Mapping    spatial.Config `json:"mapping"`
	Paths      int            `json:"paths"`
	TotalRows  int            `json:"total_rows"`
	Bounds     spatial.Rect   `json:"bounds"`
	Supertiles int            `json:"supertiles"`
	Genes      int            `json:"genes"`
	Placed     int            `json:"placed"`
	Generation uint64         `json:"generation"`
	// Cache holds the shared cache statistics.
	Cache map[string]interface{} `json:"cache,omitempty"`
}

// Info returns a summary of the view.
func (s *ViewService) Info(ctx context.Context) Info {
	n, err := s.genes.Count(ctx)
	if err != nil {
		log.Printf("[view %s] failed to count genes: %v", s.viewID, err)
	}
	tbl := s.mapper.Table()
	info := Info{
		ID:         s.viewID,
		Mapping:    s.mapper.Config(),
		Paths:      tbl.Len(),
		TotalRows:  tbl.TotalRows(),
		Bounds:     s.mapper.Bounds(),
		Supertiles: len(s.supertiles),
		Genes:      n,
		Placed:     s.planner.Len(),
		Generation: s.Generation(),
	}
	if s.cache != nil {
		info.Cache = s.cache.Stats()
	}
	return info
}

// Focus is a request for the viewer to center on a point.
type Focus struct {
	Point   spatial.Point `json:"point"`
	MaxZoom bool          `json:"max_zoom"`
}

type focusRecorder struct {
	focus *Focus
}

func (f *focusRecorder) CenterOn(p spatial.Point, maxZoom bool) {
	f.focus = &Focus{Point: p, MaxZoom: maxZoom}
}

// PlaceResult is the outcome of placing one item.
type PlaceResult struct {
	Record *placement.Record `json:"record,omitempty"`
	Focus  *Focus            `json:"focus,omitempty"`
}

// Place places one item, optionally asking the viewer to center on it.
// Duplicates return ErrDuplicatePlacement together with the focus, if any.
func (s *ViewService) Place(item placement.Item, center bool) (PlaceResult, error) {
	var (
		rec placement.Record
		err error
		fr  focusRecorder
	)
	if center {
		rec, err = s.planner.PlaceAndCenter(item, &fr)
	} else {
		rec, err = s.planner.Place(item)
	}

	res := PlaceResult{Focus: fr.focus}
	if err == nil {
		s.generation.Add(1)
		res.Record = &rec
	}
	return res, err
}

// PlaceBatch places items in order, collecting diagnostics for the ones that
// cannot be placed.
func (s *ViewService) PlaceBatch(ctx context.Context, items []placement.Item, progress placement.Progress) (placement.Result, error) {
	res, err := s.planner.Run(ctx, items, func(done, total int) {
		s.generation.Add(1)
		if progress != nil {
			progress(done, total)
		}
	})
	for _, d := range res.Diagnostics {
		if !d.Duplicate() {
			log.Printf("[view %s] skipped %s: %v", s.viewID, d.ID, d.Err)
		}
	}
	return res, err
}

// PlaceSupertiles places the view's supertile overlays.
func (s *ViewService) PlaceSupertiles(ctx context.Context) (placement.Result, error) {
	return s.PlaceBatch(ctx, s.supertiles, nil)
}

// Remove removes a placed record by record or overlay id.
func (s *ViewService) Remove(id string) bool {
	if !s.planner.Remove(id) {
		return false
	}
	s.generation.Add(1)
	return true
}

// Gene looks up a gene by name.
func (s *ViewService) Gene(ctx context.Context, name string) (genetable.Gene, error) {
	g, ok, err := s.genes.Get(ctx, name)
	if err != nil {
		return genetable.Gene{}, err
	}
	if !ok {
		return genetable.Gene{}, fmt.Errorf("%w: %s", ErrGeneNotFound, name)
	}
	return g, nil
}

// PlaceGene places a gene from the view's table by name.
func (s *ViewService) PlaceGene(ctx context.Context, name string, center bool) (PlaceResult, error) {
	g, err := s.Gene(ctx, name)
	if err != nil {
		return PlaceResult{}, err
	}
	item, err := g.Item()
	if err != nil {
		return PlaceResult{}, err
	}
	return s.Place(item, center)
}

// SearchGenes returns genes whose names start with prefix.
func (s *ViewService) SearchGenes(ctx context.Context, prefix string, limit int) ([]genetable.Gene, error) {
	return s.genes.Search(ctx, prefix, limit)
}

// GeneGroups returns the view's filter groups with gene counts.
func (s *ViewService) GeneGroups(ctx context.Context) (map[string]int, error) {
	return s.genes.Groups(ctx)
}

// GroupGenes returns the genes of a filter group, using the query cache.
func (s *ViewService) GroupGenes(ctx context.Context, group string) ([]genetable.Gene, error) {
	key := cache.GroupKey(s.viewID, group)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var genes []genetable.Gene
			if err := json.Unmarshal(data, &genes); err == nil {
				return genes, nil
			}
		}
	}

	genes, err := s.genes.ByGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(genes); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return genes, nil
}

// GroupItems turns a filter group into placement items. Genes whose tile ids
// cannot be decoded are reported as diagnostics.
func (s *ViewService) GroupItems(ctx context.Context, group string) ([]placement.Item, []placement.Diagnostic, error) {
	genes, err := s.GroupGenes(ctx, group)
	if err != nil {
		return nil, nil, err
	}
	items, diags := GeneItems(genes)
	return items, diags, nil
}

// GeneItems turns genes into placement items. Genes whose tile ids cannot be
// decoded are reported as diagnostics.
func GeneItems(genes []genetable.Gene) ([]placement.Item, []placement.Diagnostic) {
	items := make([]placement.Item, 0, len(genes))
	var diags []placement.Diagnostic
	for _, g := range genes {
		item, err := g.Item()
		if err != nil {
			diags = append(diags, placement.Diagnostic{ID: g.Name, Err: err})
			continue
		}
		items = append(items, item)
	}
	return items, diags
}

// ClickResult is the selection produced by a click.
type ClickResult struct {
	Location spatial.Location   `json:"location"`
	Tile     spatial.Rect       `json:"tile"`
	Overlays []placement.Record `json:"overlays"`
	// Links are the article links of every overlay under the click.
	Links []string `json:"links"`
}

// Click resolves a point in image space. Points outside the mapped space
// return spatial.ErrNoPixelMatch.
func (s *ViewService) Click(p spatial.Point) (ClickResult, error) {
	loc, err := s.mapper.FromPixel(p)
	if err != nil {
		return ClickResult{}, err
	}
	tile, err := s.mapper.StepRect(loc)
	if err != nil {
		return ClickResult{}, err
	}

	res := ClickResult{Location: loc, Tile: tile, Overlays: s.planner.At(p)}
	for _, rec := range res.Overlays {
		res.Links = append(res.Links, rec.Links...)
	}
	return res, nil
}

// Overlay renders the placed overlays inside region.
func (s *ViewService) Overlay(region spatial.Rect, scale float64) ([]byte, error) {
	key := cache.OverlayKey(s.viewID, s.Generation(), region.X, region.Y, region.W, region.H, scale)
	if s.cache != nil {
		if data, ok := s.cache.GetOverlay(key); ok {
			return data, nil
		}
	}

	data, err := s.renderer.RenderRegion(region, scale, s.planner.Within(region))
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetOverlay(key, data); err != nil {
			log.Printf("[view %s] overlay not cached: %v", s.viewID, err)
		}
	}
	return data, nil
}
