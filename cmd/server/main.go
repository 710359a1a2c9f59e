// Package main is the entry point for the genome map server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slippy-genome/server/internal/api"
	"github.com/slippy-genome/server/internal/cache"
	"github.com/slippy-genome/server/internal/config"
	"github.com/slippy-genome/server/internal/offsets"
	"github.com/slippy-genome/server/internal/render"
	"github.com/slippy-genome/server/internal/service"
	"github.com/slippy-genome/server/internal/spatial"
	"github.com/slippy-genome/server/pkg/colormap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	placeSupertiles := flag.Bool("supertiles", false, "Place supertile overlays for every view on startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting genome map server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all views)
	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: cfg.Cache.OverlaySizeMB,
		OverlayTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		QueryCacheSize:     cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize overlay renderer (shared across all views)
	renderCfg, err := rendererConfig(cfg.Render)
	if err != nil {
		log.Fatalf("Failed to configure renderer: %v", err)
	}
	overlayRenderer := render.NewOverlayRenderer(renderCfg)

	mapping := spatial.Config{
		MapWidth:        cfg.Mapping.MapWidth,
		TilePixelSize:   cfg.Mapping.TilePixelSize,
		BorderPixelSize: cfg.Mapping.BorderPixelSize,
	}
	if err := mapping.Validate(); err != nil {
		log.Fatalf("Invalid mapping configuration: %v", err)
	}
	log.Printf("Mapping: map_width=%d, tile=%dpx, border=%dpx", mapping.MapWidth, mapping.TilePixelSize, mapping.BorderPixelSize)

	// Initialize view registry
	viewIDs := cfg.Data.ViewIDs()
	registry := api.NewViewRegistry(cfg.Data.DefaultView, viewIDs, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d view(s), default: %s", len(viewIDs), cfg.Data.DefaultView)

	// Initialize each view. Loading finishes before the view is served.
	for _, viewID := range viewIDs {
		vc := cfg.Data.Views[viewID]

		res, err := service.LoadResources(ctx, service.LoadConfig{
			OffsetsPath:    vc.OffsetsPath,
			OffsetsFormat:  offsets.Format(vc.OffsetsFormat),
			SupertilesPath: vc.SupertilesPath,
			GenesPath:      vc.GenesPath,
		})
		if err != nil {
			log.Fatalf("Failed to load resources for view %q: %v", viewID, err)
		}

		svc, err := service.NewViewService(ctx, service.ViewServiceConfig{
			ViewID:    viewID,
			Mapping:   mapping,
			Resources: res,
			Cache:     cacheManager,
			Renderer:  overlayRenderer,
		})
		if err != nil {
			log.Fatalf("Failed to initialize view %q: %v", viewID, err)
		}

		info := svc.Info(ctx)
		log.Printf("  [%s] Loaded from: %s", viewID, vc.OffsetsPath)
		log.Printf("    Paths: %d, Rows: %d, Supertiles: %d, Genes: %d", info.Paths, info.TotalRows, info.Supertiles, info.Genes)

		if *placeSupertiles {
			placed, err := svc.PlaceSupertiles(ctx)
			if err != nil {
				log.Fatalf("Failed to place supertiles for view %q: %v", viewID, err)
			}
			log.Printf("    Placed %d supertile overlay(s), %d skipped", len(placed.Records), len(placed.Diagnostics))
		}

		registry.Register(viewID, svc)
	}

	// Initialize job manager for bulk gene placement
	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Retention:     time.Duration(cfg.Jobs.RetentionMinutes) * time.Minute,
		CleanupPeriod: 10 * time.Minute,
	})
	log.Printf("Placement job manager: max_concurrent=%d, retention_minutes=%d",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionMinutes)

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// rendererConfig resolves the configured overlay colors.
func rendererConfig(rc config.RenderConfig) (render.Config, error) {
	out := render.Config{MaxPixels: rc.MaxOverlayPixels}

	if rc.HighlightColor != "" {
		c, err := colormap.ParseHex(rc.HighlightColor)
		if err != nil {
			return out, fmt.Errorf("highlight_color: %w", err)
		}
		out.Highlight = colormap.StyleFor(c, 96)
	}
	if rc.BrokenColor != "" {
		c, err := colormap.ParseHex(rc.BrokenColor)
		if err != nil {
			return out, fmt.Errorf("broken_color: %w", err)
		}
		out.Broken = colormap.StyleFor(c, 96)
	}

	switch rc.ColorBy {
	case "", "highlight":
	case "categorical":
		out.Palette = colormap.Categorical
	default:
		return out, fmt.Errorf("unknown color_by %q", rc.ColorBy)
	}
	return out, nil
}
