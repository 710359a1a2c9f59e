// Package config handles configuration loading for the genome map server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mapping MappingConfig `yaml:"mapping"`
	Data    DataConfig    `yaml:"data"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Jobs    JobsConfig    `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// MappingConfig is the tile geometry shared by every view and every mapping
// call. It is the only place map width and pixel sizes are configured.
type MappingConfig struct {
	MapWidth        int `yaml:"map_width"`
	TilePixelSize   int `yaml:"tile_pixel_size"`
	BorderPixelSize int `yaml:"border_pixel_size"`
}

// ViewConfig lists the resources of one genome view.
type ViewConfig struct {
	OffsetsPath    string `yaml:"offsets_path"`
	OffsetsFormat  string `yaml:"offsets_format"`
	SupertilesPath string `yaml:"supertiles_path"`
	GenesPath      string `yaml:"genes_path"`
}

// DataConfig contains the configured views in file order. Two YAML shapes are
// accepted: a map of view id to ViewConfig, or a single flat ViewConfig
// (legacy), which becomes the view "default".
type DataConfig struct {
	Views       map[string]ViewConfig
	DefaultView string
	order       []string
}

// ViewIDs returns view ids in configuration order.
func (d DataConfig) ViewIDs() []string {
	return d.order
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}

	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "offsets_path", "offsets_format", "supertiles_path", "genes_path":
			legacy = true
		}
	}

	d.Views = make(map[string]ViewConfig)
	d.order = nil
	if legacy {
		var vc ViewConfig
		if err := node.Decode(&vc); err != nil {
			return err
		}
		d.Views["default"] = vc
		d.order = []string{"default"}
		d.DefaultView = "default"
		return nil
	}

	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var vc ViewConfig
		if err := node.Content[i+1].Decode(&vc); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Views[id]; !dup {
			d.order = append(d.order, id)
		}
		d.Views[id] = vc
	}
	if len(d.order) > 0 {
		d.DefaultView = d.order[0]
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	OverlaySizeMB     int `yaml:"overlay_size_mb"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes"`
	QueryCacheSize    int `yaml:"query_cache_size"`
}

// RenderConfig contains overlay rendering settings.
type RenderConfig struct {
	MaxOverlayPixels int    `yaml:"max_overlay_pixels"`
	HighlightColor   string `yaml:"highlight_color"`
	BrokenColor      string `yaml:"broken_color"`
	// ColorBy is "highlight" (default) or "categorical".
	ColorBy string `yaml:"color_by"`
}

// JobsConfig contains bulk placement job settings.
type JobsConfig struct {
	MaxConcurrent    int `yaml:"max_concurrent"`
	RetentionMinutes int `yaml:"retention_minutes"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Mapping: MappingConfig{
			MapWidth:        8000,
			TilePixelSize:   30,
			BorderPixelSize: 2,
		},
		Data: DataConfig{
			Views: map[string]ViewConfig{
				"default": {
					OffsetsPath:    "./data/tile_offsets.txt",
					OffsetsFormat:  "rows",
					SupertilesPath: "./data/TileNumSupertiles.csv",
					GenesPath:      "./data/genes.csv",
				},
			},
			DefaultView: "default",
			order:       []string{"default"},
		},
		Cache: CacheConfig{
			OverlaySizeMB:     128,
			OverlayTTLMinutes: 10,
			QueryCacheSize:    1000,
		},
		Render: RenderConfig{
			MaxOverlayPixels: 4096 * 4096,
		},
		Jobs: JobsConfig{
			MaxConcurrent:    2,
			RetentionMinutes: 60,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Mapping == (MappingConfig{}) {
		cfg.Mapping = defaults.Mapping
	}
	if cfg.Mapping.MapWidth == 0 {
		cfg.Mapping.MapWidth = defaults.Mapping.MapWidth
	}
	if cfg.Mapping.TilePixelSize == 0 {
		cfg.Mapping.TilePixelSize = defaults.Mapping.TilePixelSize
	}
	// Once a mapping section is given, a zero border is taken as intended.
	if len(cfg.Data.order) == 0 {
		cfg.Data = defaults.Data
	}
	for id, vc := range cfg.Data.Views {
		if vc.OffsetsFormat == "" {
			vc.OffsetsFormat = "rows"
			cfg.Data.Views[id] = vc
		}
	}
	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.MaxOverlayPixels == 0 {
		cfg.Render.MaxOverlayPixels = defaults.Render.MaxOverlayPixels
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionMinutes == 0 {
		cfg.Jobs.RetentionMinutes = defaults.Jobs.RetentionMinutes
	}
}
