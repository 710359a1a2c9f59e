package api

import (
	"log"

	"github.com/slippy-genome/server/internal/service"
)

// ViewInfo contains information about a view for the API response.
type ViewInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ViewRegistry holds the services of all configured views.
type ViewRegistry struct {
	services    map[string]*service.ViewService
	defaultView string
	viewOrder   []string
	title       string
}

// NewViewRegistry creates a new view registry.
func NewViewRegistry(defaultView string, order []string, title string) *ViewRegistry {
	return &ViewRegistry{
		services:    make(map[string]*service.ViewService),
		defaultView: defaultView,
		viewOrder:   order,
		title:       title,
	}
}

// Register adds the service of a view.
func (r *ViewRegistry) Register(viewID string, svc *service.ViewService) {
	r.services[viewID] = svc
}

// Get returns the service of a view, or nil if not found.
func (r *ViewRegistry) Get(viewID string) *service.ViewService {
	return r.services[viewID]
}

// Default returns the default view's service.
func (r *ViewRegistry) Default() *service.ViewService {
	return r.services[r.defaultView]
}

// DefaultViewID returns the default view id.
func (r *ViewRegistry) DefaultViewID() string {
	return r.defaultView
}

// ViewIDs returns the registered view ids in config order.
func (r *ViewRegistry) ViewIDs() []string {
	ids := make([]string, 0, len(r.viewOrder))
	for _, id := range r.viewOrder {
		if _, ok := r.services[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Title returns the configured site title.
func (r *ViewRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Genome Map"
}

// Views returns view info for all registered views.
func (r *ViewRegistry) Views() []ViewInfo {
	ids := r.ViewIDs()
	infos := make([]ViewInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, ViewInfo{ID: id, Name: id})
	}
	return infos
}

// Close releases every registered view.
func (r *ViewRegistry) Close() {
	for id, svc := range r.services {
		if err := svc.Close(); err != nil {
			log.Printf("[view %s] close: %v", id, err)
		}
	}
}
