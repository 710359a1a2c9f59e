// Package api provides HTTP handlers for the genome map server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/slippy-genome/server/internal/genestore"
	"github.com/slippy-genome/server/internal/genetable"
	"github.com/slippy-genome/server/internal/offsets"
	"github.com/slippy-genome/server/internal/placement"
	"github.com/slippy-genome/server/internal/render"
	"github.com/slippy-genome/server/internal/service"
	"github.com/slippy-genome/server/internal/spatial"
	"github.com/slippy-genome/server/internal/tileid"
)

const maxBodyBytes = 4 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ViewRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Overlay-Generation"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/views", viewsHandler(cfg.Registry))

	// View-scoped routes: /v/{view}/...
	r.Route("/v/{view}", func(r chi.Router) {
		r.Use(viewMiddleware(cfg.Registry))

		r.Get("/overlay.png", overlayHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/config", configHandler)
			r.Get("/tiles/{tile_id}", tileDecodeHandler)

			r.Get("/placements", listPlacementsHandler)
			r.Post("/placements", placeHandler)
			r.Delete("/placements/{id}", removePlacementHandler)

			r.Post("/supertiles/place", placeSupertilesHandler)

			r.Get("/genes", genesHandler)
			r.Post("/genes/{gene}/place", placeGeneHandler)

			r.Post("/click", clickHandler)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobListHandler(cfg.JobManager))
				r.Post("/", jobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
				r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for the view service
type ctxKey string

const viewServiceKey ctxKey = "viewService"

// viewMiddleware resolves the view from the URL and injects its service into context.
func viewMiddleware(registry *ViewRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewID := chi.URLParam(r, "view")
			svc := registry.Get(viewID)
			if svc == nil {
				http.Error(w, "view not found: "+viewID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), viewServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getViewService(r *http.Request) *service.ViewService {
	if svc, ok := r.Context().Value(viewServiceKey).(*service.ViewService); ok {
		return svc
	}
	return nil
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, spatial.ErrNoPixelMatch),
		errors.Is(err, service.ErrGeneNotFound),
		errors.Is(err, genestore.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, tileid.ErrMalformedTileID),
		errors.Is(err, render.ErrRegionTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, placement.ErrDuplicatePlacement):
		return http.StatusConflict
	case errors.Is(err, spatial.ErrUnsupportedMultiBoundarySpan),
		errors.Is(err, spatial.ErrInvertedSpan),
		errors.Is(err, spatial.ErrInvalidStep),
		errors.Is(err, offsets.ErrPathOutOfRange):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func wantCenter(r *http.Request) bool {
	v := r.URL.Query().Get("center")
	return v == "1" || v == "true"
}

// viewsHandler returns the list of available views.
func viewsHandler(registry *ViewRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default": registry.DefaultViewID(),
			"views":   registry.Views(),
			"title":   registry.Title(),
		})
	}
}

func configHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	writeJSON(w, http.StatusOK, svc.Info(r.Context()))
}

// tileDecodeHandler decodes a packed tile id (decimal or dotted hex) and,
// when the tile is on the map, returns its pixel rectangle.
func tileDecodeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	raw := chi.URLParam(r, "tile_id")

	c, err := tileid.Parse(raw)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	resp := map[string]interface{}{
		"tile_id": strconv.FormatUint(tileid.Encode(c), 10),
		"cgf":     c.String(),
		"path":    c.Path,
		"version": c.Version,
		"step":    c.Step,
	}
	if rect, err := svc.Mapper().StepRect(spatial.Location{Path: c.Path, Step: c.Step}); err == nil {
		resp["rect"] = rect
	}
	writeJSON(w, http.StatusOK, resp)
}

type recordResponse struct {
	placement.Record
	Overlays []placement.Overlay `json:"overlays"`
}

func newRecordResponse(rec placement.Record) recordResponse {
	return recordResponse{Record: rec, Overlays: rec.Overlays()}
}

type placeResponse struct {
	Record *recordResponse `json:"record,omitempty"`
	Focus  *service.Focus  `json:"focus,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// writePlaceResult reports a single placement. Duplicates are reported as
// 409 but still carry the focus point so the viewer can center on the copy.
func writePlaceResult(w http.ResponseWriter, res service.PlaceResult, err error) {
	if err != nil && !errors.Is(err, placement.ErrDuplicatePlacement) {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	resp := placeResponse{Focus: res.Focus}
	status := http.StatusCreated
	if res.Record != nil {
		rr := newRecordResponse(*res.Record)
		resp.Record = &rr
	}
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

type batchResponse struct {
	Records     []recordResponse `json:"records"`
	Diagnostics []JobDiagnostic  `json:"diagnostics"`
	Processed   int              `json:"processed"`
	Total       int              `json:"total"`
}

func newBatchResponse(res placement.Result) batchResponse {
	out := batchResponse{
		Records:     make([]recordResponse, 0, len(res.Records)),
		Diagnostics: make([]JobDiagnostic, 0, len(res.Diagnostics)),
		Processed:   res.Processed,
		Total:       res.Total,
	}
	for _, rec := range res.Records {
		out.Records = append(out.Records, newRecordResponse(rec))
	}
	for _, d := range res.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, JobDiagnostic{ID: d.ID, Message: d.Message(), Duplicate: d.Duplicate()})
	}
	return out
}

// placeHandler places one span (a JSON object) or a batch (a JSON array).
func placeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)

	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, "failed to read request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var items []placement.Item
		if err := json.Unmarshal(body, &items); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		res, err := svc.PlaceBatch(r.Context(), items, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, newBatchResponse(res))
		return
	}

	var item placement.Item
	if err := json.Unmarshal(body, &item); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(item.ID) == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	res, err := svc.Place(item, wantCenter(r))
	writePlaceResult(w, res, err)
}

func listPlacementsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	records := svc.Planner().Records()
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": svc.Generation(),
		"records":    out,
	})
}

func removePlacementHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	id := chi.URLParam(r, "id")
	if !svc.Remove(id) {
		http.Error(w, "placement not found: "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"removed": true,
	})
}

func placeSupertilesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	res, err := svc.PlaceSupertiles(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResponse(res))
}

func placeGeneHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	res, err := svc.PlaceGene(r.Context(), chi.URLParam(r, "gene"), wantCenter(r))
	writePlaceResult(w, res, err)
}

// genesHandler lists the genes of a filter group (?filter=, or as a compact
// gene list with &format=list), searches gene names by prefix (?q=), or
// returns the filter groups.
func genesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	q := r.URL.Query()

	if filter := strings.TrimSpace(q.Get("filter")); filter != "" {
		genes, err := svc.GroupGenes(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		if q.Get("format") == "list" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, genetable.FormatGeneList(genes))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"filter": filter,
			"genes":  genes,
		})
		return
	}

	if prefix := strings.TrimSpace(q.Get("q")); prefix != "" {
		limit := 50
		if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
			limit = v
		}
		genes, err := svc.SearchGenes(r.Context(), prefix, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"genes": genes})
		return
	}

	groups, err := svc.GeneGroups(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

type clickResponse struct {
	Location spatial.Location `json:"location"`
	Tile     spatial.Rect     `json:"tile"`
	Overlays []recordResponse `json:"overlays"`
	Links    []string         `json:"links"`
}

func clickHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)

	var p spatial.Point
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := svc.Click(p)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	resp := clickResponse{
		Location: res.Location,
		Tile:     res.Tile,
		Overlays: make([]recordResponse, 0, len(res.Overlays)),
		Links:    res.Links,
	}
	if resp.Links == nil {
		resp.Links = []string{}
	}
	for _, rec := range res.Overlays {
		resp.Overlays = append(resp.Overlays, newRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// overlayHandler renders the placed overlays inside an image region.
func overlayHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	q := r.URL.Query()

	var region spatial.Rect
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"x", &region.X},
		{"y", &region.Y},
		{"w", &region.W},
		{"h", &region.H},
	} {
		v, err := strconv.Atoi(q.Get(p.name))
		if err != nil {
			http.Error(w, "invalid "+p.name+" parameter", http.StatusBadRequest)
			return
		}
		*p.dst = v
	}
	if region.W <= 0 || region.H <= 0 {
		http.Error(w, "w and h must be positive", http.StatusBadRequest)
		return
	}

	scale := 1.0
	if s := q.Get("scale"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || !(v > 0) || math.IsInf(v, 1) {
			http.Error(w, "invalid scale parameter", http.StatusBadRequest)
			return
		}
		scale = v
	}

	generation := svc.Generation()
	data, err := svc.Overlay(region, scale)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Overlay-Generation", strconv.FormatUint(generation, 10))
	w.Write(data)
}

// Placement job handlers

// jobSubmitRequest names either a filter group or a compact gene list
// ("name,start,end;...").
type jobSubmitRequest struct {
	Filter string `json:"filter"`
	Genes  string `json:"genes"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getViewService(r)

		var req jobSubmitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Filter = strings.TrimSpace(req.Filter)

		var job Job
		var err error
		switch {
		case req.Filter != "" && req.Genes != "":
			http.Error(w, "filter and genes are mutually exclusive", http.StatusBadRequest)
			return
		case req.Filter != "":
			job, err = jm.Submit(r.Context(), svc, req.Filter)
		case req.Genes != "":
			genes, perr := genetable.ParseGeneList(req.Genes)
			if perr != nil {
				http.Error(w, "invalid gene list: "+perr.Error(), http.StatusBadRequest)
				return
			}
			if len(genes) == 0 {
				http.Error(w, "gene list is empty", http.StatusBadRequest)
				return
			}
			job, err = jm.SubmitGenes(svc, genes)
		default:
			http.Error(w, "filter or genes is required", http.StatusBadRequest)
			return
		}
		if errors.Is(err, ErrJobManagerStopped) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jm.List(chi.URLParam(r, "view")),
		})
	}
}

// viewJob returns the job named in the URL if it belongs to the URL's view.
func viewJob(jm *JobManager, r *http.Request) (Job, bool) {
	job, ok := jm.Get(chi.URLParam(r, "job_id"))
	if !ok || job.ViewID != chi.URLParam(r, "view") {
		return Job{}, false
	}
	return job, true
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job, ok := viewJob(jm, r)
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job, ok := viewJob(jm, r)
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}
