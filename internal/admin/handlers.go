// Package admin exposes the registry over HTTP: module inventory,
// lifecycle operations, scan reports, health, and Prometheus metrics.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dshills/hotmod/internal/registry"
)

// Handlers provides the HTTP handlers for the registry API.
type Handlers struct {
	reg *registry.Registry
	log logrus.FieldLogger
}

// NewHandlers creates registry API handlers.
func NewHandlers(reg *registry.Registry, log logrus.FieldLogger) *Handlers {
	return &Handlers{
		reg: reg,
		log: log,
	}
}

// RegisterRoutes registers all registry API routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/modules", h.ListModules).Methods("GET")
	r.HandleFunc("/api/v1/modules/{id}", h.GetModule).Methods("GET")
	r.HandleFunc("/api/v1/modules/{id}", h.PutModule).Methods("PUT")
	r.HandleFunc("/api/v1/modules/{id}", h.DeleteModule).Methods("DELETE")
	r.HandleFunc("/api/v1/modules/{id}/reload", h.ReloadModule).Methods("POST")
	r.HandleFunc("/api/v1/reload", h.ReloadAll).Methods("POST")
	r.HandleFunc("/api/v1/refresh", h.Refresh).Methods("POST")
	r.HandleFunc("/api/v1/scan", h.LastScan).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
}

type moduleView struct {
	ID          string    `json:"id"`
	LoadID      string    `json:"load_id"`
	Fingerprint time.Time `json:"fingerprint"`
	LoadedAt    time.Time `json:"loaded_at"`
	Initialized bool      `json:"initialized"`
	InitError   string    `json:"init_error,omitempty"`
}

func newModuleView(d *registry.Descriptor) moduleView {
	v := moduleView{
		ID:          d.ID,
		LoadID:      d.LoadID.String(),
		Fingerprint: d.Fingerprint,
		LoadedAt:    d.LoadedAt,
		Initialized: d.Initialized(),
	}
	if d.InitErr != nil {
		v.InitError = d.InitErr.Error()
	}
	return v
}

type moduleListView struct {
	Count   int          `json:"count"`
	Modules []moduleView `json:"modules"`
}

type failureView struct {
	ID    string `json:"id,omitempty"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

type scanView struct {
	Loaded   []string      `json:"loaded"`
	Reloaded []string      `json:"reloaded"`
	Skipped  []string      `json:"skipped"`
	Failures []failureView `json:"failures"`
}

func newScanView(report registry.ScanReport) scanView {
	v := scanView{
		Loaded:   report.Loaded,
		Reloaded: report.Reloaded,
		Skipped:  report.Skipped,
		Failures: make([]failureView, 0, len(report.Failures)),
	}
	for _, f := range report.Failures {
		v.Failures = append(v.Failures, failureView{
			ID:    f.ID,
			Path:  f.Path,
			Error: f.Err.Error(),
		})
	}
	return v
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrModuleNotFound), errors.Is(err, registry.ErrModuleUnresolved):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInitFailed):
		// The module is registered but flagged; the source needs fixing
		// before the operation can succeed.
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ListModules handles GET /api/v1/modules
func (h *Handlers) ListModules(w http.ResponseWriter, r *http.Request) {
	modules := h.reg.Modules()
	view := moduleListView{
		Count:   len(modules),
		Modules: make([]moduleView, 0, len(modules)),
	}
	for _, id := range h.reg.Identifiers() {
		if d, ok := modules[id]; ok {
			view.Modules = append(view.Modules, newModuleView(d))
		}
	}
	writeJSON(w, view)
}

// GetModule handles GET /api/v1/modules/{id}
func (h *Handlers) GetModule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := h.reg.Get(id)
	if !ok {
		http.Error(w, "module not found", http.StatusNotFound)
		return
	}
	writeJSON(w, newModuleView(d))
}

// PutModule handles PUT /api/v1/modules/{id}. Loads the module, or
// reloads it when already present, converging on the on-disk source.
func (h *Handlers) PutModule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.reg.AddModule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	d, ok := h.reg.Get(id)
	if !ok {
		http.Error(w, "module not found", http.StatusNotFound)
		return
	}
	writeJSON(w, newModuleView(d))
}

// DeleteModule handles DELETE /api/v1/modules/{id}
func (h *Handlers) DeleteModule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.reg.RemoveModule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadModule handles POST /api/v1/modules/{id}/reload
func (h *Handlers) ReloadModule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.reg.ReloadModule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	d, ok := h.reg.Get(id)
	if !ok {
		http.Error(w, "module not found", http.StatusNotFound)
		return
	}
	writeJSON(w, newModuleView(d))
}

// ReloadAll handles POST /api/v1/reload
func (h *Handlers) ReloadAll(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.ReloadAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"reloaded": h.reg.Len()})
}

// Refresh handles POST /api/v1/refresh
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.reg.Refresh(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, newScanView(report))
}

// LastScan handles GET /api/v1/scan
func (h *Handlers) LastScan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, newScanView(h.reg.LastScan()))
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"modules": h.reg.Len(),
	})
}
