package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/registry"
)

// TemplateRoutes serves the /api/templates surface.
type TemplateRoutes struct {
	store *registry.TemplateStore
}

// TemplateRouter creates the templates sub-router.
func TemplateRouter(store *registry.TemplateStore) http.Handler {
	routes := TemplateRoutes{store: store}

	r := chi.NewRouter()
	r.Get("/", routes.listTemplates)
	r.Post("/", routes.registerTemplate)
	r.Delete("/{name}", routes.removeTemplate)
	return r
}

func (t *TemplateRoutes) listTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"templates": t.store.List(),
	})
}

func (t *TemplateRoutes) registerTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl registry.Template
	if err := decodeJSON(r, &tmpl); err != nil {
		writeError(w, err)
		return
	}
	if err := t.store.Register(&tmpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "template": tmpl})
}

func (t *TemplateRoutes) removeTemplate(w http.ResponseWriter, r *http.Request) {
	if err := t.store.Remove(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
