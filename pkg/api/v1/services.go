package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/config"
	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/health"
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/router"
	"github.com/pbmcp/pbmcp/pkg/sandbox"
)

// ServiceRoutes serves the /api/services surface.
type ServiceRoutes struct {
	manager *registry.Manager
	checker *health.Checker
	router  *router.Router
	sandbox config.SandboxConfig
}

// ServiceRouter creates the services sub-router.
func ServiceRouter(manager *registry.Manager, checker *health.Checker, rt *router.Router, sandboxCfg config.SandboxConfig) http.Handler {
	routes := ServiceRoutes{manager: manager, checker: checker, router: rt, sandbox: sandboxCfg}

	r := chi.NewRouter()
	r.Get("/", routes.listServices)
	r.Post("/", routes.createService)
	r.Get("/{id}", routes.getService)
	r.Delete("/{id}", routes.deleteService)
	r.Patch("/{id}/env", routes.patchEnv)
	r.Get("/{id}/health", routes.getHealth)
	r.Get("/{id}/logs", routes.getLogs)
	return r
}

type createServiceRequest struct {
	TemplateName string `json:"templateName"`

	// InstanceArgs and Env are aliases; both merge into the template env.
	InstanceArgs map[string]string `json:"instanceArgs,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

func (r *createServiceRequest) overrides() map[string]string {
	if len(r.InstanceArgs) == 0 {
		return r.Env
	}
	out := make(map[string]string, len(r.InstanceArgs)+len(r.Env))
	for k, v := range r.InstanceArgs {
		out[k] = v
	}
	for k, v := range r.Env {
		out[k] = v
	}
	return out
}

func (s *ServiceRoutes) listServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"services": s.manager.List(),
	})
}

// createService applies the sandbox policy to the template and materializes
// an instance. A sandbox violation fails before anything is created.
func (s *ServiceRoutes) createService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TemplateName == "" {
		writeError(w, errors.New(errors.CodeBadRequest, "templateName is required"))
		return
	}

	tmpl, err := s.manager.Templates().Get(req.TemplateName)
	if err != nil {
		writeError(w, err)
		return
	}
	enforced, err := sandbox.Apply(tmpl, s.sandbox)
	if err != nil {
		writeError(w, err)
		return
	}

	inst, err := s.manager.CreateInstance(r.Context(), enforced.Config, req.overrides())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.router != nil {
		s.router.Observe(inst.ID)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"service": inst,
		"sandbox": map[string]any{
			"policy":  enforced.Policy,
			"applied": enforced.Applied,
			"reasons": enforced.Reasons,
		},
	})
}

func (s *ServiceRoutes) getService(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	history, _ := s.manager.History(inst.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"service": inst,
		"history": history,
	})
}

func (s *ServiceRoutes) deleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StopInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.router != nil {
		s.router.Forget(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type patchEnvRequest struct {
	Env map[string]string `json:"env"`
}

func (s *ServiceRoutes) patchEnv(w http.ResponseWriter, r *http.Request) {
	var req patchEnvRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Env) == 0 {
		writeError(w, errors.New(errors.CodeBadRequest, "env must not be empty"))
		return
	}

	inst, err := s.manager.UpdateEnv(r.Context(), chi.URLParam(r, "id"), req.Env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"service": inst,
		// Env changes bounce the backend through a restart.
		"restarted": true,
	})
}

func (s *ServiceRoutes) getHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	rec, err := s.checker.CheckHealth(r.Context(), id, force)
	if err != nil {
		writeError(w, err)
		return
	}
	s.manager.RecordHealth(id, rec)

	body := map[string]any{"success": true, "health": rec}
	if stats, ok := s.checker.Stats(id); ok {
		body["stats"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *ServiceRoutes) getLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	lines, err := s.manager.Logs(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": lines})
}
