package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/sandbox"
)

// SandboxRoutes serves portable sandbox lifecycle under /api/sandbox.
type SandboxRoutes struct {
	installer   *sandbox.Installer
	corsOrigins []string
}

// SandboxRouter creates the sandbox sub-router.
func SandboxRouter(installer *sandbox.Installer, corsOrigins []string) http.Handler {
	routes := SandboxRoutes{installer: installer, corsOrigins: corsOrigins}

	r := chi.NewRouter()
	r.Get("/status", routes.status)
	r.Post("/install", routes.install)
	r.Post("/repair", routes.repair)
	r.Post("/cleanup", routes.cleanup)
	r.Get("/install/stream", routes.stream)
	return r
}

func (s *SandboxRoutes) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.installer.Status(),
	})
}

func (s *SandboxRoutes) install(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Install(r.Context()); err != nil {
		writeError(w, errors.Wrap(errors.CodeSandboxViolation, "sandbox install failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.installer.Status(),
	})
}

func (s *SandboxRoutes) repair(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Repair(r.Context()); err != nil {
		writeError(w, errors.Wrap(errors.CodeSandboxViolation, "sandbox repair failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.installer.Status(),
	})
}

func (s *SandboxRoutes) cleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Cleanup(); err != nil {
		writeError(w, errors.Wrap(errors.CodeSandboxViolation, "sandbox cleanup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// stream subscribes to installer progress and relays it as server-sent
// events while an Install runs in the background. The CORS header is echoed
// only for configured origins.
func (s *SandboxRoutes) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New(errors.CodeInternal, "streaming unsupported"))
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.installer.Subscribe()
	defer cancel()

	go func() {
		if err := s.installer.Install(r.Context()); err != nil {
			logger.Warnf("Sandbox install stream: %v", err)
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
			if event.Type == sandbox.EventComplete || event.Type == sandbox.EventError {
				return
			}
		}
	}
}

func (s *SandboxRoutes) originAllowed(origin string) bool {
	for _, allowed := range s.corsOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}
