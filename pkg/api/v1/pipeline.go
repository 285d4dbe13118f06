package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/orchestrator"
)

// PipelineRoutes serves multi-step tool orchestration under /api/pipeline.
type PipelineRoutes struct {
	pipeline *orchestrator.Pipeline
}

// PipelineRouter creates the pipeline sub-router.
func PipelineRouter(pipeline *orchestrator.Pipeline) http.Handler {
	routes := PipelineRoutes{pipeline: pipeline}

	r := chi.NewRouter()
	r.Post("/", routes.run)
	return r
}

// run executes a step list or plans one from a goal. A failed step aborts
// the pipeline; completed step results are returned with the error.
func (p *PipelineRoutes) run(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := p.pipeline.Run(r.Context(), &req)
	if err != nil {
		envelope := errors.ToEnvelope(err)
		payload := map[string]any{
			"success": false,
			"error":   envelope.Error,
		}
		if result != nil {
			payload["steps"] = result.Steps
		}
		writeJSON(w, errors.HTTPStatus(envelope.Error.Code), payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}
