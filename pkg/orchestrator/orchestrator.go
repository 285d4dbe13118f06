// Package orchestrator drives multi-step tool pipelines: each step opens an
// adapter to one backend, resolves a tool, calls it, and tears the adapter
// down before the next step runs.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/supervisor"
	"github.com/pbmcp/pbmcp/pkg/transport"
	"github.com/pbmcp/pbmcp/pkg/transport/factory"
)

// Default time budgets, overridable per request.
const (
	DefaultStepTimeout   = 30 * time.Second
	DefaultGlobalTimeout = 2 * time.Minute
)

// Step names one backend call in a pipeline.
type Step struct {
	Template  string         `json:"template"`
	Tool      string         `json:"tool,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int            `json:"timeout,omitempty"`
}

// Request is either an explicit step list or a goal to derive a plan from.
type Request struct {
	Steps           []Step `json:"steps,omitempty"`
	Goal            string `json:"goal,omitempty"`
	GlobalTimeoutMs int    `json:"globalTimeout,omitempty"`
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Template   string          `json:"template"`
	Tool       string          `json:"tool"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// Result is the outcome of a full pipeline run.
type Result struct {
	Steps []StepResult `json:"steps"`

	// Planned is set when the steps were derived from a goal.
	Planned bool `json:"planned,omitempty"`
}

// Pipeline executes step lists against registered templates.
type Pipeline struct {
	templates *registry.TemplateStore
	factory   registry.AdapterFactory

	allowedVolumeRoots []string
}

// New builds a pipeline over the template store.
func New(templates *registry.TemplateStore, factory registry.AdapterFactory, allowedVolumeRoots []string) *Pipeline {
	return &Pipeline{templates: templates, factory: factory, allowedVolumeRoots: allowedVolumeRoots}
}

// Run executes the request. A failed step aborts the pipeline; the results
// of the completed steps are returned alongside the error.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	steps := req.Steps
	planned := false
	if len(steps) == 0 {
		if req.Goal == "" {
			return nil, errors.New(errors.CodeBadRequest, "pipeline needs steps or a goal")
		}
		step, err := p.plan(req.Goal)
		if err != nil {
			return nil, err
		}
		steps = []Step{*step}
		planned = true
	}

	global := DefaultGlobalTimeout
	if req.GlobalTimeoutMs > 0 {
		global = time.Duration(req.GlobalTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, global)
	defer cancel()

	result := &Result{Planned: planned, Steps: make([]StepResult, 0, len(steps))}
	for i, step := range steps {
		stepResult, err := p.runStep(ctx, &step)
		if err != nil {
			return result, errors.Wrap(errors.CodeToolFailed,
				"pipeline aborted at step "+step.Template, err).
				WithMeta(map[string]any{"step": i, "template": step.Template})
		}
		result.Steps = append(result.Steps, *stepResult)
	}
	return result, nil
}

// plan derives a single-step plan from the goal by keyword match against
// template names. The first matching template in name order wins.
func (p *Pipeline) plan(goal string) (*Step, error) {
	keywords := strings.Fields(strings.ToLower(goal))
	for _, tmpl := range p.templates.List() {
		name := strings.ToLower(tmpl.Name)
		for _, kw := range keywords {
			if strings.Contains(name, kw) {
				logger.Debugf("Pipeline plan: goal %q matched template %s", goal, tmpl.Name)
				return &Step{Template: tmpl.Name}, nil
			}
		}
	}
	return nil, errors.Newf(errors.CodeNotFound, "no template matches goal %q", goal)
}

func (p *Pipeline) runStep(ctx context.Context, step *Step) (*StepResult, error) {
	tmpl, err := p.templates.Get(step.Template)
	if err != nil {
		return nil, err
	}

	budget := DefaultStepTimeout
	if step.TimeoutMs > 0 {
		budget = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	adapter, err := p.factory(tmpl, p.allowedVolumeRoots, nil)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := adapter.Disconnect(context.WithoutCancel(ctx)); err != nil {
			logger.Warnf("Disconnecting pipeline backend %s: %v", step.Template, err)
		}
	}()

	if _, err := supervisor.Handshake(ctx, adapter); err != nil {
		return nil, err
	}

	opts := factory.Options(tmpl)
	tool, err := resolveTool(ctx, adapter, opts, step.Tool)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	call, err := mcp.NewRequest("tools/call", mcp.ToolCallParams{
		Name:      tool,
		Arguments: step.Params,
	}, transport.GenerateID())
	if err != nil {
		return nil, err
	}
	resp, err := transport.SendWithRetry(ctx, adapter, opts, call)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.Newf(errors.CodeToolFailed, "tool %s failed: %s", tool, resp.Error.Message)
	}

	return &StepResult{
		Template:   step.Template,
		Tool:       tool,
		Result:     resp.Result,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// resolveTool lists the backend's tools once and picks the named one, or the
// first tool when the step does not name one.
func resolveTool(ctx context.Context, adapter transport.Adapter, opts transport.Options, name string) (string, error) {
	list, err := mcp.NewRequest("tools/list", nil, transport.GenerateID())
	if err != nil {
		return "", err
	}
	resp, err := transport.SendWithRetry(ctx, adapter, opts, list)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", errors.Newf(errors.CodeToolFailed, "listing tools: %s", resp.Error.Message)
	}

	var parsed mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return "", errors.Wrap(errors.CodeTransport, "decoding tools list", err)
	}
	if name != "" {
		for _, tool := range parsed.Tools {
			if tool.Name == name {
				return name, nil
			}
		}
		return "", errors.Newf(errors.CodeToolNotFound, "tool %q not offered by backend", name)
	}
	if len(parsed.Tools) == 0 {
		return "", errors.New(errors.CodeToolNotFound, "backend offers no tools")
	}
	return parsed.Tools[0].Name, nil
}
