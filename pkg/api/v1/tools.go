package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/auth"
	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/router"
	"github.com/pbmcp/pbmcp/pkg/supervisor"
	"github.com/pbmcp/pbmcp/pkg/transport"
	"github.com/pbmcp/pbmcp/pkg/transport/factory"
)

// toolHistoryLimit bounds the executed-tool ring.
const toolHistoryLimit = 1000

// ToolCall names one tool invocation: "template:tool", or just "template"
// to let the backend's first tool answer.
type ToolCall struct {
	ToolID string         `json:"toolId"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolResult is the outcome of one executed call.
type ToolResult struct {
	Success    bool                 `json:"success"`
	ToolID     string               `json:"toolId"`
	ServiceID  string               `json:"serviceId,omitempty"`
	Result     json.RawMessage      `json:"result,omitempty"`
	Error      *errors.EnvelopeBody `json:"error,omitempty"`
	DurationMs int64                `json:"durationMs"`
	Applied    []string             `json:"appliedRules,omitempty"`
}

// HistoryEntry records one executed tool for GET /api/tools/history.
type HistoryEntry struct {
	ToolID     string    `json:"toolId"`
	ServiceID  string    `json:"serviceId"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
	Success    bool      `json:"success"`
}

// Executor routes tool calls to healthy instances. It is shared between the
// admin tools API and the browser proxy surface.
type Executor struct {
	manager *registry.Manager
	router  *router.Router

	mu      sync.Mutex
	history []HistoryEntry
	next    int
	full    bool
}

// NewExecutor wires the executor.
func NewExecutor(manager *registry.Manager, rt *router.Router) *Executor {
	return &Executor{
		manager: manager,
		router:  rt,
		history: make([]HistoryEntry, toolHistoryLimit),
	}
}

// Execute resolves the tool id, routes among healthy instances of the
// template, and performs the call.
func (e *Executor) Execute(ctx context.Context, call *ToolCall, req *router.Request) (*ToolResult, error) {
	templateName, toolName := splitToolID(call.ToolID)
	if templateName == "" {
		return nil, errors.New(errors.CodeBadRequest, "toolId is required")
	}

	tmpl, err := e.manager.Templates().Get(templateName)
	if err != nil {
		return nil, err
	}

	decision, err := e.router.Route(req, e.candidates(ctx, tmpl))
	if err != nil {
		return nil, err
	}
	serviceID := decision.Service.ID

	adapter, err := e.manager.Adapter(serviceID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, callErr := callTool(ctx, adapter, factory.Options(tmpl), toolName, call.Params)
	duration := time.Since(start)

	e.router.RecordRequest(serviceID, duration, callErr == nil)
	e.record(HistoryEntry{
		ToolID:     call.ToolID,
		ServiceID:  serviceID,
		Timestamp:  start,
		DurationMs: duration.Milliseconds(),
		Success:    callErr == nil,
	})

	out := &ToolResult{
		Success:    callErr == nil,
		ToolID:     call.ToolID,
		ServiceID:  serviceID,
		Result:     result,
		DurationMs: duration.Milliseconds(),
		Applied:    decision.Applied,
	}
	if callErr != nil {
		body := errors.ToEnvelope(callErr).Error
		out.Error = &body
	}
	return out, nil
}

// Tools aggregates tools/list across the healthy instances of every
// template, namespacing each tool as "template:tool".
func (e *Executor) Tools(ctx context.Context) ([]map[string]any, error) {
	out := make([]map[string]any, 0)
	for _, tmpl := range e.manager.Templates().List() {
		instances := e.manager.Healthy(ctx, tmpl.Name)
		if len(instances) == 0 {
			continue
		}
		adapter, err := e.manager.Adapter(instances[0].ID)
		if err != nil {
			continue
		}
		tools, err := listTools(ctx, adapter, factory.Options(tmpl))
		if err != nil {
			continue
		}
		for _, tool := range tools {
			out = append(out, map[string]any{
				"toolId":      tmpl.Name + ":" + tool.Name,
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": tool.InputSchema,
				"template":    tmpl.Name,
			})
		}
	}
	return out, nil
}

// History returns up to limit entries, newest first, optionally filtered by
// tool id.
func (e *Executor) History(limit int, toolID string) []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.next
	if e.full {
		n = toolHistoryLimit
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]HistoryEntry, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (e.next - 1 - i + toolHistoryLimit) % toolHistoryLimit
		entry := e.history[idx]
		if entry.Timestamp.IsZero() {
			break
		}
		if toolID != "" && entry.ToolID != toolID {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (e *Executor) record(entry HistoryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[e.next] = entry
	e.next = (e.next + 1) % toolHistoryLimit
	if e.next == 0 {
		e.full = true
	}
}

// candidates projects the healthy instances of a template into the router's
// service view.
func (e *Executor) candidates(ctx context.Context, tmpl *registry.Template) []*router.Service {
	instances := e.manager.Healthy(ctx, tmpl.Name)
	out := make([]*router.Service, 0, len(instances))
	for _, inst := range instances {
		svc := &router.Service{
			ID:        inst.ID,
			Template:  tmpl.Name,
			Group:     tmpl.Group,
			Transport: string(tmpl.Transport),
			Healthy:   inst.State == supervisor.StateRunning,
		}
		if tmpl.Routing != nil {
			svc.Meta = *tmpl.Routing
		}
		out = append(out, svc)
	}
	return out
}

// callTool invokes one tool on a backend, retrying transient transport
// failures up to the template's retry budget.
func callTool(ctx context.Context, adapter transport.Adapter, opts transport.Options, toolName string, params map[string]any) (json.RawMessage, error) {
	if toolName == "" {
		tools, err := listTools(ctx, adapter, opts)
		if err != nil {
			return nil, err
		}
		if len(tools) == 0 {
			return nil, errors.New(errors.CodeToolNotFound, "backend offers no tools")
		}
		toolName = tools[0].Name
	}

	msg, err := mcp.NewRequest("tools/call", mcp.ToolCallParams{
		Name:      toolName,
		Arguments: params,
	}, transport.GenerateID())
	if err != nil {
		return nil, err
	}
	resp, err := transport.SendWithRetry(ctx, adapter, opts, msg)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "calling backend tool", err)
	}
	if resp.Error != nil {
		return nil, errors.Newf(errors.CodeToolFailed, "tool %s failed: %s", toolName, resp.Error.Message)
	}
	return resp.Result, nil
}

func listTools(ctx context.Context, adapter transport.Adapter, opts transport.Options) ([]mcp.Tool, error) {
	msg, err := mcp.NewRequest("tools/list", nil, transport.GenerateID())
	if err != nil {
		return nil, err
	}
	resp, err := transport.SendWithRetry(ctx, adapter, opts, msg)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "listing backend tools", err)
	}
	if resp.Error != nil {
		return nil, errors.Newf(errors.CodeToolFailed, "tools/list failed: %s", resp.Error.Message)
	}
	var parsed mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "decoding tools list", err)
	}
	return parsed.Tools, nil
}

// splitToolID separates "template:tool". A bare template name means the
// backend's first tool.
func splitToolID(toolID string) (template, tool string) {
	if i := strings.IndexByte(toolID, ':'); i >= 0 {
		return toolID[:i], toolID[i+1:]
	}
	return toolID, ""
}

// ToolRoutes serves the /api/tools surface.
type ToolRoutes struct {
	executor *Executor
}

// ToolRouter creates the tools sub-router.
func ToolRouter(executor *Executor) http.Handler {
	routes := ToolRoutes{executor: executor}

	r := chi.NewRouter()
	r.Post("/execute", routes.execute)
	r.Post("/batch", routes.batch)
	r.Get("/history", routes.history)
	return r
}

type executeRequest struct {
	ToolID  string          `json:"toolId"`
	Params  map[string]any  `json:"params,omitempty"`
	Options *executeOptions `json:"options,omitempty"`
}

type executeOptions struct {
	TimeoutMs int `json:"timeout,omitempty"`
}

func (t *ToolRoutes) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if req.Options != nil && req.Options.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Options.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := t.executor.Execute(ctx, &ToolCall{ToolID: req.ToolID, Params: req.Params}, routeRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	Calls   []ToolCall      `json:"calls"`
	Options *executeOptions `json:"options,omitempty"`
}

// batch runs calls in order. A failed call is recorded in its slot and the
// batch continues.
func (t *ToolRoutes) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, errors.New(errors.CodeBadRequest, "calls must not be empty"))
		return
	}

	ctx := r.Context()
	if req.Options != nil && req.Options.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Options.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	results := make([]*ToolResult, 0, len(req.Calls))
	for i := range req.Calls {
		result, err := t.executor.Execute(ctx, &req.Calls[i], routeRequest(r))
		if err != nil {
			body := errors.ToEnvelope(err).Error
			result = &ToolResult{ToolID: req.Calls[i].ToolID, Error: &body}
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

func (t *ToolRoutes) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := t.executor.History(limit, r.URL.Query().Get("toolId"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": entries})
}

// routeRequest projects an HTTP request into the router's view.
func routeRequest(r *http.Request) *router.Request {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	return &router.Request{
		Method:        "tools/call",
		Path:          r.URL.Path,
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		ClientIP:      auth.ClientIP(r),
		Headers:       headers,
	}
}
