package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// pipelineBackend is a scripted backend shared by every adapter the test
// factory hands out.
type pipelineBackend struct {
	tools     []string
	failTool  string
	calls     []string
	connects  int
	connected bool
}

func (b *pipelineBackend) Connect(context.Context) error {
	b.connects++
	b.connected = true
	return nil
}
func (b *pipelineBackend) Disconnect(context.Context) error { b.connected = false; return nil }
func (b *pipelineBackend) IsConnected() bool                { return b.connected }
func (b *pipelineBackend) HealthCheck(context.Context) error {
	return nil
}
func (b *pipelineBackend) Send(context.Context, *mcp.Message) error { return nil }
func (b *pipelineBackend) Receive(context.Context) (*mcp.Message, error) {
	return nil, transport.ErrReceiveUnsupported
}
func (b *pipelineBackend) SendAndReceive(_ context.Context, msg *mcp.Message) (*mcp.Message, error) {
	switch msg.Method {
	case "initialize":
		return &mcp.Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{"protocolVersion":"2025-06-18"}`)}, nil
	case "tools/list":
		tools := make([]mcp.Tool, 0, len(b.tools))
		for _, name := range b.tools {
			tools = append(tools, mcp.Tool{Name: name})
		}
		result, _ := json.Marshal(mcp.ToolsListResult{Tools: tools})
		return &mcp.Message{JSONRPC: "2.0", ID: msg.ID, Result: result}, nil
	case "tools/call":
		var params mcp.ToolCallParams
		_ = json.Unmarshal(msg.Params, &params)
		b.calls = append(b.calls, params.Name)
		if params.Name == b.failTool {
			return mcp.NewErrorResponse(msg.ID, -32000, "tool exploded", nil)
		}
		return &mcp.Message{JSONRPC: "2.0", ID: msg.ID,
			Result: json.RawMessage(fmt.Sprintf(`{"tool":%q,"ok":true}`, params.Name))}, nil
	default:
		return mcp.NewErrorResponse(msg.ID, mcp.CodeMethodNotFound, "method not found", nil)
	}
}

func testPipeline(t *testing.T, backend *pipelineBackend, templateNames ...string) *Pipeline {
	t.Helper()
	store := registry.NewTemplateStore("")
	for _, name := range templateNames {
		require.NoError(t, store.Register(&registry.Template{
			Name:      name,
			Transport: transport.TypeStdio,
			Command:   "mcp-" + name,
		}))
	}
	factory := func(_ *registry.Template, _ []string, _ func(string)) (transport.Adapter, error) {
		return backend, nil
	}
	return New(store, factory, nil)
}

func TestRunExplicitSteps(t *testing.T) {
	t.Parallel()

	backend := &pipelineBackend{tools: []string{"read_file", "write_file"}}
	p := testPipeline(t, backend, "files", "git")

	result, err := p.Run(context.Background(), &Request{Steps: []Step{
		{Template: "files", Tool: "write_file", Params: map[string]any{"path": "/tmp/x"}},
		{Template: "git"},
	}})
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	assert.False(t, result.Planned)

	// The named tool ran first; the unnamed step picked the first tool.
	assert.Equal(t, []string{"write_file", "read_file"}, backend.calls)
	assert.Equal(t, "write_file", result.Steps[0].Tool)
	assert.JSONEq(t, `{"tool":"write_file","ok":true}`, string(result.Steps[0].Result))

	// One connect per step, torn down after each.
	assert.Equal(t, 2, backend.connects)
	assert.False(t, backend.connected)
}

func TestRunGoalDerivesPlan(t *testing.T) {
	t.Parallel()

	backend := &pipelineBackend{tools: []string{"commit"}}
	p := testPipeline(t, backend, "files", "git-tools")

	result, err := p.Run(context.Background(), &Request{Goal: "commit the git changes"})
	require.NoError(t, err)
	assert.True(t, result.Planned)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "git-tools", result.Steps[0].Template)
}

func TestRunGoalWithoutMatchFails(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, &pipelineBackend{}, "files")
	_, err := p.Run(context.Background(), &Request{Goal: "launch the satellite"})
	require.Error(t, err)
}

func TestRunRejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, &pipelineBackend{}, "files")
	_, err := p.Run(context.Background(), &Request{})
	require.Error(t, err)
}

func TestFailedStepAbortsPipeline(t *testing.T) {
	t.Parallel()

	backend := &pipelineBackend{tools: []string{"good", "bad"}, failTool: "bad"}
	p := testPipeline(t, backend, "files")

	result, err := p.Run(context.Background(), &Request{Steps: []Step{
		{Template: "files", Tool: "good"},
		{Template: "files", Tool: "bad"},
		{Template: "files", Tool: "good"},
	}})
	require.Error(t, err)
	// The completed prefix is preserved; the third step never ran.
	require.Len(t, result.Steps, 1)
	assert.Equal(t, []string{"good", "bad"}, backend.calls)
}

func TestUnknownToolFails(t *testing.T) {
	t.Parallel()

	backend := &pipelineBackend{tools: []string{"read_file"}}
	p := testPipeline(t, backend, "files")

	_, err := p.Run(context.Background(), &Request{Steps: []Step{
		{Template: "files", Tool: "no_such_tool"},
	}})
	require.Error(t, err)
	assert.Empty(t, backend.calls)
}

func TestUnknownTemplateFails(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, &pipelineBackend{}, "files")
	_, err := p.Run(context.Background(), &Request{Steps: []Step{{Template: "ghost"}}})
	require.Error(t, err)
}
