package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

func TestNewStdioAdapter(t *testing.T) {
	t.Parallel()

	adapter, err := New(&registry.Template{
		Name:      "echo",
		Transport: transport.TypeStdio,
		Command:   "mcp-echo",
	}, nil, nil)
	require.NoError(t, err)
	assert.False(t, adapter.IsConnected())
}

func TestNewStdioRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := New(&registry.Template{Name: "bad", Transport: transport.TypeStdio}, nil, nil)
	require.Error(t, err)
}

func TestNewHTTPAdapters(t *testing.T) {
	t.Parallel()

	for _, tt := range []transport.Type{transport.TypeHTTP, transport.TypeStreamableHTTP} {
		adapter, err := New(&registry.Template{
			Name:      "remote",
			Transport: tt,
			Endpoint:  "http://127.0.0.1:9000/mcp",
		}, nil, nil)
		require.NoError(t, err, string(tt))
		assert.NotNil(t, adapter)

		_, err = New(&registry.Template{Name: "no-endpoint", Transport: tt}, nil, nil)
		require.Error(t, err, string(tt))
	}
}

func TestNewContainerEnforcesVolumeAllowList(t *testing.T) {
	t.Parallel()

	tmpl := &registry.Template{
		Name:      "quarantined",
		Transport: transport.TypeStdio,
		Command:   "mcp-tool",
		Container: &registry.ContainerConfig{
			Runtime: "docker",
			Image:   "ghcr.io/pbmcp/sandbox-hardened:latest",
			Volumes: []registry.VolumeMount{
				{HostPath: "/etc", ContainerPath: "/data"},
			},
		},
	}

	_, err := New(tmpl, []string{"./data"}, nil)
	require.Error(t, err)

	tmpl.Container.Volumes[0].HostPath = "./data/share"
	adapter, err := New(tmpl, []string{"./data"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, adapter)
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	t.Parallel()

	_, err := New(&registry.Template{Name: "odd", Transport: transport.Type("carrier-pigeon")}, nil, nil)
	require.Error(t, err)
}
