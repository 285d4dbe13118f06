package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbmcp/pbmcp/pkg/config"
	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

func gatewaySandbox() config.SandboxConfig {
	return config.Default().Sandbox
}

func TestLockedDownForcesContainerRegardlessOfTrust(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	gw.Profile = "locked-down"

	tmpl := &registry.Template{
		Name:      "trusted-svc",
		Transport: transport.TypeStdio,
		Command:   "serve",
		Security:  &registry.SecurityConfig{TrustLevel: "trusted"},
	}

	res, err := Apply(tmpl, gw)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, PolicyContainer, res.Policy)
	assert.Equal(t, "container", res.Config.Env["SANDBOX"])
	assert.Equal(t, gw.HardenedImage, res.Config.Container.Image)
	assert.Equal(t, "none", res.Config.Container.Network)
	assert.True(t, res.Config.Container.ReadOnlyRootfs)
	assert.Contains(t, res.Config.Container.CapDrop, "NET_RAW")
	assert.Contains(t, res.Reasons[0], "sandbox.profile=locked-down")
}

func TestUntrustedTemplateQuarantined(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	tmpl := &registry.Template{
		Name:     "sketchy",
		Command:  "serve",
		Security: &registry.SecurityConfig{TrustLevel: "untrusted"},
	}

	res, err := Apply(tmpl, gw)
	require.NoError(t, err)
	assert.Equal(t, PolicyContainer, res.Policy)
	assert.Contains(t, res.Reasons[0], "trustLevel=untrusted")
}

func TestLockedDownRejectsDisallowedVolume(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	gw.Profile = "locked-down"
	gw.AllowedVolumeRoots = []string{"./data"}

	tmpl := &registry.Template{
		Name:     "vol-svc",
		Command:  "serve",
		Security: &registry.SecurityConfig{TrustLevel: "trusted"},
		Container: &registry.ContainerConfig{
			Volumes: []registry.VolumeMount{{HostPath: "/tmp", ContainerPath: "/scratch"}},
		},
	}

	_, err := Apply(tmpl, gw)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSandboxViolation, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "allowed roots")
}

func TestNpmExecGetsPortableSandbox(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	tmpl := &registry.Template{
		Name:    "npm-svc",
		Command: "npm",
		Args:    []string{"exec", "@modelcontextprotocol/server-filesystem"},
	}

	res, err := Apply(tmpl, gw)
	require.NoError(t, err)
	assert.Equal(t, PolicyPortable, res.Policy)
	assert.Equal(t, "portable", res.Config.Env["SANDBOX"])
	assert.Equal(t, "true", res.Config.Env["npm_config_offline"])
	assert.Contains(t, res.Config.WorkingDir, "mcp-sandbox/packages/@modelcontextprotocol")
	assert.Contains(t, res.Reasons, "sandbox.portable.auto")
}

func TestNodeScriptGetsPortableSandbox(t *testing.T) {
	t.Parallel()

	res, err := Apply(&registry.Template{Name: "js", Command: "server.mjs"}, gatewaySandbox())
	require.NoError(t, err)
	assert.Equal(t, PolicyPortable, res.Policy)
}

func TestEnvFiltering(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	tmpl := &registry.Template{
		Name:    "env-svc",
		Command: "serve",
		Env: map[string]string{
			"MCP_TOKEN":       "keep",
			"AWS_SECRET_KEY":  "strip",
			"LD_PRELOAD":      "strip",
			"PBMCP_ENDPOINT":  "keep",
			"NODE_OPTIONS":    "keep",
			"RANDOM_INJECTED": "strip",
		},
	}

	res, err := Apply(tmpl, gw)
	require.NoError(t, err)
	assert.Equal(t, "keep", res.Config.Env["MCP_TOKEN"])
	assert.Equal(t, "keep", res.Config.Env["PBMCP_ENDPOINT"])
	assert.NotContains(t, res.Config.Env, "AWS_SECRET_KEY")
	assert.NotContains(t, res.Config.Env, "LD_PRELOAD")
	assert.NotContains(t, res.Config.Env, "RANDOM_INJECTED")

	// The original template is never mutated.
	assert.Contains(t, tmpl.Env, "AWS_SECRET_KEY")
}

func TestEnvFilterOverride(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	gw.AllowDangerousEnvOverride = true

	res, err := Apply(&registry.Template{
		Name: "raw", Command: "serve",
		Env: map[string]string{"LD_PRELOAD": "kept"},
	}, gw)
	require.NoError(t, err)
	assert.Equal(t, "kept", res.Config.Env["LD_PRELOAD"])
}

func TestNetworkPolicyPrecedence(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	gw.DefaultNetwork = "bridge"

	// Template policy wins when not inherit.
	res, err := Apply(&registry.Template{
		Name: "pinned", Command: "serve",
		Security:  &registry.SecurityConfig{NetworkPolicy: "host"},
		Container: &registry.ContainerConfig{},
	}, gw)
	require.NoError(t, err)
	assert.Equal(t, "host", res.Config.Container.Network)

	// Inherit falls back to the gateway default.
	res, err = Apply(&registry.Template{
		Name: "inheriting", Command: "serve",
		Security:  &registry.SecurityConfig{NetworkPolicy: "inherit"},
		Container: &registry.ContainerConfig{},
	}, gw)
	require.NoError(t, err)
	assert.Equal(t, "bridge", res.Config.Container.Network)
}

func TestReasonsAreOrderPreserving(t *testing.T) {
	t.Parallel()

	gw := gatewaySandbox()
	gw.Profile = "locked-down"

	res, err := Apply(&registry.Template{Name: "r", Command: "serve"}, gw)
	require.NoError(t, err)

	require.NotEmpty(t, res.Reasons)
	assert.Equal(t, "sandbox.profile=locked-down", res.Reasons[0])

	// Deterministic: applying twice yields the same reason list.
	res2, err := Apply(&registry.Template{Name: "r", Command: "serve"}, gw)
	require.NoError(t, err)
	assert.Equal(t, res.Reasons, res2.Reasons)
}

func TestNoPolicyForPlainTrustedBinary(t *testing.T) {
	t.Parallel()

	res, err := Apply(&registry.Template{Name: "plain", Command: "serve"}, gatewaySandbox())
	require.NoError(t, err)
	assert.Equal(t, PolicyNone, res.Policy)
	assert.NotContains(t, res.Config.Env, "SANDBOX")
}
