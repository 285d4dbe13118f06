package cntr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsDisallowedVolume(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Image:              "ghcr.io/example/mcp:latest",
		Volumes:            []VolumeMount{{HostPath: "/tmp", ContainerPath: "/data"}},
		AllowedVolumeRoots: []string{"./data"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the allowed roots")
}

func TestNewAcceptsVolumeUnderAllowedRoot(t *testing.T) {
	t.Parallel()

	a, err := New(Config{
		Image:              "ghcr.io/example/mcp:latest",
		Volumes:            []VolumeMount{{HostPath: "/srv/data/cache", ContainerPath: "/cache", ReadOnly: true}},
		AllowedVolumeRoots: []string{"/srv/data"},
	})
	require.NoError(t, err)
	assert.False(t, a.IsConnected())
}

func TestNewRequiresImage(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestNewRejectsUnknownRuntime(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Image: "img", Runtime: "lxc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported container runtime")
}

func TestVolumeAllowedPrefixSafety(t *testing.T) {
	t.Parallel()

	// /srv/database must not match the /srv/data root.
	assert.False(t, volumeAllowed("/srv/database", []string{"/srv/data"}))
	assert.True(t, volumeAllowed("/srv/data", []string{"/srv/data"}))
	assert.True(t, volumeAllowed("/srv/data/sub", []string{"/srv/data"}))
	assert.False(t, volumeAllowed("/srv/data/../etc", []string{"/srv/data"}))
	assert.False(t, volumeAllowed("/anything", nil))
}

func TestBuildRunArgsQuarantineShape(t *testing.T) {
	t.Parallel()

	args := buildRunArgs(Config{
		Runtime:        "docker",
		Image:          "hardened/mcp:1",
		NetworkMode:    "none",
		ReadOnlyRootfs: true,
		Volumes:        []VolumeMount{{HostPath: "/srv/data", ContainerPath: "/data", ReadOnly: true}},
		CapDrop:        []string{"NET_RAW", "SYS_ADMIN"},
		SeccompProfile: "/etc/pbmcp/seccomp.json",
		Command:        "node",
		Args:           []string{"server.js"},
		Env:            map[string]string{"B": "2", "A": "1"},
		WorkingDir:     "/work",
	})

	assert.Equal(t, []string{
		"run", "-i", "--rm",
		"--network", "none",
		"--read-only",
		"-v", "/srv/data:/data:ro",
		"--cap-drop", "NET_RAW",
		"--cap-drop", "SYS_ADMIN",
		"--security-opt", "seccomp=/etc/pbmcp/seccomp.json",
		"-w", "/work",
		"-e", "A=1",
		"-e", "B=2",
		"hardened/mcp:1",
		"node", "server.js",
	}, args)
}

func TestBuildRunArgsImageDefaultCommand(t *testing.T) {
	t.Parallel()

	args := buildRunArgs(Config{Runtime: "podman", Image: "img"})
	assert.Equal(t, []string{"run", "-i", "--rm", "img"}, args)
}
