// Package cntr implements the container transport: the stdio adapter run
// inside a container runtime (docker or podman) with the quarantine shape
// required by the sandbox policy. The adapter composes rather than reimplements:
// it rewrites the command into a `<runtime> run -i` invocation and delegates
// all message plumbing to the stdio adapter.
package cntr

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	dockerclient "github.com/docker/docker/client"

	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/transport"
	"github.com/pbmcp/pbmcp/pkg/transport/stdio"
)

// VolumeMount maps a host path into the container.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// Config describes the containerized backend.
type Config struct {
	// Runtime is the container runtime binary, "docker" or "podman".
	Runtime string

	Image          string
	NetworkMode    string
	ReadOnlyRootfs bool
	Volumes        []VolumeMount
	CapDrop        []string
	SeccompProfile string

	// AllowedVolumeRoots is the gateway-wide volume allow-list. Any volume
	// whose host path escapes every root fails construction.
	AllowedVolumeRoots []string

	// Command and Args run inside the container. Empty means the image default.
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string

	Options transport.Options
	LogSink func(line string)
}

// Adapter is the container transport adapter.
type Adapter struct {
	cfg   Config
	inner *stdio.Adapter
}

// New creates a container adapter. Disallowed volumes fail fast here, before
// any process is spawned.
func New(cfg Config) (*Adapter, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container transport requires an image")
	}
	runtime, err := resolveRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	cfg.Runtime = runtime

	for _, vol := range cfg.Volumes {
		if !volumeAllowed(vol.HostPath, cfg.AllowedVolumeRoots) {
			return nil, fmt.Errorf("volume host path %q is outside the allowed roots %v",
				vol.HostPath, cfg.AllowedVolumeRoots)
		}
	}

	inner := stdio.New(stdio.Config{
		Command: runtime,
		Args:    buildRunArgs(cfg),
		// Env is passed to the container via -e flags; the runtime process
		// itself gets only the scoped base environment.
		Options: cfg.Options,
		LogSink: cfg.LogSink,
	})
	return &Adapter{cfg: cfg, inner: inner}, nil
}

// Connect starts the containerized backend.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.inner.Connect(ctx)
}

// Disconnect stops the containerized backend.
func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.inner.Disconnect(ctx)
}

// Send writes one message to the backend.
func (a *Adapter) Send(ctx context.Context, msg *mcp.Message) error {
	return a.inner.Send(ctx, msg)
}

// Receive returns the next unsolicited message from the backend.
func (a *Adapter) Receive(ctx context.Context) (*mcp.Message, error) {
	return a.inner.Receive(ctx)
}

// SendAndReceive sends a request and waits for the matching response.
func (a *Adapter) SendAndReceive(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return a.inner.SendAndReceive(ctx, msg)
}

// IsConnected reports whether the containerized backend is running.
func (a *Adapter) IsConnected() bool {
	return a.inner.IsConnected()
}

// HealthCheck verifies both the child process and, for docker, the daemon.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.inner.HealthCheck(ctx); err != nil {
		return err
	}
	if a.cfg.Runtime != "docker" {
		return nil
	}

	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Pid returns the pid of the runtime process.
func (a *Adapter) Pid() int {
	return a.inner.Pid()
}

func resolveRuntime(runtime string) (string, error) {
	switch runtime {
	case "", "docker":
		return "docker", nil
	case "podman":
		return "podman", nil
	default:
		return "", fmt.Errorf("unsupported container runtime %q (want docker or podman)", runtime)
	}
}

// volumeAllowed reports whether hostPath is inside one of the allowed roots.
// An empty allow-list permits nothing.
func volumeAllowed(hostPath string, roots []string) bool {
	cleaned := filepath.Clean(hostPath)
	for _, root := range roots {
		rootClean := filepath.Clean(root)
		if cleaned == rootClean || strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// buildRunArgs assembles the `run` invocation for the container runtime.
func buildRunArgs(cfg Config) []string {
	args := []string{"run", "-i", "--rm"}

	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}
	if cfg.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}
	for _, vol := range cfg.Volumes {
		spec := vol.HostPath + ":" + vol.ContainerPath
		if vol.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, cap := range cfg.CapDrop {
		args = append(args, "--cap-drop", cap)
	}
	if cfg.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+cfg.SeccompProfile)
	}
	if cfg.WorkingDir != "" {
		args = append(args, "-w", cfg.WorkingDir)
	}

	// Sorted env for a deterministic argv; helps tests and log comparison.
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+cfg.Env[k])
	}

	args = append(args, cfg.Image)
	if cfg.Command != "" {
		args = append(args, cfg.Command)
		args = append(args, cfg.Args...)
	}
	return args
}
