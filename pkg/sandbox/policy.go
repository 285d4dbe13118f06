// Package sandbox implements the deterministic policy that hardens a service
// template against the gateway-wide security profile before any instance is
// created. The transformation is pure: template in, enforced template plus
// machine-readable reasons out.
package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pbmcp/pbmcp/pkg/config"
	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/registry"
)

// Policy names for the Result.
const (
	PolicyContainer = "container"
	PolicyPortable  = "portable"
	PolicyNone      = "none"
)

// droppedCapabilities is the capability set removed under container quarantine.
var droppedCapabilities = []string{"NET_RAW", "SYS_ADMIN", "SYS_PTRACE", "MKNOD", "AUDIT_WRITE"}

// portablePackagesRoot is where the portable sandbox pins node-ecosystem
// templates, relative to the gateway working directory.
const portablePackagesRoot = "../mcp-sandbox/packages/@modelcontextprotocol"

// Result is the outcome of applying the sandbox policy.
type Result struct {
	// Config is the enforced template; the input is never mutated.
	Config *registry.Template

	// Applied reports whether any rule changed the template.
	Applied bool

	// Reasons is the stable, order-preserving list of machine-readable
	// reasons for each mutation.
	Reasons []string

	// Policy is the quarantine shape chosen: container, portable, or none.
	Policy string
}

// Apply transforms a template under the gateway sandbox configuration.
// Rules evaluate in a fixed order: container quarantine, portable sandbox,
// env filtering, then network policy precedence. A disallowed volume is a
// hard failure; no instance may be created from the template.
func Apply(tmpl *registry.Template, gw config.SandboxConfig) (*Result, error) {
	res := &Result{Config: tmpl.Clone(), Policy: PolicyNone}
	cfg := res.Config
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}

	lockedDown := gw.Profile == "locked-down"
	untrusted := gw.RequiredForUntrusted && tmpl.Security != nil && tmpl.Security.TrustLevel == "untrusted"

	switch {
	case lockedDown || untrusted:
		if lockedDown {
			res.reason("sandbox.profile=locked-down")
		}
		if untrusted {
			res.reason("trustLevel=untrusted")
		}
		if err := enforceContainer(res, gw); err != nil {
			return nil, err
		}
	case isNodeEcosystem(cfg):
		res.reason("sandbox.portable.auto")
		enforcePortable(res)
	}

	filterEnv(res, gw)
	applyNetworkPolicy(res, gw)

	return res, nil
}

func (r *Result) reason(reason string) {
	r.Applied = true
	r.Reasons = append(r.Reasons, reason)
}

// enforceContainer forces the template into container quarantine and
// validates its volumes against the gateway allow-list.
func enforceContainer(res *Result, gw config.SandboxConfig) error {
	cfg := res.Config
	res.Policy = PolicyContainer
	cfg.Env["SANDBOX"] = "container"

	if cfg.Container == nil {
		cfg.Container = &registry.ContainerConfig{}
	}
	if cfg.Container.Image != gw.HardenedImage {
		cfg.Container.Image = gw.HardenedImage
		res.reason("container.image=" + gw.HardenedImage)
	}
	cfg.Container.Network = "none"
	res.reason("container.network=none")
	cfg.Container.ReadOnlyRootfs = true
	res.reason("container.readonlyRootfs=true")
	cfg.Container.CapDrop = mergeCapDrops(cfg.Container.CapDrop)
	res.reason("container.capDrop=" + strings.Join(droppedCapabilities, ","))

	for _, vol := range cfg.Container.Volumes {
		if !volumeAllowed(vol.HostPath, gw.AllowedVolumeRoots) {
			return errors.Newf(errors.CodeSandboxViolation,
				"volume host path %q is outside the allowed roots %v", vol.HostPath, gw.AllowedVolumeRoots)
		}
	}
	return nil
}

// enforcePortable pins node-ecosystem templates into the portable sandbox.
func enforcePortable(res *Result) {
	cfg := res.Config
	res.Policy = PolicyPortable
	cfg.Env["SANDBOX"] = "portable"
	cfg.Env["npm_config_offline"] = "true"
	cfg.WorkingDir = portablePackagesRoot
	res.reason("workingDirectory=" + portablePackagesRoot)
}

// isNodeEcosystem reports whether the template's command is npm exec or a
// node-ecosystem script.
func isNodeEcosystem(tmpl *registry.Template) bool {
	cmd := filepath.Base(tmpl.Command)
	switch cmd {
	case "npm":
		return len(tmpl.Args) > 0 && (tmpl.Args[0] == "exec" || tmpl.Args[0] == "x")
	case "npx", "node":
		return true
	}
	return strings.HasSuffix(tmpl.Command, ".js") || strings.HasSuffix(tmpl.Command, ".mjs")
}

// filterEnv strips env keys outside the safe prefixes unless the override is set.
func filterEnv(res *Result, gw config.SandboxConfig) {
	if gw.AllowDangerousEnvOverride || len(gw.EnvSafePrefixes) == 0 {
		return
	}
	cfg := res.Config
	keys := make([]string, 0, len(cfg.Env))
	for key := range cfg.Env {
		keys = append(keys, key)
	}
	// Sorted so the reason list stays stable across runs.
	sort.Strings(keys)
	for _, key := range keys {
		if key == "SANDBOX" || key == "npm_config_offline" {
			continue
		}
		if !hasSafePrefix(key, gw.EnvSafePrefixes) {
			delete(cfg.Env, key)
			res.reason(fmt.Sprintf("env.stripped=%s", key))
		}
	}
}

func hasSafePrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// applyNetworkPolicy resolves the effective network: the template's explicit
// policy wins unless it is "inherit", in which case the gateway default
// applies. Container quarantine already forced "none" and is not revisited.
func applyNetworkPolicy(res *Result, gw config.SandboxConfig) {
	if res.Policy == PolicyContainer {
		return
	}
	cfg := res.Config
	policy := "inherit"
	if cfg.Security != nil && cfg.Security.NetworkPolicy != "" {
		policy = cfg.Security.NetworkPolicy
	}
	if policy == "inherit" {
		policy = gw.DefaultNetwork
	}
	if cfg.Container != nil && cfg.Container.Network != policy {
		cfg.Container.Network = policy
		res.reason("network=" + policy)
	}
}

func mergeCapDrops(existing []string) []string {
	seen := map[string]bool{}
	out := append([]string(nil), existing...)
	for _, c := range existing {
		seen[c] = true
	}
	for _, c := range droppedCapabilities {
		if !seen[c] {
			out = append(out, c)
		}
	}
	return out
}

// volumeAllowed reports whether hostPath is inside one of the allowed roots.
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
