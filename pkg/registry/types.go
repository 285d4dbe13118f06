// Package registry owns service templates and their running instances.
// Templates are immutable blueprints; instances are materializations created
// from a template, supervised through the state machine, and reachable via a
// transport adapter.
package registry

import (
	"time"

	"github.com/pbmcp/pbmcp/pkg/supervisor"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// Template is a reusable service blueprint. Once registered it never changes;
// updates are register-new-version operations.
type Template struct {
	Name       string            `json:"name"`
	Version    string            `json:"version,omitempty"`
	Transport  transport.Type    `json:"transport"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDirectory,omitempty"`

	// Endpoint is the remote URL for http and streamable-http transports.
	Endpoint string `json:"endpoint,omitempty"`

	// Timeout is the per-message deadline in milliseconds.
	TimeoutMs int `json:"timeout,omitempty"`
	Retries   int `json:"retries,omitempty"`

	// Group tags the template for routing conditions (serviceGroup).
	Group string `json:"group,omitempty"`

	Container   *ContainerConfig   `json:"container,omitempty"`
	Security    *SecurityConfig    `json:"security,omitempty"`
	HealthCheck *HealthCheckConfig `json:"healthCheck,omitempty"`
	Routing     *RoutingMeta       `json:"routing,omitempty"`
}

// ContainerConfig describes how a template runs under container quarantine.
type ContainerConfig struct {
	Runtime        string        `json:"runtime,omitempty"`
	Image          string        `json:"image,omitempty"`
	Network        string        `json:"network,omitempty"`
	ReadOnlyRootfs bool          `json:"readonlyRootfs,omitempty"`
	Volumes        []VolumeMount `json:"volumes,omitempty"`
	CapDrop        []string      `json:"capDrop,omitempty"`
	SeccompProfile string        `json:"seccompProfile,omitempty"`
}

// VolumeMount maps a host path into the container.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// SecurityConfig carries per-template trust and network policy.
type SecurityConfig struct {
	// TrustLevel is "trusted" or "untrusted".
	TrustLevel string `json:"trustLevel,omitempty"`

	// NetworkPolicy is "inherit" or a concrete network mode; a non-inherit
	// value wins over the gateway default.
	NetworkPolicy string `json:"networkPolicy,omitempty"`
}

// HealthCheckConfig tunes per-template health probing.
type HealthCheckConfig struct {
	Enabled    bool `json:"enabled"`
	IntervalMs int  `json:"intervalMs,omitempty"`
}

// RoutingMeta carries the attributes strategies score over.
type RoutingMeta struct {
	CostPerRequest        float64  `json:"costPerRequest,omitempty"`
	SupportedContentTypes []string `json:"supportedContentTypes,omitempty"`
	SpecializedMethods    []string `json:"specializedMethods,omitempty"`
	MaxContentLength      int      `json:"maxContentLength,omitempty"`
}

// Timeout returns the per-message deadline as a duration.
func (t *Template) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return transport.DefaultTimeout
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy of the template so policy transformations never
// mutate the registered original.
func (t *Template) Clone() *Template {
	out := *t
	out.Args = append([]string(nil), t.Args...)
	if t.Env != nil {
		out.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			out.Env[k] = v
		}
	}
	if t.Container != nil {
		c := *t.Container
		c.Volumes = append([]VolumeMount(nil), t.Container.Volumes...)
		c.CapDrop = append([]string(nil), t.Container.CapDrop...)
		out.Container = &c
	}
	if t.Security != nil {
		s := *t.Security
		out.Security = &s
	}
	if t.HealthCheck != nil {
		h := *t.HealthCheck
		out.HealthCheck = &h
	}
	if t.Routing != nil {
		r := *t.Routing
		r.SupportedContentTypes = append([]string(nil), t.Routing.SupportedContentTypes...)
		r.SpecializedMethods = append([]string(nil), t.Routing.SpecializedMethods...)
		out.Routing = &r
	}
	return &out
}

// Instance is a running materialization of a template. The registry owns it
// exclusively; other components refer to it by id.
type Instance struct {
	ID              string            `json:"id"`
	TemplateName    string            `json:"templateRef"`
	State           supervisor.State  `json:"state"`
	PID             int               `json:"pid,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	LastHealthCheck *time.Time        `json:"lastHealthCheck,omitempty"`
	ErrorCount      int               `json:"errorCount"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
