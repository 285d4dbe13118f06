// Package factory materializes transport adapters from service templates.
// It lives outside the adapter packages so the registry can build any
// variant without knowing their configuration shapes.
package factory

import (
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/transport"
	"github.com/pbmcp/pbmcp/pkg/transport/cntr"
	"github.com/pbmcp/pbmcp/pkg/transport/httpx"
	"github.com/pbmcp/pbmcp/pkg/transport/sse"
	"github.com/pbmcp/pbmcp/pkg/transport/stdio"

	"github.com/pbmcp/pbmcp/pkg/errors"
)

// Options derives the per-adapter settings a template configures: its
// message timeout and retry budget. Callers sending to an adapter outside
// the factory use the same derivation so retries honor the template.
func Options(tmpl *registry.Template) transport.Options {
	return transport.Options{
		Timeout: tmpl.Timeout(),
		Retries: tmpl.Retries,
	}
}

// New builds the adapter a template calls for. Stdio templates carrying a
// container section run quarantined; the gateway-wide volume allow-list is
// enforced at construction. LogSink receives backend stderr lines.
func New(tmpl *registry.Template, allowedVolumeRoots []string, logSink func(line string)) (transport.Adapter, error) {
	opts := Options(tmpl)

	switch tmpl.Transport {
	case transport.TypeStdio:
		if tmpl.Container != nil {
			return newContainer(tmpl, opts, allowedVolumeRoots, logSink)
		}
		if tmpl.Command == "" {
			return nil, errors.Newf(errors.CodeBadRequest, "template %s: stdio transport requires a command", tmpl.Name)
		}
		return stdio.New(stdio.Config{
			Command:    tmpl.Command,
			Args:       tmpl.Args,
			Env:        tmpl.Env,
			WorkingDir: tmpl.WorkingDir,
			Options:    opts,
			LogSink:    logSink,
		}), nil

	case transport.TypeHTTP:
		if tmpl.Endpoint == "" {
			return nil, errors.Newf(errors.CodeBadRequest, "template %s: http transport requires an endpoint", tmpl.Name)
		}
		return httpx.New(httpx.Config{
			Endpoint: tmpl.Endpoint,
			Options:  opts,
		}), nil

	case transport.TypeStreamableHTTP:
		if tmpl.Endpoint == "" {
			return nil, errors.Newf(errors.CodeBadRequest, "template %s: streamable-http transport requires an endpoint", tmpl.Name)
		}
		return sse.New(sse.Config{
			Endpoint: tmpl.Endpoint,
			Options:  opts,
		}), nil

	default:
		return nil, errors.Newf(errors.CodeBadRequest, "template %s: unsupported transport %q", tmpl.Name, tmpl.Transport)
	}
}

func newContainer(tmpl *registry.Template, opts transport.Options, allowedVolumeRoots []string, logSink func(line string)) (transport.Adapter, error) {
	volumes := make([]cntr.VolumeMount, 0, len(tmpl.Container.Volumes))
	for _, v := range tmpl.Container.Volumes {
		volumes = append(volumes, cntr.VolumeMount{
			HostPath:      v.HostPath,
			ContainerPath: v.ContainerPath,
			ReadOnly:      v.ReadOnly,
		})
	}
	return cntr.New(cntr.Config{
		Runtime:            tmpl.Container.Runtime,
		Image:              tmpl.Container.Image,
		NetworkMode:        tmpl.Container.Network,
		ReadOnlyRootfs:     tmpl.Container.ReadOnlyRootfs,
		Volumes:            volumes,
		CapDrop:            tmpl.Container.CapDrop,
		SeccompProfile:     tmpl.Container.SeccompProfile,
		AllowedVolumeRoots: allowedVolumeRoots,
		Command:            tmpl.Command,
		Args:               tmpl.Args,
		Env:                tmpl.Env,
		WorkingDir:         tmpl.WorkingDir,
		Options:            opts,
		LogSink:            logSink,
	})
}
