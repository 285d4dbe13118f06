package registry

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/health"
	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/supervisor"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// AdapterFactory materializes a transport adapter for a template. Injected
// so the registry stays independent of the concrete adapter packages.
type AdapterFactory func(tmpl *Template, allowedVolumeRoots []string, logSink func(line string)) (transport.Adapter, error)

// instanceState bundles everything the manager tracks for one instance.
// Its mutex serializes lifecycle operations so stop can never interleave
// with stop or restart.
type instanceState struct {
	mu       sync.Mutex
	inst     *Instance
	tmpl     *Template
	machine  *supervisor.Machine
	adapter  transport.Adapter
	logs     *logRing
	stopped  bool
}

// Manager owns instance lifecycle: create connects and handshakes a backend,
// stop tears it down. Instances are reachable by id only.
type Manager struct {
	templates *TemplateStore
	factory   AdapterFactory
	checker   *health.Checker

	allowedVolumeRoots []string

	mu        sync.RWMutex
	instances map[string]*instanceState

	clock  func() time.Time
	lookup func(string) string
}

// NewManager wires the manager. checker may be nil when health probing is
// not wanted (tests).
func NewManager(templates *TemplateStore, factory AdapterFactory, checker *health.Checker, allowedVolumeRoots []string) *Manager {
	return &Manager{
		templates:          templates,
		factory:            factory,
		checker:            checker,
		allowedVolumeRoots: allowedVolumeRoots,
		instances:          make(map[string]*instanceState),
		clock:              time.Now,
		lookup:             os.Getenv,
	}
}

// WithEnvLookup substitutes the ${VAR} resolution source. Intended for tests.
func (m *Manager) WithEnvLookup(lookup func(string) string) *Manager {
	m.lookup = lookup
	return m
}

// Templates exposes the backing template store.
func (m *Manager) Templates() *TemplateStore {
	return m.templates
}

// CreateInstance materializes a template: expand env references, build the
// adapter, connect, and run the protocol handshake. Nothing is registered
// until the backend answered the handshake, so a failed create leaves no
// instance behind.
func (m *Manager) CreateInstance(ctx context.Context, tmpl *Template, envOverrides map[string]string) (*Instance, error) {
	work := tmpl.Clone()
	if work.Env == nil && (len(envOverrides) > 0) {
		work.Env = make(map[string]string, len(envOverrides))
	}
	for k, v := range envOverrides {
		work.Env[k] = v
	}
	for k, v := range work.Env {
		work.Env[k] = expandEnv(v, m.lookup)
	}

	id := uuid.NewString()
	machine := supervisor.NewMachine(id)
	machine.Transition(supervisor.StateInitializing)

	logs := newLogRing()
	adapter, err := m.factory(work, m.allowedVolumeRoots, logs.append)
	if err != nil {
		return nil, err
	}

	machine.Transition(supervisor.StateStarting)
	if err := adapter.Connect(ctx); err != nil {
		machine.Transition(supervisor.StateError)
		return nil, errors.Wrap(errors.CodeTransport, "connecting backend", err)
	}

	version, err := supervisor.Handshake(ctx, adapter)
	if err != nil {
		machine.Transition(supervisor.StateError)
		if derr := adapter.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			logger.Warnf("Disconnecting after failed handshake: %v", derr)
		}
		return nil, err
	}
	machine.Transition(supervisor.StateRunning)

	inst := &Instance{
		ID:           id,
		TemplateName: work.Name,
		State:        supervisor.StateRunning,
		StartedAt:    m.clock(),
		Metadata:     map[string]string{"protocolVersion": version},
	}
	if p, ok := adapter.(interface{ Pid() int }); ok {
		inst.PID = p.Pid()
	}

	state := &instanceState{inst: inst, tmpl: work, machine: machine, adapter: adapter, logs: logs}
	m.mu.Lock()
	m.instances[id] = state
	m.mu.Unlock()

	if m.checker != nil {
		// The probe resolves the adapter on every run so it follows the
		// replacement UpdateEnv swaps in.
		m.checker.Register(id, func(ctx context.Context) (*health.Record, error) {
			state.mu.Lock()
			current := state.adapter
			state.mu.Unlock()
			if err := current.HealthCheck(ctx); err != nil {
				return nil, err
			}
			return &health.Record{Healthy: true}, nil
		})
	}

	logger.Infof("Instance %s created from template %s (protocol %s)", id, work.Name, version)
	return snapshot(state), nil
}

// StopInstance disconnects an instance and removes it. Stops on the same
// instance serialize; a second stop reports not found.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	state, err := m.state(id)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.stopped {
		return errors.Newf(errors.CodeNotFound, "instance %s not found", id)
	}
	state.stopped = true

	state.machine.Transition(supervisor.StateStopping)
	if m.checker != nil {
		m.checker.StopMonitoring(id)
	}
	if err := state.adapter.Disconnect(ctx); err != nil {
		logger.Warnf("Disconnecting instance %s: %v", id, err)
	}
	state.machine.Transition(supervisor.StateStopped)

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()

	logger.Infof("Instance %s stopped", id)
	return nil
}

// UpdateEnv replaces environment entries and bounces the backend so the new
// process sees them. The instance keeps its id and history.
func (m *Manager) UpdateEnv(ctx context.Context, id string, env map[string]string) (*Instance, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.stopped {
		return nil, errors.Newf(errors.CodeNotFound, "instance %s not found", id)
	}

	if state.tmpl.Env == nil {
		state.tmpl.Env = make(map[string]string, len(env))
	}
	for k, v := range env {
		state.tmpl.Env[k] = expandEnv(v, m.lookup)
	}

	state.machine.Transition(supervisor.StateRestarting)
	if err := state.adapter.Disconnect(ctx); err != nil {
		logger.Warnf("Disconnecting instance %s for env update: %v", id, err)
	}
	state.machine.Transition(supervisor.StateStarting)

	adapter, err := m.factory(state.tmpl, m.allowedVolumeRoots, state.logs.append)
	if err != nil {
		state.machine.Transition(supervisor.StateError)
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		state.machine.Transition(supervisor.StateError)
		return nil, errors.Wrap(errors.CodeTransport, "reconnecting backend", err)
	}
	version, err := supervisor.Handshake(ctx, adapter)
	if err != nil {
		state.machine.Transition(supervisor.StateError)
		return nil, err
	}

	state.adapter = adapter
	state.machine.Transition(supervisor.StateRunning)
	state.inst.Metadata["protocolVersion"] = version
	if p, ok := adapter.(interface{ Pid() int }); ok {
		state.inst.PID = p.Pid()
	}
	return snapshot(state), nil
}

// Get returns a copy of one instance.
func (m *Manager) Get(id string) (*Instance, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return snapshot(state), nil
}

// Adapter returns the live adapter for an instance.
func (m *Manager) Adapter(id string) (transport.Adapter, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.adapter, nil
}

// Template returns the materialized template an instance runs.
func (m *Manager) Template(id string) (*Template, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.tmpl.Clone(), nil
}

// History returns the instance's recorded state transitions.
func (m *Manager) History(id string) ([]supervisor.Transition, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return state.machine.History(), nil
}

// Logs returns up to limit captured stderr lines, oldest first.
func (m *Manager) Logs(id string, limit int) ([]LogLine, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return state.logs.tail(limit), nil
}

// List returns copies of every instance sorted by start time.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	states := make([]*instanceState, 0, len(m.instances))
	for _, state := range m.instances {
		states = append(states, state)
	}
	m.mu.RUnlock()

	out := make([]*Instance, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		out = append(out, snapshot(state))
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Healthy returns the instances of a template that are running and, when a
// checker is wired, report healthy. An empty template name means all.
func (m *Manager) Healthy(ctx context.Context, templateName string) []*Instance {
	out := make([]*Instance, 0)
	for _, inst := range m.List() {
		if templateName != "" && inst.TemplateName != templateName {
			continue
		}
		if inst.State != supervisor.StateRunning {
			continue
		}
		if m.checker != nil {
			rec, err := m.checker.CheckHealth(ctx, inst.ID, false)
			if err != nil || !rec.Healthy {
				continue
			}
		}
		out = append(out, inst)
	}
	return out
}

// RecordHealth stamps the last health observation onto the instance.
func (m *Manager) RecordHealth(id string, rec *health.Record) {
	state, err := m.state(id)
	if err != nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	t := rec.Timestamp
	state.inst.LastHealthCheck = &t
	if !rec.Healthy {
		state.inst.ErrorCount++
	}
}

// Shutdown stops every instance, best effort.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, inst := range m.List() {
		if err := m.StopInstance(ctx, inst.ID); err != nil {
			logger.Warnf("Stopping instance %s at shutdown: %v", inst.ID, err)
		}
	}
}

func (m *Manager) state(id string) (*instanceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.instances[id]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "instance %s not found", id)
	}
	return state, nil
}

// snapshot copies the instance with its live state. Callers hold state.mu.
func snapshot(state *instanceState) *Instance {
	out := *state.inst
	out.State = state.machine.State()
	out.Metadata = make(map[string]string, len(state.inst.Metadata))
	for k, v := range state.inst.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// expandEnv resolves ${VAR} references against the gateway process
// environment. Unknown variables resolve to the empty string.
func expandEnv(value string, lookup func(string) string) string {
	return os.Expand(value, lookup)
}
