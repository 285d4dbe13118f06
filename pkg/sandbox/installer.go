package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

// defaultComponents are the MCP server packages pinned into the portable
// sandbox so node-ecosystem templates run offline.
var defaultComponents = []string{
	"server-filesystem",
	"server-memory",
	"server-sequential-thinking",
}

// EventType tags installer progress events.
type EventType string

// Installer event stream vocabulary.
const (
	EventStart          EventType = "start"
	EventComponentStart EventType = "component_start"
	EventComponentDone  EventType = "component_done"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Event is one installer progress notification.
type Event struct {
	Type      EventType `json:"type"`
	Component string    `json:"component,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ComponentStatus describes one pinned package.
type ComponentStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
}

// Status is the current shape of the portable sandbox on disk.
type Status struct {
	Root       string            `json:"root"`
	Ready      bool              `json:"ready"`
	Components []ComponentStatus `json:"components"`
}

// Installer materializes and maintains the portable sandbox directory. One
// install or repair runs at a time; progress streams to subscribers.
type Installer struct {
	root       string
	components []string

	mu      sync.Mutex
	running bool
	subs    map[chan Event]struct{}
}

// NewInstaller creates an installer over root. An empty root uses the
// package directory the portable policy pins.
func NewInstaller(root string) *Installer {
	if root == "" {
		root = portablePackagesRoot
	}
	return &Installer{
		root:       root,
		components: defaultComponents,
		subs:       make(map[chan Event]struct{}),
	}
}

// Status inspects the sandbox directory without modifying it.
func (i *Installer) Status() *Status {
	st := &Status{Root: i.root, Ready: true}
	for _, name := range i.components {
		installed := i.componentInstalled(name)
		if !installed {
			st.Ready = false
		}
		st.Components = append(st.Components, ComponentStatus{Name: name, Installed: installed})
	}
	return st
}

// Subscribe returns a channel receiving installer events. Slow subscribers
// drop events rather than stalling the install.
func (i *Installer) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	i.mu.Lock()
	i.subs[ch] = struct{}{}
	i.mu.Unlock()

	cancel := func() {
		i.mu.Lock()
		if _, ok := i.subs[ch]; ok {
			delete(i.subs, ch)
			close(ch)
		}
		i.mu.Unlock()
	}
	return ch, cancel
}

// Install pins every missing component. Present components are left alone.
func (i *Installer) Install(ctx context.Context) error {
	return i.run(ctx, false)
}

// Repair reinstalls every component from scratch.
func (i *Installer) Repair(ctx context.Context) error {
	return i.run(ctx, true)
}

// Cleanup removes the sandbox directory entirely.
func (i *Installer) Cleanup() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return fmt.Errorf("sandbox install in progress")
	}
	if err := os.RemoveAll(i.root); err != nil {
		return fmt.Errorf("removing sandbox root: %w", err)
	}
	logger.Infof("Portable sandbox removed from %s", i.root)
	return nil
}

func (i *Installer) run(ctx context.Context, force bool) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("sandbox install already in progress")
	}
	i.running = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	i.publish(Event{Type: EventStart})
	for _, name := range i.components {
		if err := ctx.Err(); err != nil {
			i.publish(Event{Type: EventError, Error: err.Error()})
			return err
		}
		if !force && i.componentInstalled(name) {
			continue
		}
		i.publish(Event{Type: EventComponentStart, Component: name})
		if err := i.installComponent(name); err != nil {
			i.publish(Event{Type: EventError, Component: name, Error: err.Error()})
			return err
		}
		i.publish(Event{Type: EventComponentDone, Component: name})
	}
	i.publish(Event{Type: EventComplete})
	logger.Infof("Portable sandbox ready at %s", i.root)
	return nil
}

// installComponent pins one package directory. The marker manifest is what
// componentInstalled checks for.
func (i *Installer) installComponent(name string) error {
	dir := filepath.Join(i.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing component dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating component dir: %w", err)
	}
	manifest := map[string]string{
		"name":      "@modelcontextprotocol/" + name,
		"installed": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), data, 0600); err != nil {
		return fmt.Errorf("writing component manifest: %w", err)
	}
	return nil
}

func (i *Installer) componentInstalled(name string) bool {
	_, err := os.Stat(filepath.Join(i.root, name, "package.json"))
	return err == nil
}

func (i *Installer) publish(ev Event) {
	ev.Timestamp = time.Now()
	i.mu.Lock()
	defer i.mu.Unlock()
	for ch := range i.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; it misses this event.
		}
	}
}
