package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// TemplateStore holds registered templates. Reads take a shared lock;
// register and remove serialize. When dir is non-empty every mutation is
// mirrored to <dir>/<safeName>.json.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
	dir       string
}

// NewTemplateStore creates a store persisting to dir. An empty dir keeps the
// store memory-only.
func NewTemplateStore(dir string) *TemplateStore {
	return &TemplateStore{
		templates: make(map[string]*Template),
		dir:       dir,
	}
}

// Load reads every persisted template from the store directory. Corrupt
// files are skipped with a warning.
func (s *TemplateStore) Load() error {
	if s.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading templates dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("Skipping unreadable template file %s: %v", path, err)
			continue
		}
		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			logger.Warnf("Skipping corrupt template file %s: %v", path, err)
			continue
		}
		if err := validateTemplate(&tmpl); err != nil {
			logger.Warnf("Skipping invalid template file %s: %v", path, err)
			continue
		}
		s.templates[tmpl.Name] = &tmpl
	}
	return nil
}

// Register adds a template. Names are unique; a template never changes once
// registered.
func (s *TemplateStore) Register(tmpl *Template) error {
	if err := validateTemplate(tmpl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[tmpl.Name]; exists {
		return errors.Newf(errors.CodeBadRequest, "template %q already registered", tmpl.Name)
	}
	clone := tmpl.Clone()
	s.templates[clone.Name] = clone

	if err := s.persistLocked(clone); err != nil {
		delete(s.templates, clone.Name)
		return err
	}
	return nil
}

// Remove drops a template and its persisted file.
func (s *TemplateStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[name]; !exists {
		return errors.Newf(errors.CodeNotFound, "template %q not found", name)
	}
	delete(s.templates, name)

	if s.dir != "" {
		path := filepath.Join(s.dir, safeFileName(name)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Removing template file %s: %v", path, err)
		}
	}
	return nil
}

// Get returns a deep copy of the named template.
func (s *TemplateStore) Get(name string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.templates[name]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "template %q not found", name)
	}
	return tmpl.Clone(), nil
}

// List returns copies of every template sorted by name.
func (s *TemplateStore) List() []*Template {
	s.mu.RLock()
	out := make([]*Template, 0, len(s.templates))
	for _, tmpl := range s.templates {
		out = append(out, tmpl.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *TemplateStore) persistLocked(tmpl *Template) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("creating templates dir: %w", err)
	}
	data, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding template %s: %w", tmpl.Name, err)
	}
	path := filepath.Join(s.dir, safeFileName(tmpl.Name)+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing template file: %w", err)
	}
	return nil
}

func validateTemplate(tmpl *Template) error {
	if tmpl.Name == "" {
		return errors.New(errors.CodeBadRequest, "template name must not be empty")
	}
	parsed, err := transport.ParseType(string(tmpl.Transport))
	if err != nil {
		return errors.Newf(errors.CodeBadRequest, "template %s: %v", tmpl.Name, err)
	}
	tmpl.Transport = parsed
	switch tmpl.Transport {
	case transport.TypeStdio:
		if tmpl.Command == "" && tmpl.Container == nil {
			return errors.Newf(errors.CodeBadRequest, "template %s: stdio transport requires a command", tmpl.Name)
		}
	default:
		if tmpl.Endpoint == "" {
			return errors.Newf(errors.CodeBadRequest, "template %s: %s transport requires an endpoint", tmpl.Name, tmpl.Transport)
		}
	}
	return nil
}

// safeFileName keeps template-derived file names inside the templates dir.
func safeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "template"
	}
	return out
}
