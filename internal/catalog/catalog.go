// Package catalog loads the agent catalog and command registry.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/crew/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// File is the on-disk shape of a catalog file. Either list may be empty.
type File struct {
	Agents   []*models.AgentDefinition   `yaml:"agents"`
	Commands []*models.CommandDefinition `yaml:"commands"`
}

// Catalog maps agent ids to their definitions, preserving load order.
type Catalog struct {
	agents map[string]*models.AgentDefinition
	order  []string
}

func NewCatalog(agents ...*models.AgentDefinition) *Catalog {
	c := &Catalog{agents: make(map[string]*models.AgentDefinition)}
	for _, a := range agents {
		c.put(a)
	}
	return c
}

func (c *Catalog) put(a *models.AgentDefinition) {
	id := NormalizeID(a.ID)
	cp := *a
	cp.ID = id
	cp.Commands = append([]string(nil), a.Commands...)
	if _, exists := c.agents[id]; !exists {
		c.order = append(c.order, id)
	}
	c.agents[id] = &cp
}

// Get returns a copy of the agent definition.
func (c *Catalog) Get(id string) (*models.AgentDefinition, bool) {
	a, ok := c.agents[NormalizeID(id)]
	if !ok {
		return nil, false
	}
	cp := *a
	cp.Commands = append([]string(nil), a.Commands...)
	return &cp, true
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.agents[NormalizeID(id)]
	return ok
}

// List returns the agents in load order.
func (c *Catalog) List() []*models.AgentDefinition {
	out := make([]*models.AgentDefinition, 0, len(c.order))
	for _, id := range c.order {
		a, _ := c.Get(id)
		out = append(out, a)
	}
	return out
}

// Registry maps command ids to their execution requirements.
type Registry struct {
	commands map[string]*models.CommandDefinition
	order    []string
}

func NewRegistry(commands ...*models.CommandDefinition) *Registry {
	r := &Registry{commands: make(map[string]*models.CommandDefinition)}
	for _, c := range commands {
		r.put(c)
	}
	return r
}

func (r *Registry) put(c *models.CommandDefinition) {
	cp := *c
	if _, exists := r.commands[cp.ID]; !exists {
		r.order = append(r.order, cp.ID)
	}
	r.commands[cp.ID] = &cp
}

func (r *Registry) Get(id string) (*models.CommandDefinition, bool) {
	c, ok := r.commands[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (r *Registry) List() []*models.CommandDefinition {
	out := make([]*models.CommandDefinition, 0, len(r.order))
	for _, id := range r.order {
		c, _ := r.Get(id)
		out = append(out, c)
	}
	return out
}

// NormalizeID lowercases and trims an agent id so catalog lookups and
// activity attribution agree on identity.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.Join(strings.Fields(id), "-")
}

// Defaults returns the built-in catalog and registry.
func Defaults() (*Catalog, *Registry, error) {
	var f File
	if err := yaml.Unmarshal(defaultsYAML, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse built-in catalog: %w", err)
	}
	return NewCatalog(f.Agents...), NewRegistry(f.Commands...), nil
}

// Parse reads a single catalog file.
func Parse(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return &f, nil
}

// LoadAll starts from the built-in definitions and overlays every YAML file
// found in dirs, in order. Later definitions replace earlier ones by id.
func LoadAll(dirs []string) (*Catalog, *Registry, error) {
	cat, reg, err := Defaults()
	if err != nil {
		return nil, nil, err
	}

	for _, dir := range dirs {
		if err := loadFromDir(dir, cat, reg); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, err
		}
	}

	if err := Validate(cat, reg); err != nil {
		return nil, nil, err
	}
	return cat, reg, nil
}

func loadFromDir(dir string, cat *Catalog, reg *Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		f, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, c := range f.Commands {
			reg.put(c)
		}
		for _, a := range f.Agents {
			cat.put(a)
		}
	}

	return nil
}

// Validate checks that every agent is well formed and only lists commands the
// registry knows about.
func Validate(cat *Catalog, reg *Registry) error {
	for _, id := range cat.order {
		a := cat.agents[id]
		if a.ID == "" {
			return fmt.Errorf("agent must have an id")
		}
		if a.Name == "" {
			return fmt.Errorf("agent %q must have a name", a.ID)
		}
		for _, cmd := range a.Commands {
			if _, ok := reg.commands[cmd]; !ok {
				return fmt.Errorf("agent %q lists unknown command %q", a.ID, cmd)
			}
		}
	}
	for _, id := range reg.order {
		if id == "" {
			return fmt.Errorf("command must have an id")
		}
	}
	return nil
}
