// Package workflow loads declared multi-agent step sequences.
package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/resolver"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Set holds workflow definitions by id.
type Set struct {
	workflows map[string]*models.Workflow
}

func NewSet(workflows ...*models.Workflow) *Set {
	s := &Set{workflows: make(map[string]*models.Workflow)}
	for _, w := range workflows {
		s.workflows[w.ID] = w
	}
	return s
}

func (s *Set) Get(id string) (*models.Workflow, bool) {
	w, ok := s.workflows[id]
	return w, ok
}

// List returns the workflows sorted by id.
func (s *Set) List() []*models.Workflow {
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func decode(data []byte) (*models.Workflow, error) {
	var w models.Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	for _, s := range w.Steps {
		if s != nil {
			s.Agent = catalog.NormalizeID(s.Agent)
		}
	}
	return &w, nil
}

func Parse(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	w, err := decode(data)
	if err != nil {
		return nil, err
	}
	if w.ID == "" {
		w.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if w.Script != "" && !filepath.IsAbs(w.Script) {
		w.Script = filepath.Join(filepath.Dir(path), w.Script)
	}
	return w, nil
}

// LoadAll returns the built-in workflows overlaid with every definition found
// in dirs. Later directories win on id collisions.
func LoadAll(dirs []string) (*Set, error) {
	builtin, err := decode(defaultYAML)
	if err != nil {
		return nil, err
	}
	set := NewSet(builtin)

	for _, dir := range dirs {
		if err := loadFromDir(dir, set); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}
	return set, nil
}

func loadFromDir(dir string, set *Set) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		w, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		set.workflows[w.ID] = w
	}
	return nil
}

// Validate checks a definition against the catalog. Choice-point steps are
// accepted as long as every candidate agent exists.
func Validate(w *models.Workflow, cat *catalog.Catalog, reg *catalog.Registry) error {
	if w.ID == "" {
		return fmt.Errorf("workflow must have an id")
	}
	if len(w.Steps) == 0 && w.Script == "" {
		return fmt.Errorf("workflow %q must define steps or a script", w.ID)
	}

	for i, s := range w.Steps {
		if s == nil || s.Agent == "" {
			return fmt.Errorf("workflow %q step %d must name an agent", w.ID, i+1)
		}
		if s.Command == "" {
			return fmt.Errorf("workflow %q step %d must name a command", w.ID, i+1)
		}
		if resolver.IsChoicePoint(s.Agent) {
			for _, candidate := range strings.Split(s.Agent, "/") {
				if candidate != "various" && !cat.Has(candidate) {
					return fmt.Errorf("workflow %q step %d: unknown agent %q", w.ID, i+1, candidate)
				}
			}
			continue
		}
		agent, ok := cat.Get(s.Agent)
		if !ok {
			return fmt.Errorf("workflow %q step %d: unknown agent %q", w.ID, i+1, s.Agent)
		}
		if !agent.Supports(s.Command) {
			return fmt.Errorf("workflow %q step %d: agent %q does not support %q", w.ID, i+1, s.Agent, s.Command)
		}
		if def, ok := reg.Get(s.Command); ok && def.RequiresTemplate && s.Template == "" {
			return fmt.Errorf("workflow %q step %d: command %q requires a template", w.ID, i+1, s.Command)
		}
	}
	return nil
}

// Declared converts the workflow's agent sequence into resolver input,
// annotated with the statuses reported by the tracker.
func Declared(w *models.Workflow, statuses map[string]models.ExecStatus) []resolver.Declared {
	ids := w.Agents()
	out := make([]resolver.Declared, len(ids))
	for i, id := range ids {
		out[i] = resolver.Declared{AgentID: id, Status: statuses[id]}
	}
	return out
}
