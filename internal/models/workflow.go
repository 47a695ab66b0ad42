package models

// Workflow is a declared multi-agent step sequence.
type Workflow struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description,omitempty"`
	Steps       []*Step `yaml:"steps" json:"steps"`
	// Script, when set, is a Lua file that drives the workflow instead of
	// the step list. Relative paths resolve against the definition file.
	Script string `yaml:"script,omitempty" json:"script,omitempty"`
}

type Step struct {
	Agent    string `yaml:"agent" json:"agent"`
	Command  string `yaml:"command" json:"command"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
	Prompt   string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// Agents returns the declared agent ids in step order without duplicates.
func (w *Workflow) Agents() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range w.Steps {
		if s == nil || seen[s.Agent] {
			continue
		}
		seen[s.Agent] = true
		ids = append(ids, s.Agent)
	}
	return ids
}
