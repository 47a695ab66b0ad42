package models

// AgentDefinition describes one agent persona available to workflows.
type AgentDefinition struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Title    string   `yaml:"title" json:"title"`
	Icon     string   `yaml:"icon" json:"icon"`
	Commands []string `yaml:"commands" json:"commands"`
}

// Supports reports whether the agent lists the command.
func (a *AgentDefinition) Supports(command string) bool {
	for _, c := range a.Commands {
		if c == command {
			return true
		}
	}
	return false
}

// CommandDefinition holds the execution requirements of a command.
type CommandDefinition struct {
	ID                 string `yaml:"id" json:"id"`
	Category           string `yaml:"category" json:"category"`
	Description        string `yaml:"description,omitempty" json:"description,omitempty"`
	RequiresTemplate   bool   `yaml:"requires_template" json:"requiresTemplate"`
	RequiresSourceFile bool   `yaml:"requires_source_file" json:"requiresSourceFile"`
	Interactive        bool   `yaml:"interactive" json:"interactive"`
}
