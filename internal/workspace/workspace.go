package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mpataki/crew/internal/models"
)

// Workspace is the on-disk directory of one workflow run. Produced documents
// land in docs/, handoff payloads in handoffs/.
type Workspace struct {
	Path string
}

type Metadata struct {
	WorkflowID      string    `json:"workflow_id"`
	Definition      string    `json:"definition"`
	Prompt          string    `json:"prompt"`
	CurrentAgent    string    `json:"current_agent,omitempty"`
	CompletedAgents []string  `json:"completed_agents"`
	Documents       []string  `json:"documents"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func Create(baseDir, workflowID string) (*Workspace, error) {
	if workflowID == "" || workflowID != filepath.Base(workflowID) {
		return nil, fmt.Errorf("invalid workflow id %q", workflowID)
	}
	w := &Workspace{Path: filepath.Join(baseDir, workflowID)}

	for _, dir := range []string{w.DocsDir(), w.handoffDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return w, nil
}

func Open(baseDir, workflowID string) (*Workspace, error) {
	path := filepath.Join(baseDir, workflowID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for workflow %s does not exist", workflowID)
	}
	return &Workspace{Path: path}, nil
}

func (w *Workspace) DocsDir() string    { return filepath.Join(w.Path, "docs") }
func (w *Workspace) handoffDir() string { return filepath.Join(w.Path, "handoffs") }

// WriteArtifact stores a produced document under docs/ and returns its path.
func (w *Workspace) WriteArtifact(a models.Artifact) (string, error) {
	name := artifactFilename(a)
	path := filepath.Join(w.DocsDir(), name)

	content := []byte(a.Content)
	if a.Content == "" {
		// Nothing inline: keep the descriptor so the document can be fetched later.
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal artifact: %w", err)
		}
		path += ".json"
		content = data
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

// Documents lists the files under docs/, sorted.
func (w *Workspace) Documents() ([]string, error) {
	entries, err := os.ReadDir(w.DocsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (w *Workspace) WriteHandoff(h *models.Handoff) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}
	path := filepath.Join(w.handoffDir(), h.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write handoff %s: %w", h.ID, err)
	}
	return nil
}

func (w *Workspace) WriteMetadata(meta *Metadata) error {
	path := filepath.Join(w.Path, "workflow.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write workflow.json: %w", err)
	}
	return nil
}

func (w *Workspace) ReadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "workflow.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse workflow.json: %w", err)
	}
	return &meta, nil
}

// Clear removes produced documents and handoffs, keeping the directory.
func (w *Workspace) Clear() error {
	for _, dir := range []string{w.DocsDir(), w.handoffDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func artifactFilename(a models.Artifact) string {
	name := filepath.Base(strings.TrimSpace(a.Filename))
	if name == "." || name == "/" || name == "" {
		name = strings.ToLower(strings.TrimSpace(a.Title))
		if name == "" {
			name = "document"
		}
		name += ".md"
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-")
	if name == "" || strings.HasPrefix(name, ".") {
		name = "document" + name
	}
	return name
}
