package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/models"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuiltinWorkflowIsValid(t *testing.T) {
	cat, reg, err := catalog.Defaults()
	require.NoError(t, err)

	set, err := LoadAll(nil)
	require.NoError(t, err)
	w, ok := set.Get("greenfield")
	require.True(t, ok)
	require.NoError(t, Validate(w, cat, reg))
	assert.Equal(t, []string{"analyst", "pm", "ux-expert", "architect", "po", "sm", "dev", "qa"}, w.Agents())
}

func TestParseDefaultsIDAndScript(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "review.yml", `
name: Review
script: review.lua
steps:
  - agent: " QA "
    command: review-story
`)

	w, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "review", w.ID)
	assert.Equal(t, filepath.Join(dir, "review.lua"), w.Script)
	assert.Equal(t, "qa", w.Steps[0].Agent)
}

func TestLoadAllOverlaysAndSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greenfield.yaml", `
id: greenfield
name: Short greenfield
steps:
  - agent: pm
    command: create-prd
    template: prd-tmpl
`)
	writeFile(t, dir, "notes.txt", "ignored")

	set, err := LoadAll([]string{filepath.Join(dir, "missing"), dir})
	require.NoError(t, err)
	w, ok := set.Get("greenfield")
	require.True(t, ok)
	assert.Equal(t, "Short greenfield", w.Name)
	assert.Len(t, set.List(), 1)
}

func TestLoadAllReportsBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "steps: [")

	_, err := LoadAll([]string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestValidate(t *testing.T) {
	cat, reg, err := catalog.Defaults()
	require.NoError(t, err)

	cases := []struct {
		name string
		w    *models.Workflow
		want string
	}{
		{"no id", &models.Workflow{}, "must have an id"},
		{"empty", &models.Workflow{ID: "x"}, "steps or a script"},
		{"unknown agent", &models.Workflow{ID: "x", Steps: []*models.Step{{Agent: "ghost", Command: "help"}}}, "unknown agent"},
		{"unsupported command", &models.Workflow{ID: "x", Steps: []*models.Step{{Agent: "dev", Command: "create-prd"}}}, "does not support"},
		{"missing template", &models.Workflow{ID: "x", Steps: []*models.Step{{Agent: "pm", Command: "create-prd"}}}, "requires a template"},
		{"bad choice", &models.Workflow{ID: "x", Steps: []*models.Step{{Agent: "dev/ghost", Command: "help"}}}, "unknown agent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.w, cat, reg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	ok := &models.Workflow{ID: "x", Steps: []*models.Step{{Agent: "dev/qa", Command: "help"}}}
	assert.NoError(t, Validate(ok, cat, reg))
	assert.NoError(t, Validate(&models.Workflow{ID: "s", Script: "flow.lua"}, cat, reg))
}

func TestDeclared(t *testing.T) {
	w := &models.Workflow{Steps: []*models.Step{
		{Agent: "pm", Command: "create-prd"},
		{Agent: "dev", Command: "develop-story"},
		{Agent: "pm", Command: "correct-course"},
	}}
	got := Declared(w, map[string]models.ExecStatus{"pm": models.ExecStatusCompleted})
	require.Len(t, got, 2)
	assert.Equal(t, "pm", got[0].AgentID)
	assert.Equal(t, models.ExecStatusCompleted, got[0].Status)
	assert.Equal(t, models.ExecStatus(""), got[1].Status)
}
