package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cat, reg, err := Defaults()
	require.NoError(t, err)
	require.NoError(t, Validate(cat, reg))

	pm, ok := cat.Get("pm")
	require.True(t, ok)
	assert.Equal(t, "Product Manager", pm.Title)
	assert.True(t, pm.Supports("create-prd"))

	prd, ok := reg.Get("create-prd")
	require.True(t, ok)
	assert.True(t, prd.RequiresTemplate)
	assert.True(t, prd.Interactive)

	shard, ok := reg.Get("shard-doc")
	require.True(t, ok)
	assert.True(t, shard.RequiresSourceFile)

	ids := []string{}
	for _, a := range cat.List() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"analyst", "pm", "ux-expert", "architect", "po", "sm", "dev", "qa"}, ids)
}

func TestLookupNormalizesIDs(t *testing.T) {
	cat, _, err := Defaults()
	require.NoError(t, err)

	a, ok := cat.Get("  PM ")
	require.True(t, ok)
	assert.Equal(t, "pm", a.ID)
	assert.True(t, cat.Has("UX Expert"))
}

func TestGetReturnsCopy(t *testing.T) {
	cat, _, err := Defaults()
	require.NoError(t, err)

	a, _ := cat.Get("dev")
	a.Commands[0] = "mutated"
	b, _ := cat.Get("dev")
	assert.Equal(t, "help", b.Commands[0])
}

func TestLoadAllOverlaysDirectories(t *testing.T) {
	dir := t.TempDir()
	overlay := `
commands:
  - id: write-runbook
    category: document
    requires_template: true
agents:
  - id: sre
    name: Riley
    title: Site Reliability Engineer
    icon: "🚒"
    commands: [help, write-runbook]
  - id: dev
    name: Jamie
    title: Developer
    commands: [help]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team.yaml"), []byte(overlay), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	cat, reg, err := LoadAll([]string{filepath.Join(dir, "missing"), dir})
	require.NoError(t, err)

	sre, ok := cat.Get("sre")
	require.True(t, ok)
	assert.Equal(t, []string{"help", "write-runbook"}, sre.Commands)

	dev, _ := cat.Get("dev")
	assert.Equal(t, "Jamie", dev.Name)

	runbook, ok := reg.Get("write-runbook")
	require.True(t, ok)
	assert.True(t, runbook.RequiresTemplate)

	list := cat.List()
	assert.Equal(t, "sre", list[len(list)-1].ID)
}

func TestLoadAllRejectsUnknownCommand(t *testing.T) {
	dir := t.TempDir()
	bad := `
agents:
  - id: rogue
    name: Rogue
    commands: [does-not-exist]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"), []byte(bad), 0644))

	_, _, err := LoadAll([]string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "does-not-exist"`)
}

func TestLoadAllReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("agents: [\n"), 0644))

	_, _, err := LoadAll([]string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}
