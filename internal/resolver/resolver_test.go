package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/models"
)

func defaults(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, _, err := catalog.Defaults()
	require.NoError(t, err)
	return cat
}

func declared(ids ...string) []Declared {
	out := make([]Declared, len(ids))
	for i, id := range ids {
		out[i] = Declared{AgentID: id}
	}
	return out
}

func ids(views []AgentView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func byID(t *testing.T, views []AgentView, id string) AgentView {
	t.Helper()
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("agent %s not in view", id)
	return AgentView{}
}

func TestDeclaredFirstThenObserved(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	views := Resolve(Input{
		Declared: declared("pm", "architect", "dev"),
		Messages: []models.Message{
			{Seq: 1, Role: models.RoleUser, Content: "*review-story", Timestamp: base},
			{Seq: 2, Role: models.RoleAssistant, Agent: "qa", Content: "Looks good", Timestamp: base.Add(time.Minute)},
		},
		Catalog: defaults(t),
	})

	assert.Equal(t, []string{"pm", "architect", "dev", "qa"}, ids(views))
	for i := 0; i < 3; i++ {
		assert.Equal(t, i+1, views[i].Order)
		assert.False(t, views[i].IsAdditional)
		assert.Equal(t, models.ExecStatusPending, views[i].WorkflowStatus)
	}

	qa := views[3]
	assert.Greater(t, qa.Order, 3)
	assert.True(t, qa.IsAdditional)
	assert.Equal(t, "Quinn", qa.Name)
	require.NotNil(t, qa.LastActivity)
	assert.Equal(t, base.Add(time.Minute), *qa.LastActivity)
}

func TestPromptAgentBeatsCurrentPointer(t *testing.T) {
	views := Resolve(Input{
		Declared:     declared("pm", "architect", "dev"),
		Prompt:       &models.ElicitationPrompt{Agent: "architect", Command: "research"},
		CurrentAgent: "dev",
		Catalog:      defaults(t),
	})

	architect := byID(t, views, "architect")
	dev := byID(t, views, "dev")
	assert.True(t, architect.IsActive)
	assert.False(t, architect.IsRecent)
	assert.False(t, dev.IsActive)
	assert.True(t, dev.IsRecent)
	assert.True(t, dev.IsCurrent)
}

func TestCurrentPointerActiveWithoutPrompt(t *testing.T) {
	views := Resolve(Input{
		Declared:     declared("pm", "architect"),
		CurrentAgent: "PM",
		Catalog:      defaults(t),
	})

	pm := byID(t, views, "pm")
	assert.True(t, pm.IsActive)
	assert.True(t, pm.IsCurrent)
	assert.False(t, pm.IsRecent)
	assert.False(t, byID(t, views, "architect").IsActive)
}

func TestReservedSendersIgnored(t *testing.T) {
	views := Resolve(Input{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Agent: "System", Content: "boot"},
			{Role: models.RoleAssistant, Agent: "You", Content: "echo"},
			{Role: models.RoleAssistant, Content: "anonymous"},
		},
	})
	assert.Empty(t, views)
}

func TestReportedStatusAndLatestActivity(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	views := Resolve(Input{
		Declared: []Declared{
			{AgentID: "pm", Status: models.ExecStatusCompleted},
			{AgentID: "dev", Status: models.ExecStatusActive},
		},
		Messages: []models.Message{
			{Role: models.RoleAssistant, Agent: "pm", Timestamp: base.Add(2 * time.Minute)},
			{Role: models.RoleAssistant, Agent: "PM", Timestamp: base},
		},
		Catalog: defaults(t),
	})

	pm := byID(t, views, "pm")
	assert.Equal(t, models.ExecStatusCompleted, pm.WorkflowStatus)
	require.NotNil(t, pm.LastActivity)
	assert.Equal(t, base.Add(2*time.Minute), *pm.LastActivity)
	assert.Equal(t, models.ExecStatusActive, byID(t, views, "dev").WorkflowStatus)
	assert.Nil(t, byID(t, views, "dev").LastActivity)
}

func TestDuplicateDeclaredAgentsCollapse(t *testing.T) {
	views := Resolve(Input{Declared: declared("sm", "dev", "qa", "dev", "sm")})
	assert.Equal(t, []string{"sm", "dev", "qa"}, ids(views))
	assert.Equal(t, 3, views[2].Order)
}

func TestObservedAgentsKeepFirstSeenOrder(t *testing.T) {
	views := Resolve(Input{
		Declared: declared("pm"),
		Messages: []models.Message{
			{Role: models.RoleAssistant, Agent: "qa"},
			{Role: models.RoleAssistant, Agent: "dev"},
			{Role: models.RoleAssistant, Agent: "qa"},
		},
	})
	assert.Equal(t, []string{"pm", "qa", "dev"}, ids(views))
	assert.Equal(t, OrderUnbounded, views[1].Order)
}

func TestPromptAgentOutsideWorkflowIsAppended(t *testing.T) {
	views := Resolve(Input{
		Declared: declared("pm"),
		Prompt:   &models.ElicitationPrompt{Agent: "analyst"},
		Catalog:  defaults(t),
	})
	require.Len(t, views, 2)
	assert.Equal(t, "analyst", views[1].ID)
	assert.True(t, views[1].IsActive)
	assert.True(t, views[1].IsAdditional)
}

func TestChoicePoints(t *testing.T) {
	views := Resolve(Input{
		Declared: declared("pm", "dev/qa", "various"),
		Catalog:  defaults(t),
	})

	choice := byID(t, views, "dev/qa")
	assert.True(t, choice.IsChoicePoint)
	assert.Equal(t, "🔄", choice.Icon)
	assert.Equal(t, "dev or qa", choice.Name)

	various := byID(t, views, "various")
	assert.True(t, various.IsChoicePoint)
	assert.Equal(t, "🔄", various.Icon)

	assert.False(t, byID(t, views, "pm").IsChoicePoint)
	assert.True(t, IsChoicePoint("Various"))
	assert.False(t, IsChoicePoint("dev"))
}

func TestUnknownAgentDescription(t *testing.T) {
	views := Resolve(Input{Declared: declared("data-engineer"), Catalog: defaults(t)})
	require.Len(t, views, 1)
	assert.Equal(t, "data-engineer", views[0].Name)
	assert.Equal(t, "Additional agent", views[0].Role)
}
