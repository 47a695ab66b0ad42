package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/models"
)

func TestHandoffLifecycle(t *testing.T) {
	clock, advance := fixedClock()
	tr := New(WithClock(clock))

	h, err := tr.InitiateHandoff("pm", "architect", "wf", map[string]any{"prd": "docs/prd.md"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, models.HandoffPending, h.Status)
	assert.False(t, tr.Eligible("wf", "architect"))
	assert.True(t, tr.Eligible("other", "architect"))
	assert.True(t, tr.Eligible("wf", "pm"))

	advance(time.Second)
	done, err := tr.CompleteHandoff(h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HandoffCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, clock(), *done.CompletedAt)
	assert.Equal(t, "docs/prd.md", done.Payload["prd"])

	assert.Empty(t, tr.PendingHandoffs("wf"))
	completed := tr.CompletedHandoffs("wf")
	require.Len(t, completed, 1)
	assert.Equal(t, h.ID, completed[0].ID)
	assert.True(t, tr.Eligible("wf", "architect"))
}

func TestCompleteUnknownHandoff(t *testing.T) {
	tr := New()
	_, err := tr.CompleteHandoff("nope")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestCompleteHandoffTwice(t *testing.T) {
	tr := New()
	h, err := tr.InitiateHandoff("dev", "qa", "wf", nil)
	require.NoError(t, err)
	_, err = tr.CompleteHandoff(h.ID)
	require.NoError(t, err)

	_, err = tr.CompleteHandoff(h.ID)
	assert.True(t, errs.IsNotFound(err))
	assert.Len(t, tr.CompletedHandoffs("wf"), 1)
}

func TestInitiateHandoffValidation(t *testing.T) {
	tr := New()
	_, err := tr.InitiateHandoff("pm", "pm", "wf", nil)
	assert.True(t, errs.IsValidation(err))
	_, err = tr.InitiateHandoff("", "pm", "wf", nil)
	assert.True(t, errs.IsValidation(err))
	_, err = tr.InitiateHandoff("pm", "dev", "", nil)
	assert.True(t, errs.IsValidation(err))
}

func TestHandoffPayloadIsCopied(t *testing.T) {
	tr := New()
	payload := map[string]any{"k": "v"}
	h, err := tr.InitiateHandoff("pm", "dev", "wf", payload)
	require.NoError(t, err)
	payload["k"] = "changed"

	pending := tr.PendingHandoffs("wf")
	require.Len(t, pending, 1)
	assert.Equal(t, "v", pending[0].Payload["k"])
	assert.Equal(t, h.ID, pending[0].ID)
}

func TestPendingHandoffsQueueOrder(t *testing.T) {
	tr := New()
	a, _ := tr.InitiateHandoff("pm", "architect", "wf-1", nil)
	b, _ := tr.InitiateHandoff("dev", "qa", "wf-2", nil)
	c, _ := tr.InitiateHandoff("architect", "dev", "wf-1", nil)

	all := tr.PendingHandoffs("")
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	wf1 := tr.PendingHandoffs("wf-1")
	require.Len(t, wf1, 2)
	assert.Equal(t, c.ID, wf1[1].ID)
}
