package delegation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-dev/overseer/internal/model"
)

func contextPlan() *model.Plan {
	return &model.Plan{
		ID:      "plan-ctx",
		Project: "demo",
		Version: 3,
		Overview: model.Overview{
			Goal:        "Ship the payments service",
			Constraints: []string{"No schema changes", "Keep API backwards compatible"},
		},
		Decisions: []model.Decision{
			{ID: "d1", Decision: "Use sqlite for the ledger store", Rationale: "single writer, zero ops"},
			{ID: "d2", Decision: "Frontend stays on the old bundler", Rationale: "out of scope"},
		},
	}
}

func TestBuildIncludesRelevantDecisionsOnly(t *testing.T) {
	task := model.Task{
		ID:          "t1",
		Description: "Implement the ledger store on sqlite",
		Files:       []string{"internal/ledger/store.go"},
	}
	ctx := NewBuilder(0).Build(task, contextPlan(), nil, nil)

	require.Len(t, ctx.Decisions, 1)
	assert.Equal(t, "d1", ctx.Decisions[0].ID)
	assert.Equal(t, []string{"No schema changes", "Keep API backwards compatible"}, ctx.Constraints)
	assert.Equal(t, "demo:plan-ctx:v3", ctx.PlanReference)
}

func TestBuildDefaultVerification(t *testing.T) {
	task := model.Task{ID: "t1", Description: "Implement the ledger store"}
	ctx := NewBuilder(0).Build(task, contextPlan(), nil, nil)
	assert.Equal(t, DefaultVerification, ctx.Verification)

	task.Verification = []string{"go test ./internal/ledger/..."}
	ctx = NewBuilder(0).Build(task, contextPlan(), nil, nil)
	assert.Equal(t, task.Verification, ctx.Verification)
}

func TestKeywordSetDropsFillerWords(t *testing.T) {
	set := keywordSet("Implement the ledger store on sqlite.")
	assert.True(t, set["ledger"])
	assert.True(t, set["sqlite"])
	// Filler words would make every pair of sentences look related.
	assert.False(t, set["the"])
	assert.False(t, set["on"])
}

func TestRankDocsPrefersTitleMatches(t *testing.T) {
	task := model.Task{Description: "Implement the ledger store"}
	docs := []Doc{
		{Title: "Deployment runbook", Content: "how to deploy"},
		{Title: "Ledger design", Content: "the ledger keeps double-entry rows"},
		{Title: "Misc", Content: "the store uses sqlite, see ledger notes"},
	}
	ranked := rankDocs(task, docs)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "Ledger design", ranked[0].Title)
	// Deployment runbook shares no keywords and is dropped.
	for _, d := range ranked {
		assert.NotEqual(t, "Deployment runbook", d.Title)
	}
}

func TestSummarizeHistoryKeepsLastTen(t *testing.T) {
	var history []HistoryEvent
	for i := 0; i < 15; i++ {
		history = append(history, HistoryEvent{Type: "task_completed", Task: string(rune('a' + i))})
	}
	summary := summarizeHistory(history)
	assert.Equal(t, 10, strings.Count(summary, "- Completed:"))
	// The oldest entries fall off the front.
	assert.NotContains(t, summary, "- Completed: a\n")
}

func TestBudgetTruncatesDocsThenHistory(t *testing.T) {
	big := strings.Repeat("x", 40_000)
	docs := []Doc{
		{Title: "ledger part one", Content: "ledger " + big},
		{Title: "ledger part two", Content: "ledger " + big},
		{Title: "ledger part three", Content: "ledger " + big},
		{Title: "ledger part four", Content: "ledger " + big},
	}
	var history []HistoryEvent
	for i := 0; i < 10; i++ {
		history = append(history, HistoryEvent{Type: "test_result", Passed: true, Summary: strings.Repeat("y", 200)})
	}
	task := model.Task{ID: "t1", Description: "Extend the ledger"}

	ctx := NewBuilder(10).Build(task, contextPlan(), history, docs)

	assert.LessOrEqual(t, len(ctx.Docs), maxDocsAfterBudget)
	for _, d := range ctx.Docs {
		assert.LessOrEqual(t, len(d.Content), maxDocCharsAfterBudget+len("..."))
	}
	assert.LessOrEqual(t, len(ctx.PriorWork), maxSummaryChars+len("\n[summary truncated]"))
}

func TestPromptIsDeterministic(t *testing.T) {
	task := model.Task{
		ID:           "t1",
		Description:  "Implement the ledger store",
		Files:        []string{"store.go"},
		Verification: []string{"go test ./..."},
	}
	b := NewBuilder(0)
	p1 := b.Build(task, contextPlan(), nil, nil).Prompt()
	p2 := b.Build(task, contextPlan(), nil, nil).Prompt()
	assert.Equal(t, p1, p2)
	assert.True(t, strings.HasPrefix(p1, "# Task Assignment"))
	assert.Contains(t, p1, "### Verification Required:")
}
