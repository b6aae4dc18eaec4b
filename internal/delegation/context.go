// Package delegation assembles token-budgeted task contexts and tracks
// live delegations of plan tasks to worker sessions, including the
// exclusive file locks held while a delegation is outstanding.
package delegation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/overseer-dev/overseer/internal/model"
)

const (
	// DefaultMaxTokens leaves room for the worker's response.
	DefaultMaxTokens = 150_000
	charsPerToken    = 4

	maxDocsAfterBudget     = 3
	maxDocCharsAfterBudget = 2000
	maxSummaryChars        = 1000
)

// DefaultVerification is the check battery applied when a task names none.
var DefaultVerification = []string{"test", "lint", "typecheck"}

// Doc is a documentation snippet candidate for inclusion in a context.
type Doc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// HistoryEvent is one prior-work event considered for the history summary.
type HistoryEvent struct {
	Type    string `json:"type"` // task_completed, file_modified, test_result
	Task    string `json:"task,omitempty"`
	File    string `json:"file,omitempty"`
	Summary string `json:"summary,omitempty"`
	Passed  bool   `json:"passed,omitempty"`
}

// Context is the instruction package handed to a worker for one task.
type Context struct {
	Task            model.Task       `json:"task"`
	PlanReference   string           `json:"plan_reference"`
	Decisions       []model.Decision `json:"decisions,omitempty"`
	Docs            []Doc            `json:"docs,omitempty"`
	PriorWork       string           `json:"prior_work,omitempty"`
	Constraints     []string         `json:"constraints,omitempty"`
	Verification    []string         `json:"verification"`
	EstimatedTokens int              `json:"estimated_tokens"`
}

// Prompt renders the context as the single instruction block sent to a
// worker process. The rendering is deterministic for a given context.
func (c *Context) Prompt() string {
	var b strings.Builder
	b.WriteString("# Task Assignment\n\n")
	fmt.Fprintf(&b, "## Task: %s\n\n", c.Task.Description)

	if len(c.Task.Files) > 0 {
		b.WriteString("### Files to modify:\n")
		for _, f := range c.Task.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	if len(c.Constraints) > 0 {
		b.WriteString("### Constraints:\n")
		for _, cs := range c.Constraints {
			fmt.Fprintf(&b, "- %s\n", cs)
		}
		b.WriteString("\n")
	}

	if len(c.Decisions) > 0 {
		b.WriteString("### Relevant Decisions:\n")
		for _, d := range c.Decisions {
			fmt.Fprintf(&b, "- **%s**: %s\n", d.Decision, d.Rationale)
		}
		b.WriteString("\n")
	}

	if len(c.Docs) > 0 {
		b.WriteString("### Documentation:\n")
		for _, d := range c.Docs {
			fmt.Fprintf(&b, "#### %s\n%s\n", d.Title, d.Content)
		}
		b.WriteString("\n")
	}

	if c.PriorWork != "" {
		b.WriteString("### Prior Work Summary:\n")
		b.WriteString(c.PriorWork)
		b.WriteString("\n\n")
	}

	if len(c.Verification) > 0 {
		b.WriteString("### Verification Required:\n")
		for _, v := range c.Verification {
			fmt.Fprintf(&b, "- %s\n", v)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Plan Reference: %s", c.PlanReference)
	return b.String()
}

// Builder assembles contexts under a token budget. Token counts are a
// chars/4 proxy, not a tokenizer.
type Builder struct {
	MaxTokens int
}

func NewBuilder(maxTokens int) *Builder {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Builder{MaxTokens: maxTokens}
}

// Build produces the context for one task. When the estimate exceeds the
// budget, docs are capped first, then the history summary, then the
// estimate is recomputed.
func (b *Builder) Build(task model.Task, plan *model.Plan, history []HistoryEvent, docs []Doc) *Context {
	verification := append([]string(nil), task.Verification...)
	if len(verification) == 0 {
		verification = append([]string(nil), DefaultVerification...)
	}

	ctx := &Context{
		Task:          task,
		PlanReference: fmt.Sprintf("%s:%s:v%d", plan.Project, plan.ID, plan.Version),
		Decisions:     relevantDecisions(task, plan.Decisions),
		Docs:          rankDocs(task, docs),
		PriorWork:     summarizeHistory(history),
		Constraints:   append([]string(nil), plan.Overview.Constraints...),
		Verification:  verification,
	}

	ctx.EstimatedTokens = estimateTokens(ctx)
	if ctx.EstimatedTokens > b.MaxTokens {
		ctx.Docs = truncateDocs(ctx.Docs)
		if len(ctx.PriorWork) > maxSummaryChars {
			ctx.PriorWork = ctx.PriorWork[:maxSummaryChars] + "\n[summary truncated]"
		}
		ctx.EstimatedTokens = estimateTokens(ctx)
	}
	return ctx
}

// relevantDecisions keeps decisions that mention one of the task's files
// or share a keyword with the task description.
func relevantDecisions(task model.Task, decisions []model.Decision) []model.Decision {
	taskWords := keywordSet(task.Description)

	var relevant []model.Decision
	for _, d := range decisions {
		text := strings.ToLower(d.Decision)
		matched := false
		for _, f := range task.Files {
			if strings.Contains(text, strings.ToLower(f)) {
				matched = true
				break
			}
		}
		if !matched {
			for w := range keywordSet(d.Decision) {
				if taskWords[w] {
					matched = true
					break
				}
			}
		}
		if matched {
			relevant = append(relevant, d)
		}
	}
	return relevant
}

// rankDocs scores docs by keyword overlap with the task description
// (title matches weighted 3x) and returns the top 5.
func rankDocs(task model.Task, docs []Doc) []Doc {
	if len(docs) == 0 {
		return nil
	}
	taskWords := keywordSet(task.Description)

	type scored struct {
		score int
		index int
	}
	var ranked []scored
	for i, doc := range docs {
		score := 0
		for w := range keywordSet(doc.Title) {
			if taskWords[w] {
				score += 3
			}
		}
		content := doc.Content
		if len(content) > 500 {
			content = content[:500]
		}
		for w := range keywordSet(content) {
			if taskWords[w] {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{score: score, index: i})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	out := make([]Doc, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, docs[r.index])
	}
	return out
}

// summarizeHistory renders the last 10 history events as a short
// natural-language digest.
func summarizeHistory(history []HistoryEvent) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > 10 {
		history = history[len(history)-10:]
	}

	var lines []string
	for _, item := range history {
		switch item.Type {
		case "task_completed":
			lines = append(lines, fmt.Sprintf("- Completed: %s", item.Task))
		case "file_modified":
			lines = append(lines, fmt.Sprintf("- Modified: %s", item.File))
		case "test_result":
			status := "failed"
			if item.Passed {
				status = "passed"
			}
			lines = append(lines, fmt.Sprintf("- Tests %s: %s", status, item.Summary))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Prior work:\n" + strings.Join(lines, "\n")
}

func truncateDocs(docs []Doc) []Doc {
	if len(docs) > maxDocsAfterBudget {
		docs = docs[:maxDocsAfterBudget]
	}
	out := make([]Doc, len(docs))
	for i, d := range docs {
		out[i] = d
		if len(d.Content) > maxDocCharsAfterBudget {
			out[i].Content = d.Content[:maxDocCharsAfterBudget] + "..."
		}
	}
	return out
}

func estimateTokens(c *Context) int {
	chars := len(c.Task.Description) + len(c.Task.Notes)
	for _, f := range c.Task.Files {
		chars += len(f)
	}
	for _, d := range c.Decisions {
		chars += len(d.Decision) + len(d.Rationale)
	}
	for _, doc := range c.Docs {
		chars += len(doc.Title) + len(doc.Content)
	}
	for _, cs := range c.Constraints {
		chars += len(cs)
	}
	for _, v := range c.Verification {
		chars += len(v)
	}
	chars += len(c.PriorWork)
	return chars / charsPerToken
}

// stopwords are filler words that would make every pair of sentences
// look related.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "are": true, "was": true, "were": true, "will": true,
	"can": true, "has": true, "have": true, "had": true, "not": true,
	"but": true, "all": true, "any": true, "its": true, "into": true,
	"from": true, "out": true, "how": true, "when": true, "what": true,
	"should": true,
}

func keywordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'`")
		if len(w) < 3 || stopwords[w] {
			continue
		}
		set[w] = true
	}
	return set
}
