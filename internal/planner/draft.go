package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/overseer-dev/overseer/internal/model"
	"github.com/overseer-dev/overseer/templates"
)

// draftTimeout bounds one plan-generation call to the worker CLI.
const draftTimeout = 120 * time.Second

// DraftGenerator produces a draft plan from a finished Q&A session.
// Generate never fails: implementations fall back to a template plan.
type DraftGenerator interface {
	Generate(session *Session) *model.Plan
}

// WorkerDrafts generates drafts by prompting the worker CLI in print mode
// and parsing the JSON it returns. Any failure (missing binary, timeout,
// unparseable output) falls back to the template plan.
type WorkerDrafts struct {
	Command string // worker binary, e.g. "claude"
	Logger  *log.Logger
}

func NewWorkerDrafts(command string, logger *log.Logger) *WorkerDrafts {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[planner] ", log.LstdFlags)
	}
	return &WorkerDrafts{Command: command, Logger: logger}
}

func (w *WorkerDrafts) Generate(session *Session) *model.Plan {
	plan, err := w.generate(session)
	if err != nil {
		w.Logger.Printf("draft generation via %s failed: %v, using fallback plan", w.Command, err)
		return fallbackPlan(session)
	}
	return plan
}

func (w *WorkerDrafts) generate(session *Session) (*model.Plan, error) {
	ctx, cancel := context.WithTimeout(context.Background(), draftTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.Command, "--print", "--output-format", "text")
	cmd.Stdin = strings.NewReader(buildPrompt(session))
	// The generation worker runs in its own process group so the timeout
	// kills anything it spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("plan generation timed out after %s", draftTimeout)
		}
		return nil, fmt.Errorf("worker exited: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseDraftResponse(session, stdout.String())
}

func buildPrompt(session *Session) string {
	var answers strings.Builder
	for _, q := range session.Answered() {
		if q.Answer == "" {
			continue
		}
		fmt.Fprintf(&answers, "**Q: %s**\nA: %s\n\n", q.Question, q.Answer)
	}
	return strings.NewReplacer(
		"{{GOAL}}", session.Goal,
		"{{ANSWERS}}", answers.String(),
	).Replace(templates.PlanPrompt)
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	rawJSON    = regexp.MustCompile(`(?s)\{.*"phases".*\}`)
)

// draftResponse is the JSON shape the prompt demands.
type draftResponse struct {
	Overview struct {
		Goal            string   `json:"goal"`
		SuccessCriteria []string `json:"success_criteria"`
		Constraints     []string `json:"constraints"`
		OutOfScope      []string `json:"out_of_scope"`
	} `json:"overview"`
	Decisions []struct {
		Decision     string   `json:"decision"`
		Rationale    string   `json:"rationale"`
		Alternatives []string `json:"alternatives"`
	} `json:"decisions"`
	Phases []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Tasks       []struct {
			Description  string   `json:"description"`
			Files        []string `json:"files"`
			Verification []string `json:"verification"`
		} `json:"tasks"`
	} `json:"phases"`
}

func parseDraftResponse(session *Session, response string) (*model.Plan, error) {
	var jsonStr string
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	} else if m := rawJSON.FindString(response); m != "" {
		jsonStr = m
	} else {
		return nil, fmt.Errorf("no JSON found in worker response")
	}

	var parsed draftResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("parse plan JSON: %w", err)
	}
	if len(parsed.Phases) == 0 {
		return nil, fmt.Errorf("worker response has no phases")
	}

	plan := &model.Plan{
		Project: session.Project,
		Status:  model.PlanStatusDraft,
		Overview: model.Overview{
			Goal:            parsed.Overview.Goal,
			SuccessCriteria: parsed.Overview.SuccessCriteria,
			Constraints:     parsed.Overview.Constraints,
			OutOfScope:      parsed.Overview.OutOfScope,
		},
		Research: model.Research{Findings: session.Findings},
	}
	if plan.Overview.Goal == "" {
		plan.Overview.Goal = session.Goal
	}

	for i, d := range parsed.Decisions {
		plan.Decisions = append(plan.Decisions, model.Decision{
			ID:           fmt.Sprintf("decision-%d", i+1),
			Decision:     d.Decision,
			Rationale:    d.Rationale,
			Alternatives: d.Alternatives,
			MadeAt:       time.Now().Format(time.RFC3339),
		})
	}
	if len(plan.Decisions) == 0 {
		plan.Decisions = session.Decisions
	}

	for i, p := range parsed.Phases {
		phase := model.Phase{
			ID:          fmt.Sprintf("phase-%d", i+1),
			Name:        p.Name,
			Description: p.Description,
			Status:      model.TaskStatusPending,
		}
		if phase.Name == "" {
			phase.Name = fmt.Sprintf("Phase %d", i+1)
		}
		if i > 0 {
			phase.Dependencies = []string{fmt.Sprintf("phase-%d", i)}
		}
		for j, t := range p.Tasks {
			phase.Tasks = append(phase.Tasks, model.Task{
				ID:           fmt.Sprintf("phase-%d-task-%d", i+1, j+1),
				Description:  t.Description,
				Status:       model.TaskStatusPending,
				Files:        t.Files,
				Verification: t.Verification,
			})
		}
		plan.Phases = append(plan.Phases, phase)
	}
	return plan, nil
}

// fallbackOnly always produces the template plan. It backs tests and
// installs without a worker CLI.
type fallbackOnly struct{}

func (fallbackOnly) Generate(session *Session) *model.Plan {
	return fallbackPlan(session)
}

// fallbackPlan is the three-phase template used when generation fails.
// Success criteria, constraints and scope are lifted from the requirement
// answers by question keyword.
func fallbackPlan(session *Session) *model.Plan {
	overview := model.Overview{Goal: session.Goal}
	for _, q := range session.Answered() {
		if q.Category != "requirements" || q.Answer == "" {
			continue
		}
		lower := strings.ToLower(q.Question)
		switch {
		case strings.Contains(lower, "success"):
			overview.SuccessCriteria = append(overview.SuccessCriteria, q.Answer)
		case strings.Contains(lower, "constraint"):
			overview.Constraints = append(overview.Constraints, q.Answer)
		case strings.Contains(lower, "scope"):
			overview.OutOfScope = append(overview.OutOfScope, q.Answer)
		}
	}

	var open []string
	for _, q := range session.Pending() {
		open = append(open, q.Question)
	}

	newPhase := func(id, name, description string, deps []string, tasks ...string) model.Phase {
		ph := model.Phase{
			ID:           id,
			Name:         name,
			Description:  description,
			Dependencies: deps,
			Status:       model.TaskStatusPending,
		}
		for i, desc := range tasks {
			ph.Tasks = append(ph.Tasks, model.Task{
				ID:          fmt.Sprintf("%s-task-%d", id, i+1),
				Description: desc,
				Status:      model.TaskStatusPending,
			})
		}
		return ph
	}

	return &model.Plan{
		Project:   session.Project,
		Status:    model.PlanStatusDraft,
		Overview:  overview,
		Decisions: session.Decisions,
		Research:  model.Research{Findings: session.Findings, OpenQuestions: open},
		Phases: []model.Phase{
			newPhase("phase-1", "Setup & Research",
				"Prepare the environment and gather remaining context", nil,
				"Review existing codebase",
				"Identify files to modify",
				"Set up development environment",
			),
			newPhase("phase-2", "Implementation",
				"Implement the core functionality", []string{"phase-1"},
				"Implement core logic",
				"Add error handling",
				"Write unit tests",
			),
			newPhase("phase-3", "Verification & Cleanup",
				"Verify implementation and clean up", []string{"phase-2"},
				"Run full test suite",
				"Run linter and type checker",
				"Update documentation",
			),
		},
	}
}
