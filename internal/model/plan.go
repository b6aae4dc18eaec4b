// Package model defines the plan, delegation and session records shared by
// the orchestration components, together with their status enums and
// transition rules.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Task is a single unit of delegatable work within a phase.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Files        []string   `json:"files,omitempty"`
	Verification []string   `json:"verification,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CompletedAt  string     `json:"completed_at,omitempty"`
}

// Phase groups ordered tasks and carries phase-level dependencies.
// Its status is derived from its tasks, never set directly.
type Phase struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Tasks        []Task     `json:"tasks"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       TaskStatus `json:"status"`
	StartedAt    string     `json:"started_at,omitempty"`
	CompletedAt  string     `json:"completed_at,omitempty"`
}

// Decision records an architectural or implementation choice made during
// planning or execution. Decisions are append-only on the plan.
type Decision struct {
	ID           string   `json:"id"`
	Decision     string   `json:"decision"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives,omitempty"`
	MadeAt       string   `json:"made_at"`
	PhaseID      string   `json:"phase_id,omitempty"`
}

// Research accumulates findings and open questions during planning.
type Research struct {
	Findings      []string `json:"findings,omitempty"`
	References    []string `json:"references,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
}

// Overview is the high-level statement of what a plan achieves.
type Overview struct {
	Goal            string   `json:"goal"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	OutOfScope      []string `json:"out_of_scope,omitempty"`
}

// Plan is a versioned implementation plan. Updates never mutate a stored
// version; the store writes a new row per version and tracks which one is
// current.
type Plan struct {
	ID      string     `json:"id"`
	Project string     `json:"project"`
	Version int        `json:"version"`
	Status  PlanStatus `json:"status"`

	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	ApprovedAt string `json:"approved_at,omitempty"`

	// ParentVersion points at the version this one was derived from.
	ParentVersion int `json:"parent_version,omitempty"`

	Overview  Overview   `json:"overview"`
	Phases    []Phase    `json:"phases"`
	Decisions []Decision `json:"decisions,omitempty"`
	Research  Research   `json:"research"`

	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// Progress summarises completion across all phases.
type Progress struct {
	TotalPhases     int     `json:"total_phases"`
	CompletedPhases int     `json:"completed_phases"`
	TotalTasks      int     `json:"total_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	PercentComplete float64 `json:"percent_complete"`
}

// CurrentPhase returns the phase currently in progress, or nil.
func (p *Plan) CurrentPhase() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == TaskStatusInProgress {
			return &p.Phases[i]
		}
	}
	return nil
}

// NextPhase returns the next pending phase, or nil.
func (p *Plan) NextPhase() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == TaskStatusPending {
			return &p.Phases[i]
		}
	}
	return nil
}

// FindPhase returns the phase with the given id, or nil.
func (p *Plan) FindPhase(phaseID string) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == phaseID {
			return &p.Phases[i]
		}
	}
	return nil
}

// Progress computes derived completion metrics.
func (p *Plan) Progress() Progress {
	var prog Progress
	prog.TotalPhases = len(p.Phases)
	for _, ph := range p.Phases {
		if ph.Status == TaskStatusCompleted {
			prog.CompletedPhases++
		}
		prog.TotalTasks += len(ph.Tasks)
		for _, t := range ph.Tasks {
			if t.Status == TaskStatusCompleted {
				prog.CompletedTasks++
			}
		}
	}
	if prog.TotalTasks > 0 {
		prog.PercentComplete = float64(prog.CompletedTasks) / float64(prog.TotalTasks) * 100
	}
	return prog
}

// RecomputePhaseStatus derives each phase's status from its tasks:
// completed when every task is completed, in_progress when any task is,
// otherwise the phase keeps its current status. Timestamps are set on
// first transition.
func (p *Plan) RecomputePhaseStatus(now time.Time) {
	ts := now.Format(time.RFC3339)
	for i := range p.Phases {
		ph := &p.Phases[i]
		if len(ph.Tasks) == 0 {
			continue
		}
		allDone := true
		anyRunning := false
		for _, t := range ph.Tasks {
			if t.Status != TaskStatusCompleted {
				allDone = false
			}
			if t.Status == TaskStatusInProgress {
				anyRunning = true
			}
		}
		switch {
		case allDone:
			ph.Status = TaskStatusCompleted
			if ph.CompletedAt == "" {
				ph.CompletedAt = ts
			}
		case anyRunning:
			ph.Status = TaskStatusInProgress
			if ph.StartedAt == "" {
				ph.StartedAt = ts
			}
		}
	}
}

var phaseIcons = map[TaskStatus]string{
	TaskStatusPending:    "[ ]",
	TaskStatusInProgress: "[~]",
	TaskStatusCompleted:  "[x]",
	TaskStatusBlocked:    "[!]",
	TaskStatusSkipped:    "[-]",
}

// Markdown renders the plan as a human-readable status document.
func (p *Plan) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Overview.Goal)
	fmt.Fprintf(&b, "**Project:** %s\n", p.Project)
	fmt.Fprintf(&b, "**Status:** %s\n", p.Status)
	fmt.Fprintf(&b, "**Version:** %d\n", p.Version)
	fmt.Fprintf(&b, "**Created:** %s\n\n", p.CreatedAt)

	if len(p.Overview.SuccessCriteria) > 0 {
		b.WriteString("## Success Criteria\n")
		for _, c := range p.Overview.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Phases\n")
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "### %s %s\n", icon(ph.Status), ph.Name)
		fmt.Fprintf(&b, "_%s_\n\n", ph.Description)
		for _, t := range ph.Tasks {
			fmt.Fprintf(&b, "- %s %s\n", icon(t.Status), t.Description)
		}
		b.WriteString("\n")
	}

	if len(p.Decisions) > 0 {
		b.WriteString("## Decisions\n")
		for _, d := range p.Decisions {
			fmt.Fprintf(&b, "### %s\n", d.Decision)
			fmt.Fprintf(&b, "**Rationale:** %s\n", d.Rationale)
			if len(d.Alternatives) > 0 {
				fmt.Fprintf(&b, "**Alternatives rejected:** %s\n", strings.Join(d.Alternatives, ", "))
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func icon(s TaskStatus) string {
	if ic, ok := phaseIcons[s]; ok {
		return ic
	}
	return "[ ]"
}
