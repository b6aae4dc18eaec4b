// Package planner runs interactive planning sessions: a staged Q&A that
// gathers requirements, architecture and verification answers, then turns
// them into a draft plan for review and approval.
package planner

import (
	"fmt"
	"time"

	"github.com/overseer-dev/overseer/internal/model"
)

// Stage is the current stage of a planning session.
type Stage string

const (
	StageGatheringRequirements Stage = "gathering_requirements"
	StageResearching           Stage = "researching"
	StageDesigning             Stage = "designing"
	StageReviewing             Stage = "reviewing"
	StageApproved              Stage = "approved"
)

// Question is one question asked during planning. Options are offered for
// multiple choice; an empty Answer means the question is still pending.
type Question struct {
	ID       string   `json:"id"`
	Category string   `json:"category"` // requirements, architecture, verification
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Answer   string   `json:"answer,omitempty"`
	answered bool
}

// Session is one interactive planning session. It accumulates questions,
// answers, research findings and decisions, building toward a draft plan.
type Session struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	Goal    string `json:"goal"`
	Stage   Stage  `json:"stage"`

	Questions []Question       `json:"questions"`
	Findings  []string         `json:"findings,omitempty"`
	Decisions []model.Decision `json:"decisions,omitempty"`
	Draft     *model.Plan      `json:"draft,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Session) addQuestion(category, question string, options []string) *Question {
	q := Question{
		ID:       fmt.Sprintf("q%d", len(s.Questions)+1),
		Category: category,
		Question: question,
		Options:  options,
	}
	s.Questions = append(s.Questions, q)
	return &s.Questions[len(s.Questions)-1]
}

// answer records an answer. It fails when the question id is unknown or
// the question was already answered.
func (s *Session) answer(questionID, answer string) error {
	for i := range s.Questions {
		if s.Questions[i].ID != questionID {
			continue
		}
		if s.Questions[i].answered {
			return fmt.Errorf("question %s already answered", questionID)
		}
		s.Questions[i].Answer = answer
		s.Questions[i].answered = true
		s.UpdatedAt = time.Now()
		return nil
	}
	return fmt.Errorf("question %s not found", questionID)
}

// Pending returns the questions still awaiting an answer.
func (s *Session) Pending() []Question {
	var out []Question
	for _, q := range s.Questions {
		if !q.answered {
			out = append(out, q)
		}
	}
	return out
}

// Answered returns the questions answered so far, in ask order.
func (s *Session) Answered() []Question {
	var out []Question
	for _, q := range s.Questions {
		if q.answered {
			out = append(out, q)
		}
	}
	return out
}

// AddFinding records a research finding on the session.
func (s *Session) AddFinding(finding string) {
	s.Findings = append(s.Findings, finding)
	s.UpdatedAt = time.Now()
}

// AddDecision records a decision made during planning.
func (s *Session) AddDecision(decision, rationale string, alternatives []string) {
	s.Decisions = append(s.Decisions, model.Decision{
		ID:           fmt.Sprintf("decision-%d", len(s.Decisions)+1),
		Decision:     decision,
		Rationale:    rationale,
		Alternatives: alternatives,
		MadeAt:       time.Now().Format(time.RFC3339),
	})
	s.UpdatedAt = time.Now()
}

// Summary is a compact view of session progress.
type Summary struct {
	ID                string `json:"id"`
	Project           string `json:"project"`
	Goal              string `json:"goal"`
	Stage             Stage  `json:"stage"`
	QuestionsTotal    int    `json:"questions_total"`
	QuestionsAnswered int    `json:"questions_answered"`
	QuestionsPending  int    `json:"questions_pending"`
	Findings          int    `json:"findings"`
	Decisions         int    `json:"decisions"`
	HasDraft          bool   `json:"has_draft"`
}

func (s *Session) Summary() Summary {
	pending := len(s.Pending())
	return Summary{
		ID:                s.ID,
		Project:           s.Project,
		Goal:              s.Goal,
		Stage:             s.Stage,
		QuestionsTotal:    len(s.Questions),
		QuestionsAnswered: len(s.Questions) - pending,
		QuestionsPending:  pending,
		Findings:          len(s.Findings),
		Decisions:         len(s.Decisions),
		HasDraft:          s.Draft != nil,
	}
}
