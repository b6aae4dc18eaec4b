package planner

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/overseer-dev/overseer/internal/events"
	"github.com/overseer-dev/overseer/internal/model"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("planning session not found")

// ErrNoDraft is returned when an operation needs a draft that does not exist yet.
var ErrNoDraft = errors.New("no draft plan yet")

// The staged question sets. Requirements are asked first; finishing a set
// advances the stage and appends the next one.
var (
	requirementQuestions = []string{
		"What is the primary goal of this task?",
		"What are the success criteria?",
		"Are there any constraints or limitations?",
		"What is explicitly out of scope?",
		"Who are the stakeholders?",
	}

	architectureQuestions = []string{
		"What existing code/systems does this interact with?",
		"What is the preferred technology stack?",
		"Are there any performance requirements?",
		"What are the security considerations?",
		"How should errors be handled?",
	}

	verificationQuestions = []string{
		"How will we verify this works correctly?",
		"What tests are needed?",
		"What manual verification is required?",
		"What are the acceptance criteria?",
	}
)

// PlanCreator is the slice of the plan store the planner needs to persist
// an approved plan.
type PlanCreator interface {
	Create(project string, plan *model.Plan) (string, error)
}

// Planner manages planning sessions. Sessions live in memory; only the
// approved plan is persisted.
type Planner struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store  PlanCreator
	bus    *events.Bus
	drafts DraftGenerator
	logger *log.Logger
}

func New(store PlanCreator, drafts DraftGenerator, bus *events.Bus, logger *log.Logger) *Planner {
	if drafts == nil {
		drafts = fallbackOnly{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[planner] ", log.LstdFlags)
	}
	return &Planner{
		sessions: make(map[string]*Session),
		store:    store,
		bus:      bus,
		drafts:   drafts,
		logger:   logger,
	}
}

// StartSession opens a new planning session seeded with the requirement
// questions.
func (p *Planner) StartSession(project, goal string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	session := &Session{
		ID:        fmt.Sprintf("plan-%s-%s", project, now.Format("20060102-150405")),
		Project:   project,
		Goal:      goal,
		Stage:     StageGatheringRequirements,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, q := range requirementQuestions {
		session.addQuestion("requirements", q, nil)
	}
	p.sessions[session.ID] = session
	p.logger.Printf("started planning session %s for %s", session.ID, project)
	return session
}

// Session returns a session by id.
func (p *Planner) Session(sessionID string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// Sessions lists summaries of all open sessions, newest first.
func (p *Planner) Sessions() []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Summary, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// AnswerResult reports the session state after an answer: the stage it is
// now in, the questions still pending, and whether a draft exists.
type AnswerResult struct {
	SessionID string     `json:"session_id"`
	Stage     Stage      `json:"stage"`
	Pending   []Question `json:"pending_questions"`
	HasDraft  bool       `json:"has_draft"`
}

// ProcessAnswer records an answer and advances the session: when the
// current question set is exhausted the next stage's set is appended, and
// finishing the last set generates the draft plan and moves the session
// to reviewing.
func (p *Planner) ProcessAnswer(sessionID, questionID, answer string) (*AnswerResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := session.answer(questionID, answer); err != nil {
		return nil, err
	}

	if len(session.Pending()) == 0 && session.Stage == StageGatheringRequirements {
		session.Stage = StageResearching
		for _, q := range architectureQuestions {
			session.addQuestion("architecture", q, nil)
		}
	}
	if len(session.Pending()) == 0 && session.Stage == StageResearching {
		session.Stage = StageDesigning
		for _, q := range verificationQuestions {
			session.addQuestion("verification", q, nil)
		}
	}
	if len(session.Pending()) == 0 && session.Stage == StageDesigning {
		session.Stage = StageReviewing
		session.Draft = p.drafts.Generate(session)
		p.logger.Printf("session %s: draft generated with %d phases", sessionID, len(session.Draft.Phases))
	}

	return &AnswerResult{
		SessionID: sessionID,
		Stage:     session.Stage,
		Pending:   session.Pending(),
		HasDraft:  session.Draft != nil,
	}, nil
}

// ApprovalResult reports the persisted plan after approval.
type ApprovalResult struct {
	PlanID     string `json:"plan_id"`
	Project    string `json:"project"`
	PhaseCount int    `json:"phase_count"`
	TaskCount  int    `json:"task_count"`
}

// Approve persists the draft as version 1 of an approved plan. It fails
// unless the session is in reviewing with a draft present.
func (p *Planner) Approve(sessionID string) (*ApprovalResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Draft == nil {
		return nil, fmt.Errorf("%w: complete the Q&A first", ErrNoDraft)
	}
	if session.Stage != StageReviewing {
		return nil, fmt.Errorf("cannot approve plan in stage %q", session.Stage)
	}

	plan := session.Draft
	plan.Status = model.PlanStatusApproved
	plan.ApprovedAt = time.Now().Format(time.RFC3339)

	planID, err := p.store.Create(session.Project, plan)
	if err != nil {
		return nil, fmt.Errorf("persist approved plan: %w", err)
	}

	session.Stage = StageApproved
	plan.ID = planID

	taskCount := 0
	for _, ph := range plan.Phases {
		taskCount += len(ph.Tasks)
	}

	if p.bus != nil {
		p.bus.Publish(events.EventPlanApproved, map[string]any{
			"plan_id": planID,
			"project": session.Project,
		})
	}
	p.logger.Printf("approved plan %s for session %s", planID, sessionID)

	return &ApprovalResult{
		PlanID:     planID,
		Project:    session.Project,
		PhaseCount: len(plan.Phases),
		TaskCount:  taskCount,
	}, nil
}

// AddCustomPhase appends a phase to the draft plan. The phase id follows
// the existing phase-N numbering.
func (p *Planner) AddCustomPhase(sessionID, name, description string, tasks []string, dependencies []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Draft == nil {
		return "", fmt.Errorf("%w: complete the Q&A first", ErrNoDraft)
	}

	phaseID := fmt.Sprintf("phase-%d", len(session.Draft.Phases)+1)
	phase := model.Phase{
		ID:           phaseID,
		Name:         name,
		Description:  description,
		Status:       model.TaskStatusPending,
		Dependencies: dependencies,
	}
	for i, desc := range tasks {
		phase.Tasks = append(phase.Tasks, model.Task{
			ID:          fmt.Sprintf("%s-task-%d", phaseID, i+1),
			Description: desc,
			Status:      model.TaskStatusPending,
		})
	}
	session.Draft.Phases = append(session.Draft.Phases, phase)
	session.UpdatedAt = time.Now()
	return phaseID, nil
}

// EndSession discards a session.
func (p *Planner) EndSession(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[sessionID]; !ok {
		return false
	}
	delete(p.sessions, sessionID)
	p.logger.Printf("ended planning session %s", sessionID)
	return true
}
