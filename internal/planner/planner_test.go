package planner

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-dev/overseer/internal/model"
)

type fakeStore struct {
	created []*model.Plan
	fail    bool
}

func (f *fakeStore) Create(project string, plan *model.Plan) (string, error) {
	if f.fail {
		return "", fmt.Errorf("disk full")
	}
	plan.ID = fmt.Sprintf("plan-%d", len(f.created)+1)
	f.created = append(f.created, plan)
	return plan.ID, nil
}

func newTestPlanner(store PlanCreator) *Planner {
	return New(store, nil, nil, log.New(io.Discard, "", 0))
}

// answerAll answers every currently pending question with a stock answer
// and returns the last result.
func answerAll(t *testing.T, p *Planner, sessionID string) *AnswerResult {
	t.Helper()
	session, err := p.Session(sessionID)
	require.NoError(t, err)

	var result *AnswerResult
	for _, q := range session.Pending() {
		result, err = p.ProcessAnswer(sessionID, q.ID, "answer for "+q.ID)
		require.NoError(t, err)
	}
	require.NotNil(t, result)
	return result
}

func TestStartSessionSeedsRequirementQuestions(t *testing.T) {
	p := newTestPlanner(&fakeStore{})
	s := p.StartSession("demo", "build the thing")

	assert.Equal(t, StageGatheringRequirements, s.Stage)
	assert.Len(t, s.Pending(), len(requirementQuestions))
	assert.Equal(t, "requirements", s.Questions[0].Category)
}

func TestStageProgression(t *testing.T) {
	p := newTestPlanner(&fakeStore{})
	s := p.StartSession("demo", "build the thing")

	// Requirements done: architecture questions appear.
	result := answerAll(t, p, s.ID)
	assert.Equal(t, StageResearching, result.Stage)
	assert.Len(t, result.Pending, len(architectureQuestions))
	assert.False(t, result.HasDraft)

	// Architecture done: verification questions appear.
	result = answerAll(t, p, s.ID)
	assert.Equal(t, StageDesigning, result.Stage)
	assert.Len(t, result.Pending, len(verificationQuestions))

	// Verification done: draft is generated and the session is reviewing.
	result = answerAll(t, p, s.ID)
	assert.Equal(t, StageReviewing, result.Stage)
	assert.Empty(t, result.Pending)
	assert.True(t, result.HasDraft)
}

func TestAnswerValidation(t *testing.T) {
	p := newTestPlanner(&fakeStore{})
	s := p.StartSession("demo", "build the thing")

	_, err := p.ProcessAnswer(s.ID, "q99", "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = p.ProcessAnswer(s.ID, "q1", "first")
	require.NoError(t, err)
	_, err = p.ProcessAnswer(s.ID, "q1", "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already answered")

	_, err = p.ProcessAnswer("no-such-session", "q1", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestApproveRequiresReviewingWithDraft(t *testing.T) {
	store := &fakeStore{}
	p := newTestPlanner(store)
	s := p.StartSession("demo", "build the thing")

	_, err := p.Approve(s.ID)
	assert.ErrorIs(t, err, ErrNoDraft)

	answerAll(t, p, s.ID)
	answerAll(t, p, s.ID)
	answerAll(t, p, s.ID)

	result, err := p.Approve(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", result.PlanID)
	assert.Equal(t, 3, result.PhaseCount)
	assert.Equal(t, 9, result.TaskCount)

	require.Len(t, store.created, 1)
	assert.Equal(t, model.PlanStatusApproved, store.created[0].Status)
	assert.NotEmpty(t, store.created[0].ApprovedAt)

	// Approving twice fails: the session has left reviewing.
	_, err = p.Approve(s.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage")
}

func TestApprovePropagatesStoreError(t *testing.T) {
	p := newTestPlanner(&fakeStore{fail: true})
	s := p.StartSession("demo", "build the thing")
	answerAll(t, p, s.ID)
	answerAll(t, p, s.ID)
	answerAll(t, p, s.ID)

	_, err := p.Approve(s.ID)
	require.Error(t, err)
	// A failed persist leaves the session reviewable.
	session, err2 := p.Session(s.ID)
	require.NoError(t, err2)
	assert.Equal(t, StageReviewing, session.Stage)
}

func TestAddCustomPhase(t *testing.T) {
	p := newTestPlanner(&fakeStore{})
	s := p.StartSession("demo", "build the thing")

	_, err := p.AddCustomPhase(s.ID, "Docs", "write docs", []string{"write readme"}, nil)
	assert.ErrorIs(t, err, ErrNoDraft)

	answerAll(t, p, s.ID)
	answerAll(t, p, s.ID)
	answerAll(t, p, s.ID)

	phaseID, err := p.AddCustomPhase(s.ID, "Docs", "write docs", []string{"write readme", "add examples"}, []string{"phase-3"})
	require.NoError(t, err)
	assert.Equal(t, "phase-4", phaseID)

	session, err := p.Session(s.ID)
	require.NoError(t, err)
	require.Len(t, session.Draft.Phases, 4)
	added := session.Draft.Phases[3]
	assert.Equal(t, "Docs", added.Name)
	assert.Len(t, added.Tasks, 2)
	assert.Equal(t, "phase-4-task-1", added.Tasks[0].ID)
}

func TestFallbackPlanLiftsOverviewFromAnswers(t *testing.T) {
	p := newTestPlanner(&fakeStore{})
	s := p.StartSession("demo", "build the thing")

	// q2 asks for success criteria, q3 constraints, q4 scope.
	require.NoError(t, s.answer("q1", "ship it"))
	require.NoError(t, s.answer("q2", "all tests green"))
	require.NoError(t, s.answer("q3", "no new dependencies"))
	require.NoError(t, s.answer("q4", "no UI changes"))
	require.NoError(t, s.answer("q5", "the platform team"))

	plan := fallbackPlan(s)
	assert.Equal(t, []string{"all tests green"}, plan.Overview.SuccessCriteria)
	assert.Equal(t, []string{"no new dependencies"}, plan.Overview.Constraints)
	assert.Equal(t, []string{"no UI changes"}, plan.Overview.OutOfScope)
	assert.Equal(t, model.PlanStatusDraft, plan.Status)
	require.Len(t, plan.Phases, 3)
	assert.Equal(t, []string{"phase-1"}, plan.Phases[1].Dependencies)
}

func TestParseDraftResponse(t *testing.T) {
	s := &Session{Project: "demo", Goal: "build the thing"}

	fenced := "Here is the plan:\n```json\n" + `{
		"overview": {"goal": "do it", "success_criteria": ["works"]},
		"phases": [
			{"name": "Core", "description": "core work", "tasks": [
				{"description": "write store", "files": ["store.go"], "verification": ["go test ./..."]}
			]},
			{"name": "Polish", "description": "cleanup", "tasks": [
				{"description": "tidy"}
			]}
		]
	}` + "\n```\nDone."

	plan, err := parseDraftResponse(s, fenced)
	require.NoError(t, err)
	assert.Equal(t, "do it", plan.Overview.Goal)
	require.Len(t, plan.Phases, 2)
	assert.Equal(t, "phase-1", plan.Phases[0].ID)
	assert.Empty(t, plan.Phases[0].Dependencies)
	assert.Equal(t, []string{"phase-1"}, plan.Phases[1].Dependencies)
	assert.Equal(t, "phase-1-task-1", plan.Phases[0].Tasks[0].ID)

	// Raw JSON without fences is also accepted.
	raw := `{"overview": {"goal": "raw"}, "phases": [{"name": "Only", "tasks": [{"description": "x"}]}]}`
	plan, err = parseDraftResponse(s, raw)
	require.NoError(t, err)
	assert.Equal(t, "raw", plan.Overview.Goal)

	_, err = parseDraftResponse(s, "no json here at all")
	assert.Error(t, err)

	_, err = parseDraftResponse(s, `{"overview": {}, "phases": []}`)
	assert.Error(t, err)
}
