package supervisor

import (
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-dev/overseer/internal/delegation"
	"github.com/overseer-dev/overseer/internal/model"
)

func newTestSupervisor() *Supervisor {
	s := New(nil, nil, log.New(io.Discard, "", 0))
	s.Notify = nil
	return s
}

func TestRetryThenEscalate(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	s.Start("task-1", "session-1", 5)

	// Four retryable failures stay retries.
	for i := 1; i <= 4; i++ {
		decision := s.HandleFailure("task-1", "flaky test", true)
		assert.Equal(t, ActionRetry, decision.Action, "failure %d", i)
		assert.Equal(t, i, decision.RetryCount)
	}

	// The fifth exhausts the budget and escalates with the full count.
	decision := s.HandleFailure("task-1", "flaky test", true)
	assert.Equal(t, ActionEscalate, decision.Action)
	assert.Equal(t, 5, decision.RetryCount)

	state, ok := s.State("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusEscalated, state.Status)
	assert.Equal(t, "flaky test", state.Escalation)
}

func TestRestartKeepsRetryAccounting(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	// One Start per attempt, the way an executor re-attaches the task to
	// a fresh session before each try. The retry budget must survive it.
	var last FailureDecision
	for i := 1; i <= 10; i++ {
		s.Start("task-1", fmt.Sprintf("session-%d", i), 5)
		last = s.HandleFailure("task-1", "flaky test", true)
		if i < 5 {
			assert.Equal(t, ActionRetry, last.Action, "failure %d", i)
			assert.Equal(t, i, last.RetryCount)
			continue
		}
		break
	}
	assert.Equal(t, ActionEscalate, last.Action)
	assert.Equal(t, 5, last.RetryCount)

	state, ok := s.State("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusEscalated, state.Status)
	assert.Equal(t, "session-5", state.SessionID)

	// An escalated task started again is a fresh run.
	view := s.Start("task-1", "session-6", 5)
	assert.Zero(t, view.RetryCount)
}

func TestNonRetryableFailureEscalatesImmediately(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	s.Start("task-1", "session-1", 5)

	var escalated struct {
		sync.Mutex
		reason, context string
	}
	s.OnEscalate = func(taskID, reason, ctx string) {
		escalated.Lock()
		defer escalated.Unlock()
		escalated.reason = reason
		escalated.context = ctx
	}

	s.SaveCheckpoint("task-1", map[string]string{"status": "in_progress"}, []string{"a.go"}, "halfway")

	decision := s.HandleFailure("task-1", "environment broken", false)
	assert.Equal(t, ActionEscalate, decision.Action)
	assert.Equal(t, 1, decision.RetryCount)

	escalated.Lock()
	defer escalated.Unlock()
	assert.Equal(t, "environment broken", escalated.reason)
	assert.Contains(t, escalated.context, "Task ID: task-1")
	assert.Contains(t, escalated.context, "Files modified: a.go")
	assert.Contains(t, escalated.context, "Output summary: halfway")
}

func TestFailureForUnknownTaskAborts(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	decision := s.HandleFailure("nope", "whatever", true)
	assert.Equal(t, ActionAbort, decision.Action)
}

func TestApprovalVocabulary(t *testing.T) {
	cases := []struct {
		action   string
		approved bool
	}{
		{"read the config file", true},
		{"grep for usages", true},
		{"run lint on the package", true},
		{"type check the module", true},
		{"type-check the module", true},
		{"delete the old directory", false},
		{"curl the release artifact", false},
		{"install a new dependency", false},
		{"run script ./deploy.sh", false},
		{"run-script ./deploy.sh", false},
		{"edit src/main.go", true}, // plain edit defaults to approve
	}
	for _, tc := range cases {
		assert.Equal(t, tc.approved, isSafeOperation(tc.action), tc.action)
	}
}

func TestApprovalCallbackWinsAndRestoresMonitoring(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	s.Start("task-1", "session-1", 0)

	s.OnApproval = func(taskID string, req ApprovalRequest) (bool, error) {
		return req.Action == "special", nil
	}

	// The callback overrides the vocabulary in both directions.
	assert.True(t, s.HandleApproval("task-1", ApprovalRequest{Action: "special"}))
	assert.False(t, s.HandleApproval("task-1", ApprovalRequest{Action: "read file"}))

	state, ok := s.State("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusMonitoring, state.Status)
}

func TestApprovalUnknownTaskDenied(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	assert.False(t, s.HandleApproval("nope", ApprovalRequest{Action: "read file"}))
}

func TestDefaultMaxRetries(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	state := s.Start("task-1", "session-1", 0)
	assert.Equal(t, defaultMaxRetries, state.MaxRetries)
}

func TestSaveCheckpointKeepsHistory(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	s.Start("task-1", "session-1", 0)

	var got []Checkpoint
	s.OnCheckpoint = func(taskID string, cp Checkpoint) {
		got = append(got, cp)
	}

	s.SaveCheckpoint("task-1", map[string]string{"status": "in_progress"}, nil, "first")
	s.SaveCheckpoint("task-1", map[string]string{"status": "in_progress"}, nil, "second")

	cp, ok := s.LastCheckpoint("task-1")
	require.True(t, ok)
	assert.Equal(t, "second", cp.OutputSummary)
	assert.Len(t, got, 2)
}

func TestStopMarksCompleted(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	s.Start("task-1", "session-1", 0)

	assert.True(t, s.Stop("task-1"))
	state, ok := s.State("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, state.Status)

	assert.False(t, s.Stop("unknown"))
}

func TestPeriodicCheckpointFromMonitor(t *testing.T) {
	del := delegation.NewDelegator(nil, nil, nil)
	plan := &model.Plan{ID: "plan-1", Project: "demo", Version: 1}
	task := model.Task{ID: "task-1", Description: "do the thing", Status: model.TaskStatusPending}
	_, err := del.Delegate(plan, "phase-1", task, nil, nil)
	require.NoError(t, err)

	s := New(del, nil, log.New(io.Discard, "", 0))
	s.Notify = nil
	defer s.Close()
	s.MonitorInterval = 10 * time.Millisecond
	s.CheckpointInterval = 0 // checkpoint on every tick

	done := make(chan struct{})
	var once sync.Once
	s.OnCheckpoint = func(taskID string, cp Checkpoint) {
		once.Do(func() { close(done) })
	}

	s.Start("task-1", "session-1", 0)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never saved a periodic checkpoint")
	}
	s.Stop("task-1")

	cp, ok := s.LastCheckpoint("task-1")
	require.True(t, ok)
	assert.Equal(t, "Periodic checkpoint", cp.OutputSummary)
	assert.Equal(t, string(model.DelegationDelegated), cp.State["status"])
}

func TestSelectHooksProfile(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	assert.Equal(t, "read_only", s.SelectHooksProfile("research the auth flow").Name)
	assert.Equal(t, "code_edit", s.SelectHooksProfile("implement the parser").Name)
}
