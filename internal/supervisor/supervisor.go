// Package supervisor watches delegated tasks: periodic checkpoints,
// approval of worker requests, and retry-or-escalate on failure.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/overseer-dev/overseer/internal/delegation"
	"github.com/overseer-dev/overseer/internal/events"
	"github.com/overseer-dev/overseer/internal/hooks"
	"github.com/overseer-dev/overseer/internal/notify"
)

type Status string

const (
	StatusMonitoring       Status = "monitoring"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusEscalated        Status = "escalated"
	StatusCompleted        Status = "completed"
)

const (
	defaultMonitorInterval    = 60 * time.Second
	defaultCheckpointInterval = 2 * time.Hour
	defaultMaxRetries         = 5
)

// Checkpoint is a recovery point for a supervised task.
type Checkpoint struct {
	TaskID        string            `json:"task_id"`
	Timestamp     time.Time         `json:"timestamp"`
	State         map[string]string `json:"state"`
	FilesModified []string          `json:"files_modified,omitempty"`
	OutputSummary string            `json:"output_summary,omitempty"`
}

// ApprovalRequest is a worker asking permission for an action.
type ApprovalRequest struct {
	Action  string `json:"action"`
	Details string `json:"details,omitempty"`
}

// FailureAction is the supervisor's verdict on a failure.
type FailureAction string

const (
	ActionRetry    FailureAction = "retry"
	ActionEscalate FailureAction = "escalate"
	ActionAbort    FailureAction = "abort"
)

// FailureDecision reports what to do after a failure.
type FailureDecision struct {
	Action     FailureAction `json:"action"`
	Reason     string        `json:"reason,omitempty"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
}

// taskState is the supervision record for one task.
type taskState struct {
	TaskID           string
	Status           Status
	SessionID        string
	StartedAt        time.Time
	RetryCount       int
	MaxRetries       int
	LastCheckpoint   *Checkpoint
	Checkpoints      []Checkpoint
	ApprovalPending  *ApprovalRequest
	EscalationReason string

	cancel context.CancelFunc
}

// StateView is a read-only snapshot of one task's supervision.
type StateView struct {
	TaskID         string      `json:"task_id"`
	Status         Status      `json:"status"`
	SessionID      string      `json:"session_id"`
	StartedAt      time.Time   `json:"started_at"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	HasCheckpoint  bool        `json:"has_checkpoint"`
	Escalation     string      `json:"escalation,omitempty"`
	LastCheckpoint *Checkpoint `json:"last_checkpoint,omitempty"`
}

// ApprovalFunc decides an approval request; nil falls back to the safety
// vocabulary. EscalateFunc and CheckpointFunc are optional observers.
type (
	ApprovalFunc   func(taskID string, req ApprovalRequest) (bool, error)
	EscalateFunc   func(taskID, reason, context string)
	CheckpointFunc func(taskID string, cp Checkpoint)
)

// Supervisor runs one monitor goroutine per supervised task and keeps
// retry accounting until the task completes or escalates.
type Supervisor struct {
	mu     sync.Mutex
	states map[string]*taskState
	wg     sync.WaitGroup

	delegator *delegation.Delegator
	bus       *events.Bus
	logger    *log.Logger

	MonitorInterval    time.Duration
	CheckpointInterval time.Duration

	OnApproval   ApprovalFunc
	OnEscalate   EscalateFunc
	OnCheckpoint CheckpointFunc

	// Notify sends a desktop notification on escalation. Nil disables it.
	Notify func(title, message string) error
}

func New(delegator *delegation.Delegator, bus *events.Bus, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(log.Writer(), "[supervisor] ", log.LstdFlags)
	}
	return &Supervisor{
		states:             make(map[string]*taskState),
		delegator:          delegator,
		bus:                bus,
		logger:             logger,
		MonitorInterval:    defaultMonitorInterval,
		CheckpointInterval: defaultCheckpointInterval,
		Notify:             notify.Send,
	}
}

// Start begins supervising a task. maxRetries <= 0 uses the default.
// Starting an already-supervised task re-attaches it to a new session and
// keeps its retry accounting; only a completed or escalated task starts
// over from zero.
func (s *Supervisor) Start(taskID, sessionID string, maxRetries int) StateView {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	state, ok := s.states[taskID]
	if ok && (state.Status == StatusMonitoring || state.Status == StatusAwaitingApproval) {
		if state.cancel != nil {
			state.cancel()
		}
		state.Status = StatusMonitoring
		state.SessionID = sessionID
		state.MaxRetries = maxRetries
		state.cancel = cancel
	} else {
		state = &taskState{
			TaskID:     taskID,
			Status:     StatusMonitoring,
			SessionID:  sessionID,
			StartedAt:  time.Now(),
			MaxRetries: maxRetries,
			cancel:     cancel,
		}
		s.states[taskID] = state
	}

	s.wg.Add(1)
	go s.monitor(ctx, taskID)

	s.logger.Printf("started supervision for task %s (session %s)", taskID, sessionID)
	return snapshot(state)
}

// Stop ends supervision for a task, marking it completed.
func (s *Supervisor) Stop(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[taskID]
	if !ok {
		return false
	}
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	state.Status = StatusCompleted
	return true
}

// Close stops every monitor and waits for them to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, state := range s.states {
		if state.cancel != nil {
			state.cancel()
			state.cancel = nil
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// monitor wakes on a ticker and saves a periodic checkpoint from the
// delegator's live status when the checkpoint interval has elapsed.
func (s *Supervisor) monitor(ctx context.Context, taskID string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.MonitorInterval)
	defer ticker.Stop()

	lastCheckpoint := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			state, ok := s.states[taskID]
			monitoring := ok && state.Status == StatusMonitoring
			s.mu.Unlock()
			if !monitoring {
				return
			}

			if time.Since(lastCheckpoint) < s.CheckpointInterval {
				continue
			}
			if s.delegator != nil {
				if del, ok := s.delegator.Get(taskID); ok {
					s.SaveCheckpoint(taskID, map[string]string{"status": string(del.Status)}, nil, "Periodic checkpoint")
				}
			}
			lastCheckpoint = time.Now()
		}
	}
}

// HandleApproval decides a worker's permission request: the callback when
// set, otherwise the safety vocabulary. A failing callback denies.
func (s *Supervisor) HandleApproval(taskID string, req ApprovalRequest) bool {
	s.mu.Lock()
	state, ok := s.states[taskID]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("approval request for unknown task %s denied", taskID)
		return false
	}
	state.Status = StatusAwaitingApproval
	state.ApprovalPending = &req
	callback := s.OnApproval
	s.mu.Unlock()

	approved := false
	if callback != nil {
		var err error
		approved, err = callback(taskID, req)
		if err != nil {
			s.logger.Printf("approval callback for task %s failed: %v", taskID, err)
			approved = false
		}
	} else {
		approved = isSafeOperation(req.Action)
	}

	s.mu.Lock()
	state.ApprovalPending = nil
	if state.Status == StatusAwaitingApproval {
		state.Status = StatusMonitoring
	}
	s.mu.Unlock()
	return approved
}

var safeActions = []string{
	"read", "list", "search", "grep", "glob", "test", "lint", "type check", "type-check",
}

var unsafeActions = []string{
	"delete", "remove", "drop", "curl", "wget", "fetch", "install", "execute", "run script", "run-script",
}

// isSafeOperation auto-approves read-style and check-style actions,
// denies destructive or network-fetching ones, and approves plain edits
// by default.
func isSafeOperation(action string) bool {
	lower := strings.ToLower(action)
	for _, p := range safeActions {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range unsafeActions {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}

// SaveCheckpoint records a checkpoint and notifies observers.
func (s *Supervisor) SaveCheckpoint(taskID string, state map[string]string, filesModified []string, summary string) Checkpoint {
	cp := Checkpoint{
		TaskID:        taskID,
		Timestamp:     time.Now(),
		State:         state,
		FilesModified: filesModified,
		OutputSummary: summary,
	}

	s.mu.Lock()
	if ts, ok := s.states[taskID]; ok {
		ts.LastCheckpoint = &cp
		ts.Checkpoints = append(ts.Checkpoints, cp)
	}
	callback := s.OnCheckpoint
	s.mu.Unlock()

	if callback != nil {
		callback(taskID, cp)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventCheckpoint, map[string]any{
			"task_id": taskID,
			"summary": summary,
		})
	}
	return cp
}

// HandleFailure bumps the retry count and decides between retry and
// escalation. Escalation happens when the failure is not retryable or the
// retry budget is exhausted.
func (s *Supervisor) HandleFailure(taskID, reason string, canRetry bool) FailureDecision {
	s.mu.Lock()
	state, ok := s.states[taskID]
	if !ok {
		s.mu.Unlock()
		return FailureDecision{Action: ActionAbort, Reason: "unknown task"}
	}

	state.RetryCount++
	if canRetry && state.RetryCount < state.MaxRetries {
		decision := FailureDecision{
			Action:     ActionRetry,
			RetryCount: state.RetryCount,
			MaxRetries: state.MaxRetries,
		}
		s.mu.Unlock()
		s.logger.Printf("task %s retry %d/%d: %s", taskID, decision.RetryCount, decision.MaxRetries, reason)
		return decision
	}

	state.Status = StatusEscalated
	state.EscalationReason = reason
	escalationCtx := buildEscalationContext(state)
	decision := FailureDecision{
		Action:     ActionEscalate,
		Reason:     reason,
		RetryCount: state.RetryCount,
		MaxRetries: state.MaxRetries,
	}
	callback := s.OnEscalate
	s.mu.Unlock()

	if callback != nil {
		callback(taskID, reason, escalationCtx)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventEscalated, map[string]any{
			"task_id": taskID,
			"reason":  reason,
		})
	}
	if s.Notify != nil {
		if err := s.Notify("Task escalated", fmt.Sprintf("%s: %s", taskID, reason)); err != nil {
			s.logger.Printf("escalation notification failed: %v", err)
		}
	}
	s.logger.Printf("task %s escalated after %d attempts: %s", taskID, decision.RetryCount, reason)
	return decision
}

func buildEscalationContext(state *taskState) string {
	lines := []string{
		fmt.Sprintf("Task ID: %s", state.TaskID),
		fmt.Sprintf("Session ID: %s", state.SessionID),
		fmt.Sprintf("Started: %s", state.StartedAt.Format(time.RFC3339)),
		fmt.Sprintf("Retry count: %d", state.RetryCount),
		fmt.Sprintf("Reason: %s", state.EscalationReason),
	}
	if cp := state.LastCheckpoint; cp != nil {
		lines = append(lines,
			fmt.Sprintf("Last checkpoint: %s", cp.Timestamp.Format(time.RFC3339)),
			fmt.Sprintf("Files modified: %s", strings.Join(cp.FilesModified, ", ")),
		)
		if cp.OutputSummary != "" {
			lines = append(lines, fmt.Sprintf("Output summary: %s", cp.OutputSummary))
		}
	}
	return strings.Join(lines, "\n")
}

// State returns a snapshot of one task's supervision.
func (s *Supervisor) State(taskID string) (StateView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[taskID]
	if !ok {
		return StateView{}, false
	}
	return snapshot(state), true
}

// List returns snapshots of every supervised task, sorted by task id.
func (s *Supervisor) List() []StateView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StateView, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, snapshot(state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// LastCheckpoint returns the most recent checkpoint for a task.
func (s *Supervisor) LastCheckpoint(taskID string) (*Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[taskID]
	if !ok || state.LastCheckpoint == nil {
		return nil, false
	}
	cp := *state.LastCheckpoint
	return &cp, true
}

// SelectHooksProfile picks the capability profile for a task description.
func (s *Supervisor) SelectHooksProfile(taskDescription string) hooks.Profile {
	return hooks.ForTask(taskDescription)
}

func snapshot(state *taskState) StateView {
	view := StateView{
		TaskID:        state.TaskID,
		Status:        state.Status,
		SessionID:     state.SessionID,
		StartedAt:     state.StartedAt,
		RetryCount:    state.RetryCount,
		MaxRetries:    state.MaxRetries,
		HasCheckpoint: state.LastCheckpoint != nil,
		Escalation:    state.EscalationReason,
	}
	if state.LastCheckpoint != nil {
		cp := *state.LastCheckpoint
		view.LastCheckpoint = &cp
	}
	return view
}
