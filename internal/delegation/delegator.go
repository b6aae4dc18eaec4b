package delegation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overseer-dev/overseer/internal/events"
	"github.com/overseer-dev/overseer/internal/filelock"
	"github.com/overseer-dev/overseer/internal/model"
)

// ErrAlreadyDelegated is returned when a task has a live delegation.
var ErrAlreadyDelegated = errors.New("task already delegated")

// ErrDelegationNotFound is returned for status updates on unknown tasks.
var ErrDelegationNotFound = errors.New("no delegation for task")

// Delegation is the live record of one task handed to a worker session.
type Delegation struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	PlanID      string                 `json:"plan_id"`
	PhaseID     string                 `json:"phase_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	Status      model.DelegationStatus `json:"status"`
	Context     *Context               `json:"context,omitempty"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DelegatedAt time.Time              `json:"delegated_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// PlanUpdater is the slice of the plan store the delegator needs to route
// task completion back into the plan.
type PlanUpdater interface {
	Get(planID string, version int) (*model.Plan, error)
	UpdateTaskStatus(planID, phaseID, taskID string, status model.TaskStatus, expectedVersion int) (*model.Plan, error)
}

// Delegator hands tasks to workers under exclusive file locks. One mutex
// guards the delegation table; the check-then-claim sequence for a task is
// atomic under it.
type Delegator struct {
	mu          sync.Mutex
	builder     *Builder
	locks       *filelock.Registry
	plans       PlanUpdater
	bus         *events.Bus
	delegations map[string]*Delegation // taskID -> live record
}

func NewDelegator(builder *Builder, plans PlanUpdater, bus *events.Bus) *Delegator {
	if builder == nil {
		builder = NewBuilder(0)
	}
	return &Delegator{
		builder:     builder,
		locks:       filelock.NewRegistry(),
		plans:       plans,
		bus:         bus,
		delegations: make(map[string]*Delegation),
	}
}

// Delegate builds a context for the task, claims its files and records the
// delegation. It fails without side effects when the task already has a
// non-terminal delegation or any of its files is claimed by another task.
func (d *Delegator) Delegate(plan *model.Plan, phaseID string, task model.Task, history []HistoryEvent, docs []Doc) (*Delegation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.delegations[task.ID]; ok && !model.IsDelegationTerminal(existing.Status) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrAlreadyDelegated, task.ID, existing.Status)
	}

	if err := d.locks.ClaimAll(task.ID, task.Files); err != nil {
		return nil, err
	}

	del := &Delegation{
		ID:          model.NewDelegationID(task.ID),
		TaskID:      task.ID,
		PlanID:      plan.ID,
		PhaseID:     phaseID,
		Status:      model.DelegationDelegated,
		Context:     d.builder.Build(task, plan, history, docs),
		DelegatedAt: time.Now(),
	}
	d.delegations[task.ID] = del

	if d.bus != nil {
		d.bus.Publish(events.EventDelegated, map[string]any{
			"task_id":       task.ID,
			"plan_id":       plan.ID,
			"phase_id":      phaseID,
			"delegation_id": del.ID,
			"files":         task.Files,
		})
	}
	return del, nil
}

// MarkInProgress records that a session picked up the delegation.
func (d *Delegator) MarkInProgress(taskID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	del, ok := d.delegations[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDelegationNotFound, taskID)
	}
	if model.IsDelegationTerminal(del.Status) {
		return fmt.Errorf("delegation for task %s is already %s", taskID, del.Status)
	}
	del.Status = model.DelegationInProgress
	del.SessionID = sessionID
	return nil
}

// MarkCompleted finishes a delegation: the completion is routed into the
// plan store first, then the file locks are released and the record goes
// terminal. A failing store write leaves the delegation live and its
// locks held, so the caller can retry the completion. The plan write uses
// the current version read inside this call; a concurrent plan writer
// surfaces as a version conflict from the store.
func (d *Delegator) MarkCompleted(taskID, result string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	del, ok := d.delegations[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDelegationNotFound, taskID)
	}
	if model.IsDelegationTerminal(del.Status) {
		return fmt.Errorf("delegation for task %s is already %s", taskID, del.Status)
	}

	if d.plans != nil {
		plan, err := d.plans.Get(del.PlanID, 0)
		if err != nil {
			return fmt.Errorf("load plan for completion: %w", err)
		}
		if _, err := d.plans.UpdateTaskStatus(del.PlanID, del.PhaseID, taskID, model.TaskStatusCompleted, plan.Version); err != nil {
			return fmt.Errorf("record task completion: %w", err)
		}
	}

	d.locks.ReleaseAll(taskID)
	del.Status = model.DelegationCompleted
	del.Result = result
	del.CompletedAt = time.Now()

	if d.bus != nil {
		d.bus.Publish(events.EventTaskCompleted, map[string]any{
			"task_id":       taskID,
			"plan_id":       del.PlanID,
			"delegation_id": del.ID,
		})
	}
	return nil
}

// MarkFailed finishes a delegation in failure. File locks are released so
// a retry can claim them again; the plan's task status is left alone for
// the supervisor to decide.
func (d *Delegator) MarkFailed(taskID, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	del, ok := d.delegations[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDelegationNotFound, taskID)
	}
	if model.IsDelegationTerminal(del.Status) {
		return fmt.Errorf("delegation for task %s is already %s", taskID, del.Status)
	}

	d.locks.ReleaseAll(taskID)
	del.Status = model.DelegationFailed
	del.Error = reason
	del.CompletedAt = time.Now()
	return nil
}

// Get returns the delegation record for a task.
func (d *Delegator) Get(taskID string) (*Delegation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	del, ok := d.delegations[taskID]
	if !ok {
		return nil, false
	}
	copied := *del
	return &copied, true
}

// Active returns every non-terminal delegation, sorted by task id.
func (d *Delegator) Active() []Delegation {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Delegation
	for _, del := range d.delegations {
		if !model.IsDelegationTerminal(del.Status) {
			out = append(out, *del)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// LockedFiles returns the current file claims for status display.
func (d *Delegator) LockedFiles() []filelock.Claim {
	return d.locks.Claims()
}

// PhaseResult pairs one task with its delegation outcome.
type PhaseResult struct {
	TaskID     string
	Delegation *Delegation
	Err        error
}

// DelegatePhase delegates every pending task of a phase. In sequential
// mode the first failure stops the sweep; in parallel mode all tasks are
// attempted and each outcome is reported. Tasks whose files overlap will
// conflict on the lock registry; the caller decides whether that is an
// error or a reason to serialize.
func (d *Delegator) DelegatePhase(plan *model.Plan, phase *model.Phase, history []HistoryEvent, docs []Doc, parallel bool) []PhaseResult {
	var pending []model.Task
	for _, t := range phase.Tasks {
		if t.Status == model.TaskStatusPending {
			pending = append(pending, t)
		}
	}

	results := make([]PhaseResult, len(pending))
	if !parallel {
		for i, task := range pending {
			del, err := d.Delegate(plan, phase.ID, task, history, docs)
			results[i] = PhaseResult{TaskID: task.ID, Delegation: del, Err: err}
			if err != nil {
				return results[:i+1]
			}
		}
		return results
	}

	var g errgroup.Group
	for i, task := range pending {
		i, task := i, task
		g.Go(func() error {
			del, err := d.Delegate(plan, phase.ID, task, history, docs)
			results[i] = PhaseResult{TaskID: task.ID, Delegation: del, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}
