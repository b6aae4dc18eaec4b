package model

import "fmt"

type PlanStatus string

const (
	PlanStatusDraft      PlanStatus = "draft"
	PlanStatusApproved   PlanStatus = "approved"
	PlanStatusInProgress PlanStatus = "in_progress"
	PlanStatusCompleted  PlanStatus = "completed"
	PlanStatusArchived   PlanStatus = "archived"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusSkipped    TaskStatus = "skipped"
)

type DelegationStatus string

const (
	DelegationPending    DelegationStatus = "pending"
	DelegationDelegated  DelegationStatus = "delegated"
	DelegationInProgress DelegationStatus = "in_progress"
	DelegationCompleted  DelegationStatus = "completed"
	DelegationFailed     DelegationStatus = "failed"
	DelegationBlocked    DelegationStatus = "blocked"
)

type SessionState string

const (
	SessionStarting     SessionState = "starting"
	SessionReady        SessionState = "ready"
	SessionBusy         SessionState = "busy"
	SessionWaitingInput SessionState = "waiting_input"
	SessionStopped      SessionState = "stopped"
	SessionFailed       SessionState = "failed"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusSkipped:   true,
}

var terminalDelegationStatuses = map[DelegationStatus]bool{
	DelegationCompleted: true,
	DelegationFailed:    true,
}

var terminalSessionStates = map[SessionState]bool{
	SessionStopped: true,
	SessionFailed:  true,
}

// Plan transitions: draft → approved → in_progress → completed;
// archived is reachable from any state.
var validPlanTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanStatusDraft: {
		PlanStatusApproved: true,
		PlanStatusArchived: true,
	},
	PlanStatusApproved: {
		PlanStatusInProgress: true,
		PlanStatusArchived:   true,
	},
	PlanStatusInProgress: {
		PlanStatusCompleted: true,
		PlanStatusArchived:  true,
	},
	PlanStatusCompleted: {
		PlanStatusArchived: true,
	},
}

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusInProgress: true,
		TaskStatusBlocked:    true,
		TaskStatusSkipped:    true,
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: true,
		TaskStatusBlocked:   true,
		TaskStatusPending:   true, // retry returns a task to pending
	},
	TaskStatusBlocked: {
		TaskStatusPending:    true,
		TaskStatusInProgress: true,
		TaskStatusSkipped:    true,
	},
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsDelegationTerminal(s DelegationStatus) bool {
	return terminalDelegationStatuses[s]
}

func IsSessionTerminal(s SessionState) bool {
	return terminalSessionStates[s]
}

func ValidatePlanTransition(from, to PlanStatus) error {
	allowed, ok := validPlanTransitions[from]
	if !ok {
		return fmt.Errorf("cannot transition from terminal plan status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid plan transition: %q → %q", from, to)
	}
	return nil
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
