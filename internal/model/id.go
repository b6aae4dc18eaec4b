package model

import (
	"strings"

	"github.com/google/uuid"
)

// NewPlanID returns a fresh 12-character plan identifier.
func NewPlanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewSessionID returns a fresh 8-character session identifier.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// NewDelegationID builds a delegation identifier scoped to a task.
func NewDelegationID(taskID string) string {
	return "delegation-" + taskID + "-" + uuid.NewString()[:6]
}
