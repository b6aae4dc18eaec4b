// Package filelock tracks exclusive advisory claims on file paths so that
// two delegations can never be handed the same file at once.
package filelock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyClaimed is returned when a file is already claimed by another task.
var ErrAlreadyClaimed = errors.New("file already claimed by another task")

// ErrNotOwner is returned when a task tries to release a file it does not own.
var ErrNotOwner = errors.New("task does not own this file")

// Claim records ownership of one file path by one task.
type Claim struct {
	TaskID    string
	FilePath  string
	ClaimedAt time.Time
}

// Registry is the whole-process lock table mapping file path to owning
// task. All mutation goes through one mutex; claims within a batch are
// all-or-nothing.
type Registry struct {
	mu     sync.RWMutex
	claims map[string]Claim // filePath -> claim
}

func NewRegistry() *Registry {
	return &Registry{
		claims: make(map[string]Claim),
	}
}

// Claim registers ownership of a file. Claiming a file the task already
// owns is a no-op.
func (r *Registry) Claim(taskID, filePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimLocked(taskID, filePath)
}

func (r *Registry) claimLocked(taskID, filePath string) error {
	if existing, ok := r.claims[filePath]; ok {
		if existing.TaskID == taskID {
			return nil // idempotent
		}
		return fmt.Errorf("%w: %s locked by task %s", ErrAlreadyClaimed, filePath, existing.TaskID)
	}
	r.claims[filePath] = Claim{
		TaskID:    taskID,
		FilePath:  filePath,
		ClaimedAt: time.Now(),
	}
	return nil
}

// ClaimAll claims every path for the task, or none: on the first conflict
// the claims made so far in this batch are rolled back.
func (r *Registry) ClaimAll(taskID string, filePaths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []string
	for _, fp := range filePaths {
		if err := r.claimLocked(taskID, fp); err != nil {
			for _, done := range claimed {
				delete(r.claims, done)
			}
			return err
		}
		claimed = append(claimed, fp)
	}
	return nil
}

// Release removes the task's claim on a file.
func (r *Registry) Release(taskID, filePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.claims[filePath]
	if !ok {
		return nil
	}
	if existing.TaskID != taskID {
		return fmt.Errorf("%w: %s is owned by %s", ErrNotOwner, filePath, existing.TaskID)
	}
	delete(r.claims, filePath)
	return nil
}

// ReleaseAll removes every claim held by the task and reports how many
// were released.
func (r *Registry) ReleaseAll(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for fp, claim := range r.claims {
		if claim.TaskID == taskID {
			delete(r.claims, fp)
			released++
		}
	}
	return released
}

// Owner returns the task owning a file, if any.
func (r *Registry) Owner(filePath string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, ok := r.claims[filePath]
	if !ok {
		return "", false
	}
	return claim.TaskID, true
}

// Claims returns a snapshot of all claims, sorted by file path.
func (r *Registry) Claims() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}
