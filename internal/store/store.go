// Package store persists versioned plans and the session registry in a
// SQLite database. Plan updates use optimistic locking: writers present the
// version they last read, and a stale write fails without touching the
// current row.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/overseer-dev/overseer/internal/model"
)

// ErrVersionConflict is returned when an update presents a stale version.
var ErrVersionConflict = errors.New("plan version conflict")

// ErrPlanNotFound is returned when no current row exists for a plan id.
var ErrPlanNotFound = errors.New("plan not found")

// ErrTaskNotFound is returned when a task id is absent from the named phase.
var ErrTaskNotFound = errors.New("task not found in phase")

// Store wraps the SQLite database holding plans and sessions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts a plan as version 1 and marks it the current plan for its
// project, demoting any previous current plan.
func (s *Store) Create(project string, plan *model.Plan) (string, error) {
	if plan.ID == "" {
		plan.ID = model.NewPlanID()
	}
	now := time.Now().Format(time.RFC3339)
	plan.Project = project
	plan.Version = 1
	plan.CreatedAt = now
	plan.UpdatedAt = now

	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE plans SET is_current = 0 WHERE project = ?`, project); err != nil {
		return "", fmt.Errorf("demote current plans: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO plans (id, project, version, status, data, created_at, updated_at, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		plan.ID, project, plan.Version, string(plan.Status), string(data), plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return plan.ID, nil
}

// Update applies mutate to the current version of the plan and writes the
// result as a new version row inside one transaction. Returns
// ErrVersionConflict if the stored current version differs from
// expectedVersion; a mutate error aborts the transaction. The stored rows
// are untouched in either failure case.
func (s *Store) Update(planID string, expectedVersion int, mutate func(*model.Plan) error) (*model.Plan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	plan, err := scanPlan(tx.QueryRow(
		`SELECT data FROM plans WHERE id = ? AND is_current = 1`, planID))
	if err != nil {
		return nil, err
	}

	if plan.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, current is %d",
			ErrVersionConflict, expectedVersion, plan.Version)
	}

	if err := mutate(plan); err != nil {
		return nil, err
	}

	plan.ParentVersion = plan.Version
	plan.Version = expectedVersion + 1
	plan.UpdatedAt = time.Now().Format(time.RFC3339)

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	// Demote exactly the row we read; a concurrent committed writer makes
	// this a no-op and the transaction is abandoned.
	res, err := tx.Exec(
		`UPDATE plans SET is_current = 0 WHERE id = ? AND version = ? AND is_current = 1`,
		planID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("demote version %d: %w", expectedVersion, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: version %d is no longer current", ErrVersionConflict, expectedVersion)
	}

	_, err = tx.Exec(
		`INSERT INTO plans (id, project, version, status, data, created_at, updated_at, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		plan.ID, plan.Project, plan.Version, string(plan.Status), string(data), plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert version %d: %w", plan.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Get returns the plan at a specific version, or the current version when
// version is 0.
func (s *Store) Get(planID string, version int) (*model.Plan, error) {
	if version > 0 {
		return scanPlan(s.db.QueryRow(
			`SELECT data FROM plans WHERE id = ? AND version = ?`, planID, version))
	}
	return scanPlan(s.db.QueryRow(
		`SELECT data FROM plans WHERE id = ? AND is_current = 1`, planID))
}

// GetCurrent returns the single current plan for a project, or
// ErrPlanNotFound when the project has none.
func (s *Store) GetCurrent(project string) (*model.Plan, error) {
	return scanPlan(s.db.QueryRow(
		`SELECT data FROM plans WHERE project = ? AND is_current = 1`, project))
}

// History returns every stored version of a plan, newest first.
func (s *Store) History(planID string) ([]*model.Plan, error) {
	rows, err := s.db.Query(
		`SELECT data FROM plans WHERE id = ? ORDER BY version DESC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPlans(rows)
}

// SearchFilter narrows a plan search. Zero values mean "any".
type SearchFilter struct {
	Project     string
	Status      model.PlanStatus
	CurrentOnly bool
}

// Search returns plans matching the filter, most recently updated first.
func (s *Store) Search(f SearchFilter) ([]*model.Plan, error) {
	query := `SELECT data FROM plans WHERE 1=1`
	var args []any
	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.CurrentOnly {
		query += ` AND is_current = 1`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPlans(rows)
}

// UpdateTaskStatus mutates one task's status, recomputes the derived phase
// statuses, and writes the plan through the optimistic-locking path.
func (s *Store) UpdateTaskStatus(planID, phaseID, taskID string, status model.TaskStatus, expectedVersion int) (*model.Plan, error) {
	return s.Update(planID, expectedVersion, func(p *model.Plan) error {
		phase := p.FindPhase(phaseID)
		if phase == nil {
			return fmt.Errorf("%w: phase %s not found", ErrTaskNotFound, phaseID)
		}
		now := time.Now()
		for i := range phase.Tasks {
			if phase.Tasks[i].ID != taskID {
				continue
			}
			phase.Tasks[i].Status = status
			if status == model.TaskStatusCompleted {
				phase.Tasks[i].CompletedAt = now.Format(time.RFC3339)
			}
			p.RecomputePhaseStatus(now)
			return nil
		}
		return fmt.Errorf("%w: task %s in phase %s", ErrTaskNotFound, taskID, phaseID)
	})
}

// Delete removes a plan and all of its versions.
func (s *Store) Delete(planID string) error {
	_, err := s.db.Exec(`DELETE FROM plans WHERE id = ?`, planID)
	return err
}

// ProjectInfo summarises a project's plan footprint.
type ProjectInfo struct {
	Project     string `json:"project"`
	PlanCount   int    `json:"plan_count"`
	LastUpdated string `json:"last_updated"`
}

// ListProjects lists every project with a current plan.
func (s *Store) ListProjects() ([]ProjectInfo, error) {
	rows, err := s.db.Query(`
		SELECT project, COUNT(DISTINCT id) AS plan_count, MAX(updated_at) AS last_updated
		FROM plans WHERE is_current = 1
		GROUP BY project ORDER BY last_updated DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectInfo
	for rows.Next() {
		var info ProjectInfo
		if err := rows.Scan(&info.Project, &info.PlanCount, &info.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*model.Plan, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("query plan: %w", err)
	}
	var plan model.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

func collectPlans(rows *sql.Rows) ([]*model.Plan, error) {
	var out []*model.Plan
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var plan model.Plan
		if err := json.Unmarshal([]byte(data), &plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		out = append(out, &plan)
	}
	return out, rows.Err()
}
