package store

import (
	"fmt"
	"time"
)

// SessionRecord is one row of the durable session registry. It exists for
// crash diagnosis and observability; the manager does not reattach to a
// persisted PID after a restart.
type SessionRecord struct {
	ID           string `json:"id"`
	ProjectPath  string `json:"project_path"`
	ProjectName  string `json:"project_name"`
	State        string `json:"state"`
	PID          int    `json:"pid,omitempty"`
	CurrentTask  string `json:"current_task,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

// SaveSession inserts or replaces the registry row for a session.
func (s *Store) SaveSession(rec SessionRecord) error {
	if rec.LastActivity == "" {
		rec.LastActivity = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, project_path, project_name, state, pid, current_task, error, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			pid = excluded.pid,
			current_task = excluded.current_task,
			error = excluded.error,
			last_activity = excluded.last_activity`,
		rec.ID, rec.ProjectPath, rec.ProjectName, rec.State, rec.PID,
		rec.CurrentTask, rec.Error, rec.CreatedAt, rec.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteSession removes a session's registry row.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// ListSessions returns every registry row, most recently active first.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, project_path, project_name, state, pid, current_task, error, created_at, last_activity
		FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.ProjectPath, &rec.ProjectName, &rec.State,
			&rec.PID, &rec.CurrentTask, &rec.Error, &rec.CreatedAt, &rec.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
