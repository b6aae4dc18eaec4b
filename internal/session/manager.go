package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overseer-dev/overseer/internal/events"
	"github.com/overseer-dev/overseer/internal/lock"
	"github.com/overseer-dev/overseer/internal/model"
	"github.com/overseer-dev/overseer/internal/store"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrPoolFull is returned when starting a session would exceed the
// concurrency limit.
var ErrPoolFull = errors.New("maximum concurrent sessions reached")

// ErrNotReady is returned when a prompt targets a session whose bridge
// cannot take one.
var ErrNotReady = errors.New("session is not ready")

// Registry persists session records. The durable rows are for crash
// diagnosis, so cleanly stopped sessions are pruned; the manager never
// reattaches to a persisted PID.
type Registry interface {
	SaveSession(rec store.SessionRecord) error
	DeleteSession(id string) error
}

// Session is the in-memory record of one worker session.
type Session struct {
	ID           string             `json:"id"`
	ProjectPath  string             `json:"project_path"`
	ProjectName  string             `json:"project_name"`
	State        model.SessionState `json:"state"`
	CurrentTask  string             `json:"current_task,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`

	output []string
}

// Manager owns the session pool. The global mutex guards the session and
// bridge tables; prompts serialize per session through the mutex map so a
// long prompt on one session never blocks another.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	bridges  map[string]*Bridge

	cfg    model.SessionsConfig
	worker model.WorkerConfig

	locks    *lock.MutexMap
	registry Registry
	bus      *events.Bus
	logger   *log.Logger

	healthCancel context.CancelFunc
	healthDone   chan struct{}

	// newBridge is swappable for tests.
	newBridge func(projectPath string) *Bridge
}

func NewManager(cfg model.SessionsConfig, worker model.WorkerConfig, registry Registry, bus *events.Bus, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[sessions] ", log.LstdFlags)
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		bridges:  make(map[string]*Bridge),
		cfg:      cfg,
		worker:   worker,
		locks:    lock.NewMutexMap(),
		registry: registry,
		bus:      bus,
		logger:   logger,
	}
	m.newBridge = func(projectPath string) *Bridge {
		return NewBridge(projectPath, worker.Command, worker.Model, worker.UsePTY)
	}
	return m
}

// StartHealthLoop launches the background health check. Call Close to
// stop it.
func (m *Manager) StartHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.healthDone = make(chan struct{})
	go m.healthLoop(ctx)
}

// Start admits a new session. The capacity check and registration are one
// critical section: a start that would exceed the limit fails with no
// partial state left behind.
func (m *Manager) Start(ctx context.Context, projectPath, initialPrompt string) (string, error) {
	m.mu.Lock()

	active := 0
	for _, s := range m.sessions {
		if !model.IsSessionTerminal(s.State) {
			active++
		}
	}
	if active >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrPoolFull, m.cfg.MaxConcurrent)
	}

	id := model.NewSessionID()
	now := time.Now()
	session := &Session{
		ID:           id,
		ProjectPath:  projectPath,
		ProjectName:  filepath.Base(projectPath),
		State:        model.SessionStarting,
		CreatedAt:    now,
		LastActivity: now,
	}
	bridge := m.newBridge(projectPath)
	m.sessions[id] = session
	m.bridges[id] = bridge
	m.mu.Unlock()

	startupTimeout := time.Duration(m.cfg.StartupTimeoutSec) * time.Second
	err := bridge.Start(ctx, initialPrompt, startupTimeout)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, id)
		delete(m.bridges, id)
		m.mu.Unlock()
		return "", fmt.Errorf("start session: %w", err)
	}
	session.State = model.SessionReady
	session.LastActivity = time.Now()
	m.mu.Unlock()

	m.persist(session, bridge)
	if m.bus != nil {
		m.bus.Publish(events.EventSessionStarted, map[string]any{
			"session_id": id,
			"project":    session.ProjectName,
		})
	}
	m.logger.Printf("session %s started for %s", id, session.ProjectName)
	return id, nil
}

// Stop shuts one session down.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	bridge := m.bridges[sessionID]
	delete(m.bridges, sessionID)
	session.State = model.SessionStopped
	session.LastActivity = time.Now()
	m.mu.Unlock()

	if bridge != nil {
		bridge.Stop()
	}
	m.locks.Forget(sessionID)
	if m.registry != nil {
		if err := m.registry.DeleteSession(sessionID); err != nil {
			m.logger.Printf("prune session %s: %v", sessionID, err)
		}
	}
	m.logger.Printf("session %s stopped", sessionID)
	return nil
}

// StopAll stops every live session concurrently.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !model.IsSessionTerminal(s.State) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.Stop(id) })
	}
	return g.Wait()
}

// Prompt sends one prompt to a session. Prompts to the same session are
// strictly serialized; the session shows busy while one is in flight and
// returns to ready afterwards. A timeout keeps the session alive; only a
// dead or broken worker marks it failed.
func (m *Manager) Prompt(ctx context.Context, sessionID, prompt string) (string, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	bridge := m.bridges[sessionID]
	if bridge == nil || !bridge.IsReady() || session.State != model.SessionReady {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrNotReady, sessionID, session.State)
	}
	session.State = model.SessionBusy
	session.CurrentTask = truncate(prompt, 100)
	session.LastActivity = time.Now()
	m.mu.Unlock()

	promptTimeout := time.Duration(m.cfg.PromptTimeoutSec) * time.Second
	response, err := bridge.SendPrompt(ctx, prompt, promptTimeout)

	m.mu.Lock()
	switch {
	case err == nil:
		m.appendOutputLocked(session, response)
	case errors.Is(err, ErrPromptTimeout):
		// The worker may still be fine; keep the session usable.
		session.Error = err.Error()
	default:
		session.State = model.SessionFailed
		session.Error = err.Error()
	}
	if session.State == model.SessionBusy {
		session.State = model.SessionReady
	}
	session.CurrentTask = ""
	session.LastActivity = time.Now()
	m.mu.Unlock()

	m.persist(session, bridge)
	if err != nil {
		return "", err
	}
	return response, nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return *session, nil
}

// List returns snapshots of all sessions, most recently active first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

// Output returns the last n lines of a session's response history, or all
// of it when n <= 0.
func (m *Manager) Output(sessionID string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	lines := session.output
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string(nil), lines...), nil
}

// Close stops the health loop and all sessions.
func (m *Manager) Close() error {
	if m.healthCancel != nil {
		m.healthCancel()
		<-m.healthDone
		m.healthCancel = nil
	}
	return m.StopAll()
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.healthDone)

	interval := time.Duration(m.cfg.HealthCheckIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth marks sessions whose bridge went away as failed.
func (m *Manager) checkHealth() {
	type died struct {
		session *Session
		bridge  *Bridge
	}
	var dead []died

	m.mu.Lock()
	for id, session := range m.sessions {
		if model.IsSessionTerminal(session.State) {
			continue
		}
		bridge := m.bridges[id]
		if bridge != nil && bridge.IsReady() {
			continue
		}
		session.State = model.SessionFailed
		session.Error = "worker bridge is gone"
		session.LastActivity = time.Now()
		dead = append(dead, died{session: session, bridge: bridge})
	}
	m.mu.Unlock()

	for _, d := range dead {
		m.logger.Printf("session %s failed health check", d.session.ID)
		m.persist(d.session, d.bridge)
		if m.bus != nil {
			m.bus.Publish(events.EventSessionDied, map[string]any{
				"session_id": d.session.ID,
				"project":    d.session.ProjectName,
			})
		}
	}
}

func (m *Manager) appendOutputLocked(session *Session, response string) {
	for _, line := range strings.Split(strings.TrimRight(response, "\n"), "\n") {
		session.output = append(session.output, line)
	}
	if max := m.cfg.MaxHistoryLines; max > 0 && len(session.output) > max {
		session.output = session.output[len(session.output)-max:]
	}
}

func (m *Manager) persist(session *Session, bridge *Bridge) {
	if m.registry == nil {
		return
	}
	m.mu.Lock()
	rec := store.SessionRecord{
		ID:           session.ID,
		ProjectPath:  session.ProjectPath,
		ProjectName:  session.ProjectName,
		State:        string(session.State),
		CurrentTask:  session.CurrentTask,
		Error:        session.Error,
		CreatedAt:    session.CreatedAt.Format(time.RFC3339),
		LastActivity: session.LastActivity.Format(time.RFC3339),
	}
	m.mu.Unlock()
	if bridge != nil {
		rec.PID = bridge.PID()
	}
	if err := m.registry.SaveSession(rec); err != nil {
		m.logger.Printf("persist session %s: %v", session.ID, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
