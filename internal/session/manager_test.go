package session

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-dev/overseer/internal/events"
	"github.com/overseer-dev/overseer/internal/model"
	"github.com/overseer-dev/overseer/internal/store"
)

type fakeRegistry struct {
	mu      sync.Mutex
	saved   []store.SessionRecord
	deleted []string
}

func (f *fakeRegistry) SaveSession(rec store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeRegistry) DeleteSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRegistry) lastState(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := ""
	for _, rec := range f.saved {
		if rec.ID == id {
			state = rec.State
		}
	}
	return state
}

func testConfig() model.SessionsConfig {
	return model.SessionsConfig{
		MaxConcurrent:          3,
		StartupTimeoutSec:      5,
		PromptTimeoutSec:       5,
		HealthCheckIntervalSec: 1,
		MaxHistoryLines:        10,
	}
}

// newTestManager wires a manager whose bridges run the given script body
// instead of a real worker.
func newTestManager(t *testing.T, cfg model.SessionsConfig, reg Registry, bus *events.Bus, script string) *Manager {
	t.Helper()
	worker := writeScript(t, script)
	m := NewManager(cfg, model.WorkerConfig{Command: worker}, reg, bus, log.New(io.Discard, "", 0))
	m.newBridge = func(projectPath string) *Bridge {
		return NewBridge(projectPath, worker, "", false)
	}
	return m
}

func TestStartRespectsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	m := newTestManager(t, cfg, nil, nil, `echo ok`)
	defer m.Close()

	ctx := context.Background()
	_, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)
	_, err = m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	_, err = m.Start(ctx, t.TempDir(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolFull)
	// The rejected start leaves no partial registration behind.
	assert.Len(t, m.List(), 2)
}

func TestStopFreesCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	m := newTestManager(t, cfg, nil, nil, `echo ok`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	_, err = m.Start(ctx, t.TempDir(), "")
	assert.ErrorIs(t, err, ErrPoolFull)

	require.NoError(t, m.Stop(id))
	_, err = m.Start(ctx, t.TempDir(), "")
	assert.NoError(t, err)
}

func TestPromptLifecycle(t *testing.T) {
	reg := &fakeRegistry{}
	m := newTestManager(t, testConfig(), reg, nil, `echo "reply: $3"`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	out, err := m.Prompt(ctx, id, "hello worker")
	require.NoError(t, err)
	assert.Contains(t, out, "reply: hello worker")

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionReady, s.State)
	assert.Empty(t, s.CurrentTask)

	history, err := m.Output(id, 0)
	require.NoError(t, err)
	assert.Contains(t, history[0], "reply: hello worker")

	assert.Equal(t, string(model.SessionReady), reg.lastState(id))
}

func TestPromptTimeoutDoesNotFailSession(t *testing.T) {
	cfg := testConfig()
	cfg.PromptTimeoutSec = 1
	m := newTestManager(t, cfg, nil, nil, `sleep 30`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	_, err = m.Prompt(ctx, id, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPromptTimeout)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionReady, s.State, "timeout must not fail the session")
	assert.NotEmpty(t, s.Error)
}

func TestBrokenWorkerFailsSession(t *testing.T) {
	m := newTestManager(t, testConfig(), nil, nil, `echo "crash" >&2; exit 1`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	_, err = m.Prompt(ctx, id, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBridge)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, s.State)

	// A failed session refuses further prompts.
	_, err = m.Prompt(ctx, id, "y")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPromptsSerializePerSession(t *testing.T) {
	m := newTestManager(t, testConfig(), nil, nil, `sleep 0.2; echo done`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Prompt(ctx, id, "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Two prompts on one session run back to back, not concurrently.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestOutputHistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHistoryLines = 5
	m := newTestManager(t, cfg, nil, nil, `seq 1 4`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	_, err = m.Prompt(ctx, id, "a")
	require.NoError(t, err)
	_, err = m.Prompt(ctx, id, "b")
	require.NoError(t, err)

	history, err := m.Output(id, 0)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	tail, err := m.Output(id, 2)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestHealthCheckMarksDeadBridges(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	died := make(chan events.Event, 1)
	unsubscribe := bus.Subscribe(events.EventSessionDied, func(e events.Event) {
		select {
		case died <- e:
		default:
		}
	})
	defer unsubscribe()

	reg := &fakeRegistry{}
	m := newTestManager(t, testConfig(), reg, bus, `echo ok`)
	defer m.Close()

	ctx := context.Background()
	id, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	// Kill the bridge out from under the manager.
	m.mu.Lock()
	bridge := m.bridges[id]
	m.mu.Unlock()
	bridge.Stop()

	m.checkHealth()

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, s.State)
	assert.Equal(t, string(model.SessionFailed), reg.lastState(id))

	select {
	case e := <-died:
		assert.Equal(t, id, e.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("session_died event never published")
	}
}

func TestStopAll(t *testing.T) {
	m := newTestManager(t, testConfig(), nil, nil, `echo ok`)
	ctx := context.Background()
	id1, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)
	id2, err := m.Start(ctx, t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, m.StopAll())
	for _, id := range []string{id1, id2} {
		s, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStopped, s.State)
	}
}

func TestStopPrunesRegistryRow(t *testing.T) {
	reg := &fakeRegistry{}
	m := newTestManager(t, testConfig(), reg, nil, `echo ok`)
	defer m.Close()

	id, err := m.Start(context.Background(), t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, m.Stop(id))

	// The durable rows exist for crash diagnosis only; a clean stop
	// removes the row instead of leaving a stopped record behind.
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Contains(t, reg.deleted, id)
}

func TestPromptUnknownSession(t *testing.T) {
	m := newTestManager(t, testConfig(), nil, nil, `echo ok`)
	defer m.Close()
	_, err := m.Prompt(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
