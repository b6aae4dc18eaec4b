// Package session manages concurrent worker CLI sessions: a bounded pool
// of per-project subprocess bridges with health monitoring and a durable
// registry of session state.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrNotRunning is returned when the bridge has no live worker behind it.
var ErrNotRunning = errors.New("worker is not running")

// ErrPromptTimeout is returned when a prompt exceeds its deadline. The
// bridge itself stays usable after a timeout.
var ErrPromptTimeout = errors.New("prompt timed out")

// ErrBridge covers worker execution failures: missing binary, non-zero
// exit, broken pipes.
var ErrBridge = errors.New("worker bridge error")

// Bridge runs worker prompts in print mode: each prompt is one subprocess
// invocation in the project directory, so there is no long-lived TUI to
// automate. UsePTY attaches a pseudo-terminal for workers that refuse to
// run without one.
type Bridge struct {
	ProjectPath string
	Command     string
	Model       string
	UsePTY      bool

	// OnOutput observes each completed response.
	OnOutput func(output string)

	mu         sync.Mutex
	ready      bool
	pid        int
	startupLog []string
}

func NewBridge(projectPath string, command string, model string, usePTY bool) *Bridge {
	if command == "" {
		command = "claude"
	}
	return &Bridge{
		ProjectPath: projectPath,
		Command:     command,
		Model:       model,
		UsePTY:      usePTY,
	}
}

// Start verifies the project directory, optionally runs an initial prompt
// under the startup timeout, and marks the bridge ready.
func (b *Bridge) Start(ctx context.Context, initialPrompt string, startupTimeout time.Duration) error {
	info, err := os.Stat(b.ProjectPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory not found: %s", ErrBridge, b.ProjectPath)
	}

	b.logStartup(fmt.Sprintf("bridge initialized for %s", b.ProjectPath))

	if initialPrompt != "" {
		b.logStartup("running initial prompt")
		b.mu.Lock()
		b.ready = true // allow the startup prompt through
		b.mu.Unlock()
		if _, err := b.SendPrompt(ctx, initialPrompt, startupTimeout); err != nil {
			b.mu.Lock()
			b.ready = false
			b.mu.Unlock()
			return fmt.Errorf("initial prompt failed: %w", err)
		}
		b.logStartup("initial prompt complete")
	}

	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
	b.logStartup("ready")
	return nil
}

// Stop makes the bridge refuse further prompts and kills any in-flight
// worker process.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.ready = false
	pid := b.pid
	b.mu.Unlock()

	if pid > 0 {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
	}
}

// IsReady reports whether the bridge accepts prompts.
func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// PID returns the pid of the in-flight worker process, or 0.
func (b *Bridge) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pid
}

// StartupLog returns the messages recorded during Start.
func (b *Bridge) StartupLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.startupLog...)
}

// SendPrompt runs one worker invocation with the prompt and returns its
// output. A deadline overrun kills the process and returns
// ErrPromptTimeout; the bridge stays ready.
func (b *Bridge) SendPrompt(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	b.mu.Lock()
	if !b.ready {
		b.mu.Unlock()
		return "", ErrNotRunning
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--print"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	args = append(args, "--dangerously-skip-permissions", prompt)

	cmd := exec.CommandContext(runCtx, b.Command, args...)
	cmd.Dir = b.ProjectPath
	// Kill the whole process group at the deadline; otherwise children
	// spawned by the worker keep the output pipes open and Wait blocks
	// far past the timeout.
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var output string
	var runErr error
	if b.UsePTY {
		output, runErr = b.runPTY(cmd)
	} else {
		output, runErr = b.runPipes(cmd)
	}

	b.mu.Lock()
	b.pid = 0
	b.mu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: no response after %s", ErrPromptTimeout, timeout)
	}
	if runErr != nil {
		return "", runErr
	}

	if b.OnOutput != nil {
		b.OnOutput(output)
	}
	return output, nil
}

func (b *Bridge) runPipes(cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBridge, err)
	}
	b.trackPID(cmd)

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s", ErrBridge, msg)
	}
	return stdout.String(), nil
}

func (b *Bridge) runPTY(cmd *exec.Cmd) (string, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: start pty: %v", ErrBridge, err)
	}
	defer ptmx.Close()
	b.trackPID(cmd)

	var out bytes.Buffer
	// Read until the worker closes its side. A closed pty reports an io
	// error on Linux, which just means EOF here.
	_, _ = io.Copy(&out, ptmx)

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrBridge, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// killGroup signals the worker's whole process group. The pty path runs
// the worker as a session leader, the pipe path sets a fresh group, so
// -pid addresses every descendant in both cases.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (b *Bridge) trackPID(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	b.mu.Lock()
	b.pid = cmd.Process.Pid
	b.mu.Unlock()
}

func (b *Bridge) logStartup(message string) {
	b.mu.Lock()
	b.startupLog = append(b.startupLog, message)
	b.mu.Unlock()
}
