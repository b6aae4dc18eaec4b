// Package verify is the independent verification gate: completed work is
// never self-certified, a fresh check battery decides whether it counts.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckSkipped CheckStatus = "skipped"
	CheckError   CheckStatus = "error"
)

// maxOutputChars caps how much check output is kept per result.
const maxOutputChars = 2000

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   CheckStatus   `json:"status"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
}

// Result is the outcome of a whole verification battery. Passed means
// every check passed or was skipped; CanRetry means no check errored, so
// the failures are fixable by another attempt.
type Result struct {
	Passed     bool          `json:"passed"`
	Checks     []CheckResult `json:"checks"`
	CanRetry   bool          `json:"can_retry"`
	Summary    string        `json:"summary"`
	VerifiedAt time.Time     `json:"verified_at"`
}

// StandardChecks is the battery run when a task names no checks.
var StandardChecks = []string{"test", "lint", "typecheck", "security"}

// defaultCommands maps check names to the commands run for them. The
// config can override any entry with "name: command arg...".
var defaultCommands = map[string][]string{
	"test":      {"go", "test", "./..."},
	"lint":      {"golangci-lint", "run"},
	"typecheck": {"go", "vet", "./..."},
	"security":  {"gosec", "-quiet", "./..."},
}

// Verifier runs check batteries against a project directory.
type Verifier struct {
	ProjectPath string
	Timeout     time.Duration // per check
	commands    map[string][]string
}

func NewVerifier(projectPath string, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	commands := make(map[string][]string, len(defaultCommands))
	for name, cmd := range defaultCommands {
		commands[name] = cmd
	}
	return &Verifier{
		ProjectPath: projectPath,
		Timeout:     timeout,
		commands:    commands,
	}
}

// SetCommand overrides the command run for a named check.
func (v *Verifier) SetCommand(name string, argv []string) {
	v.commands[name] = argv
}

// Verify runs the named checks (StandardChecks when empty) and aggregates
// the results. A check timing out or failing never stops the battery;
// every check reports.
func (v *Verifier) Verify(ctx context.Context, checks []string, filesChanged []string) *Result {
	if len(checks) == 0 {
		checks = StandardChecks
	}

	results := make([]CheckResult, 0, len(checks))
	for _, name := range checks {
		results = append(results, v.runCheck(ctx, name, filesChanged))
	}

	passed := true
	canRetry := true
	passedCount, failedCount := 0, 0
	for _, r := range results {
		switch r.Status {
		case CheckPassed:
			passedCount++
		case CheckSkipped:
		case CheckFailed:
			passed = false
			failedCount++
		case CheckError:
			passed = false
			canRetry = false
		}
	}

	return &Result{
		Passed:     passed,
		Checks:     results,
		CanRetry:   canRetry,
		Summary:    fmt.Sprintf("%d passed, %d failed out of %d checks", passedCount, failedCount, len(results)),
		VerifiedAt: time.Now(),
	}
}

func (v *Verifier) runCheck(ctx context.Context, name string, filesChanged []string) CheckResult {
	argv, ok := v.commands[name]
	if !ok {
		return CheckResult{
			Name:   name,
			Status: CheckSkipped,
			Output: fmt.Sprintf("unknown check: %s", name),
		}
	}

	out := v.run(ctx, argv)
	result := CheckResult{
		Name:     name,
		Output:   out.output,
		Duration: out.duration,
		ExitCode: out.exitCode,
	}

	switch {
	case out.timedOut:
		result.Status = CheckError
		result.Output = fmt.Sprintf("check %q timed out after %s", name, v.Timeout)
	case out.notFound:
		// A project without the optional security scanner skips that
		// check; a missing test/lint/typecheck tool is an infrastructure
		// failure, not a clean battery.
		if name == "security" {
			result.Status = CheckSkipped
		} else {
			result.Status = CheckError
		}
	default:
		result.Status = interpret(name, out)
	}
	return result
}

// interpret applies per-check exit-code and output conventions.
func interpret(name string, out runOutput) CheckStatus {
	switch name {
	case "test":
		if out.exitCode == 0 {
			if strings.Contains(out.output, "no test files") && !strings.Contains(out.output, "ok") {
				return CheckSkipped
			}
			return CheckPassed
		}
		return CheckFailed
	case "security":
		// The scanner exits non-zero on findings and on its own errors;
		// only reported issues count as a failure.
		if out.exitCode == 0 {
			return CheckPassed
		}
		if strings.Contains(out.output, "Issues:") || strings.Contains(out.output, "Severity: MEDIUM") ||
			strings.Contains(out.output, "Severity: HIGH") {
			return CheckFailed
		}
		return CheckSkipped
	default:
		if out.exitCode == 0 {
			return CheckPassed
		}
		return CheckFailed
	}
}

// RunCustom runs an arbitrary shell command as a named check. Exit zero
// passes, non-zero fails, timeout errors.
func (v *Verifier) RunCustom(ctx context.Context, command, name string) CheckResult {
	if name == "" {
		name = "custom"
	}
	out := v.run(ctx, []string{"sh", "-c", command})

	result := CheckResult{
		Name:     name,
		Output:   out.output,
		Duration: out.duration,
		ExitCode: out.exitCode,
	}
	switch {
	case out.timedOut:
		result.Status = CheckError
		result.Output = fmt.Sprintf("timed out after %s", v.Timeout)
	case out.notFound:
		result.Status = CheckError
	case out.exitCode == 0:
		result.Status = CheckPassed
	default:
		result.Status = CheckFailed
	}
	return result
}

type runOutput struct {
	output   string
	exitCode int
	duration time.Duration
	timedOut bool
	notFound bool
}

func (v *Verifier) run(ctx context.Context, argv []string) runOutput {
	runCtx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = v.ProjectPath
	// Checks run in a fresh process group so a timed-out check's children
	// die with it instead of holding the output pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	combined, err := cmd.CombinedOutput()
	out := runOutput{
		output:   tail(string(combined), maxOutputChars),
		duration: time.Since(start),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		out.timedOut = true
		out.exitCode = -1
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.exitCode = exitErr.ExitCode()
		} else {
			out.notFound = true
			out.exitCode = -1
			out.output = fmt.Sprintf("command not found: %s", argv[0])
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
