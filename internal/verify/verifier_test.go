package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	return NewVerifier(t.TempDir(), 10*time.Second)
}

func TestVerifyAllPassing(t *testing.T) {
	v := newTestVerifier(t)
	v.SetCommand("test", []string{"true"})
	v.SetCommand("lint", []string{"true"})

	result := v.Verify(context.Background(), []string{"test", "lint"}, nil)
	assert.True(t, result.Passed)
	assert.True(t, result.CanRetry)
	assert.Equal(t, "2 passed, 0 failed out of 2 checks", result.Summary)
	require.Len(t, result.Checks, 2)
	for _, c := range result.Checks {
		assert.Equal(t, CheckPassed, c.Status)
	}
}

func TestVerifyFailureIsRetryable(t *testing.T) {
	v := newTestVerifier(t)
	v.SetCommand("test", []string{"true"})
	v.SetCommand("lint", []string{"false"})

	result := v.Verify(context.Background(), []string{"test", "lint"}, nil)
	assert.False(t, result.Passed)
	assert.True(t, result.CanRetry)
	assert.Equal(t, CheckFailed, result.Checks[1].Status)
	assert.Equal(t, 1, result.Checks[1].ExitCode)
}

func TestVerifyTimeoutIsErrorAndNotRetryable(t *testing.T) {
	v := NewVerifier(t.TempDir(), 100*time.Millisecond)
	v.SetCommand("test", []string{"sleep", "5"})
	v.SetCommand("lint", []string{"true"})

	result := v.Verify(context.Background(), []string{"test", "lint"}, nil)
	assert.False(t, result.Passed)
	assert.False(t, result.CanRetry)
	assert.Equal(t, CheckError, result.Checks[0].Status)
	assert.Contains(t, result.Checks[0].Output, "timed out")
	// The battery keeps going after a timeout.
	assert.Equal(t, CheckPassed, result.Checks[1].Status)
}

func TestVerifyMissingToolIsSkipped(t *testing.T) {
	v := newTestVerifier(t)
	v.SetCommand("security", []string{"definitely-not-a-real-binary-xyz"})

	result := v.Verify(context.Background(), []string{"security"}, nil)
	assert.True(t, result.Passed)
	assert.True(t, result.CanRetry)
	assert.Equal(t, CheckSkipped, result.Checks[0].Status)
}

func TestVerifyMissingRequiredToolIsError(t *testing.T) {
	v := newTestVerifier(t)
	v.SetCommand("lint", []string{"definitely-not-a-real-binary-xyz"})

	// Only the optional security scanner may be absent; a missing lint,
	// test or typecheck tool means the environment is broken.
	result := v.Verify(context.Background(), []string{"lint"}, nil)
	assert.False(t, result.Passed)
	assert.False(t, result.CanRetry)
	assert.Equal(t, CheckError, result.Checks[0].Status)
	assert.Contains(t, result.Checks[0].Output, "command not found")
}

func TestVerifyUnknownCheckIsSkipped(t *testing.T) {
	v := newTestVerifier(t)
	result := v.Verify(context.Background(), []string{"fuzz"}, nil)
	assert.True(t, result.Passed)
	assert.Equal(t, CheckSkipped, result.Checks[0].Status)
	assert.Contains(t, result.Checks[0].Output, "unknown check")
}

func TestRunCustom(t *testing.T) {
	v := newTestVerifier(t)

	passed := v.RunCustom(context.Background(), "exit 0", "smoke")
	assert.Equal(t, CheckPassed, passed.Status)
	assert.Equal(t, "smoke", passed.Name)

	failed := v.RunCustom(context.Background(), "exit 3", "")
	assert.Equal(t, CheckFailed, failed.Status)
	assert.Equal(t, "custom", failed.Name)
	assert.Equal(t, 3, failed.ExitCode)
}

func TestRunCustomTimeout(t *testing.T) {
	v := NewVerifier(t.TempDir(), 100*time.Millisecond)
	result := v.RunCustom(context.Background(), "sleep 5", "slow")
	assert.Equal(t, CheckError, result.Status)
	assert.Contains(t, result.Output, "timed out")
}

func TestInterpretTestOutput(t *testing.T) {
	// A clean run over packages without tests is a skip, not a pass.
	assert.Equal(t, CheckSkipped, interpret("test", runOutput{exitCode: 0, output: "?   example/pkg [no test files]\n"}))
	assert.Equal(t, CheckPassed, interpret("test", runOutput{exitCode: 0, output: "ok  \texample/pkg\t0.01s\n"}))
	assert.Equal(t, CheckFailed, interpret("test", runOutput{exitCode: 1, output: "FAIL"}))
}

func TestInterpretSecurityOutput(t *testing.T) {
	assert.Equal(t, CheckPassed, interpret("security", runOutput{exitCode: 0, output: "Issues: 0"}))
	assert.Equal(t, CheckFailed, interpret("security", runOutput{exitCode: 1, output: "Severity: HIGH Confidence: HIGH"}))
	// Non-zero exit with no findings means the tool itself broke.
	assert.Equal(t, CheckSkipped, interpret("security", runOutput{exitCode: 2, output: "panic: something"}))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 10))
	assert.Equal(t, "cde", tail("abcde", 3))
}
