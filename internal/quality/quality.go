// Package quality runs the external test and coverage collaborators inside
// variant worktrees and parses their results into the metrics the selector
// ranks on. The commands themselves are configuration; the core only
// consumes the structured result.
package quality

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// TestResult is the structured outcome of one test run.
type TestResult struct {
	// Passed and Failed are test counts when the output is parseable;
	// otherwise they collapse to 1/0 or 0/1 based on the exit status.
	Passed int
	Failed int
	// Success is the process exit status.
	Success bool
	// Output is the raw combined output, persisted as a run artifact.
	Output string
}

// CoverageResult is the structured outcome of one coverage run.
type CoverageResult struct {
	// Percent is nil when no coverage figure could be parsed.
	Percent *float64
	Output  string
}

// Runner executes tests and coverage for one variant worktree.
type Runner interface {
	RunTests(ctx context.Context, dir string) (TestResult, error)
	RunCoverage(ctx context.Context, dir string) (CoverageResult, error)
}

// ExecRunner runs the configured test command via the shell.
type ExecRunner struct {
	// TestCommand is the command run in the worktree, e.g. "go test -v ./...".
	// For Go projects the command must be verbose: the per-test counts come
	// from "--- PASS"/"--- FAIL" lines.
	TestCommand string
	// CoverageTool selects coverage measurement: "cover" appends the Go
	// cover flag to the test command, "none" disables coverage.
	CoverageTool string
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(testCommand, coverageTool string) *ExecRunner {
	return &ExecRunner{TestCommand: testCommand, CoverageTool: coverageTool}
}

// RunTests runs the test command in dir. A non-zero exit is a failed run,
// not an error: the result captures it for the variant record.
func (r *ExecRunner) RunTests(ctx context.Context, dir string) (TestResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.TestCommand)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	result := TestResult{
		Success: err == nil,
		Output:  string(output),
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	result.Passed, result.Failed = countTests(result.Output, result.Success)
	return result, nil
}

// RunCoverage runs the test command with coverage enabled and parses the
// aggregate percentage. With CoverageTool "none" it returns an empty result.
func (r *ExecRunner) RunCoverage(ctx context.Context, dir string) (CoverageResult, error) {
	if r.CoverageTool == "none" {
		return CoverageResult{}, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", r.TestCommand+" -cover")
	cmd.Dir = dir
	output, _ := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return CoverageResult{}, ctx.Err()
	}

	result := CoverageResult{Output: string(output)}
	result.Percent = ParsePercent(result.Output)
	return result, nil
}

// countTests derives pass/fail counts from test output. Verbose Go test
// output yields exact counts; otherwise the run collapses to a single
// pass-or-fail so the ratio still orders variants correctly.
func countTests(output string, success bool) (passed, failed int) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "--- PASS:"):
			passed++
		case strings.HasPrefix(trimmed, "--- FAIL:"):
			failed++
		}
	}
	if passed+failed > 0 {
		return passed, failed
	}
	if success {
		return 1, 0
	}
	return 0, 1
}

// ParsePercent extracts the mean of all "NN.N%" coverage figures in output.
// Returns nil when none is present.
func ParsePercent(output string) *float64 {
	var sum float64
	var count int
	for _, token := range strings.Fields(output) {
		stripped, ok := strings.CutSuffix(token, "%")
		if !ok {
			continue
		}
		val, err := strconv.ParseFloat(stripped, 64)
		if err != nil {
			continue
		}
		sum += val
		count++
	}
	if count == 0 {
		return nil
	}
	mean := sum / float64(count)
	return &mean
}
