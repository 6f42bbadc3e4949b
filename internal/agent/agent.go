// Package agent dispatches external agent processes over shards. The core
// never inspects agent-internal reasoning: an agent is an opaque Runner that
// consumes a shard's file list and produces a structured output artifact
// plus a raw log.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sddworks/changeflow/internal/index"
)

// Mode is the sandbox mode an agent run is granted.
type Mode string

const (
	// ModeReadOnly is used for analysis phases that must not touch the tree.
	ModeReadOnly Mode = "read-only"
	// ModeWrite is used for the test-generation phase inside a worktree.
	ModeWrite Mode = "write"
)

// Request describes one agent invocation.
type Request struct {
	SessionID string
	ShardID   int
	// Files is the shard's ordered file list.
	Files []index.FileEntry
	// PromptPath is the rendered prompt file handed to the agent.
	PromptPath string
	// OutputPath is where the agent's structured output artifact must land.
	OutputPath string
	// LogPath receives the agent's raw stdout/stderr.
	LogPath string
	// WorkDir is the directory the agent runs in (repo root or a worktree).
	WorkDir string
	Mode    Mode
}

// Result is the structured outcome of one agent invocation.
type Result struct {
	OutputPath string
	LogPath    string
	Duration   time.Duration
}

// Runner executes a single agent invocation. Implementations must respect
// context cancellation; the dispatcher applies per-shard timeouts through it.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ExecRunner invokes the configured agent executable as a subprocess.
// The invocation shape follows the codex exec contract: a prompt file in, a
// last-message output file out, sandboxed by mode.
type ExecRunner struct {
	// Executable is the agent binary, e.g. "codex".
	Executable string
	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string
}

// NewExecRunner creates an ExecRunner for the given executable.
func NewExecRunner(executable string, extraArgs []string) *ExecRunner {
	return &ExecRunner{Executable: executable, ExtraArgs: extraArgs}
}

// Run invokes the agent process and waits for it to exit. The raw output is
// streamed to req.LogPath; the structured artifact is written by the agent
// itself to req.OutputPath.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	sandbox := "read-only"
	if req.Mode == ModeWrite {
		sandbox = "workspace-write"
	}

	args := []string{
		"exec",
		"--sandbox", sandbox,
		"--cd", req.WorkDir,
		"--output-last-message", req.OutputPath,
		"--prompt-file", req.PromptPath,
	}
	args = append(args, r.ExtraArgs...)

	if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.Create(req.LogPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()
	result := Result{
		OutputPath: req.OutputPath,
		LogPath:    req.LogPath,
		Duration:   time.Since(start),
	}

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, fmt.Errorf("agent process failed: %w", runErr)
	}

	// The agent owns the output artifact; treat a missing or empty one as a
	// failed run even when the process exited zero.
	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return result, fmt.Errorf("agent produced no output artifact: %w", err)
	}
	if info.Size() == 0 {
		return result, fmt.Errorf("agent produced empty output artifact %s", req.OutputPath)
	}

	return result, nil
}
