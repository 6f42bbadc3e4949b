// Package worktree provides the git collaborator the workflow core delegates
// to: worktree creation, merge and cherry-pick integration, diff statistics,
// and ref resolution. Every operation is atomic from the core's point of
// view — it either succeeds or reports a typed error without leaving the
// core's own state half-changed.
//
// Commands run through the CommandExecutor interface so tests can mock git
// without executing it.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sddworks/changeflow/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Git wraps git operations against one repository.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (either a directory or
// a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no .git up to mount point from %s", errors.ErrNotGitRepository, startDir)
		}
		dir = parent
	}
}

// New creates a Git bound to the repository containing repoDir.
func New(repoDir string) (*Git, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Git{repoDir: root, executor: &CLICommandExecutor{}}, nil
}

// NewWithExecutor creates a Git with a custom executor. Primarily for tests.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

// Root returns the repository root directory.
func (g *Git) Root() string {
	return g.repoDir
}

// CurrentCommit resolves HEAD to a full commit hash.
func (g *Git) CurrentCommit() (string, error) {
	output, err := g.executor.Run(g.repoDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// VerifyRef resolves a ref to a commit hash, or errors.ErrRefNotFound.
func (g *Git) VerifyRef(ref string) (string, error) {
	output, err := g.executor.Run(g.repoDir, "git", "rev-parse", "--verify", ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errors.ErrRefNotFound, ref)
	}
	return strings.TrimSpace(string(output)), nil
}

// CreateWorktree creates a worktree at path on a new branch. Creating a
// worktree that already exists at path is a no-op, which keeps the
// worktrees phase idempotent.
func (g *Git) CreateWorktree(path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	output, err := g.executor.Run(g.repoDir, "git", "worktree", "add", "-b", branch, path)
	if err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithRepository(g.repoDir).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// ListWorktrees returns the paths of all worktrees attached to the repo.
func (g *Git) ListWorktrees() ([]string, error) {
	output, err := g.executor.Run(g.repoDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// Merge merges branch into the current branch. noFF forces a merge commit.
// A conflict is reported as errors.ErrMergeConflict and the merge is
// aborted, leaving the base tree clean.
func (g *Git) Merge(branch string, noFF bool) error {
	args := []string{"merge"}
	if noFF {
		args = append(args, "--no-ff")
	}
	args = append(args, branch)

	output, err := g.executor.Run(g.repoDir, "git", args...)
	if err != nil {
		if isConflict(string(output)) {
			g.abortMerge()
			return fmt.Errorf("%w: merging %s", errors.ErrMergeConflict, branch)
		}
		return errors.NewGitError("merge failed", err).
			WithRepository(g.repoDir).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// CherryPick replays the commits reachable from branch but not from HEAD
// onto the current branch, annotated with provenance (-x). The range is
// HEAD..branch: a symmetric-difference range would re-pick the base's own
// commits once it has advanced past the fork point. A conflict is reported
// as errors.ErrMergeConflict and the cherry-pick is aborted.
func (g *Git) CherryPick(branch string) error {
	output, err := g.executor.Run(g.repoDir, "git", "cherry-pick", "-x", ".."+branch)
	if err != nil {
		if isConflict(string(output)) {
			g.abortCherryPick()
			return fmt.Errorf("%w: cherry-picking %s", errors.ErrMergeConflict, branch)
		}
		return errors.NewGitError("cherry-pick failed", err).
			WithRepository(g.repoDir).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// DiffNumstat returns total lines added and removed between base and the
// working tree HEAD of dir (a worktree path).
func (g *Git) DiffNumstat(dir, base string) (added, removed int, err error) {
	output, err := g.executor.Run(dir, "git", "diff", "--numstat", base)
	if err != nil {
		return 0, 0, errors.NewGitError("diff failed", err).
			WithRepository(dir).
			WithGitOutput(string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Binary files show "-" counts; skip them.
		if a, err := strconv.Atoi(fields[0]); err == nil {
			added += a
		}
		if r, err := strconv.Atoi(fields[1]); err == nil {
			removed += r
		}
	}
	return added, removed, nil
}

// DiffNames returns the paths changed between base and HEAD of dir.
func (g *Git) DiffNames(dir, base string) ([]string, error) {
	output, err := g.executor.Run(dir, "git", "diff", "--name-only", base)
	if err != nil {
		return nil, errors.NewGitError("diff failed", err).
			WithRepository(dir).
			WithGitOutput(string(output))
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// abortMerge resets a conflicted merge. Best effort; the conflict error is
// what the caller sees either way.
func (g *Git) abortMerge() {
	_, _ = g.executor.Run(g.repoDir, "git", "merge", "--abort")
}

func (g *Git) abortCherryPick() {
	_, _ = g.executor.Run(g.repoDir, "git", "cherry-pick", "--abort")
}

func isConflict(output string) bool {
	return strings.Contains(output, "CONFLICT") || strings.Contains(output, "conflict")
}
