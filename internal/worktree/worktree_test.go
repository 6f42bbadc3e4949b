package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/testutil"
)

// mockExecutor scripts git responses per subcommand.
type mockExecutor struct {
	responses map[string]mockResponse
	commands  []string
}

type mockResponse struct {
	output string
	err    error
}

func (m *mockExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	m.commands = append(m.commands, key)
	for prefix, resp := range m.responses {
		if strings.HasPrefix(key, prefix) {
			return []byte(resp.output), resp.err
		}
	}
	return nil, nil
}

func TestFindGitRoot(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	nested := filepath.Join(repo, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	root, err := FindGitRoot(nested)
	if err != nil {
		t.Fatalf("FindGitRoot: %v", err)
	}
	if mustEval(t, root) != mustEval(t, repo) {
		t.Errorf("root = %s, want %s", root, repo)
	}

	_, err = FindGitRoot(t.TempDir())
	if !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("want ErrNotGitRepository, got %v", err)
	}
}

func mustEval(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestCreateWorktreeAndCurrentCommit(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	git, err := New(repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	commit, err := git.CurrentCommit()
	if err != nil {
		t.Fatalf("CurrentCommit: %v", err)
	}
	if len(commit) != 40 {
		t.Errorf("commit = %q, want full hash", commit)
	}

	wtPath := filepath.Join(repo, ".changeflow", "worktrees", "s", "agent-1")
	if err := git.CreateWorktree(wtPath, "changeflow/s/agent-1"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(wtPath); err != nil {
		t.Fatalf("worktree missing: %v", err)
	}

	// Re-creating is a no-op, keeping the phase idempotent.
	if err := git.CreateWorktree(wtPath, "changeflow/s/agent-1"); err != nil {
		t.Errorf("second CreateWorktree: %v", err)
	}

	paths, err := git.ListWorktrees()
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(paths) < 2 {
		t.Errorf("ListWorktrees = %v, want repo plus worktree", paths)
	}
}

func TestMergeIntegratesBranch(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	git, err := New(repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wtPath := filepath.Join(repo, ".changeflow", "worktrees", "s", "agent-1")
	branch := "changeflow/s/agent-1"
	if err := git.CreateWorktree(wtPath, branch); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	testutil.CommitFiles(t, wtPath, map[string]string{"feature.go": "package feature\n"}, "Add feature")

	if _, err := git.VerifyRef(branch); err != nil {
		t.Fatalf("VerifyRef: %v", err)
	}
	if err := git.Merge(branch, true); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.go")); err != nil {
		t.Error("merged file missing from base tree")
	}
}

func TestCherryPickIntegratesDivergedBranch(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	git, err := New(repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wtPath := filepath.Join(repo, ".changeflow", "worktrees", "s", "agent-1")
	branch := "changeflow/s/agent-1"
	if err := git.CreateWorktree(wtPath, branch); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	testutil.CommitFiles(t, wtPath, map[string]string{"feature.go": "package feature\n"}, "Add feature")

	// Advance the base past the fork point with an unrelated commit. Only
	// the branch's own commits may be picked, so this must not conflict.
	testutil.CommitFiles(t, repo, map[string]string{"other.go": "package other\n"}, "Unrelated base change")

	if err := git.CherryPick(branch); err != nil {
		t.Fatalf("CherryPick: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.go")); err != nil {
		t.Error("cherry-picked file missing from base tree")
	}
}

func TestVerifyRefNotFound(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	git, err := New(repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = git.VerifyRef("changeflow/nope/agent-9")
	if !errors.Is(err, errors.ErrRefNotFound) {
		t.Errorf("want ErrRefNotFound, got %v", err)
	}
}

func TestMergeConflictIsAborted(t *testing.T) {
	exec := &mockExecutor{responses: map[string]mockResponse{
		"merge --no-ff": {
			output: "CONFLICT (content): Merge conflict in main.go\n",
			err:    fmt.Errorf("exit status 1"),
		},
	}}
	git := NewWithExecutor("/repo", exec)

	err := git.Merge("changeflow/s/agent-1", true)
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("want ErrMergeConflict, got %v", err)
	}

	var aborted bool
	for _, cmd := range exec.commands {
		if cmd == "merge --abort" {
			aborted = true
		}
	}
	if !aborted {
		t.Error("a conflicted merge must be aborted to leave the base tree clean")
	}
}

func TestCherryPickConflictIsAborted(t *testing.T) {
	exec := &mockExecutor{responses: map[string]mockResponse{
		"cherry-pick -x": {
			output: "error: could not apply abc123... change\nconflict\n",
			err:    fmt.Errorf("exit status 1"),
		},
	}}
	git := NewWithExecutor("/repo", exec)

	err := git.CherryPick("changeflow/s/agent-1")
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("want ErrMergeConflict, got %v", err)
	}

	var aborted bool
	for _, cmd := range exec.commands {
		if cmd == "cherry-pick --abort" {
			aborted = true
		}
	}
	if !aborted {
		t.Error("a conflicted cherry-pick must be aborted")
	}
}

func TestDiffNumstatParsing(t *testing.T) {
	exec := &mockExecutor{responses: map[string]mockResponse{
		"diff --numstat": {
			output: "10\t2\tmain.go\n3\t1\tutil.go\n-\t-\tblob.bin\n",
		},
	}}
	git := NewWithExecutor("/repo", exec)

	added, removed, err := git.DiffNumstat("/repo/wt", "abc123")
	if err != nil {
		t.Fatalf("DiffNumstat: %v", err)
	}
	if added != 13 || removed != 3 {
		t.Errorf("added=%d removed=%d, want 13/3 (binary rows skipped)", added, removed)
	}
}

func TestDiffNames(t *testing.T) {
	exec := &mockExecutor{responses: map[string]mockResponse{
		"diff --name-only": {output: "main.go\nutil.go\n"},
	}}
	git := NewWithExecutor("/repo", exec)

	names, err := git.DiffNames("/repo/wt", "abc123")
	if err != nil {
		t.Fatalf("DiffNames: %v", err)
	}
	if len(names) != 2 || names[0] != "main.go" || names[1] != "util.go" {
		t.Errorf("names = %v", names)
	}
}
