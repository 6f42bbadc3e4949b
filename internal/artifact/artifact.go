// Package artifact owns the on-disk layout of a change session's documents:
// the phase-ordinal markdown files, the context inputs handed to agents, the
// per-shard run outputs, and the append-only archive a finalized session is
// relocated into. All writes go through atomic temp-and-rename so a crashed
// phase never leaves a half-written artifact behind.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Phase-ordinal artifact names. The numeric prefixes keep a directory
// listing in workflow order; gaps leave room for future phases.
const (
	RepoDigestFile = "10_repo_digest.md"
	ReviewFile     = "20_review.md"
	TasksFile      = "40_tasks.md"
	TestPlanFile   = "50_test_plan.md"
	SelectionFile  = "80_selection.md"
	DecisionFile   = "90_decision.md"
)

const (
	contextDirName = "context"
	runsDirName    = "runs"
	archiveDirName = "archive"

	// FileIndexName is the machine-readable index snapshot in the context dir.
	FileIndexName = "file_index.json"
	// RepoTreeName is the newline-joined path list in the context dir.
	RepoTreeName = "repo_tree.txt"
)

// Layout resolves every artifact path for one session under the docs root.
type Layout struct {
	docsRoot  string
	sessionID string
}

// NewLayout binds a layout to a session.
func NewLayout(docsRoot, sessionID string) *Layout {
	return &Layout{docsRoot: docsRoot, sessionID: sessionID}
}

// Dir is the session's document directory.
func (l *Layout) Dir() string {
	return filepath.Join(l.docsRoot, l.sessionID)
}

// ContextDir holds the inputs handed to agents: the file index snapshot, the
// repo tree, and rendered prompt files.
func (l *Layout) ContextDir() string {
	return filepath.Join(l.Dir(), contextDirName)
}

// RunsDir holds per-shard agent outputs and raw logs.
func (l *Layout) RunsDir() string {
	return filepath.Join(l.Dir(), runsDirName)
}

// EnsureDirs creates the session's directory tree.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.Dir(), l.ContextDir(), l.RunsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}
	return nil
}

// PhasePath resolves a phase-ordinal artifact name to its full path.
func (l *Layout) PhasePath(name string) string {
	return filepath.Join(l.Dir(), name)
}

// ContextPath resolves a context file name to its full path.
func (l *Layout) ContextPath(name string) string {
	return filepath.Join(l.ContextDir(), name)
}

// ShardOutputPath is where shard i's structured agent output lands.
func (l *Layout) ShardOutputPath(shardID int) string {
	return filepath.Join(l.RunsDir(), fmt.Sprintf("shard_%02d_output.md", shardID))
}

// ShardLogPath receives shard i's raw agent stdout/stderr.
func (l *Layout) ShardLogPath(shardID int) string {
	return filepath.Join(l.RunsDir(), fmt.Sprintf("shard_%02d.log", shardID))
}

// ShardPromptPath is the rendered prompt file for shard i.
func (l *Layout) ShardPromptPath(shardID int) string {
	return filepath.Join(l.ContextDir(), fmt.Sprintf("prompt_shard_%02d.md", shardID))
}

// PromptPath is a rendered prompt for a whole-session (non-sharded) phase.
func (l *Layout) PromptPath(phase string) string {
	return filepath.Join(l.ContextDir(), fmt.Sprintf("prompt_%s.md", phase))
}

// VariantPromptPath is the rendered prompt for one agent's test-plan run.
func (l *Layout) VariantPromptPath(agentID string) string {
	return filepath.Join(l.ContextDir(), fmt.Sprintf("prompt_test_plan_%s.md", agentID))
}

// VariantOutputPath is where one agent's test-plan output lands.
func (l *Layout) VariantOutputPath(agentID string) string {
	return filepath.Join(l.RunsDir(), fmt.Sprintf("test_plan_%s_output.md", agentID))
}

// VariantLogPath receives one agent's test-plan run log.
func (l *Layout) VariantLogPath(agentID string) string {
	return filepath.Join(l.RunsDir(), fmt.Sprintf("test_plan_%s.log", agentID))
}

// Exists reports whether a phase artifact is present and non-empty.
func (l *Layout) Exists(name string) bool {
	info, err := os.Stat(l.PhasePath(name))
	return err == nil && info.Size() > 0
}

// ShardOutputExists reports whether shard i's output artifact survives on
// disk. The cache engine treats a recorded hash without its artifact as a
// miss.
func (l *Layout) ShardOutputExists(shardID int) bool {
	info, err := os.Stat(l.ShardOutputPath(shardID))
	return err == nil && info.Size() > 0
}

// Write atomically writes a phase artifact.
func (l *Layout) Write(name string, data []byte) error {
	return atomicWriteFile(l.PhasePath(name), data)
}

// WriteContext atomically writes a context file.
func (l *Layout) WriteContext(name string, data []byte) error {
	if err := os.MkdirAll(l.ContextDir(), 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}
	return atomicWriteFile(l.ContextPath(name), data)
}

// ComposeDigest concatenates the shard outputs, in shard order, into the
// repo digest artifact. Shard outputs for reused shards participate exactly
// like fresh ones — the digest is a pure function of the artifact set.
func (l *Layout) ComposeDigest(shardOutputs map[int]string) error {
	ids := make([]int, 0, len(shardOutputs))
	for id := range shardOutputs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	b.WriteString("# Repository Digest\n")
	for _, id := range ids {
		data, err := os.ReadFile(shardOutputs[id])
		if err != nil {
			return fmt.Errorf("failed to read shard %d output: %w", id, err)
		}
		fmt.Fprintf(&b, "\n## Shard %d\n\n", id)
		b.Write(data)
		if !strings.HasSuffix(string(data), "\n") {
			b.WriteString("\n")
		}
	}
	return l.Write(RepoDigestFile, []byte(b.String()))
}

// Archive relocates the session's document directory under the docs root's
// archive, named with the archive date. The archive is append-only: an
// existing entry is never overwritten — a colliding name gets a numeric
// suffix instead.
func (l *Layout) Archive(now time.Time) (string, error) {
	archiveRoot := filepath.Join(l.docsRoot, archiveDirName)
	if err := os.MkdirAll(archiveRoot, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	base := fmt.Sprintf("%s-%s", now.Format("2006-01-02"), l.sessionID)
	dest := filepath.Join(archiveRoot, base)
	for n := 2; ; n++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(archiveRoot, fmt.Sprintf("%s-%d", base, n))
	}

	if err := os.Rename(l.Dir(), dest); err != nil {
		return "", fmt.Errorf("failed to archive session documents: %w", err)
	}
	return dest, nil
}

// atomicWriteFile writes data to a temp file in the target directory, syncs,
// and renames it into place.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set artifact permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return nil
}
