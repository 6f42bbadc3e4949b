package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/docs", "fix-login")

	assert.Equal(t, "/docs/fix-login", l.Dir())
	assert.Equal(t, "/docs/fix-login/context", l.ContextDir())
	assert.Equal(t, "/docs/fix-login/runs", l.RunsDir())
	assert.Equal(t, "/docs/fix-login/10_repo_digest.md", l.PhasePath(RepoDigestFile))
	assert.Equal(t, "/docs/fix-login/runs/shard_03_output.md", l.ShardOutputPath(3))
	assert.Equal(t, "/docs/fix-login/runs/shard_03.log", l.ShardLogPath(3))
	assert.Equal(t, "/docs/fix-login/context/prompt_shard_00.md", l.ShardPromptPath(0))
	assert.Equal(t, "/docs/fix-login/context/prompt_review.md", l.PromptPath("review"))
	assert.Equal(t, "/docs/fix-login/runs/test_plan_agent-1_output.md", l.VariantOutputPath("agent-1"))
}

func TestWriteAndExists(t *testing.T) {
	l := NewLayout(t.TempDir(), "s")
	require.NoError(t, l.EnsureDirs())

	assert.False(t, l.Exists(ReviewFile))
	require.NoError(t, l.Write(ReviewFile, []byte("# Review\n")))
	assert.True(t, l.Exists(ReviewFile))

	// Empty artifacts do not count as present.
	require.NoError(t, l.Write(TasksFile, nil))
	assert.False(t, l.Exists(TasksFile))
}

func TestShardOutputExists(t *testing.T) {
	l := NewLayout(t.TempDir(), "s")
	require.NoError(t, l.EnsureDirs())

	assert.False(t, l.ShardOutputExists(0))
	require.NoError(t, os.WriteFile(l.ShardOutputPath(0), []byte("digest"), 0644))
	assert.True(t, l.ShardOutputExists(0))
}

func TestComposeDigestOrdersShards(t *testing.T) {
	l := NewLayout(t.TempDir(), "s")
	require.NoError(t, l.EnsureDirs())

	outputs := map[int]string{}
	for _, id := range []int{2, 0, 1} {
		path := l.ShardOutputPath(id)
		require.NoError(t, os.WriteFile(path, []byte("shard body"), 0644))
		outputs[id] = path
	}

	require.NoError(t, l.ComposeDigest(outputs))

	data, err := os.ReadFile(l.PhasePath(RepoDigestFile))
	require.NoError(t, err)
	content := string(data)

	i0 := indexOf(t, content, "## Shard 0")
	i1 := indexOf(t, content, "## Shard 1")
	i2 := indexOf(t, content, "## Shard 2")
	assert.Less(t, i0, i1)
	assert.Less(t, i1, i2)
}

func TestArchiveIsAppendOnly(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	l := NewLayout(root, "fix-login")
	require.NoError(t, l.EnsureDirs())
	require.NoError(t, l.Write(DecisionFile, []byte("decision")))

	dest, err := l.Archive(now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "archive", "2026-08-25-fix-login"), dest)
	assert.NoFileExists(t, l.PhasePath(DecisionFile))
	assert.FileExists(t, filepath.Join(dest, DecisionFile))

	// A second session with a colliding archive name gets a suffix, never an
	// overwrite.
	l2 := NewLayout(root, "fix-login")
	require.NoError(t, l2.EnsureDirs())
	require.NoError(t, l2.Write(DecisionFile, []byte("other decision")))

	dest2, err := l2.Archive(now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "archive", "2026-08-25-fix-login-2"), dest2)

	original, err := os.ReadFile(filepath.Join(dest, DecisionFile))
	require.NoError(t, err)
	assert.Equal(t, "decision", string(original), "first archive entry must be untouched")
}

func TestWriteIsAtomic(t *testing.T) {
	l := NewLayout(t.TempDir(), "s")
	require.NoError(t, l.EnsureDirs())
	require.NoError(t, l.Write(ReviewFile, []byte("v1")))
	require.NoError(t, l.Write(ReviewFile, []byte("v2")))

	data, err := os.ReadFile(l.PhasePath(ReviewFile))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(l.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func indexOf(t *testing.T, s, sub string) int {
	t.Helper()
	i := strings.Index(s, sub)
	require.GreaterOrEqual(t, i, 0, "%q not in digest", sub)
	return i
}
