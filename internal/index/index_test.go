package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddworks/changeflow/internal/testutil"
)

func TestBuildIsDeterministic(t *testing.T) {
	repo := testutil.SetupTestRepoWithContent(t, map[string]string{
		"a.go":        "package a\n",
		"b/b.go":      "package b\n",
		"c/deep/c.go": "package c\n",
	})

	first, err := Build(repo, Options{})
	require.NoError(t, err)
	second, err := Build(repo, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Hash(), second.Hash(), "same tree must produce the same index hash")
	assert.Equal(t, first.Files, second.Files)

	// Path-sorted order.
	var paths []string
	for _, f := range first.Files {
		paths = append(paths, f.Path)
	}
	require.NotEmpty(t, paths)
	for i := 1; i < len(paths); i++ {
		assert.Less(t, paths[i-1], paths[i], "index must be path-sorted")
	}
}

func TestBuildHashChangesWithContent(t *testing.T) {
	repo := testutil.SetupTestRepoWithContent(t, map[string]string{"a.go": "package a\n"})

	before, err := Build(repo, Options{})
	require.NoError(t, err)

	testutil.CommitFiles(t, repo, map[string]string{"a.go": "package a // changed\n"}, "Change a")

	after, err := Build(repo, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, before.Hash(), after.Hash())
}

func TestBuildSkipsBinaryAndOversized(t *testing.T) {
	repo := testutil.SetupTestRepoWithContent(t, map[string]string{"a.go": "package a\n"})

	// Binary file: NUL byte in the first KiB.
	binPath := filepath.Join(repo, "blob.bin")
	require.NoError(t, os.WriteFile(binPath, []byte("abc\x00def"), 0644))
	testutil.CommitFiles(t, repo, nil, "Add binary blob")

	ix, err := Build(repo, Options{IncludeUntracked: true})
	require.NoError(t, err)
	for _, f := range ix.Files {
		assert.NotEqual(t, "blob.bin", f.Path, "binary files must be excluded")
	}

	// Oversized file under a tiny limit.
	ix, err = Build(repo, Options{MaxFileBytes: 5})
	require.NoError(t, err)
	assert.Empty(t, ix.Files, "every file exceeds a 5-byte limit")
}

func TestBuildUntrackedFlag(t *testing.T) {
	repo := testutil.SetupTestRepoWithContent(t, map[string]string{"a.go": "package a\n"})
	require.NoError(t, os.WriteFile(filepath.Join(repo, "scratch.txt"), []byte("wip\n"), 0644))

	tracked, err := Build(repo, Options{})
	require.NoError(t, err)
	for _, f := range tracked.Files {
		assert.NotEqual(t, "scratch.txt", f.Path)
	}

	all, err := Build(repo, Options{IncludeUntracked: true})
	require.NoError(t, err)
	var found bool
	for _, f := range all.Files {
		if f.Path == "scratch.txt" {
			found = true
		}
	}
	assert.True(t, found, "untracked file should be indexed with the flag")
}

func TestBuildExtraExcludes(t *testing.T) {
	repo := testutil.SetupTestRepoWithContent(t, map[string]string{
		"a.go":                       "package a\n",
		"docs/changes/s/20_review.md": "# Review\n",
		"docs/changesets.md":          "# Changesets\n",
	})

	// Prefix without a trailing slash must match the directory only, never
	// a sibling sharing the prefix string.
	ix, err := Build(repo, Options{ExtraExcludes: []string{"docs/changes"}})
	require.NoError(t, err)

	var paths []string
	for _, f := range ix.Files {
		paths = append(paths, f.Path)
	}
	assert.NotContains(t, paths, "docs/changes/s/20_review.md")
	assert.Contains(t, paths, "docs/changesets.md")
	assert.Contains(t, paths, "a.go")
}

func TestRepoTree(t *testing.T) {
	ix := &Index{Files: []FileEntry{
		{Path: "a.go"},
		{Path: "b/b.go"},
	}}
	assert.Equal(t, "a.go\nb/b.go\n", ix.RepoTree())
}

func TestContentHashes(t *testing.T) {
	ix := &Index{Files: []FileEntry{
		{Path: "a.go", ContentHash: "h1"},
		{Path: "b.go", ContentHash: "h2"},
	}}
	hashes := ix.ContentHashes()
	assert.Equal(t, map[string]string{"a.go": "h1", "b.go": "h2"}, hashes)
}

func entries(paths ...string) []FileEntry {
	out := make([]FileEntry, len(paths))
	for i, p := range paths {
		out[i] = FileEntry{Path: p, ContentHash: "hash-" + p}
	}
	return out
}

func TestSplitContiguousBlocks(t *testing.T) {
	ix := &Index{Files: entries("a", "b", "c", "d", "e")}

	shards := ix.Split(2)
	require.Len(t, shards, 2)
	assert.Equal(t, entries("a", "b"), shards[0].Files)
	assert.Equal(t, entries("c", "d", "e"), shards[1].Files)
	assert.Equal(t, 0, shards[0].ID)
	assert.Equal(t, 1, shards[1].ID)
}

func TestSplitNeverProducesEmptyShards(t *testing.T) {
	// Every shard must receive at least one file whenever there are at
	// least as many files as shards, for any combination.
	for total := 1; total <= 9; total++ {
		paths := make([]string, total)
		for i := range paths {
			paths[i] = string(rune('a' + i))
		}
		ix := &Index{Files: entries(paths...)}

		for n := 1; n <= total; n++ {
			shards := ix.Split(n)
			require.Len(t, shards, n)

			var covered int
			for _, s := range shards {
				assert.NotEmpty(t, s.Files, "total=%d n=%d shard %d", total, n, s.ID)
				covered += len(s.Files)
			}
			assert.Equal(t, total, covered, "total=%d n=%d must cover every file", total, n)
		}
	}
}

func TestSplitClampsCount(t *testing.T) {
	ix := &Index{Files: entries("a", "b")}

	one := ix.Split(0)
	require.Len(t, one, 1)
	assert.Len(t, one[0].Files, 2)
}

func TestShardHashDeterminism(t *testing.T) {
	ix := &Index{Files: entries("a", "b", "c", "d")}

	first := ix.Split(2)
	second := ix.Split(2)
	for i := range first {
		assert.Equal(t, first[i].Hash(), second[i].Hash(), "shard %d", i)
	}

	// Different membership, different hash.
	other := ix.Split(4)
	assert.NotEqual(t, first[0].Hash(), other[0].Hash())
}
