// Package index enumerates repository files deterministically and partitions
// them into shards for parallel agent analysis.
//
// Determinism is load-bearing: the shard hashes derived here drive cache
// invalidation, so the same file set must always produce the same index,
// the same shard boundaries and the same hashes, on any machine.
package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sddworks/changeflow/internal/errors"
)

// DefaultMaxFileBytes is the default per-file size cutoff for indexing.
const DefaultMaxFileBytes int64 = 1_000_000

// excludedPrefixes are path prefixes never included in the index.
var excludedPrefixes = []string{
	".git/",
	"node_modules/",
	"vendor/",
	".changeflow/",
}

// FileEntry is an immutable snapshot of one file at index time.
type FileEntry struct {
	// Path is the normalized repo-relative path, using forward slashes.
	Path string `json:"path"`
	// ContentHash is the hex-encoded SHA-256 of the file content.
	ContentHash string `json:"content_hash"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// Index is the deterministic, path-sorted file listing of a repository
// snapshot.
type Index struct {
	Files []FileEntry `json:"files"`
}

// Options controls what Build includes in the index.
type Options struct {
	// IncludeUntracked adds untracked (but not ignored) files.
	IncludeUntracked bool
	// MaxFileBytes excludes files larger than this. Zero means
	// DefaultMaxFileBytes.
	MaxFileBytes int64
	// ExtraExcludes are additional repo-relative directory prefixes to
	// skip, typically the tool's own state and document directories. If
	// those were indexed, committing session artifacts would shift shard
	// boundaries and defeat cache reuse.
	ExtraExcludes []string
}

// Build enumerates the repository's tracked files (plus untracked files when
// requested), hashes their content, and returns a path-sorted index.
// Binary files, oversized files, and files under excluded prefixes are
// skipped.
func Build(repoRoot string, opts Options) (*Index, error) {
	maxBytes := opts.MaxFileBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxFileBytes
	}

	paths, err := listGitFiles(repoRoot, opts.IncludeUntracked)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	extra := normalizePrefixes(opts.ExtraExcludes)
	entries := make([]FileEntry, 0, len(paths))
	for _, rel := range paths {
		rel = filepath.ToSlash(rel)
		if isExcluded(rel, extra) {
			continue
		}

		full := filepath.Join(repoRoot, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			// Tracked but deleted from the working tree; skip.
			continue
		}
		if info.Size() > maxBytes {
			continue
		}

		binary, err := isBinary(full)
		if err != nil {
			return nil, fmt.Errorf("failed to sniff %s: %w", rel, err)
		}
		if binary {
			continue
		}

		hash, err := hashFile(full)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}

		entries = append(entries, FileEntry{
			Path:        rel,
			ContentHash: hash,
			Size:        info.Size(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return &Index{Files: entries}, nil
}

// Hash returns the index hash: SHA-256 folded over the ordered
// (path, content-hash) pairs. It is sensitive to membership, order, and
// content, and insensitive to filesystem metadata.
func (ix *Index) Hash() string {
	return foldEntries(ix.Files)
}

// RepoTree renders the newline-joined path listing artifact.
func (ix *Index) RepoTree() string {
	var b strings.Builder
	for _, entry := range ix.Files {
		b.WriteString(entry.Path)
		b.WriteByte('\n')
	}
	return b.String()
}

// ContentHashes returns a path → content-hash map for the whole index.
func (ix *Index) ContentHashes() map[string]string {
	hashes := make(map[string]string, len(ix.Files))
	for _, entry := range ix.Files {
		hashes[entry.Path] = entry.ContentHash
	}
	return hashes
}

// listGitFiles enumerates tracked (and optionally untracked) files via
// NUL-delimited git ls-files output.
func listGitFiles(repoRoot string, includeUntracked bool) ([]string, error) {
	tracked, err := gitLsFiles(repoRoot, "ls-files", "-z")
	if err != nil {
		return nil, err
	}

	files := tracked
	if includeUntracked {
		untracked, err := gitLsFiles(repoRoot, "ls-files", "--others", "--exclude-standard", "-z")
		if err != nil {
			return nil, err
		}
		files = append(files, untracked...)
	}
	return files, nil
}

func gitLsFiles(repoRoot string, args ...string) ([]string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoRoot
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.NewGitError("failed to list repository files", err).
			WithRepository(repoRoot)
	}
	return splitNul(output), nil
}

func splitNul(data []byte) []string {
	var out []string
	for _, chunk := range bytes.Split(data, []byte{0}) {
		if len(chunk) == 0 {
			continue
		}
		out = append(out, string(chunk))
	}
	return out
}

func isExcluded(rel string, extra []string) bool {
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	for _, prefix := range extra {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	return false
}

// normalizePrefixes slash-normalizes exclusion prefixes and ensures each
// ends with a separator, so "docs/changes" never matches "docs/changesX".
func normalizePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		out = append(out, p)
	}
	return out
}

// isBinary reports whether the file looks binary (NUL byte in the first KiB).
func isBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 1024)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) >= 0, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// foldEntries folds the ordered (path, content-hash) pairs through SHA-256.
func foldEntries(entries []FileEntry) string {
	h := sha256.New()
	for _, entry := range entries {
		h.Write([]byte(entry.Path))
		h.Write([]byte{0})
		h.Write([]byte(entry.ContentHash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
