package index

// Shard is a deterministic, disjoint subset of the index assigned to one
// agent run. Shards are immutable once computed for an index snapshot.
type Shard struct {
	// ID is the shard's position, 0..N-1.
	ID int `json:"id"`
	// Files is the ordered (path-sorted) slice of entries in this shard.
	Files []FileEntry `json:"files"`
}

// Hash returns the shard hash: SHA-256 folded over the shard's ordered
// (path, content-hash) pairs. A shard hash changes iff the shard's
// membership, order, or any member's content changes.
func (s Shard) Hash() string {
	return foldEntries(s.Files)
}

// Split partitions the index into n contiguous shards of the path-sorted
// entry list using balanced boundaries: shard i holds entries
// [i*total/n, (i+1)*total/n). Sizes differ by at most one, and every shard
// is non-empty whenever the index has at least n entries — a ceil-chunk
// split would leave trailing shards empty and dispatch an agent over
// nothing. The rule is fixed — changing it would invalidate every
// previously recorded shard hash.
//
// n is clamped to a minimum of 1.
func (ix *Index) Split(n int) []Shard {
	if n < 1 {
		n = 1
	}

	total := len(ix.Files)
	shards := make([]Shard, n)
	for i := 0; i < n; i++ {
		shards[i] = Shard{ID: i}

		start := i * total / n
		end := (i + 1) * total / n
		if start < end {
			shards[i].Files = ix.Files[start:end]
		}
	}
	return shards
}
