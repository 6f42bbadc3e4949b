// Package cache decides, per shard, whether a prior agent result is reusable
// or the shard must be recomputed. The decision is a pure function of the
// freshly computed shard hashes, the hashes recorded after the last
// successful run, and the presence of the persisted output artifacts — so
// re-runs over an unchanged repository never dispatch an agent.
package cache

import (
	"github.com/sddworks/changeflow/internal/index"
)

// Action says what to do with one shard.
type Action string

const (
	// Reuse means the recorded hash matches and the prior output artifact is
	// intact: skip the agent, reuse the artifact.
	Reuse Action = "reuse"
	// Execute means the shard is new, changed, or its artifact is missing:
	// dispatch the agent.
	Execute Action = "execute"
)

// Decision is the cache verdict for one shard.
type Decision struct {
	ShardID int
	Hash    string
	Action  Action
}

// OutputProbe reports whether the persisted output artifact for a shard
// still exists. A recorded hash without its artifact is treated as a miss.
type OutputProbe func(shardID int) bool

// Plan compares each shard's fresh hash against the hashes recorded after
// the last successful run and returns one Decision per shard, in shard
// order.
//
// A change in shard count invalidates every recorded hash: the contiguous
// block boundaries move, so hashes computed under a different count are
// meaningless even if some happen to collide.
func Plan(shards []index.Shard, prevHashes map[int]string, prevCount int, probe OutputProbe) []Decision {
	countChanged := prevCount != len(shards)

	decisions := make([]Decision, 0, len(shards))
	for _, shard := range shards {
		hash := shard.Hash()
		d := Decision{ShardID: shard.ID, Hash: hash, Action: Execute}

		if !countChanged {
			if prev, ok := prevHashes[shard.ID]; ok && prev == hash && probe != nil && probe(shard.ID) {
				d.Action = Reuse
			}
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// Stale returns the decisions that require execution.
func Stale(decisions []Decision) []Decision {
	var out []Decision
	for _, d := range decisions {
		if d.Action == Execute {
			out = append(out, d)
		}
	}
	return out
}
