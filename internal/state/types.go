// Package state provides the persisted workflow state: the change session
// record, its phase machine position, approval flag, shard hashes, and
// variant records. All core components read and write through the Store,
// which enforces a single-writer discipline with an advisory lock and an
// optimistic version check.
package state

import (
	"sort"
	"time"
)

// SchemaVersion is the current version of the persisted state layout.
// Bump only with a migration path; Load rejects unknown versions.
const SchemaVersion = 1

// Phase is a position in the workflow state machine.
type Phase string

// Workflow phases, in required order. The approval gate sits between
// PhaseTasksGenerated and PhaseWorktreesCreated.
const (
	PhaseCreated          Phase = "created"
	PhaseIndexed          Phase = "indexed"
	PhaseDigestsGenerated Phase = "digests_generated"
	PhaseReviewed         Phase = "reviewed"
	PhaseTasksGenerated   Phase = "tasks_generated"
	PhaseWorktreesCreated Phase = "worktrees_created"
	PhaseTestPlanExecuted Phase = "test_plan_executed"
	PhaseSelected         Phase = "selected"
	PhaseFinalized        Phase = "finalized"
)

// phaseOrder defines the total order of phases.
var phaseOrder = []Phase{
	PhaseCreated,
	PhaseIndexed,
	PhaseDigestsGenerated,
	PhaseReviewed,
	PhaseTasksGenerated,
	PhaseWorktreesCreated,
	PhaseTestPlanExecuted,
	PhaseSelected,
	PhaseFinalized,
}

// Ordinal returns the phase's position in the workflow order, or -1 for an
// unknown phase.
func (p Phase) Ordinal() int {
	for i, q := range phaseOrder {
		if p == q {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Ordinal() >= 0
}

// AtLeast reports whether p is at or past q in the workflow order.
func (p Phase) AtLeast(q Phase) bool {
	return p.Ordinal() >= q.Ordinal()
}

// Next returns the phase following p, or p itself when p is terminal.
func (p Phase) Next() Phase {
	i := p.Ordinal()
	if i < 0 || i == len(phaseOrder)-1 {
		return p
	}
	return phaseOrder[i+1]
}

// Phases returns the workflow phases in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// RunStatus is the outcome of one shard agent run.
type RunStatus string

// Shard run outcomes.
const (
	RunSuccess       RunStatus = "success"
	RunFailed        RunStatus = "failed"
	RunSkippedCached RunStatus = "skipped-cached"
)

// AgentRunResult is the append-only record of one shard agent invocation.
type AgentRunResult struct {
	ShardID   int           `json:"shard_id"`
	Status    RunStatus     `json:"status"`
	OutputRef string        `json:"output_ref,omitempty"`
	Digest    string        `json:"digest,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	RunAt     time.Time     `json:"run_at"`
}

// Variant is one agent's independently produced branch plus its quality
// metrics. At most one variant per session has Selected set.
type Variant struct {
	AgentID   string `json:"agent_id"`
	BranchRef string `json:"branch_ref"`

	TestsPassed int `json:"tests_passed"`
	TestsFailed int `json:"tests_failed"`
	// CoveragePercent is nil when coverage measurement is disabled or the
	// runner produced no figure; absence ranks below any measured value.
	CoveragePercent  *float64 `json:"coverage_percent,omitempty"`
	DiffLinesChanged int      `json:"diff_lines_changed"`

	Selected bool `json:"selected"`
}

// ChangeSession is the unit of work: one change flowing through the
// workflow. Sessions are never deleted — finalize archives them, preserving
// audit history.
type ChangeSession struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Phase    Phase `json:"phase"`
	Approved bool  `json:"approved"`
	// ApprovedAt/ApprovedBy record who flipped the gate and when.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`

	// IndexHash is the hash of the last successful index snapshot.
	IndexHash string `json:"index_hash,omitempty"`
	// ShardHashes maps shard id → hash, recorded after the most recent
	// successful shard run; drives cache invalidation on the next run.
	ShardHashes map[int]string `json:"shard_hashes,omitempty"`
	// ShardCount is the shard count the hashes were computed with. A
	// different requested count invalidates the whole set.
	ShardCount int `json:"shard_count,omitempty"`

	// BaseCommit is the commit worktrees were created from; variant diffs
	// are measured against it.
	BaseCommit string `json:"base_commit,omitempty"`

	// Variants maps agent id → variant record.
	Variants map[string]*Variant `json:"variants,omitempty"`

	// Runs is the append-only log of shard agent invocations.
	Runs []AgentRunResult `json:"runs,omitempty"`

	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelectedVariants returns the agent ids of all variants currently marked
// selected, in deterministic (sorted) order.
func (s *ChangeSession) SelectedVariants() []string {
	var ids []string
	for id, v := range s.Variants {
		if v.Selected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RecordRun appends a shard run result to the session's run log.
func (s *ChangeSession) RecordRun(r AgentRunResult) {
	s.Runs = append(s.Runs, r)
}

// State is the versioned root record persisted as state.json. Version is a
// monotonically increasing write counter used for optimistic concurrency
// control: Save fails loudly with a StateConflictError when the on-disk
// version no longer matches the loaded one.
type State struct {
	SchemaVersion   int                       `json:"schema_version"`
	Version         int64                     `json:"version"`
	ActiveSessionID string                    `json:"active_session_id,omitempty"`
	Sessions        map[string]*ChangeSession `json:"sessions"`
}

// NewState returns an empty state at the current schema version.
func NewState() *State {
	return &State{
		SchemaVersion: SchemaVersion,
		Sessions:      make(map[string]*ChangeSession),
	}
}

// Session returns the session with the given id, or nil.
func (st *State) Session(id string) *ChangeSession {
	return st.Sessions[id]
}

// ActiveSession returns the active (non-archived) session, or nil.
func (st *State) ActiveSession() *ChangeSession {
	if st.ActiveSessionID == "" {
		return nil
	}
	return st.Sessions[st.ActiveSessionID]
}
