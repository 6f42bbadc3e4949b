package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sddworks/changeflow/internal/agent"
	"github.com/sddworks/changeflow/internal/artifact"
	"github.com/sddworks/changeflow/internal/cache"
	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/index"
	"github.com/sddworks/changeflow/internal/state"
)

// PlansOptions tunes the indexing and dispatch round.
type PlansOptions struct {
	// ShardCount is the requested agent count; zero uses the configured
	// default. The effective count never exceeds the number of indexed files.
	ShardCount int
	// IncludeUntracked adds untracked (but not ignored) files to the index.
	IncludeUntracked bool
}

// GeneratePlans indexes the repository, partitions it into shards, and runs
// one read-only agent per stale shard to produce the repository digest.
// Unchanged shards whose prior output survives are reused without dispatch.
//
// The Indexed transition is committed before dispatch; DigestsGenerated is
// committed only when every shard ends in success or skipped-cached. A
// partial failure records the failed shards and the hashes of the succeeded
// ones, so a retry re-dispatches only what failed.
func (m *Machine) GeneratePlans(ctx context.Context, sessionID string, opts PlansOptions) error {
	lock, err := state.AcquireLock(m.store.Dir(), m.logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := m.store.Load()
	if err != nil {
		return err
	}
	sess, err := resolveSession(st, sessionID)
	if err != nil {
		return err
	}
	log := m.logger.WithSession(sess.ID).WithPhase(string(state.PhaseIndexed))

	layout := m.Layout(sess.ID)
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	ix, err := index.Build(m.repoRoot, index.Options{
		IncludeUntracked: opts.IncludeUntracked,
		MaxFileBytes:     m.cfg.Index.MaxFileBytes,
		ExtraExcludes:    m.ownDirExcludes(),
	})
	if err != nil {
		return err
	}
	log.Info("repository indexed", "files", len(ix.Files), "hash", ix.Hash())

	indexJSON, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode file index: %w", err)
	}
	if err := layout.WriteContext(artifact.FileIndexName, indexJSON); err != nil {
		return err
	}
	if err := layout.WriteContext(artifact.RepoTreeName, []byte(ix.RepoTree())); err != nil {
		return err
	}

	sess.IndexHash = ix.Hash()
	m.advance(sess, state.PhaseIndexed)
	m.touch(sess)
	if err := m.store.Save(st); err != nil {
		return err
	}

	n := opts.ShardCount
	if n < 1 {
		n = m.cfg.Agent.Count
	}
	if len(ix.Files) > 0 && n > len(ix.Files) {
		n = len(ix.Files)
	}
	shards := ix.Split(n)

	decisions := cache.Plan(shards, sess.ShardHashes, sess.ShardCount, layout.ShardOutputExists)

	var reqs []agent.Request
	results := make([]state.AgentRunResult, 0, len(decisions))
	for _, d := range decisions {
		if d.Action == cache.Reuse {
			log.Info("shard reused from cache", "shard", d.ShardID)
			results = append(results, agent.CachedResult(d.ShardID, layout.ShardOutputPath(d.ShardID)))
			continue
		}

		prompt := renderShardPrompt(sess, shards[d.ShardID])
		promptPath := layout.ShardPromptPath(d.ShardID)
		if err := layout.WriteContext(filepath.Base(promptPath), []byte(prompt)); err != nil {
			return err
		}
		reqs = append(reqs, agent.Request{
			SessionID:  sess.ID,
			ShardID:    d.ShardID,
			Files:      shards[d.ShardID].Files,
			PromptPath: promptPath,
			OutputPath: layout.ShardOutputPath(d.ShardID),
			LogPath:    layout.ShardLogPath(d.ShardID),
			WorkDir:    m.repoRoot,
			Mode:       agent.ModeReadOnly,
		})
	}

	if len(reqs) > 0 {
		dispatcher := agent.NewDispatcher(m.runner, m.cfg.Agent.Count, m.cfg.Agent.ShardTimeout(), log)
		dispatched, dispatchErr := dispatcher.Dispatch(ctx, reqs)
		if dispatchErr != nil && dispatched == nil {
			// Canceled: in-flight shard results are discarded, the state stays
			// at its last committed point.
			return dispatchErr
		}
		results = append(results, dispatched...)
		if dispatchErr != nil {
			if saveErr := m.commitShardRound(st, sess, decisions, results, n); saveErr != nil {
				return errors.Join(dispatchErr, saveErr)
			}
			return dispatchErr
		}
	}

	if err := m.commitShardRound(st, sess, decisions, results, n); err != nil {
		return err
	}

	outputs := make(map[int]string, len(decisions))
	for _, d := range decisions {
		outputs[d.ShardID] = layout.ShardOutputPath(d.ShardID)
	}
	if err := layout.ComposeDigest(outputs); err != nil {
		return err
	}

	m.advance(sess, state.PhaseDigestsGenerated)
	m.touch(sess)
	return m.store.Save(st)
}

// ownDirExcludes returns the tool's own directories as index exclusion
// prefixes. Session artifacts and state must never enter the index: once
// committed they would shift shard boundaries and re-dispatch unchanged
// shards.
func (m *Machine) ownDirExcludes() []string {
	var prefixes []string
	for _, dir := range []string{m.cfg.Paths.StateDir, m.cfg.Paths.DocsDir} {
		if dir != "" {
			prefixes = append(prefixes, filepath.ToSlash(dir))
		}
	}
	return prefixes
}

// commitShardRound appends the round's run records and commits the hashes of
// every shard that succeeded or was reused. Failed shards keep no hash, so
// the next round re-executes exactly them.
func (m *Machine) commitShardRound(st *state.State, sess *state.ChangeSession, decisions []cache.Decision, results []state.AgentRunResult, shardCount int) error {
	hashes := make(map[int]string, len(decisions))
	for _, d := range decisions {
		hashes[d.ShardID] = d.Hash
	}

	if sess.ShardHashes == nil || sess.ShardCount != shardCount {
		sess.ShardHashes = make(map[int]string, len(decisions))
	}
	sess.ShardCount = shardCount

	for _, r := range results {
		sess.RecordRun(r)
		if r.Status == state.RunSuccess || r.Status == state.RunSkippedCached {
			sess.ShardHashes[r.ShardID] = hashes[r.ShardID]
		} else {
			delete(sess.ShardHashes, r.ShardID)
		}
	}

	m.touch(sess)
	return m.store.Save(st)
}

// Review runs a single read-only agent over the repository digest to produce
// the review artifact.
func (m *Machine) Review(ctx context.Context, sessionID string) error {
	return m.runDocumentPhase(ctx, sessionID, documentPhase{
		name:       "review",
		prior:      state.PhaseDigestsGenerated,
		target:     state.PhaseReviewed,
		inputFile:  artifact.RepoDigestFile,
		outputFile: artifact.ReviewFile,
		prompt:     renderReviewPrompt,
	})
}

// GenerateTasks runs a single read-only agent over the review to produce the
// task breakdown artifact.
func (m *Machine) GenerateTasks(ctx context.Context, sessionID string) error {
	return m.runDocumentPhase(ctx, sessionID, documentPhase{
		name:       "tasks",
		prior:      state.PhaseReviewed,
		target:     state.PhaseTasksGenerated,
		inputFile:  artifact.ReviewFile,
		outputFile: artifact.TasksFile,
		prompt:     renderTasksPrompt,
	})
}

// documentPhase describes a phase that turns one prior artifact into one new
// artifact through a single read-only agent run.
type documentPhase struct {
	name       string
	prior      state.Phase
	target     state.Phase
	inputFile  string
	outputFile string
	prompt     func(sess *state.ChangeSession, input string) string
}

func (m *Machine) runDocumentPhase(ctx context.Context, sessionID string, phase documentPhase) error {
	lock, err := state.AcquireLock(m.store.Dir(), m.logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := m.store.Load()
	if err != nil {
		return err
	}
	sess, err := resolveSession(st, sessionID)
	if err != nil {
		return err
	}
	if err := requirePhase(sess, phase.prior, phase.target); err != nil {
		return err
	}

	layout := m.Layout(sess.ID)
	if !layout.Exists(phase.inputFile) {
		return fmt.Errorf("%w: artifact %s missing for session %s",
			errors.ErrSessionCorrupted, phase.inputFile, sess.ID)
	}
	input, err := os.ReadFile(layout.PhasePath(phase.inputFile))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", phase.inputFile, err)
	}

	promptPath := layout.PromptPath(phase.name)
	if err := layout.WriteContext(filepath.Base(promptPath), []byte(phase.prompt(sess, string(input)))); err != nil {
		return err
	}

	outputPath := layout.PhasePath(phase.outputFile)
	req := agent.Request{
		SessionID:  sess.ID,
		PromptPath: promptPath,
		OutputPath: outputPath,
		LogPath:    filepath.Join(layout.RunsDir(), phase.name+".log"),
		WorkDir:    m.repoRoot,
		Mode:       agent.ModeReadOnly,
	}
	if err := m.runSingle(ctx, req); err != nil {
		return err
	}

	m.advance(sess, phase.target)
	m.touch(sess)
	if err := m.store.Save(st); err != nil {
		return err
	}
	m.logger.WithSession(sess.ID).WithPhase(string(phase.target)).Info("artifact generated",
		"artifact", phase.outputFile)
	return nil
}

// runSingle runs one agent invocation under the per-shard timeout.
func (m *Machine) runSingle(ctx context.Context, req agent.Request) error {
	runCtx := ctx
	if timeout := m.cfg.Agent.ShardTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := m.runner.Run(runCtx, req); err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", errors.ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errors.ErrCanceled, err)
		}
		return err
	}
	return nil
}

// CreateWorktrees creates one worktree and branch per agent off the current
// commit. This is the first code-mutating phase; the approval flag is read
// fresh from the store at the gate.
func (m *Machine) CreateWorktrees(ctx context.Context, sessionID string, agents int) error {
	lock, err := state.AcquireLock(m.store.Dir(), m.logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := m.store.Load()
	if err != nil {
		return err
	}
	sess, err := resolveSession(st, sessionID)
	if err != nil {
		return err
	}
	if err := requirePhase(sess, state.PhaseTasksGenerated, state.PhaseWorktreesCreated); err != nil {
		return err
	}
	layout := m.Layout(sess.ID)
	if !layout.Exists(artifact.TasksFile) {
		return fmt.Errorf("%w: artifact %s missing for session %s",
			errors.ErrSessionCorrupted, artifact.TasksFile, sess.ID)
	}

	if err := m.checkApproved(sess.ID, "worktrees"); err != nil {
		return err
	}

	if agents < 1 {
		agents = m.cfg.Agent.Count
	}

	if sess.BaseCommit == "" {
		base, err := m.git.CurrentCommit()
		if err != nil {
			return err
		}
		sess.BaseCommit = base
	}

	if sess.Variants == nil {
		sess.Variants = make(map[string]*state.Variant, agents)
	}
	log := m.logger.WithSession(sess.ID).WithPhase(string(state.PhaseWorktreesCreated))
	for i := 1; i <= agents; i++ {
		agentID := fmt.Sprintf("agent-%d", i)
		branch := m.BranchName(sess.ID, agentID)
		path := m.WorktreePath(sess.ID, agentID)

		if err := m.git.CreateWorktree(path, branch); err != nil {
			return err
		}
		if _, exists := sess.Variants[agentID]; !exists {
			sess.Variants[agentID] = &state.Variant{AgentID: agentID, BranchRef: branch}
		}
		log.Info("worktree ready", "agent", agentID, "branch", branch)
	}

	m.advance(sess, state.PhaseWorktreesCreated)
	m.touch(sess)
	return m.store.Save(st)
}

// ExecuteTestPlan runs each variant's agent in write mode inside its
// worktree, then measures the variant: test pass/fail counts, coverage when
// enabled, and diff size against the base commit. The write mode makes this
// a gated phase.
//
// The phase advances only when every variant's agent run succeeds; a failed
// variant leaves the phase at worktrees_created with the other variants'
// metrics recorded, so only the failed one needs a re-run.
func (m *Machine) ExecuteTestPlan(ctx context.Context, sessionID string, withCoverage bool) error {
	lock, err := state.AcquireLock(m.store.Dir(), m.logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := m.store.Load()
	if err != nil {
		return err
	}
	sess, err := resolveSession(st, sessionID)
	if err != nil {
		return err
	}
	if err := requirePhase(sess, state.PhaseWorktreesCreated, state.PhaseTestPlanExecuted); err != nil {
		return err
	}
	if len(sess.Variants) == 0 {
		return fmt.Errorf("%w: session %s has no variants", errors.ErrSessionCorrupted, sess.ID)
	}

	if err := m.checkApproved(sess.ID, "test-plan"); err != nil {
		return err
	}

	layout := m.Layout(sess.ID)
	tasks, err := os.ReadFile(layout.PhasePath(artifact.TasksFile))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", artifact.TasksFile, err)
	}

	log := m.logger.WithSession(sess.ID).WithPhase(string(state.PhaseTestPlanExecuted))
	var failed []error
	for _, agentID := range variantIDs(sess) {
		variant := sess.Variants[agentID]
		workDir := m.WorktreePath(sess.ID, agentID)

		promptPath := layout.VariantPromptPath(agentID)
		prompt := renderTestPlanPrompt(sess, string(tasks), agentID)
		if err := layout.WriteContext(filepath.Base(promptPath), []byte(prompt)); err != nil {
			return err
		}

		req := agent.Request{
			SessionID:  sess.ID,
			PromptPath: promptPath,
			OutputPath: layout.VariantOutputPath(agentID),
			LogPath:    layout.VariantLogPath(agentID),
			WorkDir:    workDir,
			Mode:       agent.ModeWrite,
		}
		if err := m.runSingle(ctx, req); err != nil {
			log.Error("variant agent failed", "agent", agentID, "error", err.Error())
			failed = append(failed, fmt.Errorf("variant %s: %w", agentID, err))
			continue
		}

		if err := m.measureVariant(ctx, variant, workDir, sess.BaseCommit, withCoverage); err != nil {
			return err
		}
		log.Info("variant measured",
			"agent", agentID,
			"passed", variant.TestsPassed,
			"failed", variant.TestsFailed,
			"diff_lines", variant.DiffLinesChanged)
	}

	m.touch(sess)
	if len(failed) > 0 {
		if err := m.store.Save(st); err != nil {
			return err
		}
		return errors.Join(failed...)
	}

	if err := layout.Write(artifact.TestPlanFile, []byte(renderTestPlanSummary(sess))); err != nil {
		return err
	}

	m.advance(sess, state.PhaseTestPlanExecuted)
	return m.store.Save(st)
}

// measureVariant records a variant's quality metrics.
func (m *Machine) measureVariant(ctx context.Context, variant *state.Variant, workDir, baseCommit string, withCoverage bool) error {
	tests, err := m.quality.RunTests(ctx, workDir)
	if err != nil {
		return err
	}
	variant.TestsPassed = tests.Passed
	variant.TestsFailed = tests.Failed

	variant.CoveragePercent = nil
	if withCoverage {
		cov, err := m.quality.RunCoverage(ctx, workDir)
		if err != nil {
			return err
		}
		variant.CoveragePercent = cov.Percent
	}

	added, removed, err := m.git.DiffNumstat(workDir, baseCommit)
	if err != nil {
		return err
	}
	variant.DiffLinesChanged = added + removed
	return nil
}
