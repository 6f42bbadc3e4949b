package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/sddworks/changeflow/internal/artifact"
	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/selector"
	"github.com/sddworks/changeflow/internal/state"
)

// Recommend ranks the session's variants and returns the ranking plus the
// recommended agent id. It never mutates selection — choosing is always an
// explicit act.
func (m *Machine) Recommend(sessionID string) ([]selector.Ranked, string, error) {
	st, err := m.store.Load()
	if err != nil {
		return nil, "", err
	}
	sess, err := resolveSession(st, sessionID)
	if err != nil {
		return nil, "", err
	}
	if err := requirePhase(sess, state.PhaseTestPlanExecuted, state.PhaseSelected); err != nil {
		return nil, "", err
	}

	ranked := selector.Rank(sess.Variants)
	return ranked, selector.Recommend(sess.Variants), nil
}

// SelectVariant marks exactly one variant selected and writes the selection
// artifact with the full ranking for the record. Re-selecting replaces any
// prior selection; at most one variant is ever selected.
func (m *Machine) SelectVariant(sessionID, agentID string) error {
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
	if err := requirePhase(sess, state.PhaseTestPlanExecuted, state.PhaseSelected); err != nil {
		return err
	}

	chosen, ok := sess.Variants[agentID]
	if !ok {
		return fmt.Errorf("%w: unknown variant %s", errors.ErrInvalidInput, agentID)
	}

	for _, v := range sess.Variants {
		v.Selected = false
	}
	chosen.Selected = true

	layout := m.Layout(sess.ID)
	ranked := selector.Rank(sess.Variants)
	if err := layout.Write(artifact.SelectionFile, []byte(renderSelection(sess, ranked, agentID))); err != nil {
		return err
	}

	m.advance(sess, state.PhaseSelected)
	m.touch(sess)
	if err := m.store.Save(st); err != nil {
		return err
	}
	m.logger.WithSession(sess.ID).Info("variant selected", "agent", agentID)
	return nil
}

// Finalize integrates the selected variant's branch into the base line and
// archives the session. Exactly one variant must be selected; the approval
// gate still holds. On integration failure the session stays at selected,
// untouched, so finalize can be retried with a different strategy or
// variant. A finalized session is archived and refuses further operations —
// retrying finalize after success fails cleanly, never producing a second
// archive entry.
func (m *Machine) Finalize(ctx context.Context, sessionID, strategy string) error {
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
	if err := requirePhase(sess, state.PhaseSelected, state.PhaseFinalized); err != nil {
		return err
	}

	selected := sess.SelectedVariants()
	if len(selected) != 1 {
		return errors.NewSelectionError(selected)
	}
	winner := sess.Variants[selected[0]]

	if err := m.checkApproved(sess.ID, "finalize"); err != nil {
		return err
	}

	if strategy == "" {
		strategy = m.cfg.Finalize.Strategy
	}
	switch strategy {
	case "merge", "cherry-pick":
	default:
		return fmt.Errorf("%w: unknown integration strategy %q", errors.ErrInvalidInput, strategy)
	}

	if _, err := m.git.VerifyRef(winner.BranchRef); err != nil {
		return err
	}

	log := m.logger.WithSession(sess.ID).WithPhase(string(state.PhaseFinalized))
	log.Info("integrating variant", "agent", winner.AgentID, "strategy", strategy)

	var integrateErr error
	switch strategy {
	case "merge":
		integrateErr = m.git.Merge(winner.BranchRef, true)
	case "cherry-pick":
		integrateErr = m.git.CherryPick(winner.BranchRef)
	}
	if integrateErr != nil {
		log.Error("integration failed", "error", integrateErr.Error())
		return errors.NewIntegrationError(strategy, winner.BranchRef, integrateErr)
	}

	now := m.now()
	layout := m.Layout(sess.ID)
	if err := layout.Write(artifact.DecisionFile, []byte(renderDecision(sess, winner, strategy, now))); err != nil {
		return err
	}

	// Relocate the documents before committing the archived state. If the
	// relocation fails, the session stays at selected and finalize can be
	// retried; the already-integrated branch makes the retry's merge a
	// no-op. The reverse order would strand the documents behind a session
	// that refuses further operations.
	dest, err := layout.Archive(now)
	if err != nil {
		return err
	}

	m.advance(sess, state.PhaseFinalized)
	sess.Archived = true
	sess.ArchivedAt = &now
	m.touch(sess)
	if st.ActiveSessionID == sess.ID {
		st.ActiveSessionID = ""
	}
	if err := m.store.Save(st); err != nil {
		return err
	}

	log.Info("session finalized", "agent", winner.AgentID, "archive", dest)
	return nil
}

// variantIDs returns the session's agent ids in the deterministic order
// used for dispatch.
func variantIDs(sess *state.ChangeSession) []string {
	ids := make([]string, 0, len(sess.Variants))
	for id := range sess.Variants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
