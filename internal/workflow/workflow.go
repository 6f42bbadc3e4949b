// Package workflow is the orchestration core: the phase state machine, the
// approval gate, shard dispatch with cache reuse, variant comparison, and
// the finalize protocol. Every operation loads state fresh from the store,
// mutates it under the advisory lock, and commits it with the store's
// optimistic version check — no phase transition is durable until all of its
// required sub-results are collected.
package workflow

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sddworks/changeflow/internal/agent"
	"github.com/sddworks/changeflow/internal/artifact"
	"github.com/sddworks/changeflow/internal/config"
	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/logging"
	"github.com/sddworks/changeflow/internal/quality"
	"github.com/sddworks/changeflow/internal/state"
	"github.com/sddworks/changeflow/internal/worktree"
)

// Machine drives change sessions through the workflow. It owns no state of
// its own: everything durable lives in the state store and the artifact
// layout, so concurrent CLI invocations see a consistent picture.
type Machine struct {
	cfg      *config.Config
	store    *state.Store
	git      *worktree.Git
	runner   agent.Runner
	quality  quality.Runner
	logger   *logging.Logger
	repoRoot string
	docsRoot string

	// now is injectable for tests.
	now func() time.Time
}

// Options collects the Machine's collaborators.
type Options struct {
	Config   *config.Config
	Store    *state.Store
	Git      *worktree.Git
	Runner   agent.Runner
	Quality  quality.Runner
	Logger   *logging.Logger
	RepoRoot string
}

// NewMachine creates a Machine from its collaborators.
func NewMachine(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Machine{
		cfg:      opts.Config,
		store:    opts.Store,
		git:      opts.Git,
		runner:   opts.Runner,
		quality:  opts.Quality,
		logger:   logger,
		repoRoot: opts.RepoRoot,
		docsRoot: filepath.Join(opts.RepoRoot, opts.Config.Paths.DocsDir),
		now:      time.Now,
	}
}

// Layout returns the artifact layout for a session.
func (m *Machine) Layout(sessionID string) *artifact.Layout {
	return artifact.NewLayout(m.docsRoot, sessionID)
}

// WorktreePath returns where one agent's worktree lives.
func (m *Machine) WorktreePath(sessionID, agentID string) string {
	return filepath.Join(m.store.Dir(), "worktrees", sessionID, agentID)
}

// BranchName returns the branch one agent's variant is developed on.
func (m *Machine) BranchName(sessionID, agentID string) string {
	return fmt.Sprintf("changeflow/%s/%s", sessionID, agentID)
}

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// CreateSession creates a new change session and makes it active. The id is
// derived from the slugified name, uniquified with a numeric suffix against
// existing sessions; explicitID overrides the derivation. Only one session
// may be active per repository.
func (m *Machine) CreateSession(name, explicitID string) (*state.ChangeSession, error) {
	if strings.TrimSpace(name) == "" && explicitID == "" {
		return nil, fmt.Errorf("%w: session name required", errors.ErrInvalidInput)
	}

	lock, err := state.AcquireLock(m.store.Dir(), m.logger)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	st, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	if active := st.ActiveSession(); active != nil && !active.Archived {
		return nil, fmt.Errorf("%w: session %s is active; finalize it first", errors.ErrInvalidInput, active.ID)
	}

	id := explicitID
	if id == "" {
		id = uniqueID(Slugify(name), st.Sessions)
	} else if _, exists := st.Sessions[id]; exists {
		return nil, fmt.Errorf("%w: session id %s already exists", errors.ErrInvalidInput, id)
	}

	now := m.now()
	sess := &state.ChangeSession{
		ID:        id,
		Name:      name,
		Phase:     state.PhaseCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.Sessions[id] = sess
	st.ActiveSessionID = id

	if err := m.store.Save(st); err != nil {
		return nil, err
	}

	if err := m.Layout(id).EnsureDirs(); err != nil {
		return nil, err
	}

	m.logger.WithSession(id).Info("session created", "name", name)
	return sess, nil
}

// resolveSession returns the named session, or the active one when id is
// empty. Archived sessions are rejected.
func resolveSession(st *state.State, id string) (*state.ChangeSession, error) {
	if id == "" {
		sess := st.ActiveSession()
		if sess == nil {
			return nil, errors.ErrNoActiveSession
		}
		return sess, nil
	}

	sess := st.Session(id)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if sess.Archived {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionArchived, id)
	}
	return sess, nil
}

// requirePhase checks that the session has reached the phase an operation
// builds on. Attempting to skip ahead is a phase order violation and leaves
// state untouched.
func requirePhase(sess *state.ChangeSession, prior, attempted state.Phase) error {
	if !sess.Phase.AtLeast(prior) {
		return errors.NewPhaseOrderError(string(sess.Phase), string(attempted))
	}
	return nil
}

// advance moves the session forward to target. Re-running a phase the
// session is already at or past never re-advances it.
func (m *Machine) advance(sess *state.ChangeSession, target state.Phase) {
	if sess.Phase.AtLeast(target) {
		return
	}
	m.logger.WithSession(sess.ID).Info("phase transition",
		"from", string(sess.Phase), "to", string(target))
	sess.Phase = target
}

// touch updates the session's modification timestamp.
func (m *Machine) touch(sess *state.ChangeSession) {
	sess.UpdatedAt = m.now()
}

// -----------------------------------------------------------------------------
// Approval gate
// -----------------------------------------------------------------------------

// Approve flips the session's approval flag, recording who approved and
// when. Tasks must exist before there is anything to approve. Re-approving
// an approved session is a no-op.
func (m *Machine) Approve(sessionID, by string) error {
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

	if sess.Approved {
		return nil
	}

	now := m.now()
	sess.Approved = true
	sess.ApprovedAt = &now
	sess.ApprovedBy = by
	m.touch(sess)

	if err := m.store.Save(st); err != nil {
		return err
	}
	m.logger.WithSession(sess.ID).Info("session approved", "by", by)
	return nil
}

// Unapprove resets the approval flag. It is legal only while the phase is at
// or before worktree creation, and it never deletes already-created
// worktrees.
func (m *Machine) Unapprove(sessionID string) error {
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

	if sess.Phase.Ordinal() > state.PhaseWorktreesCreated.Ordinal() {
		return errors.NewPhaseOrderError(string(sess.Phase), "unapprove")
	}

	if !sess.Approved {
		return nil
	}

	sess.Approved = false
	sess.ApprovedAt = nil
	sess.ApprovedBy = ""
	m.touch(sess)

	if err := m.store.Save(st); err != nil {
		return err
	}
	m.logger.WithSession(sess.ID).Info("session approval revoked")
	return nil
}

// checkApproved re-reads the approval flag fresh from the store at gate
// time. The in-memory session is never trusted across the gate: a concurrent
// unapprove must be seen.
func (m *Machine) checkApproved(sessionID, operation string) error {
	st, err := m.store.Load()
	if err != nil {
		return err
	}
	sess, err := resolveSession(st, sessionID)
	if err != nil {
		return err
	}
	if !sess.Approved {
		return errors.NewApprovalRequiredError(sess.ID, operation)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Session ids
// -----------------------------------------------------------------------------

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a name and collapses runs of non-alphanumerics into
// single hyphens.
func Slugify(name string) string {
	slug := slugUnsafe.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "change"
	}
	return slug
}

// uniqueID suffixes the slug with -2, -3, ... until it collides with no
// existing session.
func uniqueID(slug string, sessions map[string]*state.ChangeSession) string {
	if _, exists := sessions[slug]; !exists {
		return slug
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", slug, n)
		if _, exists := sessions[candidate]; !exists {
			return candidate
		}
	}
}
