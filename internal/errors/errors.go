// Package errors provides centralized error definitions and error handling
// utilities for the changeflow codebase. It defines the workflow error
// taxonomy, error constructors with context wrapping, and classification
// helpers.
//
// # Error Types
//
// The package provides typed errors for every failure mode a workflow
// operation can report:
//   - PhaseOrderError: a transition was attempted out of sequence
//   - ApprovalRequiredError: a gated operation ran without approval
//   - ShardExecutionError: one or more shard agent runs failed or timed out
//   - StateConflictError: a concurrent writer was detected on the state store
//   - SelectionError: finalize attempted without exactly one selected variant
//   - IntegrationError: merge/cherry-pick of the selected branch failed
//   - GitError: errors from git plumbing (worktrees, diffs, refs)
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewPhaseOrderError(current, attempted)
//	err := errors.NewGitError("merge failed", baseErr).WithGitOutput(out)
//
// Checking errors:
//
//	var conflict *errors.StateConflictError
//	if errors.As(err, &conflict) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a change session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrNoActiveSession indicates that no session is active and none was named.
	ErrNoActiveSession = New("no active session")
	// ErrSessionLocked indicates that a session is locked by another process.
	ErrSessionLocked = New("session is locked")
	// ErrSessionCorrupted indicates that persisted session data is corrupted.
	ErrSessionCorrupted = New("session data corrupted")
	// ErrSessionArchived indicates an operation against an archived session.
	ErrSessionArchived = New("session is archived")
	// ErrSchemaVersion indicates an unsupported state schema version.
	ErrSchemaVersion = New("unsupported state schema version")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
	// ErrRefNotFound indicates that a git ref could not be resolved.
	ErrRefNotFound = New("ref not found")
	// ErrMergeConflict indicates that a merge or cherry-pick conflicted.
	ErrMergeConflict = New("merge conflict")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all typed errors.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Workflow Errors
// -----------------------------------------------------------------------------

// PhaseOrderError reports a phase transition attempted out of sequence.
// It is fatal to the invocation that raised it; no state is mutated.
type PhaseOrderError struct {
	baseError
	Current   string
	Attempted string
}

// NewPhaseOrderError creates a new PhaseOrderError.
func NewPhaseOrderError(current, attempted string) *PhaseOrderError {
	return &PhaseOrderError{
		baseError: baseError{message: "phase order violation"},
		Current:   current,
		Attempted: attempted,
	}
}

// Error returns the formatted error message.
func (e *PhaseOrderError) Error() string {
	return fmt.Sprintf("phase order violation: cannot reach %s from %s", e.Attempted, e.Current)
}

// Is checks if this error matches the target.
func (e *PhaseOrderError) Is(target error) bool {
	if _, ok := target.(*PhaseOrderError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ApprovalRequiredError reports a code-mutating operation attempted while the
// session's approval flag is false. No state is mutated.
type ApprovalRequiredError struct {
	baseError
	SessionID string
	Operation string
}

// NewApprovalRequiredError creates a new ApprovalRequiredError.
func NewApprovalRequiredError(sessionID, operation string) *ApprovalRequiredError {
	return &ApprovalRequiredError{
		baseError: baseError{message: "approval required"},
		SessionID: sessionID,
		Operation: operation,
	}
}

// Error returns the formatted error message.
func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required for %s on session %s", e.Operation, e.SessionID)
}

// Is checks if this error matches the target.
func (e *ApprovalRequiredError) Is(target error) bool {
	if _, ok := target.(*ApprovalRequiredError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ShardFailure describes a single failed shard within a dispatch round.
type ShardFailure struct {
	ShardID int
	Err     error
}

// ShardExecutionError reports that one or more shard agent runs failed or
// timed out. It is recoverable: re-running the phase re-dispatches only the
// failed shards, because succeeded shards keep their recorded hashes.
type ShardExecutionError struct {
	baseError
	Failures []ShardFailure
}

// NewShardExecutionError creates a new ShardExecutionError.
func NewShardExecutionError(failures []ShardFailure) *ShardExecutionError {
	return &ShardExecutionError{
		baseError: baseError{message: "shard execution failed", retryable: true},
		Failures:  failures,
	}
}

// Error returns the formatted error message listing every failed shard.
func (e *ShardExecutionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("shard %d: %v", f.ShardID, f.Err))
	}
	return fmt.Sprintf("shard execution failed [%s]", strings.Join(parts, "; "))
}

// ShardIDs returns the ids of the failed shards.
func (e *ShardExecutionError) ShardIDs() []int {
	ids := make([]int, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ShardID)
	}
	return ids
}

// Is checks if this error matches the target.
func (e *ShardExecutionError) Is(target error) bool {
	if _, ok := target.(*ShardExecutionError); ok {
		return true
	}
	for _, f := range e.Failures {
		if errors.Is(f.Err, target) {
			return true
		}
	}
	return false
}

// StateConflictError reports that the state store was modified by another
// writer between load and save. The caller must reload and retry.
type StateConflictError struct {
	baseError
	Expected int64
	Actual   int64
}

// NewStateConflictError creates a new StateConflictError.
func NewStateConflictError(expected, actual int64) *StateConflictError {
	return &StateConflictError{
		baseError: baseError{message: "state conflict", retryable: true},
		Expected:  expected,
		Actual:    actual,
	}
}

// Error returns the formatted error message.
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: version %d expected, found %d (reload and retry)", e.Expected, e.Actual)
}

// Is checks if this error matches the target.
func (e *StateConflictError) Is(target error) bool {
	if _, ok := target.(*StateConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SelectionError reports that finalize was attempted with zero or more than
// one selected variant. The user must fix the selection.
type SelectionError struct {
	baseError
	Selected []string
}

// NewSelectionError creates a new SelectionError for the given selected
// variant ids (possibly empty).
func NewSelectionError(selected []string) *SelectionError {
	return &SelectionError{
		baseError: baseError{message: "selection incomplete"},
		Selected:  selected,
	}
}

// Error returns the formatted error message.
func (e *SelectionError) Error() string {
	if len(e.Selected) == 0 {
		return "selection incomplete: no variant selected"
	}
	return fmt.Sprintf("selection incomplete: %d variants selected (%s), want exactly one",
		len(e.Selected), strings.Join(e.Selected, ", "))
}

// Is checks if this error matches the target.
func (e *SelectionError) Is(target error) bool {
	if _, ok := target.(*SelectionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// IntegrationError reports a failed merge or cherry-pick of the selected
// variant. The session stays at its current phase; finalize can be retried
// with a different strategy or variant.
type IntegrationError struct {
	baseError
	Strategy string
	Branch   string
	Output   string
}

// NewIntegrationError creates a new IntegrationError.
func NewIntegrationError(strategy, branch string, cause error) *IntegrationError {
	return &IntegrationError{
		baseError: baseError{message: "integration failed", cause: cause, retryable: true},
		Strategy:  strategy,
		Branch:    branch,
	}
}

// WithOutput attaches raw git output to the error context.
func (e *IntegrationError) WithOutput(output string) *IntegrationError {
	e.Output = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *IntegrationError) Error() string {
	msg := fmt.Sprintf("integration failed [strategy=%s, branch=%s]", e.Strategy, e.Branch)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s\n%s", msg, e.Output)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *IntegrationError) Is(target error) bool {
	if _, ok := target.(*IntegrationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Git Errors
// -----------------------------------------------------------------------------

// GitError represents errors from git operations (worktrees, diffs, refs).
//
// Example:
//
//	err := errors.NewGitError("worktree add failed", baseErr).
//		WithRepository(path).
//		WithGitOutput(string(output))
type GitError struct {
	baseError
	Repository string
	Branch     string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithRepository adds the repository path to the error context.
func (e *GitError) WithRepository(repo string) *GitError {
	e.Repository = repo
	return e
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithGitOutput adds raw git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := prefix + ": " + e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\n%s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// retryable is implemented by errors that know whether a retry may succeed.
type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether the error is transient and the operation may
// succeed on an explicit re-invocation. The core never auto-retries.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrSessionLocked)
}

// IsConflict reports whether the error indicates a concurrent-writer conflict.
func IsConflict(err error) bool {
	var c *StateConflictError
	return errors.As(err, &c)
}
