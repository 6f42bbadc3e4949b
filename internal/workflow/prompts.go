package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/sddworks/changeflow/internal/index"
	"github.com/sddworks/changeflow/internal/selector"
	"github.com/sddworks/changeflow/internal/state"
)

// Prompt rendering. Prompts are pure output sinks: the core writes them to
// the session context dir and never inspects what the agent does with them.

func renderShardPrompt(sess *state.ChangeSession, shard index.Shard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Digest shard %d — change %q\n\n", shard.ID, sess.Name)
	b.WriteString("Read the files below and write a structured digest: purpose, key\n")
	b.WriteString("types and functions, inter-file dependencies, and anything a change\n")
	b.WriteString("plan would need to know. Do not modify any file.\n\n")
	b.WriteString("Files:\n")
	for _, f := range shard.Files {
		fmt.Fprintf(&b, "- %s\n", f.Path)
	}
	return b.String()
}

func renderReviewPrompt(sess *state.ChangeSession, digest string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Review — change %q\n\n", sess.Name)
	b.WriteString("Using the repository digest below, review the proposed change for\n")
	b.WriteString("risks, affected components, and open design questions. Do not modify\n")
	b.WriteString("any file.\n\n")
	b.WriteString(digest)
	return b.String()
}

func renderTasksPrompt(sess *state.ChangeSession, review string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task breakdown — change %q\n\n", sess.Name)
	b.WriteString("Using the review below, produce an ordered, independently verifiable\n")
	b.WriteString("task list for implementing the change. Do not modify any file.\n\n")
	b.WriteString(review)
	return b.String()
}

func renderTestPlanPrompt(sess *state.ChangeSession, tasks, agentID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Implementation — change %q, variant %s\n\n", sess.Name, agentID)
	b.WriteString("You are working in an isolated worktree on your own branch.\n")
	b.WriteString("Implement the tasks below, including tests, and commit your work.\n\n")
	b.WriteString(tasks)
	return b.String()
}

// renderTestPlanSummary renders the test-plan artifact: one row of metrics
// per variant.
func renderTestPlanSummary(sess *state.ChangeSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Test Plan Results — %s\n\n", sess.Name)
	b.WriteString("| Variant | Branch | Passed | Failed | Coverage | Diff lines |\n")
	b.WriteString("|---------|--------|--------|--------|----------|------------|\n")
	for _, id := range variantIDs(sess) {
		v := sess.Variants[id]
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %s | %d |\n",
			v.AgentID, v.BranchRef, v.TestsPassed, v.TestsFailed,
			formatCoverage(v.CoveragePercent), v.DiffLinesChanged)
	}
	return b.String()
}

// renderSelection renders the selection artifact: the full ranking plus the
// explicitly chosen variant.
func renderSelection(sess *state.ChangeSession, ranked []selector.Ranked, chosen string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Selection — %s\n\n", sess.Name)
	fmt.Fprintf(&b, "Selected variant: **%s**\n\n", chosen)
	b.WriteString("Ranking (best first):\n\n")
	b.WriteString("| Rank | Variant | Pass ratio | Coverage | Diff lines |\n")
	b.WriteString("|------|---------|------------|----------|------------|\n")
	for i, r := range ranked {
		ratio := "no tests"
		if r.PassRatio >= 0 {
			ratio = fmt.Sprintf("%.0f%%", r.PassRatio*100)
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %d |\n",
			i+1, r.Variant.AgentID, ratio,
			formatCoverage(r.Variant.CoveragePercent), r.Variant.DiffLinesChanged)
	}
	return b.String()
}

// renderDecision renders the final decision record archived with the session.
func renderDecision(sess *state.ChangeSession, winner *state.Variant, strategy string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Decision — %s\n\n", sess.Name)
	fmt.Fprintf(&b, "- Finalized: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Variant: %s\n", winner.AgentID)
	fmt.Fprintf(&b, "- Branch: %s\n", winner.BranchRef)
	fmt.Fprintf(&b, "- Strategy: %s\n", strategy)
	fmt.Fprintf(&b, "- Base commit: %s\n", sess.BaseCommit)
	fmt.Fprintf(&b, "- Tests: %d passed, %d failed\n", winner.TestsPassed, winner.TestsFailed)
	fmt.Fprintf(&b, "- Coverage: %s\n", formatCoverage(winner.CoveragePercent))
	if sess.ApprovedBy != "" {
		fmt.Fprintf(&b, "- Approved by: %s\n", sess.ApprovedBy)
	}
	return b.String()
}

func formatCoverage(pct *float64) string {
	if pct == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *pct)
}
