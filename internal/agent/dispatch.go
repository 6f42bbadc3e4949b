package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/logging"
	"github.com/sddworks/changeflow/internal/state"
)

// Dispatcher runs agent requests in parallel under a bounded concurrency
// limit with a per-shard timeout. Workers share no mutable state beyond
// their distinct per-shard output locations, so failures stay isolated: one
// shard failing never aborts its siblings.
type Dispatcher struct {
	runner  Runner
	limit   int64
	timeout time.Duration
	logger  *logging.Logger
}

// NewDispatcher creates a Dispatcher. limit caps concurrent agent processes
// (minimum 1). timeout bounds each shard run; zero disables the timeout.
func NewDispatcher(runner Runner, limit int, timeout time.Duration, logger *logging.Logger) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{
		runner:  runner,
		limit:   int64(limit),
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch runs every request and waits for all of them to report. It
// returns one AgentRunResult per request, ordered by shard id.
//
// If the parent context is canceled, Dispatch returns errors.ErrCanceled
// and the partial results must be discarded by the caller — nothing is
// persisted here. If all requests complete but some failed, the results are
// returned alongside a ShardExecutionError naming the failed shards.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []Request) ([]state.AgentRunResult, error) {
	sem := semaphore.NewWeighted(d.limit)
	results := make([]state.AgentRunResult, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Parent canceled while waiting for a slot. Let in-flight
			// workers finish, then report cancellation.
			wg.Wait()
			return nil, fmt.Errorf("%w: %v", errors.ErrCanceled, err)
		}

		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			defer sem.Release(1)
			results[i], errs[i] = d.runOne(ctx, req)
		}(i, req)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCanceled, err)
	}

	var failures []errors.ShardFailure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, errors.ShardFailure{
				ShardID: results[i].ShardID,
				Err:     err,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ShardID < results[j].ShardID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].ShardID < failures[j].ShardID })

	if len(failures) > 0 {
		return results, errors.NewShardExecutionError(failures)
	}
	return results, nil
}

// runOne executes a single request under the per-shard timeout and converts
// the outcome into an append-only run record. The returned error keeps the
// full wrapped chain for classification; the record carries its string form.
func (d *Dispatcher) runOne(ctx context.Context, req Request) (state.AgentRunResult, error) {
	log := d.logger.WithShard(req.ShardID)

	runCtx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	log.Info("dispatching agent", "files", len(req.Files), "mode", string(req.Mode))
	start := time.Now()
	result, err := d.runner.Run(runCtx, req)

	record := state.AgentRunResult{
		ShardID:   req.ShardID,
		OutputRef: result.OutputPath,
		Duration:  result.Duration,
		RunAt:     start,
	}
	if record.Duration == 0 {
		record.Duration = time.Since(start)
	}

	if err != nil {
		record.Status = state.RunFailed
		// A deadline hit on the shard context is a timeout failure, never a
		// silent hang; the parent's own cancellation is handled by Dispatch.
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", errors.ErrTimeout, d.timeout, err)
		}
		record.Error = err.Error()
		log.Error("agent run failed", "error", err.Error())
		return record, err
	}

	record.Status = state.RunSuccess
	if digest, err := digestFile(result.OutputPath); err == nil {
		record.Digest = digest
	}
	log.Info("agent run complete", "duration", record.Duration.String())
	return record, nil
}

// CachedResult builds the run record for a shard whose prior output was
// reused instead of re-dispatching the agent.
func CachedResult(shardID int, outputPath string) state.AgentRunResult {
	record := state.AgentRunResult{
		ShardID:   shardID,
		Status:    state.RunSkippedCached,
		OutputRef: outputPath,
		RunAt:     time.Now(),
	}
	if digest, err := digestFile(outputPath); err == nil {
		record.Digest = digest
	}
	return record
}

// digestFile returns the hex SHA-256 of a persisted output artifact.
func digestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
