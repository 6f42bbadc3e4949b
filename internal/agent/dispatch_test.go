package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/state"
)

// fakeRunner is a spy collaborator: it records invocations and writes the
// output artifact itself, like the real agent contract requires.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []int
	failIDs  map[int]bool
	delay    time.Duration
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (f *fakeRunner) Run(ctx context.Context, req Request) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.ShardID)
	f.mu.Unlock()

	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if f.failIDs[req.ShardID] {
		return Result{LogPath: req.LogPath}, fmt.Errorf("agent exploded on shard %d", req.ShardID)
	}

	if err := os.WriteFile(req.OutputPath, []byte(fmt.Sprintf("digest %d", req.ShardID)), 0644); err != nil {
		return Result{}, err
	}
	return Result{OutputPath: req.OutputPath, LogPath: req.LogPath}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func requests(t *testing.T, n int) []Request {
	t.Helper()
	dir := t.TempDir()
	reqs := make([]Request, n)
	for i := 0; i < n; i++ {
		reqs[i] = Request{
			SessionID:  "s",
			ShardID:    i,
			OutputPath: filepath.Join(dir, fmt.Sprintf("out_%d.md", i)),
			LogPath:    filepath.Join(dir, fmt.Sprintf("log_%d.txt", i)),
			Mode:       ModeReadOnly,
		}
	}
	return reqs
}

func TestDispatchAllSucceed(t *testing.T) {
	runner := &fakeRunner{}
	d := NewDispatcher(runner, 2, 0, nil)

	results, err := d.Dispatch(context.Background(), requests(t, 4))
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, i, r.ShardID, "results must be shard-ordered")
		assert.Equal(t, state.RunSuccess, r.Status)
		assert.NotEmpty(t, r.Digest, "successful runs record an output digest")
	}
	assert.Equal(t, 4, runner.callCount())
	assert.LessOrEqual(t, runner.maxSeen.Load(), int64(2), "concurrency must stay under the limit")
}

func TestDispatchIsolatesFailures(t *testing.T) {
	runner := &fakeRunner{failIDs: map[int]bool{2: true}}
	d := NewDispatcher(runner, 4, 0, nil)

	results, err := d.Dispatch(context.Background(), requests(t, 4))
	require.Error(t, err)

	var shardErr *errors.ShardExecutionError
	require.ErrorAs(t, err, &shardErr)
	assert.Equal(t, []int{2}, shardErr.ShardIDs())

	require.Len(t, results, 4, "sibling shards must still report")
	for _, r := range results {
		if r.ShardID == 2 {
			assert.Equal(t, state.RunFailed, r.Status)
			assert.NotEmpty(t, r.Error)
		} else {
			assert.Equal(t, state.RunSuccess, r.Status)
		}
	}
}

func TestDispatchTimeoutIsAFailure(t *testing.T) {
	runner := &fakeRunner{delay: 200 * time.Millisecond}
	d := NewDispatcher(runner, 1, 20*time.Millisecond, nil)

	results, err := d.Dispatch(context.Background(), requests(t, 1))
	require.Error(t, err)

	var shardErr *errors.ShardExecutionError
	require.ErrorAs(t, err, &shardErr)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "timeout must be classified, not a silent hang")

	require.Len(t, results, 1)
	assert.Equal(t, state.RunFailed, results[0].Status)
}

func TestDispatchCancellationDiscardsResults(t *testing.T) {
	runner := &fakeRunner{delay: time.Second}
	d := NewDispatcher(runner, 2, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results, err := d.Dispatch(ctx, requests(t, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	assert.Nil(t, results, "partial results must be discarded on cancellation")
}

func TestCachedResult(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.md")
	require.NoError(t, os.WriteFile(outputPath, []byte("cached digest"), 0644))

	record := CachedResult(7, outputPath)
	assert.Equal(t, 7, record.ShardID)
	assert.Equal(t, state.RunSkippedCached, record.Status)
	assert.Equal(t, outputPath, record.OutputRef)
	assert.NotEmpty(t, record.Digest)
}
