package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/db"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	s, err := New(conn, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func testInput(project, prompt string) v1.TaskInput {
	return v1.TaskInput{
		Project:  project,
		Prompt:   prompt,
		ThreadID: "t-" + project,
		Adapter:  "web",
		ActorID:  "tester",
	}
}

func mustEnqueue(t *testing.T, s *Store, project, prompt string) *v1.Task {
	t.Helper()
	task, err := s.EnqueueTask(context.Background(), testInput(project, prompt), "/tmp/"+project, 0, 100)
	require.NoError(t, err)
	return task
}

func TestEnqueueRespectsQueueCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.EnqueueTask(ctx, testInput("alpha", "p"), "/tmp/alpha", 0, 2)
		require.NoError(t, err)
	}

	_, err := s.EnqueueTask(ctx, testInput("alpha", "p3"), "/tmp/alpha", 0, 2)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The refused enqueue must not have mutated anything.
	n, err := s.QueuedCount(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A different project is unaffected by alpha's cap.
	_, err = s.EnqueueTask(ctx, testInput("beta", "p"), "/tmp/beta", 0, 2)
	assert.NoError(t, err)
}

func TestEnqueueStampsTokenBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.EnqueueTask(ctx, testInput("alpha", "p"), "/tmp/alpha", 50000, 10)
	require.NoError(t, err)
	require.NotNil(t, task.TokenBudget)
	assert.Equal(t, 50000, *task.TokenBudget)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TokenBudget)
	assert.Equal(t, 50000, *got.TokenBudget)

	// Zero means no stamp, not a zero budget.
	bare, err := s.EnqueueTask(ctx, testInput("beta", "p"), "/tmp/beta", 0, 10)
	require.NoError(t, err)
	got, err = s.GetTask(ctx, bare.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TokenBudget)
}

func TestDequeueEmptyQueue(t *testing.T) {
	s := newTestStore(t)

	task, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestDequeueFIFOWithinProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, "alpha", "first")
	time.Sleep(2 * time.Millisecond) // distinct created_at
	mustEnqueue(t, s, "alpha", "second")

	got, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, v1.TaskStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestDequeuePerProjectExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := mustEnqueue(t, s, "alpha", "a1")
	time.Sleep(2 * time.Millisecond)
	a2 := mustEnqueue(t, s, "alpha", "a2")
	b1 := mustEnqueue(t, s, "beta", "b1")

	// First dequeue claims a1, second claims b1 (alpha now locked).
	got1, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, a1.ID, got1.ID)

	got2, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, b1.ID, got2.ID)

	// a2 stays blocked while a1 runs.
	got3, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, got3)

	// Terminal a1 releases the project lock for a2.
	require.NoError(t, s.MarkDone(ctx, a1.ID, "done", 10))
	got4, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got4)
	assert.Equal(t, a2.ID, got4.ID)
}

func TestDequeueBlockedByNeedsApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := mustEnqueue(t, s, "alpha", "a1")
	time.Sleep(2 * time.Millisecond)
	mustEnqueue(t, s, "alpha", "a2")

	got, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, a1.ID, got.ID)

	// A task waiting on approval holds the project lock just like a
	// running one.
	require.NoError(t, s.SetCheckpoint(ctx, a1.ID, `{"original_prompt":"a1"}`))

	blocked, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestCancelTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued := mustEnqueue(t, s, "alpha", "queued")
	ok, err := s.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, v1.ErrorCancelledByUser, *got.Error)
	require.NotNil(t, got.CompletedAt)

	// Cancelling a terminal task reports no change.
	ok, err = s.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown ids are a no-op false, not an error.
	ok, err = s.Cancel(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkDoneStaleAfterCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, s, "alpha", "p")
	running, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, running.ID)

	ok, err := s.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The worker finishing afterwards must observe the lost race.
	err = s.MarkDone(ctx, task.ID, "late result", 5)
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, got.Status)
	assert.Nil(t, got.Result)
}

func TestWorkerPIDLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, s, "alpha", "p")

	// A queued task may not own a pid.
	err := s.SetWorkerPID(ctx, task.ID, 1234, 99)
	assert.ErrorIs(t, err, ErrStaleTransition)

	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetWorkerPID(ctx, task.ID, 1234, 99))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkerPID)
	assert.Equal(t, 1234, *got.WorkerPID)
	require.NotNil(t, got.WorkerPIDStart)
	assert.Equal(t, int64(99), *got.WorkerPIDStart)

	require.NoError(t, s.ClearWorkerPID(ctx, task.ID))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WorkerPID)
	assert.Nil(t, got.WorkerPIDStart)
}

func TestMarkDoneClearsPID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, s, "alpha", "p")
	_, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetWorkerPID(ctx, task.ID, 4321, 7))

	require.NoError(t, s.MarkDone(ctx, task.ID, "result text", 42))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusDone, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "result text", *got.Result)
	assert.Equal(t, 42, got.TokensUsed)
	assert.Nil(t, got.WorkerPID)
}

func TestRunningOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustEnqueue(t, s, "alpha", "a")
	b := mustEnqueue(t, s, "beta", "b")
	mustEnqueue(t, s, "gamma", "never started")

	_, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)

	orphans, err := s.RunningOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	ids := map[string]bool{orphans[0].ID: true, orphans[1].ID: true}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
}

func TestSetCheckpointFlipsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, s, "alpha", "p")
	_, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetWorkerPID(ctx, task.ID, 111, 5))

	blob := `{"original_prompt":"p","progress_summary":"half way","replay_actions":[]}`
	require.NoError(t, s.SetCheckpoint(ctx, task.ID, blob))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusNeedsApproval, got.Status)
	require.NotNil(t, got.Checkpoint)
	assert.Equal(t, blob, *got.Checkpoint)
	assert.Nil(t, got.WorkerPID, "pid must clear when leaving running")

	// Replay flips back to running exactly once.
	require.NoError(t, s.MarkReplaying(ctx, task.ID))
	assert.ErrorIs(t, s.MarkReplaying(ctx, task.ID), ErrStaleTransition)
}

func TestUpdateTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, s, "alpha", "p")
	require.NoError(t, s.UpdateTokens(ctx, task.ID, 1500))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500, got.TokensUsed)
}

func TestQueueStatusSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "alpha", "a1")
	time.Sleep(2 * time.Millisecond)
	mustEnqueue(t, s, "alpha", "a2")
	mustEnqueue(t, s, "beta", "b1")

	_, err := s.DequeueNext(ctx)
	require.NoError(t, err)

	status, err := s.QueueStatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Queued)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 0, status.NeedsApproval)
	assert.Equal(t, 1, status.ByProject["alpha"])
	assert.Equal(t, 1, status.ByProject["beta"])
}

func TestTasksByThreadNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testInput("alpha", "one")
	in.ThreadID = "thread-7"
	_, err := s.EnqueueTask(ctx, in, "/tmp/alpha", 0, 100)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	in.Prompt = "two"
	second, err := s.EnqueueTask(ctx, in, "/tmp/alpha", 0, 100)
	require.NoError(t, err)

	tasks, err := s.TasksByThread(ctx, "thread-7", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID)

	limited, err := s.TasksByThread(ctx, "thread-7", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTokensUsedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, s, "alpha", "p")
	require.NoError(t, s.UpdateTokens(ctx, task.ID, 300))
	other := mustEnqueue(t, s, "beta", "p")
	require.NoError(t, s.UpdateTokens(ctx, other.ID, 200))

	since := time.Now().UTC().Add(-time.Hour)

	total, err := s.TokensUsedSince(ctx, "alpha", since)
	require.NoError(t, err)
	assert.Equal(t, 300, total)

	all, err := s.TokensUsedSince(ctx, "", since)
	require.NoError(t, err)
	assert.Equal(t, 500, all)

	// A future cutoff excludes everything.
	none, err := s.TokensUsedSince(ctx, "", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, none)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
