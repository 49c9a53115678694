package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.BeginRun(ctx, "build/classes")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "run ids are UUIDs")

	require.NoError(t, s.Record(ctx, ClassRecord{RunID: id, Class: "test/Point", Status: StatusEnhanced, Flags: 3, Accessors: 2, Duration: time.Millisecond}))
	require.NoError(t, s.Record(ctx, ClassRecord{RunID: id, Class: "test/Plain", Status: StatusUnchanged}))
	require.NoError(t, s.Record(ctx, ClassRecord{RunID: id, Class: "test/Bad", Status: StatusFailed, Error: "field z not declared"}))
	require.NoError(t, s.FinishRun(ctx, id, false))

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "build/classes", run.Sources)
	assert.Equal(t, 1, run.Enhanced)
	assert.Equal(t, 1, run.Unchanged)
	assert.Equal(t, 1, run.Failed)
	assert.False(t, run.Aborted)
	assert.True(t, run.FinishedAt.After(run.StartedAt))

	hist, err := s.ClassHistory(ctx, "test/Bad", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, StatusFailed, hist[0].Status)
	assert.Equal(t, "field z not declared", hist[0].Error)

	hist, err = s.ClassHistory(ctx, "test/Point", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, uint16(3), hist[0].Flags)
	assert.Equal(t, time.Millisecond, hist[0].Duration)
}

func TestRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	first, err := s.BeginRun(ctx, "a")
	require.NoError(t, err)
	second, err := s.BeginRun(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, second, true))

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.True(t, runs[0].Aborted)
	assert.Equal(t, first, runs[1].ID)
	assert.True(t, runs[1].FinishedAt.IsZero())
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.Record(ctx, ClassRecord{RunID: "nope", Class: "a/B", Status: StatusEnhanced})
	assert.Error(t, err)
	assert.True(t, errors.Is(s.FinishRun(ctx, "nope", false), ErrUnknownRun))
	_, err = s.GetRun(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownRun))

	id, err := s.BeginRun(ctx, "")
	require.NoError(t, err)
	assert.Error(t, s.Record(ctx, ClassRecord{RunID: id, Class: "a/B", Status: "lost"}))
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	id, err := s.BeginRun(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetRun(ctx, id)
	assert.NoError(t, err)
}
