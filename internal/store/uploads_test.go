package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadRefLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.CreateUploadRef(ctx, "alpha", "diagram.png", "/data/uploads/alpha/task-1/u1.png", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ID)

	got, err := s.GetUploadRef(ctx, ref.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "diagram.png", got.OriginalName)
	assert.Nil(t, got.ConsumedAt)

	ok, err := s.MarkUploadConsumed(ctx, ref.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Consuming twice reports false.
	ok, err = s.MarkUploadConsumed(ctx, ref.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetUploadRef(ctx, ref.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedAt)
}

func TestGetUploadRefMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetUploadRef(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteUploadRefsByPathPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUploadRef(ctx, "alpha", "a.png", "/data/uploads/alpha/task-1/a.png", nil)
	require.NoError(t, err)
	_, err = s.CreateUploadRef(ctx, "alpha", "b.png", "/data/uploads/alpha/task-1/b.png", nil)
	require.NoError(t, err)
	keep, err := s.CreateUploadRef(ctx, "alpha", "c.png", "/data/uploads/alpha/task-2/c.png", nil)
	require.NoError(t, err)

	n, err := s.DeleteUploadRefsByPathPrefix(ctx, "/data/uploads/alpha/task-1/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetUploadRef(ctx, keep.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestExpiredUploadRefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expired, err := s.CreateUploadRef(ctx, "alpha", "old.txt", "/data/uploads/alpha/x/old.txt", &past)
	require.NoError(t, err)
	_, err = s.CreateUploadRef(ctx, "alpha", "new.txt", "/data/uploads/alpha/x/new.txt", &future)
	require.NoError(t, err)

	refs, err := s.ExpiredUploadRefs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, expired.ID, refs[0].ID)

	require.NoError(t, s.DeleteUploadRef(ctx, expired.ID))
	refs, err = s.ExpiredUploadRefs(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, refs)
}
