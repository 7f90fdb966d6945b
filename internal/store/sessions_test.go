package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ttl := 24 * time.Hour

	none, err := s.GetSession(ctx, "t1", ttl)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.UpsertSession(ctx, "t1", "alpha", "sess-abc"))

	got, err := s.GetSession(ctx, "t1", ttl)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-abc", got.SessionRef)
	assert.Equal(t, "alpha", got.Project)

	// A later run replaces the reference.
	require.NoError(t, s.UpsertSession(ctx, "t1", "alpha", "sess-def"))
	got, err = s.GetSession(ctx, "t1", ttl)
	require.NoError(t, err)
	assert.Equal(t, "sess-def", got.SessionRef)
}

func TestSessionTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, "t1", "alpha", "sess-abc"))

	stale := time.Now().UTC().Add(-25 * time.Hour)
	_, err := s.DB().Exec(`UPDATE sessions SET last_used_at = ? WHERE thread_id = ?`, stale, "t1")
	require.NoError(t, err)

	// A stale session reads as absent rather than erroring, so a task can
	// always fall through to a fresh run.
	got, err := s.GetSession(ctx, "t1", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err := s.PruneSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, "t1", "alpha", "sess-abc"))
	require.NoError(t, s.DeleteSession(ctx, "t1"))

	got, err := s.GetSession(ctx, "t1", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)
}
