package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneWorker(t *testing.T) {
	st := newWorkerStore(t)
	ctx := context.Background()

	insertReplayed(t, st, "run-p", 0, time.Now().Add(-10*24*time.Hour))
	insertReplayed(t, st, "run-p", 1, time.Now().Add(-time.Hour))
	insertReplayed(t, st, "run-p", 2, time.Time{})

	claims := st.Claims()
	ok, err := claims.SetNX(ctx, "crmseed:claim:run-p:v1:0", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = claims.SetNX(ctx, "crmseed:claim:run-p:v1:1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	w := NewPruneWorker(st, RetentionConfig{Enabled: true, DLQRetention: 7 * 24 * time.Hour}, nil)
	res := w.Prune(ctx)
	assert.Equal(t, int64(1), res.Claims)
	assert.Equal(t, int64(1), res.DLQ)

	left, err := st.ListDLQEntries(ctx, store.DLQFilter{RunID: "run-p", IncludeReplayed: true})
	require.NoError(t, err)
	assert.Len(t, left, 2)

	// The live claim survived.
	ok, err = claims.SetNX(ctx, "crmseed:claim:run-p:v1:1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPruneWorkerKeepsDLQWithoutRetention(t *testing.T) {
	st := newWorkerStore(t)
	ctx := context.Background()
	insertReplayed(t, st, "run-q", 0, time.Now().Add(-365*24*time.Hour))

	w := NewPruneWorker(st, RetentionConfig{Enabled: true}, nil)
	assert.Equal(t, int64(0), w.Prune(ctx).DLQ)

	w.UpdateConfig(RetentionConfig{Enabled: false, DLQRetention: time.Hour})
	assert.Equal(t, PruneResult{}, w.Prune(ctx))

	w.UpdateConfig(RetentionConfig{Enabled: true, DLQRetention: time.Hour})
	assert.Equal(t, int64(1), w.Prune(ctx).DLQ)
}
