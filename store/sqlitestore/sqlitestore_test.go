package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/job"
	"renderq/store"
	"renderq/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		return b
	})
}

func TestBackend_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	first, err := Open(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	ctx := context.Background()
	clock := storetest.NewClock()
	j := storetest.NewJob(clock, "owner", 1, 3)
	require.NoError(t, first.Insert(ctx, j))

	a := store.New(first)
	b := store.New(second)

	_, err = a.Claim(ctx, j.ID, "instance-a")
	require.NoError(t, err)
	_, err = b.Claim(ctx, j.ID, "instance-b")
	assert.ErrorIs(t, err, store.ErrClaimConflict)

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.Equal(t, "instance-a", got.ClaimToken)
}
