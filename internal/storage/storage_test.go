//go:build integration

package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/storage"
	"github.com/ashita-ai/dualcommit/internal/testutil"
	"github.com/ashita-ai/dualcommit/migrations"
)

var (
	testDB *storage.DB
	tc     *testutil.TestContainer
)

func TestMain(m *testing.M) {
	tc = testutil.MustStartPostgres()
	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestProposalLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, tc.Truncate(ctx))

	ok, err := testDB.InsertProposal(ctx, "P0001", "doc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.InsertProposal(ctx, "P0001", "again")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := testDB.ProposalExists(ctx, "P0001")
	require.NoError(t, err)
	assert.True(t, exists)

	current, moved, err := testDB.TransitionProposal(ctx, "P0001", model.StatusPending, model.StatusRejected, "\nREJECTED")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, model.StatusRejected, current)

	current, moved, err = testDB.TransitionProposal(ctx, "P0001", model.StatusPending, model.StatusCommit, "")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, model.StatusRejected, current)

	rec, err := testDB.GetProposal(ctx, "P0001")
	require.NoError(t, err)
	assert.Equal(t, "doc\nREJECTED", rec.Content)

	_, _, err = testDB.TransitionProposal(ctx, "NOPE1", model.StatusPending, model.StatusCommit, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.GetProposal(ctx, "NOPE1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, tc.Truncate(ctx))
	_, err := testDB.InsertProposal(ctx, "RACE1", "doc")
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		moves int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			to := model.StatusCommit
			if i%2 == 1 {
				to = model.StatusRejected
			}
			_, moved, err := testDB.TransitionProposal(ctx, "RACE1", model.StatusPending, to, "")
			assert.NoError(t, err)
			if moved {
				mu.Lock()
				moves++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, moves)

	pending, err := testDB.ListProposals(ctx, model.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
