//go:build integration

package ledger_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/storage"
	"github.com/ashita-ai/dualcommit/internal/testutil"
)

var (
	pgDB *storage.DB
	pgTC *testutil.TestContainer
)

func TestMain(m *testing.M) {
	pgTC = testutil.MustStartPostgres()
	var err error
	pgDB, err = pgTC.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		pgTC.Terminate()
		panic(err)
	}
	code := m.Run()
	pgDB.Close()
	pgTC.Terminate()
	os.Exit(code)
}

func TestPostgresBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, pgTC.Truncate(ctx))
	svc := ledger.NewService(ledger.NewPostgresBackend(pgDB), discard,
		ledger.WithIDGenerator(sequentialIDs("PG001", "PG002")))

	res, err := svc.CreateProposal(ctx, loggingProposal())
	require.NoError(t, err)
	assert.Equal(t, "PG001", res.CommitID)

	_, err = svc.Reject(ctx, "PG001", "")
	assert.ErrorIs(t, err, ledger.ErrReasonRequired)

	p, err := svc.Reject(ctx, "PG001", "not now")
	require.NoError(t, err)
	require.NotNil(t, p.Rejection)
	assert.Equal(t, "not now", p.Rejection.Reason)

	_, err = svc.Approve(ctx, "PG001")
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)

	_, err = svc.Approve(ctx, "PG999")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	other := loggingProposal()
	other.Summary = "different"
	_, err = svc.CreateProposal(ctx, other)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, "PG002")
	require.NoError(t, err)
	applied, err := svc.MarkApplied(ctx, "PG002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApplied, applied.Status)

	history, err := svc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "PG001", history[0].CommitID)
}
