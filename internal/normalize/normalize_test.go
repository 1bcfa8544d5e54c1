package normalize

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich/enrichtest"
)

var tiers = []string{"basic", "intermediate", "advanced"}

func setup(t *testing.T) (*database.DB, *Inserter, int64) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	id, err := db.InsertItem(context.Background(), database.NewItem{URL: "https://a.com", Title: "A", Content: "body"})
	require.NoError(t, err)
	return db, New(db, tiers), id
}

func counts(t *testing.T, db *database.DB, id int64) (int, int, int) {
	t.Helper()
	ctx := context.Background()
	s, err := db.GetSummaries(ctx, id)
	require.NoError(t, err)
	k, err := db.GetKeywords(ctx, id)
	require.NoError(t, err)
	q, err := db.GetQuestions(ctx, id)
	require.NoError(t, err)
	return len(s), len(k), len(q)
}

func TestInsertWritesAllTiers(t *testing.T) {
	db, in, id := setup(t)
	ctx := context.Background()

	require.NoError(t, in.Insert(ctx, id, enrichtest.Result(tiers, 5, 5)))

	s, k, q := counts(t, db, id)
	assert.Equal(t, 3, s)
	assert.Equal(t, 15, k)
	assert.Equal(t, 15, q)

	notes, err := db.GetNotes(ctx, id)
	require.NoError(t, err)
	assert.Len(t, notes, 3)

	it, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, it.NormalizedAt)
}

func TestInsertIsIdempotent(t *testing.T) {
	db, in, id := setup(t)
	ctx := context.Background()
	res := enrichtest.Result(tiers, 5, 5)

	require.NoError(t, in.Insert(ctx, id, res))
	require.NoError(t, in.Insert(ctx, id, res))

	s, k, q := counts(t, db, id)
	assert.Equal(t, []int{3, 15, 15}, []int{s, k, q})

	n, err := db.CountRawResults(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "raw results are appended per pass")
}

func TestInsertReplacesStaleRows(t *testing.T) {
	db, in, id := setup(t)
	ctx := context.Background()

	require.NoError(t, in.Insert(ctx, id, enrichtest.Result(tiers, 5, 5)))
	require.NoError(t, in.Insert(ctx, id, enrichtest.Result(tiers, 2, 3)))

	s, k, q := counts(t, db, id)
	assert.Equal(t, []int{3, 6, 9}, []int{s, k, q})
}

func TestInsertTxRollsBackOnFailure(t *testing.T) {
	db, in, id := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *database.Tx) error {
		if err := in.InsertTx(ctx, tx, id, enrichtest.Result(tiers, 5, 5)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	s, k, q := counts(t, db, id)
	assert.Equal(t, []int{0, 0, 0}, []int{s, k, q})
	_, err = db.GetLatestRawResult(ctx, id)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestInsertUnknownItemFails(t *testing.T) {
	_, in, _ := setup(t)
	err := in.Insert(context.Background(), 999, enrichtest.Result(tiers, 1, 1))
	assert.Error(t, err)
}

func TestReplayRebuildsFromRaw(t *testing.T) {
	db, in, id := setup(t)
	ctx := context.Background()

	require.NoError(t, in.Insert(ctx, id, enrichtest.Result(tiers, 5, 5)))
	require.NoError(t, db.WithTx(ctx, func(tx *database.Tx) error {
		return tx.DeleteNormalized(ctx, id)
	}))

	require.NoError(t, in.Replay(ctx, id))

	s, k, q := counts(t, db, id)
	assert.Equal(t, []int{3, 15, 15}, []int{s, k, q})
	n, _ := db.CountRawResults(ctx, id)
	assert.Equal(t, 1, n, "replay does not append a raw result")
}

func TestReplayWithoutRawResult(t *testing.T) {
	_, in, id := setup(t)
	err := in.Replay(context.Background(), id)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
