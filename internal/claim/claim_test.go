package claim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich"
	"github.com/TobiSchelling/graded/internal/enrich/enrichtest"
	"github.com/TobiSchelling/graded/internal/normalize"
	"github.com/TobiSchelling/graded/internal/sample"
)

var tiers = []string{"basic", "intermediate", "advanced"}

type fixture struct {
	db *database.DB
	m  *Manager
	id int64
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	id, err := db.InsertItem(context.Background(), database.NewItem{
		URL: "https://example.com/x", Title: "X", Content: "Article body", Category: "science",
	})
	require.NoError(t, err)

	m := NewManager(db, normalize.New(db, tiers), Options{
		MaxRetries: maxRetries, Lease: time.Minute, Tiers: tiers,
	})
	return &fixture{db: db, m: m, id: id}
}

func (f *fixture) item(t *testing.T) *database.Item {
	t.Helper()
	it, err := f.db.Get(context.Background(), f.id)
	require.NoError(t, err)
	return it
}

func TestProcessSuccessWritesAllTiers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	candidates, err := f.db.GetUnprocessed(ctx, 0, time.Now())
	require.NoError(t, err)
	s, _ := sample.New("hash", "seed")
	selected := s.Select(candidates, 1)
	require.Len(t, selected, 1)

	inv := enrichtest.NewInvoker(enrichtest.Succeed(5, 5))
	r := f.m.Process(ctx, selected[0], "w1", inv)
	require.NoError(t, r.Err)
	assert.Equal(t, Succeeded, r.Outcome)

	it := f.item(t)
	assert.Equal(t, database.StateProcessed, it.State)
	assert.Equal(t, 0, it.FailureCount)
	assert.Nil(t, it.ClaimOwner)
	assert.NotNil(t, it.ProcessedAt)

	sums, _ := f.db.GetSummaries(ctx, f.id)
	kws, _ := f.db.GetKeywords(ctx, f.id)
	qs, _ := f.db.GetQuestions(ctx, f.id)
	assert.Len(t, sums, 3)
	assert.Len(t, kws, 15)
	assert.Len(t, qs, 15)

	calls := inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "science", calls[0].Category)
	assert.Equal(t, tiers, calls[0].Tiers)
}

func TestProcessTwoTransientFailuresBecomePermanent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	inv := enrichtest.NewInvoker(enrichtest.Fail(enrich.Transient, "timeout"))

	r := f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Retrying, r.Outcome)
	it := f.item(t)
	assert.Equal(t, database.StateFailedRetryable, it.State)
	assert.Equal(t, 1, it.FailureCount)

	r = f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Failed, r.Outcome)
	it = f.item(t)
	assert.Equal(t, database.StateFailedPermanent, it.State)
	assert.Equal(t, 2, it.FailureCount)
	require.NotNil(t, it.LastError)
	assert.Contains(t, *it.LastError, "timeout")

	candidates, err := f.db.GetUnprocessed(ctx, 0, time.Now())
	require.NoError(t, err)
	s, _ := sample.New("hash", "seed")
	assert.Empty(t, s.Select(candidates, 1))
}

func TestProcessPermanentFailsImmediately(t *testing.T) {
	f := newFixture(t, 5)
	inv := enrichtest.NewInvoker(enrichtest.Fail(enrich.Permanent, "rejected"))

	r := f.m.Process(context.Background(), *f.item(t), "w1", inv)
	assert.Equal(t, Failed, r.Outcome)
	it := f.item(t)
	assert.Equal(t, database.StateFailedPermanent, it.State)
	assert.Equal(t, 1, it.FailureCount)
}

// scriptedProvider answers every prompt with the same raw text.
type scriptedProvider struct{ response string }

func (p scriptedProvider) Generate(context.Context, string, int) (string, error) {
	return p.response, nil
}
func (scriptedProvider) IsConfigured() bool { return true }
func (scriptedProvider) Name() string       { return "scripted" }

func TestProcessTruncatedFenceIsRetryable(t *testing.T) {
	f := newFixture(t, 3)
	inv := enrich.NewLLMInvoker(scriptedProvider{response: "```json"}, enrich.Options{})

	r := f.m.Process(context.Background(), *f.item(t), "w1", inv)
	assert.Equal(t, Retrying, r.Outcome)
	it := f.item(t)
	assert.Equal(t, database.StateFailedRetryable, it.State)
	assert.Equal(t, 1, it.FailureCount)
	assert.Nil(t, it.ClaimOwner)
}

func TestProcessUnclosedFenceSucceeds(t *testing.T) {
	f := newFixture(t, 3)
	raw := "```json\n" + enrichtest.Response(tiers, 5, 5)
	inv := enrich.NewLLMInvoker(scriptedProvider{response: raw}, enrich.Options{})

	r := f.m.Process(context.Background(), *f.item(t), "w1", inv)
	require.NoError(t, r.Err)
	assert.Equal(t, Succeeded, r.Outcome)
	assert.Equal(t, database.StateProcessed, f.item(t).State)
}

func TestProcessRetryThenSucceed(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	inv := enrichtest.NewInvoker(enrichtest.Fail(enrich.Transient, "429")).Then(enrichtest.Succeed(5, 5))

	assert.Equal(t, Retrying, f.m.Process(ctx, *f.item(t), "w1", inv).Outcome)
	assert.Equal(t, Succeeded, f.m.Process(ctx, *f.item(t), "w1", inv).Outcome)
	assert.Equal(t, database.StateProcessed, f.item(t).State)
}

func TestProcessConflictWhenClaimedElsewhere(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	_, _, err := f.m.Claim(ctx, f.id, "other")
	require.NoError(t, err)

	inv := enrichtest.NewInvoker(enrichtest.Succeed(5, 5))
	r := f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Conflict, r.Outcome)
	assert.ErrorIs(t, r.Err, database.ErrConflict)
	assert.Empty(t, inv.Calls(), "no service call without a claim")
}

func TestProcessConcurrentWorkersSingleCall(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	item := *f.item(t)
	inv := enrichtest.NewInvoker(enrichtest.Succeed(5, 5))

	const workers = 6
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.m.Process(ctx, item, fmt.Sprintf("w%d", i), inv).Outcome
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, o := range outcomes {
		if o == Succeeded {
			succeeded++
		} else {
			assert.Equal(t, Conflict, o)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, inv.Calls(), 1)

	kws, _ := f.db.GetKeywords(ctx, f.id)
	assert.Len(t, kws, 15)
}

func TestProcessCancelReleasesClaim(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	inv := enrichtest.NewInvoker(func(ctx context.Context, _ enrich.Request) (*enrich.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, &enrich.Error{Kind: enrich.Transient, Reason: "canceled", Err: ctx.Err()}
	})

	r := f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Aborted, r.Outcome)
	it := f.item(t)
	assert.Equal(t, database.StateUnprocessed, it.State)
	assert.Equal(t, 0, it.FailureCount)
	assert.Nil(t, it.ClaimOwner)
}

func TestProcessLeaseLostBeforeCompletion(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	inv := enrichtest.NewInvoker(func(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
		// Another worker takes over after the lease expired.
		_, _, err := f.db.ClaimItem(ctx, req.ItemID, "w2", time.Now().Add(time.Hour), time.Hour)
		require.NoError(t, err)
		return enrichtest.Result(req.Tiers, 5, 5), nil
	})

	r := f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Conflict, r.Outcome)

	it := f.item(t)
	assert.Equal(t, database.StateClaimed, it.State)
	require.NotNil(t, it.ClaimOwner)
	assert.Equal(t, "w2", *it.ClaimOwner)

	kws, _ := f.db.GetKeywords(ctx, f.id)
	assert.Empty(t, kws, "stale worker's rows must be rolled back")
}

type failingWriter struct{ err error }

func (w failingWriter) InsertTx(context.Context, *database.Tx, int64, *enrich.Result) error {
	return w.err
}

func TestProcessWriteFailureIsRetried(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.m.writer = failingWriter{err: errors.New("disk full")}
	inv := enrichtest.NewInvoker(enrichtest.Succeed(5, 5))

	r := f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Retrying, r.Outcome)
	var wf *WriteFailure
	assert.ErrorAs(t, r.Err, &wf)
	assert.Equal(t, database.StateFailedRetryable, f.item(t).State)

	r = f.m.Process(ctx, *f.item(t), "w1", inv)
	assert.Equal(t, Failed, r.Outcome)
	assert.Equal(t, database.StateFailedPermanent, f.item(t).State)
	assert.Nil(t, f.item(t).NormalizedAt)
}

func TestFailStaleCountConflicts(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c, it, err := f.m.Claim(ctx, f.id, "w1")
	require.NoError(t, err)

	stale := *it
	stale.FailureCount = 7
	_, err = f.m.Fail(ctx, *c, &stale, errors.New("x"))
	assert.ErrorIs(t, err, database.ErrConflict)
	assert.Equal(t, database.StateClaimed, f.item(t).State)
}

func TestForceReprocess(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	inv := enrichtest.NewInvoker(enrichtest.Fail(enrich.Transient, "timeout"))
	assert.Equal(t, Failed, f.m.Process(ctx, *f.item(t), "w1", inv).Outcome)

	n, err := f.m.ForceReprocess(ctx, []int64{f.id, 999})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, database.ErrNotFound)

	it := f.item(t)
	assert.Equal(t, database.StateUnprocessed, it.State)
	assert.Equal(t, 0, it.FailureCount)
}
