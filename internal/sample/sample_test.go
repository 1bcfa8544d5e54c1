package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/graded/internal/database"
)

func candidates(n int) []database.Item {
	items := make([]database.Item, n)
	for i := range items {
		items[i] = database.Item{ID: int64(i + 1), State: database.StateUnprocessed}
	}
	return items
}

func ids(items []database.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New("weighted", "x")
	assert.Error(t, err)
}

func TestRateOneSelectsAll(t *testing.T) {
	for _, mode := range []string{"hash", "random"} {
		s, err := New(mode, "seed")
		require.NoError(t, err)
		got := s.Select(candidates(25), 1)
		assert.Len(t, got, 25, mode)
		got = s.Select(candidates(25), 0)
		assert.Len(t, got, 25, mode)
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	for _, mode := range []string{"hash", "random"} {
		s, _ := New(mode, "seed")
		first := ids(s.Select(candidates(500), 4))
		second := ids(s.Select(candidates(500), 4))
		assert.Equal(t, first, second, mode)
	}
}

func TestSelectApproximatesRate(t *testing.T) {
	for _, mode := range []string{"hash", "random"} {
		s, _ := New(mode, "seed")
		got := s.Select(candidates(4000), 4)
		assert.InDelta(t, 1000, len(got), 150, mode)
	}
}

func TestHashModeIndependentOfOtherCandidates(t *testing.T) {
	s, _ := New("hash", "seed")
	all := s.Select(candidates(200), 3)
	chosen := make(map[int64]bool)
	for _, it := range all {
		chosen[it.ID] = true
	}
	subset := s.Select(candidates(200)[100:], 3)
	for _, it := range subset {
		assert.True(t, chosen[it.ID], "item %d chosen only in subset", it.ID)
	}
}

func TestSelectSkipsTerminalStates(t *testing.T) {
	s, _ := New("hash", "seed")
	items := candidates(3)
	items[1].State = database.StateFailedPermanent
	items[2].State = database.StateProcessed
	got := s.Select(items, 1)
	assert.Equal(t, []int64{1}, ids(got))
}

func TestSelectDoesNotMutateCandidates(t *testing.T) {
	s, _ := New("random", "seed")
	items := candidates(10)
	before := ids(items)
	s.Select(items, 2)
	assert.Equal(t, before, ids(items))
}
