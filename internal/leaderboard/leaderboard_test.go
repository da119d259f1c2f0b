package leaderboard

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"quizlive/internal/domain"
)

func TestRankOrdersByPointsThenTime(t *testing.T) {
	standings := []domain.Standing{
		{UID: "b", Nickname: "Bob", TotalPoints: 700, TotalTimeMs: 9000},
		{UID: "a", Nickname: "Alice", TotalPoints: 700, TotalTimeMs: 4000},
		{UID: "c", Nickname: "Cleo", TotalPoints: 1000, TotalTimeMs: 20000},
		{UID: "d", Nickname: "Dan", TotalPoints: 0, TotalTimeMs: 1000},
	}

	got := Rank(standings, nil)
	want := []domain.LeaderboardEntry{
		{Rank: 1, UID: "c", Nickname: "Cleo", TotalPoints: 1000, TotalTimeMs: 20000},
		{Rank: 2, UID: "a", Nickname: "Alice", TotalPoints: 700, TotalTimeMs: 4000},
		{Rank: 3, UID: "b", Nickname: "Bob", TotalPoints: 700, TotalTimeMs: 9000},
		{Rank: 4, UID: "d", Nickname: "Dan", TotalPoints: 0, TotalTimeMs: 1000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected ranking (-want +got):\n%s", diff)
	}
}

func TestRankIsIndependentOfInputOrder(t *testing.T) {
	standings := []domain.Standing{
		{UID: "u1", TotalPoints: 400, TotalTimeMs: 100},
		{UID: "u2", TotalPoints: 400, TotalTimeMs: 100},
		{UID: "u3", TotalPoints: 400, TotalTimeMs: 50},
		{UID: "u4", TotalPoints: 900, TotalTimeMs: 700},
		{UID: "u5", TotalPoints: 0, TotalTimeMs: 0},
	}
	want := Rank(standings, nil)

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.Standing(nil), standings...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if diff := cmp.Diff(want, Rank(shuffled, nil)); diff != "" {
			t.Fatalf("ranking depends on input order (-want +got):\n%s", diff)
		}
	}
}

func TestAggregatorDeltas(t *testing.T) {
	agg := NewAggregator()
	first := agg.Update([]domain.Standing{
		{UID: "a", TotalPoints: 700},
		{UID: "b", TotalPoints: 0},
	})
	for _, e := range first {
		if e.Delta != 0 {
			t.Fatalf("expected no delta on first ranking, got %+v", e)
		}
	}

	second := agg.Update([]domain.Standing{
		{UID: "a", TotalPoints: 700},
		{UID: "b", TotalPoints: 1400},
		{UID: "c", TotalPoints: 100},
	})
	byUID := map[string]domain.LeaderboardEntry{}
	for _, e := range second {
		byUID[e.UID] = e
	}
	if byUID["b"].Rank != 1 || byUID["b"].Delta != 1 {
		t.Fatalf("expected b to move up to rank 1, got %+v", byUID["b"])
	}
	if byUID["a"].Rank != 2 || byUID["a"].Delta != -1 {
		t.Fatalf("expected a to drop to rank 2, got %+v", byUID["a"])
	}
	if byUID["c"].Delta != 0 {
		t.Fatalf("new entrant should have zero delta, got %+v", byUID["c"])
	}
	if len(agg.Last()) != 3 {
		t.Fatalf("expected last ranking to be kept, got %d entries", len(agg.Last()))
	}
}
